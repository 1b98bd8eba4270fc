package review

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/foundryd/internal/agent"
)

const instrumentationName = "github.com/fyrsmithlabs/foundryd/internal/review"

// Config configures the dispatcher.
type Config struct {
	// Timeout bounds each reviewer call. Default: 5 minutes.
	Timeout time.Duration

	// Epsilon is the band around a gate threshold inside which a
	// weighted score escalates instead of deciding. Default: 0.5.
	Epsilon float64
}

// DefaultConfig returns dispatcher defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout: 5 * time.Minute,
		Epsilon: 0.5,
	}
}

// Dispatcher fans an artifact out to two reviewers and resolves their
// verdicts into a single decision. For fixed results and a fixed weight
// table the decision is deterministic.
type Dispatcher struct {
	first  Reviewer
	second Reviewer
	config *Config
	logger *zap.Logger

	tracer          trace.Tracer
	meter           metric.Meter
	decisionCounter metric.Int64Counter
}

// NewDispatcher creates a dispatcher over two independent reviewers.
func NewDispatcher(first, second Reviewer, cfg *Config, logger *zap.Logger) (*Dispatcher, error) {
	if first == nil || second == nil {
		return nil, errors.New("two reviewers are required")
	}
	if first.Name() == second.Name() {
		return nil, fmt.Errorf("reviewers must be independent, both named %q", first.Name())
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = DefaultConfig().Epsilon
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		first:  first,
		second: second,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	d.initMetrics()
	return d, nil
}

func (d *Dispatcher) initMetrics() {
	var err error
	d.decisionCounter, err = d.meter.Int64Counter(
		"foundryd.review.decisions_total",
		metric.WithDescription("Review decisions by outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		d.logger.Warn("failed to create decision counter", zap.Error(err))
	}
}

// Dispatch sends the artifact to both reviewers concurrently, joins on
// both responses and resolves the verdicts against the gate threshold.
func (d *Dispatcher) Dispatch(ctx context.Context, artifact *Artifact, threshold float64) (*Decision, error) {
	ctx, span := d.tracer.Start(ctx, "review.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("artifact_id", artifact.ID),
		attribute.String("artifact_kind", artifact.Kind),
		attribute.Float64("threshold", threshold),
	)

	var firstResult, secondResult *Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := d.callReviewer(gctx, d.first, artifact)
		firstResult = r
		return err
	})
	g.Go(func() error {
		r, err := d.callReviewer(gctx, d.second, artifact)
		secondResult = r
		return err
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	decision := d.resolve(firstResult, secondResult, threshold)
	span.SetAttributes(
		attribute.String("outcome", string(decision.Outcome)),
		attribute.Float64("combined_score", decision.CombinedScore),
	)
	if d.decisionCounter != nil {
		d.decisionCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", string(decision.Outcome)),
		))
	}
	d.logger.Info("review decision",
		zap.String("artifact_id", artifact.ID),
		zap.String("outcome", string(decision.Outcome)),
		zap.Float64("combined_score", decision.CombinedScore),
		zap.Bool("dissent", decision.Dissent),
	)
	return decision, nil
}

// callReviewer runs one reviewer call under the per-call timeout.
func (d *Dispatcher) callReviewer(ctx context.Context, r Reviewer, artifact *Artifact) (*Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	res, err := r.Review(callCtx, artifact)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, agent.NewFault(agent.FaultTimeout, "review", fmt.Errorf("reviewer %s: %w", r.Name(), err))
		}
		return nil, fmt.Errorf("reviewer %s: %w", r.Name(), err)
	}
	if res == nil {
		return nil, agent.NewFault(agent.FaultAgentFailure, "review",
			fmt.Errorf("reviewer %s returned nil result", r.Name()))
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now()
	}
	if res.Reviewer == "" {
		res.Reviewer = r.Name()
	}
	return res, nil
}

// resolve applies the decision rule: approved iff both approve and
// both scores clear the gate threshold; a single rejection resolves
// through category-weighted scoring; a near-threshold score or a
// category disagreement escalates.
func (d *Dispatcher) resolve(first, second *Result, threshold float64) *Decision {
	decision := &Decision{
		Results: []*Result{first, second},
	}

	// A critical security finding halts immediately, bypassing retry.
	if blocking, issue := blockingSecurityIssue(first, second); blocking {
		decision.Outcome = OutcomeEscalate
		decision.Reason = "blocking security issue: " + issue.Description
		decision.Issues = collectIssues(first, second)
		return decision
	}

	if first.Approved && second.Approved {
		decision.CombinedScore = (first.Score + second.Score) / 2
		low := math.Min(first.Score, second.Score)
		if low >= threshold {
			decision.Outcome = OutcomeApproved
			return decision
		}
		// Approvals alone do not clear the gate; both scores must.
		decision.Issues = collectIssues(first, second)
		if threshold-low <= d.config.Epsilon {
			decision.Outcome = OutcomeEscalate
			decision.Reason = fmt.Sprintf("approved but score %.2f within epsilon %.2f of threshold %.2f",
				low, d.config.Epsilon, threshold)
		} else {
			decision.Outcome = OutcomeRetry
			decision.Reason = fmt.Sprintf("approved but score %.2f below threshold %.2f", low, threshold)
		}
		return decision
	}

	if !first.Approved && !second.Approved {
		decision.Outcome = OutcomeRetry
		decision.CombinedScore = (first.Score + second.Score) / 2
		decision.Reason = "both reviewers rejected"
		decision.Issues = collectIssues(first, second)
		return decision
	}

	// Exactly one rejection: resolve by category weighting.
	rejecting := first
	if !second.Approved {
		rejecting = second
	}

	catFirst := dominantCategory(first.Issues)
	catSecond := dominantCategory(second.Issues)
	if catFirst != "" && catSecond != "" && catFirst != catSecond {
		decision.Outcome = OutcomeEscalate
		decision.Reason = fmt.Sprintf("reviewers disagree on issue category: %s vs %s", catFirst, catSecond)
		decision.Issues = collectIssues(first, second)
		return decision
	}

	category := dominantCategory(rejecting.Issues)
	if category == "" {
		category = CategoryGeneral
	}

	wFirst, wSecond := weightsFor(category, d.first.Specialty(), d.second.Specialty())
	combined := wFirst*first.Score + wSecond*second.Score
	decision.CombinedScore = combined
	decision.Issues = collectIssues(first, second)

	switch {
	case math.Abs(combined-threshold) <= d.config.Epsilon:
		decision.Outcome = OutcomeEscalate
		decision.Reason = fmt.Sprintf("weighted score %.2f within epsilon %.2f of threshold %.2f",
			combined, d.config.Epsilon, threshold)
	case combined > threshold:
		decision.Outcome = OutcomeApproved
		decision.Dissent = true
		decision.Reason = fmt.Sprintf("approved over dissent from %s", rejecting.Reviewer)
	default:
		decision.Outcome = OutcomeRetry
		decision.Reason = fmt.Sprintf("weighted score %.2f below threshold %.2f", combined, threshold)
	}
	return decision
}

// weightsFor returns the weight pair for the two reviewers given the
// dominant issue category. The specialist for the category carries the
// heavier weight; without a matching specialist both weigh equally.
func weightsFor(category Category, first, second Specialty) (float64, float64) {
	var specialist Specialty
	var heavy float64
	switch category {
	case CategorySecurity:
		specialist, heavy = SpecialtySecurity, 0.8
	case CategoryArchitecture:
		specialist, heavy = SpecialtyArchitecture, 0.7
	default:
		return 0.5, 0.5
	}

	switch {
	case first == specialist && second != specialist:
		return heavy, 1 - heavy
	case second == specialist && first != specialist:
		return 1 - heavy, heavy
	default:
		return 0.5, 0.5
	}
}

// dominantCategory returns the most frequent issue category, with ties
// resolving security > architecture > general. Empty when no issues.
func dominantCategory(issues []Issue) Category {
	if len(issues) == 0 {
		return ""
	}
	counts := make(map[Category]int)
	for _, issue := range issues {
		counts[issue.Category]++
	}
	order := []Category{CategorySecurity, CategoryArchitecture, CategoryGeneral}
	best := CategoryGeneral
	bestCount := -1
	for _, c := range order {
		if counts[c] > bestCount {
			best = c
			bestCount = counts[c]
		}
	}
	return best
}

func blockingSecurityIssue(results ...*Result) (bool, Issue) {
	for _, r := range results {
		for _, issue := range r.Issues {
			if issue.Category == CategorySecurity && issue.Severity == SeverityCritical {
				return true, issue
			}
		}
	}
	return false, Issue{}
}

func collectIssues(results ...*Result) []Issue {
	var out []Issue
	for _, r := range results {
		out = append(out, r.Issues...)
	}
	return out
}
