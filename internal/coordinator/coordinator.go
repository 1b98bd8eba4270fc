// Package coordinator runs independent task batches in isolated
// working copies and serializes merge-back into the shared baseline.
//
// Fan-out is bounded by the worker limit and joined before batch
// completion is reported back; only the integration step is ordered,
// and that order need not match batch order.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/foundryd/internal/agent"
	"github.com/fyrsmithlabs/foundryd/internal/task"
	"github.com/fyrsmithlabs/foundryd/internal/workspace"
)

const instrumentationName = "github.com/fyrsmithlabs/foundryd/internal/coordinator"

// Config configures batch execution.
type Config struct {
	// WorkerLimit bounds concurrent working copies. Default: 4.
	WorkerLimit int

	// InvokeTimeout bounds each backend call. Default: 15 minutes.
	InvokeTimeout time.Duration
}

// DefaultConfig returns coordinator defaults.
func DefaultConfig() *Config {
	return &Config{
		WorkerLimit:   4,
		InvokeTimeout: 15 * time.Minute,
	}
}

// Outcome is the result of executing one task in its working copy.
type Outcome struct {
	Task   *task.Task
	Copy   *workspace.WorkingCopy
	Result *agent.Result
	Verify *agent.VerifyResult
	Err    error
}

// Succeeded reports whether implementation and verification both passed.
func (o *Outcome) Succeeded() bool {
	return o.Err == nil && o.Verify != nil && o.Verify.Passed
}

// Coordinator executes batches of independent tasks.
type Coordinator struct {
	invoker    *agent.Invoker
	verifier   agent.Verifier
	workspaces *workspace.Manager
	config     *Config
	logger     *zap.Logger

	tracer       trace.Tracer
	meter        metric.Meter
	batchCounter metric.Int64Counter
	taskDur      metric.Float64Histogram
}

// New creates a coordinator.
func New(invoker *agent.Invoker, verifier agent.Verifier, workspaces *workspace.Manager, cfg *Config, logger *zap.Logger) (*Coordinator, error) {
	if invoker == nil {
		return nil, errors.New("invoker is required")
	}
	if verifier == nil {
		return nil, errors.New("verifier is required")
	}
	if workspaces == nil {
		return nil, errors.New("workspace manager is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.WorkerLimit <= 0 {
		cfg.WorkerLimit = DefaultConfig().WorkerLimit
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = DefaultConfig().InvokeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Coordinator{
		invoker:    invoker,
		verifier:   verifier,
		workspaces: workspaces,
		config:     cfg,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
	}
	c.initMetrics()
	return c, nil
}

func (c *Coordinator) initMetrics() {
	var err error
	c.batchCounter, err = c.meter.Int64Counter(
		"foundryd.coordinator.batches_total",
		metric.WithDescription("Parallel batches executed"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		c.logger.Warn("failed to create batch counter", zap.Error(err))
	}
	c.taskDur, err = c.meter.Float64Histogram(
		"foundryd.coordinator.task_duration_seconds",
		metric.WithDescription("Per-task execution duration inside a batch"),
		metric.WithUnit("s"),
	)
	if err != nil {
		c.logger.Warn("failed to create task duration histogram", zap.Error(err))
	}
}

// ExecuteBatch runs each task of the batch in its own working copy,
// concurrently up to the worker limit, and joins before returning.
// Per-task failures land in the outcome, never abort siblings.
func (c *Coordinator) ExecuteBatch(ctx context.Context, batch []*task.Task) []*Outcome {
	ctx, span := c.tracer.Start(ctx, "coordinator.execute_batch")
	defer span.End()
	span.SetAttributes(attribute.Int("batch_size", len(batch)))

	outcomes := make([]*Outcome, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.WorkerLimit)

	for i, t := range batch {
		g.Go(func() error {
			start := time.Now()
			outcomes[i] = c.executeTask(gctx, t)
			if c.taskDur != nil {
				c.taskDur.Record(gctx, time.Since(start).Seconds(), metric.WithAttributes(
					attribute.Bool("succeeded", outcomes[i].Succeeded()),
				))
			}
			return nil
		})
	}
	// Errors are carried per-outcome; the group only joins the barrier.
	_ = g.Wait()

	if c.batchCounter != nil {
		c.batchCounter.Add(ctx, 1)
	}
	return outcomes
}

// executeTask runs the inner sequence for one task: working copy,
// test writing, implementation, verification.
func (c *Coordinator) executeTask(ctx context.Context, t *task.Task) *Outcome {
	out := &Outcome{Task: t}

	wc, err := c.workspaces.Create(t.ID)
	if err != nil {
		out.Err = err
		return out
	}
	out.Copy = wc
	if err := wc.MarkExecuting(); err != nil {
		out.Err = err
		return out
	}

	ic := agent.InvokeContext{
		WorkDir:  wc.Dir,
		Feedback: t.Feedback,
		Timeout:  c.config.InvokeTimeout,
	}

	// Test writing strictly precedes implementation.
	ic.Stage = agent.StageTests
	if _, err := c.invoker.Invoke(ctx, t, ic); err != nil {
		out.Err = fmt.Errorf("test stage failed for task %s: %w", t.ID, err)
		return out
	}

	ic.Stage = agent.StageImplementation
	res, err := c.invoker.Invoke(ctx, t, ic)
	if err != nil {
		out.Err = fmt.Errorf("implementation stage failed for task %s: %w", t.ID, err)
		return out
	}
	out.Result = res

	verify, err := c.verifier.Verify(ctx, wc.Dir)
	if err != nil {
		out.Err = fmt.Errorf("verification failed for task %s: %w", t.ID, err)
		return out
	}
	out.Verify = verify

	c.logger.Info("task executed in working copy",
		zap.String("task_id", t.ID),
		zap.String("working_copy", wc.ID),
		zap.Bool("verified", verify.Passed),
	)
	return out
}

// IntegrationOrder returns the outcomes eligible for integration in the
// total integration order (ascending task id; deterministic and
// decoupled from batch order).
func IntegrationOrder(outcomes []*Outcome) []*Outcome {
	eligible := make([]*Outcome, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Succeeded() {
			eligible = append(eligible, o)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].Task.ID < eligible[j].Task.ID
	})
	return eligible
}

// Integrate merges one outcome's working copy into the shared baseline
// and discards the copy on success. On a merge conflict the copy is
// preserved for diagnosis and the fault propagates for escalation.
func (c *Coordinator) Integrate(ctx context.Context, o *Outcome) error {
	_, span := c.tracer.Start(ctx, "coordinator.integrate")
	defer span.End()
	span.SetAttributes(attribute.String("task_id", o.Task.ID))

	if err := c.workspaces.Integrate(o.Copy); err != nil {
		span.RecordError(err)
		return err
	}
	return c.workspaces.Discard(o.Copy)
}

// Abandon discards a working copy whose changes will not be integrated
// (rejected review, retry path).
func (c *Coordinator) Abandon(o *Outcome) error {
	if o.Copy == nil {
		return nil
	}
	return c.workspaces.Discard(o.Copy)
}
