package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/foundryd/internal/agent"
	"github.com/fyrsmithlabs/foundryd/internal/checkpoint"
	"github.com/fyrsmithlabs/foundryd/internal/coordinator"
	"github.com/fyrsmithlabs/foundryd/internal/escalation"
	"github.com/fyrsmithlabs/foundryd/internal/events"
	"github.com/fyrsmithlabs/foundryd/internal/review"
	"github.com/fyrsmithlabs/foundryd/internal/scheduler"
	"github.com/fyrsmithlabs/foundryd/internal/task"
)

const instrumentationName = "github.com/fyrsmithlabs/foundryd/internal/workflow"

// Planner produces the implementation plan reviewed at the Validation
// gate. Feedback carries reviewer issues from a rejected prior plan.
type Planner interface {
	BuildPlan(ctx context.Context, feedback []string) (*review.Artifact, error)
}

// Config configures the controller.
type Config struct {
	// ValidationThreshold gates the plan review. Default: 6.0.
	ValidationThreshold float64

	// VerificationThreshold gates the final implementation review.
	// Default: 7.0.
	VerificationThreshold float64

	// TaskThreshold gates per-task reviews inside Implementation.
	// Default: 6.0.
	TaskThreshold float64

	// MaxTaskAttempts bounds execution attempts for tasks that declare
	// no bound of their own. Default: 3.
	MaxTaskAttempts int

	// MaxGateRetries bounds loop-backs per gate before the conflict
	// escalates. Default: 3.
	MaxGateRetries int
}

// DefaultConfig returns controller defaults.
func DefaultConfig() *Config {
	return &Config{
		ValidationThreshold:   6.0,
		VerificationThreshold: 7.0,
		TaskThreshold:         6.0,
		MaxTaskAttempts:       3,
		MaxGateRetries:        3,
	}
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.ValidationThreshold <= 0 {
		c.ValidationThreshold = defaults.ValidationThreshold
	}
	if c.VerificationThreshold <= 0 {
		c.VerificationThreshold = defaults.VerificationThreshold
	}
	if c.TaskThreshold <= 0 {
		c.TaskThreshold = defaults.TaskThreshold
	}
	if c.MaxTaskAttempts <= 0 {
		c.MaxTaskAttempts = defaults.MaxTaskAttempts
	}
	if c.MaxGateRetries <= 0 {
		c.MaxGateRetries = defaults.MaxGateRetries
	}
}

// Deps carries the controller's collaborators.
type Deps struct {
	Store       *task.Store
	Scheduler   *scheduler.Scheduler
	Coordinator *coordinator.Coordinator
	Reviews     *review.Dispatcher
	Planner     Planner
	Checkpoints checkpoint.Store
	Escalations escalation.Store
	Events      events.Publisher
	Logger      *zap.Logger
}

// Controller drives the five-phase pipeline. It is the single writer
// for task, milestone and phase state; worker results return to it and
// are applied sequentially.
type Controller struct {
	store       *task.Store
	sched       *scheduler.Scheduler
	coord       *coordinator.Coordinator
	reviews     *review.Dispatcher
	planner     Planner
	checkpoints checkpoint.Store
	escalations escalation.Store
	events      events.Publisher
	config      *Config
	logger      *zap.Logger

	tracer            trace.Tracer
	meter             metric.Meter
	phaseCounter      metric.Int64Counter
	escalationCounter metric.Int64Counter

	mu       sync.Mutex
	state    *State
	prepared bool

	pause atomic.Bool
}

// New creates a controller.
func New(deps Deps, cfg *Config) (*Controller, error) {
	if deps.Store == nil {
		return nil, errors.New("task store is required")
	}
	if deps.Scheduler == nil {
		return nil, errors.New("scheduler is required")
	}
	if deps.Coordinator == nil {
		return nil, errors.New("coordinator is required")
	}
	if deps.Reviews == nil {
		return nil, errors.New("review dispatcher is required")
	}
	if deps.Planner == nil {
		return nil, errors.New("planner is required")
	}
	if deps.Checkpoints == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if deps.Escalations == nil {
		return nil, errors.New("escalation store is required")
	}
	if deps.Events == nil {
		deps.Events = events.NopPublisher{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.ApplyDefaults()

	c := &Controller{
		store:       deps.Store,
		sched:       deps.Scheduler,
		coord:       deps.Coordinator,
		reviews:     deps.Reviews,
		planner:     deps.Planner,
		checkpoints: deps.Checkpoints,
		escalations: deps.Escalations,
		events:      deps.Events,
		config:      cfg,
		logger:      deps.Logger,
		state:       NewState(),
		tracer:      otel.Tracer(instrumentationName),
		meter:       otel.Meter(instrumentationName),
	}
	c.initMetrics()
	return c, nil
}

func (c *Controller) initMetrics() {
	var err error
	c.phaseCounter, err = c.meter.Int64Counter(
		"foundryd.workflow.phase_transitions_total",
		metric.WithDescription("Phase transitions by target phase"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		c.logger.Warn("failed to create phase counter", zap.Error(err))
	}
	c.escalationCounter, err = c.meter.Int64Counter(
		"foundryd.workflow.escalations_total",
		metric.WithDescription("Escalations recorded by fault kind"),
		metric.WithUnit("{escalation}"),
	)
	if err != nil {
		c.logger.Warn("failed to create escalation counter", zap.Error(err))
	}
}

// Run drives the pipeline from the current phase until completion, a
// pause or an escalation. It returns nil on any resumable stop; an
// error means the controller itself could not make progress.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	switch c.state.Run {
	case RunActive:
		c.mu.Unlock()
		return errors.New("run already active")
	case RunCompleted:
		c.mu.Unlock()
		return errors.New("run already completed")
	}
	c.state.Run = RunActive
	c.mu.Unlock()
	c.pause.Store(false)

	ctx, span := c.tracer.Start(ctx, "workflow.run")
	defer span.End()

	for {
		if c.halted(ctx) {
			return ctx.Err()
		}

		phase := c.currentPhase()
		var err error
		switch phase {
		case PhasePlanning:
			err = c.runPlanning(ctx)
		case PhaseValidation:
			err = c.runValidation(ctx)
		case PhaseImplementation:
			err = c.runImplementation(ctx)
		case PhaseVerification:
			err = c.runVerification(ctx)
		case PhaseCompletion:
			return c.runCompletion(ctx)
		default:
			err = fmt.Errorf("unknown phase: %s", phase)
		}
		if err != nil {
			span.RecordError(err)
			c.mu.Lock()
			c.state.Run = RunFailed
			c.mu.Unlock()
			return err
		}
		if c.runState() != RunActive {
			return nil
		}
	}
}

// runPlanning builds the plan artifact and hands it to Validation.
func (c *Controller) runPlanning(ctx context.Context) error {
	c.setPhaseStatus(PhasePlanning, PhaseInProgress)
	c.logger.Info("planning started", zap.Int("feedback_items", len(c.gateFeedback())))

	artifact, err := c.planner.BuildPlan(ctx, c.gateFeedback())
	if err != nil {
		c.setPhaseStatus(PhasePlanning, PhaseFailed)
		return c.escalate(ctx, &escalation.Escalation{
			Kind:     agent.KindOf(err),
			Reason:   fmt.Sprintf("planning failed: %v", err),
			Options:  []string{"retry planning", "amend the task definitions"},
			Severity: escalation.SeverityError,
		})
	}

	c.mu.Lock()
	c.state.PlanArtifact = artifact
	c.mu.Unlock()
	return c.advance(ctx, PhaseValidation)
}

// runValidation reviews the plan at the Validation gate.
func (c *Controller) runValidation(ctx context.Context) error {
	c.setPhaseStatus(PhaseValidation, PhaseInProgress)

	plan := c.planArtifact()
	if plan == nil {
		// Reachable only through a rollback that skipped Planning.
		return c.loopBack(ctx, PhasePlanning, nil)
	}

	decision, err := c.reviews.Dispatch(ctx, plan, c.config.ValidationThreshold)
	if err != nil {
		c.setPhaseStatus(PhaseValidation, PhaseFailed)
		return c.escalate(ctx, &escalation.Escalation{
			Kind:     agent.KindOf(err),
			Reason:   fmt.Sprintf("plan review failed: %v", err),
			Options:  []string{"retry the review", "check reviewer connectivity"},
			Severity: escalation.SeverityError,
		})
	}
	return c.settleGate(ctx, PhaseValidation, PhasePlanning, PhaseImplementation, decision)
}

// runImplementation drains the task graph: batches of independent tasks
// execute in parallel, every result routes through review, approved
// work integrates serially into the baseline.
func (c *Controller) runImplementation(ctx context.Context) error {
	c.setPhaseStatus(PhaseImplementation, PhaseInProgress)

	if !c.isPrepared() {
		if err := c.prepareGraph(ctx); err != nil || c.runState() != RunActive {
			return err
		}
	}

	for {
		if c.halted(ctx) {
			return ctx.Err()
		}

		batch := c.sched.NextBatch()
		if len(batch) == 0 {
			return c.settleDrain(ctx)
		}

		ids := taskIDs(batch)
		c.publish(events.TypeBatchStart, "", map[string]string{
			"size":  strconv.Itoa(len(batch)),
			"tasks": strings.Join(ids, ","),
		})
		for _, t := range batch {
			if _, err := c.store.ApplyStatus(t.ID, task.StatusInProgress); err != nil {
				return err
			}
			c.publish(events.TypeTaskStart, t.ID, nil)
		}

		outcomes := c.coord.ExecuteBatch(ctx, batch)

		var approved []*coordinator.Outcome
		for _, o := range outcomes {
			ok, err := c.settleOutcome(ctx, o)
			if err != nil {
				return err
			}
			if ok {
				approved = append(approved, o)
			}
			if c.runState() != RunActive {
				return nil
			}
		}

		for _, o := range coordinator.IntegrationOrder(approved) {
			if c.halted(ctx) {
				return ctx.Err()
			}
			if err := c.integrateOutcome(ctx, o); err != nil {
				return err
			}
			if c.runState() != RunActive {
				return nil
			}
		}

		c.publish(events.TypeBatchComplete, "", map[string]string{
			"size": strconv.Itoa(len(batch)),
		})
	}
}

// prepareGraph runs construction-time graph work once per run: inferred
// edges, cycle detection, auto-split.
func (c *Controller) prepareGraph(ctx context.Context) error {
	if err := c.sched.Prepare(); err != nil {
		var cyc *scheduler.CycleError
		if errors.As(err, &cyc) {
			c.setPhaseStatus(PhaseImplementation, PhaseFailed)
			return c.escalate(ctx, &escalation.Escalation{
				Kind:     agent.FaultGraphCycle,
				Reason:   cyc.Error(),
				Options:  []string{"remove a dependency edge", "merge the cyclic tasks"},
				Severity: escalation.SeverityCritical,
			})
		}
		return fmt.Errorf("graph preparation failed: %w", err)
	}
	c.setPrepared(true)
	return c.checkpointNow(ctx, "graph_prepared")
}

// settleDrain decides what an empty batch means: done, stuck on failed
// tasks, or deadlocked.
func (c *Controller) settleDrain(ctx context.Context) error {
	drained, failed := c.store.Drained()
	switch {
	case drained && !failed:
		return c.advance(ctx, PhaseVerification)

	case failed:
		// Each failure already escalated when it happened; landing here
		// means a resume without operator intervention.
		c.setPhaseStatus(PhaseImplementation, PhaseFailed)
		return c.escalate(ctx, &escalation.Escalation{
			Kind:     agent.FaultAgentFailure,
			Reason:   "failed tasks remain; resolve their escalations before resuming",
			Options:  []string{"amend and requeue the failed tasks", "roll back to planning"},
			Severity: escalation.SeverityError,
		})

	default:
		err := c.sched.CheckDeadlock()
		var dl *scheduler.DeadlockError
		if errors.As(err, &dl) {
			c.setPhaseStatus(PhaseImplementation, PhaseFailed)
			return c.escalate(ctx, &escalation.Escalation{
				Kind:     agent.FaultDeadlock,
				Reason:   fmt.Sprintf("no runnable tasks; blocked: %s", strings.Join(dl.Blocked, ", ")),
				Options:  []string{"remove a dependency edge", "fail the blocked tasks"},
				Severity: escalation.SeverityCritical,
			})
		}
		if err != nil {
			return fmt.Errorf("deadlock check failed: %w", err)
		}
		return errors.New("scheduler produced no batch without draining or deadlock")
	}
}

// settleOutcome routes one execution outcome. A successful outcome goes
// to review; approval marks it for integration. Failures and rejections
// consume an attempt and requeue, or fail the task and escalate once
// the attempt budget is spent.
func (c *Controller) settleOutcome(ctx context.Context, o *coordinator.Outcome) (bool, error) {
	if !o.Succeeded() {
		msg := outcomeError(o)
		attempts, err := c.store.RecordAttempt(o.Task.ID, msg)
		if err != nil {
			return false, err
		}
		if err := c.coord.Abandon(o); err != nil {
			c.logger.Warn("failed to discard working copy", zap.String("task_id", o.Task.ID), zap.Error(err))
		}
		if attempts >= c.maxAttempts(o.Task) {
			return false, c.failTask(ctx, o.Task.ID, kindOfOutcome(o),
				fmt.Sprintf("task failed after %d attempts: %s", attempts, msg))
		}
		if err := c.store.Requeue(o.Task.ID); err != nil {
			return false, err
		}
		c.logger.Warn("task attempt failed, requeued",
			zap.String("task_id", o.Task.ID),
			zap.Int("attempts", attempts),
			zap.String("error", msg),
		)
		return false, nil
	}

	var output, verifyOutput string
	if o.Result != nil {
		output = o.Result.Output
	}
	if o.Verify != nil {
		verifyOutput = o.Verify.Output
	}
	decision, err := c.reviews.Dispatch(ctx, taskArtifact(o.Task, output, verifyOutput), c.config.TaskThreshold)
	if err != nil {
		if aerr := c.coord.Abandon(o); aerr != nil {
			c.logger.Warn("failed to discard working copy", zap.String("task_id", o.Task.ID), zap.Error(aerr))
		}
		// The task itself did not fail; requeue it so a resume re-runs
		// it instead of stranding it in progress.
		if rerr := c.store.Requeue(o.Task.ID); rerr != nil {
			return false, rerr
		}
		return false, c.escalate(ctx, &escalation.Escalation{
			TaskID:   o.Task.ID,
			Kind:     agent.KindOf(err),
			Reason:   fmt.Sprintf("task review failed: %v", err),
			Options:  []string{"retry the review", "check reviewer connectivity"},
			Severity: escalation.SeverityError,
		})
	}
	c.publish(events.TypeReviewDecision, o.Task.ID, map[string]string{
		"outcome":        string(decision.Outcome),
		"combined_score": fmt.Sprintf("%.2f", decision.CombinedScore),
	})

	switch decision.Outcome {
	case review.OutcomeApproved:
		return true, nil

	case review.OutcomeRetry:
		if err := c.store.AttachFeedback(o.Task.ID, decision.AllIssues()); err != nil {
			return false, err
		}
		attempts, err := c.store.RecordAttempt(o.Task.ID, "review rejected: "+decision.Reason)
		if err != nil {
			return false, err
		}
		if aerr := c.coord.Abandon(o); aerr != nil {
			c.logger.Warn("failed to discard working copy", zap.String("task_id", o.Task.ID), zap.Error(aerr))
		}
		if attempts >= c.maxAttempts(o.Task) {
			return false, c.failTask(ctx, o.Task.ID, agent.FaultReviewConflict,
				fmt.Sprintf("review rejected after %d attempts: %s", attempts, decision.Reason))
		}
		if err := c.store.Requeue(o.Task.ID); err != nil {
			return false, err
		}
		return false, nil

	default:
		if aerr := c.coord.Abandon(o); aerr != nil {
			c.logger.Warn("failed to discard working copy", zap.String("task_id", o.Task.ID), zap.Error(aerr))
		}
		if _, err := c.store.RecordAttempt(o.Task.ID, "review escalated: "+decision.Reason); err != nil {
			return false, err
		}
		kind, _ := faultKindFor(decision)
		return false, c.failTask(ctx, o.Task.ID, kind, decision.Reason)
	}
}

// integrateOutcome merges one approved working copy into the baseline,
// marks the task completed and checkpoints. A merge conflict fails the
// task and escalates with the preserved copy for diagnosis.
func (c *Controller) integrateOutcome(ctx context.Context, o *coordinator.Outcome) error {
	if err := c.coord.Integrate(ctx, o); err != nil {
		if _, rerr := c.store.RecordAttempt(o.Task.ID, err.Error()); rerr != nil {
			return rerr
		}
		return c.failTask(ctx, o.Task.ID, agent.FaultMergeConflict, err.Error())
	}

	if _, err := c.store.ApplyStatus(o.Task.ID, task.StatusCompleted); err != nil {
		return err
	}
	c.publish(events.TypeTaskComplete, o.Task.ID, nil)
	c.logger.Info("task integrated", zap.String("task_id", o.Task.ID))
	return c.checkpointNow(ctx, "task_completed")
}

// runVerification reviews the full implementation at the Verification
// gate.
func (c *Controller) runVerification(ctx context.Context) error {
	c.setPhaseStatus(PhaseVerification, PhaseInProgress)

	decision, err := c.reviews.Dispatch(ctx, c.implementationArtifact(), c.config.VerificationThreshold)
	if err != nil {
		c.setPhaseStatus(PhaseVerification, PhaseFailed)
		return c.escalate(ctx, &escalation.Escalation{
			Kind:     agent.KindOf(err),
			Reason:   fmt.Sprintf("implementation review failed: %v", err),
			Options:  []string{"retry the review", "check reviewer connectivity"},
			Severity: escalation.SeverityError,
		})
	}
	return c.settleGate(ctx, PhaseVerification, PhaseImplementation, PhaseCompletion, decision)
}

// runCompletion closes the run.
func (c *Controller) runCompletion(ctx context.Context) error {
	c.mu.Lock()
	c.state.PhaseStatus[PhaseCompletion] = PhaseCompleted
	c.state.Run = RunCompleted
	c.mu.Unlock()

	c.publish(events.TypePhaseChange, "", map[string]string{
		"phase": string(PhaseCompletion),
		"run":   string(RunCompleted),
	})
	c.logger.Info("run completed")
	return c.checkpointNow(ctx, "run_completed")
}

// failTask marks a task terminally failed, checkpoints, and records the
// escalation. The run pauses; the failure is never silently dropped.
func (c *Controller) failTask(ctx context.Context, id string, kind agent.FaultKind, reason string) error {
	if _, err := c.store.ApplyStatus(id, task.StatusFailed); err != nil {
		return err
	}
	c.publish(events.TypeTaskFailed, id, map[string]string{"kind": string(kind)})
	if err := c.checkpointNow(ctx, "task_failed"); err != nil {
		return err
	}

	e := &escalation.Escalation{
		TaskID:   id,
		Kind:     kind,
		Reason:   reason,
		Options:  []string{"amend the task and requeue", "drop the task", "roll back to planning"},
		Severity: severityFor(kind),
	}
	if t, ok := c.store.Get(id); ok {
		e.Context = escalation.Context{
			AttemptsMade: t.Attempts,
			ErrorHistory: t.ErrorHistory,
		}
	}
	return c.escalate(ctx, e)
}

// escalate durably records the incident, emits the event and pauses the
// run in a resumable state.
func (c *Controller) escalate(ctx context.Context, e *escalation.Escalation) error {
	if err := c.escalations.Record(ctx, e); err != nil {
		return fmt.Errorf("failed to record escalation: %w", err)
	}
	if c.escalationCounter != nil {
		c.escalationCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(e.Kind)),
		))
	}
	c.publish(events.TypeEscalationRequired, e.TaskID, map[string]string{
		"kind":   string(e.Kind),
		"reason": e.Reason,
	})

	c.mu.Lock()
	c.state.Run = RunPaused
	c.mu.Unlock()
	return c.checkpointNow(ctx, "escalation")
}

// advance completes the current phase and moves to the next, with a
// checkpoint before any further state-mutating action.
func (c *Controller) advance(ctx context.Context, next Phase) error {
	c.mu.Lock()
	prev := c.state.Phase
	c.state.PhaseStatus[prev] = PhaseCompleted
	if err := c.state.CanTransition(next); err != nil {
		c.mu.Unlock()
		return err
	}
	c.state.Phase = next
	c.mu.Unlock()

	if c.phaseCounter != nil {
		c.phaseCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("phase", string(next)),
		))
	}
	c.publish(events.TypePhaseChange, "", map[string]string{
		"from": string(prev),
		"to":   string(next),
	})
	c.logger.Info("phase transition",
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
	)
	return c.checkpointNow(ctx, "phase_transition")
}

// loopBack returns the pipeline to an earlier phase after a gate
// rejection, carrying the reviewers' issues as feedback.
func (c *Controller) loopBack(ctx context.Context, to Phase, feedback []string) error {
	c.mu.Lock()
	from := c.state.Phase
	for _, p := range AllPhases() {
		if p.Number() >= to.Number() && p.Number() <= from.Number() {
			c.state.PhaseStatus[p] = PhasePending
		}
	}
	c.state.Phase = to
	c.state.GateFeedback = append(c.state.GateFeedback, feedback...)
	c.mu.Unlock()

	c.publish(events.TypePhaseChange, "", map[string]string{
		"from":      string(from),
		"to":        string(to),
		"loop_back": "true",
	})
	c.logger.Info("gate rejected, looping back",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("feedback_items", len(feedback)),
	)
	return c.checkpointNow(ctx, "gate_retry")
}

// checkpointNow snapshots workflow and task state durably.
func (c *Controller) checkpointNow(ctx context.Context, label string) error {
	c.mu.Lock()
	cp := &checkpoint.Checkpoint{
		Label:       label,
		Phase:       string(c.state.Phase),
		PhaseStatus: make(map[string]string, len(c.state.PhaseStatus)),
	}
	for p, st := range c.state.PhaseStatus {
		cp.PhaseStatus[string(p)] = string(st)
	}
	c.mu.Unlock()
	cp.State = c.store.Snapshot()

	if err := c.checkpoints.Save(ctx, cp); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	c.publish(events.TypeCheckpointSaved, "", map[string]string{
		"label": label,
		"seq":   strconv.FormatUint(cp.Seq, 10),
	})
	return nil
}

// halted observes a pause request or context cancellation at a step
// boundary; the run moves to paused with a final checkpoint.
func (c *Controller) halted(ctx context.Context) bool {
	if ctx.Err() == nil && !c.pause.Load() {
		return false
	}
	c.mu.Lock()
	if c.state.Run == RunActive {
		c.state.Run = RunPaused
	}
	c.mu.Unlock()
	if err := c.checkpointNow(context.WithoutCancel(ctx), "paused"); err != nil {
		c.logger.Error("failed to checkpoint on pause", zap.Error(err))
	}
	c.logger.Info("run paused", zap.String("phase", string(c.currentPhase())))
	return true
}

// Pause requests a cooperative pause; the controller stops at the next
// step boundary and checkpoints.
func (c *Controller) Pause() ControlResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Run != RunActive {
		return noop(fmt.Sprintf("run is %s, not active", c.state.Run))
	}
	c.pause.Store(true)
	return applied()
}

// Resume clears a pause so a subsequent Run proceeds from the current
// phase. Completed and active runs are not resumable.
func (c *Controller) Resume() ControlResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state.Run {
	case RunPaused, RunFailed:
		c.state.Run = RunIdle
		c.pause.Store(false)
		return applied()
	default:
		return noop(fmt.Sprintf("run is %s, not paused", c.state.Run))
	}
}

// Rollback returns the workflow to an earlier phase. Phases at and
// after the target reset to pending and in-flight tasks return to
// pending; task terminal states are preserved.
func (c *Controller) Rollback(ctx context.Context, target Phase) (ControlResult, error) {
	if target.Number() == -1 {
		return noop(fmt.Sprintf("unknown phase: %s", target)), nil
	}

	c.mu.Lock()
	if c.state.Run == RunActive {
		c.mu.Unlock()
		return noop("pause the run before rolling back"), nil
	}
	if target.Number() >= c.state.Phase.Number() {
		current := c.state.Phase
		c.mu.Unlock()
		return noop(fmt.Sprintf("rollback target %s does not precede current phase %s", target, current)), nil
	}
	for _, p := range AllPhases() {
		if p.Number() >= target.Number() {
			c.state.PhaseStatus[p] = PhasePending
		}
	}
	c.state.Phase = target
	c.state.Run = RunIdle
	c.state.GateAttempts = make(map[Phase]int)
	c.mu.Unlock()

	c.store.ResetInFlight()
	c.logger.Info("rolled back", zap.String("target", string(target)))
	if err := c.checkpointNow(ctx, "rollback"); err != nil {
		return ControlResult{}, err
	}
	return applied(), nil
}

// Reset returns the workflow to Planning with all phase progress
// cleared. Task terminal states are preserved.
func (c *Controller) Reset(ctx context.Context) (ControlResult, error) {
	c.mu.Lock()
	if c.state.Run == RunActive {
		c.mu.Unlock()
		return noop("pause the run before resetting"), nil
	}
	for _, p := range AllPhases() {
		c.state.PhaseStatus[p] = PhasePending
	}
	c.state.Phase = PhasePlanning
	c.state.Run = RunIdle
	c.state.PlanArtifact = nil
	c.state.GateFeedback = nil
	c.state.GateAttempts = make(map[Phase]int)
	c.prepared = false
	c.mu.Unlock()

	c.store.ResetInFlight()
	c.logger.Info("workflow reset")
	if err := c.checkpointNow(ctx, "reset"); err != nil {
		return ControlResult{}, err
	}
	return applied(), nil
}

// ResumeLatest restores the most recent checkpoint into the store and
// controller state. In-flight tasks return to pending and re-execute;
// completed tasks are never re-run.
func (c *Controller) ResumeLatest(ctx context.Context) error {
	cp, err := c.checkpoints.Latest(ctx)
	if err != nil {
		return err
	}
	return c.restore(cp)
}

// RestoreCheckpoint restores a specific checkpoint by sequence id.
func (c *Controller) RestoreCheckpoint(ctx context.Context, seq uint64) error {
	cp, err := c.checkpoints.Get(ctx, seq)
	if err != nil {
		return err
	}
	return c.restore(cp)
}

func (c *Controller) restore(cp *checkpoint.Checkpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Run == RunActive {
		return errors.New("cannot restore while run is active")
	}

	phase := Phase(cp.Phase)
	if phase.Number() == -1 {
		return fmt.Errorf("checkpoint %d: invalid phase %q", cp.Seq, cp.Phase)
	}

	c.store.Restore(cp.State)
	reset := c.store.ResetInFlight()

	st := NewState()
	st.Phase = phase
	for name, status := range cp.PhaseStatus {
		st.PhaseStatus[Phase(name)] = PhaseStatus(status)
	}
	st.Run = RunIdle
	c.state = st

	// Graph preparation is idempotent; re-run it on the restored state.
	c.prepared = false

	c.logger.Info("restored checkpoint",
		zap.Uint64("seq", cp.Seq),
		zap.String("phase", cp.Phase),
		zap.Strings("reset_tasks", reset),
	)
	return nil
}

// StatusReport is a point-in-time view of the run for operators.
type StatusReport struct {
	Phase        Phase                 `json:"phase"`
	PhaseStatus  map[Phase]PhaseStatus `json:"phase_status"`
	Run          RunState              `json:"run"`
	Tasks        map[task.Status]int   `json:"tasks"`
	GateAttempts map[Phase]int         `json:"gate_attempts,omitempty"`
}

// Status returns the current run status.
func (c *Controller) Status() *StatusReport {
	c.mu.Lock()
	report := &StatusReport{
		Phase:        c.state.Phase,
		PhaseStatus:  make(map[Phase]PhaseStatus, len(c.state.PhaseStatus)),
		Run:          c.state.Run,
		GateAttempts: make(map[Phase]int, len(c.state.GateAttempts)),
	}
	for p, st := range c.state.PhaseStatus {
		report.PhaseStatus[p] = st
	}
	for p, n := range c.state.GateAttempts {
		report.GateAttempts[p] = n
	}
	c.mu.Unlock()

	report.Tasks = c.store.Counts()
	return report
}

func (c *Controller) currentPhase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Phase
}

func (c *Controller) runState() RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Run
}

func (c *Controller) isPrepared() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prepared
}

func (c *Controller) setPrepared(v bool) {
	c.mu.Lock()
	c.prepared = v
	c.mu.Unlock()
}

func (c *Controller) planArtifact() *review.Artifact {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.PlanArtifact
}

func (c *Controller) gateFeedback() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.state.GateFeedback...)
}

func (c *Controller) setPhaseStatus(p Phase, st PhaseStatus) {
	c.mu.Lock()
	c.state.PhaseStatus[p] = st
	c.mu.Unlock()
}

func (c *Controller) bumpGateAttempts(p Phase) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.GateAttempts[p]++
	return c.state.GateAttempts[p]
}

func (c *Controller) clearGate(p Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.state.GateAttempts, p)
	c.state.GateFeedback = nil
}

func (c *Controller) maxAttempts(t *task.Task) int {
	if t.MaxAttempts > 0 {
		return t.MaxAttempts
	}
	return c.config.MaxTaskAttempts
}

func (c *Controller) publish(t events.Type, taskID string, detail map[string]string) {
	c.events.Publish(events.Event{
		Type:   t,
		TaskID: taskID,
		Phase:  string(c.currentPhase()),
		Detail: detail,
	})
}

func taskIDs(batch []*task.Task) []string {
	ids := make([]string, len(batch))
	for i, t := range batch {
		ids[i] = t.ID
	}
	return ids
}

// outcomeError flattens an outcome's failure into one message.
func outcomeError(o *coordinator.Outcome) string {
	if o.Err != nil {
		return o.Err.Error()
	}
	if o.Verify != nil && !o.Verify.Passed {
		if len(o.Verify.Failures) > 0 {
			return "verification failed: " + strings.Join(o.Verify.Failures, "; ")
		}
		return "verification failed"
	}
	return "unknown failure"
}

func kindOfOutcome(o *coordinator.Outcome) agent.FaultKind {
	if o.Err != nil {
		return agent.KindOf(o.Err)
	}
	return agent.FaultAgentFailure
}

func severityFor(kind agent.FaultKind) escalation.Severity {
	switch kind {
	case agent.FaultBlockingSecurity, agent.FaultDeadlock, agent.FaultGraphCycle:
		return escalation.SeverityCritical
	default:
		return escalation.SeverityError
	}
}
