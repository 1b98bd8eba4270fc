package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/foundryd/internal/agent"
	"github.com/fyrsmithlabs/foundryd/internal/checkpoint"
	"github.com/fyrsmithlabs/foundryd/internal/config"
	"github.com/fyrsmithlabs/foundryd/internal/coordinator"
	"github.com/fyrsmithlabs/foundryd/internal/escalation"
	"github.com/fyrsmithlabs/foundryd/internal/events"
	"github.com/fyrsmithlabs/foundryd/internal/httpapi"
	"github.com/fyrsmithlabs/foundryd/internal/logging"
	"github.com/fyrsmithlabs/foundryd/internal/review"
	"github.com/fyrsmithlabs/foundryd/internal/scheduler"
	"github.com/fyrsmithlabs/foundryd/internal/task"
	"github.com/fyrsmithlabs/foundryd/internal/taskfile"
	"github.com/fyrsmithlabs/foundryd/internal/workflow"
	"github.com/fyrsmithlabs/foundryd/internal/workspace"
)

var tasksPath string

func init() {
	runCmd.Flags().StringVar(&tasksPath, "tasks", "", "task plan file (YAML, required)")
	_ = runCmd.MarkFlagRequired("tasks")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a task plan through the pipeline",
	Long: `Run loads a task plan and drives it through the pipeline until
completion, a pause or an escalation. The control API serves status and
control operations while the run is active.

Examples:
  # Run a plan
  foundryd run --config foundryd.yaml --tasks plan.yaml

  # Override the worker limit
  FOUNDRYD_SCHEDULER_WORKER_LIMIT=8 foundryd run --config foundryd.yaml --tasks plan.yaml`,
	RunE: runRun,
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the pipeline from the latest checkpoint",
	Long: `Resume restores the latest checkpoint and continues the run from
the phase it recorded. Tasks that were in flight at the checkpoint
return to pending and re-execute; completed tasks are never re-run.

Examples:
  foundryd resume --config foundryd.yaml`,
	RunE: runResume,
}

// runtime bundles everything a run needs.
type runtime struct {
	cfg         *config.Config
	logger      *zap.Logger
	store       *task.Store
	controller  *workflow.Controller
	server      *httpapi.Server
	publisher   events.Publisher
	checkpoints checkpoint.Store
}

func buildRuntime() (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	store := task.NewStore(logger.Named("store"))

	sched, err := scheduler.New(store, &scheduler.Config{
		WorkerLimit:    cfg.Scheduler.WorkerLimit,
		SplitThreshold: cfg.Scheduler.SplitThreshold,
	}, logger.Named("scheduler"))
	if err != nil {
		return nil, err
	}

	invoker, verifier, err := buildAgents(cfg, logger)
	if err != nil {
		return nil, err
	}

	workspaces, err := workspace.NewManager(cfg.State.BaselineDir, cfg.State.ScratchDir, logger.Named("workspace"))
	if err != nil {
		return nil, err
	}
	coord, err := coordinator.New(invoker, verifier, workspaces, &coordinator.Config{
		WorkerLimit:   cfg.Scheduler.WorkerLimit,
		InvokeTimeout: cfg.Coordinator.InvokeTimeout.Duration(),
	}, logger.Named("coordinator"))
	if err != nil {
		return nil, err
	}

	dispatcher, err := buildReviewers(cfg, logger)
	if err != nil {
		return nil, err
	}

	checkpoints, err := checkpoint.NewFileStore(cfg.State.CheckpointDir, logger.Named("checkpoint"))
	if err != nil {
		return nil, err
	}
	escalations, err := escalation.NewFileStore(cfg.State.EscalationDir, logger.Named("escalation"))
	if err != nil {
		return nil, err
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.Events.NATSURL != "" {
		publisher, err = events.Connect(cfg.Events.NATSURL, logger.Named("events"))
		if err != nil {
			return nil, err
		}
	}

	controller, err := workflow.New(workflow.Deps{
		Store:       store,
		Scheduler:   sched,
		Coordinator: coord,
		Reviews:     dispatcher,
		Planner:     newPlanPlanner(store),
		Checkpoints: checkpoints,
		Escalations: escalations,
		Events:      publisher,
		Logger:      logger.Named("workflow"),
	}, &workflow.Config{
		ValidationThreshold:   cfg.Workflow.ValidationThreshold,
		VerificationThreshold: cfg.Workflow.VerificationThreshold,
		TaskThreshold:         cfg.Workflow.TaskThreshold,
		MaxTaskAttempts:       cfg.Workflow.MaxTaskAttempts,
		MaxGateRetries:        cfg.Workflow.MaxGateRetries,
	})
	if err != nil {
		return nil, err
	}

	server, err := httpapi.NewServer(httpapi.Deps{
		Workflow:    controller,
		Checkpoints: checkpoints,
		Escalations: escalations,
		Logger:      logger.Named("http"),
		StartRun: func() {
			go func() {
				if err := controller.Run(context.Background()); err != nil {
					logger.Error("resumed run failed", zap.Error(err))
				}
			}()
		},
	}, &httpapi.Config{Addr: cfg.Server.Addr})
	if err != nil {
		return nil, err
	}

	return &runtime{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		controller:  controller,
		server:      server,
		publisher:   publisher,
		checkpoints: checkpoints,
	}, nil
}

func buildAgents(cfg *config.Config, logger *zap.Logger) (*agent.Invoker, agent.Verifier, error) {
	if cfg.Agents.Primary.Command == "" {
		return nil, nil, errors.New("agents.primary.command is required")
	}
	if cfg.Agents.Verifier.Command == "" {
		return nil, nil, errors.New("agents.verifier.command is required")
	}

	primary, err := agent.NewExecBackend("primary", cfg.Agents.Primary.Command, cfg.Agents.Primary.Args, logger.Named("agent"))
	if err != nil {
		return nil, nil, err
	}
	var fallback agent.Backend
	if cfg.Agents.Fallback.Command != "" {
		fb, err := agent.NewExecBackend("fallback", cfg.Agents.Fallback.Command, cfg.Agents.Fallback.Args, logger.Named("agent"))
		if err != nil {
			return nil, nil, err
		}
		fallback = fb
	}
	invoker, err := agent.NewInvoker(primary, fallback, nil, logger.Named("invoker"))
	if err != nil {
		return nil, nil, err
	}

	verifier, err := agent.NewExecVerifier(cfg.Agents.Verifier.Command, cfg.Agents.Verifier.Args, logger.Named("verifier"))
	if err != nil {
		return nil, nil, err
	}
	return invoker, verifier, nil
}

func buildReviewers(cfg *config.Config, logger *zap.Logger) (*review.Dispatcher, error) {
	if len(cfg.Review.Reviewers) != 2 {
		return nil, errors.New("review.reviewers must name exactly two reviewers")
	}
	reviewers := make([]review.Reviewer, 2)
	for i, rc := range cfg.Review.Reviewers {
		r, err := review.NewExecReviewer(rc.Name, review.Specialty(rc.Specialty), rc.Command, rc.Args, logger.Named("review"))
		if err != nil {
			return nil, err
		}
		reviewers[i] = r
	}
	return review.NewDispatcher(reviewers[0], reviewers[1], &review.Config{
		Timeout: cfg.Review.Timeout.Duration(),
		Epsilon: cfg.Review.Epsilon,
	}, logger.Named("review"))
}

func runRun(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer shutdown(rt)

	plan, err := taskfile.Load(tasksPath)
	if err != nil {
		return err
	}
	if err := plan.Apply(rt.store); err != nil {
		return fmt.Errorf("failed to apply task plan: %w", err)
	}

	return serve(rt)
}

func runResume(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer shutdown(rt)

	if err := rt.controller.ResumeLatest(context.Background()); err != nil {
		return fmt.Errorf("failed to resume: %w", err)
	}
	return serve(rt)
}

// serve runs the control API alongside the workflow loop and stops
// both on SIGINT/SIGTERM.
func serve(rt *runtime) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := rt.server.Start(); err != nil {
			rt.logger.Error("control api stopped", zap.Error(err))
		}
	}()

	err := rt.controller.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := rt.server.Shutdown(shutdownCtx); serr != nil {
		rt.logger.Warn("control api shutdown failed", zap.Error(serr))
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	report := rt.controller.Status()
	rt.logger.Info("run stopped",
		zap.String("phase", string(report.Phase)),
		zap.String("run", string(report.Run)),
	)
	return nil
}

func shutdown(rt *runtime) {
	rt.publisher.Close()
	_ = logging.Sync(rt.logger)
}
