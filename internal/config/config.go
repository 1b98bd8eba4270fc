// Package config provides configuration loading for foundryd.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	State       StateConfig       `koanf:"state"`
	Agents      AgentsConfig      `koanf:"agents"`
	Scheduler   SchedulerConfig   `koanf:"scheduler"`
	Review      ReviewConfig      `koanf:"review"`
	Coordinator CoordinatorConfig `koanf:"coordinator"`
	Workflow    WorkflowConfig    `koanf:"workflow"`
	Events      EventsConfig      `koanf:"events"`
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
}

// CommandConfig names an external executable and its arguments.
type CommandConfig struct {
	Command string   `koanf:"command"`
	Args    []string `koanf:"args"`
}

// AgentsConfig configures the external agent processes.
type AgentsConfig struct {
	// Primary is the agent backend every invocation tries first.
	Primary CommandConfig `koanf:"primary"`

	// Fallback handles invocations the primary could not. Optional.
	Fallback CommandConfig `koanf:"fallback"`

	// Verifier is the external test/lint runner executed in each
	// working copy.
	Verifier CommandConfig `koanf:"verifier"`
}

// ReviewerConfig configures one of the two independent reviewers.
type ReviewerConfig struct {
	Name      string   `koanf:"name"`
	Specialty string   `koanf:"specialty"`
	Command   string   `koanf:"command"`
	Args      []string `koanf:"args"`
}

// StateConfig locates the durable state directories and the shared
// baseline repository.
type StateConfig struct {
	// BaselineDir is the git repository working copies clone from and
	// integrate back into.
	BaselineDir string `koanf:"baseline_dir"`

	// ScratchDir holds the isolated working copies.
	ScratchDir string `koanf:"scratch_dir"`

	// CheckpointDir holds the append-only checkpoint records.
	CheckpointDir string `koanf:"checkpoint_dir"`

	// EscalationDir holds one record per escalated incident.
	EscalationDir string `koanf:"escalation_dir"`
}

// SchedulerConfig tunes task selection and auto-split.
type SchedulerConfig struct {
	WorkerLimit    int     `koanf:"worker_limit"`
	SplitThreshold float64 `koanf:"split_threshold"`
}

// ReviewConfig tunes the dual-reviewer dispatcher and names the two
// reviewers.
type ReviewConfig struct {
	Timeout   Duration         `koanf:"timeout"`
	Epsilon   float64          `koanf:"epsilon"`
	Reviewers []ReviewerConfig `koanf:"reviewers"`
}

// CoordinatorConfig tunes batch execution.
type CoordinatorConfig struct {
	InvokeTimeout Duration `koanf:"invoke_timeout"`
}

// WorkflowConfig tunes the phase gates and retry budgets.
type WorkflowConfig struct {
	ValidationThreshold   float64 `koanf:"validation_threshold"`
	VerificationThreshold float64 `koanf:"verification_threshold"`
	TaskThreshold         float64 `koanf:"task_threshold"`
	MaxTaskAttempts       int     `koanf:"max_task_attempts"`
	MaxGateRetries        int     `koanf:"max_gate_retries"`
}

// EventsConfig configures the NATS event stream. Disabled when the URL
// is empty; the workflow runs fine without observers.
type EventsConfig struct {
	NATSURL string `koanf:"nats_url"`
}

// ServerConfig configures the control API.
type ServerConfig struct {
	Addr string `koanf:"addr"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		State: StateConfig{
			BaselineDir:   "./baseline",
			ScratchDir:    "./scratch",
			CheckpointDir: "./state/checkpoints",
			EscalationDir: "./state/escalations",
		},
		Scheduler: SchedulerConfig{
			WorkerLimit:    4,
			SplitThreshold: 5.0,
		},
		Review: ReviewConfig{
			Timeout: Duration(5 * time.Minute),
			Epsilon: 0.5,
		},
		Coordinator: CoordinatorConfig{
			InvokeTimeout: Duration(15 * time.Minute),
		},
		Workflow: WorkflowConfig{
			ValidationThreshold:   6.0,
			VerificationThreshold: 7.0,
			TaskThreshold:         6.0,
			MaxTaskAttempts:       3,
			MaxGateRetries:        3,
		},
		Server: ServerConfig{
			Addr: ":8710",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.State.BaselineDir == "" {
		return fmt.Errorf("state.baseline_dir is required")
	}
	if c.State.ScratchDir == "" {
		return fmt.Errorf("state.scratch_dir is required")
	}
	if c.State.CheckpointDir == "" {
		return fmt.Errorf("state.checkpoint_dir is required")
	}
	if c.State.EscalationDir == "" {
		return fmt.Errorf("state.escalation_dir is required")
	}
	if c.Scheduler.WorkerLimit <= 0 {
		return fmt.Errorf("scheduler.worker_limit must be > 0, got %d", c.Scheduler.WorkerLimit)
	}
	if c.Scheduler.SplitThreshold <= 0 {
		return fmt.Errorf("scheduler.split_threshold must be > 0, got %g", c.Scheduler.SplitThreshold)
	}
	if c.Review.Epsilon < 0 {
		return fmt.Errorf("review.epsilon must be >= 0, got %g", c.Review.Epsilon)
	}
	for name, v := range map[string]float64{
		"workflow.validation_threshold":   c.Workflow.ValidationThreshold,
		"workflow.verification_threshold": c.Workflow.VerificationThreshold,
		"workflow.task_threshold":         c.Workflow.TaskThreshold,
	} {
		if v <= 0 || v > 10 {
			return fmt.Errorf("%s must be in (0, 10], got %g", name, v)
		}
	}
	if c.Workflow.MaxTaskAttempts <= 0 {
		return fmt.Errorf("workflow.max_task_attempts must be > 0, got %d", c.Workflow.MaxTaskAttempts)
	}
	// Agent and reviewer commands are checked at wiring time; only
	// shape errors are caught here.
	if n := len(c.Review.Reviewers); n != 0 && n != 2 {
		return fmt.Errorf("review.reviewers must name exactly two reviewers, got %d", n)
	}
	for _, r := range c.Review.Reviewers {
		switch r.Specialty {
		case "security", "architecture", "general":
		default:
			return fmt.Errorf("reviewer %q has unknown specialty %q", r.Name, r.Specialty)
		}
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	return nil
}
