package agent

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/foundryd/internal/task"
)

// ResultStatus reports the outcome of a backend invocation.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
)

// Artifact is a work product returned by a backend.
type Artifact struct {
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// Result is the uniform response from any agent backend.
type Result struct {
	Status    ResultStatus `json:"status"`
	Artifacts []Artifact   `json:"artifacts,omitempty"`
	Output    string       `json:"output,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// Stage names the step of the per-task inner sequence. Test writing
// strictly precedes implementation, which strictly precedes
// verification; the coordinator enforces the order, not wall clocks.
type Stage string

const (
	StageTests          Stage = "tests"
	StageImplementation Stage = "implementation"
)

// InvokeContext carries the task-independent context handed to a backend:
// the working directory the backend must confine itself to, the stage
// being executed and any feedback accumulated from prior attempts.
type InvokeContext struct {
	WorkDir  string
	Stage    Stage
	Feedback []string
	Timeout  time.Duration
}

// Backend is the agent-backend capability. Implementations wrap one
// concrete agent (CLI process, API client); the core holds them only
// behind this interface.
type Backend interface {
	// Name identifies the backend in logs and escalations.
	Name() string

	// Invoke runs the task against the backend. Blocking; honors ctx
	// cancellation and the timeout carried in ic.
	Invoke(ctx context.Context, t *task.Task, ic InvokeContext) (*Result, error)
}

// VerifyResult reports the outcome of the external test/lint/security
// runners for one working copy.
type VerifyResult struct {
	Passed   bool     `json:"passed"`
	Output   string   `json:"output,omitempty"`
	Failures []string `json:"failures,omitempty"`
}

// Verifier is the verification-runner capability invoked after each
// implementation iteration.
type Verifier interface {
	Verify(ctx context.Context, dir string) (*VerifyResult, error)
}
