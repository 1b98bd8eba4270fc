package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/foundryd/internal/task"
)

// ExecRequest is the JSON document written to a backend process's
// stdin. The process works inside the given directory and writes a
// Result JSON document to stdout.
type ExecRequest struct {
	TaskID             string   `json:"task_id"`
	Title              string   `json:"title"`
	Stage              Stage    `json:"stage"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	FilesToCreate      []string `json:"files_to_create,omitempty"`
	FilesToModify      []string `json:"files_to_modify,omitempty"`
	Feedback           []string `json:"feedback,omitempty"`
}

// ExecBackend invokes an agent as a subprocess per call. The process
// runs in the working copy, receives an ExecRequest on stdin and must
// print a Result JSON document on stdout.
type ExecBackend struct {
	name    string
	command string
	args    []string
	logger  *zap.Logger
}

// NewExecBackend creates a subprocess backend.
func NewExecBackend(name, command string, args []string, logger *zap.Logger) (*ExecBackend, error) {
	if name == "" {
		return nil, errors.New("backend name is required")
	}
	if command == "" {
		return nil, errors.New("backend command is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecBackend{name: name, command: command, args: args, logger: logger}, nil
}

// Name identifies the backend.
func (b *ExecBackend) Name() string {
	return b.name
}

// Invoke runs the backend process for one task stage.
func (b *ExecBackend) Invoke(ctx context.Context, t *task.Task, ic InvokeContext) (*Result, error) {
	req := ExecRequest{
		TaskID:             t.ID,
		Title:              t.Title,
		Stage:              ic.Stage,
		AcceptanceCriteria: t.AcceptanceCriteria,
		FilesToCreate:      t.FilesToCreate,
		FilesToModify:      t.FilesToModify,
		Feedback:           ic.Feedback,
	}
	input, err := json.Marshal(req)
	if err != nil {
		return nil, NewFault(FaultAgentFailure, "invoke", fmt.Errorf("failed to marshal request: %w", err))
	}

	cmd := exec.CommandContext(ctx, b.command, b.args...)
	cmd.Dir = ic.WorkDir
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		// The deadline mapping happens in the invoker.
		return nil, fmt.Errorf("backend %s: %w", b.name, ctx.Err())
	}

	var res Result
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		if runErr != nil {
			return nil, NewFault(FaultAgentFailure, "invoke",
				fmt.Errorf("backend %s: %w: %s", b.name, runErr, truncate(stderr.String(), 512)))
		}
		return nil, NewFault(FaultAgentFailure, "invoke",
			fmt.Errorf("backend %s produced invalid output: %w", b.name, err))
	}

	b.logger.Debug("backend invoked",
		zap.String("backend", b.name),
		zap.String("task_id", t.ID),
		zap.String("stage", string(ic.Stage)),
		zap.String("status", string(res.Status)),
	)
	return &res, nil
}

// ExecVerifier runs the external test/lint command in a working copy.
// A zero exit is a pass; a non-zero exit is a fail with the output as
// the failure detail. Only a failed start is an error.
type ExecVerifier struct {
	command string
	args    []string
	logger  *zap.Logger
}

// NewExecVerifier creates a subprocess verifier.
func NewExecVerifier(command string, args []string, logger *zap.Logger) (*ExecVerifier, error) {
	if command == "" {
		return nil, errors.New("verifier command is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecVerifier{command: command, args: args, logger: logger}, nil
}

// Verify runs the verification command in dir.
func (v *ExecVerifier) Verify(ctx context.Context, dir string) (*VerifyResult, error) {
	cmd := exec.CommandContext(ctx, v.command, v.args...)
	cmd.Dir = dir
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("verify: %w", ctx.Err())
	}
	output := combined.String()

	if err == nil {
		return &VerifyResult{Passed: true, Output: output}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		v.logger.Info("verification failed",
			zap.String("dir", dir),
			zap.Int("exit_code", exitErr.ExitCode()),
		)
		return &VerifyResult{
			Passed:   false,
			Output:   output,
			Failures: failureLines(output),
		}, nil
	}
	return nil, NewFault(FaultTransient, "verify", err)
}

// failureLines extracts the interesting lines from runner output:
// anything mentioning failure or error, capped.
func failureLines(output string) []string {
	var out []string
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		lower := strings.ToLower(trimmed)
		if strings.Contains(lower, "fail") || strings.Contains(lower, "error") {
			out = append(out, trimmed)
			if len(out) == 20 {
				break
			}
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
