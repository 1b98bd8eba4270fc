package review

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/foundryd/internal/agent"
)

// ExecReviewer invokes a reviewer as a subprocess per call: the
// artifact JSON goes to stdin, a Result JSON document comes back on
// stdout. Two instances with different commands (or prompts baked into
// the command) give the independent perspectives the dispatcher needs.
type ExecReviewer struct {
	name      string
	specialty Specialty
	command   string
	args      []string
	logger    *zap.Logger
}

// NewExecReviewer creates a subprocess reviewer.
func NewExecReviewer(name string, specialty Specialty, command string, args []string, logger *zap.Logger) (*ExecReviewer, error) {
	if name == "" {
		return nil, errors.New("reviewer name is required")
	}
	if command == "" {
		return nil, errors.New("reviewer command is required")
	}
	switch specialty {
	case SpecialtySecurity, SpecialtyArchitecture, SpecialtyGeneral:
	default:
		return nil, fmt.Errorf("unknown reviewer specialty: %s", specialty)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecReviewer{
		name:      name,
		specialty: specialty,
		command:   command,
		args:      args,
		logger:    logger,
	}, nil
}

// Name identifies the reviewer.
func (r *ExecReviewer) Name() string {
	return r.name
}

// Specialty selects this reviewer's weight table.
func (r *ExecReviewer) Specialty() Specialty {
	return r.specialty
}

// Review runs the reviewer process on the artifact.
func (r *ExecReviewer) Review(ctx context.Context, artifact *Artifact) (*Result, error) {
	input, err := json.Marshal(artifact)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal artifact: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.command, r.args...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("reviewer %s: %w", r.name, ctx.Err())
	}

	var res Result
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		if runErr != nil {
			return nil, agent.NewFault(agent.FaultAgentFailure, "review",
				fmt.Errorf("reviewer %s: %w: %s", r.name, runErr, stderr.String()))
		}
		return nil, agent.NewFault(agent.FaultAgentFailure, "review",
			fmt.Errorf("reviewer %s produced invalid output: %w", r.name, err))
	}
	if res.Score < 0 || res.Score > 10 {
		return nil, agent.NewFault(agent.FaultAgentFailure, "review",
			fmt.Errorf("reviewer %s returned score %.2f outside 0-10", r.name, res.Score))
	}

	r.logger.Debug("reviewer verdict",
		zap.String("reviewer", r.name),
		zap.String("artifact_id", artifact.ID),
		zap.Float64("score", res.Score),
		zap.Bool("approved", res.Approved),
	)
	return &res, nil
}
