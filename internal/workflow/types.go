package workflow

import (
	"fmt"

	"github.com/fyrsmithlabs/foundryd/internal/review"
)

// Phase is one stage of the pipeline.
type Phase string

const (
	PhasePlanning       Phase = "planning"
	PhaseValidation     Phase = "validation"
	PhaseImplementation Phase = "implementation"
	PhaseVerification   Phase = "verification"
	PhaseCompletion     Phase = "completion"
)

// AllPhases returns the phases in execution order.
func AllPhases() []Phase {
	return []Phase{PhasePlanning, PhaseValidation, PhaseImplementation, PhaseVerification, PhaseCompletion}
}

// Number returns the phase's position in execution order, or -1.
func (p Phase) Number() int {
	for i, phase := range AllPhases() {
		if phase == p {
			return i
		}
	}
	return -1
}

// PhaseStatus is the completion status of one phase.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseFailed     PhaseStatus = "failed"
)

// RunState is the run-level state; Paused and Failed are absorbing
// until an external control operation re-enters the machine.
type RunState string

const (
	RunIdle      RunState = "idle"
	RunActive    RunState = "active"
	RunPaused    RunState = "paused"
	RunFailed    RunState = "failed"
	RunCompleted RunState = "completed"
)

// State is the explicit workflow state object owned by the controller.
type State struct {
	Phase       Phase                 `json:"phase"`
	PhaseStatus map[Phase]PhaseStatus `json:"phase_status"`
	Run         RunState              `json:"run"`

	// PlanArtifact is the Planning output reviewed at the Validation
	// gate.
	PlanArtifact *review.Artifact `json:"plan_artifact,omitempty"`

	// GateFeedback accumulates reviewer issues from failed gates; it is
	// attached as context when a phase loops back.
	GateFeedback []string `json:"gate_feedback,omitempty"`

	// GateAttempts counts gate retries per phase.
	GateAttempts map[Phase]int `json:"gate_attempts,omitempty"`
}

// NewState returns the initial state at Planning.
func NewState() *State {
	status := make(map[Phase]PhaseStatus, len(AllPhases()))
	for _, p := range AllPhases() {
		status[p] = PhasePending
	}
	return &State{
		Phase:       PhasePlanning,
		PhaseStatus: status,
		Run:         RunIdle,
		GateAttempts: make(map[Phase]int),
	}
}

// CanTransition checks a forward transition to the next phase in
// sequence. Anything else requires an explicit rollback command.
func (s *State) CanTransition(next Phase) error {
	cur := s.Phase.Number()
	nxt := next.Number()
	if cur == -1 {
		return fmt.Errorf("invalid current phase: %s", s.Phase)
	}
	if nxt == -1 {
		return fmt.Errorf("invalid target phase: %s", next)
	}
	if nxt != cur+1 {
		return fmt.Errorf("cannot transition from %s to %s: phases advance sequentially", s.Phase, next)
	}
	if s.PhaseStatus[s.Phase] != PhaseCompleted {
		return fmt.Errorf("cannot leave %s: phase not completed", s.Phase)
	}
	return nil
}

// ControlResult reports the effect of a control operation. Invalid
// transitions are a no-op result, never a crash.
type ControlResult struct {
	Applied bool   `json:"applied"`
	Reason  string `json:"reason,omitempty"`
}

func applied() ControlResult {
	return ControlResult{Applied: true}
}

func noop(reason string) ControlResult {
	return ControlResult{Applied: false, Reason: reason}
}
