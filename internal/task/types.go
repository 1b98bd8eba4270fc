package task

import (
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusBlocked    Status = "blocked"
)

// Terminal reports whether a status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// statusRank orders statuses for precedence-aware reduction. A reducer
// only applies a status whose rank exceeds the current one, so a stale
// "in_progress" arriving after "completed" is dropped.
func statusRank(s Status) int {
	switch s {
	case StatusPending:
		return 0
	case StatusBlocked:
		return 1
	case StatusInProgress:
		return 2
	case StatusFailed:
		return 3
	case StatusCompleted:
		return 4
	default:
		return -1
	}
}

// Priority orders tasks for selection. Lower values schedule first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// Complexity holds the bounded score components for a task.
//
// Component bounds: FileScope 0-3, CrossFileDeps 0-3, Semantic 0-3,
// Uncertainty 0-2, TokenPenalty 0-2. The composite is their sum on a
// 0-13 scale.
type Complexity struct {
	FileScope     float64 `json:"file_scope"`
	CrossFileDeps float64 `json:"cross_file_deps"`
	Semantic      float64 `json:"semantic_complexity"`
	Uncertainty   float64 `json:"requirement_uncertainty"`
	TokenPenalty  float64 `json:"token_penalty"`
}

// componentBound caps each component at its scale maximum.
func clamp(v, max float64) float64 {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

// Normalize clamps every component to its bound.
func (c Complexity) Normalize() Complexity {
	return Complexity{
		FileScope:     clamp(c.FileScope, 3),
		CrossFileDeps: clamp(c.CrossFileDeps, 3),
		Semantic:      clamp(c.Semantic, 3),
		Uncertainty:   clamp(c.Uncertainty, 2),
		TokenPenalty:  clamp(c.TokenPenalty, 2),
	}
}

// Composite returns the total score on the 0-13 scale.
func (c Complexity) Composite() float64 {
	n := c.Normalize()
	return n.FileScope + n.CrossFileDeps + n.Semantic + n.Uncertainty + n.TokenPenalty
}

// Component identifies one complexity score component.
type Component string

const (
	ComponentFileScope     Component = "file_scope"
	ComponentCrossFileDeps Component = "cross_file_deps"
	ComponentSemantic      Component = "semantic_complexity"
	ComponentUncertainty   Component = "requirement_uncertainty"
	ComponentTokenPenalty  Component = "token_penalty"
)

// Dominant returns the component contributing the most to the composite.
// Ties resolve in declaration order (file scope first) so splitting is
// deterministic.
func (c Complexity) Dominant() Component {
	n := c.Normalize()
	best := ComponentFileScope
	bestVal := n.FileScope
	if n.CrossFileDeps > bestVal {
		best, bestVal = ComponentCrossFileDeps, n.CrossFileDeps
	}
	if n.Semantic > bestVal {
		best, bestVal = ComponentSemantic, n.Semantic
	}
	if n.Uncertainty > bestVal {
		best, bestVal = ComponentUncertainty, n.Uncertainty
	}
	if n.TokenPenalty > bestVal {
		best = ComponentTokenPenalty
	}
	return best
}

// Task is a single unit of schedulable work.
//
// FilesToCreate and FilesToModify are immutable once the task is created;
// auto-split produces new tasks rather than mutating these sets.
type Task struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Status             Status     `json:"status"`
	Dependencies       []string   `json:"dependencies,omitempty"`
	FilesToCreate      []string   `json:"files_to_create,omitempty"`
	FilesToModify      []string   `json:"files_to_modify,omitempty"`
	AcceptanceCriteria []string   `json:"acceptance_criteria,omitempty"`
	Priority           Priority   `json:"priority"`
	Complexity         Complexity `json:"complexity"`
	Attempts           int        `json:"attempts"`
	MaxAttempts        int        `json:"max_attempts"`
	MilestoneID        string     `json:"milestone_id,omitempty"`

	// SplitFrom records the original task id when this task was produced
	// by auto-split.
	SplitFrom string `json:"split_from,omitempty"`

	// Feedback accumulates reviewer issues attached on rejection; it is
	// handed back to the agent backend as context on retry.
	Feedback []string `json:"feedback,omitempty"`

	// ErrorHistory records one entry per failed attempt.
	ErrorHistory []string `json:"error_history,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Files returns the union of files the task touches.
func (t *Task) Files() []string {
	out := make([]string, 0, len(t.FilesToCreate)+len(t.FilesToModify))
	out = append(out, t.FilesToCreate...)
	out = append(out, t.FilesToModify...)
	return out
}

// FileSet returns the union of touched files as a set.
func (t *Task) FileSet() map[string]struct{} {
	set := make(map[string]struct{}, len(t.FilesToCreate)+len(t.FilesToModify))
	for _, f := range t.FilesToCreate {
		set[f] = struct{}{}
	}
	for _, f := range t.FilesToModify {
		set[f] = struct{}{}
	}
	return set
}

// ConflictsWith reports whether two tasks touch any common file.
func (t *Task) ConflictsWith(other *Task) bool {
	set := t.FileSet()
	for _, f := range other.Files() {
		if _, ok := set[f]; ok {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	cp := *t
	cp.Dependencies = append([]string(nil), t.Dependencies...)
	cp.FilesToCreate = append([]string(nil), t.FilesToCreate...)
	cp.FilesToModify = append([]string(nil), t.FilesToModify...)
	cp.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	cp.Feedback = append([]string(nil), t.Feedback...)
	cp.ErrorHistory = append([]string(nil), t.ErrorHistory...)
	return &cp
}

// MilestoneStatus is derived from member task statuses, never stored.
type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "pending"
	MilestoneInProgress MilestoneStatus = "in_progress"
	MilestoneCompleted  MilestoneStatus = "completed"
	MilestoneFailed     MilestoneStatus = "failed"
)

// Milestone groups task ids. Declaration order of TaskIDs is the
// tie-break order for scheduling.
type Milestone struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	TaskIDs []string `json:"task_ids"`
}

// Clone returns a deep copy of the milestone.
func (m *Milestone) Clone() *Milestone {
	cp := *m
	cp.TaskIDs = append([]string(nil), m.TaskIDs...)
	return &cp
}

// DeriveStatus computes the milestone status from its member tasks.
// Completed iff all members completed; failed iff any member failed;
// in_progress once any member has started; otherwise pending.
func (m *Milestone) DeriveStatus(lookup func(id string) (*Task, bool)) MilestoneStatus {
	if len(m.TaskIDs) == 0 {
		return MilestonePending
	}
	allCompleted := true
	anyStarted := false
	for _, id := range m.TaskIDs {
		t, ok := lookup(id)
		if !ok {
			continue
		}
		if t.Status == StatusFailed {
			return MilestoneFailed
		}
		if t.Status != StatusCompleted {
			allCompleted = false
		}
		if t.Status != StatusPending {
			anyStarted = true
		}
	}
	if allCompleted {
		return MilestoneCompleted
	}
	if anyStarted {
		return MilestoneInProgress
	}
	return MilestonePending
}
