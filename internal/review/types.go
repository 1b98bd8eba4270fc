package review

import (
	"context"
	"time"
)

// Category tags a review issue.
type Category string

const (
	CategorySecurity     Category = "security"
	CategoryArchitecture Category = "architecture"
	CategoryGeneral      Category = "general"
)

// Severity grades a review issue.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Issue is a single finding from a reviewer.
type Issue struct {
	Category    Category `json:"category"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// Result is one reviewer's verdict on an artifact. Produced once per
// dispatch, immutable.
type Result struct {
	Reviewer  string    `json:"reviewer"`
	Score     float64   `json:"score"` // 0-10
	Approved  bool      `json:"approved"`
	Issues    []Issue   `json:"issues,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Specialty selects the weight table applied to a reviewer's verdict.
// This is the only point where the core distinguishes reviewer
// identity.
type Specialty string

const (
	SpecialtySecurity     Specialty = "security"
	SpecialtyArchitecture Specialty = "architecture"
	SpecialtyGeneral      Specialty = "general"
)

// Artifact is the unit of work sent for review.
type Artifact struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"` // plan, implementation, task
	TaskID  string `json:"task_id,omitempty"`
	Content string `json:"content"`
}

// Reviewer is the reviewer-backend capability. Two independently
// configured instances participate in every dispatch.
type Reviewer interface {
	// Name identifies the reviewer in results and escalations.
	Name() string

	// Specialty selects this reviewer's weight table.
	Specialty() Specialty

	// Review produces a verdict on the artifact. Blocking; honors ctx.
	Review(ctx context.Context, artifact *Artifact) (*Result, error)
}

// Outcome is the dispatcher's resolved decision.
type Outcome string

const (
	// OutcomeApproved clears the gate, possibly with recorded dissent.
	OutcomeApproved Outcome = "approved"

	// OutcomeRetry returns the artifact's task to implementation with
	// the reviewers' issues attached.
	OutcomeRetry Outcome = "retry"

	// OutcomeEscalate hands the conflict to a human; the weighting
	// could not resolve it.
	OutcomeEscalate Outcome = "escalate"
)

// Decision is the resolved verdict for one dispatch.
type Decision struct {
	Outcome       Outcome   `json:"outcome"`
	CombinedScore float64   `json:"combined_score"`
	Dissent       bool      `json:"dissent"`
	Reason        string    `json:"reason,omitempty"`
	Results       []*Result `json:"results"`
	Issues        []Issue   `json:"issues,omitempty"`
}

// AllIssues flattens both reviewers' issues in reviewer order.
func (d *Decision) AllIssues() []string {
	var out []string
	for _, r := range d.Results {
		for _, issue := range r.Issues {
			out = append(out, string(issue.Category)+": "+issue.Description)
		}
	}
	return out
}
