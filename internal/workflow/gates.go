package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/foundryd/internal/agent"
	"github.com/fyrsmithlabs/foundryd/internal/escalation"
	"github.com/fyrsmithlabs/foundryd/internal/events"
	"github.com/fyrsmithlabs/foundryd/internal/review"
	"github.com/fyrsmithlabs/foundryd/internal/task"
)

// settleGate applies a review decision at a phase-exit gate. Approval
// clears the gate's retry budget and advances; a rejection loops back to
// loopTo with the reviewers' issues as feedback, bounded by the gate
// retry budget; an unresolvable verdict escalates and pauses.
func (c *Controller) settleGate(ctx context.Context, gate, loopTo, next Phase, decision *review.Decision) error {
	c.publish(events.TypeReviewDecision, "", map[string]string{
		"gate":           string(gate),
		"outcome":        string(decision.Outcome),
		"combined_score": fmt.Sprintf("%.2f", decision.CombinedScore),
	})

	switch decision.Outcome {
	case review.OutcomeApproved:
		c.clearGate(gate)
		return c.advance(ctx, next)

	case review.OutcomeRetry:
		attempts := c.bumpGateAttempts(gate)
		if attempts > c.config.MaxGateRetries {
			c.setPhaseStatus(gate, PhaseFailed)
			return c.escalate(ctx, &escalation.Escalation{
				Kind:   agent.FaultReviewConflict,
				Reason: fmt.Sprintf("%s gate rejected %d times: %s", gate, attempts, decision.Reason),
				Context: escalation.Context{
					AttemptsMade: attempts,
					ErrorHistory: decision.AllIssues(),
				},
				Options:  []string{"amend the rejected artifact", "adjust the gate threshold", "roll back to an earlier phase"},
				Severity: escalation.SeverityError,
			})
		}
		return c.loopBack(ctx, loopTo, decision.AllIssues())

	default:
		kind, severity := faultKindFor(decision)
		c.setPhaseStatus(gate, PhaseFailed)
		return c.escalate(ctx, &escalation.Escalation{
			Kind:   kind,
			Reason: fmt.Sprintf("%s gate: %s", gate, decision.Reason),
			Context: escalation.Context{
				ErrorHistory: decision.AllIssues(),
			},
			Options:  []string{"resolve the reviewer conflict", "override the gate", "roll back to an earlier phase"},
			Severity: severity,
		})
	}
}

// faultKindFor classifies an escalating decision: a critical security
// finding is a blocking-security fault, anything else is an unresolved
// reviewer conflict.
func faultKindFor(d *review.Decision) (agent.FaultKind, escalation.Severity) {
	for _, issue := range d.Issues {
		if issue.Category == review.CategorySecurity && issue.Severity == review.SeverityCritical {
			return agent.FaultBlockingSecurity, escalation.SeverityCritical
		}
	}
	return agent.FaultReviewConflict, escalation.SeverityError
}

// taskArtifact assembles the review artifact for one executed task:
// the task contract, the backend's output and the verification report.
func taskArtifact(t *task.Task, output, verifyOutput string) *review.Artifact {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s\n", t.ID, t.Title)
	if len(t.AcceptanceCriteria) > 0 {
		b.WriteString("\nAcceptance criteria:\n")
		for _, criterion := range t.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", criterion)
		}
	}
	if len(t.Files()) > 0 {
		fmt.Fprintf(&b, "\nFiles: %s\n", strings.Join(t.Files(), ", "))
	}
	if output != "" {
		b.WriteString("\nImplementation output:\n")
		b.WriteString(output)
		b.WriteString("\n")
	}
	if verifyOutput != "" {
		b.WriteString("\nVerification:\n")
		b.WriteString(verifyOutput)
		b.WriteString("\n")
	}
	return &review.Artifact{
		ID:      uuid.New().String(),
		Kind:    "task",
		TaskID:  t.ID,
		Content: b.String(),
	}
}

// implementationArtifact summarizes the completed run for the
// Verification gate: every milestone with its derived status, every
// completed task with its touched files.
func (c *Controller) implementationArtifact() *review.Artifact {
	var b strings.Builder
	b.WriteString("Implementation summary\n")

	for _, m := range c.store.Milestones() {
		status, err := c.store.MilestoneStatus(m.ID)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "\nMilestone %s (%s): %s\n", m.ID, m.Name, status)
	}

	b.WriteString("\nCompleted tasks:\n")
	for _, t := range c.store.List() {
		if t.Status != task.StatusCompleted {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s", t.ID, t.Title)
		if files := t.Files(); len(files) > 0 {
			fmt.Fprintf(&b, " [%s]", strings.Join(files, ", "))
		}
		b.WriteString("\n")
	}

	if feedback := c.gateFeedback(); len(feedback) > 0 {
		b.WriteString("\nPrior gate feedback:\n")
		for _, f := range feedback {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}

	return &review.Artifact{
		ID:      uuid.New().String(),
		Kind:    "implementation",
		Content: b.String(),
	}
}
