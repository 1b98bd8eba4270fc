package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/foundryd/internal/review"
	"github.com/fyrsmithlabs/foundryd/internal/task"
	"github.com/fyrsmithlabs/foundryd/internal/workflow"
)

// planPlanner derives the plan artifact from the loaded task plan:
// milestones, tasks, dependencies and complexity estimates, plus any
// feedback from a previously rejected plan. The reviewers judge the
// plan's structure before any task executes.
type planPlanner struct {
	store *task.Store
}

func newPlanPlanner(store *task.Store) workflow.Planner {
	return &planPlanner{store: store}
}

func (p *planPlanner) BuildPlan(ctx context.Context, feedback []string) (*review.Artifact, error) {
	tasks := p.store.List()
	if len(tasks) == 0 {
		return nil, fmt.Errorf("no tasks loaded")
	}

	var b strings.Builder
	b.WriteString("Implementation plan\n")

	for _, m := range p.store.Milestones() {
		fmt.Fprintf(&b, "\nMilestone %s: %s\n", m.ID, m.Name)
		for _, id := range m.TaskIDs {
			t, ok := p.store.Get(id)
			if !ok {
				continue
			}
			writeTaskLine(&b, t)
		}
	}
	for _, t := range tasks {
		if t.MilestoneID == "" {
			writeTaskLine(&b, t)
		}
	}

	if len(feedback) > 0 {
		b.WriteString("\nReviewer feedback on the previous plan:\n")
		for _, f := range feedback {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}

	return &review.Artifact{
		ID:      uuid.New().String(),
		Kind:    "plan",
		Content: b.String(),
	}, nil
}

func writeTaskLine(b *strings.Builder, t *task.Task) {
	fmt.Fprintf(b, "- %s: %s (complexity %.1f", t.ID, t.Title, t.Complexity.Composite())
	if len(t.Dependencies) > 0 {
		fmt.Fprintf(b, ", depends on %s", strings.Join(t.Dependencies, ", "))
	}
	b.WriteString(")\n")
	for _, c := range t.AcceptanceCriteria {
		fmt.Fprintf(b, "  - %s\n", c)
	}
}
