// Package taskfile loads the YAML plan document that seeds the task
// store: milestones, tasks, declared dependencies and complexity
// estimates.
package taskfile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/foundryd/internal/task"
)

// TaskSpec is one task entry in the plan document.
type TaskSpec struct {
	ID                 string   `yaml:"id"`
	Title              string   `yaml:"title"`
	Priority           string   `yaml:"priority"`
	DependsOn          []string `yaml:"depends_on"`
	FilesToCreate      []string `yaml:"files_to_create"`
	FilesToModify      []string `yaml:"files_to_modify"`
	AcceptanceCriteria []string `yaml:"acceptance_criteria"`
	MaxAttempts        int      `yaml:"max_attempts"`

	Complexity struct {
		FileScope     float64 `yaml:"file_scope"`
		CrossFileDeps float64 `yaml:"cross_file_deps"`
		Semantic      float64 `yaml:"semantic_complexity"`
		Uncertainty   float64 `yaml:"requirement_uncertainty"`
		TokenPenalty  float64 `yaml:"token_penalty"`
	} `yaml:"complexity"`
}

// MilestoneSpec groups tasks; member order is the scheduling tie-break.
type MilestoneSpec struct {
	ID    string     `yaml:"id"`
	Name  string     `yaml:"name"`
	Tasks []TaskSpec `yaml:"tasks"`
}

// Plan is the root of the plan document.
type Plan struct {
	Milestones []MilestoneSpec `yaml:"milestones"`
	Tasks      []TaskSpec      `yaml:"tasks"`
}

// Load reads and parses a plan document.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	return Parse(data)
}

// Parse parses a plan document.
func Parse(data []byte) (*Plan, error) {
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse task file: %w", err)
	}
	if len(plan.Milestones) == 0 && len(plan.Tasks) == 0 {
		return nil, fmt.Errorf("task file defines no tasks")
	}
	return &plan, nil
}

// Apply seeds the store with the plan's milestones and tasks in
// declaration order.
func (p *Plan) Apply(store *task.Store) error {
	add := func(spec TaskSpec, milestoneID string) error {
		t, err := spec.toTask(milestoneID)
		if err != nil {
			return err
		}
		return store.Add(t)
	}

	for _, m := range p.Milestones {
		if m.ID == "" {
			return fmt.Errorf("milestone without id")
		}
		ids := make([]string, 0, len(m.Tasks))
		for _, spec := range m.Tasks {
			if err := add(spec, m.ID); err != nil {
				return err
			}
			ids = append(ids, spec.ID)
		}
		if err := store.AddMilestone(&task.Milestone{ID: m.ID, Name: m.Name, TaskIDs: ids}); err != nil {
			return err
		}
	}
	for _, spec := range p.Tasks {
		if err := add(spec, ""); err != nil {
			return err
		}
	}
	return nil
}

func (s TaskSpec) toTask(milestoneID string) (*task.Task, error) {
	if s.ID == "" {
		return nil, fmt.Errorf("task without id (title %q)", s.Title)
	}
	priority, err := parsePriority(s.Priority)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", s.ID, err)
	}
	return &task.Task{
		ID:                 s.ID,
		Title:              s.Title,
		Priority:           priority,
		Dependencies:       s.DependsOn,
		FilesToCreate:      s.FilesToCreate,
		FilesToModify:      s.FilesToModify,
		AcceptanceCriteria: s.AcceptanceCriteria,
		MaxAttempts:        s.MaxAttempts,
		MilestoneID:        milestoneID,
		Complexity: task.Complexity{
			FileScope:     s.Complexity.FileScope,
			CrossFileDeps: s.Complexity.CrossFileDeps,
			Semantic:      s.Complexity.Semantic,
			Uncertainty:   s.Complexity.Uncertainty,
			TokenPenalty:  s.Complexity.TokenPenalty,
		}.Normalize(),
	}, nil
}

func parsePriority(s string) (task.Priority, error) {
	switch s {
	case "critical":
		return task.PriorityCritical, nil
	case "high":
		return task.PriorityHigh, nil
	case "normal", "":
		return task.PriorityNormal, nil
	case "low":
		return task.PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}
