package taskfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/foundryd/internal/task"
)

const samplePlan = `
milestones:
  - id: m1
    name: core
    tasks:
      - id: T1
        title: build the store
        priority: high
        files_to_create: [store/store.go]
        acceptance_criteria:
          - persists records
        complexity:
          file_scope: 1
          semantic_complexity: 0.5
      - id: T2
        title: wire the API
        depends_on: [T1]
        files_to_create: [api/handler.go]
        max_attempts: 5
tasks:
  - id: T3
    title: write docs
    priority: low
`

func TestParse(t *testing.T) {
	plan, err := Parse([]byte(samplePlan))
	require.NoError(t, err)

	require.Len(t, plan.Milestones, 1)
	assert.Equal(t, "m1", plan.Milestones[0].ID)
	require.Len(t, plan.Milestones[0].Tasks, 2)
	assert.Equal(t, []string{"T1"}, plan.Milestones[0].Tasks[1].DependsOn)
	require.Len(t, plan.Tasks, 1)
}

func TestParseEmptyPlanRejected(t *testing.T) {
	_, err := Parse([]byte("milestones: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no tasks")
}

func TestParseMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("milestones: [broken\n"))
	require.Error(t, err)
}

func TestApply(t *testing.T) {
	plan, err := Parse([]byte(samplePlan))
	require.NoError(t, err)

	store := task.NewStore(nil)
	require.NoError(t, plan.Apply(store))

	t1, ok := store.Get("T1")
	require.True(t, ok)
	assert.Equal(t, task.PriorityHigh, t1.Priority)
	assert.Equal(t, "m1", t1.MilestoneID)
	assert.Equal(t, 1.0, t1.Complexity.FileScope)
	assert.Equal(t, 0.5, t1.Complexity.Semantic)

	t2, ok := store.Get("T2")
	require.True(t, ok)
	assert.Equal(t, task.PriorityNormal, t2.Priority, "unset priority defaults to normal")
	assert.Equal(t, []string{"T1"}, t2.Dependencies)
	assert.Equal(t, 5, t2.MaxAttempts)

	t3, ok := store.Get("T3")
	require.True(t, ok)
	assert.Equal(t, task.PriorityLow, t3.Priority)
	assert.Empty(t, t3.MilestoneID)

	ms := store.Milestones()
	require.Len(t, ms, 1)
	assert.Equal(t, []string{"T1", "T2"}, ms[0].TaskIDs)
}

func TestApplyRejectsBadSpecs(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"missing task id", "tasks:\n  - title: nameless\n", "without id"},
		{"unknown priority", "tasks:\n  - id: T1\n    priority: urgent\n", "unknown priority"},
		{"milestone without id", "milestones:\n  - name: anon\n    tasks:\n      - id: T1\n", "milestone without id"},
		{"duplicate ids", "tasks:\n  - id: T1\n  - id: T1\n", "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := Parse([]byte(tt.doc))
			require.NoError(t, err)
			err = plan.Apply(task.NewStore(nil))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestApplyNormalizesComplexity(t *testing.T) {
	plan, err := Parse([]byte(`
tasks:
  - id: T1
    complexity:
      file_scope: 99
      token_penalty: -1
`))
	require.NoError(t, err)
	store := task.NewStore(nil)
	require.NoError(t, plan.Apply(store))

	t1, _ := store.Get("T1")
	assert.Equal(t, 3.0, t1.Complexity.FileScope)
	assert.Equal(t, 0.0, t1.Complexity.TokenPenalty)
}
