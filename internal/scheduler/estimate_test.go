package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/foundryd/internal/task"
)

func TestEstimateComplexityFileScope(t *testing.T) {
	s := newScheduler(t, task.NewStore(nil), nil)
	tests := []struct {
		name  string
		files int
		want  float64
	}{
		{"single file", 1, 0},
		{"small", 3, 1},
		{"medium", 6, 2},
		{"large", 9, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := &task.Task{ID: "T1"}
			for i := 0; i < tt.files; i++ {
				tk.FilesToCreate = append(tk.FilesToCreate, string(rune('a'+i))+".go")
			}
			c := s.EstimateComplexity(tk)
			assert.Equal(t, tt.want, c.FileScope)
		})
	}
}

func TestEstimateComplexityCrossFileDeps(t *testing.T) {
	s := newScheduler(t, task.NewStore(nil), nil)
	c := s.EstimateComplexity(&task.Task{
		ID:            "T1",
		Dependencies:  []string{"T0", "T2"},
		FilesToCreate: []string{"pkg/a/x.go", "pkg/b/y.go"},
	})
	// Two declared edges and two distinct directories.
	assert.InDelta(t, 2.0, c.CrossFileDeps, 1e-9)
}

func TestEstimateComplexityCrossFileDepsClamped(t *testing.T) {
	s := newScheduler(t, task.NewStore(nil), nil)
	c := s.EstimateComplexity(&task.Task{
		ID:           "T1",
		Dependencies: []string{"a", "b", "c", "d", "e", "f", "g", "h"},
	})
	assert.Equal(t, 3.0, c.CrossFileDeps)
}

func TestEstimateComplexitySemanticKeywords(t *testing.T) {
	s := newScheduler(t, task.NewStore(nil), nil)
	c := s.EstimateComplexity(&task.Task{
		ID:    "T1",
		Title: "refactor the cache protocol",
	})
	// refactor 1.0 + cache 0.5 + protocol 0.8
	assert.InDelta(t, 2.3, c.Semantic, 1e-9)
}

func TestEstimateComplexityUncertainty(t *testing.T) {
	s := newScheduler(t, task.NewStore(nil), nil)
	c := s.EstimateComplexity(&task.Task{
		ID:                 "T1",
		Title:              "tidy things up as needed",
		AcceptanceCriteria: []string{"handle errors appropriately, maybe retry"},
	})
	// as needed + appropriate + maybe
	assert.InDelta(t, 1.5, c.Uncertainty, 1e-9)
}

func TestEstimateComplexityTokenPenalty(t *testing.T) {
	s := newScheduler(t, task.NewStore(nil), nil)
	tk := &task.Task{ID: "T1"}
	for i := 0; i < 12; i++ {
		tk.AcceptanceCriteria = append(tk.AcceptanceCriteria, "criterion")
	}
	c := s.EstimateComplexity(tk)
	// 12 * 0.25 = 3.0, clamped to the component ceiling.
	assert.Equal(t, 2.0, c.TokenPenalty)
}

func TestEstimateComplexityCustomKeywords(t *testing.T) {
	store := task.NewStore(nil)
	s, err := New(store, &Config{
		SemanticKeywords: map[string]float64{"quantum": 3.0},
	}, nil)
	require.NoError(t, err)

	c := s.EstimateComplexity(&task.Task{ID: "T1", Title: "quantum refactor"})
	// Only the custom table applies.
	assert.Equal(t, 3.0, c.Semantic)
}
