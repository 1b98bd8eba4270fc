package scheduler

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/foundryd/internal/task"
)

func TestSplitByDirectorySiblings(t *testing.T) {
	store := task.NewStore(nil)
	seed(t, store, &task.Task{
		ID:            "T1",
		Title:         "build storage",
		FilesToCreate: []string{"store/disk.go", "store/memory.go", "api/handler.go"},
		FilesToModify: []string{"api/routes.go"},
		Complexity:    task.Complexity{FileScope: 3, CrossFileDeps: 1, Semantic: 1, Uncertainty: 1},
	})
	s := newScheduler(t, store, nil)
	require.NoError(t, s.SplitOversized())

	_, ok := store.Get("T1")
	assert.False(t, ok)

	a, ok := store.Get("T1-a")
	require.True(t, ok)
	b, ok := store.Get("T1-b")
	require.True(t, ok)

	// Directories sort lexically: api before store.
	assert.ElementsMatch(t, []string{"api/handler.go"}, a.FilesToCreate)
	assert.ElementsMatch(t, []string{"api/routes.go"}, a.FilesToModify)
	assert.ElementsMatch(t, []string{"store/disk.go", "store/memory.go"}, b.FilesToCreate)

	// Siblings: neither depends on the other.
	assert.Empty(t, a.Dependencies)
	assert.Empty(t, b.Dependencies)
	assert.Equal(t, "T1", a.SplitFrom)
}

func TestSplitByLayerChain(t *testing.T) {
	store := task.NewStore(nil)
	seed(t, store, &task.Task{
		ID:            "T1",
		Title:         "wire feature",
		Dependencies:  []string{"T0"},
		FilesToCreate: []string{"model/user.go", "service/feature.go", "api/feature.go"},
		Complexity:    task.Complexity{CrossFileDeps: 3, FileScope: 1, Semantic: 1, Uncertainty: 1},
	})
	seed(t, store, &task.Task{ID: "T0"})
	s := newScheduler(t, store, nil)
	require.NoError(t, s.SplitOversized())

	a, ok := store.Get("T1-a")
	require.True(t, ok)
	b, ok := store.Get("T1-b")
	require.True(t, ok)
	c, ok := store.Get("T1-c")
	require.True(t, ok)

	assert.Equal(t, []string{"model/user.go"}, a.FilesToCreate)
	assert.Equal(t, []string{"service/feature.go"}, b.FilesToCreate)
	assert.Equal(t, []string{"api/feature.go"}, c.FilesToCreate)

	// Linear chain on top of the inherited external dependency.
	assert.Equal(t, []string{"T0"}, a.Dependencies)
	assert.Equal(t, []string{"T0", "T1-a"}, b.Dependencies)
	assert.Equal(t, []string{"T0", "T1-b"}, c.Dependencies)
}

func TestSplitByCriterion(t *testing.T) {
	store := task.NewStore(nil)
	seed(t, store, &task.Task{
		ID:                 "T1",
		Title:              "harden parser",
		FilesToModify:      []string{"parse.go"},
		AcceptanceCriteria: []string{"rejects oversized input", "reports line numbers"},
		Complexity:         task.Complexity{Semantic: 3, Uncertainty: 2, TokenPenalty: 1},
	})
	s := newScheduler(t, store, nil)
	require.NoError(t, s.SplitOversized())

	a, ok := store.Get("T1-a")
	require.True(t, ok)
	b, ok := store.Get("T1-b")
	require.True(t, ok)

	assert.Equal(t, []string{"rejects oversized input"}, a.AcceptanceCriteria)
	assert.Equal(t, []string{"reports line numbers"}, b.AcceptanceCriteria)
	assert.Equal(t, []string{"parse.go"}, a.FilesToModify)
	assert.Equal(t, []string{"parse.go"}, b.FilesToModify)
}

func TestSplitSkippedWhenNothingToDivide(t *testing.T) {
	store := task.NewStore(nil)
	seed(t, store, &task.Task{
		ID:                 "T1",
		Title:              "one big thing",
		FilesToModify:      []string{"core.go"},
		AcceptanceCriteria: []string{"works"},
		Complexity:         task.Complexity{Semantic: 3, Uncertainty: 2, TokenPenalty: 2},
	})
	s := newScheduler(t, store, nil)
	require.NoError(t, s.SplitOversized())

	// Single criterion, single file: the task runs as-is.
	_, ok := store.Get("T1")
	assert.True(t, ok)
}

func TestSplitRespectsThreshold(t *testing.T) {
	store := task.NewStore(nil)
	seed(t, store, &task.Task{
		ID:                 "T1",
		FilesToModify:      []string{"a/x.go", "b/y.go"},
		AcceptanceCriteria: []string{"one", "two"},
		Complexity:         task.Complexity{FileScope: 2, Semantic: 2},
	})
	s := newScheduler(t, store, &Config{SplitThreshold: 5.0})
	require.NoError(t, s.SplitOversized())

	// Composite 4.0 <= 5.0: untouched.
	_, ok := store.Get("T1")
	assert.True(t, ok)
}

func TestSplitScalesComplexity(t *testing.T) {
	store := task.NewStore(nil)
	seed(t, store, &task.Task{
		ID:            "T1",
		FilesToCreate: []string{"a/x.go", "b/y.go"},
		Complexity:    task.Complexity{FileScope: 3, Semantic: 2, Uncertainty: 2},
	})
	s := newScheduler(t, store, nil)
	require.NoError(t, s.SplitOversized())

	a, ok := store.Get("T1-a")
	require.True(t, ok)
	assert.InDelta(t, 1.5, a.Complexity.FileScope, 1e-9)
	assert.InDelta(t, 1.0, a.Complexity.Semantic, 1e-9)
	assert.Less(t, a.Complexity.Composite(), 5.0, "split products must not re-trigger the threshold")
}

func TestSplitSuffixBeyondAlphabet(t *testing.T) {
	tests := []struct {
		idx  int
		want string
	}{
		{0, "a"},
		{25, "z"},
		{26, "aa"},
		{27, "ab"},
		{51, "az"},
		{52, "ba"},
		{701, "zz"},
		{702, "aaa"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, splitSuffix(tt.idx))
	}

	// A criterion split past 26 products keeps well-formed, unique ids.
	criteria := make([]string, 28)
	for i := range criteria {
		criteria[i] = fmt.Sprintf("criterion %d", i)
	}
	subs := splitByCriterion(&task.Task{ID: "T1", Title: "wide", AcceptanceCriteria: criteria})
	require.Len(t, subs, 28)

	seen := make(map[string]bool)
	for _, sub := range subs {
		assert.False(t, seen[sub.ID], sub.ID)
		seen[sub.ID] = true
	}
	assert.Equal(t, "T1-z", subs[25].ID)
	assert.Equal(t, "T1-aa", subs[26].ID)
	assert.Equal(t, "T1-ab", subs[27].ID)
}

func TestSplitSkipsNonPending(t *testing.T) {
	store := task.NewStore(nil)
	tk := &task.Task{
		ID:            "T1",
		FilesToCreate: []string{"a/x.go", "b/y.go"},
		Complexity:    task.Complexity{FileScope: 3, Semantic: 3},
		Status:        task.StatusInProgress,
	}
	seed(t, store, tk)
	s := newScheduler(t, store, nil)
	require.NoError(t, s.SplitOversized())

	_, ok := store.Get("T1")
	assert.True(t, ok)
}

func TestPreparePreservesAcyclicityAfterSplit(t *testing.T) {
	store := task.NewStore(nil)
	seed(t, store,
		&task.Task{ID: "T0", FilesToCreate: []string{"model/base.go"}},
		&task.Task{
			ID:            "T1",
			Title:         "layered work",
			FilesToModify: []string{"model/base.go", "service/app.go", "api/routes.go"},
			Complexity:    task.Complexity{CrossFileDeps: 3, FileScope: 2, Semantic: 2},
		},
	)
	s := newScheduler(t, store, nil)
	require.NoError(t, s.Prepare())
	require.NoError(t, DetectCycle(store.List()))

	// The inferred edge on model/base.go survives the split.
	a, ok := store.Get("T1-a")
	require.True(t, ok)
	assert.Contains(t, a.Dependencies, "T0")
}
