package scheduler

import (
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/foundryd/internal/task"
)

// Config configures scheduling and auto-split.
type Config struct {
	// WorkerLimit bounds the parallel batch size. Default: 4.
	WorkerLimit int

	// SplitThreshold is the composite complexity score above which a
	// task is split before becoming available. Default: 5.0 (0-13 scale).
	SplitThreshold float64

	// SemanticKeywords maps acceptance-criteria keywords to semantic
	// complexity weights. Calibration defaults; not a contract.
	SemanticKeywords map[string]float64
}

// DefaultConfig returns scheduling defaults.
func DefaultConfig() *Config {
	return &Config{
		WorkerLimit:    4,
		SplitThreshold: 5.0,
		SemanticKeywords: map[string]float64{
			"refactor":  1.0,
			"migrate":   1.0,
			"protocol":  0.8,
			"concurren": 0.8,
			"security":  0.6,
			"schema":    0.5,
			"cache":     0.5,
		},
	}
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.WorkerLimit <= 0 {
		c.WorkerLimit = defaults.WorkerLimit
	}
	if c.SplitThreshold <= 0 {
		c.SplitThreshold = defaults.SplitThreshold
	}
	if c.SemanticKeywords == nil {
		c.SemanticKeywords = defaults.SemanticKeywords
	}
}

// Scheduler selects runnable work from the task store.
type Scheduler struct {
	store  *task.Store
	config *Config
	logger *zap.Logger
}

// New creates a scheduler over the store.
func New(store *task.Store, cfg *Config, logger *zap.Logger) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("task store is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{store: store, config: cfg, logger: logger}, nil
}

// Prepare runs construction-time graph work: file-inferred edges are
// folded into declared dependencies, oversized tasks are split, and the
// resulting graph is checked for cycles. Any cycle is a graph-level
// fault reported before any task enters the runnable pool.
func (s *Scheduler) Prepare() error {
	tasks := s.store.List()

	inferred := InferFileEdges(tasks)
	for _, e := range inferred {
		if err := s.addDependency(e.From, e.To); err != nil {
			return err
		}
	}

	if err := DetectCycle(s.store.List()); err != nil {
		return err
	}

	if err := s.SplitOversized(); err != nil {
		return err
	}

	// Splitting must preserve acyclicity; verify.
	return DetectCycle(s.store.List())
}

// addDependency folds a file-inferred edge into the declared set via
// the store's replace path (dependencies are part of task identity, so
// the edge goes in before any scheduling happens).
func (s *Scheduler) addDependency(from, to string) error {
	t, ok := s.store.Get(from)
	if !ok {
		return task.ErrNotFound
	}
	for _, dep := range t.Dependencies {
		if dep == to {
			return nil
		}
	}
	return s.store.AddDependency(from, to)
}

// Available returns the runnable set: pending tasks whose declared
// dependencies are all completed, ordered by priority tier then
// milestone declaration order.
func (s *Scheduler) Available() []*task.Task {
	tasks := s.store.List()
	completed := make(map[string]struct{})
	for _, t := range tasks {
		if t.Status == task.StatusCompleted {
			completed[t.ID] = struct{}{}
		}
	}

	seq := s.declarationSequence(tasks)
	var available []*task.Task
	for _, t := range tasks {
		if t.Status != task.StatusPending {
			continue
		}
		ready := true
		for _, dep := range t.Dependencies {
			if _, ok := completed[dep]; !ok {
				ready = false
				break
			}
		}
		if ready {
			available = append(available, t)
		}
	}

	sort.SliceStable(available, func(i, j int) bool {
		if available[i].Priority != available[j].Priority {
			return available[i].Priority < available[j].Priority
		}
		return seq[available[i].ID] < seq[available[j].ID]
	})
	return available
}

// declarationSequence assigns each task its milestone declaration
// position; tasks outside any milestone follow in store order.
func (s *Scheduler) declarationSequence(tasks []*task.Task) map[string]int {
	seq := make(map[string]int, len(tasks))
	n := 0
	for _, m := range s.store.Milestones() {
		for _, id := range m.TaskIDs {
			if _, ok := seq[id]; !ok {
				seq[id] = n
				n++
			}
		}
	}
	for _, t := range tasks {
		if _, ok := seq[t.ID]; !ok {
			seq[t.ID] = n
			n++
		}
	}
	return seq
}

// NextTask returns the head of the available set.
func (s *Scheduler) NextTask() (*task.Task, bool) {
	available := s.Available()
	if len(available) == 0 {
		return nil, false
	}
	return available[0], true
}

// NextBatch greedily extends a batch with available tasks whose file
// sets are disjoint from every task already in the batch, up to the
// worker limit.
func (s *Scheduler) NextBatch() []*task.Task {
	available := s.Available()
	var batch []*task.Task
	for _, candidate := range available {
		if len(batch) >= s.config.WorkerLimit {
			break
		}
		disjoint := true
		for _, member := range batch {
			if candidate.ConflictsWith(member) {
				disjoint = false
				break
			}
		}
		if disjoint {
			batch = append(batch, candidate)
		}
	}
	return batch
}

// CheckDeadlock returns a DeadlockError when the available set is empty
// while incomplete, non-failed tasks remain and nothing is in flight.
func (s *Scheduler) CheckDeadlock() error {
	if len(s.Available()) > 0 {
		return nil
	}
	counts := s.store.Counts()
	if counts[task.StatusInProgress] > 0 {
		return nil // in-flight work may still unblock the graph
	}
	remaining := counts[task.StatusPending] + counts[task.StatusBlocked]
	if remaining == 0 {
		return nil
	}

	var blocked []string
	for _, t := range s.store.List() {
		if t.Status == task.StatusPending || t.Status == task.StatusBlocked {
			blocked = append(blocked, t.ID)
		}
	}
	sort.Strings(blocked)
	s.logger.Error("scheduler deadlock detected", zap.Strings("blocked", blocked))
	return &DeadlockError{
		Snapshot: s.store.Snapshot(),
		Blocked:  blocked,
	}
}

// WorkerLimit exposes the configured batch bound.
func (s *Scheduler) WorkerLimit() int {
	return s.config.WorkerLimit
}
