package task

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotFound indicates the task id is not in the store.
	ErrNotFound = errors.New("task not found")

	// ErrDuplicateID indicates an insert with an id already present.
	ErrDuplicateID = errors.New("duplicate task id")
)

// Store holds tasks and milestones. Reads are concurrent; writes come
// only from the workflow controller applying result reducers.
type Store struct {
	mu         sync.RWMutex
	tasks      map[string]*Task
	order      []string
	milestones map[string]*Milestone
	msOrder    []string
	logger     *zap.Logger
}

// NewStore creates an empty store.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		tasks:      make(map[string]*Task),
		milestones: make(map[string]*Milestone),
		logger:     logger,
	}
}

// Add inserts a task. The task's status defaults to pending.
func (s *Store) Add(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(t)
}

func (s *Store) addLocked(t *Task) error {
	if t.ID == "" {
		return errors.New("task id is required")
	}
	if _, ok := s.tasks[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, t.ID)
	}
	cp := t.Clone()
	if cp.Status == "" {
		cp.Status = StatusPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.tasks[cp.ID] = cp
	s.order = append(s.order, cp.ID)
	return nil
}

// AddMilestone inserts a milestone. Declaration order is preserved.
func (s *Store) AddMilestone(m *Milestone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		return errors.New("milestone id is required")
	}
	if _, ok := s.milestones[m.ID]; ok {
		return fmt.Errorf("%w: milestone %s", ErrDuplicateID, m.ID)
	}
	s.milestones[m.ID] = m.Clone()
	s.msOrder = append(s.msOrder, m.ID)
	return nil
}

// Get returns a copy of the task.
func (s *Store) Get(id string) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// List returns copies of all tasks in declaration order.
func (s *Store) List() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id].Clone())
	}
	return out
}

// Milestones returns copies of all milestones in declaration order.
func (s *Store) Milestones() []*Milestone {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Milestone, 0, len(s.msOrder))
	for _, id := range s.msOrder {
		out = append(out, s.milestones[id].Clone())
	}
	return out
}

// MilestoneStatus derives the status of the given milestone.
func (s *Store) MilestoneStatus(id string) (MilestoneStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.milestones[id]
	if !ok {
		return "", fmt.Errorf("milestone not found: %s", id)
	}
	return m.DeriveStatus(func(tid string) (*Task, bool) {
		t, ok := s.tasks[tid]
		return t, ok
	}), nil
}

// Replace atomically removes the original task and inserts its split
// replacements at the original's position. Any task depending on the
// original is rewired to depend on every replacement. The original is
// never re-entered.
func (s *Store) Replace(originalID string, subs []*Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	orig, ok := s.tasks[originalID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, originalID)
	}
	if orig.Status != StatusPending {
		return fmt.Errorf("cannot split task %s in status %s", originalID, orig.Status)
	}

	subIDs := make([]string, 0, len(subs))
	for _, sub := range subs {
		if _, exists := s.tasks[sub.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateID, sub.ID)
		}
		subIDs = append(subIDs, sub.ID)
	}

	// Rewire dependents before mutating the arena.
	for _, t := range s.tasks {
		for i, dep := range t.Dependencies {
			if dep == originalID {
				rest := append([]string(nil), t.Dependencies[:i]...)
				rest = append(rest, subIDs...)
				rest = append(rest, t.Dependencies[i+1:]...)
				t.Dependencies = rest
				break
			}
		}
	}

	// Swap the original for its replacements, preserving position.
	delete(s.tasks, originalID)
	pos := -1
	for i, id := range s.order {
		if id == originalID {
			pos = i
			break
		}
	}
	newOrder := append([]string(nil), s.order[:pos]...)
	now := time.Now()
	for _, sub := range subs {
		cp := sub.Clone()
		cp.Status = StatusPending
		cp.SplitFrom = originalID
		cp.CreatedAt = now
		cp.UpdatedAt = now
		s.tasks[cp.ID] = cp
		newOrder = append(newOrder, cp.ID)
	}
	newOrder = append(newOrder, s.order[pos+1:]...)
	s.order = newOrder

	// Milestones referencing the original track the replacements instead.
	for _, m := range s.milestones {
		for i, tid := range m.TaskIDs {
			if tid == originalID {
				rest := append([]string(nil), m.TaskIDs[:i]...)
				rest = append(rest, subIDs...)
				rest = append(rest, m.TaskIDs[i+1:]...)
				m.TaskIDs = rest
				break
			}
		}
	}

	s.logger.Info("split task replaced",
		zap.String("task_id", originalID),
		zap.Strings("replacements", subIDs),
	)
	return nil
}

// AddDependency declares an additional dependency edge. Only legal
// while the task is still pending (graph construction time).
func (s *Store) AddDependency(id, dependsOn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.Status != StatusPending {
		return fmt.Errorf("cannot add dependency to task %s in status %s", id, t.Status)
	}
	for _, dep := range t.Dependencies {
		if dep == dependsOn {
			return nil
		}
	}
	t.Dependencies = append(t.Dependencies, dependsOn)
	t.UpdatedAt = time.Now()
	return nil
}

// ApplyStatus applies a status update through the precedence rule: the
// update is dropped (returning false) when its rank does not exceed the
// current status rank. This protects completed tasks from stale
// in_progress updates returning late.
func (s *Store) ApplyStatus(id string, status Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if statusRank(status) <= statusRank(t.Status) {
		s.logger.Debug("stale status update dropped",
			zap.String("task_id", id),
			zap.String("current", string(t.Status)),
			zap.String("update", string(status)),
		)
		return false, nil
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	return true, nil
}

// RecordAttempt increments the attempt counter and appends the error
// context. Returns the updated attempt count.
func (s *Store) RecordAttempt(id string, errMsg string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	t.Attempts++
	if errMsg != "" {
		t.ErrorHistory = append(t.ErrorHistory, errMsg)
	}
	t.UpdatedAt = time.Now()
	return t.Attempts, nil
}

// AttachFeedback appends reviewer issues to the task's retry context.
func (s *Store) AttachFeedback(id string, issues []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	t.Feedback = append(t.Feedback, issues...)
	t.UpdatedAt = time.Now()
	return nil
}

// Requeue returns an in-progress task to pending for another attempt.
// This is an explicit controller operation, deliberately outside the
// precedence rule; terminal tasks are never requeued.
func (s *Store) Requeue(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("cannot requeue task %s in terminal status %s", id, t.Status)
	}
	t.Status = StatusPending
	t.UpdatedAt = time.Now()
	return nil
}

// ResetInFlight returns every non-terminal, non-pending task to pending.
// Used by rollback and resume; completed and failed tasks are untouched.
func (s *Store) ResetInFlight() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var reset []string
	for _, t := range s.tasks {
		if t.Status == StatusInProgress || t.Status == StatusBlocked {
			t.Status = StatusPending
			t.UpdatedAt = time.Now()
			reset = append(reset, t.ID)
		}
	}
	return reset
}

// Counts returns the number of tasks per status.
func (s *Store) Counts() map[Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[Status]int)
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	return counts
}

// Drained reports whether the task loop is finished: no pending, blocked
// or in-progress tasks remain. Failed reports whether any task failed.
func (s *Store) Drained() (drained bool, failed bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	drained = true
	for _, t := range s.tasks {
		switch t.Status {
		case StatusFailed:
			failed = true
		case StatusCompleted:
		default:
			drained = false
		}
	}
	return drained, failed
}

// Snapshot is a deep copy of store contents for checkpointing.
type Snapshot struct {
	Tasks      []*Task      `json:"tasks"`
	Milestones []*Milestone `json:"milestones"`
}

// Snapshot returns a deep copy of the store state in declaration order.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := &Snapshot{
		Tasks:      make([]*Task, 0, len(s.order)),
		Milestones: make([]*Milestone, 0, len(s.msOrder)),
	}
	for _, id := range s.order {
		snap.Tasks = append(snap.Tasks, s.tasks[id].Clone())
	}
	for _, id := range s.msOrder {
		snap.Milestones = append(snap.Milestones, s.milestones[id].Clone())
	}
	return snap
}

// Restore replaces store contents with the snapshot.
func (s *Store) Restore(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[string]*Task, len(snap.Tasks))
	s.order = s.order[:0]
	for _, t := range snap.Tasks {
		cp := t.Clone()
		s.tasks[cp.ID] = cp
		s.order = append(s.order, cp.ID)
	}
	s.milestones = make(map[string]*Milestone, len(snap.Milestones))
	s.msOrder = s.msOrder[:0]
	for _, m := range snap.Milestones {
		cp := m.Clone()
		s.milestones[cp.ID] = cp
		s.msOrder = append(s.msOrder, cp.ID)
	}
}
