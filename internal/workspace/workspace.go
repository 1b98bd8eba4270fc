// Package workspace manages isolated working copies for parallel task
// execution. Each working copy is a clone of the shared baseline
// repository bound to exactly one task; integration back into the
// baseline is strictly serialized by the manager.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/foundryd/internal/agent"
)

// State is the working-copy lifecycle state.
type State string

const (
	StateCreated     State = "created"
	StateExecuting   State = "executing"
	StateIntegrating State = "integrating"
	StateDiscarded   State = "discarded"
)

// ErrDiscarded indicates an operation on a discarded working copy.
var ErrDiscarded = errors.New("working copy discarded")

// WorkingCopy is an isolated execution context for one task.
type WorkingCopy struct {
	ID     string
	TaskID string
	Dir    string
	State  State

	base plumbing.Hash // baseline HEAD at clone time
	repo *git.Repository
}

// Manager creates, integrates and discards working copies against one
// shared baseline repository.
type Manager struct {
	baselineDir string
	scratchDir  string
	logger      *zap.Logger

	// integrateMu serializes every integration into the baseline; two
	// integrations never run concurrently.
	integrateMu sync.Mutex
}

// NewManager creates a manager for the baseline repository at
// baselineDir. Clones are created under scratchDir.
func NewManager(baselineDir, scratchDir string, logger *zap.Logger) (*Manager, error) {
	if baselineDir == "" {
		return nil, errors.New("baseline directory is required")
	}
	if scratchDir == "" {
		return nil, errors.New("scratch directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	return &Manager{
		baselineDir: baselineDir,
		scratchDir:  scratchDir,
		logger:      logger,
	}, nil
}

// Create clones the baseline into a fresh working copy bound to the
// task. The copy is isolated from the baseline and from every sibling.
func (m *Manager) Create(taskID string) (*WorkingCopy, error) {
	id := uuid.New().String()
	dir := filepath.Join(m.scratchDir, "wc-"+id[:8])

	repo, err := git.PlainClone(dir, false, &git.CloneOptions{
		URL: m.baselineDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to clone baseline for task %s: %w", taskID, err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to read working copy HEAD: %w", err)
	}

	wc := &WorkingCopy{
		ID:     id,
		TaskID: taskID,
		Dir:    dir,
		State:  StateCreated,
		base:   head.Hash(),
		repo:   repo,
	}
	m.logger.Debug("created working copy",
		zap.String("working_copy", wc.ID),
		zap.String("task_id", taskID),
		zap.String("dir", dir),
	)
	return wc, nil
}

// MarkExecuting transitions the copy into execution.
func (wc *WorkingCopy) MarkExecuting() error {
	if wc.State != StateCreated {
		return fmt.Errorf("cannot execute working copy in state %s", wc.State)
	}
	wc.State = StateExecuting
	return nil
}

// changedFiles returns paths modified, added or deleted in the working
// copy relative to its clone point.
func (wc *WorkingCopy) changedFiles() ([]string, error) {
	wt, err := wc.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to open worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to compute status: %w", err)
	}
	var paths []string
	for path, st := range status {
		if st.Worktree == git.Unmodified && st.Staging == git.Unmodified {
			continue
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// baseContent returns the content of path at the working copy's clone
// point, and whether the file existed there.
func (wc *WorkingCopy) baseContent(path string) (string, bool, error) {
	commit, err := wc.repo.CommitObject(wc.base)
	if err != nil {
		return "", false, fmt.Errorf("failed to load base commit: %w", err)
	}
	f, err := commit.File(path)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	content, err := f.Contents()
	if err != nil {
		return "", false, err
	}
	return content, true, nil
}

// Integrate merges the working copy's changes into the shared baseline.
// Integrations are strictly serialized. A file that changed in the
// baseline since the copy's clone point is a merge conflict: the task
// is left to the caller to fail, the working copy is preserved for
// diagnosis, and no automatic resolution is attempted.
func (m *Manager) Integrate(wc *WorkingCopy) error {
	m.integrateMu.Lock()
	defer m.integrateMu.Unlock()

	switch wc.State {
	case StateDiscarded:
		return ErrDiscarded
	case StateCreated, StateExecuting:
		wc.State = StateIntegrating
	case StateIntegrating:
		// retrying a preserved copy is allowed
	}

	changed, err := wc.changedFiles()
	if err != nil {
		return err
	}
	if len(changed) == 0 {
		m.logger.Warn("working copy has no changes to integrate",
			zap.String("working_copy", wc.ID),
			zap.String("task_id", wc.TaskID),
		)
		return nil
	}

	// Conflict pass before any baseline mutation: every changed file
	// must be untouched in the baseline since the clone point.
	for _, path := range changed {
		base, baseExists, err := wc.baseContent(path)
		if err != nil {
			return err
		}
		current, currentExists, err := readFileIfExists(filepath.Join(m.baselineDir, path))
		if err != nil {
			return err
		}
		if baseExists != currentExists || (baseExists && base != current) {
			return agent.NewFault(agent.FaultMergeConflict, "integrate",
				fmt.Errorf("baseline changed under working copy %s: %s", wc.ID, path)).
				WithContext("working copy preserved at " + wc.Dir)
		}
	}

	// Apply pass: copy or delete each changed file in the baseline.
	for _, path := range changed {
		src := filepath.Join(wc.Dir, path)
		dst := filepath.Join(m.baselineDir, path)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove %s from baseline: %w", path, err)
			}
			continue
		}
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("failed to copy %s into baseline: %w", path, err)
		}
	}

	if err := m.commitBaseline(wc, changed); err != nil {
		return err
	}

	m.logger.Info("integrated working copy",
		zap.String("working_copy", wc.ID),
		zap.String("task_id", wc.TaskID),
		zap.Int("files", len(changed)),
	)
	return nil
}

// commitBaseline stages and commits the integrated files.
func (m *Manager) commitBaseline(wc *WorkingCopy, paths []string) error {
	repo, err := git.PlainOpen(m.baselineDir)
	if err != nil {
		return fmt.Errorf("failed to open baseline repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open baseline worktree: %w", err)
	}
	for _, path := range paths {
		if _, err := wt.Add(path); err != nil {
			return fmt.Errorf("failed to stage %s: %w", path, err)
		}
	}
	_, err = wt.Commit(fmt.Sprintf("integrate task %s", wc.TaskID), &git.CommitOptions{
		Author: &object.Signature{
			Name:  "foundryd",
			Email: "foundryd@localhost",
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to commit integration of task %s: %w", wc.TaskID, err)
	}
	return nil
}

// Discard removes the working copy from disk. Called only after a
// successful integration; conflicted copies are preserved.
func (m *Manager) Discard(wc *WorkingCopy) error {
	if wc.State == StateDiscarded {
		return nil
	}
	if err := os.RemoveAll(wc.Dir); err != nil {
		return fmt.Errorf("failed to remove working copy %s: %w", wc.ID, err)
	}
	wc.State = StateDiscarded
	m.logger.Debug("discarded working copy",
		zap.String("working_copy", wc.ID),
		zap.String("task_id", wc.TaskID),
	)
	return nil
}

func readFileIfExists(path string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(data), true, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
