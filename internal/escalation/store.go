// Package escalation records unresolved failures durably.
//
// An escalation is created exactly once per incident, written before
// control returns to the caller, and never mutated, dropped, deferred
// or merged afterwards. One JSON file per incident.
package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/foundryd/internal/agent"
)

// Severity grades an escalation.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Context captures what was attempted before the escalation.
type Context struct {
	AttemptsMade int      `json:"attempts_made"`
	ErrorHistory []string `json:"error_history,omitempty"`
}

// Escalation is a durable record of an unresolved failure. TaskID is
// empty for graph-level incidents.
type Escalation struct {
	ID             string          `json:"id"`
	TaskID         string          `json:"task_id,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Kind           agent.FaultKind `json:"kind"`
	Reason         string          `json:"reason"`
	Context        Context         `json:"context"`
	Options        []string        `json:"options,omitempty"`
	Recommendation string          `json:"recommendation,omitempty"`
	Severity       Severity        `json:"severity"`
}

// Store persists escalations, one record per incident.
type Store interface {
	// Record durably writes the escalation before returning.
	Record(ctx context.Context, e *Escalation) error

	// List returns all recorded escalations in timestamp order.
	List(ctx context.Context) ([]*Escalation, error)
}

type fileStore struct {
	dir    string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewFileStore opens (or creates) an escalation directory.
func NewFileStore(dir string, logger *zap.Logger) (Store, error) {
	if dir == "" {
		return nil, errors.New("escalation directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create escalation directory: %w", err)
	}
	return &fileStore{dir: dir, logger: logger}, nil
}

// Record durably writes the escalation: temp file, fsync, rename.
func (s *fileStore) Record(ctx context.Context, e *Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Severity == "" {
		e.Severity = SeverityError
	}

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal escalation: %w", err)
	}

	final := filepath.Join(s.dir, fmt.Sprintf("escalation-%s-%s.json",
		e.Timestamp.UTC().Format("20060102T150405"), e.ID[:8]))
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create escalation file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write escalation: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync escalation: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close escalation file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("failed to finalize escalation: %w", err)
	}

	s.logger.Error("escalation recorded",
		zap.String("id", e.ID),
		zap.String("task_id", e.TaskID),
		zap.String("kind", string(e.Kind)),
		zap.String("reason", e.Reason),
		zap.String("severity", string(e.Severity)),
	)
	return nil
}

// List returns all recorded escalations in timestamp order.
func (s *fileStore) List(ctx context.Context) ([]*Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read escalation directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "escalation-") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]*Escalation, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read escalation %s: %w", name, err)
		}
		var e Escalation
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("failed to decode escalation %s: %w", name, err)
		}
		out = append(out, &e)
	}
	return out, nil
}
