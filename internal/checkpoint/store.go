package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/foundryd/internal/task"
)

const instrumentationName = "github.com/fyrsmithlabs/foundryd/internal/checkpoint"

// ErrNoCheckpoints indicates an empty store.
var ErrNoCheckpoints = errors.New("no checkpoints")

// Checkpoint is a durable, immutable snapshot of workflow state.
// Phase fields are plain strings so the record format stands alone.
type Checkpoint struct {
	Seq         uint64            `json:"seq"`
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	Label       string            `json:"label"`
	Phase       string            `json:"phase"`
	PhaseStatus map[string]string `json:"phase_status"`
	State       *task.Snapshot    `json:"state"`
}

// Store is the append-only checkpoint store.
type Store interface {
	// Save durably writes a checkpoint, assigning the next sequence id.
	Save(ctx context.Context, cp *Checkpoint) error

	// Latest returns the most recent checkpoint.
	Latest(ctx context.Context) (*Checkpoint, error)

	// Get returns the checkpoint with the given sequence id.
	Get(ctx context.Context, seq uint64) (*Checkpoint, error)

	// List returns all checkpoints in sequence order.
	List(ctx context.Context) ([]*Checkpoint, error)
}

// fileStore persists one JSON file per checkpoint under a directory.
type fileStore struct {
	dir    string
	logger *zap.Logger

	tracer      trace.Tracer
	meter       metric.Meter
	saveCounter metric.Int64Counter

	mu   sync.Mutex
	next uint64
}

// NewFileStore opens (or creates) a checkpoint directory and resumes
// the sequence from the records already present.
func NewFileStore(dir string, logger *zap.Logger) (Store, error) {
	if dir == "" {
		return nil, errors.New("checkpoint directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	s := &fileStore{
		dir:    dir,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	seqs, err := s.sequences()
	if err != nil {
		return nil, err
	}
	if len(seqs) > 0 {
		s.next = seqs[len(seqs)-1] + 1
	} else {
		s.next = 1
	}

	s.saveCounter, err = s.meter.Int64Counter(
		"foundryd.checkpoint.saves_total",
		metric.WithDescription("Checkpoints saved"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		logger.Warn("failed to create save counter", zap.Error(err))
	}
	return s, nil
}

func (s *fileStore) path(seq uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("checkpoint-%06d.json", seq))
}

// sequences lists the sequence ids present on disk, ascending.
func (s *fileStore) sequences() ([]uint64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}
	var seqs []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "checkpoint-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		raw := strings.TrimSuffix(strings.TrimPrefix(name, "checkpoint-"), ".json")
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.logger.Warn("ignoring malformed checkpoint filename", zap.String("name", name))
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// Save durably writes the checkpoint: temp file, fsync, atomic rename.
func (s *fileStore) Save(ctx context.Context, cp *Checkpoint) error {
	ctx, span := s.tracer.Start(ctx, "checkpoint.save")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	cp.Seq = s.next
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	span.SetAttributes(
		attribute.Int64("seq", int64(cp.Seq)),
		attribute.String("label", cp.Label),
	)

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	final := s.path(cp.Seq)
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("failed to finalize checkpoint: %w", err)
	}

	s.next++
	if s.saveCounter != nil {
		s.saveCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("label", cp.Label)))
	}
	s.logger.Info("saved checkpoint",
		zap.Uint64("seq", cp.Seq),
		zap.String("label", cp.Label),
		zap.String("phase", cp.Phase),
	)
	return nil
}

func (s *fileStore) load(seq uint64) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(seq))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checkpoint %d: %w", seq, ErrNoCheckpoints)
		}
		return nil, fmt.Errorf("failed to read checkpoint %d: %w", seq, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %d: %w", seq, err)
	}
	return &cp, nil
}

// Latest returns the most recent checkpoint.
func (s *fileStore) Latest(ctx context.Context) (*Checkpoint, error) {
	_, span := s.tracer.Start(ctx, "checkpoint.latest")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	seqs, err := s.sequences()
	if err != nil {
		return nil, err
	}
	if len(seqs) == 0 {
		return nil, ErrNoCheckpoints
	}
	return s.load(seqs[len(seqs)-1])
}

// Get returns one checkpoint by sequence id.
func (s *fileStore) Get(ctx context.Context, seq uint64) (*Checkpoint, error) {
	_, span := s.tracer.Start(ctx, "checkpoint.get")
	defer span.End()
	span.SetAttributes(attribute.Int64("seq", int64(seq)))

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(seq)
}

// List returns all checkpoints in sequence order.
func (s *fileStore) List(ctx context.Context) ([]*Checkpoint, error) {
	_, span := s.tracer.Start(ctx, "checkpoint.list")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	seqs, err := s.sequences()
	if err != nil {
		return nil, err
	}
	out := make([]*Checkpoint, 0, len(seqs))
	for _, seq := range seqs {
		cp, err := s.load(seq)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}
