// Package events publishes typed workflow events for external
// observers such as the dashboard.
//
// Delivery is at-least-once and fire-and-forget: a publish failure is
// logged, never propagated, and observers must tolerate duplicates and
// out-of-order delivery by event id and timestamp.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Type names a workflow event.
type Type string

const (
	TypeTaskStart          Type = "task_start"
	TypeTaskComplete       Type = "task_complete"
	TypeTaskFailed         Type = "task_failed"
	TypePhaseChange        Type = "phase_change"
	TypeReviewDecision     Type = "review_decision"
	TypeEscalationRequired Type = "escalation_required"
	TypeCheckpointSaved    Type = "checkpoint_saved"
	TypeBatchStart         Type = "batch_start"
	TypeBatchComplete      Type = "batch_complete"
)

// Event is one observable workflow occurrence.
type Event struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	TaskID    string            `json:"task_id,omitempty"`
	Phase     string            `json:"phase,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// Publisher emits events to observers.
type Publisher interface {
	Publish(event Event)
	Close()
}

// subjectPrefix groups all foundryd events under one NATS hierarchy.
const subjectPrefix = "foundryd.events."

// NATSPublisher publishes events over a NATS connection.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// Connect dials NATS with a bounded reconnect policy and returns a
// publisher over the connection.
func Connect(url string, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	logger.Info("connected to NATS", zap.String("url", url))
	return &NATSPublisher{conn: nc, logger: logger}, nil
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(conn *nats.Conn, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{conn: conn, logger: logger}
}

// Publish emits the event on foundryd.events.<type>. Failures are
// logged and dropped; the workflow never blocks on observers.
func (p *NATSPublisher) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("failed to marshal event", zap.String("type", string(event.Type)), zap.Error(err))
		return
	}
	if err := p.conn.Publish(subjectPrefix+string(event.Type), data); err != nil {
		p.logger.Warn("failed to publish event",
			zap.String("type", string(event.Type)),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
	}
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

// NopPublisher drops all events. Used when no event stream is
// configured and in tests.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}
func (NopPublisher) Close()        {}
