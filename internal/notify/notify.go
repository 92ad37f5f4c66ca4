// Package notify delivers user-facing notifications about escrow and
// dispute activity. Delivery is fire-and-forget: a failed or dropped
// notification never fails the operation that produced it.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Type identifies a notification.
type Type string

const (
	TypeDisputeRaised        Type = "DISPUTE_RAISED"
	TypeDisputeCounterStaked Type = "DISPUTE_COUNTER_STAKED"
	TypeDisputeResolved      Type = "DISPUTE_RESOLVED"
	TypeEscrowFunded         Type = "ESCROW_FUNDED"
	TypeEscrowAccepted       Type = "ESCROW_ACCEPTED"
	TypeEscrowReleased       Type = "ESCROW_RELEASED"
)

// Notification is addressed to a single user.
type Notification struct {
	UserID    string            `json:"userId"`
	Type      Type              `json:"type"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Sink accepts notifications.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// Nop discards everything.
var Nop Sink = SinkFunc(func(context.Context, Notification) error { return nil })

// Multi fans a notification out to every sink. Failures are logged per
// sink and do not stop the others.
type Multi struct {
	sinks  []Sink
	logger *slog.Logger
}

func NewMulti(logger *slog.Logger, sinks ...Sink) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{sinks: sinks, logger: logger}
}

func (m *Multi) Notify(ctx context.Context, n Notification) error {
	for _, s := range m.sinks {
		if err := s.Notify(ctx, n); err != nil {
			m.logger.Warn("notification sink failed", "type", n.Type, "user_id", n.UserID, "error", err)
		}
	}
	return nil
}

// Memory records notifications; used in development and tests.
type Memory struct {
	mu   sync.Mutex
	sent []Notification
}

func (m *Memory) Notify(_ context.Context, n Notification) error {
	m.mu.Lock()
	m.sent = append(m.sent, n)
	m.mu.Unlock()
	return nil
}

// Sent returns a copy of everything received.
func (m *Memory) Sent() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.sent...)
}

// For returns the notifications sent to userID.
func (m *Memory) For(userID string) []Notification {
	var out []Notification
	for _, n := range m.Sent() {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

// Send stamps n and hands it to s, logging instead of returning errors.
func Send(ctx context.Context, s Sink, logger *slog.Logger, n Notification) {
	if s == nil || n.UserID == "" {
		return
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if err := s.Notify(ctx, n); err != nil && logger != nil {
		logger.Warn("notification failed", "type", n.Type, "user_id", n.UserID, "error", err)
	}
}
