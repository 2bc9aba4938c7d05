package notify

import (
	"context"
	"time"
)

// EventKind distinguishes the two notification hooks.
type EventKind string

const (
	EventFailure  EventKind = "failure"
	EventRecovery EventKind = "recovery"
)

// Event describes a task or monitor state transition worth relaying.
type Event struct {
	Kind   EventKind `json:"kind"`
	Source string    `json:"source"` // "task" or "monitor"
	ID     string    `json:"id"`
	Name   string    `json:"name,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`

	// URL overrides the sink destination (task callback URL). Empty means
	// the notifier's default destination.
	URL string `json:"-"`
}

// Notifier is the shared notification sink for dispatcher and heartbeat
// engine hooks.
type Notifier interface {
	Send(ctx context.Context, event Event) error
}

// MultiNotifier fans an event out to several notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

func (m *MultiNotifier) Send(ctx context.Context, event Event) error {
	var lastErr error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, event); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoOpNotifier does nothing.
type NoOpNotifier struct{}

func (n *NoOpNotifier) Send(ctx context.Context, event Event) error {
	return nil
}
