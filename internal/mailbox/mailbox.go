// Package mailbox provides the bounded actor inboxes used by the trading
// subsystems. Sends never block: a full inbox surfaces backpressure as a
// typed error callers can tell apart from order-state errors, and a send to
// a stopped actor fails instead of hanging.
package mailbox

import (
	"context"
	"sync"

	"github.com/coachpo/tally/errs"
	"github.com/coachpo/tally/internal/telemetry"
)

// Mailbox is a bounded inbox delivering messages to a single consuming actor
// in send order.
type Mailbox[T any] struct {
	name     string
	fullCode errs.Code
	ch       chan T
	metrics  *telemetry.Metrics

	mu     sync.Mutex
	closed bool
}

// New builds a mailbox with the given capacity. fullCode is the error code
// surfaced when the inbox is full, so each actor keeps its own backpressure
// signal.
func New[T any](name string, capacity int, fullCode errs.Code) *Mailbox[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Mailbox[T]{
		name:     name,
		fullCode: fullCode,
		ch:       make(chan T, capacity),
		metrics:  nil,
		mu:       sync.Mutex{},
		closed:   false,
	}
}

// WithMetrics attaches the shared metrics registry.
func (m *Mailbox[T]) WithMetrics(mm *telemetry.Metrics) *Mailbox[T] {
	m.metrics = mm
	return m
}

// Send enqueues msg without blocking. A full inbox returns the mailbox's
// backpressure code; a stopped actor returns a closed-mailbox error.
func (m *Mailbox[T]) Send(ctx context.Context, msg T) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errs.New("mailbox.send", errs.CodeMailboxClosed,
			errs.WithMessage("mailbox "+m.name+" stopped"))
	}
	select {
	case m.ch <- msg:
		return nil
	default:
		m.metrics.RecordMailboxRejection(ctx, m.name)
		return errs.New("mailbox.send", m.fullCode,
			errs.WithMessage("mailbox "+m.name+" full"))
	}
}

// Receive exposes the consuming end for the actor's run loop. The channel
// closes after Close once buffered messages have been handed out.
func (m *Mailbox[T]) Receive() <-chan T {
	return m.ch
}

// Close stops accepting sends and closes the consuming channel. Buffered
// messages remain readable.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.ch)
}

// Len reports the number of queued messages.
func (m *Mailbox[T]) Len() int { return len(m.ch) }

// Cap reports the mailbox capacity.
func (m *Mailbox[T]) Cap() int { return cap(m.ch) }

// Name returns the mailbox label used in errors and metrics.
func (m *Mailbox[T]) Name() string { return m.name }
