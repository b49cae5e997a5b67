package telemetry

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrSessionAlreadyStarted is returned when attempting to start an already tracked session.
	ErrSessionAlreadyStarted = errors.New("telemetry: session already started")
	// ErrSessionNotStarted is returned when attempting to stop a session without a start timestamp.
	ErrSessionNotStarted = errors.New("telemetry: session not started")
)

// SessionSummary captures the lifecycle of a single strategy trading session.
type SessionSummary struct {
	Strategy  string
	StartedAt time.Time
	StoppedAt time.Time
	Duration  time.Duration
}

// SessionTracker records trading session durations per strategy key.
type SessionTracker struct {
	mu       sync.Mutex
	sessions map[string]time.Time
	clock    func() time.Time
	emitter  func(SessionSummary)
}

// NewSessionTracker constructs a tracker ready to record strategy sessions.
func NewSessionTracker() *SessionTracker {
	return &SessionTracker{
		mu:       sync.Mutex{},
		sessions: make(map[string]time.Time),
		clock:    time.Now,
		emitter:  nil,
	}
}

// WithClock overrides the internal clock to ease deterministic testing.
func (t *SessionTracker) WithClock(clock func() time.Time) *SessionTracker {
	t.mu.Lock()
	defer t.mu.Unlock()
	if clock == nil {
		t.clock = time.Now
	} else {
		t.clock = clock
	}
	return t
}

// SetEmitter registers a callback invoked after a session stops.
func (t *SessionTracker) SetEmitter(emitter func(SessionSummary)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emitter = emitter
}

// Start records the beginning of a trading session for the strategy key.
func (t *SessionTracker) Start(strategy string, started time.Time) error {
	if strategy == "" {
		return errors.New("telemetry: strategy key required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.sessions[strategy]; exists {
		return ErrSessionAlreadyStarted
	}
	if started.IsZero() {
		started = t.clock()
	}
	t.sessions[strategy] = started
	return nil
}

// Active reports whether the strategy key has a running session.
func (t *SessionTracker) Active(strategy string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[strategy]
	return ok
}

// Stop finalizes a trading session, returning a summary and invoking the emitter.
func (t *SessionTracker) Stop(strategy string, stopped time.Time) (SessionSummary, error) {
	t.mu.Lock()
	started, ok := t.sessions[strategy]
	if !ok {
		t.mu.Unlock()
		return SessionSummary{}, ErrSessionNotStarted
	}
	if stopped.IsZero() {
		stopped = t.clock()
	}
	delete(t.sessions, strategy)
	summary := SessionSummary{
		Strategy:  strategy,
		StartedAt: started,
		StoppedAt: stopped,
		Duration:  0,
	}
	if stopped.After(started) {
		summary.Duration = stopped.Sub(started)
	}
	emitter := t.emitter
	t.mu.Unlock()

	if emitter != nil {
		emitter(summary)
	}
	return summary, nil
}
