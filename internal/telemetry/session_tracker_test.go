package telemetry

import (
	"testing"
	"time"
)

func TestSessionTrackerDuration(t *testing.T) {
	tracker := NewSessionTracker()
	start := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	stop := time.Date(2026, time.March, 2, 17, 30, 0, 0, time.UTC)
	if err := tracker.Start("meanrevert:binance:BTC_USDT", start); err != nil {
		t.Fatalf("start returned error: %v", err)
	}
	summary, err := tracker.Stop("meanrevert:binance:BTC_USDT", stop)
	if err != nil {
		t.Fatalf("stop returned error: %v", err)
	}
	if summary.Duration != 8*time.Hour+30*time.Minute {
		t.Fatalf("expected 8h30m, got %v", summary.Duration)
	}
}

func TestSessionTrackerEmitter(t *testing.T) {
	tracker := NewSessionTracker()
	tracker.WithClock(func() time.Time { return time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC) })

	var emitted SessionSummary
	tracker.SetEmitter(func(summary SessionSummary) {
		emitted = summary
	})

	if err := tracker.Start("alpha", time.Time{}); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	_, err := tracker.Stop("alpha", time.Date(2026, time.March, 3, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	if emitted.Strategy != "alpha" {
		t.Fatalf("expected emitter to receive strategy 'alpha', got %q", emitted.Strategy)
	}
	if emitted.Duration != 24*time.Hour {
		t.Fatalf("expected 24h duration, got %v", emitted.Duration)
	}
}

func TestSessionTrackerErrors(t *testing.T) {
	tracker := NewSessionTracker()
	if err := tracker.Start("duplicate", time.Time{}); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	if err := tracker.Start("duplicate", time.Time{}); err == nil {
		t.Fatal("expected duplicate start error")
	}
	if _, err := tracker.Stop("missing", time.Time{}); err != ErrSessionNotStarted {
		t.Fatalf("expected ErrSessionNotStarted, got %v", err)
	}
	if !tracker.Active("duplicate") {
		t.Fatal("expected running session to be active")
	}
}

func TestSessionTrackerClockSkewYieldsZeroDuration(t *testing.T) {
	tracker := NewSessionTracker()
	start := time.Date(2026, time.March, 2, 12, 0, 0, 0, time.UTC)
	if err := tracker.Start("skewed", start); err != nil {
		t.Fatalf("start returned error: %v", err)
	}
	summary, err := tracker.Stop("skewed", start.Add(-time.Hour))
	if err != nil {
		t.Fatalf("stop returned error: %v", err)
	}
	if summary.Duration != 0 {
		t.Fatalf("expected zero duration for backwards clock, got %v", summary.Duration)
	}
}
