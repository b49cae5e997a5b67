package backtest

import (
	"testing"
	"time"
)

func TestVirtualClockAdvances(t *testing.T) {
	start := time.Unix(1700000000, 0).UTC()
	clock := NewVirtualClock(start)

	if !clock.Now().Equal(start) {
		t.Fatalf("expected start %s, got %s", start, clock.Now())
	}

	clock.Advance(time.Minute)
	if !clock.Now().Equal(start.Add(time.Minute)) {
		t.Fatalf("expected +1m, got %s", clock.Now())
	}
	clock.Advance(-time.Hour)
	if !clock.Now().Equal(start.Add(time.Minute)) {
		t.Fatal("negative advance must be ignored")
	}

	clock.AdvanceTo(start.Add(time.Hour))
	if !clock.Now().Equal(start.Add(time.Hour)) {
		t.Fatalf("expected +1h, got %s", clock.Now())
	}
	clock.AdvanceTo(start)
	if !clock.Now().Equal(start.Add(time.Hour)) {
		t.Fatal("the clock must never run backwards")
	}

	if !clock.Func()().Equal(clock.Now()) {
		t.Fatal("Func must read the same clock")
	}
}
