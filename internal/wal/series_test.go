package wal

import (
	"context"
	"testing"
	"time"

	"github.com/coachpo/tally/internal/storage"
)

func TestSeriesPushAndAll(t *testing.T) {
	series := NewSeries(storage.NewMemory(), "equity", 0).
		WithClock(steppingClock(time.Unix(1700000000, 0), time.Second))
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c"} {
		if err := series.Push(ctx, []byte(v)); err != nil {
			t.Fatalf("push %s: %v", v, err)
		}
	}

	points, err := series.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("expected 3 points, got %d", len(points))
	}
	for i, want := range []string{"a", "b", "c"} {
		if string(points[i].Value) != want {
			t.Fatalf("point %d: expected %s, got %s", i, want, points[i].Value)
		}
	}
}

func TestSeriesCapDropsOldest(t *testing.T) {
	series := NewSeries(storage.NewMemory(), "equity", 3).
		WithClock(steppingClock(time.Unix(1700000000, 0), time.Second))
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c", "d", "e"} {
		if err := series.Push(ctx, []byte(v)); err != nil {
			t.Fatalf("push %s: %v", v, err)
		}
	}

	points, err := series.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("expected cap of 3 points, got %d", len(points))
	}
	for i, want := range []string{"c", "d", "e"} {
		if string(points[i].Value) != want {
			t.Fatalf("point %d: expected %s, got %s", i, want, points[i].Value)
		}
	}
}

func TestSeriesWindowReturnsTail(t *testing.T) {
	series := NewSeries(storage.NewMemory(), "equity", 0).
		WithClock(steppingClock(time.Unix(1700000000, 0), time.Second))
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c", "d"} {
		if err := series.Push(ctx, []byte(v)); err != nil {
			t.Fatalf("push %s: %v", v, err)
		}
	}

	points, err := series.Window(ctx, 2)
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(points))
	}
	if string(points[0].Value) != "c" || string(points[1].Value) != "d" {
		t.Fatalf("unexpected window: %s, %s", points[0].Value, points[1].Value)
	}

	all, err := series.Window(ctx, 10)
	if err != nil {
		t.Fatalf("window over length: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected full series for oversized window, got %d", len(all))
	}
}

func TestSeriesStalledClockKeepsOrdering(t *testing.T) {
	at := time.Unix(1700000000, 0)
	series := NewSeries(storage.NewMemory(), "equity", 0).WithClock(fixedClock(at))
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c"} {
		if err := series.Push(ctx, []byte(v)); err != nil {
			t.Fatalf("push %s: %v", v, err)
		}
	}

	points, err := series.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("expected 3 points under a stalled clock, got %d", len(points))
	}
	for i, want := range []string{"a", "b", "c"} {
		if string(points[i].Value) != want {
			t.Fatalf("point %d: expected %s, got %s", i, want, points[i].Value)
		}
	}
}
