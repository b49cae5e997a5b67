package driver

import (
	"context"
	"testing"
	"time"

	"github.com/coachpo/tally/errs"
	"github.com/coachpo/tally/internal/storage"
)

func TestStatusDefaultsToTrading(t *testing.T) {
	repo := NewStatusRepo(storage.NewMemory())
	ctx := context.Background()
	if err := repo.EnsureTable(ctx); err != nil {
		t.Fatalf("ensure table: %v", err)
	}

	status, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !status.Trading {
		t.Fatal("a fresh deployment must trade by default")
	}
}

func TestStatusRoundTripStampsClock(t *testing.T) {
	at := time.Unix(1700000000, 0).UTC()
	repo := NewStatusRepo(storage.NewMemory()).WithClock(func() time.Time { return at })
	ctx := context.Background()

	if err := repo.Save(ctx, StrategyStatus{Trading: false, Strategy: "stub:sim:BTC_USDT"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	status, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if status.Trading {
		t.Fatal("expected the halt to persist")
	}
	if status.Strategy != "stub:sim:BTC_USDT" {
		t.Fatalf("expected the strategy key to persist, got %q", status.Strategy)
	}
	if !status.UpdatedAt.Equal(at) {
		t.Fatalf("expected stamp %s, got %s", at, status.UpdatedAt)
	}
}

func TestStatusCorruptRecordIsStorageError(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	if err := store.Put(ctx, statusTable, statusKey, []byte("{not json")); err != nil {
		t.Fatalf("put: %v", err)
	}

	_, err := NewStatusRepo(store).Load(ctx)
	if !errs.Is(err, errs.CodeStorage) {
		t.Fatalf("expected a storage error, got %v", err)
	}
}
