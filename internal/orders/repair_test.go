package orders

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tally/errs"
	"github.com/coachpo/tally/internal/exchange"
	"github.com/coachpo/tally/internal/exchange/fake"
	"github.com/coachpo/tally/internal/schema"
	"github.com/coachpo/tally/internal/storage"
)

func newRepairManager(t *testing.T, venue *fake.Venue) (*Manager, storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	dir := exchange.NewManager(quietLogger(), venue)
	m, err := NewManager(Config{Store: store, Venues: dir, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(m.Stop)
	return m, store
}

func TestRepairCleanWhenVenueAgrees(t *testing.T) {
	venue := fake.NewVenue(schema.ExchangeSim)
	m, _ := newRepairManager(t, venue)
	ctx := context.Background()

	if _, err := m.Stage(ctx, limitRequest("ord-1")); err != nil {
		t.Fatalf("stage: %v", err)
	}
	waitForStatus(t, m, "ord-1", schema.OrderSubmitted)

	events, err := m.Repair(ctx)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no divergence, got %+v", events)
	}
	if venue.GetOrderCalls() != 1 {
		t.Fatalf("expected one venue query, got %d", venue.GetOrderCalls())
	}
}

func TestRepairEmitsDivergenceForRemoteFill(t *testing.T) {
	venue := fake.NewVenue(schema.ExchangeSim)
	venue.ScriptNext(fake.Script{FinalStatus: schema.RemoteFilled})
	m, _ := newRepairManager(t, venue)
	ctx := context.Background()

	if _, err := m.Stage(ctx, limitRequest("ord-1")); err != nil {
		t.Fatalf("stage: %v", err)
	}
	waitForStatus(t, m, "ord-1", schema.OrderSubmitted)

	events, err := m.Repair(ctx)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one divergence event, got %d", len(events))
	}
	upd := events[0].Order
	if upd == nil || upd.OrderID != "ord-1" || upd.Status != schema.RemoteFilled {
		t.Fatalf("unexpected divergence event: %+v", events[0])
	}
	if !upd.CumulativeQty.Equal(decimal.NewFromInt(2)) || !upd.LastQty.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected the venue's cumulative state, got last %s cumulative %s", upd.LastQty, upd.CumulativeQty)
	}

	// The sweep never applies its own findings; feeding the event back is
	// what settles the order.
	if err := m.ApplyAccountEvent(ctx, events[0]); err != nil {
		t.Fatalf("apply divergence: %v", err)
	}
	waitForStatus(t, m, "ord-1", schema.OrderFilled)

	events, err = m.Repair(ctx)
	if err != nil {
		t.Fatalf("repair after apply: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected a settled order to repair clean, got %+v", events)
	}
}

func TestRepairIdempotentWithoutApplication(t *testing.T) {
	venue := fake.NewVenue(schema.ExchangeSim)
	venue.ScriptNext(fake.Script{FinalStatus: schema.RemoteFilled})
	m, _ := newRepairManager(t, venue)
	ctx := context.Background()

	if _, err := m.Stage(ctx, limitRequest("ord-1")); err != nil {
		t.Fatalf("stage: %v", err)
	}
	waitForStatus(t, m, "ord-1", schema.OrderSubmitted)

	first, err := m.Repair(ctx)
	if err != nil {
		t.Fatalf("first repair: %v", err)
	}
	second, err := m.Repair(ctx)
	if err != nil {
		t.Fatalf("second repair: %v", err)
	}
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected one event per sweep, got %d then %d", len(first), len(second))
	}
	a, b := first[0].Order, second[0].Order
	if a.OrderID != b.OrderID || a.Status != b.Status || !a.CumulativeQty.Equal(b.CumulativeQty) {
		t.Fatalf("sweeps disagree: %+v vs %+v", a, b)
	}

	detail, _, err := m.Get(ctx, "ord-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if detail.Status != schema.OrderSubmitted {
		t.Fatalf("repair mutated the stored order to %s", detail.Status)
	}
}

func TestRepairRebuildsLostDetailFromLog(t *testing.T) {
	venue := fake.NewVenue(schema.ExchangeSim)
	m, store := newRepairManager(t, venue)
	ctx := context.Background()

	if _, err := m.Stage(ctx, limitRequest("ord-1")); err != nil {
		t.Fatalf("stage: %v", err)
	}
	waitForStatus(t, m, "ord-1", schema.OrderSubmitted)

	if err := store.Delete(ctx, ordersTable, "ord-1"); err != nil {
		t.Fatalf("drop detail: %v", err)
	}
	if _, _, err := m.Get(ctx, "ord-1"); !errs.Is(err, errs.CodeOrderNotFound) {
		t.Fatalf("expected the detail gone, got %v", err)
	}

	events, err := m.Repair(ctx)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("venue agrees, expected no events, got %+v", events)
	}

	detail, _, err := m.Get(ctx, "ord-1")
	if err != nil {
		t.Fatalf("get after rebuild: %v", err)
	}
	if detail.Status != schema.OrderSubmitted {
		t.Fatalf("expected the rebuilt order submitted, got %s", detail.Status)
	}
	if detail.RemoteID != "sim-1" {
		t.Fatalf("expected the submission folded back in, got remote id %q", detail.RemoteID)
	}
	if !detail.RequestedQty.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected the staged request folded back in, got qty %s", detail.RequestedQty)
	}
}

func TestRepairRequiresStagedAnchor(t *testing.T) {
	venue := fake.NewVenue(schema.ExchangeSim)
	m, _ := newRepairManager(t, venue)
	ctx := context.Background()

	// A stray execution report for an order this process never staged leaves
	// an incomplete log entry with nothing trustworthy to rebuild from.
	stray := schema.AccountEvent{Exchange: schema.ExchangeSim, Order: &schema.OrderUpdate{
		OrderID:       "phantom",
		Status:        schema.RemotePartiallyFilled,
		LastPrice:     decimal.NewFromInt(100),
		LastQty:       decimal.NewFromInt(1),
		CumulativeQty: decimal.NewFromInt(1),
		Timestamp:     time.Now(),
	}}
	if err := m.ApplyAccountEvent(ctx, stray); err != nil {
		t.Fatalf("apply stray: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		history, err := m.Transactions(ctx, "phantom")
		if err == nil && len(history) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stray report never reached the log")
		}
		time.Sleep(5 * time.Millisecond)
	}

	events, err := m.Repair(ctx)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected the phantom skipped, got %+v", events)
	}
	if venue.GetOrderCalls() != 0 {
		t.Fatalf("the phantom must fail before the venue, got %d queries", venue.GetOrderCalls())
	}
	if _, _, err := m.Get(ctx, "phantom"); !errs.Is(err, errs.CodeOrderNotFound) {
		t.Fatalf("expected the phantom still unknown, got %v", err)
	}
}

func TestRepairSkipsDryRunOrders(t *testing.T) {
	venue := fake.NewVenue(schema.ExchangeSim)
	m, _ := newRepairManager(t, venue)
	ctx := context.Background()

	req := limitRequest("ord-1")
	req.DryRun = true
	if _, err := m.Stage(ctx, req); err != nil {
		t.Fatalf("stage: %v", err)
	}
	waitForStatus(t, m, "ord-1", schema.OrderSubmitted)

	events, err := m.Repair(ctx)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events for a dry-run order, got %+v", events)
	}
	if venue.GetOrderCalls() != 0 {
		t.Fatalf("no venue holds a dry-run order, got %d queries", venue.GetOrderCalls())
	}
}

func TestRepairRecoversCancelledRemote(t *testing.T) {
	venue := fake.NewVenue(schema.ExchangeSim)
	venue.ScriptNext(fake.Script{FinalStatus: schema.RemoteCanceled})
	m, _ := newRepairManager(t, venue)
	ctx := context.Background()

	if _, err := m.Stage(ctx, limitRequest("ord-1")); err != nil {
		t.Fatalf("stage: %v", err)
	}
	lastSeen := waitForStatus(t, m, "ord-1", schema.OrderSubmitted)

	events, err := m.Repair(ctx)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if len(events) != 1 || events[0].Order.Status != schema.RemoteCanceled {
		t.Fatalf("expected a cancel divergence, got %+v", events)
	}
	if err := m.ApplyAccountEvent(ctx, events[0]); err != nil {
		t.Fatalf("apply: %v", err)
	}
	detail := waitForStatus(t, m, "ord-1", schema.OrderRejected)
	if !detail.IsCancelled() {
		t.Fatalf("expected a cancelled order, got %+v", detail.RejectReason)
	}

	_, _, resolution, err := m.ResolvePendingOrder(ctx, lastSeen)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolution != ResolutionRetryable {
		t.Fatalf("a venue cancel should invite a fresh attempt, got %s", resolution)
	}

	events, err = m.Repair(ctx)
	if err != nil {
		t.Fatalf("repair after apply: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected the settled cancel to repair clean, got %+v", events)
	}
}

func TestEquivalentStatusMatrix(t *testing.T) {
	tests := []struct {
		kind   schema.TransactionKind
		remote schema.RemoteStatus
		want   bool
	}{
		{schema.TxFilled, schema.RemoteFilled, true},
		{schema.TxFilled, schema.RemoteNew, false},
		{schema.TxRejected, schema.RemoteRejected, true},
		{schema.TxRejected, schema.RemoteExpired, true},
		{schema.TxRejected, schema.RemoteCanceled, true},
		{schema.TxRejected, schema.RemoteNew, false},
		{schema.TxStaged, schema.RemoteNew, true},
		{schema.TxSubmitted, schema.RemoteNew, true},
		{schema.TxSubmitted, schema.RemotePartiallyFilled, false},
		{schema.TxPartiallyFilled, schema.RemotePartiallyFilled, true},
		{schema.TxPartiallyFilled, schema.RemoteFilled, false},
	}
	for _, tt := range tests {
		if got := equivalentStatus(tt.kind, tt.remote); got != tt.want {
			t.Errorf("equivalentStatus(%s, %s) = %v, want %v", tt.kind, tt.remote, got, tt.want)
		}
	}
}
