package ledger

import (
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tally/internal/schema"
)

func TestTradesHistoryFlattensLegs(t *testing.T) {
	t0 := time.Unix(1700000000, 0).UTC()

	entry := filledOrder(t, "ord-1", schema.SideBuy, 2, 100)
	entry.CreatedAt = t0.Add(time.Minute)
	exit := filledOrder(t, "ord-2", schema.SideSell, 2, 110)
	exit.CreatedAt = t0.Add(2 * time.Minute)
	long := schema.OpenPosition(entry, entry.CreatedAt)
	long.Close(decimal.NewFromInt(1000), exit, exit.CreatedAt)
	long.Interests = decimal.RequireFromString("0.5")

	shortEntry := filledOrder(t, "ord-3", schema.SideSell, 1, 50)
	shortEntry.CreatedAt = t0
	short := schema.OpenPosition(shortEntry, t0)

	got := TradesHistory([]*schema.Position{long, short})
	if len(got) != 3 {
		t.Fatalf("summaries = %d, want 3 legs", len(got))
	}

	if got[0].Op.Op != schema.OperationOpen || got[0].Op.Pos != schema.PositionShort {
		t.Fatalf("first leg = %+v, want the short open", got[0].Op)
	}
	if got[1].Op.Op != schema.OperationOpen || got[1].Op.Pos != schema.PositionLong {
		t.Fatalf("second leg = %+v, want the long open", got[1].Op)
	}
	if got[2].Op.Op != schema.OperationClose || got[2].Op.Pos != schema.PositionLong {
		t.Fatalf("third leg = %+v, want the long close", got[2].Op)
	}

	// Sells credit the quote balance, buys debit it.
	if !got[0].Trade.StratValue.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("short open value = %s, want 50", got[0].Trade.StratValue)
	}
	if !got[1].Trade.StratValue.Equal(decimal.NewFromInt(-200)) {
		t.Fatalf("long open value = %s, want -200", got[1].Trade.StratValue)
	}
	if !got[2].Trade.StratValue.Equal(decimal.NewFromInt(220)) {
		t.Fatalf("long close value = %s, want 220", got[2].Trade.StratValue)
	}

	if got[0].Trade.Interest != nil || got[1].Trade.Interest != nil {
		t.Fatalf("open legs must not carry interest")
	}
	if got[2].Trade.Interest == nil || !got[2].Trade.Interest.Equal(long.Interests) {
		t.Fatalf("close leg interest = %v, want %s", got[2].Trade.Interest, long.Interests)
	}
}

func TestTradesHistoryIgnoresInputOrder(t *testing.T) {
	t0 := time.Unix(1700000000, 0).UTC()

	// Same instant, same pair, both opens: only the ids separate them.
	longEntry := filledOrder(t, "ord-a", schema.SideBuy, 2, 100)
	longEntry.CreatedAt = t0
	long := schema.OpenPosition(longEntry, t0)

	shortEntry := filledOrder(t, "ord-b", schema.SideSell, 1, 50)
	shortEntry.CreatedAt = t0
	short := schema.OpenPosition(shortEntry, t0)

	forward := TradesHistory([]*schema.Position{long, short})
	reverse := TradesHistory([]*schema.Position{short, long})
	if !reflect.DeepEqual(forward, reverse) {
		t.Fatalf("input order changed the history:\n%+v\nvs\n%+v", forward, reverse)
	}
	if len(forward) != 2 || forward[0].Op.Pos != schema.PositionLong {
		t.Fatalf("tied legs must order by order id, got %+v", forward)
	}
}

func TestTradesHistorySkipsFailedLegs(t *testing.T) {
	failed := schema.OpenPosition(rejectedOrder(t, "ord-1", schema.SideBuy, schema.RejectBadRequest), time.Unix(1700000000, 0).UTC())
	if got := TradesHistory([]*schema.Position{failed}); len(got) != 0 {
		t.Fatalf("failed entry produced %d summaries, want none", len(got))
	}
}
