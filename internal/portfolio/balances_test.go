package portfolio

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tally/internal/schema"
)

func balanceAt(asset string, free int64, at time.Time) schema.BalanceUpdate {
	return schema.BalanceUpdate{
		Exchange:  schema.ExchangeSim,
		Account:   schema.AccountSpot,
		Asset:     asset,
		Free:      decimal.NewFromInt(free),
		Timestamp: at,
	}
}

func TestBalanceBookKeepsNewestReport(t *testing.T) {
	book := NewBalanceBook()
	t0 := time.Unix(1700000000, 0).UTC()

	book.Apply(balanceAt("USDT", 100, t0))
	book.Apply(balanceAt("USDT", 250, t0.Add(time.Second)))
	// A replayed stale report must not win.
	book.Apply(balanceAt("USDT", 50, t0))

	got, ok := book.Balance(schema.ExchangeSim, schema.AccountSpot, "USDT")
	if !ok {
		t.Fatalf("balance missing after apply")
	}
	if !got.Free.Equal(decimal.NewFromInt(250)) {
		t.Fatalf("free = %s, want the newest report of 250", got.Free)
	}
}

func TestWalletProjectsOneAccountSorted(t *testing.T) {
	book := NewBalanceBook()
	t0 := time.Unix(1700000000, 0).UTC()

	book.Apply(balanceAt("USDT", 100, t0))
	book.Apply(balanceAt("BTC", 2, t0))
	margin := balanceAt("ETH", 5, t0)
	margin.Account = schema.AccountMargin
	book.Apply(margin)

	wallet := book.Wallet(schema.AccountSpot)
	if len(wallet) != 2 {
		t.Fatalf("spot wallet = %d entries, want 2", len(wallet))
	}
	if wallet[0].Asset != "BTC" || wallet[1].Asset != "USDT" {
		t.Fatalf("wallet order = [%s %s], want [BTC USDT]", wallet[0].Asset, wallet[1].Asset)
	}
	if got := book.Wallet(schema.AccountMargin); len(got) != 1 || got[0].Asset != "ETH" {
		t.Fatalf("margin wallet = %+v, want the ETH entry", got)
	}
}
