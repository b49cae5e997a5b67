package interest

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tally/errs"
	"github.com/coachpo/tally/internal/exchange"
	"github.com/coachpo/tally/internal/exchange/fake"
	"github.com/coachpo/tally/internal/schema"
)

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestProvider(t *testing.T, venue *fake.Venue, clk *fakeClock) *Provider {
	t.Helper()
	dir := exchange.NewManager(quietLogger(), venue)
	cfg := Config{Venues: dir, Logger: quietLogger()}
	if clk != nil {
		cfg.Clock = clk.Now
	}
	p, err := NewProvider(cfg)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(p.Stop)
	return p
}

func hourlyRate(asset, rate string) schema.InterestRate {
	return schema.InterestRate{
		Asset:  asset,
		Rate:   decimal.RequireFromString(rate),
		Period: schema.PeriodHourly,
	}
}

func TestRateFetchesOnceWhileFresh(t *testing.T) {
	ctx := context.Background()
	venue := fake.NewVenue(schema.ExchangeSim)
	venue.SetInterestRate(hourlyRate("USDT", "0.0001"))
	p := newTestProvider(t, venue, nil)

	first, err := p.Rate(ctx, schema.ExchangeSim, "USDT")
	if err != nil {
		t.Fatalf("Rate: %v", err)
	}
	if !first.Rate.Equal(decimal.RequireFromString("0.0001")) {
		t.Fatalf("rate = %s, want 0.0001", first.Rate)
	}
	second, err := p.Rate(ctx, schema.ExchangeSim, "USDT")
	if err != nil {
		t.Fatalf("second Rate: %v", err)
	}
	if !second.Rate.Equal(first.Rate) {
		t.Fatalf("cached rate = %s, want %s", second.Rate, first.Rate)
	}
	if calls := venue.RateCalls(); calls != 1 {
		t.Fatalf("venue served %d rate calls, want 1 (second from cache)", calls)
	}
}

func TestRateRefreshesAfterTTL(t *testing.T) {
	ctx := context.Background()
	venue := fake.NewVenue(schema.ExchangeSim)
	venue.SetInterestRate(hourlyRate("USDT", "0.0001"))
	clk := &fakeClock{t: time.Unix(1700000000, 0).UTC()}
	p := newTestProvider(t, venue, clk)

	if _, err := p.Rate(ctx, schema.ExchangeSim, "USDT"); err != nil {
		t.Fatalf("Rate: %v", err)
	}
	clk.Advance(2 * time.Hour)
	venue.SetInterestRate(hourlyRate("USDT", "0.0005"))
	got, err := p.Rate(ctx, schema.ExchangeSim, "USDT")
	if err != nil {
		t.Fatalf("Rate after TTL: %v", err)
	}
	if !got.Rate.Equal(decimal.RequireFromString("0.0005")) {
		t.Fatalf("refreshed rate = %s, want 0.0005", got.Rate)
	}
	if calls := venue.RateCalls(); calls != 2 {
		t.Fatalf("venue served %d rate calls, want 2 after expiry", calls)
	}
}

func TestRateUnknownVenueIsTyped(t *testing.T) {
	venue := fake.NewVenue(schema.ExchangeSim)
	p := newTestProvider(t, venue, nil)
	_, err := p.Rate(context.Background(), schema.ExchangeKraken, "USDT")
	if !errs.Is(err, errs.CodeExchangeNotLoaded) {
		t.Fatalf("Rate error = %v, want code %s", err, errs.CodeExchangeNotLoaded)
	}
}

func TestRateUnknownAssetSurfacesVenueError(t *testing.T) {
	venue := fake.NewVenue(schema.ExchangeSim)
	p := newTestProvider(t, venue, nil)
	_, err := p.Rate(context.Background(), schema.ExchangeSim, "DOGE")
	if !errs.Is(err, errs.CodeExchange) {
		t.Fatalf("Rate error = %v, want code %s", err, errs.CodeExchange)
	}
}

func TestFeesSinceZeroWithoutBorrow(t *testing.T) {
	venue := fake.NewVenue(schema.ExchangeSim)
	p := newTestProvider(t, venue, nil)

	detail := schema.NewOrderDetail(schema.OrderRequest{
		OrderID:  "ord-1",
		Exchange: schema.ExchangeSim,
		Pair:     schema.NewPair("BTC", "USDT"),
		Side:     schema.SideBuy,
		Type:     schema.OrderTypeLimit,
		Quantity: decimal.NewFromInt(1),
		Price:    decimal.NewFromInt(100),
	})
	fee, err := p.FeesSince(context.Background(), schema.ExchangeSim, &detail)
	if err != nil {
		t.Fatalf("FeesSince: %v", err)
	}
	if !fee.IsZero() {
		t.Fatalf("spot order fee = %s, want 0", fee)
	}
	if venue.RateCalls() != 0 {
		t.Fatalf("spot order hit the venue rate endpoint")
	}
}

func TestFeesSinceAccruesWholeHours(t *testing.T) {
	venue := fake.NewVenue(schema.ExchangeSim)
	venue.SetInterestRate(hourlyRate("USDT", "0.001"))
	opened := time.Unix(1700000000, 0).UTC()
	clk := &fakeClock{t: opened.Add(3*time.Hour + 30*time.Minute)}
	p := newTestProvider(t, venue, clk)

	detail := schema.NewOrderDetail(schema.OrderRequest{
		OrderID:  "ord-1",
		Exchange: schema.ExchangeSim,
		Pair:     schema.NewPair("BTC", "USDT"),
		Side:     schema.SideBuy,
		Type:     schema.OrderTypeLimit,
		Quantity: decimal.NewFromInt(1),
		Price:    decimal.NewFromInt(100),
	})
	detail.BorrowedAmount = decimal.NewFromInt(100)
	detail.BorrowedAsset = "USDT"
	detail.OpenAt = &opened

	fee, err := p.FeesSince(context.Background(), schema.ExchangeSim, &detail)
	if err != nil {
		t.Fatalf("FeesSince: %v", err)
	}
	// 100 borrowed at 0.001/h for 3 whole hours.
	if !fee.Equal(decimal.RequireFromString("0.3")) {
		t.Fatalf("fee = %s, want 0.3", fee)
	}

	fresh := opened.Add(10 * time.Minute)
	clk.mu.Lock()
	clk.t = fresh
	clk.mu.Unlock()
	fee, err = p.FeesSince(context.Background(), schema.ExchangeSim, &detail)
	if err != nil {
		t.Fatalf("FeesSince on fresh order: %v", err)
	}
	// The first hour is billed up front.
	if !fee.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("fresh order fee = %s, want 0.1", fee)
	}
}

func TestStoppedProviderRefusesSends(t *testing.T) {
	venue := fake.NewVenue(schema.ExchangeSim)
	p := newTestProvider(t, venue, nil)
	p.Stop()
	p.Stop()
	_, err := p.Rate(context.Background(), schema.ExchangeSim, "USDT")
	if !errs.Is(err, errs.CodeMailboxClosed) {
		t.Fatalf("Rate error = %v, want code %s", err, errs.CodeMailboxClosed)
	}
}

func TestFullMailboxIsTypedBackpressure(t *testing.T) {
	venue := fake.NewVenue(schema.ExchangeSim)
	dir := exchange.NewManager(quietLogger(), venue)
	p, err := NewProvider(Config{Venues: dir, Logger: quietLogger(), MailboxCapacity: 1})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	// Never started: nothing drains the mailbox.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Rate(cancelled, schema.ExchangeSim, "USDT"); err == nil {
		t.Fatalf("first send should park and bail on the dead context")
	}
	_, err = p.Rate(cancelled, schema.ExchangeSim, "USDT")
	if !errs.Is(err, errs.CodeInterestMailbox) {
		t.Fatalf("second Rate error = %v, want code %s", err, errs.CodeInterestMailbox)
	}
}
