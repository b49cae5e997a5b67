package backtest

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tally/errs"
	"github.com/coachpo/tally/internal/driver"
	"github.com/coachpo/tally/internal/exchange"
	"github.com/coachpo/tally/internal/exchange/fake"
	"github.com/coachpo/tally/internal/ledger"
	"github.com/coachpo/tally/internal/orders"
	"github.com/coachpo/tally/internal/portfolio"
	"github.com/coachpo/tally/internal/schema"
	"github.com/coachpo/tally/internal/storage"
	"github.com/coachpo/tally/internal/strategy"
)

var testPair = schema.NewPair("BTC", "USDT")

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

// candle wraps a close price into the event a feeder would emit for it.
func candle(close decimal.Decimal, at time.Time) schema.MarketEvent {
	return schema.MarketEvent{
		Channel: schema.Channel{Kind: schema.ChannelCandles, Exchange: schema.ExchangeSim, Pair: testPair},
		Candle: &schema.Candle{
			Open: close, High: close, Low: close, Close: close,
			Volume:   decimal.NewFromInt(1),
			OpenTime: at.Add(-time.Minute), CloseTime: at,
		},
		At: at,
	}
}

// sliceFeeder replays a fixed batch, then err if set, otherwise io.EOF.
type sliceFeeder struct {
	events []schema.MarketEvent
	err    error
	next   int
}

func (f *sliceFeeder) Next() (schema.MarketEvent, error) {
	if f.next >= len(f.events) {
		if f.err != nil {
			return schema.MarketEvent{}, f.err
		}
		return schema.MarketEvent{}, io.EOF
	}
	ev := f.events[f.next]
	f.next++
	return ev, nil
}

// stubStrategy opens one long on the first candle and stays quiet after.
type stubStrategy struct {
	emitted bool
}

func (s *stubStrategy) Key() string { return "stub:sim:BTC_USDT" }

func (s *stubStrategy) Init(context.Context) error { return nil }

func (s *stubStrategy) Eval(_ context.Context, ev schema.MarketEvent, _ strategy.Snapshot) ([]schema.TradeSignal, error) {
	if s.emitted {
		return nil, nil
	}
	s.emitted = true
	return []schema.TradeSignal{{
		EmitterID: s.Key(),
		Exchange:  schema.ExchangeSim,
		Pair:      testPair,
		Operation: schema.OperationOpen,
		Kind:      schema.PositionLong,
		Quantity:  decimal.NewFromInt(1),
		Price:     ev.Price(),
		Mode:      schema.OrderTypeLimit,
		AssetType: schema.AssetSpot,
		At:        ev.At,
	}}, nil
}

func (s *stubStrategy) Model() strategy.SerializedModel { return nil }

func (s *stubStrategy) Channels() map[schema.Channel]struct{} {
	return map[schema.Channel]struct{}{
		{Kind: schema.ChannelCandles, Exchange: schema.ExchangeSim, Pair: testPair}: {},
	}
}

type stack struct {
	pf  *portfolio.Portfolio
	drv *driver.Driver
}

// newStack wires the live trading components over the given venue, all on
// the virtual clock.
func newStack(t *testing.T, store storage.Store, strat strategy.Strategy, venue exchange.Api, clock *VirtualClock) *stack {
	t.Helper()
	ctx := context.Background()

	led, err := ledger.New(ledger.Config{Store: store, Logger: quietLogger(), Clock: clock.Func()})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	if err := led.Load(ctx); err != nil {
		t.Fatalf("load ledger: %v", err)
	}
	pf, err := portfolio.New(portfolio.Config{Ledger: led, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new portfolio: %v", err)
	}

	om, err := orders.NewManager(orders.Config{
		Store:  store,
		Venues: exchange.NewManager(quietLogger(), venue),
		Logger: quietLogger(),
		Clock:  clock.Func(),
	})
	if err != nil {
		t.Fatalf("new order manager: %v", err)
	}
	if err := om.Start(ctx); err != nil {
		t.Fatalf("start order manager: %v", err)
	}
	t.Cleanup(om.Stop)

	drv, err := driver.New(driver.Config{
		Strategy:  strat,
		Portfolio: pf,
		Orders:    om,
		Store:     store,
		Logger:    quietLogger(),
		Clock:     clock.Func(),
	})
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	if err := drv.Load(ctx); err != nil {
		t.Fatalf("load driver: %v", err)
	}
	return &stack{pf: pf, drv: drv}
}

func TestRunnerReplaysMeanRevertRoundTrip(t *testing.T) {
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()
	clock := NewVirtualClock(base)
	store := storage.NewMemory()

	strat, err := strategy.NewMeanRevert(strategy.Deps{
		Store:  store,
		Logger: quietLogger(),
		Settings: strategy.Settings{
			Exchange:  schema.ExchangeSim,
			Pair:      testPair,
			AssetType: schema.AssetSpot,
			Params:    map[string]any{"quantity": "1", "window": 2, "band": "0.01", "source": "candles"},
		},
	})
	if err != nil {
		t.Fatalf("NewMeanRevert: %v", err)
	}

	venue := NewSimVenue(SimConfig{Clock: clock.Func()})
	st := newStack(t, store, strat, venue, clock)

	// Window 2, band 1%: the window [100 98] puts the lower bound at 98.01,
	// so the third candle opens at 98; [98 103] puts the upper at 101.505,
	// so the fourth closes at 103.
	feeder := &sliceFeeder{events: []schema.MarketEvent{
		candle(decimal.NewFromInt(100), base.Add(1*time.Minute)),
		candle(decimal.NewFromInt(100), base.Add(2*time.Minute)),
		candle(decimal.NewFromInt(98), base.Add(3*time.Minute)),
		candle(decimal.NewFromInt(103), base.Add(4*time.Minute)),
	}}
	runner, err := NewRunner(Config{
		Feeder:          feeder,
		Driver:          st.drv,
		Portfolio:       st.pf,
		Clock:           clock,
		Venue:           venue,
		Logger:          quietLogger(),
		ResolveAttempts: 50,
		ResolveWait:     2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if err := runner.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if st.drv.IsLocked() {
		t.Fatal("pair still locked after the replay drained")
	}
	if got := venue.Fills(); got != 2 {
		t.Fatalf("fills = %d, want entry and exit", got)
	}

	sum, err := runner.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Events != 4 || sum.StuckOps != 0 {
		t.Fatalf("events/stuck = %d/%d, want 4/0", sum.Events, sum.StuckOps)
	}
	if sum.Closed != 1 || sum.Wins != 1 || sum.Losses != 0 || sum.Failed != 0 || sum.Open != 0 {
		t.Fatalf("positions = closed %d wins %d losses %d failed %d open %d",
			sum.Closed, sum.Wins, sum.Losses, sum.Failed, sum.Open)
	}
	if !sum.RealizedPnl.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("realized pnl = %s, want 5", sum.RealizedPnl)
	}
	if !sum.FeesPaid.IsZero() {
		t.Fatalf("fees = %s, want zero", sum.FeesPaid)
	}
	if !sum.MaxDrawdown.IsZero() {
		t.Fatalf("drawdown = %s, want zero", sum.MaxDrawdown)
	}
	if !sum.Start.Equal(base.Add(1*time.Minute)) || !sum.End.Equal(base.Add(4*time.Minute)) {
		t.Fatalf("window = %s..%s", sum.Start, sum.End)
	}
}

func TestRunnerStuckOperationKeepsLockAndContinues(t *testing.T) {
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()
	clock := NewVirtualClock(base)
	store := storage.NewMemory()

	// The default fake script acknowledges and never fills, so the staged
	// entry stays unresolved for the whole replay.
	venue := fake.NewVenue(schema.ExchangeSim).WithClock(clock.Func())
	st := newStack(t, store, &stubStrategy{}, venue, clock)

	feeder := &sliceFeeder{events: []schema.MarketEvent{
		candle(decimal.NewFromInt(100), base.Add(1*time.Minute)),
		candle(decimal.NewFromInt(101), base.Add(2*time.Minute)),
		candle(decimal.NewFromInt(102), base.Add(3*time.Minute)),
	}}
	runner, err := NewRunner(Config{
		Feeder:          feeder,
		Driver:          st.drv,
		Portfolio:       st.pf,
		Clock:           clock,
		Logger:          quietLogger(),
		ResolveAttempts: 2,
		ResolveWait:     time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if err := runner.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !st.drv.IsLocked() {
		t.Fatal("unresolved operation should keep the pair locked")
	}
	if got := len(venue.Placed()); got != 1 {
		t.Fatalf("placements = %d, want the single stuck entry", got)
	}
	sum, err := runner.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Events != 3 {
		t.Fatalf("events = %d, want 3", sum.Events)
	}
	// One give-up per event plus the final drain.
	if sum.StuckOps != 4 {
		t.Fatalf("stuck = %d, want 4", sum.StuckOps)
	}
}

func TestRunnerFeederErrorAborts(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	clock := NewVirtualClock(base)
	store := storage.NewMemory()
	st := newStack(t, store, &stubStrategy{}, fake.NewVenue(schema.ExchangeSim), clock)

	feeder := &sliceFeeder{
		events: []schema.MarketEvent{candle(decimal.NewFromInt(100), base.Add(time.Minute))},
		err:    errs.New("feed", errs.CodeStorage, errs.WithMessage("disk vanished")),
	}
	runner, err := NewRunner(Config{
		Feeder:          feeder,
		Driver:          st.drv,
		Portfolio:       st.pf,
		Clock:           clock,
		Logger:          quietLogger(),
		ResolveAttempts: 1,
		ResolveWait:     time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if err := runner.Run(context.Background()); !errs.Is(err, errs.CodeStorage) {
		t.Fatalf("Run error = %v, want the feeder's storage error", err)
	}
}

func TestRunnerCancelledContextStopsCleanly(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	clock := NewVirtualClock(base)
	store := storage.NewMemory()
	st := newStack(t, store, &stubStrategy{}, fake.NewVenue(schema.ExchangeSim), clock)

	feeder := &sliceFeeder{events: []schema.MarketEvent{
		candle(decimal.NewFromInt(100), base.Add(time.Minute)),
	}}
	runner, err := NewRunner(Config{
		Feeder:    feeder,
		Driver:    st.drv,
		Portfolio: st.pf,
		Clock:     clock,
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := runner.Run(ctx); err != nil {
		t.Fatalf("Run after cancel: %v", err)
	}
	if feeder.next != 0 {
		t.Fatalf("feeder consumed %d events after cancel, want none", feeder.next)
	}
}

func TestRunnerConfigValidation(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	clock := NewVirtualClock(base)
	store := storage.NewMemory()
	st := newStack(t, store, &stubStrategy{}, fake.NewVenue(schema.ExchangeSim), clock)
	feeder := &sliceFeeder{}

	cases := []struct {
		name string
		cfg  Config
	}{
		{name: "missing feeder", cfg: Config{Driver: st.drv, Portfolio: st.pf, Clock: clock}},
		{name: "missing driver", cfg: Config{Feeder: feeder, Portfolio: st.pf, Clock: clock}},
		{name: "missing portfolio", cfg: Config{Feeder: feeder, Driver: st.drv, Clock: clock}},
		{name: "missing clock", cfg: Config{Feeder: feeder, Driver: st.drv, Portfolio: st.pf}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewRunner(tc.cfg); !errs.Is(err, errs.CodeConfig) {
				t.Fatalf("err = %v, want config error", err)
			}
		})
	}
}
