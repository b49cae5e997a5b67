package strategy

import (
	"context"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tally/errs"
	"github.com/coachpo/tally/internal/schema"
	"github.com/coachpo/tally/internal/storage"
)

var testPair = schema.NewPair("BTC", "USDT")

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func testSettings(params map[string]any) Settings {
	return Settings{
		Exchange:  schema.ExchangeSim,
		Pair:      testPair,
		AssetType: schema.AssetSpot,
		Params:    params,
	}
}

func newMeanRevert(t *testing.T, store storage.Store, params map[string]any) Strategy {
	t.Helper()
	strat, err := NewMeanRevert(Deps{Store: store, Logger: quietLogger(), Settings: testSettings(params)})
	if err != nil {
		t.Fatalf("NewMeanRevert: %v", err)
	}
	if err := strat.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return strat
}

func trade(price string, at time.Time) schema.MarketEvent {
	return schema.MarketEvent{
		Channel: schema.Channel{Kind: schema.ChannelTrades, Exchange: schema.ExchangeSim, Pair: testPair},
		Trade:   &schema.TradeTick{TradeID: "t", Side: schema.SideBuy, Price: decimal.RequireFromString(price), Qty: decimal.NewFromInt(1), Timestamp: at},
		At:      at,
	}
}

func feed(t *testing.T, strat Strategy, snap Snapshot, prices ...string) []schema.TradeSignal {
	t.Helper()
	base := time.Unix(1700000000, 0).UTC()
	var last []schema.TradeSignal
	for i, price := range prices {
		signals, err := strat.Eval(context.Background(), trade(price, base.Add(time.Duration(i)*time.Second)), snap)
		if err != nil {
			t.Fatalf("Eval %s: %v", price, err)
		}
		last = signals
	}
	return last
}

func TestMeanRevertStaysQuietDuringWarmup(t *testing.T) {
	strat := newMeanRevert(t, storage.NewMemory(), map[string]any{"quantity": "2", "window": 4})

	if signals := feed(t, strat, Snapshot{}, "100", "100", "90"); signals != nil {
		t.Fatalf("expected no signals during warmup, got %v", signals)
	}
	model := strat.Model()
	byName := modelIndex(model)
	if byName["mean"].Present() {
		t.Fatalf("mean should be absent during warmup: %s", byName["mean"].Value)
	}
	if string(byName["samples"].Value) != "3" {
		t.Fatalf("samples = %s, want 3", byName["samples"].Value)
	}
}

func TestMeanRevertOpensBelowLowerBand(t *testing.T) {
	strat := newMeanRevert(t, storage.NewMemory(), map[string]any{"quantity": "2", "window": 4, "band": "0.01"})

	signals := feed(t, strat, Snapshot{}, "100", "100", "100", "100", "98")
	if len(signals) != 1 {
		t.Fatalf("signals = %v, want one open", signals)
	}
	sig := signals[0]
	if !sig.IsOpen() || sig.Kind != schema.PositionLong {
		t.Fatalf("unexpected signal %+v", sig)
	}
	if sig.EmitterID != "meanrevert:sim:BTC_USDT" {
		t.Fatalf("emitter = %s", sig.EmitterID)
	}
	if !sig.Quantity.Equal(decimal.NewFromInt(2)) || !sig.Price.Equal(decimal.RequireFromString("98")) {
		t.Fatalf("qty/price = %s/%s", sig.Quantity, sig.Price)
	}
	if sig.Mode != schema.OrderTypeLimit || sig.AssetType != schema.AssetSpot {
		t.Fatalf("mode/asset = %s/%s", sig.Mode, sig.AssetType)
	}
	if sig.At.IsZero() {
		t.Fatal("signal missing event time")
	}
}

func TestMeanRevertHoldsInsideBand(t *testing.T) {
	strat := newMeanRevert(t, storage.NewMemory(), map[string]any{"quantity": "1", "window": 4})

	if signals := feed(t, strat, Snapshot{}, "100", "100", "100", "100", "100.5"); signals != nil {
		t.Fatalf("expected no signal inside band, got %v", signals)
	}
}

func TestMeanRevertClosesAboveUpperBand(t *testing.T) {
	strat := newMeanRevert(t, storage.NewMemory(), map[string]any{"quantity": "2", "window": 4})
	snap := Snapshot{Positions: []*schema.Position{{
		ID:       "pos-1",
		Exchange: schema.ExchangeSim,
		Pair:     testPair,
		Kind:     schema.PositionLong,
		Quantity: decimal.NewFromInt(3),
	}}}

	signals := feed(t, strat, snap, "100", "100", "100", "100", "103")
	if len(signals) != 1 {
		t.Fatalf("signals = %v, want one close", signals)
	}
	sig := signals[0]
	if !sig.IsClose() {
		t.Fatalf("unexpected signal %+v", sig)
	}
	if !sig.Quantity.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("close quantity = %s, want the position quantity 3", sig.Quantity)
	}
}

func TestMeanRevertWillNotStackOpens(t *testing.T) {
	strat := newMeanRevert(t, storage.NewMemory(), map[string]any{"quantity": "2", "window": 4})
	snap := Snapshot{Positions: []*schema.Position{{
		ID:       "pos-1",
		Exchange: schema.ExchangeSim,
		Pair:     testPair,
		Kind:     schema.PositionShort,
		Quantity: decimal.NewFromInt(1),
	}}}

	if signals := feed(t, strat, snap, "100", "100", "100", "100", "90"); signals != nil {
		t.Fatalf("expected no signal while the pair is occupied, got %v", signals)
	}
}

func TestMeanRevertIgnoresForeignChannels(t *testing.T) {
	store := storage.NewMemory()
	strat := newMeanRevert(t, store, map[string]any{"quantity": "1", "window": 2})

	ev := trade("100", time.Unix(1700000000, 0).UTC())
	ev.Channel.Pair = schema.NewPair("ETH", "USDT")
	if signals, err := strat.Eval(context.Background(), ev, Snapshot{}); err != nil || signals != nil {
		t.Fatalf("foreign channel: signals=%v err=%v", signals, err)
	}
	byName := modelIndex(strat.Model())
	if string(byName["samples"].Value) != "0" {
		t.Fatalf("foreign tick was sampled: samples = %s", byName["samples"].Value)
	}
}

func TestMeanRevertRehydratesFromSeries(t *testing.T) {
	store := storage.NewMemory()
	first := newMeanRevert(t, store, map[string]any{"quantity": "1", "window": 3})
	feed(t, first, Snapshot{}, "100", "102", "104")

	second := newMeanRevert(t, store, map[string]any{"quantity": "1", "window": 3})
	byName := modelIndex(second.Model())
	if string(byName["samples"].Value) != "3" {
		t.Fatalf("samples after rehydrate = %s, want 3", byName["samples"].Value)
	}
	if mean := modelDecimal(t, byName["mean"]); !mean.Equal(decimal.NewFromInt(102)) {
		t.Fatalf("mean after rehydrate = %s, want 102", mean)
	}
}

func TestMeanRevertModelExposesBands(t *testing.T) {
	strat := newMeanRevert(t, storage.NewMemory(), map[string]any{"quantity": "1", "window": 2, "band": "0.1"})
	feed(t, strat, Snapshot{}, "100", "100")

	byName := modelIndex(strat.Model())
	if mean := modelDecimal(t, byName["mean"]); !mean.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("mean = %s", mean)
	}
	upper, lower := modelDecimal(t, byName["upper"]), modelDecimal(t, byName["lower"])
	if !upper.Equal(decimal.NewFromInt(110)) || !lower.Equal(decimal.NewFromInt(90)) {
		t.Fatalf("bands = %s/%s", upper, lower)
	}
}

func TestMeanRevertCandleSourceSamplesCandles(t *testing.T) {
	strat := newMeanRevert(t, storage.NewMemory(), map[string]any{"quantity": "1", "window": 2, "source": "candles"})
	at := time.Unix(1700000000, 0).UTC()

	candle := schema.MarketEvent{
		Channel: schema.Channel{Kind: schema.ChannelCandles, Exchange: schema.ExchangeSim, Pair: testPair},
		Candle: &schema.Candle{
			Open: decimal.NewFromInt(99), High: decimal.NewFromInt(101),
			Low: decimal.NewFromInt(98), Close: decimal.NewFromInt(100),
			Volume: decimal.NewFromInt(1), OpenTime: at.Add(-time.Minute), CloseTime: at,
		},
		At: at,
	}
	if _, err := strat.Eval(context.Background(), candle, Snapshot{}); err != nil {
		t.Fatalf("Eval candle: %v", err)
	}
	if _, err := strat.Eval(context.Background(), trade("100", at.Add(time.Second)), Snapshot{}); err != nil {
		t.Fatalf("Eval trade: %v", err)
	}

	byName := modelIndex(strat.Model())
	if string(byName["samples"].Value) != "1" {
		t.Fatalf("samples = %s, want the candle close only", byName["samples"].Value)
	}
	if _, ok := strat.Channels()[candle.Channel]; !ok {
		t.Fatalf("candle channel missing from %v", strat.Channels())
	}
}

func TestMeanRevertRejectsBadParams(t *testing.T) {
	cases := []struct {
		name   string
		params map[string]any
	}{
		{name: "missing quantity", params: map[string]any{}},
		{name: "zero quantity", params: map[string]any{"quantity": "0"}},
		{name: "tiny window", params: map[string]any{"quantity": "1", "window": 1}},
		{name: "negative band", params: map[string]any{"quantity": "1", "band": "-0.5"}},
		{name: "unknown mode", params: map[string]any{"quantity": "1", "mode": "ioc"}},
		{name: "unknown source", params: map[string]any{"quantity": "1", "source": "orderbook"}},
		{name: "garbage window", params: map[string]any{"quantity": "1", "window": "soon"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewMeanRevert(Deps{Store: storage.NewMemory(), Logger: quietLogger(), Settings: testSettings(tc.params)})
			if !errs.Is(err, errs.CodeConfig) {
				t.Fatalf("err = %v, want config error", err)
			}
		})
	}
}

func modelIndex(model SerializedModel) map[string]ModelValue {
	out := make(map[string]ModelValue, len(model))
	for _, value := range model {
		out[value.Name] = value
	}
	return out
}

func modelDecimal(t *testing.T, value ModelValue) decimal.Decimal {
	t.Helper()
	if !value.Present() {
		t.Fatalf("model %s has no value", value.Name)
	}
	d, err := decimal.NewFromString(strings.Trim(string(value.Value), `"`))
	if err != nil {
		t.Fatalf("model %s: %v", value.Name, err)
	}
	return d
}
