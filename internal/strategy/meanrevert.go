package strategy

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tally/errs"
	"github.com/coachpo/tally/internal/schema"
	"github.com/coachpo/tally/internal/wal"
)

// NameMeanRevert is the registry name of the mean-reversion strategy.
const NameMeanRevert = "meanrevert"

const (
	meanRevertDefaultWindow = 20
	meanRevertDefaultBand   = "0.01"
)

// MeanRevert trades a price band around a rolling mean: it opens a long when
// price drops below the lower bound and closes it when price rises above the
// upper bound. The sample window is a bounded WAL series, so the model
// survives restarts.
type MeanRevert struct {
	key      string
	settings Settings
	channel  schema.Channel
	series   *wal.Series
	logger   *log.Logger

	window   int
	band     decimal.Decimal
	quantity decimal.Decimal
	mode     schema.OrderType

	mu      sync.Mutex
	samples int
	mean    decimal.Decimal
	upper   decimal.Decimal
	lower   decimal.Decimal
}

// NewMeanRevert builds the strategy from deps. Params: "quantity" (required,
// positive), "window" (sample count, default 20), "band" (fraction of the
// mean, default 0.01), "mode" ("limit" or "market", default limit),
// "source" ("trades" or "candles", default trades).
func NewMeanRevert(deps Deps) (Strategy, error) {
	st := deps.Settings
	if strings.TrimSpace(string(st.Exchange)) == "" {
		return nil, errs.New("strategy.meanrevert", errs.CodeConfig, errs.WithMessage("exchange required"))
	}
	if strings.TrimSpace(string(st.Pair)) == "" {
		return nil, errs.New("strategy.meanrevert", errs.CodeConfig, errs.WithMessage("pair required"))
	}
	if deps.Store == nil {
		return nil, errs.New("strategy.meanrevert", errs.CodeConfig, errs.WithMessage("store required"))
	}
	quantity, ok, err := paramDecimal(st.Params, "quantity")
	if err != nil {
		return nil, err
	}
	if !ok || !quantity.IsPositive() {
		return nil, errs.New("strategy.meanrevert", errs.CodeConfig,
			errs.WithMessage("positive quantity param required"))
	}
	window, err := paramInt(st.Params, "window", meanRevertDefaultWindow)
	if err != nil {
		return nil, err
	}
	if window < 2 {
		return nil, errs.New("strategy.meanrevert", errs.CodeConfig,
			errs.WithMessage(fmt.Sprintf("window %d too small", window)))
	}
	band, bandSet, err := paramDecimal(st.Params, "band")
	if err != nil {
		return nil, err
	}
	if !bandSet {
		band = decimal.RequireFromString(meanRevertDefaultBand)
	}
	if !band.IsPositive() {
		return nil, errs.New("strategy.meanrevert", errs.CodeConfig,
			errs.WithMessage("band must be positive"))
	}
	mode := schema.OrderTypeLimit
	switch paramString(st.Params, "mode", string(schema.OrderTypeLimit)) {
	case string(schema.OrderTypeLimit):
	case string(schema.OrderTypeMarket):
		mode = schema.OrderTypeMarket
	default:
		return nil, errs.New("strategy.meanrevert", errs.CodeConfig,
			errs.WithMessage("mode must be limit or market"))
	}
	source := schema.ChannelTrades
	switch paramString(st.Params, "source", string(schema.ChannelTrades)) {
	case string(schema.ChannelTrades):
	case string(schema.ChannelCandles):
		source = schema.ChannelCandles
	default:
		return nil, errs.New("strategy.meanrevert", errs.CodeConfig,
			errs.WithMessage("source must be trades or candles"))
	}

	logger := deps.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "strategy ", log.LstdFlags|log.Lmicroseconds)
	}

	key := fmt.Sprintf("%s:%s:%s", NameMeanRevert, st.Exchange, st.Pair)
	table := fmt.Sprintf("strategy_%s_%s_%s", NameMeanRevert,
		strings.ToLower(string(st.Exchange)), strings.ToLower(string(st.Pair)))
	return &MeanRevert{
		key:      key,
		settings: st,
		channel:  schema.Channel{Kind: source, Exchange: st.Exchange, Pair: st.Pair},
		series:   wal.NewSeries(deps.Store, table, window),
		logger:   logger,
		window:   window,
		band:     band,
		quantity: quantity,
		mode:     mode,
	}, nil
}

// Key identifies the emitter across restarts.
func (m *MeanRevert) Key() string { return m.key }

// Channels returns the single market channel the strategy consumes. The
// channel kind follows the "source" param: trade ticks by default, candle
// closes when replaying historical bars.
func (m *MeanRevert) Channels() map[schema.Channel]struct{} {
	return map[schema.Channel]struct{}{m.channel: {}}
}

// Init rehydrates the rolling window from the retained series.
func (m *MeanRevert) Init(ctx context.Context) error {
	if err := m.series.EnsureTable(ctx); err != nil {
		return err
	}
	points, err := m.series.Window(ctx, m.window)
	if err != nil {
		return err
	}
	prices, err := decodeSeriesPrices(points)
	if err != nil {
		return err
	}
	m.recompute(prices)
	if len(prices) > 0 {
		m.logger.Printf("strategy %s: rehydrated %d of %d samples", m.key, len(prices), m.window)
	}
	return nil
}

// Eval pushes the event price into the window and emits at most one signal:
// an open when price undercuts the lower band while flat, a close when price
// clears the upper band while long.
func (m *MeanRevert) Eval(ctx context.Context, ev schema.MarketEvent, snap Snapshot) ([]schema.TradeSignal, error) {
	if ev.Channel != m.channel {
		return nil, nil
	}
	price := ev.Price()
	if !price.IsPositive() {
		return nil, nil
	}
	if err := m.series.Push(ctx, []byte(price.String())); err != nil {
		return nil, err
	}
	points, err := m.series.Window(ctx, m.window)
	if err != nil {
		return nil, err
	}
	prices, err := decodeSeriesPrices(points)
	if err != nil {
		return nil, err
	}
	upper, lower, full := m.recompute(prices)
	if !full {
		return nil, nil
	}
	if open := snap.Open(m.settings.Exchange, m.settings.Pair, schema.PositionLong); open != nil {
		if price.GreaterThan(upper) {
			sig := m.signal(schema.OperationClose, open.Quantity, price, ev)
			return []schema.TradeSignal{sig}, nil
		}
		return nil, nil
	}
	if snap.HasOpen(m.settings.Exchange, m.settings.Pair) {
		// A short on the same pair belongs to another emitter; stay out.
		return nil, nil
	}
	if price.LessThan(lower) {
		sig := m.signal(schema.OperationOpen, m.quantity, price, ev)
		return []schema.TradeSignal{sig}, nil
	}
	return nil, nil
}

// Model exposes the rolling statistics. Band components stay absent until
// the window fills.
func (m *MeanRevert) Model() SerializedModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	model := SerializedModel{
		Named("window", m.window),
		Named("samples", m.samples),
	}
	if m.samples < m.window {
		return append(model, Absent("mean"), Absent("upper"), Absent("lower"))
	}
	return append(model,
		Named("mean", m.mean),
		Named("upper", m.upper),
		Named("lower", m.lower),
	)
}

// recompute folds the price window into mean and band bounds. It reports
// whether the window is full; bounds are only meaningful when it is.
func (m *MeanRevert) recompute(prices []decimal.Decimal) (upper, lower decimal.Decimal, full bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = len(prices)
	if len(prices) < m.window {
		m.mean, m.upper, m.lower = decimal.Zero, decimal.Zero, decimal.Zero
		return decimal.Zero, decimal.Zero, false
	}
	sum := decimal.Zero
	for _, p := range prices {
		sum = sum.Add(p)
	}
	m.mean = sum.Div(decimal.NewFromInt(int64(len(prices))))
	width := m.mean.Mul(m.band)
	m.upper = m.mean.Add(width)
	m.lower = m.mean.Sub(width)
	return m.upper, m.lower, true
}

func (m *MeanRevert) signal(op schema.OperationKind, qty, price decimal.Decimal, ev schema.MarketEvent) schema.TradeSignal {
	return schema.TradeSignal{
		EmitterID: m.key,
		Exchange:  m.settings.Exchange,
		Pair:      m.settings.Pair,
		Operation: op,
		Kind:      schema.PositionLong,
		Quantity:  qty,
		Price:     price,
		Mode:      m.mode,
		AssetType: m.settings.AssetType,
		At:        ev.At,
	}
}

func decodeSeriesPrices(points []wal.Point) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, 0, len(points))
	for _, point := range points {
		price, err := decimal.NewFromString(string(point.Value))
		if err != nil {
			return nil, errs.New("strategy.meanrevert", errs.CodeStorage,
				errs.WithMessage("corrupt price sample "+string(point.Value)), errs.WithCause(err))
		}
		out = append(out, price)
	}
	return out, nil
}

// paramInt reads an integer param, tolerating the numeric types YAML and
// JSON decoders produce.
func paramInt(params map[string]any, key string, def int) (int, error) {
	raw, ok := params[key]
	if !ok {
		return def, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		n, err := decimal.NewFromString(v)
		if err != nil {
			return 0, badParam(key, raw)
		}
		return int(n.IntPart()), nil
	default:
		return 0, badParam(key, raw)
	}
}

func paramDecimal(params map[string]any, key string) (decimal.Decimal, bool, error) {
	raw, ok := params[key]
	if !ok {
		return decimal.Zero, false, nil
	}
	switch v := raw.(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, false, badParam(key, raw)
		}
		return d, true, nil
	case int:
		return decimal.NewFromInt(int64(v)), true, nil
	case int64:
		return decimal.NewFromInt(v), true, nil
	case float64:
		return decimal.NewFromFloat(v), true, nil
	case decimal.Decimal:
		return v, true, nil
	default:
		return decimal.Zero, false, badParam(key, raw)
	}
}

func paramString(params map[string]any, key, def string) string {
	raw, ok := params[key]
	if !ok {
		return def
	}
	if s, ok := raw.(string); ok && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s)
	}
	return def
}

func badParam(key string, raw any) error {
	return errs.New("strategy.params", errs.CodeConfig,
		errs.WithMessage(fmt.Sprintf("param %s: unusable value %v", key, raw)))
}
