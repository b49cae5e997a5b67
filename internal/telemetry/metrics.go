package telemetry

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the trading instruments shared across subsystems. A single
// registry is constructed during wiring and handed to the order manager,
// ledger, portfolio, and drivers; a nil *Metrics disables recording.
type Metrics struct {
	environment string

	ordersStaged      metric.Int64Counter
	ordersResolved    metric.Int64Counter
	orderRetries      metric.Int64Counter
	stageDuration     metric.Float64Histogram
	resolveDuration   metric.Float64Histogram
	evalDuration      metric.Float64Histogram
	signalsEmitted    metric.Int64Counter
	signalsSuppressed metric.Int64Counter
	mailboxRejected   metric.Int64Counter
	walAppends        metric.Int64Counter
	positionsOpen     metric.Int64UpDownCounter
	positionsClosed   metric.Int64Counter
	repairsRun        metric.Int64Counter
	interestFetches   metric.Int64Counter
	streamReconnects  metric.Int64Counter
}

// NewMetrics builds the registry against the supplied meter. Passing a nil
// meter falls back to the globally registered provider.
func NewMetrics(meter metric.Meter) *Metrics {
	if meter == nil {
		meter = otel.Meter("tally")
	}

	m := &Metrics{
		environment:       Environment(),
		ordersStaged:      nil,
		ordersResolved:    nil,
		orderRetries:      nil,
		stageDuration:     nil,
		resolveDuration:   nil,
		evalDuration:      nil,
		signalsEmitted:    nil,
		signalsSuppressed: nil,
		mailboxRejected:   nil,
		walAppends:        nil,
		positionsOpen:     nil,
		positionsClosed:   nil,
		repairsRun:        nil,
		interestFetches:   nil,
		streamReconnects:  nil,
	}

	m.ordersStaged, _ = meter.Int64Counter("tally_orders_staged",
		metric.WithDescription("Orders staged before submission to a venue"),
		metric.WithUnit("{order}"))

	m.ordersResolved, _ = meter.Int64Counter("tally_orders_resolved",
		metric.WithDescription("Pending order resolutions grouped by outcome"),
		metric.WithUnit("{order}"))

	m.orderRetries, _ = meter.Int64Counter("tally_order_retries",
		metric.WithDescription("Trade staging retries after retryable rejections"),
		metric.WithUnit("{retry}"))

	m.stageDuration, _ = meter.Float64Histogram("order.stage.duration",
		metric.WithDescription("Order staging duration including the venue round trip"),
		metric.WithUnit("ms"))

	m.resolveDuration, _ = meter.Float64Histogram("order.resolve.duration",
		metric.WithDescription("Pending order resolution duration"),
		metric.WithUnit("ms"))

	m.evalDuration, _ = meter.Float64Histogram("strategy.eval.duration",
		metric.WithDescription("Strategy evaluation duration per market event"),
		metric.WithUnit("ms"))

	m.signalsEmitted, _ = meter.Int64Counter("tally_signals_emitted",
		metric.WithDescription("Trade signals produced by strategy evaluation"),
		metric.WithUnit("{signal}"))

	m.signalsSuppressed, _ = meter.Int64Counter("tally_signals_suppressed",
		metric.WithDescription("Trade signals dropped before staging"),
		metric.WithUnit("{signal}"))

	m.mailboxRejected, _ = meter.Int64Counter("tally_mailbox_rejections",
		metric.WithDescription("Messages rejected by full actor mailboxes"),
		metric.WithUnit("{message}"))

	m.walAppends, _ = meter.Int64Counter("tally_wal_appends",
		metric.WithDescription("Records appended to the transaction write-ahead log"),
		metric.WithUnit("{record}"))

	m.positionsOpen, _ = meter.Int64UpDownCounter("tally_positions_open",
		metric.WithDescription("Positions currently tracked as open"),
		metric.WithUnit("{position}"))

	m.positionsClosed, _ = meter.Int64Counter("tally_positions_closed",
		metric.WithDescription("Positions fully closed"),
		metric.WithUnit("{position}"))

	m.repairsRun, _ = meter.Int64Counter("tally_order_repairs",
		metric.WithDescription("Incomplete orders inspected by the repair sweep"),
		metric.WithUnit("{order}"))

	m.interestFetches, _ = meter.Int64Counter("tally_interest_fetches",
		metric.WithDescription("Margin interest rates fetched from venues"),
		metric.WithUnit("{fetch}"))

	m.streamReconnects, _ = meter.Int64Counter("tally_stream_reconnects",
		metric.WithDescription("Venue stream reconnect attempts after a dropped connection"),
		metric.WithUnit("{reconnect}"))

	return m
}

// RecordOrderStaged counts a staged order and its staging latency.
func (m *Metrics) RecordOrderStaged(ctx context.Context, exchange, pair, side string, elapsed time.Duration) {
	if m == nil || m.ordersStaged == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := OrderAttributes(m.environment, exchange, pair, side, "staged")
	m.ordersStaged.Add(ctx, 1, metric.WithAttributes(attrs...))
	if m.stageDuration != nil {
		if elapsed < 0 {
			elapsed = 0
		}
		m.stageDuration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(attrs...))
	}
}

// RecordResolution counts an order resolution by outcome.
func (m *Metrics) RecordResolution(ctx context.Context, exchange, resolution string, elapsed time.Duration) {
	if m == nil || m.ordersResolved == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := ResolutionAttributes(m.environment, exchange, resolution)
	m.ordersResolved.Add(ctx, 1, metric.WithAttributes(attrs...))
	if m.resolveDuration != nil {
		if elapsed < 0 {
			elapsed = 0
		}
		m.resolveDuration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(attrs...))
	}
}

// RecordRetry counts a trade staging retry attempt.
func (m *Metrics) RecordRetry(ctx context.Context, exchange, pair string) {
	if m == nil || m.orderRetries == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(m.environment),
		AttrExchange.String(exchange),
		AttrPair.String(pair),
	}
	m.orderRetries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSignal counts an emitted trade signal.
func (m *Metrics) RecordSignal(ctx context.Context, strategy, exchange, pair, operation string) {
	if m == nil || m.signalsEmitted == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := SignalAttributes(m.environment, strategy, exchange, pair, operation)
	m.signalsEmitted.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSuppressedSignal counts a signal dropped before staging, labelled by reason.
func (m *Metrics) RecordSuppressedSignal(ctx context.Context, strategy, reason string) {
	if m == nil || m.signalsSuppressed == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(m.environment),
		AttrStrategy.String(strategy),
	}
	if reason != "" {
		attrs = append(attrs, AttrReason.String(strings.ToLower(reason)))
	}
	m.signalsSuppressed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordEvalDuration records how long one strategy evaluation took.
func (m *Metrics) RecordEvalDuration(ctx context.Context, strategy string, elapsed time.Duration) {
	if m == nil || m.evalDuration == nil {
		return
	}
	ctx = ensureContext(ctx)
	if elapsed < 0 {
		elapsed = 0
	}
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(m.environment),
		AttrStrategy.String(strategy),
	}
	m.evalDuration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordMailboxRejection counts a message bounced by a full mailbox.
func (m *Metrics) RecordMailboxRejection(ctx context.Context, mailbox string) {
	if m == nil || m.mailboxRejected == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := MailboxAttributes(m.environment, mailbox)
	m.mailboxRejected.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWalAppend counts one write-ahead log append.
func (m *Metrics) RecordWalAppend(ctx context.Context) {
	if m == nil || m.walAppends == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := []attribute.KeyValue{AttrEnvironment.String(m.environment)}
	m.walAppends.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPositionOpened bumps the open position gauge.
func (m *Metrics) RecordPositionOpened(ctx context.Context, exchange, pair string) {
	if m == nil || m.positionsOpen == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(m.environment),
		AttrExchange.String(exchange),
		AttrPair.String(pair),
	}
	m.positionsOpen.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPositionClosed decrements the open gauge and counts the close.
func (m *Metrics) RecordPositionClosed(ctx context.Context, exchange, pair string) {
	if m == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(m.environment),
		AttrExchange.String(exchange),
		AttrPair.String(pair),
	}
	if m.positionsOpen != nil {
		m.positionsOpen.Add(ctx, -1, metric.WithAttributes(attrs...))
	}
	if m.positionsClosed != nil {
		m.positionsClosed.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordRepair counts an incomplete order touched by the repair sweep.
func (m *Metrics) RecordRepair(ctx context.Context, result string) {
	if m == nil || m.repairsRun == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(m.environment),
		AttrResult.String(result),
	}
	m.repairsRun.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordInterestFetch counts a venue interest rate fetch.
func (m *Metrics) RecordInterestFetch(ctx context.Context, exchange, asset string) {
	if m == nil || m.interestFetches == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := BalanceAttributes(m.environment, exchange, asset)
	m.interestFetches.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordStreamReconnect counts one reconnect attempt on a venue stream.
func (m *Metrics) RecordStreamReconnect(ctx context.Context, exchange, stream string) {
	if m == nil || m.streamReconnects == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := StreamAttributes(m.environment, exchange, stream)
	m.streamReconnects.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
