// Package gateway implements the live venue connection. It speaks to an
// exchange-gateway endpoint that normalizes venue APIs onto the tally
// schema: REST for order placement and queries, and one websocket per
// event stream for private account activity and market data. Streams
// reconnect with exponential backoff and restore their subscriptions;
// frame sequence gaps are logged for the repair sweep to reconcile.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tally/errs"
	"github.com/coachpo/tally/internal/exchange"
	"github.com/coachpo/tally/internal/schema"
	"github.com/coachpo/tally/internal/telemetry"
)

const (
	accountStreamPath = "/v1/streams/account"
	marketStreamPath  = "/v1/streams/market"

	defaultDialTimeout = 10 * time.Second
	defaultHTTPTimeout = 30 * time.Second
	defaultEventBuffer = 256
)

// Config wires one gateway connection.
type Config struct {
	// Exchange names the venue behind the endpoint.
	Exchange schema.Exchange
	// BaseURL is the gateway REST endpoint, e.g. https://gw.example.com.
	BaseURL string
	// StreamURL overrides the websocket endpoint. When empty it is derived
	// from BaseURL by swapping the scheme.
	StreamURL string
	// APIKey is sent as a bearer token on every request and dial.
	APIKey string
	// HTTPClient overrides the REST transport.
	HTTPClient *http.Client
	Metrics    *telemetry.Metrics
	Logger     *log.Logger
	// DialTimeout bounds how long Start waits for each stream to come up.
	DialTimeout time.Duration
	// EventBuffer sizes the account and market event channels.
	EventBuffer int
}

// Gateway is the live exchange.Api implementation.
type Gateway struct {
	name        schema.Exchange
	baseURL     string
	apiKey      string
	httpc       *http.Client
	metrics     *telemetry.Metrics
	logger      *log.Logger
	dialTimeout time.Duration

	subsMu sync.Mutex
	subs   map[schema.Channel]struct{}

	accountCh   chan schema.AccountEvent
	marketCh    chan schema.MarketEvent
	marketDrops atomic.Int64

	account *stream
	market  *stream

	started  atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc
}

var _ exchange.Api = (*Gateway)(nil)

// New builds a gateway connection from the config. The connection is inert
// until Start.
func New(cfg Config) (*Gateway, error) {
	const op = "gateway.new"
	if strings.TrimSpace(cfg.Exchange.String()) == "" {
		return nil, errs.New(op, errs.CodeConfig, errs.WithMessage("exchange name required"))
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errs.New(op, errs.CodeConfig,
			errs.WithMessage("base url required"), errs.WithVenue(cfg.Exchange.String()))
	}
	streamBase := strings.TrimRight(strings.TrimSpace(cfg.StreamURL), "/")
	if streamBase == "" {
		derived, err := websocketURL(base)
		if err != nil {
			return nil, errs.New(op, errs.CodeConfig,
				errs.WithMessage("derive stream url"), errs.WithVenue(cfg.Exchange.String()), errs.WithCause(err))
		}
		streamBase = derived
	}

	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}

	var header http.Header
	if cfg.APIKey != "" {
		header = http.Header{}
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	g := &Gateway{
		name:        cfg.Exchange,
		baseURL:     base,
		apiKey:      cfg.APIKey,
		httpc:       httpc,
		metrics:     cfg.Metrics,
		logger:      logger,
		dialTimeout: dialTimeout,
		subs:        make(map[schema.Channel]struct{}),
		accountCh:   make(chan schema.AccountEvent, buffer),
		marketCh:    make(chan schema.MarketEvent, buffer),
	}
	g.account = newStream(streamConfig{
		name:     "account",
		url:      streamBase + accountStreamPath,
		header:   header,
		exchange: cfg.Exchange,
		handler:  g.handleAccountFrame,
		logger:   logger,
		metrics:  cfg.Metrics,
	})
	g.market = newStream(streamConfig{
		name:      "market",
		url:       streamBase + marketStreamPath,
		header:    header,
		exchange:  cfg.Exchange,
		handler:   g.handleMarketFrame,
		onConnect: g.resubscribe,
		logger:    logger,
		metrics:   cfg.Metrics,
	})
	return g, nil
}

// Name implements exchange.Api.
func (g *Gateway) Name() schema.Exchange { return g.name }

// Start implements exchange.Api: it brings up both streams and blocks until
// each has connected once or its dial timeout passes.
func (g *Gateway) Start(ctx context.Context) error {
	const op = "gateway.start"
	if !g.started.CompareAndSwap(false, true) {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	g.account.start(runCtx)
	g.market.start(runCtx)

	for _, st := range []*stream{g.account, g.market} {
		if err := st.awaitReady(g.dialTimeout); err != nil {
			_ = g.Stop(ctx)
			return errs.New(op, errs.CodeExchange,
				errs.WithMessage(err.Error()), errs.WithVenue(g.name.String()))
		}
	}
	g.logger.Printf("gateway %s: connected to %s", g.name, g.baseURL)
	return nil
}

// Stop implements exchange.Api. It tears both streams down and closes the
// event channels once the read loops have exited.
func (g *Gateway) Stop(context.Context) error {
	g.stopOnce.Do(func() {
		if g.cancel != nil {
			g.cancel()
		}
		g.account.stop()
		g.market.stop()
		close(g.accountCh)
		close(g.marketCh)
	})
	return nil
}

// Subscribe implements exchange.Api. Channels are recorded before the
// control frame is sent, so the set survives reconnects and a dead socket
// only defers delivery.
func (g *Gateway) Subscribe(ctx context.Context, channels []schema.Channel) error {
	const op = "gateway.subscribe"
	if len(channels) == 0 {
		return nil
	}
	g.subsMu.Lock()
	fresh := make([]schema.Channel, 0, len(channels))
	for _, ch := range channels {
		if _, ok := g.subs[ch]; ok {
			continue
		}
		g.subs[ch] = struct{}{}
		fresh = append(fresh, ch)
	}
	g.subsMu.Unlock()

	if len(fresh) == 0 || !g.started.Load() {
		return nil
	}
	if err := g.sendSubscribe(ctx, fresh); err != nil {
		if errors.Is(err, errNotConnected) {
			g.logger.Printf("gateway %s: subscribe deferred until market stream reconnects", g.name)
			return nil
		}
		return errs.New(op, errs.CodeExchange,
			errs.WithMessage("subscribe request failed"), errs.WithVenue(g.name.String()), errs.WithCause(err))
	}
	return nil
}

// AccountEvents implements exchange.Api.
func (g *Gateway) AccountEvents() <-chan schema.AccountEvent { return g.accountCh }

// MarketEvents implements exchange.Api.
func (g *Gateway) MarketEvents() <-chan schema.MarketEvent { return g.marketCh }

// subscribeRequest is the control frame adding channels to the market
// stream.
type subscribeRequest struct {
	Op       string           `json:"op"`
	Channels []schema.Channel `json:"channels"`
}

func (g *Gateway) sendSubscribe(ctx context.Context, channels []schema.Channel) error {
	payload, err := json.Marshal(subscribeRequest{Op: "subscribe", Channels: channels})
	if err != nil {
		return fmt.Errorf("encode subscribe request: %w", err)
	}
	return g.market.send(ctx, payload)
}

// resubscribe restores the full subscription set. Runs after every market
// stream (re)connect.
func (g *Gateway) resubscribe(ctx context.Context) error {
	g.subsMu.Lock()
	channels := make([]schema.Channel, 0, len(g.subs))
	for ch := range g.subs {
		channels = append(channels, ch)
	}
	g.subsMu.Unlock()
	if len(channels) == 0 {
		return nil
	}
	return g.sendSubscribe(ctx, channels)
}

// accountFrame carries one private stream event.
type accountFrame struct {
	Seq   int64               `json:"seq"`
	Event schema.AccountEvent `json:"event"`
}

// marketFrame carries one market data event.
type marketFrame struct {
	Seq   int64              `json:"seq"`
	Event schema.MarketEvent `json:"event"`
}

func (g *Gateway) handleAccountFrame(data []byte) error {
	var frame accountFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return fmt.Errorf("decode account frame: %w", err)
	}
	ev := frame.Event
	if ev.Order == nil && ev.Balance == nil {
		return nil
	}
	if ev.Exchange == "" {
		ev.Exchange = g.name
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	// Execution reports are never dropped: a full channel stalls the
	// socket until the consumer catches up.
	select {
	case g.accountCh <- ev:
		return nil
	case <-g.account.ctx.Done():
		return context.Canceled
	}
}

func (g *Gateway) handleMarketFrame(data []byte) error {
	var frame marketFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return fmt.Errorf("decode market frame: %w", err)
	}
	ev := frame.Event
	if ev.Trade == nil && ev.Book == nil && ev.Candle == nil {
		return nil
	}
	if ev.Channel.Exchange == "" {
		ev.Channel.Exchange = g.name
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case g.marketCh <- ev:
	default:
		// A slow consumer loses market ticks, never execution reports.
		if dropped := g.marketDrops.Add(1); dropped == 1 || dropped%1000 == 0 {
			g.logger.Printf("gateway %s: market consumer lagging, dropped %d events", g.name, dropped)
		}
	}
	return nil
}

// websocketURL derives the stream endpoint from the REST base url.
func websocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}
