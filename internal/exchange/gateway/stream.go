package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/tally/internal/schema"
	"github.com/coachpo/tally/internal/telemetry"
)

const streamWriteTimeout = 5 * time.Second

// errNotConnected reports a control send attempted while the socket is down.
// The subscription set is durable, so callers can treat this as deferred
// rather than failed.
var errNotConnected = errors.New("stream not connected")

// frameHeader is the envelope part the transport reads from every frame.
// Frames are numbered per connection starting at 1, so dropped messages are
// detectable across the stream.
type frameHeader struct {
	Seq int64 `json:"seq"`
}

type streamConfig struct {
	name      string
	url       string
	header    http.Header
	exchange  schema.Exchange
	handler   func(data []byte) error
	onConnect func(ctx context.Context) error
	logger    *log.Logger
	metrics   *telemetry.Metrics
}

// stream is one websocket leg of the gateway connection. It dials, verifies
// frame sequence numbers, hands payloads to its handler, and reconnects with
// exponential backoff until cancelled. The handler runs on the read loop.
type stream struct {
	name      string
	url       string
	header    http.Header
	exchange  schema.Exchange
	handler   func(data []byte) error
	onConnect func(ctx context.Context) error
	logger    *log.Logger
	metrics   *telemetry.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu sync.RWMutex
	conn   *websocket.Conn

	ready     chan struct{}
	readyOnce sync.Once

	lastSeq int64
}

func newStream(cfg streamConfig) *stream {
	return &stream{
		name:      cfg.name,
		url:       cfg.url,
		header:    cfg.header,
		exchange:  cfg.exchange,
		handler:   cfg.handler,
		onConnect: cfg.onConnect,
		logger:    cfg.logger,
		metrics:   cfg.metrics,
		ready:     make(chan struct{}),
	}
}

// start launches the connect loop on a context derived from parent.
func (s *stream) start(parent context.Context) {
	s.ctx, s.cancel = context.WithCancel(parent)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.connect()
	}()
}

// awaitReady blocks until the first connection succeeds, the stream dies, or
// the timeout passes.
func (s *stream) awaitReady(timeout time.Duration) error {
	select {
	case <-s.ready:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("%s stream not ready after %s", s.name, timeout)
	}
}

// stop tears the connection down and waits for the connect loop to exit.
// Safe to call on a stream that never started.
func (s *stream) stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "shutdown")
		s.conn = nil
	}
	s.connMu.Unlock()
	s.wg.Wait()
}

// send writes one text frame on the live connection.
func (s *stream) send(ctx context.Context, payload []byte) error {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("%s: %w", s.name, errNotConnected)
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}

// connect maintains the websocket connection with automatic reconnection and
// exponential backoff. Subscriptions are restored through onConnect after
// every successful dial.
func (s *stream) connect() {
	backoffCfg := backoff.NewExponentialBackOff()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		var opts *websocket.DialOptions
		if len(s.header) > 0 {
			opts = &websocket.DialOptions{HTTPHeader: s.header}
		}
		conn, _, err := websocket.Dial(s.ctx, s.url, opts)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Printf("gateway %s: dial %s stream: %v", s.exchange, s.name, err)
			s.metrics.RecordStreamReconnect(s.ctx, s.exchange.String(), s.name)
			sleep := backoffCfg.NextBackOff()
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(sleep):
				continue
			}
		}

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()

		// Signal ready on first successful connection.
		s.readyOnce.Do(func() {
			close(s.ready)
		})

		backoffCfg.Reset()
		s.lastSeq = 0

		if s.onConnect != nil {
			if err := s.onConnect(s.ctx); err != nil {
				s.logger.Printf("gateway %s: restore %s subscriptions: %v", s.exchange, s.name, err)
			}
		}

		if err := s.readLoop(conn); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Printf("gateway %s: %s stream read: %v", s.exchange, s.name, err)
		}

		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()

		if s.ctx.Err() != nil {
			return
		}

		s.metrics.RecordStreamReconnect(s.ctx, s.exchange.String(), s.name)
		sleep := backoffCfg.NextBackOff()
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// readLoop consumes frames until the connection drops. Sequence gaps are
// logged, never fatal: the event consumers reconcile through the repair
// sweep and order queries, not through stream replay.
func (s *stream) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(s.ctx)
		if err != nil {
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}

		var header frameHeader
		if err := json.Unmarshal(data, &header); err != nil {
			s.logger.Printf("gateway %s: drop unreadable %s frame: %v", s.exchange, s.name, err)
			continue
		}
		if header.Seq > 0 {
			if s.lastSeq > 0 && header.Seq > s.lastSeq+1 {
				s.logger.Printf("gateway %s: %s stream gap: expected seq %d, got %d (%d frames lost)",
					s.exchange, s.name, s.lastSeq+1, header.Seq, header.Seq-s.lastSeq-1)
			}
			if header.Seq > s.lastSeq {
				s.lastSeq = header.Seq
			}
		}

		if err := s.handler(data); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			s.logger.Printf("gateway %s: handle %s frame: %v", s.exchange, s.name, err)
		}
	}
}
