// Package driver runs one strategy against the portfolio and the order
// manager. It dispatches market events to the strategy, converts accepted
// signals into staged orders, and resolves in-flight operations as
// execution reports arrive. A failed staging or a stuck operation is logged
// and never halts the event loop; the position lock it leaves behind is
// released only by an explicit resolution.
package driver

import (
	"context"
	"errors"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tally/errs"
	"github.com/coachpo/tally/internal/ledger"
	"github.com/coachpo/tally/internal/orders"
	"github.com/coachpo/tally/internal/portfolio"
	"github.com/coachpo/tally/internal/schema"
	"github.com/coachpo/tally/internal/storage"
	"github.com/coachpo/tally/internal/strategy"
	"github.com/coachpo/tally/internal/telemetry"
)

// defaultMaxRestage bounds how often one logical operation is re-staged
// after transient venue rejections before the driver books it as failed.
const defaultMaxRestage = 5

// Config wires the driver's collaborators.
type Config struct {
	Strategy   strategy.Strategy
	Portfolio  *portfolio.Portfolio
	Orders     *orders.Manager
	Store      storage.Store
	Metrics    *telemetry.Metrics
	Logger     *log.Logger
	Clock      func() time.Time
	MaxRestage int
}

type pendingOp struct {
	op       schema.TradeOperation
	attempts int
}

// Driver owns one strategy and the machinery that turns its signals into
// resolved positions. All event entry points serialize on one mutex; the
// driver is safe for concurrent pumps but processes strictly one event at
// a time.
type Driver struct {
	strat      strategy.Strategy
	pf         *portfolio.Portfolio
	orders     *orders.Manager
	status     *StatusRepo
	sessions   *telemetry.SessionTracker
	metrics    *telemetry.Metrics
	logger     *log.Logger
	maxRestage int

	mu       sync.Mutex
	inited   bool
	channels map[schema.Channel]struct{}
	trading  bool
	lastEv   *schema.MarketEvent
	pending  map[string]pendingOp
}

// New builds a driver. Call Load before feeding events.
func New(cfg Config) (*Driver, error) {
	if cfg.Strategy == nil {
		return nil, errs.New("driver.new", errs.CodeConfig, errs.WithMessage("strategy required"))
	}
	if cfg.Portfolio == nil {
		return nil, errs.New("driver.new", errs.CodeConfig, errs.WithMessage("portfolio required"))
	}
	if cfg.Orders == nil {
		return nil, errs.New("driver.new", errs.CodeConfig, errs.WithMessage("order manager required"))
	}
	if cfg.Store == nil {
		return nil, errs.New("driver.new", errs.CodeConfig, errs.WithMessage("store required"))
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "driver ", log.LstdFlags|log.Lmicroseconds)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.MaxRestage <= 0 {
		cfg.MaxRestage = defaultMaxRestage
	}
	sessions := telemetry.NewSessionTracker().WithClock(cfg.Clock)
	logger := cfg.Logger
	sessions.SetEmitter(func(s telemetry.SessionSummary) {
		logger.Printf("driver %s: trading session closed after %s", s.Strategy, s.Duration)
	})
	return &Driver{
		strat:      cfg.Strategy,
		pf:         cfg.Portfolio,
		orders:     cfg.Orders,
		status:     NewStatusRepo(cfg.Store).WithClock(cfg.Clock),
		sessions:   sessions,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		maxRestage: cfg.MaxRestage,
		trading:    true,
		pending:    make(map[string]pendingOp),
	}, nil
}

// Load prepares the status table and restores the persisted trading switch.
func (d *Driver) Load(ctx context.Context) error {
	if err := d.status.EnsureTable(ctx); err != nil {
		return err
	}
	status, err := d.status.Load(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.trading = status.Trading
	d.mu.Unlock()
	if status.Trading {
		d.startSession()
	} else {
		d.logger.Printf("driver %s: trading halted by persisted status since %s",
			d.strat.Key(), status.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func (d *Driver) startSession() {
	err := d.sessions.Start(d.strat.Key(), time.Time{})
	if err != nil && !errors.Is(err, telemetry.ErrSessionAlreadyStarted) {
		d.logErr("session", err)
	}
}

func (d *Driver) closeSession() {
	_, err := d.sessions.Stop(d.strat.Key(), time.Time{})
	if err != nil && !errors.Is(err, telemetry.ErrSessionNotStarted) {
		d.logErr("session", err)
	}
}

// OnMarketEvents dispatches a batch in event-time order. The batch is
// sorted in place; stable so simultaneous events keep their arrival order.
func (d *Driver) OnMarketEvents(ctx context.Context, batch []schema.MarketEvent) {
	sort.SliceStable(batch, func(i, j int) bool { return batch[i].At.Before(batch[j].At) })
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ev := range batch {
		d.onEvent(ctx, ev)
	}
}

// OnMarketEvent dispatches a single event.
func (d *Driver) OnMarketEvent(ctx context.Context, ev schema.MarketEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onEvent(ctx, ev)
}

func (d *Driver) onEvent(ctx context.Context, ev schema.MarketEvent) {
	if err := d.ensureInit(ctx); err != nil {
		d.logErr("init", err)
		return
	}
	d.pf.ApplyMarketEvent(ev)
	if _, want := d.channels[ev.Channel]; !want {
		return
	}
	if !d.trading {
		return
	}
	if d.pf.HasFailedPosition() || len(d.pf.Locks()) > 0 {
		// Evaluation is deferred, not dropped: the freshest event replays
		// once the in-flight operation resolves.
		clone := ev
		d.lastEv = &clone
		return
	}
	d.evaluate(ctx, ev)
}

// OnAccountEvent folds a private stream event and, when it carries an
// execution report, immediately attempts resolution.
func (d *Driver) OnAccountEvent(ctx context.Context, ev schema.AccountEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ev.Balance != nil {
		d.pf.ApplyBalance(*ev.Balance)
	}
	if ev.Order == nil {
		return
	}
	if err := d.orders.ApplyAccountEvent(ctx, ev); err != nil {
		d.logErr("account", err)
	}
	d.resolveOrders(ctx)
}

// ResolveOrders walks the outstanding locks once: each locked order is
// fetched and folded through the portfolio; transiently rejected orders are
// re-staged under a fresh id. When the pass leaves no lock behind, the last
// deferred event is re-evaluated.
func (d *Driver) ResolveOrders(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resolveOrders(ctx)
}

func (d *Driver) resolveOrders(ctx context.Context) {
	for _, lk := range d.pf.Locks() {
		d.resolveLock(ctx, lk)
	}
	if d.lastEv == nil || !d.trading {
		return
	}
	if d.pf.HasFailedPosition() || len(d.pf.Locks()) > 0 {
		return
	}
	ev := *d.lastEv
	d.lastEv = nil
	d.evaluate(ctx, ev)
}

func (d *Driver) resolveLock(ctx context.Context, lk ledger.Lock) {
	detail, _, err := d.orders.Get(ctx, lk.OrderID)
	if err != nil {
		d.logErr("resolve "+lk.OrderID, err)
		return
	}
	if detail.IsRetryable() {
		d.restage(ctx, lk, detail)
		return
	}
	tr, err := d.pf.UpdatePosition(ctx, &detail)
	if err != nil {
		d.logErr("resolve "+lk.OrderID, err)
		return
	}
	if tr.Kind != ledger.TransitionPending {
		delete(d.pending, lk.OrderID)
	}
}

// restage retries a transiently rejected operation under a fresh order id,
// repinning the lock to the new order. The rejected order keeps its
// terminal status untouched. Past the attempt cap, or when the operation
// context did not survive a restart, the rejection is booked instead.
func (d *Driver) restage(ctx context.Context, lk ledger.Lock, detail schema.OrderDetail) {
	entry, ok := d.pending[lk.OrderID]
	if !ok || entry.attempts >= d.maxRestage {
		if !ok {
			d.logger.Printf("driver %s: no operation context for retryable order %s; booking rejection",
				d.strat.Key(), lk.OrderID)
		} else {
			d.logger.Printf("driver %s: order %s exhausted %d staging attempts; booking rejection",
				d.strat.Key(), lk.OrderID, entry.attempts)
		}
		delete(d.pending, lk.OrderID)
		if _, err := d.pf.UpdatePosition(ctx, &detail); err != nil {
			d.logErr("book rejection "+lk.OrderID, err)
		}
		return
	}

	entry.attempts++
	d.metrics.RecordRetry(ctx, lk.Exchange.String(), lk.Pair.String())
	fresh, err := d.orders.StageTrade(ctx, entry.op)
	if err != nil {
		// Lock stays pinned to the rejected order; the next resolution
		// pass tries again.
		d.pending[lk.OrderID] = entry
		d.logErr("restage "+lk.OrderID, err)
		return
	}
	delete(d.pending, lk.OrderID)
	d.pending[fresh.ID] = entry
	if err := d.pf.UpdateLock(ctx, lk.Exchange, lk.Pair, fresh.ID); err != nil {
		d.logErr("repin "+fresh.ID, err)
	}
}

func (d *Driver) evaluate(ctx context.Context, ev schema.MarketEvent) {
	snap := d.snapshot(ctx)
	started := time.Now()
	signals, err := d.strat.Eval(ctx, ev, snap)
	d.metrics.RecordEvalDuration(ctx, d.strat.Key(), time.Since(started))
	if err != nil {
		d.logErr("eval", err)
		return
	}
	for _, sig := range signals {
		d.processSignal(ctx, sig)
	}
}

func (d *Driver) processSignal(ctx context.Context, sig schema.TradeSignal) {
	op, err := d.pf.EvaluateSignal(ctx, sig)
	if err != nil {
		d.logErr("signal", err)
		return
	}
	if op == nil {
		return
	}
	detail, err := d.orders.StageTrade(ctx, *op)
	if err != nil {
		if uerr := d.pf.UnlockPosition(ctx, op.Exchange, op.Pair); uerr != nil {
			d.logErr("unlock "+op.OrderID, uerr)
		}
		d.logErr("stage", err)
		return
	}
	d.pending[detail.ID] = pendingOp{op: *op, attempts: 0}
	if err := d.pf.UpdateLock(ctx, op.Exchange, op.Pair, detail.ID); err != nil {
		d.logErr("repin "+detail.ID, err)
	}
}

func (d *Driver) ensureInit(ctx context.Context) error {
	if d.inited {
		return nil
	}
	if err := d.strat.Init(ctx); err != nil {
		return err
	}
	d.channels = d.strat.Channels()
	d.inited = true
	d.logger.Printf("driver %s: initialized, %d channels", d.strat.Key(), len(d.channels))
	return nil
}

func (d *Driver) snapshot(ctx context.Context) strategy.Snapshot {
	pnl, err := d.pf.RealizedPnl(ctx)
	if err != nil {
		d.logErr("snapshot", err)
		pnl = decimal.Zero
	}
	return strategy.Snapshot{Positions: d.pf.OpenPositions(), RealizedPnl: pnl}
}

// IsLocked reports whether any operation is still in flight.
func (d *Driver) IsLocked() bool {
	return len(d.pf.Locks()) > 0
}

// Trading reports the current switch state.
func (d *Driver) Trading() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.trading
}

// StopTrading halts signal processing and persists the halt. Market events
// keep flowing into portfolio marks; in-flight operations still resolve.
func (d *Driver) StopTrading(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.status.Save(ctx, StrategyStatus{Trading: false, Strategy: d.strat.Key()}); err != nil {
		return err
	}
	d.trading = false
	d.lastEv = nil
	d.closeSession()
	d.logger.Printf("driver %s: trading stopped", d.strat.Key())
	return nil
}

// ResumeTrading re-enables signal processing and persists the switch.
func (d *Driver) ResumeTrading(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.status.Save(ctx, StrategyStatus{Trading: true, Strategy: d.strat.Key()}); err != nil {
		return err
	}
	d.trading = true
	d.startSession()
	d.logger.Printf("driver %s: trading resumed", d.strat.Key())
	return nil
}

// Strategy exposes the driven strategy, primarily for model inspection.
func (d *Driver) Strategy() strategy.Strategy { return d.strat }

func (d *Driver) logErr(op string, err error) {
	d.logger.Printf("driver %s: %s: [%s] %v", d.strat.Key(), op, errs.CodeOf(err), err)
}
