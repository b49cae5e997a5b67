// Package ledger owns position state: the durable set of open positions,
// the append-only position history, the in-flight locks staging pins on a
// pair, and the named portfolio variables other components fold through.
// One position book backs one portfolio; the mutex serializes callers.
package ledger

import (
	"context"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tally/errs"
	"github.com/coachpo/tally/internal/schema"
	"github.com/coachpo/tally/internal/storage"
	"github.com/coachpo/tally/internal/telemetry"
)

const (
	positionsTable = "positions"
	openTable      = "open_positions"
	locksTable     = "locks"
	varsTable      = "vars"
)

// Lock pins one (exchange, pair) while an order is in flight. Locks never
// expire; only a resolution releases them.
type Lock struct {
	Exchange schema.Exchange `json:"exchange"`
	Pair     schema.Pair     `json:"pair"`
	OrderID  string          `json:"order_id"`
	At       time.Time       `json:"at"`
}

// TransitionKind classifies what UpdatePosition did with an order.
type TransitionKind string

const (
	// TransitionPending means the order has not resolved; nothing moved.
	TransitionPending TransitionKind = "pending"
	// TransitionOpened entered a new position.
	TransitionOpened TransitionKind = "opened"
	// TransitionClosed exited an open position.
	TransitionClosed TransitionKind = "closed"
	// TransitionFailed recorded a terminal order that moved no quantity.
	TransitionFailed TransitionKind = "failed"
	// TransitionIgnored dropped a fill belonging to a leg already booked.
	TransitionIgnored TransitionKind = "ignored"
)

// Transition is the outcome of folding one resolved order into the book.
type Transition struct {
	Kind     TransitionKind
	Position *schema.Position
}

// Config wires the ledger's collaborators.
type Config struct {
	Store   storage.Store
	Metrics *telemetry.Metrics
	Logger  *log.Logger
	Clock   func() time.Time
}

// Ledger is the position book. Open positions and locks are held in memory
// and mirrored to storage on every transition; Load rebuilds both after a
// restart.
type Ledger struct {
	store   storage.Store
	metrics *telemetry.Metrics
	logger  *log.Logger
	now     func() time.Time

	mu    sync.Mutex
	open  map[string]*schema.Position
	locks map[string]Lock
}

// New builds a ledger over the given store.
func New(cfg Config) (*Ledger, error) {
	if cfg.Store == nil {
		return nil, errs.New("ledger.new", errs.CodeConfig, errs.WithMessage("storage required"))
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "ledger ", log.LstdFlags|log.Lmicroseconds)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Ledger{
		store:   cfg.Store,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		now:     cfg.Clock,
		open:    make(map[string]*schema.Position),
		locks:   make(map[string]Lock),
	}, nil
}

// Load prepares the backing tables and rebuilds the open set and locks.
func (l *Ledger) Load(ctx context.Context) error {
	for _, table := range []string{positionsTable, openTable, locksTable, varsTable} {
		if err := l.store.EnsureTable(ctx, table); err != nil {
			return err
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.store.GetAll(ctx, openTable)
	if err != nil {
		return err
	}
	l.open = make(map[string]*schema.Position, len(entries))
	for _, entry := range entries {
		var pos schema.Position
		if err := json.Unmarshal(entry.Value, &pos); err != nil {
			return errs.New("ledger.load", errs.CodeStorage,
				errs.WithMessage("decode open position "+entry.Key), errs.WithCause(err))
		}
		l.open[entry.Key] = &pos
	}

	entries, err = l.store.GetAll(ctx, locksTable)
	if err != nil {
		return err
	}
	l.locks = make(map[string]Lock, len(entries))
	for _, entry := range entries {
		var lock Lock
		if err := json.Unmarshal(entry.Value, &lock); err != nil {
			return errs.New("ledger.load", errs.CodeStorage,
				errs.WithMessage("decode lock "+entry.Key), errs.WithCause(err))
		}
		l.locks[entry.Key] = lock
	}
	l.logger.Printf("ledger: loaded %d open positions, %d locks", len(l.open), len(l.locks))
	return nil
}

func positionKey(exchange schema.Exchange, pair schema.Pair, kind schema.PositionKind) string {
	return string(exchange) + "|" + string(pair) + "|" + string(kind)
}

func lockKey(exchange schema.Exchange, pair schema.Pair) string {
	return string(exchange) + "|" + string(pair)
}

// closableKind is the position kind an order of the given side exits:
// buys lift shorts, sells exit longs.
func closableKind(side schema.Side) schema.PositionKind {
	if side == schema.SideBuy {
		return schema.PositionShort
	}
	return schema.PositionLong
}

// Lock pins the pair to the given order. A pair already pinned refuses the
// second taker, which is what keeps concurrent opens down to one winner.
func (l *Ledger) Lock(ctx context.Context, exchange schema.Exchange, pair schema.Pair, orderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := lockKey(exchange, pair)
	if held, ok := l.locks[key]; ok {
		return errs.New("ledger.lock", errs.CodePositionLocked,
			errs.WithMessage("pair pinned by order "+held.OrderID),
			errs.WithVenue(exchange.String()), errs.WithPair(pair.String()), errs.WithOrder(orderID))
	}
	lock := Lock{Exchange: exchange, Pair: pair, OrderID: orderID, At: l.now()}
	if err := l.putLock(ctx, key, lock); err != nil {
		return err
	}
	l.locks[key] = lock
	return nil
}

// Unlock releases the pin on a pair, typically after staging failed.
func (l *Ledger) Unlock(ctx context.Context, exchange schema.Exchange, pair schema.Pair) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := lockKey(exchange, pair)
	if _, ok := l.locks[key]; !ok {
		return errs.New("ledger.unlock", errs.CodeNoLockForOrder,
			errs.WithMessage("pair is not locked"),
			errs.WithVenue(exchange.String()), errs.WithPair(pair.String()))
	}
	if err := l.store.Delete(ctx, locksTable, key); err != nil {
		return err
	}
	delete(l.locks, key)
	return nil
}

// UpdateLock repins an existing lock to a fresh order, the retry path after
// a retryable rejection.
func (l *Ledger) UpdateLock(ctx context.Context, exchange schema.Exchange, pair schema.Pair, orderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := lockKey(exchange, pair)
	held, ok := l.locks[key]
	if !ok {
		return errs.New("ledger.update-lock", errs.CodeNoLockForOrder,
			errs.WithMessage("pair is not locked"),
			errs.WithVenue(exchange.String()), errs.WithPair(pair.String()), errs.WithOrder(orderID))
	}
	held.OrderID = orderID
	held.At = l.now()
	if err := l.putLock(ctx, key, held); err != nil {
		return err
	}
	l.locks[key] = held
	return nil
}

func (l *Ledger) putLock(ctx context.Context, key string, lock Lock) error {
	raw, err := json.Marshal(lock)
	if err != nil {
		return errs.New("ledger.lock", errs.CodeInternal, errs.WithMessage("encode lock"), errs.WithCause(err))
	}
	return l.store.Put(ctx, locksTable, key, raw)
}

// Locked reports whether the pair is pinned.
func (l *Ledger) Locked(exchange schema.Exchange, pair schema.Pair) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.locks[lockKey(exchange, pair)]
	return ok
}

// Locks returns every held lock, oldest first.
func (l *Ledger) Locks() []Lock {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Lock, 0, len(l.locks))
	for _, lock := range l.locks {
		out = append(out, lock)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return lockKey(out[i].Exchange, out[i].Pair) < lockKey(out[j].Exchange, out[j].Pair)
	})
	return out
}

// Open books a new position from a filled entry order.
func (l *Ledger) Open(ctx context.Context, pair schema.Pair, kind schema.PositionKind, order *schema.OrderDetail) (*schema.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkOpen(pair, kind, order); err != nil {
		return nil, err
	}
	return l.openLocked(ctx, pair, kind, order)
}

func (l *Ledger) checkOpen(pair schema.Pair, kind schema.PositionKind, order *schema.OrderDetail) error {
	if _, ok := l.open[positionKey(order.Exchange, pair, kind)]; ok {
		return errs.New("ledger.open", errs.CodeBadOpenSignal,
			errs.WithMessage("a "+string(kind)+" position is already open"),
			errs.WithVenue(order.Exchange.String()), errs.WithPair(pair.String()), errs.WithOrder(order.ID))
	}
	if !order.FilledQty.IsPositive() {
		return errs.New("ledger.open", errs.CodeZeroOrNegativeQty,
			errs.WithMessage("entry order filled "+order.FilledQty.String()),
			errs.WithOrder(order.ID))
	}
	if held, ok := l.locks[lockKey(order.Exchange, pair)]; ok && held.OrderID != order.ID {
		return errs.New("ledger.open", errs.CodePositionLocked,
			errs.WithMessage("pair pinned by order "+held.OrderID),
			errs.WithVenue(order.Exchange.String()), errs.WithPair(pair.String()), errs.WithOrder(order.ID))
	}
	return nil
}

// openLocked books the position and clears the order's own lock in one
// atomic batch.
func (l *Ledger) openLocked(ctx context.Context, pair schema.Pair, kind schema.PositionKind, order *schema.OrderDetail) (*schema.Position, error) {
	pos := schema.OpenPosition(order, l.now())
	pos.Kind = kind
	key := positionKey(order.Exchange, pair, kind)
	if err := l.commitPosition(ctx, pos, key, order.ID, false); err != nil {
		return nil, err
	}
	l.open[key] = pos
	l.releaseLockFor(order.Exchange, pair, order.ID)
	l.metrics.RecordPositionOpened(ctx, order.Exchange.String(), pair.String())
	return pos.Clone(), nil
}

// Close exits an open position with a filled exit order, stamping the
// portfolio equity at the exit.
func (l *Ledger) Close(ctx context.Context, pair schema.Pair, kind schema.PositionKind, order *schema.OrderDetail, equity decimal.Decimal) (*schema.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := positionKey(order.Exchange, pair, kind)
	pos, ok := l.open[key]
	if !ok {
		return nil, errs.New("ledger.close", errs.CodeBadCloseSignal,
			errs.WithMessage("no open "+string(kind)+" position"),
			errs.WithVenue(order.Exchange.String()), errs.WithPair(pair.String()), errs.WithOrder(order.ID))
	}
	if order.Side != kind.ClosingSide() {
		return nil, errs.New("ledger.close", errs.CodeBadSideForPosition,
			errs.WithMessage(string(order.Side)+" cannot close a "+string(kind)+" position"),
			errs.WithPair(pair.String()), errs.WithOrder(order.ID))
	}
	return l.closeLocked(ctx, pos, key, order, equity)
}

func (l *Ledger) closeLocked(ctx context.Context, pos *schema.Position, key string, order *schema.OrderDetail, equity decimal.Decimal) (*schema.Position, error) {
	pos.Close(equity, order, l.now())
	if err := l.commitPosition(ctx, pos, key, order.ID, true); err != nil {
		return nil, err
	}
	delete(l.open, key)
	l.releaseLockFor(pos.Exchange, pos.Pair, order.ID)
	l.metrics.RecordPositionClosed(ctx, pos.Exchange.String(), pos.Pair.String())
	return pos.Clone(), nil
}

// commitPosition writes the history row, the open-set row (or its removal),
// and the lock release for the resolving order as one batch.
func (l *Ledger) commitPosition(ctx context.Context, pos *schema.Position, key, orderID string, closed bool) error {
	raw, err := json.Marshal(pos)
	if err != nil {
		return errs.New("ledger.commit", errs.CodeInternal,
			errs.WithMessage("encode position"), errs.WithCause(err))
	}
	var batch storage.Batch
	batch.Put(positionsTable, pos.ID, raw)
	if closed {
		batch.Delete(openTable, key)
	} else {
		batch.Put(openTable, key, raw)
	}
	lkey := lockKey(pos.Exchange, pos.Pair)
	if held, ok := l.locks[lkey]; ok && held.OrderID == orderID {
		batch.Delete(locksTable, lkey)
	}
	return l.store.Apply(ctx, batch)
}

// releaseLockFor drops the in-memory lock when the resolving order holds it.
// The stored row went out with the commit batch.
func (l *Ledger) releaseLockFor(exchange schema.Exchange, pair schema.Pair, orderID string) {
	key := lockKey(exchange, pair)
	if held, ok := l.locks[key]; ok && held.OrderID == orderID {
		delete(l.locks, key)
	}
}

// UpdatePosition folds one order into the book. Unresolved orders move
// nothing. Filled orders close the opposing open position when one exists,
// otherwise open a new one. Terminal failures are booked so they stay
// visible: a failed exit pins its rejection to the open position, a failed
// entry books an empty position that poisons trading until an operator
// clears it. A fill whose side matches a leg already booked is ignored.
func (l *Ledger) UpdatePosition(ctx context.Context, order *schema.OrderDetail, equity decimal.Decimal) (Transition, error) {
	if order == nil {
		return Transition{Kind: TransitionPending, Position: nil},
			errs.New("ledger.update", errs.CodeInternal, errs.WithMessage("nil order"))
	}
	if !order.IsResolved() {
		return Transition{Kind: TransitionPending, Position: nil}, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	closing := closableKind(order.Side)
	closingKey := positionKey(order.Exchange, order.Pair, closing)
	if pos, ok := l.open[closingKey]; ok {
		if order.IsFilled() {
			closed, err := l.closeLocked(ctx, pos, closingKey, order, equity)
			if err != nil {
				return Transition{Kind: TransitionPending, Position: nil}, err
			}
			return Transition{Kind: TransitionClosed, Position: closed}, nil
		}
		return l.failExitLocked(ctx, pos, closingKey, order)
	}

	opening := schema.KindForSide(order.Side)
	if _, ok := l.open[positionKey(order.Exchange, order.Pair, opening)]; ok {
		// The fill belongs to the leg already on the book; dropping it is
		// deliberate, not an error.
		if err := l.releaseLockPersisted(ctx, order.Exchange, order.Pair, order.ID); err != nil {
			return Transition{Kind: TransitionIgnored, Position: nil}, err
		}
		return Transition{Kind: TransitionIgnored, Position: nil}, nil
	}

	if order.IsFilled() {
		pos, err := l.openLocked(ctx, order.Pair, opening, order)
		if err != nil {
			return Transition{Kind: TransitionPending, Position: nil}, err
		}
		return Transition{Kind: TransitionOpened, Position: pos}, nil
	}
	return l.failEntryLocked(ctx, order, opening)
}

// failExitLocked pins a terminal unfilled exit to the still-open position.
func (l *Ledger) failExitLocked(ctx context.Context, pos *schema.Position, key string, order *schema.OrderDetail) (Transition, error) {
	clone := order.Clone()
	pos.CloseOrder = &clone
	pos.Meta.LastUpdate = l.now()
	if err := l.commitPosition(ctx, pos, key, order.ID, false); err != nil {
		return Transition{Kind: TransitionPending, Position: nil}, err
	}
	l.releaseLockFor(pos.Exchange, pos.Pair, order.ID)
	return Transition{Kind: TransitionFailed, Position: pos.Clone()}, nil
}

// failEntryLocked books a terminal unfilled entry as a failed position.
func (l *Ledger) failEntryLocked(ctx context.Context, order *schema.OrderDetail, kind schema.PositionKind) (Transition, error) {
	pos := schema.OpenPosition(order, l.now())
	pos.Kind = kind
	key := positionKey(order.Exchange, order.Pair, kind)
	if err := l.commitPosition(ctx, pos, key, order.ID, false); err != nil {
		return Transition{Kind: TransitionPending, Position: nil}, err
	}
	l.open[key] = pos
	l.releaseLockFor(order.Exchange, order.Pair, order.ID)
	return Transition{Kind: TransitionFailed, Position: pos.Clone()}, nil
}

// releaseLockPersisted releases the order's lock outside a position commit.
func (l *Ledger) releaseLockPersisted(ctx context.Context, exchange schema.Exchange, pair schema.Pair, orderID string) error {
	key := lockKey(exchange, pair)
	held, ok := l.locks[key]
	if !ok || held.OrderID != orderID {
		return nil
	}
	if err := l.store.Delete(ctx, locksTable, key); err != nil {
		return err
	}
	delete(l.locks, key)
	return nil
}

// MarkToMarket revalues open positions matching the event's pair and venue.
// Marks live in memory; storage refreshes on the next transition.
func (l *Ledger) MarkToMarket(ev schema.MarketEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, pos := range l.open {
		if pos.Exchange == ev.Channel.Exchange && pos.Pair == ev.Channel.Pair {
			pos.UpdateMark(ev)
		}
	}
}

// FindOpen returns a copy of the open position for the key, if any.
func (l *Ledger) FindOpen(exchange schema.Exchange, pair schema.Pair, kind schema.PositionKind) (*schema.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.open[positionKey(exchange, pair, kind)]
	if !ok {
		return nil, false
	}
	return pos.Clone(), true
}

// OpenPositions returns copies of every open position in key order.
func (l *Ledger) OpenPositions() []*schema.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make([]string, 0, len(l.open))
	for key := range l.open {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]*schema.Position, 0, len(keys))
	for _, key := range keys {
		out = append(out, l.open[key].Clone())
	}
	return out
}

// HasFailedPosition reports whether any open position carries a terminal
// rejected leg. Trading halts on it until an operator intervenes.
func (l *Ledger) HasFailedPosition() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, pos := range l.open {
		if pos.IsFailedOpen() {
			return true
		}
		if pos.CloseOrder != nil && pos.CloseOrder.IsRejected() {
			return true
		}
	}
	return false
}

// History scans the full position history, oldest open first.
func (l *Ledger) History(ctx context.Context) ([]*schema.Position, error) {
	entries, err := l.store.GetAll(ctx, positionsTable)
	if err != nil {
		return nil, err
	}
	out := make([]*schema.Position, 0, len(entries))
	for _, entry := range entries {
		var pos schema.Position
		if err := json.Unmarshal(entry.Value, &pos); err != nil {
			return nil, errs.New("ledger.history", errs.CodeStorage,
				errs.WithMessage("decode position "+entry.Key), errs.WithCause(err))
		}
		out = append(out, &pos)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Meta.OpenAt.Equal(out[j].Meta.OpenAt) {
			return out[i].Meta.OpenAt.Before(out[j].Meta.OpenAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// PutVar stores a named portfolio variable.
func (l *Ledger) PutVar(ctx context.Context, name string, value decimal.Decimal) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errs.New("ledger.vars", errs.CodeInternal,
			errs.WithMessage("encode var "+name), errs.WithCause(err))
	}
	return l.store.Put(ctx, varsTable, name, raw)
}

// Var loads a named portfolio variable, zero when it was never written.
func (l *Ledger) Var(ctx context.Context, name string) (decimal.Decimal, error) {
	raw, err := l.store.Get(ctx, varsTable, name)
	if err != nil {
		if errs.IsNotFound(err) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	var value decimal.Decimal
	if err := json.Unmarshal(raw, &value); err != nil {
		return decimal.Zero, errs.New("ledger.vars", errs.CodeStorage,
			errs.WithMessage("decode var "+name), errs.WithCause(err))
	}
	return value, nil
}
