// Package portfolio sits between strategies and the position ledger: it
// turns trade signals into staging-ready operations, folds resolved orders
// back into positions and running totals, and projects balances. Risk runs
// before any lock is taken so a rejected signal leaves no state behind.
package portfolio

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tally/errs"
	"github.com/coachpo/tally/internal/ledger"
	"github.com/coachpo/tally/internal/schema"
	"github.com/coachpo/tally/internal/telemetry"
)

// Portfolio variable names under the ledger's vars table.
const (
	// VarRealizedValue is the running signed quote cash flow over all
	// executed legs: sells credit, buys debit.
	VarRealizedValue = "realized_value"
	// VarRealizedPnl is the cumulative profit over closed positions.
	VarRealizedPnl = "realized_pnl"
)

// Config wires the portfolio's collaborators.
type Config struct {
	Ledger  *ledger.Ledger
	Risk    RiskEvaluator
	Metrics *telemetry.Metrics
	Logger  *log.Logger

	// RiskThreshold rejects signals scoring above it. Zero means the
	// default of 0.5.
	RiskThreshold float64
}

// Portfolio converts signals, books transitions, and tracks balances.
type Portfolio struct {
	ledger    *ledger.Ledger
	risk      RiskEvaluator
	balances  *BalanceBook
	metrics   *telemetry.Metrics
	logger    *log.Logger
	threshold float64
}

// New builds a portfolio over the given ledger.
func New(cfg Config) (*Portfolio, error) {
	if cfg.Ledger == nil {
		return nil, errs.New("portfolio.new", errs.CodeConfig, errs.WithMessage("ledger required"))
	}
	if cfg.Risk == nil {
		cfg.Risk = NeutralRiskEvaluator{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "portfolio ", log.LstdFlags|log.Lmicroseconds)
	}
	if cfg.RiskThreshold == 0 {
		cfg.RiskThreshold = 0.5
	}
	return &Portfolio{
		ledger:    cfg.Ledger,
		risk:      cfg.Risk,
		balances:  NewBalanceBook(),
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		threshold: cfg.RiskThreshold,
	}, nil
}

// EvaluateSignal converts a strategy signal into a staging-ready operation,
// or nil when the signal should be skipped: the pair is already in flight,
// a close finds nothing to exit, or an open finds its position already on
// the book. Risk scoring runs before the lock is taken; only an accepted
// signal pins the pair.
func (p *Portfolio) EvaluateSignal(ctx context.Context, sig schema.TradeSignal) (*schema.TradeOperation, error) {
	if p.ledger.Locked(sig.Exchange, sig.Pair) {
		p.metrics.RecordSuppressedSignal(ctx, sig.EmitterID, "locked")
		return nil, nil
	}
	pos, havePos := p.ledger.FindOpen(sig.Exchange, sig.Pair, sig.Kind)
	qty := sig.Quantity
	switch {
	case sig.IsClose():
		if !havePos || !pos.IsOpened() {
			p.metrics.RecordSuppressedSignal(ctx, sig.EmitterID, "no_position")
			return nil, nil
		}
		// Exits cover the whole position; FOK staging keeps it atomic.
		qty = pos.Quantity
	case sig.IsOpen():
		if havePos {
			p.metrics.RecordSuppressedSignal(ctx, sig.EmitterID, "already_open")
			return nil, nil
		}
		if !sig.Quantity.IsPositive() {
			return nil, errs.New("portfolio.evaluate", errs.CodeZeroOrNegativeQty,
				errs.WithMessage("open signal for "+sig.Quantity.String()),
				errs.WithVenue(sig.Exchange.String()), errs.WithPair(sig.Pair.String()))
		}
	default:
		return nil, errs.New("portfolio.evaluate", errs.CodeBadRequest,
			errs.WithMessage("unknown operation "+string(sig.Operation)),
			errs.WithPair(sig.Pair.String()))
	}

	if score := p.risk.Evaluate(ctx, sig); score > p.threshold {
		p.metrics.RecordSuppressedSignal(ctx, sig.EmitterID, "risk")
		return nil, errs.New("portfolio.evaluate", errs.CodeRateLimited,
			errs.WithMessage(fmt.Sprintf("risk score %.2f over %.2f", score, p.threshold)),
			errs.WithVenue(sig.Exchange.String()), errs.WithPair(sig.Pair.String()))
	}

	op := &schema.TradeOperation{
		OrderID:    uuid.NewString(),
		EmitterID:  sig.EmitterID,
		Exchange:   sig.Exchange,
		Pair:       sig.Pair,
		Side:       sig.Side(),
		Operation:  sig.Operation,
		Kind:       sig.Kind,
		Quantity:   qty,
		Price:      sig.Price,
		Mode:       sig.Mode,
		AssetType:  sig.AssetType,
		SideEffect: sig.SideEffect,
	}
	if err := p.ledger.Lock(ctx, sig.Exchange, sig.Pair, op.OrderID); err != nil {
		return nil, err
	}
	p.metrics.RecordSignal(ctx, sig.EmitterID, sig.Exchange.String(), sig.Pair.String(), string(sig.Operation))
	return op, nil
}

// UpdatePosition folds a resolved order through the ledger and keeps the
// portfolio totals current: every executed leg moves the signed cash flow,
// every close adds its profit to the realized total. The equity stamped on
// a closing position is the realized profit walking into the exit.
func (p *Portfolio) UpdatePosition(ctx context.Context, order *schema.OrderDetail) (ledger.Transition, error) {
	equity, err := p.ledger.Var(ctx, VarRealizedPnl)
	if err != nil {
		return ledger.Transition{Kind: ledger.TransitionPending}, err
	}
	tr, err := p.ledger.UpdatePosition(ctx, order, equity)
	if err != nil {
		return tr, err
	}
	switch tr.Kind {
	case ledger.TransitionOpened:
		if err := p.foldFlow(ctx, order); err != nil {
			return tr, err
		}
	case ledger.TransitionClosed:
		if err := p.foldFlow(ctx, order); err != nil {
			return tr, err
		}
		if err := p.ledger.PutVar(ctx, VarRealizedPnl, equity.Add(tr.Position.RealizedPnl)); err != nil {
			return tr, err
		}
	}
	return tr, nil
}

func (p *Portfolio) foldFlow(ctx context.Context, order *schema.OrderDetail) error {
	flow := order.RealizedQuoteValue()
	if order.Side == schema.SideBuy {
		flow = flow.Neg()
	}
	held, err := p.ledger.Var(ctx, VarRealizedValue)
	if err != nil {
		return err
	}
	return p.ledger.PutVar(ctx, VarRealizedValue, held.Add(flow))
}

// UnlockPosition releases a pair pinned by a signal whose staging failed.
func (p *Portfolio) UnlockPosition(ctx context.Context, exchange schema.Exchange, pair schema.Pair) error {
	return p.ledger.Unlock(ctx, exchange, pair)
}

// UpdateLock repins a pair to the order id staging actually produced.
func (p *Portfolio) UpdateLock(ctx context.Context, exchange schema.Exchange, pair schema.Pair, orderID string) error {
	return p.ledger.UpdateLock(ctx, exchange, pair, orderID)
}

// Locks returns the in-flight staging pins, oldest first.
func (p *Portfolio) Locks() []ledger.Lock { return p.ledger.Locks() }

// IsLocked reports whether the pair has an order in flight.
func (p *Portfolio) IsLocked(exchange schema.Exchange, pair schema.Pair) bool {
	return p.ledger.Locked(exchange, pair)
}

// OpenPositions returns copies of the open book.
func (p *Portfolio) OpenPositions() []*schema.Position { return p.ledger.OpenPositions() }

// HasFailedPosition reports a poisoned book needing operator attention.
func (p *Portfolio) HasFailedPosition() bool { return p.ledger.HasFailedPosition() }

// Position returns the open position for the key, typed not-found when the
// book holds nothing there.
func (p *Portfolio) Position(exchange schema.Exchange, pair schema.Pair, kind schema.PositionKind) (*schema.Position, error) {
	pos, ok := p.ledger.FindOpen(exchange, pair, kind)
	if !ok {
		return nil, errs.New("portfolio.position", errs.CodeNoPositionFound,
			errs.WithMessage("no open "+string(kind)+" position"),
			errs.WithVenue(exchange.String()), errs.WithPair(pair.String()))
	}
	return pos, nil
}

// PositionsHistory scans the full position history.
func (p *Portfolio) PositionsHistory(ctx context.Context) ([]*schema.Position, error) {
	return p.ledger.History(ctx)
}

// TradeSummaries flattens the position history into per-leg trade records.
func (p *Portfolio) TradeSummaries(ctx context.Context) ([]schema.PositionSummary, error) {
	history, err := p.ledger.History(ctx)
	if err != nil {
		return nil, err
	}
	return ledger.TradesHistory(history), nil
}

// ApplyMarketEvent revalues open positions against a fresh observation.
func (p *Portfolio) ApplyMarketEvent(ev schema.MarketEvent) { p.ledger.MarkToMarket(ev) }

// ApplyBalance folds a venue balance report into the balance book.
func (p *Portfolio) ApplyBalance(upd schema.BalanceUpdate) { p.balances.Apply(upd) }

// Wallet projects current holdings for one account family.
func (p *Portfolio) Wallet(account schema.AccountType) []schema.BalanceUpdate {
	return p.balances.Wallet(account)
}

// Balance returns one asset's balance on one venue.
func (p *Portfolio) Balance(exchange schema.Exchange, account schema.AccountType, asset string) (schema.BalanceUpdate, bool) {
	return p.balances.Balance(exchange, account, asset)
}

// RealizedPnl reads the cumulative profit over closed positions.
func (p *Portfolio) RealizedPnl(ctx context.Context) (decimal.Decimal, error) {
	return p.ledger.Var(ctx, VarRealizedPnl)
}

// RealizedValue reads the running signed quote cash flow.
func (p *Portfolio) RealizedValue(ctx context.Context) (decimal.Decimal, error) {
	return p.ledger.Var(ctx, VarRealizedValue)
}
