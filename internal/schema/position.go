package schema

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EquityPoint is the portfolio equity at a point in time.
type EquityPoint struct {
	Equity    decimal.Decimal `json:"equity"`
	Timestamp time.Time       `json:"timestamp"`
}

// Accumulate folds a position's profit into the running equity: unrealized
// while the position is open, realized once it has exited.
func (e *EquityPoint) Accumulate(pos *Position) {
	if pos.Meta.CloseAt == nil {
		e.Equity = e.Equity.Add(pos.UnrealizedPnl)
		e.Timestamp = pos.Meta.LastUpdate
		return
	}
	e.Equity = e.Equity.Add(pos.RealizedPnl)
	e.Timestamp = *pos.Meta.CloseAt
}

// PositionMeta carries the timestamps and exit equity bracketing a
// position's life.
type PositionMeta struct {
	OpenAt     time.Time    `json:"open_at"`
	LastUpdate time.Time    `json:"last_update"`
	CloseAt    *time.Time   `json:"close_at,omitempty"`
	ExitEquity *EquityPoint `json:"exit_equity,omitempty"`
}

// Position is a directional exposure in one pair on one venue, bounded by
// an open order and, once exited, a close order.
type Position struct {
	ID             string          `json:"id"`
	Meta           PositionMeta    `json:"meta"`
	Exchange       Exchange        `json:"exchange"`
	Pair           Pair            `json:"pair"`
	Kind           PositionKind    `json:"kind"`
	Quantity       decimal.Decimal `json:"quantity"`
	OpenOrder      *OrderDetail    `json:"open_order,omitempty"`
	CloseOrder     *OrderDetail    `json:"close_order,omitempty"`
	CurrentPrice   decimal.Decimal `json:"current_price"`
	UnrealizedPnl  decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnl    decimal.Decimal `json:"realized_pnl"`
	Interests      decimal.Decimal `json:"interests"`
	BorrowedAmount decimal.Decimal `json:"borrowed_amount,omitempty"`
}

// OpenPosition enters a position from a filled order. The direction follows
// the order side: buys open longs, sells open shorts.
func OpenPosition(order *OrderDetail, at time.Time) *Position {
	o := order.Clone()
	return &Position{
		ID: uuid.NewString(),
		Meta: PositionMeta{
			OpenAt:     at,
			LastUpdate: at,
		},
		Exchange:       order.Exchange,
		Pair:           order.Pair,
		Kind:           KindForSide(order.Side),
		Quantity:       order.FilledQty,
		OpenOrder:      &o,
		BorrowedAmount: order.BorrowedAmount,
	}
}

// Close exits the position with the given order, stamping the exit equity
// and realizing profit. The order need not be filled; an unfilled close
// records the attempt without marking the position closed.
func (p *Position) Close(equity decimal.Decimal, order *OrderDetail, at time.Time) {
	o := order.Clone()
	p.CloseOrder = &o
	p.Meta.CloseAt = &at
	p.Meta.LastUpdate = at
	p.Meta.ExitEquity = &EquityPoint{Equity: equity, Timestamp: at}
	p.CurrentPrice = order.WeightedPrice
	p.RealizedPnl = p.resultProfitLoss()
	p.UnrealizedPnl = p.RealizedPnl
}

// UpdateMark revalues the position against a fresh market observation.
func (p *Position) UpdateMark(event MarketEvent) {
	p.CurrentPrice = event.Price()
	p.Meta.LastUpdate = event.At
	p.UnrealizedPnl = p.unrealizedProfitLoss()
}

// CurrentValueGross is the executed quantity marked at the current price.
func (p *Position) CurrentValueGross() decimal.Decimal {
	qty := decimal.Zero
	if p.OpenOrder != nil {
		qty = p.OpenOrder.FilledQty
	}
	return qty.Abs().Mul(p.CurrentPrice)
}

func (p *Position) openQuoteValue() decimal.Decimal {
	if p.OpenOrder == nil {
		return decimal.Zero
	}
	return p.OpenOrder.RealizedQuoteValue()
}

func (p *Position) closeQuoteValue() decimal.Decimal {
	if p.CloseOrder == nil {
		return decimal.Zero
	}
	return p.CloseOrder.RealizedQuoteValue()
}

// unrealizedProfitLoss approximates open profit from the mark price,
// ignoring exit fees and pending interest.
func (p *Position) unrealizedProfitLoss() decimal.Decimal {
	enter := p.openQuoteValue()
	if p.Kind == PositionShort {
		return enter.Sub(p.CurrentValueGross())
	}
	return p.CurrentValueGross().Sub(enter)
}

// resultProfitLoss is the exact realized profit once both legs executed.
func (p *Position) resultProfitLoss() decimal.Decimal {
	enter := p.openQuoteValue()
	exit := p.closeQuoteValue()
	if p.Kind == PositionShort {
		return enter.Sub(exit)
	}
	return exit.Sub(enter)
}

// Return is the realized profit relative to the entry value.
func (p *Position) Return() decimal.Decimal {
	enter := p.openQuoteValue()
	if enter.IsZero() {
		return decimal.Zero
	}
	return p.RealizedPnl.Div(enter)
}

// IsFailedOpen reports an entry order that terminated rejected. A failed
// open poisons the position until operator intervention.
func (p *Position) IsFailedOpen() bool {
	return p.OpenOrder != nil && p.OpenOrder.IsRejected()
}

// IsOpened reports a completed entry.
func (p *Position) IsOpened() bool {
	return p.OpenOrder != nil && p.OpenOrder.IsFilled()
}

// IsClosed reports a completed exit.
func (p *Position) IsClosed() bool {
	return p.CloseOrder != nil && p.CloseOrder.IsFilled()
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	out := *p
	if p.OpenOrder != nil {
		o := p.OpenOrder.Clone()
		out.OpenOrder = &o
	}
	if p.CloseOrder != nil {
		o := p.CloseOrder.Clone()
		out.CloseOrder = &o
	}
	if p.Meta.CloseAt != nil {
		t := *p.Meta.CloseAt
		out.Meta.CloseAt = &t
	}
	if p.Meta.ExitEquity != nil {
		ep := *p.Meta.ExitEquity
		out.Meta.ExitEquity = &ep
	}
	return &out
}

// OperationEvent tags a trade event with its position operation.
type OperationEvent struct {
	Op   OperationKind `json:"op"`
	Pos  PositionKind  `json:"pos"`
	At   time.Time     `json:"at"`
	Pair Pair          `json:"pair"`
}

// TradeEvent is one leg of a position's history: the executed trade with
// the portfolio value and financing costs observed at that point.
type TradeEvent struct {
	Side       Side             `json:"side"`
	Qty        decimal.Decimal  `json:"qty"`
	Pair       Pair             `json:"pair"`
	Price      decimal.Decimal  `json:"price"`
	StratValue decimal.Decimal  `json:"strat_value"`
	At         time.Time        `json:"at"`
	Borrowed   decimal.Decimal  `json:"borrowed,omitempty"`
	Interest   *decimal.Decimal `json:"interest,omitempty"`
}

// PositionSummary pairs an operation with its trade leg for reporting.
type PositionSummary struct {
	Op    OperationEvent `json:"op"`
	Trade TradeEvent     `json:"trade"`
}
