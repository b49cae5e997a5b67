package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeSignal is a strategy's intent to open or close a position. Signals
// carry no order identity; that is minted when the portfolio converts the
// signal into an operation.
type TradeSignal struct {
	EmitterID  string           `json:"emitter_id"`
	Exchange   Exchange         `json:"exchange"`
	Pair       Pair             `json:"pair"`
	Operation  OperationKind    `json:"operation"`
	Kind       PositionKind     `json:"kind"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Price      decimal.Decimal  `json:"price"`
	Mode       OrderType        `json:"mode"`
	AssetType  AssetType        `json:"asset_type"`
	SideEffect MarginSideEffect `json:"side_effect,omitempty"`
	At         time.Time        `json:"at"`
}

// Side is the venue side implied by the operation: opening trades in the
// position's direction, closing trades against it.
func (s TradeSignal) Side() Side {
	if s.Operation == OperationClose {
		return s.Kind.ClosingSide()
	}
	return s.Kind.OpeningSide()
}

// IsOpen reports an open intent.
func (s TradeSignal) IsOpen() bool { return s.Operation == OperationOpen }

// IsClose reports a close intent.
func (s TradeSignal) IsClose() bool { return s.Operation == OperationClose }

// TradeOperation is a risk-cleared signal bound to a fresh order id and
// ready for staging.
type TradeOperation struct {
	OrderID    string           `json:"order_id"`
	EmitterID  string           `json:"emitter_id"`
	Exchange   Exchange         `json:"exchange"`
	Pair       Pair             `json:"pair"`
	Side       Side             `json:"side"`
	Operation  OperationKind    `json:"operation"`
	Kind       PositionKind     `json:"kind"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Price      decimal.Decimal  `json:"price"`
	Mode       OrderType        `json:"mode"`
	AssetType  AssetType        `json:"asset_type"`
	SideEffect MarginSideEffect `json:"side_effect,omitempty"`
	DryRun     bool             `json:"dry_run,omitempty"`
}

// Request builds the venue order request. Limit operations demand an
// all-or-nothing fill so partially closed positions cannot linger.
func (op TradeOperation) Request() OrderRequest {
	req := OrderRequest{
		OrderID:    op.OrderID,
		EmitterID:  op.EmitterID,
		Exchange:   op.Exchange,
		Pair:       op.Pair,
		Side:       op.Side,
		Quantity:   op.Quantity,
		Price:      op.Price,
		AssetType:  op.AssetType,
		SideEffect: op.SideEffect,
		DryRun:     op.DryRun,
	}
	switch op.Mode {
	case OrderTypeMarket:
		req.Type = OrderTypeMarket
	default:
		req.Type = OrderTypeLimit
		req.Enforcement = EnforcementFOK
	}
	return req
}
