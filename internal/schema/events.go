package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel is one order book level.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// TradeTick is a single public trade.
type TradeTick struct {
	TradeID   string          `json:"trade_id"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Qty       decimal.Decimal `json:"qty"`
	Timestamp time.Time       `json:"timestamp"`
}

// BookSnapshot is a full order book state. Venues streaming deltas must
// assemble the complete book before emitting.
type BookSnapshot struct {
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	LastUpdate time.Time    `json:"last_update"`
}

// BestBid returns the top bid, or zero when the book side is empty.
func (b BookSnapshot) BestBid() decimal.Decimal {
	if len(b.Bids) == 0 {
		return decimal.Zero
	}
	return b.Bids[0].Price
}

// BestAsk returns the top ask, or zero when the book side is empty.
func (b BookSnapshot) BestAsk() decimal.Decimal {
	if len(b.Asks) == 0 {
		return decimal.Zero
	}
	return b.Asks[0].Price
}

// Mid returns the book midpoint, falling back to whichever side exists.
func (b BookSnapshot) Mid() decimal.Decimal {
	bid, ask := b.BestBid(), b.BestAsk()
	switch {
	case bid.IsPositive() && ask.IsPositive():
		return bid.Add(ask).Div(decimal.NewFromInt(2))
	case bid.IsPositive():
		return bid
	default:
		return ask
	}
}

// Candle is one aggregated OHLCV bar.
type Candle struct {
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	OpenTime  time.Time       `json:"open_time"`
	CloseTime time.Time       `json:"close_time"`
}

// MarketEvent is one market data observation on a channel. Exactly one of
// Trade, Book, or Candle is set, matching the channel kind.
type MarketEvent struct {
	Channel Channel       `json:"channel"`
	Trade   *TradeTick    `json:"trade,omitempty"`
	Book    *BookSnapshot `json:"book,omitempty"`
	Candle  *Candle       `json:"candle,omitempty"`
	At      time.Time     `json:"at"`
}

// Price extracts the representative price of the event: last trade price,
// book midpoint, or candle close.
func (e MarketEvent) Price() decimal.Decimal {
	switch {
	case e.Trade != nil:
		return e.Trade.Price
	case e.Book != nil:
		return e.Book.Mid()
	case e.Candle != nil:
		return e.Candle.Close
	default:
		return decimal.Zero
	}
}

// BalanceUpdate is a venue report of one asset balance.
type BalanceUpdate struct {
	Exchange  Exchange        `json:"exchange"`
	Account   AccountType     `json:"account"`
	Asset     string          `json:"asset"`
	Free      decimal.Decimal `json:"free"`
	Locked    decimal.Decimal `json:"locked"`
	Borrowed  decimal.Decimal `json:"borrowed"`
	Interest  decimal.Decimal `json:"interest"`
	Timestamp time.Time       `json:"timestamp"`
}

// AccountEvent is a private stream event: an execution report or a balance
// change. Exactly one payload is set.
type AccountEvent struct {
	Exchange Exchange       `json:"exchange"`
	Order    *OrderUpdate   `json:"order,omitempty"`
	Balance  *BalanceUpdate `json:"balance,omitempty"`
	At       time.Time      `json:"at"`
}
