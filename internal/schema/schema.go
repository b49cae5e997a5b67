// Package schema defines the canonical domain types shared across tally:
// venues, pairs, orders, transactions, positions, signals, and event envelopes.
package schema

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tally/errs"
)

// Exchange identifies a trading venue. The set is closed; dispatch over
// exchanges is by value, not by registry lookup.
type Exchange string

const (
	// ExchangeBinance is the Binance spot/margin venue.
	ExchangeBinance Exchange = "binance"
	// ExchangeKraken is the Kraken venue.
	ExchangeKraken Exchange = "kraken"
	// ExchangeSim is the simulated venue used by tests and backtests.
	ExchangeSim Exchange = "sim"
)

// ParseExchange maps a wire string onto a known venue.
func ParseExchange(s string) (Exchange, error) {
	switch Exchange(strings.ToLower(strings.TrimSpace(s))) {
	case ExchangeBinance:
		return ExchangeBinance, nil
	case ExchangeKraken:
		return ExchangeKraken, nil
	case ExchangeSim:
		return ExchangeSim, nil
	default:
		return "", errs.New("schema.parse-exchange", errs.CodeExchangeNotLoaded, errs.WithMessage("unknown exchange "+s))
	}
}

func (e Exchange) String() string { return string(e) }

// Pair is a trading pair in BASE_QUOTE form, e.g. "BTC_USDT".
type Pair string

// NewPair builds a canonical pair from its legs.
func NewPair(base, quote string) Pair {
	return Pair(strings.ToUpper(strings.TrimSpace(base)) + "_" + strings.ToUpper(strings.TrimSpace(quote)))
}

// Base returns the base asset leg.
func (p Pair) Base() string {
	if base, _, ok := strings.Cut(string(p), "_"); ok {
		return base
	}
	return string(p)
}

// Quote returns the quote asset leg.
func (p Pair) Quote() string {
	if _, quote, ok := strings.Cut(string(p), "_"); ok {
		return quote
	}
	return ""
}

// Validate ensures the pair is in BASE_QUOTE form with non-empty legs.
func (p Pair) Validate() error {
	base, quote, ok := strings.Cut(string(p), "_")
	if !ok || base == "" || quote == "" {
		return errs.New("schema.pair", errs.CodeConfig, errs.WithMessage("pair must be BASE_QUOTE"), errs.WithPair(string(p)))
	}
	return nil
}

func (p Pair) String() string { return string(p) }

// Side is the direction of an order.
type Side string

const (
	// SideBuy buys the base asset.
	SideBuy Side = "buy"
	// SideSell sells the base asset.
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType distinguishes limit and market orders.
type OrderType string

const (
	// OrderTypeLimit places at a fixed price.
	OrderTypeLimit OrderType = "limit"
	// OrderTypeMarket fills at the best available price.
	OrderTypeMarket OrderType = "market"
)

// Enforcement is the time-in-force instruction attached to an order.
type Enforcement string

const (
	// EnforcementGTC keeps the order open until cancelled.
	EnforcementGTC Enforcement = "GTC"
	// EnforcementIOC fills what it can immediately, cancels the rest.
	EnforcementIOC Enforcement = "IOC"
	// EnforcementFOK fills completely or not at all.
	EnforcementFOK Enforcement = "FOK"
)

// AssetType selects the account an order trades against.
type AssetType string

const (
	// AssetSpot trades the spot account.
	AssetSpot AssetType = "spot"
	// AssetMargin trades the cross-margin account.
	AssetMargin AssetType = "margin"
	// AssetIsolatedMargin trades an isolated-margin account.
	AssetIsolatedMargin AssetType = "isolated_margin"
	// AssetFutures trades the futures account.
	AssetFutures AssetType = "futures"
)

// IsMargin reports whether the asset type accrues borrow interest.
func (a AssetType) IsMargin() bool {
	return a == AssetMargin || a == AssetIsolatedMargin
}

// MarginSideEffect is the venue-side borrow/repay behaviour attached to a
// margin order.
type MarginSideEffect string

const (
	// SideEffectNone places a plain margin order.
	SideEffectNone MarginSideEffect = "no_side_effect"
	// SideEffectAutoBorrow borrows the missing amount before placing.
	SideEffectAutoBorrow MarginSideEffect = "auto_borrow"
	// SideEffectAutoRepay repays outstanding loans with the proceeds.
	SideEffectAutoRepay MarginSideEffect = "auto_repay"
)

// AccountType partitions balances by account family.
type AccountType string

const (
	// AccountSpot is the spot wallet.
	AccountSpot AccountType = "spot"
	// AccountMargin is the margin wallet.
	AccountMargin AccountType = "margin"
)

// PositionKind is the direction of a position.
type PositionKind string

const (
	// PositionLong profits when price rises.
	PositionLong PositionKind = "long"
	// PositionShort profits when price falls.
	PositionShort PositionKind = "short"
)

// KindForSide returns the position kind an opening order of the given side
// creates: buys open longs, sells open shorts.
func KindForSide(s Side) PositionKind {
	if s == SideSell {
		return PositionShort
	}
	return PositionLong
}

// OpeningSide returns the order side that opens a position of this kind.
func (k PositionKind) OpeningSide() Side {
	if k == PositionShort {
		return SideSell
	}
	return SideBuy
}

// ClosingSide returns the order side that closes a position of this kind.
func (k PositionKind) ClosingSide() Side {
	if k == PositionShort {
		return SideBuy
	}
	return SideSell
}

// OperationKind distinguishes opening from closing signals.
type OperationKind string

const (
	// OperationOpen enters a position.
	OperationOpen OperationKind = "open"
	// OperationClose exits a position.
	OperationClose OperationKind = "close"
)

// ChannelKind enumerates market data channels.
type ChannelKind string

const (
	// ChannelTrades streams individual trades.
	ChannelTrades ChannelKind = "trades"
	// ChannelOrderbooks streams book snapshots.
	ChannelOrderbooks ChannelKind = "orderbooks"
	// ChannelCandles streams candle ticks.
	ChannelCandles ChannelKind = "candles"
)

// Channel is a strategy subscription: one data kind on one pair and venue.
type Channel struct {
	Kind     ChannelKind `json:"kind"`
	Exchange Exchange    `json:"exchange"`
	Pair     Pair        `json:"pair"`
}

// InterestPeriod is the quote period of a margin interest rate.
type InterestPeriod string

const (
	// PeriodHourly quotes per hour.
	PeriodHourly InterestPeriod = "hourly"
	// PeriodDaily quotes per day.
	PeriodDaily InterestPeriod = "daily"
	// PeriodYearly quotes per year.
	PeriodYearly InterestPeriod = "yearly"
)

// InterestRate is a venue-quoted borrow rate for one asset.
type InterestRate struct {
	Asset  string          `json:"asset"`
	Rate   decimal.Decimal `json:"rate"`
	Period InterestPeriod  `json:"period"`
}

// Accrue computes the interest owed on amount over the given whole hours.
func (r InterestRate) Accrue(amount decimal.Decimal, hours int64) decimal.Decimal {
	divider := int64(1)
	switch r.Period {
	case PeriodDaily:
		divider = 24
	case PeriodYearly:
		divider = 365 * 24
	case PeriodHourly:
		divider = 1
	}
	hourly := r.Rate.Div(decimal.NewFromInt(divider))
	return amount.Mul(hourly).Mul(decimal.NewFromInt(hours))
}
