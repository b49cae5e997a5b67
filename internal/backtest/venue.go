package backtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tally/errs"
	"github.com/coachpo/tally/internal/exchange"
	"github.com/coachpo/tally/internal/schema"
)

var bpsDenominator = decimal.NewFromInt(10_000)

// SimVenue is the replay venue: every placement fills in full against the
// pair's current mark, shifted by slippage and charged the proportional
// fee. Marks come from the runner as it replays events, so an order placed
// before any data for its pair is refused. Fills never rest: the naive
// model assumes the candle that produced the signal also trades the order.
type SimVenue struct {
	name schema.Exchange
	now  func() time.Time
	fee  decimal.Decimal
	slip decimal.Decimal

	mu     sync.Mutex
	marks  map[schema.Pair]decimal.Decimal
	orders map[string]schema.OrderSubmission
	rates  map[string]schema.InterestRate
	fees   decimal.Decimal
	fills  int
	seq    int

	accountCh chan schema.AccountEvent
	marketCh  chan schema.MarketEvent
	closeOnce sync.Once
}

var _ exchange.Api = (*SimVenue)(nil)

// SimConfig tunes the replay venue.
type SimConfig struct {
	// Exchange the venue trades as. Defaults to the sim venue.
	Exchange schema.Exchange
	// Clock stamps acknowledgements, normally the virtual clock.
	Clock func() time.Time
	// FeeRate is the proportional fee on fill notional, e.g. 0.001.
	FeeRate decimal.Decimal
	// SlippageBps shifts every fill against the taker, in basis points.
	SlippageBps decimal.Decimal
}

// NewSimVenue builds the replay venue.
func NewSimVenue(cfg SimConfig) *SimVenue {
	if cfg.Exchange == "" {
		cfg.Exchange = schema.ExchangeSim
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &SimVenue{
		name:      cfg.Exchange,
		now:       cfg.Clock,
		fee:       cfg.FeeRate,
		slip:      cfg.SlippageBps,
		marks:     make(map[schema.Pair]decimal.Decimal),
		orders:    make(map[string]schema.OrderSubmission),
		rates:     make(map[string]schema.InterestRate),
		fees:      decimal.Zero,
		accountCh: make(chan schema.AccountEvent),
		marketCh:  make(chan schema.MarketEvent),
	}
}

// Mark updates the pair's mark from a replayed event. Events that carry no
// usable price leave the mark untouched.
func (v *SimVenue) Mark(ev schema.MarketEvent) {
	price := ev.Price()
	if !price.IsPositive() {
		return
	}
	v.mu.Lock()
	v.marks[ev.Channel.Pair] = price
	v.mu.Unlock()
}

// FeesPaid reports the fees charged over the run so far.
func (v *SimVenue) FeesPaid() decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fees
}

// Fills reports how many placements have executed.
func (v *SimVenue) Fills() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fills
}

// SetInterestRate registers the borrow rate quoted for an asset.
func (v *SimVenue) SetInterestRate(rate schema.InterestRate) {
	v.mu.Lock()
	v.rates[rate.Asset] = rate
	v.mu.Unlock()
}

// Name implements exchange.Api.
func (v *SimVenue) Name() schema.Exchange { return v.name }

// Start implements exchange.Api. The replay venue has no transport.
func (v *SimVenue) Start(context.Context) error { return nil }

// Stop implements exchange.Api and closes the event streams.
func (v *SimVenue) Stop(context.Context) error {
	v.closeOnce.Do(func() {
		close(v.accountCh)
		close(v.marketCh)
	})
	return nil
}

// Subscribe implements exchange.Api. Replay data comes from the feeder, so
// subscriptions are accepted and ignored.
func (v *SimVenue) Subscribe(context.Context, []schema.Channel) error { return nil }

// PlaceOrder implements exchange.Api: full fill at the slipped mark.
func (v *SimVenue) PlaceOrder(_ context.Context, req schema.OrderRequest) (schema.OrderSubmission, error) {
	if !req.Quantity.IsPositive() {
		return schema.OrderSubmission{}, errs.New("backtest.place", errs.CodeBadRequest,
			errs.WithMessage("quantity "+req.Quantity.String()), errs.WithOrder(req.OrderID), errs.WithVenue(v.name.String()))
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	mark, ok := v.marks[req.Pair]
	if !ok {
		return schema.OrderSubmission{}, errs.New("backtest.place", errs.CodeBadRequest,
			errs.WithMessage("no mark for "+req.Pair.String()+" yet"),
			errs.WithOrder(req.OrderID), errs.WithVenue(v.name.String()))
	}

	fillPrice := v.fillPrice(req, mark)
	if !fillPrice.IsPositive() {
		return schema.OrderSubmission{}, errs.New("backtest.place", errs.CodeInvalidPrice,
			errs.WithMessage("fill price "+fillPrice.String()),
			errs.WithOrder(req.OrderID), errs.WithVenue(v.name.String()))
	}
	fee := fillPrice.Mul(req.Quantity).Mul(v.fee)

	v.seq++
	v.fills++
	v.fees = v.fees.Add(fee)
	at := v.now()
	sub := schema.OrderSubmission{
		RemoteID:           fmt.Sprintf("%s-%d", v.name, v.seq),
		ClientID:           req.OrderID,
		Pair:               req.Pair,
		Price:              req.Price,
		Quantity:           req.Quantity,
		ExecutedQty:        req.Quantity,
		CumulativeQuoteQty: fillPrice.Mul(req.Quantity),
		Status:             schema.RemoteFilled,
		Enforcement:        req.Enforcement,
		Type:               req.Type,
		Side:               req.Side,
		AssetType:          req.AssetType,
		Fills: []schema.Fill{{
			Price:    fillPrice,
			Qty:      req.Quantity,
			Fee:      fee,
			FeeAsset: req.Pair.Quote(),
			At:       at,
		}},
		BorrowedAmount: decimal.Zero,
		BorrowedAsset:  "",
		Timestamp:      at,
	}
	v.orders[req.OrderID] = sub
	return sub, nil
}

// fillPrice prices the execution. Market orders trade the slipped mark. A
// marketable limit pays slippage up to its own price, never beyond it; a
// resting limit is assumed touched and fills exactly at its price.
func (v *SimVenue) fillPrice(req schema.OrderRequest, mark decimal.Decimal) decimal.Decimal {
	slip := mark.Mul(v.slip).Div(bpsDenominator)
	if req.Side == schema.SideSell {
		slipped := mark.Sub(slip)
		if req.Type == schema.OrderTypeLimit && req.Price.IsPositive() {
			if req.Price.GreaterThan(mark) {
				return req.Price
			}
			return decimal.Max(slipped, req.Price)
		}
		return slipped
	}
	slipped := mark.Add(slip)
	if req.Type == schema.OrderTypeLimit && req.Price.IsPositive() {
		if req.Price.LessThan(mark) {
			return req.Price
		}
		return decimal.Min(slipped, req.Price)
	}
	return slipped
}

// CancelOrder implements exchange.Api. Nothing rests on the replay venue.
func (v *SimVenue) CancelOrder(_ context.Context, orderID string, _ schema.Pair) error {
	return errs.New("backtest.cancel", errs.CodeExchange,
		errs.WithMessage("order already filled"), errs.WithOrder(orderID), errs.WithVenue(v.name.String()))
}

// GetOrder implements exchange.Api from the recorded acknowledgements.
func (v *SimVenue) GetOrder(_ context.Context, orderID string, _ schema.Pair, _ schema.AssetType) (schema.OrderSubmission, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	sub, ok := v.orders[orderID]
	if !ok {
		return schema.OrderSubmission{}, errs.New("backtest.get-order", errs.CodeExchange,
			errs.WithMessage("order not found on venue"), errs.WithOrder(orderID), errs.WithVenue(v.name.String()))
	}
	return sub, nil
}

// InterestRate implements exchange.Api from the registered rates.
func (v *SimVenue) InterestRate(_ context.Context, asset string) (schema.InterestRate, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	rate, ok := v.rates[asset]
	if !ok {
		return schema.InterestRate{}, errs.New("backtest.interest-rate", errs.CodeExchange,
			errs.WithMessage("no rate registered for "+asset), errs.WithVenue(v.name.String()))
	}
	return rate, nil
}

// AccountEvents implements exchange.Api. Fills surface through placement
// acknowledgements, not the stream.
func (v *SimVenue) AccountEvents() <-chan schema.AccountEvent { return v.accountCh }

// MarketEvents implements exchange.Api. Replay data comes from the feeder.
func (v *SimVenue) MarketEvents() <-chan schema.MarketEvent { return v.marketCh }
