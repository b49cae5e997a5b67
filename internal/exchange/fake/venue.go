// Package fake provides a deterministic scripted venue for tests and
// backtests. Each placement consumes the next queued script (or the
// default), and account or market activity can be pushed into the event
// streams by hand.
package fake

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

// Script decides how the venue treats one placed order.
type Script struct {
	// PlaceCode, when set, fails the placement with an error carrying this
	// code and PlaceDetail as the message.
	PlaceCode   errs.Code
	PlaceDetail string
	// AckStatus is the placement acknowledgement status. Empty means the
	// venue accepts the order as new.
	AckStatus schema.RemoteStatus
	// FillOnPlace makes the acknowledgement itself report a complete fill.
	FillOnPlace bool
	// FinalStatus, when set, is what GetOrder reports once the order has
	// been queried more than FinalAfter times. Earlier queries see the
	// acknowledgement status.
	FinalStatus schema.RemoteStatus
	FinalAfter  int
}

type placedOrder struct {
	req     schema.OrderRequest
	script  Script
	ack     schema.OrderSubmission
	queries int
}

// Venue is a scripted exchange.Api implementation.
type Venue struct {
	name schema.Exchange
	now  func() time.Time

	mu            sync.Mutex
	queue         []Script
	fallback      Script
	orders        map[string]*placedOrder
	placed        []schema.OrderRequest
	cancelled     []string
	rates         map[string]schema.InterestRate
	channels      []schema.Channel
	seq           int
	getOrderCalls int
	rateCalls     int

	accountCh chan schema.AccountEvent
	marketCh  chan schema.MarketEvent
	closeOnce sync.Once
}

var _ exchange.Api = (*Venue)(nil)

// NewVenue builds a scripted venue trading as the given exchange.
func NewVenue(name schema.Exchange) *Venue {
	return &Venue{
		name:          name,
		now:           time.Now,
		mu:            sync.Mutex{},
		queue:         nil,
		fallback:      Script{},
		orders:        make(map[string]*placedOrder),
		placed:        nil,
		cancelled:     nil,
		rates:         make(map[string]schema.InterestRate),
		channels:      nil,
		seq:           0,
		getOrderCalls: 0,
		rateCalls:     0,
		accountCh:     make(chan schema.AccountEvent, 256),
		marketCh:      make(chan schema.MarketEvent, 256),
		closeOnce:     sync.Once{},
	}
}

// WithClock overrides the acknowledgement clock.
func (v *Venue) WithClock(now func() time.Time) *Venue {
	if now != nil {
		v.now = now
	}
	return v
}

// ScriptNext queues the behaviour for the next placement. Queued scripts
// are consumed in order; placements beyond the queue use the default.
func (v *Venue) ScriptNext(s Script) {
	v.mu.Lock()
	v.queue = append(v.queue, s)
	v.mu.Unlock()
}

// SetDefault replaces the default script.
func (v *Venue) SetDefault(s Script) {
	v.mu.Lock()
	v.fallback = s
	v.mu.Unlock()
}

// SetInterestRate registers the borrow rate quoted for an asset.
func (v *Venue) SetInterestRate(rate schema.InterestRate) {
	v.mu.Lock()
	v.rates[rate.Asset] = rate
	v.mu.Unlock()
}

// EmitAccount pushes a synthetic private-stream event.
func (v *Venue) EmitAccount(ev schema.AccountEvent) {
	v.accountCh <- ev
}

// EmitMarket pushes a synthetic market data event.
func (v *Venue) EmitMarket(ev schema.MarketEvent) {
	v.marketCh <- ev
}

// Placed returns a copy of every accepted placement in order.
func (v *Venue) Placed() []schema.OrderRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]schema.OrderRequest(nil), v.placed...)
}

// Cancelled returns the ids cancellation was requested for.
func (v *Venue) Cancelled() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.cancelled...)
}

// GetOrderCalls reports how many order queries the venue has served.
func (v *Venue) GetOrderCalls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.getOrderCalls
}

// RateCalls reports how many interest rate quotes the venue has served.
func (v *Venue) RateCalls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rateCalls
}

// Name implements exchange.Api.
func (v *Venue) Name() schema.Exchange { return v.name }

// Start implements exchange.Api. The scripted venue has no transport.
func (v *Venue) Start(context.Context) error { return nil }

// Stop implements exchange.Api and closes the event streams.
func (v *Venue) Stop(context.Context) error {
	v.closeOnce.Do(func() {
		close(v.accountCh)
		close(v.marketCh)
	})
	return nil
}

// Subscribe implements exchange.Api and records the requested channels.
func (v *Venue) Subscribe(_ context.Context, channels []schema.Channel) error {
	v.mu.Lock()
	v.channels = append(v.channels, channels...)
	v.mu.Unlock()
	return nil
}

// PlaceOrder implements exchange.Api following the next script.
func (v *Venue) PlaceOrder(_ context.Context, req schema.OrderRequest) (schema.OrderSubmission, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	script := v.fallback
	if len(v.queue) > 0 {
		script = v.queue[0]
		v.queue = v.queue[1:]
	}
	if script.PlaceCode != "" {
		detail := script.PlaceDetail
		if detail == "" {
			detail = "placement refused by script"
		}
		return schema.OrderSubmission{}, errs.New("fake.place", script.PlaceCode,
			errs.WithMessage(detail), errs.WithOrder(req.OrderID), errs.WithVenue(v.name.String()))
	}

	v.seq++
	ack := v.ackFor(req, script)
	v.orders[req.OrderID] = &placedOrder{req: req, script: script, ack: ack, queries: 0}
	v.placed = append(v.placed, req)
	return ack, nil
}

func (v *Venue) ackFor(req schema.OrderRequest, script Script) schema.OrderSubmission {
	status := script.AckStatus
	if status == "" {
		status = schema.RemoteNew
	}
	sub := schema.OrderSubmission{
		RemoteID:           fmt.Sprintf("%s-%d", v.name, v.seq),
		ClientID:           req.OrderID,
		Pair:               req.Pair,
		Price:              req.Price,
		Quantity:           req.Quantity,
		ExecutedQty:        decimal.Zero,
		CumulativeQuoteQty: decimal.Zero,
		Status:             status,
		Enforcement:        req.Enforcement,
		Type:               req.Type,
		Side:               req.Side,
		AssetType:          req.AssetType,
		Fills:              nil,
		BorrowedAmount:     decimal.Zero,
		BorrowedAsset:      "",
		Timestamp:          v.now(),
	}
	if script.FillOnPlace || status == schema.RemoteFilled {
		fillOut(&sub, req, v.now())
	}
	return sub
}

func fillOut(sub *schema.OrderSubmission, req schema.OrderRequest, at time.Time) {
	sub.Status = schema.RemoteFilled
	sub.ExecutedQty = req.Quantity
	sub.CumulativeQuoteQty = req.Price.Mul(req.Quantity)
	sub.Fills = []schema.Fill{{
		Price:    req.Price,
		Qty:      req.Quantity,
		Fee:      decimal.Zero,
		FeeAsset: "",
		At:       at,
	}}
}

// CancelOrder implements exchange.Api. The next query reports the order
// cancelled.
func (v *Venue) CancelOrder(_ context.Context, orderID string, _ schema.Pair) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	state, ok := v.orders[orderID]
	if !ok {
		return errs.New("fake.cancel", errs.CodeExchange,
			errs.WithMessage("order not found on venue"), errs.WithOrder(orderID), errs.WithVenue(v.name.String()))
	}
	state.script.FinalStatus = schema.RemoteCanceled
	state.script.FinalAfter = state.queries
	v.cancelled = append(v.cancelled, orderID)
	return nil
}

// GetOrder implements exchange.Api, replaying the script's progression.
func (v *Venue) GetOrder(_ context.Context, orderID string, _ schema.Pair, _ schema.AssetType) (schema.OrderSubmission, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.getOrderCalls++
	state, ok := v.orders[orderID]
	if !ok {
		return schema.OrderSubmission{}, errs.New("fake.get-order", errs.CodeExchange,
			errs.WithMessage("order not found on venue"), errs.WithOrder(orderID), errs.WithVenue(v.name.String()))
	}
	state.queries++
	sub := state.ack
	if state.script.FinalStatus != "" && state.queries > state.script.FinalAfter {
		sub.Status = state.script.FinalStatus
		if sub.Status == schema.RemoteFilled {
			fillOut(&sub, state.req, v.now())
		}
	}
	return sub, nil
}

// InterestRate implements exchange.Api from the registered rates.
func (v *Venue) InterestRate(_ context.Context, asset string) (schema.InterestRate, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rateCalls++
	rate, ok := v.rates[asset]
	if !ok {
		return schema.InterestRate{}, errs.New("fake.interest-rate", errs.CodeExchange,
			errs.WithMessage("no rate registered for "+asset), errs.WithVenue(v.name.String()))
	}
	return rate, nil
}

// AccountEvents implements exchange.Api.
func (v *Venue) AccountEvents() <-chan schema.AccountEvent { return v.accountCh }

// MarketEvents implements exchange.Api.
func (v *Venue) MarketEvents() <-chan schema.MarketEvent { return v.marketCh }
