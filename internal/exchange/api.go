// Package exchange defines the venue capability tally trades through. The
// set of venues is closed: dispatch is by schema.Exchange value against a
// Manager, never through a global registry.
package exchange

import (
	"context"

	"github.com/coachpo/tally/internal/schema"
)

// Api is one venue connection. Implementations own their transport and
// surface private account activity and market data as bounded channels that
// close when the connection stops.
type Api interface {
	// Name identifies the venue this connection trades on.
	Name() schema.Exchange
	// Start brings up transports and begins streaming events.
	Start(ctx context.Context) error
	// Stop tears down transports and closes the event channels.
	Stop(ctx context.Context) error
	// Subscribe adds market data channels to the stream. Subscriptions
	// survive transport reconnects.
	Subscribe(ctx context.Context, channels []schema.Channel) error
	// PlaceOrder submits an order and returns the venue acknowledgement.
	// The returned error carries errs.CodeInvalidPrice when the venue
	// refused the price and errs.CodeBadRequest for other parameter
	// rejections.
	PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderSubmission, error)
	// CancelOrder asks the venue to cancel a resting order by client id.
	CancelOrder(ctx context.Context, orderID string, pair schema.Pair) error
	// GetOrder fetches the venue's current view of an order by client id.
	GetOrder(ctx context.Context, orderID string, pair schema.Pair, asset schema.AssetType) (schema.OrderSubmission, error)
	// InterestRate quotes the current borrow rate for one margin asset.
	InterestRate(ctx context.Context, asset string) (schema.InterestRate, error)
	// AccountEvents streams execution reports and balance updates.
	AccountEvents() <-chan schema.AccountEvent
	// MarketEvents streams subscribed market data.
	MarketEvents() <-chan schema.MarketEvent
}

// Directory resolves the Api serving one venue. The order manager and the
// interest provider depend on this narrow view rather than the full Manager.
type Directory interface {
	Api(exchange schema.Exchange) (Api, error)
}
