package orders

import (
	"github.com/coachpo/tally/errs"
	"github.com/coachpo/tally/internal/schema"
)

// Resolution tells the caller what became of a pending order and what to do
// about it. Values double as stable metric labels.
type Resolution string

const (
	// ResolutionNoChange indicates the order is still in flight; keep waiting.
	ResolutionNoChange Resolution = "no_change"
	// ResolutionFilled indicates the order completed; transition the position.
	ResolutionFilled Resolution = "filled"
	// ResolutionBadRequest indicates a terminal parameter refusal; drop the intent.
	ResolutionBadRequest Resolution = "bad_request"
	// ResolutionRetryable indicates a rejection worth a fresh order with a new id.
	ResolutionRetryable Resolution = "retryable"
	// ResolutionRejected indicates a terminal rejection.
	ResolutionRejected Resolution = "rejected"
	// ResolutionCancelled indicates a venue-side cancel that never produced a
	// rejection record.
	ResolutionCancelled Resolution = "cancelled"
)

func (r Resolution) String() string { return string(r) }

// Resolve classifies a stored order against the status the caller last saw.
// Branches are checked in precedence order; a stored status no branch knows
// is an unknown_order_state error, never a silent no-change.
func Resolve(stored *schema.OrderDetail, lastSeen schema.OrderStatus) (Resolution, error) {
	switch {
	case stored.SameStatus(lastSeen):
		return ResolutionNoChange, nil
	case stored.IsFilled():
		return ResolutionFilled, nil
	case stored.IsBadRequest():
		return ResolutionBadRequest, nil
	case stored.IsRejected() && stored.IsRetryable():
		return ResolutionRetryable, nil
	case stored.IsRejected():
		return ResolutionRejected, nil
	case stored.Status == schema.OrderCancelled:
		return ResolutionCancelled, nil
	case stored.Status == schema.OrderStaged,
		stored.Status == schema.OrderSubmitted,
		stored.Status == schema.OrderPartiallyFilled:
		return ResolutionNoChange, nil
	default:
		return "", errs.New("orders.resolve", errs.CodeUnknownOrderState,
			errs.WithMessage("no resolution for stored status "+string(stored.Status)),
			errs.WithOrder(stored.ID))
	}
}
