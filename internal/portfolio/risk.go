package portfolio

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coachpo/tally/internal/schema"
)

// RiskEvaluator scores a signal before conversion. Scores above the
// portfolio threshold reject the signal; scoring happens before any lock
// is taken.
type RiskEvaluator interface {
	Evaluate(ctx context.Context, sig schema.TradeSignal) float64
}

// NeutralRiskEvaluator accepts everything. Backtests and dry runs use it.
type NeutralRiskEvaluator struct{}

// Evaluate scores every signal zero.
func (NeutralRiskEvaluator) Evaluate(context.Context, schema.TradeSignal) float64 { return 0 }

// ThrottledRiskEvaluator rejects signals past a staging rate or above a
// notional cap. The limiter burst equals the per-minute budget so a quiet
// period does not bank unlimited headroom.
type ThrottledRiskEvaluator struct {
	limiter     *rate.Limiter
	maxNotional decimal.Decimal
}

// NewThrottledRiskEvaluator caps accepted signals per minute and, when
// maxNotional is positive, the quote value of a single order.
func NewThrottledRiskEvaluator(maxPerMinute int, maxNotional decimal.Decimal) *ThrottledRiskEvaluator {
	if maxPerMinute <= 0 {
		maxPerMinute = 1
	}
	return &ThrottledRiskEvaluator{
		limiter:     rate.NewLimiter(rate.Every(time.Minute/time.Duration(maxPerMinute)), maxPerMinute),
		maxNotional: maxNotional,
	}
}

// Evaluate scores 1 for any signal over the notional cap or arriving
// faster than the configured rate, 0 otherwise.
func (r *ThrottledRiskEvaluator) Evaluate(_ context.Context, sig schema.TradeSignal) float64 {
	if r.maxNotional.IsPositive() && sig.Quantity.Mul(sig.Price).GreaterThan(r.maxNotional) {
		return 1
	}
	if !r.limiter.Allow() {
		return 1
	}
	return 0
}
