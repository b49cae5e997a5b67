package portfolio

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNeutralRiskAcceptsEverything(t *testing.T) {
	var r NeutralRiskEvaluator
	if score := r.Evaluate(context.Background(), openSignal(1000000, 1000000)); score != 0 {
		t.Fatalf("neutral score = %v, want 0", score)
	}
}

func TestThrottledRiskCapsNotional(t *testing.T) {
	r := NewThrottledRiskEvaluator(100, decimal.NewFromInt(1000))
	if score := r.Evaluate(context.Background(), openSignal(1, 100)); score != 0 {
		t.Fatalf("small order score = %v, want 0", score)
	}
	// 20 * 100 = 2000 quote, over the 1000 cap.
	if score := r.Evaluate(context.Background(), openSignal(20, 100)); score != 1 {
		t.Fatalf("oversized order score = %v, want 1", score)
	}
}

func TestThrottledRiskLimitsRate(t *testing.T) {
	r := NewThrottledRiskEvaluator(2, decimal.Zero)
	ctx := context.Background()
	if score := r.Evaluate(ctx, openSignal(1, 100)); score != 0 {
		t.Fatalf("first signal score = %v, want 0", score)
	}
	if score := r.Evaluate(ctx, openSignal(1, 100)); score != 0 {
		t.Fatalf("second signal score = %v, want 0", score)
	}
	if score := r.Evaluate(ctx, openSignal(1, 100)); score != 1 {
		t.Fatalf("third signal within the window score = %v, want 1", score)
	}
}
