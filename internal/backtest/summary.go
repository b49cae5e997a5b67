package backtest

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tally/internal/schema"
)

// Summary is the run's scorecard, folded from the position history the
// replay left in storage. StuckOps counts how often the settle loop gave
// up on an in-flight order.
type Summary struct {
	Events   int
	StuckOps int
	Start    time.Time
	End      time.Time

	Closed int
	Failed int
	Open   int
	Wins   int
	Losses int

	RealizedPnl   decimal.Decimal
	RealizedValue decimal.Decimal
	FeesPaid      decimal.Decimal
	MaxDrawdown   decimal.Decimal
}

// Summary folds the portfolio state into the run's scorecard. Call it
// after Run returns.
func (r *Runner) Summary(ctx context.Context) (Summary, error) {
	history, err := r.pf.PositionsHistory(ctx)
	if err != nil {
		return Summary{}, err
	}
	pnl, err := r.pf.RealizedPnl(ctx)
	if err != nil {
		return Summary{}, err
	}
	value, err := r.pf.RealizedValue(ctx)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{
		Events:        r.events,
		StuckOps:      r.stuck,
		Start:         r.start,
		End:           r.end,
		Open:          len(r.pf.OpenPositions()),
		RealizedPnl:   pnl,
		RealizedValue: value,
		FeesPaid:      decimal.Zero,
		MaxDrawdown:   decimal.Zero,
	}
	if r.venue != nil {
		s.FeesPaid = r.venue.FeesPaid()
	}

	closed := make([]*schema.Position, 0, len(history))
	for _, pos := range history {
		switch {
		case pos.IsFailedOpen(), pos.CloseOrder != nil && pos.CloseOrder.IsRejected():
			s.Failed++
		case pos.Meta.CloseAt != nil:
			s.Closed++
			closed = append(closed, pos)
		}
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].Meta.CloseAt.Before(*closed[j].Meta.CloseAt) })

	equity, peak := decimal.Zero, decimal.Zero
	for _, pos := range closed {
		switch {
		case pos.RealizedPnl.IsPositive():
			s.Wins++
		case pos.RealizedPnl.IsNegative():
			s.Losses++
		}
		equity = equity.Add(pos.RealizedPnl)
		if equity.GreaterThan(peak) {
			peak = equity
		}
		if drawdown := peak.Sub(equity); drawdown.GreaterThan(s.MaxDrawdown) {
			s.MaxDrawdown = drawdown
		}
	}
	return s, nil
}

// Log writes the scorecard through the logger.
func (s Summary) Log(logger *log.Logger) {
	if logger == nil {
		return
	}
	logger.Printf("replayed %d events, %s to %s",
		s.Events, s.Start.Format(time.RFC3339), s.End.Format(time.RFC3339))
	logger.Printf("positions: %d closed (%d wins, %d losses), %d failed, %d still open",
		s.Closed, s.Wins, s.Losses, s.Failed, s.Open)
	logger.Printf("realized pnl %s, cash flow %s, fees %s, max drawdown %s",
		s.RealizedPnl, s.RealizedValue, s.FeesPaid, s.MaxDrawdown)
	if s.StuckOps > 0 {
		logger.Printf("gave up waiting on in-flight orders %d times", s.StuckOps)
	}
}
