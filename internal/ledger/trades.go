package ledger

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tally/internal/schema"
)

// TradesHistory flattens position history into per-leg trade summaries,
// oldest first. Each filled leg becomes one summary; failed legs are left
// out since no quantity moved. The strategy value of a leg is its signed
// cash flow: sells credit the quote balance, buys debit it. The sort key
// ends on the leg's order id, so the output is the same whatever order the
// positions arrive in, ties included.
func TradesHistory(positions []*schema.Position) []schema.PositionSummary {
	type leg struct {
		orderID string
		summary schema.PositionSummary
	}
	legs := make([]leg, 0, 2*len(positions))
	for _, pos := range positions {
		if pos.IsOpened() {
			legs = append(legs, leg{pos.OpenOrder.ID, legSummary(pos, schema.OperationOpen, pos.OpenOrder, nil)})
		}
		if pos.IsClosed() {
			interest := pos.Interests
			legs = append(legs, leg{pos.CloseOrder.ID, legSummary(pos, schema.OperationClose, pos.CloseOrder, &interest)})
		}
	}
	sort.Slice(legs, func(i, j int) bool {
		li, lj := legs[i].summary, legs[j].summary
		if !li.Trade.At.Equal(lj.Trade.At) {
			return li.Trade.At.Before(lj.Trade.At)
		}
		if li.Trade.Pair != lj.Trade.Pair {
			return li.Trade.Pair < lj.Trade.Pair
		}
		if li.Op.Op != lj.Op.Op {
			return li.Op.Op < lj.Op.Op
		}
		return legs[i].orderID < legs[j].orderID
	})
	out := make([]schema.PositionSummary, len(legs))
	for i, l := range legs {
		out[i] = l.summary
	}
	return out
}

func legSummary(pos *schema.Position, op schema.OperationKind, order *schema.OrderDetail, interest *decimal.Decimal) schema.PositionSummary {
	value := order.RealizedQuoteValue()
	if order.Side == schema.SideBuy {
		value = value.Neg()
	}
	return schema.PositionSummary{
		Op: schema.OperationEvent{
			Op:   op,
			Pos:  pos.Kind,
			At:   order.CreatedAt,
			Pair: pos.Pair,
		},
		Trade: schema.TradeEvent{
			Side:       order.Side,
			Qty:        order.FilledQty,
			Pair:       pos.Pair,
			Price:      order.WeightedPrice,
			StratValue: value,
			At:         order.CreatedAt,
			Borrowed:   pos.BorrowedAmount,
			Interest:   interest,
		},
	}
}
