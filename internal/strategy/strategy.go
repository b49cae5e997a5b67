// Package strategy defines the contract trading strategies implement and a
// registry the runtime builds them from. Strategies observe market events
// against a portfolio snapshot and emit trade signals; they never place
// orders themselves.
package strategy

import (
	"context"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tally/internal/schema"
)

// Strategy is one signal emitter. Implementations are driven from a single
// goroutine; they do not need internal locking unless Model is read from
// elsewhere.
type Strategy interface {
	// Key identifies the emitter. It is stamped on every signal the
	// strategy produces and survives restarts.
	Key() string
	// Init prepares state before the first event, typically rehydrating
	// from storage.
	Init(ctx context.Context) error
	// Eval reacts to one market event. A nil slice means no action.
	Eval(ctx context.Context, ev schema.MarketEvent, snap Snapshot) ([]schema.TradeSignal, error)
	// Model renders the strategy's internal state for inspection.
	Model() SerializedModel
	// Channels lists the market channels the strategy wants delivered.
	Channels() map[schema.Channel]struct{}
}

// Snapshot is the portfolio view a strategy evaluates against. It is a
// read-only copy; mutating it has no effect on the ledger.
type Snapshot struct {
	Positions   []*schema.Position `json:"positions"`
	RealizedPnl decimal.Decimal    `json:"realized_pnl"`
}

// Open returns the open position matching exchange, pair and kind, or nil.
func (s Snapshot) Open(exchange schema.Exchange, pair schema.Pair, kind schema.PositionKind) *schema.Position {
	for _, pos := range s.Positions {
		if pos == nil || pos.Meta.CloseAt != nil {
			continue
		}
		if pos.Exchange == exchange && pos.Pair == pair && pos.Kind == kind {
			return pos
		}
	}
	return nil
}

// HasOpen reports whether any position is open on exchange/pair.
func (s Snapshot) HasOpen(exchange schema.Exchange, pair schema.Pair) bool {
	for _, pos := range s.Positions {
		if pos == nil || pos.Meta.CloseAt != nil {
			continue
		}
		if pos.Exchange == exchange && pos.Pair == pair {
			return true
		}
	}
	return false
}

// ModelValue is one named component of a strategy model. A component that
// has not been computed yet keeps its name with no value.
type ModelValue struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Present reports whether the component carries a value.
func (v ModelValue) Present() bool { return len(v.Value) > 0 }

// SerializedModel is a strategy's state rendered as named JSON values, in a
// stable order chosen by the strategy.
type SerializedModel []ModelValue

// Named marshals v into a model component. Models are diagnostics, so a
// marshal failure yields an absent component rather than an error.
func Named(name string, v any) ModelValue {
	raw, err := json.Marshal(v)
	if err != nil {
		return ModelValue{Name: name}
	}
	return ModelValue{Name: name, Value: raw}
}

// Absent names a component that has no value yet.
func Absent(name string) ModelValue { return ModelValue{Name: name} }

// Settings parameterizes one strategy instance. Params carries the
// strategy-specific knobs straight from configuration; each factory decodes
// the ones it understands.
type Settings struct {
	Exchange  schema.Exchange
	Pair      schema.Pair
	AssetType schema.AssetType
	Params    map[string]any
}
