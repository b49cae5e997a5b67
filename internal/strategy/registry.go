package strategy

import (
	"log"
	"sort"
	"strings"

	"github.com/coachpo/tally/errs"
	"github.com/coachpo/tally/internal/storage"
	"github.com/coachpo/tally/internal/telemetry"
)

// Deps carries the runtime dependencies a factory wires into its strategy.
type Deps struct {
	Store    storage.Store
	Logger   *log.Logger
	Metrics  *telemetry.Metrics
	Settings Settings
}

// Factory builds one strategy instance from its dependencies.
type Factory func(deps Deps) (Strategy, error)

// Registry maps strategy names to factories. It is assembled explicitly at
// startup; there is no package-level registration.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Builtin returns a registry holding the compiled-in strategies.
func Builtin() *Registry {
	return &Registry{factories: map[string]Factory{
		NameMeanRevert: NewMeanRevert,
	}}
}

// Register adds a factory under name. Names are case-insensitive and must
// be unique.
func (r *Registry) Register(name string, factory Factory) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return errs.New("strategy.register", errs.CodeConfig, errs.WithMessage("strategy name required"))
	}
	if factory == nil {
		return errs.New("strategy.register", errs.CodeConfig, errs.WithMessage("nil factory for "+key))
	}
	if _, exists := r.factories[key]; exists {
		return errs.New("strategy.register", errs.CodeConfig, errs.WithMessage("duplicate strategy "+key))
	}
	r.factories[key] = factory
	return nil
}

// New builds the named strategy.
func (r *Registry) New(name string, deps Deps) (Strategy, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	factory, ok := r.factories[key]
	if !ok {
		return nil, errs.New("strategy.new", errs.CodeConfig,
			errs.WithMessage("unknown strategy "+key))
	}
	return factory(deps)
}

// Names lists the registered strategies in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
