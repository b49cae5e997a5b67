package js

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/dop251/goja"
	json "github.com/goccy/go-json"

	"github.com/coachpo/tally/errs"
	"github.com/coachpo/tally/internal/schema"
	"github.com/coachpo/tally/internal/strategy"
)

// Strategy adapts one module instance to the strategy contract. Events and
// snapshots cross the boundary as plain JSON data, so scripts see decimals
// as strings and timestamps as RFC 3339 text; signals come back the same
// way and are decoded through the schema types.
type Strategy struct {
	instance *Instance
	handler  *goja.Object
	module   *Module
	settings strategy.Settings
	key      string
	channels map[schema.Channel]struct{}
	logger   *log.Logger
}

var _ strategy.Strategy = (*Strategy)(nil)

type envConfig struct {
	Settings settingsEnv    `json:"settings"`
	Metadata Metadata       `json:"metadata"`
	Helpers  map[string]any `json:"helpers,omitempty"`
}

type settingsEnv struct {
	Exchange  string         `json:"exchange"`
	Pair      string         `json:"pair"`
	AssetType string         `json:"asset_type"`
	Params    map[string]any `json:"params"`
}

// New instantiates the module and calls its create(env) export. The handler
// create returns must expose eval; init, model and channels are optional.
func New(module *Module, deps strategy.Deps) (*Strategy, error) {
	if module == nil {
		return nil, errs.New("strategy.js", errs.CodeConfig, errs.WithMessage("module required"))
	}
	st := deps.Settings
	if strings.TrimSpace(string(st.Exchange)) == "" || strings.TrimSpace(string(st.Pair)) == "" {
		return nil, errs.New("strategy.js", errs.CodeConfig,
			errs.WithMessage(module.Name+": exchange and pair required"))
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "js-strategy ", log.LstdFlags|log.Lmicroseconds)
	}

	instance, err := NewInstance(module)
	if err != nil {
		return nil, errs.New("strategy.js", errs.CodeConfig,
			errs.WithMessage(module.Name), errs.WithCause(err))
	}

	env := envConfig{
		Settings: settingsEnv{
			Exchange:  string(st.Exchange),
			Pair:      string(st.Pair),
			AssetType: string(st.AssetType),
			Params:    cloneParams(st.Params),
		},
		Metadata: module.Metadata,
		Helpers:  map[string]any{"log": makeLogHelper(logger, module.Name)},
	}

	value, err := instance.Call("create", env)
	if err != nil {
		instance.Close()
		return nil, errs.New("strategy.js", errs.CodeConfig,
			errs.WithMessage(module.Name+": create failed"), errs.WithCause(err))
	}
	rawObj, err := instance.Execute(func(rt *goja.Runtime, _ *goja.Object) (goja.Value, error) {
		obj := value.ToObject(rt)
		if obj == nil {
			return nil, fmt.Errorf("create returned non-object value")
		}
		if eval := obj.Get("eval"); goja.IsUndefined(eval) || goja.IsNull(eval) {
			return nil, fmt.Errorf("handler missing eval")
		} else if _, ok := goja.AssertFunction(eval); !ok {
			return nil, fmt.Errorf("handler eval not callable")
		}
		return obj, nil
	})
	if err != nil {
		instance.Close()
		return nil, errs.New("strategy.js", errs.CodeConfig,
			errs.WithMessage(module.Name), errs.WithCause(err))
	}
	handler, ok := rawObj.(*goja.Object)
	if !ok {
		instance.Close()
		return nil, errs.New("strategy.js", errs.CodeConfig,
			errs.WithMessage(module.Name+": create result not object"))
	}

	channels, err := queryChannels(instance, handler, st)
	if err != nil {
		instance.Close()
		return nil, errs.New("strategy.js", errs.CodeConfig,
			errs.WithMessage(module.Name+": channels"), errs.WithCause(err))
	}

	return &Strategy{
		instance: instance,
		handler:  handler,
		module:   module,
		settings: st,
		key:      fmt.Sprintf("%s:%s:%s", module.Name, st.Exchange, st.Pair),
		channels: channels,
		logger:   logger,
	}, nil
}

// Register adds a factory for every loaded module to the registry. Module
// names collide with compiled-in strategies at registration, not at first
// use.
func Register(reg *strategy.Registry, loader *Loader) error {
	for _, summary := range loader.List() {
		name := summary.Name
		err := reg.Register(name, func(deps strategy.Deps) (strategy.Strategy, error) {
			module, err := loader.Get(name)
			if err != nil {
				return nil, err
			}
			return New(module, deps)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Key identifies the emitter across restarts.
func (s *Strategy) Key() string { return s.key }

// Channels returns the channels declared by the handler, or the settings
// trade channel when it declares none.
func (s *Strategy) Channels() map[schema.Channel]struct{} {
	out := make(map[schema.Channel]struct{}, len(s.channels))
	for ch := range s.channels {
		out[ch] = struct{}{}
	}
	return out
}

// Init runs the handler's optional init export.
func (s *Strategy) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.instance.CallMethod(s.handler, "init"); err != nil && !errors.Is(err, ErrFunctionMissing) {
		return errs.New("strategy.js.init", errs.CodeInternal,
			errs.WithMessage(s.module.Name), errs.WithCause(err))
	}
	return nil
}

// Eval forwards the event and snapshot to the handler and decodes the
// signals it returns. Fields the script leaves out are stamped from the
// strategy settings.
func (s *Strategy) Eval(ctx context.Context, ev schema.MarketEvent, snap strategy.Snapshot) ([]schema.TradeSignal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	evArg, err := bridgeValue(ev)
	if err != nil {
		return nil, errs.New("strategy.js.eval", errs.CodeInternal,
			errs.WithMessage(s.module.Name+": encode event"), errs.WithCause(err))
	}
	snapArg, err := bridgeValue(snap)
	if err != nil {
		return nil, errs.New("strategy.js.eval", errs.CodeInternal,
			errs.WithMessage(s.module.Name+": encode snapshot"), errs.WithCause(err))
	}

	var signals []schema.TradeSignal
	_, err = s.instance.Execute(func(rt *goja.Runtime, _ *goja.Object) (goja.Value, error) {
		value := s.handler.Get("eval")
		callable, ok := goja.AssertFunction(value)
		if !ok {
			return nil, fmt.Errorf("eval not callable")
		}
		res, err := callable(s.handler, rt.ToValue(evArg), rt.ToValue(snapArg))
		if err != nil {
			return nil, err
		}
		if res == nil || goja.IsUndefined(res) || goja.IsNull(res) {
			return goja.Undefined(), nil
		}
		raw, err := json.Marshal(res.Export())
		if err != nil {
			return nil, fmt.Errorf("export signals: %w", err)
		}
		if err := json.Unmarshal(raw, &signals); err != nil {
			return nil, fmt.Errorf("decode signals: %w", err)
		}
		return goja.Undefined(), nil
	})
	if err != nil {
		return nil, errs.New("strategy.js.eval", errs.CodeInternal,
			errs.WithMessage(s.module.Name), errs.WithCause(err))
	}
	for i := range signals {
		s.stampSignal(&signals[i], ev)
	}
	return signals, nil
}

func (s *Strategy) stampSignal(sig *schema.TradeSignal, ev schema.MarketEvent) {
	if sig.EmitterID == "" {
		sig.EmitterID = s.key
	}
	if sig.Exchange == "" {
		sig.Exchange = s.settings.Exchange
	}
	if sig.Pair == "" {
		sig.Pair = s.settings.Pair
	}
	if sig.AssetType == "" {
		sig.AssetType = s.settings.AssetType
	}
	if sig.Kind == "" {
		sig.Kind = schema.PositionLong
	}
	if sig.Mode == "" {
		sig.Mode = schema.OrderTypeLimit
	}
	if sig.At.IsZero() {
		sig.At = ev.At
	}
}

// Model renders the handler's optional model export, an object whose keys
// become the component names. Null values stay absent.
func (s *Strategy) Model() strategy.SerializedModel {
	var model strategy.SerializedModel
	_, err := s.instance.Execute(func(rt *goja.Runtime, _ *goja.Object) (goja.Value, error) {
		value := s.handler.Get("model")
		if goja.IsUndefined(value) || goja.IsNull(value) {
			return nil, ErrFunctionMissing
		}
		callable, ok := goja.AssertFunction(value)
		if !ok {
			return nil, fmt.Errorf("model not callable")
		}
		res, err := callable(s.handler)
		if err != nil {
			return nil, err
		}
		if res == nil || goja.IsUndefined(res) || goja.IsNull(res) {
			return goja.Undefined(), nil
		}
		exported, ok := res.Export().(map[string]any)
		if !ok {
			return nil, fmt.Errorf("model must return an object")
		}
		names := make([]string, 0, len(exported))
		for name := range exported {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if exported[name] == nil {
				model = append(model, strategy.Absent(name))
				continue
			}
			model = append(model, strategy.Named(name, exported[name]))
		}
		return goja.Undefined(), nil
	})
	if err != nil && !errors.Is(err, ErrFunctionMissing) {
		s.logger.Printf("js strategy %s: model: %v", s.module.Name, err)
	}
	return model
}

// Close releases the underlying VM resources.
func (s *Strategy) Close() {
	if s == nil {
		return
	}
	s.instance.Close()
}

func queryChannels(instance *Instance, handler *goja.Object, st strategy.Settings) (map[schema.Channel]struct{}, error) {
	fallback := map[schema.Channel]struct{}{
		{Kind: schema.ChannelTrades, Exchange: st.Exchange, Pair: st.Pair}: {},
	}

	var declared []schema.Channel
	_, err := instance.Execute(func(rt *goja.Runtime, _ *goja.Object) (goja.Value, error) {
		value := handler.Get("channels")
		if goja.IsUndefined(value) || goja.IsNull(value) {
			return nil, ErrFunctionMissing
		}
		callable, ok := goja.AssertFunction(value)
		if !ok {
			return nil, fmt.Errorf("channels not callable")
		}
		res, err := callable(handler)
		if err != nil {
			return nil, err
		}
		if res == nil || goja.IsUndefined(res) || goja.IsNull(res) {
			return goja.Undefined(), nil
		}
		raw, err := json.Marshal(res.Export())
		if err != nil {
			return nil, fmt.Errorf("export channels: %w", err)
		}
		if err := json.Unmarshal(raw, &declared); err != nil {
			return nil, fmt.Errorf("decode channels: %w", err)
		}
		return goja.Undefined(), nil
	})
	if err != nil {
		if errors.Is(err, ErrFunctionMissing) {
			return fallback, nil
		}
		return nil, err
	}
	if len(declared) == 0 {
		return fallback, nil
	}

	out := make(map[schema.Channel]struct{}, len(declared))
	for _, ch := range declared {
		if ch.Kind == "" {
			ch.Kind = schema.ChannelTrades
		}
		if ch.Exchange == "" {
			ch.Exchange = st.Exchange
		}
		if ch.Pair == "" {
			ch.Pair = st.Pair
		}
		out[ch] = struct{}{}
	}
	return out, nil
}

func cloneParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

// bridgeValue strips Go types down to plain JSON data so scripts receive
// numbers, strings and objects instead of reflected structs.
func bridgeValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func makeLogHelper(logger *log.Logger, name string) func(args ...any) {
	return func(args ...any) {
		if len(args) == 0 {
			return
		}
		parts := make([]string, 0, len(args))
		for _, arg := range args {
			parts = append(parts, fmt.Sprint(arg))
		}
		logger.Printf("js %s: %s", name, strings.Join(parts, " "))
	}
}
