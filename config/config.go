// Package config loads, validates and snapshots the tally runtime
// configuration. Precedence is fixed: code defaults, then the YAML file,
// then environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/tally/errs"
	"github.com/coachpo/tally/internal/schema"
)

// Environment names the deployment tier.
type Environment string

const (
	// EnvDev is the local development tier.
	EnvDev Environment = "dev"
	// EnvStaging is the pre-production tier.
	EnvStaging Environment = "staging"
	// EnvProd is the production tier.
	EnvProd Environment = "prod"
)

// Storage driver names accepted by StorageConfig.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Duration decodes Go duration strings ("250ms", "1h30m") from YAML
// scalars. Bare numbers are rejected; units are mandatory.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string such as \"10s\": %w", err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// StorageConfig selects the order store backend.
type StorageConfig struct {
	// Driver is "memory" or "postgres".
	Driver string `yaml:"driver"`
	// DSN is the Postgres connection string, required when Driver is
	// "postgres". TALLY_DB_DSN overrides it.
	DSN string `yaml:"dsn"`
}

// ExchangeConfig carries per-venue connectivity settings. Zero values
// defer to the gateway defaults.
type ExchangeConfig struct {
	BaseURL     string   `yaml:"base_url"`
	StreamURL   string   `yaml:"stream_url"`
	APIKey      string   `yaml:"api_key"`
	DialTimeout Duration `yaml:"dial_timeout"`
	EventBuffer int      `yaml:"event_buffer"`
}

// OrdersConfig sizes the order manager.
type OrdersConfig struct {
	MailboxCapacity int `yaml:"mailbox_capacity"`
}

// DriverConfig selects the strategy the trader runs and where it trades.
type DriverConfig struct {
	Strategy  string           `yaml:"strategy"`
	Exchange  schema.Exchange  `yaml:"exchange"`
	Pair      schema.Pair      `yaml:"pair"`
	AssetType schema.AssetType `yaml:"asset_type"`
	// Params are handed to the strategy constructor untouched. File
	// entries merge key-wise over the defaults.
	Params     map[string]any `yaml:"params"`
	MaxRestage int            `yaml:"max_restage"`
	// ScriptDir holds JavaScript strategies registered alongside the
	// built-ins. Empty disables script loading.
	ScriptDir string `yaml:"script_dir"`
}

// RiskConfig bounds signal flow before any position lock is taken.
type RiskConfig struct {
	// MaxPerMinute caps how many open signals pass per minute. Zero
	// disables the rate dimension.
	MaxPerMinute int `yaml:"max_per_minute"`
	// MaxNotional caps the quote value of a single open signal, written
	// as a decimal string. Empty disables the notional dimension.
	MaxNotional string `yaml:"max_notional"`
	// Threshold rejects signals whose risk score exceeds it. Zero keeps
	// the portfolio default.
	Threshold float64 `yaml:"threshold"`
}

// Notional returns the parsed notional cap, zero when unset.
func (r RiskConfig) Notional() decimal.Decimal {
	raw := strings.TrimSpace(r.MaxNotional)
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Throttled reports whether any throttle dimension is configured.
func (r RiskConfig) Throttled() bool {
	return r.MaxPerMinute > 0 || !r.Notional().IsZero()
}

// InterestConfig tunes the margin interest-rate cache.
type InterestConfig struct {
	TTL Duration `yaml:"ttl"`
}

// TelemetryConfig configures OTLP metric export.
type TelemetryConfig struct {
	Enabled        bool     `yaml:"enabled"`
	OTLPEndpoint   string   `yaml:"otlp_endpoint"`
	OTLPInsecure   bool     `yaml:"otlp_insecure"`
	ServiceName    string   `yaml:"service_name"`
	MetricInterval Duration `yaml:"metric_interval"`
}

// Config is the complete tally configuration tree.
type Config struct {
	Environment Environment                        `yaml:"environment"`
	Storage     StorageConfig                      `yaml:"storage"`
	Exchanges   map[schema.Exchange]ExchangeConfig `yaml:"exchanges"`
	Orders      OrdersConfig                       `yaml:"orders"`
	Driver      DriverConfig                       `yaml:"driver"`
	Risk        RiskConfig                         `yaml:"risk"`
	Interest    InterestConfig                     `yaml:"interest"`
	Telemetry   TelemetryConfig                    `yaml:"telemetry"`
}

// Default returns the configuration used when no file or environment
// override says otherwise: an in-memory store driving the built-in
// mean-reversion strategy against the simulated venue.
func Default() Config {
	return Config{
		Environment: EnvDev,
		Storage:     StorageConfig{Driver: StorageMemory},
		Exchanges:   make(map[schema.Exchange]ExchangeConfig),
		Orders:      OrdersConfig{MailboxCapacity: 256},
		Driver: DriverConfig{
			Strategy:   "meanrevert",
			Exchange:   schema.ExchangeSim,
			Pair:       schema.NewPair("BTC", "USDT"),
			AssetType:  schema.AssetSpot,
			Params:     map[string]any{"quantity": "0.001"},
			MaxRestage: 5,
		},
		Risk:     RiskConfig{MaxPerMinute: 6, Threshold: 0.5},
		Interest: InterestConfig{TTL: Duration(time.Hour)},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:   "http://localhost:4318",
			ServiceName:    "tally",
			MetricInterval: Duration(30 * time.Second),
		},
	}
}

// Normalise canonicalises the tree in place: names are lower-cased, the
// pair upper-cased, and empty selector fields fall back to defaults.
func (c *Config) Normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageMemory
	}
	c.Storage.DSN = strings.TrimSpace(c.Storage.DSN)

	venues := make(map[schema.Exchange]ExchangeConfig, len(c.Exchanges))
	for name, venue := range c.Exchanges {
		venue.BaseURL = strings.TrimSpace(venue.BaseURL)
		venue.StreamURL = strings.TrimSpace(venue.StreamURL)
		venue.APIKey = strings.TrimSpace(venue.APIKey)
		venues[schema.Exchange(strings.ToLower(strings.TrimSpace(string(name))))] = venue
	}
	c.Exchanges = venues

	c.Driver.Strategy = strings.ToLower(strings.TrimSpace(c.Driver.Strategy))
	c.Driver.Exchange = schema.Exchange(strings.ToLower(strings.TrimSpace(string(c.Driver.Exchange))))
	c.Driver.Pair = schema.Pair(strings.ToUpper(strings.TrimSpace(string(c.Driver.Pair))))
	c.Driver.AssetType = schema.AssetType(strings.ToLower(strings.TrimSpace(string(c.Driver.AssetType))))
	if c.Driver.AssetType == "" {
		c.Driver.AssetType = schema.AssetSpot
	}
	if c.Driver.Params == nil {
		c.Driver.Params = make(map[string]any)
	}
	c.Driver.ScriptDir = strings.TrimSpace(c.Driver.ScriptDir)

	c.Risk.MaxNotional = strings.TrimSpace(c.Risk.MaxNotional)

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "tally"
	}
}

// Validate reports the first problem that would make the tree unusable.
// The receiver is expected to be normalised.
func (c Config) Validate() error {
	const op = "config.validate"

	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return errs.New(op, errs.CodeConfig,
			errs.WithMessage(fmt.Sprintf("unknown environment %q", c.Environment)))
	}

	switch c.Storage.Driver {
	case StorageMemory:
	case StoragePostgres:
		if c.Storage.DSN == "" {
			return errs.New(op, errs.CodeConfig,
				errs.WithMessage("postgres storage requires a dsn"))
		}
	default:
		return errs.New(op, errs.CodeConfig,
			errs.WithMessage(fmt.Sprintf("unknown storage driver %q", c.Storage.Driver)))
	}

	for name, venue := range c.Exchanges {
		ex, err := schema.ParseExchange(string(name))
		if err != nil {
			return err
		}
		if ex != schema.ExchangeSim && venue.BaseURL == "" {
			return errs.New(op, errs.CodeConfig,
				errs.WithMessage("exchange requires a base_url"),
				errs.WithVenue(string(ex)))
		}
		if venue.DialTimeout < 0 {
			return errs.New(op, errs.CodeConfig,
				errs.WithMessage("dial_timeout must not be negative"),
				errs.WithVenue(string(ex)))
		}
	}

	if c.Orders.MailboxCapacity < 0 {
		return errs.New(op, errs.CodeConfig,
			errs.WithMessage("orders mailbox_capacity must not be negative"))
	}

	if c.Driver.Strategy == "" {
		return errs.New(op, errs.CodeConfig,
			errs.WithMessage("driver strategy required"))
	}
	ex, err := schema.ParseExchange(string(c.Driver.Exchange))
	if err != nil {
		return err
	}
	if ex != schema.ExchangeSim {
		if _, ok := c.Exchanges[ex]; !ok {
			return errs.New(op, errs.CodeConfig,
				errs.WithMessage("driver exchange is not configured"),
				errs.WithVenue(string(ex)))
		}
	}
	if err := c.Driver.Pair.Validate(); err != nil {
		return err
	}
	switch c.Driver.AssetType {
	case schema.AssetSpot, schema.AssetMargin, schema.AssetIsolatedMargin, schema.AssetFutures:
	default:
		return errs.New(op, errs.CodeConfig,
			errs.WithMessage(fmt.Sprintf("unknown asset type %q", c.Driver.AssetType)))
	}
	if c.Driver.MaxRestage < 0 {
		return errs.New(op, errs.CodeConfig,
			errs.WithMessage("driver max_restage must not be negative"))
	}

	if c.Risk.MaxPerMinute < 0 {
		return errs.New(op, errs.CodeConfig,
			errs.WithMessage("risk max_per_minute must not be negative"))
	}
	if raw := c.Risk.MaxNotional; raw != "" {
		if _, err := decimal.NewFromString(raw); err != nil {
			return errs.New(op, errs.CodeConfig,
				errs.WithMessage(fmt.Sprintf("risk max_notional %q is not a decimal", raw)),
				errs.WithCause(err))
		}
	}
	if c.Risk.Threshold < 0 || c.Risk.Threshold > 1 {
		return errs.New(op, errs.CodeConfig,
			errs.WithMessage("risk threshold must be within [0, 1]"))
	}

	if c.Interest.TTL < 0 {
		return errs.New(op, errs.CodeConfig,
			errs.WithMessage("interest ttl must not be negative"))
	}

	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return errs.New(op, errs.CodeConfig,
			errs.WithMessage("telemetry requires an otlp_endpoint when enabled"))
	}
	if c.Telemetry.MetricInterval < 0 {
		return errs.New(op, errs.CodeConfig,
			errs.WithMessage("telemetry metric_interval must not be negative"))
	}

	return nil
}

// Clone returns a deep copy; mutating the copy never leaks into the
// original.
func (c Config) Clone() Config {
	out := c
	out.Exchanges = make(map[schema.Exchange]ExchangeConfig, len(c.Exchanges))
	for name, venue := range c.Exchanges {
		out.Exchanges[name] = venue
	}
	out.Driver.Params = cloneParams(c.Driver.Params)
	return out
}

func cloneParams(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return cloneParams(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
