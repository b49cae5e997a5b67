package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/tally/errs"
)

// Load builds the runtime configuration with the fixed precedence:
// code defaults, then the YAML file, then environment variables. A
// missing file is tolerated; defaults plus environment apply.
//
// The file is resolved from the first match of: the path argument,
// TALLY_CONFIG, config/tally.yaml, config/tally.example.yaml.
func Load(path string) (Config, error) {
	cfg := Default()

	if err := cfg.loadYAML(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, err
	}
	cfg.loadEnv()

	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadYAML overlays the resolved file onto the receiver. Fields absent
// from the file keep their current values.
func (c *Config) loadYAML(path string) error {
	reader, closeFn, err := openConfigFile(path)
	if err != nil {
		return err
	}
	defer closeFn()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return errs.New("config.load", errs.CodeConfig,
			errs.WithMessage("read config file"), errs.WithCause(err))
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return errs.New("config.load", errs.CodeConfig,
			errs.WithMessage("unmarshal config file"), errs.WithCause(err))
	}
	return nil
}

func (c *Config) loadEnv() {
	if v := strings.TrimSpace(os.Getenv("TALLY_ENV")); v != "" {
		c.Environment = Environment(v)
	}
	if v := strings.TrimSpace(os.Getenv("TALLY_DB_DSN")); v != "" {
		c.Storage.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); v != "" {
		c.Telemetry.ServiceName = v
	}
}

func openConfigFile(path string) (io.Reader, func(), error) {
	var (
		candidates []string
		seen       = make(map[string]struct{})
	)
	add := func(candidate string) {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			return
		}
		candidate = filepath.Clean(candidate)
		if _, ok := seen[candidate]; ok {
			return
		}
		seen[candidate] = struct{}{}
		candidates = append(candidates, candidate)
	}
	add(path)
	add(os.Getenv("TALLY_CONFIG"))
	add("config/tally.yaml")
	add("config/tally.example.yaml")

	for _, candidate := range candidates {
		file, err := os.Open(candidate) // #nosec G304 -- configuration paths are controlled by operators.
		if err == nil {
			return file, func() { _ = file.Close() }, nil
		}
		if !os.IsNotExist(err) {
			return nil, nil, errs.New("config.load", errs.CodeConfig,
				errs.WithMessage("open config file"), errs.WithCause(err))
		}
	}
	return nil, nil, fmt.Errorf("config file: %w", os.ErrNotExist)
}
