package config

import "sync"

// Runtime holds the live configuration. Readers always observe a
// complete, validated tree; Replace swaps it atomically so a reload
// never tears an in-flight consumer.
type Runtime struct {
	mu  sync.RWMutex
	cfg Config
}

// NewRuntime seeds the store with cfg. The caller is expected to pass a
// validated tree, typically the result of Load.
func NewRuntime(cfg Config) *Runtime {
	return &Runtime{cfg: cfg.Clone()}
}

// Snapshot returns an isolated copy of the current configuration.
func (r *Runtime) Snapshot() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Clone()
}

// Replace normalises and validates cfg, then installs it. On error the
// previous configuration stays in force.
func (r *Runtime) Replace(cfg Config) error {
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.cfg = cfg.Clone()
	r.mu.Unlock()
	return nil
}
