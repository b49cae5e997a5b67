package backtest

import (
	"sync"
	"time"
)

// VirtualClock is the time source of a backtest run. The runner advances
// it to each event's timestamp, so every component wired with Func sees
// simulated time instead of wall time.
type VirtualClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewVirtualClock starts a clock at the given instant.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{current: start}
}

// Now returns the current simulated time.
func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d. Non-positive durations are ignored.
func (c *VirtualClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}

// AdvanceTo moves the clock to ts. The clock never runs backwards: an
// earlier timestamp leaves it untouched.
func (c *VirtualClock) AdvanceTo(ts time.Time) {
	c.mu.Lock()
	if ts.After(c.current) {
		c.current = ts
	}
	c.mu.Unlock()
}

// Func adapts the clock to the func() time.Time the rest of the repo wires
// through Config.Clock fields.
func (c *VirtualClock) Func() func() time.Time { return c.Now }
