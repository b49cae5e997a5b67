// Package backtest replays historical market data through the live trading
// stack. The runner feeds events to the driver in simulated time and
// settles each in-flight operation with a bounded resolution loop, so a
// backtest exercises the same staging, locking and repair semantics as
// production instead of a shortcut fill path.
package backtest

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"time"

	"github.com/coachpo/tally/errs"
	"github.com/coachpo/tally/internal/driver"
	"github.com/coachpo/tally/internal/portfolio"
	"github.com/coachpo/tally/internal/schema"
)

const (
	defaultResolveAttempts = 5
	defaultResolveWait     = 10 * time.Millisecond
)

// Feeder supplies the replay stream in event-time order. Next returns
// io.EOF once the stream is drained.
type Feeder interface {
	Next() (schema.MarketEvent, error)
}

// Config wires a backtest run.
type Config struct {
	Feeder    Feeder
	Driver    *driver.Driver
	Portfolio *portfolio.Portfolio
	Clock     *VirtualClock
	Venue     *SimVenue
	Logger    *log.Logger

	// Latency advances the clock per event, modelling processing delay.
	Latency time.Duration
	// ResolveAttempts bounds the per-event resolution loop. Zero means 5.
	ResolveAttempts int
	// ResolveWait is the pause between resolution attempts. Zero means 10ms.
	ResolveWait time.Duration
}

// Runner replays one feeder through the driver.
type Runner struct {
	feeder   Feeder
	drv      *driver.Driver
	pf       *portfolio.Portfolio
	clock    *VirtualClock
	venue    *SimVenue
	logger   *log.Logger
	latency  time.Duration
	attempts int
	wait     time.Duration

	events int
	stuck  int
	start  time.Time
	end    time.Time
}

// NewRunner builds a runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Feeder == nil {
		return nil, errs.New("backtest.new", errs.CodeConfig, errs.WithMessage("feeder required"))
	}
	if cfg.Driver == nil {
		return nil, errs.New("backtest.new", errs.CodeConfig, errs.WithMessage("driver required"))
	}
	if cfg.Portfolio == nil {
		return nil, errs.New("backtest.new", errs.CodeConfig, errs.WithMessage("portfolio required"))
	}
	if cfg.Clock == nil {
		return nil, errs.New("backtest.new", errs.CodeConfig, errs.WithMessage("clock required"))
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "backtest ", log.LstdFlags|log.Lmicroseconds)
	}
	if cfg.ResolveAttempts <= 0 {
		cfg.ResolveAttempts = defaultResolveAttempts
	}
	if cfg.ResolveWait <= 0 {
		cfg.ResolveWait = defaultResolveWait
	}
	return &Runner{
		feeder:   cfg.Feeder,
		drv:      cfg.Driver,
		pf:       cfg.Portfolio,
		clock:    cfg.Clock,
		venue:    cfg.Venue,
		logger:   cfg.Logger,
		latency:  cfg.Latency,
		attempts: cfg.ResolveAttempts,
		wait:     cfg.ResolveWait,
	}, nil
}

// Run replays the stream to exhaustion. A cancelled context ends the run
// cleanly; feeder errors abort it.
func (r *Runner) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		ev, err := r.feeder.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		r.clock.AdvanceTo(ev.At)
		if r.latency > 0 {
			r.clock.Advance(r.latency)
		}
		if r.venue != nil {
			r.venue.Mark(ev)
		}
		r.record(ev.At)
		r.drv.OnMarketEvent(ctx, ev)
		r.settle(ctx)
	}
	r.settle(ctx)
	return nil
}

// settle drives resolution for the in-flight operation, bounded so one
// stuck order cannot stall the replay. An operation that stays unresolved
// keeps its pair locked; the driver picks it up again on later events.
func (r *Runner) settle(ctx context.Context) {
	for tries := 0; r.drv.IsLocked(); tries++ {
		if tries >= r.attempts {
			r.stuck++
			r.logger.Printf("backtest: operation unresolved after %d attempts, moving on", tries)
			return
		}
		r.drv.ResolveOrders(ctx)
		if r.drv.IsLocked() {
			time.Sleep(r.wait)
		}
	}
}

func (r *Runner) record(at time.Time) {
	r.events++
	if r.start.IsZero() || at.Before(r.start) {
		r.start = at
	}
	if at.After(r.end) {
		r.end = at
	}
}
