// Command repair reconciles incomplete orders against their venues and
// applies the missed execution reports.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coachpo/tally/config"
	"github.com/coachpo/tally/internal/exchange"
	"github.com/coachpo/tally/internal/exchange/fake"
	"github.com/coachpo/tally/internal/exchange/gateway"
	"github.com/coachpo/tally/internal/orders"
	"github.com/coachpo/tally/internal/schema"
	"github.com/coachpo/tally/internal/storage"
)

const defaultTimeout = 60 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		cfgPath   = flag.String("config", "", "Path to the configuration file")
		dsn       = flag.String("database", "", "PostgreSQL DSN, overriding the configured storage")
		venueList = flag.String("exchange", "", "Comma-separated venues to reconcile against (default: all configured)")
		dryRun    = flag.Bool("dry-run", false, "Print divergences without applying them")
		timeout   = flag.Duration("timeout", defaultTimeout, "Maximum sweep duration")
		retention = flag.Duration("trim-log", 0, "Drop transaction log records older than this after the sweep (0 keeps everything)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "tally-repair ", log.LstdFlags)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(*dsn) != "" {
		cfg.Storage = config.StorageConfig{Driver: config.StoragePostgres, DSN: strings.TrimSpace(*dsn)}
	}
	only, err := venueFilter(*venueList)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, timeoutCancel := context.WithTimeout(ctx, *timeout)
	defer timeoutCancel()

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	venues, err := buildVenues(cfg, only, logger)
	if err != nil {
		return err
	}

	om, err := orders.NewManager(orders.Config{
		Store:           store,
		Venues:          venues,
		Logger:          logger,
		MailboxCapacity: cfg.Orders.MailboxCapacity,
	})
	if err != nil {
		return err
	}
	if err := om.Start(ctx); err != nil {
		return err
	}
	defer om.Stop()

	events, err := om.Repair(ctx)
	if err != nil {
		return fmt.Errorf("repair sweep: %w", err)
	}
	if len(events) == 0 {
		logger.Printf("order log clean; nothing to repair")
		if *dryRun {
			return nil
		}
		return trimLog(ctx, om, *retention, logger)
	}

	for _, ev := range events {
		upd := ev.Order
		logger.Printf("order %s on %s diverged: venue reports %s (executed %s)",
			upd.OrderID, ev.Exchange, upd.Status, upd.CumulativeQty)
	}
	if *dryRun {
		logger.Printf("dry run: %d divergence(s) left unapplied", len(events))
		return nil
	}

	applied := 0
	for _, ev := range events {
		if err := om.ApplyAccountEvent(ctx, ev); err != nil {
			logger.Printf("order %s: apply: %v", ev.Order.OrderID, err)
			continue
		}
		applied++
	}
	logger.Printf("repair complete: %d divergence(s), %d applied", len(events), applied)
	return trimLog(ctx, om, *retention, logger)
}

// trimLog applies the retention window once the sweep has settled what it
// can. The manager refuses a cutoff that would strand an in-flight order.
func trimLog(ctx context.Context, om *orders.Manager, retention time.Duration, logger *log.Logger) error {
	if retention <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-retention)
	if err := om.TrimLog(ctx, cutoff); err != nil {
		return fmt.Errorf("trim transaction log: %w", err)
	}
	logger.Printf("transaction log trimmed before %s", cutoff.Format(time.RFC3339))
	return nil
}

// venueFilter parses the -exchange list. Empty means no filtering.
func venueFilter(raw string) (map[schema.Exchange]bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	only := make(map[schema.Exchange]bool)
	for _, part := range strings.Split(raw, ",") {
		ex, err := schema.ParseExchange(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		only[ex] = true
	}
	return only, nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	if cfg.Driver == config.StoragePostgres {
		pg, err := storage.Connect(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	return storage.NewMemory(), nil
}

// buildVenues opens a connection per configured venue so GetOrder can ask
// each one for its view. Streams stay down; the sweep is REST-only.
func buildVenues(cfg config.Config, only map[schema.Exchange]bool, logger *log.Logger) (*exchange.Manager, error) {
	manager := exchange.NewManager(logger)
	for name, vc := range cfg.Exchanges {
		if only != nil && !only[name] {
			continue
		}
		if name == schema.ExchangeSim {
			manager.Register(fake.NewVenue(schema.ExchangeSim))
			continue
		}
		gw, err := gateway.New(gateway.Config{
			Exchange:    name,
			BaseURL:     vc.BaseURL,
			StreamURL:   vc.StreamURL,
			APIKey:      vc.APIKey,
			Logger:      logger,
			DialTimeout: vc.DialTimeout.Std(),
			EventBuffer: vc.EventBuffer,
		})
		if err != nil {
			return nil, err
		}
		manager.Register(gw)
	}
	return manager, nil
}
