// Command trader runs the live trading daemon: venue streams in, the
// strategy driver in the middle, orders and positions reconciled out.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/tally/config"
	dbmigrations "github.com/coachpo/tally/db/migrations"
	"github.com/coachpo/tally/internal/driver"
	"github.com/coachpo/tally/internal/exchange"
	"github.com/coachpo/tally/internal/exchange/fake"
	"github.com/coachpo/tally/internal/exchange/gateway"
	"github.com/coachpo/tally/internal/interest"
	"github.com/coachpo/tally/internal/ledger"
	"github.com/coachpo/tally/internal/orders"
	"github.com/coachpo/tally/internal/portfolio"
	"github.com/coachpo/tally/internal/schema"
	"github.com/coachpo/tally/internal/storage"
	"github.com/coachpo/tally/internal/storage/migrations"
	"github.com/coachpo/tally/internal/strategy"
	"github.com/coachpo/tally/internal/strategy/js"
	"github.com/coachpo/tally/internal/telemetry"
)

const (
	traderLoggerPrefix       = "tally-trader "
	shutdownTimeout          = 30 * time.Second
	venueShutdownTimeout     = 10 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	ordersShutdownTimeout    = 10 * time.Second
	interestShutdownTimeout  = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	borrowCostInterval       = time.Hour
)

func main() {
	cfgPath, applyMigrations := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newTraderLogger()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, venues=%d, strategy=%s",
		cfg.Environment, len(cfg.Exchanges), cfg.Driver.Strategy)

	telemetryProvider, err := initTelemetry(ctx, logger, cfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	metrics := telemetry.NewMetrics(telemetryProvider.Meter("tally"))

	if applyMigrations {
		if err := migrateStorage(ctx, cfg.Storage, logger); err != nil {
			logger.Fatalf("apply migrations: %v", err)
		}
	}

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		logger.Fatalf("open storage: %v", err)
	}
	defer store.Close()
	logger.Printf("storage ready: driver=%s", cfg.Storage.Driver)

	venues, err := buildVenues(cfg, metrics, logger)
	if err != nil {
		logger.Fatalf("initialise venues: %v", err)
	}

	led, err := ledger.New(ledger.Config{Store: store, Metrics: metrics, Logger: logger})
	if err != nil {
		logger.Fatalf("initialise ledger: %v", err)
	}
	if err := led.Load(ctx); err != nil {
		logger.Fatalf("load ledger: %v", err)
	}

	pf, err := portfolio.New(portfolio.Config{
		Ledger:        led,
		Risk:          riskEvaluator(cfg.Risk),
		Metrics:       metrics,
		Logger:        logger,
		RiskThreshold: cfg.Risk.Threshold,
	})
	if err != nil {
		logger.Fatalf("initialise portfolio: %v", err)
	}

	om, err := orders.NewManager(orders.Config{
		Store:           store,
		Venues:          venues,
		Metrics:         metrics,
		Logger:          logger,
		MailboxCapacity: cfg.Orders.MailboxCapacity,
	})
	if err != nil {
		logger.Fatalf("initialise order manager: %v", err)
	}
	if err := om.Start(ctx); err != nil {
		logger.Fatalf("start order manager: %v", err)
	}

	rates, err := interest.NewProvider(interest.Config{
		Venues:  venues,
		Metrics: metrics,
		Logger:  logger,
		TTL:     cfg.Interest.TTL.Std(),
	})
	if err != nil {
		logger.Fatalf("initialise interest provider: %v", err)
	}
	if err := rates.Start(ctx); err != nil {
		logger.Fatalf("start interest provider: %v", err)
	}

	strat, err := buildStrategy(ctx, cfg, store, metrics, logger)
	if err != nil {
		logger.Fatalf("initialise strategy: %v", err)
	}

	drv, err := driver.New(driver.Config{
		Strategy:   strat,
		Portfolio:  pf,
		Orders:     om,
		Store:      store,
		Metrics:    metrics,
		Logger:     logger,
		MaxRestage: cfg.Driver.MaxRestage,
	})
	if err != nil {
		logger.Fatalf("initialise driver: %v", err)
	}
	if err := drv.Load(ctx); err != nil {
		logger.Fatalf("load driver state: %v", err)
	}

	// Reconcile before any stream starts. The sweep hits venue REST
	// endpoints only, so it works on cold connections; divergences flow
	// back through the same account-event path live fills use.
	reports, err := om.Repair(ctx)
	if err != nil {
		logger.Fatalf("startup repair: %v", err)
	}
	for _, ev := range reports {
		drv.OnAccountEvent(ctx, ev)
	}
	logger.Printf("startup repair applied %d divergence report(s)", len(reports))

	if err := venues.StartAll(ctx); err != nil {
		logger.Fatalf("start venues: %v", err)
	}
	if err := subscribeDriven(ctx, venues, cfg.Driver.Exchange, strat); err != nil {
		logger.Fatalf("subscribe market data: %v", err)
	}

	var lifecycle conc.WaitGroup
	startEventPumps(ctx, &lifecycle, drv, venues, logger)
	if cfg.Driver.AssetType.IsMargin() {
		startBorrowCostAccounting(ctx, &lifecycle, logger, pf, rates)
	}

	logger.Print("trader started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		venues:    venues,
		lifecycle: &lifecycle,
		orders:    om,
		interest:  rates,
		telemetry: telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() (string, bool) {
	cfgPath := flag.String("config", "", "Path to the configuration file (default: config/tally.yaml)")
	migrate := flag.Bool("migrate", false, "Apply the embedded database migrations before starting")
	flag.Parse()
	return *cfgPath, *migrate
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newTraderLogger() *log.Logger {
	return log.New(os.Stdout, traderLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.Config) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Enabled = cfg.Telemetry.Enabled
	telemetryCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	if cfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.Telemetry.ServiceName
	}
	if interval := cfg.Telemetry.MetricInterval.Std(); interval > 0 {
		telemetryCfg.MetricInterval = interval
	}
	telemetryCfg.Environment = string(cfg.Environment)

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func migrateStorage(ctx context.Context, cfg config.StorageConfig, logger *log.Logger) error {
	if cfg.Driver != config.StoragePostgres {
		logger.Print("storage is in-memory; skipping migrations")
		return nil
	}
	return migrations.ApplyEmbedded(ctx, cfg.DSN, dbmigrations.Files, ".", logger)
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

// buildVenues opens one connection per configured venue. The sim entry
// becomes a self-filling paper venue; everything else dials its gateway.
// The driven venue is guaranteed to exist: a sim-driven config with an
// empty venue table still gets its paper venue.
func buildVenues(cfg config.Config, metrics *telemetry.Metrics, logger *log.Logger) (*exchange.Manager, error) {
	manager := exchange.NewManager(logger)
	for name, vc := range cfg.Exchanges {
		if name == schema.ExchangeSim {
			manager.Register(paperVenue())
			continue
		}
		gw, err := gateway.New(gateway.Config{
			Exchange:    name,
			BaseURL:     vc.BaseURL,
			StreamURL:   vc.StreamURL,
			APIKey:      vc.APIKey,
			Metrics:     metrics,
			Logger:      logger,
			DialTimeout: vc.DialTimeout.Std(),
			EventBuffer: vc.EventBuffer,
		})
		if err != nil {
			return nil, err
		}
		manager.Register(gw)
	}
	if cfg.Driver.Exchange == schema.ExchangeSim {
		if _, err := manager.Api(schema.ExchangeSim); err != nil {
			manager.Register(paperVenue())
		}
	}
	return manager, nil
}

// paperVenue accepts and immediately fills every order it is handed.
func paperVenue() *fake.Venue {
	venue := fake.NewVenue(schema.ExchangeSim)
	venue.SetDefault(fake.Script{FillOnPlace: true})
	return venue
}

func riskEvaluator(cfg config.RiskConfig) portfolio.RiskEvaluator {
	if cfg.Throttled() {
		return portfolio.NewThrottledRiskEvaluator(cfg.MaxPerMinute, cfg.Notional())
	}
	return portfolio.NeutralRiskEvaluator{}
}

func buildStrategy(ctx context.Context, cfg config.Config, store storage.Store, metrics *telemetry.Metrics, logger *log.Logger) (strategy.Strategy, error) {
	registry := strategy.Builtin()
	if dir := cfg.Driver.ScriptDir; dir != "" {
		loader, err := js.NewLoader(dir)
		if err != nil {
			return nil, err
		}
		if err := loader.Refresh(ctx); err != nil {
			return nil, err
		}
		if err := js.Register(registry, loader); err != nil {
			return nil, err
		}
		logger.Printf("javascript strategies registered: %d", len(loader.List()))
	}
	return registry.New(cfg.Driver.Strategy, strategy.Deps{
		Store:   store,
		Logger:  logger,
		Metrics: metrics,
		Settings: strategy.Settings{
			Exchange:  cfg.Driver.Exchange,
			Pair:      cfg.Driver.Pair,
			AssetType: cfg.Driver.AssetType,
			Params:    cfg.Driver.Params,
		},
	})
}

func subscribeDriven(ctx context.Context, venues *exchange.Manager, driven schema.Exchange, strat strategy.Strategy) error {
	api, err := venues.Api(driven)
	if err != nil {
		return err
	}
	wanted := strat.Channels()
	channels := make([]schema.Channel, 0, len(wanted))
	for ch := range wanted {
		channels = append(channels, ch)
	}
	return api.Subscribe(ctx, channels)
}

// startEventPumps fans every venue's streams into the driver. The driver
// serialises internally, so one goroutine per stream is safe.
func startEventPumps(ctx context.Context, lifecycle *conc.WaitGroup, drv *driver.Driver, venues *exchange.Manager, logger *log.Logger) {
	for _, name := range venues.Exchanges() {
		api, err := venues.Api(name)
		if err != nil {
			logger.Printf("event pump: venue %s: %v", name, err)
			continue
		}
		market := api.MarketEvents()
		account := api.AccountEvents()
		lifecycle.Go(func() {
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-market:
					if !ok {
						return
					}
					drv.OnMarketEvent(ctx, ev)
				}
			}
		})
		lifecycle.Go(func() {
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-account:
					if !ok {
						return
					}
					drv.OnAccountEvent(ctx, ev)
				}
			}
		})
	}
}

// startBorrowCostAccounting periodically prices the carry on open margin
// positions so accruing borrow fees show up in the logs long before the
// position closes.
func startBorrowCostAccounting(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, pf *portfolio.Portfolio, rates *interest.Provider) {
	lifecycle.Go(func() {
		ticker := time.NewTicker(borrowCostInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logBorrowCosts(ctx, logger, pf, rates)
			}
		}
	})
}

func logBorrowCosts(ctx context.Context, logger *log.Logger, pf *portfolio.Portfolio, rates *interest.Provider) {
	for _, pos := range pf.OpenPositions() {
		fees, err := rates.FeesSince(ctx, pos.Exchange, pos.OpenOrder)
		if err != nil {
			logger.Printf("borrow cost: position %s: %v", pos.ID, err)
			continue
		}
		if fees.IsZero() {
			continue
		}
		logger.Printf("borrow cost: position %s on %s owes %s %s",
			pos.ID, pos.Exchange, fees, pos.OpenOrder.BorrowedAsset)
	}
}

type gracefulShutdownConfig struct {
	venues    *exchange.Manager
	lifecycle *conc.WaitGroup
	orders    *orders.Manager
	interest  *interest.Provider
	telemetry *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.venues != nil {
		shutdownStep("stopping venue connections", venueShutdownTimeout, func(stepCtx context.Context) error {
			cfg.venues.StopAll(stepCtx)
			return nil
		})
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for event pumps", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for event pumps: %w", stepCtx.Err())
			}
		})
	}

	if cfg.orders != nil {
		shutdownStep("draining order manager", ordersShutdownTimeout, func(context.Context) error {
			cfg.orders.Stop()
			return nil
		})
	}

	if cfg.interest != nil {
		shutdownStep("stopping interest provider", interestShutdownTimeout, func(context.Context) error {
			cfg.interest.Stop()
			return nil
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
