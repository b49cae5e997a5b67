// Command backtest replays historical candles through a strategy and
// reports the run's trading results.
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

	"github.com/shopspring/decimal"

	"github.com/coachpo/tally/internal/backtest"
	"github.com/coachpo/tally/internal/driver"
	"github.com/coachpo/tally/internal/exchange"
	"github.com/coachpo/tally/internal/ledger"
	"github.com/coachpo/tally/internal/orders"
	"github.com/coachpo/tally/internal/portfolio"
	"github.com/coachpo/tally/internal/schema"
	"github.com/coachpo/tally/internal/storage"
	"github.com/coachpo/tally/internal/strategy"
	"github.com/coachpo/tally/internal/strategy/js"
)

func main() {
	var (
		dataPath     = flag.String("data", "", "Path to the OHLCV CSV file (open_time,open,high,low,close,volume[,close_time])")
		strategyName = flag.String("strategy", "meanrevert", "Strategy to drive")
		pairFlag     = flag.String("pair", "BTC_USDT", "Traded pair, BASE_QUOTE")
		assetFlag    = flag.String("asset", "spot", "Asset type (spot|margin|isolated_margin|futures)")
		scriptDir    = flag.String("scripts", "", "Directory of JavaScript strategies to register")

		// Mean-reversion strategy parameters.
		mrQuantity = flag.String("mr.quantity", "1", "meanrevert: order quantity")
		mrWindow   = flag.Int("mr.window", 20, "meanrevert: sample window")
		mrBand     = flag.String("mr.band", "0.01", "meanrevert: band as a fraction of the mean")
		mrMode     = flag.String("mr.mode", "limit", "meanrevert: order type (limit|market)")

		feeRate    = flag.String("fee", "0", "Proportional fee rate charged per fill, e.g. 0.001")
		slippage   = flag.String("slippage", "0", "Fill slippage in basis points")
		latency    = flag.Duration("latency", 0, "Clock advance per event, modelling processing delay")
		maxRestage = flag.Int("max-restage", 5, "Retry budget for transiently rejected orders")
	)
	extra := make(map[string]any)
	flag.Func("param", "Extra strategy param as key=value (repeatable)", func(v string) error {
		key, value, ok := strings.Cut(v, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return fmt.Errorf("param %q must be key=value", v)
		}
		extra[strings.TrimSpace(key)] = value
		return nil
	})
	flag.Parse()

	logger := log.New(os.Stdout, "tally-backtest ", log.LstdFlags)

	if *dataPath == "" {
		logger.Fatal("data path is required")
	}
	pair := schema.Pair(strings.ToUpper(strings.TrimSpace(*pairFlag)))
	if err := pair.Validate(); err != nil {
		logger.Fatalf("pair: %v", err)
	}
	asset := schema.AssetType(strings.ToLower(strings.TrimSpace(*assetFlag)))
	fee, err := decimal.NewFromString(*feeRate)
	if err != nil {
		logger.Fatalf("fee rate: %v", err)
	}
	slip, err := decimal.NewFromString(*slippage)
	if err != nil {
		logger.Fatalf("slippage: %v", err)
	}

	params := make(map[string]any)
	if *strategyName == "meanrevert" {
		params["quantity"] = *mrQuantity
		params["window"] = *mrWindow
		params["band"] = *mrBand
		params["mode"] = *mrMode
		// The feeder emits candle events; point the strategy at them.
		params["source"] = string(schema.ChannelCandles)
	}
	for key, value := range extra {
		params[key] = value
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	feeder, err := backtest.NewCandleFeeder(*dataPath, schema.ExchangeSim, pair)
	if err != nil {
		logger.Fatalf("open data: %v", err)
	}
	defer func() {
		if cerr := feeder.Close(); cerr != nil {
			logger.Printf("close data: %v", cerr)
		}
	}()

	clock := backtest.NewVirtualClock(time.Time{})
	venue := backtest.NewSimVenue(backtest.SimConfig{
		Clock:       clock.Func(),
		FeeRate:     fee,
		SlippageBps: slip,
	})
	store := storage.NewMemory()

	led, err := ledger.New(ledger.Config{Store: store, Logger: logger, Clock: clock.Func()})
	if err != nil {
		logger.Fatalf("ledger: %v", err)
	}
	if err := led.Load(ctx); err != nil {
		logger.Fatalf("load ledger: %v", err)
	}
	pf, err := portfolio.New(portfolio.Config{Ledger: led, Risk: portfolio.NeutralRiskEvaluator{}, Logger: logger})
	if err != nil {
		logger.Fatalf("portfolio: %v", err)
	}
	om, err := orders.NewManager(orders.Config{
		Store:  store,
		Venues: exchange.NewManager(logger, venue),
		Logger: logger,
		Clock:  clock.Func(),
	})
	if err != nil {
		logger.Fatalf("orders: %v", err)
	}
	if err := om.Start(ctx); err != nil {
		logger.Fatalf("start orders: %v", err)
	}
	defer om.Stop()

	registry := strategy.Builtin()
	if *scriptDir != "" {
		loader, err := js.NewLoader(*scriptDir)
		if err != nil {
			logger.Fatalf("script loader: %v", err)
		}
		if err := loader.Refresh(ctx); err != nil {
			logger.Fatalf("load scripts: %v", err)
		}
		if err := js.Register(registry, loader); err != nil {
			logger.Fatalf("register scripts: %v", err)
		}
	}
	strat, err := registry.New(*strategyName, strategy.Deps{
		Store:  store,
		Logger: logger,
		Settings: strategy.Settings{
			Exchange:  schema.ExchangeSim,
			Pair:      pair,
			AssetType: asset,
			Params:    params,
		},
	})
	if err != nil {
		logger.Fatalf("strategy: %v", err)
	}

	drv, err := driver.New(driver.Config{
		Strategy:   strat,
		Portfolio:  pf,
		Orders:     om,
		Store:      store,
		Logger:     logger,
		Clock:      clock.Func(),
		MaxRestage: *maxRestage,
	})
	if err != nil {
		logger.Fatalf("driver: %v", err)
	}
	if err := drv.Load(ctx); err != nil {
		logger.Fatalf("load driver: %v", err)
	}

	runner, err := backtest.NewRunner(backtest.Config{
		Feeder:    feeder,
		Driver:    drv,
		Portfolio: pf,
		Clock:     clock,
		Venue:     venue,
		Logger:    logger,
		Latency:   *latency,
	})
	if err != nil {
		logger.Fatalf("runner: %v", err)
	}
	if err := runner.Run(ctx); err != nil {
		logger.Fatalf("backtest: %v", err)
	}
	summary, err := runner.Summary(ctx)
	if err != nil {
		logger.Fatalf("summary: %v", err)
	}
	summary.Log(logger)
}
