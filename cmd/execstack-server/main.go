package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"execstack/internal/alert"
	"execstack/internal/algo"
	"execstack/internal/api"
	"execstack/internal/broker"
	"execstack/internal/config"
	"execstack/internal/controls"
	"execstack/internal/domain"
	"execstack/internal/engine"
	"execstack/internal/instruments"
	"execstack/internal/metrics"
	"execstack/internal/store"
	"execstack/internal/util"
)

func main() {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("execstack-server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	sqlitePath := cfg.Storage.SQLitePath
	if sqlitePath == "" {
		sqlitePath = filepath.Join(cfg.Storage.DataDir, "execstack.db")
	}
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	db, err := store.NewSQLiteStore(sqlitePath)
	if err != nil {
		return fmt.Errorf("opening order stacks: %w", err)
	}
	defer db.Close()
	archive := store.NewParquetStore(cfg.Storage.DataDir)

	catalog, err := cfg.Catalog()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gw, err := newGateway(ctx, cfg, catalog, archive, logger)
	if err != nil {
		return err
	}

	controlsPath := cfg.ControlsPath
	if controlsPath == "" {
		controlsPath = filepath.Join(cfg.Storage.DataDir, "controls.json")
	}
	ctl := controls.NewStore(controlsPath, logger)
	for _, l := range cfg.TradeLimits {
		ctl.SetLimit(l.Instrument, l.Strategy, l.MaxTrade, l.PeriodDays)
	}

	timing := algo.Timing{OrderTimeout: cfg.Execution.OrderTimeout, PollInterval: cfg.Execution.PollInterval}
	algos := algo.NewRegistry(
		algo.NewMarketAlgo(gw, cfg.Execution.MarketSizeLimit, timing, logger),
		algo.NewLimitAlgo(gw, timing, logger),
	)
	defaults, overrides := cfg.Algos.Allocation()

	rec := metrics.NewRecorder()
	liquidity := engine.NewLiquidityCache(cfg.Execution.LiquidityMaxAge)

	eng := engine.NewEngine(engine.Deps{
		Stacks:    db.Stacks(),
		Positions: db,
		Archive:   archive,
		Gateway:   gw,
		Catalog:   catalog,
		Controls:  ctl,
		Algos:     algos,
		Allocator: algo.NewAllocator(defaults, overrides),
		Liquidity: liquidity,
		Alerter:   alert.NewLogAlerter(logger),
		Metrics:   rec,
		Log:       logger,
	}, engine.Settings{
		CancelTimeout:        cfg.Execution.CancelTimeout,
		PollInterval:         cfg.Execution.PollInterval,
		AlertOnCancelTimeout: cfg.Execution.AlertOnCancelTimeout,
	})

	sampler := engine.NewSampler(gw, db.Stack(domain.LevelContract), liquidity, cfg.Sampling.MaxWorkers, pricedContracts(catalog), logger)
	srv := api.NewServer(cfg, eng, ctl, rec, logger)

	logger.Info("execstack-server starting",
		"broker", gw.Name(),
		"instruments", len(catalog.List()),
		"http_port", cfg.Server.Port,
		"grpc_port", cfg.Server.GRPCPort)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(eng.Run(ctx, cfg.Execution.CycleInterval)) })
	g.Go(func() error { return ignoreCancel(sampler.Run(ctx, cfg.Sampling.Interval)) })
	g.Go(func() error { return srv.ListenAndServe(ctx) })
	if cfg.EndOfDay.At != "" {
		g.Go(func() error { return ignoreCancel(scheduleEndOfDay(ctx, cfg.EndOfDay, eng, logger)) })
	}

	err = g.Wait()
	logger.Info("execstack-server stopped")
	return err
}

// newGateway builds the configured broker gateway. The simulator is seeded
// with the latest stored price of every instrument so dry runs can fill.
func newGateway(ctx context.Context, cfg *config.Config, catalog *instruments.Catalog, bars store.BarStore, logger *slog.Logger) (broker.Gateway, error) {
	switch cfg.Broker.Kind {
	case config.BrokerAlpaca:
		alpaca := broker.NewAlpacaGateway(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret,
			cfg.Alpaca.BaseURL, cfg.Alpaca.DataURL, cfg.Symbols())
		return broker.NewPacedGateway(alpaca, util.NewPacer(cfg.Broker.PacingInterval)), nil
	case config.BrokerSimulator:
		sim := broker.NewSimulatorBroker()
		seedSimulator(ctx, sim, catalog, bars, logger)
		return sim, nil
	}
	return nil, fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
}

func seedSimulator(ctx context.Context, sim *broker.SimulatorBroker, catalog *instruments.Catalog, bars store.BarStore, logger *slog.Logger) {
	end := time.Now()
	start := end.AddDate(0, 0, -14)
	for _, inst := range catalog.List() {
		series, err := bars.ReadBars(ctx, inst.Code, start, end)
		if err != nil || len(series) == 0 {
			logger.Warn("no recent price to seed simulator", "instrument", inst.Code, "error", err)
			continue
		}
		last := series[len(series)-1].Price
		for _, contract := range []string{inst.PricedContract, inst.ForwardContract} {
			if contract != "" {
				sim.SetPrice(inst.Code, contract, last)
			}
		}
	}
}

// pricedContracts lists the priced contract of every instrument so the
// sampler keeps liquidity warm for contracts with no working order.
func pricedContracts(catalog *instruments.Catalog) []engine.ContractRef {
	var refs []engine.ContractRef
	for _, inst := range catalog.List() {
		if inst.PricedContract != "" {
			refs = append(refs, engine.ContractRef{Instrument: inst.Code, Contract: inst.PricedContract})
		}
	}
	return refs
}

// scheduleEndOfDay runs the stack teardown at the configured time each day.
func scheduleEndOfDay(ctx context.Context, eod config.EndOfDayConfig, eng *engine.Engine, logger *slog.Logger) error {
	for {
		next, err := eod.NextEndOfDay(time.Now())
		if err != nil {
			return err
		}
		logger.Info("end of day scheduled", "at", next)
		if err := util.Sleep(ctx, time.Until(next)); err != nil {
			return err
		}
		res, err := eng.SafeStackRemoval(ctx)
		if err != nil {
			logger.Error("end of day teardown failed", "error", err)
			continue
		}
		if !res.Cancel.Success {
			logger.Warn("end of day left broker orders outstanding", "broker_orders", res.Cancel.Outstanding)
		}
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
