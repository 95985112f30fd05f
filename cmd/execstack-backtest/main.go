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

	"execstack/internal/config"
	"execstack/internal/simulator"
	"execstack/internal/store"
	"execstack/internal/strategy"
	"execstack/internal/util"
)

func main() {
	name := flag.String("strategy", "", "strategy whose stored optimal positions are simulated")
	instList := flag.String("instruments", "", "comma separated instruments (default: all configured)")
	startStr := flag.String("start", "", "first day, YYYY-MM-DD (default: one year ago)")
	endStr := flag.String("end", "", "last day, YYYY-MM-DD (default: today)")
	variant := flag.String("variant", string(simulator.Market), "order simulation: market or limit")
	level := flag.String("level", string(strategy.LevelInstrument), "position level: instrument or subsystem")
	flag.Parse()

	if *name == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	v, err := simulator.ParseVariant(*variant)
	if err != nil {
		log.Fatalf("invalid variant: %v", err)
	}
	lvl := strategy.Level(*level)
	if lvl != strategy.LevelInstrument && lvl != strategy.LevelSubsystem {
		log.Fatalf("invalid level %q", *level)
	}

	end := time.Now()
	if *endStr != "" {
		if end, err = time.Parse("2006-01-02", *endStr); err != nil {
			log.Fatalf("invalid end date: %v", err)
		}
		end = end.Add(24*time.Hour - time.Nanosecond)
	}
	start := end.AddDate(-1, 0, 0)
	if *startStr != "" {
		if start, err = time.Parse("2006-01-02", *startStr); err != nil {
			log.Fatalf("invalid start date: %v", err)
		}
	}

	var instruments []string
	if *instList != "" {
		for _, s := range strings.Split(*instList, ",") {
			if s = strings.TrimSpace(s); s != "" {
				instruments = append(instruments, strings.ToUpper(s))
			}
		}
	} else {
		for _, ic := range cfg.Instruments {
			instruments = append(instruments, ic.Code)
		}
	}
	if len(instruments) == 0 {
		log.Fatal("no instruments to simulate")
	}

	ps := store.NewParquetStore(cfg.Storage.DataDir)
	registry := strategy.NewRegistry()
	registry.Register(strategy.NewStoredSource(*name, ps))
	bt := strategy.NewBacktester(ps, ps, registry, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	res, err := bt.Run(ctx, *name, instruments, start, end, v, lvl)
	if err != nil {
		log.Fatalf("backtest failed: %v", err)
	}

	fmt.Printf("%s %s (%s level), %s to %s\n", res.Strategy, res.Variant, res.Level,
		start.Format("2006-01-02"), end.Format("2006-01-02"))
	fmt.Printf("%-10s %8s %8s %10s %14s\n", "INSTR", "ORDERS", "FILLS", "POSITION", "PNL")
	for _, ir := range res.Instruments {
		fmt.Printf("%-10s %8d %8d %10d %14.2f\n", ir.Instrument, ir.Orders, ir.Fills, ir.FinalPosition, ir.PnL)
	}
	fmt.Printf("%-10s %8s %8d %10s %14.2f\n", "TOTAL", "", res.TotalTrades, "", res.TotalPnL)
}
