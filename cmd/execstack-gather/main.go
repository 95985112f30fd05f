package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"execstack/internal/config"
	"execstack/internal/gather"
	"execstack/internal/store"
	"execstack/internal/util"
)

func main() {
	days := flag.Int("days", 365, "days of daily prices to fetch")
	flag.Parse()

	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
		log.Fatal("alpaca api_key and api_secret are required to gather prices")
	}

	symbols := cfg.Symbols()
	for _, ic := range cfg.Instruments {
		if _, ok := symbols[ic.Code]; !ok {
			symbols[ic.Code] = ic.Code
		}
	}

	ps := store.NewParquetStore(cfg.Storage.DataDir)
	g := gather.NewPriceGatherer(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL, ps, symbols)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	n, err := g.Gather(ctx, gather.LastDays(*days, time.Now()))
	if err != nil {
		log.Fatalf("%s gatherer error: %v", g.Name(), err)
	}
	fmt.Printf("wrote %d bars for %d instruments\n", n, len(symbols))
}
