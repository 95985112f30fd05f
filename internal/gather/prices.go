// Package gather fetches the market data the execution stack consumes
// offline: daily prices for the backtester and for seeding the simulated
// broker.
package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"golang.org/x/sync/errgroup"

	"execstack/internal/domain"
	"execstack/internal/store"
	"execstack/internal/util"
)

// ErrNoInstruments is returned by Gather when there is nothing to fetch.
var ErrNoInstruments = errors.New("no instruments to gather")

// DateRange is the span of days a fetch covers.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// LastDays returns the range of the given number of days ending at end.
func LastDays(days int, end time.Time) DateRange {
	return DateRange{Start: end.AddDate(0, 0, -days), End: end}
}

// BarSource is the part of the Alpaca market-data client the gatherer uses.
type BarSource interface {
	GetMultiBars(symbols []string, req marketdata.GetBarsRequest) (map[string][]marketdata.Bar, error)
}

// PriceGatherer fetches daily closing prices for instruments from the
// Alpaca market-data API. Instruments that trade under a proxy symbol are
// fetched by that symbol and stored under the instrument code.
type PriceGatherer struct {
	source     BarSource
	store      store.BarStore
	symbols    map[string]string // instrument -> broker symbol
	batchSize  int
	maxWorkers int
	feed       string
	attempts   int
	retryDelay time.Duration
	log        *slog.Logger
}

// NewPriceGatherer creates a PriceGatherer reading from the Alpaca
// market-data API with the given credentials.
func NewPriceGatherer(apiKey, apiSecret, dataURL string, s store.BarStore, symbols map[string]string) *PriceGatherer {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return NewPriceGathererFrom(marketdata.NewClient(opts), s, symbols)
}

// NewPriceGathererFrom creates a PriceGatherer over any BarSource.
func NewPriceGathererFrom(src BarSource, s store.BarStore, symbols map[string]string) *PriceGatherer {
	return &PriceGatherer{
		source:     src,
		store:      s,
		symbols:    symbols,
		batchSize:  100,
		maxWorkers: 4,
		feed:       "iex",
		attempts:   3,
		retryDelay: time.Second,
		log:        slog.Default().With("gatherer", "prices"),
	}
}

// Name returns the gatherer identifier.
func (g *PriceGatherer) Name() string { return "prices" }

// Gather fetches daily prices over r for every instrument and writes them
// to the store. It returns the number of bars written. A failed batch is
// logged and skipped.
func (g *PriceGatherer) Gather(ctx context.Context, r DateRange) (int, error) {
	if len(g.symbols) == 0 {
		return 0, ErrNoInstruments
	}

	bySymbol := make(map[string][]string)
	for inst, sym := range g.symbols {
		sym = strings.ToUpper(sym)
		bySymbol[sym] = append(bySymbol[sym], inst)
	}
	syms := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		syms = append(syms, s)
	}
	sort.Strings(syms)

	var batches [][]string
	for i := 0; i < len(syms); i += g.batchSize {
		batches = append(batches, syms[i:min(i+g.batchSize, len(syms))])
	}

	var written atomic.Int64
	grp, ctx := errgroup.WithContext(ctx)
	grp.SetLimit(g.maxWorkers)
	for i, batch := range batches {
		grp.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var multi map[string][]marketdata.Bar
			err := util.Retry(ctx, g.attempts, g.retryDelay, func() error {
				var err error
				multi, err = g.source.GetMultiBars(batch, marketdata.GetBarsRequest{
					TimeFrame: marketdata.OneDay,
					Start:     r.Start,
					End:       r.End,
					Feed:      g.feed,
				})
				return err
			})
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				g.log.Error("batch fetch failed", "batch", fmt.Sprintf("%d/%d", i+1, len(batches)), "error", err)
				return nil
			}
			bars := toBars(multi, bySymbol)
			if len(bars) == 0 {
				g.log.Warn("no prices returned", "symbols", batch)
				return nil
			}
			if err := g.store.WriteBars(ctx, bars); err != nil {
				return fmt.Errorf("writing bars: %w", err)
			}
			written.Add(int64(len(bars)))
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return int(written.Load()), err
	}

	g.log.Info("prices gathered", "instruments", len(g.symbols), "bars", written.Load())
	return int(written.Load()), nil
}

// toBars converts Alpaca bars into closing prices keyed by instrument.
func toBars(multi map[string][]marketdata.Bar, bySymbol map[string][]string) []domain.Bar {
	var out []domain.Bar
	for sym, bars := range multi {
		for _, inst := range bySymbol[strings.ToUpper(sym)] {
			for _, b := range bars {
				out = append(out, domain.Bar{
					Instrument: inst,
					Timestamp:  b.Timestamp,
					Price:      b.Close,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Instrument != out[j].Instrument {
			return out[i].Instrument < out[j].Instrument
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
