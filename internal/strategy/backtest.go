package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"execstack/internal/simulator"
	"execstack/internal/store"
)

// ErrUnknownStrategy is returned when the backtest names a strategy the
// registry does not hold.
var ErrUnknownStrategy = errors.New("unknown strategy")

// InstrumentResult summarizes the order simulation of one instrument.
type InstrumentResult struct {
	Instrument    string
	Orders        int
	Fills         int
	FinalPosition int64
	PnL           float64
}

// BacktestResult holds the per-instrument results of a backtest run.
type BacktestResult struct {
	Strategy    string
	Variant     simulator.Variant
	Level       Level
	Instruments []InstrumentResult
	TotalPnL    float64
	TotalTrades int
}

// Backtester replays stored optimal positions through the order simulator
// against stored prices and writes the diagnostic views back.
type Backtester struct {
	bars     store.BarStore
	sims     store.SimulationStore
	registry *Registry
	log      *slog.Logger
}

// NewBacktester creates a Backtester. sims may be nil to skip writing
// diagnostics.
func NewBacktester(bars store.BarStore, sims store.SimulationStore, registry *Registry, log *slog.Logger) *Backtester {
	if log == nil {
		log = slog.Default()
	}
	return &Backtester{
		bars:     bars,
		sims:     sims,
		registry: registry,
		log:      log.With("component", "backtest"),
	}
}

// Run simulates the named strategy for each instrument over [start, end].
// Instruments without prices or positions are skipped with a warning.
func (bt *Backtester) Run(
	ctx context.Context,
	strategyName string,
	instruments []string,
	start, end time.Time,
	variant simulator.Variant,
	level Level,
) (*BacktestResult, error) {
	src, ok := bt.registry.Get(strategyName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategyName)
	}
	if _, err := simulator.ParseVariant(string(variant)); err != nil {
		return nil, err
	}

	res := &BacktestResult{Strategy: strategyName, Variant: variant, Level: level}
	for _, inst := range instruments {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ir, err := bt.runInstrument(ctx, src, inst, start, end, variant, level)
		if err != nil {
			return res, fmt.Errorf("simulating %s: %w", inst, err)
		}
		if ir == nil {
			continue
		}
		res.Instruments = append(res.Instruments, *ir)
		res.TotalPnL += ir.PnL
		res.TotalTrades += ir.Fills
	}
	return res, nil
}

func (bt *Backtester) runInstrument(
	ctx context.Context,
	src PositionSource,
	instrument string,
	start, end time.Time,
	variant simulator.Variant,
	level Level,
) (*InstrumentResult, error) {
	bars, err := bt.bars.ReadBars(ctx, instrument, start, end)
	if err != nil {
		return nil, fmt.Errorf("reading prices: %w", err)
	}
	if len(bars) == 0 {
		bt.log.Warn("no prices, skipping", "instrument", instrument)
		return nil, nil
	}
	positions, err := src.OptimalPositions(ctx, instrument, level)
	if err != nil {
		return nil, fmt.Errorf("reading optimal positions: %w", err)
	}
	if len(positions) == 0 {
		bt.log.Warn("no optimal positions, skipping", "instrument", instrument)
		return nil, nil
	}

	prices := simulator.FromBars(bars)
	optimal, err := simulator.Align(prices, simulator.FromOptimalPositions(positions))
	if err != nil {
		return nil, err
	}
	sim, err := simulator.Simulate(prices, optimal, variant)
	if err != nil {
		return nil, err
	}

	if bt.sims != nil {
		name := seriesKey(src.Name(), level)
		if err := bt.sims.WriteDiagnostics(name, instrument, string(variant), diagnosticRecords(sim)); err != nil {
			return nil, err
		}
	}

	fills, _ := sim.Trades()
	ir := &InstrumentResult{
		Instrument:    instrument,
		Orders:        len(sim.Orders),
		Fills:         fills,
		FinalPosition: sim.Positions[len(sim.Positions)-1],
		PnL:           sim.PnL(prices),
	}
	bt.log.Info("simulated",
		"instrument", instrument,
		"variant", variant,
		"orders", ir.Orders,
		"fills", ir.Fills,
		"pnl", ir.PnL)
	return ir, nil
}

func diagnosticRecords(sim *simulator.Result) []store.DiagnosticRecord {
	rows := sim.Diagnostic()
	out := make([]store.DiagnosticRecord, len(rows))
	for i, r := range rows {
		out[i] = store.DiagnosticRecord{
			Timestamp:       r.Time.UnixMilli(),
			OptimalPosition: r.OptimalPosition,
			OrderQty:        r.OrderQty,
			LimitPrice:      r.LimitPrice,
			FillQty:         r.FillQty,
			FillPrice:       r.FillPrice,
			Position:        r.Position,
		}
	}
	return out
}
