// Package engine runs the order execution stack: it spawns contract orders
// from instrument orders, creates and manages broker orders, propagates
// fills back up the stack, and cancels and tears the stack down at the end
// of the day.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"execstack/internal/alert"
	"execstack/internal/algo"
	"execstack/internal/broker"
	"execstack/internal/controls"
	"execstack/internal/domain"
	"execstack/internal/instruments"
	"execstack/internal/metrics"
	"execstack/internal/store"
)

// CancelTimeoutMessage is the critical alert raised when broker orders stay
// open past the cancel timeout.
const CancelTimeoutMessage = "could not be cancelled within time limit; might be a position break"

// Deps are the collaborators the engine drives. Archive, Liquidity and
// Metrics are optional.
type Deps struct {
	Stacks    store.Stacks
	Positions store.PositionStore
	Archive   store.OrderArchive
	Gateway   broker.Gateway
	Catalog   *instruments.Catalog
	Controls  *controls.Store
	Algos     *algo.Registry
	Allocator *algo.Allocator
	Liquidity *LiquidityCache
	Alerter   alert.Alerter
	Metrics   *metrics.Recorder
	Log       *slog.Logger
}

// Settings tune the engine's bounded waits.
type Settings struct {
	CancelTimeout        time.Duration
	PollInterval         time.Duration
	AlertOnCancelTimeout bool
}

// Engine orchestrates the execution stack. Its methods are safe to call
// from several goroutines or processes sharing the same stacks: every state
// transition is a conditional update on a single order id.
type Engine struct {
	stacks    store.Stacks
	positions store.PositionStore
	archive   store.OrderArchive
	gw        broker.Gateway
	catalog   *instruments.Catalog
	controls  *controls.Store
	algos     *algo.Registry
	allocator *algo.Allocator
	risk      *RiskManager
	alerter   alert.Alerter
	metrics   *metrics.Recorder
	settings  Settings
	log       *slog.Logger

	// creditMu orders broker fills against trade-limit credits. credited
	// holds broker orders whose unfilled remainder went back to the limits.
	creditMu sync.Mutex
	credited map[int64]bool
}

// NewEngine creates an Engine wired with the given dependencies.
func NewEngine(d Deps, s Settings) *Engine {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Alerter == nil {
		d.Alerter = alert.NewLogAlerter(d.Log)
	}
	if d.Allocator == nil {
		d.Allocator = algo.NewAllocator(nil, nil)
	}
	if s.CancelTimeout <= 0 {
		s.CancelTimeout = 2 * time.Minute
	}
	if s.PollInterval <= 0 {
		s.PollInterval = time.Second
	}
	log := d.Log.With("component", "engine")
	return &Engine{
		stacks:    d.Stacks,
		positions: d.Positions,
		archive:   d.Archive,
		gw:        d.Gateway,
		catalog:   d.Catalog,
		controls:  d.Controls,
		algos:     d.Algos,
		allocator: d.Allocator,
		risk:      NewRiskManager(d.Controls, d.Gateway, d.Liquidity, log),
		alerter:   d.Alerter,
		metrics:   d.Metrics,
		settings:  s,
		log:       log,
		credited:  make(map[int64]bool),
	}
}

// Stacks returns the order stacks the engine operates on.
func (e *Engine) Stacks() store.Stacks {
	return e.stacks
}

// Positions returns the position store, which may be nil.
func (e *Engine) Positions() store.PositionStore {
	return e.positions
}

// ListOrders returns the active orders on one stack, ordered by id.
func (e *Engine) ListOrders(ctx context.Context, level domain.Level) ([]*domain.Order, error) {
	stack := e.stacks.ForLevel(level)
	if stack == nil {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownLevel, level)
	}
	ids, err := stack.ListOrderIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing %s orders: %w", level, err)
	}
	sortIDs(ids)
	out := make([]*domain.Order, 0, len(ids))
	for _, id := range ids {
		o, err := stack.Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// CancelAll cancels every working broker order and waits up to the
// configured cancel timeout for confirmation.
func (e *Engine) CancelAll(ctx context.Context) (CancelResult, error) {
	return e.CancelAllAndConfirm(ctx, e.settings.CancelTimeout)
}

// CycleReport summarizes one pass of the polling loop.
type CycleReport struct {
	Spawned        int
	BrokerOrders   int
	FillsUpdated   int
	FamiliesClosed int
	PositionBreaks []string
}

// RunCycle performs one pass: spawn contract orders, create broker orders,
// drain fills, close completed families and check for position breaks.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	var rep CycleReport
	var err error

	if rep.Spawned, err = e.SpawnChildrenFromNewInstrumentOrders(ctx); err != nil {
		return rep, err
	}
	if rep.BrokerOrders, err = e.ProcessNewContractOrders(ctx); err != nil {
		return rep, err
	}
	if rep.FillsUpdated, err = e.UpdateFillsFromBroker(ctx); err != nil {
		return rep, err
	}
	if rep.FamiliesClosed, err = e.HandleCompletedOrders(ctx); err != nil {
		return rep, err
	}
	if rep.PositionBreaks, err = e.CheckPositionBreaks(ctx); err != nil {
		return rep, err
	}
	e.recordActive(ctx)
	return rep, nil
}

// Run calls RunCycle every interval until the context is cancelled. Cycle
// errors are logged and the loop continues.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		rep, err := e.RunCycle(ctx)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return ctx.Err()
		case err != nil:
			e.log.Error("cycle failed", "error", err)
		case rep.Spawned+rep.BrokerOrders+rep.FillsUpdated+rep.FamiliesClosed > 0:
			e.log.Info("cycle complete",
				"spawned", rep.Spawned,
				"broker_orders", rep.BrokerOrders,
				"fills", rep.FillsUpdated,
				"closed", rep.FamiliesClosed)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) recordActive(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	for _, level := range domain.Levels {
		ids, err := e.stacks.ForLevel(level).ListOrderIDs(ctx)
		if err != nil {
			continue
		}
		e.metrics.ActiveOrders(string(level), len(ids))
	}
}

// critical raises an alert and counts it.
func (e *Engine) critical(ctx context.Context, msg string, args ...any) {
	e.alerter.Critical(ctx, msg, args...)
	e.metrics.CriticalAlert()
}
