package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"execstack/internal/broker"
)

// CheckPositionBreaks compares, per instrument, the sum of strategy
// positions with the sum of contract positions. Each mismatched instrument
// is locked and alerted once. It returns the broken instruments, sorted.
func (e *Engine) CheckPositionBreaks(ctx context.Context) ([]string, error) {
	if e.positions == nil {
		return nil, nil
	}
	strat, err := e.positions.ListStrategyPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing strategy positions: %w", err)
	}
	contracts, err := e.positions.ListContractPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing contract positions: %w", err)
	}

	byStrategy := make(map[string]int64)
	for _, p := range strat {
		byStrategy[p.Instrument] += p.Qty
	}
	byContract := make(map[string]int64)
	for _, p := range contracts {
		byContract[p.Instrument] += p.Qty
	}

	seen := make(map[string]bool)
	var broken []string
	for _, m := range []map[string]int64{byStrategy, byContract} {
		for inst := range m {
			if seen[inst] {
				continue
			}
			seen[inst] = true
			if byStrategy[inst] != byContract[inst] {
				broken = append(broken, inst)
			}
		}
	}
	sort.Strings(broken)

	for _, inst := range broken {
		e.lockBreak(ctx, "internal", inst, "strategy_total", byStrategy[inst], "contract_total", byContract[inst])
	}
	return broken, nil
}

// CheckExternalPositionBreaks compares, per instrument, the stack's contract
// positions with the positions the broker reports. Mismatched instruments
// are locked and alerted once. It returns them sorted.
func (e *Engine) CheckExternalPositionBreaks(ctx context.Context) ([]string, error) {
	if e.positions == nil {
		return nil, nil
	}
	held, err := e.gw.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading broker positions: %w", err)
	}
	contracts, err := e.positions.ListContractPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing contract positions: %w", err)
	}

	atBroker := make(map[string]int64)
	for _, p := range held {
		atBroker[p.Instrument] += p.Qty
	}
	onStack := make(map[string]int64)
	for _, p := range contracts {
		onStack[p.Instrument] += p.Qty
	}

	var broken []string
	for inst, qty := range atBroker {
		if onStack[inst] != qty {
			broken = append(broken, inst)
		}
	}
	for inst, qty := range onStack {
		if _, ok := atBroker[inst]; !ok && qty != 0 {
			broken = append(broken, inst)
		}
	}
	sort.Strings(broken)

	for _, inst := range broken {
		e.lockBreak(ctx, "external", inst, "broker_total", atBroker[inst], "stack_total", onStack[inst])
	}
	return broken, nil
}

func (e *Engine) lockBreak(ctx context.Context, kind, inst string, args ...any) {
	if e.controls != nil {
		if e.controls.IsLocked(inst) {
			return // already reported
		}
		e.controls.LockInstrument(inst)
	}
	args = append([]any{"kind", kind, "instrument", inst}, args...)
	e.critical(ctx, "position break, instrument locked", args...)
}

// CheckMissingBrokerOrders returns the working broker orders on the stack
// that the broker has no record of. Each is logged.
func (e *Engine) CheckMissingBrokerOrders(ctx context.Context) ([]int64, error) {
	ids, err := e.stacks.Broker.ListOrderIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing broker orders: %w", err)
	}
	var missing []int64
	for _, id := range ids {
		bo, err := e.stacks.Broker.Get(ctx, id)
		if err != nil || bo.Completed() || bo.BrokerRef == "" {
			continue
		}
		_, err = e.gw.FillStatus(ctx, bo.BrokerRef)
		if errors.Is(err, broker.ErrUnknownOrder) {
			e.log.Warn("broker order not with broker", "broker_order", id, "broker_ref", bo.BrokerRef,
				"instrument", bo.Instrument, "trade", bo.Trade)
			missing = append(missing, id)
			continue
		}
		if err != nil {
			e.log.Warn("reading fill status", "broker_order", id, "broker_ref", bo.BrokerRef, "error", err)
		}
	}
	return missing, nil
}

// CheckOrphanBrokerOrders returns the orders working at the broker that no
// broker order on the stack refers to. Each is alerted.
func (e *Engine) CheckOrphanBrokerOrders(ctx context.Context) ([]broker.OrderStatus, error) {
	open, err := e.gw.ListOpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing open broker orders: %w", err)
	}
	if len(open) == 0 {
		return nil, nil
	}
	ids, err := e.stacks.Broker.ListAllOrderIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing broker orders: %w", err)
	}
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		if bo, err := e.stacks.Broker.Get(ctx, id); err == nil && bo.BrokerRef != "" {
			known[bo.BrokerRef] = true
		}
	}

	var orphans []broker.OrderStatus
	for _, st := range open {
		if known[st.BrokerRef] {
			continue
		}
		e.critical(ctx, "order with broker but not on the stack",
			"broker_ref", st.BrokerRef, "instrument", st.Instrument, "contract", st.Contract,
			"trade", st.Trade, "filled", st.Filled)
		orphans = append(orphans, st)
	}
	return orphans, nil
}

// CheckReport collects the results of RunChecks.
type CheckReport struct {
	InternalBreaks []string             `json:"internal_breaks"`
	ExternalBreaks []string             `json:"external_breaks"`
	Missing        []int64              `json:"missing"`
	Orphans        []broker.OrderStatus `json:"orphans"`
}

// RunChecks runs every consistency check: internal and external position
// breaks, stack orders missing at the broker and broker orders missing from
// the stack.
func (e *Engine) RunChecks(ctx context.Context) (CheckReport, error) {
	var rep CheckReport
	var err error
	if rep.InternalBreaks, err = e.CheckPositionBreaks(ctx); err != nil {
		return rep, err
	}
	if rep.ExternalBreaks, err = e.CheckExternalPositionBreaks(ctx); err != nil {
		return rep, err
	}
	if rep.Missing, err = e.CheckMissingBrokerOrders(ctx); err != nil {
		return rep, err
	}
	if rep.Orphans, err = e.CheckOrphanBrokerOrders(ctx); err != nil {
		return rep, err
	}
	return rep, nil
}
