package engine

import (
	"context"
	"errors"
	"fmt"

	"execstack/internal/domain"
)

// contractLeg is one contract and the quantity a child order trades in it.
type contractLeg struct {
	contract string
	trade    int64
}

// SpawnChildrenFromNewInstrumentOrders spawns contract orders for every
// instrument order that has none yet and returns how many children were
// created. Orders locked by another caller are skipped.
func (e *Engine) SpawnChildrenFromNewInstrumentOrders(ctx context.Context) (int, error) {
	ids, err := e.stacks.Instrument.ListNewOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing new instrument orders: %w", err)
	}

	total := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := e.spawnForInstrumentOrder(ctx, id)
		if err != nil {
			e.log.Error("spawning contract orders", "order_id", id, "error", err)
			continue
		}
		total += n
	}
	return total, nil
}

func (e *Engine) spawnForInstrumentOrder(ctx context.Context, id int64) (int, error) {
	if err := e.stacks.Instrument.Lock(ctx, id); err != nil {
		if errors.Is(err, domain.ErrLocked) {
			e.log.Debug("instrument order locked, skipping", "order_id", id)
			return 0, nil
		}
		return 0, err
	}
	defer func() {
		if err := e.stacks.Instrument.Unlock(ctx, id); err != nil {
			e.log.Error("unlocking instrument order", "order_id", id, "error", err)
		}
	}()

	io, err := e.stacks.Instrument.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if len(io.Children) > 0 {
		return 0, nil
	}

	children, err := e.SpawnChildren(ctx, io)
	if err != nil {
		return 0, err
	}
	if len(children) == 0 {
		return 0, nil
	}

	childIDs := make([]int64, 0, len(children))
	for _, c := range children {
		cid, err := e.stacks.Contract.Put(ctx, c)
		if err != nil {
			e.rollbackChildren(ctx, childIDs)
			return 0, fmt.Errorf("putting contract order for instrument order %d: %w", id, err)
		}
		childIDs = append(childIDs, cid)
	}
	if err := e.stacks.Instrument.AddChildren(ctx, id, childIDs...); err != nil {
		e.rollbackChildren(ctx, childIDs)
		return 0, fmt.Errorf("linking children of instrument order %d: %w", id, err)
	}

	e.log.Info("spawned contract orders", "order_id", id, "instrument", io.Instrument, "children", childIDs)
	e.metrics.Spawned(io.Instrument, len(childIDs))
	return len(childIDs), nil
}

// rollbackChildren removes contract orders that were inserted but never
// linked to their parent.
func (e *Engine) rollbackChildren(ctx context.Context, ids []int64) {
	for _, cid := range ids {
		if err := e.stacks.Contract.Deactivate(ctx, cid); err != nil {
			e.log.Error("rolling back contract order", "order_id", cid, "error", err)
			continue
		}
		if _, err := e.stacks.Contract.RemoveIfDeactivated(ctx, cid); err != nil {
			e.log.Error("removing rolled back contract order", "order_id", cid, "error", err)
		}
	}
}

// SpawnChildren returns the unsaved contract orders for an instrument order,
// routed by the instrument's roll state. No children is a normal outcome:
// a zero trade, or an instrument whose position is owned by rolling.
func (e *Engine) SpawnChildren(ctx context.Context, io *domain.Order) ([]*domain.Order, error) {
	if io.Trade == 0 {
		return nil, nil
	}

	inst, err := e.catalog.Get(io.Instrument)
	if err != nil {
		return nil, err
	}

	var legs []contractLeg
	switch rs := inst.RollState; {
	case rs == domain.RollNone:
		legs = []contractLeg{{inst.PricedContract, io.Trade}}
	case rs.RollingOwnsPosition():
		e.log.Info("rolling, can't trade", "order_id", io.ID, "instrument", io.Instrument, "roll_state", rs)
		return nil, nil
	case rs == domain.RollPassive:
		pos, err := e.positions.ContractPosition(ctx, io.Instrument, inst.PricedContract)
		if err != nil {
			return nil, err
		}
		legs = splitPassiveRoll(pos, io.Trade, inst.PricedContract, inst.ForwardContract)
	case rs == domain.RollClose:
		pos, err := e.positions.ContractPosition(ctx, io.Instrument, inst.PricedContract)
		if err != nil {
			return nil, err
		}
		if !reducesWithoutFlip(pos, io.Trade) {
			e.log.Info("closing roll only allows reducing trades", "order_id", io.ID,
				"instrument", io.Instrument, "position", pos, "trade", io.Trade)
			return nil, nil
		}
		legs = []contractLeg{{inst.PricedContract, io.Trade}}
	default:
		return nil, fmt.Errorf("instrument %s: %w: %q", io.Instrument, domain.ErrUnknownRollState, rs)
	}

	children := make([]*domain.Order, 0, len(legs))
	for _, leg := range legs {
		if leg.contract == "" {
			e.log.Warn("no contract to trade", "order_id", io.ID, "instrument", io.Instrument)
			return nil, nil
		}
		c := &domain.Order{
			Level:       domain.LevelContract,
			Strategy:    io.Strategy,
			Instrument:  io.Instrument,
			ContractIDs: []string{leg.contract},
			Trade:       leg.trade,
			Parent:      io.ID,
			OrderType:   io.OrderType,
		}
		if err := e.adjustPrices(ctx, io, c); err != nil {
			return nil, err
		}
		algoName, err := e.allocator.Allocate(io.Instrument, io.OrderType)
		if err != nil {
			return nil, fmt.Errorf("instrument order %d: %w", io.ID, err)
		}
		c.AlgoToUse = algoName
		children = append(children, c)
	}
	return children, nil
}

// splitPassiveRoll routes a trade while passively rolling. Opening and
// increasing trades go to the forward contract, reductions stay in the
// priced contract, and a reduction through zero closes the priced position
// and opens the rest in the forward contract.
func splitPassiveRoll(position, trade int64, priced, forward string) []contractLeg {
	switch {
	case position == 0:
		return []contractLeg{{forward, trade}}
	case domain.Sign(position) == domain.Sign(trade):
		return []contractLeg{{forward, trade}}
	case reducesWithoutFlip(position, trade):
		return []contractLeg{{priced, trade}}
	}
	return []contractLeg{
		{priced, -position},
		{forward, trade + position},
	}
}

// reducesWithoutFlip reports whether trade moves position towards zero
// without crossing it.
func reducesWithoutFlip(position, trade int64) bool {
	return position != 0 && domain.Sign(trade) != domain.Sign(position) && domain.Abs(trade) <= domain.Abs(position)
}
