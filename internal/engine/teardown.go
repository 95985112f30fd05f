package engine

import (
	"context"
	"fmt"

	"execstack/internal/domain"
)

// TeardownResult reports what SafeStackRemoval did.
type TeardownResult struct {
	Cancel         CancelResult `json:"cancel"`
	FillsUpdated   int          `json:"fills_updated"`
	ForceCompleted int          `json:"force_completed"`
	Held           int          `json:"held"`
	FamiliesClosed int          `json:"families_closed"`
	Removed        int          `json:"removed"`
	Checks         CheckReport  `json:"checks"`
}

// SafeStackRemoval is the end-of-day teardown. It cancels and confirms all
// working broker orders, drains remaining fills, force-completes partially
// filled orders, closes completed families and sweeps every deactivated
// order off the three stacks. A cancel timeout is alerted but does not stop
// the teardown. Families holding a locked order are left on the stack and
// alerted. The consistency checks run last.
func (e *Engine) SafeStackRemoval(ctx context.Context) (TeardownResult, error) {
	var res TeardownResult
	var err error

	if res.Cancel, err = e.CancelAllAndConfirm(ctx, e.settings.CancelTimeout); err != nil {
		return res, err
	}
	if !res.Cancel.Success && !e.settings.AlertOnCancelTimeout {
		e.critical(ctx, CancelTimeoutMessage, "broker_orders", res.Cancel.Outstanding, "stage", "end of day")
	}
	if res.FillsUpdated, err = e.UpdateFillsFromBroker(ctx); err != nil {
		return res, err
	}
	held, err := e.heldOrders(ctx)
	if err != nil {
		return res, err
	}
	for _, ids := range held {
		res.Held += len(ids)
	}
	if res.Held > 0 {
		e.critical(ctx, "locked orders left on the stack at end of day", "orders", res.Held)
	}
	if res.ForceCompleted, err = e.forceCompleteAll(ctx, held); err != nil {
		return res, err
	}
	if res.FamiliesClosed, err = e.HandleCompletedOrders(ctx); err != nil {
		return res, err
	}
	if res.Removed, err = e.removeDeactivated(ctx); err != nil {
		return res, err
	}
	if res.Checks, err = e.RunChecks(ctx); err != nil {
		return res, err
	}

	e.log.Info("end of day teardown complete",
		"cancel_success", res.Cancel.Success,
		"force_completed", res.ForceCompleted,
		"held", res.Held,
		"families_closed", res.FamiliesClosed,
		"removed", res.Removed)
	return res, nil
}

// heldOrders returns, per level, the active orders that are locked or belong
// to a family holding a locked order.
func (e *Engine) heldOrders(ctx context.Context) (map[domain.Level]map[int64]bool, error) {
	held := make(map[domain.Level]map[int64]bool)
	mark := func(level domain.Level, id int64) {
		if held[level] == nil {
			held[level] = make(map[int64]bool)
		}
		held[level][id] = true
	}

	ids, err := e.stacks.Instrument.ListOrderIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing instrument orders: %w", err)
	}
	for _, id := range ids {
		f, err := e.loadFamily(ctx, id)
		if err != nil || !f.held() {
			continue
		}
		for level, ids := range f.ids() {
			for _, id := range ids {
				mark(level, id)
			}
		}
	}

	for _, level := range []domain.Level{domain.LevelContract, domain.LevelBroker} {
		stack := e.stacks.ForLevel(level)
		ids, err := stack.ListOrderIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing %s orders: %w", level, err)
		}
		for _, id := range ids {
			if o, err := stack.Get(ctx, id); err == nil && o.Locked {
				mark(level, id)
			}
		}
	}
	return held, nil
}

// forceCompleteAll sets trade equal to fill on every active order that is
// not complete and not held. It is only used during teardown.
func (e *Engine) forceCompleteAll(ctx context.Context, held map[domain.Level]map[int64]bool) (int, error) {
	n := 0
	for _, level := range []domain.Level{domain.LevelBroker, domain.LevelContract, domain.LevelInstrument} {
		stack := e.stacks.ForLevel(level)
		ids, err := stack.ListOrderIDs(ctx)
		if err != nil {
			return n, fmt.Errorf("listing %s orders: %w", level, err)
		}
		for _, id := range ids {
			if held[level][id] {
				continue
			}
			o, err := stack.Get(ctx, id)
			if err != nil || o.Completed() {
				continue
			}
			if err := stack.ForceComplete(ctx, id); err != nil {
				return n, fmt.Errorf("force completing %s order %d: %w", level, id, err)
			}
			e.log.Info("force completed", "level", level, "order_id", id, "trade", o.Trade, "fill", o.Fill)
			n++
		}
	}
	return n, nil
}

// removeDeactivated deletes every inactive order from the three stacks.
func (e *Engine) removeDeactivated(ctx context.Context) (int, error) {
	n := 0
	for _, level := range domain.Levels {
		stack := e.stacks.ForLevel(level)
		ids, err := stack.ListAllOrderIDs(ctx)
		if err != nil {
			return n, fmt.Errorf("listing %s orders: %w", level, err)
		}
		for _, id := range ids {
			removed, err := stack.RemoveIfDeactivated(ctx, id)
			if err != nil {
				e.log.Warn("removing order", "level", level, "order_id", id, "error", err)
				continue
			}
			if removed {
				n++
			}
		}
	}
	return n, nil
}
