package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"execstack/internal/broker"
	"execstack/internal/util"
)

// CancelResult reports the outcome of CancelAllAndConfirm.
type CancelResult struct {
	Success     bool    `json:"success"`
	Confirmed   []int64 `json:"confirmed"`
	Outstanding []int64 `json:"outstanding,omitempty"`
}

// CancelAllAndConfirm asks the broker to cancel every broker order whose
// fill differs from its trade, then polls until each is confirmed cancelled
// or filled, or the timeout passes. A broker order the gateway no longer
// knows counts as cancelled. On timeout the result is unsuccessful and,
// when configured, a critical alert names the outstanding orders. Only a
// cancelled context is returned as an error.
func (e *Engine) CancelAllAndConfirm(ctx context.Context, timeout time.Duration) (CancelResult, error) {
	ids, err := e.stacks.Broker.ListOrderIDs(ctx)
	if err != nil {
		return CancelResult{}, fmt.Errorf("listing broker orders: %w", err)
	}

	pending := make(map[int64]string)
	var res CancelResult
	for _, id := range ids {
		bo, err := e.stacks.Broker.Get(ctx, id)
		if err != nil || bo.Completed() {
			continue
		}
		if bo.BrokerRef == "" {
			res.Confirmed = append(res.Confirmed, id)
			continue
		}
		if err := e.gw.CancelOrder(ctx, bo.BrokerRef); err != nil {
			if errors.Is(err, broker.ErrUnknownOrder) {
				res.Confirmed = append(res.Confirmed, id)
				continue
			}
			e.log.Warn("cancel request failed", "broker_order", id, "broker_ref", bo.BrokerRef, "error", err)
		}
		pending[id] = bo.BrokerRef
	}
	if len(pending) > 0 {
		e.log.Info("cancelling broker orders", "count", len(pending))
	}

	timer := util.NewTimer(timeout)
	for {
		for id, ref := range pending {
			if e.cancelConfirmed(ctx, id, ref) {
				res.Confirmed = append(res.Confirmed, id)
				delete(pending, id)
			}
		}
		if len(pending) == 0 {
			res.Success = true
			sortIDs(res.Confirmed)
			return res, nil
		}
		if timer.Expired() {
			break
		}
		wait := e.settings.PollInterval
		if r := timer.Remaining(); r < wait {
			wait = r
		}
		if err := util.Sleep(ctx, wait); err != nil {
			return res, err
		}
	}

	for id := range pending {
		res.Outstanding = append(res.Outstanding, id)
	}
	sortIDs(res.Confirmed)
	sortIDs(res.Outstanding)
	e.metrics.CancelTimeout()
	if e.settings.AlertOnCancelTimeout {
		e.critical(ctx, CancelTimeoutMessage, "broker_orders", res.Outstanding, "timeout", timeout)
	} else {
		e.log.Warn(CancelTimeoutMessage, "broker_orders", res.Outstanding, "timeout", timeout)
	}
	return res, nil
}

// cancelConfirmed polls one broker order, applying any new fill, and
// reports whether it is no longer working.
func (e *Engine) cancelConfirmed(ctx context.Context, id int64, ref string) bool {
	st, err := e.gw.FillStatus(ctx, ref)
	if err != nil {
		if errors.Is(err, broker.ErrUnknownOrder) {
			return true
		}
		e.log.Warn("reading fill status", "broker_order", id, "broker_ref", ref, "error", err)
		return false
	}
	if err := e.applyBrokerFill(ctx, id, st.Filled, st.AvgPrice, st.FillTime); err != nil {
		e.log.Error("applying broker fill", "broker_order", id, "error", err)
	}
	return st.Done
}
