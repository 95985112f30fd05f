package engine

import (
	"context"
	"errors"
	"fmt"

	"execstack/internal/domain"
)

// ErrBrokerOrderNotRecorded is returned when a broker order reached the
// broker but could not be put on the stack. The contract order is left
// locked for manual reconciliation.
var ErrBrokerOrderNotRecorded = errors.New("broker order submitted but not recorded")

// ProcessNewContractOrders creates a broker order for every contract order
// that is unfilled and not already under algo control, and returns how many
// broker orders were created. Failures are isolated per order.
func (e *Engine) ProcessNewContractOrders(ctx context.Context) (int, error) {
	ids, err := e.stacks.Contract.ListOrderIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing contract orders: %w", err)
	}

	created := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		co, err := e.stacks.Contract.Get(ctx, id)
		if err != nil {
			e.log.Warn("reading contract order", "order_id", id, "error", err)
			continue
		}
		if co.Completed() || co.UnderAlgoControl() || co.Locked {
			continue
		}
		ok, err := e.CreateBrokerOrder(ctx, co)
		if err != nil {
			e.log.Error("creating broker order", "order_id", id, "error", err)
			continue
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// CreateBrokerOrder runs one attempt at executing a contract order: checks,
// sizing, algo hand-off, submission, persistence, management and fill
// propagation. It reports whether a broker order was created. Soft skips
// return false with a nil error.
func (e *Engine) CreateBrokerOrder(ctx context.Context, co *domain.Order) (bool, error) {
	log := e.log.With("order_id", co.ID, "instrument", co.Instrument, "contract", co.ContractID())

	if e.controls != nil && e.controls.IsLocked(co.Instrument) {
		log.Info("instrument locked, skipping")
		e.metrics.Skip("locked")
		return false, nil
	}
	tradeable, err := e.gw.IsTradeable(ctx, co.Instrument, co.ContractID())
	if err != nil {
		log.Warn("tradeable check failed, skipping", "error", err)
		e.metrics.Skip("closed")
		return false, nil
	}
	if !tradeable {
		log.Info("market closed, skipping")
		e.metrics.Skip("closed")
		return false, nil
	}

	qty := e.risk.SizeTrade(ctx, co)
	if qty == 0 {
		log.Info("sized to zero, skipping", "remaining", co.Remaining())
		e.metrics.Skip("size")
		return false, nil
	}

	algoName := co.AlgoToUse
	if algoName == "" {
		if algoName, err = e.allocator.Allocate(co.Instrument, co.OrderType); err != nil {
			return false, err
		}
	}
	a, ok := e.algos.Get(algoName)
	if !ok {
		return false, fmt.Errorf("contract order %d: unknown algo %q", co.ID, algoName)
	}

	if err := e.stacks.Contract.ClaimControl(ctx, co.ID, algoName); err != nil {
		if errors.Is(err, domain.ErrAlreadyControlled) {
			log.Info("already under algo control, skipping")
			return false, nil
		}
		return false, err
	}
	release := true
	defer func() {
		if !release {
			return
		}
		if err := e.stacks.Contract.ReleaseControl(context.WithoutCancel(ctx), co.ID); err != nil {
			log.Error("releasing algo control", "error", err)
		}
	}()

	// Another caller may have filled the order between our read and the claim.
	if co, err = e.stacks.Contract.Get(ctx, co.ID); err != nil {
		return false, err
	}
	if co.Locked || co.Completed() {
		return false, nil
	}
	if rem := co.Remaining(); domain.Abs(qty) > domain.Abs(rem) {
		qty = rem
	}

	h, err := a.Submit(ctx, co, qty)
	if err != nil {
		log.Warn("algo did not submit", "algo", algoName, "qty", qty, "error", err)
		return false, nil
	}
	bo := h.BrokerOrder
	if e.controls != nil {
		e.controls.AddTrade(co.Instrument, co.Strategy, bo.Trade)
	}

	bid, err := e.recordBrokerOrder(ctx, co, bo)
	if err != nil {
		// Stays locked under algo control until someone reconciles it.
		release = false
		return false, err
	}
	bo.ID = bid
	e.metrics.BrokerOrder(algoName)

	filled, manageErr := a.Manage(ctx, h)
	if filled != nil {
		filled.ID = bid
		if err := e.applyBrokerFill(context.WithoutCancel(ctx), bid, filled.Fill, filled.FilledPrice, filled.FillTime); err != nil {
			log.Error("applying broker fill", "broker_order", bid, "error", err)
		}
	}
	e.creditRemainder(context.WithoutCancel(ctx), bid)
	if manageErr != nil {
		return true, manageErr
	}
	return true, nil
}

// recordBrokerOrder puts the broker order on the stack and links it to its
// contract order. Any failure leaves a live broker order the stack does not
// know about, so it is alerted and the contract order is locked. Teardown
// leaves locked families in place.
func (e *Engine) recordBrokerOrder(ctx context.Context, co, bo *domain.Order) (int64, error) {
	bid, err := e.stacks.Broker.Put(ctx, bo)
	if err == nil {
		err = e.stacks.Contract.AddChildren(ctx, co.ID, bid)
	}
	if err == nil {
		return bid, nil
	}

	e.critical(ctx, "broker order submitted but not recorded, contract order locked",
		"order_id", co.ID, "instrument", co.Instrument, "broker_ref", bo.BrokerRef, "error", err)
	if lerr := e.stacks.Contract.Lock(context.WithoutCancel(ctx), co.ID); lerr != nil && !errors.Is(lerr, domain.ErrLocked) {
		e.log.Error("locking contract order", "order_id", co.ID, "error", lerr)
	}
	return 0, fmt.Errorf("contract order %d: %w: %v", co.ID, ErrBrokerOrderNotRecorded, err)
}
