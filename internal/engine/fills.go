package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"execstack/internal/broker"
	"execstack/internal/domain"
	"execstack/internal/store"
)

// applyBrokerFill records a broker order's cumulative fill and propagates it
// upward: the contract order's fill becomes the sum of its broker children,
// and the instrument order's the sum of its contract children. Positions
// move only by the change each stack reports having applied, so concurrent
// callers delivering the same fill count it once. A fill arriving after the
// order's remainder was credited back to the trade limits is charged again.
// A stale fill smaller than the recorded one is ignored.
func (e *Engine) applyBrokerFill(ctx context.Context, brokerID, fill int64, price float64, ts time.Time) error {
	bo, err := e.stacks.Broker.Get(ctx, brokerID)
	if err != nil {
		return err
	}
	if fill == bo.Fill || domain.Abs(fill) < domain.Abs(bo.Fill) {
		return nil
	}
	e.creditMu.Lock()
	prev, err := e.stacks.Broker.UpdateFill(ctx, brokerID, fill, price, ts)
	recharge := err == nil && e.credited[brokerID]
	e.creditMu.Unlock()
	if errors.Is(err, domain.ErrFillDecrease) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("broker order %d: %w", brokerID, err)
	}
	if prev == fill {
		return nil
	}
	if recharge && e.controls != nil {
		e.controls.AddTrade(bo.Instrument, bo.Strategy, fill-prev)
	}
	e.log.Info("broker fill", "broker_order", brokerID, "instrument", bo.Instrument,
		"contract", bo.ContractID(), "fill", fill, "trade", bo.Trade, "price", price)

	if bo.Parent == 0 {
		return nil
	}
	co, delta, err := e.rollUpFill(ctx, e.stacks.Contract, e.stacks.Broker, bo.Parent)
	if err != nil {
		return err
	}
	if delta != 0 && e.positions != nil {
		if err := e.positions.UpdateContractPosition(ctx, co.Instrument, co.ContractID(), delta); err != nil {
			return fmt.Errorf("updating contract position %s/%s: %w", co.Instrument, co.ContractID(), err)
		}
	}

	if co.Parent == 0 {
		return nil
	}
	io, delta, err := e.rollUpFill(ctx, e.stacks.Instrument, e.stacks.Contract, co.Parent)
	if err != nil {
		return err
	}
	if delta != 0 && e.positions != nil {
		if err := e.positions.UpdateStrategyPosition(ctx, io.Strategy, io.Instrument, delta); err != nil {
			return fmt.Errorf("updating strategy position %s/%s: %w", io.Strategy, io.Instrument, err)
		}
	}
	return nil
}

// rollUpFill sets a parent's fill to the sum of its children's fills, at
// the fill-weighted average price and latest fill time, and returns the
// parent with the change the stack applied. A total that another caller
// has already overtaken changes nothing.
func (e *Engine) rollUpFill(ctx context.Context, parents, children store.OrderStack, parentID int64) (*domain.Order, int64, error) {
	parent, err := parents.Get(ctx, parentID)
	if err != nil {
		return nil, 0, err
	}

	var (
		total    int64
		notional float64
		latest   time.Time
	)
	for _, cid := range parent.Children {
		c, err := children.Get(ctx, cid)
		if err != nil {
			return nil, 0, fmt.Errorf("child %d of %s order %d: %w", cid, parents.Level(), parentID, err)
		}
		total += c.Fill
		notional += float64(c.Fill) * c.FilledPrice
		if c.FillTime.After(latest) {
			latest = c.FillTime
		}
	}
	if total == parent.Fill {
		return parent, 0, nil
	}

	var avg float64
	if total != 0 {
		avg = notional / float64(total)
	}
	prev, err := parents.UpdateFill(ctx, parentID, total, avg, latest)
	if errors.Is(err, domain.ErrFillDecrease) {
		return parent, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("%s order %d: %w", parents.Level(), parentID, err)
	}
	parent.Fill = total
	parent.FilledPrice = avg
	return parent, total - prev, nil
}

// UpdateFillsFromBroker reads the fill of every working broker order from
// the gateway and applies any change. It returns how many orders changed.
func (e *Engine) UpdateFillsFromBroker(ctx context.Context) (int, error) {
	ids, err := e.stacks.Broker.ListOrderIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing broker orders: %w", err)
	}

	changed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		bo, err := e.stacks.Broker.Get(ctx, id)
		if err != nil || bo.Completed() || bo.BrokerRef == "" {
			continue
		}
		st, err := e.gw.FillStatus(ctx, bo.BrokerRef)
		if err != nil {
			if !errors.Is(err, broker.ErrUnknownOrder) {
				e.log.Warn("reading fill status", "broker_order", id, "broker_ref", bo.BrokerRef, "error", err)
			}
			continue
		}
		if st.Filled == bo.Fill {
			continue
		}
		if err := e.applyBrokerFill(ctx, id, st.Filled, st.AvgPrice, st.FillTime); err != nil {
			e.log.Error("applying broker fill", "broker_order", id, "error", err)
			continue
		}
		changed++
	}
	return changed, nil
}

// creditRemainder returns a broker order's unfilled remainder to the trade
// limits. Later fills are charged again by applyBrokerFill.
func (e *Engine) creditRemainder(ctx context.Context, brokerID int64) {
	if e.controls == nil {
		return
	}
	e.creditMu.Lock()
	defer e.creditMu.Unlock()

	bo, err := e.stacks.Broker.Get(ctx, brokerID)
	if err != nil {
		e.log.Warn("reading broker order for limit credit", "broker_order", brokerID, "error", err)
		return
	}
	if e.credited[brokerID] {
		return
	}
	e.credited[brokerID] = true
	if rem := bo.Remaining(); rem != 0 {
		e.controls.RemoveTrade(bo.Instrument, bo.Strategy, rem)
	}
}
