package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"execstack/internal/domain"
	"execstack/internal/store"
)

// ErrInvalidBalanceTrade is returned for a balance trade that cannot be
// recorded.
var ErrInvalidBalanceTrade = errors.New("invalid balance trade")

// BalanceTrade is a fill that happened outside the stack, typically entered
// by hand at the broker. Recording it keeps stack positions in line with
// the broker's.
type BalanceTrade struct {
	Strategy   string    `json:"strategy"`
	Instrument string    `json:"instrument"`
	Contract   string    `json:"contract"`
	Trade      int64     `json:"trade"`
	Fill       int64     `json:"fill"`
	Price      float64   `json:"price"`
	FillTime   time.Time `json:"fill_time"`
	BrokerRef  string    `json:"broker_ref"`
	Algo       string    `json:"algo"`
}

// BalanceResult holds the ids of a recorded balance family. ContractOrder
// and BrokerOrder are zero for instrument-only balances.
type BalanceResult struct {
	InstrumentOrder int64 `json:"instrument_order"`
	ContractOrder   int64 `json:"contract_order,omitempty"`
	BrokerOrder     int64 `json:"broker_order,omitempty"`
}

func (bt *BalanceTrade) validate(needContract bool) error {
	switch {
	case bt.Strategy == "" || bt.Instrument == "":
		return fmt.Errorf("%w: strategy and instrument are required", ErrInvalidBalanceTrade)
	case needContract && bt.Contract == "":
		return fmt.Errorf("%w: contract is required", ErrInvalidBalanceTrade)
	case bt.Trade == 0:
		return fmt.Errorf("%w: %w", ErrInvalidBalanceTrade, domain.ErrZeroTrade)
	case bt.Fill == 0:
		return fmt.Errorf("%w: nothing filled", ErrInvalidBalanceTrade)
	}
	if err := (&domain.Order{Trade: bt.Trade}).ValidateFill(bt.Fill); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidBalanceTrade, err)
	}
	return nil
}

func (bt *BalanceTrade) order(contract bool) *domain.Order {
	o := &domain.Order{
		Strategy:    bt.Strategy,
		Instrument:  bt.Instrument,
		Trade:       bt.Trade,
		Fill:        bt.Fill,
		FilledPrice: bt.Price,
		FillTime:    bt.FillTime,
		OrderType:   domain.OrderTypeBalance,
		AlgoToUse:   bt.Algo,
		Locked:      true,
	}
	if contract {
		o.ContractIDs = []string{bt.Contract}
	}
	return o
}

// CreateBalanceTrade records a filled instrument, contract and broker order
// family for a fill made outside the stack, moves the contract and strategy
// positions by the fill and closes the family. If the family cannot be put
// on the stacks whatever was added is removed again.
func (e *Engine) CreateBalanceTrade(ctx context.Context, bt BalanceTrade) (BalanceResult, error) {
	if err := bt.validate(true); err != nil {
		return BalanceResult{}, err
	}
	if bt.FillTime.IsZero() {
		bt.FillTime = time.Now()
	}
	log := e.log.With("strategy", bt.Strategy, "instrument", bt.Instrument, "contract", bt.Contract)

	res, err := e.putBalanceFamily(ctx, &bt)
	if err != nil {
		log.Error("balance trade not recorded, rolling back", "error", err)
		e.rollbackBalance(context.WithoutCancel(ctx), res)
		return BalanceResult{}, err
	}

	if e.positions != nil {
		if err := e.positions.UpdateContractPosition(ctx, bt.Instrument, bt.Contract, bt.Fill); err != nil {
			e.rollbackBalance(context.WithoutCancel(ctx), res)
			return BalanceResult{}, fmt.Errorf("updating contract position: %w", err)
		}
		if err := e.positions.UpdateStrategyPosition(ctx, bt.Strategy, bt.Instrument, bt.Fill); err != nil {
			if rerr := e.positions.UpdateContractPosition(context.WithoutCancel(ctx), bt.Instrument, bt.Contract, -bt.Fill); rerr != nil {
				e.critical(ctx, "balance trade left contract position changed", "error", rerr)
			}
			e.rollbackBalance(context.WithoutCancel(ctx), res)
			return BalanceResult{}, fmt.Errorf("updating strategy position: %w", err)
		}
	}

	if err := e.closeBalance(ctx, res); err != nil {
		return res, err
	}
	log.Info("balance trade recorded", "order_id", res.InstrumentOrder, "fill", bt.Fill, "price", bt.Price)
	return res, nil
}

// CreateBalanceInstrumentTrade records a filled instrument order on its own,
// moving only the strategy position. It is used when a fill needs assigning
// to a strategy without any contract or broker activity.
func (e *Engine) CreateBalanceInstrumentTrade(ctx context.Context, bt BalanceTrade) (BalanceResult, error) {
	if err := bt.validate(false); err != nil {
		return BalanceResult{}, err
	}
	if bt.FillTime.IsZero() {
		bt.FillTime = time.Now()
	}

	id, err := e.stacks.Instrument.Put(ctx, bt.order(false))
	if err != nil {
		return BalanceResult{}, fmt.Errorf("putting instrument order: %w", err)
	}
	res := BalanceResult{InstrumentOrder: id}
	if e.positions != nil {
		if err := e.positions.UpdateStrategyPosition(ctx, bt.Strategy, bt.Instrument, bt.Fill); err != nil {
			e.rollbackBalance(context.WithoutCancel(ctx), res)
			return BalanceResult{}, fmt.Errorf("updating strategy position: %w", err)
		}
	}
	if err := e.closeBalance(ctx, res); err != nil {
		return res, err
	}
	e.log.Info("balance instrument trade recorded", "order_id", id,
		"strategy", bt.Strategy, "instrument", bt.Instrument, "fill", bt.Fill)
	return res, nil
}

// putBalanceFamily puts the three orders on their stacks, linked parent to
// child. The ids put so far are returned even on failure. Orders go on
// locked so neither the spawner nor the broker-order creator picks them up.
func (e *Engine) putBalanceFamily(ctx context.Context, bt *BalanceTrade) (BalanceResult, error) {
	var res BalanceResult
	var err error

	if res.InstrumentOrder, err = e.stacks.Instrument.Put(ctx, bt.order(false)); err != nil {
		return res, fmt.Errorf("putting instrument order: %w", err)
	}
	co := bt.order(true)
	co.Parent = res.InstrumentOrder
	if res.ContractOrder, err = e.stacks.Contract.Put(ctx, co); err != nil {
		return res, fmt.Errorf("putting contract order: %w", err)
	}
	if err = e.stacks.Instrument.AddChildren(ctx, res.InstrumentOrder, res.ContractOrder); err != nil {
		return res, fmt.Errorf("linking contract order: %w", err)
	}
	bo := bt.order(true)
	bo.Parent = res.ContractOrder
	bo.BrokerRef = bt.BrokerRef
	if res.BrokerOrder, err = e.stacks.Broker.Put(ctx, bo); err != nil {
		return res, fmt.Errorf("putting broker order: %w", err)
	}
	if err = e.stacks.Contract.AddChildren(ctx, res.ContractOrder, res.BrokerOrder); err != nil {
		return res, fmt.Errorf("linking broker order: %w", err)
	}
	return res, nil
}

func (e *Engine) rollbackBalance(ctx context.Context, res BalanceResult) {
	remove := func(stack store.OrderStack, id int64) {
		if id == 0 {
			return
		}
		if err := stack.Deactivate(ctx, id); err != nil {
			e.log.Error("rolling back balance order", "level", stack.Level(), "order_id", id, "error", err)
			return
		}
		if _, err := stack.RemoveIfDeactivated(ctx, id); err != nil {
			e.log.Error("rolling back balance order", "level", stack.Level(), "order_id", id, "error", err)
		}
	}
	remove(e.stacks.Broker, res.BrokerOrder)
	remove(e.stacks.Contract, res.ContractOrder)
	remove(e.stacks.Instrument, res.InstrumentOrder)
}

// closeBalance archives and deactivates the balance orders as a completed
// family, then clears their locks.
func (e *Engine) closeBalance(ctx context.Context, res BalanceResult) error {
	f, err := e.loadFamily(ctx, res.InstrumentOrder)
	if err != nil {
		return fmt.Errorf("loading balance family: %w", err)
	}
	f.instrument.Locked = false
	for _, o := range append(f.contracts, f.brokers...) {
		o.Locked = false
	}
	if err := e.closeFamily(ctx, f); err != nil {
		return fmt.Errorf("closing balance family: %w", err)
	}

	for _, o := range []struct {
		stack store.OrderStack
		id    int64
	}{
		{e.stacks.Instrument, res.InstrumentOrder},
		{e.stacks.Contract, res.ContractOrder},
		{e.stacks.Broker, res.BrokerOrder},
	} {
		if o.id == 0 {
			continue
		}
		if err := o.stack.Unlock(ctx, o.id); err != nil {
			e.log.Warn("unlocking balance order", "level", o.stack.Level(), "order_id", o.id, "error", err)
		}
	}
	return nil
}
