package engine

import (
	"context"
	"fmt"
	"time"

	"execstack/internal/domain"
)

// SubmitInstrumentOrder puts a strategy's desired trade on the instrument
// stack. The trade is netted against the unfilled remainder of active
// orders for the same strategy and instrument, so repeated submissions of
// the same desire do not stack up. A zero net trade returns
// domain.ErrZeroTrade and stores nothing.
func (e *Engine) SubmitInstrumentOrder(ctx context.Context, order *domain.Order) (int64, error) {
	pending, err := e.pendingInstrumentTrade(ctx, order.Strategy, order.Instrument)
	if err != nil {
		return 0, err
	}

	o := order.Clone()
	o.Level = domain.LevelInstrument
	o.Trade = order.Trade - pending
	o.Fill = 0
	o.Parent = 0
	o.Children = nil
	o.ContractIDs = nil
	o.ControllingAlgo = ""
	o.Locked = false
	if o.OrderType == "" {
		o.OrderType = domain.OrderTypeBest
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	if o.Trade == 0 {
		e.log.Info("instrument order nets to zero",
			"strategy", o.Strategy, "instrument", o.Instrument,
			"requested", order.Trade, "pending", pending)
		return 0, domain.ErrZeroTrade
	}

	id, err := e.stacks.Instrument.Put(ctx, o)
	if err != nil {
		return 0, fmt.Errorf("putting instrument order %s/%s: %w", o.Strategy, o.Instrument, err)
	}
	e.log.Info("instrument order submitted",
		"order_id", id, "strategy", o.Strategy, "instrument", o.Instrument,
		"trade", o.Trade, "requested", order.Trade)
	return id, nil
}

func (e *Engine) pendingInstrumentTrade(ctx context.Context, strategy, instrument string) (int64, error) {
	ids, err := e.stacks.Instrument.ListOrderIDs(ctx)
	if err != nil {
		return 0, err
	}
	var pending int64
	for _, id := range ids {
		o, err := e.stacks.Instrument.Get(ctx, id)
		if err != nil {
			continue
		}
		if o.Strategy == strategy && o.Instrument == instrument {
			pending += o.Remaining()
		}
	}
	return pending, nil
}
