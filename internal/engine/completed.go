package engine

import (
	"context"
	"fmt"
	"sort"

	"execstack/internal/domain"
)

// family is an instrument order with its contract and broker descendants.
type family struct {
	instrument *domain.Order
	contracts  []*domain.Order
	brokers    []*domain.Order
}

// held reports whether any order in the family is locked for manual
// intervention.
func (f *family) held() bool {
	if f.instrument.Locked {
		return true
	}
	for _, c := range f.contracts {
		if c.Locked {
			return true
		}
	}
	for _, b := range f.brokers {
		if b.Locked {
			return true
		}
	}
	return false
}

func (f *family) ids() map[domain.Level][]int64 {
	out := map[domain.Level][]int64{domain.LevelInstrument: {f.instrument.ID}}
	for _, c := range f.contracts {
		out[domain.LevelContract] = append(out[domain.LevelContract], c.ID)
	}
	for _, b := range f.brokers {
		out[domain.LevelBroker] = append(out[domain.LevelBroker], b.ID)
	}
	return out
}

func (f *family) complete() bool {
	if !f.instrument.Completed() {
		return false
	}
	for _, c := range f.contracts {
		if !c.Completed() {
			return false
		}
	}
	return true
}

// HandleCompletedOrders closes every order family whose instrument order and
// contract orders are all complete: orders that traded are archived, then
// the whole family is deactivated. Families holding a locked order are left
// alone. It returns how many families were closed.
func (e *Engine) HandleCompletedOrders(ctx context.Context) (int, error) {
	ids, err := e.stacks.Instrument.ListOrderIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing instrument orders: %w", err)
	}

	closed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return closed, err
		}
		f, err := e.loadFamily(ctx, id)
		if err != nil {
			e.log.Warn("loading order family", "order_id", id, "error", err)
			continue
		}
		if !f.complete() || f.held() {
			continue
		}
		if err := e.closeFamily(ctx, f); err != nil {
			e.log.Error("closing order family", "order_id", id, "error", err)
			continue
		}
		closed++
	}
	return closed, nil
}

func (e *Engine) loadFamily(ctx context.Context, id int64) (*family, error) {
	io, err := e.stacks.Instrument.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	f := &family{instrument: io}
	for _, cid := range io.Children {
		co, err := e.stacks.Contract.Get(ctx, cid)
		if err != nil {
			return nil, err
		}
		f.contracts = append(f.contracts, co)
		for _, bid := range co.Children {
			bo, err := e.stacks.Broker.Get(ctx, bid)
			if err != nil {
				return nil, err
			}
			f.brokers = append(f.brokers, bo)
		}
	}
	return f, nil
}

func (e *Engine) closeFamily(ctx context.Context, f *family) error {
	if e.archive != nil {
		levels := []struct {
			level  domain.Level
			orders []*domain.Order
		}{
			{domain.LevelInstrument, []*domain.Order{f.instrument}},
			{domain.LevelContract, f.contracts},
			{domain.LevelBroker, f.brokers},
		}
		for _, l := range levels {
			traded := tradedOrders(l.orders)
			if len(traded) == 0 {
				continue
			}
			if err := e.archive.ArchiveOrders(ctx, l.level, traded); err != nil {
				return fmt.Errorf("archiving %s orders: %w", l.level, err)
			}
		}
	}

	for _, bo := range f.brokers {
		if err := e.stacks.Broker.Deactivate(ctx, bo.ID); err != nil {
			return err
		}
	}
	e.creditMu.Lock()
	for _, bo := range f.brokers {
		delete(e.credited, bo.ID)
	}
	e.creditMu.Unlock()
	for _, co := range f.contracts {
		if err := e.stacks.Contract.Deactivate(ctx, co.ID); err != nil {
			return err
		}
	}
	if err := e.stacks.Instrument.Deactivate(ctx, f.instrument.ID); err != nil {
		return err
	}
	e.log.Info("order family complete", "order_id", f.instrument.ID,
		"instrument", f.instrument.Instrument, "fill", f.instrument.Fill, "price", f.instrument.FilledPrice)
	return nil
}

func tradedOrders(orders []*domain.Order) []*domain.Order {
	var out []*domain.Order
	for _, o := range orders {
		if !o.FillIsZero() {
			out = append(out, o)
		}
	}
	return out
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
