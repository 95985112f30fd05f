package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"execstack/internal/domain"
)

// Compile-time interface checks.
var _ OrderStack = (*MemoryStack)(nil)
var _ PositionStore = (*MemoryPositions)(nil)

// MemoryStack is an OrderStack held in process memory. It is used for paper
// trading and tests.
type MemoryStack struct {
	level  domain.Level
	mu     sync.Mutex
	nextID int64
	orders map[int64]*domain.Order
	now    func() time.Time
}

// NewMemoryStack creates an empty stack for the given level.
func NewMemoryStack(level domain.Level) *MemoryStack {
	return &MemoryStack{
		level:  level,
		orders: make(map[int64]*domain.Order),
		now:    time.Now,
	}
}

// Level returns the stack's namespace.
func (s *MemoryStack) Level() domain.Level {
	return s.level
}

// Put inserts a copy of order and returns its new id.
func (s *MemoryStack) Put(_ context.Context, order *domain.Order) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	o := order.Clone()
	o.ID = s.nextID
	o.Level = s.level
	o.Active = true
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now()
	}
	s.orders[o.ID] = o
	return o.ID, nil
}

// Get returns a copy of the order.
func (s *MemoryStack) Get(_ context.Context, id int64) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%s order %d: %w", s.level, id, domain.ErrNotFound)
	}
	return o.Clone(), nil
}

// UpdateFill sets the cumulative fill and returns the previous one.
func (s *MemoryStack) UpdateFill(_ context.Context, id int64, fill int64, price float64, ts time.Time) (int64, error) {
	var prev int64
	err := s.mutate(id, func(o *domain.Order) error {
		prev = o.Fill
		return o.ApplyFill(fill, price, ts)
	})
	return prev, err
}

// AddChildren appends child ids to the parent order.
func (s *MemoryStack) AddChildren(_ context.Context, parentID int64, childIDs ...int64) error {
	return s.mutate(parentID, func(o *domain.Order) error {
		o.Children = append(o.Children, childIDs...)
		return nil
	})
}

// Lock marks the order as locked, failing if it already is.
func (s *MemoryStack) Lock(_ context.Context, id int64) error {
	return s.mutate(id, func(o *domain.Order) error {
		if o.Locked {
			return fmt.Errorf("%s order %d: %w", s.level, id, domain.ErrLocked)
		}
		o.Locked = true
		return nil
	})
}

// Unlock clears the lock.
func (s *MemoryStack) Unlock(_ context.Context, id int64) error {
	return s.mutate(id, func(o *domain.Order) error {
		o.Locked = false
		return nil
	})
}

// ClaimControl hands the order to algo if nobody controls it.
func (s *MemoryStack) ClaimControl(_ context.Context, id int64, algo string) error {
	return s.mutate(id, func(o *domain.Order) error {
		if o.ControllingAlgo != "" {
			return fmt.Errorf("%s order %d held by %s: %w", s.level, id, o.ControllingAlgo, domain.ErrAlreadyControlled)
		}
		o.ControllingAlgo = algo
		return nil
	})
}

// ReleaseControl clears algo control.
func (s *MemoryStack) ReleaseControl(_ context.Context, id int64) error {
	return s.mutate(id, func(o *domain.Order) error {
		o.ControllingAlgo = ""
		return nil
	})
}

// Deactivate marks the order as finished.
func (s *MemoryStack) Deactivate(_ context.Context, id int64) error {
	return s.mutate(id, func(o *domain.Order) error {
		o.Active = false
		return nil
	})
}

// ForceComplete sets the trade to the current fill.
func (s *MemoryStack) ForceComplete(_ context.Context, id int64) error {
	return s.mutate(id, func(o *domain.Order) error {
		o.Trade = o.Fill
		return nil
	})
}

// ListNewOrders returns active orders without children.
func (s *MemoryStack) ListNewOrders(_ context.Context) ([]int64, error) {
	return s.list(func(o *domain.Order) bool { return o.Active && len(o.Children) == 0 }), nil
}

// ListOrderIDs returns active order ids.
func (s *MemoryStack) ListOrderIDs(_ context.Context) ([]int64, error) {
	return s.list(func(o *domain.Order) bool { return o.Active }), nil
}

// ListAllOrderIDs returns every order id.
func (s *MemoryStack) ListAllOrderIDs(_ context.Context) ([]int64, error) {
	return s.list(func(*domain.Order) bool { return true }), nil
}

// RemoveIfDeactivated deletes an inactive order.
func (s *MemoryStack) RemoveIfDeactivated(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return false, fmt.Errorf("%s order %d: %w", s.level, id, domain.ErrNotFound)
	}
	if o.Active {
		return false, nil
	}
	delete(s.orders, id)
	return true, nil
}

func (s *MemoryStack) mutate(id int64, fn func(o *domain.Order) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("%s order %d: %w", s.level, id, domain.ErrNotFound)
	}
	// Work on a copy so a failed mutation leaves the stored order untouched.
	c := o.Clone()
	if err := fn(c); err != nil {
		return err
	}
	s.orders[id] = c
	return nil
}

func (s *MemoryStack) list(keep func(o *domain.Order) bool) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.orders))
	for id, o := range s.orders {
		if keep(o) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ---------------------------------------------------------------------------
// MemoryPositions
// ---------------------------------------------------------------------------

type positionKey struct {
	a, b string
}

// MemoryPositions is a PositionStore held in process memory.
type MemoryPositions struct {
	mu        sync.RWMutex
	contracts map[positionKey]int64
	strategy  map[positionKey]int64
}

// NewMemoryPositions creates an empty position store.
func NewMemoryPositions() *MemoryPositions {
	return &MemoryPositions{
		contracts: make(map[positionKey]int64),
		strategy:  make(map[positionKey]int64),
	}
}

func (p *MemoryPositions) ContractPosition(_ context.Context, instrument, contract string) (int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.contracts[positionKey{instrument, contract}], nil
}

func (p *MemoryPositions) UpdateContractPosition(_ context.Context, instrument, contract string, delta int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.contracts[positionKey{instrument, contract}] += delta
	return nil
}

func (p *MemoryPositions) StrategyPosition(_ context.Context, strategy, instrument string) (int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.strategy[positionKey{strategy, instrument}], nil
}

func (p *MemoryPositions) UpdateStrategyPosition(_ context.Context, strategy, instrument string, delta int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strategy[positionKey{strategy, instrument}] += delta
	return nil
}

func (p *MemoryPositions) ListContractPositions(_ context.Context) ([]domain.Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []domain.Position
	for k, qty := range p.contracts {
		if qty != 0 {
			out = append(out, domain.Position{Instrument: k.a, Contract: k.b, Qty: qty})
		}
	}
	sortPositions(out)
	return out, nil
}

func (p *MemoryPositions) ListStrategyPositions(_ context.Context) ([]domain.Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []domain.Position
	for k, qty := range p.strategy {
		if qty != 0 {
			out = append(out, domain.Position{Strategy: k.a, Instrument: k.b, Qty: qty})
		}
	}
	sortPositions(out)
	return out, nil
}

func sortPositions(ps []domain.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Strategy != ps[j].Strategy {
			return ps[i].Strategy < ps[j].Strategy
		}
		if ps[i].Instrument != ps[j].Instrument {
			return ps[i].Instrument < ps[j].Instrument
		}
		return ps[i].Contract < ps[j].Contract
	})
}
