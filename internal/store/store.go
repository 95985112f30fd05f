// Package store defines storage interfaces for the three order stacks,
// positions, historic orders and the price series used by the backtest, and
// provides in-memory, SQLite and Parquet implementations.
package store

import (
	"context"
	"time"

	"execstack/internal/domain"
)

// OrderStack is the persisted collection of orders at one level, keyed by
// order id. Every mutation is atomic with respect to a single order id.
type OrderStack interface {
	// Level returns the stack's namespace.
	Level() domain.Level

	// Put inserts a new order, assigns its id and marks it active.
	Put(ctx context.Context, order *domain.Order) (int64, error)

	// Get returns a copy of the order, or domain.ErrNotFound.
	Get(ctx context.Context, id int64) (*domain.Order, error)

	// UpdateFill sets the cumulative fill of an order and returns the fill
	// it replaced, read in the same atomic step. Fills that would exceed the
	// trade, flip its sign or decrease are rejected.
	UpdateFill(ctx context.Context, id int64, fill int64, price float64, ts time.Time) (int64, error)

	// AddChildren appends child ids to a parent order.
	AddChildren(ctx context.Context, parentID int64, childIDs ...int64) error

	// Lock marks the order as owned by the caller. It fails with
	// domain.ErrLocked if the order is already locked.
	Lock(ctx context.Context, id int64) error

	// Unlock clears the lock. Unlocking an unlocked order is a no-op.
	Unlock(ctx context.Context, id int64) error

	// ClaimControl hands the order to an algo. It fails with
	// domain.ErrAlreadyControlled if another algo holds it.
	ClaimControl(ctx context.Context, id int64, algo string) error

	// ReleaseControl clears algo control.
	ReleaseControl(ctx context.Context, id int64) error

	// Deactivate marks the order as finished. It stays on the stack until
	// removed.
	Deactivate(ctx context.Context, id int64) error

	// ForceComplete sets the trade equal to the current fill.
	ForceComplete(ctx context.Context, id int64) error

	// ListNewOrders returns active orders that have no children yet.
	ListNewOrders(ctx context.Context) ([]int64, error)

	// ListOrderIDs returns all active order ids.
	ListOrderIDs(ctx context.Context) ([]int64, error)

	// ListAllOrderIDs returns every order id, active or not.
	ListAllOrderIDs(ctx context.Context) ([]int64, error)

	// RemoveIfDeactivated physically deletes an inactive order and reports
	// whether it did.
	RemoveIfDeactivated(ctx context.Context, id int64) (bool, error)
}

// Stacks groups the three order stack levels.
type Stacks struct {
	Instrument OrderStack
	Contract   OrderStack
	Broker     OrderStack
}

// ForLevel returns the stack for the given level.
func (s Stacks) ForLevel(level domain.Level) OrderStack {
	switch level {
	case domain.LevelInstrument:
		return s.Instrument
	case domain.LevelContract:
		return s.Contract
	case domain.LevelBroker:
		return s.Broker
	}
	return nil
}

// NewMemoryStacks returns three empty in-memory stacks.
func NewMemoryStacks() Stacks {
	return Stacks{
		Instrument: NewMemoryStack(domain.LevelInstrument),
		Contract:   NewMemoryStack(domain.LevelContract),
		Broker:     NewMemoryStack(domain.LevelBroker),
	}
}

// PositionStore persists contract and strategy positions.
type PositionStore interface {
	// ContractPosition returns the position held in one contract.
	ContractPosition(ctx context.Context, instrument, contract string) (int64, error)

	// UpdateContractPosition adds delta to a contract position.
	UpdateContractPosition(ctx context.Context, instrument, contract string, delta int64) error

	// StrategyPosition returns a strategy's position in an instrument.
	StrategyPosition(ctx context.Context, strategy, instrument string) (int64, error)

	// UpdateStrategyPosition adds delta to a strategy position.
	UpdateStrategyPosition(ctx context.Context, strategy, instrument string, delta int64) error

	// ListContractPositions returns all non-zero contract positions.
	ListContractPositions(ctx context.Context) ([]domain.Position, error)

	// ListStrategyPositions returns all non-zero strategy positions.
	ListStrategyPositions(ctx context.Context) ([]domain.Position, error)
}

// OrderArchive stores completed orders after they leave the stacks.
type OrderArchive interface {
	// ArchiveOrders appends orders of one level to the historic record.
	ArchiveOrders(ctx context.Context, level domain.Level, orders []*domain.Order) error

	// ReadHistoricOrders returns archived orders of one level within [start, end].
	ReadHistoricOrders(ctx context.Context, level domain.Level, start, end time.Time) ([]domain.Order, error)
}

// BarStore persists and retrieves instrument price series.
type BarStore interface {
	// WriteBars persists a batch of bars.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ReadBars returns bars for an instrument within [start, end].
	ReadBars(ctx context.Context, instrument string, start, end time.Time) ([]domain.Bar, error)

	// ListInstruments returns all instruments with stored bars.
	ListInstruments(ctx context.Context) ([]string, error)
}

// OptimalPositionStore persists unrounded strategy positions.
type OptimalPositionStore interface {
	// WriteOptimalPositions replaces the stored series for each
	// strategy/instrument pair present in the batch.
	WriteOptimalPositions(ctx context.Context, positions []domain.OptimalPosition) error

	// ReadOptimalPositions returns the series for one strategy/instrument.
	ReadOptimalPositions(ctx context.Context, strategy, instrument string) ([]domain.OptimalPosition, error)
}

// SimulationStore persists order simulator diagnostic views.
type SimulationStore interface {
	WriteDiagnostics(strategy, instrument, variant string, rows []DiagnosticRecord) error
	ReadDiagnostics(strategy, instrument, variant string) ([]DiagnosticRecord, error)
}
