// Package algo defines the execution algorithms that take control of a
// contract order, place a broker order for it and manage that broker order
// until it fills or times out.
package algo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"execstack/internal/broker"
	"execstack/internal/domain"
	"execstack/internal/util"
)

// Default timings for the managing loop.
const (
	DefaultOrderTimeout = 600 * time.Second
	DefaultPollInterval = time.Second
)

// Handle ties a submitted broker order to the contract order it executes.
// The broker order has no stack id until the caller persists it.
type Handle struct {
	ContractOrder *domain.Order
	BrokerOrder   *domain.Order
	SubmittedAt   time.Time
}

// Algo executes part of a contract order.
type Algo interface {
	// Name returns the unique identifier of the algo.
	Name() string

	// Submit places a broker order for qty of the contract order.
	Submit(ctx context.Context, contractOrder *domain.Order, qty int64) (*Handle, error)

	// Manage waits for the broker order to fill, cancelling it when the
	// order timeout expires, and returns the broker order with its latest
	// fill. A non-nil order is returned alongside a context error so fills
	// seen before cancellation are not lost.
	Manage(ctx context.Context, h *Handle) (*domain.Order, error)
}

// Registry holds the algos available to the broker-order creator.
type Registry struct {
	algos map[string]Algo
}

// NewRegistry creates a Registry holding the given algos.
func NewRegistry(algos ...Algo) *Registry {
	r := &Registry{algos: make(map[string]Algo)}
	for _, a := range algos {
		r.Register(a)
	}
	return r
}

// Register adds an algo, keyed by its Name().
func (r *Registry) Register(a Algo) {
	r.algos[a.Name()] = a
}

// Get retrieves an algo by name.
func (r *Registry) Get(name string) (Algo, bool) {
	a, ok := r.algos[name]
	return a, ok
}

// List returns the sorted algo names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.algos))
	for name := range r.algos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Allocator chooses the algo name for a new contract order from its order
// type, with per-instrument overrides.
type Allocator struct {
	defaults  map[domain.OrderType]string
	overrides map[string]map[domain.OrderType]string
	fallback  string
}

// NewAllocator creates an Allocator. Order types without a mapping use the
// market algo.
func NewAllocator(defaults map[domain.OrderType]string, overrides map[string]map[domain.OrderType]string) *Allocator {
	return &Allocator{defaults: defaults, overrides: overrides, fallback: MarketName}
}

// Allocate returns the algo name for an order on instrument. Balance orders
// are bookkeeping entries and are never routed.
func (a *Allocator) Allocate(instrument string, orderType domain.OrderType) (string, error) {
	if orderType == domain.OrderTypeBalance {
		return "", fmt.Errorf("%w: %s", domain.ErrUnsupportedOrderType, orderType)
	}
	if orderType == "" {
		orderType = domain.OrderTypeBest
	}
	if byType, ok := a.overrides[instrument]; ok {
		if name, ok := byType[orderType]; ok && name != "" {
			return name, nil
		}
	}
	if name, ok := a.defaults[orderType]; ok && name != "" {
		return name, nil
	}
	return a.fallback, nil
}

// Timing controls the managing loop.
type Timing struct {
	OrderTimeout time.Duration
	PollInterval time.Duration
}

func (t Timing) withDefaults() Timing {
	if t.OrderTimeout <= 0 {
		t.OrderTimeout = DefaultOrderTimeout
	}
	if t.PollInterval <= 0 {
		t.PollInterval = DefaultPollInterval
	}
	return t
}

// newBrokerOrder builds the broker order that executes qty of a contract
// order.
func newBrokerOrder(co *domain.Order, qty int64, algoName string) *domain.Order {
	return &domain.Order{
		Level:             domain.LevelBroker,
		Strategy:          co.Strategy,
		Instrument:        co.Instrument,
		ContractIDs:       append([]string(nil), co.ContractIDs...),
		Trade:             qty,
		Parent:            co.ID,
		OrderType:         co.OrderType,
		ReferencePrice:    co.ReferencePrice,
		ReferenceContract: co.ReferenceContract,
		AlgoToUse:         algoName,
		Active:            true,
	}
}

// submit sends the broker order through the gateway.
func submit(ctx context.Context, gw broker.Gateway, co, bo *domain.Order, log *slog.Logger) (*Handle, error) {
	if bo.Trade == 0 {
		return nil, domain.ErrZeroTrade
	}
	ref, err := gw.SubmitOrder(ctx, bo)
	if err != nil {
		return nil, fmt.Errorf("submitting broker order for contract order %d: %w", co.ID, err)
	}
	bo.BrokerRef = ref
	log.Info("broker order submitted",
		"contract_order", co.ID, "instrument", co.Instrument,
		"contract", co.ContractID(), "qty", bo.Trade, "broker_ref", ref)
	return &Handle{ContractOrder: co, BrokerOrder: bo, SubmittedAt: time.Now()}, nil
}

// manage polls the broker until the order is done or the timeout expires,
// cancelling it in the latter case.
func manage(ctx context.Context, gw broker.Gateway, h *Handle, timing Timing, log *slog.Logger) (*domain.Order, error) {
	bo := h.BrokerOrder.Clone()
	timer := util.NewTimer(timing.OrderTimeout)

	for {
		st, err := gw.FillStatus(ctx, bo.BrokerRef)
		switch {
		case errors.Is(err, broker.ErrUnknownOrder):
			log.Warn("broker order unknown to gateway", "broker_ref", bo.BrokerRef)
			return bo, nil
		case err != nil:
			log.Warn("reading fill status", "broker_ref", bo.BrokerRef, "error", err)
		default:
			applyStatus(bo, st, log)
			if st.Done {
				return bo, nil
			}
		}

		if timer.Expired() {
			log.Info("order timeout, cancelling", "broker_ref", bo.BrokerRef, "fill", bo.Fill, "trade", bo.Trade)
			if err := gw.CancelOrder(ctx, bo.BrokerRef); err != nil && !errors.Is(err, broker.ErrUnknownOrder) {
				log.Warn("cancelling broker order", "broker_ref", bo.BrokerRef, "error", err)
			}
			if st, err := gw.FillStatus(ctx, bo.BrokerRef); err == nil {
				applyStatus(bo, st, log)
			}
			return bo, nil
		}

		wait := timing.PollInterval
		if r := timer.Remaining(); r < wait {
			wait = r
		}
		if err := util.Sleep(ctx, wait); err != nil {
			return bo, err
		}
	}
}

func applyStatus(bo *domain.Order, st broker.OrderStatus, log *slog.Logger) {
	if st.Filled == bo.Fill {
		return
	}
	if err := bo.ApplyFill(st.Filled, st.AvgPrice, st.FillTime); err != nil {
		log.Error("ignoring invalid broker fill", "broker_ref", bo.BrokerRef, "filled", st.Filled, "error", err)
	}
}
