package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"execstack/internal/domain"
	"execstack/internal/util"
)

// Compile-time interface check.
var _ Gateway = (*SimulatorBroker)(nil)

// SimulatorBroker is a deterministic in-memory Gateway for paper trading and
// tests. Orders fill at the last price set for their contract, optionally
// partially, and limit orders only fill when the price is at or through the
// limit.
type SimulatorBroker struct {
	mu        sync.Mutex
	seq       int
	orders    map[string]*simOrder
	prices    map[contractKey]float64
	liquidity map[contractKey][2]int64
	closed    map[contractKey]bool
	calendars map[string]*util.TradingCalendar

	fillRatio     float64
	ignoreCancels bool
	now           func() time.Time
}

type contractKey struct {
	instrument, date string
}

type simOrder struct {
	status    OrderStatus
	trade     int64
	contract  contractKey
	limit     *float64
	cancelled bool
}

// NewSimulatorBroker creates a SimulatorBroker that fills every marketable
// order in full.
func NewSimulatorBroker() *SimulatorBroker {
	return &SimulatorBroker{
		orders:    make(map[string]*simOrder),
		prices:    make(map[contractKey]float64),
		liquidity: make(map[contractKey][2]int64),
		closed:    make(map[contractKey]bool),
		calendars: make(map[string]*util.TradingCalendar),
		fillRatio: 1,
		now:       time.Now,
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// SetPrice sets the last matched price of a contract.
func (b *SimulatorBroker) SetPrice(instrument, contractDate string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[contractKey{instrument, contractDate}] = price
}

// SetLiquidity sets the bid and ask size of a contract. Contracts without a
// setting report unlimited liquidity.
func (b *SimulatorBroker) SetLiquidity(instrument, contractDate string, bidSize, askSize int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.liquidity[contractKey{instrument, contractDate}] = [2]int64{bidSize, askSize}
}

// SetTradeable opens or closes a contract for trading.
func (b *SimulatorBroker) SetTradeable(instrument, contractDate string, tradeable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed[contractKey{instrument, contractDate}] = !tradeable
}

// SetCalendar restricts an instrument to its trading sessions.
func (b *SimulatorBroker) SetCalendar(instrument string, cal *util.TradingCalendar) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calendars[instrument] = cal
}

// SetFillRatio sets the fraction of each new order that fills on
// submission, truncated towards zero.
func (b *SimulatorBroker) SetFillRatio(ratio float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fillRatio = ratio
}

// IgnoreCancels makes cancel requests be accepted but never confirmed.
func (b *SimulatorBroker) IgnoreCancels(ignore bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ignoreCancels = ignore
}

// FillOrder fills an open order up to fill at price, as a later execution.
func (b *SimulatorBroker) FillOrder(brokerRef string, fill int64, price float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[brokerRef]
	if !ok {
		return fmt.Errorf("%s: %w", brokerRef, ErrUnknownOrder)
	}
	if domain.Abs(fill) > domain.Abs(o.trade) {
		fill = o.trade
	}
	o.status.Filled = fill
	o.status.AvgPrice = price
	o.status.FillTime = b.now()
	o.status.Done = fill == o.trade || o.cancelled
	return nil
}

// OpenOrders returns references of orders that are neither filled nor
// cancelled.
func (b *SimulatorBroker) OpenOrders() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var refs []string
	for ref, o := range b.orders {
		if !o.status.Done {
			refs = append(refs, ref)
		}
	}
	return refs
}

// ResolveContract returns a synthetic contract.
func (b *SimulatorBroker) ResolveContract(_ context.Context, instrument, contractDate string) (Contract, error) {
	return Contract{
		Instrument: instrument,
		Date:       contractDate,
		Symbol:     instrument + contractDate,
		Exchange:   "SIM",
		Multiplier: 1,
	}, nil
}

// SubmitOrder records the order and fills it immediately according to the
// fill ratio, the contract price and any limit.
func (b *SimulatorBroker) SubmitOrder(_ context.Context, order *domain.Order) (string, error) {
	if order.Trade == 0 {
		return "", domain.ErrZeroTrade
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ref := fmt.Sprintf("sim-%d", b.seq)
	key := contractKey{order.Instrument, order.ContractID()}
	o := &simOrder{
		status: OrderStatus{
			BrokerRef:  ref,
			Instrument: order.Instrument,
			Contract:   order.ContractID(),
			Trade:      order.Trade,
		},
		trade:    order.Trade,
		contract: key,
		limit:    order.LimitPrice,
	}
	b.orders[ref] = o

	price, hasPrice := b.prices[key]
	if !hasPrice {
		return ref, nil
	}
	if o.limit != nil && !marketable(order.Trade, *o.limit, price) {
		return ref, nil
	}
	fill := int64(float64(order.Trade) * b.fillRatio)
	if fill == 0 {
		return ref, nil
	}
	fillPrice := price
	if o.limit != nil {
		fillPrice = *o.limit
	}
	o.status.Filled = fill
	o.status.AvgPrice = fillPrice
	o.status.FillTime = b.now()
	o.status.Done = fill == order.Trade
	return ref, nil
}

// CancelOrder marks the order cancelled unless cancels are being ignored.
func (b *SimulatorBroker) CancelOrder(_ context.Context, brokerRef string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[brokerRef]
	if !ok {
		return fmt.Errorf("%s: %w", brokerRef, ErrUnknownOrder)
	}
	if b.ignoreCancels || o.status.Done {
		return nil
	}
	o.cancelled = true
	o.status.Cancelled = true
	o.status.Done = true
	return nil
}

// FillStatus returns the order's current state.
func (b *SimulatorBroker) FillStatus(_ context.Context, brokerRef string) (OrderStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[brokerRef]
	if !ok {
		return OrderStatus{}, fmt.Errorf("%s: %w", brokerRef, ErrUnknownOrder)
	}
	return o.status, nil
}

// Liquidity returns the offside size, or a large number when unset.
func (b *SimulatorBroker) Liquidity(_ context.Context, instrument, contractDate string, side Side) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sizes, ok := b.liquidity[contractKey{instrument, contractDate}]
	if !ok {
		return 1 << 31, nil
	}
	// Buyers take the ask, sellers hit the bid.
	if side == Buy {
		return sizes[1], nil
	}
	return sizes[0], nil
}

// IsTradeable reports whether the contract is open.
func (b *SimulatorBroker) IsTradeable(_ context.Context, instrument, contractDate string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed[contractKey{instrument, contractDate}] {
		return false, nil
	}
	if cal, ok := b.calendars[instrument]; ok {
		return cal.IsMarketOpen(b.now()), nil
	}
	return true, nil
}

// LastMatchedPrice returns the price set with SetPrice.
func (b *SimulatorBroker) LastMatchedPrice(_ context.Context, instrument, contractDate string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.prices[contractKey{instrument, contractDate}]
	if !ok {
		return 0, fmt.Errorf("%s/%s: %w", instrument, contractDate, domain.ErrNoPrice)
	}
	return p, nil
}

// ListOpenOrders returns the orders that are neither filled nor cancelled,
// ordered by reference.
func (b *SimulatorBroker) ListOpenOrders(_ context.Context) ([]OrderStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []OrderStatus
	for _, o := range b.orders {
		if !o.status.Done {
			out = append(out, o.status)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BrokerRef < out[j].BrokerRef })
	return out, nil
}

// Positions returns the net fill of every order per contract.
func (b *SimulatorBroker) Positions(_ context.Context) ([]domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	net := make(map[contractKey]int64)
	for _, o := range b.orders {
		net[o.contract] += o.status.Filled
	}
	var out []domain.Position
	for k, qty := range net {
		if qty != 0 {
			out = append(out, domain.Position{Instrument: k.instrument, Contract: k.date, Qty: qty})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Instrument != out[j].Instrument {
			return out[i].Instrument < out[j].Instrument
		}
		return out[i].Contract < out[j].Contract
	})
	return out, nil
}

// marketable reports whether a limit order crosses the given price.
func marketable(trade int64, limit, price float64) bool {
	if trade > 0 {
		return limit >= price
	}
	return limit <= price
}
