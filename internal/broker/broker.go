// Package broker defines the Gateway interface the execution stack uses to
// reach a broker, and provides a deterministic paper gateway, an
// Alpaca-routed gateway and a pacing wrapper with a contract cache.
package broker

import (
	"context"
	"errors"
	"time"

	"execstack/internal/domain"
)

// ErrUnknownOrder is returned when the broker has no record of an order
// reference.
var ErrUnknownOrder = errors.New("broker has no such order")

// Side is the direction of liquidity being queried.
type Side int

const (
	Buy Side = iota
	Sell
)

// SideFor returns the side that executes a signed trade.
func SideFor(trade int64) Side {
	if trade < 0 {
		return Sell
	}
	return Buy
}

func (s Side) String() string {
	if s == Sell {
		return "sell"
	}
	return "buy"
}

// Contract is a resolved, broker-specific futures contract.
type Contract struct {
	Instrument string
	Date       string
	Symbol     string
	Exchange   string
	Multiplier float64
}

// OrderStatus is the broker's view of a submitted order. Trade and Filled
// are signed; Filled is cumulative. Contract is empty when the broker does
// not carry contract dates.
type OrderStatus struct {
	BrokerRef  string    `json:"broker_ref"`
	Instrument string    `json:"instrument"`
	Contract   string    `json:"contract,omitempty"`
	Trade      int64     `json:"trade"`
	Filled     int64     `json:"filled"`
	AvgPrice   float64   `json:"avg_price"`
	FillTime   time.Time `json:"fill_time"`
	Cancelled  bool      `json:"cancelled"`
	Done       bool      `json:"done"`
}

// Gateway abstracts the broker operations the execution stack needs.
type Gateway interface {
	// Name returns the gateway identifier (e.g. "simulator", "alpaca").
	Name() string

	// ResolveContract maps an instrument and contract date to the broker's
	// contract.
	ResolveContract(ctx context.Context, instrument, contractDate string) (Contract, error)

	// SubmitOrder sends a broker order and returns the broker's reference.
	SubmitOrder(ctx context.Context, order *domain.Order) (string, error)

	// CancelOrder requests cancellation. Cancellation is confirmed through
	// FillStatus, never synchronously.
	CancelOrder(ctx context.Context, brokerRef string) error

	// FillStatus returns the current fill state, or ErrUnknownOrder.
	FillStatus(ctx context.Context, brokerRef string) (OrderStatus, error)

	// Liquidity returns the quantity available on the given side.
	Liquidity(ctx context.Context, instrument, contractDate string, side Side) (int64, error)

	// IsTradeable reports whether the contract can trade right now.
	IsTradeable(ctx context.Context, instrument, contractDate string) (bool, error)

	// LastMatchedPrice returns the last traded price, or domain.ErrNoPrice.
	LastMatchedPrice(ctx context.Context, instrument, contractDate string) (float64, error)

	// ListOpenOrders returns every order still working at the broker.
	ListOpenOrders(ctx context.Context) ([]OrderStatus, error)

	// Positions returns the positions the broker holds, by instrument and,
	// where known, contract.
	Positions(ctx context.Context) ([]domain.Position, error)
}
