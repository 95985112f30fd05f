// Package domain defines the core order, fill, roll and position types shared
// by the execution stack, the stores and the backtest simulator.
package domain

import (
	"fmt"
	"time"
)

// Level identifies which of the three order stacks an order lives on.
type Level string

const (
	LevelInstrument Level = "instrument"
	LevelContract   Level = "contract"
	LevelBroker     Level = "broker"
)

// Levels lists the stack levels from top to bottom.
var Levels = []Level{LevelInstrument, LevelContract, LevelBroker}

// ParseLevel converts a name into a Level.
func ParseLevel(s string) (Level, error) {
	for _, l := range Levels {
		if string(l) == s {
			return l, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownLevel, s)
}

// OrderType is the execution style requested for an instrument order.
type OrderType string

const (
	OrderTypeBest    OrderType = "best"
	OrderTypeMarket  OrderType = "market"
	OrderTypeLimit   OrderType = "limit"
	OrderTypeBalance OrderType = "balance"
)

// Fill is a single execution report. An empty fill has zero quantity.
type Fill struct {
	Time             time.Time
	Qty              int64
	Price            float64
	SlippageAdjusted bool
}

// IsEmpty reports whether the fill carries no quantity.
func (f Fill) IsEmpty() bool {
	return f.Qty == 0
}

// Bar is a single price observation for an instrument.
type Bar struct {
	Instrument string
	Timestamp  time.Time
	Price      float64
}

// OptimalPosition is an unrounded desired position produced by a strategy.
// Position may be NaN when the strategy has no opinion.
type OptimalPosition struct {
	Strategy   string
	Instrument string
	Timestamp  time.Time
	Position   float64
}

// Position is a held quantity. Contract is empty for strategy positions and
// Strategy is empty for contract positions.
type Position struct {
	Strategy   string `json:"strategy,omitempty"`
	Instrument string `json:"instrument"`
	Contract   string `json:"contract,omitempty"`
	Qty        int64  `json:"qty"`
}
