package domain

import (
	"fmt"
	"time"
)

// Order is an entry on one of the three order stacks. Parent and child links
// are ids resolved through the stack, never pointers.
type Order struct {
	ID          int64     `json:"id"`
	Level       Level     `json:"level"`
	Strategy    string    `json:"strategy"`
	Instrument  string    `json:"instrument"`
	ContractIDs []string  `json:"contract_ids,omitempty"`
	Trade       int64     `json:"trade"`
	Fill        int64     `json:"fill"`
	FilledPrice float64   `json:"filled_price,omitempty"`
	FillTime    time.Time `json:"fill_time,omitempty"`
	Parent      int64     `json:"parent,omitempty"`
	Children    []int64   `json:"children,omitempty"`
	OrderType   OrderType `json:"order_type,omitempty"`

	ReferencePrice    *float64 `json:"reference_price,omitempty"`
	ReferenceContract string   `json:"reference_contract,omitempty"`
	LimitPrice        *float64 `json:"limit_price,omitempty"`
	LimitContract     string   `json:"limit_contract,omitempty"`

	AlgoToUse       string `json:"algo_to_use,omitempty"`
	ControllingAlgo string `json:"controlling_algo,omitempty"`
	Locked          bool   `json:"locked"`
	Active          bool   `json:"active"`
	BrokerRef       string `json:"broker_ref,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ContractID returns the single contract date of an outright order, or the
// empty string for instrument orders.
func (o *Order) ContractID() string {
	if len(o.ContractIDs) == 0 {
		return ""
	}
	return o.ContractIDs[0]
}

// Remaining is the unfilled part of the trade.
func (o *Order) Remaining() int64 {
	return o.Trade - o.Fill
}

// Completed reports whether the fill equals the desired trade.
func (o *Order) Completed() bool {
	return o.Fill == o.Trade
}

// FillIsZero reports whether nothing has been filled yet.
func (o *Order) FillIsZero() bool {
	return o.Fill == 0
}

// UnderAlgoControl reports whether an algo currently owns the order.
func (o *Order) UnderAlgoControl() bool {
	return o.ControllingAlgo != ""
}

// ValidateFill checks a proposed cumulative fill against the order's trade
// and current fill.
func (o *Order) ValidateFill(fill int64) error {
	if abs(fill) > abs(o.Trade) {
		return fmt.Errorf("%w: fill %d trade %d", ErrOverFilled, fill, o.Trade)
	}
	if fill != 0 && sign(fill) != sign(o.Trade) {
		return fmt.Errorf("%w: fill %d trade %d", ErrFillSign, fill, o.Trade)
	}
	if abs(fill) < abs(o.Fill) {
		return fmt.Errorf("%w: fill %d current %d", ErrFillDecrease, fill, o.Fill)
	}
	return nil
}

// ApplyFill sets the cumulative fill after validation. The fill time is
// only moved forward.
func (o *Order) ApplyFill(fill int64, price float64, ts time.Time) error {
	if err := o.ValidateFill(fill); err != nil {
		return err
	}
	o.Fill = fill
	if fill == 0 {
		return nil
	}
	o.FilledPrice = price
	if ts.After(o.FillTime) {
		o.FillTime = ts
	}
	return nil
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	c := *o
	if o.ContractIDs != nil {
		c.ContractIDs = append([]string(nil), o.ContractIDs...)
	}
	if o.Children != nil {
		c.Children = append([]int64(nil), o.Children...)
	}
	if o.ReferencePrice != nil {
		v := *o.ReferencePrice
		c.ReferencePrice = &v
	}
	if o.LimitPrice != nil {
		v := *o.LimitPrice
		c.LimitPrice = &v
	}
	return &c
}

// String is used in log lines.
func (o *Order) String() string {
	if o.Level == LevelInstrument {
		return fmt.Sprintf("%s %s/%s trade %d fill %d", o.Level, o.Strategy, o.Instrument, o.Trade, o.Fill)
	}
	return fmt.Sprintf("%s %s/%s/%s trade %d fill %d", o.Level, o.Strategy, o.Instrument, o.ContractID(), o.Trade, o.Fill)
}

// Float returns a pointer to v, for optional price fields.
func Float(v float64) *float64 {
	return &v
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v int64) int64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// Abs returns the magnitude of a quantity.
func Abs(v int64) int64 { return abs(v) }

// Sign returns -1, 0 or 1.
func Sign(v int64) int64 { return sign(v) }
