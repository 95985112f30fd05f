// Package simulator replays unrounded optimal positions against a price
// series bar by bar, producing the positions, orders and fills a live
// execution of the same decisions would have produced.
package simulator

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"execstack/internal/domain"
)

var (
	ErrLengthMismatch = errors.New("series times and values differ in length")
	ErrIndexMismatch  = errors.New("price and position series are not aligned")
	ErrUnsorted       = errors.New("series times are not increasing")
	ErrUnknownVariant = errors.New("unknown simulator variant")
)

// Variant selects the order type the simulator trades with.
type Variant string

const (
	Market Variant = "market"
	Limit  Variant = "limit"
)

// ParseVariant maps a name to a Variant.
func ParseVariant(s string) (Variant, error) {
	switch Variant(s) {
	case Market, Limit:
		return Variant(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownVariant, s)
}

// Series is a time-indexed sequence of values. NaN marks an undefined value.
type Series struct {
	Times  []time.Time
	Values []float64
}

// Len returns the number of points.
func (s Series) Len() int { return len(s.Times) }

func (s Series) validate() error {
	if len(s.Times) != len(s.Values) {
		return fmt.Errorf("%w: %d times, %d values", ErrLengthMismatch, len(s.Times), len(s.Values))
	}
	for i := 1; i < len(s.Times); i++ {
		if !s.Times[i].After(s.Times[i-1]) {
			return fmt.Errorf("%w: index %d at %s", ErrUnsorted, i, s.Times[i].Format(time.RFC3339))
		}
	}
	return nil
}

// Align forward-fills the optimal series onto the price index. Price times
// before the first optimal point get NaN.
func Align(prices, optimal Series) (Series, error) {
	if err := prices.validate(); err != nil {
		return Series{}, fmt.Errorf("prices: %w", err)
	}
	if err := optimal.validate(); err != nil {
		return Series{}, fmt.Errorf("optimal positions: %w", err)
	}

	out := Series{
		Times:  append([]time.Time(nil), prices.Times...),
		Values: make([]float64, len(prices.Times)),
	}
	j := -1
	for i, ts := range prices.Times {
		for j+1 < len(optimal.Times) && !optimal.Times[j+1].After(ts) {
			j++
		}
		if j < 0 {
			out.Values[i] = math.NaN()
			continue
		}
		out.Values[i] = optimal.Values[j]
	}
	return out, nil
}

// Order is a simulated order. LimitPrice is NaN for market orders.
type Order struct {
	Time       time.Time
	Qty        int64
	LimitPrice float64
}

// IsLimit reports whether the order carries a limit price.
func (o Order) IsLimit() bool { return !math.IsNaN(o.LimitPrice) }

// Result holds the output of one simulation. Positions is index-aligned
// with the input prices.
type Result struct {
	Variant   Variant
	Times     []time.Time
	Optimal   []float64
	Positions []int64
	Orders    []Order
	Fills     []domain.Fill
}

// bar is the data the simulator sees at one index point.
type bar struct {
	position int64
	optimal  float64
	time     time.Time
	price    float64
	nextTime time.Time
	next     float64
}

// Simulate replays the optimal positions from the first to the
// second-to-last bar. The final bar has no next price to fill against, so
// the last position carries forward. Both series must share the same index;
// use Align first when they do not.
func Simulate(prices, optimal Series, variant Variant) (*Result, error) {
	if _, err := ParseVariant(string(variant)); err != nil {
		return nil, err
	}
	if err := prices.validate(); err != nil {
		return nil, fmt.Errorf("prices: %w", err)
	}
	if err := optimal.validate(); err != nil {
		return nil, fmt.Errorf("optimal positions: %w", err)
	}
	if prices.Len() != optimal.Len() {
		return nil, fmt.Errorf("%w: %d prices, %d positions", ErrIndexMismatch, prices.Len(), optimal.Len())
	}
	for i := range prices.Times {
		if !prices.Times[i].Equal(optimal.Times[i]) {
			return nil, fmt.Errorf("%w: index %d", ErrIndexMismatch, i)
		}
	}

	n := prices.Len()
	res := &Result{
		Variant:   variant,
		Times:     append([]time.Time(nil), prices.Times...),
		Optimal:   append([]float64(nil), optimal.Values...),
		Positions: make([]int64, 0, n),
	}
	if n == 0 {
		return res, nil
	}

	var position int64
	for i := 0; i < n-1; i++ {
		res.Positions = append(res.Positions, position)
		b := bar{
			position: position,
			optimal:  optimal.Values[i],
			time:     prices.Times[i],
			price:    prices.Values[i],
			nextTime: prices.Times[i+1],
			next:     prices.Values[i+1],
		}

		var order Order
		var fill domain.Fill
		if variant == Market {
			order, fill = marketStep(b)
		} else {
			order, fill = limitStep(b)
		}
		if order.Qty != 0 {
			res.Orders = append(res.Orders, order)
		}
		if !fill.IsEmpty() {
			res.Fills = append(res.Fills, fill)
			position += fill.Qty
		}
	}
	res.Positions = append(res.Positions, position)
	return res, nil
}

// desiredQty rounds half to even, so 0.5 and -0.5 both round to zero.
func desiredQty(b bar) int64 {
	if math.IsNaN(b.optimal) {
		return 0
	}
	return int64(math.RoundToEven(b.optimal)) - b.position
}

// marketStep fills the full quantity at the next bar's price.
func marketStep(b bar) (Order, domain.Fill) {
	qty := desiredQty(b)
	order := Order{Time: b.time, Qty: qty, LimitPrice: math.NaN()}
	if qty == 0 {
		return order, domain.Fill{Time: b.nextTime}
	}
	return order, domain.Fill{Time: b.nextTime, Qty: qty, Price: b.next, SlippageAdjusted: true}
}

// limitStep quotes at the current price. A buy fills when the limit is above
// the next price, a sell when it is below; the fill is at the limit.
func limitStep(b bar) (Order, domain.Fill) {
	qty := desiredQty(b)
	limit := b.price
	order := Order{Time: b.time, Qty: qty, LimitPrice: limit}
	switch {
	case qty > 0 && limit > b.next:
		return order, domain.Fill{Time: b.nextTime, Qty: qty, Price: limit}
	case qty < 0 && limit < b.next:
		return order, domain.Fill{Time: b.nextTime, Qty: qty, Price: limit, SlippageAdjusted: true}
	}
	return order, domain.Fill{Time: b.nextTime}
}

// DiagnosticRow joins the simulation on one index point. Missing values
// are NaN.
type DiagnosticRow struct {
	Time            time.Time
	OptimalPosition float64
	OrderQty        float64
	LimitPrice      float64
	FillQty         float64
	FillPrice       float64
	Position        float64
}

// Diagnostic returns one row per index point with the optimal position, the
// order submitted there, the fill received there and the position held.
func (r *Result) Diagnostic() []DiagnosticRow {
	rows := make([]DiagnosticRow, len(r.Times))
	index := make(map[int64]int, len(r.Times))
	for i, ts := range r.Times {
		index[ts.UnixNano()] = i
		rows[i] = DiagnosticRow{
			Time:            ts,
			OptimalPosition: r.Optimal[i],
			OrderQty:        math.NaN(),
			LimitPrice:      math.NaN(),
			FillQty:         math.NaN(),
			FillPrice:       math.NaN(),
			Position:        float64(r.Positions[i]),
		}
	}
	for _, o := range r.Orders {
		if i, ok := index[o.Time.UnixNano()]; ok {
			rows[i].OrderQty = float64(o.Qty)
			rows[i].LimitPrice = o.LimitPrice
		}
	}
	for _, f := range r.Fills {
		if i, ok := index[f.Time.UnixNano()]; ok {
			rows[i].FillQty = float64(f.Qty)
			rows[i].FillPrice = f.Price
		}
	}
	return rows
}

// Trades returns the number of fills and the cumulative cost of the fills,
// signed so that buys are negative cash.
func (r *Result) Trades() (count int, cash float64) {
	for _, f := range r.Fills {
		cash -= float64(f.Qty) * f.Price
	}
	return len(r.Fills), cash
}

// PnL marks the final position to the last price and adds the fill cash.
func (r *Result) PnL(prices Series) float64 {
	_, cash := r.Trades()
	if len(r.Positions) == 0 || prices.Len() == 0 {
		return cash
	}
	last := prices.Values[prices.Len()-1]
	return cash + float64(r.Positions[len(r.Positions)-1])*last
}

// FromOptimalPositions converts stored optimal positions into a Series,
// sorted by time.
func FromOptimalPositions(ps []domain.OptimalPosition) Series {
	sorted := append([]domain.OptimalPosition(nil), ps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
	s := Series{Times: make([]time.Time, len(sorted)), Values: make([]float64, len(sorted))}
	for i, p := range sorted {
		s.Times[i] = p.Timestamp
		s.Values[i] = p.Position
	}
	return s
}

// FromBars converts stored bars into a Series, sorted by time.
func FromBars(bars []domain.Bar) Series {
	sorted := append([]domain.Bar(nil), bars...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
	s := Series{Times: make([]time.Time, len(sorted)), Values: make([]float64, len(sorted))}
	for i, b := range sorted {
		s.Times[i] = b.Timestamp
		s.Values[i] = b.Price
	}
	return s
}
