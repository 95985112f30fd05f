package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"execstack/internal/domain"
)

// Compile-time interface checks.
var _ BarStore = (*ParquetStore)(nil)
var _ OptimalPositionStore = (*ParquetStore)(nil)
var _ OrderArchive = (*ParquetStore)(nil)
var _ SimulationStore = (*ParquetStore)(nil)

// ParquetStore implements BarStore, OptimalPositionStore and OrderArchive
// using Parquet files on disk.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for instrument prices.
type BarRecord struct {
	Instrument string  `parquet:"instrument"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Price      float64 `parquet:"price"`
}

// OptimalPositionRecord is the Parquet schema for unrounded positions.
type OptimalPositionRecord struct {
	Strategy   string  `parquet:"strategy"`
	Instrument string  `parquet:"instrument"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Position   float64 `parquet:"position"`
}

// OrderRecord is the Parquet schema for archived orders.
type OrderRecord struct {
	ID          int64   `parquet:"id"`
	Strategy    string  `parquet:"strategy"`
	Instrument  string  `parquet:"instrument"`
	Contract    string  `parquet:"contract"`
	Trade       int64   `parquet:"trade"`
	Fill        int64   `parquet:"fill"`
	FilledPrice float64 `parquet:"filled_price"`
	FillTime    int64   `parquet:"fill_time,timestamp(millisecond)"`
	Parent      int64   `parquet:"parent"`
	OrderType   string  `parquet:"order_type"`
	Algo        string  `parquet:"algo"`
	BrokerRef   string  `parquet:"broker_ref"`
	CreatedAt   int64   `parquet:"created_at,timestamp(millisecond)"`
}

// DiagnosticRecord is one row of an order simulator diagnostic view. Missing
// values are NaN.
type DiagnosticRecord struct {
	Timestamp       int64   `parquet:"timestamp,timestamp(millisecond)"`
	OptimalPosition float64 `parquet:"optimal_position"`
	OrderQty        float64 `parquet:"order_qty"`
	LimitPrice      float64 `parquet:"limit_price"`
	FillQty         float64 `parquet:"fill_qty"`
	FillPrice       float64 `parquet:"fill_price"`
	Position        float64 `parquet:"position"`
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes prices grouped by instrument and year, merging with any
// existing file:
//
//	<DataDir>/prices/<INSTRUMENT>/<YYYY>.parquet
func (s *ParquetStore) WriteBars(_ context.Context, bars []domain.Bar) error {
	type key struct {
		instrument string
		year       int
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		k := key{instrument: b.Instrument, year: b.Timestamp.Year()}
		groups[k] = append(groups[k], BarRecord{
			Instrument: b.Instrument,
			Timestamp:  b.Timestamp.UnixMilli(),
			Price:      b.Price,
		})
	}

	for k, records := range groups {
		path := s.barPath(k.instrument, k.year)

		existing, _ := readParquetFile[BarRecord](path)
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w", k.instrument, k.year, err)
		}
	}
	return nil
}

// ReadBars reads prices for the instrument within [start, end].
func (s *ParquetStore) ReadBars(_ context.Context, instrument string, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	for year := start.Year(); year <= end.Year(); year++ {
		records, err := readParquetFile[BarRecord](s.barPath(instrument, year))
		if err != nil {
			// No file for this year.
			continue
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if inRange(ts, start, end) {
				bars = append(bars, domain.Bar{Instrument: r.Instrument, Timestamp: ts, Price: r.Price})
			}
		}
	}
	return bars, nil
}

// ListInstruments lists instruments that have price files.
func (s *ParquetStore) ListInstruments(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.DataDir, "prices"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// ---------------------------------------------------------------------------
// OptimalPositionStore implementation
// ---------------------------------------------------------------------------

// WriteOptimalPositions replaces the stored series of every strategy and
// instrument present in the batch:
//
//	<DataDir>/optimal/<strategy>/<INSTRUMENT>.parquet
func (s *ParquetStore) WriteOptimalPositions(_ context.Context, positions []domain.OptimalPosition) error {
	type key struct {
		strategy, instrument string
	}
	groups := make(map[key][]OptimalPositionRecord)
	for _, p := range positions {
		k := key{p.Strategy, p.Instrument}
		groups[k] = append(groups[k], OptimalPositionRecord{
			Strategy:   p.Strategy,
			Instrument: p.Instrument,
			Timestamp:  p.Timestamp.UnixMilli(),
			Position:   p.Position,
		})
	}
	for k, records := range groups {
		sort.Slice(records, func(i, j int) bool { return records[i].Timestamp < records[j].Timestamp })
		if err := writeParquetFile(s.optimalPath(k.strategy, k.instrument), records); err != nil {
			return fmt.Errorf("writing optimal positions for %s/%s: %w", k.strategy, k.instrument, err)
		}
	}
	return nil
}

// ReadOptimalPositions returns the stored series for one strategy and
// instrument, ordered by time. A missing series is empty.
func (s *ParquetStore) ReadOptimalPositions(_ context.Context, strategy, instrument string) ([]domain.OptimalPosition, error) {
	path := s.optimalPath(strategy, instrument)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	records, err := readParquetFile[OptimalPositionRecord](path)
	if err != nil {
		return nil, fmt.Errorf("reading optimal positions for %s/%s: %w", strategy, instrument, err)
	}
	out := make([]domain.OptimalPosition, len(records))
	for i, r := range records {
		out[i] = domain.OptimalPosition{
			Strategy:   r.Strategy,
			Instrument: r.Instrument,
			Timestamp:  time.UnixMilli(r.Timestamp).UTC(),
			Position:   r.Position,
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// OrderArchive implementation
// ---------------------------------------------------------------------------

// ArchiveOrders appends orders to daily files keyed by creation date:
//
//	<DataDir>/orders/<level>/<YYYY-MM-DD>.parquet
func (s *ParquetStore) ArchiveOrders(_ context.Context, level domain.Level, orders []*domain.Order) error {
	groups := make(map[string][]OrderRecord)
	for _, o := range orders {
		day := o.CreatedAt.UTC().Format("2006-01-02")
		groups[day] = append(groups[day], OrderRecord{
			ID:          o.ID,
			Strategy:    o.Strategy,
			Instrument:  o.Instrument,
			Contract:    o.ContractID(),
			Trade:       o.Trade,
			Fill:        o.Fill,
			FilledPrice: o.FilledPrice,
			FillTime:    unixMilli(o.FillTime),
			Parent:      o.Parent,
			OrderType:   string(o.OrderType),
			Algo:        o.AlgoToUse,
			BrokerRef:   o.BrokerRef,
			CreatedAt:   o.CreatedAt.UnixMilli(),
		})
	}
	for day, records := range groups {
		path := s.orderPath(level, day)
		existing, _ := readParquetFile[OrderRecord](path)
		if err := writeParquetFile(path, mergeOrderRecords(existing, records)); err != nil {
			return fmt.Errorf("archiving %s orders for %s: %w", level, day, err)
		}
	}
	return nil
}

// ReadHistoricOrders returns archived orders created within [start, end].
func (s *ParquetStore) ReadHistoricOrders(_ context.Context, level domain.Level, start, end time.Time) ([]domain.Order, error) {
	var out []domain.Order
	for d := truncateDay(start); !d.After(end); d = d.AddDate(0, 0, 1) {
		records, err := readParquetFile[OrderRecord](s.orderPath(level, d.Format("2006-01-02")))
		if err != nil {
			continue
		}
		for _, r := range records {
			created := time.UnixMilli(r.CreatedAt).UTC()
			if !inRange(created, start, end) {
				continue
			}
			o := domain.Order{
				ID:          r.ID,
				Level:       level,
				Strategy:    r.Strategy,
				Instrument:  r.Instrument,
				Trade:       r.Trade,
				Fill:        r.Fill,
				FilledPrice: r.FilledPrice,
				Parent:      r.Parent,
				OrderType:   domain.OrderType(r.OrderType),
				AlgoToUse:   r.Algo,
				BrokerRef:   r.BrokerRef,
				CreatedAt:   created,
			}
			if r.Contract != "" {
				o.ContractIDs = []string{r.Contract}
			}
			if r.FillTime != 0 {
				o.FillTime = time.UnixMilli(r.FillTime).UTC()
			}
			out = append(out, o)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Backtest output
// ---------------------------------------------------------------------------

// WriteDiagnostics stores an order simulator diagnostic view:
//
//	<DataDir>/backtest/<strategy>/<INSTRUMENT>-<variant>.parquet
func (s *ParquetStore) WriteDiagnostics(strategy, instrument, variant string, rows []DiagnosticRecord) error {
	path := s.diagnosticPath(strategy, instrument, variant)
	if err := writeParquetFile(path, rows); err != nil {
		return fmt.Errorf("writing diagnostics for %s/%s: %w", strategy, instrument, err)
	}
	return nil
}

// ReadDiagnostics loads a previously written diagnostic view.
func (s *ParquetStore) ReadDiagnostics(strategy, instrument, variant string) ([]DiagnosticRecord, error) {
	return readParquetFile[DiagnosticRecord](s.diagnosticPath(strategy, instrument, variant))
}

// ---------------------------------------------------------------------------
// Paths and helpers
// ---------------------------------------------------------------------------

func (s *ParquetStore) barPath(instrument string, year int) string {
	return filepath.Join(s.DataDir, "prices", strings.ToUpper(instrument), fmt.Sprintf("%d.parquet", year))
}

func (s *ParquetStore) optimalPath(strategy, instrument string) string {
	return filepath.Join(s.DataDir, "optimal", strategy, strings.ToUpper(instrument)+".parquet")
}

func (s *ParquetStore) orderPath(level domain.Level, day string) string {
	return filepath.Join(s.DataDir, "orders", string(level), day+".parquet")
}

func (s *ParquetStore) diagnosticPath(strategy, instrument, variant string) string {
	return filepath.Join(s.DataDir, "backtest", strategy, strings.ToUpper(instrument)+"-"+variant+".parquet")
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeBarRecords deduplicates bar records by (instrument, timestamp),
// preferring new records over existing ones.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	type key struct {
		instrument string
		ts         int64
	}
	seen := make(map[key]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Instrument, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.Instrument, r.Timestamp}] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}

// mergeOrderRecords deduplicates archived orders by (id, created_at),
// preferring new records. Results are sorted by id.
func mergeOrderRecords(existing, incoming []OrderRecord) []OrderRecord {
	type key struct {
		id      int64
		created int64
	}
	seen := make(map[key]OrderRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.ID, r.CreatedAt}] = r
	}
	for _, r := range incoming {
		seen[key{r.ID, r.CreatedAt}] = r
	}

	merged := make([]OrderRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].ID != merged[j].ID {
			return merged[i].ID < merged[j].ID
		}
		return merged[i].CreatedAt < merged[j].CreatedAt
	})
	return merged
}

func inRange(ts, start, end time.Time) bool {
	return !ts.Before(start) && !ts.After(end)
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
