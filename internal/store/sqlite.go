package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"execstack/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ OrderStack = (*SQLiteStack)(nil)
var _ PositionStore = (*SQLiteStore)(nil)

// ErrConcurrentUpdate is returned when a conditional update loses a race with
// another writer on the same order.
var ErrConcurrentUpdate = errors.New("concurrent update")

const schema = `
CREATE TABLE IF NOT EXISTS order_ids (
	level   TEXT PRIMARY KEY,
	next_id INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS orders (
	level              TEXT    NOT NULL,
	id                 INTEGER NOT NULL,
	strategy           TEXT    NOT NULL,
	instrument         TEXT    NOT NULL,
	contract_ids       TEXT    NOT NULL DEFAULT '[]',
	trade              INTEGER NOT NULL,
	fill               INTEGER NOT NULL DEFAULT 0,
	filled_price       REAL    NOT NULL DEFAULT 0,
	fill_time          INTEGER NOT NULL DEFAULT 0,
	parent             INTEGER NOT NULL DEFAULT 0,
	children           TEXT    NOT NULL DEFAULT '[]',
	order_type         TEXT    NOT NULL DEFAULT '',
	reference_price    REAL,
	reference_contract TEXT    NOT NULL DEFAULT '',
	limit_price        REAL,
	limit_contract     TEXT    NOT NULL DEFAULT '',
	algo_to_use        TEXT    NOT NULL DEFAULT '',
	controlling_algo   TEXT    NOT NULL DEFAULT '',
	locked             INTEGER NOT NULL DEFAULT 0,
	active             INTEGER NOT NULL DEFAULT 1,
	broker_ref         TEXT    NOT NULL DEFAULT '',
	created_at         INTEGER NOT NULL,
	PRIMARY KEY (level, id)
);
CREATE TABLE IF NOT EXISTS contract_positions (
	instrument TEXT    NOT NULL,
	contract   TEXT    NOT NULL,
	qty        INTEGER NOT NULL,
	PRIMARY KEY (instrument, contract)
);
CREATE TABLE IF NOT EXISTS strategy_positions (
	strategy   TEXT    NOT NULL,
	instrument TEXT    NOT NULL,
	qty        INTEGER NOT NULL,
	PRIMARY KEY (strategy, instrument)
);
`

const orderColumns = `id, strategy, instrument, contract_ids, trade, fill, filled_price, fill_time,
	parent, children, order_type, reference_price, reference_contract, limit_price, limit_contract,
	algo_to_use, controlling_algo, locked, active, broker_ref, created_at`

// SQLiteStore holds the order stacks and positions in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// schema and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection serialises transactions inside this process;
	// conditional updates guard against other processes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000; PRAGMA journal_mode = WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Stack returns the order stack for one level.
func (s *SQLiteStore) Stack(level domain.Level) *SQLiteStack {
	return &SQLiteStack{db: s.db, level: level, now: time.Now}
}

// Stacks returns all three order stacks.
func (s *SQLiteStore) Stacks() Stacks {
	return Stacks{
		Instrument: s.Stack(domain.LevelInstrument),
		Contract:   s.Stack(domain.LevelContract),
		Broker:     s.Stack(domain.LevelBroker),
	}
}

// ---------------------------------------------------------------------------
// OrderStack implementation
// ---------------------------------------------------------------------------

// SQLiteStack is one level's OrderStack inside a SQLiteStore.
type SQLiteStack struct {
	db    *sql.DB
	level domain.Level
	now   func() time.Time
}

// Level returns the stack's namespace.
func (s *SQLiteStack) Level() domain.Level {
	return s.level
}

// Put inserts the order under a freshly allocated id.
func (s *SQLiteStack) Put(ctx context.Context, order *domain.Order) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO order_ids (level, next_id) VALUES (?, 1)
		ON CONFLICT(level) DO UPDATE SET next_id = next_id + 1
		RETURNING next_id`, string(s.level)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("allocating %s order id: %w", s.level, err)
	}

	contracts, err := json.Marshal(nonNilStrings(order.ContractIDs))
	if err != nil {
		return 0, err
	}
	children, err := json.Marshal(nonNilIDs(order.Children))
	if err != nil {
		return 0, err
	}
	created := order.CreatedAt
	if created.IsZero() {
		created = s.now()
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO orders (level, `+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		string(s.level), id, order.Strategy, order.Instrument, string(contracts),
		order.Trade, order.Fill, order.FilledPrice, encodeTime(order.FillTime),
		order.Parent, string(children), string(order.OrderType),
		nullFloat(order.ReferencePrice), order.ReferenceContract,
		nullFloat(order.LimitPrice), order.LimitContract,
		order.AlgoToUse, order.ControllingAlgo, boolInt(order.Locked),
		order.BrokerRef, created.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("inserting %s order: %w", s.level, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// Get returns the order with the given id.
func (s *SQLiteStack) Get(ctx context.Context, id int64) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE level = ? AND id = ?`, string(s.level), id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s order %d: %w", s.level, id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	o.Level = s.level
	return o, nil
}

// UpdateFill validates and applies a cumulative fill, returning the fill it
// replaced. The update is conditional on the fill read inside the
// transaction.
func (s *SQLiteStack) UpdateFill(ctx context.Context, id int64, fill int64, price float64, ts time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	o, err := s.getTx(ctx, tx, id)
	if err != nil {
		return 0, err
	}
	oldFill := o.Fill
	if err := o.ApplyFill(fill, price, ts); err != nil {
		return oldFill, fmt.Errorf("%s order %d: %w", s.level, id, err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE orders SET fill = ?, filled_price = ?, fill_time = ?
		WHERE level = ? AND id = ? AND fill = ?`,
		o.Fill, o.FilledPrice, encodeTime(o.FillTime), string(s.level), id, oldFill)
	if err != nil {
		return 0, err
	}
	if err := expectOne(res, s.level, id); err != nil {
		return 0, err
	}
	return oldFill, tx.Commit()
}

// AddChildren appends child ids to the parent's child list.
func (s *SQLiteStack) AddChildren(ctx context.Context, parentID int64, childIDs ...int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT children FROM orders WHERE level = ? AND id = ?`,
		string(s.level), parentID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s order %d: %w", s.level, parentID, domain.ErrNotFound)
	}
	if err != nil {
		return err
	}
	var children []int64
	if err := json.Unmarshal([]byte(raw), &children); err != nil {
		return fmt.Errorf("decoding children of %s order %d: %w", s.level, parentID, err)
	}
	updated, err := json.Marshal(append(children, childIDs...))
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE orders SET children = ? WHERE level = ? AND id = ? AND children = ?`,
		string(updated), string(s.level), parentID, raw)
	if err != nil {
		return err
	}
	if err := expectOne(res, s.level, parentID); err != nil {
		return err
	}
	return tx.Commit()
}

// Lock sets the lock flag if it is clear.
func (s *SQLiteStack) Lock(ctx context.Context, id int64) error {
	return s.conditional(ctx, id, domain.ErrLocked,
		`UPDATE orders SET locked = 1 WHERE level = ? AND id = ? AND locked = 0`)
}

// Unlock clears the lock flag.
func (s *SQLiteStack) Unlock(ctx context.Context, id int64) error {
	return s.unconditional(ctx, id, `UPDATE orders SET locked = 0 WHERE level = ? AND id = ?`)
}

// ClaimControl records algo as the controlling algo if none is set.
func (s *SQLiteStack) ClaimControl(ctx context.Context, id int64, algo string) error {
	return s.conditional(ctx, id, domain.ErrAlreadyControlled,
		`UPDATE orders SET controlling_algo = ? WHERE level = ? AND id = ? AND controlling_algo = ''`, algo)
}

// ReleaseControl clears the controlling algo.
func (s *SQLiteStack) ReleaseControl(ctx context.Context, id int64) error {
	return s.unconditional(ctx, id, `UPDATE orders SET controlling_algo = '' WHERE level = ? AND id = ?`)
}

// Deactivate marks the order inactive.
func (s *SQLiteStack) Deactivate(ctx context.Context, id int64) error {
	return s.unconditional(ctx, id, `UPDATE orders SET active = 0 WHERE level = ? AND id = ?`)
}

// ForceComplete sets trade equal to fill.
func (s *SQLiteStack) ForceComplete(ctx context.Context, id int64) error {
	return s.unconditional(ctx, id, `UPDATE orders SET trade = fill WHERE level = ? AND id = ?`)
}

// ListNewOrders returns active orders without children.
func (s *SQLiteStack) ListNewOrders(ctx context.Context) ([]int64, error) {
	return s.ids(ctx, `SELECT id FROM orders WHERE level = ? AND active = 1 AND children = '[]' ORDER BY id`)
}

// ListOrderIDs returns active order ids.
func (s *SQLiteStack) ListOrderIDs(ctx context.Context) ([]int64, error) {
	return s.ids(ctx, `SELECT id FROM orders WHERE level = ? AND active = 1 ORDER BY id`)
}

// ListAllOrderIDs returns every order id on this level.
func (s *SQLiteStack) ListAllOrderIDs(ctx context.Context) ([]int64, error) {
	return s.ids(ctx, `SELECT id FROM orders WHERE level = ? ORDER BY id`)
}

// RemoveIfDeactivated deletes the order if it is inactive.
func (s *SQLiteStack) RemoveIfDeactivated(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM orders WHERE level = ? AND id = ? AND active = 0`,
		string(s.level), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLiteStack) getTx(ctx context.Context, tx *sql.Tx, id int64) (*domain.Order, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE level = ? AND id = ?`, string(s.level), id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s order %d: %w", s.level, id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	o.Level = s.level
	return o, nil
}

// conditional runs an UPDATE whose WHERE clause encodes a precondition. The
// query's trailing placeholders must be level and id, after any leading args.
func (s *SQLiteStack) conditional(ctx context.Context, id int64, failed error, query string, leading ...any) error {
	args := append(leading, string(s.level), id)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%s order %d: %w", s.level, id, failed)
}

func (s *SQLiteStack) unconditional(ctx context.Context, id int64, query string) error {
	res, err := s.db.ExecContext(ctx, query, string(s.level), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s order %d: %w", s.level, id, domain.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStack) ids(ctx context.Context, query string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, string(s.level))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		o                    domain.Order
		contracts, children  string
		orderType            string
		fillTime, created    int64
		refPrice, limitPrice sql.NullFloat64
		locked, active       int
	)
	err := row.Scan(&o.ID, &o.Strategy, &o.Instrument, &contracts, &o.Trade, &o.Fill,
		&o.FilledPrice, &fillTime, &o.Parent, &children, &orderType,
		&refPrice, &o.ReferenceContract, &limitPrice, &o.LimitContract,
		&o.AlgoToUse, &o.ControllingAlgo, &locked, &active, &o.BrokerRef, &created)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(contracts), &o.ContractIDs); err != nil {
		return nil, fmt.Errorf("decoding contract ids of order %d: %w", o.ID, err)
	}
	if err := json.Unmarshal([]byte(children), &o.Children); err != nil {
		return nil, fmt.Errorf("decoding children of order %d: %w", o.ID, err)
	}
	if len(o.ContractIDs) == 0 {
		o.ContractIDs = nil
	}
	if len(o.Children) == 0 {
		o.Children = nil
	}
	o.OrderType = domain.OrderType(orderType)
	o.FillTime = decodeTime(fillTime)
	o.CreatedAt = time.Unix(0, created).UTC()
	if refPrice.Valid {
		o.ReferencePrice = domain.Float(refPrice.Float64)
	}
	if limitPrice.Valid {
		o.LimitPrice = domain.Float(limitPrice.Float64)
	}
	o.Locked = locked != 0
	o.Active = active != 0
	return &o, nil
}

func expectOne(res sql.Result, level domain.Level, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%s order %d: %w", level, id, ErrConcurrentUpdate)
	}
	return nil
}

func encodeTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func decodeTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilIDs(v []int64) []int64 {
	if v == nil {
		return []int64{}
	}
	return v
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

// ContractPosition returns the position held in one contract.
func (s *SQLiteStore) ContractPosition(ctx context.Context, instrument, contract string) (int64, error) {
	var qty int64
	err := s.db.QueryRowContext(ctx,
		`SELECT qty FROM contract_positions WHERE instrument = ? AND contract = ?`,
		instrument, contract).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return qty, err
}

// UpdateContractPosition adds delta to a contract position.
func (s *SQLiteStore) UpdateContractPosition(ctx context.Context, instrument, contract string, delta int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contract_positions (instrument, contract, qty) VALUES (?, ?, ?)
		ON CONFLICT(instrument, contract) DO UPDATE SET qty = qty + excluded.qty`,
		instrument, contract, delta)
	return err
}

// StrategyPosition returns a strategy's position in an instrument.
func (s *SQLiteStore) StrategyPosition(ctx context.Context, strategy, instrument string) (int64, error) {
	var qty int64
	err := s.db.QueryRowContext(ctx,
		`SELECT qty FROM strategy_positions WHERE strategy = ? AND instrument = ?`,
		strategy, instrument).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return qty, err
}

// UpdateStrategyPosition adds delta to a strategy position.
func (s *SQLiteStore) UpdateStrategyPosition(ctx context.Context, strategy, instrument string, delta int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO strategy_positions (strategy, instrument, qty) VALUES (?, ?, ?)
		ON CONFLICT(strategy, instrument) DO UPDATE SET qty = qty + excluded.qty`,
		strategy, instrument, delta)
	return err
}

// ListContractPositions returns all non-zero contract positions.
func (s *SQLiteStore) ListContractPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instrument, contract, qty FROM contract_positions WHERE qty != 0 ORDER BY instrument, contract`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		if err := rows.Scan(&p.Instrument, &p.Contract, &p.Qty); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListStrategyPositions returns all non-zero strategy positions.
func (s *SQLiteStore) ListStrategyPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT strategy, instrument, qty FROM strategy_positions WHERE qty != 0 ORDER BY strategy, instrument`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		if err := rows.Scan(&p.Strategy, &p.Instrument, &p.Qty); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
