// Package store persists collected market data in SQLite. Writes go through
// a scratch-table upsert that replaces whole key ranges atomically; reads
// return the generic records the merge engine consumes. Sessions are handed
// out by a bounded connection pool so a stuck writer surfaces as a timeout
// instead of unbounded queueing.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"cndata/internal/domain"
	"cndata/internal/merge"
	"cndata/internal/pool"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Store wraps a SQLite database holding the collection tables.
type Store struct {
	db    *sql.DB
	conns *pool.Pool[*sql.Conn]
	log   *slog.Logger

	// One writer per table at a time; the scratch-swap upsert is not safe
	// to interleave on the same table.
	tableMu map[string]*sync.Mutex
}

// Open opens (or creates) the database at dbPath, applies the schema, and
// sizes the session pool from cfg.
func Open(dbPath string, cfg pool.Config) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: creating %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", dbPath, err)
	}
	if err := applySchema(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:      db,
		log:     slog.Default().With("component", "store"),
		tableMu: make(map[string]*sync.Mutex, len(tables)),
	}
	for name := range tables {
		s.tableMu[name] = &sync.Mutex{}
	}
	s.conns = pool.New(cfg, func(ctx context.Context) (*sql.Conn, error) {
		return db.Conn(ctx)
	}, func(c *sql.Conn) error {
		return c.Close()
	})
	return s, nil
}

// Close disposes the session pool and closes the database.
func (s *Store) Close() error {
	s.conns.Dispose()
	return s.db.Close()
}

// session acquires a pooled connection; release it with s.conns.Release.
// A timed-out acquire is retried once before failing.
func (s *Store) session(ctx context.Context) (*sql.Conn, error) {
	conn, err := s.conns.Acquire(ctx)
	if errors.Is(err, pool.ErrAcquireTimeout) {
		conn, err = s.conns.Acquire(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return conn, nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// ReadRange returns the stored records for symbol in [start, end] (dates
// formatted YYYY-MM-DD), ordered by date ascending. For minute_bars a
// non-empty freq narrows to one frequency; the date column's time suffix is
// ignored for range bounds.
func (s *Store) ReadRange(ctx context.Context, table, symbol, start, end string, freq domain.Frequency) ([]merge.Record, error) {
	spec, ok := tables[table]
	if !ok {
		return nil, fmt.Errorf("store: unknown table %q", table)
	}

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE symbol = ? AND substr(date, 1, 10) >= ? AND substr(date, 1, 10) <= ?",
		joinCols(spec.cols), spec.name)
	args := []any{symbol, start, end}
	if table == TableMinuteBars && freq != "" {
		query += " AND freq = ?"
		args = append(args, string(freq))
	}
	query += " ORDER BY date ASC"

	conn, err := s.session(ctx)
	if err != nil {
		return nil, err
	}
	defer s.conns.Release(conn)

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: reading %s: %w", table, err)
	}
	defer rows.Close()
	return scanRecords(rows, spec.cols)
}

// ExistingDates returns the distinct stored dates (YYYY-MM-DD) for symbol in
// [start, end]. The collector subtracts these from the expected trading days
// to find gaps.
func (s *Store) ExistingDates(ctx context.Context, table, symbol, start, end string, freq domain.Frequency) (map[string]bool, error) {
	if _, ok := tables[table]; !ok {
		return nil, fmt.Errorf("store: unknown table %q", table)
	}

	query := fmt.Sprintf(
		"SELECT DISTINCT substr(date, 1, 10) FROM %s WHERE symbol = ? AND substr(date, 1, 10) >= ? AND substr(date, 1, 10) <= ?",
		table)
	args := []any{symbol, start, end}
	if table == TableMinuteBars && freq != "" {
		query += " AND freq = ?"
		args = append(args, string(freq))
	}

	conn, err := s.session(ctx)
	if err != nil {
		return nil, err
	}
	defer s.conns.Release(conn)

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: listing dates in %s: %w", table, err)
	}
	defer rows.Close()

	dates := make(map[string]bool)
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("store: scanning date: %w", err)
		}
		dates[d] = true
	}
	return dates, rows.Err()
}

// Instruments returns the stored universe, optionally only active symbols,
// ordered by symbol.
func (s *Store) Instruments(ctx context.Context, activeOnly bool) ([]domain.Instrument, error) {
	query := "SELECT symbol, name, market, close, volume, active, update_time FROM instrument_info"
	if activeOnly {
		query += " WHERE active = 1"
	}
	query += " ORDER BY symbol ASC"

	conn, err := s.session(ctx)
	if err != nil {
		return nil, err
	}
	defer s.conns.Release(conn)

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: listing instruments: %w", err)
	}
	defer rows.Close()

	var out []domain.Instrument
	for rows.Next() {
		var (
			inst   domain.Instrument
			market string
			name   sql.NullString
			close  sql.NullFloat64
			volume sql.NullFloat64
			active int
			upd    sql.NullString
		)
		if err := rows.Scan(&inst.Symbol, &name, &market, &close, &volume, &active, &upd); err != nil {
			return nil, fmt.Errorf("store: scanning instrument: %w", err)
		}
		inst.Name = name.String
		inst.Market = domain.Market(market)
		inst.Close = close.Float64
		inst.Volume = volume.Float64
		inst.Active = active != 0
		inst.UpdateTime = upd.String
		out = append(out, inst)
	}
	return out, rows.Err()
}

// CalendarRange returns the stored trading dates within [start, end],
// ascending. Empty bounds mean unbounded.
func (s *Store) CalendarRange(ctx context.Context, start, end string) ([]string, error) {
	query := "SELECT date FROM trade_calendar"
	var args []any
	var conds []string
	if start != "" {
		conds = append(conds, "date >= ?")
		args = append(args, start)
	}
	if end != "" {
		conds = append(conds, "date <= ?")
		args = append(args, end)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY date ASC"

	conn, err := s.session(ctx)
	if err != nil {
		return nil, err
	}
	defer s.conns.Release(conn)

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: reading calendar: %w", err)
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("store: scanning calendar date: %w", err)
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

// Symbols returns the distinct symbols present in table.
func (s *Store) Symbols(ctx context.Context, table string) ([]string, error) {
	if _, ok := tables[table]; !ok {
		return nil, fmt.Errorf("store: unknown table %q", table)
	}

	conn, err := s.session(ctx)
	if err != nil {
		return nil, err
	}
	defer s.conns.Release(conn)

	rows, err := conn.QueryContext(ctx, fmt.Sprintf("SELECT DISTINCT symbol FROM %s ORDER BY symbol ASC", table))
	if err != nil {
		return nil, fmt.Errorf("store: listing symbols in %s: %w", table, err)
	}
	defer rows.Close()

	var syms []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, fmt.Errorf("store: scanning symbol: %w", err)
		}
		syms = append(syms, sym)
	}
	return syms, rows.Err()
}

// ---------------------------------------------------------------------------
// Scan helpers
// ---------------------------------------------------------------------------

func scanRecords(rows *sql.Rows, cols []string) ([]merge.Record, error) {
	var out []merge.Record
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("store: scanning row: %w", err)
		}
		rec := make(merge.Record, len(cols))
		for i, col := range cols {
			switch v := vals[i].(type) {
			case []byte:
				rec[col] = string(v)
			default:
				rec[col] = v
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func joinCols(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}
