package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cndata/internal/merge"
)

// Upsert replaces the rows of table whose keys appear in recs, inserting the
// rest, in a single transaction. The merged set is staged in a scratch
// table, affected keys are deleted from the live table, and the stage is
// copied over; a failure at any step rolls the whole write back, so readers
// never observe a partially applied batch.
//
// Records must carry every column of the table's schema (nil for absent
// values). Only one Upsert runs per table at a time.
func (s *Store) Upsert(ctx context.Context, table string, recs []merge.Record) (int, error) {
	spec, ok := tables[table]
	if !ok {
		return 0, fmt.Errorf("store: unknown table %q", table)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	mu := s.tableMu[table]
	mu.Lock()
	defer mu.Unlock()

	conn, err := s.session(ctx)
	if err != nil {
		return 0, err
	}
	defer s.conns.Release(conn)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin upsert tx: %w", err)
	}
	defer tx.Rollback()

	scratch := fmt.Sprintf("scratch_%s_%d", table, time.Now().UnixNano())
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s AS SELECT %s FROM %s LIMIT 0",
		scratch, joinCols(spec.cols), table)); err != nil {
		return 0, fmt.Errorf("store: creating scratch table: %w", err)
	}

	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		scratch, joinCols(spec.cols), placeholders(len(spec.cols)))
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return 0, fmt.Errorf("store: preparing scratch insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		args := make([]any, len(spec.cols))
		for i, col := range spec.cols {
			args[i] = rec[col]
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("store: staging row for %s: %w", table, err)
		}
	}

	var match []string
	for _, k := range spec.keys {
		match = append(match, fmt.Sprintf("s.%s = %s.%s", k, table, k))
	}
	del := fmt.Sprintf("DELETE FROM %s WHERE EXISTS (SELECT 1 FROM %s s WHERE %s)",
		table, scratch, strings.Join(match, " AND "))
	if _, err := tx.ExecContext(ctx, del); err != nil {
		return 0, fmt.Errorf("store: deleting superseded rows in %s: %w", table, err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
		table, joinCols(spec.cols), joinCols(spec.cols), scratch)); err != nil {
		return 0, fmt.Errorf("store: applying upsert to %s: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE "+scratch); err != nil {
		return 0, fmt.Errorf("store: dropping scratch table: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: committing upsert to %s: %w", table, err)
	}

	s.log.Debug("upsert applied", "table", table, "rows", len(recs))
	return len(recs), nil
}

// ReplaceCalendar replaces the trading calendar wholesale.
func (s *Store) ReplaceCalendar(ctx context.Context, dates []string) error {
	mu := s.tableMu[TableCalendar]
	mu.Lock()
	defer mu.Unlock()

	conn, err := s.session(ctx)
	if err != nil {
		return err
	}
	defer s.conns.Release(conn)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin calendar tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM trade_calendar"); err != nil {
		return fmt.Errorf("store: clearing calendar: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO trade_calendar (date) VALUES (?)")
	if err != nil {
		return fmt.Errorf("store: preparing calendar insert: %w", err)
	}
	defer stmt.Close()
	for _, d := range dates {
		if _, err := stmt.ExecContext(ctx, d); err != nil {
			return fmt.Errorf("store: inserting calendar date %s: %w", d, err)
		}
	}
	return tx.Commit()
}
