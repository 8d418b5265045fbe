package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Table names.
const (
	TableInstruments = "instrument_info"
	TableDailyBars   = "daily_bars"
	TableWeeklyBars  = "weekly_bars"
	TableMonthlyBars = "monthly_bars"
	TableMinuteBars  = "minute_bars"
	TableFundFlow    = "fund_flow"
	TableCalendar    = "trade_calendar"
)

// tableSpec describes one table: its column order (which insert statements
// follow), its primary-key columns (which the upsert dedupes and deletes
// by), and the DDL that creates it.
type tableSpec struct {
	name string
	cols []string
	keys []string
	ddl  string
}

var barCols = []string{
	"date", "symbol", "open", "close", "high", "low",
	"volume", "amount", "amplitude", "pct_change", "price_change",
	"turnover_rate", "update_time",
}

func barDDL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	date TEXT NOT NULL,
	symbol TEXT NOT NULL,
	open REAL,
	close REAL,
	high REAL,
	low REAL,
	volume REAL,
	amount REAL,
	amplitude REAL,
	pct_change REAL,
	price_change REAL,
	turnover_rate REAL,
	update_time TEXT,
	PRIMARY KEY (date, symbol)
)`, table)
}

var tables = map[string]tableSpec{
	TableInstruments: {
		name: TableInstruments,
		cols: []string{"symbol", "code", "name", "market", "close", "volume", "active", "update_time"},
		keys: []string{"symbol"},
		ddl: `CREATE TABLE IF NOT EXISTS instrument_info (
	symbol TEXT NOT NULL,
	code TEXT NOT NULL,
	name TEXT,
	market TEXT NOT NULL,
	close REAL,
	volume REAL,
	active INTEGER NOT NULL DEFAULT 0,
	update_time TEXT,
	PRIMARY KEY (symbol)
)`,
	},
	TableDailyBars: {
		name: TableDailyBars,
		cols: barCols,
		keys: []string{"date", "symbol"},
		ddl:  barDDL(TableDailyBars),
	},
	TableWeeklyBars: {
		name: TableWeeklyBars,
		cols: barCols,
		keys: []string{"date", "symbol"},
		ddl:  barDDL(TableWeeklyBars),
	},
	TableMonthlyBars: {
		name: TableMonthlyBars,
		cols: barCols,
		keys: []string{"date", "symbol"},
		ddl:  barDDL(TableMonthlyBars),
	},
	TableMinuteBars: {
		name: TableMinuteBars,
		cols: append([]string{"date", "symbol", "freq"}, barCols[2:]...),
		keys: []string{"date", "symbol", "freq"},
		ddl: `CREATE TABLE IF NOT EXISTS minute_bars (
	date TEXT NOT NULL,
	symbol TEXT NOT NULL,
	freq TEXT NOT NULL,
	open REAL,
	close REAL,
	high REAL,
	low REAL,
	volume REAL,
	amount REAL,
	amplitude REAL,
	pct_change REAL,
	price_change REAL,
	turnover_rate REAL,
	update_time TEXT,
	PRIMARY KEY (date, symbol, freq)
)`,
	},
	TableFundFlow: {
		name: TableFundFlow,
		cols: []string{
			"date", "symbol", "market", "close", "pct_change",
			"main_net_flow", "main_net_flow_rate",
			"super_big_net_flow", "super_big_net_flow_rate",
			"big_net_flow", "big_net_flow_rate",
			"medium_net_flow", "medium_net_flow_rate",
			"small_net_flow", "small_net_flow_rate",
			"update_time",
		},
		keys: []string{"date", "symbol"},
		ddl: `CREATE TABLE IF NOT EXISTS fund_flow (
	date TEXT NOT NULL,
	symbol TEXT NOT NULL,
	market TEXT,
	close REAL,
	pct_change REAL,
	main_net_flow REAL,
	main_net_flow_rate REAL,
	super_big_net_flow REAL,
	super_big_net_flow_rate REAL,
	big_net_flow REAL,
	big_net_flow_rate REAL,
	medium_net_flow REAL,
	medium_net_flow_rate REAL,
	small_net_flow REAL,
	small_net_flow_rate REAL,
	update_time TEXT,
	PRIMARY KEY (date, symbol)
)`,
	},
	TableCalendar: {
		name: TableCalendar,
		cols: []string{"date"},
		keys: []string{"date"},
		ddl: `CREATE TABLE IF NOT EXISTS trade_calendar (
	date TEXT NOT NULL,
	PRIMARY KEY (date)
)`,
	},
}

// BarTableFor maps a frequency name to its bar table; minute frequencies all
// share minute_bars.
func BarTableFor(freq string) (string, error) {
	switch freq {
	case "daily":
		return TableDailyBars, nil
	case "weekly":
		return TableWeeklyBars, nil
	case "monthly":
		return TableMonthlyBars, nil
	case "1m", "5m", "15m", "30m", "60m":
		return TableMinuteBars, nil
	}
	return "", fmt.Errorf("store: no bar table for frequency %q", freq)
}

// KeyColumns returns the primary-key columns of table.
func KeyColumns(table string) ([]string, error) {
	spec, ok := tables[table]
	if !ok {
		return nil, fmt.Errorf("store: unknown table %q", table)
	}
	return spec.keys, nil
}

// applySchema creates every table in a single transaction.
func applySchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin schema tx: %w", err)
	}
	defer tx.Rollback()

	for _, spec := range tables {
		if _, err := tx.ExecContext(ctx, spec.ddl); err != nil {
			return fmt.Errorf("store: creating %s: %w", spec.name, err)
		}
	}
	return tx.Commit()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
