// Package export dumps collected bar tables to Parquet files for archival
// and offline analysis. Files are laid out as
// <dir>/<market>/<freq>/<symbol>/<year>.parquet, one file per symbol-year.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"

	"cndata/internal/domain"
	"cndata/internal/merge"
	"cndata/internal/store"
)

// Reader is the slice of the store the exporter needs.
type Reader interface {
	Symbols(ctx context.Context, table string) ([]string, error)
	ReadRange(ctx context.Context, table, symbol, start, end string, freq domain.Frequency) ([]merge.Record, error)
}

// BarRow is the on-disk Parquet schema for bar data.
type BarRow struct {
	Date         string  `parquet:"date"`
	Symbol       string  `parquet:"symbol"`
	Open         float64 `parquet:"open"`
	High         float64 `parquet:"high"`
	Low          float64 `parquet:"low"`
	Close        float64 `parquet:"close"`
	Volume       float64 `parquet:"volume"`
	Amount       float64 `parquet:"amount"`
	Amplitude    float64 `parquet:"amplitude"`
	PctChange    float64 `parquet:"pct_change"`
	PriceChange  float64 `parquet:"price_change"`
	TurnoverRate float64 `parquet:"turnover_rate"`
}

// Exporter writes bar tables out as Parquet.
type Exporter struct {
	reader Reader
	dir    string
	log    *slog.Logger
}

// New creates an Exporter rooted at dir.
func New(r Reader, dir string) *Exporter {
	return &Exporter{
		reader: r,
		dir:    dir,
		log:    slog.Default().With("component", "export"),
	}
}

// ExportBars dumps every symbol of the given frequency's table within
// [start, end] and returns the number of files written.
func (e *Exporter) ExportBars(ctx context.Context, freq domain.Frequency, start, end string) (int, error) {
	table, err := store.BarTableFor(string(freq))
	if err != nil {
		return 0, err
	}

	symbols, err := e.reader.Symbols(ctx, table)
	if err != nil {
		return 0, err
	}

	files := 0
	for _, symbol := range symbols {
		recs, err := e.reader.ReadRange(ctx, table, symbol, start, end, freq)
		if err != nil {
			return files, err
		}
		if len(recs) == 0 {
			continue
		}

		byYear := make(map[string][]BarRow)
		for _, rec := range recs {
			row := toBarRow(rec)
			if len(row.Date) < 4 {
				continue
			}
			year := row.Date[:4]
			byYear[year] = append(byYear[year], row)
		}

		_, market := domain.StripPrefix(symbol)
		for year, rows := range byYear {
			path := filepath.Join(e.dir, string(market), string(freq), symbol, year+".parquet")
			if err := writeParquetFile(path, rows); err != nil {
				return files, fmt.Errorf("export: writing %s: %w", path, err)
			}
			files++
		}
		e.log.Debug("symbol exported", "symbol", symbol, "freq", freq, "rows", len(recs))
	}
	return files, nil
}

func toBarRow(rec merge.Record) BarRow {
	f := func(col string) float64 {
		v, _ := rec[col].(float64)
		return v
	}
	date, _ := rec["date"].(string)
	symbol, _ := rec["symbol"].(string)
	return BarRow{
		Date:         date,
		Symbol:       symbol,
		Open:         f("open"),
		High:         f("high"),
		Low:          f("low"),
		Close:        f("close"),
		Volume:       f("volume"),
		Amount:       f("amount"),
		Amplitude:    f("amplitude"),
		PctChange:    f("pct_change"),
		PriceChange:  f("price_change"),
		TurnoverRate: f("turnover_rate"),
	}
}

func writeParquetFile[T any](path string, rows []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, rows)
}
