// Package provider abstracts the external market-data source behind a small
// capability set. Every failure is mapped to ErrFetchFailed or ErrFetchEmpty
// at this boundary; callers never see transport-level errors uninterpreted.
package provider

import (
	"context"
	"errors"

	"cndata/internal/domain"
	"cndata/internal/merge"
)

// ErrFetchFailed indicates a transport or decode failure. Transient;
// eligible for retry with backoff.
var ErrFetchFailed = errors.New("provider: fetch failed")

// ErrFetchEmpty indicates the provider answered with no rows. Also treated
// as transient by the collector's retry policy.
var ErrFetchEmpty = errors.New("provider: empty result")

// Client is the set of capabilities the collection engine needs from the
// market-data provider. Symbol arguments are bare numeric codes; market
// prefixes are an internal convention the provider never sees.
type Client interface {
	// InstrumentList returns a snapshot of the full A-share universe.
	InstrumentList(ctx context.Context) ([]domain.Instrument, error)

	// BarHistory returns daily/weekly/monthly bars for code in [start, end]
	// (dates formatted YYYYMMDD). Records carry the wire columns only; the
	// collector attaches symbol and update_time.
	BarHistory(ctx context.Context, code string, freq domain.Frequency, start, end string) ([]merge.Record, error)

	// MinuteBars returns intraday bars at the given minute frequency.
	MinuteBars(ctx context.Context, code string, freq domain.Frequency, start, end string) ([]merge.Record, error)

	// FundFlow returns the per-day money-flow series for code on market.
	FundFlow(ctx context.Context, code string, market domain.Market) ([]merge.Record, error)

	// TradingDates returns the trading calendar as YYYY-MM-DD strings,
	// derived from the SSE composite index daily series.
	TradingDates(ctx context.Context) ([]string, error)
}
