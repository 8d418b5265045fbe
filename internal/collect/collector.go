// Package collect implements the incremental collection engine: gap
// detection against the trading calendar, rate-limited fetching with retry,
// row validation, and the merge-then-upsert handoff to storage. Work is
// expressed as typed jobs so each data family carries exactly the
// parameters it needs.
package collect

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cndata/internal/cache"
	"cndata/internal/calendar"
	"cndata/internal/domain"
	"cndata/internal/merge"
	"cndata/internal/provider"
	"cndata/internal/util"
)

// Storage is the slice of the store the collector needs. *store.Store
// satisfies it.
type Storage interface {
	ExistingDates(ctx context.Context, table, symbol, start, end string, freq domain.Frequency) (map[string]bool, error)
	ReadRange(ctx context.Context, table, symbol, start, end string, freq domain.Frequency) ([]merge.Record, error)
	Upsert(ctx context.Context, table string, recs []merge.Record) (int, error)
	Instruments(ctx context.Context, activeOnly bool) ([]domain.Instrument, error)
	ReplaceCalendar(ctx context.Context, dates []string) error
}

// Result counts what one job (or one tick's worth of jobs) did.
type Result struct {
	Skipped   int
	Succeeded int
	Failed    int
	Rows      int
}

// Add folds other into r.
func (r *Result) Add(other Result) {
	r.Skipped += other.Skipped
	r.Succeeded += other.Succeeded
	r.Failed += other.Failed
	r.Rows += other.Rows
}

// ValidationError reports that every fetched row for a job failed
// validation. It is terminal; the retry policy does not re-run the job.
type ValidationError struct {
	Symbol  string
	Table   string
	Dropped int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("collect: all %d rows for %s invalid (table %s)", e.Dropped, e.Symbol, e.Table)
}

// Options tunes a Collector. Zero values fall back to 3 attempts, 1s base
// delay, 5m cache TTL, and no rate limiting.
type Options struct {
	MaxRetries int
	RetryDelay time.Duration
	Limiter    *rate.Limiter
	CacheTTL   time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 5 * time.Minute
	}
	return o
}

// Collector runs jobs against a provider and the store. It is safe for
// concurrent use; the scheduler runs one job per symbol across a worker
// pool sharing a single Collector.
type Collector struct {
	provider provider.Client
	store    Storage
	cache    *cache.Cache
	opts     Options
	log      *slog.Logger
	now      func() time.Time

	calMu sync.RWMutex
	cal   *calendar.Calendar
}

// New creates a Collector. cal may be empty (weekday fallback) until the
// first calendar refresh; ch may be nil to disable caching.
func New(p provider.Client, st Storage, cal *calendar.Calendar, ch *cache.Cache, opts Options) *Collector {
	if cal == nil {
		cal = calendar.FromDates(nil)
	}
	return &Collector{
		provider: p,
		store:    st,
		cache:    ch,
		opts:     opts.withDefaults(),
		log:      slog.Default().With("component", "collect"),
		now:      time.Now,
		cal:      cal,
	}
}

// Collect runs one job to completion.
func (c *Collector) Collect(ctx context.Context, job Job) (Result, error) {
	return job.Run(ctx, c)
}

// Calendar returns the current trading-calendar snapshot.
func (c *Collector) Calendar() *calendar.Calendar {
	c.calMu.RLock()
	defer c.calMu.RUnlock()
	return c.cal
}

// RefreshCalendar fetches the trading-date history, replaces the stored
// calendar, and swaps in a fresh snapshot.
func (c *Collector) RefreshCalendar(ctx context.Context) (int, error) {
	var dates []string
	err := c.fetch(ctx, func(ctx context.Context) error {
		var err error
		dates, err = c.provider.TradingDates(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("collect: refreshing calendar: %w", err)
	}
	if err := c.store.ReplaceCalendar(ctx, dates); err != nil {
		return 0, err
	}

	c.calMu.Lock()
	c.cal = calendar.FromDates(dates)
	c.calMu.Unlock()

	c.log.Info("trading calendar refreshed", "dates", len(dates))
	return len(dates), nil
}

// Universe returns the active collection universe: instruments with a
// quoted price and traded volume, excluding ST names. Results are cached.
func (c *Collector) Universe(ctx context.Context) ([]domain.Instrument, error) {
	const key = "instruments:active"
	if c.cache != nil {
		if v, ok := c.cache.Get(key); ok {
			return v.([]domain.Instrument), nil
		}
	}

	all, err := c.store.Instruments(ctx, true)
	if err != nil {
		return nil, err
	}
	universe := make([]domain.Instrument, 0, len(all))
	for _, inst := range all {
		if strings.Contains(inst.Name, "ST") {
			continue
		}
		universe = append(universe, inst)
	}

	if c.cache != nil {
		c.cache.Set(key, universe, c.opts.CacheTTL)
	}
	return universe, nil
}

// fetch runs one provider call under the shared rate limiter and the retry
// policy: up to MaxRetries attempts with linearly increasing delay.
func (c *Collector) fetch(ctx context.Context, fn func(context.Context) error) error {
	return util.Retry(ctx, c.opts.MaxRetries, c.opts.RetryDelay, func() error {
		if c.opts.Limiter != nil {
			if err := c.opts.Limiter.Wait(ctx); err != nil {
				return err
			}
		}
		return fn(ctx)
	})
}

// invalidateReads drops cached query responses under the given prefixes
// after a write has made them stale.
func (c *Collector) invalidateReads(prefixes ...string) {
	if c.cache == nil {
		return
	}
	for _, p := range prefixes {
		c.cache.Invalidate(p)
	}
}

// today returns the current date in exchange time.
func (c *Collector) today() string {
	return c.now().In(calendar.CST).Format(domain.DateLayout)
}

// gapDates returns the expected dates minus the stored ones, ascending.
// For weekly and monthly frequencies the expectation is one bar per
// period, dated at the period's last trading day. An empty result means
// the range is fully covered.
func (c *Collector) gapDates(ctx context.Context, table, symbol, start, end string, freq domain.Frequency) ([]string, error) {
	expected, err := c.Calendar().TradingDaysBetween(start, end)
	if err != nil {
		return nil, err
	}
	if freq == domain.FreqWeekly || freq == domain.FreqMonthly {
		expected = periodEnds(expected, freq)
	}
	if len(expected) == 0 {
		return nil, nil
	}
	existing, err := c.store.ExistingDates(ctx, table, symbol, start, end, freq)
	if err != nil {
		return nil, err
	}
	var gap []string
	for _, d := range expected {
		if !existing[d] {
			gap = append(gap, d)
		}
	}
	return gap, nil
}

// validate keeps rows with a parseable date and non-nil OHLCV, warn-logging
// the rest. A batch where every row is invalid is a terminal failure.
func (c *Collector) validate(table, symbol string, recs []merge.Record, required []string) ([]merge.Record, error) {
	valid := make([]merge.Record, 0, len(recs))
	dropped := 0
	for _, rec := range recs {
		if !rowValid(rec, required) {
			dropped++
			c.log.Warn("dropping invalid row", "table", table, "symbol", symbol, "date", rec["date"])
			continue
		}
		valid = append(valid, rec)
	}
	if len(valid) == 0 && dropped > 0 {
		return nil, &ValidationError{Symbol: symbol, Table: table, Dropped: dropped}
	}
	return valid, nil
}

func rowValid(rec merge.Record, required []string) bool {
	d, _ := rec["date"].(string)
	if d == "" {
		return false
	}
	if _, err := domain.ParseDate(d); err != nil {
		return false
	}
	for _, col := range required {
		if rec[col] == nil {
			return false
		}
	}
	return true
}

var barRequired = []string{"open", "high", "low", "close", "volume"}

// compactDate turns YYYY-MM-DD into the YYYYMMDD form the provider expects.
func compactDate(d string) string {
	return strings.ReplaceAll(d, "-", "")
}
