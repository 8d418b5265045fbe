package collect

import (
	"context"
	"fmt"
	"time"

	"cndata/internal/domain"
	"cndata/internal/merge"
	"cndata/internal/store"
)

// Job is one unit of collection work. Each variant carries exactly the
// parameters its data family needs.
type Job interface {
	Kind() string
	Run(ctx context.Context, c *Collector) (Result, error)
}

// Compile-time interface checks.
var (
	_ Job = DailyJob{}
	_ Job = MinuteJob{}
	_ Job = FundFlowJob{}
	_ Job = InstrumentListJob{}
	_ Job = CalendarJob{}
	_ Job = DeriveJob{}
)

// ---------------------------------------------------------------------------
// DailyJob
// ---------------------------------------------------------------------------

// DailyJob collects daily, weekly, or monthly bars for one symbol over
// [Start, End] (YYYY-MM-DD). Only the gap between the trading calendar and
// the stored dates is fetched.
type DailyJob struct {
	Symbol string
	Freq   domain.Frequency // daily, weekly, or monthly
	Start  string
	End    string
}

func (j DailyJob) Kind() string { return "bars:" + string(j.Freq) }

func (j DailyJob) Run(ctx context.Context, c *Collector) (Result, error) {
	table, err := store.BarTableFor(string(j.Freq))
	if err != nil {
		return Result{Failed: 1}, err
	}
	if j.Freq.Intraday() {
		return Result{Failed: 1}, fmt.Errorf("collect: DailyJob cannot carry intraday frequency %q", j.Freq)
	}

	gap, err := c.gapDates(ctx, table, j.Symbol, j.Start, j.End, j.Freq)
	if err != nil {
		return Result{Failed: 1}, err
	}
	if len(gap) == 0 {
		return Result{Skipped: 1}, nil
	}
	fetchStart, fetchEnd := gap[0], gap[len(gap)-1]

	code, _ := domain.StripPrefix(j.Symbol)
	var fetched []merge.Record
	err = c.fetch(ctx, func(ctx context.Context) error {
		var err error
		fetched, err = c.provider.BarHistory(ctx, code, j.Freq, compactDate(fetchStart), compactDate(fetchEnd))
		return err
	})
	if err != nil {
		return Result{Failed: 1}, fmt.Errorf("collect: fetching %s bars for %s: %w", j.Freq, j.Symbol, err)
	}

	now := c.now().In(time.UTC).Format(domain.TimeLayout)
	for _, rec := range fetched {
		rec["symbol"] = j.Symbol
		rec["update_time"] = now
	}
	valid, err := c.validate(table, j.Symbol, fetched, barRequired)
	if err != nil {
		return Result{Failed: 1}, err
	}

	existing, err := c.store.ReadRange(ctx, table, j.Symbol, fetchStart, fetchEnd, "")
	if err != nil {
		return Result{Failed: 1}, err
	}
	merged := merge.Merge(valid, existing, []string{"date", "symbol"})
	n, err := c.store.Upsert(ctx, table, merged)
	if err != nil {
		return Result{Failed: 1}, err
	}
	c.invalidateReads("bars:" + j.Symbol)
	return Result{Succeeded: 1, Rows: n}, nil
}

// ---------------------------------------------------------------------------
// MinuteJob
// ---------------------------------------------------------------------------

// MinuteJob collects intraday bars for one symbol covering the last Days
// trading days.
type MinuteJob struct {
	Symbol string
	Freq   domain.Frequency // 1m, 5m, 15m, 30m, 60m
	Days   int
}

func (j MinuteJob) Kind() string { return "bars:" + string(j.Freq) }

func (j MinuteJob) Run(ctx context.Context, c *Collector) (Result, error) {
	if !j.Freq.Intraday() {
		return Result{Failed: 1}, fmt.Errorf("collect: MinuteJob needs an intraday frequency, got %q", j.Freq)
	}
	days := j.Days
	if days <= 0 {
		days = 5
	}

	cal := c.Calendar()
	end := cal.LatestOnOrBefore(c.today())
	if end == "" {
		return Result{Skipped: 1}, nil
	}
	// Look back far enough in calendar days to cover the requested number
	// of trading days.
	endT, err := domain.ParseDate(end)
	if err != nil {
		return Result{Failed: 1}, err
	}
	lookback := endT.AddDate(0, 0, -(days*2 + 10)).Format(domain.DateLayout)
	window, err := cal.TradingDaysBetween(lookback, end)
	if err != nil {
		return Result{Failed: 1}, err
	}
	if len(window) > days {
		window = window[len(window)-days:]
	}
	if len(window) == 0 {
		return Result{Skipped: 1}, nil
	}
	start := window[0]

	existing, err := c.store.ExistingDates(ctx, store.TableMinuteBars, j.Symbol, start, end, j.Freq)
	if err != nil {
		return Result{Failed: 1}, err
	}
	gapped := false
	for _, d := range window {
		if !existing[d] {
			gapped = true
			break
		}
	}
	if !gapped {
		return Result{Skipped: 1}, nil
	}

	code, _ := domain.StripPrefix(j.Symbol)
	var fetched []merge.Record
	err = c.fetch(ctx, func(ctx context.Context) error {
		var err error
		fetched, err = c.provider.MinuteBars(ctx, code, j.Freq, compactDate(start), compactDate(end))
		return err
	})
	if err != nil {
		return Result{Failed: 1}, fmt.Errorf("collect: fetching %s bars for %s: %w", j.Freq, j.Symbol, err)
	}

	now := c.now().In(time.UTC).Format(domain.TimeLayout)
	for _, rec := range fetched {
		rec["symbol"] = j.Symbol
		rec["freq"] = string(j.Freq)
		rec["update_time"] = now
	}
	valid, err := c.validate(store.TableMinuteBars, j.Symbol, fetched, barRequired)
	if err != nil {
		return Result{Failed: 1}, err
	}

	stored, err := c.store.ReadRange(ctx, store.TableMinuteBars, j.Symbol, start, end, j.Freq)
	if err != nil {
		return Result{Failed: 1}, err
	}
	merged := merge.Merge(valid, stored, []string{"date", "symbol", "freq"})
	n, err := c.store.Upsert(ctx, store.TableMinuteBars, merged)
	if err != nil {
		return Result{Failed: 1}, err
	}
	c.invalidateReads("bars:" + j.Symbol)
	return Result{Succeeded: 1, Rows: n}, nil
}

// ---------------------------------------------------------------------------
// FundFlowJob
// ---------------------------------------------------------------------------

// FundFlowJob collects the per-day money-flow series for one symbol over
// [Start, End]. The provider returns the full history; rows outside the
// requested window are discarded before merging.
type FundFlowJob struct {
	Symbol string
	Start  string
	End    string
}

func (j FundFlowJob) Kind() string { return "fundflow" }

func (j FundFlowJob) Run(ctx context.Context, c *Collector) (Result, error) {
	gap, err := c.gapDates(ctx, store.TableFundFlow, j.Symbol, j.Start, j.End, "")
	if err != nil {
		return Result{Failed: 1}, err
	}
	if len(gap) == 0 {
		return Result{Skipped: 1}, nil
	}
	fetchStart, fetchEnd := gap[0], gap[len(gap)-1]

	code, market := domain.StripPrefix(j.Symbol)
	var fetched []merge.Record
	err = c.fetch(ctx, func(ctx context.Context) error {
		var err error
		fetched, err = c.provider.FundFlow(ctx, code, market)
		return err
	})
	if err != nil {
		return Result{Failed: 1}, fmt.Errorf("collect: fetching fund flow for %s: %w", j.Symbol, err)
	}

	now := c.now().In(time.UTC).Format(domain.TimeLayout)
	inRange := fetched[:0]
	for _, rec := range fetched {
		d, _ := rec["date"].(string)
		if d < fetchStart || d > fetchEnd {
			continue
		}
		rec["symbol"] = j.Symbol
		rec["market"] = string(market)
		rec["update_time"] = now
		inRange = append(inRange, rec)
	}
	if len(inRange) == 0 {
		return Result{Skipped: 1}, nil
	}
	valid, err := c.validate(store.TableFundFlow, j.Symbol, inRange, []string{"close", "main_net_flow"})
	if err != nil {
		return Result{Failed: 1}, err
	}

	existing, err := c.store.ReadRange(ctx, store.TableFundFlow, j.Symbol, fetchStart, fetchEnd, "")
	if err != nil {
		return Result{Failed: 1}, err
	}
	merged := merge.Merge(valid, existing, []string{"date", "symbol"})
	n, err := c.store.Upsert(ctx, store.TableFundFlow, merged)
	if err != nil {
		return Result{Failed: 1}, err
	}
	c.invalidateReads("fundflow:" + j.Symbol)
	return Result{Succeeded: 1, Rows: n}, nil
}

// ---------------------------------------------------------------------------
// InstrumentListJob
// ---------------------------------------------------------------------------

// InstrumentListJob refreshes the instrument universe wholesale and
// invalidates the cached universe.
type InstrumentListJob struct{}

func (InstrumentListJob) Kind() string { return "instruments" }

func (InstrumentListJob) Run(ctx context.Context, c *Collector) (Result, error) {
	var instruments []domain.Instrument
	err := c.fetch(ctx, func(ctx context.Context) error {
		var err error
		instruments, err = c.provider.InstrumentList(ctx)
		return err
	})
	if err != nil {
		return Result{Failed: 1}, fmt.Errorf("collect: fetching instrument list: %w", err)
	}

	now := c.now().In(time.UTC).Format(domain.TimeLayout)
	recs := make([]merge.Record, 0, len(instruments))
	for _, inst := range instruments {
		code, _ := domain.StripPrefix(inst.Symbol)
		active := 0
		if inst.Active {
			active = 1
		}
		recs = append(recs, merge.Record{
			"symbol":      inst.Symbol,
			"code":        code,
			"name":        inst.Name,
			"market":      string(inst.Market),
			"close":       inst.Close,
			"volume":      inst.Volume,
			"active":      active,
			"update_time": now,
		})
	}
	n, err := c.store.Upsert(ctx, store.TableInstruments, recs)
	if err != nil {
		return Result{Failed: 1}, err
	}
	if c.cache != nil {
		c.cache.Invalidate("instruments:")
	}
	return Result{Succeeded: 1, Rows: n}, nil
}

// ---------------------------------------------------------------------------
// CalendarJob
// ---------------------------------------------------------------------------

// CalendarJob refreshes the stored trading calendar.
type CalendarJob struct{}

func (CalendarJob) Kind() string { return "calendar" }

func (CalendarJob) Run(ctx context.Context, c *Collector) (Result, error) {
	n, err := c.RefreshCalendar(ctx)
	if err != nil {
		return Result{Failed: 1}, err
	}
	return Result{Succeeded: 1, Rows: n}, nil
}
