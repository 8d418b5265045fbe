package collect

import (
	"context"
	"fmt"
	"time"

	"cndata/internal/domain"
	"cndata/internal/merge"
	"cndata/internal/store"
)

// DeriveJob aggregates stored daily bars into weekly or monthly bars for
// one symbol over [Start, End]. It never calls the provider; resampling
// locally keeps the derived tables consistent with whatever the daily table
// holds.
type DeriveJob struct {
	Symbol string
	Target domain.Frequency // weekly or monthly
	Start  string
	End    string
}

func (j DeriveJob) Kind() string { return "derive:" + string(j.Target) }

func (j DeriveJob) Run(ctx context.Context, c *Collector) (Result, error) {
	if j.Target != domain.FreqWeekly && j.Target != domain.FreqMonthly {
		return Result{Failed: 1}, fmt.Errorf("collect: DeriveJob target must be weekly or monthly, got %q", j.Target)
	}
	table, err := store.BarTableFor(string(j.Target))
	if err != nil {
		return Result{Failed: 1}, err
	}

	daily, err := c.store.ReadRange(ctx, store.TableDailyBars, j.Symbol, j.Start, j.End, "")
	if err != nil {
		return Result{Failed: 1}, err
	}
	if len(daily) == 0 {
		return Result{Skipped: 1}, nil
	}

	now := c.now().In(time.UTC).Format(domain.TimeLayout)
	derived := resample(daily, j.Target)
	for _, rec := range derived {
		rec["symbol"] = j.Symbol
		rec["update_time"] = now
	}

	existing, err := c.store.ReadRange(ctx, table, j.Symbol, j.Start, j.End, "")
	if err != nil {
		return Result{Failed: 1}, err
	}
	merged := merge.Merge(derived, existing, []string{"date", "symbol"})
	n, err := c.store.Upsert(ctx, table, merged)
	if err != nil {
		return Result{Failed: 1}, err
	}
	c.invalidateReads("bars:" + j.Symbol)
	return Result{Succeeded: 1, Rows: n}, nil
}

// resample buckets date-ascending daily records into weekly or monthly
// periods: first open, max high, min low, last close, summed volume,
// amount, pct_change and price_change, max amplitude and turnover summed.
// The derived bar carries the date of the last daily bar in its period.
func resample(daily []merge.Record, target domain.Frequency) []merge.Record {
	var out []merge.Record
	var cur merge.Record
	curKey := ""

	for _, rec := range daily {
		d, _ := rec["date"].(string)
		t, err := domain.ParseDate(d)
		if err != nil {
			continue
		}
		key := periodKey(t, target)
		if key != curKey {
			if cur != nil {
				out = append(out, cur)
			}
			cur = rec.Clone()
			curKey = key
			continue
		}

		cur["date"] = d
		if v := get(rec, "close"); v != nil {
			cur["close"] = *v
		}
		setF(cur, "high", maxF(get(cur, "high"), get(rec, "high")))
		setF(cur, "low", minF(get(cur, "low"), get(rec, "low")))
		setF(cur, "amplitude", maxF(get(cur, "amplitude"), get(rec, "amplitude")))
		for _, col := range []string{"volume", "amount", "pct_change", "price_change", "turnover_rate"} {
			setF(cur, col, sumF(get(cur, col), get(rec, col)))
		}
	}
	if cur != nil {
		out = append(out, cur)
	}
	return out
}

func periodKey(t time.Time, target domain.Frequency) string {
	if target == domain.FreqWeekly {
		y, w := t.ISOWeek()
		return fmt.Sprintf("%d-W%02d", y, w)
	}
	return t.Format("2006-01")
}

// periodEnds reduces ascending trading days to the last day of each ISO
// week or calendar month, the date a weekly or monthly bar carries.
func periodEnds(days []string, target domain.Frequency) []string {
	var out []string
	curKey := ""
	for _, d := range days {
		t, err := domain.ParseDate(d)
		if err != nil {
			continue
		}
		key := periodKey(t, target)
		if key == curKey && len(out) > 0 {
			out[len(out)-1] = d
			continue
		}
		out = append(out, d)
		curKey = key
	}
	return out
}

func get(rec merge.Record, col string) *float64 {
	if f, ok := rec[col].(float64); ok {
		return &f
	}
	return nil
}

func setF(rec merge.Record, col string, v *float64) {
	if v == nil {
		rec[col] = nil
		return
	}
	rec[col] = *v
}

func maxF(a, b *float64) *float64 {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *b > *a:
		return b
	}
	return a
}

func minF(a, b *float64) *float64 {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *b < *a:
		return b
	}
	return a
}

func sumF(a, b *float64) *float64 {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	s := *a + *b
	return &s
}
