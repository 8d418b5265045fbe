package sched

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"cndata/internal/cache"
	"cndata/internal/calendar"
	"cndata/internal/collect"
	"cndata/internal/domain"
	"cndata/internal/merge"
	"cndata/internal/pool"
	"cndata/internal/provider"
	"cndata/internal/store"
)

type fakeProvider struct {
	bars    []merge.Record
	barGate chan struct{} // when set, BarHistory blocks until closed
}

var _ provider.Client = (*fakeProvider)(nil)

func (f *fakeProvider) InstrumentList(context.Context) ([]domain.Instrument, error) {
	return nil, provider.ErrFetchEmpty
}

func (f *fakeProvider) BarHistory(ctx context.Context, _ string, _ domain.Frequency, _, _ string) ([]merge.Record, error) {
	if f.barGate != nil {
		select {
		case <-f.barGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	out := make([]merge.Record, len(f.bars))
	for i, r := range f.bars {
		out[i] = r.Clone()
	}
	return out, nil
}

func (f *fakeProvider) MinuteBars(ctx context.Context, code string, freq domain.Frequency, start, end string) ([]merge.Record, error) {
	return f.BarHistory(ctx, code, freq, start, end)
}

func (f *fakeProvider) FundFlow(context.Context, string, domain.Market) ([]merge.Record, error) {
	return nil, provider.ErrFetchEmpty
}

func (f *fakeProvider) TradingDates(context.Context) ([]string, error) {
	return nil, provider.ErrFetchEmpty
}

var sampleCalendar = []string{
	"2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05", "2024-01-08",
}

func wireBar(date string, close float64) merge.Record {
	return merge.Record{
		"date": date,
		"open": close - 0.5, "close": close, "high": close + 0.3, "low": close - 0.7,
		"volume": 120000.0, "amount": 1260000.0, "amplitude": 7.0,
		"pct_change": 5.0, "price_change": 0.5, "turnover_rate": 1.2,
	}
}

func seedInstruments(t *testing.T, st *store.Store, symbols ...string) {
	t.Helper()
	recs := make([]merge.Record, 0, len(symbols))
	for _, sym := range symbols {
		code, market := domain.StripPrefix(sym)
		recs = append(recs, merge.Record{
			"symbol": sym, "code": code, "name": "示例" + code, "market": string(market),
			"close": 10.0, "volume": 1000.0, "active": 1, "update_time": "2024-01-08 09:00:00",
		})
	}
	if _, err := st.Upsert(context.Background(), store.TableInstruments, recs); err != nil {
		t.Fatalf("seeding instruments: %v", err)
	}
}

func newTestScheduler(t *testing.T, p provider.Client, limiter *rate.Limiter) (*Scheduler, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), pool.Config{Size: 4, Overflow: 2})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	c := collect.New(p, st, calendar.FromDates(sampleCalendar), cache.New(16), collect.Options{
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
		Limiter:    limiter,
	})
	s := New(c, Config{StartDate: "2024-01-02", MaxWorkers: 4})
	s.now = func() time.Time { return time.Date(2024, 1, 8, 10, 0, 0, 0, calendar.CST) }
	return s, st
}

func TestDailyTick(t *testing.T) {
	p := &fakeProvider{bars: []merge.Record{
		wireBar("2024-01-02", 10.4),
		wireBar("2024-01-03", 10.5),
		wireBar("2024-01-04", 10.6),
		wireBar("2024-01-05", 10.7),
		wireBar("2024-01-08", 10.8),
	}}
	s, st := newTestScheduler(t, p, nil)
	seedInstruments(t, st, "sh600000", "sz000001", "sz300750")

	summary, err := s.RunTick(context.Background(), TickDaily)
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if summary.Processed != 3 {
		t.Errorf("Processed = %d, want 3 (one job per symbol)", summary.Processed)
	}
	if summary.Succeeded != 3 || summary.Failed != 0 {
		t.Errorf("summary = %+v, want 3 successes", summary)
	}

	for _, sym := range []string{"sh600000", "sz000001", "sz300750"} {
		got, err := st.ReadRange(context.Background(), store.TableDailyBars, sym, "2024-01-01", "2024-01-31", "")
		if err != nil {
			t.Fatalf("ReadRange(%s): %v", sym, err)
		}
		if len(got) != 5 {
			t.Errorf("%s has %d bars, want 5", sym, len(got))
		}
	}

	// A second tick finds no gaps and skips every symbol.
	summary, err = s.RunTick(context.Background(), TickDaily)
	if err != nil {
		t.Fatalf("second RunTick: %v", err)
	}
	if summary.Skipped != 3 || summary.Rows != 0 {
		t.Errorf("second tick = %+v, want 3 pure skips", summary)
	}
}

func TestTickFailuresDoNotAbort(t *testing.T) {
	// Empty provider results fail every bar job after its retry budget.
	p := &fakeProvider{bars: nil}
	s, st := newTestScheduler(t, p, nil)
	seedInstruments(t, st, "sh600000", "sz000001")

	summary, err := s.RunTick(context.Background(), TickDaily)
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if summary.Failed != 2 {
		t.Errorf("Failed = %d, want 2 (both symbols failed, tick completed)", summary.Failed)
	}
}

func TestTickOverlapDropped(t *testing.T) {
	gate := make(chan struct{})
	p := &fakeProvider{bars: []merge.Record{wireBar("2024-01-08", 10.8)}, barGate: gate}
	s, st := newTestScheduler(t, p, nil)
	seedInstruments(t, st, "sh600000")

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := s.RunTick(context.Background(), TickDaily); err != nil {
			t.Errorf("first RunTick: %v", err)
		}
	}()

	// Wait for the first tick to start dispatching, then fire a second.
	deadline := time.After(2 * time.Second)
	for {
		s.mu.Lock()
		busy := s.state != stateIdle
		s.mu.Unlock()
		if busy {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first tick never started")
		case <-time.After(time.Millisecond):
		}
	}

	if _, err := s.RunTick(context.Background(), TickDaily); !errors.Is(err, ErrTickOverlap) {
		t.Errorf("overlapping RunTick = %v, want ErrTickOverlap", err)
	}

	close(gate)
	<-done
}

func TestMinuteTickGatedOutsideTradingHours(t *testing.T) {
	s, st := newTestScheduler(t, &fakeProvider{}, nil)
	seedInstruments(t, st, "sh600000")
	s.now = func() time.Time { return time.Date(2024, 1, 8, 20, 0, 0, 0, calendar.CST) }

	summary, err := s.RunTick(context.Background(), TickMinute)
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if summary.Processed != 0 {
		t.Errorf("Processed = %d, want 0 (gated after hours)", summary.Processed)
	}
}

func TestDailyTickGatedOnNonTradingDay(t *testing.T) {
	s, st := newTestScheduler(t, &fakeProvider{}, nil)
	seedInstruments(t, st, "sh600000")
	// 2024-01-06 is a Saturday and absent from the calendar.
	s.now = func() time.Time { return time.Date(2024, 1, 6, 10, 0, 0, 0, calendar.CST) }

	summary, err := s.RunTick(context.Background(), TickDaily)
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if summary.Processed != 0 {
		t.Errorf("Processed = %d, want 0 (gated on a non-trading day)", summary.Processed)
	}
}

func TestRateLimiterPacesProviderCalls(t *testing.T) {
	const interval = 25 * time.Millisecond
	p := &fakeProvider{bars: []merge.Record{wireBar("2024-01-08", 10.8)}}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	s, st := newTestScheduler(t, p, limiter)
	seedInstruments(t, st, "sh600000", "sz000001", "sz300750")

	start := time.Now()
	summary, err := s.RunTick(context.Background(), TickDaily)
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if summary.Succeeded != 3 {
		t.Fatalf("summary = %+v, want 3 successes", summary)
	}

	// Three provider calls through a shared limiter take at least two
	// full intervals regardless of worker count.
	if elapsed := time.Since(start); elapsed < 2*interval {
		t.Errorf("tick finished in %v, want >= %v under the shared limiter", elapsed, 2*interval)
	}
}

func TestInstrumentTickAlwaysRuns(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeProvider{}, nil)
	// Saturday: market-data ticks are gated but universe refresh is not.
	s.now = func() time.Time { return time.Date(2024, 1, 6, 10, 0, 0, 0, calendar.CST) }

	summary, err := s.RunTick(context.Background(), TickInstruments)
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if summary.Processed != 1 {
		t.Errorf("Processed = %d, want 1", summary.Processed)
	}
	// The fake provider answers empty, so the single job fails; the tick
	// itself still completes.
	if summary.Failed != 1 {
		t.Errorf("Failed = %d, want 1", summary.Failed)
	}
}
