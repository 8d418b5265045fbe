package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"cndata/internal/domain"
	"cndata/internal/merge"
	"cndata/internal/pool"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), pool.Config{Size: 2, Overflow: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func barRecord(date, symbol string, close float64) merge.Record {
	return merge.Record{
		"date": date, "symbol": symbol,
		"open": close - 0.5, "close": close, "high": close + 0.3, "low": close - 0.7,
		"volume": 120000.0, "amount": 1260000.0, "amplitude": 7.0,
		"pct_change": 5.0, "price_change": 0.5, "turnover_rate": 1.2,
		"update_time": "2024-01-10 16:00:00",
	}
}

func TestUpsertAndReadRange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	recs := []merge.Record{
		barRecord("2024-01-02", "sh600000", 10.5),
		barRecord("2024-01-03", "sh600000", 10.4),
	}
	n, err := s.Upsert(ctx, TableDailyBars, recs)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if n != 2 {
		t.Errorf("Upsert wrote %d rows, want 2", n)
	}

	got, err := s.ReadRange(ctx, TableDailyBars, "sh600000", "2024-01-01", "2024-01-31", "")
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadRange returned %d rows, want 2", len(got))
	}
	if got[0]["date"] != "2024-01-02" || got[1]["date"] != "2024-01-03" {
		t.Errorf("rows out of date order: %v, %v", got[0]["date"], got[1]["date"])
	}
	if got[0]["close"] != 10.5 {
		t.Errorf("close = %v, want 10.5", got[0]["close"])
	}
}

func TestUpsertReplacesExistingKeys(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Upsert(ctx, TableDailyBars, []merge.Record{barRecord("2024-01-02", "sh600000", 10.5)}); err != nil {
		t.Fatalf("first Upsert: %v", err)
	}
	if _, err := s.Upsert(ctx, TableDailyBars, []merge.Record{
		barRecord("2024-01-02", "sh600000", 11.0),
		barRecord("2024-01-03", "sh600000", 11.2),
	}); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	got, err := s.ReadRange(ctx, TableDailyBars, "sh600000", "2024-01-01", "2024-01-31", "")
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d rows after re-upsert, want 2 (no duplicates)", len(got))
	}
	if got[0]["close"] != 11.0 {
		t.Errorf("replaced close = %v, want 11.0", got[0]["close"])
	}
}

func TestUpsertRollsBackOnFailure(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Upsert(ctx, TableDailyBars, []merge.Record{barRecord("2024-01-02", "sh600000", 10.5)}); err != nil {
		t.Fatalf("seed Upsert: %v", err)
	}

	// A value the driver cannot bind fails mid-batch; nothing from the
	// batch may land.
	bad := barRecord("2024-01-02", "sh600000", 99.0)
	bad["close"] = make(chan int)
	batch := []merge.Record{
		barRecord("2024-01-03", "sh600000", 10.6),
		bad,
	}
	if _, err := s.Upsert(ctx, TableDailyBars, batch); err == nil {
		t.Fatal("Upsert with unbindable value should fail")
	}

	got, err := s.ReadRange(ctx, TableDailyBars, "sh600000", "2024-01-01", "2024-01-31", "")
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d rows after failed batch, want 1 (rollback)", len(got))
	}
	if got[0]["close"] != 10.5 {
		t.Errorf("seed row altered by failed batch: close = %v", got[0]["close"])
	}
}

func TestMinuteBarsKeyedByFreq(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := func(freq string) merge.Record {
		r := barRecord("2024-01-02 09:45", "sh600000", 10.5)
		r["freq"] = freq
		return r
	}
	if _, err := s.Upsert(ctx, TableMinuteBars, []merge.Record{rec("15m"), rec("30m")}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.ReadRange(ctx, TableMinuteBars, "sh600000", "2024-01-02", "2024-01-02", domain.Freq15Min)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d rows for 15m, want 1", len(got))
	}
	if got[0]["freq"] != "15m" {
		t.Errorf("freq = %v, want 15m", got[0]["freq"])
	}
}

func TestExistingDates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Upsert(ctx, TableDailyBars, []merge.Record{
		barRecord("2024-01-02", "sh600000", 10.5),
		barRecord("2024-01-04", "sh600000", 10.6),
		barRecord("2024-01-02", "sz000001", 8.0),
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	dates, err := s.ExistingDates(ctx, TableDailyBars, "sh600000", "2024-01-01", "2024-01-31", "")
	if err != nil {
		t.Fatalf("ExistingDates: %v", err)
	}
	if len(dates) != 2 || !dates["2024-01-02"] || !dates["2024-01-04"] {
		t.Errorf("ExistingDates = %v, want {2024-01-02, 2024-01-04}", dates)
	}
}

func TestInstrumentsUpsertAndFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	recs := []merge.Record{
		{"symbol": "sh600000", "code": "600000", "name": "浦发银行", "market": "sh",
			"close": 10.5, "volume": 120000.0, "active": 1, "update_time": "2024-01-10 16:00:00"},
		{"symbol": "sz300750", "code": "300750", "name": "宁德时代", "market": "sz",
			"close": nil, "volume": nil, "active": 0, "update_time": "2024-01-10 16:00:00"},
	}
	if _, err := s.Upsert(ctx, TableInstruments, recs); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	all, err := s.Instruments(ctx, false)
	if err != nil {
		t.Fatalf("Instruments: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d instruments, want 2", len(all))
	}

	active, err := s.Instruments(ctx, true)
	if err != nil {
		t.Fatalf("Instruments(active): %v", err)
	}
	if len(active) != 1 || active[0].Symbol != "sh600000" {
		t.Errorf("active = %+v, want only sh600000", active)
	}
}

func TestCalendarReplaceAndRange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	dates := []string{"2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05", "2024-01-08"}
	if err := s.ReplaceCalendar(ctx, dates); err != nil {
		t.Fatalf("ReplaceCalendar: %v", err)
	}

	got, err := s.CalendarRange(ctx, "2024-01-03", "2024-01-05")
	if err != nil {
		t.Fatalf("CalendarRange: %v", err)
	}
	want := []string{"2024-01-03", "2024-01-04", "2024-01-05"}
	if len(got) != len(want) {
		t.Fatalf("CalendarRange = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("CalendarRange[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	// Replace wholesale drops old entries.
	if err := s.ReplaceCalendar(ctx, []string{"2024-02-01"}); err != nil {
		t.Fatalf("ReplaceCalendar (second): %v", err)
	}
	got, err = s.CalendarRange(ctx, "", "")
	if err != nil {
		t.Fatalf("CalendarRange: %v", err)
	}
	if len(got) != 1 || got[0] != "2024-02-01" {
		t.Errorf("CalendarRange after replace = %v, want [2024-02-01]", got)
	}
}

func TestSymbols(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Upsert(ctx, TableDailyBars, []merge.Record{
		barRecord("2024-01-02", "sz000001", 8.0),
		barRecord("2024-01-02", "sh600000", 10.5),
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	syms, err := s.Symbols(ctx, TableDailyBars)
	if err != nil {
		t.Fatalf("Symbols: %v", err)
	}
	if len(syms) != 2 || syms[0] != "sh600000" || syms[1] != "sz000001" {
		t.Errorf("Symbols = %v, want [sh600000 sz000001]", syms)
	}
}

func TestBarTableFor(t *testing.T) {
	cases := map[string]string{
		"daily":   TableDailyBars,
		"weekly":  TableWeeklyBars,
		"monthly": TableMonthlyBars,
		"5m":      TableMinuteBars,
		"60m":     TableMinuteBars,
	}
	for freq, want := range cases {
		got, err := BarTableFor(freq)
		if err != nil {
			t.Errorf("BarTableFor(%s): %v", freq, err)
		}
		if got != want {
			t.Errorf("BarTableFor(%s) = %s, want %s", freq, got, want)
		}
	}
	if _, err := BarTableFor("hourly"); err == nil {
		t.Error("BarTableFor(hourly) should fail")
	}
}

func TestSessionReacquiresAfterTimeout(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), pool.Config{
		Size: 1, Overflow: -1, AcquireTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	// Hold the only session past the first acquire window.
	held, err := s.conns.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	go func() {
		time.Sleep(300 * time.Millisecond)
		s.conns.Release(held)
	}()

	conn, err := s.session(ctx)
	if err != nil {
		t.Fatalf("session should succeed on its second acquire: %v", err)
	}
	s.conns.Release(conn)
}
