// Package calendar answers trading-day and trading-hours questions for the
// CN A-share market. It is backed by the stored trade_calendar table; when
// no calendar has been collected yet it falls back to a weekday rule, which
// overestimates open days but never skips one.
package calendar

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cndata/internal/domain"
)

// CST is the exchange timezone. Sessions run 09:30-11:30 and 13:00-15:00.
var CST = time.FixedZone("CST", 8*60*60)

// Source supplies stored trading dates, ascending.
type Source interface {
	CalendarRange(ctx context.Context, start, end string) ([]string, error)
}

// Calendar is an immutable snapshot of known trading days. Build a new one
// after refreshing the stored calendar.
type Calendar struct {
	days   map[string]bool
	sorted []string
}

// Load builds a Calendar from src. An empty stored calendar yields the
// weekday fallback.
func Load(ctx context.Context, src Source) (*Calendar, error) {
	dates, err := src.CalendarRange(ctx, "", "")
	if err != nil {
		return nil, fmt.Errorf("calendar: loading trading dates: %w", err)
	}
	return FromDates(dates), nil
}

// FromDates builds a Calendar from an explicit date list (YYYY-MM-DD).
func FromDates(dates []string) *Calendar {
	c := &Calendar{days: make(map[string]bool, len(dates))}
	for _, d := range dates {
		if !c.days[d] {
			c.days[d] = true
			c.sorted = append(c.sorted, d)
		}
	}
	sort.Strings(c.sorted)
	return c
}

// Empty reports whether the calendar has no collected dates and is running
// on the weekday fallback.
func (c *Calendar) Empty() bool { return len(c.days) == 0 }

// IsTradingDay reports whether date (YYYY-MM-DD) is a market open day.
func (c *Calendar) IsTradingDay(date string) bool {
	if c.Empty() {
		return isWeekday(date)
	}
	return c.days[date]
}

// TradingDaysBetween returns the open days in [start, end], ascending. With
// the weekday fallback it returns Monday through Friday.
func (c *Calendar) TradingDaysBetween(start, end string) ([]string, error) {
	if start > end {
		return nil, fmt.Errorf("calendar: start %s after end %s", start, end)
	}
	if c.Empty() {
		return weekdaysBetween(start, end)
	}

	lo := sort.SearchStrings(c.sorted, start)
	hi := sort.Search(len(c.sorted), func(i int) bool { return c.sorted[i] > end })
	out := make([]string, hi-lo)
	copy(out, c.sorted[lo:hi])
	return out, nil
}

// LatestOnOrBefore returns the most recent trading day not after date, or
// "" if none is known.
func (c *Calendar) LatestOnOrBefore(date string) string {
	if c.Empty() {
		t, err := time.Parse(domain.DateLayout, date)
		if err != nil {
			return ""
		}
		for i := 0; i < 7; i++ {
			d := t.AddDate(0, 0, -i)
			if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
				return d.Format(domain.DateLayout)
			}
		}
		return ""
	}
	i := sort.Search(len(c.sorted), func(i int) bool { return c.sorted[i] > date })
	if i == 0 {
		return ""
	}
	return c.sorted[i-1]
}

// InTradingHours reports whether t falls inside a trading session on a
// trading day. The morning session includes 09:30 and 11:30; the afternoon
// includes 13:00 and 15:00.
func (c *Calendar) InTradingHours(t time.Time) bool {
	t = t.In(CST)
	if !c.IsTradingDay(t.Format(domain.DateLayout)) {
		return false
	}
	minutes := t.Hour()*60 + t.Minute()
	morning := minutes >= 9*60+30 && minutes <= 11*60+30
	afternoon := minutes >= 13*60 && minutes <= 15*60
	return morning || afternoon
}

func isWeekday(date string) bool {
	t, err := time.Parse(domain.DateLayout, date)
	if err != nil {
		return false
	}
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

func weekdaysBetween(start, end string) ([]string, error) {
	s, err := time.Parse(domain.DateLayout, start)
	if err != nil {
		return nil, fmt.Errorf("calendar: bad start date %q: %w", start, err)
	}
	e, err := time.Parse(domain.DateLayout, end)
	if err != nil {
		return nil, fmt.Errorf("calendar: bad end date %q: %w", end, err)
	}
	var out []string
	for d := s; !d.After(e); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			out = append(out, d.Format(domain.DateLayout))
		}
	}
	return out, nil
}
