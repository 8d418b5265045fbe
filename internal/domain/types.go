// Package domain defines the core data types shared across the collection
// pipeline: instruments, bars, fund-flow records, and symbol conventions.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Market identifies the exchange a symbol trades on.
type Market string

const (
	MarketShanghai Market = "sh"
	MarketShenzhen Market = "sz"
	MarketBeijing  Market = "bj"
)

// Frequency identifies the sampling interval of a bar series.
type Frequency string

const (
	FreqDaily   Frequency = "daily"
	FreqWeekly  Frequency = "weekly"
	FreqMonthly Frequency = "monthly"
	Freq1Min    Frequency = "1m"
	Freq5Min    Frequency = "5m"
	Freq15Min   Frequency = "15m"
	Freq30Min   Frequency = "30m"
	Freq60Min   Frequency = "60m"
)

// Intraday reports whether the frequency is a minute-level series.
func (f Frequency) Intraday() bool {
	switch f {
	case Freq1Min, Freq5Min, Freq15Min, Freq30Min, Freq60Min:
		return true
	}
	return false
}

// Valid reports whether f is one of the supported frequencies.
func (f Frequency) Valid() bool {
	switch f {
	case FreqDaily, FreqWeekly, FreqMonthly:
		return true
	}
	return f.Intraday()
}

// DateLayout is the storage format for bar dates. Minute bars carry a
// trailing " HH:MM" suffix in the same column.
const DateLayout = "2006-01-02"

// TimeLayout is the storage format for update_time columns.
const TimeLayout = "2006-01-02 15:04:05"

// Instrument is one tradable security in the collection universe. The
// instrument list is refreshed wholesale; stale rows are superseded by the
// next refresh, never deleted.
type Instrument struct {
	Symbol     string // market-prefixed, e.g. "sh600000"
	Name       string
	Market     Market
	Close      float64
	Volume     float64
	Active     bool // non-zero traded volume and a quoted price
	UpdateTime string
}

// Bar is one OHLCV observation keyed by (date, symbol) plus frequency for
// intraday series. At most one bar exists per key; UpdateTime reflects the
// most recent successful write.
type Bar struct {
	Date         string
	Symbol       string
	Freq         Frequency
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Volume       float64
	Amount       float64
	Amplitude    float64
	PctChange    float64
	PriceChange  float64
	TurnoverRate float64
	UpdateTime   string
}

// FundFlow is one day of per-symbol money-flow metrics bucketed by order
// size, keyed by (date, symbol).
type FundFlow struct {
	Date                 string
	Symbol               string
	Market               Market
	Close                float64
	PctChange            float64
	MainNetFlow          float64
	MainNetFlowRate      float64
	SuperBigNetFlow      float64
	SuperBigNetFlowRate  float64
	BigNetFlow           float64
	BigNetFlowRate       float64
	MediumNetFlow        float64
	MediumNetFlowRate    float64
	SmallNetFlow         float64
	SmallNetFlowRate     float64
	UpdateTime           string
}

// MarketForCode derives the exchange from a bare 6-digit code: 6xxxxx is
// Shanghai, 0xxxxx/3xxxxx Shenzhen, 4xxxxx/8xxxxx Beijing.
func MarketForCode(code string) Market {
	switch {
	case strings.HasPrefix(code, "6"):
		return MarketShanghai
	case strings.HasPrefix(code, "4"), strings.HasPrefix(code, "8"):
		return MarketBeijing
	default:
		return MarketShenzhen
	}
}

// WithPrefix attaches the market prefix to a bare numeric code. Codes that
// already carry a prefix are returned unchanged.
func WithPrefix(code string) string {
	if _, _, ok := splitPrefixed(code); ok {
		return code
	}
	return string(MarketForCode(code)) + code
}

// StripPrefix splits a market-prefixed symbol into its bare code and market.
// Unprefixed codes are returned as-is with the market derived from the
// leading digit.
func StripPrefix(symbol string) (code string, market Market) {
	if m, c, ok := splitPrefixed(symbol); ok {
		return c, m
	}
	return symbol, MarketForCode(symbol)
}

func splitPrefixed(symbol string) (Market, string, bool) {
	if len(symbol) < 3 {
		return "", "", false
	}
	switch Market(symbol[:2]) {
	case MarketShanghai, MarketShenzhen, MarketBeijing:
		return Market(symbol[:2]), symbol[2:], true
	}
	return "", "", false
}

// ParseDate parses a stored date string, accepting both date-only and
// minute-bar "date time" values.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02 15:04", s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}
