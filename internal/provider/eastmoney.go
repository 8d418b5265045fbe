package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cndata/internal/domain"
	"cndata/internal/merge"
)

// Compile-time interface check.
var _ Client = (*Eastmoney)(nil)

// Eastmoney implements Client against the Eastmoney push2 quote API, the
// same upstream the original akshare-based collector used.
type Eastmoney struct {
	quoteURL string // spot list host
	histURL  string // kline / fund-flow host
	http     *http.Client
	log      *slog.Logger
}

// Option configures an Eastmoney client.
type Option func(*Eastmoney)

// WithBaseURLs overrides the upstream hosts, used by tests to point the
// client at a local server. Empty strings keep the defaults.
func WithBaseURLs(quoteURL, histURL string) Option {
	return func(c *Eastmoney) {
		if quoteURL != "" {
			c.quoteURL = quoteURL
		}
		if histURL != "" {
			c.histURL = histURL
		}
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Eastmoney) { c.http = hc }
}

// NewEastmoney creates a provider client with a 15s request timeout.
func NewEastmoney(opts ...Option) *Eastmoney {
	c := &Eastmoney{
		quoteURL: "https://82.push2.eastmoney.com",
		histURL:  "https://push2his.eastmoney.com",
		http:     &http.Client{Timeout: 15 * time.Second},
		log:      slog.Default().With("component", "provider"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// secid renders the Eastmoney security id: Shanghai symbols live on
// market 1, Shenzhen and Beijing on market 0.
func secid(code string, market domain.Market) string {
	if market == domain.MarketShanghai {
		return "1." + code
	}
	return "0." + code
}

func kltFor(freq domain.Frequency) string {
	switch freq {
	case domain.FreqDaily:
		return "101"
	case domain.FreqWeekly:
		return "102"
	case domain.FreqMonthly:
		return "103"
	case domain.Freq1Min:
		return "1"
	case domain.Freq5Min:
		return "5"
	case domain.Freq15Min:
		return "15"
	case domain.Freq30Min:
		return "30"
	case domain.Freq60Min:
		return "60"
	}
	return "101"
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type klineResponse struct {
	Data *struct {
		Code   string   `json:"code"`
		Klines []string `json:"klines"`
	} `json:"data"`
}

type clistResponse struct {
	Data *struct {
		Total int              `json:"total"`
		Diff  []map[string]any `json:"diff"`
	} `json:"data"`
}

// ---------------------------------------------------------------------------
// Client implementation
// ---------------------------------------------------------------------------

// InstrumentList fetches the full spot table in one page.
func (c *Eastmoney) InstrumentList(ctx context.Context) ([]domain.Instrument, error) {
	params := url.Values{
		"pn":     {"1"},
		"pz":     {"50000"},
		"po":     {"1"},
		"np":     {"1"},
		"fltt":   {"2"},
		"invt":   {"2"},
		"fid":    {"f3"},
		"fs":     {"m:0 t:6,m:0 t:80,m:1 t:2,m:1 t:23,m:0 t:81 s:2048"},
		"fields": {"f2,f3,f4,f5,f6,f7,f8,f12,f14"},
	}

	var resp clistResponse
	if err := c.get(ctx, c.quoteURL+"/api/qt/clist/get", params, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil || len(resp.Data.Diff) == 0 {
		return nil, fmt.Errorf("%w: instrument list", ErrFetchEmpty)
	}

	out := make([]domain.Instrument, 0, len(resp.Data.Diff))
	for _, row := range resp.Data.Diff {
		code, _ := row["f12"].(string)
		if code == "" {
			continue
		}
		name, _ := row["f14"].(string)
		close, hasClose := asFloat(row["f2"])
		volume, _ := asFloat(row["f5"])
		out = append(out, domain.Instrument{
			Symbol: domain.WithPrefix(code),
			Name:   name,
			Market: domain.MarketForCode(code),
			Close:  close,
			Volume: volume,
			Active: hasClose && close > 0 && volume > 0,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: instrument list", ErrFetchEmpty)
	}
	return out, nil
}

// BarHistory fetches daily/weekly/monthly bars via the kline endpoint.
func (c *Eastmoney) BarHistory(ctx context.Context, code string, freq domain.Frequency, start, end string) ([]merge.Record, error) {
	return c.kline(ctx, code, freq, start, end)
}

// MinuteBars fetches intraday bars; the wire format matches the daily
// kline, only klt differs.
func (c *Eastmoney) MinuteBars(ctx context.Context, code string, freq domain.Frequency, start, end string) ([]merge.Record, error) {
	return c.kline(ctx, code, freq, start, end)
}

func (c *Eastmoney) kline(ctx context.Context, code string, freq domain.Frequency, start, end string) ([]merge.Record, error) {
	if start == "" {
		start = "0"
	}
	if end == "" {
		end = "20500101"
	}
	params := url.Values{
		"secid":   {secid(code, domain.MarketForCode(code))},
		"klt":     {kltFor(freq)},
		"fqt":     {"1"}, // forward-adjusted, as the original collected
		"beg":     {start},
		"end":     {end},
		"fields1": {"f1,f2,f3,f4,f5,f6"},
		"fields2": {"f51,f52,f53,f54,f55,f56,f57,f58,f59,f60,f61"},
	}

	var resp klineResponse
	if err := c.get(ctx, c.histURL+"/api/qt/stock/kline/get", params, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil || len(resp.Data.Klines) == 0 {
		return nil, fmt.Errorf("%w: kline %s klt=%s", ErrFetchEmpty, code, kltFor(freq))
	}

	// Each kline is "date,open,close,high,low,volume,amount,amplitude,
	// pct_change,price_change,turnover_rate".
	cols := []string{"date", "open", "close", "high", "low", "volume", "amount",
		"amplitude", "pct_change", "price_change", "turnover_rate"}

	records := make([]merge.Record, 0, len(resp.Data.Klines))
	for _, line := range resp.Data.Klines {
		rec, ok := splitKline(line, cols)
		if !ok {
			c.log.Warn("malformed kline dropped", "code", code, "line", line)
			continue
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: kline %s", ErrFetchEmpty, code)
	}
	return records, nil
}

// FundFlow fetches the per-day money-flow series.
func (c *Eastmoney) FundFlow(ctx context.Context, code string, market domain.Market) ([]merge.Record, error) {
	params := url.Values{
		"lmt":     {"0"},
		"klt":     {"101"},
		"secid":   {secid(code, market)},
		"fields1": {"f1,f2,f3,f7"},
		"fields2": {"f51,f52,f53,f54,f55,f56,f57,f58,f59,f60,f61,f62,f63"},
	}

	var resp klineResponse
	if err := c.get(ctx, c.histURL+"/api/qt/stock/fflow/daykline/get", params, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil || len(resp.Data.Klines) == 0 {
		return nil, fmt.Errorf("%w: fund flow %s", ErrFetchEmpty, code)
	}

	// "date,main,small,medium,big,super_big" net amounts, then the five
	// net-share percentages in the same order, then close and pct_change.
	cols := []string{"date",
		"main_net_flow", "small_net_flow", "medium_net_flow", "big_net_flow", "super_big_net_flow",
		"main_net_flow_rate", "small_net_flow_rate", "medium_net_flow_rate", "big_net_flow_rate", "super_big_net_flow_rate",
		"close", "pct_change"}

	records := make([]merge.Record, 0, len(resp.Data.Klines))
	for _, line := range resp.Data.Klines {
		rec, ok := splitKline(line, cols)
		if !ok {
			c.log.Warn("malformed fund-flow line dropped", "code", code, "line", line)
			continue
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: fund flow %s", ErrFetchEmpty, code)
	}
	return records, nil
}

// TradingDates derives the trading calendar from the SSE composite index
// daily series (its bar dates are exactly the open days).
func (c *Eastmoney) TradingDates(ctx context.Context) ([]string, error) {
	params := url.Values{
		"secid":   {"1.000001"},
		"klt":     {"101"},
		"fqt":     {"0"},
		"beg":     {"0"},
		"end":     {"20500101"},
		"fields1": {"f1,f2,f3,f4,f5,f6"},
		"fields2": {"f51,f52,f53,f54,f55,f56,f57,f58,f59,f60,f61"},
	}

	var resp klineResponse
	if err := c.get(ctx, c.histURL+"/api/qt/stock/kline/get", params, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil || len(resp.Data.Klines) == 0 {
		return nil, fmt.Errorf("%w: trading calendar", ErrFetchEmpty)
	}

	dates := make([]string, 0, len(resp.Data.Klines))
	for _, line := range resp.Data.Klines {
		if i := strings.IndexByte(line, ','); i > 0 {
			dates = append(dates, line[:i])
		}
	}
	if len(dates) == 0 {
		return nil, fmt.Errorf("%w: trading calendar", ErrFetchEmpty)
	}
	return dates, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (c *Eastmoney) get(ctx context.Context, rawURL string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("%w: building request: %v", ErrFetchFailed, err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d from %s", ErrFetchFailed, resp.StatusCode, rawURL)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrFetchFailed, err)
	}
	return nil
}

// splitKline maps one comma-separated kline onto cols. Short lines are
// rejected; "-" placeholders become nil so the merge engine treats them as
// absent.
func splitKline(line string, cols []string) (merge.Record, bool) {
	parts := strings.Split(line, ",")
	if len(parts) < len(cols) {
		return nil, false
	}
	rec := make(merge.Record, len(cols))
	for i, col := range cols {
		if col == "date" {
			rec[col] = parts[i]
			continue
		}
		if v, err := strconv.ParseFloat(parts[i], 64); err == nil {
			rec[col] = v
		} else {
			rec[col] = nil
		}
	}
	return rec, true
}

// asFloat coerces the number-or-"-" values the quote API returns.
func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}
