// Package httpapi serves the read-only range-query API over the collected
// tables. Writes stay with the collector; this surface never mutates
// anything.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"cndata/internal/cache"
	"cndata/internal/calendar"
	"cndata/internal/domain"
	"cndata/internal/merge"
	"cndata/internal/store"
)

// Reader is the slice of the store the API serves from.
type Reader interface {
	ReadRange(ctx context.Context, table, symbol, start, end string, freq domain.Frequency) ([]merge.Record, error)
	Instruments(ctx context.Context, activeOnly bool) ([]domain.Instrument, error)
	Symbols(ctx context.Context, table string) ([]string, error)
	CalendarRange(ctx context.Context, start, end string) ([]string, error)
}

// Server serves the query API.
type Server struct {
	reader Reader
	cache  *cache.Cache
	log    *slog.Logger
}

// hot range reads are cached briefly; collection ticks make the tables
// move at most every few minutes anyway.
const readCacheTTL = time.Minute

// NewServer creates a Server. ch may be nil to disable response caching.
func NewServer(r Reader, ch *cache.Cache) *Server {
	return &Server{
		reader: r,
		cache:  ch,
		log:    slog.Default().With("component", "httpapi"),
	}
}

// Handler returns an http.Handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/bars", s.handleBars)
	mux.HandleFunc("GET /api/instruments", s.handleInstruments)
	mux.HandleFunc("GET /api/fundflow", s.handleFundFlow)
	mux.HandleFunc("GET /api/summary", s.handleSummary)
	return corsMiddleware(mux)
}

func (s *Server) handleBars(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := q.Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol required")
		return
	}
	symbol = domain.WithPrefix(symbol)

	freq := domain.Frequency(q.Get("freq"))
	if freq == "" {
		freq = domain.FreqDaily
	}
	if !freq.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown freq %q", freq))
		return
	}
	table, err := store.BarTableFor(string(freq))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	start, end, err := dateRange(q.Get("start"), q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := fmt.Sprintf("bars:%s:%s:%s:%s", symbol, freq, start, end)
	if s.cache != nil {
		if v, ok := s.cache.Get(key); ok {
			writeJSON(w, v)
			return
		}
	}

	var tableFreq domain.Frequency
	if freq.Intraday() {
		tableFreq = freq
	}
	bars, err := s.reader.ReadRange(r.Context(), table, symbol, start, end, tableFreq)
	if err != nil {
		s.log.Error("reading bars", "symbol", symbol, "freq", freq, "error", err)
		writeError(w, http.StatusInternalServerError, "reading bars")
		return
	}
	if bars == nil {
		bars = []merge.Record{}
	}

	resp := BarsResponse{Symbol: symbol, Freq: string(freq), Start: start, End: end, Bars: bars}
	if s.cache != nil {
		s.cache.Set(key, resp, readCacheTTL)
	}
	writeJSON(w, resp)
}

func (s *Server) handleInstruments(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "1"

	instruments, err := s.reader.Instruments(r.Context(), activeOnly)
	if err != nil {
		s.log.Error("listing instruments", "error", err)
		writeError(w, http.StatusInternalServerError, "listing instruments")
		return
	}

	out := make([]InstrumentJSON, len(instruments))
	for i, inst := range instruments {
		out[i] = toInstrumentJSON(inst)
	}
	writeJSON(w, InstrumentsResponse{Count: len(out), Instruments: out})
}

func (s *Server) handleFundFlow(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := q.Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol required")
		return
	}
	symbol = domain.WithPrefix(symbol)

	start, end, err := dateRange(q.Get("start"), q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := fmt.Sprintf("fundflow:%s:%s:%s", symbol, start, end)
	if s.cache != nil {
		if v, ok := s.cache.Get(key); ok {
			writeJSON(w, v)
			return
		}
	}

	rows, err := s.reader.ReadRange(r.Context(), store.TableFundFlow, symbol, start, end, "")
	if err != nil {
		s.log.Error("reading fund flow", "symbol", symbol, "error", err)
		writeError(w, http.StatusInternalServerError, "reading fund flow")
		return
	}
	if rows == nil {
		rows = []merge.Record{}
	}

	resp := FundFlowResponse{Symbol: symbol, Start: start, End: end, Rows: rows}
	if s.cache != nil {
		s.cache.Set(key, resp, readCacheTTL)
	}
	writeJSON(w, resp)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := SummaryResponse{SymbolsPerTable: make(map[string]int)}

	instruments, err := s.reader.Instruments(ctx, false)
	if err != nil {
		s.log.Error("summary: instruments", "error", err)
		writeError(w, http.StatusInternalServerError, "building summary")
		return
	}
	resp.Instruments = len(instruments)

	for _, table := range []string{
		store.TableDailyBars, store.TableWeeklyBars, store.TableMonthlyBars,
		store.TableMinuteBars, store.TableFundFlow,
	} {
		syms, err := s.reader.Symbols(ctx, table)
		if err != nil {
			s.log.Error("summary: symbols", "table", table, "error", err)
			writeError(w, http.StatusInternalServerError, "building summary")
			return
		}
		resp.SymbolsPerTable[table] = len(syms)
	}

	dates, err := s.reader.CalendarRange(ctx, "", "")
	if err != nil {
		s.log.Error("summary: calendar", "error", err)
		writeError(w, http.StatusInternalServerError, "building summary")
		return
	}
	if len(dates) > 0 {
		resp.CalendarFirst = dates[0]
		resp.CalendarLast = dates[len(dates)-1]
	}
	writeJSON(w, resp)
}

// dateRange validates and defaults the start/end query params.
func dateRange(start, end string) (string, string, error) {
	if start == "" {
		start = "1990-01-01"
	}
	if end == "" {
		end = time.Now().In(calendar.CST).Format(domain.DateLayout)
	}
	for _, d := range []string{start, end} {
		if _, err := time.Parse(domain.DateLayout, d); err != nil {
			return "", "", fmt.Errorf("invalid date %q", d)
		}
	}
	if start > end {
		return "", "", fmt.Errorf("start %s after end %s", start, end)
	}
	return start, end, nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
