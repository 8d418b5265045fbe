package httpapi

import (
	"cndata/internal/domain"
	"cndata/internal/merge"
)

// BarsResponse is the payload for GET /api/bars.
type BarsResponse struct {
	Symbol string         `json:"symbol"`
	Freq   string         `json:"freq"`
	Start  string         `json:"start"`
	End    string         `json:"end"`
	Bars   []merge.Record `json:"bars"`
}

// InstrumentsResponse is the payload for GET /api/instruments.
type InstrumentsResponse struct {
	Count       int              `json:"count"`
	Instruments []InstrumentJSON `json:"instruments"`
}

// InstrumentJSON is one instrument row.
type InstrumentJSON struct {
	Symbol     string  `json:"symbol"`
	Name       string  `json:"name"`
	Market     string  `json:"market"`
	Close      float64 `json:"close"`
	Volume     float64 `json:"volume"`
	Active     bool    `json:"active"`
	UpdateTime string  `json:"update_time,omitempty"`
}

// FundFlowResponse is the payload for GET /api/fundflow.
type FundFlowResponse struct {
	Symbol string         `json:"symbol"`
	Start  string         `json:"start"`
	End    string         `json:"end"`
	Rows   []merge.Record `json:"rows"`
}

// SummaryResponse is the payload for GET /api/summary.
type SummaryResponse struct {
	Instruments     int            `json:"instruments"`
	SymbolsPerTable map[string]int `json:"symbols_per_table"`
	CalendarFirst   string         `json:"calendar_first,omitempty"`
	CalendarLast    string         `json:"calendar_last,omitempty"`
}

func toInstrumentJSON(inst domain.Instrument) InstrumentJSON {
	return InstrumentJSON{
		Symbol:     inst.Symbol,
		Name:       inst.Name,
		Market:     string(inst.Market),
		Close:      inst.Close,
		Volume:     inst.Volume,
		Active:     inst.Active,
		UpdateTime: inst.UpdateTime,
	}
}
