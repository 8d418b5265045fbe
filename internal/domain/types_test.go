package domain

import "testing"

func TestWithPrefix(t *testing.T) {
	cases := []struct {
		code string
		want string
	}{
		{"600000", "sh600000"},
		{"688981", "sh688981"},
		{"000001", "sz000001"},
		{"300750", "sz300750"},
		{"430047", "bj430047"},
		{"830799", "bj830799"},
		{"sh600000", "sh600000"}, // already prefixed
		{"bj430047", "bj430047"},
	}
	for _, c := range cases {
		if got := WithPrefix(c.code); got != c.want {
			t.Errorf("WithPrefix(%q) = %q, want %q", c.code, got, c.want)
		}
	}
}

func TestStripPrefix(t *testing.T) {
	cases := []struct {
		symbol     string
		wantCode   string
		wantMarket Market
	}{
		{"sh600000", "600000", MarketShanghai},
		{"sz000001", "000001", MarketShenzhen},
		{"bj430047", "430047", MarketBeijing},
		{"600000", "600000", MarketShanghai}, // bare code
		{"300750", "300750", MarketShenzhen},
	}
	for _, c := range cases {
		code, market := StripPrefix(c.symbol)
		if code != c.wantCode || market != c.wantMarket {
			t.Errorf("StripPrefix(%q) = (%q, %q), want (%q, %q)",
				c.symbol, code, market, c.wantCode, c.wantMarket)
		}
	}
}

func TestFrequency(t *testing.T) {
	intraday := []Frequency{Freq1Min, Freq5Min, Freq15Min, Freq30Min, Freq60Min}
	for _, f := range intraday {
		if !f.Intraday() {
			t.Errorf("%q should be intraday", f)
		}
		if !f.Valid() {
			t.Errorf("%q should be valid", f)
		}
	}
	for _, f := range []Frequency{FreqDaily, FreqWeekly, FreqMonthly} {
		if f.Intraday() {
			t.Errorf("%q should not be intraday", f)
		}
		if !f.Valid() {
			t.Errorf("%q should be valid", f)
		}
	}
	if Frequency("2h").Valid() {
		t.Error("unknown frequency should not be valid")
	}
}

func TestParseDate(t *testing.T) {
	for _, s := range []string{"2024-01-02", "2024-01-02 09:35", "2024-01-02 09:35:00"} {
		if _, err := ParseDate(s); err != nil {
			t.Errorf("ParseDate(%q): %v", s, err)
		}
	}
	if _, err := ParseDate("02/01/2024"); err == nil {
		t.Error("ParseDate should reject non-ISO dates")
	}
}
