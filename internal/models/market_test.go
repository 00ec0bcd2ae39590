package models

import (
	"encoding/json"
	"math"
	"testing"
)

func TestMetricsBag_Number(t *testing.T) {
	bag := MetricsBag{
		"float":    28.1,
		"int":      42,
		"string":   "3.25",
		"jsonNum":  json.Number("7.5"),
		"null":     nil,
		"text":     "not a number",
		"nan":      math.NaN(),
		"inf":      math.Inf(1),
		"boolean":  true,
	}

	tests := []struct {
		key      string
		expected float64
		ok       bool
	}{
		{"float", 28.1, true},
		{"int", 42, true},
		{"string", 3.25, true},
		{"jsonNum", 7.5, true},
		{"null", 0, false},
		{"text", 0, false},
		{"nan", 0, false},
		{"inf", 0, false},
		{"boolean", 0, false},
		{"missing", 0, false},
	}

	for _, tt := range tests {
		v, ok := bag.Number(tt.key)
		if ok != tt.ok {
			t.Errorf("Number(%q) ok = %v, want %v", tt.key, ok, tt.ok)
			continue
		}
		if ok && v != tt.expected {
			t.Errorf("Number(%q) = %v, want %v", tt.key, v, tt.expected)
		}
	}
}

func TestMetricsBag_String(t *testing.T) {
	bag := MetricsBag{"name": "Apple Inc", "pe": 28.1}

	if got := bag.String("name"); got != "Apple Inc" {
		t.Errorf("String(name) = %q", got)
	}
	if got := bag.String("pe"); got != "" {
		t.Errorf("String(pe) = %q, want empty for non-string", got)
	}
	if got := bag.String("missing"); got != "" {
		t.Errorf("String(missing) = %q, want empty", got)
	}
}

func TestQuote_ChangePct(t *testing.T) {
	pc := 100.0
	q := &Quote{Price: 105, PrevClose: &pc}
	if got := q.ChangePct(); got != 5 {
		t.Errorf("ChangePct = %v, want 5", got)
	}

	noPrev := &Quote{Price: 105}
	if got := noPrev.ChangePct(); !math.IsNaN(got) {
		t.Errorf("ChangePct without prev close = %v, want NaN", got)
	}

	zero := 0.0
	zeroPrev := &Quote{Price: 105, PrevClose: &zero}
	if got := zeroPrev.ChangePct(); !math.IsNaN(got) {
		t.Errorf("ChangePct with zero prev close = %v, want NaN", got)
	}
}

func TestQuote_JSONRoundTrip(t *testing.T) {
	// Finnhub's compact field names are the wire format.
	raw := `{"c": 190.5, "o": 188.0, "h": 191.2, "l": 187.4, "pc": 189.0, "t": 1700000000}`
	var q Quote
	if err := json.Unmarshal([]byte(raw), &q); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if q.Price != 190.5 || q.PrevClose == nil || *q.PrevClose != 189.0 {
		t.Errorf("quote = %+v", q)
	}
}
