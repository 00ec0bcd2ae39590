// Package models defines domain types for Appraise
package models

import (
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// Quote is a point-in-time price quote for one symbol. Entries are replaced
// wholesale on refresh, never partially merged.
type Quote struct {
	Price     float64  `json:"c"`
	Open      float64  `json:"o"`
	High      float64  `json:"h"`
	Low       float64  `json:"l"`
	PrevClose *float64 `json:"pc"`
	Timestamp int64    `json:"t"` // epoch seconds
}

// ChangePct returns the percent change against the previous close, or NaN
// when no previous close is known.
func (q *Quote) ChangePct() float64 {
	if q.PrevClose == nil || *q.PrevClose == 0 {
		return math.NaN()
	}
	return (q.Price - *q.PrevClose) / *q.PrevClose * 100
}

// MetricsBag is a heterogeneous bag of named financial ratios and fields,
// keyed by provider-specific field names. No canonical field name exists
// across providers; consumers probe ordered alias lists instead.
type MetricsBag map[string]any

// Number returns the named field as a finite float64. The second return is
// false for missing fields, nulls, non-numeric strings, NaN, and infinities.
func (b MetricsBag) Number(key string) (float64, bool) {
	v, ok := b[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, isFinite(n)
	case float32:
		return float64(n), isFinite(float64(n))
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil && isFinite(f)
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil && isFinite(f)
	default:
		return 0, false
	}
}

// String returns the named field as a string, or "" when absent.
func (b MetricsBag) String(key string) string {
	if v, ok := b[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Snapshot is a joined quote+metrics card for the screener list.
type Snapshot struct {
	Ticker     string   `json:"ticker"`
	Price      *float64 `json:"price"`
	ChangePct  *float64 `json:"changePct"`
	MarketCapM *float64 `json:"marketCapM"`
	Name       string   `json:"name,omitempty"`
	Industry   string   `json:"industry,omitempty"`
	Country    string   `json:"country,omitempty"`
	Logo       string   `json:"logo,omitempty"`
}

// QuoteBatchResponse is the envelope for GET /api/market/quotes.
// Unresolved symbols map to null; the call itself never fails.
type QuoteBatchResponse struct {
	Quotes       map[string]*Quote `json:"quotes"`
	BackoffUntil int64             `json:"backoffUntil,omitempty"` // epoch ms
}

// MetricsBatchResponse is the envelope for GET /api/market/metrics.
type MetricsBatchResponse struct {
	Metrics      map[string]MetricsBag `json:"metrics"`
	BackoffUntil int64                 `json:"backoffUntil,omitempty"`
}

// SnapshotBatchResponse is the envelope for GET /api/market/snapshot.
type SnapshotBatchResponse struct {
	Items        []*Snapshot `json:"items"`
	BackoffUntil int64       `json:"backoffUntil,omitempty"`
}

// CommentaryRequest is the body of POST /api/commentary.
type CommentaryRequest struct {
	Symbol    string           `json:"symbol"`
	PriceNow  float64          `json:"priceNow"`
	Category  string           `json:"category,omitempty"`
	Metric    MetricsBag       `json:"metric,omitempty"`
	Valuation *ValuationResult `json:"valuation,omitempty"`
}

// CommentaryResponse is the reply of POST /api/commentary.
type CommentaryResponse struct {
	Commentary string `json:"commentary"`
	ModelUsed  string `json:"modelUsed"`
	Cached     bool   `json:"cached"`
}

// HydratedPage is the reply of GET /api/screen/hydrate.
type HydratedPage struct {
	Page         int         `json:"page"`
	Items        []*Snapshot `json:"items"`
	Passes       int         `json:"passes"`
	BackoffUntil int64       `json:"backoffUntil,omitempty"`
	GeneratedAt  time.Time   `json:"generatedAt"`
}
