package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// handleMarketQuote handles GET /api/market/quote/{symbol}.
func (s *Server) handleMarketQuote(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	symbol := strings.TrimPrefix(r.URL.Path, "/api/market/quote/")
	if symbol == "" {
		WriteError(w, http.StatusBadRequest, "symbol is required in path")
		return
	}

	cached := false
	if _, ok := s.app.Caches.Quotes.Get(strings.ToUpper(strings.TrimSpace(symbol))); ok {
		cached = true
	}

	q, err := s.app.QuoteService.GetQuote(r.Context(), symbol)
	if err != nil {
		WriteError(w, http.StatusBadGateway, fmt.Sprintf("Quote fetch failed: %v", err))
		return
	}
	if q == nil {
		WriteError(w, http.StatusNotFound, fmt.Sprintf("No quote available for %s", strings.ToUpper(symbol)))
		return
	}

	if cached {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	WriteJSON(w, http.StatusOK, q)
}

// handleMarketQuotes handles GET /api/market/quotes?symbols=A,B,C.
// Always 200: unresolved symbols map to null in the body.
func (s *Server) handleMarketQuotes(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	symbols := SymbolsParam(r)
	if len(symbols) == 0 {
		WriteError(w, http.StatusBadRequest, "symbols query parameter is required")
		return
	}

	resp := s.app.QuoteService.GetBatch(r.Context(), symbols)
	setBackoffHeader(w, resp.BackoffUntil)
	WriteJSON(w, http.StatusOK, resp)
}

// handleMarketMetrics handles GET /api/market/metrics?symbols=A,B&lite=true.
func (s *Server) handleMarketMetrics(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	symbols := SymbolsParam(r)
	if len(symbols) == 0 {
		WriteError(w, http.StatusBadRequest, "symbols query parameter is required")
		return
	}

	lite := r.URL.Query().Get("lite") == "true" || r.URL.Query().Get("lite") == "1"

	resp := s.app.MetricsService.GetBatch(r.Context(), symbols, lite)
	setBackoffHeader(w, resp.BackoffUntil)
	WriteJSON(w, http.StatusOK, resp)
}

// handleMarketSnapshot handles GET /api/market/snapshot?symbols=A,B.
func (s *Server) handleMarketSnapshot(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	symbols := SymbolsParam(r)
	if len(symbols) == 0 {
		WriteError(w, http.StatusBadRequest, "symbols query parameter is required")
		return
	}

	resp := s.app.MetricsService.GetSnapshots(r.Context(), symbols)
	setBackoffHeader(w, resp.BackoffUntil)
	WriteJSON(w, http.StatusOK, resp)
}

// setBackoffHeader advertises the remaining upstream backoff window.
func setBackoffHeader(w http.ResponseWriter, backoffUntil int64) {
	if backoffUntil <= 0 {
		return
	}
	remaining := time.Until(time.UnixMilli(backoffUntil))
	if remaining <= 0 {
		return
	}
	secs := int(remaining.Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
}
