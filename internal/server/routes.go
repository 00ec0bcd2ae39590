package server

import (
	"net/http"
	"time"

	"github.com/mstrand/appraise/internal/common"
)

// registerRoutes sets up all REST API routes on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// System
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/shutdown", s.handleShutdown)

	// Market Data
	mux.HandleFunc("/api/market/quote/", s.handleMarketQuote)
	mux.HandleFunc("/api/market/quotes", s.handleMarketQuotes)
	mux.HandleFunc("/api/market/metrics", s.handleMarketMetrics)
	mux.HandleFunc("/api/market/snapshot", s.handleMarketSnapshot)

	// Valuation and commentary
	mux.HandleFunc("/api/valuation", s.handleValuation)
	mux.HandleFunc("/api/commentary", s.handleCommentary)

	// Screening
	mux.HandleFunc("/api/screen/hydrate", s.handleHydrate)
}

// --- System handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	cfg := s.app.Config
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"environment": cfg.Environment,
		"providers": map[string]bool{
			"finnhub":      s.app.FinnhubClient != nil,
			"alphavantage": s.app.AlphaVantageClient != nil,
			"llm":          s.app.LLMClient != nil,
		},
		"batch": cfg.Batch,
		"llm": map[string]int{
			"ttl_seconds":    cfg.LLM.TTLSeconds,
			"rpm_per_ip":     cfg.LLM.RPMPerIP,
			"rpm_per_symbol": cfg.LLM.RPMPerSymbol,
		},
		"hydrate": cfg.Hydrate,
		"uptime":  time.Since(s.app.StartupTime).String(),
	})
}

// handleShutdown handles POST /api/shutdown (dev mode only).
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	if s.app.Config.IsProduction() {
		WriteError(w, http.StatusForbidden, "Shutdown endpoint disabled in production")
		return
	}

	s.logger.Info().Msg("Shutdown requested via HTTP endpoint")

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Shutting down gracefully...\n"))

	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	if s.shutdownChan != nil {
		go func() {
			time.Sleep(100 * time.Millisecond)
			s.shutdownChan <- struct{}{}
		}()
	}
}
