package server

import (
	"net/http"

	"github.com/mstrand/appraise/internal/models"
	"github.com/mstrand/appraise/internal/valuation"
)

// handleValuation handles POST /api/valuation. The engine is pure: the
// response depends only on the request body.
func (s *Server) handleValuation(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var in models.ValuationInput
	if !DecodeJSON(w, r, &in) {
		return
	}

	// Derive the cap band from the metrics bag when the caller omits it.
	if in.Category == "" {
		if capM, ok := valuation.PickFinite(in.Metric, valuation.FieldMarketCap); ok {
			in.Category = valuation.BandForMarketCapM(capM)
		}
	}

	result := valuation.Compute(in)
	WriteJSON(w, http.StatusOK, result)
}
