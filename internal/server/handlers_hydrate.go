package server

import (
	"fmt"
	"net/http"
	"strconv"
)

// handleHydrate handles GET /api/screen/hydrate?page=N&symbols=A,B,C.
// symbols carries the full screener list; the service slices out page N and
// warms the symbols behind it in the background.
func (s *Server) handleHydrate(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	symbols := SymbolsParam(r)
	if len(symbols) == 0 {
		WriteError(w, http.StatusBadRequest, "symbols query parameter is required")
		return
	}

	page := 0
	if raw := r.URL.Query().Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteError(w, http.StatusBadRequest, "page must be a non-negative integer")
			return
		}
		page = n
	}

	resp, err := s.app.HydrateService.HydratePage(r.Context(), page, symbols)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, fmt.Sprintf("Hydration error: %v", err))
		return
	}

	setBackoffHeader(w, resp.BackoffUntil)
	WriteJSON(w, http.StatusOK, resp)
}
