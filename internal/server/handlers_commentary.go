package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mstrand/appraise/internal/models"
	"github.com/mstrand/appraise/internal/services/commentary"
)

// handleCommentary handles POST /api/commentary.
func (s *Server) handleCommentary(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req models.CommentaryRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Symbol == "" {
		WriteError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	resp, err := s.app.CommentaryService.Generate(r.Context(), &req, ClientIP(r))
	if err != nil {
		var limited *commentary.RateLimitedError
		if errors.As(err, &limited) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(limited.RetryAfter.Seconds())))
			WriteError(w, http.StatusTooManyRequests, "Commentary rate limit exceeded, try again shortly")
			return
		}
		WriteError(w, http.StatusInternalServerError, fmt.Sprintf("Commentary error: %v", err))
		return
	}

	if resp.Cached {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	WriteJSON(w, http.StatusOK, resp)
}
