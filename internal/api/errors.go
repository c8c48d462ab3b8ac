package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/racelog/internal/analysis"
	"github.com/kalambet/racelog/internal/archive"
	"github.com/kalambet/racelog/internal/certstore"
	"github.com/kalambet/racelog/internal/identity"
	"github.com/kalambet/racelog/internal/storage"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// writeError maps a domain error onto the JSON error envelope. what names the
// operation for the message.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error, what string) {
	switch {
	case errors.Is(err, storage.ErrNotAuthorized):
		httpError(w, http.StatusUnauthorized, "not_authorized", "%s: sign in required", what)
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, certstore.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%s: not found", what)
	case errors.Is(err, identity.ErrLoginFailed):
		httpError(w, http.StatusUnauthorized, "login_failed", "%s: %v", what, err)
	case errors.Is(err, analysis.ErrAnalysisFailed):
		logger.Warn("analysis failed", "op", what, "error", err)
		httpError(w, http.StatusBadGateway, "analysis_failed", "%s: %v", what, err)
	case errors.Is(err, archive.ErrSaveInProgress):
		httpError(w, http.StatusConflict, "conflict", "%s: %v", what, err)
	default:
		logger.Error("request failed", "op", what, "error", err)
		httpError(w, http.StatusInternalServerError, "persistence_failed", "%s: %v", what, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
