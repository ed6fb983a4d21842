package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/veldt-labs/opsplane/internal/flags"
	"github.com/veldt-labs/opsplane/internal/models"
)

// FlagsHandler administers the feature flag file.
type FlagsHandler struct {
	flags *flags.Store
}

// NewFlagsHandler creates a new FlagsHandler.
func NewFlagsHandler(store *flags.Store) *FlagsHandler {
	return &FlagsHandler{flags: store}
}

// GetAll lists every known flag.
func (h *FlagsHandler) GetAll(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.flags.GetAll())
}

// Set replaces one flag definition and persists the file.
func (h *FlagsHandler) Set(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		WriteError(w, r, http.StatusBadRequest, "bad_request", "flag name required")
		return
	}
	var f models.Flag
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		WriteError(w, r, http.StatusBadRequest, "bad_request", "invalid flag body")
		return
	}
	if f.RolloutPct < 0 || f.RolloutPct > 100 {
		WriteError(w, r, http.StatusBadRequest, "bad_request", "rolloutPct must be in [0,100]")
		return
	}
	if err := h.flags.Set(name, f); err != nil {
		WriteError(w, r, http.StatusInternalServerError, "internal", "failed to persist flag")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "name": name, "flag": f})
}
