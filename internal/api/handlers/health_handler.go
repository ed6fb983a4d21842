package handlers

import (
	"net/http"
	"time"

	"github.com/veldt-labs/opsplane/internal/validator"
)

// HealthHandler serves liveness and the aggregated self-check verdict.
type HealthHandler struct {
	validator *validator.Validator
	started   time.Time
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(v *validator.Validator) *HealthHandler {
	return &HealthHandler{validator: v, started: time.Now()}
}

// Health is the unauthenticated liveness probe.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"ts":       time.Now().UTC().Format(time.RFC3339),
		"uptime_s": int(time.Since(h.started).Seconds()),
	})
}

// SystemHealth returns the latest self-validation report. It never runs
// the checks itself; the scheduler owns that cadence.
func (h *HealthHandler) SystemHealth(w http.ResponseWriter, r *http.Request) {
	rep, err := h.validator.Latest()
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, "internal", "failed to load validation report")
		return
	}
	if rep == nil {
		WriteError(w, r, http.StatusServiceUnavailable, "not_ready", "no validation run recorded yet")
		return
	}
	WriteJSON(w, http.StatusOK, rep)
}
