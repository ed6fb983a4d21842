package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/veldt-labs/opsplane/internal/eventlog"
	"github.com/veldt-labs/opsplane/internal/metrics"
	"github.com/veldt-labs/opsplane/internal/models"
)

// ObservabilityHandler exposes SLO snapshots, latency breakdowns and the
// recent event feed.
type ObservabilityHandler struct {
	engine *metrics.Engine
	store  *eventlog.Store
}

// NewObservabilityHandler creates a new ObservabilityHandler.
func NewObservabilityHandler(engine *metrics.Engine, store *eventlog.Store) *ObservabilityHandler {
	return &ObservabilityHandler{engine: engine, store: store}
}

// SLO returns the latest stored snapshot.
func (h *ObservabilityHandler) SLO(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.Latest()
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, "internal", "failed to load snapshot")
		return
	}
	if snap == nil {
		WriteError(w, r, http.StatusNotFound, "not_found", "no snapshot computed yet")
		return
	}
	WriteJSON(w, http.StatusOK, snap)
}

// Latency returns the per-route percentile breakdown over the window.
func (h *ObservabilityHandler) Latency(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.LatencyByRoute()
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, "internal", "failed to compute latency breakdown")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"routes": stats})
}

// RecentEvents scans the merged event feed. Query params: kinds (comma
// separated), since (RFC3339), limit.
func (h *ObservabilityHandler) RecentEvents(w http.ResponseWriter, r *http.Request) {
	q := eventlog.Query{Limit: 100}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			WriteError(w, r, http.StatusBadRequest, "bad_request", "limit must be an integer in [1,1000]")
			return
		}
		q.Limit = n
	}
	// Without an explicit since, look back one hour so the limit trims the
	// tail of the feed rather than its head.
	q.Since = time.Now().UTC().Add(-time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			WriteError(w, r, http.StatusBadRequest, "bad_request", "since must be RFC3339")
			return
		}
		q.Since = ts
	}
	if raw := r.URL.Query().Get("kinds"); raw != "" {
		for _, k := range strings.Split(raw, ",") {
			kind := models.Kind(strings.TrimSpace(k))
			if !models.KnownKind(kind) {
				WriteError(w, r, http.StatusBadRequest, "bad_request", "unknown event kind: "+string(kind))
				return
			}
			q.Kinds = append(q.Kinds, kind)
		}
	}

	// Scan wide, then keep the newest n: scans return oldest first and a
	// tight scan limit would trim the wrong end.
	n := q.Limit
	q.Limit = 1000
	events, err := h.store.ScanAll(q)
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, "internal", "failed to scan events")
		return
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	if len(events) > n {
		events = events[:n]
	}
	WriteJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}
