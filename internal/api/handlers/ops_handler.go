package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/veldt-labs/opsplane/internal/models"
	"github.com/veldt-labs/opsplane/internal/pager"
	"github.com/veldt-labs/opsplane/internal/queue"
	"github.com/veldt-labs/opsplane/internal/validator"
)

// SelfHealJobKind names the job the self-heal endpoint and the scheduled
// sweep both enqueue.
const SelfHealJobKind = "self_heal"

// OpsHandler serves the operational actions: self-heal, rollback
// suggestion, queue inspection and incident listing.
type OpsHandler struct {
	queue *queue.Queue
	pager *pager.Pager
	now   func() time.Time
}

// NewOpsHandler creates a new OpsHandler.
func NewOpsHandler(q *queue.Queue, p *pager.Pager, now func() time.Time) *OpsHandler {
	if now == nil {
		now = time.Now
	}
	return &OpsHandler{queue: q, pager: p, now: now}
}

// SelfHeal enqueues a self-heal sweep at critical priority. Repeated calls
// within the same minute collapse onto one job.
func (h *OpsHandler) SelfHeal(w http.ResponseWriter, r *http.Request) {
	h.enqueueOp(w, r, SelfHealJobKind, map[string]any{"trigger": "api"})
}

// RollbackSuggest enqueues a rollback suggestion, the same effect the
// self-validator produces on a critical verdict.
func (h *OpsHandler) RollbackSuggest(w http.ResponseWriter, r *http.Request) {
	h.enqueueOp(w, r, validator.RollbackJobKind, map[string]any{"trigger": "api"})
}

func (h *OpsHandler) enqueueOp(w http.ResponseWriter, r *http.Request, kind string, payload map[string]any) {
	data, _ := json.Marshal(payload)
	minute := h.now().UTC().Truncate(time.Minute).Format(time.RFC3339)
	id, err := h.queue.Enqueue(kind, data, models.PriorityCritical, fmt.Sprintf("%s:%s", kind, minute))
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, "internal", "failed to enqueue "+kind)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]any{"ok": true, "job_id": id})
}

// QueueStats reports backlog, in-flight and DLQ sizes plus the mode.
func (h *OpsHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats()
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, "internal", "failed to read queue stats")
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// QueueRedrive moves DLQ jobs back to enqueued. Query param limit bounds
// the batch, default 50.
func (h *OpsHandler) QueueRedrive(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			WriteError(w, r, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	moved, err := h.queue.Redrive(limit)
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, "internal", "redrive failed")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "redriven": moved})
}

// RecentIncidents lists incidents last seen in the past 24h.
func (h *OpsHandler) RecentIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := h.pager.Recent(24*time.Hour, 200)
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, "internal", "failed to list incidents")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"incidents": incidents, "count": len(incidents)})
}
