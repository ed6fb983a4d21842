package metrics

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/veldt-labs/opsplane/internal/eventlog"
	"github.com/veldt-labs/opsplane/internal/kvstore"
	"github.com/veldt-labs/opsplane/internal/models"
)

// SnapshotKey is where the latest SLO snapshot lives in the KV store.
const SnapshotKey = "slo_snapshot"

// Targets are the configurable SLO targets.
type Targets struct {
	AvailabilityPct   float64
	P95Ms             float64
	P99Ms             float64
	WebhookSuccessPct float64
	BurnCriticalPct   float64 // daily burn-rate threshold
	WindowDays        int
}

// Engine derives SLO compliance from the event log. It owns its snapshots
// and never mutates the logs it reads.
type Engine struct {
	store   *eventlog.Store
	kv      *kvstore.Store
	targets Targets
	exp     *Exporter
	now     func() time.Time
	// ScanLimit bounds how many events one recompute reads.
	ScanLimit int
}

// NewEngine wires the engine. exp may be nil when no scrape surface is
// mounted (tests); now nil means wall clock.
func NewEngine(store *eventlog.Store, kv *kvstore.Store, targets Targets, exp *Exporter, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	if targets.WindowDays < 1 {
		targets.WindowDays = 30
	}
	return &Engine{store: store, kv: kv, targets: targets, exp: exp, now: now, ScanLimit: 200000}
}

// Recompute scans the rolling window and produces a fresh snapshot, storing
// it in KV and appending one slo_snapshot event.
func (e *Engine) Recompute() (*models.SLOSnapshot, error) {
	now := e.now().UTC()
	since := now.AddDate(0, 0, -e.targets.WindowDays)

	events, err := e.store.ScanAll(eventlog.Query{
		Kinds: []models.Kind{models.KindHTTPTrace, models.KindWebhookDelivery},
		Since: since,
		Limit: e.ScanLimit,
	})
	if err != nil {
		return nil, err
	}

	var (
		requests  int
		successes int
		durations []float64
		hooks     int
		hookOK    int
	)
	for _, ev := range events {
		switch ev.Kind {
		case models.KindHTTPTrace:
			requests++
			if ev.PayloadFloat("status") < 500 {
				successes++
			}
			durations = append(durations, ev.PayloadFloat("duration_ms"))
		case models.KindWebhookDelivery:
			hooks++
			if ev.PayloadBool("ok") {
				hookOK++
			}
		}
	}

	snap := &models.SLOSnapshot{
		GeneratedAt:       now,
		WindowDays:        e.targets.WindowDays,
		RequestCount:      requests,
		AvailabilityPct:   100,
		WebhookSuccessPct: 100,
		Budgets:           map[string]models.ErrorBudget{},
	}
	if requests > 0 {
		snap.AvailabilityPct = round2(float64(successes) / float64(requests) * 100)
		snap.P50Ms = Percentile(durations, 50)
		snap.P95Ms = Percentile(durations, 95)
		snap.P99Ms = Percentile(durations, 99)
	}
	if hooks > 0 {
		snap.WebhookSuccessPct = round2(float64(hookOK) / float64(hooks) * 100)
	}

	snap.Budgets["availability"] = budget(e.targets.AvailabilityPct, snap.AvailabilityPct, e.targets.WindowDays, e.targets.BurnCriticalPct)
	snap.Budgets["webhook_success"] = budget(e.targets.WebhookSuccessPct, snap.WebhookSuccessPct, e.targets.WindowDays, e.targets.BurnCriticalPct)

	if snap.AvailabilityPct < e.targets.AvailabilityPct {
		snap.Breaches = append(snap.Breaches, "availability")
	}
	if requests > 0 && snap.P95Ms > e.targets.P95Ms {
		snap.Breaches = append(snap.Breaches, "p95_latency")
	}
	if requests > 0 && snap.P99Ms > e.targets.P99Ms {
		snap.Breaches = append(snap.Breaches, "p99_latency")
	}
	if snap.WebhookSuccessPct < e.targets.WebhookSuccessPct {
		snap.Breaches = append(snap.Breaches, "webhook_success")
	}
	snap.Status = "ok"
	if len(snap.Breaches) > 0 {
		snap.Status = "breach"
	}

	if err := e.kv.PutJSON(SnapshotKey, snap, 0); err != nil {
		return nil, err
	}
	if _, err := e.store.Append("metrics", models.NewEvent(models.KindSLOSnapshot, "metrics", map[string]any{
		"window_days":         snap.WindowDays,
		"availability_pct":    snap.AvailabilityPct,
		"p95_ms":              snap.P95Ms,
		"p99_ms":              snap.P99Ms,
		"webhook_success_pct": snap.WebhookSuccessPct,
		"status":              snap.Status,
	})); err != nil {
		log.Error().Err(err).Msg("Metrics: failed to append slo_snapshot event")
	}

	if e.exp != nil {
		for name, b := range snap.Budgets {
			e.exp.SetBudgetRemaining(name, b.RemainingPct)
		}
	}
	return snap, nil
}

// Latest reads the stored snapshot from KV, or nil when none exists yet.
func (e *Engine) Latest() (*models.SLOSnapshot, error) {
	var snap models.SLOSnapshot
	if err := e.kv.GetJSON(SnapshotKey, &snap); err != nil {
		if err == kvstore.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &snap, nil
}

// RouteStats is the per-route latency breakdown for the admin surface.
type RouteStats struct {
	Route string  `json:"route"`
	Count int     `json:"count"`
	P50Ms float64 `json:"p50Ms"`
	P95Ms float64 `json:"p95Ms"`
	P99Ms float64 `json:"p99Ms"`
}

// LatencyByRoute groups http_trace durations by route over the window and
// refreshes the per-route p95 gauges.
func (e *Engine) LatencyByRoute() ([]RouteStats, error) {
	since := e.now().UTC().AddDate(0, 0, -e.targets.WindowDays)
	events, err := e.store.ScanAll(eventlog.Query{
		Kinds: []models.Kind{models.KindHTTPTrace},
		Since: since,
		Limit: e.ScanLimit,
	})
	if err != nil {
		return nil, err
	}

	byRoute := map[string][]float64{}
	for _, ev := range events {
		route := ev.PayloadString("route")
		if route == "" {
			route = "unknown"
		}
		byRoute[route] = append(byRoute[route], ev.PayloadFloat("duration_ms"))
	}

	out := make([]RouteStats, 0, len(byRoute))
	for route, durations := range byRoute {
		rs := RouteStats{
			Route: route,
			Count: len(durations),
			P50Ms: Percentile(durations, 50),
			P95Ms: Percentile(durations, 95),
			P99Ms: Percentile(durations, 99),
		}
		out = append(out, rs)
		if e.exp != nil {
			e.exp.SetRouteP95(route, rs.P95Ms)
		}
	}
	return out, nil
}
