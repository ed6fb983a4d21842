// Package validator runs the periodic self-check: is the control plane
// itself healthy enough to be trusted with automated actions?
package validator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/veldt-labs/opsplane/internal/effectors"
	"github.com/veldt-labs/opsplane/internal/kvstore"
	"github.com/veldt-labs/opsplane/internal/models"
	"github.com/veldt-labs/opsplane/internal/queue"
	"github.com/veldt-labs/opsplane/internal/scheduler"
)

// RollbackJobKind names the job enqueued when the validator grades the
// system critical.
const RollbackJobKind = "rollback_suggest"

// SLOSource exposes the latest SLO snapshot.
type SLOSource interface {
	Latest() (*models.SLOSnapshot, error)
}

// PageFailures counts fully failed pages inside a window.
type PageFailures interface {
	RecentPageFailures(window time.Duration) int
}

// QueueInspector exposes queue health plus the enqueue path for the
// rollback suggestion.
type QueueInspector interface {
	Stats() (queue.Stats, error)
	Enqueue(kind string, payload json.RawMessage, priority models.Priority, idempotencyKey string) (string, error)
}

// Config tunes the check thresholds.
type Config struct {
	HeartbeatMax      time.Duration
	SLOInterval       time.Duration
	DLQThreshold      int
	PageFailureMax    int
	PageFailureWindow time.Duration
	ProbeTimeout      time.Duration
	RetentionMax      time.Duration
}

func (c *Config) defaults() {
	if c.HeartbeatMax <= 0 {
		c.HeartbeatMax = 2 * time.Minute
	}
	if c.SLOInterval <= 0 {
		c.SLOInterval = 5 * time.Minute
	}
	if c.DLQThreshold <= 0 {
		c.DLQThreshold = 10
	}
	if c.PageFailureMax <= 0 {
		c.PageFailureMax = 1
	}
	if c.PageFailureWindow <= 0 {
		c.PageFailureWindow = 15 * time.Minute
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.RetentionMax <= 0 {
		c.RetentionMax = 48 * time.Hour
	}
}

// Check is one pass/fail probe with a human-readable detail. Hard checks
// grade the whole run critical on their own.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Hard   bool   `json:"hard,omitempty"`
	Detail string `json:"detail"`
}

// Report grades the whole system from the individual checks.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	Status      string    `json:"status"` // healthy, warning, critical
	Failing     int       `json:"failing"`
	Checks      []Check   `json:"checks"`
	Rollback    bool      `json:"rollback_suggested"`
}

// ReportKey is the KV slot holding the latest report.
const ReportKey = "validation_report"

// Validator wires the check inputs together.
type Validator struct {
	kv      *kvstore.Store
	slo     SLOSource
	pages   PageFailures
	queue   QueueInspector
	probers []effectors.Prober
	cfg     Config
	emit    func(models.Event)
	now     func() time.Time
}

func New(kv *kvstore.Store, slo SLOSource, pages PageFailures, q QueueInspector,
	probers []effectors.Prober, cfg Config, emit func(models.Event), now func() time.Time) *Validator {
	cfg.defaults()
	if emit == nil {
		emit = func(models.Event) {}
	}
	if now == nil {
		now = time.Now
	}
	return &Validator{kv: kv, slo: slo, pages: pages, queue: q, probers: probers,
		cfg: cfg, emit: emit, now: now}
}

// Run executes every check once, persists the report and emits a single
// validation_tick event. Three or more failing checks grade the run
// critical and enqueue a rollback suggestion.
func (v *Validator) Run(ctx context.Context) (Report, error) {
	now := v.now().UTC()
	rep := Report{GeneratedAt: now}

	rep.Checks = append(rep.Checks, v.checkHeartbeat(now))
	rep.Checks = append(rep.Checks, v.checkSLO(now)...)
	rep.Checks = append(rep.Checks, v.checkPager())
	rep.Checks = append(rep.Checks, v.checkQueue()...)
	rep.Checks = append(rep.Checks, v.checkRetention(now))
	for _, p := range v.probers {
		rep.Checks = append(rep.Checks, v.checkProbe(ctx, p))
	}

	hardFailure := false
	for _, c := range rep.Checks {
		if !c.OK {
			rep.Failing++
			if c.Hard {
				hardFailure = true
			}
		}
	}
	switch {
	case rep.Failing == 0:
		rep.Status = "healthy"
	case hardFailure || rep.Failing >= 3:
		rep.Status = "critical"
	default:
		rep.Status = "warning"
	}

	if rep.Status == "critical" && rep.Failing >= 3 {
		payload, _ := json.Marshal(map[string]any{"failing": rep.Failing, "at": now})
		idem := fmt.Sprintf("%s:%s", RollbackJobKind, now.Truncate(time.Minute).Format(time.RFC3339))
		if _, err := v.queue.Enqueue(RollbackJobKind, payload, models.PriorityCritical, idem); err != nil {
			log.Error().Err(err).Msg("Validator: failed to enqueue rollback suggestion")
		} else {
			rep.Rollback = true
		}
	}

	if err := v.kv.PutJSON(ReportKey, rep, 0); err != nil {
		return rep, err
	}
	failNames := make([]string, 0, rep.Failing)
	for _, c := range rep.Checks {
		if !c.OK {
			failNames = append(failNames, c.Name)
		}
	}
	v.emit(models.Event{
		Kind:   models.KindValidationTick,
		Source: "validator",
		Payload: map[string]any{
			"status":   rep.Status,
			"failing":  rep.Failing,
			"checks":   len(rep.Checks),
			"failed":   failNames,
			"rollback": rep.Rollback,
		},
	})
	log.Info().Str("status", rep.Status).Int("failing", rep.Failing).Msg("Validator: self-check complete")
	return rep, nil
}

// Latest returns the last persisted report, or nil when none exists.
func (v *Validator) Latest() (*Report, error) {
	var rep Report
	if err := v.kv.GetJSON(ReportKey, &rep); err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rep, nil
}

func (v *Validator) checkHeartbeat(now time.Time) Check {
	age, err := scheduler.HeartbeatAge(v.kv, now)
	if err != nil {
		return Check{Name: "scheduler_heartbeat", Hard: true, Detail: "no heartbeat recorded"}
	}
	if age > v.cfg.HeartbeatMax {
		return Check{Name: "scheduler_heartbeat", Hard: true, Detail: fmt.Sprintf("heartbeat stale by %s", age.Round(time.Second))}
	}
	return Check{Name: "scheduler_heartbeat", OK: true, Detail: fmt.Sprintf("age %s", age.Round(time.Second))}
}

func (v *Validator) checkSLO(now time.Time) []Check {
	snap, err := v.slo.Latest()
	if err != nil || snap == nil {
		return []Check{{Name: "slo_freshness", Hard: true, Detail: "no snapshot available"}}
	}
	out := make([]Check, 0, 2)
	maxAge := 2 * v.cfg.SLOInterval
	if age := snap.Age(now); age > maxAge {
		out = append(out, Check{Name: "slo_freshness", Hard: true, Detail: fmt.Sprintf("snapshot stale by %s", age.Round(time.Second))})
	} else {
		out = append(out, Check{Name: "slo_freshness", OK: true, Detail: fmt.Sprintf("age %s", age.Round(time.Second))})
	}
	if worst := snap.WorstBudget(); worst == models.BudgetCritical {
		out = append(out, Check{Name: "slo_budget", Detail: "error budget burn critical"})
	} else {
		out = append(out, Check{Name: "slo_budget", OK: true, Detail: string(worst)})
	}
	return out
}

func (v *Validator) checkPager() Check {
	n := v.pages.RecentPageFailures(v.cfg.PageFailureWindow)
	if n > v.cfg.PageFailureMax {
		return Check{Name: "pager_delivery", Detail: fmt.Sprintf("%d failed pages in %s", n, v.cfg.PageFailureWindow)}
	}
	return Check{Name: "pager_delivery", OK: true, Detail: fmt.Sprintf("%d failed pages", n)}
}

func (v *Validator) checkQueue() []Check {
	stats, err := v.queue.Stats()
	if err != nil {
		return []Check{{Name: "queue_mode", Detail: "stats unavailable: " + err.Error()}}
	}
	out := make([]Check, 0, 2)
	switch stats.Mode {
	case queue.ModeAsync:
		out = append(out, Check{Name: "queue_mode", OK: true, Detail: string(stats.Mode)})
	case queue.ModeSyncFallback:
		// Degraded but operable; worth noting, not worth failing.
		out = append(out, Check{Name: "queue_mode", OK: true, Detail: "degraded to " + string(stats.Mode)})
	default:
		out = append(out, Check{Name: "queue_mode", Detail: "unknown mode " + string(stats.Mode)})
	}
	if stats.DLQ > v.cfg.DLQThreshold {
		out = append(out, Check{Name: "queue_dlq", Detail: fmt.Sprintf("%d dead-lettered jobs", stats.DLQ)})
	} else {
		out = append(out, Check{Name: "queue_dlq", OK: true, Detail: fmt.Sprintf("%d dead-lettered jobs", stats.DLQ)})
	}
	return out
}

// RetentionKey is the KV slot the retention task stamps after a
// successful sweep.
const RetentionKey = "retention_last_success"

func (v *Validator) checkRetention(now time.Time) Check {
	raw, err := v.kv.Get(RetentionKey)
	if err != nil {
		// Never swept yet; fresh deployments should not fail on this.
		return Check{Name: "retention_freshness", OK: true, Detail: "no sweep recorded yet"}
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return Check{Name: "retention_freshness", Detail: "unparseable sweep timestamp"}
	}
	if age := now.Sub(ts); age > v.cfg.RetentionMax {
		return Check{Name: "retention_freshness", Detail: fmt.Sprintf("last sweep %s ago", age.Round(time.Hour))}
	}
	return Check{Name: "retention_freshness", OK: true, Detail: "swept " + ts.Format(time.RFC3339)}
}

func (v *Validator) checkProbe(ctx context.Context, p effectors.Prober) Check {
	name := "probe_" + p.Name()
	pctx, cancel := context.WithTimeout(ctx, v.cfg.ProbeTimeout)
	defer cancel()
	if err := p.Probe(pctx); err != nil {
		return Check{Name: name, Detail: err.Error()}
	}
	return Check{Name: name, OK: true, Detail: "reachable"}
}
