// Package reports builds the scheduled operational summaries: the morning
// brief, the full daily report and the weekly business pulse.
package reports

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/veldt-labs/opsplane/internal/effectors"
	"github.com/veldt-labs/opsplane/internal/metrics"
	"github.com/veldt-labs/opsplane/internal/pager"
)

// Reporter aggregates metrics and incidents into human-facing summaries
// and delivers them through the email and knowledge-base effectors.
type Reporter struct {
	engine   *metrics.Engine
	pager    *pager.Pager
	email    effectors.EmailEffector
	kb       effectors.KBEffector
	business *effectors.BusinessClient
	dir      string
	to       string
	now      func() time.Time
}

// New wires a reporter. kb and business may be nil; delivery then stops at
// the email channel and the report files.
func New(engine *metrics.Engine, pg *pager.Pager, email effectors.EmailEffector,
	kb effectors.KBEffector, business *effectors.BusinessClient, dir, to string, now func() time.Time) *Reporter {
	if now == nil {
		now = time.Now
	}
	return &Reporter{engine: engine, pager: pg, email: email, kb: kb,
		business: business, dir: dir, to: to, now: now}
}

// DailyBrief is the 08:00 summary: SLO posture and overnight incidents.
func (r *Reporter) DailyBrief(ctx context.Context) error {
	snap, err := r.engine.Latest()
	if err != nil {
		return fmt.Errorf("reports: load snapshot: %w", err)
	}
	incidents, err := r.pager.Recent(24*time.Hour, 50)
	if err != nil {
		return fmt.Errorf("reports: list incidents: %w", err)
	}

	var b strings.Builder
	date := r.now().UTC().Format("2006-01-02")
	fmt.Fprintf(&b, "# Ops brief %s\n\n", date)
	if snap == nil {
		b.WriteString("No SLO snapshot computed yet.\n")
	} else {
		fmt.Fprintf(&b, "Availability %.2f%% (target window %dd), p95 %.0fms, p99 %.0fms, status %s.\n",
			snap.AvailabilityPct, snap.WindowDays, snap.P95Ms, snap.P99Ms, snap.Status)
		for name, budget := range snap.Budgets {
			fmt.Fprintf(&b, "- budget %s: %.1f%% remaining (%s)\n", name, budget.RemainingPct, budget.Status)
		}
	}
	fmt.Fprintf(&b, "\nIncidents in the last 24h: %d\n", len(incidents))
	for _, inc := range incidents {
		fmt.Fprintf(&b, "- [%s] %s (x%d, source %s)\n", inc.Severity, inc.Message, inc.Count, inc.Source)
	}

	if err := r.writeFile(date, "brief.md", b.String()); err != nil {
		return err
	}
	return r.deliver(ctx, "Ops brief "+date, b.String(), "brief-"+date)
}

// DailyReport is the 09:00 full report: the brief plus per-route latency.
func (r *Reporter) DailyReport(ctx context.Context) error {
	routes, err := r.engine.LatencyByRoute()
	if err != nil {
		return fmt.Errorf("reports: latency breakdown: %w", err)
	}
	snap, err := r.engine.Latest()
	if err != nil {
		return fmt.Errorf("reports: load snapshot: %w", err)
	}

	var b strings.Builder
	date := r.now().UTC().Format("2006-01-02")
	fmt.Fprintf(&b, "# Daily report %s\n\n", date)
	if snap != nil {
		fmt.Fprintf(&b, "Requests in window: %d, availability %.2f%%.\n\n", snap.RequestCount, snap.AvailabilityPct)
	}
	b.WriteString("| route | count | p50 | p95 | p99 |\n|---|---|---|---|---|\n")
	for _, rs := range routes {
		fmt.Fprintf(&b, "| %s | %d | %.0f | %.0f | %.0f |\n", rs.Route, rs.Count, rs.P50Ms, rs.P95Ms, rs.P99Ms)
	}

	if err := r.writeFile(date, "report.md", b.String()); err != nil {
		return err
	}
	return r.deliver(ctx, "Daily report "+date, b.String(), "report-"+date)
}

// pulse is the shape the business endpoint returns for the weekly rollup.
// Unknown fields are ignored; missing ones zero out.
type pulse struct {
	ActiveCustomers int     `json:"active_customers"`
	RevenueUSD      float64 `json:"revenue_usd"`
	ChurnPct        float64 `json:"churn_pct"`
}

// WeeklyPulse pulls business numbers from the external endpoint and pairs
// them with the week's operational posture.
func (r *Reporter) WeeklyPulse(ctx context.Context) error {
	var b strings.Builder
	date := r.now().UTC().Format("2006-01-02")
	fmt.Fprintf(&b, "# Weekly pulse %s\n\n", date)

	if r.business != nil {
		var p pulse
		if err := r.business.GetJSON(ctx, "/v1/rollup/weekly", &p); err != nil {
			// The pulse still goes out with ops numbers only.
			log.Warn().Err(err).Msg("Reports: business rollup unavailable")
			b.WriteString("Business rollup unavailable this week.\n")
		} else {
			fmt.Fprintf(&b, "Active customers %d, revenue $%.2f, churn %.1f%%.\n",
				p.ActiveCustomers, p.RevenueUSD, p.ChurnPct)
		}
	}

	snap, err := r.engine.Latest()
	if err != nil {
		return fmt.Errorf("reports: load snapshot: %w", err)
	}
	if snap != nil {
		fmt.Fprintf(&b, "Availability %.2f%%, worst budget %s.\n", snap.AvailabilityPct, snap.WorstBudget())
	}

	if err := r.writeFile(date, "pulse.md", b.String()); err != nil {
		return err
	}
	return r.deliver(ctx, "Weekly pulse "+date, b.String(), "pulse-"+date)
}

// writeFile lands the report under reports/<date>/.
func (r *Reporter) writeFile(date, name, body string) error {
	dir := filepath.Join(r.dir, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("reports: create %s: %w", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		return fmt.Errorf("reports: write %s: %w", name, err)
	}
	return nil
}

// deliver sends by email and mirrors to the knowledge base. A retryable
// email failure bubbles up so the queue retries the whole body; the KB
// mirror is best effort.
func (r *Reporter) deliver(ctx context.Context, subject, body, pageID string) error {
	if r.email != nil {
		if err := r.email.Send(ctx, r.to, subject, body); err != nil {
			return err
		}
	}
	if r.kb != nil {
		if err := r.kb.UpsertPage(ctx, pageID, map[string]any{
			"title": subject,
			"body":  body,
		}); err != nil {
			log.Warn().Err(err).Str("page", pageID).Msg("Reports: KB mirror failed")
		}
	}
	return nil
}
