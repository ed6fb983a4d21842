package pager

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/veldt-labs/opsplane/internal/effectors"
	"github.com/veldt-labs/opsplane/internal/models"
)

// Config tunes dedup and paging retry behavior.
type Config struct {
	DedupTTL     time.Duration
	EmailTo      string
	PageAttempts int
	BackoffBase  time.Duration
}

func (c *Config) defaults() {
	if c.DedupTTL <= 0 {
		c.DedupTTL = time.Hour
	}
	if c.PageAttempts <= 0 {
		c.PageAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
}

// Result is what Raise reports back to the caller.
type Result struct {
	Fingerprint string   `json:"fingerprint"`
	Deduped     bool     `json:"deduped"`
	Paged       bool     `json:"paged"`
	Channels    []string `json:"channels"`
}

// Pager deduplicates incidents by content fingerprint and routes criticals
// to external channels. The mutex orders the dedup bookkeeping; channel
// delivery runs outside it so a slow page never stalls other raises.
type Pager struct {
	db    *sql.DB
	chat  effectors.ChatEffector
	email effectors.EmailEffector
	cfg   Config
	emit  func(models.Event)
	now   func() time.Time
	sleep func(time.Duration)

	mu sync.Mutex
	// recentFailures holds timestamps of failed page deliveries; the
	// validator reads a windowed count.
	recentFailures []time.Time
}

// New builds the pager. emit receives incident and page events; sleep is
// injectable so tests skip real backoff waits.
func New(db *sql.DB, chat effectors.ChatEffector, email effectors.EmailEffector, cfg Config,
	emit func(models.Event), now func() time.Time) *Pager {
	cfg.defaults()
	if emit == nil {
		emit = func(models.Event) {}
	}
	if now == nil {
		now = time.Now
	}
	return &Pager{db: db, chat: chat, email: email, cfg: cfg, emit: emit, now: now, sleep: time.Sleep}
}

// SetSleep overrides the backoff sleep; tests use a no-op.
func (p *Pager) SetSleep(fn func(time.Duration)) { p.sleep = fn }

// Raise records an incident. Repeats of the same fingerprint within the
// dedup TTL fold into the existing record (last_seen, count) and suppress
// paging. Only critical incidents page.
func (p *Pager) Raise(severity models.Severity, msg, source string) (Result, error) {
	now := p.now().UTC()
	fp := models.IncidentFingerprint(severity, source, msg)
	res := Result{Fingerprint: fp}

	if err := p.record(&res, fp, severity, msg, source, now); err != nil {
		return res, err
	}

	p.emit(models.Event{
		Kind:        models.KindIncident,
		Source:      source,
		Fingerprint: fp,
		Payload: map[string]any{
			"severity":  string(severity),
			"msg":       msg,
			"duplicate": res.Deduped,
		},
	})

	if severity == models.SeverityCritical && !res.Deduped {
		res.Channels, res.Paged = p.page(fp, msg, severity)
	}
	return res, nil
}

// record folds the raise into the incident table under the mutex. The
// serialized dedup decision is what guarantees at most one non-deduped
// raise per fingerprint per TTL, so paging can happen lock-free after.
func (p *Pager) record(res *Result, fp string, severity models.Severity, msg, source string, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastSeen time.Time
	var count int
	err := p.db.QueryRow("SELECT last_seen, count FROM incidents WHERE fingerprint = ?", fp).Scan(&lastSeen, &count)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := p.db.Exec(`INSERT INTO incidents (fingerprint, severity, message, source, first_seen, last_seen, count)
			VALUES (?, ?, ?, ?, ?, ?, 1)`, fp, string(severity), msg, source, now, now); err != nil {
			return err
		}
	case err != nil:
		return err
	case now.Sub(lastSeen) < p.cfg.DedupTTL:
		res.Deduped = true
		if _, err := p.db.Exec("UPDATE incidents SET last_seen = ?, count = count + 1 WHERE fingerprint = ?", now, fp); err != nil {
			return err
		}
	default:
		// Stale incident class: a fresh occurrence restarts the window.
		if _, err := p.db.Exec(`UPDATE incidents SET severity = ?, message = ?, first_seen = ?, last_seen = ?, count = 1
			WHERE fingerprint = ?`, string(severity), msg, now, now, fp); err != nil {
			return err
		}
	}
	return nil
}

// page tries channels in order: chat webhook, then email. Each channel gets
// bounded exponential backoff; every attempt writes a page event with the
// status code it saw.
func (p *Pager) page(fp, msg string, severity models.Severity) ([]string, bool) {
	if ok := p.pageChat(fp, msg, severity); ok {
		return []string{"chat"}, true
	}
	if ok := p.pageEmail(fp, msg, severity); ok {
		return []string{"email"}, true
	}
	p.mu.Lock()
	p.recentFailures = append(p.recentFailures, p.now().UTC())
	p.mu.Unlock()
	return nil, false
}

func (p *Pager) pageChat(fp, msg string, severity models.Severity) bool {
	for attempt := 0; attempt < p.cfg.PageAttempts; attempt++ {
		if attempt > 0 {
			p.sleep(p.cfg.BackoffBase * (1 << (attempt - 1)))
		}
		ctx, cancel := context.WithTimeout(context.Background(), effectors.DefaultTimeout)
		status, err := p.chat.Post(ctx, msg, string(severity))
		cancel()
		p.emitPage(fp, "chat", severity, status)
		if err == nil {
			return true
		}
		if !effectors.IsRetryable(err) {
			return false
		}
	}
	return false
}

func (p *Pager) pageEmail(fp, msg string, severity models.Severity) bool {
	for attempt := 0; attempt < p.cfg.PageAttempts; attempt++ {
		if attempt > 0 {
			p.sleep(p.cfg.BackoffBase * (1 << (attempt - 1)))
		}
		ctx, cancel := context.WithTimeout(context.Background(), effectors.DefaultTimeout)
		err := p.email.Send(ctx, p.cfg.EmailTo, "[CRITICAL] incident "+fp, msg)
		cancel()
		status := 200
		if err != nil {
			status = 0
		}
		p.emitPage(fp, "email", severity, status)
		if err == nil {
			return true
		}
		if !effectors.IsRetryable(err) {
			return false
		}
	}
	return false
}

func (p *Pager) emitPage(fp, channel string, severity models.Severity, status int) {
	p.emit(models.Event{
		Kind:        models.KindPage,
		Source:      "pager",
		Fingerprint: fp,
		Payload: map[string]any{
			"severity":    string(severity),
			"channel":     channel,
			"status_code": status,
		},
	})
	if status == 0 || status >= 400 {
		log.Warn().Str("channel", channel).Int("status", status).Msg("Pager: page attempt failed")
	}
}

// RecentPageFailures counts fully failed pages inside the window; the
// self-validator compares it against its threshold.
func (p *Pager) RecentPageFailures(window time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := p.now().UTC().Add(-window)
	kept := p.recentFailures[:0]
	n := 0
	for _, ts := range p.recentFailures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
			n++
		}
	}
	p.recentFailures = kept
	return n
}

// Recent lists incidents last seen inside the window, newest first.
func (p *Pager) Recent(window time.Duration, limit int) ([]models.Incident, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := p.now().UTC().Add(-window)
	rows, err := p.db.Query(`SELECT fingerprint, severity, message, source, first_seen, last_seen, count
		FROM incidents WHERE last_seen >= ? ORDER BY last_seen DESC LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Incident
	for rows.Next() {
		var inc models.Incident
		var sev string
		if err := rows.Scan(&inc.Fingerprint, &sev, &inc.Message, &inc.Source, &inc.FirstSeen, &inc.LastSeen, &inc.Count); err != nil {
			return nil, err
		}
		inc.Severity = models.Severity(sev)
		out = append(out, inc)
	}
	return out, rows.Err()
}
