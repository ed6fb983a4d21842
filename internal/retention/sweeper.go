package retention

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/veldt-labs/opsplane/internal/models"
)

// Forever marks a table that is kept indefinitely.
const Forever = -1

// protected tables are a hard refusal: the sweeper never deletes from them
// regardless of what the policy file says.
var protected = map[string]bool{
	"users":          true,
	"partners":       true,
	"listings":       true,
	"developer_keys": true,
}

// Protected reports whether the table is immune to retention.
func Protected(table string) bool { return protected[table] }

// Policy maps a table to its retention in days (or Forever). TimestampCol
// names the column compared against the cutoff; it defaults per table in
// DefaultPolicies and must be set for file-supplied entries.
type Policy struct {
	Table        string `yaml:"table"`
	Days         int    `yaml:"days"`
	TimestampCol string `yaml:"timestamp_column"`
}

// DefaultPolicies covers the control plane's own tables.
func DefaultPolicies() []Policy {
	return []Policy{
		{Table: "jobs", Days: 30, TimestampCol: "updated_at"},
		{Table: "incidents", Days: 90, TimestampCol: "last_seen"},
		{Table: "retention_audit", Days: 365, TimestampCol: "swept_at"},
	}
}

// LoadPolicyFile merges a YAML policy list over the defaults; entries for
// the same table override. A missing file returns the defaults unchanged.
// Unknown YAML keys are hard errors: a typo in a retention policy must not
// silently default.
func LoadPolicyFile(path string) ([]Policy, error) {
	defaults := DefaultPolicies()
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return defaults, nil
	}
	if err != nil {
		return nil, err
	}
	var fromFile []Policy
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&fromFile); err != nil {
		return nil, fmt.Errorf("retention: parsing %s: %w", path, err)
	}

	merged := map[string]Policy{}
	for _, p := range defaults {
		merged[p.Table] = p
	}
	for _, p := range fromFile {
		if p.TimestampCol == "" {
			if d, ok := merged[p.Table]; ok {
				p.TimestampCol = d.TimestampCol
			} else {
				p.TimestampCol = "created_at"
			}
		}
		merged[p.Table] = p
	}
	out := make([]Policy, 0, len(merged))
	for _, p := range merged {
		out = append(out, p)
	}
	return out, nil
}

// SweepResult is the outcome for one table.
type SweepResult struct {
	Table   string `json:"table"`
	Deleted int64  `json:"deleted"`
	Skipped string `json:"skipped,omitempty"` // reason, when nothing was attempted
	DryRun  bool   `json:"dryRun"`
}

// Sweeper enforces per-table retention against the shared database and
// prunes aged event-log segments. It never touches protected tables.
type Sweeper struct {
	db       *sql.DB
	policies []Policy
	dryRun   bool
	emit     func(models.Event)
	now      func() time.Time

	// extra prune hooks (expired KV rows, terminal jobs, old segments)
	hooks []func() (string, int64, error)
}

// NewSweeper builds a sweeper; emit receives retention_sweep events.
func NewSweeper(db *sql.DB, policies []Policy, dryRun bool, emit func(models.Event), now func() time.Time) *Sweeper {
	if emit == nil {
		emit = func(models.Event) {}
	}
	if now == nil {
		now = time.Now
	}
	return &Sweeper{db: db, policies: policies, dryRun: dryRun, emit: emit, now: now}
}

// AddHook registers an auxiliary prune step run after the table sweep, e.g.
// expired KV rows or terminal queue jobs. name labels its audit entry.
func (s *Sweeper) AddHook(name string, fn func() (int64, error)) {
	s.hooks = append(s.hooks, func() (string, int64, error) {
		n, err := fn()
		return name, n, err
	})
}

// Sweep applies every policy once. Schema mismatches and missing tables are
// warnings, not failures; a protected table in the policy list is refused
// and logged. One retention_sweep event is written per table; the whole run
// is summarized in a single compliance audit row.
func (s *Sweeper) Sweep() ([]SweepResult, error) {
	now := s.now().UTC()
	var results []SweepResult

	for _, p := range s.policies {
		res := SweepResult{Table: p.Table, DryRun: s.dryRun}

		switch {
		case Protected(p.Table):
			res.Skipped = "protected"
			log.Warn().Str("table", p.Table).Msg("retention_protected_skip")
		case p.Days == Forever || p.Days <= 0 && p.Days != Forever:
			if p.Days == Forever {
				res.Skipped = "forever"
			} else {
				res.Skipped = "invalid_days"
				log.Warn().Str("table", p.Table).Int("days", p.Days).Msg("Retention: invalid policy days")
			}
		default:
			cutoff := now.AddDate(0, 0, -p.Days)
			deleted, err := s.sweepTable(p, cutoff)
			if err != nil {
				// Missing table or schema drift: warn and continue.
				res.Skipped = "error: " + err.Error()
				log.Warn().Err(err).Str("table", p.Table).Msg("Retention: sweep skipped")
			} else {
				res.Deleted = deleted
			}
		}

		s.emit(models.NewEvent(models.KindRetentionSweep, "retention", map[string]any{
			"table":   res.Table,
			"deleted": res.Deleted,
			"dry_run": res.DryRun,
			"skipped": res.Skipped,
		}))
		results = append(results, res)
	}

	for _, hook := range s.hooks {
		name, n, err := hook()
		if err != nil {
			log.Warn().Err(err).Str("hook", name).Msg("Retention: prune hook failed")
			continue
		}
		res := SweepResult{Table: name, Deleted: n, DryRun: false}
		s.emit(models.NewEvent(models.KindRetentionSweep, "retention", map[string]any{
			"table": name, "deleted": n, "dry_run": false,
		}))
		results = append(results, res)
	}
	s.audit(results)
	return results, nil
}

func (s *Sweeper) sweepTable(p Policy, cutoff time.Time) (int64, error) {
	if s.dryRun {
		var n int64
		err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s < ?", p.Table, p.TimestampCol), cutoff).Scan(&n)
		return n, err
	}
	res, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s < ?", p.Table, p.TimestampCol), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// audit writes the one compliance entry summarizing the whole run:
// per-table counts in the summary column, total rows removed in deleted.
func (s *Sweeper) audit(results []SweepResult) {
	var total int64
	parts := make([]string, 0, len(results))
	for _, r := range results {
		if r.Skipped != "" {
			parts = append(parts, r.Table+"=skip")
			continue
		}
		total += r.Deleted
		parts = append(parts, fmt.Sprintf("%s=%d", r.Table, r.Deleted))
	}
	dry := 0
	if s.dryRun {
		dry = 1
	}
	if _, err := s.db.Exec("INSERT INTO retention_audit (id, summary, deleted, dry_run) VALUES (?, ?, ?, ?)",
		uuid.New().String(), strings.Join(parts, ","), total, dry); err != nil {
		log.Error().Err(err).Msg("Retention: audit insert failed")
	}
}
