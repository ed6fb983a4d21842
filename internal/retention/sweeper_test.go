package retention

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veldt-labs/opsplane/internal/database"
	"github.com/veldt-labs/opsplane/internal/models"
)

func newDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(db))
	return db
}

func seedTable(t *testing.T, db *sql.DB, table string, ages ...time.Duration) {
	t.Helper()
	_, err := db.Exec("CREATE TABLE IF NOT EXISTS " + table + " (id INTEGER PRIMARY KEY AUTOINCREMENT, created_at DATETIME NOT NULL)")
	require.NoError(t, err)
	now := time.Date(2025, 1, 10, 2, 30, 0, 0, time.UTC)
	for _, age := range ages {
		_, err := db.Exec("INSERT INTO "+table+" (created_at) VALUES (?)", now.Add(-age))
		require.NoError(t, err)
	}
}

func count(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestSweepDeletesPastCutoff(t *testing.T) {
	db := newDB(t)
	seedTable(t, db, "webhook_log", 24*time.Hour, 40*24*time.Hour, 90*24*time.Hour)
	now := time.Date(2025, 1, 10, 2, 30, 0, 0, time.UTC)

	var events []models.Event
	s := NewSweeper(db, []Policy{{Table: "webhook_log", Days: 30, TimestampCol: "created_at"}},
		false, func(e models.Event) { events = append(events, e) }, func() time.Time { return now })

	results, err := s.Sweep()
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, int64(2), results[0].Deleted)
	require.Equal(t, 1, count(t, db, "webhook_log"))

	require.Len(t, events, 1)
	require.Equal(t, models.KindRetentionSweep, events[0].Kind)
	require.Equal(t, "webhook_log", events[0].PayloadString("table"))

	// One audit row per run.
	require.Equal(t, 1, count(t, db, "retention_audit"))
}

func TestProtectedTablesRefused(t *testing.T) {
	db := newDB(t)
	seedTable(t, db, "users", 400*24*time.Hour)
	now := time.Date(2025, 1, 10, 2, 30, 0, 0, time.UTC)

	s := NewSweeper(db, []Policy{{Table: "users", Days: 1, TimestampCol: "created_at"}},
		false, nil, func() time.Time { return now })
	results, err := s.Sweep()
	require.NoError(t, err)
	require.Equal(t, "protected", results[0].Skipped)
	require.Equal(t, int64(0), results[0].Deleted)
	require.Equal(t, 1, count(t, db, "users"), "protected rows must survive")
}

func TestDryRunCountsOnly(t *testing.T) {
	db := newDB(t)
	seedTable(t, db, "webhook_log", 40*24*time.Hour, 50*24*time.Hour)
	now := time.Date(2025, 1, 10, 2, 30, 0, 0, time.UTC)

	s := NewSweeper(db, []Policy{{Table: "webhook_log", Days: 30, TimestampCol: "created_at"}},
		true, nil, func() time.Time { return now })
	results, err := s.Sweep()
	require.NoError(t, err)
	require.Equal(t, int64(2), results[0].Deleted)
	require.True(t, results[0].DryRun)
	require.Equal(t, 2, count(t, db, "webhook_log"), "dry run must not delete")
}

func TestMissingTableIsWarning(t *testing.T) {
	db := newDB(t)
	now := time.Date(2025, 1, 10, 2, 30, 0, 0, time.UTC)
	s := NewSweeper(db, []Policy{{Table: "never_created", Days: 7, TimestampCol: "created_at"}},
		false, nil, func() time.Time { return now })
	results, err := s.Sweep()
	require.NoError(t, err, "missing table must not fail the sweep")
	require.Contains(t, results[0].Skipped, "error")
}

func TestForeverKept(t *testing.T) {
	db := newDB(t)
	seedTable(t, db, "ledger", 1000*24*time.Hour)
	now := time.Date(2025, 1, 10, 2, 30, 0, 0, time.UTC)
	s := NewSweeper(db, []Policy{{Table: "ledger", Days: Forever, TimestampCol: "created_at"}},
		false, nil, func() time.Time { return now })
	results, err := s.Sweep()
	require.NoError(t, err)
	require.Equal(t, "forever", results[0].Skipped)
	require.Equal(t, 1, count(t, db, "ledger"))
}

func TestHooksRunAndAudit(t *testing.T) {
	db := newDB(t)
	now := time.Date(2025, 1, 10, 2, 30, 0, 0, time.UTC)
	s := NewSweeper(db, nil, false, nil, func() time.Time { return now })
	s.AddHook("kv_expired", func() (int64, error) { return 3, nil })

	results, err := s.Sweep()
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "kv_expired", results[0].Table)
	require.Equal(t, int64(3), results[0].Deleted)
}

func TestSweepWritesSingleAuditEntry(t *testing.T) {
	db := newDB(t)
	seedTable(t, db, "webhook_log", 40*24*time.Hour, 50*24*time.Hour)
	seedTable(t, db, "audit_trail", 40*24*time.Hour)
	now := time.Date(2025, 1, 10, 2, 30, 0, 0, time.UTC)

	s := NewSweeper(db, []Policy{
		{Table: "webhook_log", Days: 30, TimestampCol: "created_at"},
		{Table: "audit_trail", Days: 30, TimestampCol: "created_at"},
	}, false, nil, func() time.Time { return now })
	s.AddHook("kv_expired", func() (int64, error) { return 3, nil })

	_, err := s.Sweep()
	require.NoError(t, err)

	require.Equal(t, 1, count(t, db, "retention_audit"), "one compliance entry per run")
	var summary string
	var deleted int64
	require.NoError(t, db.QueryRow("SELECT summary, deleted FROM retention_audit").Scan(&summary, &deleted))
	require.Contains(t, summary, "webhook_log=2")
	require.Contains(t, summary, "audit_trail=1")
	require.Contains(t, summary, "kv_expired=3")
	require.Equal(t, int64(6), deleted)
}

func TestPolicyFileMergeAndUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "retention.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"- table: webhook_log\n  days: 14\n  timestamp_column: created_at\n- table: jobs\n  days: 10\n"), 0o644))

	policies, err := LoadPolicyFile(path)
	require.NoError(t, err)
	byTable := map[string]Policy{}
	for _, p := range policies {
		byTable[p.Table] = p
	}
	require.Equal(t, 14, byTable["webhook_log"].Days)
	require.Equal(t, 10, byTable["jobs"].Days, "file entry overrides default")
	require.Equal(t, "updated_at", byTable["jobs"].TimestampCol, "default column kept")

	require.NoError(t, os.WriteFile(path, []byte("- table: x\n  dayz: 5\n"), 0o644))
	_, err = LoadPolicyFile(path)
	require.Error(t, err, "unknown keys are hard errors")
}

func TestPruneSegments(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "core.ndjson.1")
	active := filepath.Join(dir, "core.ndjson")
	require.NoError(t, os.WriteFile(old, []byte("{}\n"), 0o644))
	require.NoError(t, os.WriteFile(active, []byte("{}\n"), 0o644))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.Chtimes(active, past, past))

	n, err := PruneSegments(dir, 24*time.Hour, time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	_, err = os.Stat(active)
	require.NoError(t, err, "active file is never pruned")
}
