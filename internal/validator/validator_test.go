package validator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veldt-labs/opsplane/internal/database"
	"github.com/veldt-labs/opsplane/internal/effectors"
	"github.com/veldt-labs/opsplane/internal/kvstore"
	"github.com/veldt-labs/opsplane/internal/models"
	"github.com/veldt-labs/opsplane/internal/queue"
	"github.com/veldt-labs/opsplane/internal/scheduler"
)

type fakeSLO struct{ snap *models.SLOSnapshot }

func (f *fakeSLO) Latest() (*models.SLOSnapshot, error) { return f.snap, nil }

type fakePages struct{ failures int }

func (f *fakePages) RecentPageFailures(time.Duration) int { return f.failures }

type fakeProbe struct {
	name string
	err  error
}

func (f *fakeProbe) Name() string                { return f.name }
func (f *fakeProbe) Probe(context.Context) error { return f.err }

type fixture struct {
	v      *Validator
	kv     *kvstore.Store
	q      *queue.Queue
	slo    *fakeSLO
	pages  *fakePages
	probe  *fakeProbe
	events []models.Event
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(db))

	f := &fixture{
		now:   time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC),
		slo:   &fakeSLO{},
		pages: &fakePages{},
		probe: &fakeProbe{name: "chat"},
	}
	nowFn := func() time.Time { return f.now }
	f.kv = kvstore.New(db, nowFn)
	f.q = queue.New(db, queue.Config{}, nil, nowFn)
	f.v = New(f.kv, f.slo, f.pages, f.q, []effectors.Prober{f.probe}, Config{},
		func(e models.Event) { f.events = append(f.events, e) }, nowFn)
	return f
}

func (f *fixture) healthyBaseline(t *testing.T) {
	t.Helper()
	require.NoError(t, f.kv.Put(scheduler.HeartbeatKey, f.now.Format(time.RFC3339), 0))
	f.slo.snap = &models.SLOSnapshot{
		GeneratedAt: f.now.Add(-time.Minute),
		Budgets: map[string]models.ErrorBudget{
			"availability": {Status: models.BudgetOK},
		},
	}
}

func TestHealthyRun(t *testing.T) {
	f := newFixture(t)
	f.healthyBaseline(t)

	rep, err := f.v.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "healthy", rep.Status)
	require.Zero(t, rep.Failing)
	require.False(t, rep.Rollback)

	require.Len(t, f.events, 1)
	require.Equal(t, models.KindValidationTick, f.events[0].Kind)
	require.Equal(t, "healthy", f.events[0].Payload["status"])

	stored, err := f.v.Latest()
	require.NoError(t, err)
	require.Equal(t, "healthy", stored.Status)
}

func TestSingleFailureIsWarning(t *testing.T) {
	f := newFixture(t)
	f.healthyBaseline(t)
	f.probe.err = errors.New("connect: connection refused")

	rep, err := f.v.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "warning", rep.Status)
	require.Equal(t, 1, rep.Failing)
	require.False(t, rep.Rollback)

	st, err := f.q.Stats()
	require.NoError(t, err)
	require.Zero(t, st.Depth, "warning does not enqueue a rollback")
}

// fallbackQueue reports sync-fallback mode over an otherwise real queue.
type fallbackQueue struct{ *queue.Queue }

func (f fallbackQueue) Stats() (queue.Stats, error) {
	st, err := f.Queue.Stats()
	st.Mode = queue.ModeSyncFallback
	return st, err
}

func TestSyncFallbackModeStillHealthy(t *testing.T) {
	f := newFixture(t)
	f.healthyBaseline(t)
	f.v = New(f.kv, f.slo, f.pages, fallbackQueue{f.q}, []effectors.Prober{f.probe}, Config{},
		func(e models.Event) { f.events = append(f.events, e) }, func() time.Time { return f.now })

	rep, err := f.v.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "healthy", rep.Status, "sync fallback is degraded, not failing")
	require.Zero(t, rep.Failing)
	for _, c := range rep.Checks {
		if c.Name == "queue_mode" {
			require.True(t, c.OK)
			require.Contains(t, c.Detail, "sync_fallback")
		}
	}
}

func TestStaleHeartbeatFails(t *testing.T) {
	f := newFixture(t)
	f.healthyBaseline(t)
	require.NoError(t, f.kv.Put(scheduler.HeartbeatKey, f.now.Add(-10*time.Minute).Format(time.RFC3339), 0))

	rep, err := f.v.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rep.Failing)
	require.Equal(t, "critical", rep.Status, "stale heartbeat is a hard failure")
	require.False(t, rep.Rollback, "rollback needs three failing checks")
	for _, c := range rep.Checks {
		if c.Name == "scheduler_heartbeat" {
			require.False(t, c.OK)
		}
	}
}

func TestCriticalEnqueuesRollbackSuggestion(t *testing.T) {
	f := newFixture(t)
	// Heartbeat stale past the limit, SLO snapshot past twice its interval,
	// and the pager reporting repeated delivery failures.
	require.NoError(t, f.kv.Put(scheduler.HeartbeatKey, f.now.Add(-3*time.Minute).Format(time.RFC3339), 0))
	f.slo.snap = &models.SLOSnapshot{GeneratedAt: f.now.Add(-30 * time.Minute)}
	f.pages.failures = 2

	rep, err := f.v.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "critical", rep.Status)
	require.GreaterOrEqual(t, rep.Failing, 3)
	require.True(t, rep.Rollback)

	job, err := f.q.Fetch("w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, RollbackJobKind, job.Kind)
	require.Equal(t, models.PriorityCritical, job.Priority)

	// One validation_tick per run, regardless of failures.
	require.Len(t, f.events, 1)
	require.Equal(t, true, f.events[0].Payload["rollback"])
}

func TestRepeatedCriticalRunsDedupRollback(t *testing.T) {
	f := newFixture(t)
	f.pages.failures = 4

	_, err := f.v.Run(context.Background())
	require.NoError(t, err)
	_, err = f.v.Run(context.Background())
	require.NoError(t, err)

	st, err := f.q.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, st.Depth, "same minute collapses to one rollback job")
}

func TestBudgetCriticalFailsCheck(t *testing.T) {
	f := newFixture(t)
	f.healthyBaseline(t)
	f.slo.snap.Budgets["availability"] = models.ErrorBudget{Status: models.BudgetCritical}

	rep, err := f.v.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "warning", rep.Status)
	found := false
	for _, c := range rep.Checks {
		if c.Name == "slo_budget" {
			found = true
			require.False(t, c.OK)
		}
	}
	require.True(t, found)
}
