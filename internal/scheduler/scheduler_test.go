package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veldt-labs/opsplane/internal/database"
	"github.com/veldt-labs/opsplane/internal/eventlog"
	"github.com/veldt-labs/opsplane/internal/kvstore"
	"github.com/veldt-labs/opsplane/internal/models"
	"github.com/veldt-labs/opsplane/internal/queue"
)

type allFlags struct{}

func (allFlags) IsEnabled(string, string, string) bool { return true }

type fixture struct {
	kv    *kvstore.Store
	store *eventlog.Store
	queue *queue.Queue
	now   *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2025, 1, 10, 7, 59, 30, 0, time.UTC)
	db, err := database.New(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(db))

	f := &fixture{now: &now}
	f.kv = kvstore.New(db, func() time.Time { return *f.now })
	f.store = eventlog.NewStore(t.TempDir(), eventlog.Options{})
	t.Cleanup(func() { f.store.Close() })
	f.queue = queue.New(db, queue.Config{}, nil, func() time.Time { return *f.now })
	return f
}

func (f *fixture) newScheduler(t *testing.T, tasks []models.Task) *Scheduler {
	t.Helper()
	s, err := New(f.kv, f.store, f.queue, allFlags{}, Config{Environment: "production"}, tasks, func() time.Time { return *f.now })
	require.NoError(t, err)
	return s
}

func (f *fixture) drain(t *testing.T) int {
	t.Helper()
	ran := 0
	for {
		ok, err := f.queue.RunOnce("test-worker")
		require.NoError(t, err)
		if !ok {
			return ran
		}
		ran++
	}
}

func (f *fixture) runEvents(t *testing.T, outcome string) []models.Event {
	t.Helper()
	events, err := f.store.Scan("scheduler", eventlog.Query{Kinds: []models.Kind{models.KindSchedulerRun}})
	require.NoError(t, err)
	var out []models.Event
	for _, e := range events {
		if e.PayloadString("outcome") == outcome {
			out = append(out, e)
		}
	}
	return out
}

// Daily brief fires exactly once, across a restart.
func TestDailyBriefFiresExactlyOnce(t *testing.T) {
	f := newFixture(t)
	tasks := []models.Task{{Name: "daily_brief", When: models.Daily(8, 0), Debounce: 55 * time.Minute, Priority: models.PriorityNormal}}

	s := f.newScheduler(t, tasks)
	runs := 0
	s.Register("daily_brief", func(ctx context.Context) error { runs++; return nil })

	s.Tick() // 07:59, not a firing moment
	require.Zero(t, f.drain(t))

	*f.now = time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	s.Tick()
	require.Equal(t, 1, f.drain(t))
	require.Equal(t, 1, runs)

	*f.now = time.Date(2025, 1, 10, 8, 1, 0, 0, time.UTC)
	s.Tick()
	require.Zero(t, f.drain(t))

	// Restart inside the same minute: a fresh scheduler over the same state.
	*f.now = time.Date(2025, 1, 10, 8, 0, 10, 0, time.UTC)
	s2 := f.newScheduler(t, tasks)
	s2.Register("daily_brief", func(ctx context.Context) error { runs++; return nil })
	s2.ReplayLastRuns(100)
	s2.Tick()
	f.drain(t)
	*f.now = time.Date(2025, 1, 10, 8, 1, 0, 0, time.UTC)
	s2.Tick()
	f.drain(t)

	require.Equal(t, 1, runs, "restart must not double-fire")
	require.Len(t, f.runEvents(t, "ok"), 1)
}

func TestIntervalTaskFiresOnElapse(t *testing.T) {
	f := newFixture(t)
	tasks := []models.Task{{Name: "slo_recompute", When: models.Every(15 * time.Minute), Debounce: 10 * time.Minute, Priority: models.PriorityHigh, Critical: true}}
	s := f.newScheduler(t, tasks)
	runs := 0
	s.Register("slo_recompute", func(ctx context.Context) error { runs++; return nil })

	s.Tick() // never ran: fires immediately
	require.Equal(t, 1, f.drain(t))

	*f.now = f.now.Add(5 * time.Minute)
	s.Tick()
	require.Zero(t, f.drain(t), "interval not elapsed")

	*f.now = f.now.Add(15 * time.Minute)
	s.Tick()
	require.Equal(t, 1, f.drain(t))
	require.Equal(t, 2, runs)
}

func TestDebounceWritesSkipEvent(t *testing.T) {
	f := newFixture(t)
	// Due every minute but debounced to 10: the second due moment is skipped.
	tasks := []models.Task{{Name: "chatty", When: models.Every(time.Minute), Debounce: 10 * time.Minute, Priority: models.PriorityNormal}}
	s := f.newScheduler(t, tasks)
	s.Register("chatty", func(ctx context.Context) error { return nil })

	s.Tick()
	f.drain(t)
	*f.now = f.now.Add(time.Minute)
	s.Tick()
	require.Zero(t, f.drain(t))

	require.NotEmpty(t, f.runEvents(t, "skip_debounce"))
	require.Len(t, f.runEvents(t, "ok"), 1)
}

func TestFailedRunDoesNotAdvanceDebounce(t *testing.T) {
	f := newFixture(t)
	tasks := []models.Task{{Name: "flaky", When: models.Every(time.Minute), Debounce: time.Minute, Priority: models.PriorityNormal}}
	s := f.newScheduler(t, tasks)
	calls := 0
	s.Register("flaky", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return context.DeadlineExceeded
		}
		return nil
	})

	s.Tick()
	f.drain(t) // first attempt fails; retries stay on the queue

	require.NotEmpty(t, f.runEvents(t, "err"))
	_, err := f.kv.Get(lastRunKey + "flaky")
	require.ErrorIs(t, err, kvstore.ErrNotFound, "failed run must not set the last-run mark")
}

func TestBackpressureDefersNonCritical(t *testing.T) {
	f := newFixture(t)
	tasks := []models.Task{
		{Name: "retention", When: models.Every(time.Minute), Priority: models.PriorityLow},
		{Name: "production_alerts", When: models.Every(time.Minute), Priority: models.PriorityCritical, Critical: true},
	}
	s, err := New(f.kv, f.store, f.queue, allFlags{}, Config{Environment: "production", BackpressureHigh: 3, BackpressureLow: 1}, tasks, func() time.Time { return *f.now })
	require.NoError(t, err)
	var retentionRuns, alertRuns int
	s.Register("retention", func(ctx context.Context) error { retentionRuns++; return nil })
	s.Register("production_alerts", func(ctx context.Context) error { alertRuns++; return nil })

	// Flood the queue past the high-water mark with unrelated work.
	f.queue.Register("noop", func(ctx context.Context, j models.Job) error { return nil })
	for i := 0; i < 5; i++ {
		_, err := f.queue.Enqueue("noop", nil, models.PriorityLow, "")
		require.NoError(t, err)
	}

	s.Tick()
	// Critical task enqueued, retention deferred: drain and count.
	f.drain(t)
	require.Equal(t, 1, alertRuns, "critical tasks are never deferred")
	require.Zero(t, retentionRuns, "non-critical tasks defer under backpressure")
}

func TestHeartbeatWrittenEachTick(t *testing.T) {
	f := newFixture(t)
	s := f.newScheduler(t, nil)
	s.Tick()

	age, err := HeartbeatAge(f.kv, f.now.UTC())
	require.NoError(t, err)
	require.Less(t, age, time.Minute)

	ticks, err := f.store.Scan("scheduler", eventlog.Query{Kinds: []models.Kind{models.KindSchedulerTick}})
	require.NoError(t, err)
	require.Len(t, ticks, 1)
}

func TestPIDFileLeadership(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.pid")
	require.NoError(t, WritePIDFile(path))

	// Our own pid is not a conflict (restart in place).
	require.NoError(t, WritePIDFile(path))

	// A live foreign pid is. pid 1 is always alive.
	require.NoError(t, os.WriteFile(path, []byte("1\n"), 0o644))
	err := WritePIDFile(path)
	require.ErrorIs(t, err, ErrLeaderConflict)

	// A stale pid is reclaimed.
	require.NoError(t, os.WriteFile(path, []byte("999999\n"), 0o644))
	require.NoError(t, WritePIDFile(path))
	RemovePIDFile(path)
}
