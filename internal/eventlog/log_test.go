package eventlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veldt-labs/opsplane/internal/models"
)

func testOptions() Options {
	return Options{SegmentBytes: 1 << 20, MaxSegments: 8}
}

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	l, err := Open(t.TempDir(), "core", testOptions())
	require.NoError(t, err)
	defer l.Close()

	var last int64 = -1
	for i := 0; i < 10; i++ {
		id, err := l.Append(models.NewEvent(models.KindHTTPTrace, "api", map[string]any{
			"route": "/health", "status": 200, "duration_ms": 12,
		}))
		require.NoError(t, err)
		require.Greater(t, id, last)
		last = id
	}

	events, err := l.Scan(Query{})
	require.NoError(t, err)
	require.Len(t, events, 10)
	for i := 1; i < len(events); i++ {
		require.Greater(t, events[i].ID, events[i-1].ID)
	}
}

func TestIDsResumeAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "core", testOptions())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := l.Append(models.NewEvent(models.KindQueueJob, "queue", map[string]any{"job_id": "j", "state": "ok"}))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	l2, err := Open(dir, "core", testOptions())
	require.NoError(t, err)
	defer l2.Close()
	id, err := l2.Append(models.NewEvent(models.KindQueueJob, "queue", map[string]any{"job_id": "j", "state": "ok"}))
	require.NoError(t, err)
	require.Equal(t, int64(5), id)
}

func TestScanFilters(t *testing.T) {
	l, err := Open(t.TempDir(), "core", testOptions())
	require.NoError(t, err)
	defer l.Close()

	base := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		kind := models.KindHTTPTrace
		if i%2 == 0 {
			kind = models.KindWebhookDelivery
		}
		e := models.NewEvent(kind, "api", map[string]any{"ok": true})
		e.TS = base.Add(time.Duration(i) * time.Minute)
		_, err := l.Append(e)
		require.NoError(t, err)
	}

	got, err := l.Scan(Query{Kinds: []models.Kind{models.KindHTTPTrace}})
	require.NoError(t, err)
	require.Len(t, got, 3)

	got, err = l.Scan(Query{Since: base.Add(3 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, got, 3)

	got, err = l.Scan(Query{Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestRotationKeepsOrderAndFiles(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.SegmentBytes = 200 // force rotation every couple of events
	l, err := Open(dir, "core", opts)
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 12; i++ {
		_, err := l.Append(models.NewEvent(models.KindHTTPTrace, "api", map[string]any{
			"route": "/api/v1/things", "status": 200, "duration_ms": i,
		}))
		require.NoError(t, err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "core.ndjson.*"))
	require.NoError(t, err)
	require.NotEmpty(t, matches, "expected rotated segments")

	events, err := l.Scan(Query{Limit: 100})
	require.NoError(t, err)
	require.Len(t, events, 12)
	for i := 1; i < len(events); i++ {
		require.Greater(t, events[i].ID, events[i-1].ID)
	}
}

func TestPartialTrailingLineIgnored(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "core", testOptions())
	require.NoError(t, err)
	_, err = l.Append(models.NewEvent(models.KindIncident, "pager", map[string]any{"severity": "low", "msg": "x"}))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Simulate a torn write: append half a record with no newline.
	f, err := os.OpenFile(filepath.Join(dir, "core.ndjson"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":99,"ts":"2025-01-01T0`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l2, err := Open(dir, "core", testOptions())
	require.NoError(t, err)
	defer l2.Close()
	events, err := l2.Scan(Query{})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestUnknownKindQuarantined(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "core", testOptions())
	require.NoError(t, err)
	_, err = l.Append(models.NewEvent(models.KindPage, "pager", map[string]any{"severity": "critical"}))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	f, err := os.OpenFile(filepath.Join(dir, "core.ndjson"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":1,"ts":"2025-01-01T00:00:00Z","kind":"mystery","source":"x","payload":{}}` + "\n")
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":2,"ts":"2025-01-01T00:00:01Z","kind":"page","source":"pager","payload":{}}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l2, err := Open(dir, "core", testOptions())
	require.NoError(t, err)
	defer l2.Close()
	events, err := l2.Scan(Query{})
	require.NoError(t, err)
	require.Len(t, events, 2, "unknown kind should be skipped, valid neighbors kept")
}

func TestStoreBusFansOut(t *testing.T) {
	s := NewStore(t.TempDir(), testOptions())
	defer s.Close()

	var seen []models.Kind
	s.Subscribe(func(e models.Event) { seen = append(seen, e.Kind) })

	_, err := s.Append("scheduler", models.NewEvent(models.KindSchedulerTick, "scheduler", map[string]any{"tick_no": 1}))
	require.NoError(t, err)
	_, err = s.Append("metrics", models.NewEvent(models.KindSLOSnapshot, "metrics", map[string]any{"window_days": 30}))
	require.NoError(t, err)

	require.Equal(t, []models.Kind{models.KindSchedulerTick, models.KindSLOSnapshot}, seen)

	all, err := s.ScanAll(Query{})
	require.NoError(t, err)
	require.Len(t, all, 2)
}
