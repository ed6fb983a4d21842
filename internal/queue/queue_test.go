package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veldt-labs/opsplane/internal/database"
	"github.com/veldt-labs/opsplane/internal/models"
)

func newQueue(t *testing.T, now *time.Time) *Queue {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(db))
	return New(db, Config{}, nil, func() time.Time { return *now })
}

func TestPriorityThenFIFO(t *testing.T) {
	now := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	q := newQueue(t, &now)

	_, err := q.Enqueue("a", nil, models.PriorityLow, "")
	require.NoError(t, err)
	now = now.Add(time.Second)
	idHigh, err := q.Enqueue("b", nil, models.PriorityHigh, "")
	require.NoError(t, err)
	now = now.Add(time.Second)
	idCrit, err := q.Enqueue("c", nil, models.PriorityCritical, "")
	require.NoError(t, err)
	now = now.Add(time.Second)
	idCrit2, err := q.Enqueue("d", nil, models.PriorityCritical, "")
	require.NoError(t, err)

	got := func() string {
		job, err := q.Fetch("w1")
		require.NoError(t, err)
		require.NotNil(t, job)
		require.NoError(t, q.Complete(job.ID, "w1"))
		return job.ID
	}
	require.Equal(t, idCrit, got())
	require.Equal(t, idCrit2, got(), "FIFO within a priority")
	require.Equal(t, idHigh, got())
}

func TestRetryBackoffThenDLQ(t *testing.T) {
	now := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	q := newQueue(t, &now)

	id, err := q.Enqueue("flaky", nil, models.PriorityNormal, "")
	require.NoError(t, err)

	// Attempt 1 fails: retry visible after 1s.
	job, err := q.Fetch("w1")
	require.NoError(t, err)
	require.Equal(t, id, job.ID)
	require.NoError(t, q.Fail(job.ID, "w1", errors.New("boom")))

	job, err = q.Fetch("w1")
	require.NoError(t, err)
	require.Nil(t, job, "retry must respect backoff delay")

	now = now.Add(2 * time.Second)
	job, err = q.Fetch("w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, 1, job.Attempts)
	require.NoError(t, q.Fail(job.ID, "w1", errors.New("boom")))

	// Attempt 3 exhausts the budget.
	now = now.Add(6 * time.Second)
	job, err = q.Fetch("w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, q.Fail(job.ID, "w1", errors.New("boom")))

	stats, err := q.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, stats.DLQ)
	require.Equal(t, 0, stats.Depth)
}

func TestRedriveEmptiesDLQ(t *testing.T) {
	now := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	q := newQueue(t, &now)

	id, err := q.Enqueue("flaky", nil, models.PriorityCritical, "")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		now = now.Add(time.Minute)
		job, err := q.Fetch("w1")
		require.NoError(t, err)
		require.NotNil(t, job)
		require.NoError(t, q.Fail(job.ID, "w1", errors.New("terminal")))
	}

	n, err := q.Redrive(10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stats, err := q.Stats()
	require.NoError(t, err)
	require.Equal(t, 0, stats.DLQ)
	require.Equal(t, 1, stats.Depth)

	job, err := q.Fetch("w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, id, job.ID)
	require.Equal(t, models.PriorityNormal, job.Priority, "redrive lands at normal priority")
	require.Equal(t, 0, job.Attempts)
}

func TestIdempotencyDedup(t *testing.T) {
	now := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	q := newQueue(t, &now)

	id1, err := q.Enqueue("task", nil, models.PriorityNormal, "daily_brief:2025-01-10T08:00")
	require.NoError(t, err)
	id2, err := q.Enqueue("task", nil, models.PriorityNormal, "daily_brief:2025-01-10T08:00")
	require.NoError(t, err)
	require.Equal(t, id1, id2, "second enqueue with active key is a no-op")

	job, err := q.Fetch("w1")
	require.NoError(t, err)
	require.NoError(t, q.Complete(job.ID, "w1"))

	// Completed within the idempotency TTL still dedups.
	id3, err := q.Enqueue("task", nil, models.PriorityNormal, "daily_brief:2025-01-10T08:00")
	require.NoError(t, err)
	require.Equal(t, id1, id3)

	// Past the TTL the key is live again.
	now = now.Add(2 * time.Hour)
	id4, err := q.Enqueue("task", nil, models.PriorityNormal, "daily_brief:2025-01-10T08:00")
	require.NoError(t, err)
	require.NotEqual(t, id1, id4)
}

func TestCompleteAfterLeaseExpiryIsNotLeased(t *testing.T) {
	now := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	q := newQueue(t, &now)

	_, err := q.Enqueue("slow", nil, models.PriorityNormal, "")
	require.NoError(t, err)
	job, err := q.Fetch("w1")
	require.NoError(t, err)
	require.NotNil(t, job)

	now = now.Add(10 * time.Minute)
	n, err := q.ReclaimExpired()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.ErrorIs(t, q.Complete(job.ID, "w1"), ErrNotLeased)

	// The job is fetchable again by another worker.
	job2, err := q.Fetch("w2")
	require.NoError(t, err)
	require.NotNil(t, job2)
	require.Equal(t, job.ID, job2.ID)
}

func TestWorkerPoolExecutes(t *testing.T) {
	db, err := database.New(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, database.Migrate(db))

	q := New(db, Config{PollTimeout: 10 * time.Millisecond}, nil, time.Now)
	ran := make(chan string, 1)
	q.Register("ping", func(ctx context.Context, job models.Job) error {
		var p struct {
			Msg string `json:"msg"`
		}
		require.NoError(t, json.Unmarshal(job.Payload, &p))
		ran <- p.Msg
		return nil
	})
	pool := NewWorkerPool(q, 2, time.Second)
	go pool.Run()
	defer pool.Stop()

	_, err = q.Enqueue("ping", json.RawMessage(`{"msg":"hello"}`), models.PriorityNormal, "")
	require.NoError(t, err)

	select {
	case msg := <-ran:
		require.Equal(t, "hello", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestPruneTerminal(t *testing.T) {
	now := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	q := newQueue(t, &now)

	_, err := q.Enqueue("done", nil, models.PriorityNormal, "")
	require.NoError(t, err)
	job, err := q.Fetch("w1")
	require.NoError(t, err)
	require.NoError(t, q.Complete(job.ID, "w1"))

	now = now.Add(2 * time.Hour)
	n, err := q.PruneTerminal()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
