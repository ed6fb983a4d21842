package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/veldt-labs/opsplane/internal/models"
)

// ErrNotLeased is returned by Complete/Fail when the caller no longer owns
// the job (its visibility timeout expired and the lease was reclaimed).
// Callers treat it as contention, not failure.
var ErrNotLeased = errors.New("queue: job not leased by this worker")

// RejectedError is returned by Enqueue when the backend is hard-down and
// synchronous fallback is disallowed by policy.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "queue: job rejected: " + e.Reason }

// Handler executes one job kind. A nil error completes the job; an error
// sends it through the retry policy.
type Handler func(ctx context.Context, job models.Job) error

// Mode reports how the queue is currently executing work.
type Mode string

const (
	ModeAsync        Mode = "async_ok"
	ModeSyncFallback Mode = "sync_fallback"
)

// Config tunes the retry and idempotency policy.
type Config struct {
	MaxAttempts       int
	RetryDelays       []time.Duration
	FailureTTL        time.Duration // how long DLQ entries are preserved
	IdempotencyTTL    time.Duration
	VisibilityTimeout time.Duration
	PollTimeout       time.Duration
	AllowSyncFallback bool
}

func (c *Config) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if len(c.RetryDelays) == 0 {
		c.RetryDelays = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}
	}
	if c.FailureTTL <= 0 {
		c.FailureTTL = 7 * 24 * time.Hour
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = time.Hour
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 5 * time.Minute
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = time.Second
	}
}

// Queue is a durable priority job queue over the shared database. Internal
// state is guarded by one lock; no code path holds it across I/O into
// another component.
type Queue struct {
	db   *sql.DB
	cfg  Config
	mu   sync.Mutex
	now  func() time.Time
	emit func(models.Event)

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	syncMode atomic.Bool
}

// New builds a queue. emit receives queue_job lifecycle events and may be
// nil; now is injectable for tests.
func New(db *sql.DB, cfg Config, emit func(models.Event), now func() time.Time) *Queue {
	cfg.defaults()
	if now == nil {
		now = time.Now
	}
	if emit == nil {
		emit = func(models.Event) {}
	}
	return &Queue{db: db, cfg: cfg, now: now, emit: emit, handlers: make(map[string]Handler)}
}

// Register binds a handler to a job kind. Registration happens at
// composition time, before workers start.
func (q *Queue) Register(kind string, h Handler) {
	q.handlersMu.Lock()
	defer q.handlersMu.Unlock()
	q.handlers[kind] = h
}

func (q *Queue) handler(kind string) (Handler, bool) {
	q.handlersMu.RLock()
	defer q.handlersMu.RUnlock()
	h, ok := q.handlers[kind]
	return h, ok
}

// Mode reports async or sync-fallback execution.
func (q *Queue) Mode() Mode {
	if q.syncMode.Load() {
		return ModeSyncFallback
	}
	return ModeAsync
}

func (q *Queue) emitJob(job models.Job, state models.JobState) {
	q.emit(models.NewEvent(models.KindQueueJob, "queue", map[string]any{
		"job_id": job.ID,
		"kind":   job.Kind,
		"state":  string(state),
		"key":    job.IdempotencyKey,
	}))
}

// Enqueue inserts a job. With an idempotency key, enqueue is a no-op when an
// active job with that key exists, or when one completed within the
// idempotency TTL; in both cases the existing job's ID is returned.
func (q *Queue) Enqueue(kind string, payload json.RawMessage, priority models.Priority, idempotencyKey string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now().UTC()

	if idempotencyKey != "" {
		var existing string
		err := q.db.QueryRow(`SELECT id FROM jobs WHERE idempotency_key = ?
			AND (state IN ('enqueued','started','retry')
			     OR (state = 'ok' AND finished_at > ?))
			LIMIT 1`,
			idempotencyKey, now.Add(-q.cfg.IdempotencyTTL)).Scan(&existing)
		if err == nil {
			return existing, nil // contention is success: the effect took or will take place
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return q.enqueueFallback(kind, payload, err)
		}
	}

	job := models.Job{
		ID:            uuid.New().String(),
		Kind:          kind,
		Payload:       payload,
		Priority:      priority,
		IdempotencyKey: idempotencyKey,
		State:         models.JobEnqueued,
		NextVisibleAt: now,
		CreatedAt:     now,
	}
	_, err := q.db.Exec(`INSERT INTO jobs (id, kind, payload, priority, priority_rank, idempotency_key, attempts, state, next_visible_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		job.ID, job.Kind, string(job.Payload), string(job.Priority), job.Priority.Rank(),
		nullable(idempotencyKey), string(models.JobEnqueued), now, now, now)
	if err != nil {
		return q.enqueueFallback(kind, payload, err)
	}
	if q.syncMode.Swap(false) {
		log.Info().Msg("queue: backend recovered, leaving sync fallback")
	}
	q.emitJob(job, models.JobEnqueued)
	return job.ID, nil
}

// enqueueFallback keeps the scheduler moving when the backend is down by
// executing the job inline, if policy allows.
func (q *Queue) enqueueFallback(kind string, payload json.RawMessage, cause error) (string, error) {
	if !q.cfg.AllowSyncFallback {
		return "", &RejectedError{Reason: cause.Error()}
	}
	h, ok := q.handler(kind)
	if !ok {
		return "", &RejectedError{Reason: fmt.Sprintf("no handler for kind %q", kind)}
	}
	if !q.syncMode.Swap(true) {
		log.Warn().Err(cause).Msg("queue_sync_fallback: backend unavailable, executing inline")
	}
	job := models.Job{ID: uuid.New().String(), Kind: kind, Payload: payload, State: models.JobStarted}
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.VisibilityTimeout)
	defer cancel()
	if err := h(ctx, job); err != nil {
		return job.ID, err
	}
	return job.ID, nil
}

// Fetch leases the next visible job for workerID, draining by priority then
// FIFO within a priority. Returns nil with no error when nothing is due.
func (q *Queue) Fetch(workerID string) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now().UTC()

	row := q.db.QueryRow(`SELECT id, kind, payload, priority, COALESCE(idempotency_key,''), attempts, state, next_visible_at, created_at
		FROM jobs
		WHERE state IN ('enqueued','retry') AND next_visible_at <= ?
		ORDER BY priority_rank ASC, next_visible_at ASC, created_at ASC
		LIMIT 1`, now)

	var job models.Job
	var payload string
	err := row.Scan(&job.ID, &job.Kind, &payload, &job.Priority, &job.IdempotencyKey,
		&job.Attempts, &job.State, &job.NextVisibleAt, &job.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	job.Payload = json.RawMessage(payload)

	res, err := q.db.Exec(`UPDATE jobs SET state = 'started', lease_worker = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND state IN ('enqueued','retry')`,
		workerID, now.Add(q.cfg.VisibilityTimeout), now, job.ID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil // lost the race to another worker
	}
	job.State = models.JobStarted
	q.emitJob(job, models.JobStarted)
	return &job, nil
}

// Complete marks a leased job done. ErrNotLeased when workerID no longer
// holds the lease.
func (q *Queue) Complete(jobID, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now().UTC()
	res, err := q.db.Exec(`UPDATE jobs SET state = 'ok', finished_at = ?, updated_at = ?, lease_worker = NULL, lease_expires_at = NULL
		WHERE id = ? AND state = 'started' AND lease_worker = ?`, now, now, jobID, workerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotLeased
	}
	q.emitJob(models.Job{ID: jobID}, models.JobOK)
	return nil
}

// Fail records a failed attempt: the job re-enters the queue with backoff,
// or moves to the DLQ once attempts are exhausted.
func (q *Queue) Fail(jobID, workerID string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now().UTC()

	var attempts int
	err := q.db.QueryRow(`SELECT attempts FROM jobs WHERE id = ? AND state = 'started' AND lease_worker = ?`,
		jobID, workerID).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotLeased
	}
	if err != nil {
		return err
	}

	attempts++
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if attempts >= q.cfg.MaxAttempts {
		_, err = q.db.Exec(`UPDATE jobs SET state = 'dlq', attempts = ?, last_error = ?, finished_at = ?, updated_at = ?, lease_worker = NULL, lease_expires_at = NULL
			WHERE id = ?`, attempts, msg, now, now, jobID)
		if err != nil {
			return err
		}
		q.emitJob(models.Job{ID: jobID}, models.JobDLQ)
		return nil
	}

	delay := q.cfg.RetryDelays[len(q.cfg.RetryDelays)-1]
	if attempts-1 < len(q.cfg.RetryDelays) {
		delay = q.cfg.RetryDelays[attempts-1]
	}
	_, err = q.db.Exec(`UPDATE jobs SET state = 'retry', attempts = ?, last_error = ?, next_visible_at = ?, updated_at = ?, lease_worker = NULL, lease_expires_at = NULL
		WHERE id = ?`, attempts, msg, now.Add(delay), now, jobID)
	if err != nil {
		return err
	}
	q.emitJob(models.Job{ID: jobID}, models.JobRetry)
	return nil
}

// Redrive moves up to limit DLQ jobs back to the queue at normal priority
// with a fresh attempt budget. Returns how many moved.
func (q *Queue) Redrive(limit int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now().UTC()
	res, err := q.db.Exec(`UPDATE jobs SET state = 'enqueued', attempts = 0, priority = 'normal', priority_rank = ?, next_visible_at = ?, finished_at = NULL, updated_at = ?
		WHERE id IN (SELECT id FROM jobs WHERE state = 'dlq' ORDER BY updated_at ASC LIMIT ?)`,
		models.PriorityNormal.Rank(), now, now, limit)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Info().Int64("count", n).Msg("queue: redrove jobs from DLQ")
	}
	return int(n), nil
}

// ReclaimExpired returns jobs with expired leases to the queue unfinished.
// A later Complete/Fail from the old worker gets ErrNotLeased.
func (q *Queue) ReclaimExpired() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now().UTC()
	res, err := q.db.Exec(`UPDATE jobs SET state = 'enqueued', lease_worker = NULL, lease_expires_at = NULL, next_visible_at = ?, updated_at = ?
		WHERE state = 'started' AND lease_expires_at <= ?`, now, now, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Stats summarizes queue health for the validator and the admin surface.
type Stats struct {
	Depth    int  `json:"depth"`
	DLQ      int  `json:"dlq"`
	Inflight int  `json:"inflight"`
	Mode     Mode `json:"mode"`
}

// Stats counts visible backlog, in-flight leases and DLQ size.
func (q *Queue) Stats() (Stats, error) {
	s := Stats{Mode: q.Mode()}
	err := q.db.QueryRow(`SELECT
		COUNT(CASE WHEN state IN ('enqueued','retry') THEN 1 END),
		COUNT(CASE WHEN state = 'dlq' THEN 1 END),
		COUNT(CASE WHEN state = 'started' THEN 1 END)
		FROM jobs`).Scan(&s.Depth, &s.DLQ, &s.Inflight)
	return s, err
}

// PruneTerminal deletes completed jobs past the idempotency TTL and DLQ
// entries past the failure TTL. Called from the retention sweep.
func (q *Queue) PruneTerminal() (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now().UTC()
	res, err := q.db.Exec(`DELETE FROM jobs WHERE
		(state = 'ok' AND finished_at <= ?) OR
		(state = 'dlq' AND finished_at <= ?)`,
		now.Add(-q.cfg.IdempotencyTTL), now.Add(-q.cfg.FailureTTL))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
