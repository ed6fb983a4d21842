package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/veldt-labs/opsplane/internal/models"
)

// WorkerPool drains the queue with a fixed set of workers. The pool never
// runs on the scheduler loop; slow task bodies cannot delay ticks.
type WorkerPool struct {
	queue   *Queue
	size    int
	grace   time.Duration
	done    chan struct{}
	wg      sync.WaitGroup
	stopped sync.Once
}

// NewWorkerPool builds a pool of size workers. grace bounds how long Stop
// waits for in-flight jobs before abandoning their leases.
func NewWorkerPool(q *Queue, size int, grace time.Duration) *WorkerPool {
	if size < 1 {
		size = 1
	}
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &WorkerPool{queue: q, size: size, grace: grace, done: make(chan struct{})}
}

// Run starts the workers plus a lease reaper and blocks until Stop.
func (p *WorkerPool) Run() {
	log.Info().Int("workers", p.size).Msg("Starting queue worker pool...")
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(fmt.Sprintf("worker-%d", i))
	}
	p.wg.Add(1)
	go p.reaper()
	p.wg.Wait()
}

// Stop halts leasing of new jobs. In-flight jobs run up to the grace period;
// after that their leases expire and the reaper of a future run reclaims
// them.
func (p *WorkerPool) Stop() {
	p.stopped.Do(func() { close(p.done) })

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(p.grace):
		log.Warn().Msg("Worker pool grace period elapsed, abandoning in-flight jobs")
	}
}

func (p *WorkerPool) worker(id string) {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		default:
		}

		job, err := p.queue.Fetch(id)
		if err != nil {
			log.Error().Err(err).Str("worker", id).Msg("Worker fetch failed")
			p.sleep(p.queue.cfg.PollTimeout)
			continue
		}
		if job == nil {
			p.sleep(p.queue.cfg.PollTimeout)
			continue
		}
		p.execute(id, *job)
	}
}

func (p *WorkerPool) execute(workerID string, job models.Job) {
	h, ok := p.queue.handler(job.Kind)
	if !ok {
		// No handler registered is terminal for the job, not the worker.
		if err := p.queue.Fail(job.ID, workerID, fmt.Errorf("no handler for kind %q", job.Kind)); err != nil && err != ErrNotLeased {
			log.Error().Err(err).Str("job_id", job.ID).Msg("Worker fail bookkeeping error")
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.queue.cfg.VisibilityTimeout)
	defer cancel()

	if err := runHandler(ctx, h, job); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Str("kind", job.Kind).Msg("Job attempt failed")
		if ferr := p.queue.Fail(job.ID, workerID, err); ferr != nil && ferr != ErrNotLeased {
			log.Error().Err(ferr).Str("job_id", job.ID).Msg("Worker fail bookkeeping error")
		}
		return
	}
	if err := p.queue.Complete(job.ID, workerID); err != nil && err != ErrNotLeased {
		log.Error().Err(err).Str("job_id", job.ID).Msg("Worker complete bookkeeping error")
	}
}

// runHandler isolates handler panics so one bad task body cannot take a
// worker down.
func runHandler(ctx context.Context, h Handler, job models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

// RunOnce fetches and executes a single job inline on the caller's
// goroutine. Returns whether a job was executed. The admin self-heal path
// and tests use it for deterministic draining.
func (q *Queue) RunOnce(workerID string) (bool, error) {
	job, err := q.Fetch(workerID)
	if err != nil || job == nil {
		return false, err
	}
	h, ok := q.handler(job.Kind)
	if !ok {
		if err := q.Fail(job.ID, workerID, fmt.Errorf("no handler for kind %q", job.Kind)); err != nil && err != ErrNotLeased {
			return true, err
		}
		return true, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.VisibilityTimeout)
	defer cancel()
	if err := runHandler(ctx, h, *job); err != nil {
		if ferr := q.Fail(job.ID, workerID, err); ferr != nil && ferr != ErrNotLeased {
			return true, ferr
		}
		return true, nil
	}
	if err := q.Complete(job.ID, workerID); err != nil && err != ErrNotLeased {
		return true, err
	}
	return true, nil
}

// reaper periodically returns expired leases to the queue.
func (p *WorkerPool) reaper() {
	defer p.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			if n, err := p.queue.ReclaimExpired(); err != nil {
				log.Error().Err(err).Msg("Lease reaper failed")
			} else if n > 0 {
				log.Warn().Int("count", n).Msg("Reclaimed expired job leases")
			}
		}
	}
}

func (p *WorkerPool) sleep(d time.Duration) {
	select {
	case <-p.done:
	case <-time.After(d):
	}
}
