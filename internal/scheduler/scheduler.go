package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/veldt-labs/opsplane/internal/eventlog"
	"github.com/veldt-labs/opsplane/internal/kvstore"
	"github.com/veldt-labs/opsplane/internal/models"
	"github.com/veldt-labs/opsplane/internal/queue"
)

// KV keys. The scheduler exclusively owns tick state and last-run marks.
const (
	HeartbeatKey = "scheduler_heartbeat"
	lastRunKey   = "task_last_run:"
	takenKey     = "task_taken:"
)

// Body is one task's work, executed on queue workers with the worker's
// deadline, never on the scheduler loop.
type Body func(ctx context.Context) error

// JobQueue is the slice of the queue the scheduler uses.
type JobQueue interface {
	Enqueue(kind string, payload json.RawMessage, priority models.Priority, idempotencyKey string) (string, error)
	Register(kind string, h queue.Handler)
	Stats() (queue.Stats, error)
}

// FlagReader gates tasks behind feature flags.
type FlagReader interface {
	IsEnabled(name, userID, env string) bool
}

// Config tunes the loop.
type Config struct {
	Environment      string
	BackpressureHigh int
	BackpressureLow  int
}

// Scheduler is the single control loop that owns wall-clock time. Each tick
// it selects due tasks, claims the (task, minute) mark via KV CAS and
// enqueues the body; losers short-circuit. A long task can never block a
// tick because bodies run on the worker pool.
type Scheduler struct {
	kv    *kvstore.Store
	store *eventlog.Store
	queue JobQueue
	flags FlagReader
	cfg   Config
	now   func() time.Time

	mu      sync.Mutex
	tasks   []compiled
	bodies  map[string]Body
	tickNo  int64
	// deferring is the backpressure latch: set above high water, cleared
	// below low water.
	deferring bool

	ticker *time.Ticker
	done   chan bool
}

// New builds the scheduler over the standing task table.
func New(kv *kvstore.Store, store *eventlog.Store, q JobQueue, flags FlagReader, cfg Config, tasks []models.Task, now func() time.Time) (*Scheduler, error) {
	if now == nil {
		now = time.Now
	}
	if cfg.BackpressureHigh <= 0 {
		cfg.BackpressureHigh = 100
	}
	if cfg.BackpressureLow <= 0 {
		cfg.BackpressureLow = 25
	}
	s := &Scheduler{
		kv:     kv,
		store:  store,
		queue:  q,
		flags:  flags,
		cfg:    cfg,
		now:    now,
		bodies: make(map[string]Body),
		done:   make(chan bool),
	}
	for _, t := range tasks {
		c, err := compile(t)
		if err != nil {
			return nil, err
		}
		s.tasks = append(s.tasks, c)
	}
	return s, nil
}

// Register binds a task body and installs the queue handler that wraps it
// with run bookkeeping. Must be called for every task before Run.
func (s *Scheduler) Register(name string, body Body) {
	s.mu.Lock()
	s.bodies[name] = body
	s.mu.Unlock()
	s.queue.Register(jobKind(name), s.bodyHandler(name, body))
}

func jobKind(task string) string { return "task:" + task }

// bodyHandler runs the body on a worker, then records the outcome: one
// scheduler_run event per run, and the last-run mark on success (debounce
// counts successful fires only).
func (s *Scheduler) bodyHandler(name string, body Body) queue.Handler {
	return func(ctx context.Context, _ models.Job) error {
		err := body(ctx)
		outcome := "ok"
		if err != nil {
			outcome = "err"
		}
		s.appendRun(name, outcome)
		if err == nil {
			if perr := s.kv.Put(lastRunKey+name, s.now().UTC().Format(time.RFC3339), 0); perr != nil {
				log.Error().Err(perr).Str("task", name).Msg("Scheduler: failed to persist last-run mark")
			}
		}
		return err
	}
}

func (s *Scheduler) appendRun(name, outcome string) {
	if _, err := s.store.Append("scheduler", models.NewEvent(models.KindSchedulerRun, "scheduler", map[string]any{
		"task_name": name,
		"outcome":   outcome,
	})); err != nil {
		log.Error().Err(err).Str("task", name).Msg("Scheduler: failed to append scheduler_run")
	}
}

// ReplayLastRuns rebuilds missing last-run marks from the most recent
// scheduler_run events. KV remains authoritative; replay only fills marks a
// crash may have lost.
func (s *Scheduler) ReplayLastRuns(limit int) {
	if limit <= 0 {
		limit = 500
	}
	events, err := s.store.Scan("scheduler", eventlog.Query{
		Kinds: []models.Kind{models.KindSchedulerRun},
		Limit: limit,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Scheduler: replay scan failed")
		return
	}
	latest := map[string]time.Time{}
	for _, e := range events {
		if e.PayloadString("outcome") == "ok" {
			name := e.PayloadString("task_name")
			if e.TS.After(latest[name]) {
				latest[name] = e.TS
			}
		}
	}
	for name, ts := range latest {
		if _, err := s.kv.Get(lastRunKey + name); err == kvstore.ErrNotFound {
			if perr := s.kv.Put(lastRunKey+name, ts.Format(time.RFC3339), 0); perr == nil {
				log.Info().Str("task", name).Time("last_run", ts).Msg("Scheduler: replayed last-run mark")
			}
		}
	}
}

// Run ticks on every wall-clock minute until Stop.
func (s *Scheduler) Run() {
	log.Info().Msg("Starting scheduler loop...")
	// Align to the next minute boundary so wall-clock tasks fire exactly.
	first := time.After(time.Until(s.now().Truncate(time.Minute).Add(time.Minute)))
	select {
	case <-s.done:
		return
	case <-first:
	}

	s.Tick()
	s.ticker = time.NewTicker(time.Minute)
	defer s.ticker.Stop()
	for {
		select {
		case <-s.done:
			log.Info().Msg("Stopping scheduler loop.")
			return
		case <-s.ticker.C:
			s.Tick()
		}
	}
}

// Stop halts the loop; in-flight CAS attempts finish first because Tick
// runs to completion on the loop goroutine.
func (s *Scheduler) Stop() {
	s.done <- true
}

// Tick runs one scheduling round. Failures in one task never stop the loop;
// the tick continues with the next task.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	minute := s.now().UTC().Truncate(time.Minute)
	s.tickNo++

	if err := s.kv.Put(HeartbeatKey, minute.Format(time.RFC3339), 0); err != nil {
		log.Error().Err(err).Msg("Scheduler: heartbeat write failed")
	}

	depth := 0
	if stats, err := s.queue.Stats(); err == nil {
		depth = stats.Depth
		if depth > s.cfg.BackpressureHigh && !s.deferring {
			s.deferring = true
			log.Warn().Int("depth", depth).Msg("Scheduler: backpressure engaged, deferring non-critical tasks")
		} else if depth < s.cfg.BackpressureLow && s.deferring {
			s.deferring = false
			log.Info().Int("depth", depth).Msg("Scheduler: backpressure released")
		}
	}

	var nextRuns []string
	for _, c := range s.tasks {
		if fired := s.tickTask(c, minute); fired {
			nextRuns = append(nextRuns, c.task.Name)
		}
	}

	if _, err := s.store.Append("scheduler", models.NewEvent(models.KindSchedulerTick, "scheduler", map[string]any{
		"tick_no":      s.tickNo,
		"next_runs":    nextRuns,
		"queue_depth":  depth,
		"backpressure": s.deferring,
	})); err != nil {
		log.Error().Err(err).Msg("Scheduler: failed to append scheduler_tick")
	}
}

// tickTask decides one task for one minute. Returns whether it enqueued.
func (s *Scheduler) tickTask(c compiled, minute time.Time) bool {
	t := c.task

	if t.RequiresFlag != "" && !s.flags.IsEnabled(t.RequiresFlag, "", s.cfg.Environment) {
		return false
	}

	lastRun := s.lastRun(t.Name)
	if !c.due(minute, lastRun) {
		return false
	}
	if !lastRun.IsZero() && minute.Sub(lastRun) < t.Debounce {
		s.appendRun(t.Name, "skip_debounce")
		return false
	}
	if s.deferring && !t.Critical {
		log.Info().Str("task", t.Name).Msg("Scheduler: deferred under backpressure")
		return false
	}

	// Due -> Taken via CAS; the loser of a concurrent claim short-circuits.
	mark := takenKey + t.Name + ":" + minute.Format(time.RFC3339)
	took, err := s.kv.CAS(mark, "", "taken", 2*time.Hour)
	if err != nil {
		log.Error().Err(err).Str("task", t.Name).Msg("Scheduler: CAS failed")
		return false
	}
	if !took {
		return false
	}

	payload, _ := json.Marshal(map[string]string{"scheduled_for": minute.Format(time.RFC3339)})
	idem := fmt.Sprintf("task:%s:%s", t.Name, minute.Format(time.RFC3339))
	if _, err := s.queue.Enqueue(jobKind(t.Name), payload, t.Priority, idem); err != nil {
		log.Error().Err(err).Str("task", t.Name).Msg("Scheduler: enqueue failed")
		s.appendRun(t.Name, "err")
		return false
	}
	return true
}

func (s *Scheduler) lastRun(name string) time.Time {
	raw, err := s.kv.Get(lastRunKey + name)
	if err != nil {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// HeartbeatAge reports how stale the scheduler heartbeat is; the validator
// treats a large age as a hard failure.
func HeartbeatAge(kv *kvstore.Store, now time.Time) (time.Duration, error) {
	raw, err := kv.Get(HeartbeatKey)
	if err != nil {
		return 0, err
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, err
	}
	return now.Sub(ts), nil
}
