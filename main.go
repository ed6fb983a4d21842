package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/veldt-labs/opsplane/internal/anomaly"
	"github.com/veldt-labs/opsplane/internal/api"
	"github.com/veldt-labs/opsplane/internal/api/handlers"
	"github.com/veldt-labs/opsplane/internal/autoscale"
	"github.com/veldt-labs/opsplane/internal/config"
	"github.com/veldt-labs/opsplane/internal/database"
	"github.com/veldt-labs/opsplane/internal/effectors"
	"github.com/veldt-labs/opsplane/internal/eventlog"
	"github.com/veldt-labs/opsplane/internal/flags"
	"github.com/veldt-labs/opsplane/internal/kvstore"
	"github.com/veldt-labs/opsplane/internal/logger"
	"github.com/veldt-labs/opsplane/internal/metrics"
	"github.com/veldt-labs/opsplane/internal/models"
	"github.com/veldt-labs/opsplane/internal/pager"
	"github.com/veldt-labs/opsplane/internal/queue"
	"github.com/veldt-labs/opsplane/internal/reports"
	"github.com/veldt-labs/opsplane/internal/retention"
	"github.com/veldt-labs/opsplane/internal/scheduler"
	"github.com/veldt-labs/opsplane/internal/validator"
	"github.com/veldt-labs/opsplane/internal/websocket"
)

// Exit codes: 0 clean shutdown, 1 config error, 2 storage failure,
// 3 leadership conflict.
const (
	exitOK      = 0
	exitConfig  = 1
	exitStorage = 2
	exitLeader  = 3
)

// incidentAlert is what the event-bus subscriber hands to the raiser
// goroutine.
type incidentAlert struct {
	severity models.Severity
	msg      string
	source   string
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}
	logger.Init(cfg.LogLevel)
	os.Exit(run(cfg))
}

func run(cfg *config.Config) int {
	for _, dir := range []string{cfg.LogDir, cfg.StateDir, cfg.ReportsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error().Err(err).Str("dir", dir).Msg("Failed to create data directory")
			return exitStorage
		}
	}

	// Single logical leader: the pid file refuses a second live scheduler.
	pidPath := filepath.Join(cfg.StateDir, "scheduler.pid")
	if err := scheduler.WritePIDFile(pidPath); err != nil {
		if errors.Is(err, scheduler.ErrLeaderConflict) {
			log.Error().Err(err).Msg("Another instance is already running")
			return exitLeader
		}
		log.Error().Err(err).Msg("Failed to write pid file")
		return exitStorage
	}
	defer scheduler.RemovePIDFile(pidPath)

	db, err := database.New(filepath.Join(cfg.StateDir, "kv.db"))
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize database")
		return exitStorage
	}
	defer db.Close()
	if err := database.Migrate(db); err != nil {
		log.Error().Err(err).Msg("Failed to apply database migrations")
		return exitStorage
	}

	store := eventlog.NewStore(cfg.LogDir, eventlog.Options{
		SegmentBytes: cfg.LogSegmentBytes,
		MaxSegments:  cfg.LogMaxSegments,
		Checksums:    true,
	})
	defer store.Close()
	emit := func(component string) func(models.Event) {
		return func(e models.Event) {
			if _, err := store.Append(component, e); err != nil {
				log.Error().Err(err).Str("component", component).Msg("Event append failed")
			}
		}
	}

	kv := kvstore.New(db, nil)

	fl, err := flags.NewStore(filepath.Join(cfg.StateDir, "flags.json"))
	if err != nil {
		log.Error().Err(err).Msg("Failed to load feature flags")
		return exitConfig
	}
	defer fl.Close()
	// Env vars supply the flag defaults; an existing file entry wins.
	if err = fl.SeedDefault(models.FlagAutoscaleEnabled, models.Flag{Enabled: cfg.AutoscaleEnabled, RolloutPct: 100}); err == nil {
		err = fl.SeedDefault(models.FlagStabilizeMode, models.Flag{Enabled: cfg.StabilizeMode, RolloutPct: 100})
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to seed flag defaults")
		return exitConfig
	}

	exporter := metrics.NewExporter()
	engine := metrics.NewEngine(store, kv, metrics.Targets{
		AvailabilityPct:   cfg.SLOAvailabilityPct,
		P95Ms:             cfg.SLOP95TargetMs,
		P99Ms:             cfg.SLOP99TargetMs,
		WebhookSuccessPct: cfg.SLOWebhookSuccess,
		BurnCriticalPct:   cfg.SLOBurnCriticalPct,
		WindowDays:        cfg.SLOWindowDays,
	}, exporter, nil)

	q := queue.New(db, queue.Config{
		MaxAttempts:       cfg.QueueMaxAttempts,
		FailureTTL:        cfg.QueueFailureTTL,
		IdempotencyTTL:    cfg.IdempotencyTTL,
		VisibilityTimeout: cfg.VisibilityTO,
		PollTimeout:       cfg.PollTimeout,
		AllowSyncFallback: true,
	}, emit("queue"), nil)
	workers := queue.NewWorkerPool(q, cfg.WorkerCount, cfg.DrainGrace)

	// Effectors. Unconfigured endpoints run in dry-run or stay out of the
	// probe set entirely.
	chat := effectors.NewChatWebhook(cfg.ChatWebhook)
	email := effectors.NewEmailSender(cfg.SMTPAddr, cfg.SMTPUser, cfg.SMTPPass, cfg.EmailFrom)
	probers := []effectors.Prober{chat, email}
	var kb effectors.KBEffector
	if cfg.KBBaseURL != "" {
		client := effectors.NewKBClient(cfg.KBBaseURL, cfg.KBToken)
		kb = client
		probers = append(probers, client)
	}
	if cfg.PaymentBaseURL != "" {
		probers = append(probers, effectors.NewPaymentClient(cfg.PaymentBaseURL, cfg.PaymentAPIKey))
	}
	var business *effectors.BusinessClient
	if cfg.BusinessBaseURL != "" {
		business = effectors.NewBusinessClient(cfg.BusinessBaseURL, cfg.BusinessSecret)
		probers = append(probers, business)
	}

	pg := pager.New(db, chat, email, pager.Config{
		DedupTTL: cfg.DedupTTL,
		EmailTo:  cfg.EmailTo,
	}, emit("pager"), nil)

	detector := anomaly.New(anomaly.Config{
		Floors: map[string]float64{"error_rate": 5, "dlq_depth": 3},
	}, emit("anomaly"))

	queueDepth := func() int {
		stats, err := q.Stats()
		if err != nil {
			return 0
		}
		return stats.Depth
	}
	scaler := autoscale.New(autoscale.Config{
		Min:             cfg.ScaleMin,
		Max:             cfg.ScaleMax,
		Cooldown:        cfg.ScaleCooldown,
		DailySpendLimit: cfg.DailySpendLimit,
		ProfitStaleMax:  cfg.ProfitStaleMax,
		DryRun:          cfg.ScaleDryRun,
		Environment:     cfg.Environment,
	}, kv, fl, queueDepth, func() (float64, bool) {
		snap, err := engine.Latest()
		if err != nil || snap == nil {
			return 0, false
		}
		return snap.P95Ms, true
	}, emit("autoscale"), exporter.SetWorkerTarget, nil)
	scaler.SetCostGauge(exporter.SetDailyCost)

	val := validator.New(kv, engine, pg, q, probers, validator.Config{
		SLOInterval:  cfg.SLORecomputeEvery,
		DLQThreshold: 10,
	}, emit("validator"), nil)

	policies := retention.DefaultPolicies()
	policyPath := filepath.Join(cfg.StateDir, "retention.yaml")
	if _, err := os.Stat(policyPath); err == nil {
		policies, err = retention.LoadPolicyFile(policyPath)
		if err != nil {
			log.Error().Err(err).Msg("Malformed retention policy file")
			return exitConfig
		}
	}
	sweeper := retention.NewSweeper(db, policies, cfg.RetentionDryRun, emit("retention"), nil)
	sweeper.AddHook("kv_expired", kv.PruneExpired)
	sweeper.AddHook("queue_terminal", q.PruneTerminal)
	sweeper.AddHook("log_segments", func() (int64, error) {
		return retention.PruneSegments(cfg.LogDir, 30*24*time.Hour, time.Now().UTC())
	})

	reporter := reports.New(engine, pg, email, kb, business, cfg.ReportsDir, cfg.EmailTo, nil)

	sched, err := scheduler.New(kv, store, q, fl, scheduler.Config{
		Environment:      cfg.Environment,
		BackpressureHigh: cfg.BackpressureHigh,
		BackpressureLow:  cfg.BackpressureLow,
	}, scheduler.DefaultTasks(), nil)
	if err != nil {
		log.Error().Err(err).Msg("Invalid task table")
		return exitConfig
	}

	selfHeal := func(ctx context.Context) error {
		if n, err := q.ReclaimExpired(); err == nil && n > 0 {
			log.Info().Int("reclaimed", n).Msg("Self-heal: returned expired leases to the queue")
		}
		if n, err := kv.PruneExpired(); err == nil && n > 0 {
			log.Info().Int64("pruned", n).Msg("Self-heal: dropped expired KV entries")
		}
		_, err := val.Run(ctx)
		return err
	}

	sched.Register(scheduler.TaskDailyBrief, reporter.DailyBrief)
	sched.Register(scheduler.TaskDailyReport, reporter.DailyReport)
	sched.Register(scheduler.TaskWeeklyPulse, reporter.WeeklyPulse)
	sched.Register(scheduler.TaskSelfHeal, selfHeal)
	sched.Register(scheduler.TaskSLORecompute, func(ctx context.Context) error {
		_, err := engine.Recompute()
		return err
	})
	sched.Register(scheduler.TaskIncidentSummary, func(ctx context.Context) error {
		_, err := pg.Summarize(kv)
		return err
	})
	sched.Register(scheduler.TaskRetention, func(ctx context.Context) error {
		if _, err := sweeper.Sweep(); err != nil {
			return err
		}
		return kv.Put(validator.RetentionKey, time.Now().UTC().Format(time.RFC3339), 0)
	})
	sched.Register(scheduler.TaskProductionAlerts, func(ctx context.Context) error {
		return productionAlerts(store, q, detector, scaler, exporter)
	})
	sched.ReplayLastRuns(0)

	// Operator-triggered effects arrive on the queue outside the task table.
	q.Register(handlers.SelfHealJobKind, func(ctx context.Context, _ models.Job) error {
		return selfHeal(ctx)
	})
	q.Register(validator.RollbackJobKind, func(ctx context.Context, _ models.Job) error {
		_, err := pg.Raise(models.SeverityCritical, "automatic rollback suggested: system graded critical", "validator")
		return err
	})

	// Event seam: the hub and the pager observe streams instead of being
	// called by their producers. Subscribers run on the appender's goroutine,
	// so raising goes through a buffered channel and a worker; a slow page
	// must never stall the log write path.
	hub := websocket.NewHub()
	go hub.Run()
	alerts := make(chan incidentAlert, 64)
	go func() {
		for a := range alerts {
			if _, err := pg.Raise(a.severity, a.msg, a.source); err != nil {
				log.Error().Err(err).Str("source", a.source).Msg("Failed to raise incident")
			}
		}
	}()
	raise := func(a incidentAlert) {
		select {
		case alerts <- a:
		default:
			log.Warn().Str("source", a.source).Msg("Incident alert dropped: pager backlog full")
		}
	}
	store.Subscribe(func(e models.Event) {
		hub.BroadcastEvent(e)
		switch e.Kind {
		case models.KindAnomaly:
			if e.PayloadString("severity") == string(models.SeverityHigh) {
				msg := fmt.Sprintf("anomaly on %s: value %.2f against mean %.2f",
					e.PayloadString("signal"), e.PayloadFloat("current"), e.PayloadFloat("mean"))
				raise(incidentAlert{severity: models.SeverityHigh, msg: msg, source: "anomaly"})
			}
		case models.KindSLOSnapshot:
			if e.PayloadString("status") == "breach" {
				msg := fmt.Sprintf("SLO breach: availability %.2f%%, p95 %.0fms",
					e.PayloadFloat("availability_pct"), e.PayloadFloat("p95_ms"))
				raise(incidentAlert{severity: models.SeverityCritical, msg: msg, source: "metrics"})
			}
		}
	})

	go workers.Run()
	go sched.Run()

	// Self-validation loop; bodies for the heavier checks run elsewhere,
	// this only grades and reports.
	valDone := make(chan bool)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-valDone:
				return
			case <-ticker.C:
				if _, err := val.Run(context.Background()); err != nil {
					log.Error().Err(err).Msg("Validation run failed")
				}
			}
		}
	}()

	router := api.NewRouter(api.Deps{
		Cfg:       cfg,
		Store:     store,
		Flags:     fl,
		Queue:     q,
		Engine:    engine,
		Exporter:  exporter,
		Pager:     pg,
		Validator: val,
		Hub:       hub,
	})
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}
	go func() {
		log.Info().Int("port", cfg.Port).Msg("Control plane listening")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down...")

	sched.Stop()
	close(valDone)
	workers.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DrainGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Shutdown complete")
	return exitOK
}

// productionAlerts is the 5-minute sweep: derive the live signals, feed the
// detector and let the autoscaler act on the same view.
func productionAlerts(store *eventlog.Store, q *queue.Queue, detector *anomaly.Detector,
	scaler *autoscale.Autoscaler, exporter *metrics.Exporter) error {
	since := time.Now().UTC().Add(-5 * time.Minute)
	events, err := store.Scan("api", eventlog.Query{
		Kinds: []models.Kind{models.KindHTTPTrace},
		Since: since,
	})
	if err != nil {
		return err
	}

	var errs float64
	var durations []float64
	for _, e := range events {
		if e.PayloadFloat("status") >= 500 {
			errs++
		}
		durations = append(durations, e.PayloadFloat("duration_ms"))
	}
	detector.Observe("error_rate", errs)
	if len(durations) > 0 {
		detector.Observe("p95_latency_ms", metrics.Percentile(durations, 95))
	}

	stats, err := q.Stats()
	if err != nil {
		return err
	}
	detector.Observe("queue_depth", float64(stats.Depth))
	detector.Observe("dlq_depth", float64(stats.DLQ))
	exporter.SetQueueDepth(stats.Depth)
	exporter.SetDLQDepth(stats.DLQ)
	if errs > 0 {
		exporter.IncError("http_5xx")
	}

	_, err = scaler.Tick()
	return err
}
