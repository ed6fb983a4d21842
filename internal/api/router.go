package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/veldt-labs/opsplane/internal/api/handlers"
	"github.com/veldt-labs/opsplane/internal/config"
	"github.com/veldt-labs/opsplane/internal/eventlog"
	"github.com/veldt-labs/opsplane/internal/flags"
	"github.com/veldt-labs/opsplane/internal/metrics"
	"github.com/veldt-labs/opsplane/internal/pager"
	"github.com/veldt-labs/opsplane/internal/queue"
	"github.com/veldt-labs/opsplane/internal/validator"
	"github.com/veldt-labs/opsplane/internal/websocket"
)

// Deps carries everything the admin surface serves from.
type Deps struct {
	Cfg       *config.Config
	Store     *eventlog.Store
	Flags     *flags.Store
	Queue     *queue.Queue
	Engine    *metrics.Engine
	Exporter  *metrics.Exporter
	Pager     *pager.Pager
	Validator *validator.Validator
	Hub       *websocket.Hub
	Now       func() time.Time
}

// apiConcurrencyLimit caps in-flight admin requests; excess requests get
// 429 once the backlog timeout passes.
const apiConcurrencyLimit = 100

// NewRouter creates and configures a new Chi router.
func NewRouter(d Deps) *chi.Mux {
	if d.Now == nil {
		d.Now = time.Now
	}
	r := chi.NewRouter()

	// Basic middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(recoverer(d.Cfg.Debug))

	// CORS configuration for the admin frontend
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Admin-Secret"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(d.Validator)
	obsHandler := handlers.NewObservabilityHandler(d.Engine, d.Store)
	opsHandler := handlers.NewOpsHandler(d.Queue, d.Pager, d.Now)
	flagsHandler := handlers.NewFlagsHandler(d.Flags)
	wsHandler := handlers.NewWebSocketHandler(d.Hub)

	// Unauthenticated probes and the scrape surface.
	r.Get("/health", healthHandler.Health)
	r.Method(http.MethodGet, "/metrics", d.Exporter.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(adminOnly(d.Cfg.AdminSecret))
		r.Use(trace(d.Store, d.Exporter, d.Now))
		// Throttle sits inside trace so its 429s land in the traces and the
		// rate-limit counter.
		r.Use(middleware.Throttle(apiConcurrencyLimit))

		r.Get("/system-health", healthHandler.SystemHealth)
		r.Get("/observability/slo", obsHandler.SLO)
		r.Get("/observability/latency", obsHandler.Latency)
		r.Post("/self-heal", opsHandler.SelfHeal)
		r.Post("/rollback/suggest", opsHandler.RollbackSuggest)

		r.Route("/v1", func(r chi.Router) {
			r.Get("/ws", wsHandler.Serve)
			r.Get("/events/recent", obsHandler.RecentEvents)
			r.Get("/flags", flagsHandler.GetAll)
			r.Post("/flags/{name}", flagsHandler.Set)
			r.Get("/queue/stats", opsHandler.QueueStats)
			r.Post("/queue/redrive", opsHandler.QueueRedrive)
			r.Get("/incidents/recent", opsHandler.RecentIncidents)
		})
	})

	return r
}
