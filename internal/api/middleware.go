package api

import (
	"crypto/subtle"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/veldt-labs/opsplane/internal/api/handlers"
	"github.com/veldt-labs/opsplane/internal/eventlog"
	"github.com/veldt-labs/opsplane/internal/metrics"
	"github.com/veldt-labs/opsplane/internal/models"
)

// trace appends one http_trace event per request: route pattern, status and
// duration. The SLO engine derives availability and latency percentiles
// from these; rate-limited responses also bump the scrape counter.
func trace(store *eventlog.Store, exp *metrics.Exporter, now func() time.Time) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			if exp != nil && ww.Status() == http.StatusTooManyRequests {
				exp.IncRateLimitHit("api")
			}
			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = r.URL.Path
			}
			ev := models.NewEvent(models.KindHTTPTrace, "api", map[string]any{
				"method":      r.Method,
				"route":       route,
				"status":      ww.Status(),
				"duration_ms": float64(now().Sub(start)) / float64(time.Millisecond),
			})
			ev.CorrelationID = middleware.GetReqID(r.Context())
			if _, err := store.Append("api", ev); err != nil {
				log.Error().Err(err).Msg("Failed to append http trace")
			}
		})
	}
}

// adminOnly guards mutating and admin routes with the shared secret. An
// empty configured secret disables the check (local development).
func adminOnly(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" {
				got := r.Header.Get("X-Admin-Secret")
				if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
					handlers.WriteError(w, r, http.StatusUnauthorized, "unauthorized", "missing or invalid admin secret")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// recoverer converts panics into the uniform 500 envelope. Stack traces go
// to the server log only; the response carries detail only in debug mode.
func recoverer(debugMode bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil && rec != http.ErrAbortHandler {
					log.Error().Interface("panic", rec).Bytes("stack", debug.Stack()).Msg("Request handler panicked")
					handlers.WritePanic(w, r, rec, debugMode)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
