package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter owns the scrape surface: every gauge and counter the control
// plane publishes, on a private registry so tests can run many instances.
type Exporter struct {
	registry *prometheus.Registry

	routeP95        *prometheus.GaugeVec
	queueDepth      prometheus.Gauge
	dlqDepth        prometheus.Gauge
	errorRate       *prometheus.CounterVec
	rateLimitHits   *prometheus.CounterVec
	aiCostDaily     prometheus.Gauge
	workerTarget    prometheus.Gauge
	budgetRemaining *prometheus.GaugeVec
}

// NewExporter builds the registry and registers every metric.
func NewExporter() *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		routeP95: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "api_latency_p95_ms",
			Help: "95th percentile API latency per route in milliseconds.",
		}, []string{"route"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Jobs visible in the queue.",
		}),
		dlqDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dlq_depth",
			Help: "Jobs parked in the dead-letter queue.",
		}),
		errorRate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "error_rate_total",
			Help: "Component errors by type.",
		}, []string{"type"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_hits_total",
			Help: "Requests refused by rate limiting, by scope.",
		}, []string{"scope"}),
		aiCostDaily: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ai_cost_daily_usd",
			Help: "Rolling 24h spend in USD.",
		}),
		workerTarget: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autoscale_worker_target",
			Help: "Worker count the autoscaler currently targets.",
		}),
		budgetRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "slo_error_budget_remaining_pct",
			Help: "Remaining error budget per SLO in percent.",
		}, []string{"slo"}),
	}
	e.registry.MustRegister(e.routeP95, e.queueDepth, e.dlqDepth, e.errorRate,
		e.rateLimitHits, e.aiCostDaily, e.workerTarget, e.budgetRemaining)
	return e
}

// Handler serves the plain-text exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

func (e *Exporter) SetRouteP95(route string, ms float64) { e.routeP95.WithLabelValues(route).Set(ms) }
func (e *Exporter) SetQueueDepth(n int)                  { e.queueDepth.Set(float64(n)) }
func (e *Exporter) SetDLQDepth(n int)                    { e.dlqDepth.Set(float64(n)) }
func (e *Exporter) IncError(errType string)              { e.errorRate.WithLabelValues(errType).Inc() }
func (e *Exporter) IncRateLimitHit(scope string)         { e.rateLimitHits.WithLabelValues(scope).Inc() }
func (e *Exporter) SetDailyCost(usd float64)             { e.aiCostDaily.Set(usd) }
func (e *Exporter) SetWorkerTarget(n int)                { e.workerTarget.Set(float64(n)) }
func (e *Exporter) SetBudgetRemaining(slo string, pct float64) {
	e.budgetRemaining.WithLabelValues(slo).Set(pct)
}
