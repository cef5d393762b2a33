package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the access layer.
//
// Cardinality stays low on purpose: tier names, tenant IDs, and a small
// fixed set of result labels. Endpoint labels are not recorded because the
// external API exposes thousands of paths.
type Metrics struct {
	registry *prometheus.Registry

	CacheRequests *prometheus.CounterVec // tier, result: hit|miss|expired|error
	CacheWrites   *prometheus.CounterVec // tier, result: ok|error

	QuotaDecisions   *prometheus.CounterVec // tenant, result: granted|denied
	QuotaDegradation prometheus.Counter
	QuotaRemaining   *prometheus.GaugeVec // tenant
	QuotaWaitSeconds prometheus.Histogram

	StateOps *prometheus.CounterVec // op: create|get|update_diffs|update_check, result: ok|not_found|error
}

// NewMetrics creates a metrics set on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		CacheRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "profilegate_cache_requests_total",
			Help: "Cache lookups by tier and result.",
		}, []string{"tier", "result"}),
		CacheWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "profilegate_cache_writes_total",
			Help: "Cache writes by tier and result.",
		}, []string{"tier", "result"}),
		QuotaDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "profilegate_quota_decisions_total",
			Help: "Quota acquire decisions by tenant and result.",
		}, []string{"tenant", "result"}),
		QuotaDegradation: factory.NewCounter(prometheus.CounterOpts{
			Name: "profilegate_quota_degradations_total",
			Help: "Falls back from the coordinated bucket to the local bucket.",
		}),
		QuotaRemaining: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "profilegate_quota_remaining_tokens",
			Help: "Best-effort remaining token estimate by tenant.",
		}, []string{"tenant"}),
		QuotaWaitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "profilegate_quota_wait_seconds",
			Help:    "Time spent smoothing bursts in WaitIfNeeded.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
		StateOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "profilegate_state_operations_total",
			Help: "Task state tracker operations by op and result.",
		}, []string{"op", "result"}),
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
