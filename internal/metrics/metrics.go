package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "replenish"

// Metrics holds the collectors of one process. Each instance owns its registry so tests can
// build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	ItemsReported           *prometheus.CounterVec
	ItemsMerged             *prometheus.CounterVec
	UrgentOrders            prometheus.Counter
	AutoMergeFailures       prometheus.Counter
	HTTPRequestDuration     *prometheus.HistogramVec
	BreakerStateTransitions *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: registry}
	m.ItemsReported = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "replacement_items_reported_total",
		Help:      "Replacement items enqueued, by priority.",
	}, []string{"priority"})
	m.ItemsMerged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "merged_items_total",
		Help:      "Replacement items folded into draft orders, by mode (manual or auto).",
	}, []string{"mode"})
	m.UrgentOrders = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "urgent_orders_total",
		Help:      "Urgent orders synthesized from replacement queues.",
	})
	m.AutoMergeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "automerge_branch_failures_total",
		Help:      "Branches that failed during an auto-merge sweep.",
	})
	m.HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "route", "status"})
	m.BreakerStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_breaker_transitions_total",
		Help:      "Store circuit breaker state changes, by target state.",
	}, []string{"to"})

	registry.MustRegister(
		m.ItemsReported,
		m.ItemsMerged,
		m.UrgentOrders,
		m.AutoMergeFailures,
		m.HTTPRequestDuration,
		m.BreakerStateTransitions,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(method string, route string, status int, elapsed time.Duration) {
	m.HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
