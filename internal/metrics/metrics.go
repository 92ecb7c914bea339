// Package metrics exposes proxy counters in the Prometheus exposition format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"edgeproxy/internal/worker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "edgeproxy"

// Collector owns the proxy's metrics and its registry. A nil *Collector is
// valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	blocked         *prometheus.CounterVec
	upstreamErrors  *prometheus.CounterVec
	clientCancelled prometheus.Counter
}

// NewCollector registers all proxy metrics on registry, or on a fresh
// registry when nil
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	c := &Collector{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Proxied requests by matched rule and response status class.",
		}, []string{"rule", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Time from request start to upstream response headers.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"rule"}),
		blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocked_total",
			Help:      "Requests refused or dropped, by reason.",
		}, []string{"reason"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream connection failures answered with 502.",
		}, []string{"rule"}),
		clientCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_cancelled_total",
			Help:      "Requests abandoned by the client before the upstream answered.",
		}),
	}

	registry.MustRegister(c.requests, c.duration, c.blocked, c.upstreamErrors, c.clientCancelled)
	return c
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// ObserveRequest records a proxied request that reached the upstream
func (c *Collector) ObserveRequest(rule string, status int, latency time.Duration) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(rule, statusClass(status)).Inc()
	c.duration.WithLabelValues(rule).Observe(latency.Seconds())
}

// ObserveBlock counts a refused or dropped request
func (c *Collector) ObserveBlock(reason string) {
	if c == nil {
		return
	}
	c.blocked.WithLabelValues(reason).Inc()
}

// ObserveUpstreamError counts a failed upstream exchange
func (c *Collector) ObserveUpstreamError(rule string) {
	if c == nil {
		return
	}
	c.upstreamErrors.WithLabelValues(rule).Inc()
}

// ObserveClientCancel counts a request the client abandoned
func (c *Collector) ObserveClientCancel() {
	if c == nil {
		return
	}
	c.clientCancelled.Inc()
}

// StatsSource is implemented by worker.Pool
type StatsSource interface {
	Name() string
	Stats() worker.Stats
}

// RegisterPool exports a worker pool's queue depth and counters
func (c *Collector) RegisterPool(pool StatsSource) {
	if c == nil || pool == nil {
		return
	}
	labels := prometheus.Labels{"pool": pool.Name()}

	c.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "queue",
			Name:        "depth",
			Help:        "Jobs waiting in the background queue.",
			ConstLabels: labels,
		}, func() float64 { return float64(pool.Stats().Queued) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "queue",
			Name:        "processed_total",
			Help:        "Background jobs completed successfully.",
			ConstLabels: labels,
		}, func() float64 { return float64(pool.Stats().Processed) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "queue",
			Name:        "failed_total",
			Help:        "Background jobs that returned an error or panicked.",
			ConstLabels: labels,
		}, func() float64 { return float64(pool.Stats().Failed) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "queue",
			Name:        "dropped_total",
			Help:        "Background jobs discarded on overflow or shutdown.",
			ConstLabels: labels,
		}, func() float64 { return float64(pool.Stats().Dropped) }),
	)
}

// Handler serves the registry
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return strconv.Itoa(status)
	}
	return strconv.Itoa(status/100) + "xx"
}
