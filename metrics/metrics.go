// Package metrics exposes the transaction core's Prometheus collectors.
//
// Every component accepts a *Collector and every method is safe on a nil
// receiver, so tests and embedded uses can run without metrics.
package metrics

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "txcore"

type Collector struct {
	registry *prometheus.Registry
	logger   *slog.Logger

	operations        *prometheus.CounterVec
	applyDuration     *prometheus.HistogramVec
	conflicts         *prometheus.CounterVec
	counterIncrements prometheus.Counter
	reconcileDrift    prometheus.Histogram
	rateLimit         *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

func New(logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		logger:   logger,
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Idempotent operations by type and outcome (completed, failed, replayed, rejected).",
		}, []string{"type", "outcome"}),
		applyDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "balance_apply_duration_seconds",
			Help:      "Latency of balance applications including conflict retries.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"direction", "outcome"}),
		conflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      "Optimistic concurrency conflicts observed, by component.",
		}, []string{"component"}),
		counterIncrements: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "counter_increments_total",
			Help:      "Committed sharded counter increments.",
		}),
		reconcileDrift: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "counter_reconcile_drift",
			Help:      "Absolute difference between shard sum and stored total at reconciliation.",
			Buckets:   []float64{0, 1, 5, 10, 50, 100, 500, 1000},
		}),
		rateLimit: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "Rate limit decisions by tier (allowed, denied, fail_open, fail_closed).",
		}, []string{"tier", "decision"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests processed, labeled by status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP requests.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "route"}),
	}
}

// Registry is exposed for tests that gather values directly.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{ErrorLog: slog.NewLogLogger(c.logger.Handler(), slog.LevelError)})
}

func (c *Collector) ObserveOperation(opType, outcome string) {
	if c == nil {
		return
	}
	c.operations.WithLabelValues(opType, outcome).Inc()
}

func (c *Collector) ObserveApply(direction, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.applyDuration.WithLabelValues(direction, outcome).Observe(d.Seconds())
}

func (c *Collector) ObserveConflict(component string) {
	if c == nil {
		return
	}
	c.conflicts.WithLabelValues(component).Inc()
}

func (c *Collector) ObserveIncrement() {
	if c == nil {
		return
	}
	c.counterIncrements.Inc()
}

func (c *Collector) ObserveReconcile(drift int64) {
	if c == nil {
		return
	}
	if drift < 0 {
		drift = -drift
	}
	c.reconcileDrift.Observe(float64(drift))
}

func (c *Collector) ObserveRateLimit(tier, decision string) {
	if c == nil {
		return
	}
	c.rateLimit.WithLabelValues(tier, decision).Inc()
}

func (c *Collector) ObserveHTTP(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
