/*
metrics.go - Prometheus instrumentation

PURPOSE:
  HTTP request metrics plus the commission engine's own observations
  (recompute passes, payout status changes). Metrics implements
  commission.Metrics so the orchestrator and workflow report into the same
  registry that /metrics exposes.

METRICS:
  http_requests_total{method,route,status}
  http_request_duration_seconds{method,route,status}
  http_inflight_requests
  commission_recompute_runs_total{status}
  commission_recompute_sellers_total{outcome}
  commission_recompute_duration_seconds
  commission_payout_status_changes_total{status}

  Routes are chi route patterns, never raw paths, to keep cardinality low.

SEE ALSO:
  - server.go: Mounts the middleware and /metrics
  - commission/orchestrator.go: Metrics interface
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/commission-engine/commission"
)

// Metrics owns a registry; each server gets its own so tests never collide
// on the global one.
type Metrics struct {
	Registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInFlight prometheus.Gauge

	recomputeRuns     *prometheus.CounterVec
	recomputeSellers  *prometheus.CounterVec
	recomputeDuration prometheus.Histogram
	statusChanges     *prometheus.CounterVec
}

// NewMetrics creates and registers every collector.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		httpInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Number of HTTP requests currently being served",
		}),
		recomputeRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "commission_recompute_runs_total",
			Help: "Recompute passes by final status",
		}, []string{"status"}),
		recomputeSellers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "commission_recompute_sellers_total",
			Help: "Sellers recomputed, by outcome",
		}, []string{"outcome"}),
		recomputeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "commission_recompute_duration_seconds",
			Help:    "Duration of a full recompute pass",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}),
		statusChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "commission_payout_status_changes_total",
			Help: "Payouts moved to a status",
		}, []string{"status"}),
	}
}

// RecomputeFinished implements commission.Metrics.
func (m *Metrics) RecomputeFinished(status commission.RunStatus, processed, failed int, elapsed time.Duration) {
	m.recomputeRuns.WithLabelValues(string(status)).Inc()
	m.recomputeSellers.WithLabelValues("processed").Add(float64(processed))
	m.recomputeSellers.WithLabelValues("failed").Add(float64(failed))
	m.recomputeDuration.Observe(elapsed.Seconds())
}

// StatusChanged implements commission.Metrics.
func (m *Metrics) StatusChanged(to commission.PayoutStatus, count int) {
	if count <= 0 {
		return
	}
	m.statusChanges.WithLabelValues(string(to)).Add(float64(count))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Middleware records request count, latency and in-flight requests.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		labels := prometheus.Labels{
			"method": r.Method,
			"route":  route,
			"status": strconv.Itoa(statusOf(ww)),
		}
		m.httpRequests.With(labels).Inc()
		m.httpDuration.With(labels).Observe(time.Since(start).Seconds())
	})
}

func statusOf(ww middleware.WrapResponseWriter) int {
	if ww.Status() == 0 {
		return http.StatusOK
	}
	return ww.Status()
}

var _ commission.Metrics = (*Metrics)(nil)
