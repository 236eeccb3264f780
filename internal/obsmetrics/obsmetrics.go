// Package obsmetrics exposes the Prometheus counters and histograms named
// in SPEC_FULL.md's External Interfaces section.
package obsmetrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the gateway and engine record to.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	IsolatePoolSize     *prometheus.GaugeVec
	IsolateAcquireTime  prometheus.Histogram
	AuthEvaluations     *prometheus.CounterVec
	PolicyDecisions     *prometheus.CounterVec
	KVBytesUsed         *prometheus.GaugeVec
	InFlightRequests    prometheus.Gauge
}

// New registers and returns the gateway's metric collectors against reg.
// Pass prometheus.NewRegistry() in tests to avoid global-registry collisions.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total HTTP requests handled by the gateway, by project/route/status.",
		}, []string{"project", "route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Gateway request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"project", "route"}),
		IsolatePoolSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "isolate_pool_size",
			Help: "Number of isolates in the pool by state.",
		}, []string{"state"}),
		IsolateAcquireTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "isolate_acquire_duration_seconds",
			Help:    "Time spent waiting to acquire an isolate.",
			Buckets: prometheus.DefBuckets,
		}),
		AuthEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_evaluations_total",
			Help: "Auth chain evaluations by method kind and result.",
		}, []string{"method", "result"}),
		PolicyDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_decisions_total",
			Help: "Policy evaluator decisions by scope and effect.",
		}, []string{"scope", "effect"}),
		KVBytesUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kv_bytes_used",
			Help: "Bytes currently stored in the KV adapter per project.",
		}, []string{"project"}),
		InFlightRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_in_flight_requests",
			Help: "Number of requests currently being processed.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.IsolatePoolSize, m.IsolateAcquireTime,
		m.AuthEvaluations, m.PolicyDecisions, m.KVBytesUsed, m.InFlightRequests,
	)
	return m
}

// Handler returns the /metrics HTTP handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Middleware records per-request metrics, keyed by project id (pulled from
// the mux route's "project" var when present) and the matched route
// template.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.InFlightRequests.Inc()
		defer m.InFlightRequests.Dec()

		wrapped := &statusCapture{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		project := "-"
		route := r.URL.Path
		if rt := mux.CurrentRoute(r); rt != nil {
			if tpl, err := rt.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		if p := mux.Vars(r)["project"]; p != "" {
			project = p
		}

		status := strconv.Itoa(wrapped.statusCode)
		m.RequestsTotal.WithLabelValues(project, route, status).Inc()
		m.RequestDuration.WithLabelValues(project, route).Observe(time.Since(start).Seconds())
	})
}

type statusCapture struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (s *statusCapture) WriteHeader(code int) {
	if !s.written {
		s.statusCode = code
		s.written = true
		s.ResponseWriter.WriteHeader(code)
	}
}

func (s *statusCapture) Write(b []byte) (int, error) {
	if !s.written {
		s.WriteHeader(http.StatusOK)
	}
	return s.ResponseWriter.Write(b)
}
