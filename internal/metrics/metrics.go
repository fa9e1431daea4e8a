// Package metrics exposes render pipeline and HTTP metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mediarender/internal/render"
)

const namespace = "mediarender"

// Metrics implements render.Metrics and middleware.Observer.
type Metrics struct {
	reg *prometheus.Registry

	transitions   *prometheus.CounterVec
	providerCalls *prometheus.HistogramVec
	providerErrs  *prometheus.CounterVec
	finalizeDur   *prometheus.HistogramVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	pollQueueSize prometheus.Gauge
}

// New registers every collector on a fresh registry, plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Render job status transitions.",
		}, []string{"provider", "kind", "status"}),
		providerCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Latency of provider API calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "op"}),
		providerErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_call_errors_total",
			Help:      "Failed provider API calls.",
		}, []string{"provider", "op"}),
		finalizeDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "finalization_duration_seconds",
			Help:      "Time to download and store a render output.",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		pollQueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "poll_queue_size",
			Help:      "Jobs waiting in the poll queue.",
		}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.transitions,
		m.providerCalls,
		m.providerErrs,
		m.finalizeDur,
		m.httpRequests,
		m.httpDuration,
		m.pollQueueSize,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) JobTransition(provider string, kind render.Kind, status render.Status) {
	m.transitions.WithLabelValues(provider, string(kind), string(status)).Inc()
}

func (m *Metrics) ProviderCall(provider, op string, d time.Duration, err error) {
	m.providerCalls.WithLabelValues(provider, op).Observe(d.Seconds())
	if err != nil {
		m.providerErrs.WithLabelValues(provider, op).Inc()
	}
}

func (m *Metrics) Finalization(d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.finalizeDur.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) SetPollQueueSize(n int64) {
	m.pollQueueSize.Set(float64(n))
}
