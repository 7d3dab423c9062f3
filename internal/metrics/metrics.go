// Package metrics exposes Prometheus metrics for flows, history and HTTP.
//
// Metrics:
//   - promptsmith_flows_total: flow runs by flow, model and outcome
//   - promptsmith_flow_duration_seconds: flow latency by flow and model
//   - promptsmith_stream_tokens_total: streamed chunks by flow
//   - promptsmith_history_records / promptsmith_history_chains: history size
//   - promptsmith_http_requests_total / promptsmith_http_request_duration_seconds
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "promptsmith"

// Flow outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
)

// Metrics holds the registry and every collector. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	flows        *prometheus.CounterVec
	flowDuration *prometheus.HistogramVec
	streamTokens *prometheus.CounterVec

	historyRecords prometheus.Gauge
	historyChains  prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates a registry with process and Go collectors plus promptsmith metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		flows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flows_total",
				Help:      "Optimize, iterate and test flow runs by outcome",
			},
			[]string{"flow", "model", "outcome"},
		),
		flowDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "flow_duration_seconds",
				Help:      "Flow latency in seconds, including the model call",
				Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"flow", "model"},
		),
		streamTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_tokens_total",
				Help:      "Streamed content chunks delivered to callers",
			},
			[]string{"flow"},
		),
		historyRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "history_records",
			Help:      "Records currently stored in prompt history",
		}),
		historyChains: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "history_chains",
			Help:      "Distinct chains currently stored in prompt history",
		}),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route pattern and status",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.flows,
		m.flowDuration,
		m.streamTokens,
		m.historyRecords,
		m.historyChains,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveFlow records one finished flow.
func (m *Metrics) ObserveFlow(flow, model, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.flows.WithLabelValues(flow, model, outcome).Inc()
	m.flowDuration.WithLabelValues(flow, model).Observe(d.Seconds())
}

// AddStreamToken counts one streamed chunk.
func (m *Metrics) AddStreamToken(flow string) {
	if m == nil {
		return
	}
	m.streamTokens.WithLabelValues(flow).Inc()
}

// SetHistory updates the history size gauges.
func (m *Metrics) SetHistory(records, chains int) {
	if m == nil {
		return
	}
	m.historyRecords.Set(float64(records))
	m.historyChains.Set(float64(chains))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
