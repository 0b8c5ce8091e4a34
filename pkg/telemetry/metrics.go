// Package telemetry exposes the broker's prometheus collectors.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the broker records into.
type Metrics struct {
	registry *prometheus.Registry

	// Requests counts dispatched commands by command name and outcome kind
	// ("ok" for successes).
	Requests *prometheus.CounterVec

	// Retries counts individual retry attempts beyond the first try.
	Retries prometheus.Counter

	// RequestDuration observes end-to-end dispatch latency per command.
	RequestDuration *prometheus.HistogramVec

	// ActiveSessions tracks the live session count.
	ActiveSessions prometheus.Gauge

	// ConnectedExtensions tracks the live extension connection count.
	ConnectedExtensions prometheus.Gauge

	// LockQueueDepth tracks the total number of queued tab-lock waiters.
	LockQueueDepth prometheus.Gauge
}

// New creates and registers the broker collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabmux_requests_total",
			Help: "Dispatched commands by command name and outcome kind.",
		}, []string{"command", "outcome"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tabmux_retries_total",
			Help: "Retry attempts beyond the first try.",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tabmux_request_duration_seconds",
			Help:    "End-to-end dispatch latency per command.",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tabmux_active_sessions",
			Help: "Live client sessions.",
		}),
		ConnectedExtensions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tabmux_connected_extensions",
			Help: "Live extension connections.",
		}),
		LockQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tabmux_lock_queue_depth",
			Help: "Queued tab-lock waiters across all tabs.",
		}),
	}
	reg.MustRegister(m.Requests, m.Retries, m.RequestDuration,
		m.ActiveSessions, m.ConnectedExtensions, m.LockQueueDepth)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
