package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestActiveConnectionsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ActiveConnections.Inc()
	m.ActiveConnections.Inc()
	m.ActiveConnections.Dec()

	if got := gaugeValue(t, m.ActiveConnections); got != 1 {
		t.Fatalf("ActiveConnections = %v, want 1", got)
	}
}

func TestApplicationErrorsByProtocol(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ApplicationErrors.WithLabelValues("http").Inc()
	m.ApplicationErrors.WithLabelValues("websocket").Inc()
	m.ApplicationErrors.WithLabelValues("http").Inc()

	var httpMetric dto.Metric
	if err := m.ApplicationErrors.WithLabelValues("http").Write(&httpMetric); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := httpMetric.GetCounter().GetValue(); got != 2 {
		t.Fatalf("http errors = %v, want 2", got)
	}
}
