package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return NewMetrics(prometheus.NewRegistry())
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestRecordStepIncrementsCounterAndHistogram(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordStep(5 * time.Millisecond)
	if got := counterValue(t, m.StepsTotal); got != 1 {
		t.Errorf("StepsTotal = %v, want 1", got)
	}
}

func TestRecordEventDispatchedPerModel(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordEventDispatched("clock")
	m.RecordEventDispatched("clock")
	m.RecordEventDispatched("queue")

	if got := counterValue(t, m.EventsDispatchedTotal.WithLabelValues("clock")); got != 2 {
		t.Errorf("clock dispatched = %v, want 2", got)
	}
	if got := counterValue(t, m.EventsDispatchedTotal.WithLabelValues("queue")); got != 1 {
		t.Errorf("queue dispatched = %v, want 1", got)
	}
}

func TestRecordMailboxDepthSetsGauge(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordMailboxDepth("queue", 3)
	if got := gaugeValue(t, m.MailboxDepth.WithLabelValues("queue")); got != 3 {
		t.Errorf("MailboxDepth = %v, want 3", got)
	}
}

func TestSetActiveLoopsUpdatesGauge(t *testing.T) {
	m := newTestMetrics(t)
	m.SetActiveLoops(4)
	if got := gaugeValue(t, m.ActiveLoops); got != 4 {
		t.Errorf("ActiveLoops = %v, want 4", got)
	}
}

func TestCustomCounterIsMemoized(t *testing.T) {
	m := newTestMetrics(t)
	a := m.Counter("custom_total", "help text")
	b := m.Counter("custom_total", "help text")
	if a != b {
		t.Error("Counter() with the same name should return the same *CounterVec")
	}
}

func TestCustomGaugeIsMemoized(t *testing.T) {
	m := newTestMetrics(t)
	a := m.Gauge("custom_gauge", "help text")
	b := m.Gauge("custom_gauge", "help text")
	if a != b {
		t.Error("Gauge() with the same name should return the same *GaugeVec")
	}
}

func TestGetMetricsReturnsSingleton(t *testing.T) {
	a := GetMetrics()
	b := GetMetrics()
	if a != b {
		t.Error("GetMetrics() should return the same instance across calls")
	}
}
