// Package telemetry exposes the simulation's internal behavior to
// external observers: Prometheus metrics for dashboards, OpenTelemetry
// spans for distributed tracing of a single step's dispatch fan-out.
//
// Metrics are promauto-registered CounterVec/GaugeVec/HistogramVec
// collections grouped by what the simulator actually produces: steps,
// scheduled events, mailbox depth, and quiescence wait time.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DefaultRegistry is the registry Metrics registers against unless a
	// caller supplies its own via NewMetrics.
	DefaultRegistry = prometheus.NewRegistry()

	defaultRegisterer = prometheus.WrapRegistererWith(prometheus.Labels{"service": "desim"}, DefaultRegistry)

	metricsOnce sync.Once
	metrics     *Metrics
)

// Metrics holds every counter, gauge, and histogram the simulator
// reports.
type Metrics struct {
	StepsTotal            prometheus.Counter
	StepDuration          prometheus.Histogram
	EventsDispatchedTotal *prometheus.CounterVec
	CausalityCycleCapHits prometheus.Counter

	MailboxDepth       *prometheus.GaugeVec
	MailboxSendBlocked *prometheus.CounterVec

	QuiescenceWaitDuration prometheus.Histogram
	ActiveLoops            prometheus.Gauge

	customMu       sync.RWMutex
	customCounters map[string]*prometheus.CounterVec
	customGauges   map[string]*prometheus.GaugeVec
}

// GetMetrics returns the process-wide Metrics singleton, registered
// against DefaultRegistry on first use.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics(defaultRegisterer)
	})
	return metrics
}

// NewMetrics registers a fresh Metrics collection against registerer.
// A nil registerer falls back to DefaultRegistry, labeled "service=desim".
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = defaultRegisterer
	}

	return &Metrics{
		StepsTotal: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "desim_steps_total",
				Help: "Total number of Step/StepUntil/StepBy calls that advanced simulation time.",
			},
		),
		StepDuration: promauto.With(registerer).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "desim_step_duration_seconds",
				Help:    "Wall-clock duration of a single step's dispatch-to-quiescence cycle.",
				Buckets: prometheus.DefBuckets,
			},
		),
		EventsDispatchedTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "desim_events_dispatched_total",
				Help: "Total number of scheduled events dispatched by the scheduler.",
			},
			[]string{"model"},
		),
		CausalityCycleCapHits: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "desim_causality_cycle_cap_hits_total",
				Help: "Number of times same-instant dispatch hit the causality cycle cap.",
			},
		),
		MailboxDepth: promauto.With(registerer).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "desim_mailbox_depth",
				Help: "Current number of queued closures in a model's mailbox.",
			},
			[]string{"model"},
		),
		MailboxSendBlocked: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "desim_mailbox_send_blocked_total",
				Help: "Total number of Send calls that suspended because the mailbox was full.",
			},
			[]string{"model"},
		),
		QuiescenceWaitDuration: promauto.With(registerer).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "desim_quiescence_wait_duration_seconds",
				Help:    "Wall-clock time spent waiting for the executor pool to reach quiescence.",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
		),
		ActiveLoops: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "desim_active_loops",
				Help: "Current number of mailbox pump loops not parked on an empty mailbox.",
			},
		),
		customCounters: make(map[string]*prometheus.CounterVec),
		customGauges:   make(map[string]*prometheus.GaugeVec),
	}
}

// RecordStep records one completed step's duration.
func (m *Metrics) RecordStep(duration time.Duration) {
	m.StepsTotal.Inc()
	m.StepDuration.Observe(duration.Seconds())
}

// RecordEventDispatched increments the dispatched-event counter for a model.
func (m *Metrics) RecordEventDispatched(model string) {
	m.EventsDispatchedTotal.WithLabelValues(model).Inc()
}

// RecordEventsDispatched adds a batch of n dispatched events under one
// label — the simulation controller uses the pseudo-model "scheduler"
// for deadline-driven dispatch, where the per-entry target model is not
// visible at the controller's altitude.
func (m *Metrics) RecordEventsDispatched(model string, n int) {
	if n > 0 {
		m.EventsDispatchedTotal.WithLabelValues(model).Add(float64(n))
	}
}

// RecordCausalityCycleCapHit counts a same-instant dispatch loop that
// ran into the configured iteration cap.
func (m *Metrics) RecordCausalityCycleCapHit() {
	m.CausalityCycleCapHits.Inc()
}

// RecordMailboxDepth sets a model's current queue depth gauge.
func (m *Metrics) RecordMailboxDepth(model string, depth int) {
	m.MailboxDepth.WithLabelValues(model).Set(float64(depth))
}

// RecordMailboxSendsBlocked adds a batch of n blocked sends for a model.
// The simulation controller feeds this from each mailbox's cumulative
// BlockedSends counter after every step.
func (m *Metrics) RecordMailboxSendsBlocked(model string, n int64) {
	if n > 0 {
		m.MailboxSendBlocked.WithLabelValues(model).Add(float64(n))
	}
}

// RecordQuiescenceWait records the duration of one Barrier.Wait call.
func (m *Metrics) RecordQuiescenceWait(duration time.Duration) {
	m.QuiescenceWaitDuration.Observe(duration.Seconds())
}

// SetActiveLoops reports the executor pool's current active-loop count.
func (m *Metrics) SetActiveLoops(n int64) {
	m.ActiveLoops.Set(float64(n))
}

// Counter returns (creating if absent) a custom counter vector.
func (m *Metrics) Counter(name, help string, labels ...string) *prometheus.CounterVec {
	m.customMu.RLock()
	if c, ok := m.customCounters[name]; ok {
		m.customMu.RUnlock()
		return c
	}
	m.customMu.RUnlock()

	m.customMu.Lock()
	defer m.customMu.Unlock()
	if c, ok := m.customCounters[name]; ok {
		return c
	}
	c := promauto.With(defaultRegisterer).NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	m.customCounters[name] = c
	return c
}

// Gauge returns (creating if absent) a custom gauge vector.
func (m *Metrics) Gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	m.customMu.RLock()
	if g, ok := m.customGauges[name]; ok {
		m.customMu.RUnlock()
		return g
	}
	m.customMu.RUnlock()

	m.customMu.Lock()
	defer m.customMu.Unlock()
	if g, ok := m.customGauges[name]; ok {
		return g
	}
	g := promauto.With(defaultRegisterer).NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	m.customGauges[name] = g
	return g
}
