// Package metrics provides the Prometheus instrumentation shared by the
// DAG and state-machine runners: step throughput, node latency,
// semaphore wait time, DAG frontier depth, and state-machine transition
// counts.
//
// Following the teacher's convention, metrics are registered against a
// caller-supplied registry, so multiple engines can run in the same
// process without collisions; the global DefaultRegisterer is used only
// when New is given a nil registry.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every gauge/counter/histogram the runners record
// against. All fields are safe for concurrent use.
type Metrics struct {
	stepsStarted  *prometheus.CounterVec
	stepsFinished *prometheus.CounterVec
	stepsErrored  *prometheus.CounterVec

	nodeLatency *prometheus.HistogramVec

	semaphoreWait *prometheus.HistogramVec

	frontierDepth *prometheus.GaugeVec

	smTransitions *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// New creates and registers every metric against registry. A nil
// registry falls back to prometheus.DefaultRegisterer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		enabled: true,
		stepsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ramus",
			Name:      "steps_started_total",
			Help:      "Steps for which step:start was emitted.",
		}, []string{"source"}),
		stepsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ramus",
			Name:      "steps_finished_total",
			Help:      "Steps for which step:end was emitted.",
		}, []string{"source"}),
		stepsErrored: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ramus",
			Name:      "steps_errored_total",
			Help:      "Steps for which step:error was emitted.",
		}, []string{"source"}),
		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ramus",
			Name:      "node_duration_ms",
			Help:      "DAG/state-machine node body execution duration in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"source", "node", "status"}),
		semaphoreWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ramus",
			Name:      "semaphore_wait_ms",
			Help:      "Time spent blocked in Acquire before a slot was granted.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"key"}),
		frontierDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ramus",
			Name:      "dag_frontier_depth",
			Help:      "Nodes currently ready or running in a DAG run.",
		}, []string{"dag"}),
		smTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ramus",
			Name:      "state_machine_transitions_total",
			Help:      "Transitions taken by a state machine runner.",
		}, []string{"machine", "from", "to"}),
	}
}

func (m *Metrics) on() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Disable stops recording (tests commonly use this to silence noise).
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable resumes recording after Disable.
func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}

func (m *Metrics) StepStarted(source string) {
	if !m.on() {
		return
	}
	m.stepsStarted.WithLabelValues(source).Inc()
}

func (m *Metrics) StepFinished(source string) {
	if !m.on() {
		return
	}
	m.stepsFinished.WithLabelValues(source).Inc()
}

func (m *Metrics) StepErrored(source string) {
	if !m.on() {
		return
	}
	m.stepsErrored.WithLabelValues(source).Inc()
}

// RecordNodeLatency records how long a node body took to run.
func (m *Metrics) RecordNodeLatency(source, node string, d time.Duration, status string) {
	if !m.on() {
		return
	}
	m.nodeLatency.WithLabelValues(source, node, status).Observe(float64(d.Milliseconds()))
}

// RecordSemaphoreWait records how long Acquire blocked before granting
// a slot for key.
func (m *Metrics) RecordSemaphoreWait(key string, d time.Duration) {
	if !m.on() {
		return
	}
	m.semaphoreWait.WithLabelValues(key).Observe(float64(d.Milliseconds()))
}

// SetFrontierDepth sets the number of ready-or-running nodes for dag.
func (m *Metrics) SetFrontierDepth(dag string, depth int) {
	if !m.on() {
		return
	}
	m.frontierDepth.WithLabelValues(dag).Set(float64(depth))
}

// RecordTransition counts a state-machine transition from -> to.
func (m *Metrics) RecordTransition(machine, from, to string) {
	if !m.on() {
		return
	}
	m.smTransitions.WithLabelValues(machine, from, to).Inc()
}
