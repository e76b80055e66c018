package semaphore

import "github.com/prometheus/client_golang/prometheus"

// Gauges exposes a Registry's per-key occupancy as Prometheus gauges, so
// rate-limit saturation is visible the same way the engine's own
// scheduler metrics are (see package metrics).
type Gauges struct {
	registry *Registry
	current  *prometheus.GaugeVec
	limit    *prometheus.GaugeVec
	waiters  *prometheus.GaugeVec
}

// RegisterGauges creates and registers the gauges against reg, reading
// live values from r whenever Prometheus scrapes them.
func RegisterGauges(reg *prometheus.Registry, r *Registry) *Gauges {
	g := &Gauges{
		registry: r,
		current: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ramus_semaphore_current",
			Help: "Slots currently held, per semaphore key.",
		}, []string{"key"}),
		limit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ramus_semaphore_limit",
			Help: "Configured limit, per semaphore key.",
		}, []string{"key"}),
		waiters: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ramus_semaphore_waiters",
			Help: "Goroutines blocked waiting for a slot, per semaphore key.",
		}, []string{"key"}),
	}
	reg.MustRegister(g.current, g.limit, g.waiters)
	return g
}

// Observe refreshes the gauges for key from the live registry state.
// Callers typically invoke this from Acquire/Release call sites, or on
// a ticker, since Prometheus gauges are pull-based snapshots rather than
// self-updating.
func (g *Gauges) Observe(key string) {
	g.registry.mu.Lock()
	s, ok := g.registry.sems[key]
	var current, limit, waiters int
	if ok {
		current, limit, waiters = s.current, s.limit, s.waiters.Len()
	}
	g.registry.mu.Unlock()

	g.current.WithLabelValues(key).Set(float64(current))
	g.limit.WithLabelValues(key).Set(float64(limit))
	g.waiters.WithLabelValues(key).Set(float64(waiters))
}
