package metrics

import "github.com/prometheus/client_golang/prometheus"

// CapacityMetrics exposes the live state of the capacity ledger and the
// no-show sweeper.
type CapacityMetrics struct {
	remaining   *prometheus.GaugeVec
	overRelease *prometheus.CounterVec
	swept       prometheus.Counter
}

// NewCapacityMetrics registers the capacity metrics on the provided registerer.
func NewCapacityMetrics(reg prometheus.Registerer) *CapacityMetrics {
	if reg == nil {
		return &CapacityMetrics{}
	}
	remaining := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "capacity_remaining_units",
		Help: "Unclaimed units remaining per offer window.",
	}, []string{"window"})
	overRelease := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "capacity_over_release_total",
		Help: "Release calls clamped because remaining already equaled base capacity.",
	}, []string{"window"})
	swept := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sweeper_orders_swept_total",
		Help: "Orders moved to no_show by the timeout sweeper.",
	})
	reg.MustRegister(remaining, overRelease, swept)
	return &CapacityMetrics{
		remaining:   remaining,
		overRelease: overRelease,
		swept:       swept,
	}
}

// SetRemaining records the current remaining units for a window.
func (c *CapacityMetrics) SetRemaining(window string, remaining int) {
	if c == nil || c.remaining == nil {
		return
	}
	c.remaining.WithLabelValues(normalizeLabel(window)).Set(float64(remaining))
}

// IncOverRelease counts a clamped release for a window.
func (c *CapacityMetrics) IncOverRelease(window string) {
	if c == nil || c.overRelease == nil {
		return
	}
	c.overRelease.WithLabelValues(normalizeLabel(window)).Inc()
}

// AddSwept counts orders transitioned by a sweep cycle.
func (c *CapacityMetrics) AddSwept(count int) {
	if c == nil || c.swept == nil || count <= 0 {
		return
	}
	c.swept.Add(float64(count))
}
