package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the maintenance scheduler.
type Metrics struct {
	JobsFired    *prometheus.CounterVec
	JobsFailed   *prometheus.CounterVec
	TickDuration prometheus.Histogram
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		JobsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pymakebot",
			Subsystem: "scheduler",
			Name:      "jobs_fired_total",
			Help:      "Total maintenance jobs fired, by job.",
		}, []string{"job"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pymakebot",
			Subsystem: "scheduler",
			Name:      "jobs_failed_total",
			Help:      "Total maintenance jobs that returned an error, by job.",
		}, []string{"job"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pymakebot",
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of each scheduler tick.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}

	reg.MustRegister(m.JobsFired, m.JobsFailed, m.TickDuration)
	return m
}
