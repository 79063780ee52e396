package session

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is a point-in-time copy of the session counters.
type Stats struct {
	TotalRequests        int     `json:"total_requests"`
	SuccessfulExecutions int     `json:"successful_executions"`
	FailedExecutions     int     `json:"failed_executions"`
	APIErrors            int     `json:"api_errors"`
	SuccessRate          float64 `json:"success_rate"`
}

// Metrics counts what happened during a session. Reads are safe from other
// goroutines (the dashboard's stats endpoint); the session owner writes.
type Metrics struct {
	mu                   sync.Mutex
	totalRequests        int
	successfulExecutions int
	failedExecutions     int
	apiErrors            int
}

// NewMetrics returns zeroed counters.
func NewMetrics() *Metrics { return &Metrics{} }

// RecordRequest counts a generation request, successful or not.
func (m *Metrics) RecordRequest() {
	m.mu.Lock()
	m.totalRequests++
	m.mu.Unlock()
}

// RecordAPIError counts a generation that failed at the provider.
func (m *Metrics) RecordAPIError() {
	m.mu.Lock()
	m.apiErrors++
	m.mu.Unlock()
}

// RecordExecution counts a finished run.
func (m *Metrics) RecordExecution(success bool) {
	m.mu.Lock()
	if success {
		m.successfulExecutions++
	} else {
		m.failedExecutions++
	}
	m.mu.Unlock()
}

// SuccessRate is successful executions as a percentage of requests, or 0
// before the first request.
func (m *Metrics) SuccessRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.successRateLocked()
}

func (m *Metrics) successRateLocked() float64 {
	if m.totalRequests == 0 {
		return 0
	}
	return float64(m.successfulExecutions) / float64(m.totalRequests) * 100
}

// Snapshot copies the counters.
func (m *Metrics) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		TotalRequests:        m.totalRequests,
		SuccessfulExecutions: m.successfulExecutions,
		FailedExecutions:     m.failedExecutions,
		APIErrors:            m.apiErrors,
		SuccessRate:          m.successRateLocked(),
	}
}

// Reset zeroes every counter.
func (m *Metrics) Reset() {
	m.mu.Lock()
	m.totalRequests, m.successfulExecutions, m.failedExecutions, m.apiErrors = 0, 0, 0, 0
	m.mu.Unlock()
}

// Register exports the counters on reg as pymakebot_session_* collectors
// that read the live values at scrape time.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	read := func(f func(Stats) float64) func() float64 {
		return func() float64 { return f(m.Snapshot()) }
	}
	collectors := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "pymakebot", Subsystem: "session", Name: "requests_total",
			Help: "Generation requests in this session.",
		}, read(func(s Stats) float64 { return float64(s.TotalRequests) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "pymakebot", Subsystem: "session", Name: "successful_executions_total",
			Help: "Successful program runs in this session.",
		}, read(func(s Stats) float64 { return float64(s.SuccessfulExecutions) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "pymakebot", Subsystem: "session", Name: "failed_executions_total",
			Help: "Failed program runs in this session.",
		}, read(func(s Stats) float64 { return float64(s.FailedExecutions) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "pymakebot", Subsystem: "session", Name: "api_errors_total",
			Help: "Generation requests that failed at the provider.",
		}, read(func(s Stats) float64 { return float64(s.APIErrors) })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "pymakebot", Subsystem: "session", Name: "success_rate_percent",
			Help: "Successful executions as a percentage of requests.",
		}, read(func(s Stats) float64 { return s.SuccessRate })),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
