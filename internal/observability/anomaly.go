package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/pymakebot/internal/config"
)

// minSamples is the smallest window that can trigger a warning.
const minSamples = 5

// AnomalyDetector warns when an operation's failure rate over a sliding
// window rises above the configured threshold. Operations are "llm_request"
// and "sandbox_run". A warning is logged when the rate crosses the
// threshold, and again only after it has dropped back below it.
type AnomalyDetector struct {
	mu       sync.Mutex
	outcomes map[string]*outcomeWindow
	alerting map[string]bool
	cfg      *config.AnomalyConfig
	logger   *slog.Logger
	now      func() time.Time
}

type outcome struct {
	at     time.Time
	failed bool
}

// outcomeWindow holds outcomes in arrival order.
type outcomeWindow struct {
	span     time.Duration
	outcomes []outcome
	failures int
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		outcomes: make(map[string]*outcomeWindow),
		alerting: make(map[string]bool),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// RecordError records a failed operation.
func (a *AnomalyDetector) RecordError(operation string) { a.record(operation, true) }

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) { a.record(operation, false) }

func (a *AnomalyDetector) record(operation string, failed bool) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	w := a.window(operation)
	w.outcomes = append(w.outcomes, outcome{at: now, failed: failed})
	if failed {
		w.failures++
	}
	w.expire(now)
	a.evaluate(operation, w)
}

// ErrorRate returns the current failure rate of operation and the number
// of samples it is based on.
func (a *AnomalyDetector) ErrorRate(operation string) (rate float64, total float64) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.window(operation)
	w.expire(a.now())
	return w.rate()
}

// evaluate logs on threshold crossings. Must be called with a.mu held.
func (a *AnomalyDetector) evaluate(operation string, w *outcomeWindow) {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 {
		return
	}
	rate, total := w.rate()
	if total < minSamples {
		return
	}

	high := rate > threshold
	was := a.alerting[operation]
	a.alerting[operation] = high
	if a.logger == nil || high == was {
		return
	}
	if high {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Float64("samples", total),
		)
		return
	}
	a.logger.Info("error rate back to normal",
		slog.String("operation", operation),
		slog.Float64("error_rate", rate),
	)
}

func (a *AnomalyDetector) window(operation string) *outcomeWindow {
	w, ok := a.outcomes[operation]
	if !ok {
		secs := a.cfg.WindowSeconds
		if secs <= 0 {
			secs = 300
		}
		w = &outcomeWindow{span: time.Duration(secs) * time.Second}
		a.outcomes[operation] = w
	}
	return w
}

// expire drops outcomes older than the window span.
func (w *outcomeWindow) expire(now time.Time) {
	cutoff := now.Add(-w.span)
	n := 0
	for n < len(w.outcomes) && w.outcomes[n].at.Before(cutoff) {
		if w.outcomes[n].failed {
			w.failures--
		}
		n++
	}
	w.outcomes = w.outcomes[n:]
}

func (w *outcomeWindow) rate() (float64, float64) {
	total := float64(len(w.outcomes))
	if total == 0 {
		return 0, 0
	}
	return float64(w.failures) / total, total
}
