// Package observability provides Prometheus metrics, OpenTelemetry tracing,
// readiness checks, and error-rate anomaly detection for pymakebot.
// Every component is optional and nil-safe: when a feature is disabled the
// wrappers skip recording with a single nil check per operation.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/pymakebot/internal/config"
)

// Observability is the top-level facade holding all observability components.
// Any field except Health may be nil when that feature is disabled.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// Option configures New.
type Option func(*options)

type options struct {
	info RunInfo
}

// WithRunInfo attaches the session and provider to exported traces.
func WithRunInfo(info RunInfo) Option {
	return func(o *options) { o.info = info }
}

// New creates an Observability instance from config. A nil config still
// yields a health checker so readiness and doctor work without metrics.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger, opts ...Option) (*Observability, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	obs := &Observability{Health: NewHealthChecker(logger)}
	if cfg == nil {
		return obs, nil
	}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}

	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing, o.info)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}

	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
	}

	return obs, nil
}

// Shutdown releases observability resources.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.Tracer != nil {
		_ = o.Tracer.Shutdown(ctx)
	}
}

// TracerOrNil returns the tracer setup or nil if tracing is disabled.
func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

// MetricsOrNil returns the metrics collector or nil if metrics are disabled.
func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}

// AnomalyOrNil returns the anomaly detector or nil if detection is disabled.
func (o *Observability) AnomalyOrNil() *AnomalyDetector {
	if o == nil {
		return nil
	}
	return o.Anomaly
}
