package observability

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/pymakebot/internal/llm"
	"github.com/jkaninda/pymakebot/internal/sandbox"
)

// --- InstrumentedProvider ---

// InstrumentedProvider wraps an llm.Provider with metrics, tracing, and anomaly detection.
type InstrumentedProvider struct {
	inner   llm.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedProvider wraps an LLM provider with observability.
func NewInstrumentedProvider(inner llm.Provider, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	provider := p.inner.Name()

	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "llm.send_message",
			trace.WithAttributes(
				attribute.String("llm.provider", provider),
				attribute.String("llm.model", req.Model),
				attribute.Int("llm.messages", len(req.Messages)),
			))
		defer span.End()
	}

	start := time.Now()
	resp, err := p.inner.SendMessage(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = failureStatus(err)
		if p.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if p.tracer != nil {
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("llm.attempts", resp.Attempts))
	}

	if p.metrics != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(provider, status).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(provider).Observe(duration)

		if resp != nil {
			p.metrics.LLMTokensUsed.WithLabelValues(provider, "input").Add(float64(resp.Usage.InputTokens))
			p.metrics.LLMTokensUsed.WithLabelValues(provider, "output").Add(float64(resp.Usage.OutputTokens))
			if resp.Attempts > 0 {
				p.metrics.LLMAttempts.WithLabelValues(provider).Observe(float64(resp.Attempts))
			}
		}
	}

	if p.anomaly != nil {
		if err != nil {
			p.anomaly.RecordError("llm_request")
		} else {
			p.anomaly.RecordSuccess("llm_request")
		}
	}

	return resp, err
}

// failureStatus labels a failed generation by its taxonomy kind.
func failureStatus(err error) string {
	var exhausted *llm.ExhaustedError
	var transport *llm.TransportError
	switch {
	case errors.Is(err, llm.ErrMalformedResponse):
		return "malformed_response"
	case errors.As(err, &exhausted):
		return "exhausted"
	case errors.As(err, &transport):
		return transport.Kind.String()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

// RetryHook returns an llm.WithOnRetry callback that counts retries by
// failure kind. It is nil-safe on metrics.
func RetryHook(metrics *MetricsCollector, provider string) func(attempt int, err error, delay time.Duration) {
	return func(_ int, err error, _ time.Duration) {
		if metrics == nil {
			return
		}
		kind := "unknown"
		var te *llm.TransportError
		if errors.As(err, &te) {
			kind = te.Kind.String()
		}
		metrics.LLMRetriesTotal.WithLabelValues(provider, kind).Inc()
	}
}

// --- InstrumentedRunner ---

// InstrumentedRunner wraps a sandbox.Runner with metrics, tracing, and anomaly detection.
type InstrumentedRunner struct {
	inner   sandbox.Runner
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedRunner wraps a runner with observability.
func NewInstrumentedRunner(inner sandbox.Runner, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedRunner {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedRunner{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (s *InstrumentedRunner) Run(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "sandbox.run",
			trace.WithAttributes(
				attribute.String("sandbox.requested_isolation", req.Isolation.String()),
				attribute.String("sandbox.mode", req.Mode.String()),
				attribute.Int("sandbox.packages", len(req.Packages)),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := s.inner.Run(ctx, req)
	duration := time.Since(start).Seconds()

	isolation := req.Isolation.String()
	status := "success"
	switch {
	case err != nil:
		status = "error"
		if s.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	case result.TimedOut:
		status = "timeout"
	case !result.Success():
		status = "nonzero_exit"
	}
	if result != nil {
		isolation = result.Isolation.String()
		if s.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.SetAttributes(
				attribute.String("sandbox.run_id", result.RunID),
				attribute.String("sandbox.isolation", isolation),
				attribute.Bool("sandbox.fell_back", result.FellBack),
			)
			if result.ExitCode != nil {
				span.SetAttributes(attribute.Int("sandbox.exit_code", *result.ExitCode))
			}
		}
	}

	if s.metrics != nil {
		s.metrics.SandboxExecutionsTotal.WithLabelValues(isolation, req.Mode.String(), status).Inc()
		s.metrics.SandboxExecutionDuration.WithLabelValues(isolation).Observe(duration)
		if result != nil && result.FellBack {
			s.metrics.SandboxFallbacksTotal.Inc()
		}
	}

	if s.anomaly != nil {
		if status == "success" {
			s.anomaly.RecordSuccess("sandbox_run")
		} else {
			s.anomaly.RecordError("sandbox_run")
		}
	}

	return result, err
}

// RecordCheck counts one static check. result is "passed", "failed", or
// "unavailable".
func (m *MetricsCollector) RecordCheck(check, result string) {
	if m == nil {
		return
	}
	m.AnalysisChecksTotal.WithLabelValues(check, result).Inc()
}

// --- Compile-time interface checks ---

var (
	_ llm.Provider   = (*InstrumentedProvider)(nil)
	_ sandbox.Runner = (*InstrumentedRunner)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
