package observability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/pymakebot/internal/config"
	"github.com/jkaninda/pymakebot/internal/execmode"
	"github.com/jkaninda/pymakebot/internal/llm"
	"github.com/jkaninda/pymakebot/internal/sandbox"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs == nil || obs.Health == nil {
		t.Fatal("expected a health checker even without config")
	}
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		t.Error("expected optional components to be nil")
	}
}

func TestNew_MetricsAndAnomaly(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
		Anomaly: &config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.5},
	}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.MetricsOrNil() == nil {
		t.Error("metrics should be enabled")
	}
	if obs.AnomalyOrNil() == nil {
		t.Error("anomaly should be enabled")
	}
	if obs.TracerOrNil() != nil {
		t.Error("tracer should be nil when not enabled")
	}
}

func TestObservability_NilAccessors(t *testing.T) {
	var obs *Observability
	obs.Shutdown(context.Background())
	if obs.TracerOrNil() != nil || obs.MetricsOrNil() != nil || obs.AnomalyOrNil() != nil {
		t.Error("expected nil components from nil Observability")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Names(t *testing.T) {
	m := NewMetricsCollector()
	m.LLMRequestsTotal.WithLabelValues("huggingface", "success").Inc()
	m.SandboxExecutionsTotal.WithLabelValues("host", "captured", "success").Inc()
	m.AnalysisChecksTotal.WithLabelValues("lint", "passed").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/api/stats", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"pymakebot_llm_requests_total",
		"pymakebot_sandbox_executions_total",
		"pymakebot_sandbox_fallbacks_total",
		"pymakebot_analysis_checks_total",
		"pymakebot_http_requests_total",
		"pymakebot_active_requests",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestRecordCheck_NilSafe(t *testing.T) {
	var m *MetricsCollector
	m.RecordCheck("lint", "passed")

	m = NewMetricsCollector()
	m.RecordCheck("security", "failed")
	m.RecordCheck("security", "failed")
	if got := counterValue(t, m.Registry, "pymakebot_analysis_checks_total", prometheus.Labels{"check": "security", "result": "failed"}); got != 2 {
		t.Errorf("checks = %v, want 2", got)
	}
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- HealthChecker ---

func okCheck(detail string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return detail, nil }
}

func failCheck(msg string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return "", errors.New(msg) }
}

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckReady(context.Background()); status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_AllPass(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("python", okCheck("Python 3.12.1"))
	h.AddCheck("docker", okCheck("27.0.1"))

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
	if status.Checks["python"].Detail != "Python 3.12.1" {
		t.Errorf("python detail = %q", status.Checks["python"].Detail)
	}
}

func TestHealthChecker_RequiredFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("python", failCheck("interpreter not found"))
	h.AddCheck("docker", okCheck(""))

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["python"].Status != "fail" || status.Checks["python"].Message != "interpreter not found" {
		t.Errorf("python check = %+v", status.Checks["python"])
	}
	if status.Checks["docker"].Status != "ok" {
		t.Errorf("docker check = %q, want ok", status.Checks["docker"].Status)
	}
}

func TestHealthChecker_OptionalMissing(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("python", okCheck("3.12"))
	h.AddOptionalCheck("bandit", failCheck("not installed"))

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("optional failure should not degrade, got %q", status.Status)
	}
	if status.Checks["bandit"].Status != "missing" {
		t.Errorf("bandit = %q, want missing", status.Checks["bandit"].Status)
	}
	if names := h.Names(); len(names) != 2 || names[1] != "bandit" {
		t.Errorf("names = %v", names)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	if status := NewHealthChecker(nil).CheckHealth(); status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordError("llm_request")
	a.RecordSuccess("llm_request")
	if rate, total := a.ErrorRate("llm_request"); rate != 0 || total != 0 {
		t.Errorf("nil detector rate = %v/%v", rate, total)
	}
}

func TestAnomalyDetector_ErrorRate(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, nil)

	for i := 0; i < 4; i++ {
		a.RecordSuccess("sandbox_run")
	}
	for i := 0; i < 6; i++ {
		a.RecordError("sandbox_run")
	}

	rate, total := a.ErrorRate("sandbox_run")
	if total != 10 {
		t.Errorf("total = %v, want 10", total)
	}
	if rate != 0.6 {
		t.Errorf("rate = %v, want 0.6", rate)
	}
}

func TestAnomalyDetector_WindowExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, WindowSeconds: 60}, nil)
	a.now = func() time.Time { return now }

	a.RecordError("llm_request")
	a.RecordError("llm_request")
	now = now.Add(2 * time.Minute)
	a.RecordSuccess("llm_request")

	rate, total := a.ErrorRate("llm_request")
	if total != 1 || rate != 0 {
		t.Errorf("expected only the recent success, got rate %v over %v", rate, total)
	}
}

func TestResourceAttributes(t *testing.T) {
	attrs := resourceAttributes("pymakebot", RunInfo{
		Version:   "1.2.0",
		SessionID: "3f2a",
		Provider:  "ollama",
		Isolation: "container",
	})
	got := map[string]string{}
	for _, kv := range attrs {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	want := map[string]string{
		"service.name":         "pymakebot",
		"service.version":      "1.2.0",
		"service.instance.id":  "3f2a",
		"pymakebot.session_id": "3f2a",
		"pymakebot.provider":   "ollama",
		"pymakebot.isolation":  "container",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
	if _, ok := got["pymakebot.model"]; ok {
		t.Error("expected empty model to be omitted")
	}
}

func TestResourceAttributes_Minimal(t *testing.T) {
	attrs := resourceAttributes("svc", RunInfo{})
	if len(attrs) != 1 || attrs[0].Value.Emit() != "svc" {
		t.Errorf("expected only the service name, got %v", attrs)
	}
}

func TestAnomalyDetector_ThresholdCrossing(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.5}, nil)

	for i := 0; i < minSamples; i++ {
		a.RecordError("sandbox_run")
	}
	if !a.alerting["sandbox_run"] {
		t.Fatal("expected alerting after a run of failures")
	}
	for i := 0; i < minSamples+1; i++ {
		a.RecordSuccess("sandbox_run")
	}
	if a.alerting["sandbox_run"] {
		t.Error("expected alert to clear once the rate dropped")
	}
}

// --- InstrumentedProvider ---

type mockProvider struct {
	name   string
	resp   *llm.Response
	err    error
	called int
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	m.called++
	return m.resp, m.err
}

func TestInstrumentedProvider_Success(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockProvider{
		name: "huggingface",
		resp: &llm.Response{
			Content:  "print('hi')",
			Usage:    llm.Usage{InputTokens: 10, OutputTokens: 20},
			Attempts: 2,
		},
	}

	p := NewInstrumentedProvider(inner, metrics, nil, nil)
	resp, err := p.SendMessage(context.Background(), &llm.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "print('hi')" || inner.called != 1 {
		t.Errorf("unexpected passthrough: %q, %d calls", resp.Content, inner.called)
	}
	if p.Name() != "huggingface" {
		t.Errorf("name = %q", p.Name())
	}

	if val := counterValue(t, metrics.Registry, "pymakebot_llm_requests_total", prometheus.Labels{"provider": "huggingface", "status": "success"}); val != 1 {
		t.Errorf("requests_total = %v, want 1", val)
	}
	if val := counterValue(t, metrics.Registry, "pymakebot_llm_tokens_used_total", prometheus.Labels{"provider": "huggingface", "direction": "output"}); val != 20 {
		t.Errorf("output tokens = %v, want 20", val)
	}
}

func TestInstrumentedProvider_FailureKinds(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status string
	}{
		{"exhausted", &llm.ExhaustedError{Attempts: 4, Last: &llm.TransportError{Kind: llm.KindServerError, StatusCode: 503}}, "exhausted"},
		{"client error", &llm.TransportError{Kind: llm.KindClientError, StatusCode: 401}, "client_error"},
		{"malformed", fmt.Errorf("decode: %w", llm.ErrMalformedResponse), "malformed_response"},
		{"cancelled", context.Canceled, "cancelled"},
		{"other", errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := NewMetricsCollector()
			anomaly := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true}, nil)
			p := NewInstrumentedProvider(&mockProvider{name: "ollama", err: tt.err}, metrics, nil, anomaly)

			if _, err := p.SendMessage(context.Background(), &llm.Request{}); !errors.Is(err, tt.err) {
				t.Fatalf("expected the inner error, got %v", err)
			}
			if val := counterValue(t, metrics.Registry, "pymakebot_llm_requests_total", prometheus.Labels{"provider": "ollama", "status": tt.status}); val != 1 {
				t.Errorf("status %q count = %v, want 1", tt.status, val)
			}
			if rate, _ := anomaly.ErrorRate("llm_request"); rate != 1 {
				t.Errorf("error rate = %v, want 1", rate)
			}
		})
	}
}

func TestInstrumentedProvider_NilMetrics(t *testing.T) {
	p := NewInstrumentedProvider(&mockProvider{name: "test", resp: &llm.Response{Content: "ok"}}, nil, nil, nil)
	resp, err := p.SendMessage(context.Background(), &llm.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q, want ok", resp.Content)
	}
}

func TestRetryHook(t *testing.T) {
	metrics := NewMetricsCollector()
	hook := RetryHook(metrics, "huggingface")
	hook(1, &llm.TransportError{Kind: llm.KindRateLimited, StatusCode: 429}, time.Second)
	hook(2, &llm.TransportError{Kind: llm.KindRateLimited, StatusCode: 429}, 2*time.Second)
	hook(3, errors.New("odd"), time.Second)

	if val := counterValue(t, metrics.Registry, "pymakebot_llm_retries_total", prometheus.Labels{"provider": "huggingface", "kind": "rate_limited"}); val != 2 {
		t.Errorf("rate_limited retries = %v, want 2", val)
	}
	if val := counterValue(t, metrics.Registry, "pymakebot_llm_retries_total", prometheus.Labels{"provider": "huggingface", "kind": "unknown"}); val != 1 {
		t.Errorf("unknown retries = %v, want 1", val)
	}

	// nil metrics must not panic.
	RetryHook(nil, "x")(1, errors.New("e"), 0)
}

// --- InstrumentedRunner ---

type mockRunner struct {
	result *sandbox.ExecutionResult
	err    error
}

func (m *mockRunner) Run(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	return m.result, m.err
}

func exitCode(n int) *int { return &n }

func TestInstrumentedRunner_Statuses(t *testing.T) {
	tests := []struct {
		name      string
		runner    *mockRunner
		status    string
		isolation string
	}{
		{"success", &mockRunner{result: &sandbox.ExecutionResult{ExitCode: exitCode(0), Isolation: sandbox.IsolationHost}}, "success", "host"},
		{"nonzero", &mockRunner{result: &sandbox.ExecutionResult{ExitCode: exitCode(1), Isolation: sandbox.IsolationContainer}}, "nonzero_exit", "container"},
		{"timeout", &mockRunner{result: &sandbox.ExecutionResult{TimedOut: true, Isolation: sandbox.IsolationHost}}, "timeout", "host"},
		{"error", &mockRunner{err: &sandbox.ExecutionError{Kind: sandbox.InterpreterNotFound}}, "error", "host"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := NewMetricsCollector()
			r := NewInstrumentedRunner(tt.runner, metrics, nil, nil)
			_, _ = r.Run(context.Background(), sandbox.ExecutionRequest{Code: "pass", Mode: execmode.Captured})

			if val := counterValue(t, metrics.Registry, "pymakebot_sandbox_executions_total", prometheus.Labels{"isolation": tt.isolation, "mode": "captured", "status": tt.status}); val != 1 {
				t.Errorf("executions{%s,%s} = %v, want 1", tt.isolation, tt.status, val)
			}
		})
	}
}

func TestInstrumentedRunner_Fallback(t *testing.T) {
	metrics := NewMetricsCollector()
	r := NewInstrumentedRunner(&mockRunner{result: &sandbox.ExecutionResult{
		ExitCode:  exitCode(0),
		Isolation: sandbox.IsolationHost,
		FellBack:  true,
	}}, metrics, nil, nil)

	if _, err := r.Run(context.Background(), sandbox.ExecutionRequest{Isolation: sandbox.IsolationContainer}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val := counterValue(t, metrics.Registry, "pymakebot_sandbox_fallbacks_total", nil); val != 1 {
		t.Errorf("fallbacks = %v, want 1", val)
	}
	if val := counterValue(t, metrics.Registry, "pymakebot_sandbox_executions_total", prometheus.Labels{"isolation": "host", "status": "success"}); val != 1 {
		t.Errorf("expected the run to be counted under the isolation used, got %v", val)
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
