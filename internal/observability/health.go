package observability

import (
	"context"
	"log/slog"
	"time"
)

const healthCheckTimeout = 5 * time.Second

// HealthChecker aggregates readiness of the local toolchain: the Python
// interpreter, the container runtime, and the optional analyzers.
type HealthChecker struct {
	checks []HealthCheck
	logger *slog.Logger
}

// HealthCheck is a named dependency check. Check returns a short detail
// (a version string or path) on success. Optional checks report "missing"
// instead of degrading the aggregate status.
type HealthCheck struct {
	Name     string
	Optional bool
	Check    func(ctx context.Context) (string, error)
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status  string `json:"status"` // "ok", "missing", or "fail"
	Detail  string `json:"detail,omitempty"`
	Message string `json:"message,omitempty"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a required check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) (string, error)) {
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
}

// AddOptionalCheck registers a check whose failure does not degrade readiness.
func (h *HealthChecker) AddOptionalCheck(name string, check func(ctx context.Context) (string, error)) {
	h.checks = append(h.checks, HealthCheck{Name: name, Optional: true, Check: check})
}

// Names returns the registered check names in registration order.
func (h *HealthChecker) Names() []string {
	names := make([]string, len(h.checks))
	for i, c := range h.checks {
		names[i] = c.Name
	}
	return names
}

// CheckHealth returns liveness status. Always returns "ok" if the process is running.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs all registered checks and returns aggregate readiness.
// Returns "ok" only if every required check passes.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	if len(h.checks) == 0 {
		return HealthStatus{Status: "ok"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(h.checks)),
	}

	for _, c := range h.checks {
		detail, err := c.Check(checkCtx)
		if err == nil {
			status.Checks[c.Name] = CheckResult{Status: "ok", Detail: detail}
			continue
		}
		if c.Optional {
			status.Checks[c.Name] = CheckResult{Status: "missing", Message: err.Error()}
			continue
		}
		status.Status = "degraded"
		status.Checks[c.Name] = CheckResult{Status: "fail", Message: err.Error()}
		if h.logger != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", c.Name),
				slog.String("error", err.Error()),
			)
		}
	}

	return status
}
