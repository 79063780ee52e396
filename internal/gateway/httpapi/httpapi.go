// Package httpapi implements the pymakebot web dashboard API.
//
// Security:
//   - Optional API key authentication on /api (constant-time comparison)
//   - Request body size limit (default 1 MB)
//   - One pipeline action in flight at a time
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/pymakebot/internal/gateway/ws"
	"github.com/jkaninda/pymakebot/internal/observability"
	"github.com/jkaninda/pymakebot/internal/pipeline"
	"github.com/jkaninda/pymakebot/internal/ratelimit"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the dashboard.
type Config struct {
	ListenAddr     string // e.g., "127.0.0.1:8080"
	EnableDocs     bool
	APIKeys        []string // Empty = no authentication.
	AutoInstall    bool     // Install detected packages on every execute.
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 1 MB default.

	// Per-client limit on generate and refine. 0 = unlimited.
	RequestsPerMinute int
	Burst             int

	// Observability
	MetricsRegistry *prometheus.Registry            // Registry served on /metrics.
	MetricsPath     string                          // Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Backs /readyz.
	Metrics         *observability.MetricsCollector // HTTP middleware metrics.
	Tracer          trace.Tracer                    // HTTP middleware spans.
}

// Gateway is the dashboard HTTP server.
type Gateway struct {
	config   Config
	pipeline *pipeline.Pipeline
	runs     *ws.RunTracker // nil = /api/runs disabled.
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server

	// action serializes generate, execute, lint, security and clear.
	action sync.Mutex

	extraRoutes []extraRoute
	okapi       *okapi.Okapi
	group       *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates the dashboard over p.
func NewGateway(cfg Config, p *pipeline.Pipeline, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	size := cfg.MaxRequestSize
	if size <= 0 {
		size = defaultMaxRequestSize
	}
	return &Gateway{
		config:   cfg,
		pipeline: p,
		limiter: ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.RequestsPerMinute,
			Burst:             cfg.Burst,
		}),
		logger: logger,
		okapi:  okapi.New(okapi.WithMaxMultipartMemory(size)),
	}
}

// WithRunTracker exposes tracked executions on GET /api/runs.
func (g *Gateway) WithRunTracker(t *ws.RunTracker) *Gateway {
	g.runs = t
	return g
}

// WithOpenAPIDocs enables the generated API documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "pymakebot",
			Version: "v1.0.0",
		},
	)
	return g
}

// WithHandler mounts an additional GET handler, such as the log stream.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// routes registers every endpoint. It is separate from Start so tests can
// drive the router directly.
func (g *Gateway) routes() {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.Use(observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}

	g.group = g.okapi.Group("/api", g.authenticate)

	g.group.Get("/history", g.handleHistory,
		okapi.DocSummary("List generated scripts, newest first"),
		okapi.DocTags("Scripts"),
		okapi.DocResponse([]ScriptResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Get("/stats", g.handleStats,
		okapi.DocSummary("Session statistics"),
		okapi.DocTags("Session"),
		okapi.DocResponse(StatsResponse{}),
	)
	g.group.Post("/generate", g.handleGenerate,
		okapi.DocSummary("Generate a Python program from a description"),
		okapi.DocTags("Pipeline"),
		okapi.DocRequestBody(GenerateRequest{}),
		okapi.DocResponse(GenerateResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusUnprocessableEntity, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)
	g.group.Post("/refine", g.handleRefine,
		okapi.DocSummary("Refine the last program with an instruction"),
		okapi.DocTags("Pipeline"),
		okapi.DocRequestBody(RefineRequest{}),
		okapi.DocResponse(GenerateResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)
	g.group.Post("/execute", g.handleExecute,
		okapi.DocSummary("Run code or a stored script with captured output"),
		okapi.DocTags("Pipeline"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(ExecuteResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusUnprocessableEntity, ErrorBody{}),
	)
	g.group.Post("/execute/stream", g.handleExecuteStream,
		okapi.DocSummary("Run code and stream the result via SSE"),
		okapi.DocTags("Pipeline"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Post("/lint", g.handleLint,
		okapi.DocSummary("Lint code with ruff"),
		okapi.DocTags("Analysis"),
		okapi.DocRequestBody(CodeRequest{}),
		okapi.DocResponse(LintResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Post("/security", g.handleSecurity,
		okapi.DocSummary("Scan code with bandit"),
		okapi.DocTags("Analysis"),
		okapi.DocRequestBody(CodeRequest{}),
		okapi.DocResponse(SecurityResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Post("/clear", g.handleClear,
		okapi.DocSummary("Clear the conversation history"),
		okapi.DocTags("Session"),
		okapi.DocResponse(StatusResponse{}),
	)
	if g.runs != nil {
		g.group.Get("/runs", g.handleRuns,
			okapi.DocSummary("List tracked executions"),
			okapi.DocTags("Session"),
			okapi.DocResponse([]ws.TrackedRun{}),
		)
		g.group.Get("/runs/{id}", g.handleRun,
			okapi.DocSummary("Get one tracked execution"),
			okapi.DocTags("Session"),
			okapi.DocPathParam("id", "string", "Run ID (ULID)"),
			okapi.DocResponse(ws.TrackedRun{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	// Extra handlers (e.g., the log stream). They authenticate themselves.
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Executions may run up to the configured timeout.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("dashboard starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("dashboard stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Authentication ---

// authenticate checks the bearer key when keys are configured.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			return next(c)
		}
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		ok := false
		for _, key := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				ok = true
			}
		}
		if !ok {
			return c.AbortUnauthorized("invalid API key")
		}
		return next(c)
	}
}

// clientKey identifies the caller for rate limiting: the API key when one
// is presented, otherwise the remote IP.
func clientKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return "key:" + strings.TrimPrefix(auth, "Bearer ")
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

// --- Health ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness answers liveness checks.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks docker and python and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
