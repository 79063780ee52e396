package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/pymakebot/internal/analysis"
	"github.com/jkaninda/pymakebot/internal/config"
	"github.com/jkaninda/pymakebot/internal/conversation"
	"github.com/jkaninda/pymakebot/internal/deps"
	"github.com/jkaninda/pymakebot/internal/llm"
	"github.com/jkaninda/pymakebot/internal/llm/openai"
	"github.com/jkaninda/pymakebot/internal/observability"
	"github.com/jkaninda/pymakebot/internal/pipeline"
	"github.com/jkaninda/pymakebot/internal/sandbox"
	"github.com/jkaninda/pymakebot/internal/session"
)

// Flags shared by every command.
var (
	configPath string
	logLevel   string
	useDocker  bool
	noColor    bool
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "path to config file (default ./pymakebot.toml, then ~/.pymakebot.toml)")
	flags.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides log_level)")
	flags.BoolVar(&useDocker, "docker", false, "run programs in the sandbox container (overrides use_docker)")
	flags.BoolVar(&noColor, "no-color", false, "disable colors and syntax highlighting")
}

// SharedComponents holds the subsystems every command builds on. Built once
// by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config   *config.Config
	Logger   *slog.Logger
	Obs      *observability.Observability
	Provider llm.Provider
	Session  *session.Session
	Store    *sandbox.ScriptStore
	Analyzer *analysis.Analyzer
	Docker   *sandbox.DockerRuntime // nil unless use_docker is set.
	Runner   sandbox.Runner
	Pipeline *pipeline.Pipeline

	supervisor *sandbox.Supervisor
	cleanups   []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig resolves the config file and applies the command-line
// overrides.
func loadConfig() (*config.Config, string, error) {
	cfg, source, err := config.LoadOrDefault(goutils.Env("PYMAKEBOT_CONFIG", configPath))
	if err != nil {
		return nil, source, err
	}
	if useDocker {
		cfg.UseDocker = true
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, source, nil
}

// newLogger writes JSON records to stderr at the configured level.
func newLogger(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// initShared performs the initialization common to every command that runs
// the pipeline. pub receives pipeline and sandbox events and may be nil.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger, pub pipeline.Publisher) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Observability. The session ID is chosen first so traces carry it.
	sessionID := uuid.NewString()
	isolation := sandbox.IsolationHost
	if cfg.UseDocker {
		isolation = sandbox.IsolationContainer
	}
	obs, err := observability.New(cfg.Observability, logger, observability.WithRunInfo(observability.RunInfo{
		Version:   version,
		SessionID: sessionID,
		Provider:  string(cfg.ProviderKind()),
		Model:     cfg.Model,
		Isolation: isolation.String(),
	}))
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
		slog.Bool("anomaly", obs.Anomaly != nil),
	)

	// LLM provider.
	provider, err := newLLMProvider(cfg, obs.MetricsOrNil(), logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing LLM provider: %w", err)
	}
	logger.Debug("llm provider initialized", slog.String("provider", provider.Name()))
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		provider = observability.NewInstrumentedProvider(
			provider, obs.Metrics, obs.TracerOrNil(), obs.Anomaly,
		)
	}
	sc.Provider = provider

	// Session log and counters.
	logDir := cfg.ResolvedLogDir()
	sessLog, err := session.OpenLog(logDir)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("opening session log in %s: %w", logDir, err)
	}
	sc.Session = session.NewWithID(sessionID, cfg.MaxHistoryMessages, sessLog)
	sc.addCleanup(func() {
		if err := sc.Session.Close(); err != nil {
			logger.Error("closing session log", slog.String("error", err.Error()))
		}
	})
	if obs.Metrics != nil {
		if err := sc.Session.Metrics.Register(obs.Metrics.Registry); err != nil {
			logger.Warn("registering session metrics", slog.String("error", err.Error()))
		}
	}
	logger.Debug("session initialized",
		slog.String("session_id", sc.Session.ID),
		slog.String("log", sessLog.Path()),
	)

	// Script store.
	store, err := sandbox.NewScriptStore(cfg.ResolvedGeneratedDir())
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing script store: %w", err)
	}
	sc.Store = store

	sc.Analyzer = analysis.New(logger)
	sc.Runner = initSandbox(cfg, sc, pub, logger)
	initHealthChecks(sc)

	client := conversation.NewClient(provider, conversation.Settings{
		SystemPrompt: cfg.SystemPrompt,
		Model:        cfg.Model,
		MaxTokens:    cfg.MaxTokens,
		Temperature:  cfg.Temperature,
	}, logger)

	sc.Pipeline = pipeline.New(pipeline.Deps{
		Client:    client,
		Session:   sc.Session,
		Store:     store,
		Analyzer:  sc.Analyzer,
		Runner:    sc.Runner,
		Publisher: pub,
		Metrics:   obs.MetricsOrNil(),
	}, pipeline.Options{
		Python:    cfg.PythonExecutable,
		Lint:      cfg.Lint.Ruff,
		Security:  cfg.Lint.Bandit,
		Isolation: isolation,
		Timeout:   cfg.ExecutionTimeout(),
	}, logger)

	return sc, nil
}

// initSandbox builds the supervised runner: host supervisor, optional
// container runtime, host installer, and the orchestrator over them.
func initSandbox(cfg *config.Config, sc *SharedComponents, pub pipeline.Publisher, logger *slog.Logger) sandbox.Runner {
	sc.supervisor = sandbox.NewSupervisor(sandbox.SupervisorConfig{
		Python: cfg.PythonExecutable,
	}, logger)

	opts := []sandbox.OrchestratorOption{
		sandbox.WithInstaller(deps.NewHostInstaller(logger)),
		sandbox.WithVenv(cfg.UseVenv),
	}
	if cfg.UseDocker {
		sc.Docker = sandbox.NewDockerRuntime(sandbox.DockerConfig{
			Image:     cfg.Sandbox.Image,
			User:      cfg.Sandbox.User,
			MemoryMB:  cfg.Sandbox.MemoryMB,
			CPUCores:  cfg.Sandbox.CPUCores,
			PIDsLimit: cfg.Sandbox.PIDsLimit,
		}, logger)
		opts = append(opts, sandbox.WithRuntime(sc.Docker))
	}
	if pub != nil {
		opts = append(opts, sandbox.WithObserver(pipeline.SandboxObserver(pub)))
	}
	orch := sandbox.NewOrchestrator(sc.supervisor, logger, opts...)
	logger.Debug("sandbox initialized",
		slog.Bool("docker", cfg.UseDocker),
		slog.Bool("venv", cfg.UseVenv),
	)

	if sc.Obs.Metrics == nil && sc.Obs.Tracer == nil && sc.Obs.Anomaly == nil {
		return orch
	}
	return observability.NewInstrumentedRunner(orch, sc.Obs.Metrics, sc.Obs.TracerOrNil(), sc.Obs.Anomaly)
}

// initHealthChecks registers the readiness checks used by /readyz and
// doctor. The container runtime is optional: runs fall back to the host.
func initHealthChecks(sc *SharedComponents) {
	h := sc.Obs.Health
	h.AddCheck("python", func(_ context.Context) (string, error) {
		return sc.supervisor.ResolveInterpreter()
	})
	if sc.Docker != nil {
		rt := sc.Docker
		h.AddOptionalCheck("docker", func(ctx context.Context) (string, error) {
			if err := rt.Available(ctx); err != nil {
				return "", err
			}
			return rt.Image(), nil
		})
	}
}

// newLLMProvider creates the configured provider, chained with any
// fallback providers.
func newLLMProvider(cfg *config.Config, metrics *observability.MetricsCollector, logger *slog.Logger) (llm.Provider, error) {
	primary, err := buildProvider(config.ProviderConfig{
		Provider: cfg.Provider,
		Model:    cfg.Model,
		APIURL:   cfg.APIURL,
	}, cfg.APIKey, cfg, metrics, logger)
	if err != nil {
		return nil, err
	}

	if len(cfg.FallbackProviders) == 0 {
		return primary, nil
	}
	providers := []llm.Provider{primary}
	for _, fc := range cfg.FallbackProviders {
		kind, err := openai.ParseKind(fc.Provider)
		if err != nil {
			logger.Warn("skipping fallback provider",
				slog.String("provider", fc.Provider),
				slog.String("error", err.Error()),
			)
			continue
		}
		apiKey := os.Getenv(kind.TokenEnv())
		if kind.RequiresToken() && apiKey == "" {
			logger.Warn("skipping fallback provider",
				slog.String("provider", fc.Provider),
				slog.String("error", kind.TokenEnv()+" is not set"),
			)
			continue
		}
		fb, err := buildProvider(fc, apiKey, cfg, metrics, logger)
		if err != nil {
			logger.Warn("skipping fallback provider",
				slog.String("provider", fc.Provider),
				slog.String("error", err.Error()),
			)
			continue
		}
		providers = append(providers, fb)
	}
	if len(providers) > 1 {
		return llm.NewFallbackProvider(providers, logger), nil
	}
	return primary, nil
}

// buildProvider creates a single provider. Every backend speaks the
// OpenAI chat completions protocol; only the endpoint and token differ.
func buildProvider(pc config.ProviderConfig, apiKey string, cfg *config.Config, metrics *observability.MetricsCollector, logger *slog.Logger) (*openai.Client, error) {
	kind, err := openai.ParseKind(pc.Provider)
	if err != nil {
		return nil, err
	}
	endpoint, err := kind.ResolveURL(pc.APIURL)
	if err != nil {
		return nil, err
	}
	retrier := llm.NewRetrier(cfg.RetryPolicy(), logger,
		llm.WithRateLimit(cfg.Retry.RequestsPerMinute),
		llm.WithOnRetry(observability.RetryHook(metrics, string(kind))),
	)
	return openai.NewClient(apiKey, pc.Model, logger,
		openai.WithEndpoint(endpoint),
		openai.WithName(string(kind)),
		openai.WithRetrier(retrier),
	), nil
}

// fallbackNames lists the configured fallback backends for /provider.
func fallbackNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.FallbackProviders))
	for _, fc := range cfg.FallbackProviders {
		names = append(names, fc.Provider+" ("+fc.Model+")")
	}
	return names
}
