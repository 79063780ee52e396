// Package config handles loading and validating pymakebot configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/pymakebot/internal/llm"
	"github.com/jkaninda/pymakebot/internal/llm/openai"
	"github.com/jkaninda/pymakebot/internal/scheduler"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// FileName is the config file looked up by Discover.
const FileName = "pymakebot.toml"

// Config is the root configuration for pymakebot.
type Config struct {
	Provider             string  `json:"provider" yaml:"provider" toml:"provider"` // huggingface (default), ollama, openai-compatible. Override: PYMAKEBOT_PROVIDER.
	Model                string  `json:"model" yaml:"model" toml:"model"`          // Override: PYMAKEBOT_MODEL.
	APIURL               string  `json:"api_url" yaml:"api_url" toml:"api_url"`    // Empty = provider default. Override: PYMAKEBOT_API_URL.
	MaxTokens            int     `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	Temperature          float64 `json:"temperature" yaml:"temperature" toml:"temperature"`
	ExecutionTimeoutSecs int     `json:"execution_timeout_secs" yaml:"execution_timeout_secs" toml:"execution_timeout_secs"` // Captured runs only. 0 = no limit.
	AutoInstallDeps      bool    `json:"auto_install_deps" yaml:"auto_install_deps" toml:"auto_install_deps"`
	MaxHistoryMessages   int     `json:"max_history_messages" yaml:"max_history_messages" toml:"max_history_messages"`
	MaxRetries           int     `json:"max_retries" yaml:"max_retries" toml:"max_retries"` // Retries after the first try.
	UseDocker            bool    `json:"use_docker" yaml:"use_docker" toml:"use_docker"`    // Override: PYMAKEBOT_USE_DOCKER.
	UseVenv              bool    `json:"use_venv" yaml:"use_venv" toml:"use_venv"`
	LogDir               string  `json:"log_dir" yaml:"log_dir" toml:"log_dir"`
	GeneratedDir         string  `json:"generated_dir" yaml:"generated_dir" toml:"generated_dir"`
	PythonExecutable     string  `json:"python_executable" yaml:"python_executable" toml:"python_executable"`
	LogLevel             string  `json:"log_level" yaml:"log_level" toml:"log_level"` // debug, info, warn, error. Default: warn.
	SystemPrompt         string  `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty" toml:"system_prompt,omitempty"`

	// APIKey is never read from the file: HF_TOKEN for huggingface,
	// LLM_API_KEY otherwise.
	APIKey string `json:"-" yaml:"-" toml:"-"`

	FallbackProviders []ProviderConfig     `json:"fallback_providers,omitempty" yaml:"fallback_providers,omitempty" toml:"fallback_providers,omitempty"`
	Retry             RetryConfig          `json:"retry" yaml:"retry" toml:"retry"`
	Sandbox           SandboxConfig        `json:"sandbox" yaml:"sandbox" toml:"sandbox"`
	Lint              LintConfig           `json:"lint" yaml:"lint" toml:"lint"`
	Dashboard         DashboardConfig      `json:"dashboard" yaml:"dashboard" toml:"dashboard"`
	Observability     *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty" toml:"observability,omitempty"` // nil = observability disabled
}

// ProviderConfig is a fallback backend tried after the primary fails.
type ProviderConfig struct {
	Provider string `json:"provider" yaml:"provider" toml:"provider"`
	Model    string `json:"model" yaml:"model" toml:"model"`
	APIURL   string `json:"api_url,omitempty" yaml:"api_url,omitempty" toml:"api_url,omitempty"`
}

// RetryConfig tunes the transport retrier. The attempt count comes from
// Config.MaxRetries.
type RetryConfig struct {
	BaseDelayMs        int     `json:"base_delay_ms" yaml:"base_delay_ms" toml:"base_delay_ms"`                      // Default: 1000
	MaxDelayMs         int     `json:"max_delay_ms" yaml:"max_delay_ms" toml:"max_delay_ms"`                         // Default: 30000
	JitterFraction     float64 `json:"jitter_fraction" yaml:"jitter_fraction" toml:"jitter_fraction"`                // 0 to 1/3. Default: 0.25
	RequestTimeoutSecs int     `json:"request_timeout_secs" yaml:"request_timeout_secs" toml:"request_timeout_secs"` // Per attempt. Default: 120
	RequestsPerMinute  int     `json:"requests_per_minute" yaml:"requests_per_minute" toml:"requests_per_minute"`    // 0 = unthrottled.
}

// SandboxConfig configures the container runtime used when use_docker is set.
type SandboxConfig struct {
	Image     string  `json:"image" yaml:"image" toml:"image"`
	MemoryMB  int     `json:"memory_mb" yaml:"memory_mb" toml:"memory_mb"`
	CPUCores  float64 `json:"cpu_cores" yaml:"cpu_cores" toml:"cpu_cores"`
	PIDsLimit int     `json:"pids_limit" yaml:"pids_limit" toml:"pids_limit"`
	User      string  `json:"user" yaml:"user" toml:"user"`
}

// LintConfig toggles the static checks run before execution.
type LintConfig struct {
	Ruff   bool `json:"ruff" yaml:"ruff" toml:"ruff"`
	Bandit bool `json:"bandit" yaml:"bandit" toml:"bandit"`
}

// DashboardConfig configures the web dashboard.
type DashboardConfig struct {
	ListenAddr string   `json:"listen_addr" yaml:"listen_addr" toml:"listen_addr"`
	APIKeys    []string `json:"api_keys,omitempty" yaml:"api_keys,omitempty" toml:"api_keys,omitempty"` // Empty = no auth. Override: PYMAKEBOT_API_KEYS (comma-separated).
	EnableDocs bool     `json:"enable_docs" yaml:"enable_docs" toml:"enable_docs"`
	// RequestsPerMinute limits generate and refine calls per client. 0 = unlimited.
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int `json:"burst" yaml:"burst" toml:"burst"` // Default: requests_per_minute.

	// MaintenanceSchedule is a cron expression for pruning finished runs
	// and expired scripts. Default: "@every 5m".
	MaintenanceSchedule string `json:"maintenance_schedule" yaml:"maintenance_schedule" toml:"maintenance_schedule"`
	RunRetentionMins    int    `json:"run_retention_mins" yaml:"run_retention_mins" toml:"run_retention_mins"`          // Default: 60.
	ScriptRetentionDays int    `json:"script_retention_days" yaml:"script_retention_days" toml:"script_retention_days"` // 0 = keep forever.
}

// ObservabilityConfig configures metrics, tracing, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty" toml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty" toml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty" toml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Path    string `json:"path" yaml:"path" toml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint" toml:"endpoint"`             // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol" toml:"protocol"`             // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name" toml:"service_name"` // Default: "pymakebot"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate" toml:"sample_rate"`    // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure" toml:"insecure"`             // Skip TLS for dev
}

// AnomalyConfig configures error-rate warnings.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold" toml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds" toml:"window_seconds"`                   // Sliding window. Default: 300
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Provider:             string(openai.HuggingFace),
		Model:                "Qwen/Qwen2.5-Coder-32B-Instruct",
		MaxTokens:            16284,
		Temperature:          0.2,
		ExecutionTimeoutSecs: 30,
		MaxHistoryMessages:   20,
		MaxRetries:           3,
		UseVenv:              true,
		LogDir:               "logs",
		GeneratedDir:         "generated",
		PythonExecutable:     "python3",
		LogLevel:             "warn",
		Retry: RetryConfig{
			BaseDelayMs:        1000,
			MaxDelayMs:         30000,
			JitterFraction:     0.25,
			RequestTimeoutSecs: 120,
		},
		Sandbox: SandboxConfig{
			Image:     "python-sandbox",
			MemoryMB:  512,
			CPUCores:  1,
			PIDsLimit: 64,
			User:      "sandboxuser",
		},
		Lint: LintConfig{Ruff: true, Bandit: false},
		Dashboard: DashboardConfig{
			ListenAddr:          "127.0.0.1:8080",
			MaintenanceSchedule: "@every 5m",
			RunRetentionMins:    60,
		},
	}
}

// DefaultConfigPath returns ~/.pymakebot.toml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return FileName
	}
	return filepath.Join(home, "."+FileName)
}

// Discover returns the first existing config file: ./pymakebot.toml, then
// ~/.pymakebot.toml. It returns "" when neither exists.
func Discover() string {
	for _, p := range []string{FileName, DefaultConfigPath()} {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// LoadOrDefault loads path, or the discovered file when path is empty, or
// the defaults when nothing is found. The source actually used is returned
// ("" for defaults).
func LoadOrDefault(path string) (*Config, string, error) {
	if path == "" {
		path = Discover()
	}
	if path == "" {
		cfg := Default()
		if err := cfg.finish(); err != nil {
			return nil, "", fmt.Errorf("invalid config: %w", err)
		}
		return cfg, "", nil
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// Load reads a TOML, YAML, or JSON config file and returns a validated Config.
// The format is detected by file extension: .toml for TOML, .yml/.yaml for
// YAML, everything else for JSON. Keys missing from the file keep their
// defaults. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing TOML config %s: %w", resolved, err)
		}
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	if err := cfg.finish(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", resolved, err)
	}
	return cfg, nil
}

// finish applies environment overrides, then validates.
func (c *Config) finish() error {
	c.applyEnv()
	if err := validateSchema(c); err != nil {
		return err
	}
	return c.validate()
}

func (c *Config) applyEnv() {
	// Environment variable overrides. Env vars take precedence over config values.
	if v := os.Getenv("PYMAKEBOT_PROVIDER"); v != "" {
		c.Provider = v
	}
	if v := os.Getenv("PYMAKEBOT_MODEL"); v != "" {
		c.Model = v
	}
	if v := os.Getenv("PYMAKEBOT_API_URL"); v != "" {
		c.APIURL = v
	}
	if v := os.Getenv("PYMAKEBOT_USE_DOCKER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.UseDocker = b
		}
	}
	if v := os.Getenv("PYMAKEBOT_API_KEYS"); v != "" {
		c.Dashboard.APIKeys = nil
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				c.Dashboard.APIKeys = append(c.Dashboard.APIKeys, k)
			}
		}
	}
	if kind, err := openai.ParseKind(c.Provider); err == nil {
		c.APIKey = os.Getenv(kind.TokenEnv())
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ProviderKind returns the parsed primary provider.
func (c *Config) ProviderKind() openai.Kind {
	kind, err := openai.ParseKind(c.Provider)
	if err != nil {
		return openai.HuggingFace
	}
	return kind
}

// Endpoint returns the resolved chat completions URL of the primary provider.
func (c *Config) Endpoint() (string, error) {
	return c.ProviderKind().ResolveURL(c.APIURL)
}

// CheckCredentials reports a missing token for providers that require one.
// Commands that never call the model skip it.
func (c *Config) CheckCredentials() error {
	kind := c.ProviderKind()
	if kind.RequiresToken() && c.APIKey == "" {
		return fmt.Errorf("%s is not set (export it or add it to .env)", kind.TokenEnv())
	}
	return nil
}

// ExecutionTimeout returns the Captured-mode timeout. 0 means no limit.
func (c *Config) ExecutionTimeout() time.Duration {
	if c.ExecutionTimeoutSecs <= 0 {
		return 0
	}
	return time.Duration(c.ExecutionTimeoutSecs) * time.Second
}

// RetryPolicy returns the transport retry policy. max_retries counts
// retries, so the policy allows one more attempt than that.
func (c *Config) RetryPolicy() llm.RetryPolicy {
	p := llm.DefaultRetryPolicy()
	if c.MaxRetries >= 0 {
		p.MaxAttempts = c.MaxRetries + 1
	}
	if c.Retry.BaseDelayMs > 0 {
		p.BaseDelay = time.Duration(c.Retry.BaseDelayMs) * time.Millisecond
	}
	if c.Retry.MaxDelayMs > 0 {
		p.MaxDelay = time.Duration(c.Retry.MaxDelayMs) * time.Millisecond
	}
	p.JitterFraction = c.Retry.JitterFraction
	if c.Retry.RequestTimeoutSecs > 0 {
		p.AttemptTimeout = time.Duration(c.Retry.RequestTimeoutSecs) * time.Second
	}
	return p
}

// RunRetention is how long finished runs stay listed on the dashboard.
func (c *Config) RunRetention() time.Duration {
	if c.Dashboard.RunRetentionMins <= 0 {
		return time.Hour
	}
	return time.Duration(c.Dashboard.RunRetentionMins) * time.Minute
}

// ScriptRetention is the age after which generated scripts are deleted.
// 0 keeps them forever.
func (c *Config) ScriptRetention() time.Duration {
	if c.Dashboard.ScriptRetentionDays <= 0 {
		return 0
	}
	return time.Duration(c.Dashboard.ScriptRetentionDays) * 24 * time.Hour
}

// ResolvedGeneratedDir returns generated_dir with ~ expanded.
func (c *Config) ResolvedGeneratedDir() string {
	if resolved, err := resolvePath(c.GeneratedDir); err == nil {
		return resolved
	}
	return c.GeneratedDir
}

// ResolvedLogDir returns log_dir with ~ expanded.
func (c *Config) ResolvedLogDir() string {
	if resolved, err := resolvePath(c.LogDir); err == nil {
		return resolved
	}
	return c.LogDir
}

func (c *Config) validate() error {
	kind, err := openai.ParseKind(c.Provider)
	if err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	if _, err := kind.ResolveURL(c.APIURL); err != nil {
		return fmt.Errorf("api_url: %w", err)
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.MaxHistoryMessages < 2 {
		return fmt.Errorf("max_history_messages must be at least 2")
	}
	if c.ExecutionTimeoutSecs < 0 {
		return fmt.Errorf("execution_timeout_secs must not be negative")
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if c.GeneratedDir == "" || c.LogDir == "" {
		return fmt.Errorf("generated_dir and log_dir are required")
	}
	if _, err := scheduler.ComputeNextRunFrom(c.Dashboard.MaintenanceSchedule, time.Now()); err != nil {
		return fmt.Errorf("dashboard.maintenance_schedule: %w", err)
	}
	for i, fb := range c.FallbackProviders {
		k, err := openai.ParseKind(fb.Provider)
		if err != nil {
			return fmt.Errorf("fallback_providers[%d]: %w", i, err)
		}
		if _, err := k.ResolveURL(fb.APIURL); err != nil {
			return fmt.Errorf("fallback_providers[%d].api_url: %w", i, err)
		}
		if fb.Model == "" {
			return fmt.Errorf("fallback_providers[%d].model is required", i)
		}
	}
	return nil
}
