package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/jkaninda/pymakebot/internal/analysis"
	"github.com/jkaninda/pymakebot/internal/config"
	"github.com/jkaninda/pymakebot/internal/observability"
	"github.com/jkaninda/pymakebot/internal/sandbox"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the interpreter, docker, ruff, bandit and provider settings",
	RunE:  runDoctor,
}

func runDoctor(_ *cobra.Command, _ []string) error {
	cfg, source, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checker := doctorChecks(cfg, analysis.New(logger), sandbox.NewSupervisor(sandbox.SupervisorConfig{
		Python: cfg.PythonExecutable,
	}, logger), sandbox.NewDockerRuntime(sandbox.DockerConfig{
		Image:     cfg.Sandbox.Image,
		User:      cfg.Sandbox.User,
		MemoryMB:  cfg.Sandbox.MemoryMB,
		CPUCores:  cfg.Sandbox.CPUCores,
		PIDsLimit: cfg.Sandbox.PIDsLimit,
	}, logger))

	status := checker.CheckReady(ctx)
	printDoctor(os.Stdout, cfg, source, checker.Names(), status, !noColor && os.Getenv("NO_COLOR") == "")
	if status.Status != "ok" {
		return fmt.Errorf("required checks failed")
	}
	return nil
}

// doctorChecks registers every environment check. Only the interpreter is
// required; the rest degrade gracefully at run time.
func doctorChecks(cfg *config.Config, a *analysis.Analyzer, sup *sandbox.Supervisor, rt *sandbox.DockerRuntime) *observability.HealthChecker {
	h := observability.NewHealthChecker(nil)
	h.AddCheck("python", func(_ context.Context) (string, error) {
		return sup.ResolveInterpreter()
	})
	h.AddOptionalCheck("docker", func(ctx context.Context) (string, error) {
		if err := rt.Available(ctx); err != nil {
			return "", err
		}
		detail := rt.Image()
		if left, err := rt.Leftovers(ctx, ""); err == nil && len(left) > 0 {
			detail += fmt.Sprintf(", %d leftover container(s)", len(left))
		}
		if !cfg.UseDocker {
			detail += " (use_docker is off)"
		}
		return detail, nil
	})
	h.AddOptionalCheck("ruff", func(_ context.Context) (string, error) {
		if !a.LinterAvailable() {
			return "", fmt.Errorf("not installed (pip install ruff)")
		}
		return "available", nil
	})
	h.AddOptionalCheck("bandit", func(_ context.Context) (string, error) {
		if !a.ScannerAvailable() {
			return "", fmt.Errorf("not installed (pip install bandit)")
		}
		return "available", nil
	})
	h.AddCheck("provider", func(_ context.Context) (string, error) {
		endpoint, err := cfg.Endpoint()
		if err != nil {
			return "", err
		}
		if err := cfg.CheckCredentials(); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s at %s", cfg.ProviderKind().DisplayName(), cfg.Model, endpoint), nil
	})
	return h
}

func printDoctor(w io.Writer, cfg *config.Config, source string, names []string, status observability.HealthStatus, color bool) {
	ok := lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warn := lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	bad := lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	paint := func(s lipgloss.Style, text string) string {
		if !color {
			return text
		}
		return s.Render(text)
	}

	if source == "" {
		source = "built-in defaults"
	}
	fmt.Fprintf(w, "Config:        %s\n", source)
	fmt.Fprintf(w, "Generated dir: %s\n", cfg.ResolvedGeneratedDir())
	fmt.Fprintf(w, "Log dir:       %s\n\n", cfg.ResolvedLogDir())

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, name := range names {
		res := status.Checks[name]
		var mark, detail string
		switch res.Status {
		case "ok":
			mark, detail = paint(ok, "✓"), res.Detail
		case "missing":
			mark, detail = paint(warn, "⚠"), res.Message
		default:
			mark, detail = paint(bad, "✗"), res.Message
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", mark, name, detail)
	}
	tw.Flush()
}
