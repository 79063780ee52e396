package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jkaninda/pymakebot/internal/execmode"
	"github.com/jkaninda/pymakebot/internal/pipeline"
	"github.com/jkaninda/pymakebot/internal/sandbox"
)

var runInstall bool

var runCmd = &cobra.Command{
	Use:   "run <script>",
	Short: "Run a stored script from generated_dir",
	Long: `Run a previously generated script. The name is resolved inside
generated_dir; paths that escape it are rejected.`,
	Args: cobra.ExactArgs(1),
	RunE: runScript,
}

func init() {
	runCmd.Flags().BoolVar(&runInstall, "install", false, "install detected third-party packages first")
}

func runScript(_ *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	sc, err := initShared(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pr, err := sc.Pipeline.Load(ctx, args[0])
	if err != nil {
		return err
	}
	if pr.SyntaxErr != nil {
		return fmt.Errorf("%s has a syntax error: %w", pr.Script.Name, pr.SyntaxErr)
	}
	return executeOnce(ctx, sc, pr, runInstall || cfg.AutoInstallDeps)
}

// executeOnce runs pr and prints captured output. A program that does not
// exit cleanly is reported as an error so the exit status reflects it.
func executeOnce(ctx context.Context, sc *SharedComponents, pr *pipeline.Prepared, install bool) error {
	// Without a terminal there is nobody to interact with.
	captured := !term.IsTerminal(int(os.Stdin.Fd()))
	if captured && pr.Mode != execmode.Captured {
		sc.Logger.Warn("stdin is not a terminal, capturing output", slog.String("mode", pr.Mode.String()))
	}

	res, err := sc.Pipeline.Execute(ctx, pr, pipeline.RunOptions{Install: install, Captured: captured})
	if err != nil {
		if errors.Is(err, sandbox.ErrInterpreterNotFound) {
			return fmt.Errorf("%w (set python_executable in the config)", err)
		}
		return err
	}

	if res.FellBack {
		fmt.Fprintln(os.Stderr, "warning: container runtime unavailable, ran on host")
	}
	if res.InstallError != "" {
		fmt.Fprintf(os.Stderr, "warning: installing packages failed: %s\n", res.InstallError)
	}
	if res.Mode == execmode.Captured {
		fmt.Fprint(os.Stdout, res.Stdout)
		fmt.Fprint(os.Stderr, res.Stderr)
	}

	switch {
	case res.TimedOut:
		return res.TimeoutError()
	case res.ExitCode != nil && *res.ExitCode != 0:
		return fmt.Errorf("%s: %s", pr.Script.Name, pipeline.Summary(res))
	}
	return nil
}
