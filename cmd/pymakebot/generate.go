package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/pymakebot/internal/sandbox"
)

var (
	generateRun     bool
	generateInstall bool
	generateOutput  string
)

var generateCmd = &cobra.Command{
	Use:   "generate <description>",
	Short: "Generate one program and print it",
	Long: `Generate a Python program from a description, save it to generated_dir,
and print the code. With --run the program is executed after the checks.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().BoolVar(&generateRun, "run", false, "execute the program after generating it")
	generateCmd.Flags().BoolVar(&generateInstall, "install", false, "install detected third-party packages before running")
	generateCmd.Flags().StringVarP(&generateOutput, "output", "o", "", "also copy the program to this file")
}

func runGenerate(_ *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.CheckCredentials(); err != nil {
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

	gen, err := sc.Pipeline.Generate(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	if gen.NoCode {
		return fmt.Errorf("the model did not return any code")
	}
	pr, err := sc.Pipeline.Prepare(ctx, gen.Code)
	if err != nil {
		return err
	}
	logger.Info("program generated",
		slog.String("script", pr.Script.Path),
		slog.Int("attempts", gen.Reply.Attempts),
	)

	fmt.Fprintln(os.Stdout, strings.TrimRight(pr.Code, "\n"))
	fmt.Fprintf(os.Stderr, "saved to %s\n", pr.Script.Path)
	if generateOutput != "" {
		if err := sandbox.Copy(pr.Script.Path, generateOutput); err != nil {
			return err
		}
	}
	if pkgs := pr.Packages(); len(pkgs) > 0 {
		fmt.Fprintf(os.Stderr, "dependencies: %s\n", strings.Join(pkgs, ", "))
	}
	if pr.SyntaxErr != nil {
		return fmt.Errorf("generated program has a syntax error: %w", pr.SyntaxErr)
	}
	if pr.Lint != nil && len(pr.Lint.Diagnostics) > 0 {
		fmt.Fprintf(os.Stderr, "ruff reported %d issue(s)\n", len(pr.Lint.Diagnostics))
	}
	if pr.Security != nil && pr.Security.HasHighSeverity {
		fmt.Fprintln(os.Stderr, "warning: bandit reported high-severity issues")
	}

	if !generateRun {
		return nil
	}
	return executeOnce(ctx, sc, pr, generateInstall || cfg.AutoInstallDeps)
}
