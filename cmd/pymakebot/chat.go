package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/pymakebot/internal/gateway/cli"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start the interactive REPL (default)",
	RunE:  runChat,
}

// runChat starts the REPL and blocks until the user quits or a signal
// arrives.
func runChat(_ *cobra.Command, _ []string) error {
	cfg, source, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.CheckCredentials(); err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	logger.Info("starting REPL", slog.String("config", source))

	sc, err := initShared(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	endpoint, _ := cfg.Endpoint()
	repl := cli.NewGateway(sc.Pipeline, cli.Options{
		AutoInstall: cfg.AutoInstallDeps,
		Provider: cli.ProviderInfo{
			Name:     cfg.ProviderKind().DisplayName(),
			Model:    cfg.Model,
			Endpoint: endpoint,
			Fallback: fallbackNames(cfg),
		},
		Color:       !noColor && os.Getenv("NO_COLOR") == "",
		HistoryFile: filepath.Join(cfg.ResolvedLogDir(), ".history"),
	}, logger)

	// Signal-aware context. Ctrl-C at the prompt is handled by the line
	// editor; SIGTERM stops the REPL.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() { errs <- repl.Start(ctx) }()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	// The REPL may be blocked reading stdin; give it a moment to notice.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := repl.Stop(shutdownCtx); err != nil {
		logger.Error("stopping REPL", slog.String("error", err.Error()))
	}
	select {
	case err := <-errs:
		return err
	case <-shutdownCtx.Done():
		return nil
	}
}
