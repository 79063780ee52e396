package main

import (
	"context"
	"log/slog"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/pymakebot/internal/gateway"
	"github.com/jkaninda/pymakebot/internal/gateway/httpapi"
	"github.com/jkaninda/pymakebot/internal/gateway/ws"
	"github.com/jkaninda/pymakebot/internal/sandbox"
	"github.com/jkaninda/pymakebot/internal/scheduler"
)

var dashboardPort string

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Serve the web dashboard API and live log stream",
	RunE:  runDashboard,
}

func init() {
	dashboardCmd.Flags().StringVar(&dashboardPort, "port", "", "override the listen port (e.g. 8080 or :8080)")
}

// runDashboard serves the HTTP API, the /api/logs stream, and watches
// generated_dir for new scripts.
func runDashboard(_ *cobra.Command, _ []string) error {
	cfg, source, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.CheckCredentials(); err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	// Apply CLI overrides.
	if dashboardPort != "" {
		cfg.Dashboard.ListenAddr = listenAddr(cfg.Dashboard.ListenAddr, dashboardPort)
	}
	logger.Info("starting dashboard", slog.String("config", source))

	tracker := ws.NewRunTracker(logger)
	broker := ws.NewBroker(logger, ws.WithTracker(tracker))

	sc, err := initShared(cfg, logger, broker)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher := ws.NewWatcher(sc.Store.Dir(), broker, 0, logger)
	go func() {
		if err := watcher.Run(ctx); err != nil {
			logger.Warn("script watcher stopped", slog.String("error", err.Error()))
		}
	}()
	stopMaintenance, err := startMaintenance(ctx, sc, tracker)
	if err != nil {
		return err
	}
	defer stopMaintenance()

	stream := ws.NewServer(broker, logger, ws.WithKeys(cfg.Dashboard.APIKeys))
	httpCfg := httpapi.Config{
		ListenAddr:    cfg.Dashboard.ListenAddr,
		EnableDocs:    cfg.Dashboard.EnableDocs,
		APIKeys:       cfg.Dashboard.APIKeys,
		AutoInstall:   cfg.AutoInstallDeps,
		HealthChecker: sc.Obs.Health,

		RequestsPerMinute: cfg.Dashboard.RequestsPerMinute,
		Burst:             cfg.Dashboard.Burst,
	}
	if m := sc.Obs.Metrics; m != nil {
		httpCfg.Metrics = m
		httpCfg.MetricsRegistry = m.Registry
		if mc := cfg.Observability.Metrics; mc != nil {
			httpCfg.MetricsPath = mc.Path
		}
	}
	if sc.Obs.Tracer != nil {
		httpCfg.Tracer = sc.Obs.Tracer.Tracer()
	}
	dashboard := httpapi.NewGateway(httpCfg, sc.Pipeline, logger).
		WithRunTracker(tracker).
		WithHandler("/api/logs", stream.Handler())

	gateways := []gateway.Gateway{dashboard}

	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	return nil
}

// listenAddr replaces the port of addr. A bare port keeps the configured
// host.
func listenAddr(addr, port string) string {
	if host, _, err := net.SplitHostPort(port); err == nil && host != "" {
		return port
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = ""
	}
	if port[0] == ':' {
		port = port[1:]
	}
	return net.JoinHostPort(host, port)
}

// startMaintenance schedules pruning of finished runs, of leftover sandbox
// containers when docker is in use, and, when a retention is configured, of
// expired scripts.
func startMaintenance(ctx context.Context, sc *SharedComponents, tracker *ws.RunTracker) (func(), error) {
	cfg, logger := sc.Config, sc.Logger
	var metrics *scheduler.Metrics
	if sc.Obs.Metrics != nil {
		metrics = scheduler.NewMetrics(sc.Obs.Metrics.Registry)
	}
	sched := scheduler.New(logger, scheduler.WithMetrics(metrics))

	retention := cfg.RunRetention()
	if err := sched.Add("prune_runs", cfg.Dashboard.MaintenanceSchedule, func(ctx context.Context) error {
		if n := tracker.CleanCompleted(retention); n > 0 {
			logger.DebugContext(ctx, "pruned finished runs", slog.Int("count", n))
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if maxAge := cfg.ScriptRetention(); maxAge > 0 {
		if err := sched.Add("prune_scripts", cfg.Dashboard.MaintenanceSchedule, func(ctx context.Context) error {
			n, err := sc.Store.Prune(maxAge)
			if n > 0 {
				logger.InfoContext(ctx, "removed expired scripts", slog.Int("count", n))
			}
			return err
		}); err != nil {
			return nil, err
		}
	}

	if rt := sc.Docker; rt != nil {
		if err := sched.Add("prune_containers", cfg.Dashboard.MaintenanceSchedule, func(ctx context.Context) error {
			n, err := rt.RemoveLeftovers(ctx, keepContainer(tracker))
			if n > 0 {
				logger.InfoContext(ctx, "removed leftover sandbox containers", slog.Int("count", n))
			}
			return err
		}); err != nil {
			return nil, err
		}
	}
	return sched.Start(ctx), nil
}

// keepContainer spares containers of runs still executing here, and live
// containers of runs this dashboard never saw, which may belong to another
// pymakebot process.
func keepContainer(tracker *ws.RunTracker) func(sandbox.Leftover) bool {
	return func(l sandbox.Leftover) bool {
		if run, ok := tracker.Get(l.RunID); ok {
			return !run.Finished()
		}
		return !l.Stopped()
	}
}
