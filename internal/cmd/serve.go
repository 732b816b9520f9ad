package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/legacyguard/internal/checkpoint"
	"github.com/felixgeelhaar/legacyguard/internal/log"
	"github.com/felixgeelhaar/legacyguard/internal/orchestrator"
	"github.com/felixgeelhaar/legacyguard/internal/server"
	"github.com/felixgeelhaar/legacyguard/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestration HTTP server",
	Long: `Start the HTTP API: submit orchestrations, approve paused ones, read
state snapshots and follow progress and sandbox output as server-sent events.

Endpoints:
  POST /api/v1/orchestrations            submit a request
  POST /api/v1/orchestrations/approve    resume a paused orchestration
  GET  /api/v1/orchestrations/:id        state snapshot
  GET  /api/v1/orchestrations/:id/stream event stream (SSE)
  GET  /api/v1/logs?orchestrationId=     sandbox output (SSE)
  GET  /api/v1/sandbox/capabilities      isolation tiers on this host
  GET  /metrics, /health/live, /health/ready

On SIGINT or SIGTERM the server stops accepting requests, ends open streams,
cancels running orchestrations and drains connections.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveAddress       string
	serveJanitorPeriod time.Duration
	serveSkipRepoScan  bool
)

func init() {
	serveCmd.Flags().StringVar(&serveAddress, "address", "", "override server.address")
	serveCmd.Flags().DurationVar(&serveJanitorPeriod, "janitor-interval", time.Minute, "how often expired approvals and old orchestrations are swept")
	serveCmd.Flags().BoolVar(&serveSkipRepoScan, "skip-repo-scan", false, "do not inspect repositories named in submissions")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddress != "" {
		cfg.Server.Address = serveAddress
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	st, err := buildStack(ctx, cfg, logger, stackOptions{external: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.LogError("close connections", err)
		}
	}()

	svc := orchestrator.NewService(st.deps, orchestrator.ServiceOptions{
		BasePolicy:   st.basePolicy,
		SkipRepoScan: serveSkipRepoScan,
	})

	srv := server.New(server.Config{
		Address:          cfg.Server.Address,
		RateLimitRPS:     cfg.Server.RateLimitRPS,
		RateLimitBurst:   cfg.Server.RateLimitBurst,
		ShutdownTimeout:  cfg.Server.ShutdownTimeout,
		TrustedProxies:   cfg.Server.TrustedProxies,
		IncidentRepoPath: cfg.Server.IncidentRepoPath,
	}, server.Deps{
		Service:    svc,
		Sandbox:    st.runner,
		RunnerPath: cfg.Sandbox.RunnerPath,
		Monitor:    st.monitor,
		Gatherer:   st.registry,
		Metrics:    st.metrics,
		Audit:      st.audit,
		Logger:     logger,
	})

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go svc.RunJanitor(janitorCtx, serveJanitorPeriod)
	if st.archive != nil && cfg.Orchestrator.ArchiveRetention > 0 {
		go runArchivePruner(janitorCtx, st.archive, cfg.Orchestrator.ArchiveRetention, serveJanitorPeriod, logger)
	}

	logger.Info("legacyguard starting",
		"version", version.Version,
		"address", cfg.Server.Address,
		"planner", st.deps.Planner.Generator().Name(),
		"cycle_policy", st.deps.Scheduler.Policy(),
		"checks", st.monitor.Names(),
	)

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Start() }()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()

	stopJanitor()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.LogError("http shutdown", err)
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.LogError("orchestration shutdown", err)
	}
	st.broker.Shutdown()
	logger.Info("legacyguard stopped")
	return nil
}

// runArchivePruner deletes archived snapshots older than retention every interval.
func runArchivePruner(ctx context.Context, archive *checkpoint.Manager, retention, interval time.Duration, logger *log.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			pruneArchive(archive, retention, now, logger)
		}
	}
}

func pruneArchive(archive *checkpoint.Manager, retention time.Duration, now time.Time, logger *log.Logger) int {
	removed, err := archive.Prune(now.Add(-retention))
	if err != nil {
		logger.LogError("prune archive", err)
	}
	if removed > 0 {
		logger.Info("archive pruned", "removed", removed, "dir", archive.Dir())
	}
	return removed
}
