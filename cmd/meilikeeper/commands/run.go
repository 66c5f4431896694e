package commands

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meilikeeper/meilikeeper/internal/backup"
	"github.com/meilikeeper/meilikeeper/internal/config"
	"github.com/meilikeeper/meilikeeper/internal/daemon"
	"github.com/meilikeeper/meilikeeper/internal/engine"
	"github.com/meilikeeper/meilikeeper/internal/execx"
	"github.com/meilikeeper/meilikeeper/internal/healthcheck"
	"github.com/meilikeeper/meilikeeper/internal/lock"
	"github.com/meilikeeper/meilikeeper/internal/logging"
	"github.com/meilikeeper/meilikeeper/internal/metrics"
	"github.com/meilikeeper/meilikeeper/internal/probe"
	"github.com/meilikeeper/meilikeeper/internal/supervisor"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the health and backup loops in one process",
	Long: `Run hosts both periodic jobs in a single long-lived process instead of
cron: health ticks every MEILI_HEALTH_INTERVAL and backup ticks every
MEILI_BACKUP_INTERVAL. With MEILI_METRICS_PORT set, the process also
serves /healthz, /readyz and Prometheus /metrics.

The process stops cleanly on SIGINT or SIGTERM.`,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.NewDockerEngine(0)
	if err != nil {
		return fmt.Errorf("connect container runtime: %w", err)
	}
	defer func() { _ = eng.Close() }()

	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		return err
	}

	sup := supervisor.New(cfg, eng,
		engine.NewRuntimeManager(eng, execx.Shell{}, logger, cfg.GracePeriod),
		probe.New(cfg.ProbeURL(), cfg.ProbeTimeout),
		logger,
	)

	d := daemon.New(cfg, sup, backup.New(cfg, eng, logger), lock.New(cfg.LockFile()), logger,
		daemon.WithNotifier(notifier),
		daemon.WithMetrics(metrics.New()),
		daemon.WithTracker(healthcheck.NewTracker()),
	)

	return d.Run(ctx)
}
