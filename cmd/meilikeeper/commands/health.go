package commands

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meilikeeper/meilikeeper/internal/config"
	"github.com/meilikeeper/meilikeeper/internal/daemon"
	"github.com/meilikeeper/meilikeeper/internal/engine"
	"github.com/meilikeeper/meilikeeper/internal/execx"
	"github.com/meilikeeper/meilikeeper/internal/lock"
	"github.com/meilikeeper/meilikeeper/internal/logging"
	"github.com/meilikeeper/meilikeeper/internal/probe"
	"github.com/meilikeeper/meilikeeper/internal/supervisor"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run one health tick against the managed container",
	Long: `Health runs a single supervision tick: reach the container runtime,
start or restart the managed container as needed, and probe the service
endpoint. Divergences are reported through the configured notifiers.

A tick that finds no container at all exits nonzero; the host needs
provisioning. A tick skipped because another one still holds the lock
exits zero.`,
	RunE: runHealth,
}

func runHealth(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, closeLog, err := logging.NewJob(cfg.LogPath, "health")
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tickLock := lock.New(cfg.LockFile())
	if err := tickLock.Acquire(ctx); err != nil {
		if errors.Is(err, lock.ErrHeld) {
			logger.Warn().Msg("previous tick still running, skipping")
			return nil
		}
		return err
	}
	defer func() { _ = tickLock.Release() }()

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

	report, tickErr := sup.Tick(ctx)
	if event, ok := daemon.HealthEvent(report, tickErr); ok {
		if err := notifier.Notify(ctx, event); err != nil {
			logger.Warn().Err(err).Msg("notification delivery failed")
		}
	}

	return tickErr
}
