package commands

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meilikeeper/meilikeeper/internal/backup"
	"github.com/meilikeeper/meilikeeper/internal/config"
	"github.com/meilikeeper/meilikeeper/internal/daemon"
	"github.com/meilikeeper/meilikeeper/internal/engine"
	"github.com/meilikeeper/meilikeeper/internal/lock"
	"github.com/meilikeeper/meilikeeper/internal/logging"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Archive the service data directory",
	Long: `Backup runs a single backup tick: stop the managed container, archive
the data directory into the backup path, restart the container and prune
archives past the retention window. The container is restarted even when
archiving fails.

A tick skipped because another one still holds the lock exits zero.`,
	RunE: runBackup,
}

func runBackup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, closeLog, err := logging.NewJob(cfg.LogPath, "backup")
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

	report, tickErr := backup.New(cfg, eng, logger).Tick(ctx)
	if tickErr != nil {
		if err := notifier.Notify(ctx, daemon.BackupEvent(report, tickErr)); err != nil {
			logger.Warn().Err(err).Msg("notification delivery failed")
		}
		return tickErr
	}

	logger.Info().
		Str("archive", report.Archive).
		Int64("bytes", report.ArchiveBytes).
		Int("pruned", len(report.Pruned)).
		Msg("backup completed")
	return nil
}
