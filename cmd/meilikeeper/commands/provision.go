package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meilikeeper/meilikeeper/internal/config"
	"github.com/meilikeeper/meilikeeper/internal/engine"
	"github.com/meilikeeper/meilikeeper/internal/execx"
	"github.com/meilikeeper/meilikeeper/internal/launcher"
	"github.com/meilikeeper/meilikeeper/internal/logging"
	"github.com/meilikeeper/meilikeeper/internal/probe"
	"github.com/meilikeeper/meilikeeper/internal/provision"
	"github.com/meilikeeper/meilikeeper/internal/schedule"
	"github.com/meilikeeper/meilikeeper/internal/secret"
	"github.com/meilikeeper/meilikeeper/internal/volume"
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Prepare the host and launch the managed container",
	Long: `Provision runs the one-time host setup: persist the master key, format
and mount the data volume when a block device is attached, write the
service environment, launch the container and install the cron schedule
for the health and backup commands.

Provisioning requires root and is idempotent; re-running it converges the
host without touching what is already in place.`,
	RunE: runProvision,
}

func runProvision(cmd *cobra.Command, _ []string) error {
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

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}

	orchestrator := provision.New(cfg,
		secret.NewStore(cfg.MasterKeyFile(), logger),
		volume.NewProvisioner(cfg.BlockDevice, cfg.MountRoot(), execx.Shell{}, logger),
		launcher.New(cfg, eng, probe.New(cfg.ProbeURL(), cfg.ProbeTimeout), logger),
		schedule.New(cfg, exe, logger),
		logger,
	)

	return orchestrator.Run(ctx)
}
