// Package provision turns a bare host into one running the managed search
// service: master key, data volume, service environment, container, and the
// periodic schedule, in that order.
package provision

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/meilikeeper/meilikeeper/internal/config"
	"github.com/meilikeeper/meilikeeper/internal/fsutil"
	"github.com/meilikeeper/meilikeeper/internal/volume"
)

// ErrPrivilege reports that provisioning was started without root. Device
// formatting, mounts, fstab and cron.d all need it.
var ErrPrivilege = errors.New("root privileges required")

// Secrets resolves the service master key.
type Secrets interface {
	Ensure(override string) (string, error)
}

// Volume converges the dedicated data volume.
type Volume interface {
	Ensure(ctx context.Context) (volume.State, error)
}

// Launcher converges the service container.
type Launcher interface {
	Ensure(ctx context.Context) error
}

// Scheduler installs the periodic jobs.
type Scheduler interface {
	Install() error
}

// Orchestrator runs the provisioning pipeline. The first fatal error aborts
// the run; an absent block device degrades it instead.
type Orchestrator struct {
	cfg       config.Config
	secrets   Secrets
	volume    Volume
	launcher  Launcher
	scheduler Scheduler
	logger    zerolog.Logger
	geteuid   func() int
}

// New returns an Orchestrator over the given collaborators.
func New(cfg config.Config, secrets Secrets, vol Volume, launcher Launcher, scheduler Scheduler, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		secrets:   secrets,
		volume:    vol,
		launcher:  launcher,
		scheduler: scheduler,
		logger:    logger,
		geteuid:   os.Geteuid,
	}
}

// Run executes the pipeline.
func (o *Orchestrator) Run(ctx context.Context) error {
	if uid := o.geteuid(); uid != 0 {
		return fmt.Errorf("provisioning runs as uid %d: %w", uid, ErrPrivilege)
	}

	key, err := o.secrets.Ensure(o.cfg.MasterKey)
	if err != nil {
		return fmt.Errorf("ensure master key: %w", err)
	}

	state, err := o.volume.Ensure(ctx)
	if err != nil {
		return fmt.Errorf("provision data volume: %w", err)
	}
	if state.Kind == volume.KindAbsent {
		o.logger.Warn().
			Str("device", state.Device).
			Msg("running without a dedicated data volume")
	}

	// Created after the mount so they land on the volume when there is one.
	for _, dir := range []string{o.cfg.DataPath, o.cfg.BackupPath, o.cfg.LogPath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if err := o.writeServiceEnv(key); err != nil {
		return err
	}

	if err := o.launcher.Ensure(ctx); err != nil {
		return fmt.Errorf("launch service: %w", err)
	}

	if err := o.scheduler.Install(); err != nil {
		return err
	}

	o.logger.Info().Msg("host provisioned")
	return nil
}

// writeServiceEnv renders the dotenv environment handed to the container,
// encoded so the launcher reads back exactly what was written. The service
// listens on all container interfaces; the host port binding decides outside
// reachability.
func (o *Orchestrator) writeServiceEnv(masterKey string) error {
	content, err := godotenv.Marshal(map[string]string{
		"MEILI_ENV":          "production",
		"MEILI_HTTP_ADDR":    "0.0.0.0:7700",
		"MEILI_MASTER_KEY":   masterKey,
		"MEILI_NO_ANALYTICS": "true",
	})
	if err != nil {
		return fmt.Errorf("encode service environment: %w", err)
	}
	if err := fsutil.WriteFileAtomic(o.cfg.EnvFile(), []byte(content+"\n"), 0o600); err != nil {
		return fmt.Errorf("write service environment: %w", err)
	}
	o.logger.Info().Str("path", o.cfg.EnvFile()).Msg("service environment written")
	return nil
}
