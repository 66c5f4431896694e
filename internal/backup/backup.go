// Package backup archives the service data directory and prunes expired
// archives. The container is stopped for a consistent snapshot and brought
// back on every exit path, including archive failures.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/meilikeeper/meilikeeper/internal/config"
	"github.com/meilikeeper/meilikeeper/internal/engine"
)

// restartTimeout bounds the detached restart that runs even when the tick's
// own context is gone.
const restartTimeout = time.Minute

// Engine is the container surface a backup tick drives.
type Engine interface {
	Lookup(ctx context.Context, name string) (engine.Container, error)
	Stop(ctx context.Context, id string) error
	Start(ctx context.Context, id string) error
}

// Report summarizes one backup tick.
type Report struct {
	Archive      string
	ArchiveBytes int64
	Pruned       []string
	// Stopped records whether the container was taken down for the
	// snapshot. False means the archive was taken from live data.
	Stopped bool
}

// Runner executes backup ticks.
type Runner struct {
	cfg    config.Config
	engine Engine
	logger zerolog.Logger
	now    func() time.Time
}

// New returns a backup Runner.
func New(cfg config.Config, eng Engine, logger zerolog.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		engine: eng,
		logger: logger,
		now:    time.Now,
	}
}

// Tick takes one backup: stop the container if it can be stopped, archive
// the data directory, restart the container, prune expired archives. The
// restart is deferred on a detached context so it happens no matter how the
// archive or prune went.
func (r *Runner) Tick(ctx context.Context) (report Report, err error) {
	if err := os.MkdirAll(r.cfg.BackupPath, 0o755); err != nil {
		return report, fmt.Errorf("create backup directory: %w", err)
	}

	target, lookupErr := r.engine.Lookup(ctx, config.ServiceName)
	switch {
	case errors.Is(lookupErr, engine.ErrNotFound):
		r.logger.Warn().
			Str("container", config.ServiceName).
			Msg("container absent, archiving data directory as is")
	case lookupErr != nil:
		return report, lookupErr
	default:
		defer func() {
			restartCtx, cancel := context.WithTimeout(context.Background(), restartTimeout)
			defer cancel()
			if startErr := r.engine.Start(restartCtx, target.ID); startErr != nil {
				err = errors.Join(err, fmt.Errorf("restart container after backup: %w", startErr))
				return
			}
			r.logger.Info().Str("container", target.Name).Msg("container running again")
		}()
		if target.Running {
			if stopErr := r.engine.Stop(ctx, target.ID); stopErr != nil {
				r.logger.Warn().Err(stopErr).Msg("could not stop container, archiving live data")
			} else {
				report.Stopped = true
			}
		}
	}

	name := ArchiveName(r.now())
	dst := filepath.Join(r.cfg.BackupPath, name)
	if archiveErr := writeArchive(dst, r.cfg.DataPath); archiveErr != nil {
		return report, fmt.Errorf("write backup archive: %w", archiveErr)
	}
	report.Archive = name
	if info, statErr := os.Stat(dst); statErr == nil {
		report.ArchiveBytes = info.Size()
	}
	r.logger.Info().
		Str("archive", name).
		Int64("bytes", report.ArchiveBytes).
		Msg("backup archive written")

	pruned, pruneErr := r.prune()
	report.Pruned = pruned
	if pruneErr != nil {
		return report, fmt.Errorf("prune expired archives: %w", pruneErr)
	}
	return report, nil
}

// prune removes archives whose mtime is strictly older than the retention
// window. The newest BackupKeep archives survive regardless of age, so a
// paused scheduler cannot age the whole set into deletion.
func (r *Runner) prune() ([]string, error) {
	entries, err := os.ReadDir(r.cfg.BackupPath)
	if err != nil {
		return nil, err
	}

	type archive struct {
		name string
		mod  time.Time
	}
	var archives []archive
	for _, entry := range entries {
		if entry.IsDir() || !isArchiveName(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		archives = append(archives, archive{name: entry.Name(), mod: info.ModTime()})
	}
	sort.Slice(archives, func(i, j int) bool {
		return archives[i].mod.After(archives[j].mod)
	})

	cutoff := r.now().Add(-r.cfg.BackupRetention)
	var pruned []string
	for i, candidate := range archives {
		if i < r.cfg.BackupKeep {
			continue
		}
		if !candidate.mod.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(r.cfg.BackupPath, candidate.name)); err != nil {
			return pruned, err
		}
		r.logger.Info().Str("archive", candidate.name).Msg("pruned expired archive")
		pruned = append(pruned, candidate.name)
	}
	return pruned, nil
}
