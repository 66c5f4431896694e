// Package schedule renders the periodic health and backup jobs as a cron.d
// file. Running them is the system scheduler's business.
package schedule

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/meilikeeper/meilikeeper/internal/config"
	"github.com/meilikeeper/meilikeeper/internal/fsutil"
)

// DefaultPath is where provisioning installs the cron entries.
const DefaultPath = "/etc/cron.d/meilikeeper"

// Writer installs the cron.d file for the configured intervals.
type Writer struct {
	cfg    config.Config
	exe    string
	path   string
	logger zerolog.Logger
}

// Option adjusts a Writer.
type Option func(*Writer)

// WithPath overrides the cron.d target path.
func WithPath(path string) Option {
	return func(w *Writer) {
		w.path = path
	}
}

// New returns a Writer that schedules invocations of the given executable.
func New(cfg config.Config, exe string, logger zerolog.Logger, opts ...Option) *Writer {
	w := &Writer{
		cfg:    cfg,
		exe:    exe,
		path:   DefaultPath,
		logger: logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Install renders the schedule and writes it atomically. Cron picks the file
// up on its own; a partial write must never be visible to it.
func (w *Writer) Install() error {
	content, err := w.render()
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(w.path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("install cron schedule: %w", err)
	}
	w.logger.Info().Str("path", w.path).Msg("cron schedule installed")
	return nil
}

func (w *Writer) render() (string, error) {
	health, err := cronSpec(w.cfg.HealthInterval)
	if err != nil {
		return "", fmt.Errorf("health interval: %w", err)
	}
	backup, err := cronSpec(w.cfg.BackupInterval)
	if err != nil {
		return "", fmt.Errorf("backup interval: %w", err)
	}
	return fmt.Sprintf(`# Generated by meilikeeper. Edits are overwritten on the next provision run.
SHELL=/bin/sh
PATH=/usr/local/sbin:/usr/local/bin:/sbin:/bin:/usr/sbin:/usr/bin
%s root %s health
%s root %s backup
`, health, w.exe, backup, w.exe), nil
}

// cronSpec maps an interval onto a five-field cron expression. Only
// intervals that divide evenly into the cron grid are representable.
func cronSpec(interval time.Duration) (string, error) {
	minutes := int(interval.Minutes())
	if minutes <= 0 || time.Duration(minutes)*time.Minute != interval {
		return "", fmt.Errorf("interval %s does not fall on a whole minute", interval)
	}
	if minutes == 1 {
		return "* * * * *", nil
	}
	if minutes < 60 {
		if 60%minutes != 0 {
			return "", fmt.Errorf("interval %s does not divide an hour evenly", interval)
		}
		return fmt.Sprintf("*/%d * * * *", minutes), nil
	}
	if minutes%60 != 0 {
		return "", fmt.Errorf("interval %s does not fall on a whole hour", interval)
	}
	hours := minutes / 60
	if hours < 24 {
		if 24%hours != 0 {
			return "", fmt.Errorf("interval %s does not divide a day evenly", interval)
		}
		return fmt.Sprintf("0 */%d * * *", hours), nil
	}
	if hours%24 != 0 {
		return "", fmt.Errorf("interval %s does not fall on a whole day", interval)
	}
	days := hours / 24
	if days == 1 {
		return "0 0 * * *", nil
	}
	return fmt.Sprintf("0 0 */%d * *", days), nil
}
