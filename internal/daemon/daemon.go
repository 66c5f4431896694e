package daemon

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meilikeeper/meilikeeper/internal/backup"
	"github.com/meilikeeper/meilikeeper/internal/config"
	"github.com/meilikeeper/meilikeeper/internal/healthcheck"
	"github.com/meilikeeper/meilikeeper/internal/lock"
	"github.com/meilikeeper/meilikeeper/internal/metrics"
	"github.com/meilikeeper/meilikeeper/internal/notify"
	"github.com/meilikeeper/meilikeeper/internal/server"
	"github.com/meilikeeper/meilikeeper/internal/supervisor"
)

const (
	jobHealth = "health"
	jobBackup = "backup"
)

// Ticker is the minimal interface needed for driving the daemon loops.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

// HealthTicker runs one health convergence pass over the managed service.
type HealthTicker interface {
	Tick(ctx context.Context) (supervisor.Report, error)
}

// BackupTicker takes one backup of the service data directory.
type BackupTicker interface {
	Tick(ctx context.Context) (backup.Report, error)
}

// Locker serializes ticks against other processes on the host.
type Locker interface {
	Acquire(ctx context.Context) error
	Release() error
}

// Daemon runs the health and backup loops in one long-lived process,
// replacing the cron entries the provisioner would otherwise install.
type Daemon struct {
	logger        zerolog.Logger
	cfg           config.Config
	health        HealthTicker
	backup        BackupTicker
	lock          Locker
	notifier      notify.Notifier
	metrics       *metrics.Metrics
	tracker       *healthcheck.Tracker
	tickerFactory func(time.Duration) Ticker
}

// Option customizes daemon behavior.
type Option func(*Daemon)

// WithTickerFactory overrides how tickers are created.
func WithTickerFactory(factory func(time.Duration) Ticker) Option {
	return func(d *Daemon) {
		d.tickerFactory = factory
	}
}

// WithNotifier routes tick outcomes to the given notifier.
func WithNotifier(notifier notify.Notifier) Option {
	return func(d *Daemon) {
		d.notifier = notifier
	}
}

// WithMetrics enables Prometheus instrumentation of the loops.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Daemon) {
		d.metrics = m
	}
}

// WithTracker sets the tracker backing the daemon's own health endpoints.
func WithTracker(tracker *healthcheck.Tracker) Option {
	return func(d *Daemon) {
		d.tracker = tracker
	}
}

// New constructs a Daemon around the two tick implementations.
func New(cfg config.Config, health HealthTicker, backupTicker BackupTicker, locker Locker, logger zerolog.Logger, opts ...Option) *Daemon {
	d := &Daemon{
		logger:   logger,
		cfg:      cfg,
		health:   health,
		backup:   backupTicker,
		lock:     locker,
		notifier: notify.NewMultiNotifier(),
		tracker:  healthcheck.NewTracker(),
		tickerFactory: func(interval time.Duration) Ticker {
			return timeTicker{ticker: time.NewTicker(interval)}
		},
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Run starts both loops and blocks until the context is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	if d.cfg.HealthInterval <= 0 {
		return errors.New("health interval must be greater than zero")
	}
	if d.cfg.BackupInterval <= 0 {
		return errors.New("backup interval must be greater than zero")
	}

	server.Start(ctx, d.logger, d.cfg.HealthInterval, d.tracker, d.metrics, d.cfg.MetricsPort)

	d.logger.Info().
		Str("health_interval", d.cfg.HealthInterval.String()).
		Str("backup_interval", d.cfg.BackupInterval.String()).
		Msg("daemon started")

	// Converge immediately on startup. Backups stay on their schedule;
	// restarting the daemon must not produce an extra archive.
	d.runHealthTick(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.loop(ctx, d.cfg.HealthInterval, d.runHealthTick)
	}()
	go func() {
		defer wg.Done()
		d.loop(ctx, d.cfg.BackupInterval, d.runBackupTick)
	}()
	wg.Wait()

	d.logger.Info().Msg("daemon stopped")
	return nil
}

func (d *Daemon) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	ticker := d.tickerFactory(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			tick(ctx)
		}
	}
}

func (d *Daemon) runHealthTick(ctx context.Context) {
	release, ok := d.acquireLock(ctx, jobHealth)
	if !ok {
		return
	}
	defer release()

	start := time.Now()
	report, err := d.health.Tick(ctx)
	duration := time.Since(start)

	d.metrics.ObserveTickDuration(jobHealth, duration)
	for _, state := range supervisor.AllStates() {
		d.metrics.SetHealthState(string(state), state == report.State)
	}
	if report.Action != supervisor.ActionNone {
		d.metrics.IncRemediations(string(report.Action))
	}
	d.tracker.RecordTick(jobHealth, string(report.State), duration)

	if err != nil {
		d.metrics.IncTickFailures(jobHealth)
		d.logger.Error().Err(err).Str("state", string(report.State)).Msg("health tick failed")
	} else {
		d.metrics.SetLastSuccessfulTick(jobHealth, time.Now())
	}

	if event, ok := HealthEvent(report, err); ok {
		d.send(ctx, event)
	}
}

func (d *Daemon) runBackupTick(ctx context.Context) {
	release, ok := d.acquireLock(ctx, jobBackup)
	if !ok {
		return
	}
	defer release()

	start := time.Now()
	report, err := d.backup.Tick(ctx)
	duration := time.Since(start)

	d.metrics.ObserveTickDuration(jobBackup, duration)

	if err != nil {
		d.metrics.IncTickFailures(jobBackup)
		d.tracker.RecordTick(jobBackup, "failed", duration)
		d.logger.Error().Err(err).Msg("backup tick failed")
		d.send(ctx, BackupEvent(report, err))
		return
	}

	d.metrics.SetLastSuccessfulTick(jobBackup, time.Now())
	d.metrics.SetBackupArchiveBytes(report.ArchiveBytes)
	d.metrics.AddArchivesPruned(len(report.Pruned))
	d.tracker.RecordTick(jobBackup, "ok", duration)
	d.logger.Info().
		Str("archive", report.Archive).
		Int64("bytes", report.ArchiveBytes).
		Int("pruned", len(report.Pruned)).
		Msg("backup tick completed")
}

// acquireLock takes the tick lock and returns its release func. A held
// lock is not an error; the overlapping tick is skipped.
func (d *Daemon) acquireLock(ctx context.Context, job string) (func(), bool) {
	if err := d.lock.Acquire(ctx); err != nil {
		if errors.Is(err, lock.ErrHeld) {
			d.metrics.IncTicksSkipped()
			d.logger.Warn().Str("job", job).Msg("previous tick still running, skipping")
			return nil, false
		}
		d.metrics.IncTickFailures(job)
		d.logger.Error().Err(err).Str("job", job).Msg("could not acquire tick lock")
		return nil, false
	}

	return func() {
		if err := d.lock.Release(); err != nil {
			d.logger.Warn().Err(err).Str("job", job).Msg("could not release tick lock")
		}
	}, true
}

func (d *Daemon) send(ctx context.Context, event notify.Event) {
	if err := d.notifier.Notify(ctx, event); err != nil {
		d.logger.Warn().Err(err).Str("job", event.Job).Msg("notification delivery failed")
	}
}

// HealthEvent translates a tick report into a notification. Healthy
// ticks stay quiet. Shared with the one-shot health command so cron and
// daemon mode phrase alerts the same way.
func HealthEvent(report supervisor.Report, err error) (notify.Event, bool) {
	if err == nil && report.State == supervisor.StateHealthy {
		return notify.Event{}, false
	}

	event := notify.Event{
		Job:     jobHealth,
		State:   string(report.State),
		Reasons: report.Reasons,
		Time:    time.Now().UTC(),
	}

	switch {
	case report.State == supervisor.StateContainerMissing:
		event.Title = config.ServiceName + ": container missing, host needs provisioning"
	case err != nil:
		event.Title = config.ServiceName + ": health tick failed"
		event.Reasons = append(event.Reasons, err.Error())
	case report.State == supervisor.StateRuntimeDown:
		event.Title = config.ServiceName + ": container runtime restarted"
	case report.State == supervisor.StateContainerStopped:
		event.Title = config.ServiceName + ": stopped container started"
	case report.State == supervisor.StateUnhealthy:
		event.Title = config.ServiceName + ": unresponsive container restarted"
	default:
		event.Title = config.ServiceName + ": health degraded"
	}

	return event, true
}

// BackupEvent describes a failed backup tick for notification.
func BackupEvent(report backup.Report, err error) notify.Event {
	reasons := []string{err.Error()}
	if report.Archive != "" {
		reasons = append(reasons, "archive written to "+report.Archive)
	}

	return notify.Event{
		Job:     jobBackup,
		Title:   config.ServiceName + ": backup failed",
		State:   "failed",
		Reasons: reasons,
		Time:    time.Now().UTC(),
	}
}
