package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus collectors for meilikeeper's daemon mode. All
// methods are safe on a nil receiver so tick code never has to care whether
// metrics are enabled.
type Metrics struct {
	registry            *prometheus.Registry
	tickDurationSeconds *prometheus.HistogramVec
	healthState         *prometheus.GaugeVec
	tickFailuresTotal   *prometheus.CounterVec
	remediationsTotal   *prometheus.CounterVec
	lastSuccessfulTick  *prometheus.GaugeVec
	backupArchiveBytes  prometheus.Gauge
	archivesPrunedTotal prometheus.Counter
	ticksSkippedTotal   prometheus.Counter
}

// New initializes a Metrics registry with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		tickDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meilikeeper_tick_duration_seconds",
			Help:    "Duration of health and backup ticks in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		healthState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meilikeeper_health_state",
			Help: "Current service state, one per state label, 1 when active.",
		}, []string{"state"}),
		tickFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meilikeeper_tick_failures_total",
			Help: "Total failed ticks by job.",
		}, []string{"job"}),
		remediationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meilikeeper_remediations_total",
			Help: "Total remediation actions taken by health ticks.",
		}, []string{"action"}),
		lastSuccessfulTick: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meilikeeper_last_successful_tick_timestamp",
			Help: "Unix timestamp of the last successful tick by job.",
		}, []string{"job"}),
		backupArchiveBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meilikeeper_backup_archive_bytes",
			Help: "Size of the most recent backup archive in bytes.",
		}),
		archivesPrunedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meilikeeper_backup_archives_pruned_total",
			Help: "Total backup archives removed by retention pruning.",
		}),
		ticksSkippedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meilikeeper_ticks_skipped_total",
			Help: "Total ticks skipped because another tick held the lock.",
		}),
	}

	registry.MustRegister(
		m.tickDurationSeconds,
		m.healthState,
		m.tickFailuresTotal,
		m.remediationsTotal,
		m.lastSuccessfulTick,
		m.backupArchiveBytes,
		m.archivesPrunedTotal,
		m.ticksSkippedTotal,
	)

	return m
}

// Handler returns a Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTickDuration records the duration of a completed tick.
func (m *Metrics) ObserveTickDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.tickDurationSeconds.WithLabelValues(job).Observe(duration.Seconds())
}

// SetHealthState sets one state gauge. Callers flip exactly one state to
// active per tick.
func (m *Metrics) SetHealthState(state string, active bool) {
	if m == nil {
		return
	}
	value := 0.0
	if active {
		value = 1.0
	}
	m.healthState.WithLabelValues(state).Set(value)
}

// IncTickFailures increments the failure counter for the given job.
func (m *Metrics) IncTickFailures(job string) {
	if m == nil {
		return
	}
	m.tickFailuresTotal.WithLabelValues(job).Inc()
}

// IncRemediations increments the remediation counter for the given action.
func (m *Metrics) IncRemediations(action string) {
	if m == nil {
		return
	}
	m.remediationsTotal.WithLabelValues(action).Inc()
}

// SetLastSuccessfulTick sets the last successful tick time for a job.
func (m *Metrics) SetLastSuccessfulTick(job string, t time.Time) {
	if m == nil {
		return
	}
	m.lastSuccessfulTick.WithLabelValues(job).Set(float64(t.Unix()))
}

// SetBackupArchiveBytes records the size of the latest archive.
func (m *Metrics) SetBackupArchiveBytes(bytes int64) {
	if m == nil {
		return
	}
	m.backupArchiveBytes.Set(float64(bytes))
}

// AddArchivesPruned adds to the pruned-archive counter.
func (m *Metrics) AddArchivesPruned(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.archivesPrunedTotal.Add(float64(count))
}

// IncTicksSkipped increments the skipped-tick counter.
func (m *Metrics) IncTicksSkipped() {
	if m == nil {
		return
	}
	m.ticksSkippedTotal.Inc()
}
