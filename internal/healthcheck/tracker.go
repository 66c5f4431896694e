package healthcheck

import (
	"sync"
	"time"
)

// Snapshot describes the latest tick as seen by the daemon's own health
// endpoints.
type Snapshot struct {
	LastTickTime   *time.Time `json:"last_tick_time"`
	LastTickJob    string     `json:"last_tick_job"`
	TickDurationMS int64      `json:"tick_duration_ms"`
	ServiceState   string     `json:"service_state"`
}

// Tracker records tick timing for the daemon's health endpoints.
type Tracker struct {
	mu             sync.RWMutex
	lastTick       time.Time
	lastHealthTick time.Time
	tickDuration   time.Duration
	lastJob        string
	serviceState   string
	ready          bool
}

// NewTracker constructs a new Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// RecordTick updates tick timing and readiness. The service state is only
// carried by health ticks; backup ticks leave it untouched.
func (t *Tracker) RecordTick(job string, state string, duration time.Duration) {
	if t == nil {
		return
	}
	now := time.Now().UTC()
	t.mu.Lock()
	t.lastTick = now
	t.tickDuration = duration
	t.lastJob = job
	if job == "health" {
		t.lastHealthTick = now
		t.serviceState = state
	}
	t.ready = true
	t.mu.Unlock()
}

// Snapshot returns the current tracker snapshot.
func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	var last *time.Time
	if !t.lastTick.IsZero() {
		value := t.lastTick
		last = &value
	}
	return Snapshot{
		LastTickTime:   last,
		LastTickJob:    t.lastJob,
		TickDurationMS: int64(t.tickDuration / time.Millisecond),
		ServiceState:   t.serviceState,
	}
}

// Ready reports whether at least one tick has completed.
func (t *Tracker) Ready() bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ready
}

// Healthy reports whether the last health tick completed within 2x the
// health interval. Backup ticks do not count; a stuck health loop must show
// up here even while backups still run.
func (t *Tracker) Healthy(now time.Time, healthInterval time.Duration) bool {
	if t == nil {
		return false
	}
	if healthInterval <= 0 {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.lastHealthTick.IsZero() {
		return false
	}
	return now.Sub(t.lastHealthTick) <= 2*healthInterval
}
