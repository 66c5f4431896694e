package healthcheck

import (
	"encoding/json"
	"net/http"
	"time"
)

// HealthHandler serves /healthz: 200 while health ticks keep landing
// within twice their interval, 503 once they go stale.
func HealthHandler(tracker *Tracker, healthInterval time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		var snapshot Snapshot
		healthy := false
		if tracker != nil {
			snapshot = tracker.Snapshot()
			healthy = tracker.Healthy(time.Now().UTC(), healthInterval)
		}
		writeJSON(w, healthy, snapshot)
	}
}

// ReadyHandler serves /readyz: 200 once the first tick of any kind has
// completed.
func ReadyHandler(tracker *Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		var snapshot Snapshot
		ready := false
		if tracker != nil {
			snapshot = tracker.Snapshot()
			ready = tracker.Ready()
		}
		writeJSON(w, ready, snapshot)
	}
}

func writeJSON(w http.ResponseWriter, ok bool, payload Snapshot) {
	status := http.StatusServiceUnavailable
	if ok {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
