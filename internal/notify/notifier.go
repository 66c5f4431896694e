package notify

import (
	"context"
	"time"
)

// Event is one tick outcome worth telling an operator about.
type Event struct {
	// Job names the tick that produced the event, "health" or "backup".
	Job     string
	Title   string
	State   string
	Reasons []string
	Time    time.Time
}

// Notifier delivers tick events to external systems.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}
