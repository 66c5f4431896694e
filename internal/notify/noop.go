package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// NoopNotifier swallows events. It stands in when no sink is configured
// so callers never branch on nil.
type NoopNotifier struct{}

// NewNoop logs why notifications are off and returns the notifier.
func NewNoop(logger zerolog.Logger, reason string) *NoopNotifier {
	if reason != "" {
		logger.Info().Msg(reason)
	}
	return &NoopNotifier{}
}

// Notify implements Notifier.
func (*NoopNotifier) Notify(context.Context, Event) error {
	return nil
}
