package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// DryRunNotifier logs events without sending notifications.
type DryRunNotifier struct {
	logger zerolog.Logger
}

// NewDryRunNotifier returns a notifier that suppresses delivery and logs
// instead.
func NewDryRunNotifier(logger zerolog.Logger) *DryRunNotifier {
	return &DryRunNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *DryRunNotifier) Notify(_ context.Context, event Event) error {
	n.logger.Info().
		Str("job", event.Job).
		Str("state", event.State).
		Strs("reasons", event.Reasons).
		Msgf("[DRY-RUN] Would notify: %s", event.Title)
	return nil
}
