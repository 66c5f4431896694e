package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/meilikeeper/meilikeeper/internal/execx"
)

// Pinger reports runtime daemon connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RuntimeManager recovers the container runtime when the daemon stops
// answering: it starts the docker service and waits for pings to succeed
// within a grace period.
type RuntimeManager struct {
	pinger    Pinger
	commander execx.Commander
	logger    zerolog.Logger
	grace     time.Duration
}

// NewRuntimeManager returns a RuntimeManager that allows the daemon the
// given grace period to come back.
func NewRuntimeManager(pinger Pinger, commander execx.Commander, logger zerolog.Logger, grace time.Duration) *RuntimeManager {
	return &RuntimeManager{
		pinger:    pinger,
		commander: commander,
		logger:    logger,
		grace:     grace,
	}
}

// Recover starts the runtime service and blocks until it answers pings or
// the grace period is spent.
func (m *RuntimeManager) Recover(ctx context.Context) error {
	m.logger.Warn().Msg("container runtime unreachable, starting docker service")

	if _, err := m.commander.Run(ctx, "systemctl", "start", "docker"); err != nil {
		return fmt.Errorf("start container runtime: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = m.grace
	policy.Reset()

	for {
		pingErr := m.pinger.Ping(ctx)
		if pingErr == nil {
			m.logger.Info().Msg("container runtime is answering again")
			return nil
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("container runtime still unreachable after %s: %w", m.grace, pingErr)
		}
		if !sleepWithContext(ctx, wait) {
			return ctx.Err()
		}
	}
}

func sleepWithContext(ctx context.Context, wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
