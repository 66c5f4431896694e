package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/meilikeeper/meilikeeper/internal/config"
	"github.com/meilikeeper/meilikeeper/internal/engine"
	"github.com/meilikeeper/meilikeeper/internal/probe"
)

// State classifies what a health tick found. A tick reports the first
// divergence it hit; later findings are carried in the reasons.
type State string

const (
	StateHealthy          State = "healthy"
	StateRuntimeDown      State = "runtime_down"
	StateContainerMissing State = "container_missing"
	StateContainerStopped State = "container_stopped"
	StateUnhealthy        State = "unhealthy"
)

// AllStates lists every state a tick can report.
func AllStates() []State {
	return []State{
		StateHealthy,
		StateRuntimeDown,
		StateContainerMissing,
		StateContainerStopped,
		StateUnhealthy,
	}
}

// Action is the remediation a tick performed for its state.
type Action string

const (
	ActionNone             Action = "none"
	ActionStartRuntime     Action = "start_runtime"
	ActionStartContainer   Action = "start_container"
	ActionRestartContainer Action = "restart_container"
)

// Report summarizes one health tick.
type Report struct {
	State  State
	Action Action
	// Healthy is the outcome of the tick's probe, after remediation. A
	// tick that restarted the container reports false; the next tick
	// verifies the restart.
	Healthy bool
	Reasons []string
}

// ErrContainerAbsent reports that the managed container does not exist at
// all. A tick cannot create containers; the host needs reprovisioning.
var ErrContainerAbsent = errors.New("managed container does not exist")

// Engine is the container surface the supervisor drives.
type Engine interface {
	Ping(ctx context.Context) error
	Lookup(ctx context.Context, name string) (engine.Container, error)
	Start(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
}

// RuntimeRecoverer brings the container runtime back when it stops
// answering.
type RuntimeRecoverer interface {
	Recover(ctx context.Context) error
}

// HealthProber issues a single probe against the service endpoint.
type HealthProber interface {
	Check(ctx context.Context) probe.Result
}

// Supervisor evaluates the managed service once per tick and repairs what
// it can. It keeps no state between ticks; everything it needs lives in
// the runtime.
type Supervisor struct {
	cfg     config.Config
	engine  Engine
	runtime RuntimeRecoverer
	prober  HealthProber
	logger  zerolog.Logger
}

// New returns a Supervisor.
func New(cfg config.Config, eng Engine, runtime RuntimeRecoverer, prober HealthProber, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		engine:  eng,
		runtime: runtime,
		prober:  prober,
		logger:  logger,
	}
}

// Tick runs one supervision pass: runtime reachable, container present and
// running, service answering its health endpoint. Recoverable divergences
// are repaired within the tick; a missing container or a runtime that
// stays down fails the tick.
func (s *Supervisor) Tick(ctx context.Context) (Report, error) {
	report := Report{State: StateHealthy, Action: ActionNone}

	if err := s.engine.Ping(ctx); err != nil {
		s.classify(&report, StateRuntimeDown, ActionStartRuntime)
		report.Reasons = append(report.Reasons, "container runtime unreachable: "+err.Error())
		if recErr := s.runtime.Recover(ctx); recErr != nil {
			return report, fmt.Errorf("recover container runtime: %w", recErr)
		}
	}

	target, err := s.engine.Lookup(ctx, config.ServiceName)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			s.classify(&report, StateContainerMissing, ActionNone)
			report.Reasons = append(report.Reasons,
				"container "+config.ServiceName+" does not exist, host needs reprovisioning")
			s.logger.Error().Str("container", config.ServiceName).Msg("managed container is gone")
			return report, ErrContainerAbsent
		}
		return report, err
	}

	started := false
	if !target.Running {
		s.classify(&report, StateContainerStopped, ActionStartContainer)
		report.Reasons = append(report.Reasons, "container is stopped")
		s.logger.Warn().Str("container", target.Name).Msg("starting stopped container")
		if err := s.engine.Start(ctx, target.ID); err != nil {
			return report, err
		}
		started = true
	}

	if started || report.State == StateRuntimeDown {
		if !sleepWithContext(ctx, s.cfg.GracePeriod) {
			return report, ctx.Err()
		}
	}

	result := s.prober.Check(ctx)
	if result.Healthy {
		report.Healthy = true
		return report, nil
	}

	s.classify(&report, StateUnhealthy, ActionRestartContainer)
	report.Reasons = append(report.Reasons, "health probe failed: "+result.Detail)
	s.logger.Warn().
		Str("container", target.Name).
		Str("detail", result.Detail).
		Msg("restarting unresponsive container")
	if err := s.engine.Restart(ctx, target.ID); err != nil {
		return report, err
	}
	return report, nil
}

// classify records the first divergence of the tick; later findings keep
// the earlier classification.
func (s *Supervisor) classify(report *Report, state State, action Action) {
	if report.State != StateHealthy {
		return
	}
	report.State = state
	report.Action = action
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
