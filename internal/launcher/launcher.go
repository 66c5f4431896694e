package launcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/meilikeeper/meilikeeper/internal/config"
	"github.com/meilikeeper/meilikeeper/internal/engine"
	"github.com/meilikeeper/meilikeeper/internal/probe"
)

// FingerprintLabel stores the hash of the spec a container was created
// from. A mismatch with the desired spec means the container is stale.
const FingerprintLabel = "meilikeeper.fingerprint"

const containerPort = "7700/tcp"

// Engine is the container surface the launcher drives.
type Engine interface {
	Pull(ctx context.Context, ref string) error
	Lookup(ctx context.Context, name string) (engine.Container, error)
	Create(ctx context.Context, spec engine.Spec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
}

// HealthProber issues a single probe against the service endpoint.
type HealthProber interface {
	Check(ctx context.Context) probe.Result
}

// Launcher converges the managed container onto the configured spec: pull
// the image, create the container when absent, replace it when its recorded
// fingerprint no longer matches, and start it.
type Launcher struct {
	cfg    config.Config
	engine Engine
	prober HealthProber
	logger zerolog.Logger
}

// New returns a Launcher.
func New(cfg config.Config, eng Engine, prober HealthProber, logger zerolog.Logger) *Launcher {
	return &Launcher{
		cfg:    cfg,
		engine: eng,
		prober: prober,
		logger: logger,
	}
}

// Ensure brings the container to the desired state. The post-launch probe
// reports startup progress but never fails the run; steady-state health is
// the supervisor's job.
func (l *Launcher) Ensure(ctx context.Context) error {
	if err := l.engine.Pull(ctx, l.cfg.Image); err != nil {
		return err
	}
	l.logger.Info().Str("image", l.cfg.Image).Msg("image up to date")

	spec, err := l.buildSpec()
	if err != nil {
		return err
	}

	launched := false
	existing, err := l.engine.Lookup(ctx, spec.Name)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		if err := l.createAndStart(ctx, spec); err != nil {
			return err
		}
		launched = true
	case err != nil:
		return err
	case existing.Labels[FingerprintLabel] == spec.Labels[FingerprintLabel]:
		if existing.Running {
			l.logger.Info().Str("container", spec.Name).Msg("container already matches desired configuration")
			break
		}
		if err := l.engine.Start(ctx, existing.ID); err != nil {
			return err
		}
		l.logger.Info().Str("container", spec.Name).Msg("started existing container")
		launched = true
	default:
		l.logger.Info().
			Str("container", spec.Name).
			Msg("configuration changed, replacing container")
		if err := l.replace(ctx, existing, spec); err != nil {
			return err
		}
		launched = true
	}

	l.reportStartup(ctx, launched)
	return nil
}

func (l *Launcher) createAndStart(ctx context.Context, spec engine.Spec) error {
	id, err := l.engine.Create(ctx, spec)
	if err != nil {
		return err
	}
	if err := l.engine.Start(ctx, id); err != nil {
		return err
	}
	l.logger.Info().
		Str("container", spec.Name).
		Str("id", shortID(id)).
		Msg("container created and started")
	return nil
}

func (l *Launcher) replace(ctx context.Context, existing engine.Container, spec engine.Spec) error {
	if existing.Running {
		if err := l.engine.Stop(ctx, existing.ID); err != nil {
			return err
		}
	}
	if err := l.engine.Remove(ctx, existing.ID); err != nil {
		return err
	}
	return l.createAndStart(ctx, spec)
}

// reportStartup waits out the grace period after a launch and probes once.
// The result is logged either way.
func (l *Launcher) reportStartup(ctx context.Context, launched bool) {
	if launched {
		l.logger.Info().Dur("grace", l.cfg.GracePeriod).Msg("waiting for service startup")
		if !sleepWithContext(ctx, l.cfg.GracePeriod) {
			return
		}
	}

	result := l.prober.Check(ctx)
	if result.Healthy {
		l.logger.Info().Int("status", result.Status).Msg("service answered the health probe")
		return
	}
	l.logger.Warn().
		Str("detail", result.Detail).
		Msg("service not answering yet, supervision will follow up")
}

// buildSpec assembles the desired container spec from the configuration and
// the environment file, and stamps it with its own fingerprint.
func (l *Launcher) buildSpec() (engine.Spec, error) {
	values, err := godotenv.Read(l.cfg.EnvFile())
	if err != nil {
		return engine.Spec{}, fmt.Errorf("read container environment %s: %w", l.cfg.EnvFile(), err)
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, key := range keys {
		env = append(env, key+"="+values[key])
	}

	hostIP, hostPort, err := net.SplitHostPort(l.cfg.HTTPAddr)
	if err != nil {
		return engine.Spec{}, fmt.Errorf("split host address %q: %w", l.cfg.HTTPAddr, err)
	}

	spec := engine.Spec{
		Name:  config.ServiceName,
		Image: l.cfg.Image,
		Env:   env,
		Binds: []string{l.cfg.DataPath + ":/meili_data"},
		Ports: []engine.PortBinding{
			{HostIP: hostIP, HostPort: hostPort, Port: containerPort},
		},
	}
	spec.Labels = map[string]string{FingerprintLabel: fingerprint(spec)}
	return spec, nil
}

// fingerprint hashes the parts of a spec that matter for convergence. Env
// is sorted by buildSpec, so equal configurations always hash equally.
func fingerprint(spec engine.Spec) string {
	payload, _ := json.Marshal(struct {
		Image string               `json:"image"`
		Env   []string             `json:"env"`
		Binds []string             `json:"binds"`
		Ports []engine.PortBinding `json:"ports"`
	}{spec.Image, spec.Env, spec.Binds, spec.Ports})

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
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
