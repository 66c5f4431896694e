package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const defaultAPITimeout = 5 * time.Second

// Containers get this long to shut down before the runtime kills them.
const stopTimeoutSeconds = 10

// dockerAPI is the subset of the Docker SDK client the engine uses. The
// narrow interface keeps tests free of a real daemon.
type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

var _ dockerAPI = (*client.Client)(nil)

// DockerEngine implements Engine using the official Docker Go SDK against
// the local daemon.
type DockerEngine struct {
	api     dockerAPI
	timeout time.Duration
}

var _ Engine = (*DockerEngine)(nil)

// NewDockerEngine connects to the daemon configured by the environment
// (the local socket by default). The timeout bounds read operations; pulls
// and lifecycle changes run on the caller's context.
func NewDockerEngine(timeout time.Duration) (*DockerEngine, error) {
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}

	api, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, err
	}

	return &DockerEngine{
		api:     api,
		timeout: timeout,
	}, nil
}

// Ping validates connectivity to the Docker daemon.
func (e *DockerEngine) Ping(ctx context.Context) error {
	if e == nil || e.api == nil {
		return errors.New("engine is not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	_, err := e.api.Ping(ctx)
	return err
}

// Pull fetches the image and consumes the progress stream; the pull is not
// complete until the stream reports EOF.
func (e *DockerEngine) Pull(ctx context.Context, ref string) error {
	reader, err := e.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	for {
		var message struct {
			Error string `json:"error"`
		}
		if err := decoder.Decode(&message); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read pull progress for %s: %w", ref, err)
		}
		if message.Error != "" {
			return fmt.Errorf("pull %s: %s", ref, message.Error)
		}
	}
}

// Lookup finds the named container among running and stopped ones.
func (e *DockerEngine) Lookup(ctx context.Context, name string) (Container, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	list, err := e.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return Container{}, fmt.Errorf("list containers: %w", err)
	}

	// The name filter matches substrings, so check for the exact name.
	for _, candidate := range list {
		for _, candidateName := range candidate.Names {
			if candidateName == "/"+name {
				return Container{
					ID:      candidate.ID,
					Name:    name,
					Image:   candidate.Image,
					Running: candidate.State == "running",
					Labels:  candidate.Labels,
				}, nil
			}
		}
	}
	return Container{}, fmt.Errorf("container %s: %w", name, ErrNotFound)
}

// Create creates a container from the spec and returns its ID.
func (e *DockerEngine) Create(ctx context.Context, spec Spec) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range spec.Ports {
		port := nat.Port(p.Port)
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{
			HostIP:   p.HostIP,
			HostPort: p.HostPort,
		})
	}

	created, err := e.api.ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image,
			Env:          spec.Env,
			Labels:       spec.Labels,
			ExposedPorts: exposed,
		},
		&container.HostConfig{
			Binds:        spec.Binds,
			PortBindings: bindings,
		},
		nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	return created.ID, nil
}

func (e *DockerEngine) Start(ctx context.Context, id string) error {
	if err := e.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", id, err)
	}
	return nil
}

func (e *DockerEngine) Stop(ctx context.Context, id string) error {
	timeout := stopTimeoutSeconds
	if err := e.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container %s: %w", id, err)
	}
	return nil
}

func (e *DockerEngine) Restart(ctx context.Context, id string) error {
	timeout := stopTimeoutSeconds
	if err := e.api.ContainerRestart(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("restart container %s: %w", id, err)
	}
	return nil
}

func (e *DockerEngine) Remove(ctx context.Context, id string) error {
	if err := e.api.ContainerRemove(ctx, id, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}

// Close releases resources associated with the engine.
func (e *DockerEngine) Close() error {
	if e == nil || e.api == nil {
		return nil
	}
	return e.api.Close()
}
