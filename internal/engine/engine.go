package engine

import (
	"context"
	"errors"
)

// ErrNotFound reports that no container with the requested name exists,
// running or stopped.
var ErrNotFound = errors.New("container not found")

// Container is the engine's view of a managed container.
type Container struct {
	ID      string
	Name    string
	Image   string
	Running bool
	Labels  map[string]string
}

// PortBinding publishes one container port on the host.
type PortBinding struct {
	HostIP   string
	HostPort string
	// Port is the container port with protocol, e.g. "7700/tcp".
	Port string
}

// Spec describes a container to create.
type Spec struct {
	Name   string
	Image  string
	Env    []string
	Binds  []string
	Ports  []PortBinding
	Labels map[string]string
}

// Engine is the container control surface. Any runtime that can pull
// images and manage named containers satisfies it.
type Engine interface {
	// Ping validates connectivity to the runtime daemon.
	Ping(ctx context.Context) error

	// Pull fetches the image reference, blocking until the pull finished.
	Pull(ctx context.Context, ref string) error

	// Lookup finds the named container among running and stopped ones.
	// Returns ErrNotFound when no such container exists.
	Lookup(ctx context.Context, name string) (Container, error)

	// Create creates a container from the spec and returns its ID.
	Create(ctx context.Context, spec Spec) (string, error)

	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error

	// Close releases resources associated with the engine.
	Close() error
}
