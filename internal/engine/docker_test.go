package engine

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// mockDockerAPI implements dockerAPI for testing.
type mockDockerAPI struct {
	pingFn            func(ctx context.Context) (dockertypes.Ping, error)
	imagePullFn       func(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	containerListFn   func(ctx context.Context, options container.ListOptions) ([]dockertypes.Container, error)
	containerCreateFn func(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	containerStartFn  func(ctx context.Context, containerID string, options container.StartOptions) error
	containerStopFn   func(ctx context.Context, containerID string, options container.StopOptions) error
	restartFn         func(ctx context.Context, containerID string, options container.StopOptions) error
	removeFn          func(ctx context.Context, containerID string, options container.RemoveOptions) error
	closeFn           func() error
}

func (m *mockDockerAPI) Ping(ctx context.Context) (dockertypes.Ping, error) {
	if m.pingFn != nil {
		return m.pingFn(ctx)
	}
	return dockertypes.Ping{}, nil
}

func (m *mockDockerAPI) ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error) {
	if m.imagePullFn != nil {
		return m.imagePullFn(ctx, refStr, options)
	}
	return io.NopCloser(strings.NewReader("")), nil
}

func (m *mockDockerAPI) ContainerList(ctx context.Context, options container.ListOptions) ([]dockertypes.Container, error) {
	if m.containerListFn != nil {
		return m.containerListFn(ctx, options)
	}
	return nil, nil
}

func (m *mockDockerAPI) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	if m.containerCreateFn != nil {
		return m.containerCreateFn(ctx, config, hostConfig, networkingConfig, platform, containerName)
	}
	return container.CreateResponse{}, nil
}

func (m *mockDockerAPI) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	if m.containerStartFn != nil {
		return m.containerStartFn(ctx, containerID, options)
	}
	return nil
}

func (m *mockDockerAPI) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	if m.containerStopFn != nil {
		return m.containerStopFn(ctx, containerID, options)
	}
	return nil
}

func (m *mockDockerAPI) ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error {
	if m.restartFn != nil {
		return m.restartFn(ctx, containerID, options)
	}
	return nil
}

func (m *mockDockerAPI) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	if m.removeFn != nil {
		return m.removeFn(ctx, containerID, options)
	}
	return nil
}

func (m *mockDockerAPI) Close() error {
	if m.closeFn != nil {
		return m.closeFn()
	}
	return nil
}

func newTestEngine(mock *mockDockerAPI) *DockerEngine {
	return &DockerEngine{api: mock, timeout: 5 * time.Second}
}

func TestDockerEngine_Ping_Error(t *testing.T) {
	t.Parallel()

	mock := &mockDockerAPI{
		pingFn: func(ctx context.Context) (dockertypes.Ping, error) {
			return dockertypes.Ping{}, errors.New("connection refused")
		},
	}

	if err := newTestEngine(mock).Ping(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestDockerEngine_Ping_NilEngine(t *testing.T) {
	t.Parallel()

	var e *DockerEngine
	if err := e.Ping(context.Background()); err == nil {
		t.Fatal("expected error from uninitialized engine")
	}
}

func TestDockerEngine_Lookup_MatchesExactName(t *testing.T) {
	t.Parallel()

	var capturedOptions container.ListOptions
	mock := &mockDockerAPI{
		containerListFn: func(_ context.Context, options container.ListOptions) ([]dockertypes.Container, error) {
			capturedOptions = options
			return []dockertypes.Container{
				{
					ID:    "aaa",
					Names: []string{"/meilisearch-old"},
					State: "running",
				},
				{
					ID:     "bbb",
					Names:  []string{"/meilisearch"},
					Image:  "getmeili/meilisearch:latest",
					State:  "exited",
					Labels: map[string]string{"keeper.fingerprint": "abc"},
				},
			}, nil
		},
	}

	got, err := newTestEngine(mock).Lookup(context.Background(), "meilisearch")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !capturedOptions.All {
		t.Fatal("lookup must include stopped containers")
	}
	if got.ID != "bbb" || got.Name != "meilisearch" || got.Running {
		t.Fatalf("unexpected container: %+v", got)
	}
	if got.Labels["keeper.fingerprint"] != "abc" {
		t.Fatalf("labels not mapped: %+v", got.Labels)
	}
}

func TestDockerEngine_Lookup_NotFound(t *testing.T) {
	t.Parallel()

	mock := &mockDockerAPI{
		containerListFn: func(_ context.Context, _ container.ListOptions) ([]dockertypes.Container, error) {
			return []dockertypes.Container{
				{ID: "aaa", Names: []string{"/meilisearch-backup"}},
			}, nil
		},
	}

	_, err := newTestEngine(mock).Lookup(context.Background(), "meilisearch")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDockerEngine_Lookup_ListFailure(t *testing.T) {
	t.Parallel()

	mock := &mockDockerAPI{
		containerListFn: func(_ context.Context, _ container.ListOptions) ([]dockertypes.Container, error) {
			return nil, errors.New("daemon gone")
		},
	}

	_, err := newTestEngine(mock).Lookup(context.Background(), "meilisearch")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("list failure must not read as absence: %v", err)
	}
}

func TestDockerEngine_Pull_DrainsProgressStream(t *testing.T) {
	t.Parallel()

	stream := `{"status":"Pulling from getmeili/meilisearch"}
{"status":"Downloading"}
{"status":"Pull complete"}
`
	mock := &mockDockerAPI{
		imagePullFn: func(_ context.Context, refStr string, _ image.PullOptions) (io.ReadCloser, error) {
			if refStr != "getmeili/meilisearch:latest" {
				t.Errorf("unexpected ref: %s", refStr)
			}
			return io.NopCloser(strings.NewReader(stream)), nil
		},
	}

	if err := newTestEngine(mock).Pull(context.Background(), "getmeili/meilisearch:latest"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDockerEngine_Pull_SurfacesStreamError(t *testing.T) {
	t.Parallel()

	stream := `{"status":"Pulling"}
{"error":"manifest unknown"}
`
	mock := &mockDockerAPI{
		imagePullFn: func(_ context.Context, _ string, _ image.PullOptions) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(stream)), nil
		},
	}

	err := newTestEngine(mock).Pull(context.Background(), "getmeili/meilisearch:latest")
	if err == nil || !strings.Contains(err.Error(), "manifest unknown") {
		t.Fatalf("stream error lost: %v", err)
	}
}

func TestDockerEngine_Create_TranslatesSpec(t *testing.T) {
	t.Parallel()

	var gotConfig *container.Config
	var gotHost *container.HostConfig
	var gotName string
	mock := &mockDockerAPI{
		containerCreateFn: func(_ context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, containerName string) (container.CreateResponse, error) {
			gotConfig = config
			gotHost = hostConfig
			gotName = containerName
			return container.CreateResponse{ID: "created-id"}, nil
		},
	}

	spec := Spec{
		Name:  "meilisearch",
		Image: "getmeili/meilisearch:latest",
		Env:   []string{"MEILI_ENV=production"},
		Binds: []string{"/var/lib/meilisearch/data:/meili_data"},
		Ports: []PortBinding{
			{HostIP: "127.0.0.1", HostPort: "7700", Port: "7700/tcp"},
		},
		Labels: map[string]string{"keeper.fingerprint": "abc"},
	}

	id, err := newTestEngine(mock).Create(context.Background(), spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "created-id" {
		t.Fatalf("unexpected id: %s", id)
	}
	if gotName != "meilisearch" {
		t.Fatalf("unexpected name: %s", gotName)
	}
	if gotConfig.Image != spec.Image || len(gotConfig.Env) != 1 {
		t.Fatalf("config not translated: %+v", gotConfig)
	}
	if _, ok := gotConfig.ExposedPorts["7700/tcp"]; !ok {
		t.Fatalf("exposed ports not translated: %+v", gotConfig.ExposedPorts)
	}
	bindings := gotHost.PortBindings["7700/tcp"]
	if len(bindings) != 1 || bindings[0].HostIP != "127.0.0.1" || bindings[0].HostPort != "7700" {
		t.Fatalf("port bindings not translated: %+v", gotHost.PortBindings)
	}
	if len(gotHost.Binds) != 1 || gotHost.Binds[0] != spec.Binds[0] {
		t.Fatalf("binds not translated: %+v", gotHost.Binds)
	}
}

func TestDockerEngine_StopAndRestart_UseShutdownTimeout(t *testing.T) {
	t.Parallel()

	var stopTimeout, restartTimeout *int
	mock := &mockDockerAPI{
		containerStopFn: func(_ context.Context, _ string, options container.StopOptions) error {
			stopTimeout = options.Timeout
			return nil
		},
		restartFn: func(_ context.Context, _ string, options container.StopOptions) error {
			restartTimeout = options.Timeout
			return nil
		},
	}

	e := newTestEngine(mock)
	if err := e.Stop(context.Background(), "id"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := e.Restart(context.Background(), "id"); err != nil {
		t.Fatalf("restart: %v", err)
	}

	if stopTimeout == nil || *stopTimeout != stopTimeoutSeconds {
		t.Fatalf("stop timeout not applied: %v", stopTimeout)
	}
	if restartTimeout == nil || *restartTimeout != stopTimeoutSeconds {
		t.Fatalf("restart timeout not applied: %v", restartTimeout)
	}
}
