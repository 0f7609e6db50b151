package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"
)

// ErrEngineUnavailable mirrors arkeep's ErrDockerUnavailable
// (arkeep/agent/internal/docker/discovery.go) — the container engine's
// socket is unreachable, a condition the container runner's caller should
// treat as "this backend cannot serve right now" rather than fatal.
var ErrEngineUnavailable = errors.New("runner: container engine unavailable")

// ContainerConfig configures a ContainerRunner.
type ContainerConfig struct {
	Image         string
	ContainerName string
	Labels        map[string]string // used both to tag a started container and to find it again
	Ports         []string          // "hostPort:containerPort" pairs
	FallbackURL   string            // used if port discovery fails
}

// ContainerRunner manages a service backed by a container engine,
// discovering its host port by listing containers filtered by Labels —
// the same list-then-filter shape as
// arkeep/agent/internal/docker/discovery.go's ListVolumes, generalized
// from volumes to containers and from read-only inspection to
// start/stop.
type ContainerRunner struct {
	cfg    ContainerConfig
	client *dockerclient.Client

	discoveredEndpoint string
}

// NewContainerRunner connects to the container engine at the default
// socket (DOCKER_HOST, or the platform default). Returns
// ErrEngineUnavailable if the client cannot be constructed.
func NewContainerRunner(cfg ContainerConfig) (*ContainerRunner, error) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEngineUnavailable, err)
	}
	return &ContainerRunner{cfg: cfg, client: cli}, nil
}

// Start starts the first container matching Labels, or creates one named
// ContainerName from Image and starts it if none matches.
func (c *ContainerRunner) Start(ctx context.Context) error {
	existing, err := c.findContainer(ctx)
	if err != nil {
		return err
	}
	if existing != "" {
		if err := c.client.ContainerStart(ctx, existing, container.StartOptions{}); err != nil {
			return fmt.Errorf("runner: failed to start existing container: %w", err)
		}
		return nil
	}

	resp, err := c.client.ContainerCreate(ctx, &container.Config{
		Image:  c.cfg.Image,
		Labels: c.cfg.Labels,
	}, nil, nil, nil, c.cfg.ContainerName)
	if err != nil {
		return fmt.Errorf("runner: failed to create container: %w", err)
	}
	if err := c.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("runner: failed to start container: %w", err)
	}
	return nil
}

// Stop stops the matching container by label. Idempotent: no matching
// container is not an error.
func (c *ContainerRunner) Stop(ctx context.Context) error {
	id, err := c.findContainer(ctx)
	if err != nil {
		return err
	}
	if id == "" {
		return nil
	}
	timeout := 10
	if err := c.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("runner: failed to stop container: %w", err)
	}
	return nil
}

// Status reports whether a matching container is currently running.
func (c *ContainerRunner) Status() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := c.findContainer(ctx)
	if err != nil || id == "" {
		return false
	}
	info, err := c.client.ContainerInspect(ctx, id)
	if err != nil {
		return false
	}
	return info.State != nil && info.State.Running
}

// HealthProbe issues the same HTTP /health contract as a process runner,
// against whatever host port was last discovered.
func (c *ContainerRunner) HealthProbe(ctx context.Context, timeout time.Duration) HealthState {
	endpoint := c.DiscoverEndpoint()
	return httpHealthProbe(ctx, endpoint, timeout)
}

// DiscoverEndpoint lists containers filtered by Labels and resolves the
// host port bound to the container's primary port; falls back to
// FallbackURL when discovery fails.
func (c *ContainerRunner) DiscoverEndpoint() string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := c.findContainer(ctx)
	if err != nil || id == "" {
		return c.cfg.FallbackURL
	}

	info, err := c.client.ContainerInspect(ctx, id)
	if err != nil || info.NetworkSettings == nil {
		return c.cfg.FallbackURL
	}

	for _, bindings := range info.NetworkSettings.Ports {
		if len(bindings) > 0 && bindings[0].HostPort != "" {
			endpoint := fmt.Sprintf("http://127.0.0.1:%s", bindings[0].HostPort)
			c.discoveredEndpoint = endpoint
			return endpoint
		}
	}
	if c.discoveredEndpoint != "" {
		return c.discoveredEndpoint
	}
	return c.cfg.FallbackURL
}

// findContainer lists containers (including stopped ones) filtered by
// Labels and returns the first match's id, or "" if none.
func (c *ContainerRunner) findContainer(ctx context.Context) (string, error) {
	f := filters.NewArgs()
	for k, v := range c.cfg.Labels {
		f.Add("label", fmt.Sprintf("%s=%s", k, v))
	}

	list, err := c.client.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrEngineUnavailable, err)
	}
	if len(list) == 0 {
		return "", nil
	}
	return list[0].ID, nil
}

// Close releases the underlying engine client.
func (c *ContainerRunner) Close() error {
	return c.client.Close()
}
