// ABOUTME: Docker implementation of the sandbox driver
// ABOUTME: Instances are labeled containers; exec attaches over a hijacked stream

package docker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/2389/acp-relay/internal/sandbox"
)

const (
	managedLabel = "com.2389.acp-relay.managed"
	runIDLabel   = "com.2389.acp-relay.run-id"

	// WorkspaceMountPoint is where a run's host workspace appears inside the
	// container in mount mode.
	WorkspaceMountPoint = "/workspace"
)

// Driver implements sandbox.Driver on the Docker engine API.
type Driver struct {
	cli    *client.Client
	logger *slog.Logger
}

var _ sandbox.Driver = (*Driver)(nil)

// New connects to the Docker daemon using the standard environment settings.
func New() (*Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Driver{
		cli:    cli,
		logger: slog.Default().With("component", "docker"),
	}, nil
}

// Close releases the daemon connection.
func (d *Driver) Close() error { return d.cli.Close() }

func (d *Driver) Provider() string { return "docker" }
func (d *Driver) Runtime() string  { return "" }

func (d *Driver) Inspect(ctx context.Context, name string) (sandbox.Instance, error) {
	c, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return sandbox.Instance{}, sandbox.ErrNotFound
		}
		return sandbox.Instance{}, fmt.Errorf("inspecting container %s: %w", name, err)
	}

	inst := sandbox.Instance{
		Name:     strings.TrimPrefix(c.Name, "/"),
		Provider: d.Provider(),
		Status:   mapContainerState(c.State),
	}
	if created, err := time.Parse(time.RFC3339Nano, c.Created); err == nil {
		inst.CreatedAt = created
	}
	return inst, nil
}

func (d *Driver) Create(ctx context.Context, name string, spec sandbox.CreateSpec) error {
	cfg := &container.Config{
		Image: spec.Image,
		Labels: map[string]string{
			managedLabel: "true",
			runIDLabel:   spec.RunID,
		},
		Env:        envSlice(spec.Env),
		WorkingDir: WorkspaceMountPoint,
		// Keep the container alive; agent processes are exec'd into it.
		Cmd: []string{"sleep", "infinity"},
	}
	hostCfg := &container.HostConfig{}
	if spec.Workspace != "" {
		hostCfg.Binds = []string{spec.Workspace + ":" + WorkspaceMountPoint}
	}

	if _, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name); err != nil {
		return fmt.Errorf("creating container %s: %w", name, err)
	}
	return nil
}

func (d *Driver) Start(ctx context.Context, name string) error {
	if err := d.cli.ContainerStart(ctx, name, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("starting container %s: %w", name, err)
	}
	return nil
}

func (d *Driver) Stop(ctx context.Context, name string) error {
	if err := d.cli.ContainerStop(ctx, name, container.StopOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return sandbox.ErrNotFound
		}
		return fmt.Errorf("stopping container %s: %w", name, err)
	}
	return nil
}

func (d *Driver) Remove(ctx context.Context, name string) error {
	err := d.cli.ContainerRemove(ctx, name, types.ContainerRemoveOptions{Force: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			return sandbox.ErrNotFound
		}
		return fmt.Errorf("removing container %s: %w", name, err)
	}
	return nil
}

func (d *Driver) ListManaged(ctx context.Context) ([]sandbox.Instance, error) {
	containers, err := d.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedLabel+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	instances := make([]sandbox.Instance, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		instances = append(instances, sandbox.Instance{
			Name:      name,
			Provider:  d.Provider(),
			Status:    mapListState(c.State),
			CreatedAt: time.Unix(c.Created, 0).UTC(),
		})
	}
	return instances, nil
}

func (d *Driver) RemoveImage(ctx context.Context, ref string) error {
	if _, err := d.cli.ImageRemove(ctx, ref, types.ImageRemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("removing image %s: %w", ref, err)
	}
	return nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func mapContainerState(state *types.ContainerState) string {
	if state == nil {
		return sandbox.StatusError
	}
	switch {
	case state.Running || state.Restarting:
		return sandbox.StatusRunning
	case state.Status == "created":
		return sandbox.StatusCreating
	case state.Dead:
		return sandbox.StatusError
	default:
		return sandbox.StatusStopped
	}
}

func mapListState(state string) string {
	switch state {
	case "running", "restarting":
		return sandbox.StatusRunning
	case "created":
		return sandbox.StatusCreating
	case "dead":
		return sandbox.StatusError
	default:
		return sandbox.StatusStopped
	}
}
