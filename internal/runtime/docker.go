// Package runtime implements the Runtime Client port (§4.A) over the
// Docker Engine API, following the shape of the teacher adapter this
// module grew from: one pooled *client.Client wrapped by a thin adapter
// that speaks only the operations the orchestrator needs.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"github.com/training/sandbox-orchestrator/internal/logging"
	"github.com/training/sandbox-orchestrator/internal/ports"
)

// Adapter implements ports.RuntimeClient using the Docker SDK.
type Adapter struct {
	cli *client.Client
	log zerolog.Logger
}

// New creates an Adapter, negotiating the API version and pinging the
// daemon once so startup fails fast if Docker is unreachable.
func New(ctx context.Context) (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("runtime: create docker client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("runtime: docker daemon unreachable: %w", err)
	}

	return &Adapter{cli: cli, log: logging.WithComponent("runtime")}, nil
}

// Close releases the underlying client connection.
func (a *Adapter) Close() error { return a.cli.Close() }

// EnsureNetwork creates the named bridge network if it does not exist.
// Idempotent: a transport error is retried once before failing.
func (a *Adapter) EnsureNetwork(ctx context.Context, name string) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		nets, err := a.cli.NetworkList(ctx, types.NetworkListOptions{
			Filters: filters.NewArgs(filters.Arg("name", name)),
		})
		if err != nil {
			lastErr = err
			continue
		}
		for _, n := range nets {
			if n.Name == name {
				return nil
			}
		}
		if _, err := a.cli.NetworkCreate(ctx, name, types.NetworkCreate{Driver: "bridge"}); err != nil {
			if errdefs.IsConflict(err) {
				return nil
			}
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("runtime: ensure_network %s: %w", name, lastErr)
}

// BuildImage streams a gzipped tar build context to the daemon and relays
// progress records on the returned channel. The channel is closed when the
// build finishes; a record with a non-empty Error field is the final one.
func (a *Adapter) BuildImage(ctx context.Context, tar io.Reader, tag string) (<-chan ports.BuildProgress, error) {
	resp, err := a.cli.ImageBuild(ctx, tar, types.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: "Dockerfile",
		Remove:     true,
		ForceRemove: true,
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: build_image %s: %w", tag, err)
	}

	out := make(chan ports.BuildProgress, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		dec := json.NewDecoder(resp.Body)
		for {
			var msg struct {
				Stream      string `json:"stream"`
				Error       string `json:"error"`
				ErrorDetail struct {
					Message string `json:"message"`
				} `json:"errorDetail"`
			}
			if err := dec.Decode(&msg); err != nil {
				if err != io.EOF {
					out <- ports.BuildProgress{Error: err.Error()}
				}
				return
			}
			errMsg := msg.Error
			if errMsg == "" {
				errMsg = msg.ErrorDetail.Message
			}
			out <- ports.BuildProgress{Stream: msg.Stream, Error: errMsg}
			if errMsg != "" {
				return
			}
		}
	}()
	return out, nil
}

// CreateAndStart creates a container per spec, starts it, and reads back
// the ephemeral host port the daemon assigned for the container's exposed
// port. The host port is never chosen by the orchestrator (§4.A).
func (a *Adapter) CreateAndStart(ctx context.Context, spec ports.LaunchSpec) (string, string, error) {
	containerPort, err := nat.NewPort("tcp", spec.ContainerPort)
	if err != nil {
		return "", "", fmt.Errorf("runtime: invalid container port %q: %w", spec.ContainerPort, err)
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	cfg := &container.Config{
		Image:        spec.ImageTag,
		Env:          env,
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{containerPort: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}},
		},
		RestartPolicy: container.RestartPolicy{Name: "no"},
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			spec.NetworkName: {},
		},
	}

	created, err := a.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", "", fmt.Errorf("runtime: image not found %s: %w", spec.ImageTag, err)
		}
		return "", "", fmt.Errorf("runtime: create container: %w", err)
	}

	if err := a.cli.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		return "", "", fmt.Errorf("runtime: start container %s: %w", created.ID, err)
	}

	res, err := a.Inspect(ctx, created.ID)
	if err != nil {
		return created.ID, "", err
	}
	return created.ID, res.HostPort, nil
}

// StopAndRemove stops and removes a container, treating "already
// stopped"/"already removed" as success per §4.A.
func (a *Adapter) StopAndRemove(ctx context.Context, containerID string) error {
	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := a.cli.ContainerStop(stopCtx, containerID, container.StopOptions{}); err != nil {
		if !errdefs.IsNotFound(err) {
			a.log.Warn().Err(err).Str("container_id", containerID).Msg("stop failed, attempting remove anyway")
		}
	}

	err := a.cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("runtime: remove container %s: %w", containerID, err)
	}
	return nil
}

// Inspect reports whether the container is running and its assigned host port.
func (a *Adapter) Inspect(ctx context.Context, containerID string) (ports.InspectResult, error) {
	info, err := a.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return ports.InspectResult{}, fmt.Errorf("runtime: inspect %s: %w", containerID, err)
		}
		return ports.InspectResult{}, fmt.Errorf("runtime: inspect %s: %w", containerID, err)
	}

	var hostPort string
	for _, bindings := range info.NetworkSettings.Ports {
		for _, b := range bindings {
			if b.HostPort != "" {
				hostPort = b.HostPort
				break
			}
		}
		if hostPort != "" {
			break
		}
	}

	return ports.InspectResult{
		Running:  info.State != nil && info.State.Running,
		HostPort: hostPort,
	}, nil
}

// ListByLabel enumerates containers carrying label, optionally filtered to
// label=value. An empty value matches any container carrying the label,
// which the reconciler uses to enumerate every sandbox the orchestrator
// owns regardless of which subdomain/subject/exercise it belongs to.
func (a *Adapter) ListByLabel(ctx context.Context, label, value string, includeStopped bool) ([]ports.RuntimeContainer, error) {
	labelFilter := label
	if value != "" {
		labelFilter = fmt.Sprintf("%s=%s", label, value)
	}
	list, err := a.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     includeStopped,
		Filters: filters.NewArgs(filters.Arg("label", labelFilter)),
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: list_by_label %s: %w", labelFilter, err)
	}

	out := make([]ports.RuntimeContainer, 0, len(list))
	for _, c := range list {
		out = append(out, ports.RuntimeContainer{
			ID:      c.ID,
			Labels:  c.Labels,
			Running: c.State == "running",
		})
	}
	return out, nil
}

// Prune removes stopped containers, best-effort; images, networks and
// volumes are not pruned.
func (a *Adapter) Prune(ctx context.Context) (ports.PruneResult, error) {
	report, err := a.cli.ContainersPrune(ctx, filters.NewArgs())
	if err != nil {
		a.log.Warn().Err(err).Msg("prune failed")
		return ports.PruneResult{}, nil
	}
	return ports.PruneResult{
		ContainersRemoved: len(report.ContainersDeleted),
		SpaceReclaimed:    report.SpaceReclaimed,
	}, nil
}
