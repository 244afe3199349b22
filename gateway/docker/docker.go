package docker

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/openportal/config"
	"github.com/projecteru2/openportal/gateway"
	"github.com/projecteru2/openportal/types"
)

const (
	typ = "docker"

	// ContainerPrefix is prepended to sandbox IDs to form container names.
	ContainerPrefix = "openportal-"
	// WorkspaceTarget is the mount point of the sandbox workspace inside
	// the container.
	WorkspaceTarget = "/workspace"

	pingTimeout = 2 * time.Second
)

// Gateway provisions sandbox containers against a Docker daemon.
type Gateway struct {
	conf *config.Config
	cli  *client.Client
}

var _ gateway.Gateway = (*Gateway)(nil)

// New connects to the Docker daemon and verifies it responds.
// conf.Docker.Host overrides the environment; empty means DOCKER_HOST or
// the default socket decides.
func New(ctx context.Context, conf *config.Config) (*Gateway, error) {
	var (
		cli *client.Client
		err error
	)
	if host := conf.Docker.Host; host != "" {
		cli, err = client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
	} else {
		cli, err = client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	}
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if _, err := cli.Ping(pctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("ping docker daemon: %w", err)
	}
	return &Gateway{conf: conf, cli: cli}, nil
}

func (g *Gateway) Type() string { return typ }

// Close releases the client connection.
func (g *Gateway) Close() error { return g.cli.Close() }

// Provision pulls the agent image if needed, then creates and starts a
// container named after the sandbox ID with the workspace bind-mounted at
// WorkspaceTarget. The returned handle is the Docker container ID.
func (g *Gateway) Provision(ctx context.Context, id string, spec types.ResourceSpec, workspacePath string) (string, error) {
	logger := log.WithFunc("docker.Provision")

	image := g.conf.Docker.Image
	if err := g.ensureImage(ctx, image); err != nil {
		return "", fmt.Errorf("ensure image %s: %w", image, err)
	}

	cfg := &container.Config{
		Image:      image,
		WorkingDir: WorkspaceTarget,
		Env:        []string{fmt.Sprintf("OPENPORTAL_AGENT_PORT=%d", g.conf.Docker.AgentPort)},
		Labels:     map[string]string{"openportal.sandbox.id": id},
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: workspacePath,
			Target: WorkspaceTarget,
		}},
		Resources: resources(spec),
	}

	name := ContainerPrefix + id
	resp, err := g.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("%w: create container %s: %v", gateway.ErrResourceUnavailable, name, err)
	}
	if err := g.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Leave no half-started container behind, even if ctx is already dead.
		if rmErr := g.removeForce(context.Background(), resp.ID); rmErr != nil {
			logger.Warnf(ctx, "cleanup after failed start: %v", rmErr)
		}
		return "", fmt.Errorf("%w: start container %s: %v", gateway.ErrResourceUnavailable, name, err)
	}
	logger.Infof(ctx, "container %s up for sandbox %s", shortID(resp.ID), id)
	return resp.ID, nil
}

// Terminate stops the container gracefully, then force-removes it. A handle
// that no longer exists is success.
func (g *Gateway) Terminate(ctx context.Context, handle string) error {
	logger := log.WithFunc("docker.Terminate")
	timeout := int(g.conf.StopTimeout().Seconds())
	if err := g.cli.ContainerStop(ctx, handle, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		logger.Warnf(ctx, "stop container %s: %v", shortID(handle), err)
	}
	return g.removeForce(ctx, handle)
}

// AddressOf returns the agent endpoint once the container has an address on
// the default bridge network. Returns gateway.ErrNotReady while the container
// is still coming up and a hard error once it has exited or been removed.
func (g *Gateway) AddressOf(ctx context.Context, handle string) (string, error) {
	info, err := g.cli.ContainerInspect(ctx, handle)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", fmt.Errorf("container %s gone", shortID(handle))
		}
		return "", fmt.Errorf("inspect container %s: %w", shortID(handle), err)
	}
	if info.State == nil || !info.State.Running {
		status := "unknown"
		if info.State != nil {
			status = info.State.Status
		}
		switch status {
		case "created", "restarting":
			return "", gateway.ErrNotReady
		default:
			return "", fmt.Errorf("container %s %s", shortID(handle), status)
		}
	}
	ip := info.NetworkSettings.IPAddress
	if ip == "" {
		return "", gateway.ErrNotReady
	}
	return fmt.Sprintf("http://%s:%d", ip, g.conf.Docker.AgentPort), nil
}

func (g *Gateway) ensureImage(ctx context.Context, image string) error {
	if _, _, err := g.cli.ImageInspectWithRaw(ctx, image); err == nil {
		return nil
	}
	log.WithFunc("docker.ensureImage").Infof(ctx, "pulling image %s", image)
	reader, err := g.cli.ImagePull(ctx, image, imagetypes.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull: %w", err)
	}
	defer reader.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func (g *Gateway) removeForce(ctx context.Context, handle string) error {
	err := g.cli.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", shortID(handle), err)
	}
	return nil
}

// resources maps a sandbox resource spec onto Docker resource constraints.
// GPU requests go through the nvidia device driver.
func resources(spec types.ResourceSpec) container.Resources {
	res := container.Resources{
		NanoCPUs: int64(spec.CPU) * 1e9,
		Memory:   spec.Memory,
	}
	if spec.GPUType != "" {
		count := spec.GPUCount
		if count <= 0 {
			count = 1
		}
		res.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			Count:        count,
			Capabilities: [][]string{{"gpu"}},
		}}
	}
	return res
}

func shortID(handle string) string {
	if len(handle) > 12 {
		return handle[:12]
	}
	return handle
}
