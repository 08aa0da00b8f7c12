package pool

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
)

// DockerAPI is the subset of Docker operations the Guest Pool Manager
// needs: container lifecycle and image pull. This is intentionally
// narrow, the same way an agent only needs the operations its own
// domain exercises rather than the full Docker SDK surface.
type DockerAPI interface {
	PullImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (types.ContainerJSON, error)
	StopContainer(ctx context.Context, id string, timeoutSeconds int) error
	KillContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
}

// dockerClient adapts github.com/docker/docker/client to DockerAPI.
type dockerClient struct {
	cli *dockerclient.Client
}

// NewDockerClient builds a DockerAPI backed by the real Docker engine
// API, using environment-provided connection settings
// (DOCKER_HOST/DOCKER_TLS_VERIFY, as per the Docker CLI convention).
func NewDockerClient() (DockerAPI, error) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("build docker client: %w", err)
	}
	return &dockerClient{cli: cli}, nil
}

func (d *dockerClient) PullImage(ctx context.Context, ref string) error {
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (d *dockerClient) CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error) {
	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", name, err)
	}
	return resp.ID, nil
}

func (d *dockerClient) StartContainer(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", id, err)
	}
	return nil
}

func (d *dockerClient) InspectContainer(ctx context.Context, id string) (types.ContainerJSON, error) {
	resp, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return types.ContainerJSON{}, fmt.Errorf("inspect container %s: %w", id, err)
	}
	return resp, nil
}

func (d *dockerClient) StopContainer(ctx context.Context, id string, timeoutSeconds int) error {
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		return fmt.Errorf("stop container %s: %w", id, err)
	}
	return nil
}

func (d *dockerClient) KillContainer(ctx context.Context, id string) error {
	if err := d.cli.ContainerKill(ctx, id, "SIGKILL"); err != nil {
		return fmt.Errorf("kill container %s: %w", id, err)
	}
	return nil
}

func (d *dockerClient) RemoveContainer(ctx context.Context, id string) error {
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}
