package pool

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
)

// fakeDocker is an in-memory DockerAPI double used by pool tests. Each
// created container is assigned a distinct, incrementing host port, the
// same way the real daemon would hand out an ephemeral port.
type fakeDocker struct {
	mu        sync.Mutex
	nextPort  int
	started   map[string]bool
	removed   map[string]bool
	failAttest bool
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{nextPort: 20000, started: make(map[string]bool), removed: make(map[string]bool)}
}

func (f *fakeDocker) PullImage(ctx context.Context, ref string) error { return nil }

func (f *fakeDocker) CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPort++
	id := fmt.Sprintf("container-%d", f.nextPort)
	return id, nil
}

func (f *fakeDocker) StartContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started[id] = true
	return nil
}

func (f *fakeDocker) InspectContainer(ctx context.Context, id string) (types.ContainerJSON, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var suffix string
	if _, err := fmt.Sscanf(id, "container-%s", &suffix); err != nil {
		return types.ContainerJSON{}, fmt.Errorf("unrecognized container id %s", id)
	}
	port := id[len("container-"):]
	if _, err := strconv.Atoi(port); err != nil {
		return types.ContainerJSON{}, fmt.Errorf("bad port suffix in %s", id)
	}
	return types.ContainerJSON{
		NetworkSettings: &types.NetworkSettings{
			NetworkSettingsBase: types.NetworkSettingsBase{
				Ports: nat.PortMap{
					nat.Port(guestAPIPort): []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: port}},
				},
			},
		},
	}, nil
}

func (f *fakeDocker) StopContainer(ctx context.Context, id string, timeoutSeconds int) error {
	return nil
}

func (f *fakeDocker) KillContainer(ctx context.Context, id string) error { return nil }

func (f *fakeDocker) RemoveContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed[id] = true
	return nil
}
