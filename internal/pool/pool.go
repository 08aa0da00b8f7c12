// Package pool implements the Guest Pool Manager: a warm pool of
// CVM-runner containers, selection by attestation probe, and shutdown.
package pool

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	"github.com/hashicorp/go-multierror"
	"k8s.io/klog/v2"

	"github.com/scoutflo/tdx-fleet/internal/cvmclient"
	"github.com/scoutflo/tdx-fleet/internal/model"
)

const (
	// guestAPIPort is the container-side port the CVM runner exposes.
	guestAPIPort = "443/tcp"
	// attestationSocket is the host-side tappd socket mounted into every
	// guest container so it can answer local quote requests.
	attestationSocket = "/var/run/tappd.sock"
)

// RunConfig is the tenant-supplied run request.
type RunConfig = model.RunConfig

// Pool holds the free/active container state plus the cached runner
// image used for new container launches. A single mutex guards all pool
// state and is held for the duration of get_cvm (including its refill)
// and of the whole of assign_cvm, matching the source's async-mutex
// contract: the pool never runs two selections concurrently, so a
// container can never be handed to two callers.
type Pool struct {
	mu sync.Mutex

	capacity int
	free     []int          // ordered free host ports
	active   map[int]string // host port -> container ID

	docker  DockerAPI
	image   string
	pccsURL string
}

// New pulls the runner image and fills the pool to capacity.
func New(ctx context.Context, docker DockerAPI, image string, capacity int, pccsURL string) (*Pool, error) {
	if err := docker.PullImage(ctx, image); err != nil {
		return nil, fmt.Errorf("pull runner image: %w", err)
	}
	p := &Pool{
		capacity: capacity,
		active:   make(map[int]string),
		docker:   docker,
		image:    image,
		pccsURL:  pccsURL,
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fillLocked(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// fillLocked tops the free queue up to capacity, one container at a
// time. Callers must hold mu for its entire duration.
func (p *Pool) fillLocked(ctx context.Context) error {
	for len(p.free) < p.capacity {
		if err := p.addOneLocked(ctx); err != nil {
			return err
		}
	}
	return nil
}

// addOneLocked creates, starts, and inspects a new runner container,
// exposing container port 443 on an ephemeral host port and mounting the
// host attestation socket in. Callers must hold mu.
func (p *Pool) addOneLocked(ctx context.Context) error {
	containerPort := nat.Port(guestAPIPort)
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "0"}},
		},
		Binds: []string{attestationSocket + ":" + attestationSocket},
	}
	cfg := &container.Config{
		Image:        p.image,
		ExposedPorts: nat.PortSet{containerPort: struct{}{}},
	}

	id, err := p.docker.CreateContainer(ctx, "", cfg, hostCfg, &network.NetworkingConfig{})
	if err != nil {
		return fmt.Errorf("create runner container: %w", err)
	}
	if err := p.docker.StartContainer(ctx, id); err != nil {
		return fmt.Errorf("start runner container %s: %w", id, err)
	}

	// The Docker API can report a container as started before its port
	// bindings are queryable, so resolve the bound host port with a
	// short bounded retry rather than a single inspect.
	var hostPort int
	resolvePort := func() error {
		info, err := p.docker.InspectContainer(ctx, id)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("inspect runner container %s: %w", id, err))
		}
		bindings, ok := info.NetworkSettings.Ports[containerPort]
		if !ok || len(bindings) == 0 {
			return fmt.Errorf("no host port bound yet for container %s", id)
		}
		port, err := strconv.Atoi(bindings[0].HostPort)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("parse bound host port for container %s: %w", id, err))
		}
		hostPort = port
		return nil
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(20*time.Millisecond), 10)
	if err := backoff.Retry(resolvePort, backoff.WithContext(policy, ctx)); err != nil {
		return err
	}

	p.free = append(p.free, hostPort)
	p.active[hostPort] = id
	return nil
}

// GetCVM scans the free queue in order, probing each candidate with a
// fresh CVM Client attestation. The first to succeed is removed from
// free and the pool is replenished; the probe client is discarded. If
// none succeed, it fails with ErrNoFreeCvm. The pool mutex is held for
// the whole operation, including the refill, so two concurrent callers
// can never both select the same container.
func (p *Pool) GetCVM(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getCVMLocked(ctx)
}

// getCVMLocked is GetCVM's body; callers must hold mu.
func (p *Pool) getCVMLocked(ctx context.Context) (int, error) {
	candidates := append([]int(nil), p.free...)

	for _, port := range candidates {
		client, err := cvmclient.New(fmt.Sprintf("https://localhost:%d", port), nil, p.pccsURL)
		if err != nil {
			klog.V(1).Infof("pool: skip port %d, client construction failed: %v", port, err)
			continue
		}
		if _, err := client.Attest(ctx); err != nil {
			klog.V(1).Infof("pool: skip port %d, attestation failed: %v", port, err)
			continue
		}

		p.removeFree(port)
		if err := p.fillLocked(ctx); err != nil {
			klog.Warningf("pool: refill after get_cvm failed: %v", err)
		}
		return port, nil
	}
	return 0, model.ErrNoFreeCvm
}

// removeFree deletes port from the free queue; callers must hold mu.
func (p *Pool) removeFree(port int) {
	for i, v := range p.free {
		if v == port {
			p.free = append(p.free[:i], p.free[i+1:]...)
			return
		}
	}
}

// AssignCVM picks a CVM, attests a fresh client against it (the probe
// client from getCVMLocked is discarded), assigns the run, and starts
// it. The returned port is the tenant's to address thereafter. The pool
// mutex is held for the whole operation, so assignment is fully
// serialized: no two tenants can be handed the same container.
func (p *Pool) AssignCVM(ctx context.Context, runID, threadID, agentID string, cfg RunConfig) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	port, err := p.getCVMLocked(ctx)
	if err != nil {
		return 0, err
	}

	client, err := cvmclient.New(fmt.Sprintf("https://localhost:%d", port), nil, p.pccsURL)
	if err != nil {
		return 0, fmt.Errorf("build cvm client for port %d: %w", port, err)
	}
	if _, err := client.Attest(ctx); err != nil {
		return 0, fmt.Errorf("attest cvm on port %d: %w", port, err)
	}

	assignReq := cvmclient.AssignRequest{
		AgentID:       agentID,
		ThreadID:      threadID,
		APIURL:        "https://api.tdx-fleet.internal",
		Provider:      cfg.Provider,
		Model:         cfg.Model,
		Temperature:   cfg.Temperature,
		MaxTokens:     cfg.MaxTokens,
		MaxIterations: cfg.MaxIterations,
		EnvVars:       cfg.EnvVars,
	}
	if _, err := client.Assign(ctx, assignReq); err != nil {
		return 0, fmt.Errorf("assign run to cvm on port %d: %w", port, err)
	}
	if _, err := client.Run(ctx, runID); err != nil {
		return 0, fmt.Errorf("start run on cvm on port %d: %w", port, err)
	}
	return port, nil
}

// Shutdown drains both the active map and the free queue, attempting a
// graceful stop with a 10s deadline, falling back to kill, then
// force-remove. Errors are logged and the sweep continues.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.active))
	for _, id := range p.active {
		ids = append(ids, id)
	}
	p.active = make(map[int]string)
	p.free = nil
	p.mu.Unlock()

	var result *multierror.Error
	for _, id := range ids {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		stopErr := p.docker.StopContainer(stopCtx, id, 10)
		cancel()
		if stopErr != nil {
			klog.Warningf("pool: graceful stop failed for %s, killing: %v", id, stopErr)
			if killErr := p.docker.KillContainer(ctx, id); killErr != nil {
				klog.Warningf("pool: kill failed for %s: %v", id, killErr)
				result = multierror.Append(result, killErr)
			}
		}
		if err := p.docker.RemoveContainer(ctx, id); err != nil {
			klog.Warningf("pool: force-remove failed for %s: %v", id, err)
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Len returns the current size of the free queue, for tests and metrics.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
