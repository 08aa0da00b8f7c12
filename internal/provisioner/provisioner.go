// Package provisioner implements the Instance Provisioner:
// directory layout, manifest authoring, and hypervisor invocation for a
// bare-metal TDX confidential VM. Filesystem access goes through afero
// so setup_instance is unit-testable against an in-memory filesystem.
package provisioner

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// DefaultPCCSURL is the hard-coded PCCS URL written into every instance's
// shared/config.json.
const DefaultPCCSURL = "https://api.trustedservices.intel.com/sgx/certification/v4"

// Config is the subset of host configuration the provisioner needs.
type Config struct {
	RunPath        string
	DockerRegistry string
	QemuPath       string
}

// DefaultConfig mirrors the source's fallbacks: RUN_PATH defaults to
// ./vms, qemu-system-x86_64 is assumed on PATH.
func DefaultConfig() Config {
	runPath := os.Getenv("RUN_PATH")
	if runPath == "" {
		runPath = "./vms"
	}
	if abs, err := filepath.Abs(runPath); err == nil {
		runPath = abs
	}
	return Config{
		RunPath:        runPath,
		DockerRegistry: "docker.io",
		QemuPath:       "qemu-system-x86_64",
	}
}

// trackedProcess pairs a launched hypervisor child with the single
// goroutine allowed to reap it. os.Process.Wait may only be called once
// per process, so both the preflight grace-window check in spawnQemu and
// ShutdownInstances read the same done channel instead of each calling
// Wait themselves.
type trackedProcess struct {
	proc *os.Process
	done chan error
}

// Manager owns instance directories and the set of QEMU child processes
// it has launched, mirroring the original DStackManager.
type Manager struct {
	FS     afero.Fs
	Config Config

	mu        sync.Mutex
	processes []*trackedProcess
}

// New builds a Manager rooted at cfg.RunPath, using fs for all file
// operations (afero.NewOsFs() in production, afero.NewMemMapFs() in
// tests).
func New(fs afero.Fs, cfg Config) *Manager {
	return &Manager{FS: fs, Config: cfg}
}

func (m *Manager) generateInstanceID() string {
	return uuid.NewString()
}

// track records a spawned hypervisor child so ShutdownInstances can
// reach it later, and starts the one goroutine allowed to reap it.
func (m *Manager) track(p *os.Process) *trackedProcess {
	tp := &trackedProcess{proc: p, done: make(chan error, 1)}
	go func() {
		_, err := p.Wait()
		tp.done <- err
	}()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.processes = append(m.processes, tp)
	return tp
}

// untrack removes tp from the tracked set, used when a process is found
// to have already exited during its preflight grace window.
func (m *Manager) untrack(tp *trackedProcess) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, v := range m.processes {
		if v == tp {
			m.processes = append(m.processes[:i], m.processes[i+1:]...)
			return
		}
	}
}

// runLookPath is overridable in tests so qemu-availability checks don't
// require qemu-system-x86_64 to actually be installed on the test host.
var runLookPath = exec.LookPath
