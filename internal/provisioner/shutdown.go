package provisioner

import (
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// ShutdownInstances sends a kill signal to every tracked hypervisor
// child, waits up to a grace period for it to exit, and clears the
// tracked list. Individual failures are logged and do not abort the
// sweep.
func (m *Manager) ShutdownInstances() error {
	m.mu.Lock()
	procs := m.processes
	m.processes = nil
	m.mu.Unlock()

	klog.V(1).Infof("shutting down %d hypervisor instances", len(procs))

	var result *multierror.Error
	for _, tp := range procs {
		// Each child owns its process group (Setpgid in spawnQemu), so
		// signal the group to reach any sudo-spawned helper too.
		if err := unix.Kill(-tp.proc.Pid, unix.SIGTERM); err != nil {
			klog.Warningf("failed to send kill signal to pgid %d: %v", tp.proc.Pid, err)
			result = multierror.Append(result, err)
			continue
		}
		klog.V(1).Infof("sent kill signal to pgid %d", tp.proc.Pid)
		waitWithTimeout(tp, 10*time.Second)
	}

	klog.V(1).Infof("cleared %d hypervisor processes from tracking", len(procs))
	return result.ErrorOrNil()
}

// waitWithTimeout waits on tp's reaper goroutine and logs if it outlives
// the grace period; shutdown does not block indefinitely on a stuck
// child. It never calls Process.Wait itself, since track's goroutine
// already owns that call for the process's lifetime.
func waitWithTimeout(tp *trackedProcess, grace time.Duration) {
	select {
	case <-tp.done:
	case <-time.After(grace):
		klog.Warningf("pid %d did not exit within grace period", tp.proc.Pid)
	}
}
