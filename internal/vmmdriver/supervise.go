package vmmdriver

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/fleetforge/fleetd/internal/ferr"
	"github.com/fleetforge/fleetd/internal/logging"
)

// Supervise blocks until the handle's process exits and invokes onCrash
// unless stopped was already closed first (i.e. a deliberate Stop/
// KillAndCleanup beat the process to exiting). Callers run this in its
// own goroutine per spec §4.9's "node control plane's maintenance phase
// detects stale PIDs" — this is the in-process complement that reacts
// immediately rather than waiting for the next reconcile tick.
func (h *Handle) Supervise(stopped <-chan struct{}, onCrash func(exitErr error)) {
	if h.cmd == nil {
		return
	}
	waitErr := h.cmd.Wait()
	select {
	case <-stopped:
		// Deliberately stopped; nothing to report.
		return
	default:
	}
	logging.Op().Error("vmm process exited unexpectedly",
		"instance_id", h.InstanceID, "error", waitErr)
	if onCrash != nil {
		onCrash(waitErr)
	}
}

// CgroupPath is the cgroup v2 resource group an instance's Firecracker
// process (and its vcpu threads) run under.
func CgroupPath(cgroupRoot, instanceID string) string {
	return filepath.Join(cgroupRoot, "fleetd-"+instanceID)
}

// EnsureResourceGroup creates the instance's cgroup v2 directory and
// returns its cgroup.procs path, ready to receive the launched PID.
func EnsureResourceGroup(cgroupRoot, instanceID string) (string, error) {
	dir := CgroupPath(cgroupRoot, instanceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", ferr.Wrap(ferr.KindIo, "creating cgroup "+dir, err)
	}
	return filepath.Join(dir, "cgroup.procs"), nil
}

// AddProcess writes pid into the group's cgroup.procs file.
func AddProcess(cgroupRoot, instanceID string, pid int) error {
	procsFile, err := EnsureResourceGroup(cgroupRoot, instanceID)
	if err != nil {
		return err
	}
	if err := os.WriteFile(procsFile, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return ferr.Wrap(ferr.KindIo, "joining cgroup "+procsFile, err)
	}
	return nil
}

const maxPidsPerInstance = 512

// SetResourceLimits writes memory.max/cpu.max/pids.max into an
// instance's already-created cgroup v2 resource group (spec §4.9
// start: "create resource-group with memory/cpu/pids caps"). cpu.max is
// expressed as "<quota> 100000", giving vcpus whole cores of quota per
// 100ms period.
func SetResourceLimits(cgroupRoot, instanceID string, memMiB uint32, vcpus uint8) error {
	dir := CgroupPath(cgroupRoot, instanceID)
	memBytes := strconv.FormatUint(uint64(memMiB)*1024*1024, 10)
	if err := os.WriteFile(filepath.Join(dir, "memory.max"), []byte(memBytes), 0o644); err != nil {
		return ferr.Wrap(ferr.KindIo, "writing memory.max", err)
	}
	cpuQuota := strconv.Itoa(int(vcpus) * 100000)
	if err := os.WriteFile(filepath.Join(dir, "cpu.max"), []byte(cpuQuota+" 100000"), 0o644); err != nil {
		return ferr.Wrap(ferr.KindIo, "writing cpu.max", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "pids.max"), []byte(strconv.Itoa(maxPidsPerInstance)), 0o644); err != nil {
		return ferr.Wrap(ferr.KindIo, "writing pids.max", err)
	}
	return nil
}

// KillPID force-stops a VMM process by PID alone, for the case where
// the agent process restarted and lost its in-memory *Handle but the
// instance record still names a firecracker_pid (spec §4.11
// maintenance phase's stale-PID detection uses liveness only; this is
// the deliberate-stop counterpart). SIGTERM the process group, wait
// gracePeriod, then SIGKILL.
func KillPID(pid int, gracePeriod time.Duration) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return ferr.Wrap(ferr.KindIo, "sigterm pid "+strconv.Itoa(pid), err)
	}
	deadline := time.Now().Add(gracePeriod)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, 0); err != nil {
			return nil // exited
		}
		time.Sleep(25 * time.Millisecond)
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return ferr.Wrap(ferr.KindIo, "sigkill pid "+strconv.Itoa(pid), err)
	}
	return nil
}

// PIDAlive reports whether pid still names a live process, the
// liveness check reconcile's maintenance phase runs against every
// instance the store says is Running (spec §4.11 step 2).
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// KillAndCleanup implements spec §4.5's kill_and_cleanup: SIGTERM, wait
// gracePeriod, SIGKILL; migrate any PIDs still in the instance's
// resource group back to the root cgroup; rmdir the group; delete the
// runtime files (socket, vsock UDS, any jail directory). cgroupRoot
// empty skips the cgroup step entirely (no cgroup support configured).
func (h *Handle) KillAndCleanup(gracePeriod time.Duration, cgroupRoot string) error {
	if h.cmd != nil && h.cmd.Process != nil {
		if err := stopProcess(h.cmd, gracePeriod); err != nil {
			logging.Op().Warn("stop process failed during cleanup", "instance_id", h.InstanceID, "error", err)
		}
	}

	if cgroupRoot != "" {
		if err := migrateGroupToRoot(cgroupRoot, h.InstanceID); err != nil {
			logging.Op().Warn("cgroup migration failed", "instance_id", h.InstanceID, "error", err)
		}
		groupDir := CgroupPath(cgroupRoot, h.InstanceID)
		if err := os.Remove(groupDir); err != nil && !os.IsNotExist(err) {
			logging.Op().Warn("rmdir cgroup failed", "instance_id", h.InstanceID, "dir", groupDir, "error", err)
		}
	}

	_ = os.Remove(h.SocketPath)
	if h.VsockPath != "" {
		_ = os.Remove(h.VsockPath)
	}
	if h.Jailed && h.JailDir != "" {
		if err := os.RemoveAll(h.JailDir); err != nil {
			return ferr.Wrap(ferr.KindIo, "removing jail dir "+h.JailDir, err)
		}
	}
	return nil
}

// migrateGroupToRoot moves every PID still listed in the instance's
// cgroup.procs back into cgroupRoot's own cgroup.procs, so rmdir of the
// (now-empty) group directory succeeds. Firecracker's own process is
// normally already reaped by stopProcess; this picks up any stray vcpu
// or jailer helper threads left behind.
func migrateGroupToRoot(cgroupRoot, instanceID string) error {
	groupProcs := filepath.Join(CgroupPath(cgroupRoot, instanceID), "cgroup.procs")
	f, err := os.Open(groupProcs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ferr.Wrap(ferr.KindIo, "reading "+groupProcs, err)
	}
	defer f.Close()

	rootProcs := filepath.Join(cgroupRoot, "cgroup.procs")
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		pid := scanner.Text()
		if pid == "" {
			continue
		}
		if err := os.WriteFile(rootProcs, []byte(pid), 0o644); err != nil {
			// A pid that already exited between the read and the write is
			// expected and not an error worth surfacing.
			continue
		}
	}
	return scanner.Err()
}
