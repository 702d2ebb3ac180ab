// Package vmmdriver implements the VMM driver (spec component E, §4.5):
// fc_config assembly, jailed-preferred process launch, the
// HTTP-over-Unix-socket control channel, process supervision, and
// resource-group cleanup. Grounded on the teacher's
// internal/firecracker/vm.go process-spawn idiom, generalized from a
// single-function-per-VM model to the spec's per-instance launch spec.
package vmmdriver

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fleetforge/fleetd/internal/ferr"
	"github.com/fleetforge/fleetd/internal/logging"
)

// Config holds the driver's host-level settings, one per node.
type Config struct {
	FirecrackerBin string
	BootTimeout    time.Duration
	// JailerUIDBase is the base uid/gid jailed instances are derived
	// from: BASE + net_id*256 + ip_offset (spec §4.5).
	JailerUIDBase uint32
	// ProductionMode refuses a direct (non-jailed) launch outright.
	ProductionMode bool
}

func DefaultConfig() Config {
	return Config{
		FirecrackerBin: "/usr/local/bin/firecracker",
		BootTimeout:    10 * time.Second,
		JailerUIDBase:  600000,
		ProductionMode: true,
	}
}

// Drive describes one of fc_config's four fixed-order drives.
type Drive struct {
	ID         string
	PathOnHost string
	ReadOnly   bool
	Optional   bool // config/secrets drives are omitted from JSON when empty
}

// LaunchSpec carries every instance-specific field fc_config overlays
// onto fc_base.json.
type LaunchSpec struct {
	InstanceID string
	VCPUs      uint8
	MemMiB     uint32

	KernelPath string
	BootArgsIP string // "ip=<guest_ip>::<gateway>::<mask>::eth0:off"

	RootDrive    Drive
	ConfigDrive  Drive // optional
	DataDrive    Drive
	SecretsDrive Drive // optional

	TapDevice string
	GuestMAC  string

	VsockCID  uint32 // 0 disables the vsock device
	VsockPath string

	SocketPath string
	LogFIFO    string
	MetricsFIFO string

	// NetID and IPOffset derive the jailer uid/gid; set by the caller
	// from the instance's InstanceNetwork (spec §4.5 "new uid/gid").
	NetID    int
	IPOffset int
}

// FcConfig renders the JSON machine config Firecracker loads at
// startup: the overlay of LaunchSpec fields onto the fixed fc_base.json
// shape (spec §4.5). It is also used as the body of the individual
// PUT calls a direct (non --config-file) launch issues one resource at
// a time; both paths describe the identical machine.
func FcConfig(spec LaunchSpec) map[string]any {
	drives := []map[string]any{
		{
			"drive_id":       spec.RootDrive.ID,
			"path_on_host":   spec.RootDrive.PathOnHost,
			"is_root_device": true,
			"is_read_only":   true,
		},
	}
	if spec.ConfigDrive.PathOnHost != "" {
		drives = append(drives, map[string]any{
			"drive_id":       spec.ConfigDrive.ID,
			"path_on_host":   spec.ConfigDrive.PathOnHost,
			"is_root_device": false,
			"is_read_only":   true,
		})
	}
	drives = append(drives, map[string]any{
		"drive_id":       spec.DataDrive.ID,
		"path_on_host":   spec.DataDrive.PathOnHost,
		"is_root_device": false,
		"is_read_only":   false,
	})
	if spec.SecretsDrive.PathOnHost != "" {
		drives = append(drives, map[string]any{
			"drive_id":       spec.SecretsDrive.ID,
			"path_on_host":   spec.SecretsDrive.PathOnHost,
			"is_root_device": false,
			"is_read_only":   true,
		})
	}

	cfg := map[string]any{
		"machine-config": map[string]any{
			"vcpu_count":   spec.VCPUs,
			"mem_size_mib": spec.MemMiB,
		},
		"boot-source": map[string]any{
			"kernel_image_path": spec.KernelPath,
			"boot_args":         "console=ttyS0 reboot=k panic=1 pci=off " + spec.BootArgsIP,
		},
		"drives": drives,
		"network-interfaces": []map[string]any{
			{
				"iface_id":      "eth0",
				"guest_mac":     spec.GuestMAC,
				"host_dev_name": spec.TapDevice,
			},
		},
		"logger": map[string]any{
			"log_path": spec.LogFIFO,
			"level":    "Warning",
		},
		"metrics": map[string]any{
			"metrics_path": spec.MetricsFIFO,
		},
	}
	if spec.VsockCID != 0 {
		cfg["vsock"] = map[string]any{
			"guest_cid": spec.VsockCID,
			"uds_path":  spec.VsockPath,
		}
	}
	return cfg
}

// JailUID derives the uid/gid a jailed launch runs under (spec §4.5):
// BASE + net_id*256 + ip_offset.
func (c Config) JailUID(netID, ipOffset int) uint32 {
	return c.JailerUIDBase + uint32(netID)*256 + uint32(ipOffset)
}

// Handle is a running VMM process plus everything CleanUp needs to tear
// it down.
type Handle struct {
	InstanceID string
	SocketPath string
	VsockPath  string
	Jailed     bool
	JailDir    string

	cmd *exec.Cmd
	mu  sync.Mutex
	// onExit is invoked from the supervisor goroutine if the process
	// dies without Stop having been called first.
	onExit func(err error)
}

func (h *Handle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Launch starts the Firecracker process for spec. It prefers a jailed
// launch (chroot under jailDir with uid/gid JailUID(netID, offset) and
// the required bind mounts already prepared by the caller); jailDir
// empty forces a direct launch, which Launch refuses when
// cfg.ProductionMode is set (spec §4.5: "the agent refuses to start an
// instance without jailing" in production).
func Launch(cfg Config, spec LaunchSpec, jailDir string, logWriter *os.File) (*Handle, error) {
	jailed := jailDir != ""
	if !jailed && cfg.ProductionMode {
		return nil, ferr.New(ferr.KindVmmApi, "refusing direct (non-jailed) launch in production mode")
	}

	_ = os.Remove(spec.SocketPath)
	if spec.VsockPath != "" {
		_ = os.Remove(spec.VsockPath)
	}

	var cmd *exec.Cmd
	if jailed {
		uid := cfg.JailUID(spec.NetID, spec.IPOffset)
		cmd = exec.Command(cfg.FirecrackerBin, "--api-sock", filepath.Join("/", filepath.Base(spec.SocketPath)))
		cmd.Dir = jailDir
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Setpgid:    true,
			Chroot:     jailDir,
			Credential: &syscall.Credential{Uid: uid, Gid: uid},
		}
	} else {
		cmd = exec.Command(cfg.FirecrackerBin, "--api-sock", spec.SocketPath)
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}
	cmd.Stdout = logWriter
	cmd.Stderr = logWriter

	if err := cmd.Start(); err != nil {
		return nil, ferr.Wrap(ferr.KindVmmApi, "starting firecracker", err)
	}

	h := &Handle{
		InstanceID: spec.InstanceID,
		SocketPath: spec.SocketPath,
		VsockPath:  spec.VsockPath,
		Jailed:     jailed,
		JailDir:    jailDir,
		cmd:        cmd,
	}

	socketWaitPath := spec.SocketPath
	if jailed {
		socketWaitPath = filepath.Join(jailDir, filepath.Base(spec.SocketPath))
	}
	if err := waitForSocket(socketWaitPath, cmd.Process, cfg.BootTimeout); err != nil {
		_ = killProcessGroup(cmd.Process, 0)
		return nil, err
	}
	return h, nil
}

// Stop sends the graceful-then-forceful shutdown sequence and waits for
// the process to exit. Callers needing the full kill_and_cleanup
// (cgroup migration, rmdir, runtime file deletion) should call
// KillAndCleanup instead, which calls Stop internally.
func (h *Handle) Stop(gracePeriod time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	return stopProcess(h.cmd, gracePeriod)
}

func stopProcess(cmd *exec.Cmd, gracePeriod time.Duration) error {
	pid := cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		logging.Op().Warn("sigterm failed", "pid", pid, "error", err)
	}
	done := make(chan struct{})
	go func() { cmd.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-time.After(gracePeriod):
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-done
		return nil
	}
}

func killProcessGroup(proc *os.Process, _ time.Duration) error {
	if proc == nil {
		return nil
	}
	return syscall.Kill(-proc.Pid, syscall.SIGKILL)
}

func waitForSocket(path string, proc *os.Process, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if proc != nil {
			if err := proc.Signal(syscall.Signal(0)); err != nil {
				return ferr.Wrap(ferr.KindVmmApi, "firecracker exited before api socket was ready", err)
			}
		}
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		time.Sleep(25 * time.Millisecond)
	}
	return ferr.New(ferr.KindVmmApi, fmt.Sprintf("timed out waiting for api socket %s", path))
}

// marshalBody is a small helper so apicall.go and vmmdriver.go share one
// json.Marshal call site for request bodies.
func marshalBody(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
