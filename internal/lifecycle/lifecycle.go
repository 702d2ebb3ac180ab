// Package lifecycle implements the instance lifecycle API (spec
// component I, §4.9): the sole mutator of an instance's state file.
// Every operation acquires the per-instance lock, validates the
// requested transition against internal/statemachine, checks quota for
// create/start/wake, executes the operation's own composition of
// netdriver/diskdriver/vmmdriver/snapshot/guestchannel, commits the new
// state atomically, and appends one audit entry before releasing the
// lock. No other package may open a VMM socket, touch a snapshot file,
// or write an instance.json.
//
// Grounded on the teacher's internal/firecracker orchestration (one
// struct composing the process driver, network setup, and disk
// preparation behind a handful of verb methods) generalized from
// "spawn a function" to a full state machine with quota and snapshot
// gates.
package lifecycle

import (
	"os"

	"github.com/fleetforge/fleetd/internal/diskdriver"
	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/fleetforge/fleetd/internal/snapshot"
	"github.com/fleetforge/fleetd/internal/storefs"
	"github.com/fleetforge/fleetd/internal/vmmdriver"
)

// NetDriver is the subset of internal/netdriver.Driver lifecycle needs;
// narrowed to an interface so tests can substitute a fake instead of
// shelling out to ip(8)/iptables(8).
type NetDriver interface {
	EnsureTenantBridge(net domain.Network) error
	SetupTAP(tapName, mac, bridge string) error
	TeardownTAP(tapName string)
}

// DiskBuilder is the subset of internal/diskdriver's package functions
// lifecycle needs, narrowed the same way NetDriver is.
type DiskBuilder interface {
	EnsureDataDisk(path string, sizeMiB int) error
	BuildSecretsImage(tmpDir, instanceID string, flat []byte, scoped map[string]map[string]string) (string, error)
	BuildConfigImage(tmpDir, instanceID string, configJSON, routesJSON []byte) (string, error)
}

// VMMLauncher is the subset of internal/vmmdriver.Launch lifecycle
// needs.
type VMMLauncher interface {
	Launch(spec vmmdriver.LaunchSpec, jailDir string, logWriter *os.File) (*vmmdriver.Handle, error)
}

// realDiskBuilder adapts diskdriver's free functions to DiskBuilder.
type realDiskBuilder struct{}

func (realDiskBuilder) EnsureDataDisk(path string, sizeMiB int) error {
	return diskdriver.EnsureDataDisk(path, sizeMiB)
}

func (realDiskBuilder) BuildSecretsImage(tmpDir, instanceID string, flat []byte, scoped map[string]map[string]string) (string, error) {
	return diskdriver.BuildSecretsImage(tmpDir, instanceID, flat, scoped)
}

func (realDiskBuilder) BuildConfigImage(tmpDir, instanceID string, configJSON, routesJSON []byte) (string, error) {
	return diskdriver.BuildConfigImage(tmpDir, instanceID, configJSON, routesJSON)
}

// RealDiskBuilder is the production DiskBuilder, backed by the actual
// mkfs.ext4/debugfs image tooling.
func RealDiskBuilder() DiskBuilder { return realDiskBuilder{} }

// realVMM adapts vmmdriver.Launch (a package function, since it owns no
// per-call state beyond cfg) to VMMLauncher.
type realVMM struct{ cfg vmmdriver.Config }

func (r realVMM) Launch(spec vmmdriver.LaunchSpec, jailDir string, logWriter *os.File) (*vmmdriver.Handle, error) {
	return vmmdriver.Launch(r.cfg, spec, jailDir, logWriter)
}

// RealVMMLauncher is the production VMMLauncher.
func RealVMMLauncher(cfg vmmdriver.Config) VMMLauncher { return realVMM{cfg: cfg} }

// KeyProvider resolves a tenant's volume encryption key, or returns a
// nil *diskdriver.Key when the tenant has no key configured (snapshots
// and secrets images are then written unencrypted).
type KeyProvider func(tenantID string) (*diskdriver.Key, error)

// SecretsProvider assembles a pool's flat or per-integration-scoped
// secrets payload for one instance, per spec §6.2. Either flat or
// scoped should be non-nil/non-empty, never both.
type SecretsProvider func(tenantID, poolID, instanceID string) (flat []byte, scoped map[string]map[string]string, err error)

// Deps wires every collaborator a lifecycle operation composes.
type Deps struct {
	Store       *storefs.Store
	Net         NetDriver
	Disk        DiskBuilder
	VMM         VMMLauncher
	VMMConfig   vmmdriver.Config
	Snapshots   *snapshot.Engine
	Keys        KeyProvider
	Secrets     SecretsProvider
	CgroupRoot  string // empty disables cgroup resource-group management
	RuntimeTmpDir string // tmpfs scratch for secrets/config images; default /dev/shm
	GuestAgentPort uint32
	GracefulShutdown func() int // seconds; defaults applied by caller via pool.RuntimePolicy
}

func (d Deps) runtimeTmpDir() string {
	if d.RuntimeTmpDir != "" {
		return d.RuntimeTmpDir
	}
	return "/dev/shm"
}

// Lifecycle is the sole mutator of instance records. Concurrency safety
// across processes comes from the per-instance file lock (storefs);
// handles only tracks in-process *vmmdriver.Handle values for VMMs this
// agent itself launched, so Stop/KillAndCleanup can reuse the *exec.Cmd
// instead of falling back to PID-only signaling.
type Lifecycle struct {
	deps    Deps
	handles handleRegistry
}

// New constructs a Lifecycle over deps.
func New(deps Deps) *Lifecycle {
	return &Lifecycle{deps: deps, handles: newHandleRegistry()}
}

// Reason carries the audit actor taxonomy spec §4.9 step 6 requires.
type Reason string

const (
	ReasonManual       Reason = "Manual"
	ReasonReconcile    Reason = "Reconcile"
	ReasonSleepPolicy  Reason = "SleepPolicy"
	ReasonWakeOnDemand Reason = "Wake-on-Demand"
)

// opContext threads the fields every operation's audit entry and
// bookkeeping need.
type opContext struct {
	tenantID, poolID, instanceID string
	actorID                      string
	reason                       Reason
}
