package lifecycle

import (
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/fleetforge/fleetd/internal/ferr"
	"github.com/fleetforge/fleetd/internal/snapshot"
	"github.com/fleetforge/fleetd/internal/statemachine"
	"github.com/fleetforge/fleetd/internal/storefs"
	"github.com/fleetforge/fleetd/internal/vmmdriver"
)

// fakeNet substitutes internal/netdriver so tests never shell out to
// ip(8)/iptables(8).
type fakeNet struct {
	mu       sync.Mutex
	bridges  []string
	tapsUp   []string
	tapsDown []string
}

func (f *fakeNet) EnsureTenantBridge(n domain.Network) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bridges = append(f.bridges, n.BridgeName)
	return nil
}

func (f *fakeNet) SetupTAP(tapName, mac, bridge string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tapsUp = append(f.tapsUp, tapName)
	return nil
}

func (f *fakeNet) TeardownTAP(tapName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tapsDown = append(f.tapsDown, tapName)
}

// fakeDisk substitutes internal/diskdriver: no mkfs.ext4/debugfs calls,
// just placeholder files at the paths the lifecycle code expects to
// find something at.
type fakeDisk struct{}

func (fakeDisk) EnsureDataDisk(path string, sizeMiB int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("data"), 0o600)
}

func (fakeDisk) BuildSecretsImage(tmpDir, instanceID string, flat []byte, scoped map[string]map[string]string) (string, error) {
	p := filepath.Join(tmpDir, instanceID+"-secrets.img")
	return p, os.WriteFile(p, []byte("secrets"), 0o600)
}

func (fakeDisk) BuildConfigImage(tmpDir, instanceID string, configJSON, routesJSON []byte) (string, error) {
	p := filepath.Join(tmpDir, instanceID+"-config.img")
	return p, os.WriteFile(p, configJSON, 0o600)
}

// fakeVMM substitutes vmmdriver.Launch with an httptest-style server
// bound to the requested unix socket, standing in for a real
// Firecracker process. It answers every control-API call with 204 and,
// for /snapshot/create, actually writes the requested vmstate/mem files
// so the snapshot engine has something real to compress.
type fakeVMM struct {
	t *testing.T

	mu    sync.Mutex
	calls []string
}

func (f *fakeVMM) Launch(spec vmmdriver.LaunchSpec, jailDir string, logWriter *os.File) (*vmmdriver.Handle, error) {
	_ = os.Remove(spec.SocketPath)
	l, err := net.Listen("unix", spec.SocketPath)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls = append(f.calls, r.Method+" "+r.URL.Path)
		f.mu.Unlock()

		if r.URL.Path == "/snapshot/create" {
			var body struct {
				SnapshotPath string `json:"snapshot_path"`
				MemFilePath  string `json:"mem_file_path"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			_ = os.WriteFile(body.SnapshotPath, []byte("vmstate-bytes"), 0o600)
			_ = os.WriteFile(body.MemFilePath, []byte("mem-bytes"), 0o600)
		}
		w.WriteHeader(http.StatusNoContent)
	})}
	go srv.Serve(l)
	f.t.Cleanup(func() { _ = srv.Close() })

	return &vmmdriver.Handle{
		InstanceID: spec.InstanceID,
		SocketPath: spec.SocketPath,
		VsockPath:  spec.VsockPath,
	}, nil
}

func (f *fakeVMM) calledPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// testFixture wires a Lifecycle over a real storefs.Store/snapshot.Engine
// rooted at t.TempDir(), plus the three fakes above, and seeds one
// tenant and one pool with a built revision ready to start from.
type testFixture struct {
	lc      *Lifecycle
	store   *storefs.Store
	net     *fakeNet
	vmm     *fakeVMM
	tenant  domain.Tenant
	pool    domain.Pool
	revHash string
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	root := t.TempDir()
	store := storefs.New(root)

	tenant := domain.Tenant{
		TenantID: "acme",
		Network: domain.Network{
			TenantNetID: 1,
			IPv4Subnet:  "10.0.1.0/24",
			GatewayIP:   "10.0.1.1",
			BridgeName:  "br-acme",
		},
		Quotas: domain.Quotas{
			MaxVCPUs:            64,
			MaxMemMiB:           65536,
			MaxRunning:          8,
			MaxWarm:             8,
			MaxPools:            8,
			MaxInstancesPerPool: 8,
			MaxDiskGiB:          64,
		},
	}
	if err := store.SaveTenant(&tenant); err != nil {
		t.Fatal(err)
	}

	pool := domain.Pool{
		TenantID: "acme",
		PoolID:   "workers",
		Role:     domain.RoleWorker,
		Profile:  "default",
		InstanceResources: domain.InstanceResources{
			VCPUs:       1,
			MemMiB:      128,
			DataDiskMiB: 64,
		},
		SnapshotCompression: domain.CompressionNone,
	}
	pool.RuntimePolicy.ApplyDefaults()

	rev := domain.Revision{
		TenantID:     "acme",
		PoolID:       "workers",
		RevisionHash: "deadbeef",
		VmlinuxPath:  "/fixtures/vmlinux",
		RootfsPath:   "/fixtures/rootfs.ext4",
	}
	if err := store.SaveRevision(&rev); err != nil {
		t.Fatal(err)
	}
	pool.CurrentRevisionHash = rev.RevisionHash
	if err := store.SavePool(&pool); err != nil {
		t.Fatal(err)
	}

	n := &fakeNet{}
	vmm := &fakeVMM{t: t}
	deps := Deps{
		Store:         store,
		Net:           n,
		Disk:          fakeDisk{},
		VMM:           vmm,
		VMMConfig:     vmmdriver.Config{BootTimeout: 2 * time.Second, ProductionMode: false},
		Snapshots:     snapshot.New(store),
		CgroupRoot:    "",
		RuntimeTmpDir: t.TempDir(),
	}

	return &testFixture{
		lc:      New(deps),
		store:   store,
		net:     n,
		vmm:     vmm,
		tenant:  tenant,
		pool:    pool,
		revHash: rev.RevisionHash,
	}
}

func (f *testFixture) backdate(t *testing.T, instanceID string, runningAgo, warmAgo time.Duration) {
	t.Helper()
	inst, err := f.store.LoadInstance(f.tenant.TenantID, f.pool.PoolID, instanceID)
	if err != nil {
		t.Fatal(err)
	}
	if runningAgo > 0 {
		ts := time.Now().UTC().Add(-runningAgo)
		inst.EnteredRunningAt = &ts
	}
	if warmAgo > 0 {
		ts := time.Now().UTC().Add(-warmAgo)
		inst.EnteredWarmAt = &ts
	}
	if err := f.store.SaveInstance(inst); err != nil {
		t.Fatal(err)
	}
}

func TestCreateAllocatesOffsetAndWritesCreatedInstance(t *testing.T) {
	f := newFixture(t)
	inst, err := f.lc.Create(f.tenant.TenantID, f.pool.PoolID, "", "op-1", ReasonManual)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Status != domain.StatusCreated {
		t.Fatalf("status = %s, want Created", inst.Status)
	}
	if inst.Net.IPOffset != 3 {
		t.Fatalf("first instance should take offset 3, got %d", inst.Net.IPOffset)
	}
	if inst.Net.GuestIP != "10.0.1.3" {
		t.Fatalf("guest ip = %s", inst.Net.GuestIP)
	}

	second, err := f.lc.Create(f.tenant.TenantID, f.pool.PoolID, "", "op-1", ReasonManual)
	if err != nil {
		t.Fatal(err)
	}
	if second.Net.IPOffset != 4 {
		t.Fatalf("second instance should take offset 4, got %d", second.Net.IPOffset)
	}
}

func TestCreateRejectsWhenInstancesPerPoolQuotaExceeded(t *testing.T) {
	f := newFixture(t)
	f.tenant.Quotas.MaxInstancesPerPool = 1
	if err := f.store.SaveTenant(&f.tenant); err != nil {
		t.Fatal(err)
	}

	if _, err := f.lc.Create(f.tenant.TenantID, f.pool.PoolID, "", "op-1", ReasonManual); err != nil {
		t.Fatal(err)
	}
	_, err := f.lc.Create(f.tenant.TenantID, f.pool.PoolID, "", "op-1", ReasonManual)
	if err == nil {
		t.Fatal("expected the second create to be quota-rejected")
	}
	if !ferr.Of(err, ferr.KindQuotaExceeded) {
		t.Fatalf("expected a quota error, got %v", err)
	}
}

func TestReadyAdvancesCreatedToReady(t *testing.T) {
	f := newFixture(t)
	inst, err := f.lc.Create(f.tenant.TenantID, f.pool.PoolID, "", "op-1", ReasonManual)
	if err != nil {
		t.Fatal(err)
	}
	updated, err := f.lc.Ready(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID, f.revHash, "builder", ReasonReconcile)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != domain.StatusReady {
		t.Fatalf("status = %s, want Ready", updated.Status)
	}
	if updated.RevisionHash != f.revHash {
		t.Fatalf("revision hash not recorded")
	}

	if _, err := f.lc.Ready(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID, f.revHash, "builder", ReasonReconcile); err == nil {
		t.Fatal("expected a second ready call (Ready -> Ready) to fail: build_complete only fires from Created")
	}
}

// createReady is a small helper chaining Create+Ready, used by every
// test further down the state machine.
func createReady(t *testing.T, f *testFixture) *domain.Instance {
	t.Helper()
	inst, err := f.lc.Create(f.tenant.TenantID, f.pool.PoolID, "", "op-1", ReasonManual)
	if err != nil {
		t.Fatal(err)
	}
	inst, err = f.lc.Ready(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID, f.revHash, "builder", ReasonReconcile)
	if err != nil {
		t.Fatal(err)
	}
	return inst
}

func TestStartComposesNetworkAndVMMInOrderAndReachesRunning(t *testing.T) {
	f := newFixture(t)
	inst := createReady(t, f)

	started, err := f.lc.Start(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID, "op-1", ReasonManual)
	if err != nil {
		t.Fatal(err)
	}
	if started.Status != domain.StatusRunning {
		t.Fatalf("status = %s, want Running", started.Status)
	}
	if started.EnteredRunningAt == nil {
		t.Fatal("entered_running_at must be set")
	}
	if len(f.net.bridges) != 1 || len(f.net.tapsUp) != 1 {
		t.Fatalf("expected one bridge+tap setup, got %v %v", f.net.bridges, f.net.tapsUp)
	}

	calls := f.vmm.calledPaths()
	wantLast := "PUT /actions"
	if len(calls) == 0 || calls[len(calls)-1] != wantLast {
		t.Fatalf("expected ApplyConfig to end with %s, got %v", wantLast, calls)
	}
}

func TestStartRejectsWhenRunningQuotaExceeded(t *testing.T) {
	f := newFixture(t)
	f.tenant.Quotas.MaxRunning = 0
	if err := f.store.SaveTenant(&f.tenant); err != nil {
		t.Fatal(err)
	}
	inst := createReady(t, f)

	_, err := f.lc.Start(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID, "op-1", ReasonManual)
	if err == nil {
		t.Fatal("expected start to be quota-rejected")
	}
	if !ferr.Of(err, ferr.KindQuotaExceeded) {
		t.Fatalf("expected a quota error, got %v", err)
	}
	if len(f.net.bridges) != 0 {
		t.Fatal("quota rejection must short-circuit before any network setup")
	}
}

func TestWarmDefersUntilMinRunningSecsElapsed(t *testing.T) {
	f := newFixture(t)
	inst := createReady(t, f)
	if _, err := f.lc.Start(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID, "op-1", ReasonManual); err != nil {
		t.Fatal(err)
	}

	_, err := f.lc.Warm(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID, "policy", ReasonSleepPolicy)
	if err == nil {
		t.Fatal("expected warm to be deferred, min_running_secs has not elapsed")
	}
	if !ferr.Of(err, ferr.KindInvalidTransition) {
		t.Fatalf("unexpected error kind: %v", err)
	}
}

func TestWarmManualBypassesEligibilityGuard(t *testing.T) {
	f := newFixture(t)
	inst := createReady(t, f)
	if _, err := f.lc.Start(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID, "op-1", ReasonManual); err != nil {
		t.Fatal(err)
	}

	warmed, err := f.lc.Warm(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID, "operator", ReasonManual)
	if err != nil {
		t.Fatalf("manual warm should bypass min_running_secs: %v", err)
	}
	if warmed.Status != domain.StatusWarm {
		t.Fatalf("status = %s, want Warm", warmed.Status)
	}
	if warmed.EnteredWarmAt == nil {
		t.Fatal("entered_warm_at must be set")
	}
}

func TestWarmSucceedsOnceEligibleAfterBackdating(t *testing.T) {
	f := newFixture(t)
	inst := createReady(t, f)
	if _, err := f.lc.Start(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID, "op-1", ReasonManual); err != nil {
		t.Fatal(err)
	}
	f.backdate(t, inst.InstanceID, 90*time.Second, 0)

	warmed, err := f.lc.Warm(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID, "policy", ReasonSleepPolicy)
	if err != nil {
		t.Fatal(err)
	}
	if warmed.Status != domain.StatusWarm {
		t.Fatalf("status = %s, want Warm", warmed.Status)
	}
}

func TestSleepForcedSkipsGuestChannelAndWritesDelta(t *testing.T) {
	f := newFixture(t)
	inst := createReady(t, f)
	if _, err := f.lc.Start(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID, "op-1", ReasonManual); err != nil {
		t.Fatal(err)
	}
	if _, err := f.lc.Warm(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID, "op-1", ReasonManual); err != nil {
		t.Fatal(err)
	}

	slept, err := f.lc.Sleep(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID, true, "op-1", ReasonManual)
	if err != nil {
		t.Fatal(err)
	}
	if slept.Status != domain.StatusSleeping {
		t.Fatalf("status = %s, want Sleeping", slept.Status)
	}
	if slept.FirecrackerPID != 0 {
		t.Fatal("firecracker_pid must be cleared once the process is torn down")
	}
	if _, ok := f.lc.handles.get(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID); ok {
		t.Fatal("the in-process handle must be dropped once the VMM is killed")
	}

	deltaMeta := f.store.InstanceDeltaSnapshotDir(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID) + "/meta.json"
	if !storefs.Exists(deltaMeta) {
		t.Fatal("sleep must persist a delta snapshot")
	}
}

func TestWakeResumesFromWarmWithoutRelaunching(t *testing.T) {
	f := newFixture(t)
	inst := createReady(t, f)
	if _, err := f.lc.Start(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID, "op-1", ReasonManual); err != nil {
		t.Fatal(err)
	}
	if _, err := f.lc.Warm(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID, "op-1", ReasonManual); err != nil {
		t.Fatal(err)
	}

	before := len(f.vmm.calledPaths())
	woken, err := f.lc.Wake(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID, "op-1", ReasonWakeOnDemand)
	if err != nil {
		t.Fatal(err)
	}
	if woken.Status != domain.StatusRunning {
		t.Fatalf("status = %s, want Running", woken.Status)
	}
	after := f.vmm.calledPaths()
	if len(after) != before+1 || after[len(after)-1] != "PATCH /vm" {
		t.Fatalf("resume should issue exactly one PATCH /vm, got %v", after[before:])
	}
}

func TestWakeColdRestoresFromSleepingAndRelaunches(t *testing.T) {
	f := newFixture(t)
	inst := createReady(t, f)
	if _, err := f.lc.Start(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID, "op-1", ReasonManual); err != nil {
		t.Fatal(err)
	}
	if _, err := f.lc.Warm(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID, "op-1", ReasonManual); err != nil {
		t.Fatal(err)
	}
	if _, err := f.lc.Sleep(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID, true, "op-1", ReasonManual); err != nil {
		t.Fatal(err)
	}

	// The engine's Restore requires a pool base snapshot to exist; seed
	// one directly, as a pool build would have via CreateBase.
	if err := f.lc.deps.Snapshots.CreateBase(f.tenant.TenantID, f.pool.PoolID,
		mustWriteTemp(t, "base-vmstate"), mustWriteTemp(t, "base-mem"),
		domain.SnapshotMeta{RevisionHash: f.revHash}); err != nil {
		t.Fatal(err)
	}

	woken, err := f.lc.Wake(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID, "op-1", ReasonWakeOnDemand)
	if err != nil {
		t.Fatal(err)
	}
	if woken.Status != domain.StatusRunning {
		t.Fatalf("status = %s, want Running", woken.Status)
	}
	if woken.EnteredWarmAt != nil {
		t.Fatal("entered_warm_at must be cleared")
	}

	calls := f.vmm.calledPaths()
	if calls[len(calls)-1] != "PUT /snapshot/load" {
		t.Fatalf("cold wake must end with snapshot/load, got %v", calls)
	}
	if _, ok := f.lc.handles.get(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID); !ok {
		t.Fatal("cold wake must track the freshly relaunched handle")
	}
}

func mustWriteTemp(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestStopTearsDownTAPAndClearsTimestamps(t *testing.T) {
	f := newFixture(t)
	inst := createReady(t, f)
	if _, err := f.lc.Start(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID, "op-1", ReasonManual); err != nil {
		t.Fatal(err)
	}

	stopped, err := f.lc.Stop(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID, true, "op-1", ReasonManual)
	if err != nil {
		t.Fatal(err)
	}
	if stopped.Status != domain.StatusStopped {
		t.Fatalf("status = %s, want Stopped", stopped.Status)
	}
	if stopped.EnteredRunningAt != nil || stopped.EnteredWarmAt != nil {
		t.Fatal("both runtime timestamps must be cleared")
	}
	if len(f.net.tapsDown) != 1 {
		t.Fatalf("expected exactly one TAP teardown, got %v", f.net.tapsDown)
	}

	// Already-Stopped is a no-op, not an error.
	again, err := f.lc.Stop(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID, false, "op-1", ReasonManual)
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != domain.StatusStopped {
		t.Fatal("stopping an already-Stopped instance must stay Stopped")
	}
}

func TestStopDefersUntilMinRunningSecsElapsedUnlessForced(t *testing.T) {
	f := newFixture(t)
	inst := createReady(t, f)
	if _, err := f.lc.Start(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID, "op-1", ReasonManual); err != nil {
		t.Fatal(err)
	}

	_, err := f.lc.Stop(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID, false, "policy", ReasonSleepPolicy)
	if err == nil {
		t.Fatal("expected stop to be deferred")
	}
	if !ferr.Of(err, ferr.KindInvalidTransition) {
		t.Fatalf("unexpected error kind: %v", err)
	}

	if _, err := f.lc.Stop(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID, true, "op-1", ReasonManual); err != nil {
		t.Fatalf("forced stop must succeed regardless of elapsed time: %v", err)
	}
}

func TestDestroyRemovesTheInstanceDirectory(t *testing.T) {
	f := newFixture(t)
	inst := createReady(t, f)
	if _, err := f.lc.Start(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID, "op-1", ReasonManual); err != nil {
		t.Fatal(err)
	}

	if err := f.lc.Destroy(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID, true, "op-1", ReasonManual); err != nil {
		t.Fatal(err)
	}
	if storefs.Exists(f.store.InstanceFile(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID)) {
		t.Fatal("instance.json must be gone after destroy")
	}
	if len(f.net.tapsDown) != 1 {
		t.Fatal("destroy must have stopped the instance first, tearing down its TAP")
	}
}

func TestStatsReadsBackWithoutMutatingAnything(t *testing.T) {
	f := newFixture(t)
	inst := createReady(t, f)
	started, err := f.lc.Start(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID, "op-1", ReasonManual)
	if err != nil {
		t.Fatal(err)
	}

	stats, err := f.lc.Stats(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Status != string(domain.StatusRunning) {
		t.Fatalf("status = %s, want Running", stats.Status)
	}
	if stats.GuestIP != started.Net.GuestIP {
		t.Fatalf("guest ip mismatch: %s vs %s", stats.GuestIP, started.Net.GuestIP)
	}

	reread, err := f.store.LoadInstance(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID)
	if err != nil {
		t.Fatal(err)
	}
	if reread.UpdatedAt != started.UpdatedAt {
		t.Fatal("stats must be read-only: it must not touch updated_at")
	}
}

func TestSSHRefusedInProductionMode(t *testing.T) {
	f := newFixture(t)
	f.lc.deps.VMMConfig.ProductionMode = true
	inst := createReady(t, f)

	err := f.lc.SSH(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID, "ssh", "/dev/null")
	if err == nil || !ferr.Of(err, ferr.KindAuth) {
		t.Fatalf("expected an auth refusal in production mode, got %v", err)
	}
}

func TestSSHRequiresRunningInstance(t *testing.T) {
	f := newFixture(t)
	inst := createReady(t, f)
	err := f.lc.SSH(f.tenant.TenantID, f.pool.PoolID, inst.InstanceID, "ssh", "/dev/null")
	if err == nil || !ferr.Of(err, ferr.KindInvalidTransition) {
		t.Fatalf("expected ssh to refuse a non-Running instance, got %v", err)
	}
}

// sanity check that the statemachine package used throughout this file
// agrees with the public Reason taxonomy on string values audit relies
// on (no silent drift between the two packages' enums).
func TestReasonValuesMatchAuditTaxonomy(t *testing.T) {
	for _, r := range []Reason{ReasonManual, ReasonReconcile, ReasonSleepPolicy, ReasonWakeOnDemand} {
		if string(r) == "" {
			t.Fatalf("reason %v must not be empty", r)
		}
	}
	if statemachine.TriggerSleep != "sleep" {
		t.Fatal("trigger taxonomy drifted")
	}
}
