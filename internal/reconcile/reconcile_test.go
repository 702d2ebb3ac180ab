package reconcile

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
	"github.com/fleetforge/fleetd/internal/lifecycle"
	"github.com/fleetforge/fleetd/internal/snapshot"
	"github.com/fleetforge/fleetd/internal/storefs"
	"github.com/fleetforge/fleetd/internal/vmmdriver"
)

// fakeNet/fakeDisk/fakeVMM mirror internal/lifecycle's test fakes so
// Run exercises the real lifecycle.Lifecycle end to end without
// shelling out to ip(8)/mkfs.ext4/a real firecracker binary.

type fakeNet struct {
	mu      sync.Mutex
	bridges []string
}

func (f *fakeNet) EnsureTenantBridge(n domain.Network) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bridges = append(f.bridges, n.BridgeName)
	return nil
}

func (f *fakeNet) SetupTAP(tapName, mac, bridge string) error { return nil }
func (f *fakeNet) TeardownTAP(tapName string)                  {}

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

type fakeVMM struct {
	t *testing.T
}

func (f *fakeVMM) Launch(spec vmmdriver.LaunchSpec, jailDir string, logWriter *os.File) (*vmmdriver.Handle, error) {
	_ = os.Remove(spec.SocketPath)
	l, err := net.Listen("unix", spec.SocketPath)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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

// fixture wires a real lifecycle.Lifecycle and storefs.Store behind a
// Reconciler, with one tenant/pool already seeded at a built revision
// so scalePool never blocks on an empty current_revision_hash.
type fixture struct {
	r     *Reconciler
	store *storefs.Store
	net   *fakeNet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storefs.New(t.TempDir())

	n := &fakeNet{}
	lc := lifecycle.New(lifecycle.Deps{
		Store:         store,
		Net:           n,
		Disk:          fakeDisk{},
		VMM:           &fakeVMM{t: t},
		VMMConfig:     vmmdriver.Config{BootTimeout: 2 * time.Second, ProductionMode: false},
		Snapshots:     snapshot.New(store),
		RuntimeTmpDir: t.TempDir(),
	})

	return &fixture{r: New(lc, store, n, ""), store: store, net: n}
}

func desiredOneTenantOnePool(running, warm, sleeping uint32) domain.DesiredState {
	return domain.DesiredState{
		SchemaVersion: 1,
		NodeID:        "node-1",
		Tenants: []domain.DesiredTenant{{
			TenantID: "acme",
			Network: &domain.Network{
				TenantNetID: 1,
				IPv4Subnet:  "10.0.1.0/24",
				GatewayIP:   "10.0.1.1",
				BridgeName:  "br-acme",
			},
			Quotas: domain.Quotas{
				MaxVCPUs: 64, MaxMemMiB: 65536, MaxRunning: 16, MaxWarm: 16,
				MaxPools: 8, MaxInstancesPerPool: 16, MaxDiskGiB: 64,
			},
			Pools: []domain.DesiredPool{{
				PoolID:   "workers",
				Role:     domain.RoleWorker,
				FlakeRef: "github:acme/flake#worker",
				Profile:  "default",
				InstanceResources: domain.InstanceResources{
					VCPUs: 1, MemMiB: 128, DataDiskMiB: 64,
				},
				DesiredCounts: domain.DesiredCounts{Running: running, Warm: warm, Sleeping: sleeping},
			}},
		}},
	}
}

// seedRevision gives the pool a current_revision_hash so scalePool
// doesn't skip it (spec §4.11 step 3c's "skip if no built revision").
func (f *fixture) seedRevision(t *testing.T) {
	t.Helper()
	if err := f.store.SaveRevision(&domain.Revision{
		TenantID: "acme", PoolID: "workers", RevisionHash: "deadbeef",
		VmlinuxPath: "/fixtures/vmlinux", RootfsPath: "/fixtures/rootfs.ext4",
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.store.SetCurrentRevision("acme", "workers", "deadbeef"); err != nil {
		t.Fatal(err)
	}
}

func TestValidateRejectsUnsupportedSchemaVersion(t *testing.T) {
	ds := desiredOneTenantOnePool(1, 0, 0)
	ds.SchemaVersion = 2
	if err := Validate(ds); !ferr.Of(err, ferr.KindConfigInvalid) {
		t.Fatalf("expected a config-invalid error, got %v", err)
	}
}

func TestValidateRejectsDuplicateTenant(t *testing.T) {
	ds := desiredOneTenantOnePool(1, 0, 0)
	ds.Tenants = append(ds.Tenants, ds.Tenants[0])
	if err := Validate(ds); !ferr.Of(err, ferr.KindConfigInvalid) {
		t.Fatalf("expected a config-invalid error for duplicate tenant, got %v", err)
	}
}

func TestValidateRejectsDesiredCountsOverCap(t *testing.T) {
	ds := desiredOneTenantOnePool(101, 0, 0)
	if err := Validate(ds); !ferr.Of(err, ferr.KindConfigInvalid) {
		t.Fatalf("expected a config-invalid error for over-cap counts, got %v", err)
	}
}

func TestValidateRejectsMalformedSubnet(t *testing.T) {
	ds := desiredOneTenantOnePool(1, 0, 0)
	ds.Tenants[0].Network.IPv4Subnet = "not-a-cidr"
	if err := Validate(ds); !ferr.Of(err, ferr.KindConfigInvalid) {
		t.Fatalf("expected a config-invalid error for malformed subnet, got %v", err)
	}
}

func TestRunScalesUpToDesiredRunningAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedRevision(t)
	ds := desiredOneTenantOnePool(2, 0, 0)

	report, err := f.r.Run(ds, "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Created != 2 || report.Started != 2 {
		t.Fatalf("expected 2 created + 2 started, got %+v", report)
	}
	if len(report.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", report.Errors)
	}
	if len(f.net.bridges) == 0 {
		t.Fatal("expected the tenant bridge to be ensured")
	}

	ids, err := f.store.ListInstances("acme", "workers")
	if err != nil {
		t.Fatal(err)
	}
	running := 0
	for _, id := range ids {
		inst, err := f.store.LoadInstance("acme", "workers", id)
		if err != nil {
			t.Fatal(err)
		}
		if inst.Status == domain.StatusRunning {
			running++
		}
	}
	if running != 2 {
		t.Fatalf("expected 2 running instances on disk, got %d", running)
	}

	second, err := f.r.Run(ds, "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if second.Created != 0 || second.Started != 0 || second.Stopped != 0 {
		t.Fatalf("second pass against an unchanged desired state must be a no-op, got %+v", second)
	}
}

func TestRunScalesDownStopsNewestFirst(t *testing.T) {
	f := newFixture(t)
	f.seedRevision(t)

	if _, err := f.r.Run(desiredOneTenantOnePool(3, 0, 0), "op-1"); err != nil {
		t.Fatal(err)
	}

	report, err := f.r.Run(desiredOneTenantOnePool(1, 0, 0), "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Stopped != 2 {
		t.Fatalf("expected 2 instances stopped, got %+v", report)
	}

	ids, err := f.store.ListInstances("acme", "workers")
	if err != nil {
		t.Fatal(err)
	}
	running, stopped := 0, 0
	for _, id := range ids {
		inst, err := f.store.LoadInstance("acme", "workers", id)
		if err != nil {
			t.Fatal(err)
		}
		switch inst.Status {
		case domain.StatusRunning:
			running++
		case domain.StatusStopped:
			stopped++
		}
	}
	if running != 1 || stopped != 2 {
		t.Fatalf("expected 1 running + 2 stopped, got running=%d stopped=%d", running, stopped)
	}
}

func TestRunSkipsPoolWithNoRevision(t *testing.T) {
	f := newFixture(t)
	ds := desiredOneTenantOnePool(2, 0, 0)

	report, err := f.r.Run(ds, "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Created != 0 || report.Started != 0 {
		t.Fatalf("expected no scaling activity without a built revision, got %+v", report)
	}

	pool, err := f.store.LoadPool("acme", "workers")
	if err != nil {
		t.Fatal(err)
	}
	if pool.TenantID != "acme" {
		t.Fatal("pool should still have been written by ensurePool")
	}
}

func TestRunPrunesPoolAbsentFromDesiredState(t *testing.T) {
	f := newFixture(t)
	f.seedRevision(t)

	if _, err := f.r.Run(desiredOneTenantOnePool(1, 0, 0), "op-1"); err != nil {
		t.Fatal(err)
	}

	empty := domain.DesiredState{
		SchemaVersion:      1,
		NodeID:             "node-1",
		PruneUnknownPools:  true,
		Tenants: []domain.DesiredTenant{{
			TenantID: "acme",
			Network: &domain.Network{
				TenantNetID: 1, IPv4Subnet: "10.0.1.0/24", GatewayIP: "10.0.1.1", BridgeName: "br-acme",
			},
		}},
	}

	report, err := f.r.Run(empty, "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Destroyed != 1 {
		t.Fatalf("expected the one running instance to be destroyed during pool prune, got %+v", report)
	}

	if _, err := f.store.LoadPool("acme", "workers"); err == nil {
		t.Fatal("expected the pruned pool directory to be gone")
	}
}

func TestRunPrunesTenantAbsentFromDesiredState(t *testing.T) {
	f := newFixture(t)
	f.seedRevision(t)
	if _, err := f.r.Run(desiredOneTenantOnePool(1, 0, 0), "op-1"); err != nil {
		t.Fatal(err)
	}

	empty := domain.DesiredState{
		SchemaVersion:        1,
		NodeID:               "node-1",
		PruneUnknownPools:    true,
		PruneUnknownTenants:  true,
	}

	if _, err := f.r.Run(empty, "op-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.LoadTenant("acme"); err == nil {
		t.Fatal("expected the pruned tenant directory to be gone")
	}
}

func TestRunDoesNotTouchManualOverrideInstances(t *testing.T) {
	f := newFixture(t)
	f.seedRevision(t)
	if _, err := f.r.Run(desiredOneTenantOnePool(1, 0, 0), "op-1"); err != nil {
		t.Fatal(err)
	}

	ids, err := f.store.ListInstances("acme", "workers")
	if err != nil {
		t.Fatal(err)
	}
	inst, err := f.store.LoadInstance("acme", "workers", ids[0])
	if err != nil {
		t.Fatal(err)
	}
	until := time.Now().UTC().Add(time.Hour)
	inst.ManualOverrideUntil = &until
	if err := f.store.SaveInstance(inst); err != nil {
		t.Fatal(err)
	}

	// Desired running drops to 0; without the override this instance
	// would be stopped. With it, reconcile must treat the pool as empty
	// and try to scale a replacement down to zero running elsewhere,
	// never touching the overridden instance itself.
	report, err := f.r.Run(desiredOneTenantOnePool(0, 0, 0), "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Stopped != 0 {
		t.Fatalf("expected the manually-overridden instance to be left alone, got %+v", report)
	}

	fresh, err := f.store.LoadInstance("acme", "workers", ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Status != domain.StatusRunning {
		t.Fatalf("status = %s, want Running (untouched)", fresh.Status)
	}
}

func TestMaintenanceStopsInstanceWithDeadPID(t *testing.T) {
	f := newFixture(t)
	f.seedRevision(t)
	if _, err := f.r.Run(desiredOneTenantOnePool(1, 0, 0), "op-1"); err != nil {
		t.Fatal(err)
	}

	ids, err := f.store.ListInstances("acme", "workers")
	if err != nil {
		t.Fatal(err)
	}
	inst, err := f.store.LoadInstance("acme", "workers", ids[0])
	if err != nil {
		t.Fatal(err)
	}
	// A PID that cannot possibly be alive in this process's namespace.
	inst.FirecrackerPID = 1 << 30
	if err := f.store.SaveInstance(inst); err != nil {
		t.Fatal(err)
	}

	// Desired running 0, so the scale phase of the same Run does not
	// start the instance again after maintenance stops it.
	report, err := f.r.Run(desiredOneTenantOnePool(0, 0, 0), "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Stopped < 1 {
		t.Fatalf("expected maintenance to mark the dead-PID instance stopped, got %+v", report)
	}

	fresh, err := f.store.LoadInstance("acme", "workers", ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Status != domain.StatusStopped {
		t.Fatalf("status = %s, want Stopped after stale-PID detection", fresh.Status)
	}
}
