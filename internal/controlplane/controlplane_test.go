package controlplane

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/fleetforge/fleetd/internal/lifecycle"
	"github.com/fleetforge/fleetd/internal/reconcile"
	"github.com/fleetforge/fleetd/internal/snapshot"
	"github.com/fleetforge/fleetd/internal/storefs"
	"github.com/fleetforge/fleetd/internal/vmmdriver"
)

// fakeNet/fakeDisk/fakeVMM mirror internal/reconcile's test fakes so a
// dispatch() exercises the real lifecycle.Lifecycle + storefs.Store
// stack instead of mocking the handlers themselves.

type fakeNet struct{ mu sync.Mutex }

func (f *fakeNet) EnsureTenantBridge(n domain.Network) error { return nil }
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

type fakeVMM struct{ t *testing.T }

func (f *fakeVMM) Launch(spec vmmdriver.LaunchSpec, jailDir string, logWriter *os.File) (*vmmdriver.Handle, error) {
	_ = os.Remove(spec.SocketPath)
	l, err := net.Listen("unix", spec.SocketPath)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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

// fixture wires a real reconcile.Reconciler (and therefore a real
// lifecycle.Lifecycle + storefs.Store) behind a Server. It starts with
// an empty store; tests that need a running instance for NodeStats/
// TenantList/InstanceList/WakeInstance call seedRevision and dispatch
// a Reconcile of desiredOneInstance first.
type fixture struct {
	srv   *Server
	store *storefs.Store
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := storefs.New(t.TempDir())

	lc := lifecycle.New(lifecycle.Deps{
		Store:         store,
		Net:           &fakeNet{},
		Disk:          fakeDisk{},
		VMM:           &fakeVMM{t: t},
		VMMConfig:     vmmdriver.Config{BootTimeout: 2 * time.Second, ProductionMode: false},
		Snapshots:     snapshot.New(store),
		RuntimeTmpDir: t.TempDir(),
	})
	r := reconcile.New(lc, store, &fakeNet{}, "")

	srv := New(cfg, r, store, nil, nil)
	return &fixture{srv: srv, store: store}
}

func desiredOneInstance() domain.DesiredState {
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
				DesiredCounts: domain.DesiredCounts{Running: 1},
			}},
		}},
	}
}

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

func envelope(t *testing.T, typ RequestType, body any) []byte {
	t.Helper()
	var raw json.RawMessage
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		raw = b
	}
	b, err := json.Marshal(Envelope{Type: typ, Body: raw})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestFrameRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, map[string]string{"hello": "world"}); err != nil {
		t.Fatal(err)
	}
	got, err := readFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]string
	if err := json.Unmarshal(got, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["hello"] != "world" {
		t.Fatalf("unexpected round trip: %+v", decoded)
	}
}

func TestReadFrameRejectsOversizedDeclaredLength(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	lenBuf[0] = 0xFF // declares a length far past maxFrameBytes
	buf.Write(lenBuf[:])
	if _, err := readFrame(&buf); err == nil {
		t.Fatal("expected an error for an oversized declared frame length")
	}
}

func TestDecodeStrictRejectsUnknownFields(t *testing.T) {
	var ds domain.DesiredState
	err := decodeStrict([]byte(`{"schema_version":1,"node_id":"n","bogus_field":true}`), &ds)
	if err == nil {
		t.Fatal("expected decodeStrict to reject an unknown field")
	}
}

func TestTrustedKeysVerifySucceedsAndFailsClosed(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "operator.key"), []byte(base64.StdEncoding.EncodeToString(pub)), 0o600); err != nil {
		t.Fatal(err)
	}
	tk, err := LoadTrustedKeys(dir)
	if err != nil {
		t.Fatal(err)
	}

	msg := []byte("the-message")
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, msg))
	if !tk.Verify(msg, sig) {
		t.Fatal("expected a genuine signature to verify")
	}
	if tk.Verify([]byte("a-different-message"), sig) {
		t.Fatal("signature must not verify against a different message")
	}

	empty, err := LoadTrustedKeys(filepath.Join(dir, "does-not-exist"))
	if err != nil {
		t.Fatal(err)
	}
	if empty.Verify(msg, sig) {
		t.Fatal("an empty trusted-keys set must fail closed")
	}
}

func TestDispatchNodeInfoReportsCapabilities(t *testing.T) {
	f := newFixture(t, Config{NodeID: "node-1"})
	resp := f.srv.dispatch(envelope(t, ReqNodeInfo, nil))
	if !resp.OK {
		t.Fatalf("expected ok, got error: %+v", resp.Error)
	}
	var info NodeInfoResponse
	if err := json.Unmarshal(resp.Body, &info); err != nil {
		t.Fatal(err)
	}
	if info.NodeID != "node-1" {
		t.Fatalf("unexpected node id: %+v", info)
	}
}

func TestDispatchUnknownRequestTypeIsRejected(t *testing.T) {
	f := newFixture(t, Config{})
	resp := f.srv.dispatch(envelope(t, RequestType("Nonsense"), nil))
	if resp.OK {
		t.Fatal("expected an unknown request type to be rejected")
	}
	if resp.Error.Kind != "ConfigInvalid" {
		t.Fatalf("unexpected error kind: %+v", resp.Error)
	}
}

func TestDispatchReconcileIsRefusedInProduction(t *testing.T) {
	f := newFixture(t, Config{Production: true})
	resp := f.srv.dispatch(envelope(t, ReqReconcile, desiredOneInstance()))
	if resp.OK {
		t.Fatal("expected plain Reconcile to be refused in production mode")
	}
	if resp.Error.Kind != "Auth" {
		t.Fatalf("unexpected error kind: %+v", resp.Error)
	}
}

func TestDispatchReconcileCreatesInstanceAndIsReflectedInNodeStats(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedRevision(t)

	resp := f.srv.dispatch(envelope(t, ReqReconcile, desiredOneInstance()))
	if !resp.OK {
		t.Fatalf("expected ok, got error: %+v", resp.Error)
	}

	resp = f.srv.dispatch(envelope(t, ReqNodeStats, nil))
	if !resp.OK {
		t.Fatalf("expected ok, got error: %+v", resp.Error)
	}
	var stats NodeStatsResponse
	if err := json.Unmarshal(resp.Body, &stats); err != nil {
		t.Fatal(err)
	}
	if len(stats.ByStatus) == 0 {
		t.Fatalf("expected NodeStats to report at least one instance, got %+v", stats)
	}
}

func TestDispatchTenantListAndInstanceList(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedRevision(t)
	if resp := f.srv.dispatch(envelope(t, ReqReconcile, desiredOneInstance())); !resp.OK {
		t.Fatalf("seed reconcile failed: %+v", resp.Error)
	}

	resp := f.srv.dispatch(envelope(t, ReqTenantList, nil))
	if !resp.OK {
		t.Fatalf("expected ok, got error: %+v", resp.Error)
	}
	var tenants []*domain.Tenant
	if err := json.Unmarshal(resp.Body, &tenants); err != nil {
		t.Fatal(err)
	}
	if len(tenants) != 1 || tenants[0].TenantID != "acme" {
		t.Fatalf("unexpected tenant list: %+v", tenants)
	}

	resp = f.srv.dispatch(envelope(t, ReqInstanceList, InstanceListBody{TenantID: "acme"}))
	if !resp.OK {
		t.Fatalf("expected ok, got error: %+v", resp.Error)
	}
	var instances []*domain.Instance
	if err := json.Unmarshal(resp.Body, &instances); err != nil {
		t.Fatal(err)
	}
	if len(instances) == 0 {
		t.Fatal("expected at least one instance after reconcile")
	}
}

func TestDispatchInstanceListRequiresTenant(t *testing.T) {
	f := newFixture(t, Config{})
	resp := f.srv.dispatch(envelope(t, ReqInstanceList, InstanceListBody{}))
	if resp.OK {
		t.Fatal("expected InstanceList without a tenant to be rejected")
	}
}

func TestDispatchWakeInstanceWakesASleepingInstance(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedRevision(t)
	if resp := f.srv.dispatch(envelope(t, ReqReconcile, desiredOneInstance())); !resp.OK {
		t.Fatalf("seed reconcile failed: %+v", resp.Error)
	}

	instanceIDs, err := f.store.ListInstances("acme", "workers")
	if err != nil || len(instanceIDs) == 0 {
		t.Fatalf("expected a seeded instance, got %v, err %v", instanceIDs, err)
	}
	instanceID := instanceIDs[0]

	if _, err := f.srv.reconciler.LC.Sleep("acme", "workers", instanceID, true, "test", lifecycle.ReasonManual); err != nil {
		t.Fatalf("sleeping the seeded instance: %v", err)
	}

	resp := f.srv.dispatch(envelope(t, ReqWakeInstance, WakeInstanceBody{
		TenantID: "acme", PoolID: "workers", InstanceID: instanceID,
	}))
	if !resp.OK {
		t.Fatalf("expected ok, got error: %+v", resp.Error)
	}
	var woke WakeInstanceResponse
	if err := json.Unmarshal(resp.Body, &woke); err != nil {
		t.Fatal(err)
	}
	if woke.Status != domain.StatusRunning && woke.Status != domain.StatusWarm {
		t.Fatalf("expected the instance to be woken toward running/warm, got %q", woke.Status)
	}
}

func TestLimiterForRejectsBurstBeyondConfiguredRate(t *testing.T) {
	f := newFixture(t, Config{RateLimitPerSec: 1})
	lim := f.srv.limiterFor("peer-a")
	if !lim.Allow() {
		t.Fatal("expected the first request within burst to be allowed")
	}
	if lim.Allow() {
		t.Fatal("expected a second immediate request to exceed a rate of 1/s")
	}
}

func TestStartRefusesProductionWithoutTLS(t *testing.T) {
	f := newFixture(t, Config{Production: true, ListenAddr: "127.0.0.1:0"})
	if err := f.srv.Start(); err == nil {
		t.Fatal("expected Start to refuse production mode without TLS credentials")
	}
}
