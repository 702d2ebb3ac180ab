package proxy

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fleetforge/fleetd/internal/domain"
)

var errWakeRefused = errors.New("wake refused")

// fakeNodeClient simulates one agent's control plane for WakeManager
// tests: wakeInstance flips the named instance to Running with a
// guest_ip pointed at an in-process echo listener, after an optional
// artificial delay, without any real framed-JSON socket.
type fakeNodeClient struct {
	mu        sync.Mutex
	instances []*domain.Instance
	wakeDelay time.Duration
	wakeCalls int32
	failWake  bool
}

func (f *fakeNodeClient) wakeInstance(tenantID, poolID, instanceID string, timeout time.Duration) error {
	atomic.AddInt32(&f.wakeCalls, 1)
	if f.failWake {
		return errWakeRefused
	}
	go func() {
		if f.wakeDelay > 0 {
			time.Sleep(f.wakeDelay)
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, inst := range f.instances {
			if inst.InstanceID == instanceID {
				inst.Status = domain.StatusRunning
			}
		}
	}()
	return nil
}

func (f *fakeNodeClient) instanceList(tenantID, poolID string, timeout time.Duration) ([]*domain.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.Instance, len(f.instances))
	copy(out, f.instances)
	return out, nil
}

// echoListener starts a TCP listener that accepts and immediately
// closes connections (enough for probeTCP's readiness check), and
// returns its address.
func echoListener(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = lis.Close() })
	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return lis.Addr().String()
}

func TestConfigValidateRejectsEmptyRoutes(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an empty route set to be rejected")
	}
}

func TestConfigValidateRejectsDuplicateListenAddrs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Nodes = []NodeConfig{{Name: "node-a", Addr: "127.0.0.1:4433"}}
	cfg.Routes = []RouteConfig{
		{TenantID: "acme", PoolID: "gateways", Listen: "0.0.0.0:8443", Node: "node-a"},
		{TenantID: "acme", PoolID: "other", Listen: "0.0.0.0:8443", Node: "node-a"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected a duplicate listen address to be rejected")
	}
}

func TestConfigValidateRejectsUnknownNode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Routes = []RouteConfig{
		{TenantID: "acme", PoolID: "gateways", Listen: "0.0.0.0:8443", Node: "ghost"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected a route referencing an unknown node to be rejected")
	}
}

func TestConfigValidateAcceptsAWellFormedConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Nodes = []NodeConfig{{Name: "node-a", Addr: "127.0.0.1:4433"}}
	cfg.Routes = []RouteConfig{
		{TenantID: "acme", PoolID: "gateways", Listen: "0.0.0.0:8443", Node: "node-a"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected a well-formed config to validate, got %v", err)
	}
}

func TestBuildRouteTableResolvesNodeAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Nodes = []NodeConfig{{Name: "node-a", Addr: "127.0.0.1:4433"}}
	cfg.Routes = []RouteConfig{
		{TenantID: "acme", PoolID: "gateways", Listen: "0.0.0.0:8443", Node: "node-a"},
	}
	rt := buildRouteTable(cfg)
	route, ok := rt.byListen["0.0.0.0:8443"]
	if !ok {
		t.Fatal("expected the route to be present under its listen address")
	}
	if route.NodeAddr != "127.0.0.1:4433" {
		t.Fatalf("unexpected resolved node addr: %+v", route)
	}
	if route.IdleTimeout != cfg.idleTimeout() {
		t.Fatalf("expected the route to inherit the default idle timeout, got %v", route.IdleTimeout)
	}
}

func TestEnsureRunningWakesOnceFromIdle(t *testing.T) {
	guestAddr := echoListener(t)
	_, guestPort, err := net.SplitHostPort(guestAddr)
	if err != nil {
		t.Fatal(err)
	}

	client := &fakeNodeClient{instances: []*domain.Instance{{
		InstanceID: "i-1", Status: domain.StatusWarm,
		Net: domain.InstanceNetwork{GuestIP: "127.0.0.1"},
	}}}

	route := ResolvedRoute{TenantID: "acme", PoolID: "gateways", Listen: "0.0.0.0:" + guestPort}
	wm := NewWakeManager(2 * time.Second)

	addr, err := wm.ensureRunning(route, client)
	if err != nil {
		t.Fatalf("expected ensureRunning to succeed, got %v", err)
	}
	if addr != guestAddr {
		t.Fatalf("expected resolved addr %q, got %q", guestAddr, addr)
	}
	if atomic.LoadInt32(&client.wakeCalls) != 1 {
		t.Fatalf("expected exactly one WakeInstance call, got %d", client.wakeCalls)
	}

	// A second call while Running takes the fast path: no extra wake.
	addr2, err := wm.ensureRunning(route, client)
	if err != nil || addr2 != addr {
		t.Fatalf("expected the fast path to return the same addr, got %q, %v", addr2, err)
	}
	if atomic.LoadInt32(&client.wakeCalls) != 1 {
		t.Fatalf("expected the fast path not to trigger another wake, got %d calls", client.wakeCalls)
	}
}

func TestEnsureRunningCoalescesConcurrentWakes(t *testing.T) {
	guestAddr := echoListener(t)
	_, guestPort, err := net.SplitHostPort(guestAddr)
	if err != nil {
		t.Fatal(err)
	}

	client := &fakeNodeClient{
		wakeDelay: 150 * time.Millisecond,
		instances: []*domain.Instance{{
			InstanceID: "i-1", Status: domain.StatusWarm,
			Net: domain.InstanceNetwork{GuestIP: "127.0.0.1"},
		}},
	}

	route := ResolvedRoute{TenantID: "acme", PoolID: "gateways", Listen: "0.0.0.0:" + guestPort}
	wm := NewWakeManager(5 * time.Second)

	const n = 8
	results := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = wm.ensureRunning(route, client)
		}(i)
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("request %d failed: %v", i, errs[i])
		}
		if results[i] != guestAddr {
			t.Fatalf("request %d got addr %q, want %q", i, results[i], guestAddr)
		}
	}
	if got := atomic.LoadInt32(&client.wakeCalls); got != 1 {
		t.Fatalf("expected exactly one coalesced WakeInstance call, got %d", got)
	}
}

func TestEnsureRunningRevertsToIdleOnFailure(t *testing.T) {
	client := &fakeNodeClient{failWake: true, instances: []*domain.Instance{{
		InstanceID: "i-1", Status: domain.StatusWarm,
	}}}
	route := ResolvedRoute{TenantID: "acme", PoolID: "gateways", Listen: "0.0.0.0:8443"}
	wm := NewWakeManager(200 * time.Millisecond)

	if _, err := wm.ensureRunning(route, client); err == nil {
		t.Fatal("expected the wake to fail")
	}

	// A subsequent call must attempt a fresh wake rather than stay
	// wedged in Waking/Running.
	if _, err := wm.ensureRunning(route, client); err == nil {
		t.Fatal("expected the retried wake to also fail (still refused)")
	}
	if got := atomic.LoadInt32(&client.wakeCalls); got != 2 {
		t.Fatalf("expected a fresh wake attempt after reverting to idle, got %d calls", got)
	}
}

func TestMarkIdleForcesAFreshWakeOnNextRequest(t *testing.T) {
	guestAddr := echoListener(t)
	_, guestPort, err := net.SplitHostPort(guestAddr)
	if err != nil {
		t.Fatal(err)
	}
	client := &fakeNodeClient{instances: []*domain.Instance{{
		InstanceID: "i-1", Status: domain.StatusWarm,
		Net: domain.InstanceNetwork{GuestIP: "127.0.0.1"},
	}}}
	route := ResolvedRoute{TenantID: "acme", PoolID: "gateways", Listen: "0.0.0.0:" + guestPort}
	wm := NewWakeManager(2 * time.Second)

	if _, err := wm.ensureRunning(route, client); err != nil {
		t.Fatal(err)
	}
	wm.markIdle(route.TenantID, route.PoolID)

	if _, err := wm.ensureRunning(route, client); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&client.wakeCalls); got != 2 {
		t.Fatalf("expected markIdle to force a second wake, got %d calls", got)
	}
}

func TestTenantTrackerEnforcesConnectionCap(t *testing.T) {
	tr := &tenantTracker{}
	if !tr.admit(2) {
		t.Fatal("expected the first connection to be admitted")
	}
	if !tr.admit(2) {
		t.Fatal("expected the second connection to be admitted")
	}
	if tr.admit(2) {
		t.Fatal("expected a third connection to be rejected at cap 2")
	}
}

func TestTenantTrackerUncappedWhenZero(t *testing.T) {
	tr := &tenantTracker{}
	for i := 0; i < 50; i++ {
		if !tr.admit(0) {
			t.Fatalf("expected no cap to admit connection %d", i)
		}
	}
}
