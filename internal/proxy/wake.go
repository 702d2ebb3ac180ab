package proxy

import (
	"net"
	"sync"
	"time"

	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/fleetforge/fleetd/internal/ferr"
	"github.com/fleetforge/fleetd/internal/logging"
	"github.com/fleetforge/fleetd/internal/metrics"
)

// nodeClient is the subset of cpClient the wake manager needs, broken
// out so tests can fake a node's control plane without a real socket.
type nodeClient interface {
	wakeInstance(tenantID, poolID, instanceID string, timeout time.Duration) error
	instanceList(tenantID, poolID string, timeout time.Duration) ([]*domain.Instance, error)
}

// gatewayPhase is the wake manager's per-(tenant,pool) state (spec
// §4.13's GatewayState ∈ {Running(addr), Waking(watch_receiver), Idle}).
type gatewayPhase int

const (
	phaseIdle gatewayPhase = iota
	phaseWaking
	phaseRunning
)

// wakeResult is broadcast to every waiter on a watch channel when a
// Waking transition resolves.
type wakeResult struct {
	addr string
	err  error
}

// gatewayEntry holds one (tenant,pool)'s current phase plus, while
// Waking, the shared channel all concurrent requesters subscribe to.
type gatewayEntry struct {
	phase gatewayPhase
	addr  string
	watch chan wakeResult
}

// WakeManager implements the ensure_running sequence of spec §4.13,
// coalescing concurrent wake requests for the same (tenant,pool) onto
// one in-flight wake.
type WakeManager struct {
	mu      sync.Mutex
	entries map[string]*gatewayEntry

	wakeTimeout time.Duration
	dialTimeout time.Duration
}

func NewWakeManager(wakeTimeout time.Duration) *WakeManager {
	return &WakeManager{
		entries:     make(map[string]*gatewayEntry),
		wakeTimeout: wakeTimeout,
		dialTimeout: 2 * time.Second,
	}
}

// ensureRunning resolves route to a dialable "guest_ip:port" address,
// waking the gateway through client if it's currently Idle and
// coalescing concurrent callers onto the same wake if it's Waking.
func (m *WakeManager) ensureRunning(route ResolvedRoute, client nodeClient) (string, error) {
	key := tenantPoolKey(route.TenantID, route.PoolID)

	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &gatewayEntry{phase: phaseIdle}
		m.entries[key] = e
	}

	switch e.phase {
	case phaseRunning:
		addr := e.addr
		m.mu.Unlock()
		return addr, nil

	case phaseWaking:
		watch := e.watch
		m.mu.Unlock()
		return m.awaitWatch(watch)

	default: // phaseIdle
		watch := make(chan wakeResult, 1)
		e.phase = phaseWaking
		e.watch = watch
		m.mu.Unlock()

		addr, err := m.performWake(route, client)

		m.mu.Lock()
		if err != nil {
			e.phase = phaseIdle
			e.watch = nil
		} else {
			e.phase = phaseRunning
			e.addr = addr
		}
		m.mu.Unlock()

		watch <- wakeResult{addr: addr, err: err}
		close(watch)
		return addr, err
	}
}

func (m *WakeManager) awaitWatch(watch chan wakeResult) (string, error) {
	select {
	case res, ok := <-watch:
		if !ok {
			return "", ferr.New(ferr.KindNetwork, "wake watch closed without a result")
		}
		return res.addr, res.err
	case <-time.After(m.wakeTimeout):
		return "", ferr.New(ferr.KindNetwork, "timed out waiting for an in-flight wake")
	}
}

// performWake issues WakeInstance, polls InstanceList every 200ms
// until an instance is Running with a guest_ip, then TCP-probes the
// service port before declaring the gateway ready (spec §4.13 step 3).
func (m *WakeManager) performWake(route ResolvedRoute, client nodeClient) (string, error) {
	start := time.Now()
	deadline := start.Add(m.wakeTimeout)

	instances, err := client.instanceList(route.TenantID, route.PoolID, m.dialTimeout)
	if err != nil {
		return "", err
	}
	target := pickWakeTarget(instances)
	if target == nil {
		return "", ferr.New(ferr.KindConfigInvalid, "no instance available to wake in "+route.TenantID+"/"+route.PoolID)
	}

	if err := client.wakeInstance(route.TenantID, route.PoolID, target.InstanceID, m.dialTimeout); err != nil {
		return "", err
	}
	if metr := metrics.Get(); metr != nil {
		metr.ProxyWake()
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		instances, err := client.instanceList(route.TenantID, route.PoolID, m.dialTimeout)
		if err == nil {
			for _, inst := range instances {
				if inst.InstanceID != target.InstanceID {
					continue
				}
				if inst.Status == domain.StatusRunning && inst.Net.GuestIP != "" {
					addr := net.JoinHostPort(inst.Net.GuestIP, servicePort(route))
					if probeTCP(addr, m.dialTimeout) {
						if metr := metrics.Get(); metr != nil {
							metr.ObserveProxyWakeLatencyMs(float64(time.Since(start).Milliseconds()))
						}
						return addr, nil
					}
				}
			}
		}

		if time.Now().After(deadline) {
			logging.Op().Warn("wake timed out", "tenant", route.TenantID, "pool", route.PoolID)
			return "", ferr.New(ferr.KindNetwork, "wake timed out before the gateway became reachable")
		}
		<-ticker.C
	}
}

// pickWakeTarget prefers an instance already Warm (closest to ready),
// falling back to whatever exists so WakeInstance has something to
// target.
func pickWakeTarget(instances []*domain.Instance) *domain.Instance {
	for _, inst := range instances {
		if inst.Status == domain.StatusWarm {
			return inst
		}
	}
	for _, inst := range instances {
		if inst.Status == domain.StatusSleeping || inst.Status == domain.StatusStopped {
			return inst
		}
	}
	if len(instances) > 0 {
		return instances[0]
	}
	return nil
}

// servicePort derives the guest's listening port from the route's own
// listen port: a Gateway-role instance is expected to serve on the
// same port number the proxy exposes it under, a convention adopted
// since spec §4.13's route schema names no separate guest port field.
func servicePort(route ResolvedRoute) string {
	_, port, err := net.SplitHostPort(route.Listen)
	if err != nil {
		return "80"
	}
	return port
}

func probeTCP(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// markIdle forces a (tenant,pool) back to Idle, used by the health
// loop when a previously Running gateway stops answering.
func (m *WakeManager) markIdle(tenantID, poolID string) {
	key := tenantPoolKey(tenantID, poolID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && e.phase == phaseRunning {
		e.phase = phaseIdle
		e.addr = ""
	}
}

// runningAddrs returns a snapshot of every (tenant,pool) currently
// Running, for the health loop to probe.
func (m *WakeManager) runningAddrs() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.entries))
	for key, e := range m.entries {
		if e.phase == phaseRunning {
			out[key] = e.addr
		}
	}
	return out
}
