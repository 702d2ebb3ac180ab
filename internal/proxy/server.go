package proxy

import (
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fleetforge/fleetd/internal/ferr"
	"github.com/fleetforge/fleetd/internal/logging"
	"github.com/fleetforge/fleetd/internal/metrics"
)

// Server is the coordinator proxy (spec component M): one accept loop
// per configured listen address, a shared WakeManager, and a
// per-tenant connection tracker enforcing max_connections_per_tenant
// and driving each gateway back to Idle once its last connection
// closes and the idle timer expires.
//
// Grounded on the teacher's internal/gateway/gateway.go route-cache
// shape and internal/cluster/proxy.go's per-address client map for
// talking to remote nodes. The proxy applies no request-rate limit;
// admission is the per-tenant open-connection cap alone.
type Server struct {
	cfg   Config
	routes *RouteTable
	wake  *WakeManager

	clientsMu sync.Mutex
	clients   map[string]*cpClient // node addr -> client

	tenantsMu sync.Mutex
	tenants   map[string]*tenantTracker // tenant_id -> tracker

	tlsConfig *tls.Config

	listeners []net.Listener
	wg        sync.WaitGroup

	closing chan struct{}
	once    sync.Once
}

// tenantTracker counts a tenant's open connections across every route
// it owns and runs the idle-to-Idle timer once the count reaches zero.
type tenantTracker struct {
	mu        sync.Mutex
	open      int
	idleTimer *time.Timer
}

// New builds a Server from a validated Config. tlsConfig dials node
// control planes over mTLS when non-nil; nil is accepted for
// development against an agent running without TLS.
func New(cfg Config, tlsConfig *tls.Config) *Server {
	return &Server{
		cfg:       cfg,
		routes:    buildRouteTable(cfg),
		wake:      NewWakeManager(cfg.wakeTimeout()),
		clients:   make(map[string]*cpClient),
		tenants:   make(map[string]*tenantTracker),
		tlsConfig: tlsConfig,
		closing:   make(chan struct{}),
	}
}

// Start opens one listener per route's listen address and begins
// accepting. Also starts the health-probe loop.
func (s *Server) Start() error {
	for _, route := range s.routes.routes() {
		lis, err := net.Listen("tcp", route.Listen)
		if err != nil {
			s.Stop()
			return ferr.Wrap(ferr.KindNetwork, "binding proxy listener "+route.Listen, err)
		}
		s.listeners = append(s.listeners, lis)

		s.wg.Add(1)
		go s.acceptLoop(lis, route)
	}

	s.wg.Add(1)
	go s.healthLoop()

	logging.Op().Info("coordinator proxy listening", "routes", len(s.routes.byListen))
	return nil
}

// Stop closes every listener and waits for in-flight connections and
// background loops to finish.
func (s *Server) Stop() {
	s.once.Do(func() { close(s.closing) })
	for _, lis := range s.listeners {
		_ = lis.Close()
	}
	s.wg.Wait()

	s.clientsMu.Lock()
	for _, c := range s.clients {
		c.close()
	}
	s.clientsMu.Unlock()
}

func (s *Server) acceptLoop(lis net.Listener, route ResolvedRoute) {
	defer s.wg.Done()
	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return
			default:
				logging.Op().Error("proxy accept error", "listen", route.Listen, "error", err)
				return
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn, route)
	}
}

func (s *Server) handleConn(conn net.Conn, route ResolvedRoute) {
	defer s.wg.Done()
	defer conn.Close()

	tracker := s.tenantTrackerFor(route.TenantID)
	if !tracker.admit(s.cfg.MaxConnectionsPerTenant) {
		return // over the tenant's connection cap; reject by closing
	}
	defer s.release(route, tracker)

	client := s.clientFor(route.NodeAddr)
	addr, err := s.wake.ensureRunning(route, client)
	if err != nil {
		logging.Op().Warn("proxy wake failed", "tenant", route.TenantID, "pool", route.PoolID, "error", err)
		return // client sees a closed connection, per spec §4.13's failure semantics
	}

	upstream, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		logging.Op().Warn("proxy upstream dial failed", "addr", addr, "error", err)
		s.wake.markIdle(route.TenantID, route.PoolID)
		return
	}
	defer upstream.Close()

	splice(conn, upstream)
}

// splice copies bytes bidirectionally until either side closes.
func splice(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, _ = io.Copy(a, b) }()
	go func() { defer wg.Done(); _, _ = io.Copy(b, a) }()
	wg.Wait()
}

func (s *Server) clientFor(nodeAddr string) *cpClient {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if c, ok := s.clients[nodeAddr]; ok {
		return c
	}
	c := newCPClient(nodeAddr, s.tlsConfig)
	s.clients[nodeAddr] = c
	return c
}

func (s *Server) tenantTrackerFor(tenantID string) *tenantTracker {
	s.tenantsMu.Lock()
	defer s.tenantsMu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		t = &tenantTracker{}
		s.tenants[tenantID] = t
	}
	return t
}

func (t *tenantTracker) admit(cap int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	if cap > 0 && t.open >= cap {
		return false
	}
	t.open++
	return true
}

func (s *Server) release(route ResolvedRoute, t *tenantTracker) {
	t.mu.Lock()
	t.open--
	remaining := t.open
	t.mu.Unlock()

	if m := metrics.Get(); m != nil {
		m.SetProxyConnectionsOpen(route.TenantID, float64(remaining))
	}

	if remaining > 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open > 0 {
		return // a new connection arrived before we took the lock again
	}
	t.idleTimer = time.AfterFunc(route.IdleTimeout, func() {
		// The agent's own sleep policy reclaims resources once idle;
		// the proxy only needs to stop treating the gateway as Running
		// so the next request re-wakes it from scratch.
		s.wake.markIdle(route.TenantID, route.PoolID)
	})
}
