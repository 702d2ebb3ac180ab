package proxy

import (
	"strings"
	"time"

	"github.com/fleetforge/fleetd/internal/metrics"
)

// healthLoop TCP-probes every currently Running gateway's address
// every health_interval_secs; a failed probe reverts it to Idle so the
// next request re-wakes it (spec §4.13's health loop).
func (s *Server) healthLoop() {
	defer s.wg.Done()

	interval := s.cfg.healthInterval()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closing:
			return
		case <-ticker.C:
			s.probeRunningGateways()
		}
	}
}

func (s *Server) probeRunningGateways() {
	for key, addr := range s.wake.runningAddrs() {
		if probeTCP(addr, 2*time.Second) {
			continue
		}
		tenantID, poolID, ok := splitTenantPoolKey(key)
		if !ok {
			continue
		}
		if m := metrics.Get(); m != nil {
			m.ProxyHealthFailure()
		}
		s.wake.markIdle(tenantID, poolID)
	}
}

func splitTenantPoolKey(key string) (tenantID, poolID string, ok bool) {
	idx := strings.LastIndex(key, "/")
	if idx < 0 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}
