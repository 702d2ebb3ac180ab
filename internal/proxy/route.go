package proxy

import "time"

// ResolvedRoute is one listen address's fully resolved routing
// decision: which tenant/pool it serves and which node's control
// plane to wake it through.
type ResolvedRoute struct {
	TenantID    string
	PoolID      string
	Listen      string
	NodeAddr    string
	IdleTimeout time.Duration
}

// RouteTable maps listen_addr -> ResolvedRoute (spec §4.13). Built
// once at startup from Config; routes never change at runtime (the
// proxy is restarted to pick up config edits).
type RouteTable struct {
	byListen map[string]ResolvedRoute
}

func buildRouteTable(cfg Config) *RouteTable {
	nodeAddrs := make(map[string]string, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		nodeAddrs[n.Name] = n.Addr
	}

	rt := &RouteTable{byListen: make(map[string]ResolvedRoute, len(cfg.Routes))}
	for _, r := range cfg.Routes {
		idle := cfg.idleTimeout()
		if r.IdleTimeoutSecs > 0 {
			idle = time.Duration(r.IdleTimeoutSecs) * time.Second
		}
		rt.byListen[r.Listen] = ResolvedRoute{
			TenantID:    r.TenantID,
			PoolID:      r.PoolID,
			Listen:      r.Listen,
			NodeAddr:    nodeAddrs[r.Node],
			IdleTimeout: idle,
		}
	}
	return rt
}

func (rt *RouteTable) routes() []ResolvedRoute {
	out := make([]ResolvedRoute, 0, len(rt.byListen))
	for _, r := range rt.byListen {
		out = append(out, r)
	}
	return out
}

// tenantPoolKey is the wake manager's and idle tracker's lookup key.
func tenantPoolKey(tenantID, poolID string) string { return tenantID + "/" + poolID }
