// Package proxy implements the coordinator proxy (spec component M,
// §4.13): a separate edge process that accepts tenant-facing TCP
// connections, wakes a tenant's gateway on demand by talking to the
// node control plane, and splices traffic to it once ready.
package proxy

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fleetforge/fleetd/internal/ferr"
)

// Config is the proxy's on-disk TOML configuration (spec §4.13).
type Config struct {
	IdleTimeoutSecs        int `toml:"idle_timeout_secs"`
	WakeTimeoutSecs        int `toml:"wake_timeout_secs"`
	HealthIntervalSecs     int `toml:"health_interval_secs"`
	MaxConnectionsPerTenant int `toml:"max_connections_per_tenant"`

	Nodes  []NodeConfig  `toml:"nodes"`
	Routes []RouteConfig `toml:"routes"`
}

// NodeConfig names one agent's control-plane address.
type NodeConfig struct {
	Name string `toml:"name"`
	Addr string `toml:"addr"`
}

// RouteConfig binds a listen address to a tenant/pool served by a
// named node.
type RouteConfig struct {
	TenantID       string `toml:"tenant_id"`
	PoolID         string `toml:"pool_id"`
	Listen         string `toml:"listen"`
	Node           string `toml:"node"`
	IdleTimeoutSecs int   `toml:"idle_timeout_secs,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		IdleTimeoutSecs:         300,
		WakeTimeoutSecs:         30,
		HealthIntervalSecs:      10,
		MaxConnectionsPerTenant: 1000,
	}
}

// LoadFromFile reads and validates a TOML config file.
func LoadFromFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, ferr.Wrap(ferr.KindConfigInvalid, "decoding proxy config "+path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects empty routes, duplicate listen addresses, and
// routes referencing unknown nodes (spec §4.13).
func (c Config) Validate() error {
	if len(c.Routes) == 0 {
		return ferr.New(ferr.KindConfigInvalid, "proxy config has no routes")
	}

	nodeNames := make(map[string]struct{}, len(c.Nodes))
	for _, n := range c.Nodes {
		if n.Name == "" || n.Addr == "" {
			return ferr.New(ferr.KindConfigInvalid, "node entry requires name and addr")
		}
		nodeNames[n.Name] = struct{}{}
	}

	seenListen := make(map[string]struct{}, len(c.Routes))
	for _, r := range c.Routes {
		if r.TenantID == "" || r.PoolID == "" || r.Listen == "" || r.Node == "" {
			return ferr.New(ferr.KindConfigInvalid, fmt.Sprintf("route %s/%s is missing a required field", r.TenantID, r.PoolID))
		}
		if _, ok := seenListen[r.Listen]; ok {
			return ferr.WithDetail(ferr.KindConfigInvalid, "duplicate listen address", map[string]any{"listen": r.Listen})
		}
		seenListen[r.Listen] = struct{}{}

		if _, ok := nodeNames[r.Node]; !ok {
			return ferr.WithDetail(ferr.KindConfigInvalid, "route references an unknown node", map[string]any{"node": r.Node})
		}
	}
	return nil
}

func (c Config) idleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSecs) * time.Second
}

func (c Config) wakeTimeout() time.Duration {
	return time.Duration(c.WakeTimeoutSecs) * time.Second
}

func (c Config) healthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSecs) * time.Second
}
