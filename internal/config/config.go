// Package config loads the agent's configuration, composing the
// settings every component (store, network, VMM, control plane,
// metrics, logging) needs at startup. Layering follows the teacher's
// DefaultConfig -> LoadFromFile -> LoadFromEnv -> flag-override order.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"
)

// StoreConfig points at the durable data root (spec §4.2).
type StoreConfig struct {
	DataRoot       string `json:"data_root"`        // default: /var/lib/fleetd
	KeysDir        string `json:"keys_dir"`         // per-tenant volume encryption keys, default: <data_root>/keys
	SecretsKeyFile string `json:"secrets_key_file"`  // master key for at-rest secret values, default: <data_root>/secrets.key
}

// NetworkConfig holds the host-level knobs for the bridge/TAP driver.
type NetworkConfig struct {
	BridgePrefix string `json:"bridge_prefix"` // default: br-tenant-
}

// VMMConfig points at the Firecracker binary and jailer settings.
type VMMConfig struct {
	FirecrackerBin   string `json:"firecracker_bin"`   // default: /usr/bin/firecracker
	JailerBin        string `json:"jailer_bin"`        // default: /usr/bin/jailer
	JailUIDGIDBase    int    `json:"jail_uid_gid_base"` // default: 100000
	GracefulShutdown time.Duration `json:"graceful_shutdown"` // default: 15s
}

// SleepPolicyConfig carries the quota/sleep-policy knobs, including the
// documented default for the spec §9 memory-pressure Open Question.
type SleepPolicyConfig struct {
	WarmThreshold             time.Duration `json:"warm_threshold"`               // default: 5m
	SleepThreshold            time.Duration `json:"sleep_threshold"`              // default: 30m
	MemoryPressureThreshold   float64       `json:"memory_pressure_threshold"`    // default: 0.85, fraction of node memory
}

// ReconcileConfig carries the reconcile ticker interval.
type ReconcileConfig struct {
	IntervalSeconds     int  `json:"interval_secs"`       // default: 15
	PruneUnknownTenants bool `json:"prune_unknown_tenants"`
	PruneUnknownPools   bool `json:"prune_unknown_pools"`
}

// ControlPlaneConfig configures the mTLS agent endpoint (spec §4.12).
type ControlPlaneConfig struct {
	ListenAddr      string `json:"listen_addr"`       // default: 0.0.0.0:4433
	CAFile          string `json:"ca_file"`           // local CA for mTLS
	CertFile        string `json:"cert_file"`
	KeyFile         string `json:"key_file"`
	TrustedKeysDir  string `json:"trusted_keys_dir"`  // default: /etc/fleetd/trusted_keys
	RateLimitPerSec float64 `json:"rate_limit_per_sec"` // default: 10
}

// MetricsConfig mirrors the teacher's MetricsConfig shape.
type MetricsConfig struct {
	Enabled          bool      `json:"enabled"`
	Namespace        string    `json:"namespace"` // default: fleetd_agent
	ListenAddr       string    `json:"listen_addr"`
	HistogramBuckets []float64 `json:"histogram_buckets"`
}

// LoggingConfig mirrors the teacher's LoggingConfig shape.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
}

// Config is the agent's top-level configuration object.
type Config struct {
	NodeID        string            `json:"node_id"`
	Production    bool              `json:"production"`
	Store         StoreConfig       `json:"store"`
	Network       NetworkConfig     `json:"network"`
	VMM           VMMConfig         `json:"vmm"`
	SleepPolicy   SleepPolicyConfig `json:"sleep_policy"`
	Reconcile     ReconcileConfig   `json:"reconcile"`
	ControlPlane  ControlPlaneConfig `json:"control_plane"`
	Metrics       MetricsConfig     `json:"metrics"`
	Logging       LoggingConfig     `json:"logging"`
}

// DefaultConfig returns the configuration the agent starts from before
// any file or environment overrides are applied.
func DefaultConfig() *Config {
	return &Config{
		Production: false,
		Store: StoreConfig{
			DataRoot:       "/var/lib/fleetd",
			KeysDir:        "/var/lib/fleetd/keys",
			SecretsKeyFile: "/var/lib/fleetd/secrets.key",
		},
		Network: NetworkConfig{
			BridgePrefix: "br-tenant-",
		},
		VMM: VMMConfig{
			FirecrackerBin:   "/usr/bin/firecracker",
			JailerBin:        "/usr/bin/jailer",
			JailUIDGIDBase:   100000,
			GracefulShutdown: 15 * time.Second,
		},
		SleepPolicy: SleepPolicyConfig{
			WarmThreshold:           5 * time.Minute,
			SleepThreshold:          30 * time.Minute,
			MemoryPressureThreshold: 0.85,
		},
		Reconcile: ReconcileConfig{
			IntervalSeconds: 15,
		},
		ControlPlane: ControlPlaneConfig{
			ListenAddr:      "0.0.0.0:4433",
			TrustedKeysDir:  "/etc/fleetd/trusted_keys",
			RateLimitPerSec: 10,
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			Namespace:  "fleetd_agent",
			ListenAddr: "127.0.0.1:9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile overlays JSON-encoded fields from path onto c.
func LoadFromFile(c *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, c)
}

// LoadFromEnv overlays a small set of environment variables, mirroring
// the teacher's env-override precedence (applied after file load, before
// flags).
func LoadFromEnv(c *Config) {
	if v := os.Getenv("FLEETD_NODE_ID"); v != "" {
		c.NodeID = v
	}
	if v := os.Getenv("FLEETD_DATA_ROOT"); v != "" {
		c.Store.DataRoot = v
	}
	if v := os.Getenv("FLEETD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FLEETD_CONTROL_PLANE_ADDR"); v != "" {
		c.ControlPlane.ListenAddr = v
	}
	if v := os.Getenv("PRODUCTION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Production = b
		}
	}
}
