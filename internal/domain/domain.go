// Package domain defines the entities of spec §3: Tenant, Pool,
// Revision, Instance, snapshot metadata, and the desired-state document
// of §6.3. Structs carry JSON tags and MarshalBinary/UnmarshalBinary so
// they round-trip through internal/storefs the way the teacher's
// internal/domain package round-trips through its own store.
package domain

import (
	"encoding/json"
	"time"
)

// Role is a pool's immutable role, governing reconcile ordering
// (Gateway < Builder < Worker < Capability).
type Role string

const (
	RoleGateway Role = "gateway"
	RoleBuilder Role = "builder"
	RoleWorker  Role = "worker"
	// RoleCapability prefixes "capability-<name>"; callers match with
	// strings.HasPrefix rather than equality.
	RoleCapability Role = "capability"
)

// RolePriority returns the scale-up ordering weight for a role; reverse
// it for scale-down/sleep ordering (spec §4.11 step 3b).
func RolePriority(r Role) int {
	switch {
	case r == RoleGateway:
		return 0
	case r == RoleBuilder:
		return 1
	case r == RoleWorker:
		return 2
	default:
		return 3 // capability-<name>
	}
}

type Compression string

const (
	CompressionNone Compression = "none"
	CompressionLZ4  Compression = "lz4"
	CompressionZstd Compression = "zstd"
)

type SeccompPolicy string

const (
	SeccompBaseline SeccompPolicy = "baseline"
	SeccompStrict   SeccompPolicy = "strict"
)

// Network is the per-tenant bridged-network configuration, supplied
// verbatim by the coordinator (dynamic subnet allocation is a
// Non-goal).
type Network struct {
	TenantNetID  int    `json:"tenant_net_id"`
	IPv4Subnet   string `json:"ipv4_subnet"`
	GatewayIP    string `json:"gateway_ip"`
	BridgeName   string `json:"bridge_name"`
}

// Quotas bounds a tenant's aggregate resource consumption (spec §3,
// §4.10).
type Quotas struct {
	MaxVCPUs             uint32 `json:"max_vcpus"`
	MaxMemMiB            uint64 `json:"max_mem_mib"`
	MaxRunning           uint32 `json:"max_running"`
	MaxWarm              uint32 `json:"max_warm"`
	MaxPools             uint32 `json:"max_pools"`
	MaxInstancesPerPool  uint32 `json:"max_instances_per_pool"`
	MaxDiskGiB           uint64 `json:"max_disk_gib"`
}

// Tenant is the top-level isolation boundary (spec §3).
type Tenant struct {
	TenantID          string   `json:"tenant_id"`
	Network           Network  `json:"network"`
	Quotas            Quotas   `json:"quotas"`
	Pinned            bool     `json:"pinned"`
	AuditRetentionDays int     `json:"audit_retention_days"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (t *Tenant) MarshalBinary() ([]byte, error)   { return json.Marshal(t) }
func (t *Tenant) UnmarshalBinary(b []byte) error   { return json.Unmarshal(b, t) }

// InstanceResources is a pool's per-instance resource allotment.
type InstanceResources struct {
	VCPUs       uint8  `json:"vcpus"`
	MemMiB      uint32 `json:"mem_mib"`
	DataDiskMiB uint32 `json:"data_disk_mib"`
}

// DesiredCounts is a pool's target population split by status.
type DesiredCounts struct {
	Running  uint32 `json:"running"`
	Warm     uint32 `json:"warm"`
	Sleeping uint32 `json:"sleeping"`
}

// RuntimePolicy mirrors spec §6.3's runtime_policy with defaults
// applied (min_running=60, min_warm=30, drain_timeout=30,
// graceful_shutdown=15).
type RuntimePolicy struct {
	MinRunningSeconds     uint32 `json:"min_running_seconds"`
	MinWarmSeconds        uint32 `json:"min_warm_seconds"`
	DrainTimeoutSeconds   uint32 `json:"drain_timeout_seconds"`
	GracefulShutdownSeconds uint32 `json:"graceful_shutdown_seconds"`
}

// ApplyDefaults fills zero fields per spec §6.3.
func (p *RuntimePolicy) ApplyDefaults() {
	if p.MinRunningSeconds == 0 {
		p.MinRunningSeconds = 60
	}
	if p.MinWarmSeconds == 0 {
		p.MinWarmSeconds = 30
	}
	if p.DrainTimeoutSeconds == 0 {
		p.DrainTimeoutSeconds = 30
	}
	if p.GracefulShutdownSeconds == 0 {
		p.GracefulShutdownSeconds = 15
	}
}

// SecretScope declares which keys of an integration's secrets are
// exposed to a pool's instances (spec §6.2's scoped secrets tree).
type SecretScope struct {
	Integration string   `json:"integration"`
	Keys        []string `json:"keys"`
}

// RoutingTable is the Gateway-role routes.json payload (spec §6.2).
type RoutingTable struct {
	Routes []json.RawMessage `json:"routes"`
}

// Pool groups homogeneous instances under one tenant (spec §3).
type Pool struct {
	TenantID            string            `json:"tenant_id"`
	PoolID              string            `json:"pool_id"`
	Role                Role              `json:"role"`
	Profile             string            `json:"profile"`
	FlakeRef            string            `json:"flake_ref"`
	InstanceResources   InstanceResources `json:"instance_resources"`
	DesiredCounts       DesiredCounts     `json:"desired_counts"`
	SeccompPolicy       SeccompPolicy     `json:"seccomp_policy"`
	SnapshotCompression Compression       `json:"snapshot_compression"`
	RuntimePolicy       RuntimePolicy     `json:"runtime_policy"`
	SecretScopes        []SecretScope     `json:"secret_scopes,omitempty"`
	RoutingTable        *RoutingTable     `json:"routing_table,omitempty"`
	Pinned              bool              `json:"pinned"`
	Critical            bool              `json:"critical"`
	CurrentRevisionHash string            `json:"current_revision_hash,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

func (p *Pool) MarshalBinary() ([]byte, error) { return json.Marshal(p) }
func (p *Pool) UnmarshalBinary(b []byte) error { return json.Unmarshal(b, p) }

// Revision names one built (kernel, rootfs, fc_base.json) triple for a
// pool.
type Revision struct {
	TenantID     string    `json:"tenant_id"`
	PoolID       string    `json:"pool_id"`
	RevisionHash string    `json:"revision_hash"`
	VmlinuxPath  string    `json:"vmlinux_path"`
	RootfsPath   string    `json:"rootfs_path"`
	FcBasePath   string    `json:"fc_base_path"`
	BuilderMeta  map[string]string `json:"builder_meta,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (r *Revision) MarshalBinary() ([]byte, error) { return json.Marshal(r) }
func (r *Revision) UnmarshalBinary(b []byte) error { return json.Unmarshal(b, r) }

// Status is the instance's current lifecycle state, mirroring
// statemachine.State as a string for storage.
type Status string

const (
	StatusCreated   Status = "Created"
	StatusReady     Status = "Ready"
	StatusRunning   Status = "Running"
	StatusWarm      Status = "Warm"
	StatusSleeping  Status = "Sleeping"
	StatusStopped   Status = "Stopped"
	StatusDestroyed Status = "Destroyed"
)

// InstanceNetwork is the derived, persisted network identity of one
// instance.
type InstanceNetwork struct {
	TapDev    string `json:"tap_dev"`
	Mac       string `json:"mac"`
	GuestIP   string `json:"guest_ip"`
	GatewayIP string `json:"gateway_ip"`
	CIDR      string `json:"cidr"`
	IPOffset  int    `json:"ip_offset"`
}

// IdleMetrics tracks the sleep-policy inputs recorded by the lifecycle
// API on every stats/heartbeat read.
type IdleMetrics struct {
	CPUMovingAvg float64    `json:"cpu_moving_avg"`
	LastWorkTS   *time.Time `json:"last_work_ts,omitempty"`
}

// Instance is the sole record mutated only by the lifecycle API (spec
// §3, §4.9).
type Instance struct {
	TenantID           string          `json:"tenant_id"`
	PoolID             string          `json:"pool_id"`
	InstanceID         string          `json:"instance_id"`
	Status             Status          `json:"status"`
	Net                InstanceNetwork `json:"net"`
	FirecrackerPID     int             `json:"firecracker_pid,omitempty"`
	RevisionHash       string          `json:"revision_hash,omitempty"`
	EnteredRunningAt   *time.Time      `json:"entered_running_at,omitempty"`
	EnteredWarmAt      *time.Time      `json:"entered_warm_at,omitempty"`
	LastBusyAt         *time.Time      `json:"last_busy_at,omitempty"`
	Idle               IdleMetrics     `json:"idle_metrics"`
	ManualOverrideUntil *time.Time     `json:"manual_override_until,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func (i *Instance) MarshalBinary() ([]byte, error) { return json.Marshal(i) }
func (i *Instance) UnmarshalBinary(b []byte) error { return json.Unmarshal(b, i) }

// UnderManualOverride reports whether reconcile must skip this instance
// right now (spec §4.11 "Manual override").
func (i *Instance) UnderManualOverride(now time.Time) bool {
	return i.ManualOverrideUntil != nil && now.Before(*i.ManualOverrideUntil)
}

// SnapshotMeta is the meta.json sidecar for both base and delta
// snapshots (spec §4.6).
type SnapshotMeta struct {
	Compression    Compression `json:"compression"`
	Encrypted      bool        `json:"encrypted"`
	NonceB64       string      `json:"nonce_b64,omitempty"`
	BaseHash       string      `json:"base_hash,omitempty"`
	KernelHash     string      `json:"kernel_hash"`
	RootfsHash     string      `json:"rootfs_hash"`
	RevisionHash   string      `json:"revision_hash"`
	CreatedAt      time.Time   `json:"created_at"`
}

func (s *SnapshotMeta) MarshalBinary() ([]byte, error) { return json.Marshal(s) }
func (s *SnapshotMeta) UnmarshalBinary(b []byte) error { return json.Unmarshal(b, s) }

// AuditEntry is one append-only line of a tenant's audit.log.
type AuditEntry struct {
	Timestamp  time.Time      `json:"timestamp"`
	ActorID    string         `json:"actor_id"`
	Actor      string         `json:"actor"` // Manual | Reconcile | SleepPolicy | Wake-on-Demand
	Action     string         `json:"action"`
	TenantID   string         `json:"tenant_id"`
	PoolID     string         `json:"pool_id,omitempty"`
	InstanceID string         `json:"instance_id,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// DesiredState is the document the coordinator supplies to the agent's
// reconcile loop (spec §6.3).
type DesiredState struct {
	SchemaVersion       int              `json:"schema_version"`
	NodeID              string           `json:"node_id"`
	Tenants             []DesiredTenant  `json:"tenants"`
	PruneUnknownTenants bool             `json:"prune_unknown_tenants"`
	PruneUnknownPools   bool             `json:"prune_unknown_pools"`
}

type DesiredTenant struct {
	TenantID string        `json:"tenant_id"`
	Network  *Network      `json:"network"`
	Quotas   Quotas        `json:"quotas"`
	Pools    []DesiredPool `json:"pools"`
}

type DesiredPool struct {
	PoolID            string            `json:"pool_id"`
	Role              Role              `json:"role"`
	FlakeRef          string            `json:"flake_ref"`
	Profile           string            `json:"profile"`
	InstanceResources InstanceResources `json:"instance_resources"`
	DesiredCounts     DesiredCounts     `json:"desired_counts"`
	RuntimePolicy     RuntimePolicy     `json:"runtime_policy"`
	SecretScopes      []SecretScope     `json:"secret_scopes,omitempty"`
	RoutingTable      *RoutingTable     `json:"routing_table,omitempty"`
}
