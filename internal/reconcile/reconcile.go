// Package reconcile implements the desired-vs-actual convergence loop
// (spec component K, §4.11): the only caller of internal/lifecycle
// other than manual CLI commands and the proxy's wake path. It never
// touches a VMM socket or a state file directly — every mutation goes
// through lifecycle so the lock/validate/quota/commit/audit discipline
// stays in one place.
//
// Grounded on the teacher's internal/autoscaler's ticker-driven
// evaluate loop (tracked-state-per-key, cooldowns, scale-up/down
// ordering) for the phase structure, and internal/scheduler's
// Start/Stop/background-goroutine shape for the periodic driver in
// ticker.go.
package reconcile

import (
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/fleetforge/fleetd/internal/ferr"
	"github.com/fleetforge/fleetd/internal/ids"
	"github.com/fleetforge/fleetd/internal/lifecycle"
	"github.com/fleetforge/fleetd/internal/logging"
	"github.com/fleetforge/fleetd/internal/metrics"
	"github.com/fleetforge/fleetd/internal/quota"
	"github.com/fleetforge/fleetd/internal/statemachine"
	"github.com/fleetforge/fleetd/internal/storefs"
)

// maxCountsCap is spec §3's "each capped at 100" bound on a pool's
// desired running/warm/sleeping counts.
const maxCountsCap = 100

// ReconcileReport tallies the actions one Run performed (spec §4.11's
// output). A second Run against an unchanged actual state must produce
// an all-zero report (spec §3 invariant "reconcile idempotence").
type ReconcileReport struct {
	Created    int      `json:"created"`
	Started    int      `json:"started"`
	Warmed     int      `json:"warmed"`
	Slept      int      `json:"slept"`
	Woken      int      `json:"woken"`
	Stopped    int      `json:"stopped"`
	Destroyed  int      `json:"destroyed"`
	Deferred   int      `json:"deferred"`
	Errors     []string `json:"errors,omitempty"`
}

func (r *ReconcileReport) deferred(reason string) {
	r.Deferred++
	if m := metrics.Get(); m != nil {
		m.InstanceDeferred()
	}
	logging.Op().Info("reconcile: transition deferred", "reason", reason)
}

func (r *ReconcileReport) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// NetDriver is the subset of internal/netdriver reconcile's Maintenance
// phase and per-tenant ensure step need, narrowed so tests can
// substitute a fake the same way internal/lifecycle does.
type NetDriver interface {
	EnsureTenantBridge(net domain.Network) error
}

// Reconciler composes a lifecycle.Lifecycle, the durable store it reads
// desired/actual state from, and a PID-liveness checker for the
// Maintenance phase's stale-process detection.
type Reconciler struct {
	LC           *lifecycle.Lifecycle
	Store        *storefs.Store
	Net          NetDriver
	FirecrackerBinary string // for /proc/<pid>/cmdline liveness cross-check; empty disables the cross-check
}

// New constructs a Reconciler over its collaborators.
func New(lc *lifecycle.Lifecycle, store *storefs.Store, net NetDriver, firecrackerBinary string) *Reconciler {
	return &Reconciler{LC: lc, Store: store, Net: net, FirecrackerBinary: firecrackerBinary}
}

// Validate rejects a DesiredState that fails spec §4.11 step 1 outright
// (the whole document is rejected, never partially applied).
func Validate(ds domain.DesiredState) error {
	if ds.SchemaVersion != 1 {
		return ferr.New(ferr.KindConfigInvalid, fmt.Sprintf("unsupported schema_version %d", ds.SchemaVersion))
	}
	if ds.NodeID == "" {
		return ferr.New(ferr.KindConfigInvalid, "node_id is required")
	}
	seenTenants := map[string]bool{}
	for _, t := range ds.Tenants {
		if err := ids.ValidateID(t.TenantID); err != nil {
			return err
		}
		if seenTenants[t.TenantID] {
			return ferr.New(ferr.KindConfigInvalid, "duplicate tenant "+t.TenantID)
		}
		seenTenants[t.TenantID] = true
		if t.Network == nil {
			return ferr.New(ferr.KindConfigInvalid, "tenant "+t.TenantID+" carries no network")
		}
		if _, _, err := net.ParseCIDR(t.Network.IPv4Subnet); err != nil {
			return ferr.Wrap(ferr.KindConfigInvalid, "tenant "+t.TenantID+" network", err)
		}
		seenPools := map[string]bool{}
		for _, p := range t.Pools {
			if err := ids.ValidateID(p.PoolID); err != nil {
				return err
			}
			if seenPools[p.PoolID] {
				return ferr.New(ferr.KindConfigInvalid, "duplicate pool "+p.PoolID+" in tenant "+t.TenantID)
			}
			seenPools[p.PoolID] = true
			if p.DesiredCounts.Running > maxCountsCap || p.DesiredCounts.Warm > maxCountsCap || p.DesiredCounts.Sleeping > maxCountsCap {
				return ferr.New(ferr.KindConfigInvalid, "pool "+p.PoolID+" desired_counts exceed the 100 cap")
			}
		}
	}
	return nil
}

// Run executes one full reconcile tick against ds (spec §4.11's
// algorithm): validate, maintenance, per-tenant ensure/scale/sleep in
// role-priority order, then prune. It always returns a report, even
// when individual instances fail — only Validate's rejection aborts
// the whole tick.
func (r *Reconciler) Run(ds domain.DesiredState, actorID string) (*ReconcileReport, error) {
	report := &ReconcileReport{}
	started := time.Now()
	if m := metrics.Get(); m != nil {
		m.ReconcileTick()
	}
	defer func() {
		if m := metrics.Get(); m != nil {
			m.ObserveReconcileDurationMs(float64(time.Since(started).Milliseconds()))
			if len(report.Errors) > 0 {
				m.ReconcileError()
			}
		}
	}()

	if err := Validate(ds); err != nil {
		return report, err
	}

	r.maintenance(report)

	desiredTenants := map[string]domain.DesiredTenant{}
	for _, t := range ds.Tenants {
		desiredTenants[t.TenantID] = t
		r.reconcileTenant(t, actorID, report)
	}

	if ds.PruneUnknownPools || ds.PruneUnknownTenants {
		r.prune(ds, desiredTenants, report)
	}

	return report, nil
}

func (r *Reconciler) reconcileTenant(dt domain.DesiredTenant, actorID string, report *ReconcileReport) {
	tenant, err := r.ensureTenant(dt)
	if err != nil {
		report.fail("tenant %s: %v", dt.TenantID, err)
		return
	}

	pools := append([]domain.DesiredPool(nil), dt.Pools...)
	sort.SliceStable(pools, func(i, j int) bool {
		return domain.RolePriority(pools[i].Role) < domain.RolePriority(pools[j].Role)
	})

	for _, dp := range pools {
		pool, err := r.ensurePool(tenant.TenantID, dp)
		if err != nil {
			report.fail("pool %s/%s: %v", tenant.TenantID, dp.PoolID, err)
			continue
		}
		if pool.Pinned || pool.Critical {
			continue
		}
		if pool.CurrentRevisionHash == "" {
			// Build requests are dispatched externally (the builder
			// pool/CI path, out of reconcile's scope); scaling waits.
			continue
		}
		r.scalePool(tenant.TenantID, pool, dp.DesiredCounts, actorID, report)
	}

	// Sleep policy walks pools in reverse role-priority order (spec
	// §4.11 step 3d / §5's "sleep(reverse)").
	for i := len(pools) - 1; i >= 0; i-- {
		pool, err := r.Store.LoadPool(tenant.TenantID, pools[i].PoolID)
		if err != nil || pool.Pinned || pool.Critical {
			continue
		}
		r.sleepPolicy(tenant.TenantID, pool, actorID, report)
	}
}

// ensureTenant writes tenant.json using the supplied network verbatim
// (spec §4.11 step 3a) and ensures its bridge exists.
func (r *Reconciler) ensureTenant(dt domain.DesiredTenant) (*domain.Tenant, error) {
	now := time.Now().UTC()
	existing, err := r.Store.LoadTenant(dt.TenantID)
	createdAt := now
	if err == nil {
		createdAt = existing.CreatedAt
	}

	tenant := &domain.Tenant{
		TenantID:  dt.TenantID,
		Network:   *dt.Network,
		Quotas:    dt.Quotas,
		CreatedAt: createdAt,
		UpdatedAt: now,
	}
	if existing != nil {
		tenant.Pinned = existing.Pinned
		tenant.AuditRetentionDays = existing.AuditRetentionDays
	}
	if err := r.Store.SaveTenant(tenant); err != nil {
		return nil, err
	}
	if r.Net != nil {
		if err := r.Net.EnsureTenantBridge(tenant.Network); err != nil {
			return nil, err
		}
	}
	return tenant, nil
}

// ensurePool writes/updates pool.json, preserving the fields reconcile
// does not own (current_revision_hash, pinned, critical — set by the
// builder or an explicit CLI command, never by a desired-state push).
func (r *Reconciler) ensurePool(tenantID string, dp domain.DesiredPool) (*domain.Pool, error) {
	now := time.Now().UTC()
	existing, _ := r.Store.LoadPool(tenantID, dp.PoolID)

	pool := &domain.Pool{
		TenantID:          tenantID,
		PoolID:            dp.PoolID,
		Role:              dp.Role,
		Profile:           dp.Profile,
		FlakeRef:          dp.FlakeRef,
		InstanceResources: dp.InstanceResources,
		DesiredCounts:     dp.DesiredCounts,
		RuntimePolicy:     dp.RuntimePolicy,
		SecretScopes:      dp.SecretScopes,
		RoutingTable:      dp.RoutingTable,
		CreatedAt:         now,
	}
	pool.RuntimePolicy.ApplyDefaults()
	if existing != nil {
		pool.CreatedAt = existing.CreatedAt
		pool.CurrentRevisionHash = existing.CurrentRevisionHash
		pool.Pinned = existing.Pinned
		pool.Critical = existing.Critical
		pool.SeccompPolicy = existing.SeccompPolicy
		pool.SnapshotCompression = existing.SnapshotCompression
		if existing.Role != "" && existing.Role != pool.Role {
			return nil, ferr.New(ferr.KindConfigInvalid, "pool "+dp.PoolID+" role is immutable")
		}
	}
	pool.UpdatedAt = now
	if err := r.Store.SavePool(pool); err != nil {
		return nil, err
	}
	return pool, nil
}

func thresholdsFor(policy domain.RuntimePolicy) quota.Thresholds {
	// No separate warm_threshold/sleep_threshold knob exists on Pool
	// (spec §3's entity table carries only runtime_policy's
	// min_running/min_warm seconds); reusing those as the idle
	// thresholds means "idle long enough to be eligible" and "idle
	// long enough to act" coincide, which is the simplest reading
	// absent a second pool-level config field.
	return quota.Thresholds{
		WarmThreshold:  time.Duration(policy.MinRunningSeconds) * time.Second,
		SleepThreshold: time.Duration(policy.MinWarmSeconds) * time.Second,
	}
}

func smPolicy(policy domain.RuntimePolicy) statemachine.RuntimePolicy {
	return statemachine.RuntimePolicy{
		MinRunningSeconds: int(policy.MinRunningSeconds),
		MinWarmSeconds:    int(policy.MinWarmSeconds),
	}
}
