package reconcile

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/fleetforge/fleetd/internal/logging"
	"github.com/fleetforge/fleetd/internal/storefs"
	"github.com/fleetforge/fleetd/internal/vmmdriver"
)

// maintenance is spec §4.11 step 2: detect instances the store says are
// Running but whose recorded PID is no longer a live firecracker
// process, and set them Stopped directly (no lifecycle.Stop call — the
// process is already gone, so there's nothing left to kill, only the
// record to correct). Also logs orphaned directories (a tenant, pool,
// or instance directory missing its own tenant.json, pool.json, or
// instance.json) without touching them or descending into them;
// pruning those is an explicit operator action, not maintenance.
func (r *Reconciler) maintenance(report *ReconcileReport) {
	tenantIDs, err := r.Store.ListTenants()
	if err != nil {
		report.fail("maintenance: listing tenants: %v", err)
		return
	}

	for _, tenantID := range tenantIDs {
		if !storefs.Exists(r.Store.TenantFile(tenantID)) {
			logging.Op().Warn("reconcile: orphan directory", "kind", "tenant", "path", tenantID)
			continue
		}
		poolIDs, err := r.Store.ListPools(tenantID)
		if err != nil {
			report.fail("maintenance: listing pools for %s: %v", tenantID, err)
			continue
		}
		for _, poolID := range poolIDs {
			if !storefs.Exists(r.Store.PoolFile(tenantID, poolID)) {
				logging.Op().Warn("reconcile: orphan directory", "kind", "pool", "path", tenantID+"/"+poolID)
				continue
			}
			r.maintainPool(tenantID, poolID, report)
		}
	}
}

func (r *Reconciler) maintainPool(tenantID, poolID string, report *ReconcileReport) {
	instanceIDs, err := r.Store.ListInstances(tenantID, poolID)
	if err != nil {
		report.fail("maintenance: listing instances for %s/%s: %v", tenantID, poolID, err)
		return
	}
	for _, instanceID := range instanceIDs {
		if !storefs.Exists(r.Store.InstanceFile(tenantID, poolID, instanceID)) {
			logging.Op().Warn("reconcile: orphan directory", "kind", "instance", "path", fmt.Sprintf("%s/%s/%s", tenantID, poolID, instanceID))
			continue
		}
		inst, err := r.Store.LoadInstance(tenantID, poolID, instanceID)
		if err != nil {
			report.fail("maintenance: loading %s/%s/%s: %v", tenantID, poolID, instanceID, err)
			continue
		}
		if inst.Status != domain.StatusRunning && inst.Status != domain.StatusWarm {
			continue
		}
		if r.processAlive(inst.FirecrackerPID) {
			continue
		}
		r.markStale(inst, report)
	}
}

// processAlive cross-checks kill(pid, 0) against /proc/<pid>/cmdline
// actually naming the firecracker binary, so a reused PID never reads
// back as "alive" (supplemented from original_source/, not spelled out
// in spec.md's stale-PID wording).
func (r *Reconciler) processAlive(pid int) bool {
	if !vmmdriver.PIDAlive(pid) {
		return false
	}
	if r.FirecrackerBinary == "" {
		return true
	}
	cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		// /proc unavailable (non-Linux test host, or the process
		// exited between the kill(0) probe and this read) — fall back
		// to the liveness probe alone rather than false-negative.
		return true
	}
	binName := r.FirecrackerBinary
	if idx := strings.LastIndexByte(binName, '/'); idx >= 0 {
		binName = binName[idx+1:]
	}
	return bytes.Contains(cmdline, []byte(binName))
}

func (r *Reconciler) markStale(inst *domain.Instance, report *ReconcileReport) {
	lock, err := storefs.Acquire(r.Store.InstanceLockFile(inst.TenantID, inst.PoolID, inst.InstanceID))
	if err != nil {
		report.fail("maintenance: locking %s: %v", inst.InstanceID, err)
		return
	}
	defer lock.Release()

	fresh, err := r.Store.LoadInstance(inst.TenantID, inst.PoolID, inst.InstanceID)
	if err != nil {
		report.fail("maintenance: reloading %s: %v", inst.InstanceID, err)
		return
	}
	if fresh.Status != domain.StatusRunning && fresh.Status != domain.StatusWarm {
		return // raced with a concurrent operation that already moved it on
	}
	fresh.Status = domain.StatusStopped
	fresh.FirecrackerPID = 0
	fresh.EnteredRunningAt = nil
	fresh.EnteredWarmAt = nil
	if err := r.Store.SaveInstance(fresh); err != nil {
		report.fail("maintenance: saving %s: %v", inst.InstanceID, err)
		return
	}
	_ = r.Store.AppendAudit(domain.AuditEntry{
		Timestamp:  time.Now().UTC(),
		ActorID:    "reconcile",
		Actor:      "Reconcile",
		Action:     "stale_pid_detected",
		TenantID:   inst.TenantID,
		PoolID:     inst.PoolID,
		InstanceID: inst.InstanceID,
		Reason:     fmt.Sprintf("pid %d no longer a live firecracker process", inst.FirecrackerPID),
	})
	report.Stopped++
}
