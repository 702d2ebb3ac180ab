package reconcile

import (
	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/fleetforge/fleetd/internal/lifecycle"
)

// prune destroys pools and tenants present on disk but absent from the
// desired document (spec §4.11 step 4), pools first so a
// prune_unknown_tenants pass never tries to remove a tenant directory
// while one of its pools is still mid-teardown. Pinned tenants and
// critical/pinned pools are never pruned regardless of the flags.
func (r *Reconciler) prune(ds domain.DesiredState, desiredTenants map[string]domain.DesiredTenant, report *ReconcileReport) {
	tenantIDs, err := r.Store.ListTenants()
	if err != nil {
		report.fail("prune: listing tenants: %v", err)
		return
	}

	for _, tenantID := range tenantIDs {
		dt, known := desiredTenants[tenantID]

		if ds.PruneUnknownPools {
			desiredPools := map[string]bool{}
			for _, dp := range dt.Pools {
				desiredPools[dp.PoolID] = true
			}
			poolIDs, err := r.Store.ListPools(tenantID)
			if err != nil {
				report.fail("prune: listing pools for %s: %v", tenantID, err)
				continue
			}
			for _, poolID := range poolIDs {
				if known && desiredPools[poolID] {
					continue
				}
				r.prunePool(tenantID, poolID, report)
			}
		}

		if ds.PruneUnknownTenants && !known {
			r.pruneTenant(tenantID, report)
		}
	}
}

func (r *Reconciler) prunePool(tenantID, poolID string, report *ReconcileReport) {
	pool, err := r.Store.LoadPool(tenantID, poolID)
	if err != nil {
		report.fail("prune: loading pool %s/%s: %v", tenantID, poolID, err)
		return
	}
	if pool.Pinned || pool.Critical {
		return
	}

	instanceIDs, err := r.Store.ListInstances(tenantID, poolID)
	if err != nil {
		report.fail("prune: listing instances for %s/%s: %v", tenantID, poolID, err)
		return
	}
	for _, instanceID := range instanceIDs {
		if err := r.LC.Destroy(tenantID, poolID, instanceID, true, "reconcile", lifecycle.ReasonReconcile); err != nil {
			report.fail("prune: destroying %s/%s/%s: %v", tenantID, poolID, instanceID, err)
			continue
		}
		report.Destroyed++
	}
	if err := r.Store.DeletePool(tenantID, poolID); err != nil {
		report.fail("prune: removing pool dir %s/%s: %v", tenantID, poolID, err)
	}
}

func (r *Reconciler) pruneTenant(tenantID string, report *ReconcileReport) {
	tenant, err := r.Store.LoadTenant(tenantID)
	if err != nil {
		report.fail("prune: loading tenant %s: %v", tenantID, err)
		return
	}
	if tenant.Pinned {
		return
	}

	poolIDs, err := r.Store.ListPools(tenantID)
	if err != nil {
		report.fail("prune: listing pools for %s: %v", tenantID, err)
		return
	}
	for _, poolID := range poolIDs {
		r.prunePool(tenantID, poolID, report)
	}
	if err := r.Store.DeleteTenant(tenantID); err != nil {
		report.fail("prune: removing tenant dir %s: %v", tenantID, err)
	}
}
