package lifecycle

import (
	"github.com/fleetforge/fleetd/internal/domain"
)

// tenantSnapshot gathers every pool's InstanceResources and every
// instance record under a tenant, the input compute_tenant_usage
// (spec §4.10) needs. Pools/instances that fail to load are skipped
// rather than aborting the whole scan — a corrupt single record must
// not block every other instance's quota check.
func (lc *Lifecycle) tenantSnapshot(tenantID string) (map[string]domain.InstanceResources, []domain.Instance, error) {
	store := lc.deps.Store
	poolIDs, err := store.ListPools(tenantID)
	if err != nil {
		return nil, nil, err
	}

	resources := make(map[string]domain.InstanceResources, len(poolIDs))
	var instances []domain.Instance
	for _, poolID := range poolIDs {
		pool, err := store.LoadPool(tenantID, poolID)
		if err != nil {
			continue
		}
		resources[poolID] = pool.InstanceResources

		instanceIDs, err := store.ListInstances(tenantID, poolID)
		if err != nil {
			continue
		}
		for _, instanceID := range instanceIDs {
			inst, err := store.LoadInstance(tenantID, poolID, instanceID)
			if err != nil {
				continue
			}
			instances = append(instances, *inst)
		}
	}
	return resources, instances, nil
}
