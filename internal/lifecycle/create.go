package lifecycle

import (
	"net"
	"time"

	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/fleetforge/fleetd/internal/ferr"
	"github.com/fleetforge/fleetd/internal/ids"
	"github.com/fleetforge/fleetd/internal/quota"
	"github.com/fleetforge/fleetd/internal/statemachine"
	"github.com/fleetforge/fleetd/internal/storefs"
)

// Create allocates network identity and writes a fresh Created instance
// record (spec §4.9's create). instanceID may be empty to have one
// generated. Created carries no incoming trigger in the transition
// table — it is the instance's initial status, not a transition — so
// no statemachine.ValidateTransition call applies here.
func (lc *Lifecycle) Create(tenantID, poolID, instanceID, actorID string, reason Reason) (*domain.Instance, error) {
	if err := ids.ValidateID(tenantID); err != nil {
		return nil, err
	}
	if err := ids.ValidateID(poolID); err != nil {
		return nil, err
	}

	store := lc.deps.Store
	tenant, err := store.LoadTenant(tenantID)
	if err != nil {
		return nil, err
	}
	pool, err := store.LoadPool(tenantID, poolID)
	if err != nil {
		return nil, err
	}

	if instanceID == "" {
		instanceID, err = ids.GenerateInstanceID(func(id string) bool {
			return store.InstanceExists(tenantID, poolID, id)
		})
		if err != nil {
			return nil, err
		}
	} else if err := ids.ValidateInstanceID(instanceID); err != nil {
		return nil, err
	} else if store.InstanceExists(tenantID, poolID, instanceID) {
		return nil, ferr.New(ferr.KindIdInvalid, "instance "+instanceID+" already exists")
	}

	lock, err := storefs.Acquire(store.InstanceLockFile(tenantID, poolID, instanceID))
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	existingInPool, err := store.ListInstances(tenantID, poolID)
	if err != nil {
		return nil, err
	}
	if tenant.Quotas.MaxInstancesPerPool > 0 && uint32(len(existingInPool)) >= tenant.Quotas.MaxInstancesPerPool {
		return nil, ferr.QuotaExceeded("instances_per_pool", int64(tenant.Quotas.MaxInstancesPerPool), int64(len(existingInPool)), 1)
	}

	_, instances, err := lc.tenantSnapshot(tenantID)
	if err != nil {
		return nil, err
	}
	usage := quota.ComputeTenantUsage(map[string]domain.InstanceResources{poolID: pool.InstanceResources}, instances)
	newPool := len(existingInPool) == 0
	if err := quota.CheckQuota(tenant.Quotas, usage, quota.Delta{NewPool: newPool}); err != nil {
		return nil, err
	}

	used := map[int]bool{}
	for _, inst := range instances {
		if inst.Status != domain.StatusDestroyed {
			used[inst.Net.IPOffset] = true
		}
	}
	offset, err := ids.AllocateOffset(used)
	if err != nil {
		return nil, err
	}

	_, subnet, err := net.ParseCIDR(tenant.Network.IPv4Subnet)
	if err != nil {
		return nil, ferr.Wrap(ferr.KindAddressInvalid, "parsing tenant subnet "+tenant.Network.IPv4Subnet, err)
	}
	guestIP, err := ids.GuestIP(subnet, offset)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	inst := &domain.Instance{
		TenantID:   tenantID,
		PoolID:     poolID,
		InstanceID: instanceID,
		Status:     domain.StatusCreated,
		Net: domain.InstanceNetwork{
			TapDev:    ids.TAPName(tenant.Network.TenantNetID, offset),
			Mac:       ids.MAC(tenant.Network.TenantNetID, offset).String(),
			GuestIP:   guestIP.String(),
			GatewayIP: tenant.Network.GatewayIP,
			CIDR:      tenant.Network.IPv4Subnet,
			IPOffset:  offset,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.SaveInstance(inst); err != nil {
		return nil, err
	}

	op := opContext{tenantID: tenantID, poolID: poolID, instanceID: instanceID, actorID: actorID, reason: reason}
	if err := lc.audit(op, "create", ""); err != nil {
		return nil, err
	}
	return inst, nil
}

// Ready advances Created -> Ready once the pool's builder has produced
// revisionHash (spec §4.8: "Created -> Ready | pool build completes").
// Reconcile (component K) calls this once a build finishes; it is not
// one of the 9 CLI-facing verbs but shares this module's lock/validate/
// commit/audit discipline since it still mutates the instance record.
func (lc *Lifecycle) Ready(tenantID, poolID, instanceID, revisionHash, actorID string, reason Reason) (*domain.Instance, error) {
	store := lc.deps.Store
	lock, err := storefs.Acquire(store.InstanceLockFile(tenantID, poolID, instanceID))
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	inst, err := store.LoadInstance(tenantID, poolID, instanceID)
	if err != nil {
		return nil, err
	}
	target, err := statemachine.ValidateTransition(statemachine.State(inst.Status), statemachine.TriggerBuildComplete)
	if err != nil {
		return nil, err
	}

	inst.Status = domain.Status(target)
	inst.RevisionHash = revisionHash
	inst.UpdatedAt = time.Now().UTC()
	if err := store.SaveInstance(inst); err != nil {
		return nil, err
	}

	op := opContext{tenantID: tenantID, poolID: poolID, instanceID: instanceID, actorID: actorID, reason: reason}
	if err := lc.audit(op, "ready", ""); err != nil {
		return nil, err
	}
	return inst, nil
}
