package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/fleetforge/fleetd/internal/ferr"
	"github.com/fleetforge/fleetd/internal/guestchannel"
	"github.com/fleetforge/fleetd/internal/ids"
	"github.com/fleetforge/fleetd/internal/quota"
	"github.com/fleetforge/fleetd/internal/statemachine"
	"github.com/fleetforge/fleetd/internal/storefs"
	"github.com/fleetforge/fleetd/internal/vmmdriver"
)

// Wake resumes a Warm or Sleeping instance (spec §4.9's wake). Warm
// only needs PATCH /vm {Resumed} against its already-allocated,
// already-running process; Sleeping requires a full cold relaunch
// restoring the base+delta snapshot, since sleep terminated the VMM
// entirely.
func (lc *Lifecycle) Wake(tenantID, poolID, instanceID, actorID string, reason Reason) (*domain.Instance, error) {
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

	switch inst.Status {
	case domain.StatusWarm:
		return lc.resumeFromWarm(store, inst, actorID, reason)
	case domain.StatusSleeping:
		return lc.wakeFromSleep(store, inst, actorID, reason)
	default:
		_, err := statemachine.ValidateTransition(statemachine.State(inst.Status), statemachine.TriggerWake)
		if err != nil {
			return nil, err
		}
		return nil, ferr.New(ferr.KindInvalidTransition, "wake is only defined from Warm or Sleeping")
	}
}

func (lc *Lifecycle) resumeFromWarm(store *storefs.Store, inst *domain.Instance, actorID string, reason Reason) (*domain.Instance, error) {
	target, err := statemachine.ValidateTransition(statemachine.State(inst.Status), statemachine.TriggerResume)
	if err != nil {
		return nil, err
	}

	tenant, err := store.LoadTenant(inst.TenantID)
	if err != nil {
		return nil, err
	}
	resources, instances, err := lc.tenantSnapshot(inst.TenantID)
	if err != nil {
		return nil, err
	}
	usage := quota.ComputeTenantUsage(resources, instances)
	if err := quota.CheckQuota(tenant.Quotas, usage, quota.Delta{AddRunning: true}); err != nil {
		return nil, err
	}

	handle, ok := lc.handles.get(inst.TenantID, inst.PoolID, inst.InstanceID)
	if !ok {
		return nil, ferr.New(ferr.KindVmmApi, "no tracked vmm handle for "+inst.InstanceID+"; cannot resume without a live process")
	}

	ctx, cancel := context.WithTimeout(context.Background(), lc.deps.VMMConfig.BootTimeout)
	err = vmmdriver.NewClient(handle.SocketPath).Resume(ctx)
	cancel()
	if err != nil {
		return nil, err
	}
	lc.sendGuestWakeBestEffort(tenant, inst)

	now := time.Now().UTC()
	inst.Status = target
	inst.EnteredRunningAt = &now
	inst.EnteredWarmAt = nil
	inst.UpdatedAt = now
	if err := store.SaveInstance(inst); err != nil {
		return nil, err
	}

	op := opContext{tenantID: inst.TenantID, poolID: inst.PoolID, instanceID: inst.InstanceID, actorID: actorID, reason: reason}
	if err := lc.audit(op, "wake", ""); err != nil {
		return nil, err
	}
	return inst, nil
}

func (lc *Lifecycle) wakeFromSleep(store *storefs.Store, inst *domain.Instance, actorID string, reason Reason) (*domain.Instance, error) {
	target, err := statemachine.ValidateTransition(statemachine.State(inst.Status), statemachine.TriggerWake)
	if err != nil {
		return nil, err
	}

	tenant, err := store.LoadTenant(inst.TenantID)
	if err != nil {
		return nil, err
	}
	pool, err := store.LoadPool(inst.TenantID, inst.PoolID)
	if err != nil {
		return nil, err
	}
	if pool.CurrentRevisionHash == "" {
		return nil, ferr.New(ferr.KindSnapshotIncompat, "pool "+inst.PoolID+" has no built revision")
	}
	rev, err := store.LoadRevision(inst.TenantID, inst.PoolID, pool.CurrentRevisionHash)
	if err != nil {
		return nil, err
	}

	resources, instances, err := lc.tenantSnapshot(inst.TenantID)
	if err != nil {
		return nil, err
	}
	usage := quota.ComputeTenantUsage(resources, instances)
	delta := quota.Delta{
		VCPUs:      uint32(pool.InstanceResources.VCPUs),
		MemMiB:     uint64(pool.InstanceResources.MemMiB),
		AddRunning: true,
	}
	if err := quota.CheckQuota(tenant.Quotas, usage, delta); err != nil {
		return nil, err
	}

	if err := lc.deps.Net.EnsureTenantBridge(tenant.Network); err != nil {
		return nil, err
	}
	if err := lc.deps.Net.SetupTAP(inst.Net.TapDev, inst.Net.Mac, tenant.Network.BridgeName); err != nil {
		return nil, err
	}

	keyPtr, err := lc.resolveKey(inst.TenantID)
	if err != nil {
		lc.deps.Net.TeardownTAP(inst.Net.TapDev)
		return nil, err
	}
	scratchDir := filepath.Join(lc.deps.runtimeTmpDir(), "restore-"+inst.InstanceID)
	restore, err := lc.deps.Snapshots.Restore(inst.TenantID, inst.PoolID, inst.InstanceID, scratchDir, keyPtr)
	if err != nil {
		lc.deps.Net.TeardownTAP(inst.Net.TapDev)
		return nil, err
	}
	defer os.RemoveAll(scratchDir)

	vmstatePath, memPath := restore.BaseVmstate, restore.BaseMem
	if restore.DeltaVmstate != "" {
		vmstatePath, memPath = restore.DeltaVmstate, restore.DeltaMem
	}

	handle, _, err := lc.prepareLaunch(tenant, pool, rev, inst)
	if err != nil {
		lc.deps.Net.TeardownTAP(inst.Net.TapDev)
		return nil, err
	}

	runtimeRoot := store.InstanceRuntimeDir(inst.TenantID, inst.PoolID, inst.InstanceID)
	guestVmstate, guestMem := vmstatePath, memPath
	if handle.Jailed {
		runtimeRoot = handle.JailDir
		if guestVmstate, err = linkInto(runtimeRoot, vmstatePath); err != nil {
			_ = handle.Stop(0)
			lc.deps.Net.TeardownTAP(inst.Net.TapDev)
			return nil, err
		}
		if guestMem, err = linkInto(runtimeRoot, memPath); err != nil {
			_ = handle.Stop(0)
			lc.deps.Net.TeardownTAP(inst.Net.TapDev)
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), lc.deps.VMMConfig.BootTimeout)
	err = vmmdriver.NewClient(handle.SocketPath).LoadSnapshot(ctx, guestVmstate, guestMem, true)
	cancel()
	if err != nil {
		_ = handle.Stop(0)
		lc.deps.Net.TeardownTAP(inst.Net.TapDev)
		return nil, err
	}
	lc.handles.put(inst.TenantID, inst.PoolID, inst.InstanceID, handle)
	lc.sendGuestWakeBestEffort(tenant, inst)

	now := time.Now().UTC()
	inst.Status = target
	inst.FirecrackerPID = handle.PID()
	inst.EnteredRunningAt = &now
	inst.EnteredWarmAt = nil
	inst.UpdatedAt = now
	if err := store.SaveInstance(inst); err != nil {
		return nil, err
	}

	op := opContext{tenantID: inst.TenantID, poolID: inst.PoolID, instanceID: inst.InstanceID, actorID: actorID, reason: reason}
	if err := lc.audit(op, "wake", ""); err != nil {
		return nil, err
	}
	return inst, nil
}

// sendGuestWakeBestEffort notifies the guest agent it is back on a live
// VMM; failures are logged by the guestchannel client's own caller
// discipline and never block the wake operation (spec §4.9: "send
// guest Wake (best effort)").
func (lc *Lifecycle) sendGuestWakeBestEffort(tenant *domain.Tenant, inst *domain.Instance) {
	if lc.deps.GuestAgentPort == 0 {
		return
	}
	cid := ids.VsockCID(tenant.Network.TenantNetID, inst.Net.IPOffset)
	gc := guestchannel.New(cid, lc.deps.GuestAgentPort)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = gc.Wake(ctx)
}
