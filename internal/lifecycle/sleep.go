package lifecycle

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/fleetforge/fleetd/internal/ferr"
	"github.com/fleetforge/fleetd/internal/guestchannel"
	"github.com/fleetforge/fleetd/internal/ids"
	"github.com/fleetforge/fleetd/internal/statemachine"
	"github.com/fleetforge/fleetd/internal/storefs"
	"github.com/fleetforge/fleetd/internal/vmmdriver"
)

// Sleep pauses, snapshots, and terminates a Warm instance's VMM while
// keeping its TAP and data volume intact (spec §4.9's sleep): unless
// force, it first drains the guest over the vsock channel, tolerating a
// timeout by proceeding anyway and recording MinRuntimeOverridden.
func (lc *Lifecycle) Sleep(tenantID, poolID, instanceID string, force bool, actorID string, reason Reason) (*domain.Instance, error) {
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
	target, err := statemachine.ValidateTransition(statemachine.State(inst.Status), statemachine.TriggerSleep)
	if err != nil {
		return nil, err
	}

	pool, err := store.LoadPool(tenantID, poolID)
	if err != nil {
		return nil, err
	}
	pool.RuntimePolicy.ApplyDefaults()

	now := time.Now().UTC()
	if !force {
		policy := statemachine.RuntimePolicy{MinWarmSeconds: int(pool.RuntimePolicy.MinWarmSeconds)}
		ts := statemachine.Timestamps{EnteredWarmAt: inst.EnteredWarmAt}
		if !statemachine.EligibleForSleep(ts, policy, now) {
			return nil, ferr.New(ferr.KindInvalidTransition, "instance "+instanceID+" has not met min_warm_secs yet; sleep deferred")
		}
	}

	handle, ok := lc.handles.get(tenantID, poolID, instanceID)
	if !ok {
		return nil, ferr.New(ferr.KindVmmApi, "no tracked vmm handle for "+instanceID+"; cannot sleep without a live process")
	}

	overridden := false
	if !force {
		tenant, err := store.LoadTenant(tenantID)
		if err != nil {
			return nil, err
		}
		drainTimeout := time.Duration(pool.RuntimePolicy.DrainTimeoutSeconds) * time.Second
		cid := ids.VsockCID(tenant.Network.TenantNetID, inst.Net.IPOffset)
		gc := guestchannel.New(cid, lc.deps.GuestAgentPort)

		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout+5*time.Second)
		if len(pool.SecretScopes) > 0 {
			integrations := make([]string, 0, len(pool.SecretScopes))
			for _, sc := range pool.SecretScopes {
				integrations = append(integrations, sc.Integration)
			}
			if _, err := gc.CheckpointIntegrations(ctx, integrations); err != nil {
				overridden = true
			}
		}
		if !overridden {
			ack, err := gc.SleepPrep(ctx, drainTimeout)
			if err != nil || !ack {
				overridden = true
			}
		}
		cancel()
	} else {
		overridden = true
	}

	runtimeRoot := store.InstanceRuntimeDir(tenantID, poolID, instanceID)
	if handle.Jailed {
		runtimeRoot = handle.JailDir
	}
	vmstateHost := filepath.Join(runtimeRoot, "vmstate.raw")
	memHost := filepath.Join(runtimeRoot, "mem.raw")
	vmstateGuest, memGuest := vmstateHost, memHost
	if handle.Jailed {
		vmstateGuest, memGuest = "/vmstate.raw", "/mem.raw"
	}

	ctx, cancel := context.WithTimeout(context.Background(), lc.deps.VMMConfig.BootTimeout)
	client := vmmdriver.NewClient(handle.SocketPath)
	if err := client.Pause(ctx); err != nil {
		cancel()
		return nil, err
	}
	if err := client.CreateSnapshot(ctx, "Diff", vmstateGuest, memGuest); err != nil {
		cancel()
		return nil, err
	}
	cancel()

	keyPtr, err := lc.resolveKey(tenantID)
	if err != nil {
		return nil, err
	}

	meta := domain.SnapshotMeta{RevisionHash: inst.RevisionHash}
	if err := lc.deps.Snapshots.CreateDelta(tenantID, poolID, instanceID, vmstateHost, memHost, pool.SnapshotCompression, keyPtr, meta); err != nil {
		return nil, err
	}

	gracePeriod := time.Duration(pool.RuntimePolicy.GracefulShutdownSeconds) * time.Second
	if err := handle.KillAndCleanup(gracePeriod, lc.deps.CgroupRoot); err != nil {
		return nil, err
	}
	lc.handles.delete(tenantID, poolID, instanceID)

	inst.Status = target
	inst.FirecrackerPID = 0
	inst.EnteredWarmAt = nil
	inst.UpdatedAt = time.Now().UTC()
	if err := store.SaveInstance(inst); err != nil {
		return nil, err
	}

	note := ""
	if overridden && !force {
		note = "MinRuntimeOverridden"
	}
	op := opContext{tenantID: tenantID, poolID: poolID, instanceID: instanceID, actorID: actorID, reason: reason}
	if err := lc.audit(op, "sleep", note); err != nil {
		return nil, err
	}
	return inst, nil
}
