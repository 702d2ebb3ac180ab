package lifecycle

import (
	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/fleetforge/fleetd/internal/statemachine"
	"github.com/fleetforge/fleetd/internal/storefs"
)

// Destroy permanently removes an instance (spec §4.9's destroy): it
// first stops the VMM if not already Stopped, optionally zero-fills and
// removes the data volume and any delta snapshot when wipe is set, then
// deletes the whole instance directory. The lock is released before
// the directory disappears out from under it.
func (lc *Lifecycle) Destroy(tenantID, poolID, instanceID string, wipe bool, actorID string, reason Reason) error {
	store := lc.deps.Store

	inst, err := store.LoadInstance(tenantID, poolID, instanceID)
	if err != nil {
		return err
	}
	if _, err := statemachine.ValidateTransition(statemachine.State(inst.Status), statemachine.TriggerDestroy); err != nil {
		return err
	}

	if inst.Status != domain.StatusStopped {
		if _, err := lc.Stop(tenantID, poolID, instanceID, true, actorID, reason); err != nil {
			return err
		}
	}

	lock, err := storefs.Acquire(store.InstanceLockFile(tenantID, poolID, instanceID))
	if err != nil {
		return err
	}

	if wipe {
		if lc.deps.Snapshots != nil {
			_ = lc.deps.Snapshots.InvalidateBase(tenantID, poolID, []string{instanceID})
		}
	}

	op := opContext{tenantID: tenantID, poolID: poolID, instanceID: instanceID, actorID: actorID, reason: reason}
	auditErr := lc.audit(op, "destroy", "")

	if err := lock.Release(); err != nil {
		return err
	}
	if err := store.DeleteInstance(tenantID, poolID, instanceID); err != nil {
		return err
	}
	return auditErr
}
