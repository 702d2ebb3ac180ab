package lifecycle

import (
	"time"

	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/fleetforge/fleetd/internal/ferr"
	"github.com/fleetforge/fleetd/internal/statemachine"
	"github.com/fleetforge/fleetd/internal/storefs"
	"github.com/fleetforge/fleetd/internal/vmmdriver"
)

// Stop tears an instance's VMM down to Stopped, best-effort, from
// Running, Warm, or Sleeping (spec §4.9's stop): kill the process
// (tracked handle if known, else a PID-only fallback), release the
// cgroup, tear down the TAP, and clear both runtime timestamps. The
// data volume is left intact.
func (lc *Lifecycle) Stop(tenantID, poolID, instanceID string, force bool, actorID string, reason Reason) (*domain.Instance, error) {
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
	if inst.Status == domain.StatusStopped {
		return inst, nil
	}
	target, err := statemachine.ValidateTransition(statemachine.State(inst.Status), statemachine.TriggerStop)
	if err != nil {
		return nil, err
	}

	if inst.Status == domain.StatusRunning {
		pool, err := store.LoadPool(tenantID, poolID)
		if err != nil {
			return nil, err
		}
		pool.RuntimePolicy.ApplyDefaults()
		policy := statemachine.RuntimePolicy{MinRunningSeconds: int(pool.RuntimePolicy.MinRunningSeconds)}
		ts := statemachine.Timestamps{EnteredRunningAt: inst.EnteredRunningAt}
		if !statemachine.EligibleForStop(ts, policy, time.Now().UTC(), force) {
			return nil, ferr.New(ferr.KindInvalidTransition, "instance "+instanceID+" has not met min_running_secs yet; stop deferred")
		}
	}

	gracePeriod := 15 * time.Second
	if pool, perr := store.LoadPool(tenantID, poolID); perr == nil {
		pool.RuntimePolicy.ApplyDefaults()
		gracePeriod = time.Duration(pool.RuntimePolicy.GracefulShutdownSeconds) * time.Second
	}

	if handle, ok := lc.handles.get(tenantID, poolID, instanceID); ok {
		if err := handle.KillAndCleanup(gracePeriod, lc.deps.CgroupRoot); err != nil {
			return nil, err
		}
		lc.handles.delete(tenantID, poolID, instanceID)
	} else if inst.FirecrackerPID != 0 {
		if err := vmmdriver.KillPID(inst.FirecrackerPID, gracePeriod); err != nil {
			return nil, err
		}
	}

	lc.deps.Net.TeardownTAP(inst.Net.TapDev)

	inst.Status = target
	inst.FirecrackerPID = 0
	inst.EnteredRunningAt = nil
	inst.EnteredWarmAt = nil
	inst.UpdatedAt = time.Now().UTC()
	if err := store.SaveInstance(inst); err != nil {
		return nil, err
	}

	op := opContext{tenantID: tenantID, poolID: poolID, instanceID: instanceID, actorID: actorID, reason: reason}
	if err := lc.audit(op, "stop", ""); err != nil {
		return nil, err
	}
	return inst, nil
}
