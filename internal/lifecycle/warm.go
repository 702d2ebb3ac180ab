package lifecycle

import (
	"context"
	"time"

	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/fleetforge/fleetd/internal/ferr"
	"github.com/fleetforge/fleetd/internal/statemachine"
	"github.com/fleetforge/fleetd/internal/storefs"
	"github.com/fleetforge/fleetd/internal/vmmdriver"
)

// Warm pauses a Running instance's VMM, keeping its process and
// allocation alive (spec §4.9's warm: "PATCH /vm {state: Paused}; set
// entered_warm_at=now"), gated by the min_running_secs guard unless the
// pool's runtime policy has already elapsed.
func (lc *Lifecycle) Warm(tenantID, poolID, instanceID, actorID string, reason Reason) (*domain.Instance, error) {
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
	target, err := statemachine.ValidateTransition(statemachine.State(inst.Status), statemachine.TriggerWarm)
	if err != nil {
		return nil, err
	}

	pool, err := store.LoadPool(tenantID, poolID)
	if err != nil {
		return nil, err
	}
	pool.RuntimePolicy.ApplyDefaults()

	now := time.Now().UTC()
	ts := statemachine.Timestamps{EnteredRunningAt: inst.EnteredRunningAt, EnteredWarmAt: inst.EnteredWarmAt}
	policy := statemachine.RuntimePolicy{MinRunningSeconds: int(pool.RuntimePolicy.MinRunningSeconds)}
	if reason != ReasonManual && !statemachine.EligibleForWarm(ts, policy, now) {
		return nil, ferr.New(ferr.KindInvalidTransition, "instance "+instanceID+" has not met min_running_secs yet; warm deferred")
	}

	handle, ok := lc.handles.get(tenantID, poolID, instanceID)
	if !ok {
		return nil, ferr.New(ferr.KindVmmApi, "no tracked vmm handle for "+instanceID+"; cannot warm without a live process")
	}

	ctx, cancel := context.WithTimeout(context.Background(), lc.deps.VMMConfig.BootTimeout)
	defer cancel()
	if err := vmmdriver.NewClient(handle.SocketPath).Pause(ctx); err != nil {
		return nil, err
	}

	inst.Status = target
	inst.EnteredWarmAt = &now
	inst.UpdatedAt = now
	if err := store.SaveInstance(inst); err != nil {
		return nil, err
	}

	op := opContext{tenantID: tenantID, poolID: poolID, instanceID: instanceID, actorID: actorID, reason: reason}
	if err := lc.audit(op, "warm", ""); err != nil {
		return nil, err
	}
	return inst, nil
}
