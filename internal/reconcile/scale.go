package reconcile

import (
	"sort"
	"time"

	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/fleetforge/fleetd/internal/ferr"
	"github.com/fleetforge/fleetd/internal/lifecycle"
	"github.com/fleetforge/fleetd/internal/quota"
	"github.com/fleetforge/fleetd/internal/statemachine"
)

// poolInstances buckets a pool's non-destroyed, non-manual-override
// instances by status for one scalePool pass. Manual-override
// instances (spec §4.11 "Manual override") are loaded only to be
// excluded — reconcile must not count, move, or touch them until the
// stamp expires.
type poolInstances struct {
	created  []domain.Instance
	ready    []domain.Instance
	running  []domain.Instance
	warm     []domain.Instance
	sleeping []domain.Instance
	stopped  []domain.Instance
}

func (r *Reconciler) loadPoolInstances(tenantID, poolID string, now time.Time) (poolInstances, error) {
	var buckets poolInstances
	ids, err := r.Store.ListInstances(tenantID, poolID)
	if err != nil {
		return buckets, err
	}
	for _, id := range ids {
		inst, err := r.Store.LoadInstance(tenantID, poolID, id)
		if err != nil {
			continue
		}
		if inst.UnderManualOverride(now) || inst.Status == domain.StatusDestroyed {
			continue
		}
		switch inst.Status {
		case domain.StatusCreated:
			buckets.created = append(buckets.created, *inst)
		case domain.StatusReady:
			buckets.ready = append(buckets.ready, *inst)
		case domain.StatusRunning:
			buckets.running = append(buckets.running, *inst)
		case domain.StatusWarm:
			buckets.warm = append(buckets.warm, *inst)
		case domain.StatusSleeping:
			buckets.sleeping = append(buckets.sleeping, *inst)
		case domain.StatusStopped:
			buckets.stopped = append(buckets.stopped, *inst)
		}
	}
	return buckets, nil
}

// scalePool converges one pool's Running/Warm/Sleeping populations
// toward desired (spec §4.11 step 3c), in scale-up precedence order:
// wake Sleeping -> resume Warm -> start Stopped/Ready -> create new.
// Net-new creation only ever targets the Running deficit; Warm and
// Sleeping targets are satisfied by reclassifying instances already in
// the pool (a Running instance parked at Warm, a Warm instance parked
// at Sleeping) rather than by creating dedicated idle-capacity VMs —
// there is nothing in spec §3's Pool entity distinguishing "a warm
// instance kept warm on purpose" from "a running instance cooling
// down", so the simplest reading treats desired_counts.warm/sleeping as
// a floor reconcile preserves when shrinking Running, not a trigger for
// additional creation.
func (r *Reconciler) scalePool(tenantID string, pool *domain.Pool, desired domain.DesiredCounts, actorID string, report *ReconcileReport) {
	now := time.Now().UTC()
	buckets, err := r.loadPoolInstances(tenantID, pool.PoolID, now)
	if err != nil {
		report.fail("pool %s/%s: listing instances: %v", tenantID, pool.PoolID, err)
		return
	}

	for _, inst := range buckets.created {
		if _, err := r.LC.Ready(tenantID, pool.PoolID, inst.InstanceID, pool.CurrentRevisionHash, actorID, lifecycle.ReasonReconcile); err != nil {
			report.fail("instance %s: ready: %v", inst.InstanceID, err)
			continue
		}
		buckets.ready = append(buckets.ready, inst)
	}

	runningCount := len(buckets.running)
	switch {
	case runningCount < int(desired.Running):
		r.scaleRunningUp(tenantID, pool, int(desired.Running)-runningCount, &buckets, actorID, report)
	case runningCount > int(desired.Running):
		r.scaleRunningDown(tenantID, pool, runningCount-int(desired.Running), &buckets, actorID, report)
	}

	r.convergeWarm(tenantID, pool, int(desired.Warm), &buckets, actorID, report)
	r.convergeSleeping(tenantID, pool, int(desired.Sleeping), &buckets, actorID, report)
}

func (r *Reconciler) scaleRunningUp(tenantID string, pool *domain.Pool, deficit int, b *poolInstances, actorID string, report *ReconcileReport) {
	for deficit > 0 && len(b.sleeping) > 0 {
		inst := popOldest(&b.sleeping)
		if r.wake(tenantID, pool.PoolID, inst.InstanceID, actorID, report) {
			deficit--
		}
	}
	for deficit > 0 && len(b.warm) > 0 {
		inst := popOldest(&b.warm)
		if r.wake(tenantID, pool.PoolID, inst.InstanceID, actorID, report) {
			deficit--
		}
	}
	for deficit > 0 && len(b.stopped) > 0 {
		inst := popOldest(&b.stopped)
		if r.start(tenantID, pool.PoolID, inst.InstanceID, actorID, report) {
			deficit--
		}
	}
	for deficit > 0 && len(b.ready) > 0 {
		inst := popOldest(&b.ready)
		if r.start(tenantID, pool.PoolID, inst.InstanceID, actorID, report) {
			deficit--
		}
	}
	for deficit > 0 {
		inst, err := r.LC.Create(tenantID, pool.PoolID, "", actorID, lifecycle.ReasonReconcile)
		if err != nil {
			if ferr.Of(err, ferr.KindQuotaExceeded) {
				report.deferred("quota exceeded creating instance in " + pool.PoolID)
			} else {
				report.fail("pool %s: create: %v", pool.PoolID, err)
			}
			return
		}
		report.Created++
		if _, err := r.LC.Ready(tenantID, pool.PoolID, inst.InstanceID, pool.CurrentRevisionHash, actorID, lifecycle.ReasonReconcile); err != nil {
			report.fail("instance %s: ready: %v", inst.InstanceID, err)
			return
		}
		if !r.start(tenantID, pool.PoolID, inst.InstanceID, actorID, report) {
			return
		}
		deficit--
	}
}

func (r *Reconciler) scaleRunningDown(tenantID string, pool *domain.Pool, surplus int, b *poolInstances, actorID string, report *ReconcileReport) {
	sort.Slice(b.running, func(i, j int) bool { return b.running[i].CreatedAt.After(b.running[j].CreatedAt) })
	for i := 0; i < surplus && i < len(b.running); i++ {
		inst := b.running[i]
		if _, err := r.LC.Stop(tenantID, pool.PoolID, inst.InstanceID, false, actorID, lifecycle.ReasonReconcile); err != nil {
			if ferr.Of(err, ferr.KindInvalidTransition) {
				report.deferred("stop " + inst.InstanceID + ": min_running_secs not yet elapsed")
			} else {
				report.fail("instance %s: stop: %v", inst.InstanceID, err)
			}
			continue
		}
		report.Stopped++
	}
}

// convergeWarm moves Running instances to Warm (oldest first, once
// eligible) until the pool holds at least desiredWarm of them, or wakes
// surplus Warm instances back toward Running-deficit bookkeeping is not
// this function's job — it only ever grows Warm from Running, since
// shrinking Warm happens in convergeSleeping (warm -> sleeping) or via
// the sleep-policy pass evaluating idle time.
func (r *Reconciler) convergeWarm(tenantID string, pool *domain.Pool, desiredWarm int, b *poolInstances, actorID string, report *ReconcileReport) {
	deficit := desiredWarm - len(b.warm)
	policy := smPolicy(pool.RuntimePolicy)
	for deficit > 0 && len(b.running) > 0 {
		inst := popOldest(&b.running)
		ts := statemachine.Timestamps{EnteredRunningAt: inst.EnteredRunningAt}
		if !statemachine.EligibleForWarm(ts, policy, time.Now().UTC()) {
			report.deferred("warm " + inst.InstanceID + ": min_running_secs not yet elapsed")
			continue
		}
		if _, err := r.LC.Warm(tenantID, pool.PoolID, inst.InstanceID, actorID, lifecycle.ReasonReconcile); err != nil {
			report.fail("instance %s: warm: %v", inst.InstanceID, err)
			continue
		}
		report.Warmed++
		b.warm = append(b.warm, inst)
		deficit--
	}
}

// convergeSleeping moves Warm instances to Sleeping (oldest first, once
// eligible) until the pool holds at least desiredSleeping of them.
func (r *Reconciler) convergeSleeping(tenantID string, pool *domain.Pool, desiredSleeping int, b *poolInstances, actorID string, report *ReconcileReport) {
	deficit := desiredSleeping - len(b.sleeping)
	policy := smPolicy(pool.RuntimePolicy)
	for deficit > 0 && len(b.warm) > 0 {
		inst := popOldest(&b.warm)
		ts := statemachine.Timestamps{EnteredWarmAt: inst.EnteredWarmAt}
		if !statemachine.EligibleForSleep(ts, policy, time.Now().UTC()) {
			report.deferred("sleep " + inst.InstanceID + ": min_warm_secs not yet elapsed")
			continue
		}
		if _, err := r.LC.Sleep(tenantID, pool.PoolID, inst.InstanceID, false, actorID, lifecycle.ReasonReconcile); err != nil {
			report.fail("instance %s: sleep: %v", inst.InstanceID, err)
			continue
		}
		report.Slept++
		b.sleeping = append(b.sleeping, inst)
		deficit--
	}
}

// sleepPolicy runs spec §4.10's idle-driven per-instance evaluation
// across a pool's Running/Warm instances, independent of the
// desired_counts convergence above: an instance desired_counts would
// otherwise leave Running can still idle its way to Warm, and Warm to
// Sleeping, between ticks.
func (r *Reconciler) sleepPolicy(tenantID string, pool *domain.Pool, actorID string, report *ReconcileReport) {
	now := time.Now().UTC()
	buckets, err := r.loadPoolInstances(tenantID, pool.PoolID, now)
	if err != nil {
		report.fail("pool %s/%s: sleep policy: listing instances: %v", tenantID, pool.PoolID, err)
		return
	}
	th := thresholdsFor(pool.RuntimePolicy)
	policy := smPolicy(pool.RuntimePolicy)

	for _, inst := range buckets.running {
		idle := quota.IdleDuration(inst, now)
		ts := statemachine.Timestamps{EnteredRunningAt: inst.EnteredRunningAt}
		eligible := statemachine.EligibleForWarm(ts, policy, now)
		switch quota.Evaluate(inst, idle, th, eligible) {
		case quota.ActionRunningToWarm:
			if _, err := r.LC.Warm(tenantID, pool.PoolID, inst.InstanceID, actorID, lifecycle.ReasonSleepPolicy); err != nil {
				report.fail("instance %s: sleep-policy warm: %v", inst.InstanceID, err)
				continue
			}
			report.Warmed++
		case quota.ActionNone:
			if idle >= th.WarmThreshold && !eligible {
				report.deferred("warm " + inst.InstanceID + ": sleep policy, min_running_secs not yet elapsed")
			}
		}
	}

	for _, inst := range buckets.warm {
		idle := quota.IdleDuration(inst, now)
		ts := statemachine.Timestamps{EnteredWarmAt: inst.EnteredWarmAt}
		eligible := statemachine.EligibleForSleep(ts, policy, now)
		switch quota.Evaluate(inst, idle, th, eligible) {
		case quota.ActionWarmToSleep:
			if _, err := r.LC.Sleep(tenantID, pool.PoolID, inst.InstanceID, false, actorID, lifecycle.ReasonSleepPolicy); err != nil {
				report.fail("instance %s: sleep-policy sleep: %v", inst.InstanceID, err)
				continue
			}
			report.Slept++
		case quota.ActionNone:
			if idle >= th.SleepThreshold && !eligible {
				report.deferred("sleep " + inst.InstanceID + ": sleep policy, min_warm_secs not yet elapsed")
			}
		}
	}
}

func (r *Reconciler) wake(tenantID, poolID, instanceID, actorID string, report *ReconcileReport) bool {
	if _, err := r.LC.Wake(tenantID, poolID, instanceID, actorID, lifecycle.ReasonReconcile); err != nil {
		if ferr.Of(err, ferr.KindQuotaExceeded) {
			report.deferred("quota exceeded waking " + instanceID)
		} else {
			report.fail("instance %s: wake: %v", instanceID, err)
		}
		return false
	}
	report.Woken++
	return true
}

func (r *Reconciler) start(tenantID, poolID, instanceID, actorID string, report *ReconcileReport) bool {
	if _, err := r.LC.Start(tenantID, poolID, instanceID, actorID, lifecycle.ReasonReconcile); err != nil {
		if ferr.Of(err, ferr.KindQuotaExceeded) {
			report.deferred("quota exceeded starting " + instanceID)
		} else {
			report.fail("instance %s: start: %v", instanceID, err)
		}
		return false
	}
	report.Started++
	return true
}

// popOldest removes and returns the oldest (by CreatedAt) instance from
// a bucket slice.
func popOldest(bucket *[]domain.Instance) domain.Instance {
	b := *bucket
	oldest := 0
	for i := 1; i < len(b); i++ {
		if b[i].CreatedAt.Before(b[oldest].CreatedAt) {
			oldest = i
		}
	}
	inst := b[oldest]
	*bucket = append(b[:oldest], b[oldest+1:]...)
	return inst
}
