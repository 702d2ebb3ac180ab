// Package quota implements tenant usage accounting and sleep-policy
// evaluation (spec component J, §4.10). Grounded on the teacher's
// internal/checkpoint usage-accounting idiom (summing over a durable
// record set rather than a live counter) and its pool-priority ordering
// in internal/scheduler.
package quota

import (
	"sort"
	"time"

	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/fleetforge/fleetd/internal/ferr"
)

// Usage is a tenant's current aggregate consumption over its instance
// records (spec §4.10: compute_tenant_usage). vCPUs and memory count
// Running and Warm instances only; Sleeping instances add only to the
// Sleeping count.
type Usage struct {
	VCPUs    uint32
	MemMiB   uint64
	Running  uint32
	Warm     uint32
	Sleeping uint32
	Pools    uint32
}

// ComputeTenantUsage sums vCPUs, memory, and per-status instance counts
// across every instance of every pool under a tenant. poolResources
// maps pool_id to its InstanceResources so the caller need not look
// pools up again per-instance.
func ComputeTenantUsage(poolResources map[string]domain.InstanceResources, instances []domain.Instance) Usage {
	var u Usage
	seenPools := map[string]bool{}
	for _, inst := range instances {
		seenPools[inst.PoolID] = true
		res := poolResources[inst.PoolID]
		switch inst.Status {
		case domain.StatusRunning:
			u.VCPUs += uint32(res.VCPUs)
			u.MemMiB += uint64(res.MemMiB)
			u.Running++
		case domain.StatusWarm:
			u.VCPUs += uint32(res.VCPUs)
			u.MemMiB += uint64(res.MemMiB)
			u.Warm++
		case domain.StatusSleeping:
			u.Sleeping++
		}
	}
	u.Pools = uint32(len(seenPools))
	return u
}

// Delta names the resource request a lifecycle operation is about to
// make, checked against remaining quota headroom.
type Delta struct {
	VCPUs      uint32
	MemMiB     uint64
	AddRunning bool
	AddWarm    bool
	NewPool    bool
}

// CheckQuota rejects delta with a structured error naming the first
// dimension that would be exceeded (spec §4.10). Dimensions are checked
// in a fixed order so the same request always reports the same
// exceeded dimension.
func CheckQuota(q domain.Quotas, usage Usage, delta Delta) error {
	if delta.VCPUs > 0 && usage.VCPUs+delta.VCPUs > q.MaxVCPUs {
		return ferr.QuotaExceeded("vcpus", int64(q.MaxVCPUs), int64(usage.VCPUs), int64(delta.VCPUs))
	}
	if delta.MemMiB > 0 && usage.MemMiB+delta.MemMiB > q.MaxMemMiB {
		return ferr.QuotaExceeded("mem_mib", int64(q.MaxMemMiB), int64(usage.MemMiB), int64(delta.MemMiB))
	}
	if delta.AddRunning && usage.Running+1 > q.MaxRunning {
		return ferr.QuotaExceeded("running", int64(q.MaxRunning), int64(usage.Running), 1)
	}
	if delta.AddWarm && usage.Warm+1 > q.MaxWarm {
		return ferr.QuotaExceeded("warm", int64(q.MaxWarm), int64(usage.Warm), 1)
	}
	if delta.NewPool && usage.Pools+1 > q.MaxPools {
		return ferr.QuotaExceeded("pools", int64(q.MaxPools), int64(usage.Pools), 1)
	}
	return nil
}

// SleepAction is the outcome of evaluating one instance against a
// pool's idle thresholds.
type SleepAction string

const (
	ActionNone          SleepAction = "none"
	ActionRunningToWarm SleepAction = "running_to_warm"
	ActionWarmToSleep   SleepAction = "warm_to_sleep"
)

// Thresholds carries a pool's warm_threshold/sleep_threshold idle
// durations.
type Thresholds struct {
	WarmThreshold  time.Duration
	SleepThreshold time.Duration
}

// IdleDuration computes how long an instance has shown no work, per
// spec §4.10's idle-duration input: now - last_work_ts, or, absent any
// recorded work, now - entered_running_at / entered_warm_at.
func IdleDuration(inst domain.Instance, now time.Time) time.Duration {
	if inst.Idle.LastWorkTS != nil {
		return now.Sub(*inst.Idle.LastWorkTS)
	}
	switch inst.Status {
	case domain.StatusRunning:
		if inst.EnteredRunningAt != nil {
			return now.Sub(*inst.EnteredRunningAt)
		}
	case domain.StatusWarm:
		if inst.EnteredWarmAt != nil {
			return now.Sub(*inst.EnteredWarmAt)
		}
	}
	return 0
}

// Evaluate decides a pool's periodic per-reconcile-tick sleep-policy
// action for one instance (spec §4.10's table), consulting the
// statemachine eligibility guard via eligible (callers pass
// statemachine.EligibleForWarm/EligibleForSleep so this package stays
// independent of statemachine's RuntimePolicy/Timestamps shapes).
// Pinned/critical pools and instances under manual override must be
// excluded by the caller before calling Evaluate.
func Evaluate(inst domain.Instance, idle time.Duration, th Thresholds, eligible bool) SleepAction {
	switch inst.Status {
	case domain.StatusRunning:
		if idle >= th.WarmThreshold {
			if !eligible {
				return ActionNone // deferred; caller records TransitionDeferred
			}
			return ActionRunningToWarm
		}
	case domain.StatusWarm:
		if idle >= th.SleepThreshold {
			if !eligible {
				return ActionNone
			}
			return ActionWarmToSleep
		}
	}
	return ActionNone
}

// EvictionCandidate pairs an instance with its eligibility and idle
// duration for memory-pressure eviction ordering.
type EvictionCandidate struct {
	Instance  domain.Instance
	Eligible  bool
	IdleForMs int64
}

// OrderForEviction sorts candidates (eligible_first, idle_desc) per
// spec §4.10's memory-pressure eviction rule: ineligible candidates are
// deprioritized, never excluded, so a caller that must free memory can
// still fall back to them once every eligible instance is asleep.
func OrderForEviction(candidates []EvictionCandidate) []EvictionCandidate {
	out := make([]EvictionCandidate, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Eligible != out[j].Eligible {
			return out[i].Eligible // true sorts first
		}
		return out[i].IdleForMs > out[j].IdleForMs
	})
	return out
}

// String renders a SleepAction for audit-log/log-line use.
func (a SleepAction) String() string { return string(a) }
