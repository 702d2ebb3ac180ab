package quota

import (
	"testing"
	"time"

	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/fleetforge/fleetd/internal/ferr"
)

func TestComputeTenantUsageSumsByStatus(t *testing.T) {
	resources := map[string]domain.InstanceResources{
		"workers": {VCPUs: 2, MemMiB: 512},
	}
	instances := []domain.Instance{
		{PoolID: "workers", Status: domain.StatusRunning},
		{PoolID: "workers", Status: domain.StatusRunning},
		{PoolID: "workers", Status: domain.StatusWarm},
		{PoolID: "workers", Status: domain.StatusSleeping},
		{PoolID: "workers", Status: domain.StatusStopped},
	}
	u := ComputeTenantUsage(resources, instances)
	if u.Running != 2 || u.Warm != 1 || u.Sleeping != 1 {
		t.Fatalf("unexpected counts: %+v", u)
	}
	if u.VCPUs != 6 || u.MemMiB != 1536 {
		t.Fatalf("expected only running+warm to count toward vcpu/mem usage: %+v", u)
	}
	if u.Pools != 1 {
		t.Fatalf("expected 1 distinct pool, got %d", u.Pools)
	}
}

func TestCheckQuotaReportsFirstExceededDimension(t *testing.T) {
	q := domain.Quotas{MaxVCPUs: 4, MaxMemMiB: 1024, MaxRunning: 10, MaxWarm: 10, MaxPools: 5}
	usage := Usage{VCPUs: 3}
	err := CheckQuota(q, usage, Delta{VCPUs: 2})
	if err == nil {
		t.Fatal("expected quota error")
	}
	fe, ok := err.(*ferr.Error)
	if !ok {
		t.Fatalf("expected *ferr.Error, got %T", err)
	}
	if fe.Kind != ferr.KindQuotaExceeded {
		t.Fatalf("unexpected kind: %v", fe.Kind)
	}
	if fe.Detail["dimension"] != "vcpus" {
		t.Fatalf("expected vcpus to be the first exceeded dimension, got %v", fe.Detail["dimension"])
	}
}

func TestCheckQuotaAllowsWithinHeadroom(t *testing.T) {
	q := domain.Quotas{MaxVCPUs: 8, MaxMemMiB: 4096, MaxRunning: 10, MaxWarm: 10, MaxPools: 5}
	usage := Usage{VCPUs: 2, MemMiB: 512, Running: 1}
	if err := CheckQuota(q, usage, Delta{VCPUs: 2, MemMiB: 256, AddRunning: true}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestCheckQuotaPoolLimit(t *testing.T) {
	q := domain.Quotas{MaxPools: 2}
	usage := Usage{Pools: 2}
	if err := CheckQuota(q, usage, Delta{NewPool: true}); err == nil {
		t.Fatal("expected pool quota exceeded error")
	}
}

func TestIdleDurationFallsBackToEnteredTimestamp(t *testing.T) {
	now := time.Now()
	enteredRunning := now.Add(-90 * time.Second)
	inst := domain.Instance{Status: domain.StatusRunning, EnteredRunningAt: &enteredRunning}
	d := IdleDuration(inst, now)
	if d < 89*time.Second || d > 91*time.Second {
		t.Fatalf("unexpected idle duration: %v", d)
	}
}

func TestIdleDurationPrefersLastWorkTS(t *testing.T) {
	now := time.Now()
	enteredRunning := now.Add(-10 * time.Minute)
	lastWork := now.Add(-5 * time.Second)
	inst := domain.Instance{Status: domain.StatusRunning, EnteredRunningAt: &enteredRunning, Idle: domain.IdleMetrics{LastWorkTS: &lastWork}}
	d := IdleDuration(inst, now)
	if d < 4*time.Second || d > 6*time.Second {
		t.Fatalf("expected idle duration near 5s from last_work_ts, got %v", d)
	}
}

func TestEvaluateRunningToWarm(t *testing.T) {
	th := Thresholds{WarmThreshold: 60 * time.Second, SleepThreshold: 300 * time.Second}
	inst := domain.Instance{Status: domain.StatusRunning}
	action := Evaluate(inst, 90*time.Second, th, true)
	if action != ActionRunningToWarm {
		t.Fatalf("expected ActionRunningToWarm, got %v", action)
	}
}

func TestEvaluateDeferredWhenIneligible(t *testing.T) {
	th := Thresholds{WarmThreshold: 60 * time.Second, SleepThreshold: 300 * time.Second}
	inst := domain.Instance{Status: domain.StatusRunning}
	action := Evaluate(inst, 90*time.Second, th, false)
	if action != ActionNone {
		t.Fatalf("expected ActionNone when ineligible, got %v", action)
	}
}

func TestEvaluateBelowThresholdStaysNone(t *testing.T) {
	th := Thresholds{WarmThreshold: 60 * time.Second, SleepThreshold: 300 * time.Second}
	inst := domain.Instance{Status: domain.StatusRunning}
	action := Evaluate(inst, 10*time.Second, th, true)
	if action != ActionNone {
		t.Fatalf("expected ActionNone below threshold, got %v", action)
	}
}

func TestOrderForEvictionEligibleFirstThenIdleDesc(t *testing.T) {
	candidates := []EvictionCandidate{
		{Instance: domain.Instance{InstanceID: "a"}, Eligible: false, IdleForMs: 9000},
		{Instance: domain.Instance{InstanceID: "b"}, Eligible: true, IdleForMs: 1000},
		{Instance: domain.Instance{InstanceID: "c"}, Eligible: true, IdleForMs: 5000},
	}
	ordered := OrderForEviction(candidates)
	if ordered[0].Instance.InstanceID != "c" || ordered[1].Instance.InstanceID != "b" || ordered[2].Instance.InstanceID != "a" {
		var ids []string
		for _, c := range ordered {
			ids = append(ids, c.Instance.InstanceID)
		}
		t.Fatalf("unexpected eviction order: %v", ids)
	}
}
