// Package statemachine enumerates the instance lifecycle's closed state
// set and transition table (spec component H, §4.8) and evaluates the
// minimum-runtime eligibility guards against wall-clock timestamps.
package statemachine

import (
	"time"

	"github.com/fleetforge/fleetd/internal/ferr"
)

// State is the closed set of instance lifecycle states.
type State string

const (
	Created   State = "Created"
	Ready     State = "Ready"
	Running   State = "Running"
	Warm      State = "Warm"
	Sleeping  State = "Sleeping"
	Stopped   State = "Stopped"
	Destroyed State = "Destroyed"
)

// Trigger is the closed set of lifecycle triggers that attempt a
// transition.
type Trigger string

const (
	TriggerBuildComplete Trigger = "build_complete"
	TriggerStart         Trigger = "start"
	TriggerWarm          Trigger = "warm"
	TriggerStop          Trigger = "stop"
	TriggerSleep         Trigger = "sleep"
	TriggerResume        Trigger = "resume"
	TriggerWake          Trigger = "wake"
	TriggerFreshBoot     Trigger = "fresh_boot"
	TriggerRebuild       Trigger = "rebuild"
	TriggerDestroy       Trigger = "destroy"
)

type edge struct {
	from, to State
}

// transitions is the exhaustive table from spec §4.8. Any (from,
// trigger) pair not present here fails with InvalidTransition.
var transitions = map[Trigger]edge{
	TriggerBuildComplete: {Created, Ready},
	TriggerStart:         {Ready, Running},
	TriggerWarm:          {Running, Warm},
	TriggerStop:          {Running, Stopped},
	TriggerSleep:         {Warm, Sleeping},
	TriggerResume:        {Warm, Running},
	TriggerWake:          {Sleeping, Running},
	TriggerFreshBoot:     {Stopped, Running},
	TriggerRebuild:       {Ready, Ready},
}

// Additional from-states that share a trigger's destination but aren't
// captured by the single-edge table above (Warm -> Stopped, Sleeping ->
// Stopped both use TriggerStop; any -> Destroyed uses TriggerDestroy).
var extraTransitions = map[Trigger][]edge{
	TriggerStop:    {{Warm, Stopped}, {Sleeping, Stopped}},
	TriggerDestroy: {{Created, Destroyed}, {Ready, Destroyed}, {Running, Destroyed}, {Warm, Destroyed}, {Sleeping, Destroyed}, {Stopped, Destroyed}},
}

// ValidateTransition returns nil iff (from, trigger) names a transition
// in the table, and reports its destination. Otherwise it returns
// InvalidTransition{from,to} where to is the table's sole candidate
// destination for the trigger, or "" if the trigger is unknown.
func ValidateTransition(from State, trigger Trigger) (State, error) {
	if e, ok := transitions[trigger]; ok && e.from == from {
		return e.to, nil
	}
	for _, e := range extraTransitions[trigger] {
		if e.from == from {
			return e.to, nil
		}
	}
	to := ""
	if e, ok := transitions[trigger]; ok {
		to = string(e.to)
	}
	return "", ferr.InvalidTransition(string(from), to)
}

// RuntimePolicy carries the minimum-runtime eligibility thresholds from
// a pool's runtime_policy (spec §6.3).
type RuntimePolicy struct {
	MinRunningSeconds int
	MinWarmSeconds    int
}

// Timestamps mirrors the subset of an instance record the eligibility
// guards consult.
type Timestamps struct {
	EnteredRunningAt *time.Time
	EnteredWarmAt    *time.Time
}

// EligibleForWarm reports whether a Running->Warm transition is allowed
// right now under the min_running_secs guard (spec §3 invariant 7).
func EligibleForWarm(ts Timestamps, policy RuntimePolicy, now time.Time) bool {
	if ts.EnteredRunningAt == nil {
		return false
	}
	return now.Sub(*ts.EnteredRunningAt) >= time.Duration(policy.MinRunningSeconds)*time.Second
}

// EligibleForSleep reports whether a Warm->Sleeping transition is
// allowed right now under the min_warm_secs guard.
func EligibleForSleep(ts Timestamps, policy RuntimePolicy, now time.Time) bool {
	if ts.EnteredWarmAt == nil {
		return false
	}
	return now.Sub(*ts.EnteredWarmAt) >= time.Duration(policy.MinWarmSeconds)*time.Second
}

// EligibleForStop mirrors EligibleForWarm: stop from Running shares the
// same min_running_secs guard per the transition table's "same as
// above" footnote, unless the caller forces the transition.
func EligibleForStop(ts Timestamps, policy RuntimePolicy, now time.Time, force bool) bool {
	if force {
		return true
	}
	return EligibleForWarm(ts, policy, now)
}
