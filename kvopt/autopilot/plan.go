// Package autopilot owns the plan lifecycle: it turns Policy Engine
// decisions into plans, shadows and applies them through the plugin
// registry, watches the result and commits or rolls back.
package autopilot

import (
	"time"

	"github.com/kvopt/kv-optkit/kvopt"
	"github.com/kvopt/kv-optkit/kvopt/policy"
)

// Status is the lifecycle state of a Plan.
type Status string

const (
	StatusCreated    Status = "created"
	StatusShadow     Status = "shadow"
	StatusApplying   Status = "applying"
	StatusApplied    Status = "applied"
	StatusMonitoring Status = "monitoring"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolled_back"
	StatusAborted    Status = "aborted"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusRolledBack || s == StatusAborted
}

// transitions lists the legal moves out of each non-terminal status.
var transitions = map[Status][]Status{
	StatusCreated:    {StatusShadow, StatusAborted, StatusRolledBack},
	StatusShadow:     {StatusApplying, StatusAborted, StatusRolledBack},
	StatusApplying:   {StatusApplied, StatusRolledBack},
	StatusApplied:    {StatusMonitoring, StatusRolledBack},
	StatusMonitoring: {StatusMonitoring, StatusCommitted, StatusRolledBack},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ActionState tracks one planned action.
type ActionState string

const (
	ActionPending       ActionState = "pending"
	ActionApplied       ActionState = "applied"
	ActionFailed        ActionState = "failed"
	ActionReverted      ActionState = "reverted"
	ActionUnrecoverable ActionState = "unrecoverable"
)

// PlannedAction is one recommendation inside a plan with what happened to it.
type PlannedAction struct {
	Recommendation kvopt.Recommendation
	Shadow         bool // run during the shadow phase and measured before apply
	State          ActionState
	Provider       string // plugin that performed it
	TokensMoved    int
	FreedGB        float64
	DeviationPct   float64
	Error          string
}

// Plan is one batch of autopilot actions. Plans are values: every change
// is stored in the Arena as a new version and earlier versions are never
// modified.
type Plan struct {
	ID         string
	Version    int
	Status     Status
	TargetUtil float64
	Actions    []PlannedAction
	Rejected   []kvopt.Recommendation
	Notes      []string

	CreatedAt  time.Time
	AppliedAt  time.Time
	FinishedAt time.Time

	BaselineHBMGB            float64
	BaselineAccuracyPct      float64
	TotalTokens              int
	ObservedAccuracyDeltaPct float64
	ObservedHBMSavedGB       float64
	HealthyTicks             int

	stateBefore policy.AccuracyState
}

// clone returns a deep copy so the next version shares no slices with this one.
func (p Plan) clone() Plan {
	cp := p
	cp.Actions = append([]PlannedAction(nil), p.Actions...)
	cp.Rejected = append([]kvopt.Recommendation(nil), p.Rejected...)
	cp.Notes = append([]string(nil), p.Notes...)
	return cp
}

// Count returns how many actions are in state s.
func (p Plan) Count(s ActionState) int {
	n := 0
	for _, a := range p.Actions {
		if a.State == s {
			n++
		}
	}
	return n
}

// shadowPending reports whether a shadow action has not run yet.
func (p Plan) shadowPending() bool {
	for _, a := range p.Actions {
		if a.Shadow && a.State == ActionPending {
			return true
		}
	}
	return false
}

// UnrecoverableSequences lists the sequences whose actions could not be reverted.
func (p Plan) UnrecoverableSequences() []string {
	var out []string
	for _, a := range p.Actions {
		if a.State == ActionUnrecoverable {
			out = append(out, a.Recommendation.SequenceID)
		}
	}
	return out
}
