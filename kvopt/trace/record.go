// Package trace records plan lifecycle decisions for post-hoc analysis.
// It stores pure data types and depends only on the kvopt data model.
package trace

import (
	"time"

	"github.com/kvopt/kv-optkit/kvopt"
)

// Verdict is the guardrail's classification of one candidate.
type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictShadowed Verdict = "shadowed"
	VerdictRejected Verdict = "rejected"
)

// TransitionRecord captures one plan status change.
type TransitionRecord struct {
	PlanID string
	From   string
	To     string
	Note   string
	At     time.Time
}

// VerdictRecord captures one guardrail decision about a candidate.
type VerdictRecord struct {
	PlanID     string
	SequenceID string
	Action     kvopt.ActionKind
	Tokens     int
	Verdict    Verdict
	At         time.Time
}

// ActionRecord captures one executed or reverted plan action.
type ActionRecord struct {
	PlanID       string
	SequenceID   string
	Action       kvopt.ActionKind
	Provider     string // empty when no handler succeeded
	Outcome      string
	TokensMoved  int
	FreedGB      float64
	DeviationPct float64
	At           time.Time
}
