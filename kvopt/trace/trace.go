package trace

import "sync"

// Level controls the verbosity of plan tracing.
type Level string

const (
	// LevelNone disables tracing.
	LevelNone Level = "none"
	// LevelPlans captures plan transitions only.
	LevelPlans Level = "plans"
	// LevelDecisions additionally captures guardrail verdicts and executed actions.
	LevelDecisions Level = "decisions"
)

var validLevels = map[Level]bool{
	LevelNone:      true,
	LevelPlans:     true,
	LevelDecisions: true,
	"":             true, // empty defaults to none
}

// IsValidLevel returns true if the given level string is a recognized trace level.
func IsValidLevel(level string) bool {
	return validLevels[Level(level)]
}

// PlanTrace collects records across every plan of one autopilot run. It is
// safe for concurrent use; readers get copies.
type PlanTrace struct {
	level Level

	mu          sync.Mutex
	transitions []TransitionRecord
	verdicts    []VerdictRecord
	actions     []ActionRecord
}

// NewPlanTrace creates a PlanTrace ready for recording. A nil *PlanTrace
// accepts records and drops them.
func NewPlanTrace(level Level) *PlanTrace {
	if level == "" {
		level = LevelNone
	}
	return &PlanTrace{level: level}
}

// Level returns the configured verbosity.
func (pt *PlanTrace) Level() Level {
	if pt == nil {
		return LevelNone
	}
	return pt.level
}

// RecordTransition appends a plan status change.
func (pt *PlanTrace) RecordTransition(r TransitionRecord) {
	if pt == nil || pt.level == LevelNone {
		return
	}
	pt.mu.Lock()
	pt.transitions = append(pt.transitions, r)
	pt.mu.Unlock()
}

// RecordVerdict appends a guardrail decision.
func (pt *PlanTrace) RecordVerdict(r VerdictRecord) {
	if pt == nil || pt.level != LevelDecisions {
		return
	}
	pt.mu.Lock()
	pt.verdicts = append(pt.verdicts, r)
	pt.mu.Unlock()
}

// RecordAction appends an executed or reverted action.
func (pt *PlanTrace) RecordAction(r ActionRecord) {
	if pt == nil || pt.level != LevelDecisions {
		return
	}
	pt.mu.Lock()
	pt.actions = append(pt.actions, r)
	pt.mu.Unlock()
}

// Transitions returns a copy of the recorded transitions.
func (pt *PlanTrace) Transitions() []TransitionRecord {
	if pt == nil {
		return nil
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return append([]TransitionRecord(nil), pt.transitions...)
}

// Verdicts returns a copy of the recorded verdicts.
func (pt *PlanTrace) Verdicts() []VerdictRecord {
	if pt == nil {
		return nil
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return append([]VerdictRecord(nil), pt.verdicts...)
}

// Actions returns a copy of the recorded actions.
func (pt *PlanTrace) Actions() []ActionRecord {
	if pt == nil {
		return nil
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return append([]ActionRecord(nil), pt.actions...)
}
