package kvopt

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels matched by the typed errors below through errors.Is.
var (
	ErrConfig        = errors.New("invalid configuration")
	ErrConflict      = errors.New("plan conflict")
	ErrGuardrail     = errors.New("guardrail violation")
	ErrHandler       = errors.New("handler failure")
	ErrUnrecoverable = errors.New("unrecoverable rollback")
)

// ConfigError reports malformed or out-of-range settings. It is only ever
// produced while loading configuration and is fatal at startup.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("invalid configuration: %v", e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

// ConflictError is returned when a plan operation is requested while another
// plan is still active, or when the active plan is in the wrong state.
type ConflictError struct {
	ActivePlanID string
	Status       string
	Op           string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: plan %s is %s", e.Op, e.ActivePlanID, e.Status)
}
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// GuardrailViolation is returned when an action or the accumulated accuracy
// delta exceeds the configured budget.
type GuardrailViolation struct {
	Action      ActionKind // empty when the violation is plan-wide
	ObservedPct float64
	BudgetPct   float64
	Reason      string
}

func (e *GuardrailViolation) Error() string {
	scope := "plan"
	if e.Action != "" {
		scope = string(e.Action)
	}
	return fmt.Sprintf("guardrail violation (%s): accuracy delta %.3f%% exceeds budget %.3f%%: %s",
		scope, e.ObservedPct, e.BudgetPct, e.Reason)
}
func (e *GuardrailViolation) Is(target error) bool { return target == ErrGuardrail }

// HandlerFailure is returned when every candidate plugin for an action failed
// or timed out.
type HandlerFailure struct {
	Plugin   string // last plugin tried
	Action   ActionKind
	Attempts int
	TimedOut bool
	Err      error
}

func (e *HandlerFailure) Error() string {
	what := "failed"
	if e.TimedOut {
		what = "timed out"
	}
	return fmt.Sprintf("handler %s %s on %s after %d attempt(s): %v", e.Plugin, what, e.Action, e.Attempts, e.Err)
}
func (e *HandlerFailure) Unwrap() error        { return e.Err }
func (e *HandlerFailure) Is(target error) bool { return target == ErrHandler }

// UnrecoverableRollback lists actions whose inverse could not be performed.
// It never blocks plan termination.
type UnrecoverableRollback struct {
	PlanID    string
	Sequences []string
	Err       error
}

func (e *UnrecoverableRollback) Error() string {
	return fmt.Sprintf("plan %s: could not revert sequences [%s]: %v", e.PlanID, strings.Join(e.Sequences, ", "), e.Err)
}
func (e *UnrecoverableRollback) Unwrap() error        { return e.Err }
func (e *UnrecoverableRollback) Is(target error) bool { return target == ErrUnrecoverable }
