package policy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kvopt/kv-optkit/kvopt"
)

// AccuracyState is the accuracy delta already committed by earlier
// decisions. The Evaluator never mutates a caller's state; Filter returns
// the state that results from its decision.
type AccuracyState struct {
	RollingDeltaPct float64
}

// Decision splits candidates three ways. Each slice keeps the input order.
type Decision struct {
	Approved []kvopt.Recommendation
	Shadowed []kvopt.Recommendation
	Rejected []kvopt.Recommendation
	Notes    []string
}

// ShadowResult is the accuracy proxy measured for one shadowed action.
type ShadowResult struct {
	Recommendation kvopt.Recommendation
	DeviationPct   float64
}

// Evaluator applies the guardrail budget to candidate recommendations.
// It is safe for concurrent use.
type Evaluator struct {
	mu       sync.Mutex
	cfg      kvopt.GuardrailConfig
	sampler  *ShadowSampler
	disabled map[kvopt.ActionKind]string // action class -> reason
}

// NewEvaluator validates cfg and returns an evaluator.
func NewEvaluator(cfg kvopt.GuardrailConfig, sampler *ShadowSampler) (*Evaluator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sampler == nil {
		sampler = NewShadowSampler(0)
	}
	return &Evaluator{cfg: cfg, sampler: sampler, disabled: make(map[kvopt.ActionKind]string)}, nil
}

// Config returns the guardrail budget.
func (e *Evaluator) Config() kvopt.GuardrailConfig { return e.cfg }

// Filter decides which candidates may run. Candidates of a disabled action
// class, or whose declared impact would push the rolling delta over budget,
// are rejected. Of the rest, about ShadowFraction of the token volume is
// shadowed, and approved candidates below MinConfidence are demoted to
// shadow.
func (e *Evaluator) Filter(cands []kvopt.Recommendation, state AccuracyState) (Decision, AccuracyState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.filterLocked(cands, state, e.sampler)
}

// Preview is Filter without consuming sampler state, for advisory reports.
func (e *Evaluator) Preview(cands []kvopt.Recommendation, state AccuracyState) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, _ := e.filterLocked(cands, state, e.sampler.clone())
	return d
}

func (e *Evaluator) filterLocked(cands []kvopt.Recommendation, state AccuracyState, sampler *ShadowSampler) (Decision, AccuracyState) {
	var d Decision
	var kept []kvopt.Recommendation
	disabledHits, budgetHits := 0, 0
	for _, c := range cands {
		if _, off := e.disabled[c.Action]; off {
			d.Rejected = append(d.Rejected, c)
			disabledHits++
			continue
		}
		if state.RollingDeltaPct+c.AccuracyImpactPct > e.cfg.MaxAccuracyDeltaPct {
			d.Rejected = append(d.Rejected, c)
			budgetHits++
			continue
		}
		state.RollingDeltaPct += c.AccuracyImpactPct
		kept = append(kept, c)
	}
	if disabledHits > 0 {
		d.Notes = append(d.Notes, fmt.Sprintf("%d candidates rejected: action class disabled", disabledHits))
	}
	if budgetHits > 0 {
		d.Notes = append(d.Notes, fmt.Sprintf("%d candidates rejected: accuracy budget %.2f%% exhausted", budgetHits, e.cfg.MaxAccuracyDeltaPct))
	}

	tokens := make([]int, len(kept))
	for i, c := range kept {
		tokens[i] = c.Tokens
	}
	shadow := sampler.Select(tokens, e.cfg.ShadowFraction)
	demoted := 0
	for i, c := range kept {
		switch {
		case shadow[i]:
			d.Shadowed = append(d.Shadowed, c)
		case c.Confidence < e.cfg.MinConfidence:
			d.Shadowed = append(d.Shadowed, c)
			demoted++
		default:
			d.Approved = append(d.Approved, c)
		}
	}
	if demoted > 0 {
		d.Notes = append(d.Notes, fmt.Sprintf("%d candidates below confidence %.2f demoted to shadow", demoted, e.cfg.MinConfidence))
	}
	return d, state
}

// ObserveShadow checks measured deviations per action class. A class whose
// token-weighted deviation over totalTokens exceeds the budget is disabled
// and returned; its future candidates are rejected until ReEnable.
func (e *Evaluator) ObserveShadow(results []ShadowResult, totalTokens int) []kvopt.ActionKind {
	if totalTokens <= 0 {
		return nil
	}
	perClass := make(map[kvopt.ActionKind]float64)
	for _, r := range results {
		perClass[r.Recommendation.Action] += r.DeviationPct * float64(r.Recommendation.Tokens) / float64(totalTokens)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	var tripped []kvopt.ActionKind
	for kind, dev := range perClass {
		if dev > e.cfg.MaxAccuracyDeltaPct {
			e.disabled[kind] = fmt.Sprintf("shadow deviation %.3f%% > %.3f%%", dev, e.cfg.MaxAccuracyDeltaPct)
			tripped = append(tripped, kind)
			logrus.Warnf("guardrail: disabling %s (%s)", kind, e.disabled[kind])
		}
	}
	sort.Slice(tripped, func(i, j int) bool { return tripped[i] < tripped[j] })
	return tripped
}

// ShadowDeviation returns the token-weighted deviation of all results.
func ShadowDeviation(results []ShadowResult, totalTokens int) float64 {
	if totalTokens <= 0 {
		return 0
	}
	sum := 0.0
	for _, r := range results {
		sum += r.DeviationPct * float64(r.Recommendation.Tokens) / float64(totalTokens)
	}
	return sum
}

// Disable turns an action class off, e.g. after a regression seen in serving.
func (e *Evaluator) Disable(kind kvopt.ActionKind, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disabled[kind] = reason
	logrus.Warnf("guardrail: disabling %s (%s)", kind, reason)
}

// ReEnable restores a disabled action class.
func (e *Evaluator) ReEnable(kind kvopt.ActionKind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.disabled[kind]; ok {
		delete(e.disabled, kind)
		logrus.Infof("guardrail: %s re-enabled", kind)
	}
}

// Disabled lists disabled action classes, sorted.
func (e *Evaluator) Disabled() []kvopt.ActionKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]kvopt.ActionKind, 0, len(e.disabled))
	for k := range e.disabled {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ShadowShare returns the shadowed share of token volume so far.
func (e *Evaluator) ShadowShare() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sampler.ShadowShare()
}
