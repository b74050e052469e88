package policy

import (
	"fmt"
	"time"

	"github.com/kvopt/kv-optkit/kvopt"
)

// Engine is the Policy Engine: the Generator followed by the Evaluator.
type Engine struct {
	cfg       *kvopt.Config
	generator *Generator
	evaluator *Evaluator
	clock     func() time.Time
}

// NewEngine wires a generator and evaluator from cfg. rng seeds the shadow
// sampler.
func NewEngine(cfg *kvopt.Config, providers ProviderSource, rng *kvopt.PartitionedRNG) (*Engine, error) {
	configs, err := ParseScorerConfigs(cfg.Policy.Scorers)
	if err != nil {
		return nil, &kvopt.ConfigError{Err: fmt.Errorf("policy.scorers: %w", err)}
	}
	scorer, err := NewScorer(configs)
	if err != nil {
		return nil, &kvopt.ConfigError{Err: fmt.Errorf("policy.scorers: %w", err)}
	}
	sampler := NewShadowSampler(rng.DeriveSeed(kvopt.SubsystemShadow))
	eval, err := NewEvaluator(cfg.GuardrailConfig(), sampler)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:       cfg,
		generator: NewGenerator(providers, scorer),
		evaluator: eval,
		clock:     time.Now,
	}, nil
}

// SetClock replaces the clock used to stamp reports.
func (e *Engine) SetClock(clock func() time.Time) { e.clock = clock }

// Evaluator exposes the guardrail evaluator.
func (e *Engine) Evaluator() *Evaluator { return e.evaluator }

// Analyze produces an advisory report. It does not touch accuracy state or
// the shadow sampler, and it never fails: when there is nothing to do the
// report carries no recommendations and a note saying why.
func (e *Engine) Analyze(snap *kvopt.TelemetrySnapshot) kvopt.AdvisorReport {
	report := kvopt.AdvisorReport{
		HBMUtilization: snap.HBMUtilization(),
		HBMUsedGB:      snap.HBMUsedGB,
		P95LatencyMs:   snap.P95LatencyMs,
		Sequences:      snap.Sequences(),
		GeneratedAt:    e.clock(),
	}
	cands, notes := e.generator.Generate(snap, e.cfg.Budgets, e.cfg.Policy)
	report.Notes = append(report.Notes, notes...)
	if len(cands) == 0 {
		if len(notes) == 0 {
			report.Notes = append(report.Notes, "no action needed")
		}
		return report
	}

	d := e.evaluator.Preview(cands, AccuracyState{})
	rejected := make(map[string]bool, len(d.Rejected))
	for _, r := range d.Rejected {
		rejected[r.SequenceID] = true
	}
	for _, c := range cands {
		if !rejected[c.SequenceID] {
			report.Recommendations = append(report.Recommendations, c)
		}
	}
	report.Notes = append(report.Notes, d.Notes...)
	if len(d.Rejected) > 0 {
		report.Notes = append(report.Notes, fmt.Sprintf("guardrail suppressed %d candidates", len(d.Rejected)))
	}
	if len(d.Shadowed) > 0 {
		report.Notes = append(report.Notes, fmt.Sprintf("%d of %d recommendations would be shadow-tested first", len(d.Shadowed), len(report.Recommendations)))
	}
	return report
}

// Propose generates candidates against targetUtil, keeps the first
// maxActions and runs them through the guardrail. state is the accuracy
// delta already committed by earlier plans.
func (e *Engine) Propose(snap *kvopt.TelemetrySnapshot, targetUtil float64, maxActions int, state AccuracyState) (Decision, AccuracyState) {
	budgets := e.cfg.Budgets
	if targetUtil > 0 {
		budgets.HBMUtilTarget = targetUtil
	}
	cands, notes := e.generator.Generate(snap, budgets, e.cfg.Policy)
	if maxActions > 0 && len(cands) > maxActions {
		notes = append(notes, fmt.Sprintf("truncated %d candidates to max_actions=%d", len(cands), maxActions))
		cands = cands[:maxActions]
	}
	d, next := e.evaluator.Filter(cands, state)
	d.Notes = append(notes, d.Notes...)
	if len(d.Rejected) > 0 {
		d.Notes = append(d.Notes, fmt.Sprintf("guardrail suppressed %d candidates", len(d.Rejected)))
	}
	return d, next
}
