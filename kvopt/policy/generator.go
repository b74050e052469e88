package policy

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kvopt/kv-optkit/kvopt"
	"github.com/kvopt/kv-optkit/kvopt/plugins"
)

// NoteWithinBudget is the note emitted when HBM is below target.
const NoteWithinBudget = "within budget"

// ProviderSource resolves enabled action providers by capability.
type ProviderSource interface {
	Providers(t kvopt.PluginType) []plugins.ActionProvider
}

// strategy is one entry of policy.eviction resolved to its action kind.
type strategy struct {
	name string
	kind kvopt.ActionKind
}

// Generator proposes reclamation actions for a snapshot.
type Generator struct {
	providers ProviderSource
	scorer    *Scorer
}

// NewGenerator builds a generator over the given providers.
func NewGenerator(providers ProviderSource, scorer *Scorer) *Generator {
	return &Generator{providers: providers, scorer: scorer}
}

// Generate returns recommendations ordered highest priority first, plus
// notes explaining why fewer (or none) were produced. It never fails:
// "nothing to do" is reported as a note.
func (g *Generator) Generate(snap *kvopt.TelemetrySnapshot, budgets kvopt.BudgetSettings, pol kvopt.PolicySettings) ([]kvopt.Recommendation, []string) {
	util := snap.HBMUtilization()
	if util < budgets.HBMUtilTarget {
		return nil, []string{fmt.Sprintf("%s: hbm utilization %.1f%% < target %.1f%%", NoteWithinBudget, util*100, budgets.HBMUtilTarget*100)}
	}
	deficitGB := (util - budgets.HBMUtilTarget) * snap.HBMTotalGB
	if deficitGB <= 0 {
		return nil, []string{fmt.Sprintf("%s: hbm utilization at target %.1f%%", NoteWithinBudget, budgets.HBMUtilTarget*100)}
	}

	var eligible []kvopt.SequenceInfo
	for _, seq := range snap.Sequences() {
		if seq.LengthTokens > pol.KeepRecentTokens {
			eligible = append(eligible, seq)
		}
	}
	if len(eligible) == 0 {
		return nil, []string{fmt.Sprintf("no eligible sequences: all %d hold at most keep_recent_tokens=%d", snap.NumSequences(), pol.KeepRecentTokens)}
	}

	strategies := make([]strategy, 0, len(pol.Eviction))
	for _, name := range pol.Eviction {
		if kind, ok := kvopt.StrategyAction(name); ok {
			strategies = append(strategies, strategy{name: name, kind: kind})
		}
	}
	if len(strategies) == 0 {
		return nil, []string{"no eviction strategies configured"}
	}

	var (
		recs       []kvopt.Recommendation
		notes      []string
		savedGB    float64
		unhandled  int
		total      = snap.TotalTokens()
		ranked     = g.scorer.Rank(eligible, snap.CapturedAt)
		strategyNo = len(strategies)
	)
	for i, scored := range ranked {
		if savedGB >= deficitGB {
			break
		}
		seq := scored.Seq
		tokens := seq.LengthTokens - pol.KeepRecentTokens
		rec, ok := g.recommend(seq, tokens, total, strategies, i%strategyNo)
		if !ok {
			unhandled++
			continue
		}
		recs = append(recs, rec)
		savedGB += rec.EstimatedSavingsGB
		logrus.Debugf("recommend %s %s: %d tokens, %.3f GB (score %.3f)", rec.Action, seq.ID, tokens, rec.EstimatedSavingsGB, scored.Score)
	}

	if unhandled > 0 {
		notes = append(notes, fmt.Sprintf("%d sequences had no enabled provider for strategies %v", unhandled, pol.Eviction))
	}
	if savedGB < deficitGB {
		notes = append(notes, fmt.Sprintf("estimated savings %.2f GB fall short of the %.2f GB deficit", savedGB, deficitGB))
	}
	return recs, notes
}

// recommend tries each strategy starting at start, wrapping around, and
// builds a recommendation from the first provider that accepts the sequence.
func (g *Generator) recommend(seq kvopt.SequenceInfo, tokens, totalTokens int, strategies []strategy, start int) (kvopt.Recommendation, bool) {
	for j := 0; j < len(strategies); j++ {
		st := strategies[(start+j)%len(strategies)]
		capability, err := kvopt.CapabilityFor(st.kind)
		if err != nil {
			continue
		}
		for _, p := range g.providers.Providers(capability) {
			if !p.Accepts(seq, tokens) {
				continue
			}
			prof := p.Profile()
			savings := float64(tokens) * prof.BytesPerToken * prof.SavingsFraction / kvopt.BytesPerGB
			if savings <= 0 {
				continue
			}
			impact := 0.0
			if totalTokens > 0 {
				impact = prof.AccuracyImpactPct * float64(tokens) / float64(totalTokens)
			}
			return kvopt.Recommendation{
				Action:             st.kind,
				SequenceID:         seq.ID,
				Tokens:             tokens,
				Detail:             detailFor(st, seq, tokens, prof, p.Descriptor().Name),
				EstimatedSavingsGB: savings,
				Risk:               kvopt.RiskFor(st.kind, prof.Bitwidth),
				Capability:         capability,
				Bitwidth:           prof.Bitwidth,
				Confidence:         prof.Confidence,
				AccuracyImpactPct:  impact,
			}, true
		}
	}
	return kvopt.Recommendation{}, false
}

func detailFor(st strategy, seq kvopt.SequenceInfo, tokens int, prof plugins.ActionProfile, provider string) string {
	keep := seq.LengthTokens - tokens
	switch st.kind {
	case kvopt.ActionQuantize:
		return fmt.Sprintf("quantize %d tokens of %s to %d bits via %s (keep %d recent at full precision)", tokens, seq.ID, prof.Bitwidth, provider, keep)
	case kvopt.ActionOffload:
		return fmt.Sprintf("offload %d tokens of %s to DDR via %s (keep %d recent in HBM)", tokens, seq.ID, provider, keep)
	default:
		return fmt.Sprintf("evict %d oldest tokens of %s via %s (keep %d recent)", tokens, seq.ID, provider, keep)
	}
}
