package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvopt/kv-optkit/kvopt"
)

func newTestGenerator(t *testing.T, cfg *kvopt.Config) *Generator {
	t.Helper()
	_, reg := buildEngine(t, cfg)
	scorer, err := NewScorer(nil)
	require.NoError(t, err)
	return NewGenerator(reg, scorer)
}

func TestGenerate_BelowTarget_Empty(t *testing.T) {
	cfg := kvopt.DefaultConfig()
	g := newTestGenerator(t, cfg)

	recs, notes := g.Generate(snapshot(60, 80, 20000, 30000), cfg.Budgets, cfg.Policy)

	assert.Empty(t, recs)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], NoteWithinBudget)
}

func TestGenerate_ZeroTotal_Empty(t *testing.T) {
	cfg := kvopt.DefaultConfig()
	g := newTestGenerator(t, cfg)

	recs, _ := g.Generate(snapshot(10, 0, 20000), cfg.Budgets, cfg.Policy)
	assert.Empty(t, recs)
}

func TestGenerate_OverTarget_ProducesSavings(t *testing.T) {
	// GIVEN 70 of 80 GB used against an 85% target: a 2 GB deficit
	cfg := kvopt.DefaultConfig()
	g := newTestGenerator(t, cfg)
	snap := snapshot(70, 80, 20000, 12000, 30000, 2000)

	// WHEN generating
	recs, notes := g.Generate(snap, cfg.Budgets, cfg.Policy)

	// THEN one eviction covers the deficit, never touching the recent window
	require.NotEmpty(t, recs, "notes: %v", notes)
	rec := recs[0]
	assert.Equal(t, kvopt.ActionEvict, rec.Action)
	assert.Equal(t, kvopt.PluginEviction, rec.Capability)
	assert.Contains(t, []kvopt.Risk{kvopt.RiskLow, kvopt.RiskMedium}, rec.Risk)
	assert.Greater(t, rec.EstimatedSavingsGB, 0.0)

	seq, ok := snap.Sequence(rec.SequenceID)
	require.True(t, ok)
	assert.Equal(t, seq.LengthTokens-cfg.Policy.KeepRecentTokens, rec.Tokens)
	want := float64(rec.Tokens) * testBytesPerToken / kvopt.BytesPerGB
	assert.InDelta(t, want, rec.EstimatedSavingsGB, 1e-9)
	assert.GreaterOrEqual(t, rec.EstimatedSavingsGB, 2.0)
	assert.Len(t, recs, 1)
}

func TestGenerate_StopsWhenDeficitCovered(t *testing.T) {
	// GIVEN a deficit larger than any one sequence can cover
	cfg := kvopt.DefaultConfig()
	g := newTestGenerator(t, cfg)
	// 5000 tokens per sequence are actionable: ~2.44 GB each; deficit is 6 GB
	snap := snapshot(74, 80, 9096, 9096, 9096, 9096, 9096)

	recs, notes := g.Generate(snap, cfg.Budgets, cfg.Policy)

	// THEN exactly enough actions to cover 6 GB are selected
	assert.Len(t, recs, 3)
	assert.Empty(t, notes)
	total := 0.0
	for _, r := range recs {
		total += r.EstimatedSavingsGB
	}
	assert.GreaterOrEqual(t, total, 6.0)
}

func TestGenerate_NoEligibleSequences_Note(t *testing.T) {
	cfg := kvopt.DefaultConfig()
	g := newTestGenerator(t, cfg)

	recs, notes := g.Generate(snapshot(78, 80, 4096, 100), cfg.Budgets, cfg.Policy)

	assert.Empty(t, recs)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], "no eligible sequences")
}

func TestGenerate_StrategiesAlternate(t *testing.T) {
	// GIVEN eviction and quantization both configured
	cfg := loadConfig(t, `
policy:
  eviction: [age_decay, quantize]
plugins:
  kivi:
    bitwidth: 4
guardrails:
  min_confidence: 0.5
`)
	g := newTestGenerator(t, cfg)
	snap := snapshot(79, 80, 9096, 9096, 9096, 9096, 9096, 9096)

	// WHEN generating for a large deficit
	recs, _ := g.Generate(snap, cfg.Budgets, cfg.Policy)

	// THEN strategies alternate across the ranked sequences
	require.GreaterOrEqual(t, len(recs), 4)
	for i, r := range recs {
		if i%2 == 0 {
			assert.Equal(t, kvopt.ActionEvict, r.Action, "rec %d", i)
		} else {
			assert.Equal(t, kvopt.ActionQuantize, r.Action, "rec %d", i)
			assert.Equal(t, 4, r.Bitwidth)
			assert.Equal(t, kvopt.RiskMedium, r.Risk)
			// 4-bit keeps a quarter of the bytes
			want := float64(r.Tokens) * testBytesPerToken * 0.75 / kvopt.BytesPerGB
			assert.InDelta(t, want, r.EstimatedSavingsGB, 1e-9)
		}
	}
}

func TestGenerate_MissingProviderFallsThrough(t *testing.T) {
	// GIVEN quantize listed first but no quantization plugin configured
	cfg := loadConfig(t, `
policy:
  eviction: [quantize, age_decay]
`)
	g := newTestGenerator(t, cfg)

	recs, _ := g.Generate(snapshot(70, 80, 20000), cfg.Budgets, cfg.Policy)

	// THEN the next strategy in order is used
	require.Len(t, recs, 1)
	assert.Equal(t, kvopt.ActionEvict, recs[0].Action)
}

func TestGenerate_NoProviderAtAll_Note(t *testing.T) {
	cfg := loadConfig(t, `
policy:
  eviction: [offload]
`)
	g := newTestGenerator(t, cfg)

	recs, notes := g.Generate(snapshot(70, 80, 20000), cfg.Budgets, cfg.Policy)

	assert.Empty(t, recs)
	assert.NotEmpty(t, notes)
}

func TestGenerate_LowBitQuantizeIsHighRisk(t *testing.T) {
	cfg := loadConfig(t, `
policy:
  eviction: [kivi]
plugins:
  kivi:
    bitwidth: 2
`)
	g := newTestGenerator(t, cfg)

	recs, _ := g.Generate(snapshot(70, 80, 20000), cfg.Budgets, cfg.Policy)

	require.Len(t, recs, 1)
	assert.Equal(t, kvopt.RiskHigh, recs[0].Risk)
	// token-weighted: 15904 of 20000 tokens at 2.0%
	assert.InDelta(t, 2.0*15904/20000, recs[0].AccuracyImpactPct, 1e-9)
}
