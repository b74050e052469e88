package plugins

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kvopt/kv-optkit/kvopt"
)

// AgeDecay evicts the non-recent tokens of a sequence. With a spill cache
// attached it writes a copy first, which makes the eviction revertible.
type AgeDecay struct {
	base
	bytesPerToken float64
	spill         ReuseCache
	copies        *copyKeeper
}

var _ ActionProvider = (*AgeDecay)(nil)

// NewAgeDecay builds the eviction plugin. spill may be nil.
func NewAgeDecay(name string, priority int, enabled bool, bytesPerToken float64, spill ReuseCache) *AgeDecay {
	return &AgeDecay{
		base: base{desc: kvopt.PluginDescriptor{
			Name: name, Type: kvopt.PluginEviction, Enabled: enabled, Priority: priority,
		}},
		bytesPerToken: bytesPerToken,
		spill:         spill,
		copies:        newCopyKeeper(),
	}
}

func (a *AgeDecay) OnStartup(ctx context.Context) error { return a.start(ctx, nil) }

func (a *AgeDecay) OnShutdown(ctx context.Context) error { return a.stop(ctx, nil) }

// Profile declares an eviction. Dropped tokens are recomputed on demand,
// which costs a little accuracy on long contexts.
func (a *AgeDecay) Profile() ActionProfile {
	return ActionProfile{
		BytesPerToken:     a.bytesPerToken,
		SavingsFraction:   1,
		Confidence:        0.9,
		AccuracyImpactPct: 0.1,
		Reversible:        a.spill != nil,
	}
}

func (a *AgeDecay) Accepts(_ kvopt.SequenceInfo, tokens int) bool { return tokens > 0 }

// Perform evicts, spilling a copy first when a spill cache is attached.
func (a *AgeDecay) Perform(ctx context.Context, exec Executor, rec kvopt.Recommendation) (Outcome, error) {
	if rec.Action != kvopt.ActionEvict {
		return Outcome{}, fmt.Errorf("age_decay cannot perform %s", rec.Action)
	}
	if a.spill != nil {
		if err := a.copies.store(ctx, a.spill, exec, rec.SequenceID); err != nil {
			return Outcome{}, err
		}
	}
	res, err := exec.Execute(ctx, kvopt.ActionFor(rec))
	if err != nil {
		return Outcome{}, err
	}
	logrus.Debugf("age_decay %s: evicted %d tokens of %s", a.desc.Name, res.TokensMoved, rec.SequenceID)
	return Outcome{Result: res}, nil
}

// Revert reloads evicted tokens from the spill cache.
func (a *AgeDecay) Revert(ctx context.Context, exec Executor, rec kvopt.Recommendation) (Outcome, error) {
	if a.spill == nil {
		return Outcome{}, fmt.Errorf("evicted tokens of %s have no stored copy: %w", rec.SequenceID, ErrNoInverse)
	}
	ok, err := a.copies.available(ctx, a.spill, rec.SequenceID)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, fmt.Errorf("spilled copy of %s expired: %w", rec.SequenceID, ErrNoInverse)
	}
	res, err := exec.Execute(ctx, kvopt.Action{Kind: kvopt.ActionReload, SequenceID: rec.SequenceID, Tokens: rec.Tokens})
	if err == nil {
		a.copies.forget(rec.SequenceID)
	}
	return Outcome{Result: res}, err
}
