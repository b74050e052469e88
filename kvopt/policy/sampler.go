package policy

import (
	"math"
	"math/rand"
)

// ShadowSampler marks a fraction of token volume for shadow testing.
//
// Candidates are visited in a seeded random order; each one is shadowed
// when doing so moves the running shadow volume closer to fraction x the
// volume seen so far. The shadowed volume stays within one candidate's
// volume of the target, across calls as well as within one.
//
// Not thread-safe; the Evaluator serializes access.
type ShadowSampler struct {
	seed         int64
	rng          *rand.Rand
	seenTokens   float64
	shadowTokens float64
}

// NewShadowSampler creates a sampler seeded for reproducible decisions.
func NewShadowSampler(seed int64) *ShadowSampler {
	return &ShadowSampler{seed: seed, rng: rand.New(rand.NewSource(seed))}
}

// Select returns which of the given token volumes to shadow.
func (s *ShadowSampler) Select(tokens []int, fraction float64) []bool {
	out := make([]bool, len(tokens))
	for _, i := range s.rng.Perm(len(tokens)) {
		tok := float64(tokens[i])
		if tok <= 0 {
			continue
		}
		s.seenTokens += tok
		target := fraction * s.seenTokens
		without := math.Abs(s.shadowTokens - target)
		with := math.Abs(s.shadowTokens + tok - target)
		if with < without || (with == without && s.rng.Float64() < fraction) {
			out[i] = true
			s.shadowTokens += tok
		}
	}
	return out
}

// ShadowShare returns the shadowed share of all token volume seen.
func (s *ShadowSampler) ShadowShare() float64 {
	if s.seenTokens == 0 {
		return 0
	}
	return s.shadowTokens / s.seenTokens
}

// clone copies the running totals onto an independent generator, so a
// preview leaves the decisions of s untouched.
func (s *ShadowSampler) clone() *ShadowSampler {
	seed := s.seed ^ int64(s.seenTokens)
	return &ShadowSampler{
		seed:         seed,
		rng:          rand.New(rand.NewSource(seed)),
		seenTokens:   s.seenTokens,
		shadowTokens: s.shadowTokens,
	}
}
