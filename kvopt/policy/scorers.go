// Package policy turns telemetry into guarded recommendations: the eviction
// scorers, the Recommendation Generator, the shadow sampler, the Guardrail
// Evaluator and the Engine façade that ties them together.
package policy

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kvopt/kv-optkit/kvopt"
)

// ScorerConfig describes a named eviction scorer with a weight.
type ScorerConfig struct {
	Name   string  `yaml:"name"`
	Weight float64 `yaml:"weight"`
}

// scorerFunc computes per-sequence scores in [0,1] for one dimension.
// Higher means a better eviction candidate.
type scorerFunc func(seqs []kvopt.SequenceInfo, now time.Time) map[string]float64

var validScorerNames = map[string]bool{
	"age":    true,
	"length": true,
	"idle":   true,
}

// IsValidScorer returns true if name is a recognized scorer.
func IsValidScorer(name string) bool { return validScorerNames[name] }

// ValidScorerNames returns sorted valid scorer names.
func ValidScorerNames() []string {
	names := make([]string, 0, len(validScorerNames))
	for n := range validScorerNames {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DefaultScorerConfigs weighs age and length equally.
func DefaultScorerConfigs() []ScorerConfig {
	return []ScorerConfig{
		{Name: "age", Weight: 1.0},
		{Name: "length", Weight: 1.0},
	}
}

// ParseScorerConfigs parses a comma-separated string of "name:weight" pairs.
// Returns nil for empty input. Returns error for invalid names, non-positive weights,
// NaN, Inf, or malformed input.
func ParseScorerConfigs(s string) ([]ScorerConfig, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	configs := make([]ScorerConfig, 0, len(parts))
	seen := make(map[string]bool, len(parts))
	for _, part := range parts {
		kv := strings.SplitN(strings.TrimSpace(part), ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid scorer config %q (expected name:weight)", strings.TrimSpace(part))
		}
		name := strings.TrimSpace(kv[0])
		if !IsValidScorer(name) {
			return nil, fmt.Errorf("unknown scorer %q; valid: %s", name, strings.Join(ValidScorerNames(), ", "))
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate scorer %q; each scorer may appear at most once", name)
		}
		seen[name] = true
		weight, err := strconv.ParseFloat(strings.TrimSpace(kv[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid weight for scorer %q: %w", name, err)
		}
		if weight <= 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
			return nil, fmt.Errorf("scorer %q weight must be a finite positive number, got %v", name, weight)
		}
		configs = append(configs, ScorerConfig{Name: name, Weight: weight})
	}
	return configs, nil
}

// Scorer ranks sequences by a weighted sum of min-max normalized dimensions.
type Scorer struct {
	configs []ScorerConfig
	funcs   []scorerFunc
	weights []float64
}

// NewScorer builds a scorer; empty configs select DefaultScorerConfigs.
func NewScorer(configs []ScorerConfig) (*Scorer, error) {
	if len(configs) == 0 {
		configs = DefaultScorerConfigs()
	}
	total := 0.0
	funcs := make([]scorerFunc, len(configs))
	for i, c := range configs {
		switch c.Name {
		case "age":
			funcs[i] = scoreAge
		case "length":
			funcs[i] = scoreLength
		case "idle":
			funcs[i] = scoreIdle
		default:
			return nil, fmt.Errorf("unknown scorer %q; valid: %s", c.Name, strings.Join(ValidScorerNames(), ", "))
		}
		if c.Weight <= 0 || math.IsNaN(c.Weight) || math.IsInf(c.Weight, 0) {
			return nil, fmt.Errorf("scorer %q weight must be a finite positive number, got %v", c.Name, c.Weight)
		}
		total += c.Weight
	}
	weights := make([]float64, len(configs))
	for i, c := range configs {
		weights[i] = c.Weight / total
	}
	return &Scorer{configs: append([]ScorerConfig(nil), configs...), funcs: funcs, weights: weights}, nil
}

// Configs returns the scorer profile in use.
func (s *Scorer) Configs() []ScorerConfig { return append([]ScorerConfig(nil), s.configs...) }

// Scored is a sequence with its eviction score.
type Scored struct {
	Seq   kvopt.SequenceInfo
	Score float64
}

// Rank scores seqs and orders them highest first; ties go to the smaller id.
func (s *Scorer) Rank(seqs []kvopt.SequenceInfo, now time.Time) []Scored {
	out := make([]Scored, len(seqs))
	for i, seq := range seqs {
		out[i].Seq = seq
	}
	for d, fn := range s.funcs {
		scores := fn(seqs, now)
		for i := range out {
			out[i].Score += s.weights[d] * scores[out[i].Seq.ID]
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Seq.ID < out[j].Seq.ID
	})
	return out
}

// minMax maps values to [0,1]; all-equal values score 1.0.
func minMax(seqs []kvopt.SequenceInfo, value func(kvopt.SequenceInfo) float64) map[string]float64 {
	scores := make(map[string]float64, len(seqs))
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, seq := range seqs {
		v := value(seq)
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	for _, seq := range seqs {
		if hi == lo {
			scores[seq.ID] = 1.0
		} else {
			scores[seq.ID] = (value(seq) - lo) / (hi - lo)
		}
	}
	return scores
}

// scoreAge favours sequences that have been alive longest.
func scoreAge(seqs []kvopt.SequenceInfo, _ time.Time) map[string]float64 {
	return minMax(seqs, func(s kvopt.SequenceInfo) float64 { return s.Age().Seconds() })
}

// scoreLength favours sequences holding the most tokens.
func scoreLength(seqs []kvopt.SequenceInfo, _ time.Time) map[string]float64 {
	return minMax(seqs, func(s kvopt.SequenceInfo) float64 { return float64(s.LengthTokens) })
}

// scoreIdle favours sequences untouched for longest.
func scoreIdle(seqs []kvopt.SequenceInfo, now time.Time) map[string]float64 {
	return minMax(seqs, func(s kvopt.SequenceInfo) float64 { return now.Sub(s.LastAccessed).Seconds() })
}
