package cmd

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/kvopt/kv-optkit/kvopt"
	"github.com/kvopt/kv-optkit/kvopt/adapter"
)

// WorkloadConfig is the layout of a workload preset file.
type WorkloadConfig struct {
	Workloads map[string]Workload `yaml:"workloads"`
}

// Workload describes the synthetic sequences seeded into the simulated
// engine: prompt lengths are gaussian and clamped, ages exponential.
type Workload struct {
	Sequences         int           `yaml:"sequences"`
	PromptTokensMean  int           `yaml:"prompt_tokens"`
	PromptTokensStdev int           `yaml:"prompt_tokens_stdev"`
	PromptTokensMin   int           `yaml:"prompt_tokens_min"`
	PromptTokensMax   int           `yaml:"prompt_tokens_max"`
	MeanAge           time.Duration `yaml:"mean_age"`
}

// SeqSpec is one generated sequence.
type SeqSpec struct {
	ID     string
	Tokens int
	Age    time.Duration
}

// DefaultWorkload sizes n sequences so that together they fill roughly
// fill × HBM capacity.
func DefaultWorkload(cfg *kvopt.Config, n int, fill float64) Workload {
	if n <= 0 {
		n = 1
	}
	totalTokens := fill * cfg.Adapter.HBMCapacityGB * kvopt.BytesPerGB / cfg.Adapter.BytesPerToken
	mean := int(totalTokens / float64(n))
	return Workload{
		Sequences:         n,
		PromptTokensMean:  mean,
		PromptTokensStdev: mean / 4,
		PromptTokensMin:   cfg.Policy.KeepRecentTokens,
		PromptTokensMax:   2 * mean,
		MeanAge:           5 * time.Minute,
	}
}

// GetWorkload reads a preset from a YAML file with strict field checking.
func GetWorkload(path, name string) (Workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Workload{}, fmt.Errorf("reading workload file: %w", err)
	}
	var cfg WorkloadConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Workload{}, fmt.Errorf("parsing workload file %s: %w", path, err)
	}
	w, ok := cfg.Workloads[name]
	if !ok {
		return Workload{}, fmt.Errorf("workload %q not found in %s", name, path)
	}
	if w.Sequences <= 0 || w.PromptTokensMean <= 0 {
		return Workload{}, fmt.Errorf("workload %q needs positive sequences and prompt_tokens", name)
	}
	logrus.Infof("Using preset workload %v", name)
	return w, nil
}

// GenerateSequences draws the workload from rng. The same rng state always
// yields the same sequences.
func GenerateSequences(w Workload, rng *rand.Rand) []SeqSpec {
	out := make([]SeqSpec, w.Sequences)
	for i := range out {
		tokens := float64(w.PromptTokensMean) + rng.NormFloat64()*float64(w.PromptTokensStdev)
		if w.PromptTokensMin > 0 {
			tokens = math.Max(tokens, float64(w.PromptTokensMin))
		}
		if w.PromptTokensMax > 0 {
			tokens = math.Min(tokens, float64(w.PromptTokensMax))
		}
		age := time.Duration(rng.ExpFloat64() * float64(w.MeanAge))
		out[i] = SeqSpec{ID: fmt.Sprintf("seq-%03d", i), Tokens: max(1, int(tokens)), Age: age}
	}
	return out
}

// SeedSim submits the generated sequences, backdating each by its age.
func SeedSim(ctx context.Context, sim *adapter.Sim, specs []SeqSpec, now time.Time) error {
	defer sim.SetClock(time.Now)
	for _, s := range specs {
		at := now.Add(-s.Age)
		sim.SetClock(func() time.Time { return at })
		if err := sim.Submit(ctx, s.ID, s.Tokens); err != nil {
			return err
		}
	}
	return nil
}
