package kvopt

import (
	"hash/fnv"
	"math/rand"
)

// Subsystems that draw from a PartitionedRNG.
const (
	// SubsystemWorkload seeds synthetic sequence generation and uses the
	// master seed directly so --seed reproduces a workload exactly.
	SubsystemWorkload = "workload"

	// SubsystemShadow seeds the guardrail shadow sampler.
	SubsystemShadow = "shadow"

	// SubsystemKV seeds the simulated KV tensor contents.
	SubsystemKV = "kv"
)

// PartitionedRNG provides deterministic, isolated RNG instances per subsystem.
//
// Derivation formula:
//   - For SubsystemWorkload: uses the master seed directly
//   - For all other subsystems: masterSeed XOR fnv1a64(subsystemName)
//
// Thread-safety: NOT thread-safe. Callers that share a subsystem across
// goroutines must serialize access.
type PartitionedRNG struct {
	seed       int64
	subsystems map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from a master seed.
func NewPartitionedRNG(seed int64) *PartitionedRNG {
	return &PartitionedRNG{
		seed:       seed,
		subsystems: make(map[string]*rand.Rand),
	}
}

// ForSubsystem returns a deterministically-seeded RNG for the named subsystem.
// The same name always returns the same *rand.Rand instance.
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	if rng, ok := p.subsystems[name]; ok {
		return rng
	}
	rng := rand.New(rand.NewSource(p.DeriveSeed(name)))
	p.subsystems[name] = rng
	return rng
}

// DeriveSeed returns the seed ForSubsystem would use, without caching an RNG.
func (p *PartitionedRNG) DeriveSeed(name string) int64 {
	if name == SubsystemWorkload {
		return p.seed
	}
	return p.seed ^ fnv1a64(name)
}

// Seed returns the master seed.
func (p *PartitionedRNG) Seed() int64 {
	return p.seed
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
