package engine

import (
	"hash/fnv"
	"math/rand"
)

// EngineKey uniquely identifies a reproducible engine run.
// Two engines with the same EngineKey, configuration, executor and submission
// order MUST produce identical outputs.
type EngineKey int64

// NewEngineKey creates an EngineKey from a seed value.
func NewEngineKey(seed int64) EngineKey {
	return EngineKey(seed)
}

const (
	// SubsystemWorkload is the RNG subsystem for synthetic workload generation.
	// Uses the master seed directly.
	SubsystemWorkload = "workload"

	// SubsystemSampler seeds per-request token samplers.
	SubsystemSampler = "sampler"

	// SubsystemExecutor seeds the synthetic executor's logits.
	SubsystemExecutor = "executor"
)

// PartitionedRNG provides deterministic, isolated RNG instances per subsystem.
//
// Derivation formula:
//   - For SubsystemWorkload: uses masterSeed directly
//   - For all other subsystems: masterSeed XOR fnv1a64(subsystemName)
//
// Thread-safety: NOT thread-safe. Must be called from the step loop goroutine.
type PartitionedRNG struct {
	key        EngineKey
	subsystems map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from an EngineKey.
func NewPartitionedRNG(key EngineKey) *PartitionedRNG {
	return &PartitionedRNG{
		key:        key,
		subsystems: make(map[string]*rand.Rand),
	}
}

// ForSubsystem returns a deterministically-seeded RNG for the named subsystem.
// The same subsystem name always returns the same *rand.Rand instance (cached).
// Never returns nil.
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	if rng, ok := p.subsystems[name]; ok {
		return rng
	}
	rng := rand.New(rand.NewSource(p.DeriveSeed(name)))
	p.subsystems[name] = rng
	return rng
}

// DeriveSeed returns the seed ForSubsystem would use for name, without
// caching an RNG. Per-request samplers use it with "sampler/<request id>".
func (p *PartitionedRNG) DeriveSeed(name string) int64 {
	if name == SubsystemWorkload {
		return int64(p.key)
	}
	return int64(p.key) ^ fnv1a64(name)
}

// Key returns the EngineKey used to create this PartitionedRNG.
func (p *PartitionedRNG) Key() EngineKey {
	return p.key
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
