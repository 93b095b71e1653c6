package speculative

import (
	"math"
	"math/rand"
	"sort"
)

// SamplerConfig configures the behaviour of a Sampler.
type SamplerConfig struct {
	Seed        int64
	Temperature float64 // <= 0 selects greedy argmax
	TopK        int     // <= 0 keeps the whole vocabulary
	TopP        float64 // <= 0 or >= 1 disables nucleus filtering
	MinP        float64 // <= 0 disables min-p filtering
}

// Sampler turns one row of logits into a token. It is seeded and owned by
// a single request, so identical seeds replay identical choices.
type Sampler struct {
	rng    *rand.Rand
	cfg    SamplerConfig
	greedy bool
}

// NewSampler returns a new sampler with the provided configuration.
func NewSampler(cfg SamplerConfig) *Sampler {
	greedy := cfg.Temperature <= 0
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: greedy,
	}
}

// Greedy reports whether the sampler always returns the argmax.
func (s *Sampler) Greedy() bool { return s.greedy }

// Float64 draws a uniform value in [0, 1) from the sampler's stream.
func (s *Sampler) Float64() float64 { return s.rng.Float64() }

// Sample draws a single token from the provided logits row.
func (s *Sampler) Sample(logits []float32) int {
	if s.greedy {
		return Argmax(logits)
	}
	return s.Distribution(logits).Draw(s.rng.Float64())
}

// Distribution returns the filtered, renormalized probabilities Sample draws
// from:
//
//  1. Logits are scaled by the inverse temperature.
//  2. The top k tokens are kept (all when TopK <= 0).
//  3. A softmax is taken after subtracting the maximum for stability.
//  4. Tokens below MinP times the top probability are dropped.
//  5. The shortest prefix reaching cumulative TopP is kept.
//
// A greedy sampler yields a point mass on the argmax.
func (s *Sampler) Distribution(logits []float32) *Distribution {
	if s.greedy {
		return &Distribution{IDs: []int{Argmax(logits)}, Probs: []float64{1}}
	}
	invTemp := 1 / s.cfg.Temperature
	ids := make([]int, len(logits))
	for i := range ids {
		ids[i] = i
	}
	sort.SliceStable(ids, func(a, b int) bool { return logits[ids[a]] > logits[ids[b]] })
	if k := s.cfg.TopK; k > 0 && k < len(ids) {
		ids = ids[:k]
	}
	if len(ids) == 0 {
		return &Distribution{}
	}

	maxv := float64(logits[ids[0]]) * invTemp
	probs := make([]float64, len(ids))
	var sum float64
	for i, id := range ids {
		e := math.Exp(float64(logits[id])*invTemp - maxv)
		probs[i] = e
		sum += e
	}
	for i := range probs {
		probs[i] /= sum
	}

	if s.cfg.MinP > 0 {
		threshold := probs[0] * s.cfg.MinP
		keep := 0
		for i := range probs {
			if probs[i] >= threshold {
				probs[keep] = probs[i]
				ids[keep] = ids[i]
				keep++
			}
		}
		ids, probs = ids[:keep], probs[:keep]
	}

	if s.cfg.TopP < 1 {
		var c float64
		for i := range probs {
			c += probs[i]
			if c >= s.cfg.TopP {
				ids, probs = ids[:i+1], probs[:i+1]
				break
			}
		}
	}

	d := &Distribution{IDs: ids, Probs: probs}
	d.normalize()
	return d
}

// Distribution is a sparse probability distribution over token IDs, ordered
// by descending probability.
type Distribution struct {
	IDs   []int
	Probs []float64
}

// Prob returns the probability of token id.
func (d *Distribution) Prob(id int) float64 {
	for i, x := range d.IDs {
		if x == id {
			return d.Probs[i]
		}
	}
	return 0
}

// Remove zeroes the probability of token id and renormalizes. It reports
// false when no probability mass would remain.
func (d *Distribution) Remove(id int) bool {
	for i, x := range d.IDs {
		if x == id {
			d.Probs[i] = 0
		}
	}
	return d.normalize()
}

func (d *Distribution) normalize() bool {
	var sum float64
	for _, p := range d.Probs {
		sum += p
	}
	if sum <= 0 {
		return false
	}
	for i := range d.Probs {
		d.Probs[i] /= sum
	}
	return true
}

// Draw maps a uniform value r in [0, 1) to a token.
func (d *Distribution) Draw(r float64) int {
	var c float64
	last := 0
	for i, p := range d.Probs {
		if p <= 0 {
			continue
		}
		last = i
		c += p
		if r < c {
			return d.IDs[i]
		}
	}
	if len(d.IDs) == 0 {
		return 0
	}
	return d.IDs[last]
}

// Argmax returns the index of the maximum value, the lowest index on ties.
// It panics on an empty slice.
func Argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}
