package workload

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/inference-sim/inference-engine/engine"
)

// Item is one generated request, ready for EngineCore.SubmitRequest.
type Item struct {
	ID        string
	ArrivalUs int64
	ClientID  string
	Prompt    []int
	Priority  int
	Params    engine.SamplingParams
}

// GenerateRequests creates a request sequence from a WorkloadSpec.
// Deterministic given the same spec. Items are sorted by arrival time and
// carry sequential IDs.
func GenerateRequests(spec *WorkloadSpec) ([]Item, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workload spec: %w", err)
	}
	rng := engine.NewPartitionedRNG(engine.NewEngineKey(spec.Seed))
	workloadRNG := rng.ForSubsystem(engine.SubsystemWorkload)

	clientRates := normalizeRateFractions(spec.Clients, spec.AggregateRate)
	prefixes := generatePrefixTokens(spec, workloadRNG)

	var items []Item
	for i := range spec.Clients {
		client := &spec.Clients[i]
		// drawn before the rate check so clients keep their streams when one is disabled
		clientRNG := rand.New(rand.NewSource(workloadRNG.Int63()))
		if clientRates[i] <= 0 {
			continue
		}
		arrivals := NewArrivalSampler(client.Arrival, clientRates[i])
		inputs, err := NewLengthSampler(client.InputDist)
		if err != nil {
			return nil, fmt.Errorf("client %q input distribution: %w", client.ID, err)
		}
		outputs, err := NewLengthSampler(client.OutputDist)
		if err != nil {
			return nil, fmt.Errorf("client %q output distribution: %w", client.ID, err)
		}
		prefix := prefixes[client.PrefixGroup]

		now := int64(0)
		for n := 0; spec.NumRequests <= 0 || n < spec.NumRequests; n++ {
			now += arrivals.SampleIAT(clientRNG)
			if spec.Horizon > 0 && now >= spec.Horizon {
				break
			}
			prompt := make([]int, 0, len(prefix)+8)
			prompt = append(prompt, prefix...)
			prompt = append(prompt, randomTokens(clientRNG, spec.Vocab, inputs.Sample(clientRNG))...)
			items = append(items, Item{
				ArrivalUs: now,
				ClientID:  client.ID,
				Prompt:    prompt,
				Priority:  client.Priority,
				Params: engine.SamplingParams{
					MaxTokens:   outputs.Sample(clientRNG),
					Temperature: client.Temperature,
				},
			})
		}
	}

	// stable sort keeps client order for ties
	sort.SliceStable(items, func(i, j int) bool { return items[i].ArrivalUs < items[j].ArrivalUs })
	if spec.NumRequests > 0 && len(items) > spec.NumRequests {
		items = items[:spec.NumRequests]
	}
	for i := range items {
		items[i].ID = fmt.Sprintf("request_%d", i)
	}
	return items, nil
}

// normalizeRateFractions splits the aggregate rate (req/s) into per-client
// rates in requests per microsecond.
func normalizeRateFractions(clients []ClientSpec, aggregateRate float64) []float64 {
	total := 0.0
	for i := range clients {
		total += clients[i].RateFraction
	}
	rates := make([]float64, len(clients))
	if total == 0 {
		return rates
	}
	for i := range clients {
		rates[i] = aggregateRate * clients[i].RateFraction / total / 1e6
	}
	return rates
}

// generatePrefixTokens draws one shared prefix per prefix group. The first
// client naming a group sets its length.
func generatePrefixTokens(spec *WorkloadSpec, rng *rand.Rand) map[string][]int {
	prefixes := make(map[string][]int)
	for i := range spec.Clients {
		c := &spec.Clients[i]
		if c.PrefixGroup == "" {
			continue
		}
		if _, ok := prefixes[c.PrefixGroup]; ok {
			continue
		}
		n := c.PrefixLength
		if n == 0 {
			n = defaultPrefixLength
		}
		prefixes[c.PrefixGroup] = randomTokens(rng, spec.Vocab, n)
	}
	return prefixes
}

func randomTokens(rng *rand.Rand, vocab, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = rng.Intn(vocab)
	}
	return out
}
