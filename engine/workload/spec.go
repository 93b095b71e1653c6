// Package workload generates synthetic request streams for driving an
// EngineCore: per-client arrival processes, prompt and output length
// distributions, shared prompt prefixes and priority classes.
package workload

import (
	"bytes"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// defaultPrefixLength is the shared prefix size when a client names a
// prefix group without a length.
const defaultPrefixLength = 32

// WorkloadSpec is the top-level workload configuration.
// Loaded from YAML via LoadWorkloadSpec(path).
type WorkloadSpec struct {
	Seed          int64        `yaml:"seed"`
	AggregateRate float64      `yaml:"aggregate_rate"`         // requests per second across all clients
	Horizon       int64        `yaml:"horizon,omitempty"`      // microseconds; 0 = bounded by NumRequests
	NumRequests   int          `yaml:"num_requests,omitempty"` // 0 = bounded by Horizon
	Vocab         int          `yaml:"vocab"`                  // token IDs are drawn from [0, Vocab)
	Clients       []ClientSpec `yaml:"clients"`
}

// ClientSpec defines a single client's workload behavior.
type ClientSpec struct {
	ID           string      `yaml:"id"`
	Priority     int         `yaml:"priority"`
	RateFraction float64     `yaml:"rate_fraction"`
	Arrival      ArrivalSpec `yaml:"arrival"`
	InputDist    DistSpec    `yaml:"input_distribution"`
	OutputDist   DistSpec    `yaml:"output_distribution"`
	PrefixGroup  string      `yaml:"prefix_group,omitempty"`
	PrefixLength int         `yaml:"prefix_length,omitempty"`
	Temperature  float64     `yaml:"temperature,omitempty"`
}

// ArrivalSpec configures the inter-arrival time process.
type ArrivalSpec struct {
	Process string   `yaml:"process"`
	CV      *float64 `yaml:"cv,omitempty"`
}

// DistSpec parameterizes a token length distribution.
type DistSpec struct {
	Type   string             `yaml:"type"`
	Params map[string]float64 `yaml:"params,omitempty"`
}

var validArrivalProcesses = map[string]bool{"poisson": true, "gamma": true, "constant": true}

var validDistTypes = map[string]bool{"gaussian": true, "exponential": true, "constant": true}

// DefaultWorkloadSpec returns a two-class workload: interactive requests
// sharing a system prompt, and lower-priority batch requests.
func DefaultWorkloadSpec() *WorkloadSpec {
	return &WorkloadSpec{
		Seed:          42,
		AggregateRate: 20,
		NumRequests:   200,
		Vocab:         256,
		Clients: []ClientSpec{
			{
				ID:           "interactive",
				Priority:     1,
				RateFraction: 0.7,
				Arrival:      ArrivalSpec{Process: "poisson"},
				InputDist:    DistSpec{Type: "gaussian", Params: map[string]float64{"mean": 64, "std_dev": 16, "min": 8, "max": 128}},
				OutputDist:   DistSpec{Type: "gaussian", Params: map[string]float64{"mean": 48, "std_dev": 12, "min": 4, "max": 96}},
				PrefixGroup:  "system",
				PrefixLength: 64,
			},
			{
				ID:           "batch",
				RateFraction: 0.3,
				Arrival:      ArrivalSpec{Process: "poisson"},
				InputDist:    DistSpec{Type: "exponential", Params: map[string]float64{"mean": 256}},
				OutputDist:   DistSpec{Type: "constant", Params: map[string]float64{"value": 128}},
			},
		},
	}
}

// LoadWorkloadSpec reads a YAML workload file. Unknown fields are errors.
func LoadWorkloadSpec(path string) (*WorkloadSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workload spec: %w", err)
	}
	var spec WorkloadSpec
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&spec); err != nil {
		return nil, fmt.Errorf("parsing workload spec: %w", err)
	}
	return &spec, nil
}

// Validate checks rates, bounds and every client's distributions.
func (s *WorkloadSpec) Validate() error {
	if err := validateFinitePositive("aggregate_rate", s.AggregateRate); err != nil {
		return err
	}
	if s.Horizon <= 0 && s.NumRequests <= 0 {
		return fmt.Errorf("one of horizon or num_requests must be positive")
	}
	if s.Vocab < 2 {
		return fmt.Errorf("vocab must be >= 2, got %d", s.Vocab)
	}
	if len(s.Clients) == 0 {
		return fmt.Errorf("at least one client required")
	}
	for i := range s.Clients {
		if err := validateClient(&s.Clients[i], i); err != nil {
			return err
		}
	}
	return nil
}

func validateClient(c *ClientSpec, idx int) error {
	prefix := fmt.Sprintf("client[%d]", idx)
	if c.ID != "" {
		prefix = fmt.Sprintf("client %q", c.ID)
	}
	if c.RateFraction < 0 || math.IsNaN(c.RateFraction) || math.IsInf(c.RateFraction, 0) {
		return fmt.Errorf("%s: rate_fraction must be a finite non-negative number, got %f", prefix, c.RateFraction)
	}
	if !validArrivalProcesses[c.Arrival.Process] {
		return fmt.Errorf("%s: unknown arrival process %q; valid: poisson, gamma, constant", prefix, c.Arrival.Process)
	}
	if c.Arrival.CV != nil {
		if err := validateFinitePositive(prefix+".arrival.cv", *c.Arrival.CV); err != nil {
			return err
		}
	}
	if c.PrefixLength < 0 {
		return fmt.Errorf("%s: prefix_length must be non-negative, got %d", prefix, c.PrefixLength)
	}
	if err := validateDistSpec(prefix+".input_distribution", &c.InputDist); err != nil {
		return err
	}
	return validateDistSpec(prefix+".output_distribution", &c.OutputDist)
}

func validateDistSpec(prefix string, d *DistSpec) error {
	if !validDistTypes[d.Type] {
		return fmt.Errorf("%s: unknown distribution type %q; valid: gaussian, exponential, constant", prefix, d.Type)
	}
	for name, val := range d.Params {
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return fmt.Errorf("%s.params.%s must be a finite number, got %f", prefix, name, val)
		}
	}
	_, err := NewLengthSampler(*d)
	if err != nil {
		return fmt.Errorf("%s: %w", prefix, err)
	}
	return nil
}

func validateFinitePositive(name string, val float64) error {
	if math.IsNaN(val) || math.IsInf(val, 0) || val <= 0 {
		return fmt.Errorf("%s must be a finite positive number, got %f", name, val)
	}
	return nil
}
