package engine

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// BatchConfig groups batch formation parameters.
type BatchConfig struct {
	MaxRunningReqs            int `yaml:"max_running_requests" toml:"max_running_requests" json:"max_running_requests"`                   // max requests scheduled per step
	MaxScheduledTokens        int `yaml:"max_scheduled_tokens" toml:"max_scheduled_tokens" json:"max_scheduled_tokens"`                   // per-step compute-token budget
	LongPrefillTokenThreshold int `yaml:"long_prefill_token_threshold" toml:"long_prefill_token_threshold" json:"long_prefill_token_threshold"` // prefill chunk cap; 0 = unchunked
}

// NewBatchConfig creates a BatchConfig with all fields explicitly set.
func NewBatchConfig(maxRunningReqs, maxScheduledTokens, longPrefillTokenThreshold int) BatchConfig {
	return BatchConfig{
		MaxRunningReqs:            maxRunningReqs,
		MaxScheduledTokens:        maxScheduledTokens,
		LongPrefillTokenThreshold: longPrefillTokenThreshold,
	}
}

// SpeculativeConfig selects and tunes the draft proposer and the verifier.
type SpeculativeConfig struct {
	Method               string  `yaml:"method" toml:"method" json:"method"`                                     // "" (off), "ngram", "suffix", "tree"
	NumSpeculativeTokens int     `yaml:"num_speculative_tokens" toml:"num_speculative_tokens" json:"num_speculative_tokens"` // k: max draft nodes per step
	MinN                 int     `yaml:"min_n" toml:"min_n" json:"min_n"`
	MaxN                 int     `yaml:"max_n" toml:"max_n" json:"max_n"`
	MaxWidth             int     `yaml:"max_width" toml:"max_width" json:"max_width"`                            // tree branching at full acceptance
	Acceptance           string  `yaml:"acceptance" toml:"acceptance" json:"acceptance"`                         // "greedy" (default) or "rejection"
	ProposalTimeoutUs    int64   `yaml:"proposal_timeout_us" toml:"proposal_timeout_us" json:"proposal_timeout_us"` // 0 = no budget
	AcceptanceEMA        float64 `yaml:"acceptance_ema" toml:"acceptance_ema" json:"acceptance_ema"`             // smoothing factor of the rolling acceptance rate
}

// Enabled reports whether speculation is configured.
func (c SpeculativeConfig) Enabled() bool {
	return c.Method != "" && c.NumSpeculativeTokens > 0
}

// AdmissionConfig holds admission policy configuration.
type AdmissionConfig struct {
	Policy                string  `yaml:"policy" toml:"policy" json:"policy"`                                           // "always-admit" (default) or "token-bucket"
	MaxPendingRequests    int     `yaml:"max_pending_requests" toml:"max_pending_requests" json:"max_pending_requests"` // 0 = unbounded
	TokenBucketCapacity   float64 `yaml:"token_bucket_capacity" toml:"token_bucket_capacity" json:"token_bucket_capacity"`
	TokenBucketRefillRate float64 `yaml:"token_bucket_refill_rate" toml:"token_bucket_refill_rate" json:"token_bucket_refill_rate"` // prompt tokens per second
}

// PolicyConfig groups scheduling policy selection.
type PolicyConfig struct {
	Scheduler string `yaml:"scheduler" toml:"scheduler" json:"scheduler"` // "priority-fcfs" (default) or "fcfs"
}

// EngineConfig is the full configuration of one engine replica.
type EngineConfig struct {
	KVCacheConfig     `yaml:"kv_cache" toml:"kv_cache" json:"kv_cache"`
	BatchConfig       `yaml:"batch" toml:"batch" json:"batch"`
	SpeculativeConfig `yaml:"speculative" toml:"speculative" json:"speculative"`
	AdmissionConfig   `yaml:"admission" toml:"admission" json:"admission"`
	PolicyConfig      `yaml:"policy" toml:"policy" json:"policy"`

	Seed        int64 `yaml:"seed" toml:"seed" json:"seed"`
	MaxModelLen int   `yaml:"max_model_len" toml:"max_model_len" json:"max_model_len"` // prompt + output cap in tokens
	EOSTokenID  int   `yaml:"eos_token_id" toml:"eos_token_id" json:"eos_token_id"`    // negative disables EOS handling
}

// DefaultEngineConfig returns a configuration that validates and runs on
// the synthetic executor.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		KVCacheConfig: NewKVCacheConfig(1024, 16, "lru", false),
		BatchConfig:   NewBatchConfig(64, 2048, 512),
		SpeculativeConfig: SpeculativeConfig{
			Method:               "",
			NumSpeculativeTokens: 4,
			MinN:                 1,
			MaxN:                 4,
			MaxWidth:             2,
			Acceptance:           "greedy",
			ProposalTimeoutUs:    2000,
			AcceptanceEMA:        0.2,
		},
		AdmissionConfig: AdmissionConfig{Policy: "always-admit"},
		PolicyConfig:    PolicyConfig{Scheduler: "priority-fcfs"},
		Seed:            42,
		MaxModelLen:     4096,
		EOSTokenID:      0,
	}
}

// ValidEvictionPolicies is the set of recognized KV eviction policy names.
var ValidEvictionPolicies = map[string]bool{"": true, "lru": true, "arc": true}

// ValidSchedulers is the set of recognized scheduler names.
var ValidSchedulers = map[string]bool{"": true, "fcfs": true, "priority-fcfs": true}

// ValidAdmissionPolicies is the set of recognized admission policy names.
var ValidAdmissionPolicies = map[string]bool{"": true, "always-admit": true, "token-bucket": true}

// ValidSpeculativeMethods is the set of recognized draft proposer names.
var ValidSpeculativeMethods = map[string]bool{"": true, "ngram": true, "suffix": true, "tree": true}

// ValidAcceptanceModes is the set of recognized verification modes.
var ValidAcceptanceModes = map[string]bool{"": true, "greedy": true, "rejection": true}

// Validate checks names and parameter ranges.
func (c EngineConfig) Validate() error {
	if c.TotalKVBlocks <= 0 {
		return fmt.Errorf("total_kv_blocks must be > 0, got %d", c.TotalKVBlocks)
	}
	if c.BlockSizeTokens <= 0 {
		return fmt.Errorf("block_size_tokens must be > 0, got %d", c.BlockSizeTokens)
	}
	if !ValidEvictionPolicies[c.EvictionPolicy] {
		return fmt.Errorf("unknown eviction policy %q", c.EvictionPolicy)
	}
	if c.MaxModelLen <= 0 {
		return fmt.Errorf("max_model_len must be > 0, got %d", c.MaxModelLen)
	}
	if capacity := c.TotalKVBlocks * c.BlockSizeTokens; c.MaxModelLen > capacity {
		return fmt.Errorf("max_model_len %d exceeds KV capacity of %d tokens", c.MaxModelLen, capacity)
	}
	if c.MaxRunningReqs <= 0 {
		return fmt.Errorf("max_running_requests must be > 0, got %d", c.MaxRunningReqs)
	}
	if c.MaxScheduledTokens <= 0 {
		return fmt.Errorf("max_scheduled_tokens must be > 0, got %d", c.MaxScheduledTokens)
	}
	if c.LongPrefillTokenThreshold < 0 {
		return fmt.Errorf("long_prefill_token_threshold must be >= 0, got %d", c.LongPrefillTokenThreshold)
	}
	if !ValidSchedulers[c.Scheduler] {
		return fmt.Errorf("unknown scheduler %q", c.Scheduler)
	}
	if err := c.SpeculativeConfig.validate(); err != nil {
		return err
	}
	return c.AdmissionConfig.validate()
}

func (c SpeculativeConfig) validate() error {
	if !ValidSpeculativeMethods[c.Method] {
		return fmt.Errorf("unknown speculative method %q", c.Method)
	}
	if !ValidAcceptanceModes[c.Acceptance] {
		return fmt.Errorf("unknown acceptance mode %q", c.Acceptance)
	}
	if c.NumSpeculativeTokens < 0 {
		return fmt.Errorf("num_speculative_tokens must be >= 0, got %d", c.NumSpeculativeTokens)
	}
	if c.Method == "" {
		return nil
	}
	if c.NumSpeculativeTokens == 0 {
		return fmt.Errorf("speculative method %q needs num_speculative_tokens > 0", c.Method)
	}
	if c.MinN < 1 || c.MaxN < c.MinN {
		return fmt.Errorf("n-gram range must satisfy 1 <= min_n <= max_n, got [%d, %d]", c.MinN, c.MaxN)
	}
	if c.Method == "tree" && c.MaxWidth < 1 {
		return fmt.Errorf("max_width must be >= 1, got %d", c.MaxWidth)
	}
	if c.ProposalTimeoutUs < 0 {
		return fmt.Errorf("proposal_timeout_us must be >= 0, got %d", c.ProposalTimeoutUs)
	}
	if c.AcceptanceEMA <= 0 || c.AcceptanceEMA > 1 {
		return fmt.Errorf("acceptance_ema must be in (0, 1], got %f", c.AcceptanceEMA)
	}
	return nil
}

func (c AdmissionConfig) validate() error {
	if !ValidAdmissionPolicies[c.Policy] {
		return fmt.Errorf("unknown admission policy %q", c.Policy)
	}
	if c.MaxPendingRequests < 0 {
		return fmt.Errorf("max_pending_requests must be >= 0, got %d", c.MaxPendingRequests)
	}
	if c.TokenBucketCapacity < 0 {
		return fmt.Errorf("token_bucket_capacity must be non-negative, got %f", c.TokenBucketCapacity)
	}
	if c.TokenBucketRefillRate < 0 {
		return fmt.Errorf("token_bucket_refill_rate must be non-negative, got %f", c.TokenBucketRefillRate)
	}
	return nil
}

// LoadEngineConfig reads a configuration file based on its extension and
// overlays it on DefaultEngineConfig. Supports .yaml/.yml, .json, .toml.
// Unknown keys are rejected.
func LoadEngineConfig(path string) (EngineConfig, error) {
	cfg := DefaultEngineConfig()
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading engine config: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(&cfg)
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&cfg)
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parsing engine config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid engine config %s: %w", path, err)
	}
	return cfg, nil
}

// MarshalYAMLBytes renders the configuration as YAML.
func (c EngineConfig) MarshalYAMLBytes() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
