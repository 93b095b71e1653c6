package engine

import "fmt"

// Allocation describes the blocks a successful KVStore.Allocate call added to
// a request's block table.
type Allocation struct {
	BlockIDs        []int // blocks appended to the table: shared prefix blocks first, then fresh ones
	NumCachedBlocks int   // leading BlockIDs reused from the prefix cache; their tokens need no recomputation
}

// KVStore abstracts the paged KV cache: a fixed pool of blocks with
// ref-counted prefix sharing and eviction of unreferenced cached blocks.
// kv.KVCacheState implements this.
type KVStore interface {
	// Allocate extends req's block table to cover
	// req.NumComputedTokens + len(cachedBlocks)*BlockSize() + numNewTokens slots.
	// cachedBlocks may only be passed on a request's first allocation.
	// Fails with ErrResourceExhausted without mutating any state.
	Allocate(req *Request, numNewTokens int, cachedBlocks []int) (Allocation, error)
	// Free releases every block owned by req. Freeing twice is a no-op.
	Free(req *Request)
	// FindCachedPrefix returns the longest run of resident blocks whose
	// hashes match the leading entries of hashChain. Pure query.
	FindCachedPrefix(hashChain []string) []int
	// GetCachedBlocks hashes the full blocks of tokens and delegates to
	// FindCachedPrefix. Pure query.
	GetCachedBlocks(tokens []int) []int
	// EvictOne drops one unreferenced cached block from the prefix table.
	// Returns false when no unreferenced block exists.
	EvictOne() (int, bool)
	// CacheBlocks registers the full blocks of req lying entirely within
	// req.NumComputedTokens in the prefix table.
	CacheBlocks(req *Request)
	// Snapshot describes req's full computed blocks for offloading.
	Snapshot(req *Request) []BlockSnapshot

	BlockTable(reqID string) []int
	NumBlocksNeeded(req *Request, numNewTokens int, cachedBlocks []int) int
	NumExclusiveBlocks(reqID string) int
	// NumReclaimableBlocks counts blocks freeing all of reqIDs would return to
	// the free pool, excluding those in keep.
	NumReclaimableBlocks(reqIDs []string, keep []int) int
	BlockSize() int
	UsedBlocks() int
	FreeBlocks() int
	TotalCapacity() int
	CacheHitRate() float64
	// CheckInvariants verifies ref counts against block tables and the free
	// list. Returns an *InvariantViolation describing the first mismatch.
	CheckInvariants() error
}

// KVCacheConfig groups KV cache parameters for KV store construction.
type KVCacheConfig struct {
	TotalKVBlocks   int    `yaml:"total_kv_blocks" toml:"total_kv_blocks" json:"total_kv_blocks"`       // pool capacity in blocks (must be > 0)
	BlockSizeTokens int    `yaml:"block_size_tokens" toml:"block_size_tokens" json:"block_size_tokens"` // tokens per block (must be > 0)
	EvictionPolicy  string `yaml:"eviction_policy" toml:"eviction_policy" json:"eviction_policy"`       // "lru" (default) or "arc"
	DisablePrefix   bool   `yaml:"disable_prefix_caching" toml:"disable_prefix_caching" json:"disable_prefix_caching"`
}

// NewKVCacheConfig creates a KVCacheConfig with all fields explicitly set.
func NewKVCacheConfig(totalKVBlocks, blockSizeTokens int, evictionPolicy string, disablePrefix bool) KVCacheConfig {
	return KVCacheConfig{
		TotalKVBlocks:   totalKVBlocks,
		BlockSizeTokens: blockSizeTokens,
		EvictionPolicy:  evictionPolicy,
		DisablePrefix:   disablePrefix,
	}
}

// NewKVStoreFromConfig is set by engine/kv's init(). Production code imports
// engine/kv directly; package engine tests use kv_import_test.go.
var NewKVStoreFromConfig func(cfg KVCacheConfig) KVStore

// NewKVStore validates cfg and builds a KVStore through the registered constructor.
func NewKVStore(cfg KVCacheConfig) KVStore {
	if cfg.TotalKVBlocks <= 0 {
		panic(fmt.Sprintf("KVStore: TotalKVBlocks must be > 0, got %d", cfg.TotalKVBlocks))
	}
	if cfg.BlockSizeTokens <= 0 {
		panic(fmt.Sprintf("KVStore: BlockSizeTokens must be > 0, got %d", cfg.BlockSizeTokens))
	}
	if NewKVStoreFromConfig == nil {
		panic("KVStore: no implementation registered; import github.com/inference-sim/inference-engine/engine/kv")
	}
	return NewKVStoreFromConfig(cfg)
}
