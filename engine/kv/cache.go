// Package kv implements the paged KV cache: a fixed pool of blocks with
// ref-counted prefix sharing and pluggable eviction of unreferenced blocks.
package kv

import (
	"fmt"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/inference-engine/engine"
	"github.com/inference-sim/inference-engine/engine/internal/hash"
	"github.com/inference-sim/inference-engine/engine/internal/util"
)

// KVBlock represents a unit of KV cache storage.
// Each block stores a fixed number of tokens and is tracked by a chained prefix hash
// once all of its tokens have been computed.
type KVBlock struct {
	ID         int           // Unique ID of the block
	RefCount   int           // Number of active requests referencing this block
	Hash       string        // Chained prefix hash; empty until the block is full and computed
	Tokens     []int         // Tokens held by a hashed block
	LastAccess int64         // Logical time of the last acquire or release
	Hits       int           // Times the block was acquired since it was last recycled
	Medium     engine.Medium // Where the KV data lives
}

// KVCacheState maintains global KV cache status across all requests.
// It implements prefix caching, eviction of unreferenced blocks, and tracks the number of used blocks.
// All exported methods are safe for concurrent use.
type KVCacheState struct {
	mu sync.Mutex

	TotalBlocks     int              // Total KV blocks in the pool
	BlockSizeTokens int              // Tokens per block
	Blocks          []KVBlock        // All KV blocks, indexed by ID
	RequestMap      map[string][]int // RequestID -> block sequence
	HashToBlock     map[string]int   // Hash -> block ID
	UsedBlockCnt    int              // Total number of used blocks (tracked incrementally)
	CacheHits       int              // blocks served from the prefix cache
	CacheMisses     int              // blocks taken fresh from the pool

	chains        map[string][]string // RequestID -> hashes of its leading blocks already registered
	policy        evictionPolicy
	policyName    string
	prefixEnabled bool
	clock         int64
}

// NewKVCacheState initializes the KVCacheState and places all blocks in the free list in order.
func NewKVCacheState(cfg engine.KVCacheConfig) *KVCacheState {
	if cfg.TotalKVBlocks <= 0 {
		panic(fmt.Sprintf("NewKVCacheState: TotalKVBlocks must be > 0, got %d", cfg.TotalKVBlocks))
	}
	if cfg.BlockSizeTokens <= 0 {
		panic(fmt.Sprintf("NewKVCacheState: BlockSizeTokens must be > 0, got %d", cfg.BlockSizeTokens))
	}
	kvc := &KVCacheState{
		TotalBlocks:     cfg.TotalKVBlocks,
		BlockSizeTokens: cfg.BlockSizeTokens,
		Blocks:          make([]KVBlock, cfg.TotalKVBlocks),
		RequestMap:      make(map[string][]int),
		HashToBlock:     make(map[string]int),
		chains:          make(map[string][]string),
		policyName:      cfg.EvictionPolicy,
		prefixEnabled:   !cfg.DisablePrefix,
	}
	if kvc.policyName == "" {
		kvc.policyName = "lru"
	}
	kvc.policy = newEvictionPolicy(cfg.EvictionPolicy, kvc.Blocks)
	for i := range kvc.Blocks {
		kvc.Blocks[i] = KVBlock{ID: i, Medium: engine.MediumGPU}
		kvc.policy.push(&kvc.Blocks[i])
	}
	return kvc
}

// EvictionPolicy returns the name of the active eviction policy.
func (kvc *KVCacheState) EvictionPolicy() string { return kvc.policyName }

func (kvc *KVCacheState) tick() int64 {
	kvc.clock++
	return kvc.clock
}

// GetCachedBlocks attempts to reuse previously cached full blocks.
// This is a pure method and does not modify kvcache state.
func (kvc *KVCacheState) GetCachedBlocks(tokens []int) []int {
	return kvc.FindCachedPrefix(hash.HashChain(tokens, kvc.BlockSizeTokens))
}

// FindCachedPrefix returns the blocks matching the leading run of hashChain.
// This is a pure method and does not modify kvcache state.
func (kvc *KVCacheState) FindCachedPrefix(hashChain []string) []int {
	kvc.mu.Lock()
	defer kvc.mu.Unlock()
	if !kvc.prefixEnabled {
		return nil
	}
	var blockIDs []int
	for _, h := range hashChain {
		blockID, ok := kvc.HashToBlock[h]
		if !ok {
			break
		}
		blockIDs = append(blockIDs, blockID)
	}
	return blockIDs
}

// NumBlocksNeeded returns how many blocks Allocate would take out of the free pool,
// counting unreferenced cached blocks it would revive.
func (kvc *KVCacheState) NumBlocksNeeded(req *engine.Request, numNewTokens int, cachedBlocks []int) int {
	kvc.mu.Lock()
	defer kvc.mu.Unlock()
	return kvc.blocksNeeded(req, numNewTokens, cachedBlocks)
}

func (kvc *KVCacheState) freshBlocksNeeded(req *engine.Request, numNewTokens int, cachedBlocks []int) int {
	target := req.NumComputedTokens + len(cachedBlocks)*kvc.BlockSizeTokens + numNewTokens
	have := len(kvc.RequestMap[req.ID]) + len(cachedBlocks)
	return max(0, util.CeilDiv(target, kvc.BlockSizeTokens)-have)
}

func (kvc *KVCacheState) blocksNeeded(req *engine.Request, numNewTokens int, cachedBlocks []int) int {
	n := kvc.freshBlocksNeeded(req, numNewTokens, cachedBlocks)
	for _, id := range cachedBlocks {
		if kvc.Blocks[id].RefCount == 0 {
			n++
		}
	}
	return n
}

// Allocate reserves cache blocks for a request.
// Shared prefix blocks are attached first, then fresh blocks are taken from the free list.
// Either every block is attached or the state is left untouched.
func (kvc *KVCacheState) Allocate(req *engine.Request, numNewTokens int, cachedBlocks []int) (engine.Allocation, error) {
	kvc.mu.Lock()
	defer kvc.mu.Unlock()

	ids := kvc.RequestMap[req.ID]
	if len(cachedBlocks) > 0 && len(ids) > 0 {
		panic(&engine.InvariantViolation{
			Component: "kv",
			Detail:    fmt.Sprintf("request %s passed cached blocks after its first allocation", req.ID),
		})
	}
	needed := kvc.blocksNeeded(req, numNewTokens, cachedBlocks)
	if free := kvc.policy.len(); needed > free {
		logrus.Debugf("kv: cannot allocate %d blocks for %s, %d free", needed, req.ID, free)
		return engine.Allocation{}, fmt.Errorf("%w: request %s needs %d blocks, %d free",
			engine.ErrResourceExhausted, req.ID, needed, free)
	}
	fresh := kvc.freshBlocksNeeded(req, numNewTokens, cachedBlocks)
	now := kvc.tick()
	alloc := engine.Allocation{
		BlockIDs:        make([]int, 0, len(cachedBlocks)+fresh),
		NumCachedBlocks: len(cachedBlocks),
	}

	// Reuse cached blocks (increment refcount, remove from free list if needed)
	for _, blockID := range cachedBlocks {
		blk := &kvc.Blocks[blockID]
		if blk.RefCount == 0 {
			kvc.policy.remove(blk)
			kvc.UsedBlockCnt++
		}
		blk.RefCount++
		blk.Hits++
		blk.LastAccess = now
		kvc.CacheHits++
		alloc.BlockIDs = append(alloc.BlockIDs, blockID)
	}

	for i := 0; i < fresh; i++ {
		blk := kvc.popFreeBlock()
		if blk == nil {
			panic(&engine.InvariantViolation{Component: "kv", Detail: "free list drained below its counted length"})
		}
		blk.RefCount = 1
		blk.Hits = 1
		blk.LastAccess = now
		kvc.UsedBlockCnt++
		kvc.CacheMisses++
		alloc.BlockIDs = append(alloc.BlockIDs, blk.ID)
	}
	kvc.RequestMap[req.ID] = append(ids, alloc.BlockIDs...)
	if len(cachedBlocks) > 0 {
		chain := make([]string, len(cachedBlocks))
		for i, id := range cachedBlocks {
			chain[i] = kvc.Blocks[id].Hash
		}
		kvc.chains[req.ID] = chain
	}
	return alloc, nil
}

// popFreeBlock evicts a block from the free list and prepares it for reuse.
func (kvc *KVCacheState) popFreeBlock() *KVBlock {
	blk := kvc.policy.victim()
	if blk == nil {
		return nil
	}
	kvc.dropHash(blk)
	return blk
}

func (kvc *KVCacheState) dropHash(blk *KVBlock) {
	if blk.Hash != "" {
		if kvc.HashToBlock[blk.Hash] == blk.ID {
			delete(kvc.HashToBlock, blk.Hash)
		}
		blk.Hash = ""
	}
	blk.Tokens = nil
	blk.Hits = 0
}

// EvictOne drops the policy's victim from the prefix table. The block stays
// free and is the next one recycled.
func (kvc *KVCacheState) EvictOne() (int, bool) {
	kvc.mu.Lock()
	defer kvc.mu.Unlock()
	blk := kvc.policy.victim()
	if blk == nil {
		return 0, false
	}
	kvc.dropHash(blk)
	kvc.policy.pushFront(blk)
	return blk.ID, true
}

// CacheBlocks registers the request's full, computed blocks in the prefix table.
// A block whose hash is already owned by another block stays unregistered.
func (kvc *KVCacheState) CacheBlocks(req *engine.Request) {
	kvc.mu.Lock()
	defer kvc.mu.Unlock()
	if !kvc.prefixEnabled {
		return
	}
	ids := kvc.RequestMap[req.ID]
	full := min(req.NumComputedTokens/kvc.BlockSizeTokens, len(ids))
	chain := kvc.chains[req.ID]
	if len(chain) >= full {
		return
	}
	parent := ""
	if len(chain) > 0 {
		parent = chain[len(chain)-1]
	}
	bs := kvc.BlockSizeTokens
	for i := len(chain); i < full; i++ {
		tokens := make([]int, bs)
		for j := range tokens {
			tokens[j] = req.TokenAt(i*bs + j)
		}
		h := hash.HashBlock(parent, tokens)
		chain = append(chain, h)
		parent = h

		blk := &kvc.Blocks[ids[i]]
		if blk.Hash != "" {
			if blk.Hash != h {
				panic(&engine.InvariantViolation{
					Component: "kv",
					Detail:    fmt.Sprintf("block %d of %s holds hash %.8s, recomputed %.8s", blk.ID, req.ID, blk.Hash, h),
				})
			}
			continue
		}
		if _, taken := kvc.HashToBlock[h]; taken {
			continue
		}
		blk.Hash = h
		blk.Tokens = tokens
		kvc.HashToBlock[h] = blk.ID
		kvc.policy.onHashed(blk)
	}
	kvc.chains[req.ID] = chain
}

// Snapshot describes the request's full computed blocks for offloading.
func (kvc *KVCacheState) Snapshot(req *engine.Request) []engine.BlockSnapshot {
	kvc.mu.Lock()
	defer kvc.mu.Unlock()
	ids := kvc.RequestMap[req.ID]
	bs := kvc.BlockSizeTokens
	full := min(req.NumComputedTokens/bs, len(ids))
	if full == 0 {
		return nil
	}
	tokens := req.AllTokens()[:full*bs]
	chain := hash.HashChain(tokens, bs)
	snaps := make([]engine.BlockSnapshot, full)
	for i := range snaps {
		snaps[i] = engine.BlockSnapshot{
			BlockID: ids[i],
			Hash:    chain[i],
			Tokens:  append([]int(nil), tokens[i*bs:(i+1)*bs]...),
			Medium:  kvc.Blocks[ids[i]].Medium,
		}
	}
	return snaps
}

// Free deallocates blocks used by a request.
// Each block's refcount is decremented and may be returned to the free list.
// Freeing an unknown or already freed request is a no-op.
func (kvc *KVCacheState) Free(req *engine.Request) {
	kvc.mu.Lock()
	defer kvc.mu.Unlock()
	ids, ok := kvc.RequestMap[req.ID]
	if !ok {
		return
	}
	delete(kvc.RequestMap, req.ID)
	delete(kvc.chains, req.ID)
	now := kvc.tick()
	// Blocks go back in reverse order: the last block of a request hashes the
	// most tokens and is the least likely to be shared, so it is evicted first.
	for i := len(ids) - 1; i >= 0; i-- {
		blk := &kvc.Blocks[ids[i]]
		blk.RefCount--
		if blk.RefCount < 0 {
			panic(&engine.InvariantViolation{
				Component: "kv",
				Detail:    fmt.Sprintf("block %d ref count went negative releasing %s", blk.ID, req.ID),
			})
		}
		blk.LastAccess = now
		if blk.RefCount == 0 {
			kvc.UsedBlockCnt--
			kvc.policy.push(blk)
		}
	}
}

// BlockTable returns a copy of the request's block IDs in logical order.
func (kvc *KVCacheState) BlockTable(reqID string) []int {
	kvc.mu.Lock()
	defer kvc.mu.Unlock()
	return append([]int(nil), kvc.RequestMap[reqID]...)
}

// NumExclusiveBlocks counts the request's blocks that no other request references.
func (kvc *KVCacheState) NumExclusiveBlocks(reqID string) int {
	kvc.mu.Lock()
	defer kvc.mu.Unlock()
	n := 0
	for _, id := range kvc.RequestMap[reqID] {
		if kvc.Blocks[id].RefCount == 1 {
			n++
		}
	}
	return n
}

// NumReclaimableBlocks counts the blocks that freeing every request in
// reqIDs would return to the free pool, less those listed in keep. Blocks in
// keep are revived by the caller's own allocation and so free nothing.
func (kvc *KVCacheState) NumReclaimableBlocks(reqIDs []string, keep []int) int {
	kvc.mu.Lock()
	defer kvc.mu.Unlock()
	refs := make(map[int]int)
	for _, reqID := range reqIDs {
		for _, id := range kvc.RequestMap[reqID] {
			refs[id]++
		}
	}
	n := 0
	for id, held := range refs {
		if held == kvc.Blocks[id].RefCount && !slices.Contains(keep, id) {
			n++
		}
	}
	return n
}

func (kvc *KVCacheState) BlockSize() int { return kvc.BlockSizeTokens }

func (kvc *KVCacheState) UsedBlocks() int {
	kvc.mu.Lock()
	defer kvc.mu.Unlock()
	return kvc.UsedBlockCnt
}

func (kvc *KVCacheState) FreeBlocks() int {
	kvc.mu.Lock()
	defer kvc.mu.Unlock()
	return kvc.policy.len()
}

func (kvc *KVCacheState) TotalCapacity() int { return kvc.TotalBlocks }

// CacheHitRate returns the fraction of acquired blocks served from the prefix cache.
func (kvc *KVCacheState) CacheHitRate() float64 {
	kvc.mu.Lock()
	defer kvc.mu.Unlock()
	total := kvc.CacheHits + kvc.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(kvc.CacheHits) / float64(total)
}

// CheckInvariants recounts references from the block tables and compares
// them with each block's ref count, the free list and the used counter.
func (kvc *KVCacheState) CheckInvariants() error {
	kvc.mu.Lock()
	defer kvc.mu.Unlock()
	refs := make([]int, kvc.TotalBlocks)
	for _, ids := range kvc.RequestMap {
		for _, id := range ids {
			refs[id]++
		}
	}
	used := 0
	for i := range kvc.Blocks {
		blk := &kvc.Blocks[i]
		if blk.RefCount != refs[i] {
			return violation("block %d has ref count %d, block tables hold %d references", i, blk.RefCount, refs[i])
		}
		free := kvc.policy.contains(i)
		if blk.RefCount == 0 && !free {
			return violation("block %d is unreferenced but not on the free list", i)
		}
		if blk.RefCount > 0 {
			used++
			if free {
				return violation("block %d is referenced %d times but on the free list", i, blk.RefCount)
			}
		}
	}
	if used != kvc.UsedBlockCnt {
		return violation("used counter %d, counted %d", kvc.UsedBlockCnt, used)
	}
	if used+kvc.policy.len() != kvc.TotalBlocks {
		return violation("used %d + free %d != total %d", used, kvc.policy.len(), kvc.TotalBlocks)
	}
	for h, id := range kvc.HashToBlock {
		if kvc.Blocks[id].Hash != h {
			return violation("prefix table maps %.8s to block %d holding %.8s", h, id, kvc.Blocks[id].Hash)
		}
	}
	return nil
}

func violation(format string, args ...any) error {
	return &engine.InvariantViolation{Component: "kv", Detail: fmt.Sprintf(format, args...)}
}
