package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/inference-engine/engine"
	"github.com/inference-sim/inference-engine/engine/internal/hash"
	"github.com/inference-sim/inference-engine/engine/internal/testutil"
)

func newTestCache(t *testing.T, blocks, blockSize int, policy string) *KVCacheState {
	t.Helper()
	return NewKVCacheState(engine.NewKVCacheConfig(blocks, blockSize, policy, false))
}

// prefill allocates and computes the whole prompt, then registers its full blocks.
func prefill(t *testing.T, kvc *KVCacheState, req *engine.Request) engine.Allocation {
	t.Helper()
	alloc, err := kvc.Allocate(req, len(req.PromptTokens), nil)
	require.NoError(t, err)
	req.NumComputedTokens = len(req.PromptTokens)
	kvc.CacheBlocks(req)
	return alloc
}

func TestNewKVCacheState_AllBlocksStartFree(t *testing.T) {
	kvc := newTestCache(t, 8, 4, "")

	assert.Equal(t, 8, kvc.FreeBlocks())
	assert.Equal(t, 0, kvc.UsedBlocks())
	assert.Equal(t, "lru", kvc.EvictionPolicy())
	assert.NoError(t, kvc.CheckInvariants())
}

func TestNewKVCacheState_InvalidConfig_Panics(t *testing.T) {
	assert.PanicsWithValue(t, "NewKVCacheState: TotalKVBlocks must be > 0, got 0", func() {
		NewKVCacheState(engine.NewKVCacheConfig(0, 4, "", false))
	})
	assert.Panics(t, func() {
		NewKVCacheState(engine.NewKVCacheConfig(4, 4, "mru", false))
	})
}

func TestAllocate_PartialBlock_RoundsUp(t *testing.T) {
	// GIVEN block size 4 and a 6-token prompt
	kvc := newTestCache(t, 10, 4, "")
	req := &engine.Request{ID: "r1", PromptTokens: testutil.Seq(10, 6)}

	// WHEN the prompt is allocated
	alloc, err := kvc.Allocate(req, 6, nil)

	// THEN two blocks are reserved, neither from the cache
	require.NoError(t, err)
	assert.Len(t, alloc.BlockIDs, 2)
	assert.Equal(t, 0, alloc.NumCachedBlocks)
	assert.Equal(t, 2, kvc.UsedBlocks())
	assert.NoError(t, kvc.CheckInvariants())
}

func TestAllocate_FillsPartialBlockBeforeTakingAnother(t *testing.T) {
	// GIVEN a request holding one block with 2 of 4 slots computed
	kvc := newTestCache(t, 10, 4, "")
	req := &engine.Request{ID: "r1", PromptTokens: testutil.Seq(10, 6)}
	_, err := kvc.Allocate(req, 2, nil)
	require.NoError(t, err)
	req.NumComputedTokens = 2

	// WHEN 2 more tokens are scheduled
	alloc, err := kvc.Allocate(req, 2, nil)

	// THEN the partial block absorbs them
	require.NoError(t, err)
	assert.Empty(t, alloc.BlockIDs)
	assert.Len(t, kvc.BlockTable("r1"), 1)

	// WHEN 3 more are scheduled THEN one more block is added
	req.NumComputedTokens = 4
	alloc, err = kvc.Allocate(req, 3, nil)
	require.NoError(t, err)
	assert.Len(t, alloc.BlockIDs, 1)
	assert.Len(t, kvc.BlockTable("r1"), 2)
}

func TestAllocate_Exhausted_LeavesStateUntouched(t *testing.T) {
	// GIVEN a 3-block pool with 2 blocks in use
	kvc := newTestCache(t, 3, 4, "")
	a := &engine.Request{ID: "a", PromptTokens: testutil.Seq(0, 8)}
	prefill(t, kvc, a)

	// WHEN a request needs 2 more blocks
	b := &engine.Request{ID: "b", PromptTokens: testutil.Seq(100, 8)}
	_, err := kvc.Allocate(b, 8, nil)

	// THEN allocation fails with ErrResourceExhausted and nothing changed
	require.Error(t, err)
	assert.True(t, engine.IsResourceExhausted(err))
	assert.Empty(t, kvc.BlockTable("b"))
	assert.Equal(t, 1, kvc.FreeBlocks())
	assert.Equal(t, 2, kvc.UsedBlocks())
	assert.NoError(t, kvc.CheckInvariants())
}

func TestFree_Idempotent(t *testing.T) {
	// GIVEN a request holding 3 blocks
	kvc := newTestCache(t, 4, 4, "")
	req := &engine.Request{ID: "r", PromptTokens: testutil.Seq(0, 12)}
	prefill(t, kvc, req)
	require.Equal(t, 1, kvc.FreeBlocks())

	// WHEN it is freed twice
	kvc.Free(req)
	kvc.Free(req)

	// THEN every block returns once and ref counts stay at zero
	assert.Equal(t, 4, kvc.FreeBlocks())
	assert.Equal(t, 0, kvc.UsedBlocks())
	for _, blk := range kvc.Blocks {
		assert.Equal(t, 0, blk.RefCount)
	}
	assert.NoError(t, kvc.CheckInvariants())
}

func TestFree_UnknownRequest_NoOp(t *testing.T) {
	kvc := newTestCache(t, 4, 4, "")
	kvc.Free(&engine.Request{ID: "ghost"})
	assert.Equal(t, 4, kvc.FreeBlocks())
}

func TestSharedPrefix_SecondRequestReusesBlocks(t *testing.T) {
	// GIVEN two requests whose prompts share an identical 16-token prefix
	kvc := newTestCache(t, 16, 4, "")
	prefix := testutil.Seq(500, 16)
	first := &engine.Request{ID: "first", PromptTokens: append(append([]int{}, prefix...), 1, 2)}
	second := &engine.Request{ID: "second", PromptTokens: append(append([]int{}, prefix...), 7, 8, 9)}

	// WHEN the first populates its prefix blocks
	firstAlloc := prefill(t, kvc, first)

	// AND the second looks up and allocates the same prefix
	cached := kvc.GetCachedBlocks(second.PromptTokens)
	require.Len(t, cached, 4)
	alloc, err := kvc.Allocate(second, len(second.PromptTokens)-16, cached)
	require.NoError(t, err)

	// THEN the existing blocks are returned with incremented ref counts
	assert.Equal(t, firstAlloc.BlockIDs[:4], alloc.BlockIDs[:4])
	assert.Equal(t, 4, alloc.NumCachedBlocks, "shared blocks need no recomputation")
	for _, id := range alloc.BlockIDs[:4] {
		assert.Equal(t, 2, kvc.Blocks[id].RefCount)
	}
	// AND only the 3-token tail took a fresh block
	assert.Len(t, alloc.BlockIDs, 5)
	assert.Equal(t, 4, kvc.CacheHits)
	assert.NoError(t, kvc.CheckInvariants())
}

func TestSharedPrefix_FreedBlocksStayCachedUntilEvicted(t *testing.T) {
	// GIVEN a request whose 2 full blocks were cached and then freed
	kvc := newTestCache(t, 4, 4, "")
	first := &engine.Request{ID: "first", PromptTokens: testutil.Seq(0, 8)}
	prefill(t, kvc, first)
	kvc.Free(first)
	require.Equal(t, 4, kvc.FreeBlocks())

	// WHEN an identical prompt arrives
	second := &engine.Request{ID: "second", PromptTokens: testutil.Seq(0, 9)}
	cached := kvc.GetCachedBlocks(second.PromptTokens)

	// THEN both blocks are revived from the free list
	require.Len(t, cached, 2)
	needed := kvc.NumBlocksNeeded(second, 1, cached)
	assert.Equal(t, 3, needed, "two revived plus one fresh")
	_, err := kvc.Allocate(second, 1, cached)
	require.NoError(t, err)
	assert.Equal(t, 1, kvc.FreeBlocks())
	assert.NoError(t, kvc.CheckInvariants())
}

func TestCacheBlocks_OnlyComputedFullBlocks(t *testing.T) {
	// GIVEN a 10-token prompt with 6 tokens computed so far
	kvc := newTestCache(t, 8, 4, "")
	req := &engine.Request{ID: "r", PromptTokens: testutil.Seq(0, 10)}
	_, err := kvc.Allocate(req, 6, nil)
	require.NoError(t, err)
	req.NumComputedTokens = 6

	// WHEN blocks are registered
	kvc.CacheBlocks(req)

	// THEN only the first block is in the prefix table, under the chained hash
	assert.Len(t, kvc.HashToBlock, 1)
	want := hash.HashBlock("", testutil.Seq(0, 4))
	id, ok := kvc.HashToBlock[want]
	require.True(t, ok)
	assert.Equal(t, kvc.BlockTable("r")[0], id)
}

func TestCacheBlocks_ChainsAcrossChunks(t *testing.T) {
	// GIVEN an 8-token prompt computed in two 4-token chunks
	kvc := newTestCache(t, 8, 4, "")
	req := &engine.Request{ID: "r", PromptTokens: testutil.Seq(10, 8)}
	_, err := kvc.Allocate(req, 4, nil)
	require.NoError(t, err)
	req.NumComputedTokens = 4
	kvc.CacheBlocks(req)
	_, err = kvc.Allocate(req, 4, nil)
	require.NoError(t, err)
	req.NumComputedTokens = 8
	kvc.CacheBlocks(req)

	// THEN the second block's hash covers the absolute prefix
	chain := hash.HashChain(req.PromptTokens, 4)
	table := kvc.BlockTable("r")
	assert.Equal(t, chain[0], kvc.Blocks[table[0]].Hash)
	assert.Equal(t, chain[1], kvc.Blocks[table[1]].Hash)
}

func TestCacheBlocks_DisabledPrefixCaching(t *testing.T) {
	kvc := NewKVCacheState(engine.NewKVCacheConfig(8, 4, "", true))
	req := &engine.Request{ID: "r", PromptTokens: testutil.Seq(0, 8)}
	prefill(t, kvc, req)

	assert.Empty(t, kvc.HashToBlock)
	assert.Empty(t, kvc.GetCachedBlocks(req.PromptTokens))
}

func TestCacheBlocks_DuplicateContentStaysUnregistered(t *testing.T) {
	// GIVEN two requests that computed the same prompt independently
	kvc := newTestCache(t, 8, 4, "")
	a := &engine.Request{ID: "a", PromptTokens: testutil.Seq(0, 4)}
	b := &engine.Request{ID: "b", PromptTokens: testutil.Seq(0, 4)}
	prefill(t, kvc, a)
	prefill(t, kvc, b)

	// THEN the prefix table keeps the first owner
	assert.Len(t, kvc.HashToBlock, 1)
	assert.Equal(t, "", kvc.Blocks[kvc.BlockTable("b")[0]].Hash)
	assert.NoError(t, kvc.CheckInvariants())
}

func TestFree_ReverseOrder_LastBlockRecycledFirst(t *testing.T) {
	// GIVEN a 3-block request freed into an otherwise full pool
	kvc := newTestCache(t, 3, 4, "lru")
	req := &engine.Request{ID: "r", PromptTokens: testutil.Seq(0, 12)}
	alloc := prefill(t, kvc, req)
	kvc.Free(req)

	// WHEN one block is evicted
	id, ok := kvc.EvictOne()

	// THEN it is the request's tail block
	require.True(t, ok)
	assert.Equal(t, alloc.BlockIDs[2], id)
	assert.Empty(t, kvc.Blocks[id].Hash)
	assert.Len(t, kvc.HashToBlock, 2)
	assert.Equal(t, 3, kvc.FreeBlocks(), "evicted block stays free")
	assert.NoError(t, kvc.CheckInvariants())
}

func TestEvictOne_NeverEvictsReferencedBlock(t *testing.T) {
	// GIVEN a fully referenced pool
	kvc := newTestCache(t, 2, 4, "")
	req := &engine.Request{ID: "r", PromptTokens: testutil.Seq(0, 8)}
	prefill(t, kvc, req)

	// WHEN eviction is attempted THEN nothing qualifies
	_, ok := kvc.EvictOne()
	assert.False(t, ok)
	assert.Len(t, kvc.HashToBlock, 2)
}

func TestAllocate_RecyclesEvictedPrefix(t *testing.T) {
	// GIVEN a freed cached request filling the pool
	kvc := newTestCache(t, 2, 4, "")
	old := &engine.Request{ID: "old", PromptTokens: testutil.Seq(0, 8)}
	prefill(t, kvc, old)
	kvc.Free(old)

	// WHEN a new request needs the whole pool
	fresh := &engine.Request{ID: "new", PromptTokens: testutil.Seq(100, 8)}
	_, err := kvc.Allocate(fresh, 8, nil)

	// THEN the stale hashes were dropped on recycle
	require.NoError(t, err)
	assert.Empty(t, kvc.HashToBlock)
	assert.Empty(t, kvc.GetCachedBlocks(old.PromptTokens))
}

func TestSnapshot_FullComputedBlocksOnly(t *testing.T) {
	kvc := newTestCache(t, 8, 4, "")
	req := &engine.Request{ID: "r", PromptTokens: testutil.Seq(0, 6), OutputTokens: []int{90, 91, 92}}
	_, err := kvc.Allocate(req, 9, nil)
	require.NoError(t, err)
	req.NumComputedTokens = 9

	snaps := kvc.Snapshot(req)

	require.Len(t, snaps, 2)
	assert.Equal(t, []int{4, 5, 90, 91}, snaps[1].Tokens)
	assert.Equal(t, hash.HashChain(req.AllTokens(), 4)[1], snaps[1].Hash)
	assert.Equal(t, engine.MediumGPU, snaps[0].Medium)
}

func TestNumExclusiveBlocks_ExcludesShared(t *testing.T) {
	kvc := newTestCache(t, 8, 4, "")
	a := &engine.Request{ID: "a", PromptTokens: testutil.Seq(0, 9)}
	prefill(t, kvc, a)
	b := &engine.Request{ID: "b", PromptTokens: testutil.Seq(0, 9)}
	cached := kvc.GetCachedBlocks(b.PromptTokens)
	_, err := kvc.Allocate(b, 1, cached)
	require.NoError(t, err)

	assert.Equal(t, 1, kvc.NumExclusiveBlocks("a"))
	assert.Equal(t, 1, kvc.NumExclusiveBlocks("b"))
}

func TestNumReclaimableBlocks_CountsBlocksHeldOnlyByTheSet(t *testing.T) {
	// GIVEN a and b sharing two cached blocks, each with one block of its own
	kvc := newTestCache(t, 8, 4, "")
	a := &engine.Request{ID: "a", PromptTokens: testutil.Seq(0, 9)}
	prefill(t, kvc, a)
	b := &engine.Request{ID: "b", PromptTokens: testutil.Seq(0, 9)}
	cached := kvc.GetCachedBlocks(b.PromptTokens)
	require.Len(t, cached, 2)
	_, err := kvc.Allocate(b, 1, cached)
	require.NoError(t, err)

	// THEN shared blocks are reclaimable only when every holder is in the set
	assert.Equal(t, 1, kvc.NumReclaimableBlocks([]string{"a"}, nil))
	assert.Equal(t, 4, kvc.NumReclaimableBlocks([]string{"a", "b"}, nil))
	// AND blocks the caller keeps are never counted
	assert.Equal(t, 2, kvc.NumReclaimableBlocks([]string{"a", "b"}, cached))
	assert.Equal(t, 0, kvc.NumReclaimableBlocks([]string{"unknown"}, nil))
}

func TestFree_NegativeRefCount_PanicsWithInvariantViolation(t *testing.T) {
	kvc := newTestCache(t, 2, 4, "")
	req := &engine.Request{ID: "r", PromptTokens: testutil.Seq(0, 4)}
	prefill(t, kvc, req)
	kvc.Blocks[kvc.BlockTable("r")[0]].RefCount = 0

	defer func() {
		rec := recover()
		require.NotNil(t, rec)
		err, ok := rec.(error)
		require.True(t, ok)
		assert.True(t, engine.IsInvariantViolation(err))
	}()
	kvc.Free(req)
}

func TestCheckInvariants_DetectsRefCountDrift(t *testing.T) {
	kvc := newTestCache(t, 2, 4, "")
	req := &engine.Request{ID: "r", PromptTokens: testutil.Seq(0, 4)}
	prefill(t, kvc, req)
	kvc.Blocks[kvc.BlockTable("r")[0]].RefCount = 2

	err := kvc.CheckInvariants()

	require.Error(t, err)
	assert.True(t, engine.IsInvariantViolation(err))
}

func TestCacheHitRate(t *testing.T) {
	kvc := newTestCache(t, 8, 4, "")
	assert.Equal(t, 0.0, kvc.CacheHitRate())
	a := &engine.Request{ID: "a", PromptTokens: testutil.Seq(0, 8)}
	prefill(t, kvc, a)
	b := &engine.Request{ID: "b", PromptTokens: testutil.Seq(0, 12)}
	_, err := kvc.Allocate(b, 4, kvc.GetCachedBlocks(b.PromptTokens))
	require.NoError(t, err)

	// 2 misses for a, 2 hits + 1 miss for b
	assert.InDelta(t, 0.4, kvc.CacheHitRate(), 1e-9)
}

func TestRegister_SetsFactory(t *testing.T) {
	store := engine.NewKVStore(engine.NewKVCacheConfig(4, 16, "arc", false))
	require.NotNil(t, store)
	assert.Equal(t, 4, store.TotalCapacity())
	assert.Equal(t, 16, store.BlockSize())
}
