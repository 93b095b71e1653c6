package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

const toyVocab = 16

// toyNext is a deterministic next-token function over a small vocabulary.
// It never produces token 0, so the default EOS only fires when forced.
func toyNext(ctx []int) int {
	last := ctx[len(ctx)-1]
	return (last+len(ctx)/6)%(toyVocab-1) + 1
}

func toyRow(tok int) []float32 {
	row := make([]float32, max(toyVocab, tok+1))
	row[tok] = 5
	return row
}

// toyExecutor answers every batch with logits of toyNext.
type toyExecutor struct {
	next    func([]int) int
	fail    map[string]bool // requests reported in an *ExecutorError
	batches []*Batch
}

func newToyExecutor() *toyExecutor {
	return &toyExecutor{next: toyNext, fail: map[string]bool{}}
}

func (x *toyExecutor) Execute(_ context.Context, b *Batch) (*ExecutorResult, error) {
	x.batches = append(x.batches, b)
	res := &ExecutorResult{Logits: map[string][][]float32{}, StepTimeUs: int64(b.NumTokens())}
	var failed []string
	for _, e := range b.Entries {
		if x.fail[e.RequestID] {
			failed = append(failed, e.RequestID)
			continue
		}
		if !e.NeedsLogits() {
			continue
		}
		rows := [][]float32{toyRow(x.next(e.Tokens))}
		for i := range e.DraftTokens {
			var path []int
			for n := i; n >= 0; n = e.DraftParents[n] {
				path = append([]int{e.DraftTokens[n]}, path...)
			}
			ctx := append(append([]int{}, e.Tokens...), path...)
			rows = append(rows, toyRow(x.next(ctx)))
		}
		res.Logits[e.RequestID] = rows
	}
	if len(failed) > 0 {
		return res, &ExecutorError{RequestIDs: failed, Err: errors.New("device lost")}
	}
	return res, nil
}

// testConfig returns a small engine configuration with EOS disabled.
func testConfig(blocks, blockSize int) EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.KVCacheConfig = NewKVCacheConfig(blocks, blockSize, "lru", false)
	cfg.BatchConfig = NewBatchConfig(8, 256, 0)
	cfg.MaxModelLen = blocks * blockSize
	cfg.EOSTokenID = -1
	return cfg
}

func newTestEngine(t *testing.T, cfg EngineConfig, x ModelExecutor, opts ...Option) *EngineCore {
	t.Helper()
	e, err := NewEngineCore(cfg, nil, x, opts...)
	require.NoError(t, err)
	return e
}

// runToCompletion steps until idle, checking KV invariants after every step,
// and returns each request's committed tokens plus the finish order.
func runToCompletion(t *testing.T, e *EngineCore) (map[string][]int, []string) {
	t.Helper()
	tokens := map[string][]int{}
	var order []string
	for steps := 0; e.HasWork(); steps++ {
		require.Less(t, steps, 10000, "engine did not drain")
		out, err := e.Step(context.Background())
		require.NoError(t, err)
		require.NoError(t, e.KV().CheckInvariants(), "step %d", out.StepIndex)
		for _, o := range out.Outputs {
			tokens[o.RequestID] = append(tokens[o.RequestID], o.NewTokens...)
			if o.Finished {
				order = append(order, o.RequestID)
			}
		}
	}
	return tokens, order
}

