package executor

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/inference-engine/engine"
	"github.com/inference-sim/inference-engine/engine/speculative"
)

func decodeEntry(id string, tokens []int) engine.BatchEntry {
	return engine.BatchEntry{
		RequestID:          id,
		Tokens:             tokens,
		NumComputedTokens:  len(tokens) - 1,
		NumScheduledTokens: 1,
	}
}

func TestSyntheticExecutor_DeterministicLogits(t *testing.T) {
	// GIVEN two executors with the same seed
	a := NewSyntheticExecutor(64, 2, 7, nil)
	b := NewSyntheticExecutor(64, 2, 7, nil)

	// THEN logits depend only on the seed and the last Order tokens
	assert.Equal(t, a.Logits([]int{1, 2, 3}), b.Logits([]int{1, 2, 3}))
	assert.Equal(t, a.Logits([]int{9, 2, 3}), a.Logits([]int{1, 2, 3}))
	assert.NotEqual(t, a.Logits([]int{1, 2, 3}), a.Logits([]int{1, 2, 4}))
	assert.NotEqual(t, a.Logits([]int{1, 2, 3}), NewSyntheticExecutor(64, 2, 8, nil).Logits([]int{1, 2, 3}))
	assert.Len(t, a.Logits([]int{5}), 64)
}

func TestSyntheticExecutor_DraftRowsFollowTreePaths(t *testing.T) {
	// GIVEN a tree with two root children and a grandchild
	x := NewSyntheticExecutor(32, 3, 1, nil)
	ctx := []int{4, 5, 6}
	entry := decodeEntry("r", ctx)
	entry.DraftTokens = []int{10, 11, 12}
	entry.DraftParents = []int{-1, -1, 0}

	// WHEN executing
	res, err := x.Execute(context.Background(), &engine.Batch{Entries: []engine.BatchEntry{entry}})
	require.NoError(t, err)

	// THEN each row is the model's row after the node's full path
	rows := res.Logits["r"]
	require.Len(t, rows, 4)
	assert.Equal(t, x.Logits(ctx), rows[0])
	assert.Equal(t, x.Logits([]int{4, 5, 6, 10}), rows[1])
	assert.Equal(t, x.Logits([]int{4, 5, 6, 11}), rows[2])
	assert.Equal(t, x.Logits([]int{4, 5, 6, 10, 12}), rows[3])
}

func TestSyntheticExecutor_PartialPrefillHasNoLogits(t *testing.T) {
	x := NewSyntheticExecutor(32, 2, 1, nil)
	entry := engine.BatchEntry{RequestID: "r", Tokens: []int{1, 2, 3, 4}, NumScheduledTokens: 2}
	res, err := x.Execute(context.Background(), &engine.Batch{Entries: []engine.BatchEntry{entry}})
	require.NoError(t, err)
	assert.NotContains(t, res.Logits, "r")
	assert.Equal(t, 2, x.Stats().Tokens)
}

func TestSyntheticExecutor_FailRequest(t *testing.T) {
	x := NewSyntheticExecutor(32, 2, 1, nil)
	boom := errors.New("boom")
	x.FailRequest("bad", boom)

	batch := &engine.Batch{Entries: []engine.BatchEntry{decodeEntry("good", []int{1, 2}), decodeEntry("bad", []int{1, 2})}}
	res, err := x.Execute(context.Background(), batch)

	var execErr *engine.ExecutorError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, []string{"bad"}, execErr.RequestIDs)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, res.Logits, "good")
	assert.NotContains(t, res.Logits, "bad")
}

func TestSyntheticExecutor_GreedyDecodingRepeats(t *testing.T) {
	// GIVEN greedy decoding over a small order-2 model
	x := NewSyntheticExecutor(16, 2, 3, nil)
	toks := []int{1, 2}
	for i := 0; i < 400; i++ {
		toks = append(toks, speculative.Argmax(x.Logits(toks)))
	}

	// THEN the tail is periodic, since the state space is finite
	p := speculative.NewNgramProposer(2, 2)
	prop, err := p.Propose(context.Background(), speculative.ProposalContext{RequestID: "r", Tokens: toks, MaxDrafts: 1})
	require.NoError(t, err)
	require.Equal(t, 1, prop.Len())
	assert.Equal(t, speculative.Argmax(x.Logits(toks)), prop.Tokens[0])
}

func TestCostModel_StepTime(t *testing.T) {
	m, err := NewCostModel([]float64{100, 2, 10, 1})
	require.NoError(t, err)

	prefill := engine.BatchEntry{RequestID: "p", Tokens: make([]int, 20), NumScheduledTokens: 20}
	decode := decodeEntry("d", []int{1, 2, 3})
	decode.DraftTokens = []int{4, 5}
	decode.DraftParents = []int{-1, 0}
	batch := &engine.Batch{Entries: []engine.BatchEntry{prefill, decode}}

	// 100 + 2*20 + 10*1 + 1*2
	assert.Equal(t, int64(152), m.StepTime(batch))
}

func TestNewCostModel_Validation(t *testing.T) {
	_, err := NewCostModel([]float64{1, 2})
	assert.Error(t, err)
	_, err = NewCostModel([]float64{1, math.NaN(), 3})
	assert.Error(t, err)
	_, err = NewCostModel([]float64{1, -2, 3})
	assert.Error(t, err)
	m, err := NewCostModel([]float64{5, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, int64(5), m.StepTime(&engine.Batch{}))
}

type slowExecutor struct {
	release chan struct{}
}

func (s *slowExecutor) Execute(ctx context.Context, _ *engine.Batch) (*engine.ExecutorResult, error) {
	select {
	case <-s.release:
		return &engine.ExecutorResult{StepTimeUs: 1}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestAsyncExecutor_ForwardsToWorker(t *testing.T) {
	inner := NewSyntheticExecutor(32, 2, 1, nil)
	a := NewAsyncExecutor(inner)
	defer a.Close()

	batch := &engine.Batch{Entries: []engine.BatchEntry{decodeEntry("r", []int{1, 2})}}
	res, err := a.Execute(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, inner.Logits([]int{1, 2}), res.Logits["r"][0])
	assert.Equal(t, 1, inner.Stats().Steps)
}

func TestAsyncExecutor_ContextCancelled(t *testing.T) {
	slow := &slowExecutor{release: make(chan struct{})}
	a := NewAsyncExecutor(slow)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := a.Execute(ctx, &engine.Batch{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAsyncExecutor_Close(t *testing.T) {
	a := NewAsyncExecutor(NewSyntheticExecutor(32, 2, 1, nil))
	a.Close()
	a.Close()
	_, err := a.Execute(context.Background(), &engine.Batch{})
	assert.ErrorIs(t, err, ErrClosed)
}
