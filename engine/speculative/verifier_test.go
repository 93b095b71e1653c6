package speculative

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// oneHot returns a logits row over vocab tokens peaking at tok.
func oneHot(vocab, tok int) []float32 {
	row := make([]float32, vocab)
	row[tok] = 10
	return row
}

func greedySampler() *Sampler { return NewSampler(SamplerConfig{}) }

func TestVerifier_Greedy_PartialAccept(t *testing.T) {
	// GIVEN a chain [3 4 5] where the model agrees on 3 and 4 then says 9
	v := NewVerifier("greedy")
	p := chain("r", KindNgram, []int{3, 4, 5})
	logits := [][]float32{oneHot(16, 3), oneHot(16, 4), oneHot(16, 9), oneHot(16, 1)}

	// WHEN verifying
	res, err := v.Verify(p, logits, greedySampler())
	require.NoError(t, err)

	// THEN two drafts are accepted and the model's 9 replaces the third
	assert.Equal(t, []int{3, 4}, res.AcceptedTokens)
	assert.Equal(t, []int{0, 1}, res.AcceptedNodes)
	assert.Equal(t, 9, res.Token)
	assert.True(t, res.Rejected)
	assert.Equal(t, []int{3, 4, 9}, res.Tokens())
}

func TestVerifier_Greedy_AllAcceptedPlusBonus(t *testing.T) {
	v := NewVerifier("")
	p := chain("r", KindNgram, []int{3, 4})
	logits := [][]float32{oneHot(8, 3), oneHot(8, 4), oneHot(8, 6)}

	res, err := v.Verify(p, logits, greedySampler())
	require.NoError(t, err)

	assert.Equal(t, 2, res.NumAccepted())
	assert.Equal(t, 6, res.Token)
	assert.False(t, res.Rejected)
}

func TestVerifier_Greedy_TreeSiblingAccepted(t *testing.T) {
	// GIVEN root children 3 (node 0) and 7 (node 1); node 2 extends node 0
	v := NewVerifier("greedy")
	p := Proposal{RequestID: "r", Tokens: []int{3, 7, 4}, Parents: []int{-1, -1, 0}}
	logits := [][]float32{oneHot(16, 7), oneHot(16, 4), oneHot(16, 11), oneHot(16, 2)}

	// WHEN the model picks 7 after the context
	res, err := v.Verify(p, logits, greedySampler())
	require.NoError(t, err)

	// THEN the sibling is accepted and the bonus comes from node 1's row
	assert.Equal(t, []int{7}, res.AcceptedTokens)
	assert.Equal(t, []int{1}, res.AcceptedNodes)
	assert.Equal(t, 11, res.Token)
	assert.False(t, res.Rejected)
}

func TestVerifier_EmptyProposal_DecodesOneToken(t *testing.T) {
	v := NewVerifier("greedy")
	res, err := v.Verify(Proposal{RequestID: "r"}, [][]float32{oneHot(4, 2)}, greedySampler())
	require.NoError(t, err)
	assert.Equal(t, []int{2}, res.Tokens())
	assert.False(t, res.Rejected)
}

func TestVerifier_MalformedInput(t *testing.T) {
	v := NewVerifier("greedy")
	p := chain("r", KindNgram, []int{1, 2})

	_, err := v.Verify(p, [][]float32{oneHot(4, 1)}, greedySampler())
	assert.Error(t, err, "too few logit rows")

	p.Parents = p.Parents[:1]
	_, err = v.Verify(p, [][]float32{oneHot(4, 1), oneHot(4, 1), oneHot(4, 1)}, greedySampler())
	assert.Error(t, err, "parents mismatch")

	assert.Panics(t, func() { NewVerifier("typical") })
}

func TestVerifier_RejectsEmptyOrRaggedRows(t *testing.T) {
	v := NewVerifier("greedy")

	_, err := v.Verify(Proposal{RequestID: "r"}, [][]float32{{}}, greedySampler())
	assert.ErrorContains(t, err, "logit row 0")

	p := chain("r", KindNgram, []int{1, 2})
	_, err = v.Verify(p, [][]float32{oneHot(4, 1), oneHot(4, 2), oneHot(3, 1)}, greedySampler())
	assert.ErrorContains(t, err, "logit row 2 has 3 entries, want 4")
}

func TestVerificationResult_NumContiguous(t *testing.T) {
	tests := []struct {
		nodes []int
		want  int
	}{
		{nodes: nil, want: 0},
		{nodes: []int{0, 1, 2}, want: 3},
		{nodes: []int{1}, want: 0},
		{nodes: []int{0, 2}, want: 1},
	}
	for _, tc := range tests {
		r := VerificationResult{AcceptedNodes: tc.nodes, AcceptedTokens: make([]int, len(tc.nodes))}
		assert.Equal(t, tc.want, r.NumContiguous(), "nodes %v", tc.nodes)
	}
}

// toyModel is a deterministic next-token function standing in for a model.
func toyModel(ctx []int) int {
	last := ctx[len(ctx)-1]
	if len(ctx)%5 == 0 {
		return (last*7 + 3) % 13
	}
	return (last + 1) % 13
}

func rowsFor(ctx []int, p Proposal) [][]float32 {
	rows := [][]float32{oneHot(13, toyModel(ctx))}
	for i := range p.Tokens {
		path := []int{}
		for n := i; n >= 0; n = p.Parents[n] {
			path = append([]int{p.Tokens[n]}, path...)
		}
		rows = append(rows, oneHot(13, toyModel(append(append([]int{}, ctx...), path...))))
	}
	return rows
}

func TestVerifier_Greedy_MatchesPlainDecoding(t *testing.T) {
	// GIVEN plain greedy decoding of 40 tokens
	prompt := []int{1, 2, 3, 1, 2}
	plain := append([]int{}, prompt...)
	for len(plain) < len(prompt)+40 {
		plain = append(plain, toyModel(plain))
	}

	// WHEN the same run is driven by ngram drafts and verification
	v := NewVerifier("greedy")
	prop := NewNgramProposer(1, 3)
	spec := append([]int{}, prompt...)
	for len(spec) < len(prompt)+40 {
		p := propose(t, prop, spec, 4, 1)
		res, err := v.Verify(p, rowsFor(spec, p), greedySampler())
		require.NoError(t, err)
		spec = append(spec, res.Tokens()...)
	}

	// THEN the committed tokens are identical
	assert.Equal(t, plain, spec[:len(plain)])
}

func TestVerifier_Rejection_PreservesDistribution(t *testing.T) {
	// GIVEN target probabilities 0.1 0.2 0.3 0.4 and sibling drafts 0 and 3
	v := NewVerifier("rejection")
	sampler := NewSampler(SamplerConfig{Seed: 99, Temperature: 1})
	row := logProbs(1, 2, 3, 4)
	p := Proposal{RequestID: "r", Tokens: []int{0, 3}, Parents: []int{-1, -1}}
	logits := [][]float32{row, row, row}

	// WHEN verifying many times
	const trials = 20000
	counts := make([]int, 4)
	for i := 0; i < trials; i++ {
		res, err := v.Verify(p, logits, sampler)
		require.NoError(t, err)
		counts[res.Tokens()[0]]++
	}

	// THEN the first emitted token follows the target distribution
	for tok, want := range []float64{0.1, 0.2, 0.3, 0.4} {
		assert.InDelta(t, want, float64(counts[tok])/trials, 0.02, "token %d", tok)
	}
}

func TestVerifier_Rejection_GreedyRequestUsesMatching(t *testing.T) {
	v := NewVerifier("rejection")
	assert.Equal(t, ModeRejection, v.Mode())

	p := chain("r", KindSuffix, []int{2, 5})
	res, err := v.Verify(p, [][]float32{oneHot(8, 2), oneHot(8, 1), oneHot(8, 0)}, greedySampler())
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, res.Tokens())
}
