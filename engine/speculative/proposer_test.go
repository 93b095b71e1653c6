package speculative

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func propose(t *testing.T, p DraftProposer, toks []int, k int, rate float64) Proposal {
	t.Helper()
	prop, err := p.Propose(context.Background(), ProposalContext{RequestID: "r", Tokens: toks, MaxDrafts: k, AcceptanceRate: rate})
	require.NoError(t, err)
	return prop
}

func TestNewProposer_ByMethod(t *testing.T) {
	for _, method := range []string{"ngram", "suffix", "tree"} {
		p, err := NewProposer(Config{Method: method, MinN: 1, MaxN: 3, MaxWidth: 2})
		require.NoError(t, err)
		assert.Equal(t, Kind(method), p.Kind())
	}

	p, err := NewProposer(Config{})
	assert.NoError(t, err)
	assert.Nil(t, p)

	_, err = NewProposer(Config{Method: "eagle"})
	assert.Error(t, err)
}

func TestNgramProposer_LongestSuffixMatch(t *testing.T) {
	// GIVEN a context whose last two tokens appeared earlier
	p := NewNgramProposer(1, 3)

	// WHEN proposing up to 3 tokens
	prop := propose(t, p, []int{1, 2, 3, 4, 1, 2}, 3, 1)

	// THEN the tokens that followed the earlier occurrence are proposed as a chain
	assert.Equal(t, []int{3, 4, 1}, prop.Tokens)
	assert.Equal(t, []int{-1, 0, 1}, prop.Parents)
	assert.Equal(t, KindNgram, prop.Source)
}

func TestNgramProposer_MostRecentOccurrenceWins(t *testing.T) {
	p := NewNgramProposer(2, 2)
	prop := propose(t, p, []int{1, 2, 9, 1, 2, 8, 1, 2}, 3, 1)
	assert.Equal(t, []int{8, 1, 2}, prop.Tokens)
}

func TestNgramProposer_NoMatch_EmptyProposal(t *testing.T) {
	p := NewNgramProposer(2, 4)
	prop := propose(t, p, []int{1, 2, 3, 4, 5}, 4, 1)
	assert.Equal(t, 0, prop.Len())
}

func TestNgramProposer_CapsAtContextEnd(t *testing.T) {
	p := NewNgramProposer(1, 1)
	prop := propose(t, p, []int{5, 6, 5}, 8, 1)
	assert.Equal(t, []int{6, 5}, prop.Tokens)
}

func TestProposers_ExpiredContext_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	for _, p := range []DraftProposer{NewNgramProposer(1, 2), NewSuffixProposer(1), NewTreeProposer(1, 2, 2)} {
		_, err := p.Propose(ctx, ProposalContext{RequestID: "r", Tokens: make([]int, 5000), MaxDrafts: 4})
		assert.ErrorIs(t, err, ErrProposalTimeout, "proposer %s", p.Kind())
	}
}

func TestSuffixProposer_FirstOccurrenceOfLongestRepeat(t *testing.T) {
	// GIVEN a context ending in a repeated "1 2"
	p := NewSuffixProposer(1)
	prop := propose(t, p, []int{1, 2, 3, 4, 1, 2}, 3, 1)

	// THEN what followed the first "1 2" is proposed
	assert.Equal(t, []int{3, 4, 1}, prop.Tokens)
	assert.Equal(t, KindSuffix, prop.Source)

	// WHEN the context grows by one token THEN the automaton extends incrementally
	prop = propose(t, p, []int{1, 2, 3, 4, 1, 2, 3}, 3, 1)
	assert.Equal(t, []int{4, 1, 2}, prop.Tokens)
	assert.Len(t, p.automata.byReq["r"].tokens, 7)
}

func TestSuffixProposer_MinMatchAndForget(t *testing.T) {
	p := NewSuffixProposer(3)
	prop := propose(t, p, []int{1, 2, 3, 4, 1, 2}, 3, 1)
	assert.Equal(t, 0, prop.Len(), "repeat of length 2 is below the minimum")

	p.Forget("r")
	assert.Empty(t, p.automata.byReq)
}

func TestSuffixAutomaton_RepeatedSuffix(t *testing.T) {
	a := newSuffixAutomaton()
	for _, tok := range []int{7, 7, 7} {
		a.extend(tok)
	}
	length, end := a.repeatedSuffix()
	assert.Equal(t, 2, length)
	assert.Equal(t, 1, end)

	b := newSuffixAutomaton()
	for _, tok := range []int{1, 2, 3} {
		b.extend(tok)
	}
	length, end = b.repeatedSuffix()
	assert.Equal(t, 0, length)
	assert.Equal(t, -1, end)
}

func TestTreeProposer_MergesContinuationsIntoTree(t *testing.T) {
	// GIVEN "1 2" followed earlier by both 7 and 8
	p := NewTreeProposer(2, 2, 2)
	toks := []int{1, 2, 7, 1, 2, 8, 1, 2}

	// WHEN proposing with full acceptance
	prop := propose(t, p, toks, 5, 1.0)

	// THEN both continuations branch from the root, shallow nodes first
	assert.Equal(t, []int{7, 8, 1, 1, 2}, prop.Tokens)
	assert.Equal(t, []int{-1, -1, 0, 1, 2}, prop.Parents)
	assert.Equal(t, []int{0, 1}, prop.Children(-1))
}

func TestTreeProposer_LowAcceptanceNarrowsToChain(t *testing.T) {
	p := NewTreeProposer(2, 2, 2)
	prop := propose(t, p, []int{1, 2, 7, 1, 2, 8, 1, 2}, 5, 0.2)

	assert.Equal(t, []int{7, 1, 2, 8, 1}, prop.Tokens)
	assert.Equal(t, []int{-1, 0, 1, 2, 3}, prop.Parents)
}

func TestTreeProposer_Width(t *testing.T) {
	p := NewTreeProposer(1, 2, 4)
	assert.Equal(t, 4, p.Width(1))
	assert.Equal(t, 2, p.Width(0.5))
	assert.Equal(t, 1, p.Width(0))
	assert.Equal(t, 4, p.Width(3))
}

func TestTreeProposer_NodeBudget(t *testing.T) {
	p := NewTreeProposer(1, 1, 3)
	prop := propose(t, p, []int{4, 1, 4, 2, 4, 3, 4}, 2, 1)
	assert.LessOrEqual(t, prop.Len(), 2)
	for i, parent := range prop.Parents {
		assert.Less(t, parent, i, "parents precede children")
	}
}
