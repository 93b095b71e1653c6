package speculative

import (
	"context"
	"slices"
)

// ctxCheckInterval is how many scan positions pass between deadline checks.
const ctxCheckInterval = 1024

// NgramProposer matches the last n context tokens, for n from MaxN down to
// MinN, against earlier positions of the same request and proposes the
// tokens that followed the most recent match. It keeps no state.
type NgramProposer struct {
	MinN int
	MaxN int
}

// NewNgramProposer creates an NgramProposer over n-gram sizes [minN, maxN].
func NewNgramProposer(minN, maxN int) *NgramProposer {
	return &NgramProposer{MinN: minN, MaxN: maxN}
}

func (p *NgramProposer) Kind() Kind { return KindNgram }

func (p *NgramProposer) Forget(string) {}

func (p *NgramProposer) Propose(ctx context.Context, pc ProposalContext) (Proposal, error) {
	if err := expired(ctx); err != nil {
		return Proposal{}, err
	}
	if pc.MaxDrafts <= 0 {
		return Proposal{RequestID: pc.RequestID, Source: KindNgram}, nil
	}
	toks := pc.Tokens
	n := len(toks)
	for size := min(p.MaxN, n-1); size >= p.MinN; size-- {
		start, err := lastOccurrence(ctx, toks, size)
		if err != nil {
			return Proposal{}, err
		}
		if start < 0 {
			continue
		}
		follow := start + size
		return chain(pc.RequestID, KindNgram, toks[follow:min(follow+pc.MaxDrafts, n)]), nil
	}
	return Proposal{RequestID: pc.RequestID, Source: KindNgram}, nil
}

// lastOccurrence returns the start of the most recent earlier occurrence of
// the final size tokens, or -1. The match must leave at least one token after it.
func lastOccurrence(ctx context.Context, toks []int, size int) (int, error) {
	n := len(toks)
	suffix := toks[n-size:]
	for i := n - size - 1; i >= 0; i-- {
		if (n-size-1-i)%ctxCheckInterval == ctxCheckInterval-1 {
			if err := expired(ctx); err != nil {
				return -1, err
			}
		}
		if slices.Equal(toks[i:i+size], suffix) {
			return i, nil
		}
	}
	return -1, nil
}

// allOccurrences returns the starts of every earlier occurrence of the final
// size tokens, most recent first.
func allOccurrences(ctx context.Context, toks []int, size int) ([]int, error) {
	n := len(toks)
	suffix := toks[n-size:]
	var starts []int
	for i := n - size - 1; i >= 0; i-- {
		if (n-size-1-i)%ctxCheckInterval == ctxCheckInterval-1 {
			if err := expired(ctx); err != nil {
				return nil, err
			}
		}
		if slices.Equal(toks[i:i+size], suffix) {
			starts = append(starts, i)
		}
	}
	return starts, nil
}
