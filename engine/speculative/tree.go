package speculative

import (
	"context"
	"math"
)

// TreeProposer drafts a branching token tree. Continuations come from the
// suffix automaton's match and from every earlier occurrence of the longest
// matching n-gram, most recent first; they are merged into a trie whose
// branching width follows the request's acceptance rate.
type TreeProposer struct {
	MinN     int
	MaxN     int
	MaxWidth int
	automata automata
}

// NewTreeProposer creates a TreeProposer. maxWidth is the branching factor
// at full acceptance.
func NewTreeProposer(minN, maxN, maxWidth int) *TreeProposer {
	return &TreeProposer{MinN: minN, MaxN: maxN, MaxWidth: maxWidth}
}

func (p *TreeProposer) Kind() Kind { return KindTree }

func (p *TreeProposer) Forget(requestID string) { p.automata.forget(requestID) }

// Width returns the branching factor for a rolling acceptance rate: MaxWidth
// scaled by the rate, never below 1.
func (p *TreeProposer) Width(acceptanceRate float64) int {
	rate := math.Min(math.Max(acceptanceRate, 0), 1)
	return max(1, int(math.Round(float64(p.MaxWidth)*rate)))
}

func (p *TreeProposer) Propose(ctx context.Context, pc ProposalContext) (Proposal, error) {
	out := Proposal{RequestID: pc.RequestID, Source: KindTree}
	a, err := p.automata.get(ctx, pc.RequestID, pc.Tokens)
	if err != nil {
		return Proposal{}, err
	}
	if pc.MaxDrafts <= 0 {
		return out, nil
	}
	toks := pc.Tokens
	n := len(toks)
	var continuations [][]int
	if length, end := a.repeatedSuffix(); length >= p.MinN && end >= 0 {
		continuations = append(continuations, toks[end+1:min(end+1+pc.MaxDrafts, n)])
	}
	for size := min(p.MaxN, n-1); size >= p.MinN; size-- {
		starts, err := allOccurrences(ctx, toks, size)
		if err != nil {
			return Proposal{}, err
		}
		if len(starts) == 0 {
			continue
		}
		for _, s := range starts {
			follow := s + size
			continuations = append(continuations, toks[follow:min(follow+pc.MaxDrafts, n)])
		}
		break
	}
	if err := expired(ctx); err != nil {
		return Proposal{}, err
	}

	// Grow the trie one depth at a time so the node budget favours
	// alternatives near the root over long single branches.
	width := p.Width(pc.AcceptanceRate)
	children := map[int][]int{} // node -> child nodes, -1 = root
	const dead = -2
	paths := make([]int, len(continuations))
	for i := range paths {
		paths[i] = -1
	}
	for depth := 0; len(out.Tokens) < pc.MaxDrafts; depth++ {
		progressed := false
		for ci, cont := range continuations {
			node := paths[ci]
			if node == dead || depth >= len(cont) {
				continue
			}
			tok := cont[depth]
			child := -1
			for _, c := range children[node] {
				if out.Tokens[c] == tok {
					child = c
					break
				}
			}
			if child == -1 {
				if len(out.Tokens) >= pc.MaxDrafts || len(children[node]) >= width {
					paths[ci] = dead
					continue
				}
				child = len(out.Tokens)
				out.Tokens = append(out.Tokens, tok)
				out.Parents = append(out.Parents, node)
				children[node] = append(children[node], child)
			}
			paths[ci] = child
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return out, nil
}
