package speculative

import (
	"context"
	"sync"
)

type samState struct {
	length   int
	link     int
	firstEnd int // end position of the first occurrence
	next     map[int]int
}

// suffixAutomaton is an online suffix automaton over one request's tokens.
// Each extension is amortized O(1).
type suffixAutomaton struct {
	states []samState
	last   int
	tokens []int
}

func newSuffixAutomaton() *suffixAutomaton {
	return &suffixAutomaton{
		states: []samState{{length: 0, link: -1, firstEnd: -1, next: map[int]int{}}},
	}
}

func (a *suffixAutomaton) extend(tok int) {
	pos := len(a.tokens)
	a.tokens = append(a.tokens, tok)
	cur := len(a.states)
	a.states = append(a.states, samState{length: a.states[a.last].length + 1, firstEnd: pos, next: map[int]int{}})
	p := a.last
	for p != -1 {
		if _, ok := a.states[p].next[tok]; ok {
			break
		}
		a.states[p].next[tok] = cur
		p = a.states[p].link
	}
	switch {
	case p == -1:
		a.states[cur].link = 0
	case a.states[a.states[p].next[tok]].length == a.states[p].length+1:
		a.states[cur].link = a.states[p].next[tok]
	default:
		q := a.states[p].next[tok]
		clone := len(a.states)
		next := make(map[int]int, len(a.states[q].next))
		for k, v := range a.states[q].next {
			next[k] = v
		}
		a.states = append(a.states, samState{
			length:   a.states[p].length + 1,
			link:     a.states[q].link,
			firstEnd: a.states[q].firstEnd,
			next:     next,
		})
		for p != -1 && a.states[p].next[tok] == q {
			a.states[p].next[tok] = clone
			p = a.states[p].link
		}
		a.states[q].link = clone
		a.states[cur].link = clone
	}
	a.last = cur
}

// repeatedSuffix returns the length of the longest suffix that also occurs
// earlier, and the end position of its first occurrence.
func (a *suffixAutomaton) repeatedSuffix() (length, firstEnd int) {
	link := a.states[a.last].link
	if link <= 0 {
		return 0, -1
	}
	return a.states[link].length, a.states[link].firstEnd
}

// sync extends the automaton with the tokens it has not seen yet. A context
// that does not extend the consumed tokens rebuilds from scratch.
func (a *suffixAutomaton) sync(ctx context.Context, toks []int) (*suffixAutomaton, error) {
	if len(toks) < len(a.tokens) {
		a = newSuffixAutomaton()
	}
	for i := len(a.tokens); i < len(toks); i++ {
		if i%ctxCheckInterval == ctxCheckInterval-1 {
			if err := expired(ctx); err != nil {
				return a, err
			}
		}
		a.extend(toks[i])
	}
	return a, nil
}

// automata keeps one suffix automaton per request.
type automata struct {
	mu    sync.Mutex
	byReq map[string]*suffixAutomaton
}

func (s *automata) get(ctx context.Context, id string, toks []int) (*suffixAutomaton, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byReq == nil {
		s.byReq = make(map[string]*suffixAutomaton)
	}
	a, ok := s.byReq[id]
	if !ok {
		a = newSuffixAutomaton()
	}
	a, err := a.sync(ctx, toks)
	s.byReq[id] = a
	return a, err
}

func (s *automata) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byReq, id)
}

// SuffixProposer keeps an incremental suffix automaton per request. The
// suffix link of the final state names the longest suffix seen earlier; the
// tokens after its first occurrence are proposed.
type SuffixProposer struct {
	MinMatch int
	automata automata
}

// NewSuffixProposer creates a SuffixProposer requiring matches of at least minMatch tokens.
func NewSuffixProposer(minMatch int) *SuffixProposer {
	return &SuffixProposer{MinMatch: max(minMatch, 1)}
}

func (p *SuffixProposer) Kind() Kind { return KindSuffix }

func (p *SuffixProposer) Forget(requestID string) { p.automata.forget(requestID) }

func (p *SuffixProposer) Propose(ctx context.Context, pc ProposalContext) (Proposal, error) {
	empty := Proposal{RequestID: pc.RequestID, Source: KindSuffix}
	a, err := p.automata.get(ctx, pc.RequestID, pc.Tokens)
	if err != nil {
		return Proposal{}, err
	}
	if pc.MaxDrafts <= 0 {
		return empty, nil
	}
	length, end := a.repeatedSuffix()
	if length < p.MinMatch || end < 0 {
		return empty, nil
	}
	follow := end + 1
	return chain(pc.RequestID, KindSuffix, pc.Tokens[follow:min(follow+pc.MaxDrafts, len(pc.Tokens))]), nil
}
