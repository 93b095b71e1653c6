// Package speculative drafts candidate continuations cheaply and verifies
// them against the model's logits so that the committed output is exactly
// what token-by-token decoding would have produced.
package speculative

import (
	"context"
	"errors"
	"fmt"
)

// Kind names a draft proposer strategy.
type Kind string

const (
	KindNgram  Kind = "ngram"
	KindSuffix Kind = "suffix"
	KindTree   Kind = "tree"
)

// ErrProposalTimeout reports that a proposer ran out of its time budget.
// The caller skips speculation for that request this step.
var ErrProposalTimeout = errors.New("proposal timeout")

// Proposal is a draft token tree in flat form. Parents[i] is the index of
// node i's parent or -1 for children of the context end. Parents precede
// their children. A linear draft is a chain: Parents = [-1, 0, 1, ...].
type Proposal struct {
	RequestID string
	Tokens    []int
	Parents   []int
	Source    Kind
}

// Len returns the number of draft nodes.
func (p Proposal) Len() int { return len(p.Tokens) }

// Children returns the node indices whose parent is node, in index order.
func (p Proposal) Children(node int) []int {
	var kids []int
	for i, parent := range p.Parents {
		if parent == node {
			kids = append(kids, i)
		}
	}
	return kids
}

func chain(requestID string, source Kind, tokens []int) Proposal {
	p := Proposal{
		RequestID: requestID,
		Tokens:    append([]int(nil), tokens...),
		Parents:   make([]int, len(tokens)),
		Source:    source,
	}
	for i := range p.Parents {
		p.Parents[i] = i - 1
	}
	return p
}

// ProposalContext is the proposer's view of one request.
type ProposalContext struct {
	RequestID string
	// Tokens is the committed context: prompt followed by verified output.
	Tokens []int
	// MaxDrafts caps the number of draft nodes.
	MaxDrafts int
	// AcceptanceRate is the request's rolling accepted/drafted ratio in [0, 1].
	AcceptanceRate float64
}

// DraftProposer proposes draft tokens for one request.
type DraftProposer interface {
	Kind() Kind
	// Propose returns an empty proposal when nothing useful can be drafted,
	// and ErrProposalTimeout when ctx expires first.
	Propose(ctx context.Context, pc ProposalContext) (Proposal, error)
	// Forget drops per-request state.
	Forget(requestID string)
}

// Config selects and tunes a proposer.
type Config struct {
	Method   string
	MinN     int
	MaxN     int
	MaxWidth int
}

// NewProposer creates a proposer from configuration. An empty method
// returns (nil, nil): speculation is off.
func NewProposer(cfg Config) (DraftProposer, error) {
	if cfg.MinN < 1 {
		cfg.MinN = 1
	}
	if cfg.MaxN < cfg.MinN {
		cfg.MaxN = cfg.MinN
	}
	switch Kind(cfg.Method) {
	case "":
		return nil, nil
	case KindNgram:
		return NewNgramProposer(cfg.MinN, cfg.MaxN), nil
	case KindSuffix:
		return NewSuffixProposer(cfg.MinN), nil
	case KindTree:
		return NewTreeProposer(cfg.MinN, cfg.MaxN, max(cfg.MaxWidth, 1)), nil
	default:
		return nil, fmt.Errorf("unknown speculative method %q", cfg.Method)
	}
}

// expired converts a done context into ErrProposalTimeout.
func expired(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrProposalTimeout, err)
	}
	return nil
}
