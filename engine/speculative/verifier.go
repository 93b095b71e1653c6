package speculative

import "fmt"

// Mode selects the draft acceptance rule.
type Mode string

const (
	// ModeGreedy accepts a draft token iff it equals the token the model
	// itself produces at that position (argmax for greedy requests, the
	// request sampler's draw otherwise).
	ModeGreedy Mode = "greedy"
	// ModeRejection accepts draft tokens by rejection sampling against the
	// model distribution and resamples from the residual on rejection.
	ModeRejection Mode = "rejection"
)

// VerificationResult is the outcome of checking one proposal.
type VerificationResult struct {
	// AcceptedTokens are the draft tokens committed, in order.
	AcceptedTokens []int
	// AcceptedNodes are the proposal node indices along the accepted path.
	AcceptedNodes []int
	// Token is the model's own token after the accepted path: a corrected
	// resample when Rejected, otherwise a bonus token.
	Token int
	// Rejected reports that a draft at the stopping point was turned down.
	Rejected bool
}

// NumAccepted returns the number of accepted draft tokens.
func (r VerificationResult) NumAccepted() int { return len(r.AcceptedTokens) }

// NumContiguous returns the length of the leading accepted run whose node
// indices equal their depth. Node i is written to KV slot i past the
// context, so only this run leaves the committed tokens' KV in place.
func (r VerificationResult) NumContiguous() int {
	n := 0
	for n < len(r.AcceptedNodes) && r.AcceptedNodes[n] == n {
		n++
	}
	return n
}

// Tokens returns every token the step commits: accepted drafts, then Token.
func (r VerificationResult) Tokens() []int {
	out := make([]int, 0, len(r.AcceptedTokens)+1)
	out = append(out, r.AcceptedTokens...)
	return append(out, r.Token)
}

// Verifier checks draft trees against the model's logits.
type Verifier struct {
	mode Mode
}

// NewVerifier creates a Verifier. An empty mode selects ModeGreedy.
// Panics on unrecognized modes.
func NewVerifier(mode string) *Verifier {
	switch Mode(mode) {
	case "", ModeGreedy:
		return &Verifier{mode: ModeGreedy}
	case ModeRejection:
		return &Verifier{mode: ModeRejection}
	default:
		panic(fmt.Sprintf("unknown acceptance mode %q", mode))
	}
}

// Mode returns the active acceptance rule.
func (v *Verifier) Mode() Mode { return v.mode }

// Verify walks the proposal from the context end. logits[0] is the model's
// row after the context and logits[1+i] the row after draft node i. At each
// node the model's token is determined first; the child carrying it is
// accepted and the walk descends. The walk ends at the first node where no
// child is accepted, emitting the model's token there. An empty proposal
// degenerates to ordinary decoding of a single token.
func (v *Verifier) Verify(p Proposal, logits [][]float32, sampler *Sampler) (VerificationResult, error) {
	if len(p.Parents) != len(p.Tokens) {
		return VerificationResult{}, fmt.Errorf("proposal for %s has %d tokens but %d parents", p.RequestID, len(p.Tokens), len(p.Parents))
	}
	if len(logits) < 1+len(p.Tokens) {
		return VerificationResult{}, fmt.Errorf("verify %s: %d logit rows for %d draft nodes", p.RequestID, len(logits), len(p.Tokens))
	}
	vocab := len(logits[0])
	for i, row := range logits[:1+len(p.Tokens)] {
		if len(row) == 0 || len(row) != vocab {
			return VerificationResult{}, fmt.Errorf("verify %s: logit row %d has %d entries, want %d", p.RequestID, i, len(row), max(vocab, 1))
		}
	}
	var res VerificationResult
	node := -1
	for {
		row := logits[node+1]
		kids := p.Children(node)
		var next int
		var tok int
		if v.mode == ModeRejection && !sampler.Greedy() {
			next, tok = rejectionStep(p, kids, sampler.Distribution(row), sampler)
		} else {
			next, tok = matchStep(p, kids, sampler.Sample(row))
		}
		if next < 0 {
			res.Token = tok
			res.Rejected = len(kids) > 0
			return res, nil
		}
		res.AcceptedTokens = append(res.AcceptedTokens, p.Tokens[next])
		res.AcceptedNodes = append(res.AcceptedNodes, next)
		node = next
	}
}

// matchStep accepts the child whose token equals the model's token.
func matchStep(p Proposal, kids []int, modelTok int) (int, int) {
	for _, c := range kids {
		if p.Tokens[c] == modelTok {
			return c, modelTok
		}
	}
	return -1, modelTok
}

// rejectionStep tries each child in order: child c is accepted with its
// probability under the residual distribution; a rejected token's mass is
// removed and the rest renormalized. If every child is rejected the token
// is drawn from the final residual. Deterministic drafts make this exact.
func rejectionStep(p Proposal, kids []int, dist *Distribution, sampler *Sampler) (int, int) {
	for _, c := range kids {
		tok := p.Tokens[c]
		if sampler.Float64() < dist.Prob(tok) {
			return c, tok
		}
		if !dist.Remove(tok) {
			// all mass was on rejected drafts; only reachable through rounding
			return -1, tok
		}
	}
	return -1, dist.Draw(sampler.Float64())
}
