package engine

import "context"

// BatchEntry is one request's slice of a forward pass.
type BatchEntry struct {
	RequestID string
	// Tokens is the committed context: prompt followed by verified output.
	Tokens []int
	// NumComputedTokens leading Tokens already have KV entries in BlockTable.
	NumComputedTokens int
	// NumScheduledTokens are computed this pass, starting at NumComputedTokens.
	NumScheduledTokens int
	BlockTable         []int
	// DraftTokens is a token tree in flat form: DraftParents[i] is the index of
	// node i's parent, or -1 when it extends the context directly. Parents
	// always precede their children.
	DraftTokens  []int
	DraftParents []int
	// LoadedBlocks must be copied into the pool before the pass.
	LoadedBlocks []LoadedBlock
}

// NeedsLogits reports whether the pass reaches the end of the context, so
// the request samples a token this step.
func (e *BatchEntry) NeedsLogits() bool {
	return e.NumComputedTokens+e.NumScheduledTokens >= len(e.Tokens)
}

// Batch is the input of one ModelExecutor call.
type Batch struct {
	StepIndex int
	Entries   []BatchEntry
}

// NumTokens returns the number of token positions computed by the batch,
// draft nodes included.
func (b *Batch) NumTokens() int {
	n := 0
	for i := range b.Entries {
		n += b.Entries[i].NumScheduledTokens + len(b.Entries[i].DraftTokens)
	}
	return n
}

// ExecutorResult carries the logits of one forward pass.
type ExecutorResult struct {
	// Logits maps request ID to rows of vocabulary logits. Row 0 predicts the
	// token after the context; row 1+i predicts the token after draft node i.
	// Entries whose pass stops short of the context end have no rows.
	Logits map[string][][]float32
	// Errors holds per-request failures; those requests are finished with
	// FinishError while the rest of the batch proceeds.
	Errors map[string]error
	// StepTimeUs is the measured or modelled duration of the pass.
	StepTimeUs int64
}

// ModelExecutor runs the neural-network forward pass. Exactly one call is
// outstanding at a time. A returned *ExecutorError names the failed requests;
// any other error fails the whole batch.
type ModelExecutor interface {
	Execute(ctx context.Context, batch *Batch) (*ExecutorResult, error)
}
