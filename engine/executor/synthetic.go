// Package executor provides ModelExecutor implementations: a deterministic
// synthetic language model with a step cost model, and an asynchronous
// wrapper that runs any executor on a worker goroutine.
package executor

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"sync"

	"github.com/inference-sim/inference-engine/engine"
)

// SyntheticExecutor is a toy language model. Its logits depend only on the
// seed and the last Order tokens of the context, so greedy decoding settles
// into repeating phrases that draft proposers can exploit.
type SyntheticExecutor struct {
	Vocab int
	Order int
	Seed  int64

	cost *CostModel

	mu           sync.Mutex
	failRequests map[string]error
	stats        Stats
}

// Stats counts the work an executor has done.
type Stats struct {
	Steps        int
	Tokens       int // scheduled context tokens
	DraftNodes   int
	LoadedBlocks int
}

// NewSyntheticExecutor creates a SyntheticExecutor. A nil cost model uses
// DefaultBetaCoeffs. Panics if vocab < 2 or order < 1.
func NewSyntheticExecutor(vocab, order int, seed int64, cost *CostModel) *SyntheticExecutor {
	if vocab < 2 {
		panic("NewSyntheticExecutor: vocab must be >= 2")
	}
	if order < 1 {
		panic("NewSyntheticExecutor: order must be >= 1")
	}
	if cost == nil {
		var err error
		if cost, err = NewCostModel(DefaultBetaCoeffs); err != nil {
			panic(err)
		}
	}
	return &SyntheticExecutor{
		Vocab:        vocab,
		Order:        order,
		Seed:         seed,
		cost:         cost,
		failRequests: make(map[string]error),
	}
}

// FailRequest makes every later pass containing requestID report err for it.
func (x *SyntheticExecutor) FailRequest(requestID string, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.failRequests[requestID] = err
}

// Stats returns a copy of the executor's counters.
func (x *SyntheticExecutor) Stats() Stats {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.stats
}

func (x *SyntheticExecutor) Execute(ctx context.Context, batch *engine.Batch) (*engine.ExecutorResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	res := &engine.ExecutorResult{
		Logits:     make(map[string][][]float32, len(batch.Entries)),
		StepTimeUs: x.cost.StepTime(batch),
	}
	var failed []string
	var failErr error
	for i := range batch.Entries {
		e := &batch.Entries[i]
		x.stats.Tokens += e.NumScheduledTokens
		x.stats.DraftNodes += len(e.DraftTokens)
		x.stats.LoadedBlocks += len(e.LoadedBlocks)
		if err, ok := x.failRequests[e.RequestID]; ok {
			failed = append(failed, e.RequestID)
			failErr = err
			continue
		}
		if !e.NeedsLogits() {
			continue
		}
		rows := make([][]float32, 0, 1+len(e.DraftTokens))
		rows = append(rows, x.Logits(e.Tokens))
		for n := range e.DraftTokens {
			rows = append(rows, x.Logits(append(append([]int(nil), e.Tokens...), draftPath(e, n)...)))
		}
		res.Logits[e.RequestID] = rows
	}
	x.stats.Steps++
	if len(failed) > 0 {
		return res, &engine.ExecutorError{RequestIDs: failed, Err: failErr}
	}
	return res, nil
}

// draftPath returns the draft tokens from the context end down to node n.
func draftPath(e *engine.BatchEntry, n int) []int {
	var path []int
	for ; n >= 0; n = e.DraftParents[n] {
		path = append(path, e.DraftTokens[n])
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// Logits returns the model's row after ctx.
func (x *SyntheticExecutor) Logits(ctx []int) []float32 {
	h := fnv.New64a()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(x.Seed))
	h.Write(buf[:])
	for _, tok := range ctx[max(0, len(ctx)-x.Order):] {
		binary.LittleEndian.PutUint64(buf[:], uint64(tok))
		h.Write(buf[:])
	}
	state := h.Sum64()

	row := make([]float32, x.Vocab)
	for v := range row {
		state = splitmix64(state)
		row[v] = float32(state>>40) / float32(1<<24) * 4
	}
	return row
}

func splitmix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
