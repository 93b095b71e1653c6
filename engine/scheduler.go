package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/inference-engine/engine/internal/hash"
	"github.com/inference-sim/inference-engine/engine/trace"
)

// OrderingPolicy reorders the wait queue before admission.
// Implementations sort the slice in-place using sort.SliceStable for determinism.
type OrderingPolicy interface {
	OrderQueue(requests []*Request)
}

// FCFSOrdering preserves submission order, with preempted requests at the head.
type FCFSOrdering struct{}

func (f *FCFSOrdering) OrderQueue(_ []*Request) {
	// No-op: FIFO order preserved from enqueue order
}

// PriorityFCFSOrdering sorts requests by priority (descending),
// then by arrival time (ascending), then by submission sequence.
type PriorityFCFSOrdering struct{}

func (p *PriorityFCFSOrdering) OrderQueue(reqs []*Request) {
	sort.SliceStable(reqs, func(i, j int) bool {
		return ranksBelow(reqs[j], reqs[i])
	})
}

// NewOrderingPolicy creates an OrderingPolicy by name.
// Valid names: "priority-fcfs" (default), "fcfs". Panics on unrecognized names.
func NewOrderingPolicy(name string) OrderingPolicy {
	if !ValidSchedulers[name] {
		panic(fmt.Sprintf("unknown scheduler %q", name))
	}
	switch name {
	case "", "priority-fcfs":
		return &PriorityFCFSOrdering{}
	case "fcfs":
		return &FCFSOrdering{}
	default:
		panic(fmt.Sprintf("unhandled scheduler %q", name))
	}
}

// RequestScheduler decides, each step, which requests run and how many
// tokens each computes, allocating KV blocks and preempting under pressure.
// It is driven by a single goroutine (the engine step loop).
type RequestScheduler struct {
	batch       BatchConfig
	maxModelLen int
	lookahead   int // reserved draft slots per request; 0 disables speculation

	kv        KVStore
	connector CacheTransferConnector // optional
	ordering  OrderingPolicy
	trace     *trace.EngineTrace

	waiting  WaitQueue
	running  []*Request
	finished []string
	stepIdx  int
}

// NewRequestScheduler creates a scheduler over kv. connector and et may be nil.
func NewRequestScheduler(cfg EngineConfig, kv KVStore, connector CacheTransferConnector, et *trace.EngineTrace) *RequestScheduler {
	if kv == nil {
		panic("NewRequestScheduler: kv must not be nil")
	}
	s := &RequestScheduler{
		batch:       cfg.BatchConfig,
		maxModelLen: cfg.MaxModelLen,
		kv:          kv,
		connector:   connector,
		ordering:    NewOrderingPolicy(cfg.Scheduler),
		trace:       et,
	}
	if cfg.SpeculativeConfig.Enabled() {
		s.lookahead = cfg.NumSpeculativeTokens
	}
	return s
}

// Add enqueues a PENDING request.
func (s *RequestScheduler) Add(req *Request) {
	req.State = StatePending
	s.waiting.Enqueue(req)
}

// NumPending returns the wait queue length.
func (s *RequestScheduler) NumPending() int { return s.waiting.Len() }

// NumRunning returns the number of requests holding blocks.
func (s *RequestScheduler) NumRunning() int { return len(s.running) }

// Running returns the running requests, best ranked first after the latest Schedule.
func (s *RequestScheduler) Running() []*Request { return s.running }

// Pending returns the wait queue contents in their current order.
func (s *RequestScheduler) Pending() []*Request { return s.waiting.Items() }

// HasWork reports whether any request is pending or running.
func (s *RequestScheduler) HasWork() bool { return s.waiting.Len() > 0 || len(s.running) > 0 }

// Finish removes req from the scheduler, frees its blocks and releases any
// offloaded copy. state must be StateFinished or StateAborted.
func (s *RequestScheduler) Finish(req *Request, state RequestState, reason FinishReason) {
	if state != StateFinished && state != StateAborted {
		panic(&InvariantViolation{Component: "scheduler", Detail: fmt.Sprintf("Finish(%s) with non-terminal state %s", req.ID, state)})
	}
	if !s.removeRunning(req) {
		s.waiting.Remove(req.ID)
	}
	s.kv.Free(req)
	s.releaseOffload(req)
	req.State = state
	req.FinishReason = reason
	req.FinishedStepIdx = s.stepIdx
	s.finished = append(s.finished, req.ID)
}

func (s *RequestScheduler) removeRunning(req *Request) bool {
	for i, r := range s.running {
		if r == req {
			s.running = append(s.running[:i], s.running[i+1:]...)
			return true
		}
	}
	return false
}

// Schedule forms the next step.
//
// Phase 1 advances RUNNING requests best-ranked first. When one cannot get
// blocks, the lowest-ranked running request is preempted; a request that is
// itself the lowest ranked preempts itself.
//
// Phase 2 admits PENDING requests in queue order, unless phase 1 preempted.
// A candidate that cannot get blocks may preempt strictly-lower-priority
// running requests when their exclusive blocks cover the shortfall;
// otherwise admission stops for this step.
func (s *RequestScheduler) Schedule(ctx context.Context) *SchedulerOutput {
	s.stepIdx++
	out := &SchedulerOutput{FinishedIDs: s.finished}
	s.finished = nil
	budget := s.batch.MaxScheduledTokens

	sort.SliceStable(s.running, func(i, j int) bool {
		return ranksBelow(s.running[j], s.running[i])
	})

	preempted := false
	for i := 0; i < len(s.running) && budget > 0; {
		req := s.running[i]
		numNew := s.chunk(req, req.NumTokens()-req.NumComputedTokens, budget)
		if numNew <= 0 {
			i++
			continue
		}
		lookahead := s.lookaheadFor(req, req.NumComputedTokens+numNew, budget-numNew)
		selfPreempted := false
		for {
			alloc, err := s.kv.Allocate(req, numNew+lookahead, nil)
			if err == nil {
				out.Scheduled = append(out.Scheduled, ScheduledRequest{
					Request:      req,
					NumNewTokens: numNew,
					Lookahead:    lookahead,
					NewBlocks:    alloc.BlockIDs,
				})
				budget -= numNew + lookahead
				break
			}
			if lookahead > 0 {
				lookahead = 0
				continue
			}
			preempted = true
			if last := len(s.running) - 1; last > i {
				victim := s.running[last]
				s.running = s.running[:last]
				s.preempt(ctx, victim, req.ID)
				out.PreemptedIDs = append(out.PreemptedIDs, victim.ID)
				continue
			}
			s.running = s.running[:i]
			s.preempt(ctx, req, req.ID)
			out.PreemptedIDs = append(out.PreemptedIDs, req.ID)
			selfPreempted = true
			break
		}
		if selfPreempted {
			break
		}
		i++
	}

	if !preempted {
		s.admit(ctx, out, budget)
	}

	for _, sr := range out.Scheduled {
		out.TotalScheduledTokens += sr.NumNewTokens + sr.Lookahead
	}
	out.NumRunning = len(s.running)
	out.NumPending = s.waiting.Len()
	logrus.Debugf("[step %07d] scheduled %d requests (%d tokens), %d preempted, %d pending, %d/%d blocks used",
		s.stepIdx, len(out.Scheduled), out.TotalScheduledTokens, len(out.PreemptedIDs), out.NumPending,
		s.kv.UsedBlocks(), s.kv.TotalCapacity())
	return out
}

// admit runs phase 2. Admission ends for the step once a candidate had to
// preempt, so the victims now at the queue head wait for the next ordering.
func (s *RequestScheduler) admit(ctx context.Context, out *SchedulerOutput, budget int) {
	s.waiting.Reorder(s.ordering.OrderQueue)
	for s.waiting.Len() > 0 && budget > 0 && len(s.running) < s.batch.MaxRunningReqs {
		req := s.waiting.Peek()
		cached := s.cachedPrefix(req)
		loaded := s.loadOffloaded(ctx, req, len(cached))
		bs := s.kv.BlockSize()
		computed := (len(cached) + len(loaded)) * bs
		numNew := s.chunk(req, req.NumTokens()-computed, budget)
		if numNew <= 0 {
			break
		}
		lookahead := s.lookaheadFor(req, computed+numNew, budget-numNew)
		size := len(loaded)*bs + numNew

		alloc, err := s.kv.Allocate(req, size+lookahead, cached)
		if err != nil && lookahead > 0 {
			lookahead = 0
			alloc, err = s.kv.Allocate(req, size, cached)
		}
		preempted := false
		if err != nil {
			needed := s.kv.NumBlocksNeeded(req, size, cached)
			victims := s.pickVictims(req, needed, cached)
			if len(victims) == 0 {
				logrus.Debugf("[step %07d] %s deferred: needs %d blocks, %d free", s.stepIdx, req.ID, needed, s.kv.FreeBlocks())
				break
			}
			for _, v := range victims {
				s.removeRunning(v)
				budget += unschedule(out, v)
				s.preempt(ctx, v, req.ID)
				out.PreemptedIDs = append(out.PreemptedIDs, v.ID)
			}
			preempted = true
			// victims went to the queue head; the candidate stays in front of them
			s.waiting.Remove(req.ID)
			s.waiting.PrependFront(req)
			alloc, err = s.kv.Allocate(req, size, cached)
			if err != nil {
				logrus.Warnf("[step %07d] %s still cannot allocate after preemption: %v", s.stepIdx, req.ID, err)
				break
			}
		}

		s.waiting.Dequeue()
		sr := ScheduledRequest{
			Request:         req,
			NumNewTokens:    numNew,
			NumCachedTokens: computed,
			Lookahead:       lookahead,
			NewBlocks:       alloc.BlockIDs,
		}
		for i, snap := range loaded {
			sr.LoadedBlocks = append(sr.LoadedBlocks, LoadedBlock{BlockID: alloc.BlockIDs[len(cached)+i], Snapshot: snap})
		}
		s.releaseOffload(req)
		req.NumComputedTokens = computed
		req.NumCachedTokens = computed
		req.State = StateRunning
		if req.NumPreemptions == 0 {
			req.ScheduledStepIdx = s.stepIdx
		}
		s.running = append(s.running, req)
		out.Scheduled = append(out.Scheduled, sr)
		budget -= numNew + lookahead
		if preempted {
			break
		}
	}
}

// unschedule drops victim from this step's output and returns the refunded budget.
func unschedule(out *SchedulerOutput, victim *Request) int {
	for i, sr := range out.Scheduled {
		if sr.Request == victim {
			out.Scheduled = append(out.Scheduled[:i], out.Scheduled[i+1:]...)
			return sr.NumNewTokens + sr.Lookahead
		}
	}
	return 0
}

// pickVictims returns strictly-lower-priority running requests, lowest ranked
// first, whose freed blocks together with the free pool cover needed.
// Blocks of the candidate's cached prefix held only by victims are revived
// by the candidate, so they do not count as freed. Returns nil when no such
// set exists.
func (s *RequestScheduler) pickVictims(candidate *Request, needed int, cached []int) []*Request {
	free := s.kv.FreeBlocks()
	available := free
	var victims []*Request
	var ids []string
	for i := len(s.running) - 1; i >= 0 && available < needed; i-- {
		r := s.running[i]
		if r.Priority >= candidate.Priority {
			continue
		}
		victims = append(victims, r)
		ids = append(ids, r.ID)
		available = free + s.kv.NumReclaimableBlocks(ids, cached)
	}
	if available < needed {
		return nil
	}
	return victims
}

// chunk caps remaining context tokens by the long-prefill threshold and budget.
func (s *RequestScheduler) chunk(req *Request, remaining, budget int) int {
	n := remaining
	if t := s.batch.LongPrefillTokenThreshold; t > 0 && n > t {
		n = t
	}
	return min(n, budget)
}

// lookaheadFor returns the draft slots to reserve when the chunk ends at the
// end of the context. Drafts never push the request past its length limits:
// accepting j drafts commits j+1 tokens.
func (s *RequestScheduler) lookaheadFor(req *Request, end, budget int) int {
	if s.lookahead == 0 || end < req.NumTokens() {
		return 0
	}
	k := min(s.lookahead, budget, s.maxModelLen-req.NumTokens()-1)
	if req.Params.MaxTokens > 0 {
		k = min(k, req.Params.MaxTokens-len(req.OutputTokens)-1)
	}
	return max(k, 0)
}

// cachedPrefix looks up reusable blocks, leaving at least one token to compute.
func (s *RequestScheduler) cachedPrefix(req *Request) []int {
	maxBlocks := (req.NumTokens() - 1) / s.kv.BlockSize()
	if maxBlocks <= 0 {
		return nil
	}
	tokens := req.AllTokens()[:maxBlocks*s.kv.BlockSize()]
	return s.kv.GetCachedBlocks(tokens)
}

// loadOffloaded fetches the request's offloaded blocks that follow its
// cached prefix. Any failure or mismatch falls back to recomputation.
func (s *RequestScheduler) loadOffloaded(ctx context.Context, req *Request, numCached int) []BlockSnapshot {
	if req.offload == nil || s.connector == nil {
		return nil
	}
	snaps, err := s.connector.Load(ctx, req.offload)
	if err != nil {
		logrus.Warnf("[step %07d] offload load for %s failed, recomputing: %v", s.stepIdx, req.ID, err)
		s.releaseOffload(req)
		return nil
	}
	bs := s.kv.BlockSize()
	maxBlocks := min(len(snaps), (req.NumTokens()-1)/bs)
	chain := hash.HashChain(req.AllTokens()[:maxBlocks*bs], bs)
	for i := 0; i < maxBlocks; i++ {
		if snaps[i].Hash != chain[i] {
			logrus.Warnf("[step %07d] offloaded block %d of %s does not match its context, recomputing", s.stepIdx, i, req.ID)
			s.releaseOffload(req)
			return nil
		}
	}
	if numCached >= maxBlocks {
		return nil
	}
	return snaps[numCached:maxBlocks]
}

func (s *RequestScheduler) releaseOffload(req *Request) {
	if req.offload != nil && s.connector != nil {
		s.connector.Release(req.offload)
	}
	req.offload = nil
}

// preempt frees req's blocks, optionally offloading its full computed blocks
// first, and puts it back at the head of the wait queue with its history.
func (s *RequestScheduler) preempt(ctx context.Context, req *Request, by string) {
	numBlocks := len(s.kv.BlockTable(req.ID))
	offloaded := false
	if s.connector != nil {
		if snaps := s.kv.Snapshot(req); len(snaps) > 0 {
			handle, err := s.connector.Store(ctx, snaps)
			if err != nil {
				logrus.Warnf("[step %07d] offload of %s failed, will recompute: %v", s.stepIdx, req.ID, err)
			} else {
				req.offload = handle
				offloaded = true
			}
		}
	}
	s.kv.Free(req)
	req.State = StatePreempted
	req.NumComputedTokens = 0
	req.NumCachedTokens = 0
	req.NumPreemptions++
	logrus.Debugf("[step %07d] preempted %s (priority %d) for %s, offloaded=%v", s.stepIdx, req.ID, req.Priority, by, offloaded)
	s.trace.RecordPreemption(trace.PreemptionRecord{
		RequestID:   req.ID,
		Step:        s.stepIdx,
		Priority:    req.Priority,
		PreemptedBy: by,
		Offloaded:   offloaded,
		NumBlocks:   numBlocks,
	})
	req.State = StatePending
	s.waiting.PrependFront(req)
}
