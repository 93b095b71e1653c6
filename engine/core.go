// Implements EngineCore, the single-threaded step loop that ties the
// scheduler, the KV store, the draft proposer and the model executor together.

package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/inference-engine/engine/speculative"
	"github.com/inference-sim/inference-engine/engine/trace"
)

// SubmitOption customizes a single SubmitRequest call.
type SubmitOption func(*Request)

// WithRequestID sets the request ID instead of generating one.
func WithRequestID(id string) SubmitOption {
	return func(r *Request) { r.ID = id }
}

// WithDeadline aborts the request at the first step boundary after t.
func WithDeadline(t time.Time) SubmitOption {
	return func(r *Request) { r.Deadline = t }
}

// Option customizes an EngineCore.
type Option func(*EngineCore)

// WithClock replaces time.Now for arrival times, deadlines and admission.
func WithClock(clock func() time.Time) Option {
	return func(e *EngineCore) { e.clock = clock }
}

// WithConnector enables offloading of preempted requests' blocks.
func WithConnector(c CacheTransferConnector) Option {
	return func(e *EngineCore) { e.connector = c }
}

// WithTrace records admission, preemption and speculation decisions.
func WithTrace(et *trace.EngineTrace) Option {
	return func(e *EngineCore) { e.trace = et }
}

// WithRegisterer exports the engine metrics as Prometheus collectors.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *EngineCore) { e.registerer = reg }
}

// WithProposer overrides the proposer built from the speculative config.
func WithProposer(p speculative.DraftProposer) Option {
	return func(e *EngineCore) { e.proposer = p; e.proposerSet = true }
}

// requestArena holds live requests in reusable slots.
type requestArena struct {
	reqs     []*Request
	samplers []*speculative.Sampler
	free     []int
}

func (a *requestArena) insert(req *Request, s *speculative.Sampler) {
	if n := len(a.free); n > 0 {
		req.slot = a.free[n-1]
		a.free = a.free[:n-1]
		a.reqs[req.slot] = req
		a.samplers[req.slot] = s
		return
	}
	req.slot = len(a.reqs)
	a.reqs = append(a.reqs, req)
	a.samplers = append(a.samplers, s)
}

func (a *requestArena) release(req *Request) {
	a.reqs[req.slot] = nil
	a.samplers[req.slot] = nil
	a.free = append(a.free, req.slot)
}

func (a *requestArena) sampler(req *Request) *speculative.Sampler { return a.samplers[req.slot] }

// live returns the occupied slots in slot order.
func (a *requestArena) live() []*Request {
	var out []*Request
	for _, r := range a.reqs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// EngineCore runs one engine replica. Step and Run must be called from a
// single goroutine; SubmitRequest and Abort are safe from any goroutine and
// take effect at the next step boundary.
type EngineCore struct {
	cfg       EngineConfig
	kv        KVStore
	scheduler *RequestScheduler
	executor  ModelExecutor
	connector CacheTransferConnector
	proposer  speculative.DraftProposer
	verifier  *speculative.Verifier
	rng       *PartitionedRNG
	trace     *trace.EngineTrace
	Metrics   *Metrics

	clock       func() time.Time
	registerer  prometheus.Registerer
	proposerSet bool

	arena   requestArena
	stepIdx int

	mu         sync.Mutex
	admission  AdmissionPolicy
	intake     []*Request
	aborts     []string
	ids        map[string]bool // submitted and not yet finished
	numPending int             // scheduler queue length after the latest step
	nextSeq    uint64
	rejected   int
}

// NewEngineCore builds an engine over kv and executor. A nil kv builds the
// registered KVStore from cfg.KVCacheConfig.
func NewEngineCore(cfg EngineConfig, kv KVStore, executor ModelExecutor, opts ...Option) (*EngineCore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if executor == nil {
		panic("NewEngineCore: executor must not be nil")
	}
	if kv == nil {
		kv = NewKVStore(cfg.KVCacheConfig)
	}
	e := &EngineCore{
		cfg:       cfg,
		kv:        kv,
		executor:  executor,
		verifier:  speculative.NewVerifier(cfg.Acceptance),
		rng:       NewPartitionedRNG(NewEngineKey(cfg.Seed)),
		clock:     time.Now,
		admission: NewAdmissionPolicy(cfg.AdmissionConfig),
		ids:       make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	if !e.proposerSet {
		p, err := speculative.NewProposer(speculative.Config{
			Method:   cfg.Method,
			MinN:     cfg.MinN,
			MaxN:     cfg.MaxN,
			MaxWidth: cfg.MaxWidth,
		})
		if err != nil {
			return nil, err
		}
		e.proposer = p
	}
	switch {
	case e.proposer == nil:
		// no drafts means no lookahead slots
		cfg.SpeculativeConfig.Method = ""
	case cfg.Method == "":
		cfg.SpeculativeConfig.Method = string(e.proposer.Kind())
	}
	e.cfg = cfg
	e.Metrics = NewMetrics(e.registerer)
	e.scheduler = NewRequestScheduler(cfg, kv, e.connector, e.trace)
	return e, nil
}

// KV returns the engine's KV store.
func (e *EngineCore) KV() KVStore { return e.kv }

// Scheduler returns the engine's scheduler. Step-loop goroutine only.
func (e *EngineCore) Scheduler() *RequestScheduler { return e.scheduler }

// Trace returns the decision trace, nil when tracing is off.
func (e *EngineCore) Trace() *trace.EngineTrace { return e.trace }

// SubmitRequest validates and queues a request, returning its ID.
// Fails with ErrInvalidRequest for requests that can never be served and
// with ErrResourceExhausted when admission control refuses it.
func (e *EngineCore) SubmitRequest(prompt []int, priority int, params SamplingParams, opts ...SubmitOption) (string, error) {
	req := &Request{
		PromptTokens:   slices.Clone(prompt),
		Priority:       priority,
		Params:         params,
		State:          StatePending,
		AcceptanceRate: 1,
	}
	for _, opt := range opts {
		opt(req)
	}
	if req.ID == "" {
		req.ID = "req-" + uuid.NewString()
	}
	if err := e.validate(req); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ids[req.ID] {
		return "", fmt.Errorf("%w: duplicate request ID %s", ErrInvalidRequest, req.ID)
	}
	now := e.clock().UnixMicro()
	admitted, reason := e.admission.Admit(req, e.numPending+len(e.intake), now)
	e.trace.RecordAdmission(trace.AdmissionRecord{RequestID: req.ID, Clock: now, Admitted: admitted, Reason: reason})
	if !admitted {
		e.rejected++
		return "", fmt.Errorf("%w: request %s rejected: %s", ErrResourceExhausted, req.ID, reason)
	}
	req.ArrivalTime = now
	req.seq = e.nextSeq
	e.nextSeq++
	e.ids[req.ID] = true
	e.intake = append(e.intake, req)
	return req.ID, nil
}

func (e *EngineCore) validate(req *Request) error {
	p := req.Params
	switch {
	case len(req.PromptTokens) == 0:
		return fmt.Errorf("%w: empty prompt", ErrInvalidRequest)
	case len(req.PromptTokens) >= e.cfg.MaxModelLen:
		return fmt.Errorf("%w: prompt of %d tokens leaves no room under max model length %d",
			ErrInvalidRequest, len(req.PromptTokens), e.cfg.MaxModelLen)
	case p.MaxTokens < 0:
		return fmt.Errorf("%w: max tokens %d", ErrInvalidRequest, p.MaxTokens)
	case p.TopK < 0:
		return fmt.Errorf("%w: top-k %d", ErrInvalidRequest, p.TopK)
	case p.TopP < 0 || p.TopP > 1:
		return fmt.Errorf("%w: top-p %f outside [0, 1]", ErrInvalidRequest, p.TopP)
	case p.MinP < 0 || p.MinP > 1:
		return fmt.Errorf("%w: min-p %f outside [0, 1]", ErrInvalidRequest, p.MinP)
	}
	for _, tok := range req.PromptTokens {
		if tok < 0 {
			return fmt.Errorf("%w: negative token id %d", ErrInvalidRequest, tok)
		}
	}
	return nil
}

// Abort cancels a pending or running request at the next step boundary.
func (e *EngineCore) Abort(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ids[id] {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	e.aborts = append(e.aborts, id)
	return nil
}

// HasWork reports whether any request is queued, running or awaiting intake.
func (e *EngineCore) HasWork() bool {
	e.mu.Lock()
	pending := len(e.intake) + len(e.aborts)
	e.mu.Unlock()
	return pending > 0 || e.scheduler.HasWork()
}

// Run calls Step until no work remains or ctx is done, passing every step's
// outputs to cb.
func (e *EngineCore) Run(ctx context.Context, cb func(*EngineCoreOutputs)) error {
	for e.HasWork() {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := e.Step(ctx)
		if err != nil {
			return err
		}
		if cb != nil {
			cb(out)
		}
	}
	return nil
}

// drain moves submissions into the scheduler and flags aborted requests.
func (e *EngineCore) drain() {
	e.mu.Lock()
	intake, aborts := e.intake, e.aborts
	e.intake, e.aborts = nil, nil
	e.Metrics.recordRejected(e.rejected)
	e.rejected = 0
	e.mu.Unlock()

	for _, req := range intake {
		seed := e.rng.DeriveSeed("sampler/" + req.ID)
		if req.Params.Seed != nil {
			seed = *req.Params.Seed
		}
		s := speculative.NewSampler(speculative.SamplerConfig{
			Seed:        seed,
			Temperature: req.Params.Temperature,
			TopK:        req.Params.TopK,
			TopP:        req.Params.TopP,
			MinP:        req.Params.MinP,
		})
		e.arena.insert(req, s)
		e.scheduler.Add(req)
		e.Metrics.TotalPromptTokens += len(req.PromptTokens)
	}
	if len(aborts) == 0 {
		return
	}
	for _, req := range e.arena.live() {
		if slices.Contains(aborts, req.ID) {
			req.cancelled = true
		}
	}
}

// Step runs one engine iteration and reports its outputs. Allocation and
// scheduling failures are handled inside; only a cancelled ctx escapes.
func (e *EngineCore) Step(ctx context.Context) (*EngineCoreOutputs, error) {
	e.drain()
	e.stepIdx++
	out := &EngineCoreOutputs{StepIndex: e.stepIdx}

	now := e.clock()
	for _, req := range e.arena.live() {
		switch {
		case req.cancelled:
			e.finish(out, req, StateAborted, FinishAbort, nil)
		case !req.Deadline.IsZero() && now.After(req.Deadline):
			e.finish(out, req, StateAborted, FinishDeadline, nil)
		}
	}

	sout := e.scheduler.Schedule(ctx)
	out.PreemptedIDs = sout.PreemptedIDs
	proposals := e.propose(ctx, sout)

	batch := &Batch{StepIndex: e.stepIdx}
	for _, sr := range sout.Scheduled {
		req := sr.Request
		entry := BatchEntry{
			RequestID:          req.ID,
			Tokens:             req.AllTokens(),
			NumComputedTokens:  req.NumComputedTokens,
			NumScheduledTokens: sr.NumNewTokens,
			BlockTable:         slices.Clone(e.kv.BlockTable(req.ID)),
			LoadedBlocks:       sr.LoadedBlocks,
		}
		if p, ok := proposals[req.ID]; ok {
			entry.DraftTokens = p.Tokens
			entry.DraftParents = p.Parents
		}
		batch.Entries = append(batch.Entries, entry)
		e.Metrics.CachedPromptTokens += sr.NumCachedTokens
		e.Metrics.ComputedTokens += sr.NumNewTokens
	}

	if len(batch.Entries) > 0 {
		if err := e.execute(ctx, batch, sout, proposals, out); err != nil {
			return nil, err
		}
	}

	out.NumRunning = e.scheduler.NumRunning()
	out.NumPending = e.scheduler.NumPending()
	out.KVUsage = float64(e.kv.UsedBlocks()) / float64(e.kv.TotalCapacity())
	e.Metrics.recordStep(out, e.kv.UsedBlocks())

	e.mu.Lock()
	e.numPending = out.NumPending
	e.mu.Unlock()

	logrus.Debugf("[step %07d] %d outputs, %d running, %d pending, kv usage %.2f",
		e.stepIdx, len(out.Outputs), out.NumRunning, out.NumPending, out.KVUsage)
	return out, nil
}

// propose drafts continuations for requests whose chunk reaches the end of
// their context and that were given lookahead slots.
func (e *EngineCore) propose(ctx context.Context, sout *SchedulerOutput) map[string]speculative.Proposal {
	if e.proposer == nil {
		return nil
	}
	proposals := make(map[string]speculative.Proposal)
	for _, sr := range sout.Scheduled {
		req := sr.Request
		if sr.Lookahead == 0 || req.NumComputedTokens+sr.NumNewTokens < req.NumTokens() {
			continue
		}
		pctx, cancel := ctx, context.CancelFunc(func() {})
		if us := e.cfg.ProposalTimeoutUs; us > 0 {
			pctx, cancel = context.WithTimeout(ctx, time.Duration(us)*time.Microsecond)
		}
		p, err := e.proposer.Propose(pctx, speculative.ProposalContext{
			RequestID:      req.ID,
			Tokens:         req.AllTokens(),
			MaxDrafts:      sr.Lookahead,
			AcceptanceRate: req.AcceptanceRate,
		})
		cancel()
		if err != nil {
			if errors.Is(err, speculative.ErrProposalTimeout) {
				logrus.Debugf("[step %07d] proposal for %s timed out", e.stepIdx, req.ID)
				e.trace.RecordSpeculation(trace.SpeculationRecord{RequestID: req.ID, Step: e.stepIdx, Source: string(e.proposer.Kind()), TimedOut: true})
			} else {
				logrus.Warnf("[step %07d] proposal for %s failed: %v", e.stepIdx, req.ID, err)
			}
			continue
		}
		if p.Len() > sr.Lookahead {
			logrus.Warnf("[step %07d] proposer returned %d drafts for %d slots, dropping", e.stepIdx, p.Len(), sr.Lookahead)
			continue
		}
		if p.Len() > 0 {
			proposals[req.ID] = p
		}
	}
	return proposals
}

// execute runs the batch and applies its results.
func (e *EngineCore) execute(ctx context.Context, batch *Batch, sout *SchedulerOutput,
	proposals map[string]speculative.Proposal, out *EngineCoreOutputs) error {
	res, err := e.executor.Execute(ctx, batch)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	var execErr *ExecutorError
	if err != nil && !errors.As(err, &execErr) {
		execErr = &ExecutorError{Err: err}
	}
	if execErr != nil {
		logrus.Warnf("[step %07d] %v", e.stepIdx, execErr)
	}
	if res != nil {
		out.StepTimeUs = res.StepTimeUs
	}

	for i, sr := range sout.Scheduled {
		req := sr.Request
		entry := &batch.Entries[i]
		if execErr != nil && execErr.Affects(req.ID) {
			e.finish(out, req, StateFinished, FinishError, execErr)
			continue
		}
		if res != nil && res.Errors[req.ID] != nil {
			e.finish(out, req, StateFinished, FinishError, &ExecutorError{RequestIDs: []string{req.ID}, Err: res.Errors[req.ID]})
			continue
		}
		if !entry.NeedsLogits() {
			req.NumComputedTokens += sr.NumNewTokens
			e.kv.CacheBlocks(req)
			continue
		}
		var rows [][]float32
		if res != nil {
			rows = res.Logits[req.ID]
		}
		p := proposals[req.ID]
		p.RequestID = req.ID
		vr, verr := e.verifier.Verify(p, rows, e.arena.sampler(req))
		if verr != nil {
			e.finish(out, req, StateFinished, FinishError, &ExecutorError{RequestIDs: []string{req.ID}, Err: verr})
			continue
		}
		e.commit(out, req, sr, p, vr)
	}
	return nil
}

// commit appends verified tokens, applies stop conditions and advances the
// computed count over the context chunk and the contiguously accepted drafts.
func (e *EngineCore) commit(out *EngineCoreOutputs, req *Request, sr ScheduledRequest, p speculative.Proposal, vr speculative.VerificationResult) {
	if len(req.OutputTokens) == 0 {
		e.Metrics.TTFTStepsSum += int64(e.stepIdx - req.ScheduledStepIdx + 1)
		req.FirstTokenTime = e.clock().UnixMicro()
	}
	req.NumComputedTokens += sr.NumNewTokens

	var committed []int
	reason := FinishNone
	for _, tok := range vr.Tokens() {
		req.OutputTokens = append(req.OutputTokens, tok)
		committed = append(committed, tok)
		if reason = e.stopReason(req, tok); reason != FinishNone {
			break
		}
	}
	// drafts off the leading chain left other nodes' KV in their slots; they
	// are recomputed next step
	req.NumComputedTokens += min(vr.NumContiguous(), len(committed))

	ro := RequestOutput{RequestID: req.ID, NewTokens: committed}
	if p.Len() > 0 {
		accepted := min(vr.NumAccepted(), len(committed))
		ro.NumDrafted, ro.NumAccepted = p.Len(), accepted
		req.NumDrafted += p.Len()
		req.NumAccepted += accepted
		alpha := e.cfg.AcceptanceEMA
		rate := float64(accepted) / float64(p.Len())
		req.AcceptanceRate = alpha*rate + (1-alpha)*req.AcceptanceRate
		e.trace.RecordSpeculation(trace.SpeculationRecord{
			RequestID: req.ID,
			Step:      e.stepIdx,
			Source:    string(p.Source),
			Drafted:   p.Len(),
			Accepted:  accepted,
		})
	}
	e.kv.CacheBlocks(req)

	out.Outputs = append(out.Outputs, ro)
	if reason != FinishNone {
		e.finish(out, req, StateFinished, reason, nil)
	}
}

func (e *EngineCore) stopReason(req *Request, tok int) FinishReason {
	if !req.Params.IgnoreEOS && e.cfg.EOSTokenID >= 0 && tok == e.cfg.EOSTokenID {
		return FinishStop
	}
	if slices.Contains(req.Params.StopTokenIDs, tok) {
		return FinishStop
	}
	if req.Params.MaxTokens > 0 && len(req.OutputTokens) >= req.Params.MaxTokens {
		return FinishLength
	}
	if req.NumTokens() >= e.cfg.MaxModelLen {
		return FinishLength
	}
	return FinishNone
}

// finish retires req and reports it in out. An existing output entry for
// req this step is marked finished; otherwise one is added.
func (e *EngineCore) finish(out *EngineCoreOutputs, req *Request, state RequestState, reason FinishReason, err error) {
	e.scheduler.Finish(req, state, reason)
	req.Err = err
	if e.proposer != nil {
		e.proposer.Forget(req.ID)
	}
	e.arena.release(req)
	e.mu.Lock()
	delete(e.ids, req.ID)
	e.mu.Unlock()
	e.Metrics.recordFinish(reason)

	idx := -1
	for i := range out.Outputs {
		if out.Outputs[i].RequestID == req.ID {
			idx = i
		}
	}
	if idx < 0 {
		out.Outputs = append(out.Outputs, RequestOutput{RequestID: req.ID})
		idx = len(out.Outputs) - 1
	}
	out.Outputs[idx].Finished = true
	out.Outputs[idx].FinishReason = reason
	if err != nil {
		out.Outputs[idx].Error = err.Error()
	}
	logrus.Debugf("[step %07d] %s finished: %s (%d output tokens)", e.stepIdx, req.ID, reason, len(req.OutputTokens))
}
