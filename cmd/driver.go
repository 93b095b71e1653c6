package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/inference-engine/engine"
	"github.com/inference-sim/inference-engine/engine/executor"
	_ "github.com/inference-sim/inference-engine/engine/kv"
	"github.com/inference-sim/inference-engine/engine/offload"
	"github.com/inference-sim/inference-engine/engine/trace"
	"github.com/inference-sim/inference-engine/engine/workload"
)

// syntheticOrder is the context window of the synthetic model's logits.
const syntheticOrder = 3

// runOptions configures one workload run.
type runOptions struct {
	Config        engine.EngineConfig
	Workload      *workload.WorkloadSpec
	BetaCoeffs    []float64 // nil uses executor.DefaultBetaCoeffs
	OffloadBlocks int
	Async         bool
	TraceLevel    trace.TraceLevel
	Outputs       io.Writer // JSONL per-step outputs; nil disables
	Registerer    prometheus.Registerer
}

// runResult is what a workload run leaves behind.
type runResult struct {
	Metrics     *engine.Metrics
	Summary     *trace.TraceSummary
	Offload     *offload.Stats
	Tokens      map[string][]int // generated tokens per request
	Skipped     int              // submissions refused as invalid
	SimulatedUs int64
}

// runEngine replays the workload against a synthetic executor on a virtual
// clock: requests are submitted once the clock reaches their arrival time
// and every step advances the clock by the executor's modelled step time.
func runEngine(ctx context.Context, opts runOptions) (*runResult, error) {
	items, err := workload.GenerateRequests(opts.Workload)
	if err != nil {
		return nil, err
	}
	coeffs := opts.BetaCoeffs
	if coeffs == nil {
		coeffs = executor.DefaultBetaCoeffs
	}
	cost, err := executor.NewCostModel(coeffs)
	if err != nil {
		return nil, err
	}

	var exec engine.ModelExecutor = executor.NewSyntheticExecutor(opts.Workload.Vocab, syntheticOrder, executorSeed(opts.Config.Seed), cost)
	if opts.Async {
		async := executor.NewAsyncExecutor(exec)
		defer async.Close()
		exec = async
	}

	var nowUs int64
	et := trace.NewEngineTrace(trace.TraceConfig{Level: opts.TraceLevel})
	engineOpts := []engine.Option{
		engine.WithClock(func() time.Time { return time.UnixMicro(nowUs) }),
		engine.WithTrace(et),
		engine.WithRegisterer(opts.Registerer),
	}
	var conn *offload.CPUConnector
	if opts.OffloadBlocks > 0 {
		conn = offload.NewCPUConnector(opts.OffloadBlocks)
		engineOpts = append(engineOpts, engine.WithConnector(conn))
	}
	e, err := engine.NewEngineCore(opts.Config, nil, exec, engineOpts...)
	if err != nil {
		return nil, err
	}

	var enc *json.Encoder
	if opts.Outputs != nil {
		enc = json.NewEncoder(opts.Outputs)
	}
	res := &runResult{Metrics: e.Metrics, Tokens: make(map[string][]int, len(items))}

	next := 0
	for next < len(items) || e.HasWork() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for ; next < len(items) && items[next].ArrivalUs <= nowUs; next++ {
			it := items[next]
			_, err := e.SubmitRequest(it.Prompt, it.Priority, it.Params, engine.WithRequestID(it.ID))
			switch {
			case err == nil:
			case errors.Is(err, engine.ErrResourceExhausted):
				logrus.Debugf("submit %s rejected: %v", it.ID, err)
			case errors.Is(err, engine.ErrInvalidRequest):
				logrus.Warnf("submit %s skipped: %v", it.ID, err)
				res.Skipped++
			default:
				return nil, err
			}
		}
		if !e.HasWork() {
			if next < len(items) {
				nowUs = items[next].ArrivalUs
			}
			continue
		}
		out, err := e.Step(ctx)
		if err != nil {
			return nil, fmt.Errorf("step at %dus: %w", nowUs, err)
		}
		nowUs += max(out.StepTimeUs, 1)
		for _, o := range out.Outputs {
			res.Tokens[o.RequestID] = append(res.Tokens[o.RequestID], o.NewTokens...)
		}
		if enc != nil {
			if err := enc.Encode(out); err != nil {
				return nil, fmt.Errorf("writing outputs: %w", err)
			}
		}
	}

	res.SimulatedUs = nowUs
	res.Summary = trace.Summarize(et)
	if conn != nil {
		stats := conn.Stats()
		res.Offload = &stats
	}
	return res, nil
}

// Print displays the run's metrics and decision summary.
func (r *runResult) Print(elapsed time.Duration) {
	r.Metrics.Print()
	fmt.Printf("Simulated Time       : %.3f s\n", float64(r.SimulatedUs)/1e6)
	fmt.Printf("Wall Time            : %v\n", elapsed.Round(time.Millisecond))
	if r.Skipped > 0 {
		fmt.Printf("Skipped Requests     : %d\n", r.Skipped)
	}
	if r.Offload != nil {
		fmt.Println("=== Offload ===")
		fmt.Printf("Stores / Loads       : %d / %d\n", r.Offload.Stores, r.Offload.Loads)
		fmt.Printf("Evictions / Rejected : %d / %d\n", r.Offload.Evictions, r.Offload.Rejected)
	}
	s := r.Summary
	if s == nil || s.TotalDecisions == 0 {
		return
	}
	fmt.Println("=== Decision Trace ===")
	fmt.Printf("Admitted / Rejected  : %d / %d\n", s.AdmittedCount, s.RejectedCount)
	fmt.Printf("Preemptions          : %d (self %d, offloaded %d)\n", s.PreemptionCount, s.SelfPreemptions, s.OffloadedCount)
	if s.DraftedTokens > 0 {
		fmt.Printf("Drafts Accepted      : %d/%d (timeouts %d)\n", s.AcceptedTokens, s.DraftedTokens, s.ProposalTimeout)
		printBySource(os.Stdout, s.AcceptedBySource)
	}
}

// printBySource writes per-proposer counts sorted by proposer name.
func printBySource(w io.Writer, counts map[string]int) {
	for _, src := range slices.Sorted(maps.Keys(counts)) {
		fmt.Fprintf(w, "  %-18s : %d\n", src, counts[src])
	}
}

// executorSeed derives the synthetic model's seed from the engine seed.
func executorSeed(seed int64) int64 {
	return engine.NewPartitionedRNG(engine.NewEngineKey(seed)).DeriveSeed(engine.SubsystemExecutor)
}
