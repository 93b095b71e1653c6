// Tracks engine-wide counters for final reporting and, optionally, exports
// them as Prometheus collectors.

package engine

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates statistics about an engine run.
// It is updated by the step loop only.
type Metrics struct {
	Steps              int
	CompletedRequests  int // finished with stop or length
	AbortedRequests    int // aborted or past their deadline
	FailedRequests     int // finished with an executor error
	RejectedRequests   int // refused at submit time
	TotalPromptTokens  int
	TotalOutputTokens  int
	CachedPromptTokens int // context tokens served from the prefix cache or offload
	ComputedTokens     int // context tokens run through the executor
	Preemptions        int
	DraftedTokens      int
	AcceptedTokens     int
	KVBlocksUsed       int64 // integral of used blocks over steps
	PeakKVBlocksUsed   int
	StepTimeUsSum      int64

	TTFTStepsSum int64 // sum over requests of steps from arrival to first token

	collectors *collectors
}

// NewMetrics creates Metrics. A nil registerer disables the Prometheus collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{}
	if reg != nil {
		m.collectors = newCollectors(reg)
	}
	return m
}

// AcceptanceRate returns accepted over drafted tokens, or 0 without drafts.
func (m *Metrics) AcceptanceRate() float64 {
	if m.DraftedTokens == 0 {
		return 0
	}
	return float64(m.AcceptedTokens) / float64(m.DraftedTokens)
}

func (m *Metrics) recordStep(out *EngineCoreOutputs, usedBlocks int) {
	m.Steps++
	m.KVBlocksUsed += int64(usedBlocks)
	m.PeakKVBlocksUsed = max(m.PeakKVBlocksUsed, usedBlocks)
	m.StepTimeUsSum += out.StepTimeUs
	m.Preemptions += len(out.PreemptedIDs)
	for _, o := range out.Outputs {
		m.TotalOutputTokens += len(o.NewTokens)
		m.DraftedTokens += o.NumDrafted
		m.AcceptedTokens += o.NumAccepted
	}
	if c := m.collectors; c != nil {
		c.steps.Inc()
		c.stepDuration.Observe(float64(out.StepTimeUs) / 1e6)
		c.kvUsage.Set(out.KVUsage)
		c.running.Set(float64(out.NumRunning))
		c.pending.Set(float64(out.NumPending))
		c.preemptions.Add(float64(len(out.PreemptedIDs)))
		for _, o := range out.Outputs {
			c.generatedTokens.Add(float64(len(o.NewTokens)))
			c.draftedTokens.Add(float64(o.NumDrafted))
			c.acceptedTokens.Add(float64(o.NumAccepted))
		}
	}
}

func (m *Metrics) recordFinish(reason FinishReason) {
	switch reason {
	case FinishStop, FinishLength:
		m.CompletedRequests++
	case FinishAbort, FinishDeadline:
		m.AbortedRequests++
	case FinishError:
		m.FailedRequests++
	}
	if m.collectors != nil {
		m.collectors.finished.WithLabelValues(string(reason)).Inc()
	}
}

func (m *Metrics) recordRejected(n int) {
	m.RejectedRequests += n
	if m.collectors != nil && n > 0 {
		m.collectors.rejected.Add(float64(n))
	}
}

// Print displays aggregated metrics at the end of a run.
func (m *Metrics) Print() {
	fmt.Println("=== Engine Metrics ===")
	fmt.Printf("Steps                : %d\n", m.Steps)
	fmt.Printf("Completed Requests   : %d\n", m.CompletedRequests)
	fmt.Printf("Aborted Requests     : %d\n", m.AbortedRequests)
	fmt.Printf("Failed Requests      : %d\n", m.FailedRequests)
	fmt.Printf("Rejected Requests    : %d\n", m.RejectedRequests)
	fmt.Printf("Output Tokens        : %d\n", m.TotalOutputTokens)
	fmt.Printf("Preemptions          : %d\n", m.Preemptions)
	if m.TotalPromptTokens > 0 {
		fmt.Printf("Cached Prompt Share  : %.2f\n", float64(m.CachedPromptTokens)/float64(m.TotalPromptTokens))
	}
	if m.DraftedTokens > 0 {
		fmt.Printf("Draft Acceptance     : %.2f (%d/%d)\n", m.AcceptanceRate(), m.AcceptedTokens, m.DraftedTokens)
	}
	if m.Steps > 0 {
		fmt.Printf("Average KV Blocks Usage : %.2f\n", float64(m.KVBlocksUsed)/float64(m.Steps))
		fmt.Printf("Peak KV Usage        : %d blocks\n", m.PeakKVBlocksUsed)
		fmt.Printf("Average Step Time    : %.2f us\n", float64(m.StepTimeUsSum)/float64(m.Steps))
	}
	if m.CompletedRequests > 0 {
		fmt.Printf("Average TTFT         : %.2f steps\n", float64(m.TTFTStepsSum)/float64(m.CompletedRequests))
	}
}

type collectors struct {
	steps           prometheus.Counter
	stepDuration    prometheus.Histogram
	kvUsage         prometheus.Gauge
	running         prometheus.Gauge
	pending         prometheus.Gauge
	preemptions     prometheus.Counter
	generatedTokens prometheus.Counter
	draftedTokens   prometheus.Counter
	acceptedTokens  prometheus.Counter
	rejected        prometheus.Counter
	finished        *prometheus.CounterVec
}

func newCollectors(reg prometheus.Registerer) *collectors {
	c := &collectors{
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "engine",
			Name:      "steps_total",
			Help:      "Total number of engine steps",
		}),
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "engine",
			Name:      "step_duration_seconds",
			Help:      "Executor time per engine step in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		kvUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "engine",
			Subsystem: "kv_cache",
			Name:      "usage_ratio",
			Help:      "Fraction of KV blocks in use",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "engine",
			Name:      "running_requests",
			Help:      "Requests holding KV blocks",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "engine",
			Name:      "pending_requests",
			Help:      "Requests waiting for admission",
		}),
		preemptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "engine",
			Name:      "preemptions_total",
			Help:      "Total number of preemptions",
		}),
		generatedTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "engine",
			Name:      "generated_tokens_total",
			Help:      "Total number of committed output tokens",
		}),
		draftedTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "spec_decode",
			Name:      "draft_tokens_total",
			Help:      "Total number of proposed draft tokens",
		}),
		acceptedTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "spec_decode",
			Name:      "accepted_tokens_total",
			Help:      "Total number of accepted draft tokens",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "engine",
			Name:      "rejected_requests_total",
			Help:      "Total submissions refused by admission control",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engine",
			Name:      "finished_requests_total",
			Help:      "Total finished requests by finish reason",
		}, []string{"reason"}),
	}
	reg.MustRegister(c.steps, c.stepDuration, c.kvUsage, c.running, c.pending, c.preemptions,
		c.generatedTokens, c.draftedTokens, c.acceptedTokens, c.rejected, c.finished)
	return c
}
