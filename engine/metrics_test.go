package engine

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	etestutil "github.com/inference-sim/inference-engine/engine/internal/testutil"
)

func TestMetrics_RecordStepAndFinish(t *testing.T) {
	// GIVEN metrics backed by a registry
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	// WHEN two steps and three finishes are recorded
	m.recordStep(&EngineCoreOutputs{
		StepTimeUs:   2000,
		PreemptedIDs: []string{"a"},
		Outputs: []RequestOutput{
			{RequestID: "a", NewTokens: []int{1, 2, 3}, NumDrafted: 4, NumAccepted: 2},
			{RequestID: "b", NewTokens: []int{5}},
		},
	}, 6)
	m.recordStep(&EngineCoreOutputs{StepTimeUs: 1000}, 2)
	m.recordFinish(FinishStop)
	m.recordFinish(FinishDeadline)
	m.recordFinish(FinishError)
	m.recordRejected(2)

	// THEN the counters aggregate
	assert.Equal(t, 2, m.Steps)
	assert.Equal(t, 4, m.TotalOutputTokens)
	assert.Equal(t, 1, m.Preemptions)
	assert.Equal(t, 6, m.PeakKVBlocksUsed)
	assert.Equal(t, int64(8), m.KVBlocksUsed)
	assert.Equal(t, int64(3000), m.StepTimeUsSum)
	assert.Equal(t, 1, m.CompletedRequests)
	assert.Equal(t, 1, m.AbortedRequests)
	assert.Equal(t, 1, m.FailedRequests)
	assert.Equal(t, 2, m.RejectedRequests)
	etestutil.AssertFloat64Equal(t, "acceptance", 0.5, m.AcceptanceRate(), 1e-9)

	// AND the collectors agree
	assert.Equal(t, 2.0, testutil.ToFloat64(m.collectors.steps))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.collectors.generatedTokens))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.collectors.rejected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.collectors.finished.WithLabelValues("deadline")))
}

func TestMetrics_NilRegistererHasNoCollectors(t *testing.T) {
	m := NewMetrics(nil)
	m.recordStep(&EngineCoreOutputs{}, 0)
	m.recordFinish(FinishAbort)
	assert.Nil(t, m.collectors)
	assert.Equal(t, 0.0, m.AcceptanceRate())
}

func TestMetrics_Print(t *testing.T) {
	m := NewMetrics(nil)
	m.Steps = 4
	m.CompletedRequests = 2
	m.DraftedTokens = 10
	m.AcceptedTokens = 7

	out := etestutil.CaptureStdout(t, m.Print)

	assert.Contains(t, out, "=== Engine Metrics ===")
	assert.Contains(t, out, "Draft Acceptance     : 0.70 (7/10)")
	assert.Contains(t, out, "Completed Requests   : 2")
}
