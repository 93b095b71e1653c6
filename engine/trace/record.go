// Package trace provides decision-trace recording for engine policy analysis.
// This package has no dependencies on engine/; it stores pure data types.
package trace

// AdmissionRecord captures a single admission policy decision.
type AdmissionRecord struct {
	RequestID string
	Clock     int64
	Admitted  bool
	Reason    string
}

// PreemptionRecord captures one request being pushed back to the wait queue.
type PreemptionRecord struct {
	RequestID   string
	Step        int
	Priority    int
	PreemptedBy string // request whose allocation forced it; equal to RequestID for self-preemption
	Offloaded   bool   // full blocks were handed to the cache transfer connector
	NumBlocks   int    // blocks released back to the pool
}

// SpeculationRecord captures one verified draft.
type SpeculationRecord struct {
	RequestID string
	Step      int
	Source    string
	Drafted   int
	Accepted  int
	TimedOut  bool
}
