package trace

// TraceSummary aggregates statistics from an EngineTrace.
type TraceSummary struct {
	TotalDecisions  int
	AdmittedCount   int
	RejectedCount   int
	PreemptionCount int
	SelfPreemptions int
	OffloadedCount  int
	DraftedTokens   int
	AcceptedTokens  int
	ProposalTimeout int
	AcceptanceRate  float64
	// PreemptionsByRequest maps request ID to how often it was preempted.
	PreemptionsByRequest map[string]int
	// AcceptedBySource maps proposer name to accepted draft tokens.
	AcceptedBySource map[string]int
}

// Summarize computes aggregate statistics from an EngineTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(et *EngineTrace) *TraceSummary {
	summary := &TraceSummary{
		PreemptionsByRequest: make(map[string]int),
		AcceptedBySource:     make(map[string]int),
	}
	if et == nil {
		return summary
	}

	summary.TotalDecisions = len(et.Admissions)
	for _, a := range et.Admissions {
		if a.Admitted {
			summary.AdmittedCount++
		} else {
			summary.RejectedCount++
		}
	}

	summary.PreemptionCount = len(et.Preemptions)
	for _, p := range et.Preemptions {
		summary.PreemptionsByRequest[p.RequestID]++
		if p.PreemptedBy == p.RequestID {
			summary.SelfPreemptions++
		}
		if p.Offloaded {
			summary.OffloadedCount++
		}
	}

	for _, s := range et.Speculations {
		summary.DraftedTokens += s.Drafted
		summary.AcceptedTokens += s.Accepted
		summary.AcceptedBySource[s.Source] += s.Accepted
		if s.TimedOut {
			summary.ProposalTimeout++
		}
	}
	if summary.DraftedTokens > 0 {
		summary.AcceptanceRate = float64(summary.AcceptedTokens) / float64(summary.DraftedTokens)
	}

	return summary
}
