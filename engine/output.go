package engine

// ScheduledRequest is one request's share of a step.
type ScheduledRequest struct {
	Request *Request
	// NumNewTokens context tokens are computed this step.
	NumNewTokens int
	// NumCachedTokens were served from the prefix cache or the offload
	// connector on admission this step.
	NumCachedTokens int
	// Lookahead KV slots were reserved for draft tokens.
	Lookahead    int
	NewBlocks    []int
	LoadedBlocks []LoadedBlock
}

// SchedulerOutput is the per-step scheduling decision.
type SchedulerOutput struct {
	Scheduled            []ScheduledRequest
	PreemptedIDs         []string
	FinishedIDs          []string // requests finished or aborted since the previous step
	TotalScheduledTokens int
	NumRunning           int
	NumPending           int
}

// ScheduledIDs returns the IDs of the scheduled requests in batch order.
func (o *SchedulerOutput) ScheduledIDs() []string {
	ids := make([]string, len(o.Scheduled))
	for i, s := range o.Scheduled {
		ids[i] = s.Request.ID
	}
	return ids
}

// RequestOutput reports one request's progress in a step.
type RequestOutput struct {
	RequestID    string       `json:"request_id"`
	NewTokens    []int        `json:"new_tokens,omitempty"`
	Finished     bool         `json:"finished"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Error        string       `json:"error,omitempty"`
	NumDrafted   int          `json:"num_drafted,omitempty"`
	NumAccepted  int          `json:"num_accepted,omitempty"`
}

// EngineCoreOutputs is what one Step hands to the API layer.
type EngineCoreOutputs struct {
	StepIndex    int             `json:"step"`
	Outputs      []RequestOutput `json:"outputs"`
	PreemptedIDs []string        `json:"preempted,omitempty"`
	NumRunning   int             `json:"num_running"`
	NumPending   int             `json:"num_pending"`
	KVUsage      float64         `json:"kv_usage"`
	StepTimeUs   int64           `json:"step_time_us"`
}

// Finished returns the outputs of requests that left the engine this step.
func (o *EngineCoreOutputs) Finished() []RequestOutput {
	var done []RequestOutput
	for _, out := range o.Outputs {
		if out.Finished {
			done = append(done, out)
		}
	}
	return done
}
