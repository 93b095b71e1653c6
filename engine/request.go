// Defines the Request struct that models one in-flight generation request.
// Tracks prompt/generated tokens, cache progress, and scheduling metadata.

package engine

import (
	"fmt"
	"time"
)

// RequestState represents the lifecycle state of a request.
//
//	PENDING -> RUNNING -> (PREEMPTED -> PENDING) -> FINISHED | ABORTED
type RequestState string

const (
	StatePending   RequestState = "pending"
	StateRunning   RequestState = "running"
	StatePreempted RequestState = "preempted"
	StateFinished  RequestState = "finished"
	StateAborted   RequestState = "aborted"
)

// FinishReason explains why a request left the engine.
type FinishReason string

const (
	FinishNone     FinishReason = ""
	FinishStop     FinishReason = "stop"     // EOS or a stop token was generated
	FinishLength   FinishReason = "length"   // MaxTokens or the engine's MaxModelLen was reached
	FinishAbort    FinishReason = "abort"    // cancelled by the caller
	FinishDeadline FinishReason = "deadline" // deadline passed before completion
	FinishError    FinishReason = "error"    // the model executor failed for this request
)

// SamplingParams controls token selection for one request.
type SamplingParams struct {
	MaxTokens    int     // generated-token cap; 0 means bounded only by MaxModelLen
	Temperature  float64 // <= 0 selects greedy argmax decoding
	TopK         int     // 0 disables top-k filtering
	TopP         float64 // 0 or 1 disables nucleus filtering
	MinP         float64 // 0 disables min-p filtering
	Seed         *int64  // per-request sampler seed; nil derives one from the engine seed
	StopTokenIDs []int   // generation stops after emitting any of these
	IgnoreEOS    bool    // keep generating past the engine's EOS token
}

// Greedy reports whether the request uses deterministic argmax decoding.
func (p SamplingParams) Greedy() bool { return p.Temperature <= 0 }

// Request models a single request's lifecycle in the engine.
// Requests live in an EngineCore arena slot; the allocator owns their block
// tables, keyed by ID, so neither side holds a pointer to the other.
type Request struct {
	ID string // Unique identifier for the request

	PromptTokens []int // Prompt tokens
	OutputTokens []int // Verified, committed generated tokens

	Priority    int          // Higher = more urgent
	ArrivalTime int64        // Arrival timestamp in microseconds
	Deadline    time.Time    // Zero value = no deadline
	State       RequestState // pending, running, preempted, finished, aborted

	Params       SamplingParams
	FinishReason FinishReason
	Err          error // set when FinishReason == FinishError

	// NumComputedTokens counts leading tokens whose KV entries are present in
	// the request's blocks (prefix-cache hits included).
	NumComputedTokens int
	// NumCachedTokens counts prompt tokens served from the prefix cache or the
	// offload connector on the latest admission.
	NumCachedTokens int

	NumPreemptions   int
	ScheduledStepIdx int // Step index when this request was first scheduled
	FinishedStepIdx  int // Step index when this request finished
	FirstTokenTime   int64

	// AcceptanceRate is a rolling average of accepted/drafted tokens.
	AcceptanceRate float64
	NumDrafted     int
	NumAccepted    int

	seq       uint64         // FIFO tie-break among equal priority and arrival time
	slot      int            // EngineCore arena slot
	cancelled bool           // observed at the next step boundary
	offload   *OffloadHandle // set while preempted blocks live in the connector
}

// NumTokens returns the total context length: prompt plus generated tokens.
func (req *Request) NumTokens() int {
	return len(req.PromptTokens) + len(req.OutputTokens)
}

// AllTokens returns prompt followed by generated tokens in a fresh slice.
func (req *Request) AllTokens() []int {
	all := make([]int, 0, req.NumTokens())
	all = append(all, req.PromptTokens...)
	return append(all, req.OutputTokens...)
}

// TokenAt returns the token at absolute position i of the context.
func (req *Request) TokenAt(i int) int {
	if i < len(req.PromptTokens) {
		return req.PromptTokens[i]
	}
	return req.OutputTokens[i-len(req.PromptTokens)]
}

// IsFinished reports whether the request reached a terminal state.
func (req *Request) IsFinished() bool {
	return req.State == StateFinished || req.State == StateAborted
}

// Seq returns the request's admission sequence number.
func (req *Request) Seq() uint64 { return req.seq }

// This method returns a human-readable string representation of a Request.
func (req Request) String() string {
	return fmt.Sprintf("Request: (ID: %s, State: %s, Priority: %d, Computed: %d/%d, ArrivalTime: %d)",
		req.ID, req.State, req.Priority, req.NumComputedTokens, req.NumTokens(), req.ArrivalTime)
}

// ranksBelow reports whether a should yield to b: lower priority, or equal
// priority and later arrival.
func ranksBelow(a, b *Request) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.ArrivalTime != b.ArrivalTime {
		return a.ArrivalTime > b.ArrivalTime
	}
	return a.seq > b.seq
}
