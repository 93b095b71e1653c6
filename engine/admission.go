package engine

import (
	"fmt"
	"math"
)

// AdmissionPolicy decides at submit time whether a request may enter the
// wait queue. nowUs is the engine clock in microseconds.
type AdmissionPolicy interface {
	Admit(req *Request, numPending int, nowUs int64) (admitted bool, reason string)
}

// AlwaysAdmit admits all requests unconditionally.
type AlwaysAdmit struct{}

func (a *AlwaysAdmit) Admit(_ *Request, _ int, _ int64) (bool, string) {
	return true, ""
}

// TokenBucket implements rate-limiting admission control over prompt tokens.
type TokenBucket struct {
	capacity      float64
	refillRate    float64 // tokens per second
	currentTokens float64
	lastRefill    int64 // last refill clock time in microseconds
	started       bool
}

// NewTokenBucket creates a TokenBucket with the given capacity and refill rate.
func NewTokenBucket(capacity, refillRate float64) *TokenBucket {
	return &TokenBucket{
		capacity:      capacity,
		refillRate:    refillRate,
		currentTokens: capacity,
	}
}

// Admit checks whether the request's prompt fits the tokens currently in the bucket.
func (tb *TokenBucket) Admit(req *Request, _ int, nowUs int64) (bool, string) {
	if !tb.started {
		tb.started = true
		tb.lastRefill = nowUs
	}
	elapsed := nowUs - tb.lastRefill
	if elapsed > 0 {
		refill := float64(elapsed) * tb.refillRate / 1e6
		tb.currentTokens = min(tb.capacity, tb.currentTokens+refill)
		tb.lastRefill = nowUs
	}
	cost := float64(len(req.PromptTokens))
	if tb.currentTokens >= cost {
		tb.currentTokens -= cost
		return true, ""
	}
	return false, "insufficient tokens"
}

// QueueDepthLimit wraps a policy with a cap on pending requests.
type QueueDepthLimit struct {
	MaxPending int
	Inner      AdmissionPolicy
}

func (q *QueueDepthLimit) Admit(req *Request, numPending int, nowUs int64) (bool, string) {
	if numPending >= q.MaxPending {
		return false, fmt.Sprintf("queue full (%d pending)", numPending)
	}
	return q.Inner.Admit(req, numPending, nowUs)
}

// NewAdmissionPolicy creates an admission policy from cfg.
// An empty policy name defaults to AlwaysAdmit. A positive MaxPendingRequests
// wraps the policy in a QueueDepthLimit. Panics on unrecognized names.
func NewAdmissionPolicy(cfg AdmissionConfig) AdmissionPolicy {
	if !ValidAdmissionPolicies[cfg.Policy] {
		panic(fmt.Sprintf("unknown admission policy %q", cfg.Policy))
	}
	var p AdmissionPolicy
	switch cfg.Policy {
	case "", "always-admit":
		p = &AlwaysAdmit{}
	case "token-bucket":
		capacity := cfg.TokenBucketCapacity
		if capacity <= 0 {
			capacity = math.Inf(1)
		}
		p = NewTokenBucket(capacity, cfg.TokenBucketRefillRate)
	default:
		panic(fmt.Sprintf("unhandled admission policy %q", cfg.Policy))
	}
	if cfg.MaxPendingRequests > 0 {
		p = &QueueDepthLimit{MaxPending: cfg.MaxPendingRequests, Inner: p}
	}
	return p
}
