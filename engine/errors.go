package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrResourceExhausted reports that no allocatable or evictable blocks
	// remain, or that the pending queue is full. Callers recover locally.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrInvalidRequest rejects a submission that can never be served.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrRequestNotFound is returned by Abort for an unknown request ID.
	ErrRequestNotFound = errors.New("request not found")
)

// ExecutorError reports a failed forward pass. RequestIDs names the affected
// requests; an empty list means the whole batch failed.
type ExecutorError struct {
	RequestIDs []string
	Err        error
}

func (e *ExecutorError) Error() string {
	if len(e.RequestIDs) == 0 {
		return fmt.Sprintf("executor: batch failed: %v", e.Err)
	}
	return fmt.Sprintf("executor: requests [%s] failed: %v", strings.Join(e.RequestIDs, ","), e.Err)
}

func (e *ExecutorError) Unwrap() error { return e.Err }

// Affects reports whether the error applies to requestID.
func (e *ExecutorError) Affects(requestID string) bool {
	if len(e.RequestIDs) == 0 {
		return true
	}
	for _, id := range e.RequestIDs {
		if id == requestID {
			return true
		}
	}
	return false
}

// InvariantViolation marks corrupted scheduler or cache state. Once raised,
// block ownership can no longer be trusted, so the engine panics with it.
type InvariantViolation struct {
	Component string
	Detail    string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("%s invariant violated: %s", e.Component, e.Detail)
}

// IsResourceExhausted reports whether err is (or wraps) ErrResourceExhausted.
func IsResourceExhausted(err error) bool {
	return errors.Is(err, ErrResourceExhausted)
}

// IsInvariantViolation reports whether err is an *InvariantViolation.
func IsInvariantViolation(err error) bool {
	var iv *InvariantViolation
	return errors.As(err, &iv)
}
