package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Failure classes recognized by the pipeline's retry policy.
var (
	// ErrNetwork marks transient transport failures. Retryable.
	ErrNetwork = errors.New("network error")
	// ErrTimeout marks deadline expiry on fetch or extraction. Retryable.
	ErrTimeout = errors.New("timeout")
	// ErrResourceLimit marks budget or memory denial. Not retryable.
	ErrResourceLimit = errors.New("resource limit exceeded")
	// ErrExtraction marks a failed extraction pass. Retryable once with
	// strategy escalation.
	ErrExtraction = errors.New("extraction failed")
	// ErrDependencyUnavailable is returned while a circuit breaker is open.
	// The pipeline never retries it; the caller may requeue with delay.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	// ErrParse marks malformed input. Not retryable.
	ErrParse = errors.New("parse error")
	// ErrInternal marks bugs caught at a task boundary.
	ErrInternal = errors.New("internal error")
)

// Retryable reports whether the pipeline may retry the error locally.
// Budget and breaker denials surface immediately by design of the admission
// contract; malformed input never improves on retry.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		// Caller gave up; retrying would only fail the same way.
		return false
	case errors.Is(err, ErrDependencyUnavailable),
		errors.Is(err, ErrResourceLimit),
		errors.Is(err, ErrParse),
		errors.Is(err, ErrInternal):
		return false
	case errors.Is(err, ErrNetwork), errors.Is(err, ErrTimeout), errors.Is(err, ErrExtraction):
		return true
	}
	class := classifyRaw(err)
	return class == ErrNetwork || class == ErrTimeout
}

// Classify maps an arbitrary error onto one of the failure class sentinels.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{
		ErrDependencyUnavailable,
		ErrResourceLimit,
		ErrTimeout,
		ErrNetwork,
		ErrExtraction,
		ErrParse,
		ErrInternal,
	} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return classifyRaw(err)
}

func classifyRaw(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrTimeout
		}
		return ErrNetwork
	}
	// Transport libraries frequently return plain errors with these markers.
	msg := err.Error()
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") {
		return ErrNetwork
	}
	return ErrInternal
}

// PipelineError carries the final classification and attempt history for a
// URL that exhausted its retry budget.
type PipelineError struct {
	URL      string
	Attempts int
	History  []string
	Err      error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline %s after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

// Unwrap exposes the wrapped error so callers can match on class sentinels.
func (e *PipelineError) Unwrap() error {
	return e.Err
}
