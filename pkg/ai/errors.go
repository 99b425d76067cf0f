package ai

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a generation backend failure. Classification happens once,
// in the backend adapter, from the transport status — retry decisions are a
// tag match, never message inspection.
type Kind int

const (
	KindUnknown Kind = iota

	// Non-retryable.
	KindInvalidRequest
	KindInvalidAPIKey
	KindQuotaExhausted

	// Retryable.
	KindRateLimited
	KindOverloaded
	KindUnavailable
	KindInternal
	KindDeadlineExceeded
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindInvalidAPIKey:
		return "invalid_api_key"
	case KindQuotaExhausted:
		return "quota_exhausted"
	case KindRateLimited:
		return "rate_limited"
	case KindOverloaded:
		return "overloaded"
	case KindUnavailable:
		return "unavailable"
	case KindInternal:
		return "internal"
	case KindDeadlineExceeded:
		return "deadline_exceeded"
	default:
		return "unknown"
	}
}

// Retryable reports whether another attempt may succeed.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindOverloaded, KindUnavailable, KindInternal, KindDeadlineExceeded:
		return true
	default:
		return false
	}
}

// Overload reports whether the failure indicates backend pressure and should
// count toward the circuit breaker.
func (k Kind) Overload() bool {
	switch k {
	case KindRateLimited, KindOverloaded, KindUnavailable:
		return true
	default:
		return false
	}
}

// APIError is a classified backend failure.
type APIError struct {
	Kind    Kind
	Status  int // HTTP status, 0 for transport-level failures
	Message string
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("generation backend %s (http %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("generation backend %s: %s", e.Kind, e.Message)
}

// KindOf extracts the classification from err. Context deadline expiry is
// treated as a retryable deadline error; everything unclassified is unknown.
func KindOf(err error) Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindDeadlineExceeded
	}
	return KindUnknown
}

// OverloadedError is returned without contacting the backend while the
// circuit breaker is open.
type OverloadedError struct {
	RetryAfter time.Duration
}

func (e *OverloadedError) Error() string {
	return fmt.Sprintf("generation service overloaded, retry in %s", e.RetryAfter.Round(time.Second))
}

// GenerationError wraps the last backend failure after the retry policy is
// exhausted.
type GenerationError struct {
	Attempts int
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}
