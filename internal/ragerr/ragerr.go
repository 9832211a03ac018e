// Package ragerr defines the error taxonomy shared across the RAG pipeline.
//
// Components wrap these sentinels with %w so callers can classify failures
// with errors.Is regardless of how deep the failure originated.
package ragerr

import (
	"context"
	"errors"
)

var (
	// ErrInvalidParameter marks caller input rejected before any network
	// call (bad chunk size/overlap, blank query). Always recoverable by
	// correcting the input.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrEmbeddingProvider marks an embedding call that failed after
	// bounded retries. The wrapped chain carries the last provider error.
	ErrEmbeddingProvider = errors.New("embedding provider error")

	// ErrGeneration marks a completion call that failed after bounded
	// retries.
	ErrGeneration = errors.New("generation error")

	// ErrIndexUnavailable marks a vector store that could not be reached.
	// Callers must treat it as retryable.
	ErrIndexUnavailable = errors.New("vector index unavailable")

	// ErrUnauthorized marks a scoping violation (missing or invalid
	// owner). Fatal to the request, never retried.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNoGrounding is the policy rejection for answering without any
	// retrieved passages when general knowledge is disabled.
	ErrNoGrounding = errors.New("no grounding available")

	// ErrTimeout marks a request abandoned because its deadline expired.
	// Partial work (already-upserted chunks) is preserved.
	ErrTimeout = errors.New("timeout")

	// ErrNotFound marks a job or conversation that does not exist or
	// belongs to a different owner. The two cases are deliberately
	// indistinguishable to the caller.
	ErrNotFound = errors.New("not found")
)

// Retryable reports whether err belongs to the transient class that a caller
// may retry: provider-side failures and index unavailability. Policy and
// scoping errors are never retryable.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrEmbeddingProvider),
		errors.Is(err, ErrGeneration),
		errors.Is(err, ErrIndexUnavailable):
		return true
	default:
		return false
	}
}

// FromContext maps a context error onto the taxonomy: deadline expiry becomes
// ErrTimeout, explicit cancellation passes through unchanged.
func FromContext(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
