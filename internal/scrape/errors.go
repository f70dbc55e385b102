package scrape

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced to the control API as typed statuses.
var (
	// ErrResourceExceeded rejects a start that would pass a worker or
	// tenant cap. No worker is created.
	ErrResourceExceeded = errors.New("resource limit exceeded")

	// ErrNotRunning reports a stop for a (tenant, source) with no worker.
	ErrNotRunning = errors.New("worker not running")

	// ErrCircuitOpen marks a worker halted by its circuit breaker.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrUnknownSource reports a start for a source with no configured
	// base URL.
	ErrUnknownSource = errors.New("unknown source")
)

// FailureKind classifies a fetch failure for routing decisions.
type FailureKind string

// Fetch failure classes.
const (
	// FailureTransient covers timeouts, 5xx responses, and network errors
	// that exhausted their retries.
	FailureTransient FailureKind = "transient"

	// FailureRateLimited covers 429/403 responses that persisted through
	// the indicated or derived waits.
	FailureRateLimited FailureKind = "rate_limited"

	// FailurePermanent covers non-retryable client errors, reported on
	// the first attempt.
	FailurePermanent FailureKind = "permanent"
)

// FetchError is the typed failure value returned by the fetch client once
// retries are exhausted. Workers route it through the circuit breaker
// instead of crashing.
type FetchError struct {
	Kind       FailureKind
	StatusCode int
	Attempts   int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch failed (%s, status=%d, attempts=%d): %v", e.Kind, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch failed (%s, status=%d, attempts=%d)", e.Kind, e.StatusCode, e.Attempts)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsRateLimited reports whether err is a rate-limit fetch failure.
func IsRateLimited(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == FailureRateLimited
}
