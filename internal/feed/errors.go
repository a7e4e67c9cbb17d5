package feed

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy shared by all adapters. The aggregator downgrades every
// adapter error to an Unavailability entry; only ErrInvalidRequest
// propagates as a hard failure of Aggregate itself.
var (
	// ErrUnauthenticated means no usable credential exists for the
	// provider. Recoverable by running a connect flow.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNotFound means the scope does not resolve: the path is not a
	// repository, the repo does not exist, the channel has no match.
	ErrNotFound = errors.New("not found")
	// ErrRateLimited means the upstream quota is exhausted. Callers
	// should back off; the adapters never retry silently.
	ErrRateLimited = errors.New("rate limited")
	// ErrTransient covers timeouts and network failures. Safe to retry
	// later; retry policy belongs to the caller, not this package.
	ErrTransient = errors.New("transient failure")
	// ErrInvalidRequest means malformed input. Never retried.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotApplicable is returned by Source.Available when the request
	// scope carries nothing the source can act on (e.g. no channel for
	// Slack). It marks a skip, not a failure.
	ErrNotApplicable = errors.New("not applicable for scope")
)

// RateLimitError wraps ErrRateLimited with the upstream quota state so
// callers can decide when to come back.
type RateLimitError struct {
	Remaining int
	ResetAt   time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %d remaining, resets %s", e.Remaining, e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// NotFoundError wraps ErrNotFound with a hint, e.g. the closest channel
// candidates when fuzzy matching fails.
type NotFoundError struct {
	What       string
	Candidates []string
}

func (e *NotFoundError) Error() string {
	if len(e.Candidates) == 0 {
		return fmt.Sprintf("%s not found", e.What)
	}
	return fmt.Sprintf("%s not found; closest candidates: %v", e.What, e.Candidates)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Classify maps an adapter error to an Unavailability. Timeouts and
// anything unrecognized count as transient.
func Classify(err error) Unavailability {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return Unavailability{Reason: ReasonUnauthorized, Detail: err.Error()}
	case errors.Is(err, ErrNotFound):
		return Unavailability{Reason: ReasonNotFound, Detail: err.Error()}
	case errors.Is(err, ErrRateLimited):
		return Unavailability{Reason: ReasonRateLimited, Detail: err.Error()}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return Unavailability{Reason: ReasonTransient, Detail: "timed out"}
	default:
		return Unavailability{Reason: ReasonTransient, Detail: err.Error()}
	}
}
