package mcp

import (
	"errors"
	"fmt"

	"github.com/quickcall-dev/devpulse/internal/auth"
	"github.com/quickcall-dev/devpulse/internal/feed"
)

// APIError represents an MCP error response.
type APIError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Details      any    `json:"details,omitempty"`
	RecoveryHint string `json:"recovery_hint,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// MapError maps domain errors to MCP error codes. Unknown errors map to
// TRANSIENT so agents treat them as retryable.
func MapError(err error) *APIError {
	if err == nil {
		return nil
	}

	var rle *feed.RateLimitError
	if errors.As(err, &rle) {
		return &APIError{
			Code:         "RATE_LIMITED",
			Message:      err.Error(),
			Details:      map[string]any{"reset_at": rle.ResetAt},
			RecoveryHint: "Wait for the rate limit to reset before retrying",
		}
	}
	var nf *feed.NotFoundError
	if errors.As(err, &nf) {
		apiErr := &APIError{Code: "NOT_FOUND", Message: err.Error()}
		if len(nf.Candidates) > 0 {
			apiErr.Details = map[string]any{"candidates": nf.Candidates}
			apiErr.RecoveryHint = "Pick one of the candidates or list available options first"
		}
		return apiErr
	}

	switch {
	case errors.Is(err, feed.ErrInvalidRequest):
		return &APIError{Code: "INVALID_REQUEST", Message: err.Error(), RecoveryHint: "Fix the arguments and retry"}
	case errors.Is(err, feed.ErrUnauthenticated), errors.Is(err, auth.ErrNotAuthenticated):
		return &APIError{
			Code:         "NOT_AUTHENTICATED",
			Message:      err.Error(),
			RecoveryHint: "Run connect_quickcall, or connect_github_pat for GitHub-only access",
		}
	case errors.Is(err, feed.ErrNotFound):
		return &APIError{Code: "NOT_FOUND", Message: err.Error()}
	case errors.Is(err, feed.ErrRateLimited):
		return &APIError{Code: "RATE_LIMITED", Message: err.Error()}
	case errors.Is(err, auth.ErrPersistence):
		return &APIError{
			Code:         "STORE_UNWRITABLE",
			Message:      err.Error(),
			RecoveryHint: "Check permissions on ~/.devpulse",
		}
	case errors.Is(err, auth.ErrFlowNotFound):
		return &APIError{
			Code:         "NOT_FOUND",
			Message:      err.Error(),
			RecoveryHint: "The device code is unknown or stale; start over with connect_quickcall",
		}
	case errors.Is(err, auth.ErrFlowPending):
		return &APIError{
			Code:         "AUTH_PENDING",
			Message:      "authorization not completed yet",
			RecoveryHint: "Ask the user to finish sign-in in the browser, then call complete_quickcall_auth again",
		}
	case errors.Is(err, auth.ErrFlowExpired):
		return &APIError{
			Code:         "AUTH_EXPIRED",
			Message:      err.Error(),
			RecoveryHint: "Start over with connect_quickcall",
		}
	case errors.Is(err, auth.ErrFlowRevoked):
		return &APIError{Code: "AUTH_REVOKED", Message: err.Error(), RecoveryHint: "Start over with connect_quickcall"}
	default:
		return &APIError{Code: "TRANSIENT", Message: err.Error(), RecoveryHint: "Retry; if it persists, check connectivity"}
	}
}
