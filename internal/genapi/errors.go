package genapi

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying upstream failures.
var (
	// ErrSafetyRejected marks a content-safety rejection. Deterministic per
	// request: retrying with another credential cannot change the outcome.
	ErrSafetyRejected = errors.New("genapi: content rejected by safety filter")
	// ErrInvalidRequest marks a malformed or failed-validation request,
	// also deterministic.
	ErrInvalidRequest = errors.New("genapi: invalid request")
	// ErrRateLimited marks a credential-specific quota or rate limit.
	ErrRateLimited = errors.New("genapi: rate limited")
	// ErrUpstreamUnavailable marks 5xx, network, and timeout failures.
	ErrUpstreamUnavailable = errors.New("genapi: upstream unavailable")
)

// APIError carries the upstream's status and message alongside the class.
type APIError struct {
	Err        error
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("genapi: status=%d message=%s: %v", e.StatusCode, e.Message, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether the error should abort the credential fallback
// chain instead of advancing to the next key.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSafetyRejected) || errors.Is(err, ErrInvalidRequest)
}

// IsRetryable reports whether the failure is credential- or
// transient-network-specific and worth another credential or attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsFatal(err)
}
