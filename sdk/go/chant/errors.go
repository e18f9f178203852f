// Package chant provides a Go client for the chant deliberation API.
package chant

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error is a non-2xx response from the chant API.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
	// RetryAfter is parsed from the Retry-After header, zero when absent.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("chant: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func asError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// IsNotFound reports a 404.
func IsNotFound(err error) bool {
	e, ok := asError(err)
	return ok && e.StatusCode == http.StatusNotFound
}

// IsUnauthorized reports a 401.
func IsUnauthorized(err error) bool {
	e, ok := asError(err)
	return ok && e.StatusCode == http.StatusUnauthorized
}

// IsForbidden reports a 403.
func IsForbidden(err error) bool {
	e, ok := asError(err)
	return ok && e.StatusCode == http.StatusForbidden
}

// IsRateLimited reports a 429.
func IsRateLimited(err error) bool {
	e, ok := asError(err)
	return ok && e.StatusCode == http.StatusTooManyRequests
}

// IsRoundFull reports that every seat at the current tier is taken.
func IsRoundFull(err error) bool {
	e, ok := asError(err)
	return ok && e.Code == "ROUND_FULL"
}

// IsWrongPhase reports an operation the deliberation's phase does not allow.
func IsWrongPhase(err error) bool {
	e, ok := asError(err)
	return ok && e.Code == "WRONG_PHASE"
}

// IsRetryable reports a capacity error or a 429, both of which may succeed later.
func IsRetryable(err error) bool {
	e, ok := asError(err)
	return ok && (e.Retryable || e.StatusCode == http.StatusTooManyRequests)
}
