// Package errs defines the error vocabulary shared across TrackTags.
// Handlers map these onto HTTP statuses in one place; everything else
// wraps with %w and classifies with errors.Is.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound       = errors.New("tracktags: not found")
	ErrAlreadyExists  = errors.New("tracktags: already exists")
	ErrInvalidInput   = errors.New("tracktags: invalid input")
	ErrUnauthorized   = errors.New("tracktags: unauthorized")
	ErrConflict       = errors.New("tracktags: conflict")
	ErrNotImplemented = errors.New("tracktags: not implemented")
	ErrInternal       = errors.New("tracktags: internal error")

	// Store errors (in-memory metric store)
	ErrTableNotFound = errors.New("tracktags: table not found")
	ErrEntryNotFound = errors.New("tracktags: entry not found")
	ErrEntryExists   = errors.New("tracktags: entry already exists")

	// Registry errors
	ErrAlreadyRegistered = errors.New("tracktags: key already registered")
	ErrNotRegistered     = errors.New("tracktags: key not registered")

	// Enforcement errors
	ErrLimitBreached = errors.New("tracktags: limit breached")
	ErrRateLimited   = errors.New("tracktags: rate limited")

	// Upstream errors
	ErrUpstreamFailed  = errors.New("tracktags: upstream call failed")
	ErrUpstreamTimeout = errors.New("tracktags: upstream call timed out")

	// Billing errors
	ErrDuplicateEvent     = errors.New("tracktags: duplicate billing event")
	ErrBadSignature       = errors.New("tracktags: webhook signature mismatch")
	ErrProviderNotLinked  = errors.New("tracktags: billing provider not configured")
	ErrEventNotRetryable  = errors.New("tracktags: billing event not retryable")
	ErrReconcileIncomplete = errors.New("tracktags: reconciliation finished with errors")

	// Actor errors
	ErrActorStopped  = errors.New("tracktags: actor stopped")
	ErrMailboxFull   = errors.New("tracktags: actor mailbox full")
	ErrReplyTimeout  = errors.New("tracktags: actor reply timed out")
)

// ValidationError carries field-level detail for 400 responses.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tracktags: validation failed for %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// Validationf builds a field-scoped validation error.
func Validationf(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Conflictf wraps ErrConflict with context.
func Conflictf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}

// NotFoundf wraps ErrNotFound with context.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// IsNotFound returns true for any flavor of missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrTableNotFound) ||
		errors.Is(err, ErrNotRegistered)
}

// IsConflict returns true for uniqueness or state-transition violations.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrEntryExists) ||
		errors.Is(err, ErrAlreadyRegistered) ||
		errors.Is(err, ErrDuplicateEvent)
}

// IsRetryable reports whether the caller may retry the operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUpstreamFailed) ||
		errors.Is(err, ErrUpstreamTimeout) ||
		errors.Is(err, ErrMailboxFull) ||
		errors.Is(err, ErrReplyTimeout)
}

// HTTPStatus maps an error to the status code the API surfaces.
// Unknown errors are 500; callers log those with a correlation id.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrBadSignature):
		return http.StatusUnauthorized
	case IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, ErrLimitBreached):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrNotImplemented):
		return http.StatusNotImplemented
	case errors.Is(err, ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrUpstreamFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
