package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the API client.
var (
	// ErrServerUnavailable is returned when the server cannot be reached or
	// answers with a 5xx status.
	ErrServerUnavailable = errors.New("orchestration server unavailable")

	// ErrUnauthorized is returned when the bearer token is invalid or missing.
	ErrUnauthorized = errors.New("unauthorized: invalid or missing bearer token")

	// ErrNotFound is returned when a run or task doesn't exist.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidRequest is returned for rejected parameters or a malformed response.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrTimeout is returned when a request times out.
	ErrTimeout = errors.New("request timed out")
)

// APIError wraps errors from the orchestration API with additional context.
type APIError struct {
	Operation  string // e.g. "list_runs", "resolve"
	StatusCode int    // HTTP status code (0 if not an HTTP error)
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("api: %s failed (HTTP %d): %v", e.Operation, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("api: %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *APIError) Unwrap() error {
	return e.Err
}

// NewAPIError creates a new APIError.
func NewAPIError(operation string, statusCode int, err error) *APIError {
	return &APIError{
		Operation:  operation,
		StatusCode: statusCode,
		Err:        err,
	}
}

// IsServerUnavailable returns true if the error indicates the server is unavailable.
func IsServerUnavailable(err error) bool {
	return errors.Is(err, ErrServerUnavailable)
}

// IsUnauthorized returns true if the error indicates an authentication failure.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsNotFound returns true if the error indicates a resource was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidRequest returns true if the server rejected the request.
func IsInvalidRequest(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}

// IsTimeout returns true if the error indicates a request timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// statusError maps an HTTP status to a sentinel, keeping the server's message.
func statusError(status int, detail string) error {
	var base error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		base = ErrUnauthorized
	case status == http.StatusNotFound:
		base = ErrNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		base = ErrTimeout
	case status >= 500:
		base = ErrServerUnavailable
	case status >= 400:
		base = ErrInvalidRequest
	default:
		return fmt.Errorf("unexpected status %d: %s", status, detail)
	}
	if detail == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, detail)
}
