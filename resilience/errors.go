package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

// ErrorClassifier decides whether a failed call should be retried.
type ErrorClassifier interface {
	// IsRetryable returns true if err is a transient failure worth another attempt.
	IsRetryable(err error) bool
}

// CircuitBreakerErrorClassifier decides whether a failed call counts against the breaker.
type CircuitBreakerErrorClassifier interface {
	// ShouldTripCircuit returns true if err should be recorded as a breaker failure.
	ShouldTripCircuit(err error) bool
}

// HTTPError is an error that knows the HTTP status code it came from.
type HTTPError interface {
	error
	StatusCode() int
}

// IsTransientStatus reports whether code is a transient server-side failure: any 5xx or 408.
func IsTransientStatus(code int) bool {
	return code >= http.StatusInternalServerError || code == http.StatusRequestTimeout
}

// IsRetryEligibleStatus reports whether a response with this status should be retried.
// 429 is not transient in the server-fault sense, so it is checked separately.
func IsRetryEligibleStatus(code int) bool {
	if IsTransientStatus(code) {
		return true
	}
	return code == http.StatusTooManyRequests
}

// HTTPStatusClassifier classifies errors by the HTTP status code they carry.
// Errors without a status code are treated as transport faults.
type HTTPStatusClassifier struct {
	// RetryableStatuses overrides IsRetryEligibleStatus when non-nil.
	RetryableStatuses []int

	// CircuitTripStatuses lists statuses that count against the breaker.
	// Defaults to 500, 502, 503, 504 if nil.
	CircuitTripStatuses []int
}

// NewHTTPStatusClassifier creates a classifier that retries 5xx, 408 and 429
// and trips the breaker on 500, 502, 503 and 504.
func NewHTTPStatusClassifier() *HTTPStatusClassifier {
	return &HTTPStatusClassifier{}
}

// IsRetryable implements ErrorClassifier.
func (c *HTTPStatusClassifier) IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Retrying under a dead context fails immediately, so these must win over
	// the timeout check below.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	// An open breaker rejects every attempt until its timeout elapses.
	if errors.Is(err, jperrors.ErrCircuitOpen) || errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}

	if errors.Is(err, jperrors.ErrRateLimited) {
		return true
	}
	if jperrors.IsTimeout(err) {
		return true
	}

	statusCode := extractStatusCode(err)
	if statusCode == 0 {
		// network failure, connection reset, DNS and the like
		return true
	}

	if c.RetryableStatuses != nil {
		return slices.Contains(c.RetryableStatuses, statusCode)
	}
	return IsRetryEligibleStatus(statusCode)
}

// ShouldTripCircuit implements CircuitBreakerErrorClassifier.
func (c *HTTPStatusClassifier) ShouldTripCircuit(err error) bool {
	if err == nil {
		return false
	}

	// Rate limits and timeouts are transient and say nothing about downstream health.
	if errors.Is(err, jperrors.ErrRateLimited) {
		return false
	}
	if jperrors.IsTimeout(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	statusCode := extractStatusCode(err)
	if statusCode == 0 {
		return true
	}

	return slices.Contains(c.getCircuitTripStatuses(), statusCode)
}

func (c *HTTPStatusClassifier) getCircuitTripStatuses() []int {
	if c.CircuitTripStatuses != nil {
		return c.CircuitTripStatuses
	}
	return []int{500, 502, 503, 504}
}

// extractStatusCode returns the status carried by err, or 0 if there is none.
func extractStatusCode(err error) int {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode()
	}
	return 0
}

// DefaultErrorClassifier returns the classifier used when none is configured.
func DefaultErrorClassifier() ErrorClassifier {
	return NewHTTPStatusClassifier()
}

// DefaultCircuitBreakerErrorClassifier returns the breaker classifier used when none is configured.
func DefaultCircuitBreakerErrorClassifier() CircuitBreakerErrorClassifier {
	return NewHTTPStatusClassifier()
}

// StatusCodeError attaches an HTTP status code to an error.
type StatusCodeError struct {
	Err  error
	Code int
}

// Error implements the error interface.
func (e *StatusCodeError) Error() string {
	return e.Err.Error()
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *StatusCodeError) Unwrap() error {
	return e.Err
}

// StatusCode implements HTTPError.
func (e *StatusCodeError) StatusCode() int {
	return e.Code
}

// NewStatusCodeError creates a StatusCodeError.
//
// Example:
//
//	return resilience.NewStatusCodeError(http.StatusServiceUnavailable, err)
func NewStatusCodeError(statusCode int, err error) error {
	return &StatusCodeError{
		Code: statusCode,
		Err:  err,
	}
}

// ResponseError carries a complete downstream response through the retry loop so that
// the transport can hand the last one back to the caller once attempts are exhausted.
type ResponseError struct {
	Response *http.Response
}

// Error implements the error interface.
func (e *ResponseError) Error() string {
	if e.Response.Request == nil {
		return "downstream responded " + e.Response.Status
	}
	return fmt.Sprintf("%s %s: %s", e.Response.Request.Method, e.Response.Request.URL.Redacted(), e.Response.Status)
}

// StatusCode implements HTTPError.
func (e *ResponseError) StatusCode() int {
	return e.Response.StatusCode
}
