package adapters

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentflow-io/agentflow/internal/domain"
)

// Common errors returned by adapters and providers.
var (
	// ErrEmptyResponse indicates the provider returned an empty body.
	ErrEmptyResponse = errors.New("empty response from provider")

	// ErrNoResponseChoice indicates the response carried no choices.
	ErrNoResponseChoice = errors.New("no response choices returned")
)

// ErrorType categorizes a provider failure for retry decisions and for
// mapping onto the domain's error kinds.
type ErrorType int

const (
	// ErrorTypeUnknown indicates an error of an undetermined category.
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeAuthentication indicates rejected or missing credentials.
	ErrorTypeAuthentication
	// ErrorTypeRateLimit indicates the provider throttled the request.
	ErrorTypeRateLimit
	// ErrorTypeBadRequest indicates malformed parameters.
	ErrorTypeBadRequest
	// ErrorTypeNotFound indicates an unknown model or resource.
	ErrorTypeNotFound
	// ErrorTypeServerError indicates a failure on the provider's side.
	ErrorTypeServerError
	// ErrorTypeContentPolicy indicates the request was blocked by policy.
	ErrorTypeContentPolicy
	// ErrorTypeNetwork indicates a client-side transport problem.
	ErrorTypeNetwork
	// ErrorTypeTimeout indicates the request timed out.
	ErrorTypeTimeout
)

// ProviderError normalizes provider-specific failures into one format
// with a classified type, so retry middleware and the executor's error
// kinds work uniformly across providers.
type ProviderError struct {
	// Type classifies the error into a standard category.
	Type ErrorType
	// Provider names the service that produced the error.
	Provider string
	// StatusCode holds the HTTP status, when applicable.
	StatusCode int
	// Message is the user-facing description.
	Message string
	// WrappedError is the original error for chain inspection.
	WrappedError error
}

// Error satisfies the error interface.
func (e *ProviderError) Error() string {
	base := fmt.Sprintf("%s error", e.Provider)
	if e.StatusCode > 0 {
		base += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Message != "" {
		base += ": " + e.Message
	}
	if e.WrappedError != nil {
		base += fmt.Sprintf(": %v", e.WrappedError)
	}
	return base
}

// Unwrap exposes the wrapped error to errors.Is and errors.As.
func (e *ProviderError) Unwrap() error { return e.WrappedError }

// Is maps classified provider failures onto the domain sentinels, so a
// rate-limited or failing provider surfaces to the executor as an
// unavailable external service and an auth rejection as a credential
// problem.
func (e *ProviderError) Is(target error) bool {
	switch target {
	case domain.ErrUnavailableExternalService:
		return e.IsRetryable()
	case domain.ErrMissingCredential:
		return e.Type == ErrorTypeAuthentication
	}
	return false
}

// IsRetryable reports whether a request failing with this error is worth
// retrying: transient transport, throttling, and server-side failures.
func (e *ProviderError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeRateLimit, ErrorTypeServerError, ErrorTypeNetwork, ErrorTypeTimeout:
		return true
	default:
		return false
	}
}

// NewProviderError creates a classified provider error.
func NewProviderError(provider string, errType ErrorType, statusCode int, message string, wrapped error) *ProviderError {
	return &ProviderError{
		Type:         errType,
		Provider:     provider,
		StatusCode:   statusCode,
		Message:      message,
		WrappedError: wrapped,
	}
}

// ErrorClassifier standardizes provider-specific errors for one service.
type ErrorClassifier struct {
	// Provider names the service this classifier reports for.
	Provider string
}

// ClassifyHTTPError builds a ProviderError from an HTTP status code.
func (ec *ErrorClassifier) ClassifyHTTPError(statusCode int, message string, err error) *ProviderError {
	var errType ErrorType
	switch statusCode {
	case 401, 403:
		errType = ErrorTypeAuthentication
		if message == "" {
			message = "authentication failed"
		}
	case 429:
		errType = ErrorTypeRateLimit
		if message == "" {
			message = "rate limit exceeded"
		}
	case 400:
		errType = ErrorTypeBadRequest
	case 404:
		errType = ErrorTypeNotFound
	case 500, 502, 503, 504:
		errType = ErrorTypeServerError
	default:
		switch {
		case statusCode >= 400 && statusCode < 500:
			errType = ErrorTypeBadRequest
		case statusCode >= 500:
			errType = ErrorTypeServerError
		default:
			errType = ErrorTypeUnknown
		}
	}
	return NewProviderError(ec.Provider, errType, statusCode, message, err)
}

// ClassifyContextError builds a ProviderError from a context failure.
// Cancellation and deadline errors stay visible through the wrap chain
// so the executor can distinguish timeouts from provider faults.
func (ec *ErrorClassifier) ClassifyContextError(err error) *ProviderError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewProviderError(ec.Provider, ErrorTypeTimeout, 0, "request deadline exceeded", err)
	case errors.Is(err, context.Canceled):
		return NewProviderError(ec.Provider, ErrorTypeNetwork, 0, "request canceled", err)
	default:
		return NewProviderError(ec.Provider, ErrorTypeUnknown, 0, "", err)
	}
}
