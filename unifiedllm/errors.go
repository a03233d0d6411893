package unifiedllm

import (
	"context"
	"errors"
	"fmt"
)

// SDKError is the base of every error the client returns.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SDKError) Unwrap() error { return e.Cause }

func (e *SDKError) retryable() bool { return true }

// ProviderError is a failure reported by the model provider.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	Retryable  bool
	RetryAfter *float64 // seconds, when the provider sent a hint
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.StatusCode, e.Retryable)
}

func (e *ProviderError) retryable() bool { return e.Retryable }

type (
	AuthenticationError struct{ ProviderError }
	AccessDeniedError   struct{ ProviderError }
	NotFoundError       struct{ ProviderError }
	InvalidRequestError struct{ ProviderError }
	RateLimitError      struct{ ProviderError }
	ServerError         struct{ ProviderError }
	ContentFilterError  struct{ ProviderError }
	ContextLengthError  struct{ ProviderError }
)

func (*AuthenticationError) retryable() bool { return false }
func (*AccessDeniedError) retryable() bool   { return false }
func (*NotFoundError) retryable() bool       { return false }
func (*InvalidRequestError) retryable() bool { return false }
func (*ContentFilterError) retryable() bool  { return false }
func (*ContextLengthError) retryable() bool  { return false }
func (*RateLimitError) retryable() bool      { return true }
func (*ServerError) retryable() bool         { return true }

type (
	RequestTimeoutError struct{ SDKError }
	AbortError          struct{ SDKError }
	NetworkError        struct{ SDKError }
	StreamErrorType     struct{ SDKError }
	ConfigurationError  struct{ SDKError }
)

func (*AbortError) retryable() bool         { return false }
func (*ConfigurationError) retryable() bool { return false }

// StatusContentFiltered is the status used for responses blocked by the
// provider's content filter.
const StatusContentFiltered = 451

// ErrorFromStatusCode maps an HTTP status code to the matching error type.
func ErrorFromStatusCode(statusCode int, message, provider string, retryAfter *float64) error {
	return newProviderError(statusCode, provider, message, nil, retryAfter)
}

func newProviderError(status int, provider, message string, cause error, retryAfter *float64) error {
	pe := ProviderError{
		SDKError:   SDKError{Message: message, Cause: cause},
		Provider:   provider,
		StatusCode: status,
		RetryAfter: retryAfter,
	}
	switch status {
	case 400, 422:
		return &InvalidRequestError{pe}
	case 401:
		return &AuthenticationError{pe}
	case 403:
		return &AccessDeniedError{pe}
	case 404:
		return &NotFoundError{pe}
	case 408:
		return &RequestTimeoutError{pe.SDKError}
	case 413:
		return &ContextLengthError{pe}
	case StatusContentFiltered:
		return &ContentFilterError{pe}
	case 429:
		pe.Retryable = true
		return &RateLimitError{pe}
	case 500, 502, 503, 504:
		pe.Retryable = true
		return &ServerError{pe}
	default:
		pe.Retryable = true
		return &pe
	}
}

// IsRetryable reports whether err is worth another attempt. The first typed
// error in the chain decides; cancellation never retries and untyped errors
// always do.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var c interface{ retryable() bool }
	if errors.As(err, &c) {
		return c.retryable()
	}
	return true
}
