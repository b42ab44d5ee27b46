package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// GeneratorError is the base error type for all model-layer errors.
type GeneratorError struct {
	Message string
	Status  int
	Cause   error
}

func (e *GeneratorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *GeneratorError) Unwrap() error {
	return e.Cause
}

// AuthError indicates invalid or expired credentials. It is fatal to the
// session and never retried.
type AuthError struct{ GeneratorError }

// InvalidRequestError indicates a malformed or rejected request.
type InvalidRequestError struct{ GeneratorError }

// RateLimitError is an HTTP 429. RetryAfter, when set, is the server-supplied
// delay that overrides the computed backoff.
type RateLimitError struct {
	GeneratorError
	RetryAfter *time.Duration
}

// ServerError is a transient 5xx-class provider failure.
type ServerError struct{ GeneratorError }

// ThrottleError is provider-specific throttling distinct from quota
// exhaustion. It is retried normally and never triggers model fallback.
type ThrottleError struct{ GeneratorError }

// QuotaTier classifies quota exhaustion errors.
type QuotaTier string

const (
	QuotaTierPro     QuotaTier = "pro"
	QuotaTierGeneric QuotaTier = "generic"
	QuotaTierAPIKey  QuotaTier = "api_key"
)

// QuotaError indicates the caller's quota is exhausted. Pro and generic tiers
// may negotiate a model fallback under an interactive OAuth identity; the
// api_key tier is raised immediately without retrying.
type QuotaError struct {
	GeneratorError
	Tier QuotaTier
}

// CancelledError indicates the caller's context was cancelled.
type CancelledError struct{ GeneratorError }

// FromStatusCode maps an HTTP status code to the appropriate error type.
func FromStatusCode(status int, message string, retryAfter *time.Duration) error {
	base := GeneratorError{Message: message, Status: status}
	switch status {
	case 400, 404, 422:
		return &InvalidRequestError{base}
	case 401, 403:
		return &AuthError{base}
	case 429:
		return &RateLimitError{GeneratorError: base, RetryAfter: retryAfter}
	case 408, 500, 502, 503, 504:
		return &ServerError{base}
	default:
		// Unknown statuses default to retryable.
		return &base
	}
}

// IsRetryable returns true if the error is safe to retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch err.(type) {
	case *AuthError:
		return false
	case *InvalidRequestError:
		return false
	case *QuotaError:
		return false
	case *CancelledError:
		return false
	case *RateLimitError:
		return true
	case *ServerError:
		return true
	case *ThrottleError:
		return true
	default:
		// Unknown errors default to retryable.
		return true
	}
}

// IsAuthError reports whether err is a fatal credential failure.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsCancellation reports whether err represents a cancelled call.
func IsCancellation(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var ce *CancelledError
	return errors.As(err, &ce)
}

// Friendly translates a model-layer error into a human-readable message and
// an HTTP-like status (0 when none applies).
func Friendly(err error) (string, int) {
	switch e := err.(type) {
	case *AuthError:
		return "Authentication failed. Please check your credentials and sign in again.", e.Status
	case *RateLimitError:
		return "The model is rate limiting requests. The call was retried and still failed.", 429
	case *QuotaError:
		switch e.Tier {
		case QuotaTierPro:
			return "You have exhausted your Pro-tier quota for this model.", e.Status
		case QuotaTierAPIKey:
			return "Your API key quota is exhausted.", e.Status
		default:
			return "You have exhausted your quota for this model.", e.Status
		}
	case *ServerError:
		return "The model provider returned a server error. The call was retried and still failed.", e.Status
	case *InvalidRequestError:
		return fmt.Sprintf("The model rejected the request: %s", e.Message), e.Status
	case *GeneratorError:
		return e.Message, e.Status
	default:
		return err.Error(), 0
	}
}
