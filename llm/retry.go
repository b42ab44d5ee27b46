package llm

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// AuthType identifies how the caller authenticates to the provider. Model
// fallback is only negotiated for interactive OAuth identities.
type AuthType string

const (
	AuthOAuthPersonal AuthType = "oauth-personal"
	AuthAPIKey        AuthType = "api-key"
)

// FallbackHandler is invoked on persistent throttling or quota exhaustion.
// Returning true means a fallback (e.g. a lighter model) was arranged and the
// call should restart with fresh attempt and backoff counters.
type FallbackHandler func(ctx context.Context, err error) bool

// RetryPolicy configures retry behavior with exponential backoff.
type RetryPolicy struct {
	MaxAttempts    int           // total calls, counting the first
	InitialDelay   time.Duration // backoff starting delay
	MaxDelay       time.Duration // backoff cap
	JitterFraction float64       // +/- fraction applied to each delay
	AuthType       AuthType
	OnRetry        func(err error, attempt int, delay time.Duration)
	Fallback       FallbackHandler
}

// DefaultRetryPolicy returns the default policy: 5 attempts, 5s initial
// delay doubling to a 30s cap, +/-30% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialDelay:   5 * time.Second,
		MaxDelay:       30 * time.Second,
		JitterFraction: 0.3,
	}
}

// sleepFn is replaced in tests to avoid real delays.
var sleepFn = func(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	factor := 1 + (rand.Float64()*2-1)*fraction
	return time.Duration(float64(d) * factor)
}

// Retry executes fn under the policy. Quota classification overrides generic
// retry: an api_key-tier quota error is raised immediately; pro/generic tiers
// under an OAuth identity invoke the fallback hook before counting the
// attempt, and an approved fallback resets both counters. Two consecutive
// plain 429s also trigger the fallback hook. A 429 carrying a Retry-After
// hint uses that exact delay and resets the backoff baseline afterwards.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	base := policy.InitialDelay
	attempt := 0
	consecutive429 := 0

	for {
		attempt++
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		var quota *QuotaError
		if errors.As(err, &quota) {
			if quota.Tier == QuotaTierAPIKey {
				return zero, err
			}
			if policy.AuthType == AuthOAuthPersonal && policy.Fallback != nil && policy.Fallback(ctx, err) {
				attempt = 0
				base = policy.InitialDelay
				consecutive429 = 0
				continue
			}
			return zero, err
		}

		var throttle *ThrottleError
		var rate *RateLimitError
		isRate := errors.As(err, &rate)
		if errors.As(err, &throttle) {
			// Throttling is retried but never counts toward fallback.
			isRate = false
			consecutive429 = 0
		} else if isRate {
			consecutive429++
		} else {
			consecutive429 = 0
		}

		if consecutive429 >= 2 && policy.AuthType == AuthOAuthPersonal && policy.Fallback != nil {
			if policy.Fallback(ctx, err) {
				attempt = 0
				base = policy.InitialDelay
				consecutive429 = 0
				continue
			}
		}

		if !IsRetryable(err) {
			return zero, err
		}
		if attempt >= policy.MaxAttempts {
			return zero, err
		}

		var delay time.Duration
		if isRate && rate.RetryAfter != nil {
			delay = *rate.RetryAfter
			base = policy.InitialDelay
		} else {
			delay = jitter(base, policy.JitterFraction)
			base *= 2
			if base > policy.MaxDelay {
				base = policy.MaxDelay
			}
		}

		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt, delay)
		}

		if serr := sleepFn(ctx, delay); serr != nil {
			return zero, &CancelledError{GeneratorError{Message: "request cancelled during retry backoff", Cause: serr}}
		}
	}
}
