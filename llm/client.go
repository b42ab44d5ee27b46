package llm

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ClientConfig configures a retrying Client.
type ClientConfig struct {
	// Model is the active model identifier.
	Model string

	// FallbackModel, when set, is switched to after persistent throttling or
	// quota exhaustion. Empty disables fallback.
	FallbackModel string

	// AuthType gates fallback negotiation (OAuth identities only).
	AuthType AuthType

	// Policy overrides the default retry policy when MaxAttempts > 0.
	Policy RetryPolicy

	// OnFallback, when set, is consulted before switching models. Returning
	// false vetoes the switch and lets the error propagate.
	OnFallback func(ctx context.Context, fallbackModel string, err error) bool

	Logger zerolog.Logger
}

// Client wraps a ContentGenerator with retry, backoff, and model fallback.
// It implements ContentGenerator itself, so callers are insulated from
// transient provider failures.
type Client struct {
	generator ContentGenerator
	cfg       ClientConfig
	policy    RetryPolicy
	logger    zerolog.Logger

	mu         sync.Mutex
	model      string
	inFallback bool
}

// NewClient creates a retrying client over the given generator.
func NewClient(generator ContentGenerator, cfg ClientConfig) *Client {
	policy := cfg.Policy
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	policy.AuthType = cfg.AuthType
	return &Client{
		generator: generator,
		cfg:       cfg,
		policy:    policy,
		logger:    cfg.Logger,
		model:     cfg.Model,
	}
}

// Model returns the currently active model identifier.
func (c *Client) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// InFallbackMode reports whether the client has switched to its fallback
// model.
func (c *Client) InFallbackMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFallback
}

// handlePersistentFailure is the retry fallback hook: it switches the active
// model to the configured fallback exactly once per client.
func (c *Client) handlePersistentFailure(ctx context.Context, err error) bool {
	c.mu.Lock()
	if c.inFallback || c.cfg.FallbackModel == "" || c.cfg.FallbackModel == c.model {
		c.mu.Unlock()
		return false
	}
	fallback := c.cfg.FallbackModel
	c.mu.Unlock()

	if c.cfg.OnFallback != nil && !c.cfg.OnFallback(ctx, fallback, err) {
		return false
	}

	c.mu.Lock()
	previous := c.model
	c.model = fallback
	c.inFallback = true
	c.mu.Unlock()

	c.logger.Warn().
		Str("from_model", previous).
		Str("to_model", fallback).
		Err(err).
		Msg("switching to fallback model after persistent provider failure")
	return true
}

func (c *Client) logRetry(err error, attempt int, delay time.Duration) {
	c.logger.Debug().
		Int("attempt", attempt).
		Dur("delay", delay).
		Err(err).
		Msg("retrying model call")
	if c.cfg.Policy.OnRetry != nil {
		c.cfg.Policy.OnRetry(err, attempt, delay)
	}
}

func (c *Client) requestPolicy() RetryPolicy {
	policy := c.policy
	policy.Fallback = c.handlePersistentFailure
	policy.OnRetry = c.logRetry
	return policy
}

// GenerateContent sends a blocking request with retry and fallback.
func (c *Client) GenerateContent(ctx context.Context, req GenerateRequest, promptID string) (*GenerateResponse, error) {
	return Retry(ctx, c.requestPolicy(), func(ctx context.Context) (*GenerateResponse, error) {
		r := req
		if r.Model == "" {
			r.Model = c.Model()
		}
		return c.generator.GenerateContent(ctx, r, promptID)
	})
}

// GenerateContentStream opens a response stream, with retry and fallback
// applied to establishing the stream.
func (c *Client) GenerateContentStream(ctx context.Context, req GenerateRequest, promptID string) (<-chan StreamItem, error) {
	return Retry(ctx, c.requestPolicy(), func(ctx context.Context) (<-chan StreamItem, error) {
		r := req
		if r.Model == "" {
			r.Model = c.Model()
		}
		return c.generator.GenerateContentStream(ctx, r, promptID)
	})
}

// CountTokens passes through to the underlying generator.
func (c *Client) CountTokens(ctx context.Context, req GenerateRequest) (*CountTokensResponse, error) {
	r := req
	if r.Model == "" {
		r.Model = c.Model()
	}
	return c.generator.CountTokens(ctx, r)
}
