package ai

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Client resilience defaults.
const (
	DefaultAttempts         = 3
	DefaultBaseDelay        = 1500 * time.Millisecond
	DefaultMaxDelay         = 10 * time.Second
	DefaultJitter           = time.Second
	DefaultCallTimeout      = 60 * time.Second
	DefaultBreakerThreshold = 3
	DefaultBreakerReset     = 30 * time.Second
)

// ClientConfig tunes the resilience policy. Zero values fall back to the
// defaults above.
type ClientConfig struct {
	Attempts         int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	Jitter           time.Duration
	CallTimeout      time.Duration
	BreakerThreshold int
	BreakerReset     time.Duration
}

// Client wraps a TextGenerator with retries, backoff, and a circuit
// breaker. One Client instance (and thus one breaker) is shared by all
// requests in the process.
type Client struct {
	backend     TextGenerator
	attempts    int
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitter      time.Duration
	callTimeout time.Duration
	breaker     *circuitBreaker

	// sleep is replaced in tests to avoid real waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient builds the resilient wrapper around backend.
func NewClient(backend TextGenerator, cfg ClientConfig) *Client {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.Jitter <= 0 {
		cfg.Jitter = DefaultJitter
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = DefaultBreakerThreshold
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = DefaultBreakerReset
	}
	return &Client{
		backend:     backend,
		attempts:    cfg.Attempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		jitter:      cfg.Jitter,
		callTimeout: cfg.CallTimeout,
		breaker:     newCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerReset),
		sleep:       sleepCtx,
	}
}

// Generate runs the prompt through the backend under the retry policy.
// While the breaker is open it fails fast with *OverloadedError; after
// exhausting attempts it fails with *GenerationError wrapping the last
// backend failure.
func (c *Client) Generate(ctx context.Context, prompt string, opts Options) (Result, error) {
	if retryAfter, ok := c.breaker.Allow(); !ok {
		return Result{}, &OverloadedError{RetryAfter: retryAfter}
	}
	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		res, err := c.backend.GenerateText(attemptCtx, prompt, opts)
		cancel()
		if err == nil {
			c.breaker.Success()
			res.Attempts = attempt
			res.Elapsed = time.Since(start)
			return res, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		kind := KindOf(err)
		if !kind.Retryable() {
			return Result{}, err
		}
		if kind.Overload() && c.breaker.Failure() {
			slog.Warn("generation circuit breaker opened", "kind", kind.String())
		}
		lastErr = err
		if attempt == c.attempts {
			break
		}
		if retryAfter, ok := c.breaker.Allow(); !ok {
			return Result{}, &OverloadedError{RetryAfter: retryAfter}
		}
		slog.Debug("retrying generation", "attempt", attempt, "kind", kind.String())
		if err := c.sleep(ctx, c.backoffDelay(attempt)); err != nil {
			return Result{}, err
		}
	}
	return Result{}, &GenerationError{Attempts: c.attempts, Err: lastErr}
}

// Stream establishes a streamed generation under the same breaker and retry
// policy. Retries apply to stream establishment only; once fragments are
// flowing, failures arrive as the terminal stream event.
func (c *Client) Stream(ctx context.Context, prompt string, opts Options) (<-chan StreamEvent, error) {
	if retryAfter, ok := c.breaker.Allow(); !ok {
		return nil, &OverloadedError{RetryAfter: retryAfter}
	}
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		events, err := c.backend.StreamText(ctx, prompt, opts)
		if err == nil {
			c.breaker.Success()
			return events, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		kind := KindOf(err)
		if !kind.Retryable() {
			return nil, err
		}
		if kind.Overload() && c.breaker.Failure() {
			slog.Warn("generation circuit breaker opened", "kind", kind.String())
		}
		lastErr = err
		if attempt == c.attempts {
			break
		}
		if retryAfter, ok := c.breaker.Allow(); !ok {
			return nil, &OverloadedError{RetryAfter: retryAfter}
		}
		if err := c.sleep(ctx, c.backoffDelay(attempt)); err != nil {
			return nil, err
		}
	}
	return nil, &GenerationError{Attempts: c.attempts, Err: lastErr}
}

// backoffDelay computes the wait before attempt+1:
// min(base * 2^(attempt-1) + jitter, max).
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.baseDelay << (attempt - 1)
	delay += rand.N(c.jitter)
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
