package ai

import (
	"sync"
	"time"
)

// circuitBreaker tracks consecutive overload failures. It is the only state
// shared across concurrent requests, so every transition happens under the
// mutex.
type circuitBreaker struct {
	mu           sync.Mutex
	threshold    int
	resetTimeout time.Duration

	failureCount int
	open         bool
	lastFailure  time.Time
}

func newCircuitBreaker(threshold int, resetTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetTimeout: resetTimeout}
}

// Allow reports whether a call may proceed. While open and within the reset
// window it returns the remaining wait; once the window has elapsed the
// breaker closes again and the next real attempt acts as the half-open
// probe. The failure count is deliberately kept, so a failed probe reopens
// immediately.
func (b *circuitBreaker) Allow() (retryAfter time.Duration, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return 0, true
	}
	elapsed := time.Since(b.lastFailure)
	if elapsed >= b.resetTimeout {
		b.open = false
		return 0, true
	}
	return b.resetTimeout - elapsed, false
}

// Failure records an overload-class failure and reports whether the breaker
// opened as a result.
func (b *circuitBreaker) Failure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	b.lastFailure = time.Now()
	if b.failureCount >= b.threshold {
		b.open = true
	}
	return b.open
}

// Success resets the breaker completely.
func (b *circuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.open = false
}

// snapshot exposes state for tests.
func (b *circuitBreaker) snapshot() (failures int, open bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount, b.open
}
