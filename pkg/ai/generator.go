// Package ai wraps external text-generation backends (Gemini, Ollama) with
// the resilience policy the chat path needs: retries with backoff and
// jitter, a circuit breaker for overload failures, and streaming delivery.
package ai

import (
	"context"
	"time"
)

// Default sampling parameters, overridable per call.
const (
	DefaultTemperature     = 0.2
	DefaultTopP            = 0.8
	DefaultTopK            = 40
	DefaultMaxOutputTokens = 1000
)

// Options tune a single generation call. Zero values fall back to the
// defaults above and the backend's configured model.
type Options struct {
	Model           string
	Temperature     float32
	TopP            float32
	TopK            int
	MaxOutputTokens int
}

func (o Options) withDefaults(model string) Options {
	if o.Model == "" {
		o.Model = model
	}
	if o.Temperature == 0 {
		o.Temperature = DefaultTemperature
	}
	if o.TopP == 0 {
		o.TopP = DefaultTopP
	}
	if o.TopK == 0 {
		o.TopK = DefaultTopK
	}
	if o.MaxOutputTokens == 0 {
		o.MaxOutputTokens = DefaultMaxOutputTokens
	}
	return o
}

// Result is a completed generation.
type Result struct {
	Text       string
	TokensUsed int
	Model      string
	Elapsed    time.Duration
	Attempts   int
}

// StreamEvent is one item of a streamed generation. Fragments arrive with
// Done=false; the terminal event has Done=true and either the accumulated
// full text or Err. Errors mid-stream are delivered as the terminal event,
// never as a synchronous return.
type StreamEvent struct {
	Text       string
	Done       bool
	Full       string
	TokensUsed int
	Err        error
}

// TextGenerator is a single-attempt generation backend. Resilience lives in
// Client, not here.
type TextGenerator interface {
	GenerateText(ctx context.Context, prompt string, opts Options) (Result, error)
	StreamText(ctx context.Context, prompt string, opts Options) (<-chan StreamEvent, error)
}

// sendEvent delivers ev unless the consumer is gone. A false return means
// the context was cancelled and the producer must stop; blocking on an
// unguarded send would leak the goroutine once the receiver stops draining.
func sendEvent(ctx context.Context, events chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
