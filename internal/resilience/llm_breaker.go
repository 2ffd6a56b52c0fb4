package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/marionette/pkg/provider/llm"
)

// LLMBreaker implements [llm.Provider] by routing Complete through a
// [CircuitBreaker]. CountTokens and Capabilities are local and pass straight
// through.
type LLMBreaker struct {
	inner llm.Provider
	cb    *CircuitBreaker
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMBreaker)(nil)

// NewLLMBreaker wraps inner with a breaker built from cfg.
func NewLLMBreaker(inner llm.Provider, cfg CircuitBreakerConfig) *LLMBreaker {
	return &LLMBreaker{inner: inner, cb: NewCircuitBreaker(cfg)}
}

// Breaker exposes the underlying breaker for health checks.
func (b *LLMBreaker) Breaker() *CircuitBreaker { return b.cb }

// Complete forwards to the wrapped provider unless the breaker is open, in
// which case it returns [ErrCircuitOpen] without a network call. A panic in
// the provider is returned as an error and counts as a failure.
func (b *LLMBreaker) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var resp *llm.CompletionResponse
	err := b.cb.Execute(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				resp, err = nil, fmt.Errorf("resilience: provider panic: %v", r)
			}
		}()
		resp, err = b.inner.Complete(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// CountTokens implements [llm.Provider].
func (b *LLMBreaker) CountTokens(messages []llm.Message) (int, error) {
	return b.inner.CountTokens(messages)
}

// Capabilities implements [llm.Provider].
func (b *LLMBreaker) Capabilities() llm.ModelCapabilities {
	return b.inner.Capabilities()
}
