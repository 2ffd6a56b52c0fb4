package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/marionette/pkg/provider/llm"
	"github.com/MrWong99/marionette/pkg/provider/llm/mock"
)

func TestLLMBreaker_Complete_PassThrough(t *testing.T) {
	inner := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{"mode":"keyframes","keyframes":[]}`},
	}
	b := NewLLMBreaker(inner, CircuitBreakerConfig{Name: "llm"})

	resp, err := b.Complete(context.Background(), llm.CompletionRequest{JSONMode: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content == "" {
		t.Error("expected content from inner provider")
	}
	calls := inner.Calls()
	if len(calls) != 1 || !calls[0].Req.JSONMode {
		t.Fatalf("inner calls = %+v, want one JSON-mode call", calls)
	}
}

func TestLLMBreaker_Complete_OpensAndShortCircuits(t *testing.T) {
	clock := newFakeClock()
	inner := &mock.Provider{CompleteErr: errTest}
	b := NewLLMBreaker(inner, CircuitBreakerConfig{
		Name:         "llm",
		MaxFailures:  2,
		ResetTimeout: time.Minute,
		Now:          clock.Now,
	})

	for range 2 {
		if _, err := b.Complete(context.Background(), llm.CompletionRequest{}); !errors.Is(err, errTest) {
			t.Fatalf("err = %v, want errTest", err)
		}
	}
	if _, err := b.Complete(context.Background(), llm.CompletionRequest{}); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if n := len(inner.Calls()); n != 2 {
		t.Errorf("inner called %d times, want 2 (no call while open)", n)
	}
	if b.Breaker().State() != StateOpen {
		t.Errorf("state = %v, want open", b.Breaker().State())
	}
}

func TestLLMBreaker_LocalMethodsBypassBreaker(t *testing.T) {
	inner := &mock.Provider{
		CompleteErr:       errTest,
		TokenCount:        42,
		ModelCapabilities: llm.ModelCapabilities{ContextWindow: 8_192},
	}
	b := NewLLMBreaker(inner, CircuitBreakerConfig{Name: "llm", MaxFailures: 1, ResetTimeout: time.Hour})
	_, _ = b.Complete(context.Background(), llm.CompletionRequest{})

	n, err := b.CountTokens([]llm.Message{{Role: "user", Content: "x"}})
	if err != nil || n != 42 {
		t.Errorf("CountTokens = %d, %v; want 42, nil", n, err)
	}
	if got := b.Capabilities().ContextWindow; got != 8_192 {
		t.Errorf("ContextWindow = %d, want 8192", got)
	}
}

func TestLLMBreaker_Complete_PanicCountsAsFailure(t *testing.T) {
	inner := &mock.Provider{CompleteFunc: func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		panic("sdk bug")
	}}
	b := NewLLMBreaker(inner, CircuitBreakerConfig{Name: "llm", MaxFailures: 1, ResetTimeout: time.Hour})

	resp, err := b.Complete(context.Background(), llm.CompletionRequest{})
	if err == nil || resp != nil {
		t.Fatalf("Complete = %v, %v; want nil response and an error", resp, err)
	}
	if b.Breaker().State() != StateOpen {
		t.Errorf("state = %v, want open after a panicking call", b.Breaker().State())
	}
}
