package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/MrWong99/tonerag/pkg/provider/llm"
	llmmock "github.com/MrWong99/tonerag/pkg/provider/llm/mock"
	"github.com/MrWong99/tonerag/pkg/types"
)

func newEndpoint(content string, err error) *llmmock.Provider {
	p := &llmmock.Provider{ModelIDValue: "gemma-2-2b-it", CompleteErr: err}
	if content != "" {
		p.CompleteResponse = &llm.CompletionResponse{Content: content}
	}
	return p
}

func TestLLMFallback_Complete_PrimarySuccess(t *testing.T) {
	primary := newEndpoint("hello from primary", nil)
	secondary := newEndpoint("hello from secondary", nil)

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	if err := fb.AddFallback("secondary", secondary); err != nil {
		t.Fatalf("AddFallback: %v", err)
	}

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello from primary" {
		t.Fatalf("content = %q, want 'hello from primary'", resp.Content)
	}
	if n := len(primary.Calls()); n != 1 {
		t.Fatalf("primary called %d times, want 1", n)
	}
	if n := len(secondary.Calls()); n != 0 {
		t.Fatalf("secondary called %d times, want 0", n)
	}
}

func TestLLMFallback_Complete_FailoverOnUnavailable(t *testing.T) {
	primary := newEndpoint("", fmt.Errorf("lora: %w", llm.ErrModelUnavailable))
	secondary := newEndpoint("hello from secondary", nil)

	fb := NewLLMFallback(primary, "primary", FallbackConfig{})
	_ = fb.AddFallback("secondary", secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello from secondary" {
		t.Fatalf("content = %q, want 'hello from secondary'", resp.Content)
	}
}

func TestLLMFallback_Complete_TimeoutNotRetried(t *testing.T) {
	primary := newEndpoint("", fmt.Errorf("lora: %w", llm.ErrTimeout))
	secondary := newEndpoint("hello from secondary", nil)

	fb := NewLLMFallback(primary, "primary", FallbackConfig{})
	_ = fb.AddFallback("secondary", secondary)

	_, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, llm.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if n := len(secondary.Calls()); n != 0 {
		t.Fatalf("secondary called %d times after timeout, want 0", n)
	}
}

func TestLLMFallback_Complete_AllFail(t *testing.T) {
	fb := NewLLMFallback(newEndpoint("", llm.ErrModelUnavailable), "primary", FallbackConfig{})
	_ = fb.AddFallback("secondary", newEndpoint("", llm.ErrModelUnavailable))

	_, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, llm.ErrModelUnavailable) {
		t.Fatalf("err = %v, want ErrModelUnavailable preserved", err)
	}
}

func TestLLMFallback_RejectsDifferentModel(t *testing.T) {
	fb := NewLLMFallback(newEndpoint("x", nil), "primary", FallbackConfig{})
	other := &llmmock.Provider{ModelIDValue: "llama3"}
	if err := fb.AddFallback("other", other); err == nil {
		t.Fatal("expected error for endpoint serving a different model")
	}
	if len(fb.States()) != 1 {
		t.Errorf("rejected endpoint must not be added")
	}
}

func TestLLMFallback_DelegatesMetadata(t *testing.T) {
	primary := newEndpoint("x", nil)
	primary.ModelCapabilities = types.ModelCapabilities{ContextWindow: 8192}
	primary.TokenCount = 42

	fb := NewLLMFallback(primary, "primary", FallbackConfig{})
	if fb.ModelID() != "gemma-2-2b-it" {
		t.Errorf("ModelID = %q", fb.ModelID())
	}
	if fb.Capabilities().ContextWindow != 8192 {
		t.Errorf("ContextWindow = %d, want 8192", fb.Capabilities().ContextWindow)
	}
	if n, _ := fb.CountTokens(nil); n != 42 {
		t.Errorf("CountTokens = %d, want 42", n)
	}
}

func TestLLMFallback_Health(t *testing.T) {
	primary := newEndpoint("a", nil)
	secondary := newEndpoint("b", nil)
	fb := NewLLMFallback(primary, "primary", FallbackConfig{})
	_ = fb.AddFallback("secondary", secondary)
	ctx := context.Background()

	primary.SetHealthErr(llm.ErrModelUnavailable)
	if err := fb.Health(ctx); err != nil {
		t.Errorf("Health with one reachable endpoint: %v", err)
	}

	secondary.SetHealthErr(llm.ErrModelUnavailable)
	err := fb.Health(ctx)
	if !errors.Is(err, llm.ErrModelUnavailable) {
		t.Fatalf("Health with no reachable endpoint = %v, want ErrModelUnavailable", err)
	}
}

func TestFallbackGroup_AllKeepsOrder(t *testing.T) {
	fg := NewFallbackGroup("p", "primary", FallbackConfig{})
	fg.AddFallback("second", "s")
	fg.AddFallback("third", "t")

	var names []string
	for name := range fg.All() {
		names = append(names, name)
	}
	if fmt.Sprint(names) != "[primary second third]" {
		t.Errorf("names = %v", names)
	}
}
