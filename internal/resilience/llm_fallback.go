package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/tonerag/pkg/provider/llm"
	"github.com/MrWong99/tonerag/pkg/types"
)

// LLMFallback implements [llm.Provider] over several endpoints serving the
// same model. Each endpoint has its own circuit breaker; when the primary fails
// or its breaker is open, the next healthy endpoint is tried.
//
// All endpoints must report the same ModelID. Responses are keyed on the model
// version, so failing over to a different model would be visible to callers.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var (
	_ llm.Provider      = (*LLMFallback)(nil)
	_ llm.HealthChecker = (*LLMFallback)(nil)
)

// LLMRetryable reports whether err may be retried on another endpoint.
// Input rejections and caller cancellation are not retried.
func LLMRetryable(err error) bool {
	return defaultRetryable(err) && !errors.Is(err, llm.ErrTimeout)
}

// NewLLMFallback creates an [LLMFallback] with primary as the preferred
// endpoint. cfg.Retryable defaults to [LLMRetryable].
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	if cfg.Retryable == nil {
		cfg.Retryable = LLMRetryable
	}
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another endpoint. It fails when the endpoint serves a
// different model than the primary.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) error {
	if want, got := f.group.Primary().ModelID(), provider.ModelID(); got != want {
		return fmt.Errorf("resilience: endpoint %q serves model %q, want %q", name, got, want)
	}
	f.group.AddFallback(name, provider)
	return nil
}

// States reports the breaker state of every endpoint.
func (f *LLMFallback) States() map[string]State {
	return f.group.States()
}

// Health succeeds when at least one endpoint is reachable. Endpoints that
// cannot report health count as reachable.
func (f *LLMFallback) Health(ctx context.Context) error {
	var errs []error
	for name, p := range f.group.All() {
		hc, ok := p.(llm.HealthChecker)
		if !ok {
			return nil
		}
		err := hc.Health(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return fmt.Errorf("resilience: no reachable endpoint: %w", errors.Join(errs...))
}

// Complete sends the request to the first healthy endpoint.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// CountTokens uses the primary's tokenizer. All endpoints serve the same model.
func (f *LLMFallback) CountTokens(messages []types.Message) (int, error) {
	return f.group.Primary().CountTokens(messages)
}

// Capabilities returns the capabilities of the primary.
func (f *LLMFallback) Capabilities() types.ModelCapabilities {
	return f.group.Primary().Capabilities()
}

// ModelID returns the model shared by all endpoints.
func (f *LLMFallback) ModelID() string {
	return f.group.Primary().ModelID()
}
