// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the generator sends correct
// CompletionRequests and to feed controlled responses without a live backend.
// Set fields before calling any method.
//
//	p := &mock.Provider{
//	    CompleteResponse: &llm.CompletionResponse{Content: "Dear colleague,"},
//	}
//	resp, err := p.Complete(ctx, req)
//
// CompleteFunc, when set, replaces the canned response entirely. It is the
// hook for blocking, slow or per-attempt behaviour.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/tonerag/pkg/provider/llm"
	"github.com/MrWong99/tonerag/pkg/types"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// CompleteFunc, if set, is called by Complete instead of returning the
	// canned fields. The call is recorded before CompleteFunc runs.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// CompleteResponse is returned by Complete. May be nil (returns nil, nil).
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// TokenCount is returned by CountTokens. Zero falls back to llm.EstimateTokens.
	TokenCount int

	// CountTokensErr, if non-nil, is returned as the error from CountTokens.
	CountTokensErr error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities types.ModelCapabilities

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// HealthErr is returned by Health. Change it with SetHealthErr once the
	// provider is in use.
	HealthErr error

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall
}

// Complete records the call and returns the configured response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	fn, resp, err := p.CompleteFunc, p.CompleteResponse, p.CompleteErr
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return resp, err
}

// CountTokens returns TokenCount, CountTokensErr.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CountTokensErr != nil {
		return 0, p.CountTokensErr
	}
	if p.TokenCount > 0 {
		return p.TokenCount, nil
	}
	return llm.EstimateTokens(messages), nil
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelIDValue
}

// Health returns HealthErr.
func (p *Provider) Health(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.HealthErr
}

// SetHealthErr replaces HealthErr.
func (p *Provider) SetHealthErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.HealthErr = err
}

// Calls returns a copy of the recorded Complete calls.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CompleteCall, len(p.CompleteCalls))
	copy(out, p.CompleteCalls)
	return out
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
}

var (
	_ llm.Provider      = (*Provider)(nil)
	_ llm.HealthChecker = (*Provider)(nil)
)
