// Package mock provides a test double for the embeddings.Provider interface.
//
//	p := &mock.Provider{
//	    EmbedResult:     []float32{0.1, 0.2, 0.3},
//	    DimensionsValue: 3,
//	}
//	vec, _ := p.Embed(ctx, "hello world")
//
// For per-text vectors set EmbedFunc; it takes precedence over EmbedResult
// and is also used by EmbedBatch.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/tonerag/pkg/provider/embeddings"
)

// EmbedCall records a single invocation of Embed.
type EmbedCall struct {
	Ctx  context.Context
	Text string
}

// EmbedBatchCall records a single invocation of EmbedBatch.
type EmbedBatchCall struct {
	Ctx   context.Context
	Texts []string
}

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// EmbedFunc, if set, computes the vector for each text.
	EmbedFunc func(text string) ([]float32, error)

	// EmbedResult is returned by Embed when EmbedFunc is nil.
	EmbedResult []float32

	// EmbedErr, if non-nil, is returned as the error from Embed.
	EmbedErr error

	// EmbedBatchResult is returned by EmbedBatch when EmbedFunc is nil.
	EmbedBatchResult [][]float32

	// EmbedBatchErr, if non-nil, is returned as the error from EmbedBatch.
	EmbedBatchErr error

	DimensionsValue int
	ModelIDValue    string

	// EmbedCalls records every call to Embed in order.
	EmbedCalls []EmbedCall

	// EmbedBatchCalls records every call to EmbedBatch in order.
	EmbedBatchCalls []EmbedBatchCall
}

// Embed records the call and returns the configured vector.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.EmbedCalls = append(p.EmbedCalls, EmbedCall{Ctx: ctx, Text: text})
	fn, res, err := p.EmbedFunc, p.EmbedResult, p.EmbedErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(text)
	}
	return res, nil
}

// EmbedBatch records the call. With EmbedFunc set it maps every text through
// it; otherwise it returns EmbedBatchResult or a slice of nil vectors matching
// the input length.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	cp := make([]string, len(texts))
	copy(cp, texts)
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, EmbedBatchCall{Ctx: ctx, Texts: cp})
	fn, res, err := p.EmbedFunc, p.EmbedBatchResult, p.EmbedBatchErr
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if fn != nil {
		out := make([][]float32, len(texts))
		for i, text := range texts {
			v, err := fn(text)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}
	if res != nil {
		return res, nil
	}
	return make([][]float32, len(texts)), nil
}

// Dimensions returns DimensionsValue.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DimensionsValue
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelIDValue
}

// EmbedCallCount returns the number of Embed calls recorded so far.
func (p *Provider) EmbedCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.EmbedCalls)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = nil
	p.EmbedBatchCalls = nil
}

var _ embeddings.Provider = (*Provider)(nil)
