// Package llm defines the Provider interface for the base generation model.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI, Anthropic,
// a vLLM server hosting LoRA adapters, or the bundled LoRA inference server)
// and exposes a uniform completion interface to the generator without coupling
// to any specific SDK.
//
// Fine-tuned tone adapters are selected per request through
// CompletionRequest.Adapter. How the adapter is applied is backend specific:
// OpenAI-compatible servers address an adapter by model name, while the LoRA
// server receives it as a request field.
//
// Implementors must be safe for concurrent use.
package llm

import (
	"context"

	"github.com/MrWong99/tonerag/pkg/types"
)

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message is the user prompt.
	Messages []types.Message

	// SystemPrompt is an optional instruction injected before Messages.
	SystemPrompt string

	// Adapter names the fine-tuned adapter to overlay on the base model. Empty
	// means the plain base model.
	Adapter string

	// Temperature controls output randomness in the range [0.0, 2.0]. Nil uses
	// the provider default; zero asks for greedy decoding.
	Temperature *float64

	// MaxTokens caps the number of completion tokens. Zero uses the provider default.
	MaxTokens int
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the model's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any generation backend.
//
// Complete must return promptly when ctx is cancelled. Errors should be
// classified with Classify (or wrap ErrTimeout / ErrModelUnavailable directly)
// so callers can distinguish a retryable timeout from a dead backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the number of tokens the given messages consume in
	// the model's context window. The result should not undercount.
	CountTokens(messages []types.Message) (int, error)

	// Capabilities returns static metadata about the underlying model.
	Capabilities() types.ModelCapabilities

	// ModelID returns the base model identifier. It participates in response
	// fingerprints, so it must be stable for the lifetime of the Provider.
	ModelID() string
}

// EstimateTokens is the shared rough token estimate used by providers without
// a native tokenizer: about four characters per token plus per-message overhead.
func EstimateTokens(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content)+3)/4 + 4
	}
	return total
}

// HealthChecker is implemented by providers that can check their backend
// without generating anything.
type HealthChecker interface {
	Health(ctx context.Context) error
}
