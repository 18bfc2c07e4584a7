// Package anyllm provides a universal LLM provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and more.
//
// Tone adapters map to fine-tuned model ids. By default the adapter name is
// used as the model id directly; WithAdapterModels installs an explicit
// adapter → model table instead, and unknown adapters then fail with
// llm.ErrModelUnavailable.
//
//	p, err := anyllm.New("openai", "gpt-4o-mini", anyllm.WithBackendOptions(anyllmlib.WithAPIKey("sk-...")))
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/tonerag/pkg/provider/llm"
	"github.com/MrWong99/tonerag/pkg/types"
)

var _ llm.Provider = (*Provider)(nil)

// Provider implements llm.Provider by wrapping github.com/mozilla-ai/any-llm-go.
type Provider struct {
	backend  anyllmlib.Provider
	name     string
	model    string
	adapters map[string]string
	caps     types.ModelCapabilities
}

type config struct {
	backendOpts   []anyllmlib.Option
	adapters      map[string]string
	contextWindow int
}

// Option configures a Provider.
type Option func(*config)

// WithBackendOptions passes any-llm-go options (API key, base URL) to the backend.
func WithBackendOptions(opts ...anyllmlib.Option) Option {
	return func(c *config) { c.backendOpts = append(c.backendOpts, opts...) }
}

// WithAdapterModels sets an explicit adapter name → model id table.
func WithAdapterModels(m map[string]string) Option {
	return func(c *config) {
		c.adapters = make(map[string]string, len(m))
		for k, v := range m {
			c.adapters[k] = v
		}
	}
}

// WithContextWindow overrides the context window reported by Capabilities.
func WithContextWindow(tokens int) Option {
	return func(c *config) { c.contextWindow = tokens }
}

// New creates a new Provider backed by the given LLM provider name.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama", "deepseek",
// "mistral", "groq", "llamacpp", "llamafile". Without an API key option the
// backend falls back to its environment variable (e.g. OPENAI_API_KEY).
func New(providerName string, model string, opts ...Option) (*Provider, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	backend, err := createBackend(providerName, cfg.backendOpts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}

	caps := modelCapabilities(model)
	if cfg.contextWindow > 0 {
		caps.ContextWindow = cfg.contextWindow
	}
	return &Provider{
		backend:  backend,
		name:     strings.ToLower(providerName),
		model:    model,
		adapters: cfg.adapters,
		caps:     caps,
	}, nil
}

func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("anyllm: %w", err)
	}

	resp, err := p.backend.Completion(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s completion: %w", p.name, llm.Classify(err))
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: empty choices in response")
	}

	result := &llm.CompletionResponse{Content: resp.Choices[0].Message.ContentString()}
	if resp.Usage != nil {
		result.Usage = llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return result, nil
}

// CountTokens implements llm.Provider.
// TODO: replace with a real tokenizer (e.g., tiktoken-go) for accurate per-model counting.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return p.caps
}

// ModelID implements llm.Provider.
func (p *Provider) ModelID() string {
	return p.model
}

// resolveModel returns the model id to call for the given adapter.
func (p *Provider) resolveModel(adapter string) (string, error) {
	if adapter == "" {
		return p.model, nil
	}
	if p.adapters == nil {
		return adapter, nil
	}
	model, ok := p.adapters[adapter]
	if !ok {
		return "", fmt.Errorf("%w: adapter %q has no model mapping", llm.ErrModelUnavailable, adapter)
	}
	return model, nil
}

func (p *Provider) buildParams(req llm.CompletionRequest) (anyllmlib.CompletionParams, error) {
	model, err := p.resolveModel(req.Adapter)
	if err != nil {
		return anyllmlib.CompletionParams{}, err
	}

	var messages []anyllmlib.Message
	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, anyllmlib.Message{Role: m.Role, Content: m.Content})
	}
	if len(messages) == 0 {
		return anyllmlib.CompletionParams{}, fmt.Errorf("no messages")
	}

	params := anyllmlib.CompletionParams{Model: model, Messages: messages}
	if req.Temperature != nil {
		t := *req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	return params, nil
}

// modelCapabilities returns ModelCapabilities based on known model names.
// Unknown models receive conservative defaults.
func modelCapabilities(model string) types.ModelCapabilities {
	caps := types.ModelCapabilities{
		ContextWindow:    128_000,
		MaxOutputTokens:  4_096,
		SupportsAdapters: true,
	}

	lower := strings.ToLower(model)
	switch {
	// ── OpenAI ───────────────────────────────────────────────────────────────
	case strings.HasPrefix(lower, "gpt-4o"), strings.HasPrefix(lower, "gpt-4.1"):
		caps.MaxOutputTokens = 16_384
	case strings.HasPrefix(lower, "gpt-4-turbo"):
	case strings.HasPrefix(lower, "gpt-4"):
		caps.ContextWindow = 8_192
	case strings.HasPrefix(lower, "gpt-3.5-turbo"):
		caps.ContextWindow = 16_385

	// ── Anthropic ────────────────────────────────────────────────────────────
	case strings.HasPrefix(lower, "claude"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 8_192
		caps.SupportsAdapters = false

	// ── Gemini ───────────────────────────────────────────────────────────────
	case strings.Contains(lower, "gemini-1.5-pro"):
		caps.ContextWindow = 2_097_152
		caps.MaxOutputTokens = 8_192
	case strings.HasPrefix(lower, "gemini"):
		caps.ContextWindow = 1_048_576
		caps.MaxOutputTokens = 8_192

	// ── Local models ─────────────────────────────────────────────────────────
	case strings.Contains(lower, "llama"), strings.Contains(lower, "mistral"), strings.Contains(lower, "qwen"):
		caps.ContextWindow = 8_192
		caps.MaxOutputTokens = 2_048
	}
	return caps
}
