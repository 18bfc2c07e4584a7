// Package lora provides an LLM provider for a self-hosted LoRA inference
// server exposing POST /generate and GET /health.
//
// The server loads a base model (by default gemma-2-2b-it) and overlays the
// adapter named in each request. Chat messages are flattened into a single
// prompt, system content first.
//
//	p, err := lora.New("http://gpu-box:8000", lora.WithBaseModel("gemma-2-2b-it"))
//	resp, err := p.Complete(ctx, llm.CompletionRequest{Adapter: "formal", ...})
package lora

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/tonerag/pkg/provider/llm"
	"github.com/MrWong99/tonerag/pkg/types"
)

const (
	// DefaultBaseModel is reported by ModelID when no base model is configured.
	DefaultBaseModel = "gemma-2-2b-it"

	// DefaultTimeout bounds a single /generate call.
	DefaultTimeout = 30 * time.Second

	defaultMaxNewTokens = 256
	defaultTemperature  = 0.7
	defaultContext      = 8_192
)

var (
	_ llm.Provider      = (*Provider)(nil)
	_ llm.HealthChecker = (*Provider)(nil)
)

// Provider implements llm.Provider against the LoRA inference server.
type Provider struct {
	baseURL       string
	baseModel     string
	contextWindow int
	httpClient    *http.Client
}

type config struct {
	baseModel     string
	contextWindow int
	timeout       time.Duration
	client        *http.Client
}

// Option configures a Provider.
type Option func(*config)

// WithBaseModel sets the base model id the server was started with.
func WithBaseModel(model string) Option {
	return func(c *config) { c.baseModel = model }
}

// WithContextWindow sets the token window reported by Capabilities.
func WithContextWindow(tokens int) Option {
	return func(c *config) { c.contextWindow = tokens }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithHTTPClient replaces the HTTP client. The timeout option is ignored.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.client = hc }
}

// New constructs a Provider for the server at baseURL.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("lora: baseURL must not be empty")
	}
	cfg := &config{
		baseModel:     DefaultBaseModel,
		contextWindow: defaultContext,
		timeout:       DefaultTimeout,
	}
	for _, o := range opts {
		o(cfg)
	}
	hc := cfg.client
	if hc == nil {
		hc = &http.Client{Timeout: cfg.timeout}
	}
	return &Provider{
		baseURL:       strings.TrimRight(baseURL, "/"),
		baseModel:     cfg.baseModel,
		contextWindow: cfg.contextWindow,
		httpClient:    hc,
	}, nil
}

type generateRequest struct {
	Prompt       string  `json:"prompt"`
	Adapter      string  `json:"adapter,omitempty"`
	MaxNewTokens int     `json:"max_new_tokens"`
	Temperature  float64 `json:"temperature"`
	DoSample     bool    `json:"do_sample"`
}

type generateResponse struct {
	Result          string `json:"result"`
	PromptLength    int    `json:"prompt_length"`
	GeneratedLength int    `json:"generated_length"`
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	prompt := flatten(req)
	if prompt == "" {
		return nil, fmt.Errorf("lora: empty prompt")
	}

	body := generateRequest{
		Prompt:       prompt,
		Adapter:      req.Adapter,
		MaxNewTokens: req.MaxTokens,
		Temperature:  defaultTemperature,
	}
	if body.MaxNewTokens <= 0 {
		body.MaxNewTokens = defaultMaxNewTokens
	}
	if req.Temperature != nil {
		body.Temperature = *req.Temperature
	}
	// The server samples only when asked to; zero temperature means greedy.
	body.DoSample = body.Temperature > 0

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("lora: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("lora: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("lora: generate: %w", llm.Classify(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if sentinel := llm.ClassifyStatus(resp.StatusCode); sentinel != nil {
			err = fmt.Errorf("%w: %w", sentinel, err)
		}
		return nil, fmt.Errorf("lora: generate: %w", err)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("lora: decode response: %w", err)
	}
	return &llm.CompletionResponse{
		Content: out.Result,
		Usage: llm.Usage{
			PromptTokens:     out.PromptLength,
			CompletionTokens: out.GeneratedLength,
			TotalTokens:      out.PromptLength + out.GeneratedLength,
		},
	}, nil
}

// Health calls GET /health. A non-200 answer or transport failure is
// reported as llm.ErrModelUnavailable.
func (p *Provider) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("lora: health: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("lora: health: %w: %w", llm.ErrModelUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("lora: health: %w: status %d", llm.ErrModelUnavailable, resp.StatusCode)
	}
	return nil
}

// CountTokens implements llm.Provider.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return types.ModelCapabilities{
		ContextWindow:    p.contextWindow,
		MaxOutputTokens:  defaultMaxNewTokens * 4,
		SupportsAdapters: true,
	}
}

// ModelID implements llm.Provider.
func (p *Provider) ModelID() string {
	return p.baseModel
}

func flatten(req llm.CompletionRequest) string {
	var parts []string
	if s := strings.TrimSpace(req.SystemPrompt); s != "" {
		parts = append(parts, s)
	}
	for _, m := range req.Messages {
		if s := strings.TrimSpace(m.Content); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}
