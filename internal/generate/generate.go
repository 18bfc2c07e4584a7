// Package generate turns a query, a resolved tone profile and retrieved
// reference documents into rewritten text using the base model with the
// tone's adapter overlaid.
//
// A [Generator] renders the prompt deterministically, trims reference
// documents until the prompt fits the model's context window, bounds the
// number of concurrent model calls and applies the timeout policy: a timed
// out attempt is retried once with half of the documents, a second timeout
// or an unavailable model fails with [ErrGenerationFailed].
//
// The generator does not cache; that is the job of the caller.
package generate

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/tonerag/internal/observe"
	"github.com/MrWong99/tonerag/internal/resilience"
	"github.com/MrWong99/tonerag/internal/tone"
	"github.com/MrWong99/tonerag/pkg/provider/llm"
	"github.com/MrWong99/tonerag/pkg/types"
)

// ErrGenerationFailed is returned when no output could be produced. The
// underlying cause (for example [llm.ErrTimeout] or [llm.ErrModelUnavailable])
// stays reachable through errors.Is.
var ErrGenerationFailed = errors.New("generate: generation failed")

const (
	// DefaultMaxConcurrent is the number of model calls allowed in flight when
	// no limit is configured.
	DefaultMaxConcurrent = 4

	// DefaultTimeout bounds a single attempt.
	DefaultTimeout = 30 * time.Second
)

// Output is the result of a successful generation.
type Output struct {
	Text string

	// DocumentsUsed is the number of reference documents in the prompt that
	// produced Text.
	DocumentsUsed int

	// Attempts is 2 when the reduced-context retry ran.
	Attempts int

	Usage llm.Usage
}

// Generator calls the base model for a tone profile.
type Generator struct {
	model   llm.Provider
	sem     *semaphore.Weighted
	breaker *resilience.CircuitBreaker
	timeout time.Duration
	metrics *observe.Metrics
	name    string
}

type config struct {
	maxConcurrent int64
	timeout       time.Duration
	metrics       *observe.Metrics
	breaker       *resilience.CircuitBreaker
	name          string
}

// Option configures a Generator.
type Option func(*config)

// WithMaxConcurrent caps the number of model calls in flight.
func WithMaxConcurrent(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxConcurrent = int64(n)
		}
	}
}

// WithTimeout sets the per-attempt deadline. Zero or negative disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithCircuitBreaker replaces the default breaker guarding the model.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *config) { c.breaker = cb }
}

// WithProviderName sets the provider label used in metrics.
func WithProviderName(name string) Option {
	return func(c *config) { c.name = name }
}

// New creates a Generator for model.
func New(model llm.Provider, opts ...Option) *Generator {
	cfg := config{
		maxConcurrent: DefaultMaxConcurrent,
		timeout:       DefaultTimeout,
		name:          "llm",
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = observe.DefaultMetrics()
	}
	if cfg.breaker == nil {
		cfg.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:      "generator:" + model.ModelID(),
			IsFailure: countsAgainstModel,
		})
	}
	return &Generator{
		model:   model,
		sem:     semaphore.NewWeighted(cfg.maxConcurrent),
		breaker: cfg.breaker,
		timeout: cfg.timeout,
		metrics: cfg.metrics,
		name:    cfg.name,
	}
}

// ModelID returns the base model identifier.
func (g *Generator) ModelID() string { return g.model.ModelID() }

// BreakerState reports the state of the breaker guarding the model.
func (g *Generator) BreakerState() resilience.State { return g.breaker.State() }

// countsAgainstModel trips the breaker only on failures that say something
// about the backend's health.
func countsAgainstModel(err error) bool {
	return errors.Is(err, llm.ErrModelUnavailable) || errors.Is(err, llm.ErrTimeout)
}

// Generate rewrites query in the tone of p using docs as reference examples.
// docs are ordered by score descending, ties by ascending id, before the
// prompt is built, so callers may pass them in any order.
func (g *Generator) Generate(ctx context.Context, query string, p tone.Profile, docs []types.ScoredDocument) (*Output, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("generate: wait for slot: %w", err)
	}
	defer g.sem.Release(1)

	g.metrics.GenerationsInFlight.Add(ctx, 1)
	defer g.metrics.GenerationsInFlight.Add(context.WithoutCancel(ctx), -1)

	ctx, span := observe.StartSpan(ctx, "generate.Generate")
	defer span.End()
	log := observe.Logger(ctx).With("tone", p.ToneID, "adapter", p.Adapter.String())

	ordered := Order(docs)
	prompt, used, err := g.fit(query, p, ordered)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}

	resp, err := g.attempt(ctx, p, prompt)
	attempts := 1
	if errors.Is(err, llm.ErrTimeout) && ctx.Err() == nil {
		g.metrics.RecordDegradation(ctx, "generation_timeout")
		reduced := used / 2
		log.Warn("generation timed out, retrying with reduced context",
			"documents", used,
			"reduced_to", reduced,
			"timeout", g.timeout)
		prompt, err = BuildPrompt(query, p, ordered[:reduced])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
		}
		used = reduced
		attempts++
		resp, err = g.attempt(ctx, p, prompt)
	}
	if err != nil {
		log.Error("generation failed", "attempts", attempts, "err", err)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, fmt.Errorf("%w: %w: %w", ErrGenerationFailed, llm.ErrModelUnavailable, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}

	log.Debug("generation complete",
		"documents", used,
		"attempts", attempts,
		"completion_tokens", resp.Usage.CompletionTokens)
	return &Output{
		Text:          resp.Content,
		DocumentsUsed: used,
		Attempts:      attempts,
		Usage:         resp.Usage,
	}, nil
}

// attempt performs one model call under the per-attempt deadline.
func (g *Generator) attempt(ctx context.Context, p tone.Profile, prompt string) (*llm.CompletionResponse, error) {
	req := llm.CompletionRequest{
		SystemPrompt: p.SystemPrompt,
		Messages:     []types.Message{{Role: "user", Content: prompt}},
		Adapter:      p.Adapter.Name,
		Temperature:  p.Temperature,
		MaxTokens:    p.MaxTokens,
	}

	resp, err := resilience.Do(g.breaker, func() (*llm.CompletionResponse, error) {
		actx := ctx
		if g.timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		resp, err := g.model.Complete(actx, req)
		switch {
		case err == nil && resp == nil:
			return nil, errors.New("generate: model returned no response")
		case err == nil:
			return resp, nil
		case ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) && !errors.Is(err, llm.ErrTimeout):
			return nil, fmt.Errorf("%w: %w", llm.ErrTimeout, err)
		default:
			return nil, llm.Classify(err)
		}
	})

	status := "ok"
	if err != nil {
		status = "error"
	}
	g.metrics.RecordProviderRequest(ctx, g.name, "llm", status)
	return resp, err
}

// fit renders the prompt with as many leading documents as the model's
// context window allows. It returns the prompt and the number of documents
// it contains.
func (g *Generator) fit(query string, p tone.Profile, docs []types.ScoredDocument) (string, int, error) {
	caps := g.model.Capabilities()
	limit := caps.ContextWindow
	if limit > 0 {
		reserve := p.MaxTokens
		if reserve <= 0 {
			reserve = caps.MaxOutputTokens
		}
		limit -= reserve
	}

	n := len(docs)
	for {
		prompt, err := BuildPrompt(query, p, docs[:n])
		if err != nil {
			return "", 0, err
		}
		if limit <= 0 {
			return prompt, n, nil
		}
		msgs := []types.Message{{Role: "system", Content: p.SystemPrompt}, {Role: "user", Content: prompt}}
		tokens, err := g.model.CountTokens(msgs)
		if err != nil {
			tokens = llm.EstimateTokens(msgs)
		}
		if tokens <= limit || n == 0 {
			if tokens > limit {
				slog.Warn("prompt exceeds context window without reference documents",
					"tone", p.ToneID, "tokens", tokens, "limit", limit)
			}
			return prompt, n, nil
		}
		n--
	}
}

// Order returns a copy of docs sorted by score descending, ties broken by
// ascending document id.
func Order(docs []types.ScoredDocument) []types.ScoredDocument {
	out := slices.Clone(docs)
	slices.SortStableFunc(out, func(a, b types.ScoredDocument) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Document.ID, b.Document.ID)
	})
	return out
}
