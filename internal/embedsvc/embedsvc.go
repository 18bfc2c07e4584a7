// Package embedsvc wraps an [embeddings.Provider] with the guarantees the
// pipeline relies on: bounded concurrency, vector validation and a stable
// error vocabulary.
//
// A [Service] is itself an [embeddings.Provider] and can be handed to any
// component that expects one. Queries and documents must pass through the same
// Service so their vectors share a space.
package embedsvc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/tonerag/internal/observe"
	"github.com/MrWong99/tonerag/pkg/provider/embeddings"
)

var (
	// ErrInputRejected is returned when the text is empty or the backend
	// rejects it. It wraps [embeddings.ErrInvalidInput].
	ErrInputRejected = fmt.Errorf("embedsvc: %w", embeddings.ErrInvalidInput)

	// ErrBadVector is returned when the backend answers with a vector of the
	// wrong length or with non-finite components.
	ErrBadVector = errors.New("embedsvc: malformed embedding")
)

// DefaultMaxConcurrent is the number of embedding calls allowed in flight
// when no limit is configured.
const DefaultMaxConcurrent = 8

// Service bounds and validates calls to an embeddings provider.
type Service struct {
	provider embeddings.Provider
	sem      *semaphore.Weighted
	metrics  *observe.Metrics
	name     string
}

var _ embeddings.Provider = (*Service)(nil)

type config struct {
	maxConcurrent int64
	metrics       *observe.Metrics
	name          string
}

// Option configures a Service.
type Option func(*config)

// WithMaxConcurrent caps the number of provider calls in flight.
func WithMaxConcurrent(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxConcurrent = int64(n)
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithProviderName sets the provider label used in metrics and logs.
func WithProviderName(name string) Option {
	return func(c *config) { c.name = name }
}

// New wraps p.
func New(p embeddings.Provider, opts ...Option) *Service {
	cfg := config{maxConcurrent: DefaultMaxConcurrent, name: "embeddings"}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = observe.DefaultMetrics()
	}
	return &Service{
		provider: p,
		sem:      semaphore.NewWeighted(cfg.maxConcurrent),
		metrics:  cfg.metrics,
		name:     cfg.name,
	}
}

// Embed returns the vector for text. It blocks while the concurrency limit is
// reached and gives up when ctx is done.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty text", ErrInputRejected)
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("embedsvc: wait for slot: %w", err)
	}
	defer s.sem.Release(1)

	ctx, span := observe.StartSpan(ctx, "embedsvc.Embed")
	defer span.End()

	start := time.Now()
	vec, err := s.provider.Embed(ctx, text)
	s.record(ctx, err)
	if err != nil {
		return nil, s.wrap(err)
	}
	if err := s.check(vec); err != nil {
		return nil, err
	}
	observe.Logger(ctx).Debug("query embedded",
		"model", s.provider.ModelID(),
		"duration", time.Since(start))
	return vec, nil
}

// EmbedBatch returns one vector per text. A batch occupies a single
// concurrency slot.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, fmt.Errorf("%w: empty text at position %d", ErrInputRejected, i)
		}
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("embedsvc: wait for slot: %w", err)
	}
	defer s.sem.Release(1)

	ctx, span := observe.StartSpan(ctx, "embedsvc.EmbedBatch")
	defer span.End()

	vecs, err := s.provider.EmbedBatch(ctx, texts)
	s.record(ctx, err)
	if err != nil {
		return nil, s.wrap(err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrBadVector, len(vecs), len(texts))
	}
	for i, v := range vecs {
		if err := s.check(v); err != nil {
			return nil, fmt.Errorf("position %d: %w", i, err)
		}
	}
	return vecs, nil
}

// Dimensions returns the provider's vector length.
func (s *Service) Dimensions() int { return s.provider.Dimensions() }

// ModelID returns the provider's model identifier.
func (s *Service) ModelID() string { return s.provider.ModelID() }

func (s *Service) check(vec []float32) error {
	if dim := s.provider.Dimensions(); dim > 0 && len(vec) != dim {
		return fmt.Errorf("%w: length %d, want %d", ErrBadVector, len(vec), dim)
	}
	if len(vec) == 0 {
		return fmt.Errorf("%w: empty vector", ErrBadVector)
	}
	for _, x := range vec {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite component", ErrBadVector)
		}
	}
	return nil
}

func (s *Service) wrap(err error) error {
	if errors.Is(err, embeddings.ErrInvalidInput) {
		return fmt.Errorf("%w: %w", ErrInputRejected, err)
	}
	return fmt.Errorf("embedsvc: %s: %w", s.name, err)
}

func (s *Service) record(ctx context.Context, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordProviderRequest(ctx, s.name, "embeddings", status)
}
