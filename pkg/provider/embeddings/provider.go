// Package embeddings defines the Provider interface for vector embedding backends.
//
// An embeddings provider wraps a service that maps text strings to dense float32
// vectors (e.g., OpenAI text-embedding-3 or a local model served by Ollama).
// The pipeline embeds both reference documents at ingestion time and user
// queries at request time; both must come from the same Provider so the vectors
// live in the same space.
//
// Implementations must be safe for concurrent use.
package embeddings

import (
	"context"
	"errors"
)

// ErrInvalidInput is returned (wrapped) when the backend rejects the input text
// itself, as opposed to failing for transport or availability reasons. Callers
// treat it as a client error and do not retry.
var ErrInvalidInput = errors.New("embeddings: input rejected")

// Provider is the abstraction over any text-embedding backend.
//
// All embedding vectors returned by a single Provider instance must share the same
// dimensionality (returned by Dimensions).
type Provider interface {
	// Embed computes the embedding vector for a single text string. Returns a
	// float32 slice of length Dimensions() or an error if the request fails or ctx
	// is cancelled.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embedding vectors for a slice of text strings in a single
	// provider call. The returned slice has the same length as texts and the i-th
	// element corresponds to texts[i]. On error the entire slice is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every embedding vector produced by this
	// provider.
	Dimensions() int

	// ModelID returns the provider-specific model identifier used for embeddings
	// (e.g., "text-embedding-3-small").
	ModelID() string
}
