// Package docstore defines storage for the reference documents that back the
// vector index.
//
// The store is the source of truth: the vector index only holds IDs and
// vectors and is rebuilt from the store when the two disagree. Implementations
// must be safe for concurrent use.
package docstore

import (
	"context"
	"errors"

	"github.com/MrWong99/tonerag/pkg/types"
)

// ErrNotFound is returned by Get when no document has the requested ID.
var ErrNotFound = errors.New("docstore: document not found")

// Store persists documents keyed by ID.
type Store interface {
	// Put inserts or fully replaces the given documents.
	Put(ctx context.Context, docs ...types.Document) error

	// Get returns a single document or ErrNotFound.
	Get(ctx context.Context, id string) (types.Document, error)

	// GetMany returns the documents that exist among ids, keyed by ID. Missing
	// IDs are simply absent from the result.
	GetMany(ctx context.Context, ids []string) (map[string]types.Document, error)

	// Delete removes the given documents and returns how many existed.
	Delete(ctx context.Context, ids ...string) (int, error)

	// Scan calls fn for every stored document in ascending ID order. Iteration
	// stops at the first error returned by fn, which Scan returns.
	Scan(ctx context.Context, fn func(types.Document) error) error

	// Count returns the number of stored documents.
	Count(ctx context.Context) (int, error)
}

// Searcher is implemented by stores that answer nearest-neighbour queries
// themselves. Results are ordered by cosine similarity, highest first, ties
// by ascending ID. Documents whose embedding length differs from the query
// are ignored.
type Searcher interface {
	Nearest(ctx context.Context, embedding []float32, k int) ([]types.ScoredDocument, error)
}
