// Package retrieval finds the reference documents closest to a query.
//
// A [Retriever] searches the live vector index and maps the hits back to full
// documents through the document store. An empty index is not an error: the
// result is simply empty. Problems that leave the request answerable (a search
// failure, a store outage, ids the store no longer knows) degrade the result
// instead of failing it and ask the index manager for a rebuild.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/tonerag/internal/observe"
	"github.com/MrWong99/tonerag/pkg/docstore"
	"github.com/MrWong99/tonerag/pkg/types"
	"github.com/MrWong99/tonerag/pkg/vectorindex"
)

// Embedder produces query vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher is the read side of the vector index. *vectorindex.Handle
// implements it.
type Searcher interface {
	Search(query []float32, k int) ([]vectorindex.Result, error)
}

// RebuildRequester is notified when the index and the store disagree.
// Requests must not block.
type RebuildRequester interface {
	RequestRebuild(reason string)
}

// Result holds the retrieved documents.
type Result struct {
	// Hits are ordered by score descending, ties by ascending id.
	Hits []types.ScoredDocument

	// Degraded is set when retrieval could not complete normally and Hits may
	// be incomplete or empty.
	Degraded bool

	// Dropped lists index ids that had no document in the store.
	Dropped []string
}

// IDs returns the ids of the hits in rank order.
func (r Result) IDs() []string {
	ids := make([]string, len(r.Hits))
	for i, h := range r.Hits {
		ids[i] = h.Document.ID
	}
	return ids
}

// TopScore returns the best score, or false when there are no hits.
func (r Result) TopScore() (float32, bool) {
	if len(r.Hits) == 0 {
		return 0, false
	}
	return r.Hits[0].Score, true
}

// Retriever combines the vector index and the document store.
type Retriever struct {
	embedder Embedder
	index    Searcher
	store    docstore.Store
	rebuild  RebuildRequester
	metrics  *observe.Metrics
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithRebuildRequester sets who is told about index problems.
func WithRebuildRequester(r RebuildRequester) Option {
	return func(rt *Retriever) { rt.rebuild = r }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(rt *Retriever) { rt.metrics = m }
}

// New creates a Retriever. embedder may be nil when only RetrieveVector is
// used.
func New(embedder Embedder, index Searcher, store docstore.Store, opts ...Option) *Retriever {
	r := &Retriever{embedder: embedder, index: index, store: store}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Retrieve embeds text and returns its k nearest documents. Embedding errors
// are returned as is; everything after that degrades rather than fails.
func (r *Retriever) Retrieve(ctx context.Context, text string, k int) (Result, error) {
	if r.embedder == nil {
		return Result{}, fmt.Errorf("retrieval: no embedder configured")
	}
	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return Result{}, fmt.Errorf("retrieval: embed query: %w", err)
	}
	return r.RetrieveVector(ctx, vec, k)
}

// RetrieveVector returns the k nearest documents to vec. k <= 0 yields an
// empty result. The error is non-nil only when ctx is done.
func (r *Retriever) RetrieveVector(ctx context.Context, vec []float32, k int) (Result, error) {
	if k <= 0 {
		return Result{}, nil
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	ctx, span := observe.StartSpan(ctx, "retrieval.Search")
	defer span.End()
	log := observe.Logger(ctx)

	hits, err := r.index.Search(vec, k)
	if err != nil {
		r.degrade(ctx, "retrieval_degraded")
		log.Warn("vector search failed, continuing without references", "err", err)
		r.requestRebuild(fmt.Sprintf("search failed: %v", err))
		return Result{Degraded: true}, nil
	}
	if len(hits) == 0 {
		return Result{}, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	docs, err := r.store.GetMany(ctx, ids)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		r.degrade(ctx, "retrieval_degraded")
		log.Warn("document store unavailable, continuing without references", "err", err)
		return Result{Degraded: true}, nil
	}

	res := Result{Hits: make([]types.ScoredDocument, 0, len(hits))}
	for _, h := range hits {
		d, ok := docs[h.ID]
		if !ok {
			res.Dropped = append(res.Dropped, h.ID)
			continue
		}
		res.Hits = append(res.Hits, types.ScoredDocument{Document: d, Score: h.Score})
	}
	if len(res.Dropped) > 0 {
		res.Degraded = true
		r.degrade(ctx, "index_inconsistent")
		log.Warn("index references documents missing from the store",
			"missing", res.Dropped,
			"kept", len(res.Hits))
		r.requestRebuild(fmt.Sprintf("%d indexed documents missing from store", len(res.Dropped)))
	}
	return res, nil
}

func (r *Retriever) degrade(ctx context.Context, kind string) {
	r.metrics.RecordDegradation(ctx, kind)
}

func (r *Retriever) requestRebuild(reason string) {
	if r.rebuild == nil {
		slog.Debug("no rebuild requester configured", "reason", reason)
		return
	}
	r.rebuild.RequestRebuild(reason)
}
