// Package ingest turns reference files into indexed documents.
//
// Files are split into overlapping chunks, embedded in batches and written to
// the document store before they are added to the live vector index, so the
// index never references a document the store does not have. Chunk ids have
// the form "<source>#<n>"; re-ingesting a source replaces its chunks and
// removes the ones it no longer produces.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/tonerag/pkg/docstore"
	"github.com/MrWong99/tonerag/pkg/types"
	"github.com/MrWong99/tonerag/pkg/vectorindex"
)

const (
	// DefaultBatchSize is the number of chunks embedded per call.
	DefaultBatchSize = 64

	// DefaultConcurrency is the number of batches in flight.
	DefaultConcurrency = 4
)

// BatchEmbedder embeds many texts in one call. *embedsvc.Service implements
// it.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Index receives the vectors of stored documents. *indexer.Manager
// implements it.
type Index interface {
	Insert(ctx context.Context, entries []vectorindex.Entry) error
	Remove(ctx context.Context, ids ...string) int
}

// Stats describes one ingestion run.
type Stats struct {
	Sources  int
	Chunks   int
	Batches  int
	Removed  int
	Duration time.Duration
}

// Ingester loads, chunks, embeds and stores reference documents.
type Ingester struct {
	embedder    BatchEmbedder
	store       docstore.Store
	index       Index
	splitter    Splitter
	batchSize   int
	concurrency int
	exts        []string
	now         func() time.Time
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithSplitter replaces the default chunking.
func WithSplitter(s Splitter) Option {
	return func(in *Ingester) { in.splitter = s }
}

// WithBatchSize sets the number of chunks per embedding call.
func WithBatchSize(n int) Option {
	return func(in *Ingester) {
		if n > 0 {
			in.batchSize = n
		}
	}
}

// WithConcurrency sets the number of batches embedded in parallel.
func WithConcurrency(n int) Option {
	return func(in *Ingester) {
		if n > 0 {
			in.concurrency = n
		}
	}
}

// WithExtensions sets the file extensions IngestDir reads.
func WithExtensions(exts ...string) Option {
	return func(in *Ingester) { in.exts = exts }
}

// New creates an Ingester.
func New(embedder BatchEmbedder, store docstore.Store, index Index, opts ...Option) *Ingester {
	in := &Ingester{
		embedder:    embedder,
		store:       store,
		index:       index,
		splitter:    NewSplitter(DefaultChunkSize, DefaultChunkOverlap),
		batchSize:   DefaultBatchSize,
		concurrency: DefaultConcurrency,
		exts:        DefaultExtensions,
		now:         time.Now,
	}
	for _, o := range opts {
		o(in)
	}
	return in
}

// IngestDir ingests every matching file under dir.
func (in *Ingester) IngestDir(ctx context.Context, dir string) (Stats, error) {
	sources, err := LoadDir(ctx, dir, in.exts)
	if err != nil {
		return Stats{}, err
	}
	if len(sources) == 0 {
		slog.Warn("no documents found to ingest", "dir", dir, "extensions", in.exts)
	}
	return in.Ingest(ctx, sources...)
}

// Chunks splits src into documents without embeddings.
func (in *Ingester) Chunks(src Source) []types.Document {
	parts := in.splitter.Split(src.Text)
	docs := make([]types.Document, len(parts))
	for i, p := range parts {
		docs[i] = types.Document{
			ID:   src.Name + "#" + strconv.Itoa(i),
			Text: p,
			Metadata: map[string]string{
				"source": src.Name,
				"chunk":  strconv.Itoa(i),
			},
		}
	}
	return docs
}

// Ingest chunks, embeds and stores sources. Batches run concurrently; the
// first failing batch cancels the rest and its error is returned. Chunks
// stored before the failure stay stored and indexed.
func (in *Ingester) Ingest(ctx context.Context, sources ...Source) (Stats, error) {
	start := time.Now()
	stats := Stats{Sources: len(sources)}

	var docs []types.Document
	names := make(map[string]bool, len(sources))
	for _, src := range sources {
		names[src.Name] = true
		docs = append(docs, in.Chunks(src)...)
	}
	removed, err := in.prune(ctx, names, docs)
	if err != nil {
		return stats, err
	}
	stats.Removed = removed

	var chunks, batches atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.concurrency)
	for lo := 0; lo < len(docs); lo += in.batchSize {
		batch := docs[lo:min(lo+in.batchSize, len(docs))]
		g.Go(func() error {
			if err := in.ingestBatch(gctx, batch); err != nil {
				return err
			}
			chunks.Add(int64(len(batch)))
			batches.Add(1)
			return nil
		})
	}
	err = g.Wait()

	stats.Chunks = int(chunks.Load())
	stats.Batches = int(batches.Load())
	stats.Duration = time.Since(start)
	if err != nil {
		return stats, err
	}
	slog.Info("documents ingested",
		"sources", stats.Sources,
		"chunks", stats.Chunks,
		"removed", stats.Removed,
		"duration", stats.Duration)
	return stats, nil
}

func (in *Ingester) ingestBatch(ctx context.Context, batch []types.Document) error {
	texts := make([]string, len(batch))
	for i, d := range batch {
		texts[i] = d.Text
	}
	vecs, err := in.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("ingest: embed %s: %w", batch[0].ID, err)
	}
	if len(vecs) != len(batch) {
		return fmt.Errorf("ingest: embed %s: got %d vectors for %d chunks", batch[0].ID, len(vecs), len(batch))
	}

	now := in.now()
	entries := make([]vectorindex.Entry, len(batch))
	for i := range batch {
		batch[i].Embedding = vecs[i]
		batch[i].CreatedAt = now
		entries[i] = vectorindex.Entry{ID: batch[i].ID, Vector: vecs[i]}
	}
	if err := in.store.Put(ctx, batch...); err != nil {
		return fmt.Errorf("ingest: store %s: %w", batch[0].ID, err)
	}
	if err := in.index.Insert(ctx, entries); err != nil {
		return fmt.Errorf("ingest: index %s: %w", batch[0].ID, err)
	}
	return nil
}

// prune deletes stored chunks of the named sources that keep does not
// contain.
func (in *Ingester) prune(ctx context.Context, sources map[string]bool, keep []types.Document) (int, error) {
	if len(sources) == 0 {
		return 0, nil
	}
	ids := make(map[string]bool, len(keep))
	for _, d := range keep {
		ids[d.ID] = true
	}
	var stale []string
	err := in.store.Scan(ctx, func(d types.Document) error {
		if sources[d.Source()] && !ids[d.ID] {
			stale = append(stale, d.ID)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ingest: scan store: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if _, err := in.store.Delete(ctx, stale...); err != nil {
		return 0, fmt.Errorf("ingest: delete stale chunks: %w", err)
	}
	in.index.Remove(ctx, stale...)
	slog.Debug("removed stale chunks", "count", len(stale))
	return len(stale), nil
}
