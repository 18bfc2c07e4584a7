// Package indexer keeps the live vector index in step with the document
// store.
//
// The store is the source of truth. A [Manager] rebuilds a complete index
// snapshot from it and swaps it in atomically, so searches never see a
// partially built index. Rebuilds requested while one is running are
// coalesced: at most one runs and at most one waits. A periodic reconcile
// compares the indexed ids with the store and rebuilds on drift; the last good
// snapshot keeps serving until a rebuild succeeds.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/tonerag/internal/observe"
	"github.com/MrWong99/tonerag/pkg/docstore"
	"github.com/MrWong99/tonerag/pkg/types"
	"github.com/MrWong99/tonerag/pkg/vectorindex"
)

// Stats describes one rebuild.
type Stats struct {
	Documents int
	Skipped   int
	Duration  time.Duration
}

// Status is a point-in-time view of the index.
type Status struct {
	Ready       bool      `json:"ready"`
	Documents   int       `json:"documents"`
	Dimension   int       `json:"dimension"`
	Metric      string    `json:"metric"`
	BuiltAt     time.Time `json:"built_at"`
	LastRebuild time.Time `json:"last_rebuild,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
	Pending     bool      `json:"rebuild_pending"`
}

// Manager owns rebuilds, reconciliation and snapshots of a vector index.
type Manager struct {
	handle         *vectorindex.Handle
	store          docstore.Store
	embeddingModel string
	snapshotPath   string
	interval       time.Duration
	metrics        *observe.Metrics

	pending   chan string
	rebuildMu sync.Mutex

	mu          sync.Mutex
	lastRebuild time.Time
	lastErr     error
	reported    int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithSnapshotPath sets where [Manager.SaveSnapshot] and
// [Manager.LoadSnapshot] keep the index artifact.
func WithSnapshotPath(path string) Option {
	return func(m *Manager) { m.snapshotPath = path }
}

// WithEmbeddingModel records the embedding model in saved artifacts and
// rejects artifacts built with a different one.
func WithEmbeddingModel(model string) Option {
	return func(m *Manager) { m.embeddingModel = model }
}

// WithReconcileInterval sets how often [Manager.Run] compares the index with
// the store. Zero disables periodic reconciliation.
func WithReconcileInterval(d time.Duration) Option {
	return func(m *Manager) { m.interval = d }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// New creates a Manager for handle backed by store.
func New(handle *vectorindex.Handle, store docstore.Store, opts ...Option) *Manager {
	m := &Manager{
		handle:  handle,
		store:   store,
		pending: make(chan string, 1),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Handle returns the managed index handle.
func (m *Manager) Handle() *vectorindex.Handle { return m.handle }

// Rebuild builds a fresh snapshot from every document in the store and swaps
// it in. Documents whose embedding does not fit the index are skipped and
// logged. On error the live snapshot is untouched.
func (m *Manager) Rebuild(ctx context.Context) (Stats, error) {
	m.rebuildMu.Lock()
	defer m.rebuildMu.Unlock()

	ctx, span := observe.StartSpan(ctx, "indexer.Rebuild")
	defer span.End()
	start := time.Now()

	dim := m.handle.Dimension()
	var (
		entries []vectorindex.Entry
		skipped int
	)
	err := m.store.Scan(ctx, func(d types.Document) error {
		if len(d.Embedding) != dim {
			skipped++
			slog.Warn("skipping document with mismatched embedding",
				"id", d.ID, "length", len(d.Embedding), "dimension", dim)
			return nil
		}
		entries = append(entries, vectorindex.Entry{ID: d.ID, Vector: d.Embedding})
		return nil
	})
	if err == nil {
		var next *vectorindex.Index
		next, err = vectorindex.Build(dim, m.handle.Metric(), entries)
		if err == nil {
			err = m.handle.Swap(next)
		}
	}

	stats := Stats{Documents: len(entries), Skipped: skipped, Duration: time.Since(start)}
	m.mu.Lock()
	m.lastRebuild = time.Now()
	m.lastErr = err
	m.mu.Unlock()

	if err != nil {
		m.metrics.RecordRebuild(ctx, "error")
		slog.Error("index rebuild failed, keeping previous snapshot", "err", err)
		return stats, fmt.Errorf("indexer: rebuild: %w", err)
	}
	m.metrics.RecordRebuild(ctx, "ok")
	m.syncGauge(ctx)
	slog.Info("index rebuilt",
		"documents", stats.Documents,
		"skipped", stats.Skipped,
		"duration", stats.Duration)
	return stats, nil
}

// RequestRebuild schedules an asynchronous rebuild and returns immediately.
// If a rebuild is already waiting the request is merged into it.
func (m *Manager) RequestRebuild(reason string) {
	select {
	case m.pending <- reason:
		slog.Info("index rebuild requested", "reason", reason)
	default:
		slog.Debug("index rebuild already pending", "reason", reason)
	}
}

// Reconcile rebuilds when the indexed ids differ from the store documents
// that fit the index. Documents a rebuild would skip are ignored, so they do
// not cause a rebuild on every tick. It reports whether a rebuild ran.
func (m *Manager) Reconcile(ctx context.Context) (bool, error) {
	ix := m.handle.Current()
	dim := ix.Dimension()
	var eligible, missing int
	err := m.store.Scan(ctx, func(d types.Document) error {
		if len(d.Embedding) != dim {
			return nil
		}
		eligible++
		if !ix.Contains(d.ID) {
			missing++
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("indexer: reconcile: scan store: %w", err)
	}
	// Every eligible id is indexed and the sizes match, so the sets are equal.
	if missing == 0 && eligible == ix.Len() {
		return false, nil
	}
	m.metrics.RecordDegradation(ctx, "index_inconsistent")
	slog.Warn("index out of step with store",
		"indexed", ix.Len(), "eligible", eligible, "missing", missing)
	_, err = m.Rebuild(ctx)
	return true, err
}

// Run serves rebuild requests and periodic reconciliation until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	var tick <-chan time.Time
	if m.interval > 0 {
		t := time.NewTicker(m.interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.pending:
			_, _ = m.Rebuild(ctx)
		case <-tick:
			if _, err := m.Reconcile(ctx); err != nil {
				slog.Warn("index reconcile failed", "err", err)
			}
		}
	}
}

// Insert adds entries to the live index without a full rebuild. Callers must
// have stored the documents first.
func (m *Manager) Insert(ctx context.Context, entries []vectorindex.Entry) error {
	if err := m.handle.InsertBatch(entries); err != nil {
		return fmt.Errorf("indexer: insert: %w", err)
	}
	m.syncGauge(ctx)
	return nil
}

// Remove drops ids from the live index and reports how many were present.
func (m *Manager) Remove(ctx context.Context, ids ...string) int {
	n := m.handle.Remove(ids...)
	if n > 0 {
		m.syncGauge(ctx)
	}
	return n
}

// LoadSnapshot replaces the live index with the saved artifact. It reports
// false without error when no snapshot path is set or no artifact exists yet.
func (m *Manager) LoadSnapshot(ctx context.Context) (bool, error) {
	if m.snapshotPath == "" {
		return false, nil
	}
	ix, manifest, err := vectorindex.LoadFile(m.snapshotPath, vectorindex.Expect{
		Dimension:      m.handle.Dimension(),
		Metric:         m.handle.Metric(),
		EmbeddingModel: m.embeddingModel,
	})
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("indexer: load snapshot: %w", err)
	}
	if err := m.handle.Swap(ix); err != nil {
		return false, fmt.Errorf("indexer: load snapshot: %w", err)
	}
	m.syncGauge(ctx)
	slog.Info("index snapshot loaded",
		"path", m.snapshotPath,
		"documents", manifest.DocumentCount,
		"built", manifest.BuildTimestamp)
	return true, nil
}

// SaveSnapshot writes the live index to the snapshot path. It is a no-op when
// no path is set.
func (m *Manager) SaveSnapshot() error {
	if m.snapshotPath == "" {
		return nil
	}
	ix := m.handle.Current()
	if err := vectorindex.SaveFile(m.snapshotPath, ix, m.embeddingModel); err != nil {
		return fmt.Errorf("indexer: save snapshot: %w", err)
	}
	slog.Info("index snapshot saved", "path", m.snapshotPath, "documents", ix.Len())
	return nil
}

// Status reports the current index state.
func (m *Manager) Status() Status {
	ix := m.handle.Current()
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{
		Ready:       ix.Len() > 0,
		Documents:   ix.Len(),
		Dimension:   ix.Dimension(),
		Metric:      ix.Metric().String(),
		BuiltAt:     ix.BuiltAt(),
		LastRebuild: m.lastRebuild,
		Pending:     len(m.pending) > 0,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// syncGauge moves the document gauge to the live index size.
func (m *Manager) syncGauge(ctx context.Context) {
	n := int64(m.handle.Current().Len())
	m.mu.Lock()
	delta := n - m.reported
	m.reported = n
	m.mu.Unlock()
	if delta != 0 {
		m.metrics.IndexDocuments.Add(ctx, delta)
	}
}
