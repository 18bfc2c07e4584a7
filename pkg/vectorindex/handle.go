package vectorindex

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Handle owns the live Index of a fixed dimension and metric.
//
// Readers call Search or Current without locking. Writers (Insert, Remove,
// Swap) are serialized by a mutex and publish a complete new snapshot with an
// atomic store. The zero value is not usable; construct with NewHandle.
type Handle struct {
	dim    int
	metric Metric

	mu  sync.Mutex
	cur atomic.Pointer[Index]
}

// NewHandle returns a Handle holding an empty index.
func NewHandle(dim int, metric Metric) (*Handle, error) {
	empty, err := Empty(dim, metric)
	if err != nil {
		return nil, err
	}
	h := &Handle{dim: dim, metric: metric}
	h.cur.Store(empty)
	return h, nil
}

// Current returns the live snapshot.
func (h *Handle) Current() *Index {
	return h.cur.Load()
}

// Dimension returns the fixed vector dimension.
func (h *Handle) Dimension() int { return h.dim }

// Metric returns the fixed similarity metric.
func (h *Handle) Metric() Metric { return h.metric }

// Search queries the live snapshot. See Index.Search.
func (h *Handle) Search(query []float32, k int) ([]Result, error) {
	return h.cur.Load().Search(query, k)
}

// Insert adds or replaces a single vector.
func (h *Handle) Insert(id string, vec []float32) error {
	return h.InsertBatch([]Entry{{ID: id, Vector: vec}})
}

// InsertBatch adds or replaces several vectors in one snapshot. Either all
// entries become visible together or, on a validation error, none do.
func (h *Handle) InsertBatch(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	prepared := make(map[string][]float32, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			return fmt.Errorf("vectorindex: insert: empty id")
		}
		v, err := prepare(h.dim, h.metric, e.Vector)
		if err != nil {
			return fmt.Errorf("vectorindex: insert %q: %w", e.ID, err)
		}
		prepared[e.ID] = v
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.cur.Store(h.cur.Load().withEntries(prepared))
	return nil
}

// Remove deletes the given ids and reports how many were present.
func (h *Handle) Remove(ids ...string) int {
	if len(ids) == 0 {
		return 0
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	cur := h.cur.Load()
	next := cur.without(drop)
	h.cur.Store(next)
	return cur.Len() - next.Len()
}

// Swap atomically replaces the live snapshot with next after checking that
// its dimension and metric match the Handle. On error the live snapshot is
// left untouched.
func (h *Handle) Swap(next *Index) error {
	if next == nil {
		return fmt.Errorf("vectorindex: swap: nil index")
	}
	if next.dim != h.dim {
		return fmt.Errorf("vectorindex: swap: %w: got %d, want %d", ErrDimensionMismatch, next.dim, h.dim)
	}
	if next.metric != h.metric {
		return fmt.Errorf("vectorindex: swap: %w: got %s, want %s", ErrMetricMismatch, next.metric, h.metric)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cur.Store(next)
	return nil
}
