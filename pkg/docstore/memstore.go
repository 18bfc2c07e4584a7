package docstore

import (
	"cmp"
	"context"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/tonerag/pkg/types"
)

var (
	_ Store    = (*MemStore)(nil)
	_ Searcher = (*MemStore)(nil)
)

// MemStore is an in-memory Store. Documents are deep-copied on the way in and
// out, so callers cannot mutate stored state.
type MemStore struct {
	mu   sync.RWMutex
	docs map[string]types.Document
	now  func() time.Time
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{docs: make(map[string]types.Document), now: time.Now}
}

// Put implements Store.
func (s *MemStore) Put(_ context.Context, docs ...types.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range docs {
		d = clone(d)
		if d.CreatedAt.IsZero() {
			d.CreatedAt = s.now().UTC()
		}
		s.docs[d.ID] = d
	}
	return nil
}

// Get implements Store.
func (s *MemStore) Get(_ context.Context, id string) (types.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	if !ok {
		return types.Document{}, ErrNotFound
	}
	return clone(d), nil
}

// GetMany implements Store.
func (s *MemStore) GetMany(_ context.Context, ids []string) (map[string]types.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]types.Document, len(ids))
	for _, id := range ids {
		if d, ok := s.docs[id]; ok {
			out[id] = clone(d)
		}
	}
	return out, nil
}

// Delete implements Store.
func (s *MemStore) Delete(_ context.Context, ids ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := s.docs[id]; ok {
			delete(s.docs, id)
			n++
		}
	}
	return n, nil
}

// Scan implements Store. It iterates over a snapshot taken under the read
// lock, so fn may call back into the store.
func (s *MemStore) Scan(ctx context.Context, fn func(types.Document) error) error {
	s.mu.RLock()
	snapshot := make([]types.Document, 0, len(s.docs))
	for _, id := range slices.Sorted(maps.Keys(s.docs)) {
		snapshot = append(snapshot, clone(s.docs[id]))
	}
	s.mu.RUnlock()

	for _, d := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}

// Count implements Store.
func (s *MemStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs), nil
}

func clone(d types.Document) types.Document {
	d.Embedding = slices.Clone(d.Embedding)
	d.Metadata = maps.Clone(d.Metadata)
	return d
}

// Nearest implements Searcher with an exact scan.
func (s *MemStore) Nearest(_ context.Context, embedding []float32, k int) ([]types.ScoredDocument, error) {
	out := []types.ScoredDocument{}
	if k <= 0 {
		return out, nil
	}
	s.mu.RLock()
	for _, d := range s.docs {
		if len(d.Embedding) != len(embedding) {
			continue
		}
		out = append(out, types.ScoredDocument{Document: clone(d), Score: cosine(embedding, d.Embedding)})
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b types.ScoredDocument) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Document.ID, b.Document.ID)
	})
	return out[:min(k, len(out))], nil
}

// cosine returns 0 when either vector has no direction.
func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / math.Sqrt(na*nb))
}
