package retrieval

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/MrWong99/tonerag/pkg/docstore"
	"github.com/MrWong99/tonerag/pkg/provider/embeddings/mock"
	"github.com/MrWong99/tonerag/pkg/types"
	"github.com/MrWong99/tonerag/pkg/vectorindex"
)

type rebuildRecorder struct {
	mu      sync.Mutex
	reasons []string
}

func (r *rebuildRecorder) RequestRebuild(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func (r *rebuildRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reasons)
}

type failingSearcher struct{}

func (failingSearcher) Search([]float32, int) ([]vectorindex.Result, error) {
	return nil, vectorindex.ErrDimensionMismatch
}

// unit returns a 2-d unit vector whose cosine with (1, 0) is sim.
func unit(sim float64) []float32 {
	return []float32{float32(sim), float32(math.Sqrt(1 - sim*sim))}
}

// fixture indexes three documents with similarities 0.91, 0.77 and 0.40 to
// the query vector (1, 0).
func fixture(t *testing.T) (*vectorindex.Handle, *docstore.MemStore) {
	t.Helper()
	ctx := context.Background()
	h, err := vectorindex.NewHandle(2, vectorindex.Cosine)
	if err != nil {
		t.Fatal(err)
	}
	store := docstore.NewMemStore()
	for id, sim := range map[string]float64{"d1": 0.91, "d2": 0.77, "d3": 0.40} {
		doc := types.Document{ID: id, Text: "text " + id, Embedding: unit(sim)}
		if err := store.Put(ctx, doc); err != nil {
			t.Fatal(err)
		}
		if err := h.Insert(id, doc.Embedding); err != nil {
			t.Fatal(err)
		}
	}
	return h, store
}

func TestRetrieve_TopK(t *testing.T) {
	h, store := fixture(t)
	emb := &mock.Provider{EmbedResult: []float32{1, 0}, DimensionsValue: 2}
	r := New(emb, h, store)

	res, err := r.Retrieve(context.Background(), "please make this more formal", 2)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	ids := res.IDs()
	if len(ids) != 2 || ids[0] != "d1" || ids[1] != "d2" {
		t.Fatalf("ids = %v, want [d1 d2]", ids)
	}
	if top, ok := res.TopScore(); !ok || math.Abs(float64(top)-0.91) > 1e-4 {
		t.Errorf("TopScore = %v, %v; want 0.91", top, ok)
	}
	if res.Degraded || len(res.Dropped) != 0 {
		t.Errorf("unexpected degradation: %+v", res)
	}
	if res.Hits[0].Document.Text != "text d1" {
		t.Errorf("document not mapped back from store")
	}
}

func TestRetrieveVector_KLargerThanIndex(t *testing.T) {
	h, store := fixture(t)
	r := New(nil, h, store)

	res, err := r.RetrieveVector(context.Background(), []float32{1, 0}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Hits) != 3 {
		t.Errorf("hits = %d, want 3", len(res.Hits))
	}
}

func TestRetrieveVector_EmptyIndex(t *testing.T) {
	h, _ := vectorindex.NewHandle(2, vectorindex.Cosine)
	r := New(nil, h, docstore.NewMemStore())

	res, err := r.RetrieveVector(context.Background(), []float32{1, 0}, 4)
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if len(res.Hits) != 0 || res.Degraded {
		t.Errorf("res = %+v, want empty and not degraded", res)
	}
}

func TestRetrieveVector_ZeroK(t *testing.T) {
	h, store := fixture(t)
	r := New(nil, h, store)
	res, err := r.RetrieveVector(context.Background(), []float32{1, 0}, 0)
	if err != nil || len(res.Hits) != 0 {
		t.Errorf("res = %+v, err = %v", res, err)
	}
}

func TestRetrieveVector_MissingDocumentsAreDropped(t *testing.T) {
	h, store := fixture(t)
	if _, err := store.Delete(context.Background(), "d1"); err != nil {
		t.Fatal(err)
	}
	rec := &rebuildRecorder{}
	r := New(nil, h, store, WithRebuildRequester(rec))

	res, err := r.RetrieveVector(context.Background(), []float32{1, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if ids := res.IDs(); len(ids) != 1 || ids[0] != "d2" {
		t.Errorf("ids = %v, want [d2]", ids)
	}
	if !res.Degraded || len(res.Dropped) != 1 || res.Dropped[0] != "d1" {
		t.Errorf("res = %+v, want d1 dropped", res)
	}
	if rec.count() != 1 {
		t.Errorf("rebuild requests = %d, want 1", rec.count())
	}
}

func TestRetrieveVector_SearchFailureDegrades(t *testing.T) {
	rec := &rebuildRecorder{}
	r := New(nil, failingSearcher{}, docstore.NewMemStore(), WithRebuildRequester(rec))

	res, err := r.RetrieveVector(context.Background(), []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if !res.Degraded || len(res.Hits) != 0 {
		t.Errorf("res = %+v, want degraded empty result", res)
	}
	if rec.count() != 1 {
		t.Errorf("rebuild requests = %d, want 1", rec.count())
	}
}

func TestRetrieve_EmbedErrorIsReturned(t *testing.T) {
	h, store := fixture(t)
	boom := errors.New("boom")
	r := New(&mock.Provider{EmbedErr: boom}, h, store)

	if _, err := r.Retrieve(context.Background(), "q", 2); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestRetrieveVector_CancelledContext(t *testing.T) {
	h, store := fixture(t)
	r := New(nil, h, store)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.RetrieveVector(ctx, []float32{1, 0}, 2); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
