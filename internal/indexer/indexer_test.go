package indexer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/tonerag/pkg/docstore"
	"github.com/MrWong99/tonerag/pkg/types"
	"github.com/MrWong99/tonerag/pkg/vectorindex"
)

func newManager(t *testing.T, opts ...Option) (*Manager, *docstore.MemStore) {
	t.Helper()
	h, err := vectorindex.NewHandle(2, vectorindex.Cosine)
	if err != nil {
		t.Fatal(err)
	}
	store := docstore.NewMemStore()
	return New(h, store, opts...), store
}

func put(t *testing.T, s docstore.Store, docs ...types.Document) {
	t.Helper()
	if err := s.Put(context.Background(), docs...); err != nil {
		t.Fatal(err)
	}
}

func TestRebuild_FromStore(t *testing.T) {
	m, store := newManager(t)
	put(t, store,
		types.Document{ID: "a", Embedding: []float32{1, 0}},
		types.Document{ID: "b", Embedding: []float32{0, 1}},
		types.Document{ID: "bad", Embedding: []float32{1, 0, 0}},
	)

	stats, err := m.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if stats.Documents != 2 || stats.Skipped != 1 {
		t.Errorf("stats = %+v, want 2 documents and 1 skipped", stats)
	}
	ix := m.Handle().Current()
	if !ix.Contains("a") || !ix.Contains("b") || ix.Contains("bad") {
		t.Errorf("index ids = %v", ix.IDs())
	}
	if st := m.Status(); !st.Ready || st.Documents != 2 || st.LastError != "" {
		t.Errorf("status = %+v", st)
	}
}

func TestRebuild_ReadersSeeOldOrNewSnapshot(t *testing.T) {
	m, store := newManager(t)
	put(t, store, types.Document{ID: "a", Embedding: []float32{1, 0}})
	if _, err := m.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}
	put(t, store, types.Document{ID: "b", Embedding: []float32{0.9, 0.1}})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				res, err := m.Handle().Search([]float32{1, 0}, 5)
				if err != nil {
					t.Errorf("Search: %v", err)
					return
				}
				if n := len(res); n != 1 && n != 2 {
					t.Errorf("saw %d results, want 1 or 2", n)
					return
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		if _, err := m.Rebuild(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	close(stop)
	wg.Wait()
}

type brokenStore struct{ docstore.Store }

func (brokenStore) Scan(context.Context, func(types.Document) error) error {
	return errors.New("scan failed")
}

func TestRebuild_FailureKeepsLastGoodSnapshot(t *testing.T) {
	m, store := newManager(t)
	put(t, store, types.Document{ID: "a", Embedding: []float32{1, 0}})
	if _, err := m.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}

	m.store = brokenStore{store}
	if _, err := m.Rebuild(context.Background()); err == nil {
		t.Fatal("expected rebuild error")
	}
	if !m.Handle().Current().Contains("a") {
		t.Error("failed rebuild replaced the live snapshot")
	}
	if m.Status().LastError == "" {
		t.Error("status should report the last error")
	}
}

func TestReconcile(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()

	ran, err := m.Reconcile(ctx)
	if err != nil || ran {
		t.Fatalf("in sync: ran = %v, err = %v", ran, err)
	}

	put(t, store, types.Document{ID: "a", Embedding: []float32{1, 0}})
	ran, err = m.Reconcile(ctx)
	if err != nil || !ran {
		t.Fatalf("drifted: ran = %v, err = %v", ran, err)
	}
	if m.Handle().Current().Len() != 1 {
		t.Errorf("Len = %d after reconcile", m.Handle().Current().Len())
	}
}

func TestReconcile_IgnoresSkippedDocuments(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()
	put(t, store,
		types.Document{ID: "a", Embedding: []float32{1, 0}},
		types.Document{ID: "bad", Embedding: []float32{1, 0, 0}},
	)
	if _, err := m.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}
	first := m.Status().LastRebuild

	for i := range 5 {
		ran, err := m.Reconcile(ctx)
		if err != nil || ran {
			t.Fatalf("tick %d: ran = %v, err = %v; want no rebuild", i, ran, err)
		}
	}
	if got := m.Status().LastRebuild; !got.Equal(first) {
		t.Errorf("LastRebuild moved from %v to %v", first, got)
	}
}

func TestReconcile_DetectsSwappedDocument(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()
	put(t, store, types.Document{ID: "a", Embedding: []float32{1, 0}})
	if _, err := m.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}

	// Same count, different ids.
	if _, err := store.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	put(t, store, types.Document{ID: "b", Embedding: []float32{0, 1}})

	ran, err := m.Reconcile(ctx)
	if err != nil || !ran {
		t.Fatalf("ran = %v, err = %v; want a rebuild", ran, err)
	}
	if ix := m.Handle().Current(); ix.Contains("a") || !ix.Contains("b") {
		t.Errorf("ids = %v, want [b]", ix.IDs())
	}
}

func TestRequestRebuild_CoalescesAndRuns(t *testing.T) {
	m, store := newManager(t)
	put(t, store, types.Document{ID: "a", Embedding: []float32{1, 0}})

	for i := 0; i < 5; i++ {
		m.RequestRebuild("test")
	}
	if len(m.pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(m.pending))
	}
	if !m.Status().Pending {
		t.Error("status should report a pending rebuild")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for m.Handle().Current().Len() != 1 {
		select {
		case <-deadline:
			t.Fatal("requested rebuild never ran")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestSnapshot_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.tvix")
	m, store := newManager(t, WithSnapshotPath(path), WithEmbeddingModel("emb-small"))
	put(t, store,
		types.Document{ID: "a", Embedding: []float32{1, 0}},
		types.Document{ID: "b", Embedding: []float32{0, 1}},
	)
	if _, err := m.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.SaveSnapshot(); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	fresh, _ := newManager(t, WithSnapshotPath(path), WithEmbeddingModel("emb-small"))
	ok, err := fresh.LoadSnapshot(context.Background())
	if err != nil || !ok {
		t.Fatalf("LoadSnapshot = %v, %v", ok, err)
	}
	if fresh.Handle().Current().Len() != 2 {
		t.Errorf("Len = %d, want 2", fresh.Handle().Current().Len())
	}

	other, _ := newManager(t, WithSnapshotPath(path), WithEmbeddingModel("emb-large"))
	if _, err := other.LoadSnapshot(context.Background()); err == nil {
		t.Error("snapshot from another embedding model should be rejected")
	}
}

func TestSnapshot_Missing(t *testing.T) {
	m, _ := newManager(t, WithSnapshotPath(filepath.Join(t.TempDir(), "none.tvix")))
	ok, err := m.LoadSnapshot(context.Background())
	if err != nil || ok {
		t.Fatalf("LoadSnapshot = %v, %v; want false, nil", ok, err)
	}

	noPath, _ := newManager(t)
	if err := noPath.SaveSnapshot(); err != nil {
		t.Errorf("SaveSnapshot without path: %v", err)
	}
}

func TestInsert(t *testing.T) {
	m, _ := newManager(t)
	err := m.Insert(context.Background(), []vectorindex.Entry{{ID: "a", Vector: []float32{1, 0}}})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Insert(context.Background(), []vectorindex.Entry{{ID: "b", Vector: []float32{1}}}); err == nil {
		t.Error("expected dimension error")
	}
	if m.Handle().Current().Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Handle().Current().Len())
	}
}

func TestRemove(t *testing.T) {
	m, _ := newManager(t)
	err := m.Insert(context.Background(), []vectorindex.Entry{
		{ID: "a", Vector: []float32{1, 0}},
		{ID: "b", Vector: []float32{0, 1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if n := m.Remove(context.Background(), "a", "zzz"); n != 1 {
		t.Errorf("Remove = %d, want 1", n)
	}
	if ix := m.Handle().Current(); ix.Contains("a") || !ix.Contains("b") {
		t.Errorf("ids = %v", ix.IDs())
	}
}
