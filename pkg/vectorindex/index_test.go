package vectorindex_test

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/tonerag/pkg/vectorindex"
)

// unit2 returns a 2-d unit vector whose cosine similarity to (1, 0) is s.
func unit2(s float64) []float32 {
	return []float32{float32(s), float32(math.Sqrt(1 - s*s))}
}

func mustBuild(t *testing.T, dim int, metric vectorindex.Metric, entries []vectorindex.Entry) *vectorindex.Index {
	t.Helper()
	ix, err := vectorindex.Build(dim, metric, entries)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return ix
}

func TestSearch_TopKBySimilarity(t *testing.T) {
	ix := mustBuild(t, 2, vectorindex.Cosine, []vectorindex.Entry{
		{ID: "low", Vector: unit2(0.40)},
		{ID: "high", Vector: unit2(0.91)},
		{ID: "mid", Vector: unit2(0.77)},
	})

	got, err := ix.Search([]float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "high" || got[1].ID != "mid" {
		t.Errorf("ids = [%s %s], want [high mid]", got[0].ID, got[1].ID)
	}
	if math.Abs(float64(got[0].Score)-0.91) > 1e-5 {
		t.Errorf("top score = %v, want 0.91", got[0].Score)
	}
}

func TestSearch_TiesBrokenByID(t *testing.T) {
	v := []float32{0.6, 0.8}
	ix := mustBuild(t, 2, vectorindex.Cosine, []vectorindex.Entry{
		{ID: "doc-c", Vector: v},
		{ID: "doc-a", Vector: v},
		{ID: "doc-b", Vector: v},
	})
	got, _ := ix.Search([]float32{0.6, 0.8}, 3)
	want := []string{"doc-a", "doc-b", "doc-c"}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("got[%d] = %s, want %s", i, got[i].ID, want[i])
		}
	}
}

func TestSearch_Bounds(t *testing.T) {
	ix := mustBuild(t, 2, vectorindex.Cosine, []vectorindex.Entry{
		{ID: "a", Vector: []float32{1, 0}},
		{ID: "b", Vector: []float32{0, 1}},
	})

	if got, _ := ix.Search([]float32{1, 0}, 10); len(got) != 2 {
		t.Errorf("k > len: got %d results, want 2", len(got))
	}
	if got, err := ix.Search([]float32{1, 0}, 0); err != nil || len(got) != 0 {
		t.Errorf("k = 0: got %v, %v; want empty", got, err)
	}

	empty, _ := vectorindex.Empty(2, vectorindex.Cosine)
	got, err := empty.Search([]float32{1, 0}, 5)
	if err != nil || got == nil || len(got) != 0 {
		t.Errorf("empty index: got %v, %v; want non-nil empty", got, err)
	}
}

func TestSearch_QueryValidation(t *testing.T) {
	ix := mustBuild(t, 2, vectorindex.Cosine, []vectorindex.Entry{{ID: "a", Vector: []float32{1, 0}}})
	if _, err := ix.Search([]float32{1, 0, 0}, 1); !errors.Is(err, vectorindex.ErrDimensionMismatch) {
		t.Errorf("wrong dim query: err = %v", err)
	}
	if _, err := ix.Search([]float32{0, 0}, 1); !errors.Is(err, vectorindex.ErrInvalidVector) {
		t.Errorf("zero query under cosine: err = %v", err)
	}
}

func TestBuild_Validation(t *testing.T) {
	cases := []struct {
		name    string
		entries []vectorindex.Entry
		want    error
	}{
		{"dimension", []vectorindex.Entry{{ID: "a", Vector: []float32{1}}}, vectorindex.ErrDimensionMismatch},
		{"nan", []vectorindex.Entry{{ID: "a", Vector: []float32{float32(math.NaN()), 1}}}, vectorindex.ErrInvalidVector},
		{"inf", []vectorindex.Entry{{ID: "a", Vector: []float32{float32(math.Inf(1)), 1}}}, vectorindex.ErrInvalidVector},
		{"zero", []vectorindex.Entry{{ID: "a", Vector: []float32{0, 0}}}, vectorindex.ErrInvalidVector},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := vectorindex.Build(2, vectorindex.Cosine, tc.entries); !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
	if _, err := vectorindex.Build(0, vectorindex.Cosine, nil); err == nil {
		t.Error("expected error for zero dimension")
	}
}

func TestNegEuclidean(t *testing.T) {
	ix := mustBuild(t, 2, vectorindex.NegEuclidean, []vectorindex.Entry{
		{ID: "near", Vector: []float32{1, 1}},
		{ID: "far", Vector: []float32{4, 5}},
		{ID: "origin", Vector: []float32{0, 0}},
	})
	got, err := ix.Search([]float32{1, 1}, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got[0].ID != "near" || got[0].Score != 0 {
		t.Errorf("top = %+v, want near with score 0", got[0])
	}
	if got[2].ID != "far" || got[2].Score != -5 {
		t.Errorf("last = %+v, want far with score -5", got[2])
	}
}

func TestParseMetric(t *testing.T) {
	for in, want := range map[string]vectorindex.Metric{
		"":              vectorindex.Cosine,
		"Cosine":        vectorindex.Cosine,
		"neg_euclidean": vectorindex.NegEuclidean,
		"l2":            vectorindex.NegEuclidean,
	} {
		got, err := vectorindex.ParseMetric(in)
		if err != nil || got != want {
			t.Errorf("ParseMetric(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := vectorindex.ParseMetric("dot"); err == nil {
		t.Error("expected error for unknown metric")
	}
}

func TestHandle_InsertRemove(t *testing.T) {
	h, err := vectorindex.NewHandle(2, vectorindex.Cosine)
	if err != nil {
		t.Fatalf("NewHandle: %v", err)
	}
	before := h.Current()

	if err := h.Insert("a", []float32{1, 0}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := h.InsertBatch([]vectorindex.Entry{
		{ID: "b", Vector: []float32{0, 1}},
		{ID: "c", Vector: []float32{1, 1}},
	}); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if before.Len() != 0 {
		t.Errorf("earlier snapshot mutated: Len = %d", before.Len())
	}
	if h.Current().Len() != 3 {
		t.Errorf("Len = %d, want 3", h.Current().Len())
	}

	// A failing batch must not publish anything.
	err = h.InsertBatch([]vectorindex.Entry{
		{ID: "d", Vector: []float32{1, 0}},
		{ID: "e", Vector: []float32{1}},
	})
	if !errors.Is(err, vectorindex.ErrDimensionMismatch) {
		t.Fatalf("InsertBatch err = %v", err)
	}
	if h.Current().Contains("d") {
		t.Error("partial batch became visible")
	}

	if n := h.Remove("a", "missing"); n != 1 {
		t.Errorf("Remove = %d, want 1", n)
	}
	if got := strings.Join(h.Current().IDs(), ","); got != "b,c" {
		t.Errorf("IDs = %s, want b,c", got)
	}

	// Replacing an existing id keeps the count stable.
	if err := h.Insert("b", []float32{1, 0}); err != nil {
		t.Fatalf("Insert replace: %v", err)
	}
	res, _ := h.Search([]float32{1, 0}, 1)
	if res[0].ID != "b" {
		t.Errorf("replaced vector not searched: top = %s", res[0].ID)
	}
}

func TestHandle_SwapValidatesShape(t *testing.T) {
	h, _ := vectorindex.NewHandle(2, vectorindex.Cosine)
	live := h.Current()

	wrongDim, _ := vectorindex.Empty(3, vectorindex.Cosine)
	if err := h.Swap(wrongDim); !errors.Is(err, vectorindex.ErrDimensionMismatch) {
		t.Errorf("Swap(wrong dim) = %v", err)
	}
	wrongMetric, _ := vectorindex.Empty(2, vectorindex.NegEuclidean)
	if err := h.Swap(wrongMetric); !errors.Is(err, vectorindex.ErrMetricMismatch) {
		t.Errorf("Swap(wrong metric) = %v", err)
	}
	if h.Current() != live {
		t.Error("live snapshot changed after rejected swap")
	}

	next := mustBuild(t, 2, vectorindex.Cosine, []vectorindex.Entry{{ID: "x", Vector: []float32{1, 0}}})
	if err := h.Swap(next); err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if h.Current() != next {
		t.Error("Swap did not publish the new snapshot")
	}
}

func TestHandle_ConcurrentSearchSeesWholeSnapshots(t *testing.T) {
	build := func(prefix string) *vectorindex.Index {
		entries := make([]vectorindex.Entry, 8)
		for i := range entries {
			entries[i] = vectorindex.Entry{
				ID:     fmt.Sprintf("%s-%d", prefix, i),
				Vector: []float32{1, float32(i) / 10},
			}
		}
		return mustBuild(t, 2, vectorindex.Cosine, entries)
	}
	a, b := build("a"), build("b")

	h, _ := vectorindex.NewHandle(2, vectorindex.Cosine)
	if err := h.Swap(a); err != nil {
		t.Fatalf("Swap: %v", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan error, 16)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				res, err := h.Search([]float32{1, 0.3}, 8)
				if err != nil {
					errs <- err
					return
				}
				if len(res) != 8 {
					errs <- fmt.Errorf("len = %d", len(res))
					return
				}
				prefix := res[0].ID[:1]
				for _, r := range res {
					if r.ID[:1] != prefix {
						errs <- fmt.Errorf("mixed snapshot: %v", res)
						return
					}
				}
			}
		}()
	}
	for i := range 200 {
		next := a
		if i%2 == 0 {
			next = b
		}
		if err := h.Swap(next); err != nil {
			t.Fatalf("Swap: %v", err)
		}
	}
	close(stop)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
