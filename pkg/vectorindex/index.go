// Package vectorindex implements an in-memory nearest-neighbour index over
// dense float32 vectors with lock-free reads and atomic snapshot replacement.
//
// An Index is an immutable snapshot. Mutations go through a Handle, which
// builds a new snapshot (copy-on-write) and publishes it with a single atomic
// pointer store, so a concurrent Search observes either the old or the new
// contents and never a mixture. Full rebuilds construct an Index off to the
// side with Build and install it with Handle.Swap, which first checks that the
// dimension and metric match the live index.
//
// Search is exact: every stored vector is scored. Ties are broken by
// ascending document ID, which makes results fully deterministic.
package vectorindex

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

var (
	// ErrDimensionMismatch is returned when a vector's length differs from the
	// index dimension.
	ErrDimensionMismatch = errors.New("vectorindex: dimension mismatch")

	// ErrMetricMismatch is returned by Handle.Swap and Load when a snapshot was
	// built with a different metric than expected.
	ErrMetricMismatch = errors.New("vectorindex: metric mismatch")

	// ErrInvalidVector is returned for vectors containing NaN or Inf values, and
	// for zero vectors under the cosine metric.
	ErrInvalidVector = errors.New("vectorindex: invalid vector")

	// ErrCorrupt is returned by Load when a persisted artifact fails validation.
	ErrCorrupt = errors.New("vectorindex: corrupt artifact")
)

// Metric selects the similarity function. Higher scores are always better.
type Metric int

const (
	// Cosine scores by cosine similarity in [-1, 1].
	Cosine Metric = iota
	// NegEuclidean scores by the negated Euclidean distance, so 0 is a perfect match.
	NegEuclidean
)

// String returns the configuration name of the metric.
func (m Metric) String() string {
	switch m {
	case Cosine:
		return "cosine"
	case NegEuclidean:
		return "neg_euclidean"
	default:
		return fmt.Sprintf("metric(%d)", int(m))
	}
}

// ParseMetric converts a configuration name to a Metric. The empty string
// selects Cosine.
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cosine":
		return Cosine, nil
	case "neg_euclidean", "euclidean", "l2":
		return NegEuclidean, nil
	default:
		return 0, fmt.Errorf("vectorindex: unknown metric %q", s)
	}
}

// Entry is a document vector to be indexed.
type Entry struct {
	ID     string
	Vector []float32
}

// Result is a single search hit.
type Result struct {
	ID    string
	Score float32
}

// Index is an immutable vector index snapshot. It is safe for concurrent use.
type Index struct {
	dim     int
	metric  Metric
	ids     []string
	vecs    [][]float32
	pos     map[string]int
	builtAt time.Time
}

// Build constructs an Index of the given dimension and metric from entries.
// Every vector is validated; a later duplicate ID replaces an earlier one.
// Input slices are copied, so callers may reuse them.
func Build(dim int, metric Metric, entries []Entry) (*Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("vectorindex: dimension must be positive, got %d", dim)
	}
	if metric != Cosine && metric != NegEuclidean {
		return nil, fmt.Errorf("vectorindex: unsupported metric %s", metric)
	}

	latest := make(map[string][]float32, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			return nil, fmt.Errorf("vectorindex: entry with empty id")
		}
		v, err := prepare(dim, metric, e.Vector)
		if err != nil {
			return nil, fmt.Errorf("vectorindex: entry %q: %w", e.ID, err)
		}
		latest[e.ID] = v
	}

	ids := make([]string, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	ix := &Index{
		dim:     dim,
		metric:  metric,
		ids:     ids,
		vecs:    make([][]float32, len(ids)),
		pos:     make(map[string]int, len(ids)),
		builtAt: time.Now().UTC(),
	}
	for i, id := range ids {
		ix.vecs[i] = latest[id]
		ix.pos[id] = i
	}
	return ix, nil
}

// Empty returns an Index with no entries.
func Empty(dim int, metric Metric) (*Index, error) {
	return Build(dim, metric, nil)
}

// Search returns up to k results ordered by descending score, ties broken by
// ascending ID. Fewer than k results are returned only when the index holds
// fewer than k entries. k <= 0 yields an empty result.
func (ix *Index) Search(query []float32, k int) ([]Result, error) {
	if k <= 0 || len(ix.ids) == 0 {
		return []Result{}, nil
	}
	q, err := prepare(ix.dim, ix.metric, query)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: query: %w", err)
	}

	results := make([]Result, len(ix.ids))
	for i, v := range ix.vecs {
		results[i] = Result{ID: ix.ids[i], Score: score(ix.metric, q, v)}
	}
	SortResults(results)
	if k < len(results) {
		results = results[:k:k]
	}
	return results, nil
}

// SortResults orders results by descending score, then ascending ID.
func SortResults(results []Result) {
	slices.SortFunc(results, func(a, b Result) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// Len returns the number of indexed entries.
func (ix *Index) Len() int { return len(ix.ids) }

// Dimension returns the vector dimension.
func (ix *Index) Dimension() int { return ix.dim }

// Metric returns the similarity metric.
func (ix *Index) Metric() Metric { return ix.metric }

// BuiltAt returns when the snapshot was constructed or loaded.
func (ix *Index) BuiltAt() time.Time { return ix.builtAt }

// Contains reports whether id is indexed.
func (ix *Index) Contains(id string) bool {
	_, ok := ix.pos[id]
	return ok
}

// IDs returns all indexed IDs in ascending order. The slice is a copy.
func (ix *Index) IDs() []string {
	return slices.Clone(ix.ids)
}

// withEntries returns a new snapshot with entries added or replaced. Vectors
// must already be prepared.
func (ix *Index) withEntries(entries map[string][]float32) *Index {
	ids := slices.Clone(ix.ids)
	for id := range entries {
		if _, ok := ix.pos[id]; !ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	next := &Index{
		dim:     ix.dim,
		metric:  ix.metric,
		ids:     ids,
		vecs:    make([][]float32, len(ids)),
		pos:     make(map[string]int, len(ids)),
		builtAt: ix.builtAt,
	}
	for i, id := range ids {
		if v, ok := entries[id]; ok {
			next.vecs[i] = v
		} else {
			next.vecs[i] = ix.vecs[ix.pos[id]]
		}
		next.pos[id] = i
	}
	return next
}

// without returns a new snapshot lacking the given ids, or ix itself when
// none of them are present.
func (ix *Index) without(drop map[string]struct{}) *Index {
	next := &Index{
		dim:     ix.dim,
		metric:  ix.metric,
		ids:     make([]string, 0, len(ix.ids)),
		vecs:    make([][]float32, 0, len(ix.ids)),
		pos:     make(map[string]int, len(ix.ids)),
		builtAt: ix.builtAt,
	}
	for i, id := range ix.ids {
		if _, ok := drop[id]; ok {
			continue
		}
		next.pos[id] = len(next.ids)
		next.ids = append(next.ids, id)
		next.vecs = append(next.vecs, ix.vecs[i])
	}
	if len(next.ids) == len(ix.ids) {
		return ix
	}
	return next
}

// prepare validates v and returns the stored representation: a unit-length
// copy under Cosine, a plain copy otherwise.
func prepare(dim int, metric Metric, v []float32) ([]float32, error) {
	if len(v) != dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), dim)
	}
	var sum float64
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: non-finite component", ErrInvalidVector)
		}
		sum += f * f
	}
	out := make([]float32, dim)
	if metric != Cosine {
		copy(out, v)
		return out, nil
	}
	if sum == 0 {
		return nil, fmt.Errorf("%w: zero vector has no direction", ErrInvalidVector)
	}
	norm := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out, nil
}

func score(metric Metric, q, v []float32) float32 {
	var acc float64
	switch metric {
	case NegEuclidean:
		for i := range q {
			d := float64(q[i]) - float64(v[i])
			acc += d * d
		}
		return float32(-math.Sqrt(acc))
	default:
		for i := range q {
			acc += float64(q[i]) * float64(v[i])
		}
		return float32(acc)
	}
}
