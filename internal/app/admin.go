package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/MrWong99/tonerag/internal/indexer"
	"github.com/MrWong99/tonerag/internal/resilience"
	"github.com/MrWong99/tonerag/internal/tone"
	"github.com/MrWong99/tonerag/pkg/docstore"
)

// ErrNoStoreSearch is returned by [Admin.CheckRetrieval] when the document
// store cannot run its own nearest-neighbour query.
var ErrNoStoreSearch = errors.New("app: document store has no nearest-neighbour search")

// Admin is the operator surface: tone management, index maintenance and
// cache invalidation. It is safe for concurrent use with request traffic.
type Admin struct {
	app *App
}

// Status summarises the serving state.
type Status struct {
	Index      indexer.Status    `json:"index"`
	Tones      []string          `json:"tones"`
	CacheEpoch uint64            `json:"cache_epoch"`
	Breakers   map[string]string `json:"breakers"`
}

// ─── Tones ───────────────────────────────────────────────────────────────────

// RegisterTone adds or replaces a tone. Replacing a tone with different
// settings bumps its adapter version, so cached outputs of the old profile
// are never served for the new one. Tones registered here survive config
// reloads until the config defines the same id, which then takes over.
func (ad *Admin) RegisterTone(p tone.Profile) (tone.Profile, error) {
	a := ad.app
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()
	got, err := a.tones.Register(p)
	if err != nil {
		return tone.Profile{}, fmt.Errorf("app: register tone: %w", err)
	}
	a.runtimeTones[got.ToneID] = struct{}{}
	return got, nil
}

// RemoveTone unregisters a tone. Requests already holding the profile
// finish with it. A tone defined in the config comes back on the next reload
// that changes the tone section.
func (ad *Admin) RemoveTone(id string) error {
	a := ad.app
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()
	if err := a.tones.Remove(id); err != nil {
		return fmt.Errorf("app: remove tone: %w", err)
	}
	delete(a.runtimeTones, id)
	return nil
}

// ListTones returns the registered tones ordered by id.
func (ad *Admin) ListTones() []tone.Profile {
	return ad.app.tones.List()
}

// ─── Index ───────────────────────────────────────────────────────────────────

// TriggerRebuild rebuilds the index from the document store and waits for
// the swap.
func (ad *Admin) TriggerRebuild(ctx context.Context) (indexer.Stats, error) {
	return ad.app.indexer.Rebuild(ctx)
}

// RequestRebuild schedules an asynchronous rebuild. Concurrent requests
// coalesce.
func (ad *Admin) RequestRebuild(reason string) {
	ad.app.indexer.RequestRebuild(reason)
}

// SaveIndex writes the live index to the configured snapshot path.
func (ad *Admin) SaveIndex() error {
	return ad.app.indexer.SaveSnapshot()
}

// RetrievalCheck compares the live index with the document store's own
// nearest-neighbour search for one query.
type RetrievalCheck struct {
	Index []string `json:"index"`
	Store []string `json:"store"`
	Agree bool     `json:"agree"`
}

// CheckRetrieval embeds text and runs the top-k search against both the live
// index and the document store. A disagreement means the index has drifted
// from the store; a rebuild is requested in that case.
func (ad *Admin) CheckRetrieval(ctx context.Context, text string, k int) (RetrievalCheck, error) {
	a := ad.app
	searcher, ok := a.store.(docstore.Searcher)
	if !ok {
		return RetrievalCheck{}, ErrNoStoreSearch
	}
	vec, err := a.embedder.Embed(ctx, text)
	if err != nil {
		return RetrievalCheck{}, fmt.Errorf("app: check retrieval: %w", err)
	}
	hits, err := a.handle.Search(vec, k)
	if err != nil {
		return RetrievalCheck{}, fmt.Errorf("app: check retrieval: index: %w", err)
	}
	docs, err := searcher.Nearest(ctx, vec, k)
	if err != nil {
		return RetrievalCheck{}, fmt.Errorf("app: check retrieval: store: %w", err)
	}

	chk := RetrievalCheck{
		Index: make([]string, 0, len(hits)),
		Store: make([]string, 0, len(docs)),
	}
	for _, h := range hits {
		chk.Index = append(chk.Index, h.ID)
	}
	for _, d := range docs {
		chk.Store = append(chk.Store, d.Document.ID)
	}
	chk.Agree = slices.Equal(chk.Index, chk.Store)
	if !chk.Agree {
		slog.Warn("index and store disagree on nearest documents", "index", chk.Index, "store", chk.Store)
		a.indexer.RequestRebuild("retrieval check mismatch")
	}
	return chk, nil
}

// ─── Cache ───────────────────────────────────────────────────────────────────

// InvalidateCache moves every tone to a new model version so no earlier
// output is served again. The epoch is stored in backends that outlive the
// process, so the invalidation also holds after a restart. With purge set
// the backend is emptied as well; the number of removed entries is returned.
func (ad *Admin) InvalidateCache(ctx context.Context, purge bool) (epoch uint64, purged int, err error) {
	epoch, err = ad.app.pipeline.BumpEpoch(ctx)
	if err != nil {
		return epoch, 0, fmt.Errorf("app: invalidate cache: %w", err)
	}
	if purge {
		purged, err = ad.app.cache.Purge(ctx)
		if err != nil {
			return epoch, 0, fmt.Errorf("app: purge cache: %w", err)
		}
	}
	slog.Info("cache invalidated", "epoch", epoch, "purged", purged)
	return epoch, purged, nil
}

// ─── Status ──────────────────────────────────────────────────────────────────

// Status reports index health, registered tones, the cache epoch and the
// state of every generation circuit breaker.
func (ad *Admin) Status(context.Context) Status {
	a := ad.app
	st := Status{
		Index:      a.indexer.Status(),
		Tones:      a.tones.IDs(),
		CacheEpoch: a.pipeline.Epoch(),
		Breakers:   map[string]string{"generator": a.generator.BreakerState().String()},
	}
	if fb, ok := a.providers.LLM.(interface {
		States() map[string]resilience.State
	}); ok {
		for name, s := range fb.States() {
			st.Breakers["llm:"+name] = s.String()
		}
	}
	return st
}

// writeJSON encodes v as the response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "err", err)
	}
}
