package tone

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

type snapshot struct {
	byID map[string]Profile
	ids  []string
}

func newSnapshot(byID map[string]Profile) *snapshot {
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return &snapshot{byID: byID, ids: ids}
}

func (s *snapshot) clone() map[string]Profile {
	m := make(map[string]Profile, len(s.byID)+1)
	for k, v := range s.byID {
		m[k] = v
	}
	return m
}

// Registry maps tone ids to profiles. It is safe for concurrent use; readers
// never block.
type Registry struct {
	mu   sync.Mutex // serialises writers
	snap atomic.Pointer[snapshot]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(newSnapshot(map[string]Profile{}))
	return r
}

// Resolve returns the profile registered for id. Unknown ids fail with a
// [*NotFoundError] wrapping [ErrToneNotFound].
func (r *Registry) Resolve(id string) (Profile, error) {
	s := r.snap.Load()
	if p, ok := s.byID[id]; ok {
		return p, nil
	}
	return Profile{}, &NotFoundError{ToneID: id, Suggestion: suggest(id, s.ids)}
}

// List returns all profiles ordered by tone id.
func (r *Registry) List() []Profile {
	s := r.snap.Load()
	out := make([]Profile, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.byID[id])
	}
	return out
}

// IDs returns the registered tone ids in ascending order.
func (r *Registry) IDs() []string {
	s := r.snap.Load()
	out := make([]string, len(s.ids))
	copy(out, s.ids)
	return out
}

// Len returns the number of registered tones.
func (r *Registry) Len() int {
	return len(r.snap.Load().ids)
}

// Register validates p and adds or replaces the profile for p.ToneID. When an
// existing profile changes, its adapter version is bumped past the previous
// one. The stored profile is returned.
func (r *Registry) Register(p Profile) (Profile, error) {
	p, err := Validate(p)
	if err != nil {
		return Profile{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	prev, exists := cur.byID[p.ToneID]
	next, changed := merge(prev, exists, p)
	if !changed {
		return prev, nil
	}
	m := cur.clone()
	m[next.ToneID] = next
	r.snap.Store(newSnapshot(m))

	slog.Info("tone registered", "tone", next.ToneID, "adapter", next.Adapter.String(), "replaced", exists)
	return next, nil
}

// Remove unregisters id. Requests that already resolved the profile finish
// with it.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, ok := cur.byID[id]; !ok {
		return &NotFoundError{ToneID: id, Suggestion: suggest(id, cur.ids)}
	}
	m := cur.clone()
	delete(m, id)
	r.snap.Store(newSnapshot(m))
	slog.Info("tone removed", "tone", id)
	return nil
}

// SyncResult lists the tone ids affected by [Registry.Sync].
type SyncResult struct {
	Added     []string
	Updated   []string
	Removed   []string
	Unchanged []string
}

// Sync replaces the registry contents with profiles. All profiles are
// validated first; if any fails, nothing changes. Tones missing from profiles
// are removed. The swap is a single snapshot, so readers see either the old
// set or the new one.
func (r *Registry) Sync(profiles []Profile) (SyncResult, error) {
	valid := make([]Profile, 0, len(profiles))
	seen := make(map[string]struct{}, len(profiles))
	var errs []error
	for _, p := range profiles {
		vp, err := Validate(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := seen[vp.ToneID]; dup {
			errs = append(errs, fmt.Errorf("%w %q: duplicate id", ErrInvalidProfile, vp.ToneID))
			continue
		}
		seen[vp.ToneID] = struct{}{}
		valid = append(valid, vp)
	}
	if err := errors.Join(errs...); err != nil {
		return SyncResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	var res SyncResult
	m := make(map[string]Profile, len(valid))
	for _, p := range valid {
		prev, exists := cur.byID[p.ToneID]
		next, changed := merge(prev, exists, p)
		m[next.ToneID] = next
		switch {
		case !exists:
			res.Added = append(res.Added, next.ToneID)
		case changed:
			res.Updated = append(res.Updated, next.ToneID)
		default:
			res.Unchanged = append(res.Unchanged, next.ToneID)
		}
	}
	for _, id := range cur.ids {
		if _, keep := m[id]; !keep {
			res.Removed = append(res.Removed, id)
		}
	}
	r.snap.Store(newSnapshot(m))

	sort.Strings(res.Added)
	sort.Strings(res.Updated)
	sort.Strings(res.Unchanged)
	if len(res.Added)+len(res.Updated)+len(res.Removed) > 0 {
		slog.Info("tones synchronised",
			"added", res.Added,
			"updated", res.Updated,
			"removed", res.Removed)
	}
	return res, nil
}

// merge decides the stored form of p given the previous profile for the same
// id. It reports whether anything changed.
func merge(prev Profile, exists bool, p Profile) (Profile, bool) {
	if !exists {
		if p.Adapter.Version < 1 {
			p.Adapter.Version = 1
		}
		return p, true
	}
	if sameContent(prev, p) {
		if p.Adapter.Version <= prev.Adapter.Version {
			return prev, false
		}
		return p, true
	}
	if p.Adapter.Version <= prev.Adapter.Version {
		p.Adapter.Version = prev.Adapter.Version + 1
	}
	return p, true
}
