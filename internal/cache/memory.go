package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// DefaultMaxEntries bounds a [MemoryBackend] created with a non-positive size.
const DefaultMaxEntries = 10_000

var (
	_ Backend    = (*MemoryBackend)(nil)
	_ EpochStore = (*MemoryBackend)(nil)
)

// MemoryBackend is an in-process LRU with per-entry TTL. Expired entries are
// dropped lazily when read.
type MemoryBackend struct {
	mu       sync.Mutex
	items    map[Fingerprint]*list.Element
	order    *list.List // front is most recently used
	capacity int
	epoch    uint64
	now      func() time.Time
}

// NewMemoryBackend returns a backend holding at most maxEntries entries.
func NewMemoryBackend(maxEntries int) *MemoryBackend {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemoryBackend{
		items:    make(map[Fingerprint]*list.Element),
		order:    list.New(),
		capacity: maxEntries,
		now:      time.Now,
	}
}

// Get implements [Backend].
func (b *MemoryBackend) Get(_ context.Context, fp Fingerprint) (Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	el, ok := b.items[fp]
	if !ok {
		return Entry{}, ErrMiss
	}
	e := el.Value.(Entry)
	if e.Expired(b.now()) {
		b.order.Remove(el)
		delete(b.items, fp)
		return Entry{}, ErrMiss
	}
	b.order.MoveToFront(el)
	return e, nil
}

// Set implements [Backend].
func (b *MemoryBackend) Set(_ context.Context, e Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if el, ok := b.items[e.Fingerprint]; ok {
		el.Value = e
		b.order.MoveToFront(el)
		return nil
	}
	for len(b.items) >= b.capacity {
		oldest := b.order.Back()
		b.order.Remove(oldest)
		delete(b.items, oldest.Value.(Entry).Fingerprint)
	}
	b.items[e.Fingerprint] = b.order.PushFront(e)
	return nil
}

// Delete implements [Backend].
func (b *MemoryBackend) Delete(_ context.Context, fp Fingerprint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if el, ok := b.items[fp]; ok {
		b.order.Remove(el)
		delete(b.items, fp)
	}
	return nil
}

// Purge implements [Backend].
func (b *MemoryBackend) Purge(context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.items)
	b.items = make(map[Fingerprint]*list.Element)
	b.order.Init()
	return n, nil
}

// Len returns the number of stored entries, expired ones included.
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// LoadEpoch implements [EpochStore].
func (b *MemoryBackend) LoadEpoch(context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.epoch, nil
}

// SaveEpoch implements [EpochStore]. The stored epoch never moves backwards.
func (b *MemoryBackend) SaveEpoch(_ context.Context, epoch uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.epoch = max(b.epoch, epoch)
	return nil
}
