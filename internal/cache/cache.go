// Package cache stores generated outputs keyed by request fingerprint and
// guarantees that concurrent requests for the same fingerprint trigger at most
// one computation.
//
// A [Cache] never fails a request because of its storage: when the [Backend]
// errors, lookups report [StatusBypass], the computation still runs (still
// deduplicated) and the write is skipped.
//
// Computations run detached from the requester that started them. If that
// requester gives up, the computation continues for the other waiters and its
// result is stored for later requests.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/tonerag/internal/observe"
)

// ErrMiss is returned by [Backend.Get] when no live entry exists.
var ErrMiss = errors.New("cache: miss")

const (
	// DefaultTTL is the lifetime of an entry when none is configured.
	DefaultTTL = 24 * time.Hour

	// DefaultComputeTimeout bounds a detached computation.
	DefaultComputeTimeout = 2 * time.Minute
)

// Entry is a stored output.
type Entry struct {
	Fingerprint Fingerprint
	Output      string
	CreatedAt   time.Time

	// TTL of zero means the entry never expires.
	TTL time.Duration
}

// Expired reports whether e is past its TTL at now.
func (e Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && !now.Before(e.CreatedAt.Add(e.TTL))
}

// Backend persists entries. Get returns [ErrMiss] for absent or expired
// entries; any other error puts the cache into bypass for that request.
type Backend interface {
	Get(ctx context.Context, fp Fingerprint) (Entry, error)
	Set(ctx context.Context, e Entry) error
	Delete(ctx context.Context, fp Fingerprint) error
	Purge(ctx context.Context) (int, error)
}

// Pinger is implemented by backends that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// EpochStore is implemented by backends that keep the invalidation epoch next
// to the entries, so an epoch bump outlives the process that made it.
type EpochStore interface {
	LoadEpoch(ctx context.Context) (uint64, error)
	SaveEpoch(ctx context.Context, epoch uint64) error
}

// Status is the outcome of a lookup.
type Status int

const (
	StatusMiss Status = iota
	StatusHit
	StatusBypass
)

// String returns the metric label for s.
func (s Status) String() string {
	switch s {
	case StatusHit:
		return "hit"
	case StatusBypass:
		return "bypass"
	default:
		return "miss"
	}
}

// Result is returned by [Cache.Compute] and [Cache.GetOrCompute].
type Result struct {
	Output string

	// Hit is true when Output came from storage.
	Hit bool

	// Bypassed is true when the backend was unavailable.
	Bypassed bool

	// Shared is true when Output was computed for another, concurrent caller.
	Shared bool
}

// ComputeFunc produces the output for a miss. The context it receives is not
// cancelled by the requester.
type ComputeFunc func(ctx context.Context) (string, error)

// Cache deduplicates computations and stores their results in a [Backend].
type Cache struct {
	backend        Backend
	group          singleflight.Group
	ttl            time.Duration
	computeTimeout time.Duration
	metrics        *observe.Metrics
	now            func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the lifetime of written entries.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) { c.ttl = d }
}

// WithComputeTimeout bounds each detached computation. Zero or negative
// disables the bound.
func WithComputeTimeout(d time.Duration) Option {
	return func(c *Cache) { c.computeTimeout = d }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New returns a Cache over b. A nil backend disables storage; every lookup is
// then a bypass.
func New(b Backend, opts ...Option) *Cache {
	c := &Cache{
		backend:        b,
		ttl:            DefaultTTL,
		computeTimeout: DefaultComputeTimeout,
		now:            time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Backend returns the underlying storage, or nil.
func (c *Cache) Backend() Backend { return c.backend }

// Lookup reads fp from the backend. The output is only meaningful for
// [StatusHit].
func (c *Cache) Lookup(ctx context.Context, fp Fingerprint) (string, Status) {
	out, status := c.lookup(ctx, fp)
	c.metrics.RecordCacheLookup(ctx, status.String())
	return out, status
}

func (c *Cache) lookup(ctx context.Context, fp Fingerprint) (string, Status) {
	if c.backend == nil {
		return "", StatusBypass
	}
	e, err := c.backend.Get(ctx, fp)
	switch {
	case err == nil && !e.Expired(c.now()):
		return e.Output, StatusHit
	case err == nil, errors.Is(err, ErrMiss):
		return "", StatusMiss
	case ctx.Err() != nil:
		return "", StatusMiss
	default:
		c.metrics.RecordDegradation(ctx, "cache_unavailable")
		observe.Logger(ctx).Warn("cache unavailable, bypassing", "fingerprint", fp.Short(), "err", err)
		return "", StatusBypass
	}
}

// Compute runs fn for fp unless a computation for fp is already in flight,
// in which case it waits for that one. The leader checks the backend once
// more before computing, so a request racing a just-finished computation gets
// its stored result. On success the output is written unless bypass is set;
// errors are never stored.
//
// Compute returns when the result is available or ctx is done, whichever is
// first. In the latter case the computation keeps running.
func (c *Cache) Compute(ctx context.Context, fp Fingerprint, bypass bool, fn ComputeFunc) (Result, error) {
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(string(fp), func() (any, error) {
		if !bypass {
			if out, status := c.lookup(detached, fp); status == StatusHit {
				return Result{Output: out, Hit: true}, nil
			}
		}

		cctx := detached
		if c.computeTimeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(detached, c.computeTimeout)
			defer cancel()
		}
		out, err := fn(cctx)
		if err != nil {
			return nil, err
		}
		if !bypass && c.backend != nil {
			c.write(detached, Entry{Fingerprint: fp, Output: out, CreatedAt: c.now(), TTL: c.ttl})
		}
		return Result{Output: out, Bypassed: bypass}, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		res := r.Val.(Result)
		res.Shared = r.Shared
		return res, nil
	case <-ctx.Done():
		return Result{}, fmt.Errorf("cache: wait for %s: %w", fp.Short(), ctx.Err())
	}
}

// GetOrCompute returns the stored output for fp or computes, stores and
// returns it.
func (c *Cache) GetOrCompute(ctx context.Context, fp Fingerprint, fn ComputeFunc) (Result, error) {
	out, status := c.Lookup(ctx, fp)
	if status == StatusHit {
		return Result{Output: out, Hit: true}, nil
	}
	return c.Compute(ctx, fp, status == StatusBypass, fn)
}

// Invalidate removes fp from the backend.
func (c *Cache) Invalidate(ctx context.Context, fp Fingerprint) error {
	if c.backend == nil {
		return nil
	}
	if err := c.backend.Delete(ctx, fp); err != nil {
		return fmt.Errorf("cache: delete %s: %w", fp.Short(), err)
	}
	return nil
}

// Purge removes every entry and returns how many were dropped.
func (c *Cache) Purge(ctx context.Context) (int, error) {
	if c.backend == nil {
		return 0, nil
	}
	n, err := c.backend.Purge(ctx)
	if err != nil {
		return 0, fmt.Errorf("cache: purge: %w", err)
	}
	return n, nil
}

// LoadEpoch returns the epoch stored by the backend, or zero when the backend
// does not store one.
func (c *Cache) LoadEpoch(ctx context.Context) (uint64, error) {
	es, ok := c.backend.(EpochStore)
	if !ok {
		return 0, nil
	}
	n, err := es.LoadEpoch(ctx)
	if err != nil {
		return 0, fmt.Errorf("cache: load epoch: %w", err)
	}
	return n, nil
}

// SaveEpoch records epoch in the backend. It is a no-op for backends that do
// not store one.
func (c *Cache) SaveEpoch(ctx context.Context, epoch uint64) error {
	es, ok := c.backend.(EpochStore)
	if !ok {
		return nil
	}
	if err := es.SaveEpoch(ctx, epoch); err != nil {
		return fmt.Errorf("cache: save epoch: %w", err)
	}
	return nil
}

// Ping checks the backend when it supports health checks.
func (c *Cache) Ping(ctx context.Context) error {
	if p, ok := c.backend.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (c *Cache) write(ctx context.Context, e Entry) {
	if err := c.backend.Set(ctx, e); err != nil {
		c.metrics.RecordDegradation(ctx, "cache_unavailable")
		observe.Logger(ctx).Warn("cache write failed", "fingerprint", e.Fingerprint.Short(), "err", err)
	}
}
