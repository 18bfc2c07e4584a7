// Package postgres provides a PostgreSQL-backed cache.Backend so that cached
// outputs survive restarts and are shared between replicas.
//
// It usually shares the pool of the document store:
//
//	b, err := postgres.NewBackend(ctx, store.Pool())
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/tonerag/internal/cache"
)

const ddl = `
CREATE TABLE IF NOT EXISTS response_cache (
    fingerprint  TEXT         PRIMARY KEY,
    output       TEXT         NOT NULL,
    created_at   TIMESTAMPTZ  NOT NULL,
    ttl_ms       BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_response_cache_created_at
    ON response_cache (created_at);

CREATE TABLE IF NOT EXISTS response_cache_meta (
    id     BOOLEAN  PRIMARY KEY DEFAULT TRUE CHECK (id),
    epoch  BIGINT   NOT NULL DEFAULT 0
);
`

var (
	_ cache.Backend    = (*Backend)(nil)
	_ cache.Pinger     = (*Backend)(nil)
	_ cache.EpochStore = (*Backend)(nil)
)

// Backend stores cache entries in the response_cache table.
type Backend struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewBackend creates the table if needed and returns a Backend using pool.
func NewBackend(ctx context.Context, pool *pgxpool.Pool) (*Backend, error) {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("postgres cache: migrate: %w", err)
	}
	return &Backend{pool: pool, now: time.Now}, nil
}

// Get implements cache.Backend. Expired rows are deleted on read.
func (b *Backend) Get(ctx context.Context, fp cache.Fingerprint) (cache.Entry, error) {
	const q = `SELECT output, created_at, ttl_ms FROM response_cache WHERE fingerprint = $1`

	e := cache.Entry{Fingerprint: fp}
	var ttlMS int64
	err := b.pool.QueryRow(ctx, q, string(fp)).Scan(&e.Output, &e.CreatedAt, &ttlMS)
	if errors.Is(err, pgx.ErrNoRows) {
		return cache.Entry{}, cache.ErrMiss
	}
	if err != nil {
		return cache.Entry{}, fmt.Errorf("postgres cache: get: %w", err)
	}
	e.TTL = time.Duration(ttlMS) * time.Millisecond
	if e.Expired(b.now()) {
		if err := b.Delete(ctx, fp); err != nil {
			return cache.Entry{}, err
		}
		return cache.Entry{}, cache.ErrMiss
	}
	return e, nil
}

// Set implements cache.Backend.
func (b *Backend) Set(ctx context.Context, e cache.Entry) error {
	const q = `
		INSERT INTO response_cache (fingerprint, output, created_at, ttl_ms)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (fingerprint) DO UPDATE SET
		    output     = EXCLUDED.output,
		    created_at = EXCLUDED.created_at,
		    ttl_ms     = EXCLUDED.ttl_ms`

	if _, err := b.pool.Exec(ctx, q, string(e.Fingerprint), e.Output, e.CreatedAt.UTC(), e.TTL.Milliseconds()); err != nil {
		return fmt.Errorf("postgres cache: set: %w", err)
	}
	return nil
}

// Delete implements cache.Backend.
func (b *Backend) Delete(ctx context.Context, fp cache.Fingerprint) error {
	if _, err := b.pool.Exec(ctx, `DELETE FROM response_cache WHERE fingerprint = $1`, string(fp)); err != nil {
		return fmt.Errorf("postgres cache: delete: %w", err)
	}
	return nil
}

// Purge implements cache.Backend.
func (b *Backend) Purge(ctx context.Context) (int, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM response_cache`)
	if err != nil {
		return 0, fmt.Errorf("postgres cache: purge: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteExpired removes every expired row and returns how many were removed.
func (b *Backend) DeleteExpired(ctx context.Context) (int, error) {
	const q = `
		DELETE FROM response_cache
		WHERE ttl_ms > 0
		  AND created_at + ttl_ms * interval '1 millisecond' <= $1`
	tag, err := b.pool.Exec(ctx, q, b.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("postgres cache: delete expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// LoadEpoch implements cache.EpochStore. A fresh table reports epoch zero.
func (b *Backend) LoadEpoch(ctx context.Context) (uint64, error) {
	var epoch int64
	err := b.pool.QueryRow(ctx, `SELECT epoch FROM response_cache_meta WHERE id`).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres cache: load epoch: %w", err)
	}
	return uint64(epoch), nil
}

// SaveEpoch implements cache.EpochStore. The stored epoch never moves
// backwards, so replicas sharing the table cannot undo each other's bumps.
func (b *Backend) SaveEpoch(ctx context.Context, epoch uint64) error {
	const q = `
		INSERT INTO response_cache_meta (id, epoch) VALUES (TRUE, $1)
		ON CONFLICT (id) DO UPDATE SET
		    epoch = GREATEST(response_cache_meta.epoch, EXCLUDED.epoch)`
	if _, err := b.pool.Exec(ctx, q, int64(epoch)); err != nil {
		return fmt.Errorf("postgres cache: save epoch: %w", err)
	}
	return nil
}

// Ping implements cache.Pinger.
func (b *Backend) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}
