package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/tonerag/internal/cache"
	"github.com/MrWong99/tonerag/internal/cache/postgres"
)

func newTestBackend(t *testing.T) *postgres.Backend {
	t.Helper()
	dsn := os.Getenv("TONERAG_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TONERAG_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS response_cache, response_cache_meta"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	b, err := postgres.NewBackend(ctx, pool)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	return b
}

func TestBackend_RoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	fp := cache.NewFingerprint("q", "formal", []string{"a"}, "m@1#0")

	if _, err := b.Get(ctx, fp); !errors.Is(err, cache.ErrMiss) {
		t.Fatalf("Get on empty table: err = %v, want ErrMiss", err)
	}

	want := cache.Entry{Fingerprint: fp, Output: "Dear colleague,", CreatedAt: time.Now().UTC().Truncate(time.Millisecond), TTL: time.Hour}
	if err := b.Set(ctx, want); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := b.Get(ctx, fp)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Output != want.Output || got.TTL != want.TTL || !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("Get = %+v, want %+v", got, want)
	}

	if err := b.Delete(ctx, fp); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := b.Get(ctx, fp); !errors.Is(err, cache.ErrMiss) {
		t.Errorf("after Delete: err = %v", err)
	}
}

func TestBackend_ExpiredAndPurge(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	old := cache.Entry{Fingerprint: "old", Output: "x", CreatedAt: time.Now().Add(-2 * time.Hour), TTL: time.Hour}
	live := cache.Entry{Fingerprint: "live", Output: "y", CreatedAt: time.Now()}
	for _, e := range []cache.Entry{old, live} {
		if err := b.Set(ctx, e); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}

	n, err := b.DeleteExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("DeleteExpired = %d, %v; want 1", n, err)
	}
	n, err = b.Purge(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Purge = %d, %v; want 1", n, err)
	}
	if err := b.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestBackend_EpochSurvivesNewBackend(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if got, err := b.LoadEpoch(ctx); err != nil || got != 0 {
		t.Fatalf("LoadEpoch on fresh table = %d, %v; want 0", got, err)
	}
	if err := b.SaveEpoch(ctx, 3); err != nil {
		t.Fatalf("SaveEpoch: %v", err)
	}
	if err := b.SaveEpoch(ctx, 2); err != nil {
		t.Fatalf("SaveEpoch lower: %v", err)
	}

	pool, err := pgxpool.New(ctx, os.Getenv("TONERAG_TEST_POSTGRES_DSN"))
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	reopened, err := postgres.NewBackend(ctx, pool)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	if got, err := reopened.LoadEpoch(ctx); err != nil || got != 3 {
		t.Errorf("LoadEpoch after reopen = %d, %v; want 3", got, err)
	}
}
