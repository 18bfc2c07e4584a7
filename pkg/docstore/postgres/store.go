package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/tonerag/pkg/docstore"
	"github.com/MrWong99/tonerag/pkg/types"
)

var (
	_ docstore.Store    = (*Store)(nil)
	_ docstore.Searcher = (*Store)(nil)
)

// Store is a docstore.Store backed by a single pgxpool.Pool. All operations
// are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, registers pgvector types on every
// connection and runs Migrate.
//
// embeddingDimensions must match the embedding provider in use (e.g. 1536 for
// text-embedding-3-small).
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Pool exposes the underlying pool so other components (the response cache)
// can share connections.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping checks database connectivity. It is used by the readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Put implements docstore.Store. Documents are upserted in one transaction.
func (s *Store) Put(ctx context.Context, docs ...types.Document) error {
	if len(docs) == 0 {
		return nil
	}
	const q = `
		INSERT INTO documents (id, content, embedding, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
		    content    = EXCLUDED.content,
		    embedding  = EXCLUDED.embedding,
		    metadata   = EXCLUDED.metadata`

	batch := &pgx.Batch{}
	for _, d := range docs {
		meta := d.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		created := d.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		batch.Queue(q, d.ID, d.Text, pgvector.NewVector(d.Embedding), meta, created)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: put: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres store: put: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: put: commit: %w", err)
	}
	return nil
}

const selectColumns = `id, content, embedding, metadata, created_at`

func scanDocument(row pgx.CollectableRow) (types.Document, error) {
	var (
		d   types.Document
		vec pgvector.Vector
	)
	if err := row.Scan(&d.ID, &d.Text, &vec, &d.Metadata, &d.CreatedAt); err != nil {
		return types.Document{}, err
	}
	d.Embedding = vec.Slice()
	return d, nil
}

// Get implements docstore.Store.
func (s *Store) Get(ctx context.Context, id string) (types.Document, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+selectColumns+` FROM documents WHERE id = $1`, id)
	if err != nil {
		return types.Document{}, fmt.Errorf("postgres store: get: %w", err)
	}
	d, err := pgx.CollectExactlyOneRow(rows, scanDocument)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Document{}, docstore.ErrNotFound
	}
	if err != nil {
		return types.Document{}, fmt.Errorf("postgres store: get: %w", err)
	}
	return d, nil
}

// GetMany implements docstore.Store.
func (s *Store) GetMany(ctx context.Context, ids []string) (map[string]types.Document, error) {
	out := make(map[string]types.Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+selectColumns+` FROM documents WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get many: %w", err)
	}
	docs, err := pgx.CollectRows(rows, scanDocument)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get many: scan rows: %w", err)
	}
	for _, d := range docs {
		out[d.ID] = d
	}
	return out, nil
}

// Delete implements docstore.Store.
func (s *Store) Delete(ctx context.Context, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres store: delete: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Scan implements docstore.Store.
func (s *Store) Scan(ctx context.Context, fn func(types.Document) error) error {
	rows, err := s.pool.Query(ctx, `SELECT `+selectColumns+` FROM documents ORDER BY id`)
	if err != nil {
		return fmt.Errorf("postgres store: scan: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return fmt.Errorf("postgres store: scan: %w", err)
		}
		if err := fn(d); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres store: scan: %w", err)
	}
	return nil
}

// Count implements docstore.Store.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM documents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres store: count: %w", err)
	}
	return n, nil
}

// Nearest implements docstore.Searcher inside the database using the HNSW
// index. Scores are cosine similarities (1 - cosine distance). It is used to
// cross-check the in-process index.
func (s *Store) Nearest(ctx context.Context, embedding []float32, k int) ([]types.ScoredDocument, error) {
	if k <= 0 {
		return []types.ScoredDocument{}, nil
	}
	const q = `
		SELECT ` + selectColumns + `, 1 - (embedding <=> $1) AS score
		FROM   documents
		ORDER  BY embedding <=> $1, id
		LIMIT  $2`
	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), k)
	if err != nil {
		return nil, fmt.Errorf("postgres store: nearest: %w", err)
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.ScoredDocument, error) {
		var (
			sd    types.ScoredDocument
			vec   pgvector.Vector
			score float64
		)
		if err := row.Scan(&sd.Document.ID, &sd.Document.Text, &vec, &sd.Document.Metadata, &sd.Document.CreatedAt, &score); err != nil {
			return types.ScoredDocument{}, err
		}
		sd.Document.Embedding = vec.Slice()
		sd.Score = float32(score)
		return sd, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: nearest: scan rows: %w", err)
	}
	if results == nil {
		results = []types.ScoredDocument{}
	}
	return results, nil
}
