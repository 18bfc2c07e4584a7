// Package postgres provides a PostgreSQL-backed docstore.Store using the
// pgvector extension for the embedding column.
//
// The pgvector extension must be available in the target database; Migrate
// installs it via CREATE EXTENSION IF NOT EXISTS.
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer store.Close()
//	_ = store.Put(ctx, doc)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlDocuments returns the documents DDL with the embedding dimension
// substituted. The dimension is baked into the column type at creation time.
func ddlDocuments(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS documents (
    id          TEXT         PRIMARY KEY,
    content     TEXT         NOT NULL,
    embedding   vector(%d)   NOT NULL,
    metadata    JSONB        NOT NULL DEFAULT '{}',
    source      TEXT         GENERATED ALWAYS AS (metadata->>'source') STORED,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_documents_source
    ON documents (source);

CREATE INDEX IF NOT EXISTS idx_documents_embedding
    ON documents USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates the documents table and its indexes. It is idempotent and
// safe to call on every start. Changing embeddingDimensions after the first
// migration requires a manual schema change.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if embeddingDimensions <= 0 {
		return fmt.Errorf("postgres migrate: embedding dimensions must be positive, got %d", embeddingDimensions)
	}
	if _, err := pool.Exec(ctx, ddlDocuments(embeddingDimensions)); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
