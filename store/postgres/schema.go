// Package postgres implements store.Store on top of PostgreSQL with the
// pgvector extension: one relational schema holding chunks, entities,
// and relationships for every container, scoped by a container column.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlChunks = `
CREATE TABLE IF NOT EXISTS chunks (
    container    TEXT         NOT NULL,
    id           TEXT         NOT NULL,
    session_id   TEXT         NOT NULL DEFAULT '',
    chunk_index  INT          NOT NULL DEFAULT 0,
    content      TEXT         NOT NULL,
    embedding    vector(%d),
    date         TEXT         NOT NULL DEFAULT '',
    event_date   TEXT         NOT NULL DEFAULT '',
    metadata     JSONB        NOT NULL DEFAULT '{}',
    content_tsv  tsvector     GENERATED ALWAYS AS (to_tsvector('english', content)) STORED,
    PRIMARY KEY (container, id)
);

CREATE INDEX IF NOT EXISTS idx_chunks_container_session
    ON chunks (container, session_id);

CREATE INDEX IF NOT EXISTS idx_chunks_embedding
    ON chunks USING hnsw (embedding vector_cosine_ops);

CREATE INDEX IF NOT EXISTS idx_chunks_content_fts
    ON chunks USING GIN (content_tsv);
`

const ddlEntities = `
CREATE TABLE IF NOT EXISTS entities (
    container    TEXT         NOT NULL,
    name         TEXT         NOT NULL,
    type         TEXT         NOT NULL DEFAULT '',
    summary      TEXT         NOT NULL DEFAULT '',
    session_ids  JSONB        NOT NULL DEFAULT '[]',
    PRIMARY KEY (container, name)
);

CREATE INDEX IF NOT EXISTS idx_entities_container ON entities (container);
`

const ddlRelationships = `
CREATE TABLE IF NOT EXISTS relationships (
    container   TEXT         NOT NULL,
    source_name TEXT         NOT NULL,
    target_name TEXT         NOT NULL,
    relation    TEXT         NOT NULL,
    date        TEXT         NOT NULL DEFAULT '',
    session_id  TEXT         NOT NULL DEFAULT '',
    PRIMARY KEY (container, source_name, relation, target_name)
);

CREATE INDEX IF NOT EXISTS idx_relationships_source
    ON relationships (container, source_name);

CREATE INDEX IF NOT EXISTS idx_relationships_target
    ON relationships (container, target_name);
`

// Migrate creates the chunks/entities/relationships tables and the
// pgvector extension if they do not already exist. embeddingDimensions
// must match the embedding model configured for the deployment;
// changing it after the first migration requires a manual schema
// change.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		"CREATE EXTENSION IF NOT EXISTS vector;",
		fmt.Sprintf(ddlChunks, embeddingDimensions),
		ddlEntities,
		ddlRelationships,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}
