package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/samber/lo"

	"github.com/Tangerg/lynx/recall/graph"
	"github.com/Tangerg/lynx/recall/search"
	"github.com/Tangerg/lynx/recall/store"
)

// Store is a store.Store backed by a PostgreSQL pool. Obtain one via
// New, which also runs Migrate.
type Store struct {
	pool                *pgxpool.Pool
	embeddingDimensions int
}

var _ store.Store = (*Store)(nil)

// New connects to dsn, migrates the schema for the given embedding
// dimensionality, and returns a ready Store.
func New(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool, embeddingDimensions: embeddingDimensions}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Save replaces all rows for tag with snap's contents inside a single
// transaction: tag's existing chunks, entities, and relationships are
// deleted, then snap's are inserted.
func (s *Store) Save(ctx context.Context, tag string, snap store.Snapshot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: save: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := deleteContainer(ctx, tx, tag); err != nil {
		return fmt.Errorf("postgres: save: %w", err)
	}

	for _, c := range snap.Chunks {
		metaJSON, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("postgres: save: marshal chunk metadata: %w", err)
		}
		const q = `
			INSERT INTO chunks
			    (container, id, session_id, chunk_index, content, embedding, date, event_date, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
		_, err = tx.Exec(ctx, q, tag, c.ID, c.SessionID, c.ChunkIndex, c.Content,
			pgvector.NewVector(c.Embedding), c.Date, c.EventDate, metaJSON)
		if err != nil {
			return fmt.Errorf("postgres: save: insert chunk %s: %w", c.ID, err)
		}
	}

	for _, n := range snap.Nodes {
		sessionsJSON, err := json.Marshal(lo.Keys(n.SessionIDs))
		if err != nil {
			return fmt.Errorf("postgres: save: marshal entity sessions: %w", err)
		}
		const q = `
			INSERT INTO entities (container, name, type, summary, session_ids)
			VALUES ($1, $2, $3, $4, $5)`
		if _, err := tx.Exec(ctx, q, tag, n.Name, n.Type, n.Summary, sessionsJSON); err != nil {
			return fmt.Errorf("postgres: save: insert entity %s: %w", n.Name, err)
		}
	}

	for _, e := range snap.Edges {
		const q = `
			INSERT INTO relationships (container, source_name, target_name, relation, date, session_id)
			VALUES ($1, $2, $3, $4, $5, $6)`
		if _, err := tx.Exec(ctx, q, tag, e.Source, e.Target, e.Relation, e.Date, e.SessionID); err != nil {
			return fmt.Errorf("postgres: save: insert relationship %s->%s: %w", e.Source, e.Target, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: save: commit: %w", err)
	}
	return nil
}

func deleteContainer(ctx context.Context, tx pgx.Tx, tag string) error {
	for _, table := range []string{"chunks", "entities", "relationships"} {
		if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE container = $1", table), tag); err != nil {
			return fmt.Errorf("delete existing %s: %w", table, err)
		}
	}
	return nil
}

// Load reads the full persisted Snapshot for tag. ok is false when tag
// has no rows in any of the three tables.
func (s *Store) Load(ctx context.Context, tag string) (store.Snapshot, bool, error) {
	chunks, err := s.loadChunks(ctx, tag)
	if err != nil {
		return store.Snapshot{}, false, fmt.Errorf("postgres: load: %w", err)
	}
	nodes, err := s.loadEntities(ctx, tag)
	if err != nil {
		return store.Snapshot{}, false, fmt.Errorf("postgres: load: %w", err)
	}
	edges, err := s.loadRelationships(ctx, tag)
	if err != nil {
		return store.Snapshot{}, false, fmt.Errorf("postgres: load: %w", err)
	}

	if len(chunks) == 0 && len(nodes) == 0 && len(edges) == 0 {
		return store.Snapshot{}, false, nil
	}
	return store.Snapshot{Chunks: chunks, Nodes: nodes, Edges: edges}, true, nil
}

func (s *Store) loadChunks(ctx context.Context, tag string) ([]search.Chunk, error) {
	const q = `
		SELECT id, session_id, chunk_index, content, embedding, date, event_date, metadata
		FROM   chunks
		WHERE  container = $1`
	rows, err := s.pool.Query(ctx, q, tag)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (search.Chunk, error) {
		var (
			c        search.Chunk
			vec      pgvector.Vector
			metaJSON []byte
		)
		if err := row.Scan(&c.ID, &c.SessionID, &c.ChunkIndex, &c.Content, &vec, &c.Date, &c.EventDate, &metaJSON); err != nil {
			return search.Chunk{}, err
		}
		c.ContainerTag = tag
		c.Embedding = vec.Slice()
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &c.Metadata); err != nil {
				return search.Chunk{}, fmt.Errorf("unmarshal chunk metadata: %w", err)
			}
		}
		return c, nil
	})
}

func (s *Store) loadEntities(ctx context.Context, tag string) ([]graph.Node, error) {
	const q = `SELECT name, type, summary, session_ids FROM entities WHERE container = $1`
	rows, err := s.pool.Query(ctx, q, tag)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (graph.Node, error) {
		var (
			n            graph.Node
			sessionsJSON []byte
		)
		if err := row.Scan(&n.Name, &n.Type, &n.Summary, &sessionsJSON); err != nil {
			return graph.Node{}, err
		}
		var sessionIDs []string
		if len(sessionsJSON) > 0 {
			if err := json.Unmarshal(sessionsJSON, &sessionIDs); err != nil {
				return graph.Node{}, fmt.Errorf("unmarshal entity sessions: %w", err)
			}
		}
		n.SessionIDs = lo.SliceToMap(sessionIDs, func(id string) (string, struct{}) { return id, struct{}{} })
		return n, nil
	})
}

func (s *Store) loadRelationships(ctx context.Context, tag string) ([]graph.Edge, error) {
	const q = `SELECT source_name, target_name, relation, date, session_id FROM relationships WHERE container = $1`
	rows, err := s.pool.Query(ctx, q, tag)
	if err != nil {
		return nil, fmt.Errorf("query relationships: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (graph.Edge, error) {
		var e graph.Edge
		if err := row.Scan(&e.Source, &e.Target, &e.Relation, &e.Date, &e.SessionID); err != nil {
			return graph.Edge{}, err
		}
		return e, nil
	})
}

// Clear removes all persisted rows for tag across all three tables.
func (s *Store) Clear(ctx context.Context, tag string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: clear: begin: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := deleteContainer(ctx, tx, tag); err != nil {
		return fmt.Errorf("postgres: clear: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: clear: commit: %w", err)
	}
	return nil
}
