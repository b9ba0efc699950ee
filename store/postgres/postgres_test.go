package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tangerg/lynx/recall/graph"
	"github.com/Tangerg/lynx/recall/search"
	"github.com/Tangerg/lynx/recall/store"
	"github.com/Tangerg/lynx/recall/store/postgres"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips
// the test if RECALL_TEST_POSTGRES_DSN is not set — these tests need a
// real PostgreSQL instance with the pgvector extension available.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("RECALL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RECALL_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(cleanPool.Close)
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS relationships CASCADE",
		"DROP TABLE IF EXISTS entities CASCADE",
		"DROP TABLE IF EXISTS chunks CASCADE",
	} {
		_, err := cleanPool.Exec(ctx, stmt)
		require.NoError(t, err)
	}

	s, err := postgres.New(ctx, dsn, testEmbeddingDim)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func sampleSnapshot() store.Snapshot {
	return store.Snapshot{
		Chunks: []search.Chunk{
			{ID: "c1", SessionID: "s1", Content: "user met Alice in Berlin", Embedding: []float32{1, 0, 0, 0}},
		},
		Nodes: []graph.Node{
			{Name: "Alice", Type: "person", Summary: "a friend", SessionIDs: map[string]struct{}{"s1": {}}},
		},
		Edges: []graph.Edge{
			{Source: "Alice", Target: "Berlin", Relation: "visited", SessionID: "s1"},
		},
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snap := sampleSnapshot()
	require.NoError(t, s.Save(ctx, "tag1", snap))

	loaded, ok, err := s.Load(ctx, "tag1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, loaded.Chunks, 1)
	assert.Equal(t, "user met Alice in Berlin", loaded.Chunks[0].Content)
	require.Len(t, loaded.Nodes, 1)
	assert.Equal(t, "Alice", loaded.Nodes[0].Name)
	require.Len(t, loaded.Edges, 1)
	assert.Equal(t, "visited", loaded.Edges[0].Relation)
}

func TestLoadOnUnknownTagReturnsNotOK(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Load(context.Background(), "never-saved")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveReplacesPriorSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "tag1", sampleSnapshot()))
	require.NoError(t, s.Save(ctx, "tag1", store.Snapshot{}))

	loaded, ok, err := s.Load(ctx, "tag1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, loaded.Chunks)
}

func TestClearRemovesAllRowsForTag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "tag1", sampleSnapshot()))
	require.NoError(t, s.Clear(ctx, "tag1"))

	_, ok, err := s.Load(ctx, "tag1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestContainersAreIsolated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "tag1", sampleSnapshot()))

	_, ok, err := s.Load(ctx, "tag2")
	require.NoError(t, err)
	assert.False(t, ok)
}
