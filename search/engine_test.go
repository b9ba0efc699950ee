package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunkWithEmbedding(id, content string, embedding []float32) Chunk {
	return Chunk{
		ID:           id,
		ContainerTag: "t",
		Content:      content,
		SessionID:    "s1",
		Embedding:    embedding,
	}
}

func TestAddChunksThenSearchFindsExactEmbeddingMatch(t *testing.T) {
	e := New(0.7, 0.3)
	c := chunkWithEmbedding("t_s1_0", "user owns a Sony A7 camera", []float32{1, 0, 0})
	require.NoError(t, e.AddChunks("t", []Chunk{c}))

	results, err := e.Search(context.Background(), "t", []float32{1, 0, 0}, "camera", 3)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "t_s1_0", results[0].ID)
}

func TestAddChunksIsIdempotentOnRepeatedID(t *testing.T) {
	e := New(0.7, 0.3)
	c := chunkWithEmbedding("t_s1_0", "first version", []float32{1, 0, 0})
	require.NoError(t, e.AddChunks("t", []Chunk{c}))
	require.NoError(t, e.AddChunks("t", []Chunk{c}))

	assert.Equal(t, 1, e.GetChunkCount("t"))

	r1, err := e.Search(context.Background(), "t", []float32{1, 0, 0}, "version", 5)
	require.NoError(t, err)
	r2, err := e.Search(context.Background(), "t", []float32{1, 0, 0}, "version", 5)
	require.NoError(t, err)
	require.Len(t, r1, 1)
	require.Len(t, r2, 1)
	assert.Equal(t, r1[0].Score, r2[0].Score)
}

func TestAddChunksUpsertReplacesContent(t *testing.T) {
	e := New(0.7, 0.3)
	require.NoError(t, e.AddChunks("t", []Chunk{chunkWithEmbedding("id1", "old content", []float32{1, 0})}))
	require.NoError(t, e.AddChunks("t", []Chunk{chunkWithEmbedding("id1", "new content", []float32{0, 1})}))

	assert.Equal(t, 1, e.GetChunkCount("t"))
	chunks := e.Chunks("t")
	require.Len(t, chunks, 1)
	assert.Equal(t, "new content", chunks[0].Content)
}

func TestSearchScoreContract(t *testing.T) {
	e := New(0.7, 0.3)
	require.NoError(t, e.AddChunks("t", []Chunk{
		chunkWithEmbedding("c1", "user met Alice in Berlin", []float32{1, 0}),
		chunkWithEmbedding("c2", "user talked about travel", []float32{0, 1}),
	}))

	results, err := e.Search(context.Background(), "t", []float32{1, 0}, "Alice Berlin", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)

	for _, r := range results {
		assert.GreaterOrEqual(t, r.VectorScore, 0.0)
		assert.LessOrEqual(t, r.VectorScore, 1.0)
		assert.GreaterOrEqual(t, r.BM25Score, 0.0)
		assert.LessOrEqual(t, r.BM25Score, 1.0)
		assert.InDelta(t, 0.7*r.VectorScore+0.3*r.BM25Score, r.Score, 1e-9)
	}
}

func TestHybridBeatsVectorOnlyForLexicalMatch(t *testing.T) {
	e := New(0.7, 0.3)
	require.NoError(t, e.AddChunks("t", []Chunk{
		chunkWithEmbedding("c1", "user met Alice in Berlin", []float32{0.9, 0.1}),
		chunkWithEmbedding("c2", "user talked about travel", []float32{0.9, 0.11}),
	}))

	results, err := e.Search(context.Background(), "t", []float32{0.9, 0.1}, "Alice Berlin", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byID := map[string]Result{}
	for _, r := range results {
		byID[r.ID] = r
	}
	assert.Greater(t, byID["c1"].BM25Score, 0.0)
	assert.Equal(t, 0.0, byID["c2"].BM25Score)
	assert.Equal(t, "c1", results[0].ID)
}

func TestSearchOnEmptyContainerReturnsEmptyNotError(t *testing.T) {
	e := New(0.7, 0.3)
	results, err := e.Search(context.Background(), "nonexistent", []float32{1, 0}, "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestClearRemovesContainerState(t *testing.T) {
	e := New(0.7, 0.3)
	require.NoError(t, e.AddChunks("t", []Chunk{chunkWithEmbedding("id1", "x", []float32{1, 0})}))
	e.Clear("t")
	assert.False(t, e.HasData("t"))
	assert.Equal(t, 0, e.GetChunkCount("t"))
}

func TestLoadSnapshotRebuildsIndices(t *testing.T) {
	e := New(0.7, 0.3)
	chunks := []Chunk{
		chunkWithEmbedding("id1", "hello world", []float32{1, 0}),
		chunkWithEmbedding("id2", "goodbye world", []float32{0, 1}),
	}
	require.NoError(t, e.LoadSnapshot("t", chunks))
	assert.Equal(t, 2, e.GetChunkCount("t"))

	results, err := e.Search(context.Background(), "t", []float32{1, 0}, "hello", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "id1", results[0].ID)
}
