package recall

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeRejectsMissingAPIKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.APIKey = ""
	_, err := Initialize(cfg, fakeEmbedder{}, &fakeExtractor{}, &fakeReranker{})
	assert.Error(t, err)
}

func TestProviderIngestSearchAwaitClearRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	p, err := Initialize(cfg, fakeEmbedder{}, &fakeExtractor{}, &fakeReranker{})
	require.NoError(t, err)
	ctx := context.Background()

	result, err := p.Ingest(ctx, []Session{berlinSession("s1")}, "tag1")
	require.NoError(t, err)
	require.Len(t, result.DocumentIDs, 1)

	var progress IngestProgress
	var calls int
	p.AwaitIndexing(result, "tag1", func(ip IngestProgress) {
		calls++
		progress = ip
	})
	assert.Equal(t, 1, calls, "onProgress must be invoked exactly once")
	assert.Equal(t, result.DocumentIDs, progress.CompletedIDs)
	assert.Empty(t, progress.FailedIDs)
	assert.Equal(t, len(result.DocumentIDs), progress.Total)

	results, err := p.Search(ctx, "Berlin", "tag1", 5)
	require.NoError(t, err)
	assert.NotEmpty(t, results)

	require.NoError(t, p.Clear(ctx, "tag1"))
	results, err = p.Search(ctx, "Berlin", "tag1", 5)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotContains(t, r.Content, "Berlin")
	}
}

func TestAwaitIndexingToleratesNilCallback(t *testing.T) {
	cfg := testConfig(t)
	p, err := Initialize(cfg, fakeEmbedder{}, &fakeExtractor{}, &fakeReranker{})
	require.NoError(t, err)
	ctx := context.Background()

	result, err := p.Ingest(ctx, []Session{berlinSession("s1")}, "tag1")
	require.NoError(t, err)

	assert.NotPanics(t, func() { p.AwaitIndexing(result, "tag1", nil) })
}
