package recall

import (
	"context"
	"fmt"

	"github.com/Tangerg/lynx/recall/config"
	"github.com/Tangerg/lynx/recall/llm"
	"github.com/Tangerg/lynx/recall/store"
	"github.com/Tangerg/lynx/recall/store/postgres"
	"github.com/Tangerg/lynx/recall/store/snapshot"
)

// Provider is the host-application-facing entry point: a thin wrapper
// around Engine that matches the external interface consumers use to
// ingest sessions and search a container's memory. Initialize builds
// one from a Config plus the three external collaborators; config
// validation (including the required API key check) happens there.
type Provider struct {
	engine *Engine
}

// Initialize validates cfg, opens the configured persistence backend,
// and returns a ready Provider. It is the constructor form of the
// external Initialize(config) call: Go has no implicit singleton
// instance, so construction and initialization are the same step.
func Initialize(cfg *config.Config, embedder llm.Embedder, extractionGen, rerankGen llm.Generator) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("recall: initialize: %w", err)
	}

	st, err := newStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("recall: initialize: %w", err)
	}

	engine, err := New(cfg, embedder, extractionGen, rerankGen, st)
	if err != nil {
		return nil, fmt.Errorf("recall: initialize: %w", err)
	}
	return &Provider{engine: engine}, nil
}

func newStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		return postgres.New(context.Background(), cfg.PostgresDSN, cfg.EmbeddingDimensions)
	default:
		return snapshot.New(cfg.SnapshotRoot)
	}
}

// IngestProgress reports the outcome of an Ingest call the way
// AwaitIndexing's progress callback does: one invocation, covering
// every document the call produced.
type IngestProgress struct {
	CompletedIDs []string
	FailedIDs    []string
	Total        int
}

// Ingest extracts, indexes, and persists sessions for containerTag.
func (p *Provider) Ingest(ctx context.Context, sessions []Session, containerTag string) (IngestResult, error) {
	return p.engine.Ingest(ctx, sessions, containerTag)
}

// AwaitIndexing reports completion of an already-finished Ingest
// result. Ingest is synchronous in this implementation, so there is no
// background indexing left to await; onProgress, if given, is invoked
// exactly once with the final tally, matching the external contract
// for callers written against an asynchronous provider.
func (p *Provider) AwaitIndexing(result IngestResult, containerTag string, onProgress func(IngestProgress)) {
	if onProgress == nil {
		return
	}
	onProgress(IngestProgress{
		CompletedIDs: result.DocumentIDs,
		FailedIDs:    nil,
		Total:        len(result.DocumentIDs),
	})
}

// Search returns hybrid-ranked results, reranked where applicable, with
// a bounded graph-context expansion appended. limit <= 0 falls back to
// the configured rerank overfetch size.
func (p *Provider) Search(ctx context.Context, query, containerTag string, limit int) ([]Result, error) {
	return p.engine.Search(ctx, query, containerTag, limit)
}

// Clear deletes all indexed and persisted state for containerTag.
func (p *Provider) Clear(ctx context.Context, containerTag string) error {
	return p.engine.Clear(ctx, containerTag)
}

// LoadSnapshot restores containerTag's in-memory index from the
// configured store, if one exists. Search also does this on its own
// for a container that has no in-memory chunks.
func (p *Provider) LoadSnapshot(ctx context.Context, containerTag string) error {
	return p.engine.LoadSnapshot(ctx, containerTag)
}
