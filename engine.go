// Package recall composes the pool, lock, graph, chunk, search, rerank,
// cache, and store packages into the ingest/search orchestrator, mirroring
// the fan-out-then-accumulate pipeline shape of the teacher's
// rag.Pipeline.
package recall

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Tangerg/lynx/pkg/safe"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/Tangerg/lynx/recall/cache"
	"github.com/Tangerg/lynx/recall/chunk"
	"github.com/Tangerg/lynx/recall/config"
	"github.com/Tangerg/lynx/recall/extract"
	"github.com/Tangerg/lynx/recall/graph"
	"github.com/Tangerg/lynx/recall/llm"
	"github.com/Tangerg/lynx/recall/lock"
	"github.com/Tangerg/lynx/recall/observe"
	"github.com/Tangerg/lynx/recall/pool"
	"github.com/Tangerg/lynx/recall/rerank"
	"github.com/Tangerg/lynx/recall/search"
	"github.com/Tangerg/lynx/recall/store"
)

// Retry policy constants from the configuration surface: extraction gets
// more attempts with exponential backoff since it is the most expensive
// and most failure-prone external call; embedding and rerank calls use a
// shorter linear backoff.
const (
	extractionRetries = 5
	transportRetries  = 3
)

// sleepFn and the backoff functions are indirected so tests can avoid
// real waits, the same technique used in package rerank.
var (
	sleepFn           = time.Sleep
	extractionBackoff = func(attempt int) time.Duration { return time.Duration(1<<uint(attempt)) * time.Second }
	transportBackoff  = func(attempt int) time.Duration { return time.Duration(attempt) * time.Second }
)

// Engine is the ingest/search orchestrator. One Engine instance owns all
// containers it has touched; containers are created lazily on first use.
type Engine struct {
	cfg *config.Config

	pool    *pool.Pool
	locks   *lock.Registry
	search  *search.Engine
	cache   *cache.ExtractionCache
	chunker *chunk.Splitter
	store   store.Store

	embedder      llm.Embedder
	extractionGen llm.Generator
	rerankGen     llm.Generator

	graphMu sync.Mutex
	graphs  map[string]*graph.Graph
	// sessionTags tracks which container each cached sessionID last
	// contributed to, so Clear can invalidate the right cache entries.
	sessionTags map[string]string
}

// New builds an Engine from a validated configuration and the three
// external collaborators. cfg is validated (and defaulted) in place.
func New(cfg *config.Config, embedder llm.Embedder, extractionGen, rerankGen llm.Generator, st store.Store) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("recall: %w", err)
	}

	p, err := pool.New(cfg.MaxGlobalExtractions)
	if err != nil {
		return nil, fmt.Errorf("recall: %w", err)
	}
	extractionCache, err := cache.New(cfg.ExtractionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("recall: %w", err)
	}
	splitter, err := chunk.New(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, fmt.Errorf("recall: %w", err)
	}

	return &Engine{
		cfg:           cfg,
		pool:          p,
		locks:         lock.NewRegistry(),
		search:        search.New(cfg.VectorWeight, cfg.BM25Weight),
		cache:         extractionCache,
		chunker:       splitter,
		store:         st,
		embedder:      embedder,
		extractionGen: extractionGen,
		rerankGen:     rerankGen,
		graphs:        make(map[string]*graph.Graph),
		sessionTags:   make(map[string]string),
	}, nil
}

func (e *Engine) graphFor(tag string) *graph.Graph {
	e.graphMu.Lock()
	defer e.graphMu.Unlock()
	g, ok := e.graphs[tag]
	if !ok {
		g = graph.NewWithLimits(e.cfg.MaxGraphEntities, e.cfg.MaxGraphRelationships)
		e.graphs[tag] = g
	}
	return g
}

// IngestStats summarizes one Ingest call.
type IngestStats struct {
	SessionsProcessed   int
	ChunksWritten       int
	EntitiesTouched     int
	RelationshipsAdded  int
	ExtractionCacheHits int
	Duration            time.Duration
}

// IngestResult is the return value of Ingest.
type IngestResult struct {
	DocumentIDs []string
	Stats       IngestStats
}

// pendingChunk is an extracted-and-chunked-but-not-yet-embedded unit of
// memory text, carrying everything needed to build a search.Chunk once
// its embedding comes back.
type pendingChunk struct {
	sessionID  string
	chunkIndex int
	content    string
	date       string
	eventDate  string
}

// Ingest extracts, parses, chunks, embeds, and indexes every session for
// tag, then persists a snapshot. Per-session extraction is deduplicated
// by session id (completed results are cached; in-flight calls for the
// same id are shared) and rate-limited by the global extraction pool;
// EXTRACTION_CONCURRENCY bounds how many sessions are processed at once
// within this call.
func (e *Engine) Ingest(ctx context.Context, sessions []Session, tag string) (IngestResult, error) {
	start := time.Now()
	e.locks.Lock(tag)
	defer e.locks.Unlock(tag)

	g := e.graphFor(tag)

	var (
		mu                 sync.Mutex
		pending            []pendingChunk
		entitiesTouched    int
		relationshipsAdded int
		cacheHits          int
	)

	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(e.cfg.ExtractionConcurrency)

	for _, session := range sessions {
		session := session
		grp.Go(func() error {
			// A malformed extraction prompt or a chunker edge case must
			// not take down the whole Ingest call; recover it into an
			// ordinary error the same way the teacher's worker
			// goroutines do via pkg/safe.
			var stepErr error
			safe.WithRecover(func() {
				raw, hit, err := e.extractSession(gctx, session)
				if err != nil {
					stepErr = fmt.Errorf("recall: ingest: session %s: %w", session.SessionID, err)
					return
				}

				parsed := extract.Parse(raw)
				memoryText := "# Memories from " + session.Date + "\n\n" + parsed.MemoryText
				dated := datedLines(parsed, parsed.MemoryText)
				chunks := e.chunker.Split(memoryText)

				e.graphMu.Lock()
				e.sessionTags[session.SessionID] = tag
				e.graphMu.Unlock()

				mu.Lock()
				if hit {
					cacheHits++
				}
				for _, en := range parsed.Entities {
					g.AddEntity(en.Name, en.Type, en.Summary, session.SessionID)
					entitiesTouched++
				}
				for _, rel := range parsed.Relationships {
					before := g.EdgeCount()
					g.AddRelationship(graph.Edge{
						Source:    rel.Source,
						Target:    rel.Target,
						Relation:  rel.Relation,
						Date:      rel.Date,
						SessionID: session.SessionID,
					})
					if g.EdgeCount() > before {
						relationshipsAdded++
					}
				}
				for i, c := range chunks {
					pending = append(pending, pendingChunk{
						sessionID:  session.SessionID,
						chunkIndex: i,
						content:    c.Content,
						date:       session.Date,
						eventDate:  earliestEventDate(c.Content, dated),
					})
				}
				mu.Unlock()
			}, func(err error) {
				stepErr = fmt.Errorf("recall: ingest: session %s: %w", session.SessionID, err)
			})()
			return stepErr
		})
	}

	if err := grp.Wait(); err != nil {
		return IngestResult{}, err
	}

	searchChunks, ids, err := e.embedPending(ctx, tag, pending)
	if err != nil {
		return IngestResult{}, fmt.Errorf("recall: ingest: %w", err)
	}

	if err := e.search.AddChunks(tag, searchChunks); err != nil {
		return IngestResult{}, fmt.Errorf("recall: ingest: %w", err)
	}

	if e.store != nil {
		snap := store.Snapshot{Chunks: e.search.Chunks(tag), Nodes: g.Nodes(), Edges: g.Edges()}
		writeStart := time.Now()
		err := e.store.Save(ctx, tag, snap)
		observe.Default().SnapshotWriteDuration.Record(ctx, time.Since(writeStart).Seconds(), metric.WithAttributes(observe.ContainerAttr(tag)))
		if err != nil {
			observe.Logger.Error("recall: snapshot write failed", "container", tag, "error", err)
		}
	}

	stats := IngestStats{
		SessionsProcessed:   len(sessions),
		ChunksWritten:       len(searchChunks),
		EntitiesTouched:     entitiesTouched,
		RelationshipsAdded:  relationshipsAdded,
		ExtractionCacheHits: cacheHits,
		Duration:            time.Since(start),
	}
	return IngestResult{DocumentIDs: ids, Stats: stats}, nil
}

// extractSession runs the extraction LLM call for session under the
// global pool, deduplicated by session id.
func (e *Engine) extractSession(ctx context.Context, session Session) (string, bool, error) {
	if err := e.pool.Acquire(ctx); err != nil {
		return "", false, fmt.Errorf("extraction pool: %w", err)
	}
	defer e.pool.Release()

	return e.cache.GetOrExtract(session.SessionID, func() (string, error) {
		prompt := buildExtractionPrompt(session)
		var out string
		err := withRetry(extractionRetries, extractionBackoff, func() error {
			start := time.Now()
			text, err := e.extractionGen.Generate(ctx, e.cfg.ExtractionModel, prompt)
			observe.Default().ExtractionDuration.Record(ctx, time.Since(start).Seconds())
			if err != nil {
				return err
			}
			out = text
			return nil
		})
		return out, err
	})
}

// embedPending computes embeddings for every pending chunk in batches of
// EmbeddingBatchSize and assembles the final search.Chunk list. No chunk
// is visible to Search until every embedding in this call has succeeded,
// so a partial ingest failure never leaves a chunk indexed without its
// embedding.
func (e *Engine) embedPending(ctx context.Context, tag string, pending []pendingChunk) ([]search.Chunk, []string, error) {
	if len(pending) == 0 {
		return nil, nil, nil
	}

	texts := make([]string, len(pending))
	for i, p := range pending {
		texts[i] = p.content
	}

	embeddings := make([]llm.Vector, 0, len(pending))
	batchSize := e.cfg.EmbeddingBatchSize
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		var batchEmbeddings []llm.Vector
		err := withRetry(transportRetries, transportBackoff, func() error {
			t0 := time.Now()
			vecs, err := e.embedder.EmbedMany(ctx, e.cfg.EmbeddingModel, batch)
			observe.Default().EmbeddingDuration.Record(ctx, time.Since(t0).Seconds())
			if err != nil {
				return err
			}
			batchEmbeddings = vecs
			return nil
		})
		if err != nil {
			return nil, nil, fmt.Errorf("embed batch [%d:%d]: %w", start, end, err)
		}
		embeddings = append(embeddings, batchEmbeddings...)
	}

	chunks := make([]search.Chunk, len(pending))
	ids := make([]string, len(pending))
	for i, p := range pending {
		id := chunkID(tag, p.sessionID, p.chunkIndex)
		chunks[i] = search.Chunk{
			ID:           id,
			ContainerTag: tag,
			Content:      p.content,
			SessionID:    p.sessionID,
			ChunkIndex:   p.chunkIndex,
			Embedding:    embeddings[i],
			Date:         p.date,
			EventDate:    p.eventDate,
		}
		ids[i] = id
	}
	return chunks, ids, nil
}

// Result is one entry of a Search response: either a ranked chunk or an
// entity/relationship pseudo-result from graph expansion.
type Result struct {
	Content     string
	Score       float64
	VectorScore float64
	BM25Score   float64
	RerankScore *float64
	SessionID   string
	ChunkIndex  int
	Date        string
	EventDate   string
	Metadata    map[string]string

	// Type is "", "entity", or "relationship". Entity/relationship
	// fields below are populated only when Type is set.
	Type       string
	Name       string
	EntityType string
	Source     string
	Target     string
	Relation   string
}

// Search embeds query, runs a hybrid search with overfetch, reranks down
// to limit when there are more candidates than requested, and appends a
// bounded graph-context expansion seeded from entity mentions in query.
// A container with no in-memory chunks is first loaded from the store.
func (e *Engine) Search(ctx context.Context, query, tag string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = e.cfg.RerankOverfetch
	}

	if e.store != nil && !e.search.HasData(tag) {
		e.locks.Lock(tag)
		var loadErr error
		if !e.search.HasData(tag) {
			loadErr = e.LoadSnapshot(ctx, tag)
		}
		e.locks.Unlock(tag)
		if loadErr != nil {
			return nil, loadErr
		}
	}

	e.locks.RLock(tag)
	defer e.locks.RUnlock(tag)

	var queryEmbedding llm.Vector
	err := withRetry(transportRetries, transportBackoff, func() error {
		t0 := time.Now()
		v, err := e.embedder.Embed(ctx, e.cfg.EmbeddingModel, query)
		observe.Default().EmbeddingDuration.Record(ctx, time.Since(t0).Seconds())
		if err != nil {
			return err
		}
		queryEmbedding = v
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recall: search: embed query: %w", err)
	}

	overfetch := limit
	if e.cfg.RerankOverfetch > overfetch {
		overfetch = e.cfg.RerankOverfetch
	}

	searchStart := time.Now()
	hybrid, err := e.search.Search(ctx, tag, queryEmbedding, query, overfetch)
	observe.Default().HybridSearchDuration.Record(ctx, time.Since(searchStart).Seconds(), metric.WithAttributes(observe.ContainerAttr(tag)))
	if err != nil {
		return nil, fmt.Errorf("recall: search: %w", err)
	}

	var ranked []rerank.Result
	if len(hybrid) > limit {
		rerankStart := time.Now()
		ranked = rerank.Rerank(ctx, e.rerankGen, e.cfg.RerankModel, query, hybrid, limit)
		observe.Default().RerankDuration.Record(ctx, time.Since(rerankStart).Seconds())
		if len(ranked) > 0 && !ranked[0].Reranked {
			observe.Default().RerankTerminalFailures.Add(ctx, 1)
		}
	} else {
		ranked = make([]rerank.Result, len(hybrid))
		for i, r := range hybrid {
			ranked[i] = rerank.Result{Result: r}
		}
	}

	results := make([]Result, 0, len(ranked))
	for _, r := range ranked {
		res := Result{
			Content:     r.Content,
			Score:       r.Score,
			VectorScore: r.VectorScore,
			BM25Score:   r.BM25Score,
			SessionID:   r.SessionID,
			ChunkIndex:  r.ChunkIndex,
			Date:        r.Date,
			EventDate:   r.EventDate,
			Metadata:    r.Metadata,
		}
		if r.Reranked {
			score := r.RerankScore
			res.RerankScore = &score
		}
		results = append(results, res)
	}

	g := e.graphFor(tag)
	seeds := g.FindEntitiesInQuery(query)
	if len(seeds) > 0 {
		graphCtx := g.GetContext(seeds, 2)
		for _, n := range graphCtx.Entities {
			results = append(results, Result{Type: "entity", Name: n.Name, EntityType: n.Type, Content: n.Summary})
		}
		for _, ed := range graphCtx.Relationships {
			results = append(results, Result{
				Type: "relationship", Source: ed.Source, Target: ed.Target, Relation: ed.Relation,
				Date: ed.Date, SessionID: ed.SessionID,
			})
		}
	}

	return results, nil
}

// Clear removes all chunks, entities, and relationships for tag, and
// invalidates the completed-extraction cache for every session that
// contributed to it.
func (e *Engine) Clear(ctx context.Context, tag string) error {
	e.locks.Lock(tag)
	defer e.locks.Unlock(tag)

	e.search.Clear(tag)

	e.graphMu.Lock()
	delete(e.graphs, tag)
	for sessionID, sessionTag := range e.sessionTags {
		if sessionTag == tag {
			e.cache.Invalidate(sessionID)
			delete(e.sessionTags, sessionID)
		}
	}
	e.graphMu.Unlock()

	if e.store != nil {
		if err := e.store.Clear(ctx, tag); err != nil {
			return fmt.Errorf("recall: clear: %w", err)
		}
	}
	return nil
}

// LoadSnapshot restores tag's search index and entity graph from the
// engine's store, if one is configured and a snapshot exists for tag.
func (e *Engine) LoadSnapshot(ctx context.Context, tag string) error {
	if e.store == nil {
		return nil
	}
	snap, ok, err := e.store.Load(ctx, tag)
	if err != nil {
		return fmt.Errorf("recall: load snapshot: %w", err)
	}
	if !ok {
		return nil
	}
	if err := e.search.LoadSnapshot(tag, snap.Chunks); err != nil {
		return fmt.Errorf("recall: load snapshot: %w", err)
	}
	g := graph.NewWithLimits(e.cfg.MaxGraphEntities, e.cfg.MaxGraphRelationships)
	g.LoadSnapshot(snap.Nodes, snap.Edges)
	e.graphMu.Lock()
	e.graphs[tag] = g
	e.graphMu.Unlock()
	return nil
}

// chunkID returns the deterministic document ID tag_sessionID_chunkIndex,
// derived from content identity so re-ingesting the same session chunk
// overwrites rather than duplicates it.
func chunkID(tag, sessionID string, chunkIndex int) string {
	return fmt.Sprintf("%s_%s_%d", tag, sessionID, chunkIndex)
}

func withRetry(attempts int, backoff func(attempt int) time.Duration, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := fn(); err != nil {
			lastErr = err
			if attempt < attempts {
				sleepFn(backoff(attempt))
			}
			continue
		}
		return nil
	}
	return lastErr
}

func buildExtractionPrompt(session Session) string {
	var b strings.Builder
	b.WriteString("Extract memories, entities, and relationships from the following conversation, ")
	b.WriteString("dated " + session.Date + ". Respond using <memories>, <entities>, and <relationships> ")
	b.WriteString("tags; entity and relationship lines are pipe-delimited.\n\n")
	for _, m := range session.Messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Speaker, m.Content)
	}
	return b.String()
}

type datedLine struct {
	text string
	date string
}

func datedLines(parsed extract.Result, text string) []datedLine {
	var out []datedLine
	lineIdx := 0
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if d, ok := parsed.EventDates[lineIdx]; ok {
			out = append(out, datedLine{text: trimmed, date: d})
		}
		lineIdx++
	}
	return out
}

// earliestEventDate returns the lexicographically earliest date among
// dated lines whose text appears verbatim in content, or "" if none do.
// ISO date strings sort correctly as plain strings.
func earliestEventDate(content string, dated []datedLine) string {
	earliest := ""
	for _, d := range dated {
		if !strings.Contains(content, d.text) {
			continue
		}
		if earliest == "" || d.date < earliest {
			earliest = d.date
		}
	}
	return earliest
}
