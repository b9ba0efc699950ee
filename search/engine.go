// Package search implements the hybrid search engine: one cosine-ANN
// vector index plus one BM25 lexical index per container, fused with
// fixed weights after max-normalizing the lexical component over the
// current candidate set.
package search

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/coder/hnsw"
)

// DefaultVectorWeight and DefaultBM25Weight are the tuned fusion weights;
// they are part of the scoring contract, not a knob to idly retune.
const (
	DefaultVectorWeight = 0.7
	DefaultBM25Weight   = 0.3
)

// Chunk is one unit of indexed memory text, owned by the search engine.
type Chunk struct {
	ID           string
	ContainerTag string
	Content      string
	SessionID    string
	ChunkIndex   int
	Embedding    []float32
	Date         string
	EventDate    string
	Metadata     map[string]string
}

// Result is one scored hit from Search.
type Result struct {
	Chunk
	VectorScore float64
	BM25Score   float64
	Score       float64
}

// bleveDoc is the document shape indexed into bleve; only Content is
// analyzed, everything else lives in the authoritative chunk map.
type bleveDoc struct {
	Content string `json:"content"`
}

// containerIndex holds the live vector graph, lexical index, and
// authoritative chunk store for one container tag.
type containerIndex struct {
	mu      sync.Mutex
	vector  *hnsw.Graph[uint64]
	lexical bleve.Index
	chunks  map[string]Chunk

	idToKey map[string]uint64
	keyToID map[uint64]string
	nextKey uint64
}

func newContainerIndex() (*containerIndex, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("search: create lexical index: %w", err)
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance

	return &containerIndex{
		vector:  graph,
		lexical: idx,
		chunks:  make(map[string]Chunk),
		idToKey: make(map[string]uint64),
		keyToID: make(map[uint64]string),
	}, nil
}

// Engine owns one containerIndex per container tag. Callers are expected
// to serialize writers against readers per tag using lock.Registry — the
// engine itself does not re-derive that guarantee, matching the
// per-container lock being the single source of truth for ordering.
type Engine struct {
	vectorWeight float64
	bm25Weight   float64

	mu         sync.Mutex
	containers map[string]*containerIndex
}

// New returns an Engine using the given fusion weights. When both weights
// are non-positive, the tuned defaults are used instead.
func New(vectorWeight, bm25Weight float64) *Engine {
	if vectorWeight <= 0 && bm25Weight <= 0 {
		vectorWeight, bm25Weight = DefaultVectorWeight, DefaultBM25Weight
	}
	return &Engine{
		vectorWeight: vectorWeight,
		bm25Weight:   bm25Weight,
		containers:   make(map[string]*containerIndex),
	}
}

func (e *Engine) container(tag string) (*containerIndex, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ci, ok := e.containers[tag]
	if ok {
		return ci, nil
	}
	ci, err := newContainerIndex()
	if err != nil {
		return nil, err
	}
	e.containers[tag] = ci
	return ci, nil
}

// AddChunks upserts chunks by ID into tag's indices. On repeated ingest
// of the same ID, old content and embedding are replaced in both the
// vector and lexical index.
func (e *Engine) AddChunks(tag string, chunks []Chunk) error {
	ci, err := e.container(tag)
	if err != nil {
		return err
	}

	ci.mu.Lock()
	defer ci.mu.Unlock()

	batch := ci.lexical.NewBatch()
	for _, c := range chunks {
		if existingKey, exists := ci.idToKey[c.ID]; exists {
			// coder/hnsw cannot safely delete an arbitrary node (especially
			// the last one), so upserts orphan the old key instead of
			// removing it from the graph; Search skips orphaned keys via
			// keyToID, matching the lazy-deletion technique this vector
			// store is grounded on.
			delete(ci.keyToID, existingKey)
		}

		key := ci.nextKey
		ci.nextKey++
		ci.vector.Add(hnsw.MakeNode(key, normalize(c.Embedding)))
		ci.idToKey[c.ID] = key
		ci.keyToID[key] = c.ID
		ci.chunks[c.ID] = c

		if err := batch.Index(c.ID, bleveDoc{Content: c.Content}); err != nil {
			return fmt.Errorf("search: index chunk %s: %w", c.ID, err)
		}
	}
	if err := ci.lexical.Batch(batch); err != nil {
		return fmt.Errorf("search: commit batch: %w", err)
	}
	return nil
}

// Search fetches the top-limit chunks by cosine similarity, restricts
// lexical scoring to that candidate set, max-normalizes the lexical
// scores within the set, and fuses per Engine's configured weights.
func (e *Engine) Search(ctx context.Context, tag string, queryEmbedding []float32, queryText string, limit int) ([]Result, error) {
	ci, err := e.container(tag)
	if err != nil {
		return nil, err
	}

	ci.mu.Lock()
	defer ci.mu.Unlock()

	if ci.vector.Len() == 0 {
		return []Result{}, nil
	}

	normalizedQuery := normalize(queryEmbedding)
	nodes := ci.vector.Search(normalizedQuery, limit)

	results := make([]Result, 0, len(nodes))
	candidateIDs := make([]string, 0, len(nodes))
	for _, node := range nodes {
		id, ok := ci.keyToID[node.Key]
		if !ok {
			continue // orphaned key from a prior upsert
		}
		chunk, ok := ci.chunks[id]
		if !ok {
			continue
		}
		distance := ci.vector.Distance(normalizedQuery, node.Value)
		results = append(results, Result{
			Chunk:       chunk,
			VectorScore: cosineDistanceToScore(distance),
		})
		candidateIDs = append(candidateIDs, id)
	}

	lexicalScores, err := e.lexicalScores(ctx, ci, queryText, candidateIDs)
	if err != nil {
		return nil, err
	}

	maxLexical := 0.0
	for _, s := range lexicalScores {
		if s > maxLexical {
			maxLexical = s
		}
	}

	for i := range results {
		raw := lexicalScores[results[i].ID]
		normalizedLexical := 0.0
		if maxLexical > 0 {
			normalizedLexical = raw / maxLexical
		}
		results[i].BM25Score = normalizedLexical
		results[i].Score = e.vectorWeight*results[i].VectorScore + e.bm25Weight*normalizedLexical
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results, nil
}

// lexicalScores runs queryText against the container's full lexical
// index and returns the raw BM25-family score for every id in
// candidateIDs, defaulting to 0 for candidates bleve did not match.
func (e *Engine) lexicalScores(ctx context.Context, ci *containerIndex, queryText string, candidateIDs []string) (map[string]float64, error) {
	scores := make(map[string]float64, len(candidateIDs))
	for _, id := range candidateIDs {
		scores[id] = 0
	}
	if queryText == "" {
		return scores, nil
	}

	docCount, _ := ci.lexical.DocCount()
	if docCount == 0 {
		return scores, nil
	}

	query := bleve.NewMatchQuery(queryText)
	query.SetField("content")
	req := bleve.NewSearchRequest(query)
	req.Size = int(docCount)

	res, err := ci.lexical.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search: lexical query: %w", err)
	}

	for _, hit := range res.Hits {
		if _, isCandidate := scores[hit.ID]; isCandidate {
			scores[hit.ID] = hit.Score
		}
	}
	return scores, nil
}

// GetChunkCount returns the number of chunks currently indexed for tag.
func (e *Engine) GetChunkCount(tag string) int {
	ci, err := e.container(tag)
	if err != nil {
		return 0
	}
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return len(ci.chunks)
}

// HasData reports whether tag has any indexed chunks.
func (e *Engine) HasData(tag string) bool {
	return e.GetChunkCount(tag) > 0
}

// Chunks returns a snapshot slice of all chunks for tag, for serialization.
func (e *Engine) Chunks(tag string) []Chunk {
	ci, err := e.container(tag)
	if err != nil {
		return nil
	}
	ci.mu.Lock()
	defer ci.mu.Unlock()
	out := make([]Chunk, 0, len(ci.chunks))
	for _, c := range ci.chunks {
		out = append(out, c)
	}
	return out
}

// LoadSnapshot replaces tag's indices with chunks loaded from persistent
// storage (see store.Snapshot), rebuilding both the vector and lexical
// index from scratch rather than round-tripping the raw HNSW graph.
func (e *Engine) LoadSnapshot(tag string, chunks []Chunk) error {
	e.mu.Lock()
	ci, err := newContainerIndex()
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.containers[tag] = ci
	e.mu.Unlock()

	return e.AddChunks(tag, chunks)
}

// Clear removes all indexed state for tag.
func (e *Engine) Clear(tag string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.containers, tag)
}

func normalize(v []float32) []float32 {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	if sumSquares == 0 {
		return v
	}
	out := make([]float32, len(v))
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i, x := range v {
		out[i] = x * inv
	}
	return out
}

// cosineDistanceToScore converts coder/hnsw's cosine distance (range
// 0 = identical to 2 = opposite) into a similarity score in [0, 1].
func cosineDistanceToScore(distance float32) float64 {
	score := 1.0 - float64(distance)/2.0
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
