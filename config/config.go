// Package config defines the single root configuration object for the
// engine, following the teacher's Config+Validate idiom: a plain struct
// whose Validate method fills in documented defaults and rejects missing
// required fields, loadable from YAML or constructed directly for tests.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// Backend selects a persistence implementation.
type Backend string

const (
	// BackendSnapshot stores one JSON snapshot per container on disk.
	BackendSnapshot Backend = "snapshot"
	// BackendPostgres stores chunks/entities/relationships in PostgreSQL+pgvector.
	BackendPostgres Backend = "postgres"
)

// Config is the root configuration for the engine. Every tunable named
// in the external configuration surface lives here.
type Config struct {
	// APIKey authenticates against the embedding/LLM providers. Required.
	APIKey string `yaml:"apiKey"`
	// EmbeddingModel identifies the embedding model to request.
	EmbeddingModel string `yaml:"embeddingModel"`
	// ExtractionModel identifies the model used for memory extraction.
	ExtractionModel string `yaml:"extractionModel"`
	// RerankModel identifies the model used for reranking.
	RerankModel string `yaml:"rerankModel"`

	// ChunkSize is the chunker window size in characters.
	ChunkSize int `yaml:"chunkSize"`
	// ChunkOverlap is the chunker trailing-context carry in characters.
	ChunkOverlap int `yaml:"chunkOverlap"`

	// EmbeddingBatchSize bounds how many texts are embedded per call.
	EmbeddingBatchSize int `yaml:"embeddingBatchSize"`
	// EmbeddingDimensions is the fixed vector dimension for this engine
	// instance; all stored embeddings must match it.
	EmbeddingDimensions int `yaml:"embeddingDimensions"`

	// RerankOverfetch is how many candidates are fetched before reranking.
	RerankOverfetch int `yaml:"rerankOverfetch"`

	// ExtractionConcurrency bounds per-call batch fan-out.
	ExtractionConcurrency int `yaml:"extractionConcurrency"`
	// MaxGlobalExtractions bounds true process-wide extraction parallelism.
	MaxGlobalExtractions int `yaml:"maxGlobalExtractions"`
	// ExtractionCacheSize bounds the per-session completed-extraction LRU.
	ExtractionCacheSize int `yaml:"extractionCacheSize"`

	// VectorWeight and BM25Weight are the hybrid fusion weights; they must sum to 1.
	VectorWeight float64 `yaml:"vectorWeight"`
	BM25Weight   float64 `yaml:"bm25Weight"`

	// MaxGraphEntities and MaxGraphRelationships bound traversal output.
	MaxGraphEntities      int `yaml:"maxGraphEntities"`
	MaxGraphRelationships int `yaml:"maxGraphRelationships"`

	// Backend selects the persistence implementation.
	Backend Backend `yaml:"backend"`
	// SnapshotRoot is the filesystem root for the snapshot backend.
	SnapshotRoot string `yaml:"snapshotRoot"`
	// PostgresDSN is the connection string for the relational+vector backend.
	PostgresDSN string `yaml:"postgresDSN"`
}

// Load reads and validates a Config from a YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// envKeys lists every recognized environment variable name, without its
// RECALL_ prefix; LoadFromEnv assigns each to its Config field. Values
// are read as plain strings and coerced with
// cast, the same tolerant string->typed conversion the teacher's qdrant
// metadata-filter converter uses for untyped filter values.
var envKeys = []string{
	"API_KEY", "EMBEDDING_MODEL", "EXTRACTION_MODEL", "RERANK_MODEL",
	"CHUNK_SIZE", "CHUNK_OVERLAP", "EMBEDDING_BATCH_SIZE", "EMBEDDING_DIMENSIONS",
	"RERANK_OVERFETCH", "EXTRACTION_CONCURRENCY", "MAX_GLOBAL_EXTRACTIONS",
	"EXTRACTION_CACHE_SIZE", "VECTOR_WEIGHT", "BM25_WEIGHT",
	"MAX_GRAPH_ENTITIES", "MAX_GRAPH_RELATIONSHIPS",
	"BACKEND", "SNAPSHOT_ROOT", "POSTGRES_DSN",
}

// LoadFromEnv builds a Config from the recognized environment variables
// (see §6.1 of the configuration surface), falling back to Validate's
// defaults for anything unset, and validates the result.
func LoadFromEnv() (*Config, error) {
	raw := make(map[string]string, len(envKeys))
	for _, key := range envKeys {
		if v, ok := os.LookupEnv("RECALL_" + key); ok {
			raw[key] = v
		}
	}

	var cfg Config
	cfg.APIKey = raw["API_KEY"]
	cfg.EmbeddingModel = raw["EMBEDDING_MODEL"]
	cfg.ExtractionModel = raw["EXTRACTION_MODEL"]
	cfg.RerankModel = raw["RERANK_MODEL"]
	cfg.Backend = Backend(raw["BACKEND"])
	cfg.SnapshotRoot = raw["SNAPSHOT_ROOT"]
	cfg.PostgresDSN = raw["POSTGRES_DSN"]

	var err error
	if cfg.ChunkSize, err = castIntEnv(raw, "CHUNK_SIZE"); err != nil {
		return nil, err
	}
	if cfg.ChunkOverlap, err = castIntEnv(raw, "CHUNK_OVERLAP"); err != nil {
		return nil, err
	}
	if cfg.EmbeddingBatchSize, err = castIntEnv(raw, "EMBEDDING_BATCH_SIZE"); err != nil {
		return nil, err
	}
	if cfg.EmbeddingDimensions, err = castIntEnv(raw, "EMBEDDING_DIMENSIONS"); err != nil {
		return nil, err
	}
	if cfg.RerankOverfetch, err = castIntEnv(raw, "RERANK_OVERFETCH"); err != nil {
		return nil, err
	}
	if cfg.ExtractionConcurrency, err = castIntEnv(raw, "EXTRACTION_CONCURRENCY"); err != nil {
		return nil, err
	}
	if cfg.MaxGlobalExtractions, err = castIntEnv(raw, "MAX_GLOBAL_EXTRACTIONS"); err != nil {
		return nil, err
	}
	if cfg.ExtractionCacheSize, err = castIntEnv(raw, "EXTRACTION_CACHE_SIZE"); err != nil {
		return nil, err
	}
	if cfg.MaxGraphEntities, err = castIntEnv(raw, "MAX_GRAPH_ENTITIES"); err != nil {
		return nil, err
	}
	if cfg.MaxGraphRelationships, err = castIntEnv(raw, "MAX_GRAPH_RELATIONSHIPS"); err != nil {
		return nil, err
	}
	if cfg.VectorWeight, err = castFloatEnv(raw, "VECTOR_WEIGHT"); err != nil {
		return nil, err
	}
	if cfg.BM25Weight, err = castFloatEnv(raw, "BM25_WEIGHT"); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func castIntEnv(raw map[string]string, key string) (int, error) {
	v, ok := raw[key]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return 0, fmt.Errorf("config: RECALL_%s: %w", key, err)
	}
	return n, nil
}

func castFloatEnv(raw map[string]string, key string) (float64, error) {
	v, ok := raw[key]
	if !ok || v == "" {
		return 0, nil
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, fmt.Errorf("config: RECALL_%s: %w", key, err)
	}
	return f, nil
}

// Validate fills in documented defaults for zero-valued optional fields
// and rejects configurations missing a required field. It mutates c in
// place, mirroring the teacher's *Config.validate() idiom.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: cannot be nil")
	}
	if c.APIKey == "" {
		return errors.New("config: apiKey is required")
	}

	if c.ChunkSize <= 0 {
		c.ChunkSize = 1600
	}
	if c.ChunkOverlap <= 0 {
		c.ChunkOverlap = 320
	}
	if c.EmbeddingBatchSize <= 0 {
		c.EmbeddingBatchSize = 100
	}
	if c.EmbeddingDimensions <= 0 {
		c.EmbeddingDimensions = 1536
	}
	if c.RerankOverfetch <= 0 {
		c.RerankOverfetch = 40
	}
	if c.ExtractionConcurrency <= 0 {
		c.ExtractionConcurrency = 10
	}
	if c.MaxGlobalExtractions <= 0 {
		c.MaxGlobalExtractions = 300
	}
	if c.ExtractionCacheSize <= 0 {
		c.ExtractionCacheSize = 512
	}
	if c.VectorWeight == 0 && c.BM25Weight == 0 {
		c.VectorWeight = 0.7
		c.BM25Weight = 0.3
	}
	if diff := c.VectorWeight + c.BM25Weight - 1.0; diff > 1e-9 || diff < -1e-9 {
		return fmt.Errorf("config: vectorWeight (%.3f) + bm25Weight (%.3f) must sum to 1", c.VectorWeight, c.BM25Weight)
	}
	if c.MaxGraphEntities <= 0 {
		c.MaxGraphEntities = 10
	}
	if c.MaxGraphRelationships <= 0 {
		c.MaxGraphRelationships = 20
	}

	if c.Backend == "" {
		c.Backend = BackendSnapshot
	}
	switch c.Backend {
	case BackendSnapshot:
		if c.SnapshotRoot == "" {
			c.SnapshotRoot = "./data/snapshots"
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return errors.New("config: postgresDSN is required when backend is postgres")
		}
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}

	return nil
}
