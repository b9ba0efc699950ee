// Package llm defines the external collaborator contracts this engine
// depends on: an embedding service and two generation endpoints (memory
// extraction, reranking). Both are plain text<->vector / text->text
// calls; no concrete provider client lives here, mirroring how the rest
// of this codebase treats LLM/embedding providers as interfaces the
// caller supplies rather than vendored SDKs.
package llm

import "context"

// Vector is a dense embedding.
type Vector []float32

// Embedder computes embeddings for text.
type Embedder interface {
	// Embed returns the embedding for a single text under model.
	Embed(ctx context.Context, model, text string) (Vector, error)
	// EmbedMany returns one embedding per input text, in order.
	EmbedMany(ctx context.Context, model string, texts []string) ([]Vector, error)
}

// Generator performs a single text-in, text-out call against an LLM,
// shared by both the extraction and reranking collaborators since their
// contract is identical at this boundary — only the prompt and expected
// output grammar differ, and those live in extract and rerank.
type Generator interface {
	Generate(ctx context.Context, model, prompt string) (string, error)
}
