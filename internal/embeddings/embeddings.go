// Package embeddings generates fixed-dimension L2-normalized vectors for
// text. Generation is model-agnostic behind the Generator interface; the
// default implementation talks to an HTTP inference server and is guarded
// by a content-addressed cache keyed by (model, text).
package embeddings

import (
	"context"
	"fmt"

	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
)

// Supported models and their output dimensions. The collection records
// the model identifier; a text under an unsupported model is refused.
var modelDimensions = map[string]int{
	"all-MiniLM-L6-v2":  384,
	"all-MiniLM-L12-v2": 384,
	"all-mpnet-base-v2": 768,
}

// ModelDimension returns the embedding dimension for a supported model.
func ModelDimension(model string) (int, error) {
	dim, ok := modelDimensions[model]
	if !ok {
		return 0, fmt.Errorf("%w: unsupported model %q (supported: all-MiniLM-L6-v2, all-MiniLM-L12-v2, all-mpnet-base-v2)",
			memory.ErrEmbedding, model)
	}
	return dim, nil
}

// Generator is the embedding contract used by the rest of the core.
//
// Every returned vector is L2-normalized to unit length. BatchGenerate
// preserves input order; an empty element anywhere aborts the whole
// batch.
type Generator interface {
	// Generate embeds a single text. Rejects empty or whitespace-only
	// input with an error wrapping memory.ErrEmbedding.
	Generate(ctx context.Context, text string) ([]float32, error)

	// BatchGenerate embeds texts in order. Empty input returns empty
	// output.
	BatchGenerate(ctx context.Context, texts []string) ([][]float32, error)

	// Dim returns the constant embedding dimension for this instance.
	Dim() int

	// Model returns the model identifier recorded on stored vectors.
	Model() string

	// Close releases pooled resources.
	Close() error
}

// inference is the raw model invocation, before caching and pooling.
// Implementations return unnormalized vectors; the service normalizes.
type inference interface {
	embed(ctx context.Context, texts []string) ([][]float32, error)
	close() error
}
