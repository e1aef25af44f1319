// Package embed provides text embedding providers. Each provider maps text
// to a fixed-length vector, deterministic per model version.
package embed

import "context"

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates a vector embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector dimension of the configured model.
	Dimensions() int
}
