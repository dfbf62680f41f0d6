package port

import (
	"context"

	"docsearch/internal/domain"
)

// EmbeddingProvider is the raw model endpoint. Implementations classify
// retryable failures by wrapping domain.ErrTransient.
type EmbeddingProvider interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding vector dimension.
	Dimension() int

	// ModelVersion identifies the model; cached vectors are reused only
	// under the same version.
	ModelVersion() string
}

// Embedder is the batching, validating and retrying client over a provider.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([]domain.Embedding, error)

	Dimension() int

	ModelVersion() string
}

// EmbeddingCache memoizes vectors by content hash and model version.
type EmbeddingCache interface {
	GetOrCompute(ctx context.Context, contentHash, modelVersion string, compute func(context.Context) (domain.Embedding, error)) (domain.Embedding, error)

	// GetOrComputeBatch resolves all keys, computing every miss in one call.
	// compute receives the indexes (into hashes) that still need vectors and
	// must return embeddings in the same order.
	GetOrComputeBatch(ctx context.Context, hashes []string, modelVersion string, compute func(ctx context.Context, missing []int) ([]domain.Embedding, error)) ([]domain.Embedding, int, error)
}
