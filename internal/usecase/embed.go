package usecase

import (
	"context"
	"fmt"

	"docsearch/internal/adapter/chunker"
	"docsearch/internal/domain"
	"docsearch/internal/port"
)

// EmbeddingResolver routes every embedding request through the cache so
// ingestion and queries share vectors for identical text. A nil cache
// calls the embedder directly.
type EmbeddingResolver struct {
	cache    port.EmbeddingCache
	embedder port.Embedder
}

func NewEmbeddingResolver(cache port.EmbeddingCache, embedder port.Embedder) *EmbeddingResolver {
	return &EmbeddingResolver{cache: cache, embedder: embedder}
}

func (r *EmbeddingResolver) ModelVersion() string {
	return r.embedder.ModelVersion()
}

func (r *EmbeddingResolver) Dimension() int {
	return r.embedder.Dimension()
}

// Resolve returns one embedding per text. hashes[i] must be the content
// hash of texts[i]. The second value counts vectors not computed by this
// call.
func (r *EmbeddingResolver) Resolve(ctx context.Context, hashes, texts []string) ([]domain.Embedding, int, error) {
	if len(hashes) != len(texts) {
		return nil, 0, fmt.Errorf("%w: %d hashes for %d texts", domain.ErrInvalidInput, len(hashes), len(texts))
	}
	if len(texts) == 0 {
		return nil, 0, nil
	}
	if r.cache == nil {
		embs, err := r.embedder.EmbedBatch(ctx, texts)
		return embs, 0, err
	}

	return r.cache.GetOrComputeBatch(ctx, hashes, r.embedder.ModelVersion(),
		func(ctx context.Context, missing []int) ([]domain.Embedding, error) {
			batch := make([]string, len(missing))
			for j, i := range missing {
				batch[j] = texts[i]
			}
			return r.embedder.EmbedBatch(ctx, batch)
		})
}

// ResolveQuery embeds normalized query text, cached under its content hash.
func (r *EmbeddingResolver) ResolveQuery(ctx context.Context, text string) (domain.Embedding, error) {
	embs, _, err := r.Resolve(ctx, []string{chunker.ContentHash(text)}, []string{text})
	if err != nil {
		return domain.Embedding{}, err
	}
	return embs[0], nil
}
