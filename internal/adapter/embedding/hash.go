package embedding

import (
	"context"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	"docsearch/internal/adapter/analyzer"
)

// HashProvider is an offline embedding built by feature hashing analyzer
// tokens into signed buckets. Texts sharing terms get positive cosine
// similarity, which is enough for local use and tests.
type HashProvider struct {
	dimension int
	tokenizer *analyzer.Tokenizer
}

func NewHashProvider(dimension int) *HashProvider {
	if dimension <= 0 {
		dimension = 256
	}
	return &HashProvider{
		dimension: dimension,
		tokenizer: analyzer.NewTokenizer(true),
	}
}

func (p *HashProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vecs[i] = p.vector(text)
	}
	return vecs, nil
}

func (p *HashProvider) vector(text string) []float32 {
	vec := make([]float32, p.dimension)
	tokens := p.tokenizer.Tokenize(text)
	for _, tok := range tokens {
		h := xxhash.Sum64String(tok)
		idx := h % uint64(p.dimension)
		if h>>63 == 1 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

func (p *HashProvider) Dimension() int {
	return p.dimension
}

func (p *HashProvider) ModelVersion() string {
	return fmt.Sprintf("hash-xxh64-%d", p.dimension)
}
