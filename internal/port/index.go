package port

import (
	"context"

	"docsearch/internal/domain"
)

// VectorIndex stores chunk vectors grouped per document. Upsert replaces the
// whole entry set of a document atomically.
type VectorIndex interface {
	Upsert(ctx context.Context, documentID string, entries []domain.VectorEntry) error

	Remove(ctx context.Context, documentID string) error

	Search(ctx context.Context, query []float32, k int, filter domain.Filter) ([]domain.Hit, error)

	Entries(documentID string) ([]domain.VectorEntry, error)

	Len() int
}

// KeywordIndex is the term-based counterpart of VectorIndex.
type KeywordIndex interface {
	Upsert(ctx context.Context, documentID string, entries []domain.KeywordEntry) error

	Remove(ctx context.Context, documentID string) error

	Search(ctx context.Context, terms []string, k int, filter domain.Filter) ([]domain.Hit, error)

	Entries(documentID string) ([]domain.KeywordEntry, error)

	Len() int
}
