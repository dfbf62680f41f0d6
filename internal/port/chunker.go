package port

import "docsearch/internal/domain"

type Chunker interface {
	Chunk(documentID, text string) ([]domain.Chunk, error)
}
