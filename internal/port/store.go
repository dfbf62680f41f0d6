package port

import "docsearch/internal/domain"

// DocumentStore persists the coordinator's per-document records.
type DocumentStore interface {
	PutDocument(doc domain.Document) error

	// GetDocument returns domain.ErrDocumentNotFound for unknown IDs.
	GetDocument(id string) (domain.Document, error)

	DeleteDocument(id string) error

	ListDocuments() ([]domain.Document, error)
}
