package port

import (
	"context"

	"docsearch/internal/domain"
)

// DocumentSource hands clean text to the coordinator. Acquisition and
// format extraction live behind it.
type DocumentSource interface {
	List(ctx context.Context) ([]SourceDocument, error)

	Read(ctx context.Context, id string) (domain.IngestRequest, error)
}

type SourceDocument struct {
	ID       string
	Path     string
	ModTime  int64
	Size     int64
	Revision int64
}
