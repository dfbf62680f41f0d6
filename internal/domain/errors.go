package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig signals a configuration the component cannot work with.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrInvalidInput signals a caller error. Never retried.
	ErrInvalidInput = errors.New("invalid input")
	// ErrEmbeddingUnavailable signals that the embedding model could not be reached
	// after all retries.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	// ErrDimensionMismatch signals drift between the model and the vector index.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrIngestionInProgress signals that another ingestion holds the document.
	ErrIngestionInProgress = errors.New("ingestion in progress")
	// ErrIndexUnavailable signals that one retrieval path is down.
	ErrIndexUnavailable = errors.New("index unavailable")
	// ErrQueryUnavailable signals that every retrieval path failed.
	ErrQueryUnavailable = errors.New("query unavailable")
	// ErrDocumentNotFound signals an unknown document ID.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrTransient marks provider failures worth retrying (timeouts, rate limits, 5xx).
	ErrTransient = errors.New("transient failure")
)

// IngestStage names the pipeline step an ingestion failed in.
type IngestStage string

const (
	StageValidate IngestStage = "validate"
	StageChunk    IngestStage = "chunk"
	StageEmbed    IngestStage = "embed"
	StageIndex    IngestStage = "index"
	StageCommit   IngestStage = "commit"
)

// IngestError wraps a pipeline failure with the document and stage.
type IngestError struct {
	DocumentID string
	Revision   int64
	Stage      IngestStage
	Err        error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingest %s@%d: %s: %v", e.DocumentID, e.Revision, e.Stage, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth retrying later by the caller.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrEmbeddingUnavailable) ||
		errors.Is(err, ErrIngestionInProgress) ||
		errors.Is(err, ErrIndexUnavailable)
}
