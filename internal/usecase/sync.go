package usecase

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"docsearch/internal/domain"
	"docsearch/internal/port"
)

// SyncUseCase brings the indexes in line with a document source.
type SyncUseCase struct {
	source      port.DocumentSource
	coordinator *Coordinator
	logger      *zap.Logger
}

func NewSyncUseCase(source port.DocumentSource, coordinator *Coordinator, logger *zap.Logger) *SyncUseCase {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncUseCase{source: source, coordinator: coordinator, logger: logger}
}

// SyncResult contains the results of a sync.
type SyncResult struct {
	Indexed   int
	Unchanged int
	Skipped   int
	Removed   int
	Failed    int
	Errors    []string
}

type SyncOptions struct {
	// Prune removes indexed documents the source no longer lists.
	Prune    bool
	Progress func(domain.IngestResult)
	// Planned is called once with the number of documents to ingest.
	Planned func(n int)
}

// Sync ingests every source document whose revision is newer than the
// committed one.
func (u *SyncUseCase) Sync(ctx context.Context, opts SyncOptions) (*SyncResult, error) {
	result := &SyncResult{}

	listed, err := u.source.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list source documents: %w", err)
	}
	existing, err := u.coordinator.Documents()
	if err != nil {
		return nil, fmt.Errorf("failed to list existing documents: %w", err)
	}
	existingMap := make(map[string]domain.Document, len(existing))
	for _, doc := range existing {
		existingMap[doc.ID] = doc
	}

	seen := make(map[string]bool, len(listed))
	var reqs []domain.IngestRequest
	for _, sd := range listed {
		seen[sd.ID] = true
		if doc, ok := existingMap[sd.ID]; ok && doc.Status == domain.StatusIndexed && doc.IndexedRevision >= sd.Revision {
			result.Skipped++
			continue
		}
		req, err := u.source.Read(ctx, sd.ID)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("failed to read %s: %v", sd.ID, err))
			continue
		}
		reqs = append(reqs, req)
	}

	if opts.Planned != nil {
		opts.Planned(len(reqs))
	}
	results, err := u.coordinator.IngestBatch(ctx, reqs, opts.Progress)
	for _, r := range results {
		switch {
		case r.Error != "":
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("failed to index %s: %s", r.DocumentID, r.Error))
		case r.Unchanged:
			result.Unchanged++
		case r.Status == domain.StatusIndexed:
			result.Indexed++
		}
	}
	if err != nil {
		return result, err
	}

	if opts.Prune {
		for id := range existingMap {
			if seen[id] {
				continue
			}
			if err := u.coordinator.Remove(ctx, id); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("failed to remove %s: %v", id, err))
				continue
			}
			result.Removed++
		}
	}

	return result, nil
}

// Apply handles one change reported by a watcher.
func (u *SyncUseCase) Apply(ctx context.Context, id string, deleted bool) error {
	if deleted {
		err := u.coordinator.Remove(ctx, id)
		if errors.Is(err, domain.ErrDocumentNotFound) {
			return nil
		}
		return err
	}

	req, err := u.source.Read(ctx, id)
	if err != nil {
		return err
	}
	res, err := u.coordinator.Ingest(ctx, req)
	if err != nil {
		return err
	}
	if res.Status == domain.StatusFailed {
		return fmt.Errorf("ingest %s: %s", id, res.Error)
	}
	u.logger.Info("applied change",
		zap.String("doc_id", id),
		zap.Int("chunks", res.Chunks),
		zap.Bool("unchanged", res.Unchanged),
	)
	return nil
}
