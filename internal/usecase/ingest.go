package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"docsearch/internal/adapter/analyzer"
	"docsearch/internal/adapter/chunker"
	"docsearch/internal/domain"
	"docsearch/internal/metrics"
	"docsearch/internal/port"
)

// Policy decides what a second ingestion of a busy document does.
type Policy string

const (
	PolicyReject Policy = "reject"
	PolicyWait   Policy = "wait"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyReject:
		return PolicyReject, nil
	case PolicyWait:
		return PolicyWait, nil
	}
	return "", fmt.Errorf("%w: unknown ingestion policy %q", domain.ErrInvalidConfig, s)
}

type CoordinatorConfig struct {
	Workers       int
	Policy        Policy
	WriteAttempts int
	WriteBackoff  time.Duration
	// RollbackTimeout bounds index restores that run after the caller's
	// context is gone.
	RollbackTimeout time.Duration
	// Gate is shared with the QueryEngine. Nil gets a private gate.
	Gate *CommitGate
}

func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Workers:         4,
		Policy:          PolicyReject,
		WriteAttempts:   3,
		WriteBackoff:    100 * time.Millisecond,
		RollbackTimeout: 30 * time.Second,
	}
}

// Coordinator turns documents into entries of both indexes. A document is
// visible in both indexes at its committed revision or not at all.
type Coordinator struct {
	chunker   port.Chunker
	tokenizer port.Tokenizer
	embedder  *EmbeddingResolver
	vectors   port.VectorIndex
	keywords  port.KeywordIndex
	store     port.DocumentStore
	cfg       CoordinatorConfig
	logger    *zap.Logger
	locks     *docLocks

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewCoordinator(
	chunker port.Chunker,
	tokenizer port.Tokenizer,
	embedder *EmbeddingResolver,
	vectors port.VectorIndex,
	keywords port.KeywordIndex,
	store port.DocumentStore,
	cfg CoordinatorConfig,
	logger *zap.Logger,
) (*Coordinator, error) {
	if chunker == nil || tokenizer == nil || embedder == nil || vectors == nil || keywords == nil || store == nil {
		return nil, fmt.Errorf("%w: coordinator is missing a dependency", domain.ErrInvalidConfig)
	}
	def := DefaultCoordinatorConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Policy == "" {
		cfg.Policy = def.Policy
	}
	if cfg.Policy != PolicyReject && cfg.Policy != PolicyWait {
		return nil, fmt.Errorf("%w: unknown ingestion policy %q", domain.ErrInvalidConfig, cfg.Policy)
	}
	if cfg.WriteAttempts <= 0 {
		cfg.WriteAttempts = 1
	}
	if cfg.RollbackTimeout <= 0 {
		cfg.RollbackTimeout = def.RollbackTimeout
	}
	if cfg.Gate == nil {
		cfg.Gate = NewCommitGate()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Coordinator{
		chunker:   chunker,
		tokenizer: tokenizer,
		embedder:  embedder,
		vectors:   vectors,
		keywords:  keywords,
		store:     store,
		cfg:       cfg,
		logger:    logger,
		locks:     newDocLocks(),
		sleep:     sleepContext,
		now:       time.Now,
	}, nil
}

// Ingest indexes one revision of a document. The returned result is filled
// on success and on failure. A write that still fails after its retries
// yields a FAILED result and a nil error; rejected requests, cancellation
// and drift also return an error carrying the failure class.
func (c *Coordinator) Ingest(ctx context.Context, req domain.IngestRequest) (domain.IngestResult, error) {
	start := time.Now()
	result := domain.IngestResult{DocumentID: req.DocumentID, Revision: req.Revision}
	log := c.logger.With(
		zap.String("doc_id", req.DocumentID),
		zap.Int64("revision", req.Revision),
		zap.String("attempt", uuid.NewString()),
	)

	fail := func(stage domain.IngestStage, err error) (domain.IngestResult, error) {
		result.Status = domain.StatusFailed
		result.Error = err.Error()
		result.Duration = time.Since(start)
		outcome := "failed"
		if errors.Is(err, domain.ErrIngestionInProgress) {
			outcome = "rejected"
		}
		metrics.IngestionsTotal.WithLabelValues(outcome).Inc()
		log.Warn("ingestion failed", zap.String("stage", string(stage)), zap.Error(err))
		return result, &domain.IngestError{DocumentID: req.DocumentID, Revision: req.Revision, Stage: stage, Err: err}
	}

	if req.DocumentID == "" {
		return fail(domain.StageValidate, fmt.Errorf("%w: document id is empty", domain.ErrInvalidInput))
	}
	if req.Revision <= 0 {
		return fail(domain.StageValidate, fmt.Errorf("%w: revision must be positive, got %d", domain.ErrInvalidInput, req.Revision))
	}
	text := analyzer.Normalize(req.Text)
	if text == "" {
		return fail(domain.StageValidate, fmt.Errorf("%w: document text is empty", domain.ErrInvalidInput))
	}

	release, err := c.locks.acquire(ctx, req.DocumentID, c.cfg.Policy == PolicyWait)
	if err != nil {
		return fail(domain.StageValidate, err)
	}
	defer release()

	prev, err := c.store.GetDocument(req.DocumentID)
	if err != nil && !errors.Is(err, domain.ErrDocumentNotFound) {
		return fail(domain.StageValidate, err)
	}
	if prev.IndexedRevision > 0 && req.Revision < prev.IndexedRevision {
		return fail(domain.StageValidate, fmt.Errorf("%w: stale revision %d, committed revision is %d",
			domain.ErrInvalidInput, req.Revision, prev.IndexedRevision))
	}

	textHash := chunker.ContentHash(text)
	if prev.Status == domain.StatusIndexed && prev.IndexedRevision == req.Revision && prev.TextHash == textHash {
		result.Status = domain.StatusIndexed
		result.Unchanged = true
		result.Chunks = prev.ChunkCount()
		result.Kept = prev.ChunkCount()
		result.Duration = time.Since(start)
		metrics.IngestionsTotal.WithLabelValues("unchanged").Inc()
		log.Debug("revision already indexed")
		return result, nil
	}

	chunks, err := c.chunker.Chunk(req.DocumentID, text)
	if err != nil {
		return fail(domain.StageChunk, err)
	}
	if len(chunks) == 0 {
		return fail(domain.StageChunk, fmt.Errorf("%w: document produced no chunks", domain.ErrInvalidInput))
	}

	doc := prev
	doc.ID = req.DocumentID
	doc.Revision = req.Revision
	doc.Status = domain.StatusPending
	doc.LastError = ""
	doc.UpdatedAt = c.now()
	if err := c.store.PutDocument(doc); err != nil {
		return fail(domain.StageCommit, err)
	}

	markFailed := func(stage domain.IngestStage, cause error) (domain.IngestResult, error) {
		failed := doc
		failed.Status = domain.StatusFailed
		failed.LastError = cause.Error()
		failed.UpdatedAt = c.now()
		recorded := true
		if err := c.store.PutDocument(failed); err != nil {
			log.Error("failed to record failure", zap.Error(err))
			recorded = false
		}
		res, err := fail(stage, cause)
		if recorded && !surfaces(ctx, cause) {
			return res, nil
		}
		return res, err
	}

	hashes := make([]string, len(chunks))
	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		hashes[i] = ch.ContentHash
		texts[i] = ch.Text
	}

	embs, hits, err := c.embedder.Resolve(ctx, hashes, texts)
	if err != nil {
		return markFailed(domain.StageEmbed, err)
	}
	result.CacheHits = hits

	vecEntries := make([]domain.VectorEntry, len(chunks))
	kwEntries := make([]domain.KeywordEntry, len(chunks))
	for i, ch := range chunks {
		vecEntries[i] = domain.VectorEntry{
			DocumentID:  ch.DocumentID,
			Sequence:    ch.Sequence,
			ContentHash: ch.ContentHash,
			Text:        ch.Text,
			Vector:      embs[i].Vector,
		}
		kwEntries[i] = domain.KeywordEntry{
			DocumentID:  ch.DocumentID,
			Sequence:    ch.Sequence,
			ContentHash: ch.ContentHash,
			Text:        ch.Text,
			Tokens:      c.tokenizer.Tokenize(ch.Text),
		}
	}

	snap, err := c.snapshot(req.DocumentID)
	if err != nil {
		return markFailed(domain.StageIndex, err)
	}
	if err := c.writeBoth(ctx, log, req.DocumentID, snap, vecEntries, kwEntries); err != nil {
		return markFailed(domain.StageIndex, err)
	}

	committed := doc
	committed.Status = domain.StatusIndexed
	committed.IndexedRevision = req.Revision
	committed.ChunkHashes = hashes
	committed.TextHash = textHash
	committed.UpdatedAt = c.now()
	if err := c.store.PutDocument(committed); err != nil {
		done := c.cfg.Gate.begin(req.DocumentID)
		if rbErr := c.rollback(ctx, log, req.DocumentID, snap); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		done()
		return markFailed(domain.StageCommit, err)
	}

	result.Added, result.Removed, result.Kept = diffHashes(prev.ChunkHashes, hashes)
	result.Status = domain.StatusIndexed
	result.Chunks = len(chunks)
	result.Duration = time.Since(start)

	metrics.IngestionsTotal.WithLabelValues("indexed").Inc()
	metrics.IngestionDuration.Observe(result.Duration.Seconds())
	c.reportSizes()
	log.Info("document indexed",
		zap.Int("chunks", result.Chunks),
		zap.Int("added", result.Added),
		zap.Int("removed", result.Removed),
		zap.Int("cache_hits", hits),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

type snapshot struct {
	vectors  []domain.VectorEntry
	keywords []domain.KeywordEntry
}

func (c *Coordinator) snapshot(documentID string) (snapshot, error) {
	vecs, err := c.vectors.Entries(documentID)
	if err != nil {
		return snapshot{}, fmt.Errorf("snapshot vector entries: %w", err)
	}
	kws, err := c.keywords.Entries(documentID)
	if err != nil {
		return snapshot{}, fmt.Errorf("snapshot keyword entries: %w", err)
	}
	return snapshot{vectors: vecs, keywords: kws}, nil
}

// writeBoth upserts the vector side then the keyword side, announced on the
// commit gate for documentID only. A failed upsert leaves its index
// unchanged, so only a keyword failure needs the vector side put back.
func (c *Coordinator) writeBoth(
	ctx context.Context,
	log *zap.Logger,
	documentID string,
	snap snapshot,
	vecs []domain.VectorEntry,
	kws []domain.KeywordEntry,
) error {
	defer c.cfg.Gate.begin(documentID)()

	err := c.retryWrite(ctx, func(ctx context.Context) error {
		return c.vectors.Upsert(ctx, documentID, vecs)
	})
	if err != nil {
		return fmt.Errorf("vector index: %w", err)
	}

	err = c.retryWrite(ctx, func(ctx context.Context) error {
		return c.keywords.Upsert(ctx, documentID, kws)
	})
	if err != nil {
		err = fmt.Errorf("keyword index: %w", err)
		if rbErr := c.rollback(ctx, log, documentID, snap); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return nil
}

// rollback restores both indexes to snap. It runs detached from ctx
// cancellation, bounded by RollbackTimeout. Callers announce it on the
// commit gate.
func (c *Coordinator) rollback(ctx context.Context, log *zap.Logger, documentID string, snap snapshot) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RollbackTimeout)
	defer cancel()

	vecErr := c.retryWrite(ctx, func(ctx context.Context) error {
		return c.vectors.Upsert(ctx, documentID, snap.vectors)
	})
	kwErr := c.retryWrite(ctx, func(ctx context.Context) error {
		return c.keywords.Upsert(ctx, documentID, snap.keywords)
	})
	if err := errors.Join(vecErr, kwErr); err != nil {
		log.Error("rollback failed, indexes may disagree until the document is re-ingested", zap.Error(err))
		return fmt.Errorf("rollback: %w", err)
	}
	log.Info("rolled back to previous revision", zap.Int("chunks", len(snap.vectors)))
	return nil
}

// surfaces reports whether a failure after the document went PENDING is
// returned as an error. Exhausted retries and unavailable dependencies are
// reported through the FAILED status alone; cancellation, caller mistakes
// and model/index drift are returned as well.
func surfaces(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, domain.ErrInvalidInput) ||
		errors.Is(err, domain.ErrDimensionMismatch) ||
		errors.Is(err, domain.ErrInvalidConfig)
}

func (c *Coordinator) retryWrite(ctx context.Context, write func(context.Context) error) error {
	backoff := c.cfg.WriteBackoff
	for attempt := 1; ; attempt++ {
		err := write(ctx)
		if err == nil {
			return nil
		}
		if attempt >= c.cfg.WriteAttempts || !retryableWrite(err) || ctx.Err() != nil {
			return err
		}
		if serr := c.sleep(ctx, backoff); serr != nil {
			return errors.Join(err, serr)
		}
		backoff *= 2
	}
}

func retryableWrite(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrDimensionMismatch):
		return false
	}
	return true
}

// Remove deletes a document from both indexes and the state store.
func (c *Coordinator) Remove(ctx context.Context, documentID string) error {
	release, err := c.locks.acquire(ctx, documentID, c.cfg.Policy == PolicyWait)
	if err != nil {
		return err
	}
	defer release()

	if _, err := c.store.GetDocument(documentID); err != nil {
		return err
	}
	log := c.logger.With(zap.String("doc_id", documentID))

	snap, err := c.snapshot(documentID)
	if err != nil {
		return err
	}
	done := c.cfg.Gate.begin(documentID)
	defer done()
	if err := c.retryWrite(ctx, func(ctx context.Context) error {
		return c.vectors.Remove(ctx, documentID)
	}); err != nil {
		return fmt.Errorf("remove from vector index: %w", err)
	}
	if err := c.retryWrite(ctx, func(ctx context.Context) error {
		return c.keywords.Remove(ctx, documentID)
	}); err != nil {
		err = fmt.Errorf("remove from keyword index: %w", err)
		if rbErr := c.rollback(ctx, log, documentID, snap); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	if err := c.store.DeleteDocument(documentID); err != nil {
		return fmt.Errorf("delete document record: %w", err)
	}

	c.reportSizes()
	log.Info("document removed", zap.Int("chunks", len(snap.vectors)))
	return nil
}

// Status returns the coordinator's record of a document.
func (c *Coordinator) Status(documentID string) (domain.Document, error) {
	return c.store.GetDocument(documentID)
}

func (c *Coordinator) Documents() ([]domain.Document, error) {
	return c.store.ListDocuments()
}

// IngestBatch ingests reqs on at most Workers goroutines. Per-document
// failures are reported in the results; the error is non-nil only when
// ctx ended before every document was attempted.
func (c *Coordinator) IngestBatch(ctx context.Context, reqs []domain.IngestRequest, progress func(domain.IngestResult)) ([]domain.IngestResult, error) {
	results := make([]domain.IngestResult, len(reqs))
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(c.cfg.Workers)

	for i, req := range reqs {
		i, req := i, req
		if err := ctx.Err(); err != nil {
			_ = g.Wait()
			return results, err
		}
		g.Go(func() error {
			res, err := c.Ingest(ctx, req)
			if err != nil && res.Error == "" {
				res.Error = err.Error()
			}
			results[i] = res
			if progress != nil {
				mu.Lock()
				progress(res)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, ctx.Err()
}

// RecoveryReport summarizes Recover.
type RecoveryReport struct {
	Restored int
	Dropped  int
	Failed   int
}

// Recover settles documents left PENDING by an interrupted process. A
// document whose index entries still match its committed chunk set is
// restored to INDEXED. One that was never committed is dropped from both
// indexes and the store. One whose entries no longer match its committed
// set is cleared from both indexes and marked FAILED for re-ingestion.
func (c *Coordinator) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	docs, err := c.store.ListDocuments()
	if err != nil {
		return report, err
	}

	for _, doc := range docs {
		if doc.Status != domain.StatusPending {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		log := c.logger.With(zap.String("doc_id", doc.ID), zap.Int64("revision", doc.Revision))

		if doc.IndexedRevision > 0 && c.Verify(doc) == nil {
			doc.Status = domain.StatusIndexed
			doc.Revision = doc.IndexedRevision
			doc.UpdatedAt = c.now()
			if err := c.store.PutDocument(doc); err != nil {
				return report, err
			}
			report.Restored++
			log.Info("restored interrupted document to committed revision")
			continue
		}

		if err := c.clear(ctx, doc.ID); err != nil {
			return report, err
		}

		if doc.IndexedRevision == 0 {
			if err := c.store.DeleteDocument(doc.ID); err != nil {
				return report, err
			}
			report.Dropped++
			log.Info("dropped never-committed document")
			continue
		}

		doc.Status = domain.StatusFailed
		doc.LastError = "interrupted ingestion left partial index entries; re-ingest required"
		doc.IndexedRevision = 0
		doc.ChunkHashes = nil
		doc.TextHash = ""
		doc.UpdatedAt = c.now()
		if err := c.store.PutDocument(doc); err != nil {
			return report, err
		}
		report.Failed++
		log.Warn("cleared inconsistent document")
	}

	c.reportSizes()
	return report, nil
}

func (c *Coordinator) clear(ctx context.Context, documentID string) error {
	defer c.cfg.Gate.begin(documentID)()
	if err := c.vectors.Remove(ctx, documentID); err != nil {
		return err
	}
	return c.keywords.Remove(ctx, documentID)
}

// Verify checks that both indexes hold exactly the committed chunk set of
// doc, keyed by sequence and content hash.
func (c *Coordinator) Verify(doc domain.Document) error {
	vecs, err := c.vectors.Entries(doc.ID)
	if err != nil {
		return err
	}
	kws, err := c.keywords.Entries(doc.ID)
	if err != nil {
		return err
	}

	want := make([]domain.EntryKey, len(doc.ChunkHashes))
	for i, h := range doc.ChunkHashes {
		want[i] = domain.EntryKey{Sequence: i, ContentHash: h}
	}
	vecKeys := make([]domain.EntryKey, len(vecs))
	for i, e := range vecs {
		vecKeys[i] = domain.EntryKey{Sequence: e.Sequence, ContentHash: e.ContentHash}
	}
	kwKeys := make([]domain.EntryKey, len(kws))
	for i, e := range kws {
		kwKeys[i] = domain.EntryKey{Sequence: e.Sequence, ContentHash: e.ContentHash}
	}

	if !sameKeys(vecKeys, want) {
		return fmt.Errorf("document %s: vector entries do not match committed chunks", doc.ID)
	}
	if !sameKeys(kwKeys, want) {
		return fmt.Errorf("document %s: keyword entries do not match committed chunks", doc.ID)
	}
	return nil
}

func sameKeys(a, b []domain.EntryKey) bool {
	if len(a) != len(b) {
		return false
	}
	sortKeys(a)
	sortKeys(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortKeys(keys []domain.EntryKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Sequence != keys[j].Sequence {
			return keys[i].Sequence < keys[j].Sequence
		}
		return keys[i].ContentHash < keys[j].ContentHash
	})
}

// diffHashes compares chunk sets as multisets of content hashes.
func diffHashes(old, cur []string) (added, removed, kept int) {
	counts := make(map[string]int, len(old))
	for _, h := range old {
		counts[h]++
	}
	for _, h := range cur {
		if counts[h] > 0 {
			counts[h]--
			kept++
		} else {
			added++
		}
	}
	for _, n := range counts {
		removed += n
	}
	return added, removed, kept
}

func (c *Coordinator) reportSizes() {
	metrics.IndexEntries.WithLabelValues("vector").Set(float64(c.vectors.Len()))
	metrics.IndexEntries.WithLabelValues("keyword").Set(float64(c.keywords.Len()))
}

// docLocks serializes work per document ID without a global lock.
type docLocks struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func newDocLocks() *docLocks {
	return &docLocks{held: make(map[string]chan struct{})}
}

func (l *docLocks) acquire(ctx context.Context, id string, wait bool) (func(), error) {
	for {
		l.mu.Lock()
		busy, ok := l.held[id]
		if !ok {
			done := make(chan struct{})
			l.held[id] = done
			l.mu.Unlock()
			return func() {
				l.mu.Lock()
				delete(l.held, id)
				l.mu.Unlock()
				close(done)
			}, nil
		}
		l.mu.Unlock()

		if !wait {
			return nil, fmt.Errorf("%w: %s", domain.ErrIngestionInProgress, id)
		}
		select {
		case <-busy:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
