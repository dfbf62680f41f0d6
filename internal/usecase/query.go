package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"docsearch/internal/adapter/analyzer"
	"docsearch/internal/domain"
	"docsearch/internal/metrics"
	"docsearch/internal/port"
)

type QueryConfig struct {
	DefaultK      int
	MaxK          int
	Fanout        int // candidates per path = Fanout * k
	PathTimeout   time.Duration
	SettleTimeout time.Duration
	MinScore      float64 // 0 = disabled
	Fusion        FusionConfig
	Gate          *CommitGate // shared with the Coordinator
}

func DefaultQueryConfig() QueryConfig {
	return QueryConfig{
		DefaultK:      5,
		MaxK:          100,
		Fanout:        4,
		PathTimeout:   5 * time.Second,
		SettleTimeout: 250 * time.Millisecond,
		Fusion:        DefaultFusionConfig(),
	}
}

// settleRounds caps how often one query re-reads documents that keep
// being committed under it.
const settleRounds = 3

// QueryEngine answers queries from both indexes and fuses the rankings. A
// failed path degrades the answer instead of failing it.
type QueryEngine struct {
	embedder  *EmbeddingResolver
	tokenizer port.Tokenizer
	vectors   port.VectorIndex
	keywords  port.KeywordIndex
	cfg       QueryConfig
	logger    *zap.Logger
}

func NewQueryEngine(
	embedder *EmbeddingResolver,
	tokenizer port.Tokenizer,
	vectors port.VectorIndex,
	keywords port.KeywordIndex,
	cfg QueryConfig,
	logger *zap.Logger,
) (*QueryEngine, error) {
	if embedder == nil || tokenizer == nil || vectors == nil || keywords == nil {
		return nil, fmt.Errorf("%w: query engine is missing a dependency", domain.ErrInvalidConfig)
	}
	def := DefaultQueryConfig()
	if cfg.MaxK <= 0 {
		cfg.MaxK = def.MaxK
	}
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = min(def.DefaultK, cfg.MaxK)
	}
	if cfg.Fanout <= 0 {
		cfg.Fanout = def.Fanout
	}
	if cfg.PathTimeout <= 0 {
		cfg.PathTimeout = def.PathTimeout
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = def.SettleTimeout
	}
	if cfg.Fusion.Strategy == "" {
		cfg.Fusion = def.Fusion
	}
	if err := cfg.Fusion.Validate(); err != nil {
		return nil, err
	}
	if cfg.Gate == nil {
		cfg.Gate = NewCommitGate()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryEngine{
		embedder:  embedder,
		tokenizer: tokenizer,
		vectors:   vectors,
		keywords:  keywords,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

func (e *QueryEngine) DefaultK() int {
	return e.cfg.DefaultK
}

// Query returns up to k passages. k above MaxK is capped.
func (e *QueryEngine) Query(ctx context.Context, text string, k int, filter domain.Filter) (domain.QueryResult, error) {
	start := time.Now()
	result := domain.QueryResult{Query: text}

	normalized := analyzer.Normalize(text)
	if normalized == "" {
		metrics.QueriesTotal.WithLabelValues("invalid").Inc()
		return result, fmt.Errorf("%w: query is empty", domain.ErrInvalidInput)
	}
	if k <= 0 {
		metrics.QueriesTotal.WithLabelValues("invalid").Inc()
		return result, fmt.Errorf("%w: k must be positive, got %d", domain.ErrInvalidInput, k)
	}
	k = min(k, e.cfg.MaxK)
	candidates := k * e.cfg.Fanout

	var (
		query  []float32
		embErr error
	)
	ectx, cancel := context.WithTimeout(ctx, e.cfg.PathTimeout)
	emb, err := e.embedder.ResolveQuery(ectx, normalized)
	cancel()
	if err != nil {
		embErr = fmt.Errorf("embed query: %w", err)
	} else {
		query = emb.Vector
	}
	terms := e.tokenizer.Tokenize(normalized)

	epoch := e.cfg.Gate.enter()
	hits := e.search(ctx, query, terms, candidates, filter)
	pending, err := e.settle(ctx, &hits, epoch, query, terms, candidates)
	e.cfg.Gate.leave()
	if err != nil {
		return result, err
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	result.Pending = pending

	vecErr := embErr
	if vecErr == nil {
		vecErr = hits.vectorErr
	}
	kwErr := hits.keywordErr

	if vecErr != nil {
		e.pathFailed(&result, domain.PathVector, vecErr)
		hits.vector = nil
	} else {
		result.Paths = append(result.Paths, domain.PathVector)
	}
	if kwErr != nil {
		e.pathFailed(&result, domain.PathKeyword, kwErr)
		hits.keyword = nil
	} else {
		result.Paths = append(result.Paths, domain.PathKeyword)
	}

	if vecErr != nil && kwErr != nil {
		metrics.QueriesTotal.WithLabelValues("unavailable").Inc()
		return result, fmt.Errorf("%w: %w", domain.ErrQueryUnavailable, errors.Join(vecErr, kwErr))
	}
	result.Degraded = vecErr != nil || kwErr != nil

	passages := Fuse(e.cfg.Fusion, hits.vector, hits.keyword)
	if e.cfg.MinScore > 0 {
		kept := passages[:0]
		for _, p := range passages {
			if p.Score >= e.cfg.MinScore {
				kept = append(kept, p)
			}
		}
		passages = kept
	}
	if len(passages) > k {
		passages = passages[:k]
	}
	result.Passages = passages

	outcome := "ok"
	if result.Degraded {
		outcome = "degraded"
	}
	metrics.QueriesTotal.WithLabelValues(outcome).Inc()
	metrics.QueryDuration.Observe(time.Since(start).Seconds())
	e.logger.Debug("query answered",
		zap.Int("k", k),
		zap.Int("vector_candidates", len(hits.vector)),
		zap.Int("keyword_candidates", len(hits.keyword)),
		zap.Int("passages", len(passages)),
		zap.Bool("degraded", result.Degraded),
		zap.Strings("pending", pending),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}

type pathHits struct {
	vector, keyword       []domain.Hit
	vectorErr, keywordErr error
}

// search runs both paths concurrently, each under PathTimeout. A nil query
// vector skips the vector path and no terms skip the keyword path.
func (e *QueryEngine) search(ctx context.Context, query []float32, terms []string, n int, filter domain.Filter) pathHits {
	var h pathHits
	var g errgroup.Group
	if query != nil {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, e.cfg.PathTimeout)
			defer cancel()
			h.vector, h.vectorErr = e.vectors.Search(pctx, query, n, filter)
			return nil
		})
	}
	if len(terms) > 0 {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, e.cfg.PathTimeout)
			defer cancel()
			h.keyword, h.keywordErr = e.keywords.Search(pctx, terms, n, filter)
			return nil
		})
	}
	_ = g.Wait()
	return h
}

// settle re-reads the documents whose commit overlapped the search, once
// their commit is done, so every document in the answer comes from one
// revision in both indexes. Documents still being written when the settle
// budget runs out are dropped from both paths and returned.
func (e *QueryEngine) settle(ctx context.Context, hits *pathHits, epoch uint64, query []float32, terms []string, n int) ([]string, error) {
	for round := 0; ; round++ {
		dirty := e.cfg.Gate.unsettled(epoch, hits.documents())
		if len(dirty) == 0 {
			return nil, nil
		}
		if round == settleRounds {
			return e.leaveOut(hits, dirty), nil
		}

		wctx, cancel := context.WithTimeout(ctx, e.settleBudget(ctx))
		err := e.cfg.Gate.wait(wctx, dirty)
		cancel()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err != nil {
			return e.leaveOut(hits, dirty), nil
		}

		epoch = e.cfg.Gate.mark()
		again := e.search(ctx, query, terms, n, domain.Filter{DocumentIDs: dirty})
		if !hits.replace(dirty, again, n) {
			return e.leaveOut(hits, dirty), nil
		}
	}
}

// settleBudget is SettleTimeout, cut to half of what is left of ctx so a
// query with a deadline still has time to answer.
func (e *QueryEngine) settleBudget(ctx context.Context) time.Duration {
	budget := e.cfg.SettleTimeout
	if deadline, ok := ctx.Deadline(); ok {
		budget = min(budget, time.Until(deadline)/2)
	}
	return budget
}

func (e *QueryEngine) leaveOut(hits *pathHits, ids []string) []string {
	hits.drop(ids)
	metrics.QueryPendingDocuments.Add(float64(len(ids)))
	e.logger.Warn("left out documents with an unfinished commit", zap.Strings("doc_ids", ids))
	return ids
}

func (h *pathHits) documents() map[string]struct{} {
	ids := make(map[string]struct{})
	for _, hit := range h.vector {
		ids[hit.DocumentID] = struct{}{}
	}
	for _, hit := range h.keyword {
		ids[hit.DocumentID] = struct{}{}
	}
	return ids
}

func (h *pathHits) drop(ids []string) {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	keep := func(hits []domain.Hit) []domain.Hit {
		kept := hits[:0]
		for _, hit := range hits {
			if _, gone := out[hit.DocumentID]; !gone {
				kept = append(kept, hit)
			}
		}
		return kept
	}
	h.vector = keep(h.vector)
	h.keyword = keep(h.keyword)
}

// replace swaps the hits of ids for a fresh read of them. It reports false,
// leaving the hits untouched, when the fresh read lost a path that had
// answered the first time.
func (h *pathHits) replace(ids []string, again pathHits, n int) bool {
	if (h.vectorErr == nil && again.vectorErr != nil) || (h.keywordErr == nil && again.keywordErr != nil) {
		return false
	}
	h.drop(ids)
	h.vector = domain.TopHits(append(h.vector, again.vector...), n)
	h.keyword = domain.TopHits(append(h.keyword, again.keyword...), n)
	return true
}

func (e *QueryEngine) pathFailed(result *domain.QueryResult, path domain.RetrievalPath, err error) {
	if result.Errors == nil {
		result.Errors = make(map[domain.RetrievalPath]string, 2)
	}
	result.Errors[path] = err.Error()
	metrics.QueryPathErrorsTotal.WithLabelValues(string(path)).Inc()
	e.logger.Warn("retrieval path failed", zap.String("path", string(path)), zap.Error(err))
}
