package usecase

import (
	"fmt"
	"sort"

	"docsearch/internal/domain"
)

type FusionStrategy string

const (
	FusionWeighted FusionStrategy = "weighted"
	FusionRRF      FusionStrategy = "rrf"
)

type FusionConfig struct {
	Strategy      FusionStrategy
	VectorWeight  float64
	KeywordWeight float64
	RRFK          int // RRF constant (typically 60)
}

func DefaultFusionConfig() FusionConfig {
	return FusionConfig{
		Strategy:      FusionWeighted,
		VectorWeight:  0.5,
		KeywordWeight: 0.5,
		RRFK:          60,
	}
}

func (c FusionConfig) Validate() error {
	if c.Strategy != FusionWeighted && c.Strategy != FusionRRF {
		return fmt.Errorf("%w: unknown fusion strategy %q", domain.ErrInvalidConfig, c.Strategy)
	}
	if c.VectorWeight < 0 || c.KeywordWeight < 0 || c.VectorWeight+c.KeywordWeight == 0 {
		return fmt.Errorf("%w: fusion weights must be non-negative and not both zero", domain.ErrInvalidConfig)
	}
	if c.Strategy == FusionRRF && c.RRFK <= 0 {
		return fmt.Errorf("%w: rrf_k must be positive", domain.ErrInvalidConfig)
	}
	return nil
}

type passageKey struct {
	doc string
	seq int
}

// Fuse merges both candidate lists into passages deduplicated by
// (document, sequence) and sorted by fused score. Either list may be nil
// when its path failed.
func Fuse(cfg FusionConfig, vectorHits, keywordHits []domain.Hit) []domain.ScoredPassage {
	vecNorm := normalizeScores(vectorHits)
	kwNorm := normalizeScores(keywordHits)

	byKey := make(map[passageKey]*domain.ScoredPassage, len(vectorHits)+len(keywordHits))
	order := make([]passageKey, 0, len(vectorHits)+len(keywordHits))

	get := func(h domain.Hit) *domain.ScoredPassage {
		key := passageKey{doc: h.DocumentID, seq: h.Sequence}
		if p, ok := byKey[key]; ok {
			return p
		}
		p := &domain.ScoredPassage{DocumentID: h.DocumentID, Sequence: h.Sequence, Text: h.Text}
		byKey[key] = p
		order = append(order, key)
		return p
	}

	for rank, h := range vectorHits {
		p := get(h)
		v := vecNorm[rank]
		p.VectorScore = &v
		if cfg.Strategy == FusionRRF {
			p.Score += cfg.VectorWeight / float64(cfg.RRFK+rank+1)
		} else {
			p.Score += cfg.VectorWeight * v
		}
	}
	for rank, h := range keywordHits {
		p := get(h)
		kw := kwNorm[rank]
		p.KeywordScore = &kw
		if cfg.Strategy == FusionRRF {
			p.Score += cfg.KeywordWeight / float64(cfg.RRFK+rank+1)
		} else {
			p.Score += cfg.KeywordWeight * kw
		}
	}

	fused := make([]domain.ScoredPassage, 0, len(order))
	for _, key := range order {
		p := byKey[key]
		switch {
		case p.VectorScore != nil && p.KeywordScore != nil:
			p.RetrievalPath = domain.PathHybrid
		case p.VectorScore != nil:
			p.RetrievalPath = domain.PathVector
		default:
			p.RetrievalPath = domain.PathKeyword
		}
		fused = append(fused, *p)
	}

	SortPassages(fused)
	return fused
}

// normalizeScores min-max scales scores to [0,1]. A single candidate, or a
// list whose scores are all equal, maps to 1.
func normalizeScores(hits []domain.Hit) []float64 {
	out := make([]float64, len(hits))
	if len(hits) == 0 {
		return out
	}
	lo, hi := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		lo = min(lo, h.Score)
		hi = max(hi, h.Score)
	}
	for i, h := range hits {
		if hi == lo {
			out[i] = 1
		} else {
			out[i] = (h.Score - lo) / (hi - lo)
		}
	}
	return out
}

// SortPassages orders by score descending, then document ID and sequence
// ascending.
func SortPassages(ps []domain.ScoredPassage) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Score != ps[j].Score {
			return ps[i].Score > ps[j].Score
		}
		if ps[i].DocumentID != ps[j].DocumentID {
			return ps[i].DocumentID < ps[j].DocumentID
		}
		return ps[i].Sequence < ps[j].Sequence
	})
}
