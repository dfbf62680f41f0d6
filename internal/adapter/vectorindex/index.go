package vectorindex

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	bolt "go.etcd.io/bbolt"

	"docsearch/internal/domain"
)

var bucketVectors = []byte("vector_entries")

type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricDot    Metric = "dot"
)

func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case MetricCosine, "":
		return MetricCosine, nil
	case MetricDot:
		return MetricDot, nil
	}
	return "", fmt.Errorf("%w: unknown vector metric %q", domain.ErrInvalidConfig, s)
}

// Index is an exact nearest-neighbour store. Entries are grouped per
// document; each document lives in its own nested bolt bucket and is
// replaced as a whole, on disk and in memory, under the write lock.
// Uses brute-force search; fine up to a few hundred thousand chunks.
type Index struct {
	db        *bolt.DB
	dimension int
	metric    Metric

	mu    sync.RWMutex
	docs  map[string][]entry
	count int

	unavailable atomic.Bool
}

type entry struct {
	domain.VectorEntry
	norm float64
}

type storedVector struct {
	Hash   string    `json:"h"`
	Text   string    `json:"t"`
	Vector []float32 `json:"v"`
}

// New opens the index. A nil db keeps everything in memory.
func New(db *bolt.DB, dimension int, metric Metric) (*Index, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: vector dimension must be positive, got %d", domain.ErrInvalidConfig, dimension)
	}
	if _, err := ParseMetric(string(metric)); err != nil {
		return nil, err
	}
	if metric == "" {
		metric = MetricCosine
	}

	idx := &Index{
		db:        db,
		dimension: dimension,
		metric:    metric,
		docs:      make(map[string][]entry),
	}
	if db == nil {
		return idx, nil
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketVectors)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create vectors bucket: %w", err)
	}
	if err := idx.load(); err != nil {
		return nil, fmt.Errorf("failed to load vectors: %w", err)
	}
	return idx, nil
}

func (x *Index) load() error {
	return x.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketVectors)
		return root.ForEachBucket(func(docKey []byte) error {
			docID := string(docKey)
			b := root.Bucket(docKey)
			var entries []entry
			err := b.ForEach(func(k, v []byte) error {
				var stored storedVector
				if err := json.Unmarshal(v, &stored); err != nil {
					return fmt.Errorf("decode vector %s/%x: %w", docID, k, err)
				}
				if len(stored.Vector) != x.dimension {
					return fmt.Errorf("%w: stored vector %s/%x has %d dimensions, index has %d",
						domain.ErrDimensionMismatch, docID, k, len(stored.Vector), x.dimension)
				}
				entries = append(entries, newEntry(domain.VectorEntry{
					DocumentID:  docID,
					Sequence:    int(binary.BigEndian.Uint32(k)),
					ContentHash: stored.Hash,
					Text:        stored.Text,
					Vector:      stored.Vector,
				}))
				return nil
			})
			if err != nil {
				return err
			}
			x.docs[docID] = entries
			x.count += len(entries)
			return nil
		})
	})
}

func newEntry(e domain.VectorEntry) entry {
	var sum float64
	for _, v := range e.Vector {
		sum += float64(v) * float64(v)
	}
	return entry{VectorEntry: e, norm: math.Sqrt(sum)}
}

// SetAvailable toggles the index. While unavailable every call fails with
// domain.ErrIndexUnavailable.
func (x *Index) SetAvailable(ok bool) {
	x.unavailable.Store(!ok)
}

func (x *Index) checkAvailable() error {
	if x.unavailable.Load() {
		return fmt.Errorf("vector index: %w", domain.ErrIndexUnavailable)
	}
	return nil
}

func (x *Index) Dimension() int {
	return x.dimension
}

// Upsert replaces every entry of documentID. An empty slice removes the
// document.
func (x *Index) Upsert(ctx context.Context, documentID string, entries []domain.VectorEntry) error {
	if err := x.checkAvailable(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	fresh := make([]entry, len(entries))
	for i, e := range entries {
		if len(e.Vector) != x.dimension {
			return fmt.Errorf("%w: entry %d of %s has %d dimensions, index has %d",
				domain.ErrDimensionMismatch, e.Sequence, documentID, len(e.Vector), x.dimension)
		}
		e.DocumentID = documentID
		fresh[i] = newEntry(e)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.persist(documentID, fresh); err != nil {
		return fmt.Errorf("persist vectors for %s: %w", documentID, err)
	}

	x.count -= len(x.docs[documentID])
	if len(fresh) == 0 {
		delete(x.docs, documentID)
	} else {
		x.docs[documentID] = fresh
		x.count += len(fresh)
	}
	return nil
}

func (x *Index) persist(documentID string, entries []entry) error {
	if x.db == nil {
		return nil
	}
	return x.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketVectors)
		key := []byte(documentID)
		if root.Bucket(key) != nil {
			if err := root.DeleteBucket(key); err != nil {
				return err
			}
		}
		if len(entries) == 0 {
			return nil
		}
		b, err := root.CreateBucket(key)
		if err != nil {
			return err
		}
		for _, e := range entries {
			data, err := json.Marshal(storedVector{Hash: e.ContentHash, Text: e.Text, Vector: e.Vector})
			if err != nil {
				return err
			}
			if err := b.Put(sequenceKey(e.Sequence), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func sequenceKey(seq int) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, uint32(seq))
	return k
}

func (x *Index) Remove(ctx context.Context, documentID string) error {
	return x.Upsert(ctx, documentID, nil)
}

// Search scores every candidate entry against query and returns the best k.
// A non-empty filter restricts candidates to the listed documents.
func (x *Index) Search(ctx context.Context, query []float32, k int, filter domain.Filter) ([]domain.Hit, error) {
	if err := x.checkAvailable(); err != nil {
		return nil, err
	}
	if len(query) != x.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d",
			domain.ErrDimensionMismatch, len(query), x.dimension)
	}
	if k <= 0 {
		return nil, nil
	}

	var qnorm float64
	for _, v := range query {
		qnorm += float64(v) * float64(v)
	}
	qnorm = math.Sqrt(qnorm)

	x.mu.RLock()
	defer x.mu.RUnlock()

	var hits []domain.Hit
	score := func(entries []entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, e := range entries {
			hits = append(hits, domain.Hit{
				DocumentID:  e.DocumentID,
				Sequence:    e.Sequence,
				ContentHash: e.ContentHash,
				Text:        e.Text,
				Score:       x.similarity(query, qnorm, e),
			})
		}
		return nil
	}

	if filter.IsEmpty() {
		for _, entries := range x.docs {
			if err := score(entries); err != nil {
				return nil, err
			}
		}
	} else {
		for _, id := range dedupe(filter.DocumentIDs) {
			if err := score(x.docs[id]); err != nil {
				return nil, err
			}
		}
	}

	return domain.TopHits(hits, k), nil
}

func (x *Index) similarity(query []float32, qnorm float64, e entry) float64 {
	var dot float64
	for i := range query {
		dot += float64(query[i]) * float64(e.Vector[i])
	}
	if x.metric == MetricDot {
		return dot
	}
	if qnorm == 0 || e.norm == 0 {
		return 0
	}
	return dot / (qnorm * e.norm)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Entries returns a copy of the document's current entries in sequence order.
func (x *Index) Entries(documentID string) ([]domain.VectorEntry, error) {
	if err := x.checkAvailable(); err != nil {
		return nil, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()

	entries := x.docs[documentID]
	out := make([]domain.VectorEntry, len(entries))
	for i, e := range entries {
		out[i] = e.VectorEntry
	}
	sortBySequence(out)
	return out, nil
}

// Documents returns the IDs of every indexed document.
func (x *Index) Documents() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ids := make([]string, 0, len(x.docs))
	for id := range x.docs {
		ids = append(ids, id)
	}
	return ids
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.count
}

func sortBySequence(entries []domain.VectorEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].Sequence < entries[j-1].Sequence; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}
