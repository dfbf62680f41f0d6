package keywordindex

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

var bucketKeywords = []byte("keyword_entries")

// Index is an in-memory inverted index scored with BM25 and persisted to
// bolt one document bucket at a time. Corpus statistics are kept in step
// with every upsert and removal.
type Index struct {
	db *bolt.DB
	k1 float64
	b  float64

	mu       sync.RWMutex
	docs     map[string][]entry
	entries  map[ref]*entry
	postings map[string]map[ref]int
	count    int
	totalLen int

	unavailable atomic.Bool
}

type ref struct {
	doc string
	seq int
}

type entry struct {
	domain.KeywordEntry
	tf     map[string]int
	length int
}

type storedEntry struct {
	Hash   string   `json:"h"`
	Text   string   `json:"t"`
	Tokens []string `json:"k"`
}

// New opens the index. A nil db keeps everything in memory.
func New(db *bolt.DB, k1, b float64) (*Index, error) {
	if k1 <= 0 {
		return nil, fmt.Errorf("%w: bm25 k1 must be positive, got %f", domain.ErrInvalidConfig, k1)
	}
	if b < 0 || b > 1 {
		return nil, fmt.Errorf("%w: bm25 b must be in [0,1], got %f", domain.ErrInvalidConfig, b)
	}

	idx := &Index{
		db:       db,
		k1:       k1,
		b:        b,
		docs:     make(map[string][]entry),
		entries:  make(map[ref]*entry),
		postings: make(map[string]map[ref]int),
	}
	if db == nil {
		return idx, nil
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKeywords)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create keyword bucket: %w", err)
	}
	if err := idx.load(); err != nil {
		return nil, fmt.Errorf("failed to load keyword entries: %w", err)
	}
	return idx, nil
}

func (x *Index) load() error {
	return x.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketKeywords)
		return root.ForEachBucket(func(docKey []byte) error {
			docID := string(docKey)
			var entries []entry
			err := root.Bucket(docKey).ForEach(func(k, v []byte) error {
				var stored storedEntry
				if err := json.Unmarshal(v, &stored); err != nil {
					return fmt.Errorf("decode keyword entry %s/%x: %w", docID, k, err)
				}
				entries = append(entries, newEntry(domain.KeywordEntry{
					DocumentID:  docID,
					Sequence:    int(binary.BigEndian.Uint32(k)),
					ContentHash: stored.Hash,
					Text:        stored.Text,
					Tokens:      stored.Tokens,
				}))
				return nil
			})
			if err != nil {
				return err
			}
			x.swap(docID, entries)
			return nil
		})
	})
}

func newEntry(e domain.KeywordEntry) entry {
	tf := make(map[string]int, len(e.Tokens))
	for _, tok := range e.Tokens {
		tf[tok]++
	}
	return entry{KeywordEntry: e, tf: tf, length: len(e.Tokens)}
}

func (x *Index) SetAvailable(ok bool) {
	x.unavailable.Store(!ok)
}

func (x *Index) checkAvailable() error {
	if x.unavailable.Load() {
		return fmt.Errorf("keyword index: %w", domain.ErrIndexUnavailable)
	}
	return nil
}

// Upsert replaces every entry of documentID. An empty slice removes the
// document.
func (x *Index) Upsert(ctx context.Context, documentID string, entries []domain.KeywordEntry) error {
	if err := x.checkAvailable(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	fresh := make([]entry, len(entries))
	for i, e := range entries {
		e.DocumentID = documentID
		fresh[i] = newEntry(e)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.persist(documentID, fresh); err != nil {
		return fmt.Errorf("persist keyword entries for %s: %w", documentID, err)
	}
	x.swap(documentID, fresh)
	return nil
}

// swap must be called with mu held (or before the index is shared).
func (x *Index) swap(documentID string, fresh []entry) {
	for _, old := range x.docs[documentID] {
		r := ref{doc: documentID, seq: old.Sequence}
		for term := range old.tf {
			plist := x.postings[term]
			delete(plist, r)
			if len(plist) == 0 {
				delete(x.postings, term)
			}
		}
		delete(x.entries, r)
		x.count--
		x.totalLen -= old.length
	}

	if len(fresh) == 0 {
		delete(x.docs, documentID)
		return
	}
	for i := range fresh {
		e := &fresh[i]
		r := ref{doc: documentID, seq: e.Sequence}
		x.entries[r] = e
		for term, n := range e.tf {
			plist := x.postings[term]
			if plist == nil {
				plist = make(map[ref]int)
				x.postings[term] = plist
			}
			plist[r] = n
		}
		x.count++
		x.totalLen += e.length
	}
	x.docs[documentID] = fresh
}

func (x *Index) persist(documentID string, entries []entry) error {
	if x.db == nil {
		return nil
	}
	return x.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketKeywords)
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
			data, err := json.Marshal(storedEntry{Hash: e.ContentHash, Text: e.Text, Tokens: e.Tokens})
			if err != nil {
				return err
			}
			k := make([]byte, 4)
			binary.BigEndian.PutUint32(k, uint32(e.Sequence))
			if err := b.Put(k, data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (x *Index) Remove(ctx context.Context, documentID string) error {
	return x.Upsert(ctx, documentID, nil)
}

// Search scores chunks containing any of terms with BM25. Terms must come
// from the same tokenizer used at index time. With a filter only the
// listed documents' entries are visited; idf and average length still use
// the whole corpus so scores stay comparable.
func (x *Index) Search(ctx context.Context, terms []string, k int, filter domain.Filter) ([]domain.Hit, error) {
	if err := x.checkAvailable(); err != nil {
		return nil, err
	}
	if k <= 0 || len(terms) == 0 {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.count == 0 {
		return nil, nil
	}

	unique := uniqueTerms(terms)
	idf := make(map[string]float64, len(unique))
	for _, term := range unique {
		idf[term] = x.idf(term)
	}
	avgLen := float64(x.totalLen) / float64(x.count)

	var hits []domain.Hit
	if filter.IsEmpty() {
		scores := make(map[ref]float64)
		for _, term := range unique {
			for r, tf := range x.postings[term] {
				scores[r] += x.termScore(idf[term], tf, x.entries[r].length, avgLen)
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hits = make([]domain.Hit, 0, len(scores))
		for r, score := range scores {
			e := x.entries[r]
			hits = append(hits, domain.Hit{
				DocumentID:  r.doc,
				Sequence:    r.seq,
				ContentHash: e.ContentHash,
				Text:        e.Text,
				Score:       score,
			})
		}
	} else {
		seen := make(map[string]struct{}, len(filter.DocumentIDs))
		for _, docID := range filter.DocumentIDs {
			if _, dup := seen[docID]; dup {
				continue
			}
			seen[docID] = struct{}{}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			for _, e := range x.docs[docID] {
				var score float64
				matched := false
				for _, term := range unique {
					if tf := e.tf[term]; tf > 0 {
						score += x.termScore(idf[term], tf, e.length, avgLen)
						matched = true
					}
				}
				if !matched {
					continue
				}
				hits = append(hits, domain.Hit{
					DocumentID:  docID,
					Sequence:    e.Sequence,
					ContentHash: e.ContentHash,
					Text:        e.Text,
					Score:       score,
				})
			}
		}
	}

	return domain.TopHits(hits, k), nil
}

func (x *Index) idf(term string) float64 {
	n := float64(len(x.postings[term]))
	total := float64(x.count)
	return math.Log((total-n+0.5)/(n+0.5) + 1)
}

func (x *Index) termScore(idf float64, tf, length int, avgLen float64) float64 {
	f := float64(tf)
	norm := 1.0
	if avgLen > 0 {
		norm = 1 - x.b + x.b*float64(length)/avgLen
	}
	return idf * (f * (x.k1 + 1)) / (f + x.k1*norm)
}

func uniqueTerms(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Entries returns a copy of the document's current entries in sequence order.
func (x *Index) Entries(documentID string) ([]domain.KeywordEntry, error) {
	if err := x.checkAvailable(); err != nil {
		return nil, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()

	entries := x.docs[documentID]
	out := make([]domain.KeywordEntry, len(entries))
	for i, e := range entries {
		out[i] = e.KeywordEntry
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Sequence < out[j-1].Sequence; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.count
}

// Stats reports corpus statistics: chunk count, average chunk length in
// tokens and vocabulary size.
func (x *Index) Stats() (chunks int, avgLen float64, terms int) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.count > 0 {
		avgLen = float64(x.totalLen) / float64(x.count)
	}
	return x.count, avgLen, len(x.postings)
}
