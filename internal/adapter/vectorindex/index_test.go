package vectorindex

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"

	"docsearch/internal/domain"
)

func openDB(t *testing.T) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "vectors.db"), 0o600, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func ve(seq int, hash string, v ...float32) domain.VectorEntry {
	return domain.VectorEntry{Sequence: seq, ContentHash: hash, Text: "text " + hash, Vector: v}
}

func TestIndex_SearchCosine(t *testing.T) {
	idx, err := New(nil, 2, MetricCosine)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := idx.Upsert(ctx, "doc1", []domain.VectorEntry{ve(0, "a", 1, 0), ve(1, "b", 0, 1)}); err != nil {
		t.Fatal(err)
	}
	if err := idx.Upsert(ctx, "doc2", []domain.VectorEntry{ve(0, "c", 1, 1)}); err != nil {
		t.Fatal(err)
	}

	hits, err := idx.Search(ctx, []float32{2, 0}, 2, domain.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].DocumentID != "doc1" || hits[0].Sequence != 0 {
		t.Errorf("expected doc1#0 first, got %s#%d", hits[0].DocumentID, hits[0].Sequence)
	}
	if hits[0].Score < 0.999 {
		t.Errorf("expected cosine ~1, got %f", hits[0].Score)
	}
	if hits[1].DocumentID != "doc2" {
		t.Errorf("expected doc2 second, got %s", hits[1].DocumentID)
	}
}

func TestIndex_SearchDotAndFilter(t *testing.T) {
	idx, _ := New(nil, 2, MetricDot)
	ctx := context.Background()
	_ = idx.Upsert(ctx, "doc1", []domain.VectorEntry{ve(0, "a", 3, 0)})
	_ = idx.Upsert(ctx, "doc2", []domain.VectorEntry{ve(0, "b", 1, 0)})

	hits, err := idx.Search(ctx, []float32{1, 0}, 10, domain.Filter{DocumentIDs: []string{"doc2", "missing"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].DocumentID != "doc2" || hits[0].Score != 1 {
		t.Errorf("unexpected filtered hits %+v", hits)
	}
}

func TestIndex_TieBreak(t *testing.T) {
	idx, _ := New(nil, 2, MetricCosine)
	ctx := context.Background()
	_ = idx.Upsert(ctx, "b", []domain.VectorEntry{ve(1, "x", 1, 0), ve(0, "y", 1, 0)})
	_ = idx.Upsert(ctx, "a", []domain.VectorEntry{ve(3, "z", 1, 0)})

	for run := 0; run < 20; run++ {
		hits, err := idx.Search(ctx, []float32{1, 0}, 3, domain.Filter{})
		if err != nil {
			t.Fatal(err)
		}
		want := []struct {
			doc string
			seq int
		}{{"a", 3}, {"b", 0}, {"b", 1}}
		for i, w := range want {
			if hits[i].DocumentID != w.doc || hits[i].Sequence != w.seq {
				t.Fatalf("run %d: position %d = %s#%d, want %s#%d", run, i, hits[i].DocumentID, hits[i].Sequence, w.doc, w.seq)
			}
		}
	}
}

func TestIndex_UpsertReplacesDocument(t *testing.T) {
	idx, _ := New(nil, 2, MetricCosine)
	ctx := context.Background()
	_ = idx.Upsert(ctx, "doc1", []domain.VectorEntry{ve(0, "a", 1, 0), ve(1, "b", 0, 1)})
	_ = idx.Upsert(ctx, "doc1", []domain.VectorEntry{ve(0, "c", 1, 1)})

	if idx.Len() != 1 {
		t.Errorf("expected 1 entry after replace, got %d", idx.Len())
	}
	entries, _ := idx.Entries("doc1")
	if len(entries) != 1 || entries[0].ContentHash != "c" || entries[0].DocumentID != "doc1" {
		t.Errorf("unexpected entries %+v", entries)
	}

	if err := idx.Remove(ctx, "doc1"); err != nil {
		t.Fatal(err)
	}
	if idx.Len() != 0 {
		t.Errorf("expected empty index, got %d", idx.Len())
	}
	hits, err := idx.Search(ctx, []float32{1, 0}, 5, domain.Filter{})
	if err != nil || len(hits) != 0 {
		t.Errorf("expected no hits from empty index, got %v (%v)", hits, err)
	}
}

func TestIndex_DimensionMismatch(t *testing.T) {
	idx, _ := New(nil, 3, MetricCosine)
	ctx := context.Background()

	err := idx.Upsert(ctx, "doc1", []domain.VectorEntry{ve(0, "a", 1, 0)})
	if !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Errorf("upsert: expected ErrDimensionMismatch, got %v", err)
	}
	_, err = idx.Search(ctx, []float32{1}, 1, domain.Filter{})
	if !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Errorf("search: expected ErrDimensionMismatch, got %v", err)
	}
}

func TestIndex_Unavailable(t *testing.T) {
	idx, _ := New(nil, 2, MetricCosine)
	idx.SetAvailable(false)
	ctx := context.Background()

	if _, err := idx.Search(ctx, []float32{1, 0}, 1, domain.Filter{}); !errors.Is(err, domain.ErrIndexUnavailable) {
		t.Errorf("search: expected ErrIndexUnavailable, got %v", err)
	}
	if err := idx.Upsert(ctx, "d", nil); !errors.Is(err, domain.ErrIndexUnavailable) {
		t.Errorf("upsert: expected ErrIndexUnavailable, got %v", err)
	}

	idx.SetAvailable(true)
	if _, err := idx.Search(ctx, []float32{1, 0}, 1, domain.Filter{}); err != nil {
		t.Errorf("expected recovery, got %v", err)
	}
}

func TestIndex_PersistAndReload(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()

	idx, err := New(db, 2, MetricCosine)
	if err != nil {
		t.Fatal(err)
	}
	_ = idx.Upsert(ctx, "doc1", []domain.VectorEntry{ve(0, "a", 1, 0), ve(1, "b", 0, 1)})
	_ = idx.Upsert(ctx, "doc2", []domain.VectorEntry{ve(0, "c", 1, 1)})
	_ = idx.Remove(ctx, "doc2")

	reloaded, err := New(db, 2, MetricCosine)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Len() != 2 {
		t.Fatalf("expected 2 entries after reload, got %d", reloaded.Len())
	}
	entries, _ := reloaded.Entries("doc1")
	if len(entries) != 2 || entries[1].ContentHash != "b" || entries[1].Text != "text b" {
		t.Errorf("unexpected reloaded entries %+v", entries)
	}
	if _, err := New(db, 3, MetricCosine); !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Errorf("reopening with another dimension: expected ErrDimensionMismatch, got %v", err)
	}
}

func TestParseMetric(t *testing.T) {
	if m, err := ParseMetric(""); err != nil || m != MetricCosine {
		t.Errorf("empty metric: %v %v", m, err)
	}
	if _, err := ParseMetric("l2"); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}
