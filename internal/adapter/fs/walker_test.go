package fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"docsearch/internal/domain"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDirectorySource_List(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "papers/b.txt", "beta")
	writeFile(t, root, "papers/a.md", "alpha")
	writeFile(t, root, "papers/skip.pdf", "binary")
	writeFile(t, root, "node_modules/x.txt", "vendored")
	writeFile(t, root, "big.txt", "0123456789abcdef")

	src, err := NewDirectorySource(root, []string{"**/*.txt", "**/*.md"}, []string{"**/node_modules/**"}, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	docs, err := src.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"papers/a.md", "papers/b.txt"}
	if len(docs) != len(want) {
		t.Fatalf("expected %v, got %+v", want, docs)
	}
	for i, id := range want {
		if docs[i].ID != id {
			t.Errorf("doc %d = %s, want %s", i, docs[i].ID, id)
		}
		if docs[i].Revision <= 0 {
			t.Errorf("doc %s has no revision", docs[i].ID)
		}
	}
}

func TestDirectorySource_Read(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "notes.txt", "hybrid retrieval notes")
	writeFile(t, root, "bad.txt", string([]byte{0xff, 0xfe, 0x00}))

	src, err := NewDirectorySource(root, nil, nil, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	req, err := src.Read(ctx, "notes.txt")
	if err != nil {
		t.Fatal(err)
	}
	if req.DocumentID != "notes.txt" || req.Text != "hybrid retrieval notes" || req.Revision <= 0 {
		t.Errorf("unexpected request %+v", req)
	}

	if _, err := src.Read(ctx, "missing.txt"); !errors.Is(err, domain.ErrDocumentNotFound) {
		t.Errorf("expected ErrDocumentNotFound, got %v", err)
	}
	if _, err := src.Read(ctx, "bad.txt"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for invalid utf-8, got %v", err)
	}
	if _, err := src.Read(ctx, "../etc/passwd"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for escaping id, got %v", err)
	}
}

func TestNewDirectorySource_Invalid(t *testing.T) {
	root := t.TempDir()
	if _, err := NewDirectorySource(filepath.Join(root, "nope"), nil, nil, 0, nil); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for missing dir, got %v", err)
	}
	if _, err := NewDirectorySource(root, []string{"[unclosed"}, nil, 0, nil); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for bad pattern, got %v", err)
	}
}

func TestDirectorySource_Watch(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "existing.txt", "v1")

	src, err := NewDirectorySource(root, []string{"**/*.txt"}, nil, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := src.Watch(ctx, 200*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, root, "existing.txt", "v2")
	writeFile(t, root, "existing.txt", "v3")
	writeFile(t, root, "ignored.pdf", "x")

	select {
	case c := <-changes:
		if c.ID != "existing.txt" || c.Deleted {
			t.Errorf("unexpected change %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for write change")
	}

	if err := os.Remove(filepath.Join(root, "existing.txt")); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-changes:
		if c.ID != "existing.txt" || !c.Deleted {
			t.Errorf("expected deletion, got %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for delete change")
	}

	cancel()
	for range changes {
	}
}
