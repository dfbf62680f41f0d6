package usecase

import (
	"context"
	"errors"
	"testing"
	"time"
)

func docSet(ids ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func TestCommitGate_UnsettledOnlyNamesOverlappingCommits(t *testing.T) {
	g := NewCommitGate()
	done := g.begin("doc1")
	done()

	epoch := g.enter()
	defer g.leave()
	if got := g.unsettled(epoch, docSet("doc1", "doc2")); len(got) != 0 {
		t.Errorf("commit finished before the read, got %v", got)
	}

	release := g.begin("doc2")
	if got := g.unsettled(epoch, docSet("doc1", "doc2")); len(got) != 1 || got[0] != "doc2" {
		t.Errorf("expected doc2 in flight, got %v", got)
	}
	if got := g.unsettled(epoch, docSet("doc1")); len(got) != 0 {
		t.Errorf("doc2 was not read, got %v", got)
	}

	release()
	release()
	if got := g.unsettled(epoch, docSet("doc2")); len(got) != 1 {
		t.Errorf("commit finished during the read should still be unsettled, got %v", got)
	}
	if got := g.unsettled(g.mark(), docSet("doc2")); len(got) != 0 {
		t.Errorf("expected doc2 settled after a fresh mark, got %v", got)
	}
}

func TestCommitGate_WaitFollowsCommit(t *testing.T) {
	g := NewCommitGate()
	release := g.begin("doc1")

	waited := make(chan error, 1)
	go func() { waited <- g.wait(context.Background(), []string{"doc1", "doc2"}) }()

	select {
	case err := <-waited:
		t.Fatalf("wait returned while doc1 was being written: %v", err)
	case <-time.After(30 * time.Millisecond):
	}
	release()
	if err := <-waited; err != nil {
		t.Fatal(err)
	}
}

func TestCommitGate_WaitHonorsContext(t *testing.T) {
	g := NewCommitGate()
	defer g.begin("doc1")()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.wait(ctx, []string{"doc1"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestCommitGate_ForgetsSettledDocuments(t *testing.T) {
	g := NewCommitGate()
	g.begin("doc1")()
	if len(g.docs) != 0 {
		t.Errorf("expected no state without readers, got %d", len(g.docs))
	}

	g.enter()
	g.begin("doc2")()
	if len(g.docs) != 1 {
		t.Errorf("expected doc2 kept while a reader is active, got %d", len(g.docs))
	}
	g.leave()
	if len(g.docs) != 0 {
		t.Errorf("expected state pruned by the last reader, got %d", len(g.docs))
	}
}
