package usecase

import (
	"context"
	"sort"
	"sync"
)

// CommitGate tracks which documents are being written to the indexes. A
// commit brackets the writes of one document with begin and its release;
// nothing else blocks on it. A query notes the epoch before searching and
// afterwards asks which of the documents it saw began or finished a commit
// since then. Only those documents can show one index at the new revision
// and the other at the old one, so only they are settled and searched again.
type CommitGate struct {
	mu      sync.Mutex
	epoch   uint64
	readers int
	docs    map[string]*commitState
}

type commitState struct {
	active  int
	changed uint64
	done    chan struct{}
}

func NewCommitGate() *CommitGate {
	return &CommitGate{docs: make(map[string]*commitState)}
}

// begin marks documentID as being written until the returned func is
// called.
func (g *CommitGate) begin(documentID string) func() {
	g.mu.Lock()
	g.epoch++
	st := g.docs[documentID]
	if st == nil {
		st = &commitState{}
		g.docs[documentID] = st
	}
	if st.active == 0 {
		st.done = make(chan struct{})
	}
	st.active++
	st.changed = g.epoch
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			g.epoch++
			st.active--
			st.changed = g.epoch
			if st.active > 0 {
				return
			}
			close(st.done)
			if g.readers == 0 {
				delete(g.docs, documentID)
			}
		})
	}
}

// enter registers a reader and returns the current epoch.
func (g *CommitGate) enter() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.readers++
	return g.epoch
}

// leave unregisters a reader. The last one out forgets settled documents.
func (g *CommitGate) leave() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.readers--
	if g.readers > 0 {
		return
	}
	for id, st := range g.docs {
		if st.active == 0 {
			delete(g.docs, id)
		}
	}
}

// mark returns the current epoch for a reader that is already registered.
func (g *CommitGate) mark() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.epoch
}

// unsettled returns, sorted, the documents among ids that are being written
// or were written after epoch.
func (g *CommitGate) unsettled(epoch uint64, ids map[string]struct{}) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for id := range ids {
		if st := g.docs[id]; st != nil && (st.active > 0 || st.changed > epoch) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// wait blocks until none of ids is being written, or ctx ends.
func (g *CommitGate) wait(ctx context.Context, ids []string) error {
	g.mu.Lock()
	var pending []chan struct{}
	for _, id := range ids {
		if st := g.docs[id]; st != nil && st.active > 0 {
			pending = append(pending, st.done)
		}
	}
	g.mu.Unlock()

	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
