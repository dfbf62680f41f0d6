package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"docsearch/internal/adapter/analyzer"
	"docsearch/internal/adapter/cache"
	"docsearch/internal/adapter/chunker"
	"docsearch/internal/adapter/embedding"
	"docsearch/internal/adapter/keywordindex"
	"docsearch/internal/adapter/memstore"
	"docsearch/internal/adapter/vectorindex"
	"docsearch/internal/domain"
)

const testDim = 256

const (
	solarText   = "Solar panels convert sunlight into electricity using photovoltaic cells."
	glacierText = "Glacier retreat accelerates as polar temperatures keep rising every decade."
	castleText  = "Medieval castles were built with thick stone walls and moats."
	coffeeText  = "Espresso machines force pressurized water through finely ground coffee."
)

func paragraphs(ps ...string) string {
	return strings.Join(ps, "\n\n")
}

// recordingProvider wraps the hash provider, counting calls and optionally
// blocking or failing them.
type recordingProvider struct {
	*embedding.HashProvider

	mu    sync.Mutex
	calls int
	texts int
	err   error

	started chan struct{}
	release chan struct{}
}

func newRecordingProvider() *recordingProvider {
	return &recordingProvider{HashProvider: embedding.NewHashProvider(testDim)}
}

func (p *recordingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.calls++
	p.texts += len(texts)
	err := p.err
	started, release := p.started, p.release
	p.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return p.HashProvider.Embed(ctx, texts)
}

func (p *recordingProvider) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *recordingProvider) block() (started chan struct{}, release chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = make(chan struct{}, 1)
	p.release = make(chan struct{})
	return p.started, p.release
}

func (p *recordingProvider) counts() (calls, texts int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls, p.texts
}

// flakyKeywords fails the next failUpserts upserts without touching the
// wrapped index.
type flakyKeywords struct {
	*keywordindex.Index

	mu          sync.Mutex
	failUpserts int
	hold        chan struct{}
	held        chan struct{}
}

var errKeywordWrite = errors.New("keyword segment write failed")

func (f *flakyKeywords) Upsert(ctx context.Context, documentID string, entries []domain.KeywordEntry) error {
	f.mu.Lock()
	fail := f.failUpserts > 0
	if fail {
		f.failUpserts--
	}
	hold, held := f.hold, f.held
	f.hold, f.held = nil, nil
	f.mu.Unlock()
	if held != nil {
		close(held)
		<-hold
	}
	if fail {
		return errKeywordWrite
	}
	return f.Index.Upsert(ctx, documentID, entries)
}

func (f *flakyKeywords) Remove(ctx context.Context, documentID string) error {
	return f.Upsert(ctx, documentID, nil)
}

// holdNext parks the next upsert until release is closed. held is closed
// once the upsert is parked.
func (f *flakyKeywords) holdNext() (held chan struct{}, release chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = make(chan struct{})
	f.hold = make(chan struct{})
	return f.held, f.hold
}

func (f *flakyKeywords) failNext(n int) {
	f.mu.Lock()
	f.failUpserts = n
	f.mu.Unlock()
}

type testStack struct {
	provider    *recordingProvider
	cache       *cache.EmbeddingCache
	resolver    *EmbeddingResolver
	tokenizer   *analyzer.Tokenizer
	vectors     *vectorindex.Index
	keywords    *flakyKeywords
	store       *memstore.MemoryStore
	coordinator *Coordinator
	engine      *QueryEngine
}

func newTestStack(t *testing.T, mutate func(*CoordinatorConfig)) *testStack {
	t.Helper()

	tokenizer := analyzer.NewTokenizer(true)
	ch, err := chunker.NewPassageChunker(chunker.Config{SizeTokens: 12}, tokenizer)
	if err != nil {
		t.Fatal(err)
	}

	provider := newRecordingProvider()
	client, err := embedding.NewClient(provider, embedding.ClientConfig{MaxAttempts: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	embCache := cache.NewEmbeddingCache(cache.Options{MaxEntries: 1000})
	resolver := NewEmbeddingResolver(embCache, client)

	vectors, err := vectorindex.New(nil, testDim, vectorindex.MetricCosine)
	if err != nil {
		t.Fatal(err)
	}
	kw, err := keywordindex.New(nil, 1.2, 0.75)
	if err != nil {
		t.Fatal(err)
	}
	keywords := &flakyKeywords{Index: kw}
	gate := NewCommitGate()
	store := memstore.NewMemoryStore()

	cfg := DefaultCoordinatorConfig()
	cfg.WriteAttempts = 1
	cfg.Gate = gate
	if mutate != nil {
		mutate(&cfg)
	}
	coordinator, err := NewCoordinator(ch, tokenizer, resolver, vectors, keywords, store, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	coordinator.sleep = func(context.Context, time.Duration) error { return nil }

	qcfg := DefaultQueryConfig()
	qcfg.Gate = gate
	engine, err := NewQueryEngine(resolver, tokenizer, vectors, keywords, qcfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	return &testStack{
		provider:    provider,
		cache:       embCache,
		resolver:    resolver,
		tokenizer:   tokenizer,
		vectors:     vectors,
		keywords:    keywords,
		store:       store,
		coordinator: coordinator,
		engine:      engine,
	}
}

func (s *testStack) ingest(t *testing.T, id string, rev int64, text string) domain.IngestResult {
	t.Helper()
	res, err := s.coordinator.Ingest(context.Background(), domain.IngestRequest{DocumentID: id, Text: text, Revision: rev})
	if err != nil {
		t.Fatalf("ingest %s@%d: %v", id, rev, err)
	}
	return res
}

func (s *testStack) mustVerify(t *testing.T, id string) {
	t.Helper()
	doc, err := s.store.GetDocument(id)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.coordinator.Verify(doc); err != nil {
		t.Fatalf("indexes disagree for %s: %v", id, err)
	}
}
