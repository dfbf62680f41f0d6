package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"docsearch/internal/domain"
)

const glacierQuery = "glacier retreat polar temperatures"

func TestQuery_RanksMatchingPassageFirst(t *testing.T) {
	s := newTestStack(t, nil)
	s.ingest(t, "doc1", 1, paragraphs(solarText, glacierText, castleText))
	s.ingest(t, "doc2", 1, coffeeText)

	res, err := s.engine.Query(context.Background(), glacierQuery, 5, domain.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Degraded {
		t.Errorf("unexpected degraded result: %v", res.Errors)
	}
	if len(res.Passages) != 4 {
		t.Fatalf("expected 4 passages, got %d", len(res.Passages))
	}
	top := res.Passages[0]
	if top.DocumentID != "doc1" || top.Sequence != 1 {
		t.Fatalf("expected doc1#1 first, got %s#%d", top.DocumentID, top.Sequence)
	}
	if top.RetrievalPath != domain.PathHybrid {
		t.Errorf("expected hybrid path, got %s", top.RetrievalPath)
	}
	if top.VectorScore == nil || top.KeywordScore == nil {
		t.Error("expected both component scores on a hybrid passage")
	}
	for i := 1; i < len(res.Passages); i++ {
		if res.Passages[i].Score > res.Passages[i-1].Score {
			t.Errorf("passages not sorted at %d", i)
		}
	}
}

func TestQuery_ReflectsLatestRevision(t *testing.T) {
	s := newTestStack(t, nil)
	s.ingest(t, "doc1", 1, paragraphs(solarText, glacierText, castleText))
	s.ingest(t, "doc1", 2, paragraphs(solarText, castleText))

	res, err := s.engine.Query(context.Background(), glacierQuery, 5, domain.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range res.Passages {
		if strings.Contains(p.Text, "Glacier") {
			t.Errorf("removed passage returned: %s#%d", p.DocumentID, p.Sequence)
		}
		if p.KeywordScore != nil {
			t.Errorf("no passage should match on keywords, got %s#%d", p.DocumentID, p.Sequence)
		}
	}
}

func TestQuery_NeverSeesHalfCommittedDocument(t *testing.T) {
	s := newTestStack(t, nil)
	s.engine.cfg.SettleTimeout = 5 * time.Second
	s.ingest(t, "doc1", 1, paragraphs(solarText, glacierText, castleText))

	held, release := s.keywords.holdNext()
	ingested := make(chan error, 1)
	go func() {
		_, err := s.coordinator.Ingest(context.Background(), domain.IngestRequest{
			DocumentID: "doc1", Revision: 2, Text: paragraphs(solarText, castleText),
		})
		ingested <- err
	}()
	<-held

	answered := make(chan domain.QueryResult, 1)
	go func() {
		res, err := s.engine.Query(context.Background(), glacierQuery, 5, domain.Filter{})
		if err != nil {
			t.Error(err)
		}
		answered <- res
	}()

	select {
	case <-answered:
		t.Fatal("query answered while the keyword commit was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-ingested; err != nil {
		t.Fatal(err)
	}
	res := <-answered
	if len(res.Pending) != 0 {
		t.Errorf("expected the commit to settle, got pending %v", res.Pending)
	}
	if len(res.Passages) == 0 {
		t.Fatal("expected passages from the new revision")
	}
	for _, p := range res.Passages {
		if strings.Contains(p.Text, "Glacier") {
			t.Errorf("query saw the previous revision: %s#%d via %s", p.DocumentID, p.Sequence, p.RetrievalPath)
		}
	}
	s.mustVerify(t, "doc1")
}

// holdCommit starts ingesting id and parks it between the vector and the
// keyword upsert. The returned func lets it finish and waits for it.
func (s *testStack) holdCommit(t *testing.T, id, text string) func() {
	t.Helper()
	held, release := s.keywords.holdNext()
	ingested := make(chan error, 1)
	go func() {
		_, err := s.coordinator.Ingest(context.Background(), domain.IngestRequest{DocumentID: id, Revision: 1, Text: text})
		ingested <- err
	}()
	<-held
	return func() {
		close(release)
		if err := <-ingested; err != nil {
			t.Errorf("ingest %s: %v", id, err)
		}
	}
}

func TestQuery_UnrelatedCommitDoesNotBlock(t *testing.T) {
	s := newTestStack(t, nil)
	s.engine.cfg.SettleTimeout = 5 * time.Second
	s.ingest(t, "doc1", 1, paragraphs(solarText, glacierText, castleText))
	finish := s.holdCommit(t, "other", coffeeText)
	defer finish()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	res, err := s.engine.Query(ctx, glacierQuery, 5, domain.Filter{DocumentIDs: []string{"doc1"}})
	if err != nil {
		t.Fatalf("query blocked by another document's commit: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 100*time.Millisecond {
		t.Errorf("query waited on an unrelated commit for %v", elapsed)
	}
	if len(res.Passages) == 0 || res.Passages[0].DocumentID != "doc1" {
		t.Errorf("expected doc1 passages, got %+v", res.Passages)
	}
	if len(res.Pending) != 0 {
		t.Errorf("unexpected pending %v", res.Pending)
	}
}

func TestQuery_LeavesOutDocumentStillCommitting(t *testing.T) {
	s := newTestStack(t, nil)
	s.ingest(t, "doc1", 1, paragraphs(solarText, glacierText, castleText))
	finish := s.holdCommit(t, "other", coffeeText)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	res, err := s.engine.Query(ctx, glacierQuery, 5, domain.Filter{})
	if err != nil {
		t.Fatalf("query should answer within its deadline: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 100*time.Millisecond {
		t.Errorf("query ran past its deadline: %v", elapsed)
	}
	if len(res.Pending) != 1 || res.Pending[0] != "other" {
		t.Errorf("expected other pending, got %v", res.Pending)
	}
	if len(res.Passages) == 0 {
		t.Fatal("expected doc1 passages")
	}
	for _, p := range res.Passages {
		if p.DocumentID == "other" {
			t.Errorf("half-committed document returned: %s#%d", p.DocumentID, p.Sequence)
		}
	}

	finish()
	res, err = s.engine.Query(context.Background(), "espresso coffee", 5, domain.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Pending) != 0 || len(res.Passages) == 0 || res.Passages[0].DocumentID != "other" {
		t.Errorf("expected other once committed, got %+v pending %v", res.Passages, res.Pending)
	}
}

func TestQuery_CancelledWhileSettling(t *testing.T) {
	s := newTestStack(t, nil)
	s.engine.cfg.SettleTimeout = 5 * time.Second
	s.ingest(t, "doc1", 1, paragraphs(solarText, glacierText, castleText))
	finish := s.holdCommit(t, "other", coffeeText)
	defer finish()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	start := time.Now()
	_, err := s.engine.Query(ctx, glacierQuery, 5, domain.Filter{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancellation took %v", elapsed)
	}
}

func TestQuery_DegradesWhenVectorPathFails(t *testing.T) {
	s := newTestStack(t, nil)
	s.ingest(t, "doc1", 1, paragraphs(solarText, glacierText, castleText))
	s.ingest(t, "doc2", 1, paragraphs(coffeeText, "Solar farms need large open fields."))
	s.vectors.SetAvailable(false)

	res, err := s.engine.Query(context.Background(), "solar", 5, domain.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Degraded {
		t.Error("expected degraded result")
	}
	if _, ok := res.Errors[domain.PathVector]; !ok {
		t.Errorf("expected vector path error, got %v", res.Errors)
	}
	if len(res.Paths) != 1 || res.Paths[0] != domain.PathKeyword {
		t.Errorf("expected only keyword path, got %v", res.Paths)
	}
	if len(res.Passages) == 0 || len(res.Passages) > 5 {
		t.Fatalf("expected 1..5 passages, got %d", len(res.Passages))
	}
	for _, p := range res.Passages {
		if p.RetrievalPath != domain.PathKeyword || p.VectorScore != nil {
			t.Errorf("expected keyword-only passage, got %+v", p)
		}
	}
}

func TestQuery_DegradesWhenEmbeddingFails(t *testing.T) {
	s := newTestStack(t, nil)
	s.ingest(t, "doc1", 1, paragraphs(solarText, glacierText))
	s.provider.setErr(errors.New("model endpoint refused the request"))

	res, err := s.engine.Query(context.Background(), "photovoltaic sunlight", 3, domain.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Degraded || len(res.Passages) != 1 {
		t.Fatalf("expected one keyword passage, got %+v", res)
	}
	if !strings.Contains(res.Errors[domain.PathVector], "embedding unavailable") {
		t.Errorf("expected embedding error on vector path, got %v", res.Errors)
	}
}

func TestQuery_FailsWhenBothPathsFail(t *testing.T) {
	s := newTestStack(t, nil)
	s.ingest(t, "doc1", 1, solarText)
	s.vectors.SetAvailable(false)
	s.keywords.SetAvailable(false)

	res, err := s.engine.Query(context.Background(), "solar", 5, domain.Filter{})
	if !errors.Is(err, domain.ErrQueryUnavailable) {
		t.Fatalf("expected ErrQueryUnavailable, got %v", err)
	}
	if len(res.Errors) != 2 {
		t.Errorf("expected both path errors, got %v", res.Errors)
	}
	if len(res.Passages) != 0 {
		t.Error("expected no passages")
	}
}

func TestQuery_InvalidInput(t *testing.T) {
	s := newTestStack(t, nil)

	if _, err := s.engine.Query(context.Background(), "   ", 5, domain.Filter{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for blank query, got %v", err)
	}
	if _, err := s.engine.Query(context.Background(), "solar", 0, domain.Filter{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for k=0, got %v", err)
	}
}

func TestQuery_EmptyIndex(t *testing.T) {
	s := newTestStack(t, nil)

	res, err := s.engine.Query(context.Background(), "solar", 5, domain.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Passages) != 0 || res.Degraded {
		t.Errorf("expected empty, healthy result, got %+v", res)
	}
}

func TestQuery_StopwordOnlyQuery(t *testing.T) {
	s := newTestStack(t, nil)
	s.ingest(t, "doc1", 1, solarText)

	res, err := s.engine.Query(context.Background(), "the and of", 5, domain.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Degraded {
		t.Errorf("a query without terms is not a failure: %v", res.Errors)
	}
	for _, p := range res.Passages {
		if p.KeywordScore != nil {
			t.Error("expected no keyword matches")
		}
	}
}

func TestQuery_Filter(t *testing.T) {
	s := newTestStack(t, nil)
	s.ingest(t, "doc1", 1, paragraphs(solarText, glacierText))
	s.ingest(t, "doc2", 1, "Solar power adoption grows each year.")

	res, err := s.engine.Query(context.Background(), "solar", 5, domain.Filter{DocumentIDs: []string{"doc2"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Passages) == 0 {
		t.Fatal("expected passages from doc2")
	}
	for _, p := range res.Passages {
		if p.DocumentID != "doc2" {
			t.Errorf("filter leaked %s", p.DocumentID)
		}
	}
}

func TestQuery_CapsKAndMinScore(t *testing.T) {
	s := newTestStack(t, nil)
	s.ingest(t, "doc1", 1, paragraphs(solarText, glacierText, castleText, coffeeText))

	cfg := DefaultQueryConfig()
	cfg.MaxK = 2
	engine, err := NewQueryEngine(s.resolver, s.tokenizer, s.vectors, s.keywords, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := engine.Query(context.Background(), "castles", 10, domain.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Passages) != 2 {
		t.Errorf("expected k capped to 2, got %d", len(res.Passages))
	}

	cfg.MinScore = 0.9
	engine, err = NewQueryEngine(s.resolver, s.tokenizer, s.vectors, s.keywords, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err = engine.Query(context.Background(), "castles", 10, domain.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Passages) != 1 || !strings.Contains(res.Passages[0].Text, "castles") {
		t.Errorf("expected only the castle passage above the floor, got %+v", res.Passages)
	}
}

func TestNewQueryEngine_RejectsBadFusion(t *testing.T) {
	s := newTestStack(t, nil)
	cfg := DefaultQueryConfig()
	cfg.Fusion.Strategy = "borda"
	if _, err := NewQueryEngine(s.resolver, s.tokenizer, s.vectors, s.keywords, cfg, nil); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}
