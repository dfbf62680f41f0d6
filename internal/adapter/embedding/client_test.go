package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"docsearch/internal/domain"
)

// scriptedProvider returns errs[i] on the i-th call, then succeeds.
type scriptedProvider struct {
	mu      sync.Mutex
	dim     int
	errs    []error
	calls   int
	batches [][]string
	wrong   bool
}

func (p *scriptedProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.batches = append(p.batches, append([]string(nil), texts...))
	if p.calls <= len(p.errs) && p.errs[p.calls-1] != nil {
		return nil, p.errs[p.calls-1]
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		dim := p.dim
		if p.wrong {
			dim++
		}
		v := make([]float32, dim)
		v[0] = float32(len(text))
		out[i] = v
	}
	return out, nil
}

func (p *scriptedProvider) Dimension() int       { return p.dim }
func (p *scriptedProvider) ModelVersion() string { return "scripted-v1" }

func newTestClient(t *testing.T, p *scriptedProvider, cfg ClientConfig) (*Client, *[]time.Duration) {
	t.Helper()
	c, err := NewClient(p, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	var sleeps []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return c, &sleeps
}

func transient(msg string) error {
	return fmt.Errorf("%s: %w", msg, domain.ErrTransient)
}

func TestEmbedBatch_PreservesOrderAcrossBatches(t *testing.T) {
	p := &scriptedProvider{dim: 4}
	c, _ := newTestClient(t, p, ClientConfig{BatchSize: 2, MaxAttempts: 1})

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	embs, err := c.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatal(err)
	}
	if len(embs) != len(texts) {
		t.Fatalf("expected %d embeddings, got %d", len(texts), len(embs))
	}
	for i, e := range embs {
		if int(e.Vector[0]) != len(texts[i]) {
			t.Errorf("embedding %d out of order: %v", i, e.Vector)
		}
		if e.ModelVersion != "scripted-v1" {
			t.Errorf("embedding %d has version %q", i, e.ModelVersion)
		}
	}
	if p.calls != 3 {
		t.Errorf("expected 3 provider calls for batch size 2, got %d", p.calls)
	}
}

func TestEmbedBatch_RetriesTransientWithBackoff(t *testing.T) {
	p := &scriptedProvider{dim: 2, errs: []error{transient("429"), transient("503")}}
	c, sleeps := newTestClient(t, p, ClientConfig{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     150 * time.Millisecond,
	})

	if _, err := c.EmbedBatch(context.Background(), []string{"hello"}); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if p.calls != 3 {
		t.Errorf("expected 3 calls, got %d", p.calls)
	}
	want := []time.Duration{100 * time.Millisecond, 150 * time.Millisecond}
	if len(*sleeps) != len(want) {
		t.Fatalf("expected sleeps %v, got %v", want, *sleeps)
	}
	for i := range want {
		if (*sleeps)[i] != want[i] {
			t.Errorf("sleep %d = %s, want %s", i, (*sleeps)[i], want[i])
		}
	}
}

func TestEmbedBatch_ExhaustedRetries(t *testing.T) {
	p := &scriptedProvider{dim: 2, errs: []error{transient("a"), transient("b"), transient("c")}}
	c, _ := newTestClient(t, p, ClientConfig{MaxAttempts: 3})

	_, err := c.EmbedBatch(context.Background(), []string{"hello"})
	if !errors.Is(err, domain.ErrEmbeddingUnavailable) {
		t.Fatalf("expected ErrEmbeddingUnavailable, got %v", err)
	}
	if p.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", p.calls)
	}
}

func TestEmbedBatch_PermanentErrorNotRetried(t *testing.T) {
	p := &scriptedProvider{dim: 2, errs: []error{errors.New("embedding API error 401: bad key")}}
	c, _ := newTestClient(t, p, ClientConfig{MaxAttempts: 5})

	_, err := c.EmbedBatch(context.Background(), []string{"hello"})
	if !errors.Is(err, domain.ErrEmbeddingUnavailable) {
		t.Fatalf("expected ErrEmbeddingUnavailable, got %v", err)
	}
	if p.calls != 1 {
		t.Errorf("permanent error must not be retried, got %d calls", p.calls)
	}
}

func TestEmbedBatch_InvalidInputNeverCallsProvider(t *testing.T) {
	p := &scriptedProvider{dim: 2}
	c, _ := newTestClient(t, p, ClientConfig{MaxInputChars: 10, MaxAttempts: 3})

	tests := [][]string{
		{"ok", "   "},
		{"ok", strings.Repeat("x", 11)},
	}
	for _, texts := range tests {
		_, err := c.EmbedBatch(context.Background(), texts)
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for %q, got %v", texts, err)
		}
	}
	if p.calls != 0 {
		t.Errorf("provider called %d times for invalid input", p.calls)
	}
}

func TestEmbedBatch_DimensionMismatch(t *testing.T) {
	p := &scriptedProvider{dim: 3, wrong: true}
	c, _ := newTestClient(t, p, ClientConfig{MaxAttempts: 1})

	_, err := c.EmbedBatch(context.Background(), []string{"hello"})
	if !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestEmbedBatch_CancelledDuringBackoff(t *testing.T) {
	p := &scriptedProvider{dim: 2, errs: []error{transient("slow")}}
	c, err := NewClient(p, ClientConfig{MaxAttempts: 3, InitialBackoff: time.Hour, MaxBackoff: time.Hour}, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = c.EmbedBatch(ctx, []string{"hello"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestNewClient_InvalidBackoff(t *testing.T) {
	_, err := NewClient(&scriptedProvider{dim: 1}, ClientConfig{InitialBackoff: time.Second, MaxBackoff: time.Millisecond}, nil)
	if !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}
