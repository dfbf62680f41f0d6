package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"docsearch/internal/domain"
	"docsearch/internal/metrics"
	"docsearch/internal/port"
)

type ClientConfig struct {
	BatchSize         int
	MaxInputChars     int
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	RequestsPerSecond float64
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BatchSize:      64,
		MaxInputChars:  8000,
		MaxAttempts:    3,
		InitialBackoff: 4 * time.Second,
		MaxBackoff:     10 * time.Second,
	}
}

// Client is the only caller of an EmbeddingProvider. It validates input,
// splits it into batches, rate limits and retries transient failures.
type Client struct {
	provider port.EmbeddingProvider
	cfg      ClientConfig
	limiter  *rate.Limiter
	logger   *zap.Logger

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(provider port.EmbeddingProvider, cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: embedding provider is required", domain.ErrInvalidConfig)
	}
	def := DefaultClientConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = def.MaxInputChars
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxBackoff > 0 && cfg.InitialBackoff > cfg.MaxBackoff {
		return nil, fmt.Errorf("%w: initial backoff %s exceeds max backoff %s",
			domain.ErrInvalidConfig, cfg.InitialBackoff, cfg.MaxBackoff)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := max(1, int(cfg.RequestsPerSecond))
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		provider: provider,
		cfg:      cfg,
		limiter:  limiter,
		logger:   logger,
		sleep:    sleepContext,
	}, nil
}

func (c *Client) Dimension() int {
	return c.provider.Dimension()
}

func (c *Client) ModelVersion() string {
	return c.provider.ModelVersion()
}

// EmbedBatch returns one embedding per text in input order. Invalid input
// fails before any provider call.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([]domain.Embedding, error) {
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("%w: text %d is empty", domain.ErrInvalidInput, i)
		}
		if n := utf8.RuneCountInString(text); n > c.cfg.MaxInputChars {
			return nil, fmt.Errorf("%w: text %d has %d characters, limit is %d",
				domain.ErrInvalidInput, i, n, c.cfg.MaxInputChars)
		}
	}

	version := c.provider.ModelVersion()
	dim := c.provider.Dimension()
	out := make([]domain.Embedding, 0, len(texts))

	for start := 0; start < len(texts); start += c.cfg.BatchSize {
		end := min(start+c.cfg.BatchSize, len(texts))
		batch := texts[start:end]

		vecs, err := c.embedWithRetry(ctx, batch)
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(batch) {
			return nil, fmt.Errorf("%w: provider returned %d vectors for %d texts",
				domain.ErrEmbeddingUnavailable, len(vecs), len(batch))
		}
		for i, vec := range vecs {
			if dim > 0 && len(vec) != dim {
				return nil, fmt.Errorf("%w: text %d embedded to %d dimensions, expected %d",
					domain.ErrDimensionMismatch, start+i, len(vec), dim)
			}
			out = append(out, domain.Embedding{Vector: vec, ModelVersion: version})
		}
	}
	return out, nil
}

func (c *Client) embedWithRetry(ctx context.Context, batch []string) ([][]float32, error) {
	model := c.provider.ModelVersion()
	backoff := c.cfg.InitialBackoff

	for attempt := 1; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("embedding rate limit wait: %w", err)
			}
		}

		start := time.Now()
		vecs, err := c.provider.Embed(ctx, batch)
		metrics.EmbeddingRequestDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())
		if err == nil {
			metrics.EmbeddingRequestsTotal.WithLabelValues(model, "success").Inc()
			return vecs, nil
		}
		metrics.EmbeddingRequestsTotal.WithLabelValues(model, "error").Inc()

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("embed batch: %w", ctxErr)
		}
		if !errors.Is(err, domain.ErrTransient) {
			return nil, fmt.Errorf("%w: %w", domain.ErrEmbeddingUnavailable, err)
		}
		if attempt >= c.cfg.MaxAttempts {
			return nil, fmt.Errorf("%w: giving up after %d attempts: %w",
				domain.ErrEmbeddingUnavailable, attempt, err)
		}

		c.logger.Warn("Embedding request failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("batch_size", len(batch)),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		metrics.EmbeddingRetriesTotal.WithLabelValues(model).Inc()

		if err := c.sleep(ctx, backoff); err != nil {
			return nil, fmt.Errorf("embed batch: %w", err)
		}
		backoff *= 2
		if c.cfg.MaxBackoff > 0 && backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
