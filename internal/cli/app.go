package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"docsearch/config"
	"docsearch/internal/adapter/analyzer"
	"docsearch/internal/adapter/cache"
	"docsearch/internal/adapter/chunker"
	"docsearch/internal/adapter/embedding"
	"docsearch/internal/adapter/keywordindex"
	"docsearch/internal/adapter/store"
	"docsearch/internal/adapter/vectorindex"
	"docsearch/internal/metrics"
	"docsearch/internal/port"
	"docsearch/internal/usecase"
)

// app is the composition root shared by every command.
type app struct {
	cfg         *config.Config
	logger      *zap.Logger
	store       *store.BoltStore
	cache       *cache.EmbeddingCache
	redis       *cache.RedisTier
	resolver    *usecase.EmbeddingResolver
	tokenizer   *analyzer.Tokenizer
	vectors     *vectorindex.Index
	keywords    *keywordindex.Index
	coordinator *usecase.Coordinator
	engine      *usecase.QueryEngine
}

// openApp opens the data directory, settles schema and interrupted
// ingestions, and builds the engine.
func openApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	st, err := store.NewBoltStore(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, store: st}
	if err := a.build(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	cfg := a.cfg
	metrics.Register()

	migration, err := a.store.CheckMigration(cfg)
	if err != nil {
		return fmt.Errorf("failed to check migration: %w", err)
	}
	if migration.NeedsRebuild {
		a.logger.Warn("Index rebuild required, clearing existing index", zap.String("reason", migration.Reason))
		if err := a.store.Clear(); err != nil {
			return fmt.Errorf("failed to clear index: %w", err)
		}
	} else if migration.NeedsMigration {
		a.logger.Info("Running schema migration", zap.String("reason", migration.Reason))
	}
	if err := a.store.Migrate(cfg); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	provider, err := newProvider(cfg.Embedding)
	if err != nil {
		return err
	}
	client, err := embedding.NewClient(provider, embedding.ClientConfig{
		BatchSize:         cfg.Embedding.BatchSize,
		MaxInputChars:     cfg.Embedding.MaxInputChars,
		MaxAttempts:       cfg.Embedding.MaxAttempts,
		InitialBackoff:    cfg.Embedding.InitialBackoff.Std(),
		MaxBackoff:        cfg.Embedding.MaxBackoff.Std(),
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
	}, a.logger.Named("embedding"))
	if err != nil {
		return err
	}

	opts := cache.Options{
		MaxEntries: cfg.Cache.MaxEntries,
		MaxBytes:   cfg.Cache.MaxBytes,
		Counter:    metrics.EmbeddingCacheTotal,
		Entries:    metrics.EmbeddingCacheEntries,
		Logger:     a.logger.Named("cache"),
	}
	if len(cfg.Cache.Redis.Addrs) > 0 {
		a.redis, err = cache.NewRedisTier(cfg.Cache.Redis.Addrs, os.Getenv(cfg.Cache.Redis.PasswordEnv), cfg.Cache.Redis.TTL.Std())
		if err != nil {
			return err
		}
		if err := a.redis.Ping(ctx); err != nil {
			a.logger.Warn("Redis cache tier unreachable, continuing with local cache only", zap.Error(err))
		}
		opts.SecondTier = a.redis
	}
	a.cache = cache.NewEmbeddingCache(opts)
	if cfg.Cache.Snapshot {
		n, err := a.cache.Load(a.store.DB(), client.ModelVersion())
		if err != nil {
			a.logger.Warn("Ignoring unreadable embedding cache snapshot", zap.Error(err))
		} else if n > 0 {
			a.logger.Info("Loaded embedding cache snapshot", zap.Int("entries", n))
		}
	}
	a.resolver = usecase.NewEmbeddingResolver(a.cache, client)

	metric, err := vectorindex.ParseMetric(cfg.Index.Metric)
	if err != nil {
		return err
	}
	a.vectors, err = vectorindex.New(a.store.DB(), client.Dimension(), metric)
	if err != nil {
		return fmt.Errorf("failed to open vector index: %w", err)
	}
	a.keywords, err = keywordindex.New(a.store.DB(), cfg.Index.K1, cfg.Index.B)
	if err != nil {
		return fmt.Errorf("failed to open keyword index: %w", err)
	}

	a.tokenizer = analyzer.NewTokenizer(cfg.Analyzer.Stemming)
	chk, err := chunker.NewPassageChunker(cfg.Chunking, a.tokenizer)
	if err != nil {
		return err
	}

	policy, err := usecase.ParsePolicy(cfg.Ingest.Policy)
	if err != nil {
		return err
	}
	gate := usecase.NewCommitGate()
	a.coordinator, err = usecase.NewCoordinator(chk, a.tokenizer, a.resolver, a.vectors, a.keywords, a.store,
		usecase.CoordinatorConfig{
			Workers:       cfg.Ingest.Workers,
			Policy:        policy,
			WriteAttempts: cfg.Index.WriteAttempts,
			WriteBackoff:  cfg.Index.WriteBackoff.Std(),
			Gate:          gate,
		}, a.logger.Named("ingest"))
	if err != nil {
		return err
	}

	report, err := a.coordinator.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted ingestions: %w", err)
	}
	if report != (usecase.RecoveryReport{}) {
		a.logger.Info("Recovered interrupted ingestions",
			zap.Int("restored", report.Restored),
			zap.Int("dropped", report.Dropped),
			zap.Int("failed", report.Failed),
		)
	}

	a.engine, err = usecase.NewQueryEngine(a.resolver, a.tokenizer, a.vectors, a.keywords, usecase.QueryConfig{
		DefaultK:      cfg.Query.DefaultK,
		MaxK:          cfg.Query.MaxK,
		Fanout:        cfg.Query.Fanout,
		PathTimeout:   cfg.Query.PathTimeout.Std(),
		SettleTimeout: cfg.Query.SettleTimeout.Std(),
		MinScore:      cfg.Query.MinScore,
		Gate:          gate,
		Fusion: usecase.FusionConfig{
			Strategy:      usecase.FusionStrategy(cfg.Query.Fusion),
			VectorWeight:  cfg.Query.VectorWeight,
			KeywordWeight: cfg.Query.KeywordWeight,
			RRFK:          cfg.Query.RRFK,
		},
	}, a.logger.Named("query"))
	return err
}

// newProvider picks the embedding provider named in the config.
func newProvider(cfg config.EmbeddingConfig) (port.EmbeddingProvider, error) {
	switch cfg.Provider {
	case "hash":
		return embedding.NewHashProvider(cfg.Dimension), nil
	case "openai", "deepseek", "jina", "ollama", "custom":
		return embedding.NewOpenAIProvider(embedding.OpenAIConfig{
			Provider:   cfg.Provider,
			APIKeyEnv:  cfg.APIKeyEnv,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimension,
		})
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}

// close persists the cache snapshot and releases everything openApp opened.
func (a *app) close() error {
	var errs []error
	if a.cache != nil && a.resolver != nil && a.cfg.Cache.Snapshot {
		n, err := a.cache.Save(a.store.DB(), a.resolver.ModelVersion())
		if err != nil {
			errs = append(errs, err)
		} else {
			a.logger.Debug("Saved embedding cache snapshot", zap.Int("entries", n))
		}
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
