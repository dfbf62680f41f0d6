package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"docsearch/internal/domain"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Chunking.SizeTokens != 200 {
		t.Errorf("expected SizeTokens=200, got %d", cfg.Chunking.SizeTokens)
	}
	if cfg.Index.K1 != 1.2 {
		t.Errorf("expected K1=1.2, got %f", cfg.Index.K1)
	}
	if cfg.Index.B != 0.75 {
		t.Errorf("expected B=0.75, got %f", cfg.Index.B)
	}
	if cfg.Query.VectorWeight != 0.5 || cfg.Query.KeywordWeight != 0.5 {
		t.Errorf("expected 0.5/0.5 fusion weights, got %f/%f", cfg.Query.VectorWeight, cfg.Query.KeywordWeight)
	}
	if cfg.Ingest.Policy != "reject" {
		t.Errorf("expected reject policy, got %q", cfg.Ingest.Policy)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestLoad_NonExistent(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Errorf("expected no error for non-existent file, got %v", err)
	}
	if cfg == nil {
		t.Error("expected default config, got nil")
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "docsearch.yaml")
	t.Setenv("DOCSEARCH_TEST_MODEL", "nomic-embed-text")

	content := `
chunking:
  chunk_size_tokens: 256
  overlap_tokens: 32
  min_chunk_tokens: 10
analyzer:
  stemming: false
embedding:
  provider: ollama
  model: ${DOCSEARCH_TEST_MODEL}
  initial_backoff: 250ms
  max_backoff: ${DOCSEARCH_UNSET_BACKOFF:-2s}
query:
  default_k: 10
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Chunking.SizeTokens != 256 || cfg.Chunking.OverlapTokens != 32 {
		t.Errorf("unexpected chunking %+v", cfg.Chunking)
	}
	if cfg.Analyzer.Stemming {
		t.Error("expected Stemming=false")
	}
	if cfg.Embedding.Model != "nomic-embed-text" {
		t.Errorf("env expansion failed, model=%q", cfg.Embedding.Model)
	}
	if cfg.Embedding.InitialBackoff.Std() != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %s", cfg.Embedding.InitialBackoff.Std())
	}
	if cfg.Embedding.MaxBackoff.Std() != 2*time.Second {
		t.Errorf("expected default 2s, got %s", cfg.Embedding.MaxBackoff.Std())
	}
	if cfg.Query.DefaultK != 10 {
		t.Errorf("expected DefaultK=10, got %d", cfg.Query.DefaultK)
	}
	if cfg.Index.K1 != 1.2 {
		t.Errorf("unset fields should keep defaults, K1=%f", cfg.Index.K1)
	}
}

func TestLoad_TOML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "docsearch.toml")

	content := `
data_dir = "/var/lib/docsearch"

[query]
fusion = "rrf"
path_timeout = "1s"
settle_timeout = "100ms"

[embedding]
provider = "hash"
dimension = 64
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromDir(tmpDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Query.Fusion != "rrf" || cfg.Query.PathTimeout.Std() != time.Second || cfg.Query.SettleTimeout.Std() != 100*time.Millisecond {
		t.Errorf("unexpected query config %+v", cfg.Query)
	}
	if cfg.Embedding.Provider != "hash" || cfg.Embedding.Dimension != 64 {
		t.Errorf("unexpected embedding config %+v", cfg.Embedding)
	}
	if cfg.DBPath() != filepath.Join("/var/lib/docsearch", "docsearch.db") {
		t.Errorf("unexpected db path %s", cfg.DBPath())
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"overlap too large", "chunking:\n  chunk_size_tokens: 10\n  overlap_tokens: 10\n"},
		{"unknown metric", "index:\n  metric: l2\n"},
		{"unknown policy", "ingest:\n  policy: queue\n"},
		{"zero weights", "query:\n  vector_weight: 0\n  keyword_weight: 0\n"},
		{"bad duration", "query:\n  path_timeout: soon\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "docsearch.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestValidate_WrapsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Query.Fanout = 0
	if err := cfg.Validate(); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoadFromDir_Fallbacks(t *testing.T) {
	tmpDir := t.TempDir()
	cfg, err := LoadFromDir(tmpDir)
	if err != nil || cfg.Query.DefaultK != 5 {
		t.Fatalf("expected defaults, got %+v (%v)", cfg, err)
	}

	if err := os.MkdirAll(filepath.Join(tmpDir, ".docsearch"), 0o755); err != nil {
		t.Fatal(err)
	}
	content := "ingest:\n  workers: 9\n"
	if err := os.WriteFile(filepath.Join(tmpDir, ".docsearch", "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadFromDir(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Ingest.Workers != 9 {
		t.Errorf("expected Workers=9, got %d", cfg.Ingest.Workers)
	}
}
