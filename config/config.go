package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"docsearch/internal/adapter/chunker"
	"docsearch/internal/domain"
)

// Config holds all configuration for docsearch.
type Config struct {
	DataDir   string          `yaml:"data_dir" toml:"data_dir"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Source    SourceConfig    `yaml:"source" toml:"source"`
	Analyzer  AnalyzerConfig  `yaml:"analyzer" toml:"analyzer"`
	Chunking  chunker.Config  `yaml:"chunking" toml:"chunking"`
	Embedding EmbeddingConfig `yaml:"embedding" toml:"embedding"`
	Cache     CacheConfig     `yaml:"cache" toml:"cache"`
	Index     IndexConfig     `yaml:"index" toml:"index"`
	Ingest    IngestConfig    `yaml:"ingest" toml:"ingest"`
	Query     QueryConfig     `yaml:"query" toml:"query"`
}

type LoggingConfig struct {
	Env   string `yaml:"env" toml:"env"`     // "production" or "development"
	Level string `yaml:"level" toml:"level"` // debug, info, warn, error
}

type ServerConfig struct {
	Addr            string   `yaml:"addr" toml:"addr"`
	ReadTimeout     Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout" toml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// SourceConfig describes the directory document source.
type SourceConfig struct {
	Includes      []string `yaml:"includes" toml:"includes"`
	Excludes      []string `yaml:"excludes" toml:"excludes"`
	MaxFileBytes  int64    `yaml:"max_file_bytes" toml:"max_file_bytes"`
	WatchDebounce Duration `yaml:"watch_debounce" toml:"watch_debounce"`
}

type AnalyzerConfig struct {
	Stemming bool `yaml:"stemming" toml:"stemming"`
}

// EmbeddingConfig holds embedding provider and client configuration.
type EmbeddingConfig struct {
	Provider          string   `yaml:"provider" toml:"provider"` // "openai", "deepseek", "jina", "ollama", "hash"
	Model             string   `yaml:"model" toml:"model"`
	APIKeyEnv         string   `yaml:"api_key_env" toml:"api_key_env"`
	BaseURL           string   `yaml:"base_url" toml:"base_url"`
	Dimension         int      `yaml:"dimension" toml:"dimension"`
	BatchSize         int      `yaml:"batch_size" toml:"batch_size"`
	MaxInputChars     int      `yaml:"max_input_chars" toml:"max_input_chars"`
	MaxAttempts       int      `yaml:"max_attempts" toml:"max_attempts"`
	InitialBackoff    Duration `yaml:"initial_backoff" toml:"initial_backoff"`
	MaxBackoff        Duration `yaml:"max_backoff" toml:"max_backoff"`
	RequestsPerSecond float64  `yaml:"requests_per_second" toml:"requests_per_second"`
}

type CacheConfig struct {
	MaxEntries      int         `yaml:"max_entries" toml:"max_entries"`
	MaxBytes        int64       `yaml:"max_bytes" toml:"max_bytes"`
	ReclaimInterval Duration    `yaml:"reclaim_interval" toml:"reclaim_interval"`
	Snapshot        bool        `yaml:"snapshot" toml:"snapshot"`
	Redis           RedisConfig `yaml:"redis" toml:"redis"`
}

// RedisConfig enables the shared second cache tier when Addrs is non-empty.
type RedisConfig struct {
	Addrs       []string `yaml:"addrs" toml:"addrs"`
	PasswordEnv string   `yaml:"password_env" toml:"password_env"`
	TTL         Duration `yaml:"ttl" toml:"ttl"`
}

type IndexConfig struct {
	Metric        string   `yaml:"metric" toml:"metric"` // "cosine" or "dot"
	K1            float64  `yaml:"k1" toml:"k1"`
	B             float64  `yaml:"b" toml:"b"`
	WriteAttempts int      `yaml:"write_attempts" toml:"write_attempts"`
	WriteBackoff  Duration `yaml:"write_backoff" toml:"write_backoff"`
}

type IngestConfig struct {
	Workers int    `yaml:"workers" toml:"workers"`
	Policy  string `yaml:"policy" toml:"policy"` // "reject" or "wait"
}

type QueryConfig struct {
	DefaultK      int      `yaml:"default_k" toml:"default_k"`
	MaxK          int      `yaml:"max_k" toml:"max_k"`
	Fanout        int      `yaml:"fanout" toml:"fanout"`
	Fusion        string   `yaml:"fusion" toml:"fusion"` // "weighted" or "rrf"
	VectorWeight  float64  `yaml:"vector_weight" toml:"vector_weight"`
	KeywordWeight float64  `yaml:"keyword_weight" toml:"keyword_weight"`
	RRFK          int      `yaml:"rrf_k" toml:"rrf_k"`
	PathTimeout   Duration `yaml:"path_timeout" toml:"path_timeout"`
	// SettleTimeout bounds how long a query waits for a document it hit
	// while that document was being committed.
	SettleTimeout Duration `yaml:"settle_timeout" toml:"settle_timeout"`
	MinScore      float64  `yaml:"min_score" toml:"min_score"` // 0 = disabled
}

// Duration is a time.Duration written as "750ms" or "4s" in config files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir: ".docsearch",
		Logging: LoggingConfig{
			Env:   "production",
			Level: "info",
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     Duration(10 * time.Second),
			WriteTimeout:    Duration(60 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Source: SourceConfig{
			Includes:      []string{"**/*.txt", "**/*.md"},
			Excludes:      []string{"**/.git/**", "**/node_modules/**", "**/.docsearch/**"},
			MaxFileBytes:  10 << 20,
			WatchDebounce: Duration(500 * time.Millisecond),
		},
		Analyzer: AnalyzerConfig{Stemming: true},
		Chunking: chunker.DefaultConfig(),
		Embedding: EmbeddingConfig{
			Provider:       "openai",
			Model:          "text-embedding-3-small",
			APIKeyEnv:      "OPENAI_API_KEY",
			BatchSize:      64,
			MaxInputChars:  8000,
			MaxAttempts:    3,
			InitialBackoff: Duration(4 * time.Second),
			MaxBackoff:     Duration(10 * time.Second),
		},
		Cache: CacheConfig{
			MaxEntries: 50000,
			MaxBytes:   256 << 20,
			Snapshot:   true,
			Redis:      RedisConfig{TTL: Duration(24 * time.Hour)},
		},
		Index: IndexConfig{
			Metric:        "cosine",
			K1:            1.2,
			B:             0.75,
			WriteAttempts: 3,
			WriteBackoff:  Duration(100 * time.Millisecond),
		},
		Ingest: IngestConfig{
			Workers: 4,
			Policy:  "reject",
		},
		Query: QueryConfig{
			DefaultK:      5,
			MaxK:          100,
			Fanout:        4,
			Fusion:        "weighted",
			VectorWeight:  0.5,
			KeywordWeight: 0.5,
			RRFK:          60,
			PathTimeout:   Duration(5 * time.Second),
			SettleTimeout: Duration(250 * time.Millisecond),
		},
	}
}

// Validate reports every setting the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Logging.Env {
	case "", "production", "prod", "development", "dev", "local":
	default:
		errs = append(errs, fmt.Errorf("logging.env must be production or development, got %q", c.Logging.Env))
	}
	if err := c.Chunking.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Embedding.Provider == "" {
		errs = append(errs, errors.New("embedding.provider is required"))
	}
	if c.Embedding.Provider == "hash" && c.Embedding.Dimension <= 0 {
		errs = append(errs, errors.New("embedding.dimension must be positive for the hash provider"))
	}
	if c.Embedding.MaxBackoff > 0 && c.Embedding.InitialBackoff > c.Embedding.MaxBackoff {
		errs = append(errs, errors.New("embedding.initial_backoff exceeds embedding.max_backoff"))
	}
	if c.Index.Metric != "cosine" && c.Index.Metric != "dot" {
		errs = append(errs, fmt.Errorf("index.metric must be cosine or dot, got %q", c.Index.Metric))
	}
	if c.Index.K1 <= 0 {
		errs = append(errs, errors.New("index.k1 must be positive"))
	}
	if c.Index.B < 0 || c.Index.B > 1 {
		errs = append(errs, errors.New("index.b must be in [0,1]"))
	}
	if c.Ingest.Workers <= 0 {
		errs = append(errs, errors.New("ingest.workers must be positive"))
	}
	if c.Ingest.Policy != "reject" && c.Ingest.Policy != "wait" {
		errs = append(errs, fmt.Errorf("ingest.policy must be reject or wait, got %q", c.Ingest.Policy))
	}
	if c.Query.MaxK <= 0 || c.Query.DefaultK <= 0 || c.Query.DefaultK > c.Query.MaxK {
		errs = append(errs, errors.New("query.default_k must be in [1, query.max_k]"))
	}
	if c.Query.Fanout <= 0 {
		errs = append(errs, errors.New("query.fanout must be positive"))
	}
	if c.Query.Fusion != "weighted" && c.Query.Fusion != "rrf" {
		errs = append(errs, fmt.Errorf("query.fusion must be weighted or rrf, got %q", c.Query.Fusion))
	}
	if c.Query.VectorWeight < 0 || c.Query.KeywordWeight < 0 || c.Query.VectorWeight+c.Query.KeywordWeight == 0 {
		errs = append(errs, errors.New("query weights must be non-negative and not both zero"))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", domain.ErrInvalidConfig, errors.Join(errs...))
}

// Load loads configuration from a YAML or TOML file. A missing file yields
// the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	data = expandEnvVars(data)

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromDir looks for docsearch.yaml, docsearch.toml and then
// .docsearch/config.yaml inside dir.
func LoadFromDir(dir string) (*Config, error) {
	candidates := []string{
		filepath.Join(dir, "docsearch.yaml"),
		filepath.Join(dir, "docsearch.toml"),
		filepath.Join(dir, ".docsearch", "config.yaml"),
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return DefaultConfig(), nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// DBPath returns the bolt database path under the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "docsearch.db")
}

// EnsureDataDir creates the data directory.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o755)
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment values.
func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		name, def, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(name)
		if val == "" && hasDefault {
			val = def
		}
		return []byte(val)
	})
}
