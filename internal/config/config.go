// Package config loads server settings from a YAML file, a .env file and
// CBS_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/DeusData/codebase-search-mcp/internal/discover"
	"github.com/DeusData/codebase-search-mcp/internal/embedding"
	"github.com/DeusData/codebase-search-mcp/internal/query"
	"github.com/DeusData/codebase-search-mcp/internal/watcher"
)

// Embedding providers.
const (
	ProviderNone   = "none"
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// Config is the server configuration.
type Config struct {
	CacheDir     string       `yaml:"cache_dir"`
	LogLevel     string       `yaml:"log_level"`
	Repositories []Repository `yaml:"repositories"`
	Watch        *bool        `yaml:"watch"`

	Index     IndexConfig     `yaml:"index"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Query     QueryConfig     `yaml:"query"`
}

// Repository is a checkout indexed at startup.
type Repository struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// IndexConfig controls discovery and change tracking.
type IndexConfig struct {
	Parallelism int      `yaml:"parallelism"`
	MaxFileSize int64    `yaml:"max_file_size"`
	IgnoreFile  string   `yaml:"ignore_file"`
	Exclude     []string `yaml:"exclude"`
	// Debounce is the quiet period before a ChangeSet is emitted.
	Debounce  time.Duration `yaml:"debounce"`
	HeadCheck time.Duration `yaml:"head_check"`
	Polling   bool          `yaml:"polling"`
}

// EmbeddingConfig selects and tunes the inference backend. The API key is
// read from the environment only.
type EmbeddingConfig struct {
	Provider    string        `yaml:"provider"`
	Model       string        `yaml:"model"`
	BaseURL     string        `yaml:"base_url"`
	Dimensions  int           `yaml:"dimensions"`
	BatchSize   int           `yaml:"batch_size"`
	Parallelism int           `yaml:"parallelism"`
	Timeout     time.Duration `yaml:"timeout"`
	Attempts    int           `yaml:"attempts"`
	RateLimit   float64       `yaml:"rate_limit"`
	ChunkLines  int           `yaml:"chunk_lines"`
	Overlap     *int          `yaml:"chunk_overlap"`
	APIKey      string        `yaml:"-"`
}

// QueryConfig tunes ranking. Unset weights keep their defaults.
type QueryConfig struct {
	PreviewCount   int           `yaml:"preview_count"`
	ContextLines   *int          `yaml:"context_lines"`
	Timeout        time.Duration `yaml:"timeout"`
	SemanticK      int           `yaml:"semantic_k"`
	MinSimilarity  *float64      `yaml:"min_similarity"`
	LexicalWeight  *float64      `yaml:"lexical_weight"`
	SemanticWeight *float64      `yaml:"semantic_weight"`
	SymbolBonus    *float64      `yaml:"symbol_bonus"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Embedding: EmbeddingConfig{
			Provider: ProviderOllama,
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
	}
}

// DefaultPath is ~/.config/codebase-search-mcp/config.yaml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "codebase-search-mcp", "config.yaml")
}

// Load reads path over the defaults and applies the environment. A missing
// file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			slog.Debug("config.missing", "path", path)
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.CacheDir, "CBS_CACHE_DIR")
	setString(&c.LogLevel, "CBS_LOG_LEVEL")
	setString(&c.Embedding.Provider, "CBS_EMBEDDING_PROVIDER")
	setString(&c.Embedding.Model, "CBS_EMBEDDING_MODEL")
	setString(&c.Embedding.BaseURL, "CBS_EMBEDDING_URL")
	if v, err := strconv.ParseBool(os.Getenv("CBS_WATCH")); err == nil {
		c.Watch = &v
	}
	if v, err := strconv.Atoi(os.Getenv("CBS_PARALLELISM")); err == nil {
		c.Index.Parallelism = v
	}
	c.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
	setString(&c.Embedding.APIKey, "CBS_OPENAI_API_KEY")
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

// Validate checks values the server cannot run with.
func (c *Config) Validate() error {
	switch c.Embedding.Provider {
	case ProviderNone, ProviderOllama, ProviderOpenAI:
	case "":
		c.Embedding.Provider = ProviderNone
	default:
		return fmt.Errorf("embedding.provider: unknown provider %q", c.Embedding.Provider)
	}
	if c.Embedding.Provider == ProviderOpenAI && c.Embedding.APIKey == "" {
		return errors.New("embedding.provider openai needs OPENAI_API_KEY")
	}
	if _, err := c.EffectiveLogLevel(); err != nil {
		return err
	}
	for i, r := range c.Repositories {
		if r.Path == "" {
			return fmt.Errorf("repositories[%d]: path is required", i)
		}
	}
	return nil
}

// EffectiveWatch reports whether repositories are watched; default true.
func (c *Config) EffectiveWatch() bool {
	if c.Watch != nil {
		return *c.Watch
	}
	return true
}

// EffectiveLogLevel parses LogLevel.
func (c *Config) EffectiveLogLevel() (slog.Level, error) {
	var lvl slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

// Backend builds the inference backend, wrapped with timeouts, retries and
// rate limiting. It returns nil when embeddings are off.
func (c *Config) Backend() embedding.Backend {
	e := c.Embedding
	var b embedding.Backend
	switch e.Provider {
	case ProviderOllama:
		b = embedding.NewOllama(e.BaseURL, e.Model)
	case ProviderOpenAI:
		b = embedding.NewOpenAI(e.APIKey, e.BaseURL, e.Model, e.Dimensions)
	default:
		return nil
	}
	opts := embedding.DefaultRetryOptions()
	if e.Timeout > 0 {
		opts.Timeout = e.Timeout
	}
	if e.Attempts > 0 {
		opts.Attempts = e.Attempts
	}
	if e.RateLimit > 0 {
		opts.RequestsPerSecond = e.RateLimit
		opts.Burst = max(1, int(e.RateLimit))
	}
	return embedding.NewRetrying(b, opts)
}

// IndexerOptions returns the chunking and batching settings.
func (c *Config) IndexerOptions() embedding.IndexerOptions {
	chunk := embedding.DefaultChunkOptions()
	if c.Embedding.ChunkLines > 0 {
		chunk.Lines = c.Embedding.ChunkLines
	}
	if c.Embedding.Overlap != nil {
		chunk.Overlap = *c.Embedding.Overlap
	}
	return embedding.IndexerOptions{
		Chunk:       chunk,
		BatchSize:   c.Embedding.BatchSize,
		Parallelism: c.Embedding.Parallelism,
	}
}

// DiscoverOptions returns the file filter settings.
func (c *Config) DiscoverOptions() *discover.Options {
	return &discover.Options{
		IgnoreFile:  c.Index.IgnoreFile,
		Patterns:    c.Index.Exclude,
		MaxFileSize: c.EffectiveMaxFileSize(),
	}
}

// EffectiveMaxFileSize returns the size limit for indexed files.
func (c *Config) EffectiveMaxFileSize() int64 {
	if c.Index.MaxFileSize > 0 {
		return c.Index.MaxFileSize
	}
	return discover.DefaultMaxFileSize
}

// TrackerOptions returns the change tracker timings.
func (c *Config) TrackerOptions() watcher.Options {
	return watcher.Options{
		Debounce:  c.Index.Debounce,
		HeadCheck: c.Index.HeadCheck,
		Polling:   c.Index.Polling,
	}
}

// QueryOptions returns the ranking settings over query.DefaultOptions.
func (c *Config) QueryOptions() query.Options {
	o := query.DefaultOptions()
	q := c.Query
	if q.PreviewCount > 0 {
		o.PreviewCount = q.PreviewCount
	}
	if q.ContextLines != nil {
		o.ContextLines = *q.ContextLines
	}
	if q.Timeout > 0 {
		o.SubQueryTimeout = q.Timeout
	}
	if q.SemanticK > 0 {
		o.SemanticK = q.SemanticK
	}
	if q.MinSimilarity != nil {
		o.MinSimilarity = *q.MinSimilarity
	}
	if q.LexicalWeight != nil {
		o.LexicalWeight = *q.LexicalWeight
	}
	if q.SemanticWeight != nil {
		o.SemanticWeight = *q.SemanticWeight
	}
	if q.SymbolBonus != nil {
		o.SymbolBonus = *q.SymbolBonus
	}
	return o
}
