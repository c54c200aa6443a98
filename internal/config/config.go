// Package config loads tagindex settings from an optional file and
// TAGINDEX_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dshills/tagindex/internal/backend/chunkcache"
	"github.com/dshills/tagindex/internal/backend/embeddings"
	"github.com/dshills/tagindex/internal/backend/fulltext"
	"github.com/dshills/tagindex/internal/backend/symbols"
	"github.com/dshills/tagindex/internal/embedder"
	"github.com/dshills/tagindex/internal/logging"
	"github.com/dshills/tagindex/internal/walker"
)

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("invalid config")

// Config represents the tagindex configuration
type Config struct {
	// DataDir holds the database and the chunk cache
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
	// DBPath defaults to DataDir/tagindex.db
	DBPath string `json:"db_path" mapstructure:"db_path"`

	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Index     IndexConfig     `json:"index" mapstructure:"index"`
	Backends  BackendsConfig  `json:"backends" mapstructure:"backends"`
	Embedding EmbeddingConfig `json:"embedding" mapstructure:"embedding"`
	Search    SearchConfig    `json:"search" mapstructure:"search"`

	// Schedule is a cron spec refreshing every known scope; empty disables it
	Schedule string `json:"schedule" mapstructure:"schedule"`
	// WatchDebounce is how long a changed path stays quiet before it is refreshed
	WatchDebounce time.Duration `json:"watch_debounce" mapstructure:"watch_debounce"`
	// MetricsAddr serves /metrics when set, e.g. ":9090"
	MetricsAddr string `json:"metrics_addr" mapstructure:"metrics_addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `json:"level" mapstructure:"level"`
	// Pretty forces console output on or off; unset detects a terminal
	Pretty *bool  `json:"pretty" mapstructure:"pretty"`
	File   string `json:"file" mapstructure:"file"`
}

// IndexConfig tunes the refresh engine
type IndexConfig struct {
	MaxConcurrentScopes int           `json:"max_concurrent_scopes" mapstructure:"max_concurrent_scopes"`
	HashWorkers         int           `json:"hash_workers" mapstructure:"hash_workers"`
	TrustMetadata       bool          `json:"trust_metadata" mapstructure:"trust_metadata"`
	MaxFiles            int           `json:"max_files" mapstructure:"max_files"`
	MaxFileSize         int64         `json:"max_file_size" mapstructure:"max_file_size"`
	FollowSymlinks      bool          `json:"follow_symlinks" mapstructure:"follow_symlinks"`
	IgnorePatterns      []string      `json:"ignore_patterns" mapstructure:"ignore_patterns"`
	IgnoreFiles         []string      `json:"ignore_files" mapstructure:"ignore_files"`
	BatchSize           int           `json:"batch_size" mapstructure:"batch_size"`
	LockStaleTimeout    time.Duration `json:"lock_stale_timeout" mapstructure:"lock_stale_timeout"`
}

// BackendsConfig selects the index backends
type BackendsConfig struct {
	Enabled []string `json:"enabled" mapstructure:"enabled"`
	// ChunkCacheDir defaults to DataDir/chunkcache
	ChunkCacheDir string `json:"chunk_cache_dir" mapstructure:"chunk_cache_dir"`
	// SymbolCacheSize bounds the import resolver's package cache
	SymbolCacheSize int `json:"symbol_cache_size" mapstructure:"symbol_cache_size"`
}

// EmbeddingConfig configures the remote-compute client
type EmbeddingConfig struct {
	// Provider is jina, openai or local; empty detects it from API keys
	Provider string `json:"provider" mapstructure:"provider"`
	Model    string `json:"model" mapstructure:"model"`
	BaseURL  string `json:"base_url" mapstructure:"base_url"`
	// APIKey falls back to JINA_API_KEY or OPENAI_API_KEY
	APIKey            string        `json:"api_key" mapstructure:"api_key"`
	CacheSize         int           `json:"cache_size" mapstructure:"cache_size"`
	MaxBatchSize      int           `json:"max_batch_size" mapstructure:"max_batch_size"`
	RequestsPerSecond float64       `json:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int           `json:"burst" mapstructure:"burst"`
	MaxRetries        int           `json:"max_retries" mapstructure:"max_retries"`
	BaseDelay         time.Duration `json:"base_delay" mapstructure:"base_delay"`
	MaxDelay          time.Duration `json:"max_delay" mapstructure:"max_delay"`
	Multiplier        float64       `json:"multiplier" mapstructure:"multiplier"`
	JitterFraction    float64       `json:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// SearchConfig configures the query cache
type SearchConfig struct {
	CacheSize int           `json:"cache_size" mapstructure:"cache_size"`
	CacheTTL  time.Duration `json:"cache_ttl" mapstructure:"cache_ttl"`
}

// Default returns the default configuration
func Default() *Config {
	dataDir := ".tagindex"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".tagindex")
	}
	retry := embedder.DefaultRetryConfig()

	return &Config{
		DataDir: dataDir,
		Logging: LoggingConfig{
			Level: "info",
		},
		Index: IndexConfig{
			MaxConcurrentScopes: runtime.NumCPU(),
			HashWorkers:         runtime.NumCPU(),
			MaxFiles:            walker.DefaultMaxFiles,
			MaxFileSize:         walker.DefaultMaxFileSize,
			IgnoreFiles:         []string{".gitignore", ".tagindexignore"},
			BatchSize:           32,
			LockStaleTimeout:    10 * time.Second,
		},
		Backends: BackendsConfig{
			Enabled:         []string{embeddings.Name, fulltext.Name, symbols.Name, chunkcache.Name},
			SymbolCacheSize: symbols.DefaultCacheSize,
		},
		Embedding: EmbeddingConfig{
			CacheSize:         10000,
			MaxBatchSize:      embedder.DefaultMaxBatchSize,
			RequestsPerSecond: 5,
			Burst:             5,
			MaxRetries:        retry.MaxRetries,
			BaseDelay:         retry.BaseDelay,
			MaxDelay:          retry.MaxDelay,
			Multiplier:        retry.Multiplier,
			JitterFraction:    retry.JitterFraction,
		},
		Search: SearchConfig{
			CacheSize: 1000,
			CacheTTL:  time.Hour,
		},
		WatchDebounce: 500 * time.Millisecond,
	}
}

// DatabasePath returns DBPath or its default under DataDir
func (c *Config) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.DataDir, "tagindex.db")
}

// ChunkCachePath returns the chunk cache directory
func (c *Config) ChunkCachePath() string {
	if c.Backends.ChunkCacheDir != "" {
		return c.Backends.ChunkCacheDir
	}
	return filepath.Join(c.DataDir, "chunkcache")
}

// BackendEnabled reports whether name is in the enabled list
func (c *Config) BackendEnabled(name string) bool {
	for _, n := range c.Backends.Enabled {
		if n == name {
			return true
		}
	}
	return false
}

// Retry returns the embedder retry policy
func (c *Config) Retry() embedder.RetryConfig {
	return embedder.RetryConfig{
		MaxRetries:     c.Embedding.MaxRetries,
		BaseDelay:      c.Embedding.BaseDelay,
		MaxDelay:       c.Embedding.MaxDelay,
		Multiplier:     c.Embedding.Multiplier,
		JitterFraction: c.Embedding.JitterFraction,
	}
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.DataDir == "" && c.DBPath == "" {
		fail("data_dir or db_path is required")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		fail("logging.level: %v", err)
	}

	if c.Index.MaxConcurrentScopes < 1 {
		fail("index.max_concurrent_scopes must be positive")
	}
	if c.Index.HashWorkers < 1 {
		fail("index.hash_workers must be positive")
	}
	if c.Index.MaxFiles < 1 {
		fail("index.max_files must be positive")
	}
	if c.Index.MaxFileSize < 1 {
		fail("index.max_file_size must be positive")
	}
	if c.Index.BatchSize < 1 {
		fail("index.batch_size must be positive")
	}
	if c.Index.LockStaleTimeout <= 0 {
		fail("index.lock_stale_timeout must be positive")
	}

	if len(c.Backends.Enabled) == 0 {
		fail("backends.enabled must name at least one backend")
	}
	seen := make(map[string]bool)
	for _, name := range c.Backends.Enabled {
		switch name {
		case embeddings.Name, fulltext.Name, symbols.Name, chunkcache.Name:
		default:
			fail("unknown backend %q", name)
		}
		if seen[name] {
			fail("backend %q enabled twice", name)
		}
		seen[name] = true
	}

	switch c.Embedding.Provider {
	case "", embedder.ProviderJina, embedder.ProviderOpenAI, embedder.ProviderLocal:
	default:
		fail("unknown embedding provider %q", c.Embedding.Provider)
	}
	if c.Embedding.MaxBatchSize < 1 {
		fail("embedding.max_batch_size must be positive")
	}
	if c.Embedding.RequestsPerSecond < 0 {
		fail("embedding.requests_per_second cannot be negative")
	}
	if c.Embedding.MaxRetries < 1 {
		fail("embedding.max_retries must be at least 1")
	}
	if c.Embedding.BaseDelay > c.Embedding.MaxDelay {
		fail("embedding.base_delay exceeds max_delay")
	}
	if c.Embedding.Multiplier < 1 {
		fail("embedding.multiplier must be at least 1")
	}
	if c.Embedding.JitterFraction < 0 || c.Embedding.JitterFraction > 1 {
		fail("embedding.jitter_fraction must be between 0 and 1")
	}

	if c.Search.CacheSize < 0 {
		fail("search.cache_size cannot be negative")
	}
	if c.Schedule != "" {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			fail("schedule: %v", err)
		}
	}
	if c.WatchDebounce <= 0 {
		fail("watch_debounce must be positive")
	}
	return errors.Join(errs...)
}
