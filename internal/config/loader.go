package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/dshills/tagindex/internal/embedder"
)

// EnvPrefix prefixes every environment override, e.g. TAGINDEX_DB_PATH
const EnvPrefix = "TAGINDEX"

// Load reads configPath, if set, on top of Default and applies environment
// overrides. The file format follows its extension (yaml, json or toml).
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = apiKeyFromEnv(cfg.Embedding.Provider)
	}
	return cfg, nil
}

// setDefaults registers every key so environment overrides reach Unmarshal
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("schedule", d.Schedule)
	v.SetDefault("watch_debounce", d.WatchDebounce)
	v.SetDefault("metrics_addr", d.MetricsAddr)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)

	v.SetDefault("index.max_concurrent_scopes", d.Index.MaxConcurrentScopes)
	v.SetDefault("index.hash_workers", d.Index.HashWorkers)
	v.SetDefault("index.trust_metadata", d.Index.TrustMetadata)
	v.SetDefault("index.max_files", d.Index.MaxFiles)
	v.SetDefault("index.max_file_size", d.Index.MaxFileSize)
	v.SetDefault("index.follow_symlinks", d.Index.FollowSymlinks)
	v.SetDefault("index.ignore_patterns", d.Index.IgnorePatterns)
	v.SetDefault("index.ignore_files", d.Index.IgnoreFiles)
	v.SetDefault("index.batch_size", d.Index.BatchSize)
	v.SetDefault("index.lock_stale_timeout", d.Index.LockStaleTimeout)

	v.SetDefault("backends.enabled", d.Backends.Enabled)
	v.SetDefault("backends.chunk_cache_dir", d.Backends.ChunkCacheDir)
	v.SetDefault("backends.symbol_cache_size", d.Backends.SymbolCacheSize)

	v.SetDefault("embedding.provider", d.Embedding.Provider)
	v.SetDefault("embedding.model", d.Embedding.Model)
	v.SetDefault("embedding.base_url", d.Embedding.BaseURL)
	v.SetDefault("embedding.api_key", d.Embedding.APIKey)
	v.SetDefault("embedding.cache_size", d.Embedding.CacheSize)
	v.SetDefault("embedding.max_batch_size", d.Embedding.MaxBatchSize)
	v.SetDefault("embedding.requests_per_second", d.Embedding.RequestsPerSecond)
	v.SetDefault("embedding.burst", d.Embedding.Burst)
	v.SetDefault("embedding.max_retries", d.Embedding.MaxRetries)
	v.SetDefault("embedding.base_delay", d.Embedding.BaseDelay)
	v.SetDefault("embedding.max_delay", d.Embedding.MaxDelay)
	v.SetDefault("embedding.multiplier", d.Embedding.Multiplier)
	v.SetDefault("embedding.jitter_fraction", d.Embedding.JitterFraction)

	v.SetDefault("search.cache_size", d.Search.CacheSize)
	v.SetDefault("search.cache_ttl", d.Search.CacheTTL)
}

// apiKeyFromEnv returns the conventional API key variable of provider
func apiKeyFromEnv(provider string) string {
	if provider == "" {
		provider = embedder.DetectProvider()
	}
	switch provider {
	case embedder.ProviderJina:
		return os.Getenv(embedder.EnvJinaAPIKey)
	case embedder.ProviderOpenAI:
		return os.Getenv(embedder.EnvOpenAIAPIKey)
	}
	return ""
}

// IsNotExist reports whether err means the config file is missing
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
