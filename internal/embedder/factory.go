package embedder

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Config holds embedder configuration
type Config struct {
	Provider  string
	APIKey    string
	Model     string
	BaseURL   string
	CacheSize int

	MaxBatchSize      int
	RequestsPerSecond float64
	Burst             int
	Retry             RetryConfig

	Logger  zerolog.Logger
	OnRetry func(provider string)
}

func (cfg Config) options() []Option {
	opts := []Option{
		WithRateLimit(cfg.RequestsPerSecond, cfg.Burst),
		WithRetry(cfg.Retry),
		WithLogger(cfg.Logger),
		WithMaxBatchSize(cfg.MaxBatchSize),
	}
	if cfg.CacheSize > 0 {
		opts = append(opts, WithCache(NewCache(cfg.CacheSize)))
	}
	if cfg.Model != "" {
		opts = append(opts, WithModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, WithBaseURL(cfg.BaseURL))
	}
	if cfg.OnRetry != nil {
		opts = append(opts, WithRetryHook(cfg.OnRetry))
	}
	return opts
}

// New creates an embedder with explicit configuration. An empty provider is
// detected from the environment.
func New(cfg Config) (Embedder, error) {
	provider := strings.ToLower(cfg.Provider)
	if provider == "" {
		provider = DetectProvider()
	}

	opts := cfg.options()
	switch provider {
	case ProviderJina:
		return NewJinaProvider(cfg.APIKey, opts...)
	case ProviderOpenAI:
		return NewOpenAIProvider(cfg.APIKey, opts...)
	case ProviderLocal:
		return NewLocalProvider(opts...)
	default:
		return nil, fmt.Errorf("%w: unknown provider %s", ErrUnsupportedModel, cfg.Provider)
	}
}

// NewFromEnv creates an embedder based on environment variables
// Priority:
// 1. TAGINDEX_EMBEDDING_PROVIDER (jina, openai, local)
// 2. Check for API keys: JINA_API_KEY, OPENAI_API_KEY
// 3. Default to local if no API keys found
func NewFromEnv() (Embedder, error) {
	return New(Config{CacheSize: 10000})
}

// DetectProvider returns the provider that would be used based on current environment
func DetectProvider() string {
	provider := os.Getenv(EnvProvider)
	if provider != "" {
		return strings.ToLower(provider)
	}

	if os.Getenv(EnvJinaAPIKey) != "" {
		return ProviderJina
	}
	if os.Getenv(EnvOpenAIAPIKey) != "" {
		return ProviderOpenAI
	}

	return ProviderLocal
}
