package embedder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectProvider(t *testing.T) {
	tests := []struct {
		name      string
		provider  string
		jinaKey   string
		openaiKey string
		want      string
	}{
		{"explicit jina provider", "jina", "", "", ProviderJina},
		{"explicit provider is lowercased", "OpenAI", "", "", ProviderOpenAI},
		{"explicit local provider", "local", "key", "key", ProviderLocal},
		{"jina key present", "", "test-key", "", ProviderJina},
		{"openai key present", "", "", "test-key", ProviderOpenAI},
		{"jina wins over openai", "", "a", "b", ProviderJina},
		{"fallback to local", "", "", "", ProviderLocal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvProvider, tt.provider)
			t.Setenv(EnvJinaAPIKey, tt.jinaKey)
			t.Setenv(EnvOpenAIAPIKey, tt.openaiKey)
			assert.Equal(t, tt.want, DetectProvider())
		})
	}
}

func TestNew(t *testing.T) {
	t.Setenv(EnvProvider, "")
	t.Setenv(EnvJinaAPIKey, "")
	t.Setenv(EnvOpenAIAPIKey, "")

	t.Run("local with options", func(t *testing.T) {
		emb, err := New(Config{Provider: "local", CacheSize: 10, MaxBatchSize: 7, Model: "custom"})
		require.NoError(t, err)
		assert.Equal(t, ProviderLocal, emb.Provider())
		assert.Equal(t, 7, emb.MaxBatchSize())
		assert.Equal(t, "custom", emb.Model())
	})

	t.Run("openai with explicit key", func(t *testing.T) {
		emb, err := New(Config{Provider: "openai", APIKey: "k"})
		require.NoError(t, err)
		assert.Equal(t, ProviderOpenAI, emb.Provider())
		assert.Equal(t, OpenAIDimension, emb.Dimension())
		assert.Equal(t, DefaultMaxBatchSize, emb.MaxBatchSize())
	})

	t.Run("jina without key", func(t *testing.T) {
		_, err := New(Config{Provider: "jina"})
		assert.ErrorIs(t, err, ErrNoProviderEnabled)
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := New(Config{Provider: "cohere"})
		assert.ErrorIs(t, err, ErrUnsupportedModel)
	})

	t.Run("detected", func(t *testing.T) {
		emb, err := NewFromEnv()
		require.NoError(t, err)
		assert.Equal(t, ProviderLocal, emb.Provider())
	})
}
