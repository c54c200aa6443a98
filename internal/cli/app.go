package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/dshills/tagindex/internal/backend"
	"github.com/dshills/tagindex/internal/backend/chunkcache"
	"github.com/dshills/tagindex/internal/backend/embeddings"
	"github.com/dshills/tagindex/internal/backend/fulltext"
	"github.com/dshills/tagindex/internal/backend/symbols"
	"github.com/dshills/tagindex/internal/config"
	"github.com/dshills/tagindex/internal/embedder"
	"github.com/dshills/tagindex/internal/indexer"
	"github.com/dshills/tagindex/internal/mcp"
	"github.com/dshills/tagindex/internal/metrics"
	"github.com/dshills/tagindex/internal/searcher"
	"github.com/dshills/tagindex/internal/storage"
)

// App is the wired set of services behind every command
type App struct {
	Config   *config.Config
	Log      zerolog.Logger
	Metrics  *metrics.Metrics
	Store    *storage.SQLiteStorage
	Engine   *indexer.Engine
	Searcher *searcher.Searcher
	Symbols  *symbols.Backend
	Chunks   *chunkcache.Backend

	gate *backend.Gate
}

// NewApp opens storage and builds the enabled backends, the engine and the
// searcher from cfg
func NewApp(cfg *config.Config, log zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dbPath := cfg.DatabasePath()
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	store, err := storage.NewSQLiteStorage(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	a := &App{Config: cfg, Log: log, Metrics: metrics.NewMetrics(), Store: store}
	reg, emb, err := a.buildBackends(backend.NewGate())
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a.Engine, err = indexer.NewEngine(indexer.Config{
		MaxConcurrentScopes: cfg.Index.MaxConcurrentScopes,
		HashWorkers:         cfg.Index.HashWorkers,
		TrustMetadata:       cfg.Index.TrustMetadata,
		MaxFiles:            cfg.Index.MaxFiles,
		MaxFileSize:         cfg.Index.MaxFileSize,
		FollowSymlinks:      cfg.Index.FollowSymlinks,
		IgnorePatterns:      cfg.Index.IgnorePatterns,
		IgnoreFiles:         cfg.Index.IgnoreFiles,
		LockStaleTimeout:    cfg.Index.LockStaleTimeout,
		Gate:                a.gate,
		Logger:              log,
		Observer:            a.Metrics,
	}, store, reg)
	if err != nil {
		_ = reg.Close()
		_ = store.Close()
		return nil, err
	}

	a.Searcher = searcher.NewSearcher(store, emb, searcher.WithCache(cfg.Search.CacheSize, cfg.Search.CacheTTL))
	log.Debug().
		Str("db", dbPath).
		Strs("backends", reg.Names()).
		Str("build_mode", storage.BuildMode).
		Msg("services ready")
	return a, nil
}

// buildBackends creates every enabled backend. The embedder is nil when the
// embeddings backend is disabled.
func (a *App) buildBackends(gate *backend.Gate) (*backend.Registry, embedder.Embedder, error) {
	cfg := a.Config
	a.gate = gate
	reg, err := backend.NewRegistry()
	if err != nil {
		return nil, nil, err
	}
	fail := func(err error) (*backend.Registry, embedder.Embedder, error) {
		_ = reg.Close()
		return nil, nil, err
	}

	var emb embedder.Embedder
	for _, name := range cfg.Backends.Enabled {
		var (
			b   backend.Backend
			err error
		)
		switch name {
		case embeddings.Name:
			emb, err = embedder.New(embedder.Config{
				Provider:          cfg.Embedding.Provider,
				APIKey:            cfg.Embedding.APIKey,
				Model:             cfg.Embedding.Model,
				BaseURL:           cfg.Embedding.BaseURL,
				CacheSize:         cfg.Embedding.CacheSize,
				MaxBatchSize:      cfg.Embedding.MaxBatchSize,
				RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
				Burst:             cfg.Embedding.Burst,
				Retry:             cfg.Retry(),
				Logger:            a.Log,
				OnRetry:           a.Metrics.ComputeRetried,
			})
			if err != nil {
				return fail(fmt.Errorf("failed to initialize embedder: %w", err))
			}
			b, err = embeddings.New(embeddings.Config{
				Store:     a.Store,
				Embedder:  emb,
				BatchSize: cfg.Index.BatchSize,
				Gate:      gate,
				Logger:    a.Log,
				Observer:  a.Metrics,
			})
		case fulltext.Name:
			b, err = fulltext.New(fulltext.Config{
				Store:     a.Store,
				BatchSize: cfg.Index.BatchSize,
				Gate:      gate,
				Logger:    a.Log,
				Observer:  a.Metrics,
			})
		case symbols.Name:
			a.Symbols, err = symbols.New(symbols.Config{
				Store:     a.Store,
				BatchSize: cfg.Index.BatchSize,
				CacheSize: cfg.Backends.SymbolCacheSize,
				Gate:      gate,
				Logger:    a.Log,
				Observer:  a.Metrics,
			})
			b = a.Symbols
		case chunkcache.Name:
			a.Chunks, err = chunkcache.New(chunkcache.Config{
				Path:      cfg.ChunkCachePath(),
				Refs:      a.Store,
				BatchSize: cfg.Index.BatchSize,
				Gate:      gate,
				Logger:    a.Log,
				Observer:  a.Metrics,
			})
			b = a.Chunks
		default:
			err = fmt.Errorf("unknown backend %q", name)
		}
		if err != nil {
			return fail(err)
		}
		if err := reg.Register(b); err != nil {
			return fail(err)
		}
	}
	return reg, emb, nil
}

// MCPServer builds the MCP tool surface over the app's services
func (a *App) MCPServer() (*mcp.Server, error) {
	deps := mcp.Deps{
		Engine:   a.Engine,
		Searcher: a.Searcher,
		Chunks:   a.Chunks,
		Logger:   a.Log,
	}
	if a.Symbols != nil {
		deps.Symbols = a.Symbols.Resolver()
	}
	return mcp.NewServer(deps)
}

// Close stops the engine, which closes the backends, then the store
func (a *App) Close() error {
	return errors.Join(a.Engine.Close(), a.Store.Close())
}
