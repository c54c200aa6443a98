// Package symbols is the import-definition backend. It stores the symbols
// and imports of Go sources keyed by content digest, and resolves a file's
// imports to the exported definitions of packages in the same scope.
package symbols

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dshills/tagindex/internal/backend"
	"github.com/dshills/tagindex/internal/storage"
	"github.com/dshills/tagindex/pkg/types"
)

// Name is the backend name recorded in the catalog
const Name = "symbols"

// Store is the slice of storage used by the backend and its resolver
type Store interface {
	backend.PayloadStore
	SaveSymbolPayload(ctx context.Context, digest types.Digest, result *types.ParseResult) error
	LoadCatalog(ctx context.Context, scope types.Scope, backend string) (map[string]storage.CatalogEntry, error)
	LookupPath(ctx context.Context, scope types.Scope, backend, path string) (*storage.CatalogEntry, error)
	ListImports(ctx context.Context, digest types.Digest) ([]types.Import, error)
	ListSymbols(ctx context.Context, digest types.Digest) ([]types.Symbol, error)
	PackageName(ctx context.Context, digest types.Digest) (string, error)
}

// Config configures the symbols backend
type Config struct {
	Store     Store
	BatchSize int
	// CacheSize bounds the resolver's package definitions cache
	CacheSize int
	Gate      *backend.Gate
	Logger    zerolog.Logger
	Observer  backend.Observer
}

// Backend is the symbols backend together with its import resolver
type Backend struct {
	*backend.Driver
	resolver *Resolver
}

// New creates the symbols backend
func New(cfg Config) (*Backend, error) {
	if cfg.Store == nil {
		return nil, errors.New("symbols: store is required")
	}
	resolver, err := NewResolver(cfg.Store, cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	w := &worker{
		SQLPayloads: backend.SQLPayloads{Store: cfg.Store, Kind: storage.PayloadSymbols, Backend: Name},
		store:       cfg.Store,
		prep:        backend.NewPreparer(nil),
		resolver:    resolver,
	}
	drv := backend.NewDriver(backend.DriverConfig{
		Name:       Name,
		BatchSize:  cfg.BatchSize,
		PayloadRef: "go/ast",
		Gate:       cfg.Gate,
		Logger:     cfg.Logger,
		Observer:   cfg.Observer,
	}, w)
	return &Backend{Driver: drv, resolver: resolver}, nil
}

// Resolver returns the import resolver reading this backend's catalog
func (b *Backend) Resolver() *Resolver {
	return b.resolver
}

type worker struct {
	backend.SQLPayloads
	store    Store
	prep     *backend.Preparer
	resolver *Resolver
}

// Compute stores the parse result of each item. Files that are not Go
// sources store an empty payload so they are not recomputed.
func (w *worker) Compute(ctx context.Context, items []types.PathAndDigest) []error {
	errs := make([]error, len(items))
	for i, it := range items {
		if err := ctx.Err(); err != nil {
			errs[i] = err
			continue
		}
		p, err := w.prep.Parse(it)
		if err != nil {
			errs[i] = err
			continue
		}
		if err := w.store.SaveSymbolPayload(ctx, it.Digest, p.Parsed); err != nil {
			errs[i] = fmt.Errorf("failed to save symbols: %w", err)
		}
	}
	return errs
}

// Tag drops cached definitions of the scope; the catalog rows are written
// by the driver
func (w *worker) Tag(ctx context.Context, scope types.Scope, items []types.PathAndDigest) error {
	w.resolver.Invalidate(scope)
	return nil
}

func (w *worker) Untag(ctx context.Context, scope types.Scope, items []types.PathAndDigest) error {
	w.resolver.Invalidate(scope)
	return nil
}

func (w *worker) ClearScope(ctx context.Context, scope types.Scope) error {
	w.resolver.Invalidate(scope)
	return nil
}

func (w *worker) Close() error {
	w.resolver.Close()
	return nil
}
