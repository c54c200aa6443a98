// Package fulltext is the keyword search backend. Chunks are stored in a
// SQLite FTS5 table keyed by content digest.
package fulltext

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dshills/tagindex/internal/backend"
	"github.com/dshills/tagindex/internal/chunker"
	"github.com/dshills/tagindex/internal/storage"
	"github.com/dshills/tagindex/pkg/types"
)

// Name is the backend name recorded in the catalog
const Name = "fulltext"

// Store is the slice of storage the backend writes to
type Store interface {
	backend.PayloadStore
	SaveTextPayload(ctx context.Context, digest types.Digest, chunks []*types.Chunk) error
}

// Config configures the full-text backend
type Config struct {
	Store     Store
	Chunker   *chunker.Chunker
	BatchSize int
	Gate      *backend.Gate
	Logger    zerolog.Logger
	Observer  backend.Observer
}

// New creates the full-text backend
func New(cfg Config) (*backend.Driver, error) {
	if cfg.Store == nil {
		return nil, errors.New("fulltext: store is required")
	}
	w := &worker{
		SQLPayloads: backend.SQLPayloads{Store: cfg.Store, Kind: storage.PayloadText, Backend: Name},
		store:       cfg.Store,
		prep:        backend.NewPreparer(cfg.Chunker),
	}
	return backend.NewDriver(backend.DriverConfig{
		Name:       Name,
		BatchSize:  cfg.BatchSize,
		PayloadRef: "fts5",
		Gate:       cfg.Gate,
		Logger:     cfg.Logger,
		Observer:   cfg.Observer,
	}, w), nil
}

type worker struct {
	backend.SQLPayloads
	store Store
	prep  *backend.Preparer
}

func (w *worker) Compute(ctx context.Context, items []types.PathAndDigest) []error {
	errs := make([]error, len(items))
	for i, it := range items {
		if err := ctx.Err(); err != nil {
			errs[i] = err
			continue
		}
		p, err := w.prep.Prepare(it)
		if err != nil {
			errs[i] = err
			continue
		}
		if err := w.store.SaveTextPayload(ctx, it.Digest, p.Chunks); err != nil {
			errs[i] = fmt.Errorf("failed to save text chunks: %w", err)
		}
	}
	return errs
}
