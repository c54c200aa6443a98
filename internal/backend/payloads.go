package backend

import (
	"context"

	"github.com/dshills/tagindex/internal/storage"
	"github.com/dshills/tagindex/pkg/types"
)

// PayloadStore is the slice of storage used by backends whose payloads live
// in SQLite
type PayloadStore interface {
	HasPayload(ctx context.Context, kind storage.PayloadKind, digests []types.Digest) (map[types.Digest]bool, error)
	DeletePayload(ctx context.Context, kind storage.PayloadKind, backend string, digests []types.Digest) (int, error)
	SweepOrphans(ctx context.Context, kind storage.PayloadKind, backend string) (int, error)
}

// SQLPayloads implements the payload bookkeeping of a Worker over one
// payload kind. Workers embed it and add Compute.
type SQLPayloads struct {
	Store   PayloadStore
	Kind    storage.PayloadKind
	Backend string
}

// Present reports which digests have a stored payload
func (p SQLPayloads) Present(ctx context.Context, digests []types.Digest) (map[types.Digest]bool, error) {
	return p.Store.HasPayload(ctx, p.Kind, digests)
}

// Purge deletes payloads of digests that no longer have an artifact row
func (p SQLPayloads) Purge(ctx context.Context, digests []types.Digest) (int, error) {
	return p.Store.DeletePayload(ctx, p.Kind, p.Backend, digests)
}

// Sweep deletes every payload without an artifact row
func (p SQLPayloads) Sweep(ctx context.Context) (int, error) {
	return p.Store.SweepOrphans(ctx, p.Kind, p.Backend)
}
