// Package backend defines the index backend capability set and the driver
// that applies a reconciliation partition to a backend.
//
// A backend consumes the four buckets of a partition in the order Compute,
// AddTag, RemoveTag, Delete and checkpoints every batch through a MarkFunc
// once its work is durable. Anything not checkpointed reappears as pending
// on the next reconciliation, so every step must be idempotent.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sort"
	"sync"

	"github.com/dshills/tagindex/internal/storage"
	"github.com/dshills/tagindex/pkg/types"
)

// ErrDuplicateBackend is returned when two backends share a name
var ErrDuplicateBackend = errors.New("duplicate backend")

// ErrUnknownBackend is returned for names that were never registered
var ErrUnknownBackend = errors.New("unknown backend")

// MarkFunc checkpoints items of one bucket for the backend's catalog view.
// The result lists digests whose last reference was released.
type MarkFunc func(ctx context.Context, kind types.BucketKind, items []types.PathAndDigest) (*storage.MarkResult, error)

// Backend is a pluggable index. Update applies part for scope and yields
// progress events; the sequence ends with a terminal status. Stopping the
// iteration early, or cancelling ctx, ends the update after the current
// batch without undoing checkpointed work.
type Backend interface {
	Name() string
	Update(ctx context.Context, scope types.Scope, part *types.Partition, mark MarkFunc) iter.Seq[types.Progress]
}

// ScopeClearer drops a backend's own per-scope associations, for backends
// that keep them outside the catalog
type ScopeClearer interface {
	ClearScope(ctx context.Context, scope types.Scope) error
}

// Purger discards payloads of digests no longer referenced by any scope
type Purger interface {
	Purge(ctx context.Context, digests []types.Digest) (int, error)
}

// Sweeper discards every payload that has no artifact row
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Marker is the slice of storage that records checkpoints
type Marker interface {
	MarkComplete(ctx context.Context, req storage.MarkRequest) (*storage.MarkResult, error)
}

// NewMarkFunc binds MarkComplete to one scope and backend
func NewMarkFunc(store Marker, scope types.Scope, b Backend) MarkFunc {
	ref := ""
	if r, ok := b.(interface{ PayloadRef() string }); ok {
		ref = r.PayloadRef()
	}
	name := b.Name()
	return func(ctx context.Context, kind types.BucketKind, items []types.PathAndDigest) (*storage.MarkResult, error) {
		return store.MarkComplete(ctx, storage.MarkRequest{
			Scope:      scope,
			Backend:    name,
			Kind:       kind,
			Items:      items,
			PayloadRef: ref,
		})
	}
}

// Registry holds the backends known to an engine, in registration order
type Registry struct {
	mu       sync.RWMutex
	order    []string
	backends map[string]Backend
}

// NewRegistry creates a registry holding backends
func NewRegistry(backends ...Backend) (*Registry, error) {
	r := &Registry{backends: make(map[string]Backend)}
	for _, b := range backends {
		if err := r.Register(b); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds b; names must be unique and non-empty
func (r *Registry) Register(b Backend) error {
	name := b.Name()
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrUnknownBackend)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateBackend, name)
	}
	r.backends[name] = b
	r.order = append(r.order, name)
	return nil
}

// Get returns the backend called name
func (r *Registry) Get(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	return b, nil
}

// All returns the backends in registration order
func (r *Registry) All() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Backend, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.backends[name])
	}
	return out
}

// Names returns the backend names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// Close closes every backend that holds resources
func (r *Registry) Close() error {
	var errs []error
	for _, b := range r.All() {
		if c, ok := b.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", b.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// Batches splits items into consecutive slices of at most size elements
func Batches[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 {
		size = len(items)
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}
