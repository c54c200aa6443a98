// Package reconciler diffs the current state of a scope against its tag
// catalog and splits the difference into the four work buckets consumed by
// index backends.
package reconciler

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/dshills/tagindex/internal/hasher"
	"github.com/dshills/tagindex/internal/storage"
	"github.com/dshills/tagindex/pkg/types"
)

// Catalog is the slice of storage the reconciler reads
type Catalog interface {
	LoadCatalog(ctx context.Context, scope types.Scope, backend string) (map[string]storage.CatalogEntry, error)
	RefCounts(ctx context.Context, backend string, digests []types.Digest) (map[types.Digest]int, error)
	ForeignRefCounts(ctx context.Context, scope types.Scope, backend string, digests []types.Digest) (map[types.Digest]int, error)
}

// Snapshot is the hashed state of a scope's files at one moment
type Snapshot struct {
	// Current maps normalized paths to their digest
	Current map[string]types.PathAndDigest
	// Failed holds paths whose hashing failed; their catalog rows are kept
	Failed map[string]error
	// Truncated is set when the walk hit its file ceiling; catalog paths
	// missing from Current are then kept rather than removed
	Truncated bool
	// Only restricts the diff to these normalized paths when non-nil
	Only map[string]struct{}
}

// NewSnapshot builds a snapshot from hashing results, normalizing paths the
// way scope does
func NewSnapshot(scope types.Scope, hashed []hasher.Hashed, truncated bool) *Snapshot {
	s := &Snapshot{
		Current:   make(map[string]types.PathAndDigest, len(hashed)),
		Failed:    make(map[string]error),
		Truncated: truncated,
	}
	for _, h := range hashed {
		p := scope.NormalizePath(h.File.Path)
		if h.Err != nil {
			s.Failed[p] = h.Err
			continue
		}
		s.Current[p] = types.PathAndDigest{Path: p, AbsPath: h.File.AbsPath, Digest: h.Digest}
	}
	return s
}

// Restrict limits the snapshot to paths, which are normalized for scope
func (s *Snapshot) Restrict(scope types.Scope, paths ...string) *Snapshot {
	only := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		only[scope.NormalizePath(p)] = struct{}{}
	}
	return &Snapshot{
		Current:   s.Current,
		Failed:    s.Failed,
		Truncated: false,
		Only:      only,
	}
}

func (s *Snapshot) includes(path string) bool {
	if s.Only == nil {
		return true
	}
	_, ok := s.Only[path]
	return ok
}

// FailedPaths returns the paths whose hashing failed, sorted
func (s *Snapshot) FailedPaths() []string {
	out := make([]string, 0, len(s.Failed))
	for p := range s.Failed {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Reconciler produces partitions for one backend
type Reconciler struct {
	store Catalog
}

// New creates a Reconciler reading from store
func New(store Catalog) *Reconciler {
	return &Reconciler{store: store}
}

// Reconcile diffs snap against the catalog of (scope, backend).
//
// A current path that is new or changed goes to Compute when its digest has
// no artifact and no earlier path of this partition computes it, and to
// AddTag otherwise. A catalog path that disappeared or changed contributes
// its old digest to RemoveTag when the scope keeps referencing the digest or
// another scope holds it, and to Delete otherwise.
//
// Catalog corruption is returned as is; callers rebuild with Rebuild.
func (r *Reconciler) Reconcile(ctx context.Context, scope types.Scope, backend string, snap *Snapshot) (*types.Partition, error) {
	prev, err := r.store.LoadCatalog(ctx, scope, backend)
	if err != nil {
		return nil, err
	}

	part := &types.Partition{}

	// Digests the scope still references after this refresh
	kept := make(map[types.Digest]bool)

	// Catalog rows excluded from the diff stay as they are
	for path, e := range prev {
		if _, failed := snap.Failed[path]; failed || !snap.includes(path) {
			kept[e.Digest] = true
		}
	}

	var additions []types.PathAndDigest
	for _, path := range sortedKeys(snap.Current) {
		if !snap.includes(path) {
			continue
		}
		cur := snap.Current[path]
		kept[cur.Digest] = true
		if e, ok := prev[path]; ok && e.Digest == cur.Digest {
			part.Unchanged++
			continue
		}
		additions = append(additions, cur)
	}

	var removals []types.PathAndDigest
	for _, path := range sortedKeys(prev) {
		if !snap.includes(path) {
			continue
		}
		if _, failed := snap.Failed[path]; failed {
			continue
		}
		e := prev[path]
		cur, present := snap.Current[path]
		switch {
		case present && cur.Digest == e.Digest:
			continue
		case !present && snap.Truncated:
			// Unknown whether the file still exists
			kept[e.Digest] = true
			continue
		}
		removals = append(removals, types.PathAndDigest{
			Path:    path,
			AbsPath: filepath.Join(scope.Directory, filepath.FromSlash(path)),
			Digest:  e.Digest,
		})
	}

	if err := r.splitAdditions(ctx, backend, additions, part); err != nil {
		return nil, err
	}
	if err := r.splitRemovals(ctx, scope, backend, removals, kept, part); err != nil {
		return nil, err
	}

	part.Sort()
	return part, nil
}

func (r *Reconciler) splitAdditions(ctx context.Context, backend string, additions []types.PathAndDigest, part *types.Partition) error {
	if len(additions) == 0 {
		return nil
	}
	counts, err := r.store.RefCounts(ctx, backend, uniqueDigests(additions))
	if err != nil {
		return fmt.Errorf("failed to read refcounts: %w", err)
	}

	computing := make(map[types.Digest]bool)
	for _, it := range additions {
		if counts[it.Digest] > 0 || computing[it.Digest] {
			part.AddTag = append(part.AddTag, it)
			continue
		}
		computing[it.Digest] = true
		part.Compute = append(part.Compute, it)
	}
	return nil
}

func (r *Reconciler) splitRemovals(ctx context.Context, scope types.Scope, backend string, removals []types.PathAndDigest, kept map[types.Digest]bool, part *types.Partition) error {
	if len(removals) == 0 {
		return nil
	}

	var orphaned []types.Digest
	for _, d := range uniqueDigests(removals) {
		if !kept[d] {
			orphaned = append(orphaned, d)
		}
	}

	foreign := map[types.Digest]int{}
	if len(orphaned) > 0 {
		var err error
		foreign, err = r.store.ForeignRefCounts(ctx, scope, backend, orphaned)
		if err != nil {
			return fmt.Errorf("failed to read memberships: %w", err)
		}
	}

	for _, it := range removals {
		if kept[it.Digest] || foreign[it.Digest] > 0 {
			part.RemoveTag = append(part.RemoveTag, it)
			continue
		}
		part.Delete = append(part.Delete, it)
	}
	return nil
}

// Rebuild returns the partition that recomputes every current path. It is
// used once a corrupt catalog has been reset.
func Rebuild(snap *Snapshot) *types.Partition {
	part := &types.Partition{Rebuild: true}
	for _, path := range sortedKeys(snap.Current) {
		if snap.includes(path) {
			part.Compute = append(part.Compute, snap.Current[path])
		}
	}
	return part
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func uniqueDigests(items []types.PathAndDigest) []types.Digest {
	seen := make(map[types.Digest]bool, len(items))
	out := make([]types.Digest, 0, len(items))
	for _, it := range items {
		if !seen[it.Digest] {
			seen[it.Digest] = true
			out = append(out, it.Digest)
		}
	}
	return out
}
