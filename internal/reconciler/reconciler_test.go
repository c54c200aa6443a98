package reconciler

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/tagindex/internal/hasher"
	"github.com/dshills/tagindex/internal/storage"
	"github.com/dshills/tagindex/internal/walker"
	"github.com/dshills/tagindex/pkg/types"
)

const backend = "embeddings"

var (
	mainScope  = types.NewScope("/repo", "main")
	otherScope = types.NewScope("/repo", "feature")
)

func newStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	s, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func h(content string) types.Digest {
	return types.ComputeDigest([]byte(content))
}

// snapshot builds a snapshot from path -> content
func snapshot(scope types.Scope, files map[string]string) *Snapshot {
	var hashed []hasher.Hashed
	for p, content := range files {
		hashed = append(hashed, hasher.Hashed{
			File:   walker.File{Path: p, AbsPath: scope.Directory + "/" + p},
			Digest: h(content),
		})
	}
	return NewSnapshot(scope, hashed, false)
}

// apply checkpoints every bucket the way a backend does after success
func apply(t *testing.T, store storage.Storage, scope types.Scope, part *types.Partition) {
	t.Helper()
	for _, kind := range types.BucketOrder {
		items := part.Bucket(kind)
		if len(items) == 0 {
			continue
		}
		_, err := store.MarkComplete(context.Background(), storage.MarkRequest{
			Scope: scope, Backend: backend, Kind: kind, Items: items,
		})
		require.NoError(t, err)
	}
}

func reconcile(t *testing.T, store storage.Storage, scope types.Scope, snap *Snapshot) *types.Partition {
	t.Helper()
	part, err := New(store).Reconcile(context.Background(), scope, backend, snap)
	require.NoError(t, err)
	return part
}

type pd struct {
	Path   string
	Digest types.Digest
}

func pairs(items []types.PathAndDigest) []pd {
	out := make([]pd, len(items))
	for i, it := range items {
		out[i] = pd{it.Path, it.Digest}
	}
	return out
}

func TestReconcile_InitialIndexDedupsWithinScope(t *testing.T) {
	store := newStore(t)

	part := reconcile(t, store, mainScope, snapshot(mainScope, map[string]string{
		"a.py":      "same",
		"b.py":      "other",
		"copy/a.py": "same",
	}))

	assert.Equal(t, []pd{{"a.py", h("same")}, {"b.py", h("other")}}, pairs(part.Compute))
	assert.Equal(t, []pd{{"copy/a.py", h("same")}}, pairs(part.AddTag))
	assert.Empty(t, part.RemoveTag)
	assert.Empty(t, part.Delete)
	assert.Equal(t, "/repo/a.py", part.Compute[0].AbsPath)
}

func TestReconcile_Idempotent(t *testing.T) {
	store := newStore(t)
	files := map[string]string{"a.py": "1", "b.py": "2", "c/d.py": "3"}

	apply(t, store, mainScope, reconcile(t, store, mainScope, snapshot(mainScope, files)))

	part := reconcile(t, store, mainScope, snapshot(mainScope, files))
	assert.True(t, part.Empty())
	assert.Equal(t, 3, part.Unchanged)
}

func TestReconcile_DedupAcrossScopes(t *testing.T) {
	store := newStore(t)
	files := map[string]string{"lib.py": "shared bytes"}

	first := reconcile(t, store, mainScope, snapshot(mainScope, files))
	require.Len(t, first.Compute, 1)
	apply(t, store, mainScope, first)

	second := reconcile(t, store, otherScope, snapshot(otherScope, files))
	assert.Empty(t, second.Compute)
	assert.Equal(t, []pd{{"lib.py", h("shared bytes")}}, pairs(second.AddTag))
}

func TestReconcile_RefcountDecidesRemoveOrDelete(t *testing.T) {
	store := newStore(t)

	apply(t, store, mainScope, reconcile(t, store, mainScope, snapshot(mainScope, map[string]string{
		"only.py": "mine", "shared.py": "ours",
	})))
	apply(t, store, otherScope, reconcile(t, store, otherScope, snapshot(otherScope, map[string]string{
		"shared.py": "ours",
	})))

	part := reconcile(t, store, mainScope, snapshot(mainScope, map[string]string{}))
	assert.Equal(t, []pd{{"only.py", h("mine")}}, pairs(part.Delete))
	assert.Equal(t, []pd{{"shared.py", h("ours")}}, pairs(part.RemoveTag))
}

func TestReconcile_ConcreteScenario(t *testing.T) {
	store := newStore(t)

	apply(t, store, mainScope, reconcile(t, store, mainScope, snapshot(mainScope, map[string]string{
		"a.py": "H1", "b.py": "H2",
	})))

	// b.py edited to H3, a.py deleted
	part := reconcile(t, store, mainScope, snapshot(mainScope, map[string]string{"b.py": "H3"}))
	assert.Equal(t, []pd{{"b.py", h("H3")}}, pairs(part.Compute))
	assert.Empty(t, part.AddTag)
	assert.Empty(t, part.RemoveTag)
	assert.Equal(t, []pd{{"a.py", h("H1")}, {"b.py", h("H2")}}, pairs(part.Delete))

	apply(t, store, mainScope, part)
	counts, err := store.RefCounts(context.Background(), backend, []types.Digest{h("H1"), h("H2"), h("H3")})
	require.NoError(t, err)
	assert.Equal(t, map[types.Digest]int{h("H3"): 1}, counts)
}

func TestReconcile_ConcreteScenarioWithSharedDigest(t *testing.T) {
	store := newStore(t)

	apply(t, store, mainScope, reconcile(t, store, mainScope, snapshot(mainScope, map[string]string{
		"a.py": "H1", "b.py": "H2",
	})))
	apply(t, store, otherScope, reconcile(t, store, otherScope, snapshot(otherScope, map[string]string{
		"a.py": "H1",
	})))

	part := reconcile(t, store, mainScope, snapshot(mainScope, map[string]string{"b.py": "H3"}))
	assert.Equal(t, []pd{{"b.py", h("H3")}}, pairs(part.Compute))
	assert.Equal(t, []pd{{"a.py", h("H1")}}, pairs(part.RemoveTag))
	assert.Equal(t, []pd{{"b.py", h("H2")}}, pairs(part.Delete))
}

func TestReconcile_RenameIsRemoveAndAdd(t *testing.T) {
	store := newStore(t)

	apply(t, store, mainScope, reconcile(t, store, mainScope, snapshot(mainScope, map[string]string{"old.py": "body"})))

	part := reconcile(t, store, mainScope, snapshot(mainScope, map[string]string{"new.py": "body"}))
	assert.Empty(t, part.Compute)
	assert.Empty(t, part.Delete)
	assert.Equal(t, []pd{{"new.py", h("body")}}, pairs(part.AddTag))
	assert.Equal(t, []pd{{"old.py", h("body")}}, pairs(part.RemoveTag))

	apply(t, store, mainScope, part)
	cat, err := store.LoadCatalog(context.Background(), mainScope, backend)
	require.NoError(t, err)
	assert.Len(t, cat, 1)
	assert.Contains(t, cat, "new.py")

	art, err := store.GetArtifact(context.Background(), h("body"), backend)
	require.NoError(t, err)
	assert.Equal(t, 1, art.RefCount)
}

func TestReconcile_ResumesOnlyUnmarkedItems(t *testing.T) {
	store := newStore(t)
	snap := snapshot(mainScope, map[string]string{"a": "1", "b": "2", "c": "3", "d": "4"})

	part := reconcile(t, store, mainScope, snap)
	require.Len(t, part.Compute, 4)

	// Crash after half of the batch was checkpointed
	_, err := store.MarkComplete(context.Background(), storage.MarkRequest{
		Scope: mainScope, Backend: backend, Kind: types.BucketCompute, Items: part.Compute[:2],
	})
	require.NoError(t, err)

	part = reconcile(t, store, mainScope, snap)
	assert.Equal(t, []string{"c", "d"}, types.Paths(part.Compute))
	assert.Equal(t, 2, part.Unchanged)
}

func TestReconcile_HashFailuresKeepCatalogRows(t *testing.T) {
	store := newStore(t)

	apply(t, store, mainScope, reconcile(t, store, mainScope, snapshot(mainScope, map[string]string{
		"a.py": "1", "b.py": "2",
	})))

	snap := NewSnapshot(mainScope, []hasher.Hashed{
		{File: walker.File{Path: "a.py"}, Digest: h("1")},
		{File: walker.File{Path: "b.py"}, Err: errors.New("permission denied")},
	}, false)
	assert.Equal(t, []string{"b.py"}, snap.FailedPaths())

	part := reconcile(t, store, mainScope, snap)
	assert.True(t, part.Empty())
}

func TestReconcile_TruncatedWalkSuppressesRemovals(t *testing.T) {
	store := newStore(t)

	apply(t, store, mainScope, reconcile(t, store, mainScope, snapshot(mainScope, map[string]string{
		"a.py": "1", "b.py": "2", "z.py": "3",
	})))

	snap := snapshot(mainScope, map[string]string{"a.py": "1", "b.py": "changed"})
	snap.Truncated = true

	part := reconcile(t, store, mainScope, snap)
	assert.Equal(t, []pd{{"b.py", h("changed")}}, pairs(part.Compute))
	assert.Equal(t, []pd{{"b.py", h("2")}}, pairs(part.Delete))
	assert.Empty(t, part.RemoveTag)
}

func TestReconcile_RestrictToOnePath(t *testing.T) {
	store := newStore(t)

	apply(t, store, mainScope, reconcile(t, store, mainScope, snapshot(mainScope, map[string]string{
		"a.py": "1", "b.py": "2",
	})))

	full := snapshot(mainScope, map[string]string{"a.py": "1-edited", "c.py": "new"})

	part := reconcile(t, store, mainScope, full.Restrict(mainScope, "./a.py"))
	assert.Equal(t, []pd{{"a.py", h("1-edited")}}, pairs(part.Compute))
	assert.Equal(t, []pd{{"a.py", h("1")}}, pairs(part.Delete))

	// b.py is missing from the snapshot but outside the restriction
	part = reconcile(t, store, mainScope, full.Restrict(mainScope, "b.py"))
	assert.Equal(t, []pd{{"b.py", h("2")}}, pairs(part.Delete))
	assert.Empty(t, part.Compute)
}

func TestReconcile_RestrictKeepsOtherReferences(t *testing.T) {
	store := newStore(t)

	apply(t, store, mainScope, reconcile(t, store, mainScope, snapshot(mainScope, map[string]string{
		"a.py": "same", "b.py": "same",
	})))

	// a.py deleted; b.py, outside the restriction, still holds the digest
	part := reconcile(t, store, mainScope, snapshot(mainScope, map[string]string{}).Restrict(mainScope, "a.py"))
	assert.Equal(t, []pd{{"a.py", h("same")}}, pairs(part.RemoveTag))
	assert.Empty(t, part.Delete)
}

func TestReconcile_CaseInsensitiveScope(t *testing.T) {
	store := newStore(t)
	scope := mainScope
	scope.CaseInsensitive = true

	apply(t, store, scope, reconcile(t, store, scope, snapshot(scope, map[string]string{"Src/Main.go": "x"})))

	part := reconcile(t, store, scope, snapshot(scope, map[string]string{"src/main.go": "x"}))
	assert.True(t, part.Empty())
}

func TestReconcile_BucketsAreDisjointAndCoverDiff(t *testing.T) {
	store := newStore(t)

	apply(t, store, mainScope, reconcile(t, store, mainScope, snapshot(mainScope, map[string]string{
		"keep": "k", "edit": "e1", "gone": "g", "dup1": "d",
	})))

	part := reconcile(t, store, mainScope, snapshot(mainScope, map[string]string{
		"keep": "k", "edit": "e2", "dup1": "d", "dup2": "d", "new": "n",
	}))

	seen := map[pd]types.BucketKind{}
	for _, kind := range types.BucketOrder {
		for _, it := range part.Bucket(kind) {
			key := pd{it.Path, it.Digest}
			_, dup := seen[key]
			assert.False(t, dup, "item %v in two buckets", key)
			seen[key] = kind
		}
	}

	var adds, removes []string
	for k, kind := range seen {
		if kind.Adds() {
			adds = append(adds, k.Path)
		} else {
			removes = append(removes, k.Path)
		}
	}
	sort.Strings(adds)
	sort.Strings(removes)
	assert.Equal(t, []string{"dup2", "edit", "new"}, adds)
	assert.Equal(t, []string{"edit", "gone"}, removes)
	assert.Equal(t, 2, part.Unchanged)
}

func TestReconcile_CorruptionIsReturned(t *testing.T) {
	part, err := New(corruptCatalog{}).Reconcile(context.Background(), mainScope, backend, snapshot(mainScope, nil))
	assert.Nil(t, part)
	assert.ErrorIs(t, err, types.ErrCatalogCorruption)
}

func TestRebuild(t *testing.T) {
	snap := snapshot(mainScope, map[string]string{"b": "same", "a": "same"})

	part := Rebuild(snap)
	assert.True(t, part.Rebuild)
	assert.Equal(t, []string{"a", "b"}, types.Paths(part.Compute))
	assert.Empty(t, part.AddTag)
}

type corruptCatalog struct{}

func (corruptCatalog) LoadCatalog(context.Context, types.Scope, string) (map[string]storage.CatalogEntry, error) {
	return nil, &types.CatalogCorruptionError{Scope: mainScope, Backend: backend, Err: errors.New("malformed")}
}

func (corruptCatalog) RefCounts(context.Context, string, []types.Digest) (map[types.Digest]int, error) {
	return nil, nil
}

func (corruptCatalog) ForeignRefCounts(context.Context, types.Scope, string, []types.Digest) (map[types.Digest]int, error) {
	return nil, nil
}
