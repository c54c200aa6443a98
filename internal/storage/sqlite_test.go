package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/tagindex/pkg/types"
)

const testBackend = "fulltext"

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func digestOf(s string) types.Digest {
	return types.ComputeDigest([]byte(s))
}

func item(path, content string) types.PathAndDigest {
	return types.PathAndDigest{Path: path, Digest: digestOf(content)}
}

func mark(t *testing.T, s *SQLiteStorage, scope types.Scope, kind types.BucketKind, items ...types.PathAndDigest) *MarkResult {
	t.Helper()
	res, err := s.MarkComplete(context.Background(), MarkRequest{
		Scope:   scope,
		Backend: testBackend,
		Kind:    kind,
		Items:   items,
	})
	require.NoError(t, err)
	return res
}

func refcount(t *testing.T, s *SQLiteStorage, content string) int {
	t.Helper()
	a, err := s.GetArtifact(context.Background(), digestOf(content), testBackend)
	if errors.Is(err, ErrNotFound) {
		return 0
	}
	require.NoError(t, err)
	return a.RefCount
}

func catalogOf(t *testing.T, s *SQLiteStorage, scope types.Scope) map[string]types.Digest {
	t.Helper()
	cat, err := s.LoadCatalog(context.Background(), scope, testBackend)
	require.NoError(t, err)
	out := make(map[string]types.Digest, len(cat))
	for p, e := range cat {
		out[p] = e.Digest
	}
	return out
}

var (
	scopeA = types.NewScope("/repo/a", "main")
	scopeB = types.NewScope("/repo/b", "main")
)

func TestNewSQLiteStorage_AppliesMigrations(t *testing.T) {
	s := newTestStorage(t)

	v, err := currentVersion(context.Background(), s.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v.String())

	// Applying again is a no-op
	require.NoError(t, ApplyMigrations(context.Background(), s.db))
}

func TestRollbackMigration(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, RollbackMigration(ctx, s.db))
	v, err := currentVersion(ctx, s.db)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", v.String())

	var n int
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE name = 'payloads'").Scan(&n)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, ApplyMigrations(ctx, s.db))
	v, err = currentVersion(ctx, s.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v.String())
}

func TestScopes(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_, err := s.GetScopeStatus(ctx, scopeA)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.UpsertScope(ctx, scopeB))
	require.NoError(t, s.UpsertScope(ctx, scopeA))
	require.NoError(t, s.UpsertScope(ctx, scopeA))

	scopes, err := s.ListScopes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.Scope{scopeA, scopeB}, scopes)

	at := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, s.RecordRefresh(ctx, scopeA, types.StatusDone, at))
	mark(t, s, scopeA, types.BucketCompute, item("a.py", "x"), item("b.py", "x"))

	st, err := s.GetScopeStatus(ctx, scopeA)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, st.LastStatus)
	assert.True(t, at.Equal(st.LastRefreshedAt))
	assert.Equal(t, BackendStatus{Entries: 2, Artifacts: 1}, st.Backends[testBackend])

	require.NoError(t, s.DeleteScope(ctx, scopeB))
	scopes, err = s.ListScopes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.Scope{scopeA}, scopes)

	assert.ErrorIs(t, s.UpsertScope(ctx, types.Scope{Directory: "relative", Branch: "x"}), types.ErrInvalidScope)
}

func TestMarkComplete_ComputeAndAddTag(t *testing.T) {
	s := newTestStorage(t)

	res := mark(t, s, scopeA, types.BucketCompute, item("a.py", "H1"))
	assert.Equal(t, []types.Digest{digestOf("H1")}, res.Created)
	assert.Empty(t, res.Dropped)
	assert.Equal(t, 1, refcount(t, s, "H1"))

	// A second path in the same scope does not add a membership
	mark(t, s, scopeA, types.BucketAddTag, item("b.py", "H1"))
	assert.Equal(t, 1, refcount(t, s, "H1"))

	// Another scope does
	res = mark(t, s, scopeB, types.BucketAddTag, item("a.py", "H1"))
	assert.Empty(t, res.Created)
	assert.Equal(t, 2, refcount(t, s, "H1"))

	assert.Equal(t, map[string]types.Digest{
		"a.py": digestOf("H1"),
		"b.py": digestOf("H1"),
	}, catalogOf(t, s, scopeA))
}

func TestMarkComplete_Idempotent(t *testing.T) {
	s := newTestStorage(t)

	mark(t, s, scopeA, types.BucketCompute, item("a.py", "H1"))
	res := mark(t, s, scopeA, types.BucketCompute, item("a.py", "H1"))
	assert.Empty(t, res.Created)
	assert.Equal(t, 1, refcount(t, s, "H1"))

	mark(t, s, scopeA, types.BucketDelete, item("a.py", "H1"))
	res = mark(t, s, scopeA, types.BucketDelete, item("a.py", "H1"))
	assert.Empty(t, res.Dropped)
	assert.Equal(t, 0, refcount(t, s, "H1"))
	assert.Empty(t, catalogOf(t, s, scopeA))
}

func TestMarkComplete_ContentChangeReleasesOldDigest(t *testing.T) {
	s := newTestStorage(t)

	mark(t, s, scopeA, types.BucketCompute, item("a.py", "H1"))
	mark(t, s, scopeA, types.BucketAddTag, item("b.py", "H1"))

	// a.py changes; b.py still holds H1 so the membership stays
	res := mark(t, s, scopeA, types.BucketCompute, item("a.py", "H2"))
	assert.Empty(t, res.Dropped)
	assert.Equal(t, 1, refcount(t, s, "H1"))
	assert.Equal(t, 1, refcount(t, s, "H2"))

	// b.py changes too; nothing holds H1 any more
	res = mark(t, s, scopeA, types.BucketCompute, item("b.py", "H3"))
	assert.Equal(t, []types.Digest{digestOf("H1")}, res.Dropped)
	assert.Equal(t, 0, refcount(t, s, "H1"))
}

func TestMarkComplete_RemoveOnlyMatchingDigest(t *testing.T) {
	s := newTestStorage(t)

	mark(t, s, scopeA, types.BucketCompute, item("a.py", "H1"))
	mark(t, s, scopeA, types.BucketCompute, item("a.py", "H2"))

	// A stale removal of the old digest leaves the current row alone
	mark(t, s, scopeA, types.BucketRemoveTag, item("a.py", "H1"))
	assert.Equal(t, map[string]types.Digest{"a.py": digestOf("H2")}, catalogOf(t, s, scopeA))
	assert.Equal(t, 1, refcount(t, s, "H2"))
}

func TestMarkComplete_SharedAcrossScopes(t *testing.T) {
	s := newTestStorage(t)

	mark(t, s, scopeA, types.BucketCompute, item("a.py", "H1"))
	mark(t, s, scopeB, types.BucketAddTag, item("x.py", "H1"))

	res := mark(t, s, scopeA, types.BucketRemoveTag, item("a.py", "H1"))
	assert.Empty(t, res.Dropped)
	assert.Equal(t, 1, refcount(t, s, "H1"))

	res = mark(t, s, scopeB, types.BucketDelete, item("x.py", "H1"))
	assert.Equal(t, []types.Digest{digestOf("H1")}, res.Dropped)
}

func TestMarkComplete_ConcurrentComputeOfSameDigest(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	const files = 20
	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, scope := range []types.Scope{scopeA, scopeB} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := range files {
				_, err := s.MarkComplete(ctx, MarkRequest{
					Scope:   scope,
					Backend: testBackend,
					Kind:    types.BucketCompute,
					Items:   []types.PathAndDigest{item(fmt.Sprintf("f%d.py", i), fmt.Sprintf("H%d", i))},
				})
				assert.NoError(t, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	arts, err := s.ListArtifacts(ctx, testBackend)
	require.NoError(t, err)
	assert.Len(t, arts, files)
	for i := range files {
		assert.Equal(t, 2, refcount(t, s, fmt.Sprintf("H%d", i)), "H%d", i)
	}
}

func TestMarkComplete_RejectsInvalidInput(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_, err := s.MarkComplete(ctx, MarkRequest{Scope: scopeA, Backend: testBackend, Kind: "bogus"})
	assert.Error(t, err)

	_, err = s.MarkComplete(ctx, MarkRequest{Scope: scopeA, Kind: types.BucketCompute})
	assert.Error(t, err)

	_, err = s.MarkComplete(ctx, MarkRequest{
		Scope: scopeA, Backend: testBackend, Kind: types.BucketCompute,
		Items: []types.PathAndDigest{{Path: "a.py"}},
	})
	assert.ErrorIs(t, err, types.ErrInvalidDigest)

	// The failed transaction left nothing behind
	assert.Empty(t, catalogOf(t, s, scopeA))
}

func TestRefCountsAndForeignRefs(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	mark(t, s, scopeA, types.BucketCompute, item("a.py", "H1"), item("b.py", "H2"))
	mark(t, s, scopeB, types.BucketAddTag, item("a.py", "H1"))

	counts, err := s.RefCounts(ctx, testBackend, []types.Digest{digestOf("H1"), digestOf("H2"), digestOf("H3")})
	require.NoError(t, err)
	assert.Equal(t, map[types.Digest]int{digestOf("H1"): 2, digestOf("H2"): 1}, counts)

	foreign, err := s.ForeignRefCounts(ctx, scopeA, testBackend, []types.Digest{digestOf("H1"), digestOf("H2")})
	require.NoError(t, err)
	assert.Equal(t, map[types.Digest]int{digestOf("H1"): 1}, foreign)

	// Backends are independent
	counts, err = s.RefCounts(ctx, "embeddings", []types.Digest{digestOf("H1")})
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestRefCounts_LargeInList(t *testing.T) {
	s := newTestStorage(t)

	var items []types.PathAndDigest
	var digests []types.Digest
	for i := 0; i < maxInParams+20; i++ {
		it := item(fmt.Sprintf("f%04d.py", i), fmt.Sprintf("content %d", i))
		items = append(items, it)
		digests = append(digests, it.Digest)
	}
	mark(t, s, scopeA, types.BucketCompute, items...)

	counts, err := s.RefCounts(context.Background(), testBackend, digests)
	require.NoError(t, err)
	assert.Len(t, counts, len(digests))
}

func TestLookupAndPathsForDigest(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	mark(t, s, scopeA, types.BucketCompute, item("b.py", "H1"), item("a.py", "H1"))

	e, err := s.LookupPath(ctx, scopeA, testBackend, "a.py")
	require.NoError(t, err)
	assert.Equal(t, digestOf("H1"), e.Digest)

	_, err = s.LookupPath(ctx, scopeA, testBackend, "missing.py")
	assert.ErrorIs(t, err, ErrNotFound)

	paths, err := s.PathsForDigest(ctx, scopeA, testBackend, digestOf("H1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.py", "b.py"}, paths)
}

func TestIndexedPaths(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	mark(t, s, scopeA, types.BucketCompute, item("z.py", "1"), item("a.py", "2"))
	mark(t, s, scopeB, types.BucketCompute, item("a.py", "2"), item("m.py", "3"))

	paths, err := s.IndexedPaths(ctx, []types.Scope{scopeA, scopeB})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.py", "m.py", "z.py"}, paths)

	paths, err = s.IndexedPaths(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestLoadCatalog_Corruption(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	mark(t, s, scopeA, types.BucketCompute, item("a.py", "H1"))
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tag_catalog (scope_dir, scope_branch, backend, path, digest, last_seen_at)
		VALUES (?, ?, ?, 'bad.py', x'0102', 0)
	`, scopeA.Directory, scopeA.Branch, testBackend)
	require.NoError(t, err)

	_, err = s.LoadCatalog(ctx, scopeA, testBackend)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrCatalogCorruption)

	var cce *types.CatalogCorruptionError
	require.ErrorAs(t, err, &cce)
	assert.Equal(t, testBackend, cce.Backend)

	// Other scopes are unaffected
	_, err = s.LoadCatalog(ctx, scopeB, testBackend)
	assert.NoError(t, err)
}

func TestResetScope(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	mark(t, s, scopeA, types.BucketCompute, item("a.py", "H1"), item("b.py", "H2"))
	mark(t, s, scopeB, types.BucketAddTag, item("a.py", "H1"))
	_, err := s.db.ExecContext(ctx, `
		UPDATE tag_catalog SET digest = x'00' WHERE scope_dir = ? AND path = 'a.py'
	`, scopeA.Directory)
	require.NoError(t, err)

	dropped, err := s.ResetScope(ctx, scopeA, testBackend)
	require.NoError(t, err)
	assert.Equal(t, []types.Digest{digestOf("H2")}, dropped)

	assert.Empty(t, catalogOf(t, s, scopeA))
	assert.Equal(t, 1, refcount(t, s, "H1"))
	assert.Equal(t, 0, refcount(t, s, "H2"))
}

func TestListArtifacts(t *testing.T) {
	s := newTestStorage(t)

	mark(t, s, scopeA, types.BucketCompute, item("a.py", "H1"), item("b.py", "H2"))

	arts, err := s.ListArtifacts(context.Background(), testBackend)
	require.NoError(t, err)
	require.Len(t, arts, 2)
	assert.Negative(t, arts[0].Digest.Compare(arts[1].Digest))
	for _, a := range arts {
		assert.Equal(t, 1, a.RefCount)
		assert.False(t, a.CreatedAt.IsZero())
	}
}

func TestIsCorruption(t *testing.T) {
	assert.False(t, IsCorruption(nil))
	assert.True(t, IsCorruption(errors.New("database disk image is malformed (11)")))
	assert.True(t, IsCorruption(errors.New("SQL logic error: no such table: tag_catalog (1)")))
	assert.True(t, IsCorruption(errors.New("file is not a database")))
	assert.False(t, IsCorruption(errors.New("database is locked")))
}
