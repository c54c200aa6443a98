package indexer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/tagindex/internal/backend"
	"github.com/dshills/tagindex/internal/storage"
	"github.com/dshills/tagindex/pkg/types"
)

// recordingWorker stores payloads in memory. Compute blocks on paths listed
// in hold until release is closed or the context ends.
type recordingWorker struct {
	mu       sync.Mutex
	payloads map[types.Digest]bool
	computed []string
	purged   []types.Digest
	orphans  int

	hold    map[string]bool
	held    chan string
	release chan struct{}
}

func newRecordingWorker() *recordingWorker {
	return &recordingWorker{
		payloads: make(map[types.Digest]bool),
		hold:     make(map[string]bool),
		held:     make(chan string, 16),
		release:  make(chan struct{}),
	}
}

func (w *recordingWorker) Compute(ctx context.Context, items []types.PathAndDigest) []error {
	errs := make([]error, len(items))
	for i, it := range items {
		w.mu.Lock()
		hold := w.hold[it.Path]
		w.mu.Unlock()
		if hold {
			w.held <- it.Path
			select {
			case <-w.release:
			case <-ctx.Done():
				for j := i; j < len(items); j++ {
					errs[j] = ctx.Err()
				}
				return errs
			}
		}
		w.mu.Lock()
		w.payloads[it.Digest] = true
		w.computed = append(w.computed, it.Path)
		w.mu.Unlock()
	}
	return errs
}

func (w *recordingWorker) Present(ctx context.Context, digests []types.Digest) (map[types.Digest]bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[types.Digest]bool, len(digests))
	for _, d := range digests {
		out[d] = w.payloads[d]
	}
	return out, nil
}

func (w *recordingWorker) Purge(ctx context.Context, digests []types.Digest) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, d := range digests {
		delete(w.payloads, d)
	}
	w.purged = append(w.purged, digests...)
	return len(digests), nil
}

func (w *recordingWorker) Sweep(ctx context.Context) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.orphans
	w.orphans = 0
	return n, nil
}

func (w *recordingWorker) computedPaths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.computed...)
}

func (w *recordingWorker) purgedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.purged)
}

type runCounter struct {
	mu   sync.Mutex
	runs map[types.Status]int
}

func (c *runCounter) RunFinished(status types.Status, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs[status]++
}

// corruptingStore reports a corrupt catalog on the next load when armed
type corruptingStore struct {
	storage.Storage
	armed atomic.Bool
}

func (s *corruptingStore) LoadCatalog(ctx context.Context, scope types.Scope, backend string) (map[string]storage.CatalogEntry, error) {
	if s.armed.CompareAndSwap(true, false) {
		return nil, &types.CatalogCorruptionError{Scope: scope, Backend: backend, Err: errors.New("digest has 2 bytes")}
	}
	return s.Storage.LoadCatalog(ctx, scope, backend)
}

type fixture struct {
	t      *testing.T
	dir    string
	store  *storage.SQLiteStorage
	worker *recordingWorker
	gate   *backend.Gate
	runs   *runCounter
	engine *Engine
}

func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return newFixtureWithStore(t, store, store, opts...)
}

func newFixtureWithStore(t *testing.T, sqlite *storage.SQLiteStorage, store storage.Storage, opts ...func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		dir:    t.TempDir(),
		store:  sqlite,
		worker: newRecordingWorker(),
		gate:   backend.NewGate(),
		runs:   &runCounter{runs: make(map[types.Status]int)},
	}
	drv := backend.NewDriver(backend.DriverConfig{
		Name:      "memory",
		BatchSize: 1,
		Gate:      f.gate,
		Logger:    zerolog.Nop(),
	}, f.worker)
	reg, err := backend.NewRegistry(drv)
	require.NoError(t, err)

	cfg := Config{
		MaxConcurrentScopes: 2,
		HashWorkers:         2,
		Gate:                f.gate,
		Logger:              zerolog.Nop(),
		Observer:            f.runs,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	f.engine, err = NewEngine(cfg, store, reg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.engine.Close() })
	return f
}

func (f *fixture) write(rel, content string) {
	f.t.Helper()
	path := filepath.Join(f.dir, rel)
	require.NoError(f.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(f.t, os.WriteFile(path, []byte(content), 0o644))
}

func (f *fixture) remove(rel string) {
	f.t.Helper()
	require.NoError(f.t, os.Remove(filepath.Join(f.dir, rel)))
}

func (f *fixture) scope(branch string) types.Scope {
	return types.NewScope(f.dir, branch)
}

func (f *fixture) refresh(scope types.Scope) *types.Summary {
	f.t.Helper()
	stream, err := f.engine.Refresh(context.Background(), scope)
	require.NoError(f.t, err)
	summary, err := stream.Wait()
	require.NoError(f.t, err)
	return summary
}

func (f *fixture) paths(scopes ...types.Scope) []string {
	f.t.Helper()
	paths, err := f.engine.GetIndexedPaths(context.Background(), scopes)
	require.NoError(f.t, err)
	return paths
}

func TestNewEngine_Validation(t *testing.T) {
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	_, err = NewEngine(Config{}, nil, &backend.Registry{})
	assert.Error(t, err)

	empty, err := backend.NewRegistry()
	require.NoError(t, err)
	_, err = NewEngine(Config{}, store, empty)
	assert.Error(t, err)
}

func TestEngine_RefreshIsIncremental(t *testing.T) {
	f := newFixture(t)
	f.write("main.go", "package main\n")
	f.write("docs/readme.md", "# demo\n")
	scope := f.scope("main")

	summary := f.refresh(scope)
	assert.Equal(t, types.StatusDone, summary.Status)
	assert.Equal(t, 2, summary.Files)
	mem := summary.Backend("memory")
	require.NotNil(t, mem)
	assert.Equal(t, 2, mem.Computed)
	assert.Equal(t, []string{"docs/readme.md", "main.go"}, f.paths(scope))

	summary = f.refresh(scope)
	mem = summary.Backend("memory")
	assert.Equal(t, 0, mem.Computed)
	assert.Equal(t, 2, mem.Unchanged)

	f.write("docs/readme.md", "# demo v2\n")
	f.remove("main.go")
	summary = f.refresh(scope)
	mem = summary.Backend("memory")
	assert.Equal(t, 1, mem.Computed)
	// main.go plus the readme's previous digest
	assert.Equal(t, 2, mem.Deleted)
	assert.Equal(t, []string{"docs/readme.md"}, f.paths(scope))
	// Old readme and main.go payloads
	assert.Equal(t, 2, f.worker.purgedCount())

	assert.Equal(t, 3, f.runs.runs[types.StatusDone])
}

func TestEngine_SharesArtifactsAcrossScopes(t *testing.T) {
	f := newFixture(t)
	f.write("a.go", "package a\n")
	f.write("b.go", "package b\n")

	f.refresh(f.scope("main"))
	summary := f.refresh(f.scope("feature"))

	mem := summary.Backend("memory")
	assert.Equal(t, 0, mem.Computed)
	assert.Equal(t, 2, mem.Added)
	assert.Len(t, f.worker.computedPaths(), 2)

	counts, err := f.store.RefCounts(context.Background(), "memory", []types.Digest{types.ComputeDigest([]byte("package a\n"))})
	require.NoError(t, err)
	assert.Equal(t, 2, counts[types.ComputeDigest([]byte("package a\n"))])
}

func TestEngine_StreamEvents(t *testing.T) {
	f := newFixture(t)
	f.write("a.go", "package a\n")
	f.write("b.go", "package b\n")

	stream, err := f.engine.Refresh(context.Background(), f.scope("main"))
	require.NoError(t, err)

	var events []types.Progress
	for {
		ev, ok := stream.Next(context.Background())
		if !ok {
			break
		}
		events = append(events, ev)
	}
	summary, err := stream.Wait()
	require.NoError(t, err)
	assert.Equal(t, stream.RunID(), summary.RunID)

	require.NotEmpty(t, events)
	assert.Equal(t, types.StatusLoading, events[0].Status)
	assert.Empty(t, events[0].Backend)
	for _, ev := range events {
		assert.Equal(t, stream.RunID(), ev.RunID)
		assert.Equal(t, f.scope("main"), ev.Scope)
	}
	final := events[len(events)-1]
	assert.Equal(t, "memory", final.Backend)
	assert.Equal(t, types.StatusDone, final.Status)
	assert.Equal(t, 1.0, final.FractionDone)
}

func TestEngine_SupersedingRefreshKeepsCheckpoints(t *testing.T) {
	f := newFixture(t)
	f.write("a.go", "package a\n")
	f.write("b.go", "package b\n")
	f.write("c.go", "package c\n")
	f.worker.hold["c.go"] = true
	scope := f.scope("main")

	first, err := f.engine.Refresh(context.Background(), scope)
	require.NoError(t, err)
	var (
		firstSummary *types.Summary
		firstErr     error
		wg           sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		firstSummary, firstErr = first.Wait()
	}()

	assert.Equal(t, "c.go", <-f.worker.held)

	second, err := f.engine.Refresh(context.Background(), scope)
	require.NoError(t, err)
	wg.Wait()
	require.NoError(t, firstErr)
	assert.Equal(t, types.StatusCancelled, firstSummary.Status)
	assert.Equal(t, 2, firstSummary.Backend("memory").Computed)

	go func() {
		<-f.worker.held
		close(f.worker.release)
	}()
	summary, err := second.Wait()
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, summary.Status)
	mem := summary.Backend("memory")
	assert.Equal(t, 1, mem.Computed)
	assert.Equal(t, 2, mem.Unchanged)
	assert.Equal(t, []string{"a.go", "b.go", "c.go"}, f.paths(scope))
}

func TestEngine_SupersedesWhileSlotsAreFull(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxConcurrentScopes = 1 })
	f.write("a.go", "package a\n")
	f.worker.hold["a.go"] = true
	scope := f.scope("main")

	first, err := f.engine.Refresh(context.Background(), scope)
	require.NoError(t, err)
	firstDone := make(chan *types.Summary, 1)
	go func() {
		summary, _ := first.Wait()
		firstDone <- summary
	}()
	assert.Equal(t, "a.go", <-f.worker.held)

	second, err := f.engine.Refresh(context.Background(), scope)
	require.NoError(t, err)
	select {
	case summary := <-firstDone:
		assert.Equal(t, types.StatusCancelled, summary.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("first refresh kept its slot after being superseded")
	}

	go func() {
		<-f.worker.held
		close(f.worker.release)
	}()
	summary, err := second.Wait()
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, summary.Status)
	assert.Equal(t, []string{"a.go"}, f.paths(scope))
}

func TestEngine_ConcurrentScopesShareArtifacts(t *testing.T) {
	f := newFixture(t)
	contents := map[string]string{
		"a.go":     "package a\n",
		"b.go":     "package b\n",
		"lib/c.go": "package lib\n",
	}
	for rel, content := range contents {
		f.write(rel, content)
	}

	var streams []*RefreshStream
	for _, branch := range []string{"main", "feature"} {
		stream, err := f.engine.Refresh(context.Background(), f.scope(branch))
		require.NoError(t, err)
		streams = append(streams, stream)
	}
	for _, stream := range streams {
		summary, err := stream.Wait()
		require.NoError(t, err)
		assert.Equal(t, types.StatusDone, summary.Status)
	}

	digests := make([]types.Digest, 0, len(contents))
	for _, content := range contents {
		digests = append(digests, types.ComputeDigest([]byte(content)))
	}
	counts, err := f.store.RefCounts(context.Background(), "memory", digests)
	require.NoError(t, err)
	for _, d := range digests {
		assert.Equal(t, 2, counts[d])
	}
	arts, err := f.store.ListArtifacts(context.Background(), "memory")
	require.NoError(t, err)
	assert.Len(t, arts, len(contents))
}

func TestEngine_StreamCancel(t *testing.T) {
	f := newFixture(t)
	f.write("a.go", "package a\n")
	f.worker.hold["a.go"] = true

	stream, err := f.engine.Refresh(context.Background(), f.scope("main"))
	require.NoError(t, err)
	go func() {
		<-f.worker.held
		stream.Cancel()
	}()

	summary, err := stream.Wait()
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, summary.Status)
	assert.Empty(t, f.paths(f.scope("main")))
}

func TestEngine_RefreshFile(t *testing.T) {
	f := newFixture(t)
	f.write("a.go", "package a\n")
	f.write("b.go", "package b\n")
	scope := f.scope("main")
	f.refresh(scope)

	f.write("a.go", "package a // edited\n")
	f.write("new.go", "package n\n")
	stream, err := f.engine.RefreshFile(context.Background(), scope, "a.go")
	require.NoError(t, err)
	summary, err := stream.Wait()
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Backend("memory").Computed)
	assert.Equal(t, []string{"a.go", "b.go"}, f.paths(scope))

	f.remove("b.go")
	stream, err = f.engine.RefreshFile(context.Background(), scope, filepath.Join(f.dir, "b.go"))
	require.NoError(t, err)
	summary, err = stream.Wait()
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Backend("memory").Deleted)
	assert.Equal(t, []string{"a.go"}, f.paths(scope))

	_, err = f.engine.RefreshFile(context.Background(), scope, "../outside.go")
	assert.Error(t, err)
	_, err = f.engine.RefreshFile(context.Background(), scope, "/elsewhere/x.go")
	assert.Error(t, err)
}

func TestEngine_RespectsIgnoreFiles(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.IgnorePatterns = []string{"*.tmp"} })
	f.write(".gitignore", "*.log\nbuild/\n")
	f.write("a.go", "package a\n")
	f.write("debug.log", "noise\n")
	f.write("scratch.tmp", "noise\n")
	f.write("build/out.go", "package out\n")
	scope := f.scope("main")

	f.refresh(scope)
	assert.NotContains(t, f.paths(scope), "debug.log")
	assert.NotContains(t, f.paths(scope), "scratch.tmp")
	assert.NotContains(t, f.paths(scope), "build/out.go")
	assert.Contains(t, f.paths(scope), "a.go")

	// An ignored path refreshed directly counts as absent
	stream, err := f.engine.RefreshFile(context.Background(), scope, "debug.log")
	require.NoError(t, err)
	summary, err := stream.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Files)
	assert.NotContains(t, f.paths(scope), "debug.log")
}

func TestEngine_Clear(t *testing.T) {
	f := newFixture(t)
	f.write("a.go", "package a\n")
	f.write("b.go", "package b\n")
	main, feature := f.scope("main"), f.scope("feature")
	f.refresh(main)
	f.refresh(feature)
	ctx := context.Background()

	require.NoError(t, f.engine.Clear(ctx, main))
	assert.Empty(t, f.paths(main))
	assert.Equal(t, []string{"a.go", "b.go"}, f.paths(feature))
	assert.Equal(t, 0, f.worker.purgedCount())

	scopes, err := f.engine.Scopes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.Scope{feature}, scopes)

	require.NoError(t, f.engine.Clear(ctx, feature))
	assert.Equal(t, 2, f.worker.purgedCount())

	artifacts, err := f.store.ListArtifacts(ctx, "memory")
	require.NoError(t, err)
	assert.Empty(t, artifacts)

	assert.ErrorIs(t, f.engine.Clear(ctx, types.Scope{Directory: "relative", Branch: "main"}), types.ErrInvalidScope)
}

func TestEngine_RebuildsCorruptCatalog(t *testing.T) {
	sqlite, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	store := &corruptingStore{Storage: sqlite}
	f := newFixtureWithStore(t, sqlite, store)

	f.write("a.go", "package a\n")
	f.write("b.go", "package b\n")
	scope := f.scope("main")
	f.refresh(scope)

	store.armed.Store(true)
	summary := f.refresh(scope)
	assert.Equal(t, types.StatusDone, summary.Status)
	mem := summary.Backend("memory")
	assert.True(t, mem.Rebuilt)
	assert.Equal(t, 2, mem.Computed)
	assert.Equal(t, []string{"a.go", "b.go"}, f.paths(scope))

	counts, err := sqlite.RefCounts(context.Background(), "memory", []types.Digest{types.ComputeDigest([]byte("package a\n"))})
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.ComputeDigest([]byte("package a\n"))])
}

func TestEngine_Vacuum(t *testing.T) {
	f := newFixture(t)
	f.worker.orphans = 3

	n, err := f.engine.Vacuum(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = f.engine.Vacuum(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEngine_PauseAndResume(t *testing.T) {
	f := newFixture(t)
	f.write("a.go", "package a\n")

	f.engine.Pause()
	assert.True(t, f.engine.Paused())

	stream, err := f.engine.Refresh(context.Background(), f.scope("main"))
	require.NoError(t, err)

	for {
		ev, ok := stream.Next(context.Background())
		require.True(t, ok, "stream ended while paused")
		if ev.Status == types.StatusPaused {
			break
		}
	}
	assert.Empty(t, f.worker.computedPaths())

	f.engine.Resume()
	summary, err := stream.Wait()
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, summary.Status)
	assert.Equal(t, []string{"a.go"}, f.worker.computedPaths())
}

func TestEngine_Status(t *testing.T) {
	f := newFixture(t)
	f.write("a.go", "package a\n")
	scope := f.scope("main")
	f.refresh(scope)

	status, err := f.engine.Status(context.Background(), scope)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, status.LastStatus)
	assert.False(t, status.LastRefreshedAt.IsZero())
	assert.Equal(t, 1, status.Backends["memory"].Entries)
}

func TestEngine_InvalidRoot(t *testing.T) {
	f := newFixture(t)
	stream, err := f.engine.Refresh(context.Background(), types.NewScope(filepath.Join(f.dir, "missing"), "main"))
	require.NoError(t, err)

	summary, err := stream.Wait()
	require.Error(t, err)
	assert.Equal(t, types.StatusFailed, summary.Status)
	assert.Equal(t, 1, f.runs.runs[types.StatusFailed])

	_, err = f.engine.Refresh(context.Background(), types.Scope{Directory: "relative"})
	assert.ErrorIs(t, err, types.ErrInvalidScope)
}

func TestEngine_CloseCancelsRuns(t *testing.T) {
	f := newFixture(t)
	f.write("a.go", "package a\n")
	f.worker.hold["a.go"] = true

	stream, err := f.engine.Refresh(context.Background(), f.scope("main"))
	require.NoError(t, err)
	var (
		summary *types.Summary
		done    = make(chan struct{})
	)
	go func() {
		defer close(done)
		summary, _ = stream.Wait()
	}()
	<-f.worker.held

	require.NoError(t, f.engine.Close())
	<-done
	assert.Equal(t, types.StatusCancelled, summary.Status)

	_, err = f.engine.Refresh(context.Background(), f.scope("main"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = f.engine.GetIndexedPaths(context.Background(), nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, f.engine.Close())
}

func TestEngine_CloseWithUndrainedStream(t *testing.T) {
	f := newFixture(t)
	f.write("a.go", "package a\n")
	f.write("b.go", "package b\n")

	stream, err := f.engine.Refresh(context.Background(), f.scope("main"))
	require.NoError(t, err)

	closed := make(chan error, 1)
	go func() { closed <- f.engine.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on a stream nobody reads")
	}

	<-stream.Done()
	summary, err := stream.Wait()
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, summary.Status)
}
