package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/tagindex/internal/backend"
	"github.com/dshills/tagindex/internal/hasher"
	"github.com/dshills/tagindex/internal/reconciler"
	"github.com/dshills/tagindex/internal/storage"
	"github.com/dshills/tagindex/internal/walker"
	"github.com/dshills/tagindex/pkg/types"
)

// ErrClosed is returned by every operation after Close
var ErrClosed = errors.New("engine is closed")

// DefaultIgnoreFiles are read from a scope's root for ignore patterns
var DefaultIgnoreFiles = []string{".gitignore", ".tagindexignore"}

// RunObserver is told about finished refreshes
type RunObserver interface {
	RunFinished(status types.Status, d time.Duration)
}

// Config contains configuration for the engine
type Config struct {
	// MaxConcurrentScopes bounds refreshes running at once (default: runtime.NumCPU())
	MaxConcurrentScopes int
	// HashWorkers bounds concurrent file hashing within one scope (default: runtime.NumCPU())
	HashWorkers int
	// TrustMetadata reuses digests of files whose size and modification
	// time are unchanged and safely old
	TrustMetadata bool

	MaxFiles       int   // File-count ceiling per walk (default: walker.DefaultMaxFiles)
	MaxFileSize    int64 // Larger files are skipped (default: walker.DefaultMaxFileSize)
	FollowSymlinks bool
	// IgnorePatterns are gitignore-style patterns applied to every scope
	IgnorePatterns []string
	// IgnoreFiles are read from each scope root (default: DefaultIgnoreFiles)
	IgnoreFiles []string

	LockStaleTimeout time.Duration

	// Gate pauses backends between batches; share it with the backends
	Gate *backend.Gate

	Logger   zerolog.Logger
	Observer RunObserver
}

// Engine reconciles scopes against their catalogs and drives every
// registered backend through the resulting partitions
type Engine struct {
	cfg    Config
	store  storage.Storage
	reg    *backend.Registry
	walker *walker.Walker
	hasher *hasher.Hasher
	recon  *reconciler.Reconciler
	locks  *scopeLocks
	sem    chan struct{}
	log    zerolog.Logger

	// runs are readers; Vacuum is the writer
	runMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	schedMu    sync.Mutex
	schedulers []*Scheduler
	watchMu    sync.Mutex
	watchers   []*Watcher
}

// NewEngine creates an engine over store and the backends of reg
func NewEngine(cfg Config, store storage.Storage, reg *backend.Registry) (*Engine, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	if reg == nil || len(reg.All()) == 0 {
		return nil, errors.New("at least one backend is required")
	}
	if cfg.MaxConcurrentScopes <= 0 {
		cfg.MaxConcurrentScopes = runtime.NumCPU()
	}
	if cfg.HashWorkers <= 0 {
		cfg.HashWorkers = runtime.NumCPU()
	}
	if cfg.MaxFiles == 0 {
		cfg.MaxFiles = walker.DefaultMaxFiles
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = walker.DefaultMaxFileSize
	}
	if cfg.IgnoreFiles == nil {
		cfg.IgnoreFiles = DefaultIgnoreFiles
	}
	if cfg.Gate == nil {
		cfg.Gate = backend.NewGate()
	}

	h, err := hasher.New(hasher.Config{TrustMetadata: cfg.TrustMetadata, Workers: cfg.HashWorkers})
	if err != nil {
		return nil, fmt.Errorf("failed to create hasher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:   cfg,
		store: store,
		reg:   reg,
		walker: walker.New(
			walker.WithMaxFiles(cfg.MaxFiles),
			walker.WithMaxFileSize(cfg.MaxFileSize),
			walker.WithFollowSymlinks(cfg.FollowSymlinks),
		),
		hasher: h,
		recon:  reconciler.New(store),
		locks:  newScopeLocks(cfg.LockStaleTimeout),
		sem:    make(chan struct{}, cfg.MaxConcurrentScopes),
		log:    cfg.Logger.With().Str("component", "engine").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Refresh reconciles every file of scope. The run proceeds in the
// background; a refresh already running for scope is cancelled and the new
// one starts once it has released the scope.
func (e *Engine) Refresh(ctx context.Context, scope types.Scope) (*RefreshStream, error) {
	return e.start(ctx, scope, nil)
}

// RefreshFile reconciles a single path of scope. path may be absolute or
// relative to the scope directory.
func (e *Engine) RefreshFile(ctx context.Context, scope types.Scope, path string) (*RefreshStream, error) {
	rel, err := relPath(scope, path)
	if err != nil {
		return nil, err
	}
	return e.start(ctx, scope, []string{rel})
}

// refreshPaths reconciles several paths of scope in one run
func (e *Engine) refreshPaths(ctx context.Context, scope types.Scope, paths []string) (*RefreshStream, error) {
	only := make([]string, 0, len(paths))
	for _, p := range paths {
		rel, err := relPath(scope, p)
		if err != nil {
			return nil, err
		}
		only = append(only, rel)
	}
	return e.start(ctx, scope, only)
}

// relPath normalizes path relative to the scope directory
func relPath(scope types.Scope, path string) (string, error) {
	if filepath.IsAbs(path) {
		rel, err := filepath.Rel(scope.Directory, path)
		if err != nil {
			return "", fmt.Errorf("path %s is not under %s: %w", path, scope.Directory, err)
		}
		path = rel
	}
	rel := scope.NormalizePath(path)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %s is not under %s", path, scope.Directory)
	}
	return rel, nil
}

func (e *Engine) start(ctx context.Context, scope types.Scope, only []string) (*RefreshStream, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.ctx, cancel)

	s := newStream(uuid.NewString(), scope, cancel)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer stop()
		defer cancel()
		summary, err := e.run(runCtx, s, only)
		s.finish(summary, err)
	}()
	return s, nil
}

// run is one refresh from lock acquisition to the final summary
func (e *Engine) run(ctx context.Context, s *RefreshStream, only []string) (*types.Summary, error) {
	scope := s.scope
	log := e.log.With().Str("run", s.runID).Str("scope", scope.Key()).Logger()
	summary := &types.Summary{RunID: s.runID, Scope: scope, StartedAt: time.Now()}

	registered := false
	finish := func(status types.Status, err error) (*types.Summary, error) {
		summary.Status = status
		summary.Duration = time.Since(summary.StartedAt)
		if registered {
			if rerr := e.store.RecordRefresh(context.WithoutCancel(ctx), scope, status, time.Now()); rerr != nil {
				log.Warn().Err(rerr).Msg("failed to record refresh")
			}
		}
		if e.cfg.Observer != nil {
			e.cfg.Observer.RunFinished(status, summary.Duration)
		}
		ev := log.Info()
		if err != nil {
			ev = log.Error().Err(err)
		}
		ev.Str("status", string(status)).
			Int("files", summary.Files).
			Int("failed_paths", len(summary.FailedPaths())).
			Dur("duration", summary.Duration).
			Msg("refresh finished")
		return summary, err
	}
	cancelled := func() (*types.Summary, error) {
		s.emit(ctx, types.Progress{RunID: s.runID, Scope: scope, Status: types.StatusCancelled, Err: context.Canceled})
		return finish(types.StatusCancelled, nil)
	}

	// Supersede before queueing for a slot; with every slot taken the
	// holder would otherwise keep its slot until it finished.
	e.locks.supersede(scope.Key(), s.runID, s.cancel)
	defer e.locks.unqueue(scope.Key(), s.runID)

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return cancelled()
	}

	e.runMu.RLock()
	defer e.runMu.RUnlock()

	lease, tookOver, err := e.locks.acquire(ctx, scope.Key(), s.runID, s.cancel)
	if err != nil {
		return cancelled()
	}
	defer e.locks.release(scope.Key(), lease)
	if tookOver {
		log.Warn().Msg("took over stale scope lock")
	}

	emit := func(ev types.Progress) {
		ev.RunID = s.runID
		ev.Scope = scope
		lease.touch(time.Now())
		s.emit(ctx, ev)
	}
	emit(types.Progress{Status: types.StatusLoading, Description: "scanning files"})

	snap, err := e.snapshot(ctx, scope, only, summary)
	if err != nil {
		if ctx.Err() != nil {
			return cancelled()
		}
		emit(types.Progress{Status: types.StatusFailed, Err: err})
		return finish(types.StatusFailed, err)
	}
	if err := e.store.UpsertScope(ctx, scope); err != nil {
		if ctx.Err() != nil {
			return cancelled()
		}
		err = fmt.Errorf("failed to register scope: %w", err)
		emit(types.Progress{Status: types.StatusFailed, Err: err})
		return finish(types.StatusFailed, err)
	}
	registered = true

	backends := e.reg.All()
	summary.Backends = make([]types.BackendSummary, len(backends))
	var g errgroup.Group
	for i, b := range backends {
		g.Go(func() error {
			summary.Backends[i] = e.updateBackend(ctx, scope, b, snap, emit, log)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	status := types.StatusDone
	for _, b := range summary.Backends {
		switch b.Status {
		case types.StatusFailed:
			status = types.StatusFailed
			errs = append(errs, fmt.Errorf("%s: %w", b.Backend, b.Err))
		case types.StatusCancelled:
			if status == types.StatusDone {
				status = types.StatusCancelled
			}
		}
	}
	return finish(status, errors.Join(errs...))
}

// snapshot walks and hashes the scope, or just the paths in only when set
func (e *Engine) snapshot(ctx context.Context, scope types.Scope, only []string, summary *types.Summary) (*reconciler.Snapshot, error) {
	ignore, err := e.ignoreFor(scope)
	if err != nil {
		return nil, err
	}

	var (
		files     []walker.File
		truncated bool
	)
	if only != nil {
		for _, rel := range only {
			f, ok, err := e.statOne(scope, rel, ignore)
			if err != nil {
				return nil, err
			}
			if ok {
				files = append(files, f)
			}
		}
	} else {
		res, err := e.walker.Walk(ctx, scope.Directory, ignore)
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", scope.Directory, err)
		}
		files, truncated = res.Files, res.Truncated
		for _, skipped := range res.Skipped {
			summary.SkippedPaths = append(summary.SkippedPaths, skipped.Path)
		}
	}

	hashed, err := e.hasher.HashAll(ctx, files)
	if err != nil {
		return nil, err
	}
	snap := reconciler.NewSnapshot(scope, hashed, truncated)
	summary.SkippedPaths = append(summary.SkippedPaths, snap.FailedPaths()...)
	summary.Files = len(snap.Current)
	summary.Truncated = truncated
	if only != nil {
		snap = snap.Restrict(scope, only...)
	}
	return snap, nil
}

// statOne describes one scope-relative path. A missing or ignored path
// reports ok false so the reconciler drops its entry.
func (e *Engine) statOne(scope types.Scope, rel string, ignore walker.IgnoreEvaluator) (walker.File, bool, error) {
	if ignore.Ignored(rel, false) {
		return walker.File{}, false, nil
	}
	abs := filepath.Join(scope.Directory, filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	if errors.Is(err, os.ErrNotExist) {
		return walker.File{}, false, nil
	}
	if err != nil {
		return walker.File{}, false, fmt.Errorf("failed to stat %s: %w", rel, err)
	}
	if !info.Mode().IsRegular() || (e.cfg.MaxFileSize > 0 && info.Size() > e.cfg.MaxFileSize) {
		return walker.File{}, false, nil
	}
	return walker.File{Path: rel, AbsPath: abs, Size: info.Size(), ModTime: info.ModTime()}, true, nil
}

func (e *Engine) ignoreFor(scope types.Scope) (walker.IgnoreEvaluator, error) {
	m := walker.NewGlobMatcher(walker.DefaultIgnores...).With(e.cfg.IgnorePatterns...)
	for _, name := range e.cfg.IgnoreFiles {
		patterns, err := walker.LoadIgnoreFile(filepath.Join(scope.Directory, name))
		if err != nil {
			return nil, err
		}
		m = m.With(patterns...)
	}
	return m, nil
}

// updateBackend reconciles and applies one backend, rebuilding its view of
// the scope when the catalog turns out to be corrupt
func (e *Engine) updateBackend(ctx context.Context, scope types.Scope, b backend.Backend, snap *reconciler.Snapshot, emit func(types.Progress), log zerolog.Logger) types.BackendSummary {
	name := b.Name()
	sum := types.BackendSummary{Backend: name}
	fail := func(err error) types.BackendSummary {
		status := types.StatusFailed
		if ctx.Err() != nil {
			status, err = types.StatusCancelled, context.Canceled
		}
		emit(types.Progress{Backend: name, Status: status, Err: err})
		sum.Status, sum.Err = status, err
		return sum
	}

	part, err := e.recon.Reconcile(ctx, scope, name, snap)
	if errors.Is(err, types.ErrCatalogCorruption) {
		log.Warn().Err(err).Str("backend", name).Msg("catalog corrupt, rebuilding")
		if err := e.resetBackend(ctx, scope, b); err != nil {
			return fail(fmt.Errorf("failed to reset corrupt catalog: %w", err))
		}
		part, err = reconciler.Rebuild(snap), nil
		sum.Rebuilt = true
	}
	if err != nil {
		return fail(err)
	}
	sum.Unchanged = part.Unchanged

	log.Debug().
		Str("backend", name).
		Int("compute", len(part.Compute)).
		Int("add_tag", len(part.AddTag)).
		Int("remove_tag", len(part.RemoveTag)).
		Int("delete", len(part.Delete)).
		Int("unchanged", part.Unchanged).
		Msg("partition ready")

	for ev := range b.Update(ctx, scope, part, backend.NewMarkFunc(e.store, scope, b)) {
		ev.Backend = name
		sum.Record(ev)
		emit(ev)
	}
	if sum.Status == "" {
		sum.Status = types.StatusDone
	}
	return sum
}

// resetBackend drops the scope's rows for b and everything only they held
func (e *Engine) resetBackend(ctx context.Context, scope types.Scope, b backend.Backend) error {
	dropped, err := e.store.ResetScope(ctx, scope, b.Name())
	if err != nil {
		return err
	}
	if p, ok := b.(backend.Purger); ok && len(dropped) > 0 {
		if _, err := p.Purge(ctx, dropped); err != nil {
			e.log.Warn().Err(err).Str("backend", b.Name()).Msg("failed to purge payloads, leaving them to vacuum")
		}
	}
	if c, ok := b.(backend.ScopeClearer); ok {
		if err := c.ClearScope(ctx, scope); err != nil {
			return err
		}
	}
	return nil
}

// GetIndexedPaths returns the distinct paths indexed by any backend across
// scopes, sorted
func (e *Engine) GetIndexedPaths(ctx context.Context, scopes []types.Scope) ([]string, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.store.IndexedPaths(ctx, scopes)
}

// Clear forgets scope in every backend. Payloads no other scope references
// are discarded. A refresh running for scope is cancelled first.
func (e *Engine) Clear(ctx context.Context, scope types.Scope) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if err := scope.Validate(); err != nil {
		return err
	}

	e.runMu.RLock()
	defer e.runMu.RUnlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lease, _, err := e.locks.acquire(runCtx, scope.Key(), "clear-"+uuid.NewString(), cancel)
	if err != nil {
		return err
	}
	defer e.locks.release(scope.Key(), lease)

	var errs []error
	for _, b := range e.reg.All() {
		if err := e.resetBackend(ctx, scope, b); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	if err := e.store.DeleteScope(ctx, scope); err != nil {
		return fmt.Errorf("failed to delete scope: %w", err)
	}
	e.log.Info().Str("scope", scope.Key()).Msg("scope cleared")
	return nil
}

// Status reports what is indexed for scope
func (e *Engine) Status(ctx context.Context, scope types.Scope) (*storage.ScopeStatus, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.store.GetScopeStatus(ctx, scope)
}

// Scopes lists every scope that has been refreshed
func (e *Engine) Scopes(ctx context.Context) ([]types.Scope, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.store.ListScopes(ctx)
}

// Vacuum discards payloads without an artifact row in every backend that
// supports sweeping. It waits for running refreshes to finish.
func (e *Engine) Vacuum(ctx context.Context) (int, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	e.runMu.Lock()
	defer e.runMu.Unlock()

	total := 0
	var errs []error
	for _, b := range e.reg.All() {
		sw, ok := b.(backend.Sweeper)
		if !ok {
			continue
		}
		n, err := sw.Sweep(ctx)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
			continue
		}
		if n > 0 {
			e.log.Info().Str("backend", b.Name()).Int("payloads", n).Msg("swept orphaned payloads")
		}
	}
	return total, errors.Join(errs...)
}

// Pause suspends every backend between batches
func (e *Engine) Pause() {
	e.cfg.Gate.Pause()
	e.log.Info().Msg("indexing paused")
}

// Resume continues paused backends
func (e *Engine) Resume() {
	e.cfg.Gate.Resume()
	e.log.Info().Msg("indexing resumed")
}

// Paused reports whether indexing is paused
func (e *Engine) Paused() bool {
	return e.cfg.Gate.Paused()
}

// Close cancels running refreshes, waits for them, stops schedulers and
// closes the backends. The storage is left open for its owner.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.cancel()

	e.schedMu.Lock()
	for _, s := range e.schedulers {
		s.Stop()
	}
	e.schedulers = nil
	e.schedMu.Unlock()

	e.watchMu.Lock()
	for _, w := range e.watchers {
		_ = w.Close()
	}
	e.watchers = nil
	e.watchMu.Unlock()

	e.wg.Wait()
	return e.reg.Close()
}
