package indexer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/dshills/tagindex/internal/walker"
	"github.com/dshills/tagindex/pkg/types"
)

const (
	// DefaultDebounce is how long a path must stay quiet before it is refreshed
	DefaultDebounce = 500 * time.Millisecond
	// maxPendingPaths turns a burst of changes into one full refresh
	maxPendingPaths = 256
)

// Watcher refreshes the paths of a scope as they change on disk
type Watcher struct {
	engine   *Engine
	dir      string
	scope    types.Scope
	ignore   walker.IgnoreEvaluator
	fsw      *fsnotify.Watcher
	head     *fsnotify.Watcher
	debounce time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	dirs    map[string]bool
	pending map[string]time.Time
	full    bool
	last    time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Watch refreshes scope once and then keeps it current until the watcher
// or the engine is closed
func (e *Engine) Watch(scope types.Scope, debounce time.Duration) (*Watcher, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	ignore, err := e.ignoreFor(scope)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(e.ctx)
	w := &Watcher{
		engine:   e,
		dir:      scope.Directory,
		scope:    scope,
		ignore:   ignore,
		fsw:      fsw,
		debounce: debounce,
		log:      e.log.With().Str("scope", scope.Key()).Logger(),
		dirs:     make(map[string]bool),
		pending:  make(map[string]time.Time),
		full:     true,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if err := w.addRecursive(w.dir); err != nil {
		cancel()
		_ = fsw.Close()
		return nil, err
	}

	e.watchMu.Lock()
	e.watchers = append(e.watchers, w)
	e.watchMu.Unlock()

	if err := w.watchHead(); err != nil {
		w.log.Warn().Err(err).Msg("branch changes will not be followed")
	}

	go w.loop()
	w.log.Info().Int("dirs", len(w.dirs)).Msg("watching scope")
	return w, nil
}

// Scope returns the scope currently watched. It moves to a new branch when
// the work tree checks one out.
func (w *Watcher) Scope() types.Scope {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.scope
}

// watchHead follows the HEAD of the work tree when the scope tracks the
// branch checked out there
func (w *Watcher) watchHead() error {
	head, ok := headFile(w.dir)
	if !ok || DetectBranch(w.dir) != w.scope.Branch {
		return nil
	}
	hw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// HEAD is replaced by rename, so the directory is watched
	if err := hw.Add(filepath.Dir(head)); err != nil {
		_ = hw.Close()
		return err
	}
	w.head = hw
	go w.followHead(filepath.Base(head))
	return nil
}

func (w *Watcher) followHead(name string) {
	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-w.head.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name || ev.Op == fsnotify.Chmod {
				continue
			}
			w.switchBranch(DetectBranch(w.dir))
		case _, ok := <-w.head.Errors:
			if !ok {
				return
			}
		}
	}
}

// switchBranch moves the watcher to branch. A refresh still running for the
// previous branch is cancelled.
func (w *Watcher) switchBranch(branch string) {
	w.mu.Lock()
	prev := w.scope
	if branch == prev.Branch {
		w.mu.Unlock()
		return
	}
	w.scope = types.NewScope(prev.Directory, branch)
	w.full = true
	w.last = time.Now()
	clear(w.pending)
	w.mu.Unlock()

	cancelled := w.engine.locks.cancel(prev.Key())
	w.log.Info().
		Str("from", prev.Branch).
		Str("to", branch).
		Bool("cancelled_run", cancelled).
		Msg("branch switched")
}

// addRecursive watches dir and every directory below it that is not ignored
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rel, ok := w.rel(path); ok && rel != "." && w.ignore.Ignored(rel, true) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.log.Warn().Err(err).Str("dir", path).Msg("failed to watch directory")
			return nil
		}
		w.mu.Lock()
		w.dirs[path] = true
		w.mu.Unlock()
		return nil
	})
}

func (w *Watcher) rel(path string) (string, bool) {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

func (w *Watcher) loop() {
	defer close(w.done)
	tick := time.NewTicker(w.debounce / 2)
	defer tick.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.mu.Lock()
				w.full = true
				w.last = time.Now()
				w.mu.Unlock()
			}
			w.log.Warn().Err(err).Msg("watch error")
		case now := <-tick.C:
			w.flush(now)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}
	rel, ok := w.rel(ev.Name)
	if !ok || rel == "." {
		return
	}
	now := time.Now()

	w.mu.Lock()
	wasDir := w.dirs[ev.Name]
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		delete(w.dirs, ev.Name)
	}
	w.mu.Unlock()

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if w.ignore.Ignored(rel, true) {
				return
			}
			if err := w.addRecursive(ev.Name); err != nil {
				w.log.Warn().Err(err).Str("dir", rel).Msg("failed to watch new directory")
			}
			w.markFull(now)
			return
		}
	}
	if wasDir {
		w.markFull(now)
		return
	}
	if w.ignore.Ignored(rel, false) {
		return
	}

	w.mu.Lock()
	w.pending[rel] = now
	w.last = now
	if len(w.pending) > maxPendingPaths {
		w.full = true
	}
	w.mu.Unlock()
}

func (w *Watcher) markFull(now time.Time) {
	w.mu.Lock()
	w.full = true
	w.last = now
	w.mu.Unlock()
}

// flush refreshes paths that have been quiet for the debounce interval
func (w *Watcher) flush(now time.Time) {
	w.mu.Lock()
	var (
		full  bool
		paths []string
	)
	if w.full && now.Sub(w.last) >= w.debounce {
		full = true
		w.full = false
		clear(w.pending)
	} else if !w.full {
		for p, at := range w.pending {
			if now.Sub(at) >= w.debounce {
				paths = append(paths, p)
				delete(w.pending, p)
			}
		}
	}
	scope := w.scope
	w.mu.Unlock()

	if !full && len(paths) == 0 {
		return
	}

	var (
		stream *RefreshStream
		err    error
	)
	if full {
		stream, err = w.engine.Refresh(w.ctx, scope)
	} else {
		sort.Strings(paths)
		stream, err = w.engine.refreshPaths(w.ctx, scope, paths)
	}
	if err != nil {
		if !errors.Is(err, ErrClosed) {
			w.log.Warn().Err(err).Msg("failed to start refresh")
		}
		return
	}
	summary, err := stream.Wait()
	if err != nil {
		w.log.Warn().Err(err).Msg("watch refresh failed")
		return
	}
	w.log.Debug().
		Bool("full", full).
		Int("paths", len(paths)).
		Str("status", string(summary.Status)).
		Msg("watch refresh finished")
}

// Close stops watching. A refresh already started finishes or is cancelled
// with the engine.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.cancel()
		err = w.fsw.Close()
		if w.head != nil {
			_ = w.head.Close()
		}
		<-w.done
	})
	return err
}
