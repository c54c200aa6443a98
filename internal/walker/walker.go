package walker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	// ErrInvalidRoot is returned when the scope root is missing or not a directory
	ErrInvalidRoot = errors.New("invalid root")
	// ErrFileTooLarge marks files skipped by the size ceiling
	ErrFileTooLarge = errors.New("file too large")
	// ErrSymlinkCycle marks symlinks that lead back into a visited directory
	ErrSymlinkCycle = errors.New("symlink cycle")
	// ErrOutsideRoot marks symlinks whose target escapes the root
	ErrOutsideRoot = errors.New("path escapes root")
)

const (
	// DefaultMaxFiles caps how many files one walk returns
	DefaultMaxFiles = 100_000
	// DefaultMaxFileSize skips files larger than this many bytes
	DefaultMaxFileSize = 1 << 20
)

// File is one enumerated regular file
type File struct {
	// Path is relative to the root with forward slashes
	Path    string
	AbsPath string
	Size    int64
	ModTime time.Time
}

// ScanError records a path that could not be enumerated
type ScanError struct {
	Path string
	Err  error
}

func (e ScanError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

// Result is the outcome of one walk
type Result struct {
	Root  string
	Files []File
	// Truncated is set when the file-count ceiling stopped the walk early
	Truncated bool
	Skipped   []ScanError
}

// Walker enumerates files under a root in deterministic order
type Walker struct {
	maxFiles       int
	maxFileSize    int64
	followSymlinks bool
	ignore         IgnoreEvaluator
}

// Option configures a Walker
type Option func(*Walker)

// WithMaxFiles sets the file-count ceiling; 0 disables it
func WithMaxFiles(n int) Option {
	return func(w *Walker) {
		w.maxFiles = n
	}
}

// WithMaxFileSize sets the per-file size ceiling in bytes; 0 disables it
func WithMaxFileSize(bytes int64) Option {
	return func(w *Walker) {
		w.maxFileSize = bytes
	}
}

// WithFollowSymlinks enables following symlinks that stay inside the root
func WithFollowSymlinks(follow bool) Option {
	return func(w *Walker) {
		w.followSymlinks = follow
	}
}

// WithIgnore sets the evaluator used when Walk is given none
func WithIgnore(ignore IgnoreEvaluator) Option {
	return func(w *Walker) {
		w.ignore = ignore
	}
}

// New creates a Walker
func New(opts ...Option) *Walker {
	w := &Walker{
		maxFiles:    DefaultMaxFiles,
		maxFileSize: DefaultMaxFileSize,
		ignore:      NewGlobMatcher(DefaultIgnores...),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

type walkState struct {
	root    string
	ignore  IgnoreEvaluator
	result  *Result
	visited []os.FileInfo
}

// errLimit stops the recursion once the file ceiling is reached
var errLimit = errors.New("file limit reached")

// Walk enumerates regular files under root, sorted by relative path.
//
// Ignored directories are pruned. Files over the size ceiling and entries
// that cannot be read are recorded in Skipped. Reaching the file-count
// ceiling sets Truncated instead of failing. Cancellation returns ctx.Err().
func (w *Walker) Walk(ctx context.Context, root string, ignore IgnoreEvaluator) (*Result, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: not a directory", ErrInvalidRoot)
	}
	if ignore == nil {
		ignore = w.ignore
	}

	st := &walkState{
		root:    absRoot,
		ignore:  ignore,
		result:  &Result{Root: absRoot},
		visited: []os.FileInfo{info},
	}

	err = w.walkDir(ctx, st, absRoot, "")
	switch {
	case errors.Is(err, errLimit):
		st.result.Truncated = true
	case err != nil:
		return nil, err
	}

	sort.Slice(st.result.Files, func(i, j int) bool {
		return st.result.Files[i].Path < st.result.Files[j].Path
	})
	return st.result, nil
}

func (w *Walker) walkDir(ctx context.Context, st *walkState, dir, relDir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		st.result.Skipped = append(st.result.Skipped, ScanError{Path: relDir, Err: err})
		return nil
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		abs := filepath.Join(dir, entry.Name())
		rel := entry.Name()
		if relDir != "" {
			rel = relDir + "/" + entry.Name()
		}

		info, err := os.Lstat(abs)
		if err != nil {
			st.result.Skipped = append(st.result.Skipped, ScanError{Path: rel, Err: err})
			continue
		}

		if info.Mode()&os.ModeSymlink != 0 {
			if !w.followSymlinks {
				continue
			}
			target, targetInfo, err := w.resolveSymlink(st, abs)
			if err != nil {
				st.result.Skipped = append(st.result.Skipped, ScanError{Path: rel, Err: err})
				continue
			}
			abs, info = target, targetInfo
		}

		if info.IsDir() {
			if st.ignore.Ignored(rel, true) {
				continue
			}
			st.visited = append(st.visited, info)
			if err := w.walkDir(ctx, st, abs, rel); err != nil {
				return err
			}
			continue
		}

		if !info.Mode().IsRegular() || st.ignore.Ignored(rel, false) {
			continue
		}

		if w.maxFileSize > 0 && info.Size() > w.maxFileSize {
			st.result.Skipped = append(st.result.Skipped, ScanError{
				Path: rel,
				Err:  fmt.Errorf("%w: %d bytes", ErrFileTooLarge, info.Size()),
			})
			continue
		}

		if w.maxFiles > 0 && len(st.result.Files) >= w.maxFiles {
			return errLimit
		}

		st.result.Files = append(st.result.Files, File{
			Path:    rel,
			AbsPath: abs,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	return nil
}

// resolveSymlink follows a link, refusing targets outside the root and
// directories already visited
func (w *Walker) resolveSymlink(st *walkState, link string) (string, os.FileInfo, error) {
	target, err := filepath.EvalSymlinks(link)
	if err != nil {
		return "", nil, err
	}
	if err := validatePath(st.root, target); err != nil {
		return "", nil, err
	}
	info, err := os.Stat(target)
	if err != nil {
		return "", nil, err
	}
	if info.IsDir() {
		for _, seen := range st.visited {
			if os.SameFile(seen, info) {
				return "", nil, fmt.Errorf("%w: %s", ErrSymlinkCycle, target)
			}
		}
	}
	return target, info, nil
}

// validatePath ensures target stays within root
func validatePath(root, target string) error {
	// The root itself may be reached through a symlinked prefix
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		realRoot = root
	}
	rel, err := filepath.Rel(realRoot, target)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutsideRoot, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, target)
	}
	return nil
}
