package walker

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
)

// DefaultIgnores are applied by the engine on top of a scope's ignore file
var DefaultIgnores = []string{
	".git/",
	".hg/",
	".svn/",
	"node_modules/",
	"vendor/",
	".idea/",
	".vscode/",
	"__pycache__/",
	"*.min.js",
	"*.map",
	"*.lock",
	"*.png",
	"*.jpg",
	"*.jpeg",
	"*.gif",
	"*.ico",
	"*.pdf",
	"*.zip",
	"*.gz",
	"*.tar",
	"*.exe",
	"*.dll",
	"*.so",
	"*.dylib",
	"*.class",
	"*.pyc",
	"*.db",
	"*.sqlite",
}

// IgnoreEvaluator decides which scope-relative paths are skipped. Paths use
// forward slashes; isDir is true for directories, which prunes the subtree.
type IgnoreEvaluator interface {
	Ignored(rel string, isDir bool) bool
}

type rule struct {
	segments []string
	negate   bool
	dirOnly  bool
	anchored bool
}

// GlobMatcher evaluates gitignore-style patterns. The last matching pattern
// wins, so a later "!keep.txt" re-includes a file an earlier pattern ignored.
//
// Supported syntax:
//   - * ? and [abc] within one path segment
//   - ** for any number of segments
//   - a trailing / restricts the pattern to directories
//   - a leading / or an inner / anchors the pattern at the scope root
//   - a pattern without / matches the name at any depth
//
// GlobMatcher is safe for concurrent use after creation.
type GlobMatcher struct {
	rules []rule
}

// NewGlobMatcher compiles patterns; blank lines and # comments are skipped
func NewGlobMatcher(patterns ...string) *GlobMatcher {
	m := &GlobMatcher{}
	for _, p := range patterns {
		if r, ok := parseRule(p); ok {
			m.rules = append(m.rules, r)
		}
	}
	return m
}

// With returns a matcher with extra patterns evaluated after m's own
func (m *GlobMatcher) With(patterns ...string) *GlobMatcher {
	out := &GlobMatcher{rules: append([]rule(nil), m.rules...)}
	out.rules = append(out.rules, NewGlobMatcher(patterns...).rules...)
	return out
}

// Ignored implements IgnoreEvaluator
func (m *GlobMatcher) Ignored(rel string, isDir bool) bool {
	rel = strings.Trim(rel, "/")
	if rel == "" || rel == "." {
		return false
	}
	segs := strings.Split(rel, "/")

	ignored := false
	for _, r := range m.rules {
		if r.dirOnly && !isDir {
			continue
		}
		if r.matches(segs) {
			ignored = !r.negate
		}
	}
	return ignored
}

func parseRule(line string) (rule, bool) {
	line = strings.TrimRight(line, " \t\r")
	if line == "" || strings.HasPrefix(line, "#") {
		return rule{}, false
	}

	var r rule
	if strings.HasPrefix(line, "!") {
		r.negate = true
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		r.dirOnly = true
		line = strings.TrimRight(line, "/")
	}
	if strings.HasPrefix(line, "/") {
		r.anchored = true
		line = strings.TrimLeft(line, "/")
	}
	if strings.Contains(line, "/") {
		r.anchored = true
	}
	if line == "" {
		return rule{}, false
	}
	r.segments = strings.Split(line, "/")
	return r, true
}

func (r rule) matches(segs []string) bool {
	if r.anchored {
		return matchSegments(r.segments, segs)
	}
	// Unanchored single-segment pattern: match the name at any depth
	ok, _ := path.Match(r.segments[0], segs[len(segs)-1])
	return ok
}

// matchSegments matches slash-separated pattern segments against path
// segments, letting ** stand for zero or more segments
func matchSegments(pat, segs []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			for i := 0; i <= len(segs); i++ {
				if matchSegments(pat[1:], segs[i:]) {
					return true
				}
			}
			return false
		}
		if len(segs) == 0 {
			return false
		}
		if ok, _ := path.Match(pat[0], segs[0]); !ok {
			return false
		}
		pat, segs = pat[1:], segs[1:]
	}
	return len(segs) == 0
}

// LoadIgnoreFile reads patterns from a gitignore-style file. A missing file
// yields no patterns and no error.
func LoadIgnoreFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ignore file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var patterns []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read ignore file: %w", err)
	}
	return patterns, nil
}
