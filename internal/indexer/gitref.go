package indexer

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dshills/tagindex/pkg/types"
)

// ScopeFor builds the scope for dir. An empty branch is detected from the
// git work tree containing dir.
func ScopeFor(dir, branch string) (types.Scope, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return types.Scope{}, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	if branch == "" {
		branch = DetectBranch(abs)
	}
	scope := types.NewScope(abs, branch)
	return scope, scope.Validate()
}

// DetectBranch returns the branch checked out in the work tree containing
// dir, a commit prefix for a detached HEAD, or types.NoBranch outside git
func DetectBranch(dir string) string {
	head, ok := headFile(dir)
	if !ok {
		return types.NoBranch
	}
	data, err := os.ReadFile(head)
	if err != nil {
		return types.NoBranch
	}
	ref := string(bytes.TrimSpace(data))
	if name, ok := strings.CutPrefix(ref, "ref: refs/heads/"); ok {
		return name
	}
	if len(ref) >= 12 && !strings.HasPrefix(ref, "ref:") {
		return ref[:12]
	}
	return types.NoBranch
}

// headFile locates the HEAD file for the work tree containing dir. Linked
// work trees keep a .git file pointing at their git directory.
func headFile(dir string) (string, bool) {
	for d := dir; ; {
		dotGit := filepath.Join(d, ".git")
		info, err := os.Stat(dotGit)
		if err == nil {
			if info.IsDir() {
				return filepath.Join(dotGit, "HEAD"), true
			}
			data, err := os.ReadFile(dotGit)
			if err != nil {
				return "", false
			}
			gitDir, ok := strings.CutPrefix(strings.TrimSpace(string(data)), "gitdir: ")
			if !ok {
				return "", false
			}
			if !filepath.IsAbs(gitDir) {
				gitDir = filepath.Join(d, gitDir)
			}
			return filepath.Join(gitDir, "HEAD"), true
		}
		parent := filepath.Dir(d)
		if parent == d {
			return "", false
		}
		d = parent
	}
}
