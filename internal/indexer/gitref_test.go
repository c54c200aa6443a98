package indexer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/tagindex/pkg/types"
)

func writeHead(t *testing.T, gitDir, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(gitDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(gitDir, "HEAD"), []byte(content), 0o644))
}

func TestDetectBranch(t *testing.T) {
	t.Run("branch", func(t *testing.T) {
		dir := t.TempDir()
		writeHead(t, filepath.Join(dir, ".git"), "ref: refs/heads/feature/login\n")
		assert.Equal(t, "feature/login", DetectBranch(dir))

		sub := filepath.Join(dir, "pkg", "util")
		require.NoError(t, os.MkdirAll(sub, 0o755))
		assert.Equal(t, "feature/login", DetectBranch(sub))
	})

	t.Run("detached", func(t *testing.T) {
		dir := t.TempDir()
		writeHead(t, filepath.Join(dir, ".git"), "3f2a9c1d4e5b6a7980112233445566778899aabb\n")
		assert.Equal(t, "3f2a9c1d4e5b", DetectBranch(dir))
	})

	t.Run("linked worktree", func(t *testing.T) {
		dir := t.TempDir()
		gitDir := filepath.Join(dir, "main", ".git", "worktrees", "wt")
		writeHead(t, gitDir, "ref: refs/heads/hotfix\n")
		wt := filepath.Join(dir, "wt")
		require.NoError(t, os.MkdirAll(wt, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(wt, ".git"), []byte("gitdir: "+gitDir+"\n"), 0o644))
		assert.Equal(t, "hotfix", DetectBranch(wt))
	})
}

func TestScopeFor(t *testing.T) {
	dir := t.TempDir()
	writeHead(t, filepath.Join(dir, ".git"), "ref: refs/heads/main\n")

	scope, err := ScopeFor(dir, "")
	require.NoError(t, err)
	assert.Equal(t, types.NewScope(dir, "main"), scope)

	scope, err = ScopeFor(dir, "release")
	require.NoError(t, err)
	assert.Equal(t, "release", scope.Branch)
}
