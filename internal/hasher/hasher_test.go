package hasher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/tagindex/internal/walker"
	"github.com/dshills/tagindex/pkg/types"
)

func fileFor(t *testing.T, path string) walker.File {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return walker.File{
		Path:    filepath.Base(path),
		AbsPath: path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
}

func TestHashFile_MatchesComputeDigest(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(p, []byte("hello"), 0o644))

	d, err := HashFile(p)
	require.NoError(t, err)
	assert.Equal(t, types.ComputeDigest([]byte("hello")), d)
}

func TestDigest_AlwaysHashesByDefault(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(p, []byte("one"), 0o644))

	h, err := New(Config{})
	require.NoError(t, err)

	f := fileFor(t, p)
	_, err = h.Digest(f)
	require.NoError(t, err)

	// Rewrite with identical metadata: the digest must still follow the bytes
	require.NoError(t, os.WriteFile(p, []byte("two"), 0o644))
	require.NoError(t, os.Chtimes(p, f.ModTime, f.ModTime))

	d, err := h.Digest(f)
	require.NoError(t, err)
	assert.Equal(t, types.ComputeDigest([]byte("two")), d)

	hashed, fast := h.Counts()
	assert.Equal(t, int64(2), hashed)
	assert.Equal(t, int64(0), fast)
}

func TestDigest_TrustMetadataSkipsOldFiles(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(p, []byte("one"), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(p, old, old))

	h, err := New(Config{TrustMetadata: true})
	require.NoError(t, err)

	f := fileFor(t, p)
	first, err := h.Digest(f)
	require.NoError(t, err)

	second, err := h.Digest(f)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	hashed, fast := h.Counts()
	assert.Equal(t, int64(1), hashed)
	assert.Equal(t, int64(1), fast)
}

func TestDigest_TrustMetadataRehashesRacyFiles(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(p, []byte("one"), 0o644))

	h, err := New(Config{TrustMetadata: true, RacyWindow: time.Minute})
	require.NoError(t, err)

	f := fileFor(t, p)
	_, err = h.Digest(f)
	require.NoError(t, err)
	_, err = h.Digest(f)
	require.NoError(t, err)

	hashed, fast := h.Counts()
	assert.Equal(t, int64(2), hashed, "a freshly modified file is ambiguous")
	assert.Equal(t, int64(0), fast)
}

func TestHashAll(t *testing.T) {
	dir := t.TempDir()
	var files []walker.File
	for _, name := range []string{"a", "b", "c"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(name), 0o644))
		files = append(files, fileFor(t, p))
	}
	files = append(files, walker.File{Path: "gone", AbsPath: filepath.Join(dir, "gone")})

	h, err := New(Config{Workers: 2})
	require.NoError(t, err)

	out, err := h.HashAll(context.Background(), files)
	require.NoError(t, err)
	require.Len(t, out, 4)

	for i, name := range []string{"a", "b", "c"} {
		require.NoError(t, out[i].Err)
		assert.Equal(t, types.ComputeDigest([]byte(name)), out[i].Digest)
	}
	assert.Error(t, out[3].Err)
}

func TestHashAll_Cancelled(t *testing.T) {
	h, err := New(Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = h.HashAll(ctx, []walker.File{{Path: "a", AbsPath: "/nonexistent"}})
	assert.ErrorIs(t, err, context.Canceled)
}
