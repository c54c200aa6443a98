package backend

import (
	"context"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/tagindex/pkg/types"
)

type namedBackend struct {
	name     string
	closeErr error
	closed   bool
}

func (b *namedBackend) Name() string { return b.name }

func (b *namedBackend) Update(ctx context.Context, scope types.Scope, part *types.Partition, mark MarkFunc) iter.Seq[types.Progress] {
	return func(yield func(types.Progress) bool) {
		yield(types.Progress{Backend: b.name, Status: types.StatusDone, FractionDone: 1})
	}
}

func (b *namedBackend) Close() error {
	b.closed = true
	return b.closeErr
}

func TestRegistry(t *testing.T) {
	emb := &namedBackend{name: "embeddings"}
	fts := &namedBackend{name: "fulltext", closeErr: errors.New("busy")}

	r, err := NewRegistry(fts, emb)
	require.NoError(t, err)

	got, err := r.Get("embeddings")
	require.NoError(t, err)
	assert.Same(t, emb, got)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownBackend)

	err = r.Register(&namedBackend{name: "fulltext"})
	assert.ErrorIs(t, err, ErrDuplicateBackend)
	assert.ErrorIs(t, r.Register(&namedBackend{}), ErrUnknownBackend)

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "fulltext", all[0].Name())
	assert.Equal(t, []string{"embeddings", "fulltext"}, r.Names())

	err = r.Close()
	assert.ErrorContains(t, err, "close fulltext")
	assert.True(t, emb.closed)
	assert.True(t, fts.closed)
}

func TestBatches(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, Batches(items, 2))
	assert.Equal(t, [][]int{{1, 2, 3, 4, 5}}, Batches(items, 0))
	assert.Equal(t, [][]int{{1, 2, 3, 4, 5}}, Batches(items, 10))
	assert.Nil(t, Batches([]int(nil), 3))
}

func TestGate(t *testing.T) {
	var nilGate *Gate
	assert.False(t, nilGate.Paused())
	assert.NoError(t, nilGate.Wait(context.Background()))

	g := NewGate()
	assert.NoError(t, g.Wait(context.Background()))

	g.Pause()
	g.Pause()
	assert.True(t, g.Paused())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, g.Wait(ctx), context.Canceled)

	done := make(chan error)
	go func() { done <- g.Wait(context.Background()) }()
	g.Resume()
	g.Resume()
	assert.NoError(t, <-done)
	assert.False(t, g.Paused())
}

func TestReadVerified(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, data []byte) types.PathAndDigest {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, data, 0o644))
		return types.PathAndDigest{Path: name, AbsPath: p, Digest: types.ComputeDigest(data)}
	}

	ok := write("ok.go", []byte("package ok\n"))
	content, err := ReadVerified(ok)
	require.NoError(t, err)
	assert.Equal(t, "package ok\n", string(content))

	changed := write("changed.go", []byte("v1"))
	require.NoError(t, os.WriteFile(changed.AbsPath, []byte("v2"), 0o644))
	_, err = ReadVerified(changed)
	assert.True(t, types.IsPermanent(err))
	assert.ErrorContains(t, err, "changed after hashing")

	binary := write("blob.bin", []byte{0xff, 0xfe, 0x00})
	_, err = ReadVerified(binary)
	assert.True(t, types.IsPermanent(err))

	gone := types.PathAndDigest{Path: "gone.go", AbsPath: filepath.Join(dir, "gone.go"), Digest: ok.Digest}
	_, err = ReadVerified(gone)
	assert.True(t, types.IsPermanent(err))

	var pe *types.PermanentItemError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "gone.go", pe.Path)
}
