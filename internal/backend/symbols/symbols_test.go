package symbols

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/tagindex/internal/backend"
	"github.com/dshills/tagindex/internal/storage"
	"github.com/dshills/tagindex/pkg/types"
)

type workspace struct {
	t     *testing.T
	scope types.Scope
	store *storage.SQLiteStorage
	b     *Backend
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	b, err := New(Config{Store: store, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	ws := &workspace{t: t, scope: types.NewScope(t.TempDir(), "main"), store: store, b: b}
	ws.write("go.mod", "module example.com/demo\n\ngo 1.22\n")
	return ws
}

func (ws *workspace) write(name, content string) types.PathAndDigest {
	ws.t.Helper()
	abs := filepath.Join(ws.scope.Directory, filepath.FromSlash(name))
	require.NoError(ws.t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(ws.t, os.WriteFile(abs, []byte(content), 0o644))
	return types.PathAndDigest{Path: name, AbsPath: abs, Digest: types.ComputeDigest([]byte(content))}
}

func (ws *workspace) compute(items ...types.PathAndDigest) []types.Warning {
	ws.t.Helper()
	var warnings []types.Warning
	mark := backend.NewMarkFunc(ws.store, ws.scope, ws.b)
	for ev := range ws.b.Update(context.Background(), ws.scope, &types.Partition{Compute: items}, mark) {
		warnings = append(warnings, ev.Warnings...)
		require.NotEqual(ws.t, types.StatusFailed, ev.Status)
	}
	return warnings
}

const mainSource = `package main

import (
	"fmt"

	u "example.com/demo/util"
)

func main() {
	fmt.Println(u.Helper())
}
`

const utilSource = `package util

// Helper returns a greeting
func Helper() string { return greet() }

func greet() string { return "hi" }

// Version is the release
const Version = "1.0"
`

func TestSymbols_ComputeStoresParseResults(t *testing.T) {
	ws := newWorkspace(t)
	util := ws.write("util/util.go", utilSource)
	readme := ws.write("README.md", "# demo\n")
	require.Empty(t, ws.compute(util, readme))

	got, err := ws.store.HasPayload(context.Background(), storage.PayloadSymbols, []types.Digest{util.Digest, readme.Digest})
	require.NoError(t, err)
	assert.True(t, got[util.Digest])
	assert.True(t, got[readme.Digest])

	syms, err := ws.store.ListSymbols(context.Background(), util.Digest)
	require.NoError(t, err)
	assert.Len(t, syms, 3)

	name, err := ws.store.PackageName(context.Background(), util.Digest)
	require.NoError(t, err)
	assert.Equal(t, "util", name)
}

func TestResolver_ResolvesLocalImports(t *testing.T) {
	ws := newWorkspace(t)
	require.Empty(t, ws.compute(ws.write("main.go", mainSource), ws.write("util/util.go", utilSource)))

	r := ws.b.Resolver()
	imports, err := r.Resolve(context.Background(), ws.scope, "main.go")
	require.NoError(t, err)
	require.Len(t, imports, 2)

	byPath := map[string]ResolvedImport{}
	for _, imp := range imports {
		byPath[imp.Path] = imp
	}

	assert.False(t, byPath["fmt"].Local())

	util := byPath["example.com/demo/util"]
	require.True(t, util.Local())
	assert.Equal(t, "u", util.Alias)
	assert.Equal(t, "util", util.Package.Name)
	assert.Equal(t, []string{"util/util.go"}, util.Package.Files)

	var names []string
	for _, s := range util.Package.Symbols {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"Helper", "Version"}, names)

	_, err = r.Resolve(context.Background(), ws.scope, "./main.go")
	require.NoError(t, err)
	assert.EqualValues(t, 1, r.Computations())
}

func TestResolver_InvalidatedByTagChanges(t *testing.T) {
	ws := newWorkspace(t)
	require.Empty(t, ws.compute(ws.write("main.go", mainSource), ws.write("util/util.go", utilSource)))

	r := ws.b.Resolver()
	_, err := r.Resolve(context.Background(), ws.scope, "main.go")
	require.NoError(t, err)

	require.Empty(t, ws.compute(ws.write("util/extra.go", "package util\n\nfunc Extra() {}\n")))

	imports, err := r.Resolve(context.Background(), ws.scope, "main.go")
	require.NoError(t, err)
	for _, imp := range imports {
		if imp.Local() {
			assert.Equal(t, []string{"util/extra.go", "util/util.go"}, imp.Package.Files)
		}
	}
	assert.EqualValues(t, 2, r.Computations())
}

func TestResolver_NotIndexed(t *testing.T) {
	ws := newWorkspace(t)
	_, err := ws.b.Resolver().Resolve(context.Background(), ws.scope, "missing.go")
	assert.ErrorIs(t, err, ErrNotIndexed)
}

func TestResolver_UnindexedPackageIsNotLocal(t *testing.T) {
	ws := newWorkspace(t)
	require.Empty(t, ws.compute(ws.write("main.go", mainSource)))

	imports, err := ws.b.Resolver().Resolve(context.Background(), ws.scope, "main.go")
	require.NoError(t, err)
	for _, imp := range imports {
		assert.False(t, imp.Local(), imp.Path)
	}
}

func TestLocalDir(t *testing.T) {
	tests := []struct {
		module, imp string
		want        string
		ok          bool
	}{
		{"example.com/demo", "example.com/demo", ".", true},
		{"example.com/demo", "example.com/demo/internal/x", "internal/x", true},
		{"example.com/demo", "example.com/demolition", "", false},
		{"example.com/demo", "fmt", "", false},
		{"", "fmt", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.imp, func(t *testing.T) {
			got, ok := localDir(tt.module, tt.imp)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestModulePath(t *testing.T) {
	dir := t.TempDir()
	assert.Empty(t, ModulePath(dir))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module github.com/acme/tool\n"), 0o644))
	assert.Equal(t, "github.com/acme/tool", ModulePath(dir))
}
