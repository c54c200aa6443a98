package symbols

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/mod/modfile"

	"github.com/dshills/tagindex/internal/cache"
	"github.com/dshills/tagindex/internal/parser"
	"github.com/dshills/tagindex/internal/storage"
	"github.com/dshills/tagindex/pkg/types"
)

// DefaultCacheSize is how many package definitions the resolver keeps
const DefaultCacheSize = 512

// ErrNotIndexed is returned when a path has no symbols entry in the scope
var ErrNotIndexed = errors.New("path is not indexed")

// Package holds the exported definitions of one package directory
type Package struct {
	Dir     string
	Name    string
	Files   []string
	Symbols []types.Symbol
}

// ResolvedImport is one import of a file
type ResolvedImport struct {
	Path  string
	Alias string
	// Package is set for imports of the scope's own module that are indexed
	Package *Package
}

// Local reports whether the import resolved inside the scope
func (r ResolvedImport) Local() bool {
	return r.Package != nil
}

type packageKey struct {
	Scope types.Scope
	Dir   string
	Gen   uint64
}

// Resolver maps a file's imports to package definitions in the same scope.
// Definitions are computed once per package and generation; resolving a file
// starts every import in the background before waiting on any of them.
type Resolver struct {
	store Store
	defs  *cache.Precomputed[packageKey, *Package]

	mu   sync.Mutex
	gens map[string]uint64
}

// NewResolver creates a resolver over the symbols catalog of store
func NewResolver(store Store, size int) (*Resolver, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	r := &Resolver{store: store, gens: make(map[string]uint64)}
	defs, err := cache.NewPrecomputed[packageKey, *Package](size, r.loadPackage, cache.WithKeyFunc[packageKey, *Package](func(k packageKey) string {
		return fmt.Sprintf("%s|%s|%d", k.Scope.Key(), k.Dir, k.Gen)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create definitions cache: %w", err)
	}
	r.defs = defs
	return r, nil
}

// Invalidate retires every cached package of scope
func (r *Resolver) Invalidate(scope types.Scope) {
	r.mu.Lock()
	r.gens[scope.Key()]++
	r.mu.Unlock()
}

// Close stops background computations
func (r *Resolver) Close() {
	r.defs.Close()
}

// Computations reports how many package definitions were computed
func (r *Resolver) Computations() int64 {
	return r.defs.Computations()
}

func (r *Resolver) key(scope types.Scope, dir string) packageKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	return packageKey{Scope: scope, Dir: dir, Gen: r.gens[scope.Key()]}
}

// Resolve returns the imports of file in scope. Imports of the module
// declared by the scope's go.mod are resolved to their package definitions.
func (r *Resolver) Resolve(ctx context.Context, scope types.Scope, file string) ([]ResolvedImport, error) {
	file = scope.NormalizePath(file)
	entry, err := r.store.LookupPath(ctx, scope, Name, file)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotIndexed, file)
	}
	if err != nil {
		return nil, err
	}
	imports, err := r.store.ListImports(ctx, entry.Digest)
	if err != nil {
		return nil, err
	}

	module := ModulePath(scope.Directory)
	out := make([]ResolvedImport, len(imports))
	keys := make([]*packageKey, len(imports))
	for i, imp := range imports {
		out[i] = ResolvedImport{Path: imp.Path, Alias: imp.Alias}
		if dir, ok := localDir(module, imp.Path); ok {
			k := r.key(scope, dir)
			keys[i] = &k
			r.defs.Register(k)
		}
	}

	for i, k := range keys {
		if k == nil {
			continue
		}
		pkg, err := r.defs.Get(ctx, *k)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", out[i].Path, err)
		}
		if len(pkg.Files) > 0 {
			out[i].Package = pkg
		}
	}
	return out, nil
}

// ModulePath reads the module path from dir/go.mod; it is empty when there
// is no readable go.mod
func ModulePath(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, "go.mod"))
	if err != nil {
		return ""
	}
	return modfile.ModulePath(data)
}

func localDir(module, importPath string) (string, bool) {
	if module == "" {
		return "", false
	}
	if importPath == module {
		return ".", true
	}
	rest, ok := strings.CutPrefix(importPath, module+"/")
	if !ok || rest == "" {
		return "", false
	}
	return rest, true
}

func (r *Resolver) loadPackage(ctx context.Context, k packageKey) (*Package, error) {
	catalog, err := r.store.LoadCatalog(ctx, k.Scope, Name)
	if err != nil {
		return nil, err
	}

	pkg := &Package{Dir: k.Dir}
	for p := range catalog {
		if path.Dir(p) == k.Dir && parser.IsGoSource(p) && !strings.HasSuffix(p, "_test.go") {
			pkg.Files = append(pkg.Files, p)
		}
	}
	sort.Strings(pkg.Files)

	for _, p := range pkg.Files {
		d := catalog[p].Digest
		if pkg.Name == "" {
			name, err := r.store.PackageName(ctx, d)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return nil, err
			}
			pkg.Name = name
		}
		syms, err := r.store.ListSymbols(ctx, d)
		if err != nil {
			return nil, err
		}
		for i := range syms {
			if syms[i].IsExported() {
				pkg.Symbols = append(pkg.Symbols, syms[i])
			}
		}
	}

	sort.SliceStable(pkg.Symbols, func(i, j int) bool {
		return pkg.Symbols[i].Name < pkg.Symbols[j].Name
	})
	return pkg, nil
}
