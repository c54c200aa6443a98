// Package chunkcache is the chunk cache backend. Encoded chunks live in an
// embedded Badger database under chunk/<digest>, and every scope keeps its
// own path associations under tag/<scope>/<path>.
package chunkcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/dshills/tagindex/internal/backend"
	"github.com/dshills/tagindex/internal/chunker"
	"github.com/dshills/tagindex/pkg/types"
)

// Name is the backend name recorded in the catalog
const Name = "chunkcache"

const (
	chunkPrefix = "chunk/"
	tagPrefix   = "tag/"

	gcDiscardRatio = 0.5
)

// ErrNotCached is returned by Lookup for paths without cached chunks
var ErrNotCached = errors.New("no cached chunks")

// RefCounter reports how many scopes reference each digest
type RefCounter interface {
	RefCounts(ctx context.Context, backend string, digests []types.Digest) (map[types.Digest]int, error)
}

// Config configures the chunk cache backend
type Config struct {
	// Path is the Badger directory; ignored when InMemory is set
	Path     string
	InMemory bool

	Refs      RefCounter
	Chunker   *chunker.Chunker
	BatchSize int
	Gate      *backend.Gate
	Logger    zerolog.Logger
	Observer  backend.Observer
}

// Backend is the chunk cache backend
type Backend struct {
	*backend.Driver
	cache *cache
}

// New opens the Badger database and creates the backend
func New(cfg Config) (*Backend, error) {
	if cfg.Refs == nil {
		return nil, errors.New("chunkcache: refcounter is required")
	}
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}
	c := &cache{
		db:       db,
		refs:     cfg.Refs,
		prep:     backend.NewPreparer(cfg.Chunker),
		inMemory: cfg.InMemory,
		log:      cfg.Logger.With().Str("backend", Name).Logger(),
	}
	drv := backend.NewDriver(backend.DriverConfig{
		Name:       Name,
		BatchSize:  cfg.BatchSize,
		PayloadRef: "badger",
		Gate:       cfg.Gate,
		Logger:     cfg.Logger,
		Observer:   cfg.Observer,
	}, c)
	return &Backend{Driver: drv, cache: c}, nil
}

// Lookup returns the cached chunks of path in scope
func (b *Backend) Lookup(ctx context.Context, scope types.Scope, path string) ([]*types.Chunk, error) {
	return b.cache.lookup(scope, scope.NormalizePath(path))
}

func open(cfg Config) (*badger.DB, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("chunkcache: path is required for a persistent cache")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(badgerLogger{cfg.Logger.With().Str("component", "badger").Logger()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk cache: %w", err)
	}
	return db, nil
}

// badgerLogger routes Badger's logs through zerolog
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Debug().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Trace().Msgf(strings.TrimSpace(format), args...)
}

func chunkKey(d types.Digest) []byte {
	return []byte(chunkPrefix + d.String())
}

func scopePrefix(scope types.Scope) []byte {
	return []byte(tagPrefix + url.PathEscape(scope.Key()) + "/")
}

func tagKey(scope types.Scope, path string) []byte {
	return append(scopePrefix(scope), path...)
}

type cache struct {
	db       *badger.DB
	refs     RefCounter
	prep     *backend.Preparer
	inMemory bool
	log      zerolog.Logger
}

func (c *cache) Compute(ctx context.Context, items []types.PathAndDigest) []error {
	errs := make([]error, len(items))
	wb := c.db.NewWriteBatch()
	defer wb.Cancel()

	var staged []int
	for i, it := range items {
		if err := ctx.Err(); err != nil {
			errs[i] = err
			continue
		}
		p, err := c.prep.Prepare(it)
		if err != nil {
			errs[i] = err
			continue
		}
		data, err := json.Marshal(p.Chunks)
		if err != nil {
			errs[i] = backend.ItemError(it, fmt.Errorf("encode chunks: %w", err))
			continue
		}
		if err := wb.Set(chunkKey(it.Digest), data); err != nil {
			errs[i] = fmt.Errorf("failed to stage chunks: %w", err)
			continue
		}
		staged = append(staged, i)
	}

	if err := wb.Flush(); err != nil {
		for _, i := range staged {
			errs[i] = fmt.Errorf("failed to write chunks: %w", err)
		}
	}
	return errs
}

func (c *cache) Present(ctx context.Context, digests []types.Digest) (map[types.Digest]bool, error) {
	out := make(map[types.Digest]bool, len(digests))
	err := c.db.View(func(txn *badger.Txn) error {
		for _, d := range digests {
			_, err := txn.Get(chunkKey(d))
			switch {
			case err == nil:
				out[d] = true
			case errors.Is(err, badger.ErrKeyNotFound):
				out[d] = false
			default:
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check chunk cache: %w", err)
	}
	return out, nil
}

// Purge deletes the chunks of digests no scope references any more
func (c *cache) Purge(ctx context.Context, digests []types.Digest) (int, error) {
	if len(digests) == 0 {
		return 0, nil
	}
	counts, err := c.refs.RefCounts(ctx, Name, digests)
	if err != nil {
		return 0, fmt.Errorf("failed to read refcounts: %w", err)
	}

	deleted := 0
	err = c.db.Update(func(txn *badger.Txn) error {
		for _, d := range digests {
			if counts[d] > 0 {
				continue
			}
			if _, err := txn.Get(chunkKey(d)); errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err := txn.Delete(chunkKey(d)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge chunks: %w", err)
	}
	return deleted, nil
}

// Sweep deletes every cached digest without references and compacts the
// value log
func (c *cache) Sweep(ctx context.Context) (int, error) {
	var digests []types.Digest
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(chunkPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			d, err := types.ParseDigest(strings.TrimPrefix(string(it.Item().Key()), chunkPrefix))
			if err != nil {
				c.log.Warn().Str("key", string(it.Item().Key())).Msg("skipping malformed chunk key")
				continue
			}
			digests = append(digests, d)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan chunk cache: %w", err)
	}

	n, err := c.Purge(ctx, digests)
	if err != nil {
		return n, err
	}
	if n > 0 && !c.inMemory {
		if err := c.db.RunValueLogGC(gcDiscardRatio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
			c.log.Warn().Err(err).Msg("value log GC failed")
		}
	}
	return n, nil
}

// Tag points the scope's tag keys at the items' digests
func (c *cache) Tag(ctx context.Context, scope types.Scope, items []types.PathAndDigest) error {
	wb := c.db.NewWriteBatch()
	defer wb.Cancel()
	for _, it := range items {
		if err := wb.Set(tagKey(scope, it.Path), []byte(it.Digest.String())); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// Untag removes tag keys that still point at the items' digests
func (c *cache) Untag(ctx context.Context, scope types.Scope, items []types.PathAndDigest) error {
	return c.db.Update(func(txn *badger.Txn) error {
		for _, it := range items {
			key := tagKey(scope, it.Path)
			item, err := txn.Get(key)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if string(val) != it.Digest.String() {
				continue
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// ClearScope drops every tag key of scope
func (c *cache) ClearScope(ctx context.Context, scope types.Scope) error {
	return c.db.DropPrefix(scopePrefix(scope))
}

func (c *cache) lookup(scope types.Scope, path string) ([]*types.Chunk, error) {
	var chunks []*types.Chunk
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(tagKey(scope, path))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotCached, path)
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		d, err := types.ParseDigest(string(val))
		if err != nil {
			return err
		}

		item, err = txn.Get(chunkKey(d))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotCached, path)
		}
		if err != nil {
			return err
		}
		return item.Value(func(data []byte) error {
			return json.Unmarshal(data, &chunks)
		})
	})
	return chunks, err
}

func (c *cache) Close() error {
	return c.db.Close()
}
