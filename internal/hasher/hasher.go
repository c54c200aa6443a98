// Package hasher computes content digests for walked files.
//
// Every file is hashed by default. With TrustMetadata enabled, a file whose
// size and modification time match the last hash is reused, but only when
// that modification time is safely older than the moment the hash was
// recorded; a file modified within RacyWindow of its last hash is always
// re-read, since a same-second rewrite would keep the metadata unchanged.
package hasher

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/tagindex/internal/cache"
	"github.com/dshills/tagindex/internal/walker"
	"github.com/dshills/tagindex/pkg/types"
)

const (
	// DefaultRacyWindow is the margin applied to modification times
	DefaultRacyWindow = 2 * time.Second
	// DefaultCacheSize bounds the remembered file metadata
	DefaultCacheSize = 50_000
)

// Config configures a Hasher
type Config struct {
	TrustMetadata bool
	RacyWindow    time.Duration
	CacheSize     int
	Workers       int
}

type statEntry struct {
	size       int64
	modTime    time.Time
	digest     types.Digest
	recordedAt time.Time
}

// Hasher produces content digests, optionally skipping unchanged files
type Hasher struct {
	cfg   Config
	stats *cache.LRU[string, statEntry]
	now   func() time.Time

	hashed   atomic.Int64
	fastHits atomic.Int64
}

// New creates a Hasher
func New(cfg Config) (*Hasher, error) {
	if cfg.RacyWindow <= 0 {
		cfg.RacyWindow = DefaultRacyWindow
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	stats, err := cache.NewLRU[string, statEntry](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Hasher{cfg: cfg, stats: stats, now: time.Now}, nil
}

// HashFile streams a file through SHA-256
func HashFile(path string) (types.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.Digest{}, err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return types.Digest{}, fmt.Errorf("read %s: %w", path, err)
	}
	var d types.Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

// Digest returns the digest of f
func (h *Hasher) Digest(f walker.File) (types.Digest, error) {
	if h.cfg.TrustMetadata {
		if e, ok := h.stats.Get(f.AbsPath); ok && h.unchanged(e, f) {
			h.fastHits.Add(1)
			return e.digest, nil
		}
	}

	recordedAt := h.now()
	d, err := HashFile(f.AbsPath)
	if err != nil {
		return types.Digest{}, err
	}
	h.hashed.Add(1)
	h.stats.Set(f.AbsPath, statEntry{
		size:       f.Size,
		modTime:    f.ModTime,
		digest:     d,
		recordedAt: recordedAt,
	})
	return d, nil
}

func (h *Hasher) unchanged(e statEntry, f walker.File) bool {
	if e.size != f.Size || !e.modTime.Equal(f.ModTime) {
		return false
	}
	// Ambiguous: the file may have changed again within the same tick
	return f.ModTime.Before(e.recordedAt.Add(-h.cfg.RacyWindow))
}

// Hashed is one HashAll outcome
type Hashed struct {
	File   walker.File
	Digest types.Digest
	Err    error
}

// HashAll digests files with a bounded worker pool. Per-file errors are
// returned in the result; only cancellation aborts.
func (h *Hasher) HashAll(ctx context.Context, files []walker.File) ([]Hashed, error) {
	out := make([]Hashed, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.cfg.Workers)

	for i := range files {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			d, err := h.Digest(files[i])
			out[i] = Hashed{File: files[i], Digest: d, Err: err}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Forget drops remembered metadata for a file
func (h *Hasher) Forget(absPath string) {
	h.stats.Remove(absPath)
}

// Counts returns how many files were hashed and how many reused metadata
func (h *Hasher) Counts() (hashed, fastHits int64) {
	return h.hashed.Load(), h.fastHits.Load()
}
