// Package embeddings is the vector-embedding backend. It chunks files,
// embeds the chunks through a remote-compute client in batches, and stores
// chunks and vectors keyed by content digest.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/tagindex/internal/backend"
	"github.com/dshills/tagindex/internal/chunker"
	"github.com/dshills/tagindex/internal/embedder"
	"github.com/dshills/tagindex/internal/storage"
	"github.com/dshills/tagindex/pkg/types"
)

// Name is the backend name recorded in the catalog
const Name = "embeddings"

// Store is the slice of storage the backend writes to
type Store interface {
	backend.PayloadStore
	SaveVectorPayload(ctx context.Context, payload *storage.VectorPayload) error
}

// Config configures the embeddings backend
type Config struct {
	Store    Store
	Embedder embedder.Embedder
	Chunker  *chunker.Chunker

	// BatchSize is how many files are checkpointed together
	BatchSize int
	// Workers bounds concurrent file reads and parses (default: runtime.NumCPU())
	Workers int

	Gate     *backend.Gate
	Logger   zerolog.Logger
	Observer backend.Observer
}

// New creates the embeddings backend
func New(cfg Config) (*backend.Driver, error) {
	if cfg.Store == nil {
		return nil, errors.New("embeddings: store is required")
	}
	if cfg.Embedder == nil {
		return nil, errors.New("embeddings: embedder is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}

	w := &worker{
		SQLPayloads: backend.SQLPayloads{Store: cfg.Store, Kind: storage.PayloadVectors, Backend: Name},
		store:       cfg.Store,
		emb:         cfg.Embedder,
		prep:        backend.NewPreparer(cfg.Chunker),
		workers:     cfg.Workers,
		log:         cfg.Logger.With().Str("backend", Name).Logger(),
	}
	return backend.NewDriver(backend.DriverConfig{
		Name:       Name,
		BatchSize:  cfg.BatchSize,
		PayloadRef: cfg.Embedder.Provider() + "/" + cfg.Embedder.Model(),
		Gate:       cfg.Gate,
		Logger:     cfg.Logger,
		Observer:   cfg.Observer,
	}, w), nil
}

type worker struct {
	backend.SQLPayloads
	store   Store
	emb     embedder.Embedder
	prep    *backend.Preparer
	workers int
	log     zerolog.Logger
}

// textRef locates one chunk text within a compute call
type textRef struct {
	item  int
	chunk int
}

// Compute embeds and stores the payloads of items. Failures are isolated
// per item: a batch rejected by the provider is split until the rejected
// texts are found.
func (w *worker) Compute(ctx context.Context, items []types.PathAndDigest) []error {
	errs := make([]error, len(items))
	prepared := w.prepareAll(ctx, items, errs)

	var (
		texts []string
		refs  []textRef
	)
	vectors := make([][][]float32, len(items))
	for i, p := range prepared {
		if p == nil {
			continue
		}
		vectors[i] = make([][]float32, len(p.Chunks))
		for j, c := range p.Chunks {
			texts = append(texts, c.FullContent())
			refs = append(refs, textRef{item: i, chunk: j})
		}
	}

	maxBatch := w.emb.MaxBatchSize()
	if maxBatch <= 0 {
		maxBatch = embedder.DefaultMaxBatchSize
	}
	for start := 0; start < len(texts); start += maxBatch {
		end := min(start+maxBatch, len(texts))
		w.embed(ctx, texts[start:end], refs[start:end], vectors, errs)
	}

	for i, p := range prepared {
		if p == nil || errs[i] != nil {
			continue
		}
		payload := &storage.VectorPayload{
			Digest:   p.Item.Digest,
			Chunks:   p.Chunks,
			Vectors:  vectors[i],
			Provider: w.emb.Provider(),
			Model:    w.emb.Model(),
		}
		if err := w.store.SaveVectorPayload(ctx, payload); err != nil {
			errs[i] = fmt.Errorf("failed to save vectors: %w", err)
		}
	}
	return errs
}

func (w *worker) prepareAll(ctx context.Context, items []types.PathAndDigest, errs []error) []*backend.Prepared {
	prepared := make([]*backend.Prepared, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.workers)
	for i, it := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			p, err := w.prep.Prepare(it)
			if err != nil {
				errs[i] = err
				return nil
			}
			prepared[i] = p
			return nil
		})
	}
	_ = g.Wait()
	return prepared
}

// embed fills vectors for one provider batch. A permanent rejection of a
// multi-text batch is bisected so only the offending items fail.
func (w *worker) embed(ctx context.Context, texts []string, refs []textRef, vectors [][][]float32, errs []error) {
	pending := make([]int, 0, len(refs))
	for k, r := range refs {
		if errs[r.item] == nil {
			pending = append(pending, k)
		}
	}
	if len(pending) == 0 {
		return
	}
	if len(pending) < len(refs) {
		texts, refs = subset(texts, pending), subsetRefs(refs, pending)
	}

	resp, err := w.emb.GenerateBatch(ctx, embedder.BatchEmbeddingRequest{Texts: texts})
	if err == nil && len(resp.Embeddings) != len(texts) {
		err = &types.PermanentItemError{Err: fmt.Errorf("provider returned %d embeddings for %d texts", len(resp.Embeddings), len(texts))}
	}
	if err == nil {
		for k, r := range refs {
			vectors[r.item][r.chunk] = resp.Embeddings[k].Vector
		}
		return
	}

	if types.IsPermanent(err) && len(texts) > 1 {
		mid := len(texts) / 2
		w.log.Debug().Int("texts", len(texts)).Msg("batch rejected, bisecting")
		w.embed(ctx, texts[:mid], refs[:mid], vectors, errs)
		w.embed(ctx, texts[mid:], refs[mid:], vectors, errs)
		return
	}

	for _, r := range refs {
		if errs[r.item] == nil {
			errs[r.item] = err
		}
	}
}

func subset(texts []string, idx []int) []string {
	out := make([]string, len(idx))
	for i, k := range idx {
		out[i] = texts[k]
	}
	return out
}

func subsetRefs(refs []textRef, idx []int) []textRef {
	out := make([]textRef, len(idx))
	for i, k := range idx {
		out[i] = refs[k]
	}
	return out
}

// Close releases the embedder
func (w *worker) Close() error {
	return w.emb.Close()
}
