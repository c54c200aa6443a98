package backend

import (
	"context"
	"fmt"
	"io"
	"iter"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dshills/tagindex/pkg/types"
)

// DefaultBatchSize is how many items a driver applies per checkpoint
const DefaultBatchSize = 200

// Worker does the storage-specific part of a backend
type Worker interface {
	// Compute produces and persists payloads keyed by digest. The returned
	// slice is aligned with items; a nil entry means the payload is stored.
	Compute(ctx context.Context, items []types.PathAndDigest) []error
	// Present reports which digests have a stored payload
	Present(ctx context.Context, digests []types.Digest) (map[types.Digest]bool, error)
	Purger
}

// Tagger is implemented by workers that keep scope associations of their own
type Tagger interface {
	Tag(ctx context.Context, scope types.Scope, items []types.PathAndDigest) error
	Untag(ctx context.Context, scope types.Scope, items []types.PathAndDigest) error
}

// Observer receives counters from drivers
type Observer interface {
	BucketItems(backend string, kind types.BucketKind, n int)
	ItemFailed(backend string, transient bool)
	ArtifactsDeleted(backend string, n int)
}

// DriverConfig configures a Driver
type DriverConfig struct {
	Name       string
	BatchSize  int
	PayloadRef string
	Gate       *Gate
	Logger     zerolog.Logger
	Observer   Observer
}

// Driver turns a Worker into a Backend. It walks the buckets in order,
// isolates per-item failures as warnings, checkpoints each batch and purges
// payloads whose last reference was released once the update ends.
type Driver struct {
	cfg    DriverConfig
	worker Worker

	// payloadMu is held shared by an adding batch from its payload check or
	// compute until its checkpoint, and exclusively by purges. A purge
	// therefore sees the artifact row of every payload another scope has
	// already decided to reuse.
	payloadMu sync.RWMutex
}

// NewDriver creates a Driver
func NewDriver(cfg DriverConfig, w Worker) *Driver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	cfg.Logger = cfg.Logger.With().Str("backend", cfg.Name).Logger()
	return &Driver{cfg: cfg, worker: w}
}

func (d *Driver) Name() string { return d.cfg.Name }

// PayloadRef is recorded on the artifact rows this backend creates
func (d *Driver) PayloadRef() string { return d.cfg.PayloadRef }

// Purge discards payloads of unreferenced digests
func (d *Driver) Purge(ctx context.Context, digests []types.Digest) (int, error) {
	if len(digests) == 0 {
		return 0, nil
	}
	d.payloadMu.Lock()
	defer d.payloadMu.Unlock()
	n, err := d.worker.Purge(ctx, digests)
	if n > 0 && d.cfg.Observer != nil {
		d.cfg.Observer.ArtifactsDeleted(d.cfg.Name, n)
	}
	return n, err
}

// ClearScope drops the worker's own scope associations, if it keeps any
func (d *Driver) ClearScope(ctx context.Context, scope types.Scope) error {
	if c, ok := d.worker.(ScopeClearer); ok {
		return c.ClearScope(ctx, scope)
	}
	return nil
}

// Sweep removes orphaned payloads when the worker supports it
func (d *Driver) Sweep(ctx context.Context) (int, error) {
	if s, ok := d.worker.(Sweeper); ok {
		d.payloadMu.Lock()
		defer d.payloadMu.Unlock()
		return s.Sweep(ctx)
	}
	return 0, nil
}

// Close releases the worker's resources
func (d *Driver) Close() error {
	if c, ok := d.worker.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Update applies part for scope
func (d *Driver) Update(ctx context.Context, scope types.Scope, part *types.Partition, mark MarkFunc) iter.Seq[types.Progress] {
	return func(yield func(types.Progress) bool) {
		u := &update{
			d:       d,
			scope:   scope,
			mark:    mark,
			total:   part.Total(),
			dropped: make(map[types.Digest]struct{}),
			log:     d.cfg.Logger.With().Str("scope", scope.Key()).Logger(),
		}
		u.run(ctx, part, yield)
	}
}

type update struct {
	d     *Driver
	scope types.Scope
	mark  MarkFunc
	log   zerolog.Logger

	total int
	done  int

	dropped     map[types.Digest]struct{}
	droppedList []types.Digest
}

func (u *update) event(status types.Status, kind types.BucketKind, marked int, warnings []types.Warning) types.Progress {
	frac := 1.0
	if u.total > 0 {
		frac = float64(u.done) / float64(u.total)
	}
	return types.Progress{
		Scope:        u.scope,
		Backend:      u.d.cfg.Name,
		FractionDone: frac,
		Status:       status,
		Bucket:       kind,
		Marked:       marked,
		Warnings:     warnings,
		Description:  fmt.Sprintf("%d/%d items", u.done, u.total),
	}
}

func (u *update) run(ctx context.Context, part *types.Partition, yield func(types.Progress) bool) {
	// Payloads released by checkpoints are purged however the update ends
	defer u.purge(ctx)

	if !yield(u.event(types.StatusLoading, "", 0, nil)) {
		return
	}

	gate := u.d.cfg.Gate
	for _, kind := range types.BucketOrder {
		for _, batch := range Batches(part.Bucket(kind), u.d.cfg.BatchSize) {
			if gate.Paused() {
				if !yield(u.event(types.StatusPaused, kind, 0, nil)) {
					return
				}
			}
			if err := gate.Wait(ctx); err != nil {
				yield(u.cancelled())
				return
			}

			ev, err := u.apply(ctx, kind, batch)
			if err != nil {
				if ctx.Err() != nil {
					yield(u.cancelled())
					return
				}
				u.log.Error().Err(err).Str("bucket", string(kind)).Msg("backend update failed")
				failed := u.event(types.StatusFailed, kind, 0, nil)
				failed.Err = err
				yield(failed)
				return
			}
			if !yield(ev) {
				return
			}
		}
	}

	done := u.event(types.StatusDone, "", 0, nil)
	done.FractionDone = 1
	yield(done)
}

func (u *update) cancelled() types.Progress {
	ev := u.event(types.StatusCancelled, "", 0, nil)
	ev.Err = context.Canceled
	return ev
}

// apply runs one batch and checkpoints what succeeded. Work finished before
// a cancellation is still checkpointed.
func (u *update) apply(ctx context.Context, kind types.BucketKind, batch []types.PathAndDigest) (types.Progress, error) {
	var (
		ok       []types.PathAndDigest
		warnings []types.Warning
	)

	if kind.Adds() {
		u.d.payloadMu.RLock()
		defer u.d.payloadMu.RUnlock()
	}

	switch kind {
	case types.BucketCompute:
		ok, warnings = u.compute(ctx, kind, batch)
	case types.BucketAddTag:
		present, err := u.d.worker.Present(ctx, uniqueDigests(batch))
		if err != nil {
			return types.Progress{}, fmt.Errorf("failed to check payloads: %w", err)
		}
		var missing []types.PathAndDigest
		for _, it := range batch {
			if present[it.Digest] {
				ok = append(ok, it)
			} else {
				missing = append(missing, it)
			}
		}
		if len(missing) > 0 {
			u.log.Debug().Int("items", len(missing)).Msg("payload missing for add_tag, computing")
			computed, w := u.compute(ctx, kind, missing)
			ok = append(ok, computed...)
			warnings = append(warnings, w...)
		}
	default:
		ok = batch
	}

	markCtx := context.WithoutCancel(ctx)
	if tagger, isTagger := u.d.worker.(Tagger); isTagger && len(ok) > 0 {
		var err error
		if kind.Adds() {
			err = tagger.Tag(markCtx, u.scope, ok)
		} else {
			err = tagger.Untag(markCtx, u.scope, ok)
		}
		if err != nil {
			return types.Progress{}, fmt.Errorf("failed to update scope tags: %w", err)
		}
	}

	if len(ok) > 0 {
		res, err := u.mark(markCtx, kind, ok)
		if err != nil {
			return types.Progress{}, fmt.Errorf("failed to mark %s: %w", kind, err)
		}
		for _, d := range res.Dropped {
			if _, seen := u.dropped[d]; !seen {
				u.dropped[d] = struct{}{}
				u.droppedList = append(u.droppedList, d)
			}
		}
	}
	if obs := u.d.cfg.Observer; obs != nil {
		obs.BucketItems(u.d.cfg.Name, kind, len(ok))
	}

	if err := ctx.Err(); err != nil {
		return types.Progress{}, err
	}
	u.done += len(batch)
	return u.event(types.StatusIndexing, kind, len(ok), warnings), nil
}

// compute runs the worker and turns per-item errors into warnings
func (u *update) compute(ctx context.Context, kind types.BucketKind, items []types.PathAndDigest) ([]types.PathAndDigest, []types.Warning) {
	errs := u.d.worker.Compute(ctx, items)

	var (
		ok       []types.PathAndDigest
		warnings []types.Warning
	)
	for i, it := range items {
		var err error
		if i < len(errs) {
			err = errs[i]
		}
		if err == nil {
			ok = append(ok, it)
			continue
		}
		if types.IsCancellation(err) {
			continue
		}
		transient := types.IsTransient(err)
		warnings = append(warnings, types.Warning{
			Path:      it.Path,
			Digest:    it.Digest,
			Bucket:    kind,
			Message:   err.Error(),
			Transient: transient,
		})
		u.log.Warn().
			Err(err).
			Str("path", it.Path).
			Str("digest", it.Digest.Short()).
			Str("bucket", string(kind)).
			Bool("transient", transient).
			Msg("item skipped")
		if obs := u.d.cfg.Observer; obs != nil {
			obs.ItemFailed(u.d.cfg.Name, transient)
		}
	}
	return ok, warnings
}

func (u *update) purge(ctx context.Context) {
	if len(u.droppedList) == 0 {
		return
	}
	n, err := u.d.Purge(context.WithoutCancel(ctx), u.droppedList)
	if err != nil {
		// Left for the next orphan sweep
		u.log.Warn().Err(err).Int("digests", len(u.droppedList)).Msg("failed to purge payloads")
		return
	}
	u.log.Debug().Int("purged", n).Int("released", len(u.droppedList)).Msg("purged payloads")
}

func uniqueDigests(items []types.PathAndDigest) []types.Digest {
	seen := make(map[types.Digest]struct{}, len(items))
	out := make([]types.Digest, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it.Digest]; !ok {
			seen[it.Digest] = struct{}{}
			out = append(out, it.Digest)
		}
	}
	return out
}
