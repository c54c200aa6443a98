package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// ComputeFunc produces the value for a key
type ComputeFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

// Precomputed is a bounded cache that starts computing a value as soon as its
// key is registered instead of waiting for the first read. Concurrent requests
// for the same key share one in-flight computation.
type Precomputed[K comparable, V any] struct {
	values  *LRU[K, V]
	compute ComputeFunc[K, V]
	keyFn   func(K) string
	flight  singleflight.Group

	// keys tracks keys with a computation running. An entry is dropped once
	// its last computation settles.
	mu     sync.Mutex
	keys   map[K]*keyState
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	computations atomic.Int64
}

type keyState struct {
	gen     uint64
	running int
}

// PrecomputedOption configures a Precomputed cache
type PrecomputedOption[K comparable, V any] func(*Precomputed[K, V])

// WithKeyFunc sets how keys are rendered for single-flight grouping.
// The default is fmt.Sprint.
func WithKeyFunc[K comparable, V any](fn func(K) string) PrecomputedOption[K, V] {
	return func(p *Precomputed[K, V]) {
		p.keyFn = fn
	}
}

// NewPrecomputed creates a cache of at most size values produced by compute
func NewPrecomputed[K comparable, V any](size int, compute ComputeFunc[K, V], opts ...PrecomputedOption[K, V]) (*Precomputed[K, V], error) {
	values, err := NewLRU[K, V](size)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Precomputed[K, V]{
		values:  values,
		compute: compute,
		keyFn:   func(k K) string { return fmt.Sprint(k) },
		keys:    make(map[K]*keyState),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Register starts computing key in the background unless a value is cached
// or a computation is already running
func (p *Precomputed[K, V]) Register(key K) {
	if p.values.Contains(key) {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.wg.Done()
		_, _ = p.load(p.ctx, key)
	}()
}

// Get returns the value for key, marking it most recently used. A miss joins
// the in-flight computation for key or starts one.
func (p *Precomputed[K, V]) Get(ctx context.Context, key K) (V, error) {
	if v, ok := p.values.Promote(key); ok {
		return v, nil
	}
	return p.load(ctx, key)
}

// Peek returns a cached value without computing or promoting
func (p *Precomputed[K, V]) Peek(key K) (V, bool) {
	return p.values.Get(key)
}

// Invalidate drops the cached value. A computation already running for key
// finishes but its result is not stored.
func (p *Precomputed[K, V]) Invalidate(key K) {
	p.mu.Lock()
	if st, ok := p.keys[key]; ok {
		st.gen++
	}
	p.mu.Unlock()
	p.values.Remove(key)
	p.flight.Forget(p.keyFn(key))
}

// Computations returns how many times compute has been called
func (p *Precomputed[K, V]) Computations() int64 {
	return p.computations.Load()
}

// Len returns the number of cached values
func (p *Precomputed[K, V]) Len() int {
	return p.values.Len()
}

// Close cancels background computations and waits for them
func (p *Precomputed[K, V]) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}

func (p *Precomputed[K, V]) load(ctx context.Context, key K) (V, error) {
	var zero V

	ch := p.flight.DoChan(p.keyFn(key), func() (any, error) {
		// Double-check inside the flight
		if v, ok := p.values.Get(key); ok {
			return v, nil
		}

		st, gen := p.begin(key)
		p.computations.Add(1)

		// Shared work runs on the cache lifetime so one caller giving up
		// does not fail the others
		v, err := p.compute(p.ctx, key)

		p.mu.Lock()
		defer p.mu.Unlock()
		st.running--
		if st.running == 0 {
			delete(p.keys, key)
		}
		if err != nil {
			return nil, err
		}
		if st.gen == gen {
			p.values.Set(key, v)
		}
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, ok := res.Val.(V)
		if !ok {
			return zero, fmt.Errorf("unexpected type from precompute flight: got %T", res.Val)
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// begin records a computation of key and returns the generation it must
// still match to store its result
func (p *Precomputed[K, V]) begin(key K) (*keyState, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.keys[key]
	if !ok {
		st = &keyState{}
		p.keys[key] = st
	}
	st.running++
	return st, st.gen
}
