package cache

import (
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrInvalidSize is returned for non-positive capacities
var ErrInvalidSize = errors.New("cache size must be positive")

// LRU is a bounded key/value cache with a recency order.
//
// Reads come in two flavours: Get is a cold read that leaves the recency order
// alone, Promote reads and marks the entry most recently used. Set always
// makes the entry most recently used. When full, Set evicts the least
// recently used entry.
//
// LRU is safe for concurrent use.
type LRU[K comparable, V any] struct {
	cache *lru.Cache[K, V]
}

// NewLRU creates an LRU holding at most size entries
func NewLRU[K comparable, V any](size int) (*LRU[K, V], error) {
	return NewLRUWithEvict[K, V](size, nil)
}

// NewLRUWithEvict creates an LRU that calls onEvict for every entry pushed out
// by capacity or removed explicitly
func NewLRUWithEvict[K comparable, V any](size int, onEvict func(K, V)) (*LRU[K, V], error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	c, err := lru.NewWithEvict[K, V](size, onEvict)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &LRU[K, V]{cache: c}, nil
}

// Get returns the value for key without changing its recency
func (c *LRU[K, V]) Get(key K) (V, bool) {
	return c.cache.Peek(key)
}

// Promote returns the value for key and moves it to most recently used
func (c *LRU[K, V]) Promote(key K) (V, bool) {
	return c.cache.Get(key)
}

// Contains reports presence without changing recency
func (c *LRU[K, V]) Contains(key K) bool {
	return c.cache.Contains(key)
}

// Set stores value as most recently used and reports whether an entry was evicted
func (c *LRU[K, V]) Set(key K, value V) bool {
	return c.cache.Add(key, value)
}

// Remove deletes key and reports whether it was present
func (c *LRU[K, V]) Remove(key K) bool {
	return c.cache.Remove(key)
}

// Keys returns keys from least to most recently used
func (c *LRU[K, V]) Keys() []K {
	return c.cache.Keys()
}

// Len returns the number of entries
func (c *LRU[K, V]) Len() int {
	return c.cache.Len()
}

// Purge removes every entry
func (c *LRU[K, V]) Purge() {
	c.cache.Purge()
}
