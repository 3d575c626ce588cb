package cache

import (
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
)

// Backend defines interface for a Backend
//
//go:generate mockery
type Backend[K ristretto.Key, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V) bool
	Del(key K)
	Clear()
	Wait()
}

// ristrettoCacheBackend is a RistrettoCache implemenentation of Backend
type ristrettoCacheBackend[K ristretto.Key, V any] struct {
	c *ristretto.Cache[K, V]
}

// Get a value from the cache
func (rcb *ristrettoCacheBackend[K, V]) Get(key K) (V, bool) { //nolint:ireturn
	return rcb.c.Get(key)
}

// Set a value in the cache
func (rcb *ristrettoCacheBackend[K, V]) Set(key K, value V) bool {
	return rcb.c.Set(key, value, 1)
}

// Del removes a value from the cache
func (rcb *ristrettoCacheBackend[K, V]) Del(key K) {
	rcb.c.Del(key)
}

// Clear empties the cache
func (rcb *ristrettoCacheBackend[K, V]) Clear() {
	rcb.c.Clear()
}

// Wait blocks until buffered writes have been applied
func (rcb *ristrettoCacheBackend[K, V]) Wait() {
	rcb.c.Wait()
}

// NewRistrettoCacheBackend construct an instance of a ristrettoCacheBackend holding at most maxItems entries.
func NewRistrettoCacheBackend[K ristretto.Key, V any](maxItems int64) (*ristrettoCacheBackend[K, V], error) {
	if maxItems <= 0 {
		maxItems = 1 << 20
	}
	cache, err := ristretto.NewCache(
		&ristretto.Config[K, V]{
			NumCounters:        maxItems * 10,
			MaxCost:            maxItems,
			BufferItems:        64,
			IgnoreInternalCost: true,
		})
	if err != nil {
		return nil, fmt.Errorf("error initialising ristretto cache: %w", err)
	}
	return &ristrettoCacheBackend[K, V]{c: cache}, nil
}

// HandleCache is a write-through cache keyed by store handle.
// Entries are only stored after the durable write succeeded.
// A fill that started before an eviction is dropped, so a removed handle is never cached again.
type HandleCache[V any] struct {
	cacheBackend Backend[int64, V]
	mu           sync.Mutex
	version      func(V) uint64
	evictions    uint64
}

// NewHandleCache constructs a new HandleCache
func NewHandleCache[V any](backend Backend[int64, V]) *HandleCache[V] {
	return &HandleCache[V]{
		cacheBackend: backend,
	}
}

// NewVersionedHandleCache constructs a HandleCache that never replaces an entry with an older version.
func NewVersionedHandleCache[V any](backend Backend[int64, V], version func(V) uint64) *HandleCache[V] {
	return &HandleCache[V]{
		cacheBackend: backend,
		version:      version,
	}
}

func (c *HandleCache[V]) epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}

// set caches v unless an eviction happened since epoch was taken.
func (c *HandleCache[V]) set(key int64, v V, epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.evictions != epoch {
		return
	}
	if c.version != nil {
		if cur, ok := c.cacheBackend.Get(key); ok && c.version(cur) > c.version(v) {
			return
		}
	}
	c.cacheBackend.Set(key, v)
	c.cacheBackend.Wait()
}

// Store writes v to the durable store through write and caches it on success.
// The cached entry is evicted when write fails.
func (c *HandleCache[V]) Store(key int64, write func() (V, error)) (V, error) {
	epoch := c.epoch()
	v, err := write()
	if err != nil {
		c.Evict(key)
		var zero V
		return zero, err
	}
	c.set(key, v, epoch)
	return v, nil
}

// Evict removes a handle from the cache.
func (c *HandleCache[V]) Evict(key int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictions++
	c.cacheBackend.Del(key)
}

// Clear removes every entry.
func (c *HandleCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictions++
	c.cacheBackend.Clear()
}

// Cacheable makes a function cacheable by the given key
//
//nolint:ireturn
func Cacheable[V any](key int64, fn func() (V, error), c *HandleCache[V]) (V, error) {
	var val V
	tmpVal, cacheHit := c.cacheBackend.Get(key)
	if !cacheHit {
		epoch := c.epoch()
		retrievedVal, err := fn()
		if err != nil {
			return val, fmt.Errorf("error retrieving cacheable value for key %v: %w", key, err)
		}
		c.set(key, retrievedVal, epoch)
		val = retrievedVal
	} else {
		val = tmpVal
	}
	return val, nil
}
