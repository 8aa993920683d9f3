package storage

import (
	"sync"

	"github.com/golang/groupcache/lru"
)

// CachePolicy selects the eviction behavior of a store's object cache.
type CachePolicy string

const (
	// CacheUnbounded keeps every loaded object alive.
	CacheUnbounded CachePolicy = "unbounded"
	// CacheLRU keeps a bounded number of objects, evicting the least
	// recently used. Eviction is transparent: a later load re-reads from
	// the backing file.
	CacheLRU CachePolicy = "lru"
	// CacheNone disables caching. Cycles within one load pass still
	// resolve through the store's in-flight pins, but without residency
	// separate loads of the same index return distinct instances, so this
	// suits only leaf types that are never referenced by others.
	CacheNone CachePolicy = "none"
)

// Cache maps store indices to live objects. Implementations may drop
// entries at any time; correctness does not depend on residency.
type Cache interface {
	Get(idx int) (Storable, bool)
	Put(idx int, obj Storable)
	Remove(idx int)
	Len() int
	Clear()
}

// NewCache builds a cache for the given policy. size only applies to
// CacheLRU.
func NewCache(policy CachePolicy, size int) Cache {
	switch policy {
	case CacheNone:
		return nopCache{}
	case CacheLRU:
		return &lruCache{c: lru.New(size)}
	default:
		return &mapCache{m: map[int]Storable{}}
	}
}

type nopCache struct{}

func (nopCache) Get(int) (Storable, bool) { return nil, false }
func (nopCache) Put(int, Storable)        {}
func (nopCache) Remove(int)               {}
func (nopCache) Len() int                 { return 0 }
func (nopCache) Clear()                   {}

// mapCache is the unbounded policy.
type mapCache struct {
	mu sync.RWMutex
	m  map[int]Storable
}

func (c *mapCache) Get(idx int) (Storable, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	obj, ok := c.m[idx]
	return obj, ok
}

func (c *mapCache) Put(idx int, obj Storable) {
	c.mu.Lock()
	c.m[idx] = obj
	c.mu.Unlock()
}

func (c *mapCache) Remove(idx int) {
	c.mu.Lock()
	delete(c.m, idx)
	c.mu.Unlock()
}

func (c *mapCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

func (c *mapCache) Clear() {
	c.mu.Lock()
	c.m = map[int]Storable{}
	c.mu.Unlock()
}

// lruCache wraps groupcache's LRU, which is not safe for concurrent use.
type lruCache struct {
	mu sync.Mutex
	c  *lru.Cache
}

func (c *lruCache) Get(idx int) (Storable, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.c.Get(idx)
	if !ok {
		return nil, false
	}
	return v.(Storable), true
}

func (c *lruCache) Put(idx int, obj Storable) {
	c.mu.Lock()
	c.c.Add(idx, obj)
	c.mu.Unlock()
}

func (c *lruCache) Remove(idx int) {
	c.mu.Lock()
	c.c.Remove(idx)
	c.mu.Unlock()
}

func (c *lruCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.c.Len()
}

func (c *lruCache) Clear() {
	c.mu.Lock()
	c.c.Clear()
	c.mu.Unlock()
}
