package alloc

import "sync"

// Cache defaults.
const (
	DefaultTinyCacheSize           = 512
	DefaultSmallCacheSize          = 256
	DefaultNormalCacheSize         = 64
	DefaultMaxCachedBufferCapacity = 32 * 1024
	DefaultCacheTrimInterval       = 8192
)

// CacheConfig sizes the buckets of a ThreadCache. A zero size disables that
// category.
type CacheConfig struct {
	TinyCacheSize           int
	SmallCacheSize          int
	NormalCacheSize         int
	MaxCachedBufferCapacity int // largest normal size cached
	TrimInterval            int // cache allocations between trims; 0 disables
}

// DefaultCacheConfig returns the default bucket sizes.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TinyCacheSize:           DefaultTinyCacheSize,
		SmallCacheSize:          DefaultSmallCacheSize,
		NormalCacheSize:         DefaultNormalCacheSize,
		MaxCachedBufferCapacity: DefaultMaxCachedBufferCapacity,
		TrimInterval:            DefaultCacheTrimInterval,
	}
}

type cacheEntry struct {
	chunk  *Chunk
	handle int64
}

// cacheBucket is a bounded LIFO of freed handles of one normalized size.
type cacheBucket struct {
	cat         Category
	size        int
	capacity    int
	entries     []cacheEntry
	allocations int
}

func newCacheBucket(cat Category, size, capacity int) *cacheBucket {
	return &cacheBucket{cat: cat, size: size, capacity: capacity}
}

func (b *cacheBucket) push(c *Chunk, handle int64) bool {
	if len(b.entries) >= b.capacity {
		return false
	}
	b.entries = append(b.entries, cacheEntry{chunk: c, handle: handle})
	return true
}

func (b *cacheBucket) pop() (cacheEntry, bool) {
	n := len(b.entries)
	if n == 0 {
		return cacheEntry{}, false
	}
	e := b.entries[n-1]
	b.entries[n-1] = cacheEntry{}
	b.entries = b.entries[:n-1]
	b.allocations++
	return e, true
}

// trim frees the entries the bucket did not need since the last trim,
// oldest first.
func (b *cacheBucket) trim() int {
	n := min(b.capacity-b.allocations, len(b.entries))
	b.allocations = 0
	if n <= 0 {
		return 0
	}
	b.release(b.entries[:n])
	rest := copy(b.entries, b.entries[n:])
	clear(b.entries[rest:])
	b.entries = b.entries[:rest]
	return n
}

func (b *cacheBucket) releaseAll() int {
	n := len(b.entries)
	b.release(b.entries)
	clear(b.entries)
	b.entries = b.entries[:0]
	return n
}

func (b *cacheBucket) release(entries []cacheEntry) {
	for _, e := range entries {
		e.chunk.arena.freeChunk(e.chunk, e.handle, b.cat)
	}
}

// arenaCache holds the buckets for one arena.
type arenaCache struct {
	arena  *Arena
	tiny   []*cacheBucket
	small  []*cacheBucket
	normal []*cacheBucket
}

func newArenaCache(a *Arena, cfg CacheConfig) *arenaCache {
	if a == nil {
		return nil
	}
	t := a.table
	ac := &arenaCache{arena: a}
	if cfg.TinyCacheSize > 0 {
		ac.tiny = make([]*cacheBucket, NumTinyPools)
		for i := 1; i < NumTinyPools; i++ {
			ac.tiny[i] = newCacheBucket(Tiny, i*tinyStep, cfg.TinyCacheSize)
		}
	}
	if cfg.SmallCacheSize > 0 {
		ac.small = make([]*cacheBucket, t.numSmall)
		for i := range ac.small {
			ac.small[i] = newCacheBucket(Small, smallMin<<i, cfg.SmallCacheSize)
		}
	}
	if cfg.NormalCacheSize > 0 && cfg.MaxCachedBufferCapacity >= t.pageSize {
		maxCached := min(cfg.MaxCachedBufferCapacity, t.chunkSize)
		ac.normal = make([]*cacheBucket, log2(maxCached/t.pageSize)+1)
		for i := range ac.normal {
			ac.normal[i] = newCacheBucket(Normal, t.pageSize<<i, cfg.NormalCacheSize)
		}
	}
	return ac
}

func (ac *arenaCache) bucket(sc SizeClass) *cacheBucket {
	var (
		list []*cacheBucket
		idx  int
	)
	switch sc.Category {
	case Tiny:
		list, idx = ac.tiny, tinyIdx(sc.Size)
	case Small:
		list, idx = ac.small, smallIdx(sc.Size)
	case Normal:
		list, idx = ac.normal, ac.arena.table.normalIdx(sc.Size)
	default:
		return nil
	}
	if idx < 0 || idx >= len(list) {
		return nil
	}
	return list[idx]
}

func (ac *arenaCache) each(fn func(*cacheBucket)) {
	for _, list := range [][]*cacheBucket{ac.tiny, ac.small, ac.normal} {
		for _, b := range list {
			if b != nil {
				fn(b)
			}
		}
	}
}

// ThreadCache keeps recently freed handles for reuse without taking the
// arena lock. It is meant to be owned by one goroutine at a time: the owner
// allocates through it, while frees from any goroutine are accepted only when
// the cache is not busy and otherwise go straight to the arena.
type ThreadCache struct {
	mu           sync.Mutex
	heap         *arenaCache
	direct       *arenaCache
	trimInterval int
	allocations  int
	freed        bool
}

// NewThreadCache binds a cache to a heap arena and a direct arena. Either
// may be nil.
func NewThreadCache(heap, direct *Arena, cfg CacheConfig) *ThreadCache {
	c := &ThreadCache{
		heap:         newArenaCache(heap, cfg),
		direct:       newArenaCache(direct, cfg),
		trimInterval: cfg.TrimInterval,
	}
	if heap != nil {
		heap.numThreadCaches.Add(1)
	}
	if direct != nil {
		direct.numThreadCaches.Add(1)
	}
	return c
}

// HeapArena returns the heap arena the cache is bound to.
func (c *ThreadCache) HeapArena() *Arena {
	if c.heap == nil {
		return nil
	}
	return c.heap.arena
}

// DirectArena returns the direct arena the cache is bound to.
func (c *ThreadCache) DirectArena() *Arena {
	if c.direct == nil {
		return nil
	}
	return c.direct.arena
}

func (c *ThreadCache) cacheFor(a *Arena) *arenaCache {
	switch {
	case c.heap != nil && c.heap.arena == a:
		return c.heap
	case c.direct != nil && c.direct.arena == a:
		return c.direct
	}
	return nil
}

func (c *ThreadCache) allocate(a *Arena, sc SizeClass) (Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freed {
		return Handle{}, false
	}
	ac := c.cacheFor(a)
	if ac == nil {
		return Handle{}, false
	}
	b := ac.bucket(sc)
	if b == nil {
		return Handle{}, false
	}
	e, ok := b.pop()
	if c.allocations++; c.trimInterval > 0 && c.allocations >= c.trimInterval {
		c.allocations = 0
		c.trimLocked()
	}
	if !ok {
		return Handle{}, false
	}
	h := e.chunk.handleFor(e.handle)
	h.cache = c
	return h, true
}

// add offers a freed handle to the cache. It reports false if the cache is
// busy, released, full for that size, or not bound to a.
func (c *ThreadCache) add(a *Arena, chunk *Chunk, handle int64, sc SizeClass) bool {
	if !c.mu.TryLock() {
		return false
	}
	defer c.mu.Unlock()
	if c.freed {
		return false
	}
	ac := c.cacheFor(a)
	if ac == nil {
		return false
	}
	b := ac.bucket(sc)
	return b != nil && b.push(chunk, handle)
}

// Trim releases entries that went unused since the previous trim and
// returns how many were released.
func (c *ThreadCache) Trim() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trimLocked()
}

func (c *ThreadCache) trimLocked() int {
	n := 0
	for _, ac := range []*arenaCache{c.heap, c.direct} {
		if ac != nil {
			ac.each(func(b *cacheBucket) { n += b.trim() })
		}
	}
	return n
}

// Free releases every cached entry back to its arena and unbinds the cache.
// Later frees bypass it. Free is idempotent and returns the number of
// entries released.
func (c *ThreadCache) Free() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freed {
		return 0
	}
	c.freed = true
	n := 0
	for _, ac := range []*arenaCache{c.heap, c.direct} {
		if ac == nil {
			continue
		}
		ac.each(func(b *cacheBucket) { n += b.releaseAll() })
		ac.arena.numThreadCaches.Add(-1)
	}
	return n
}

// Freed reports whether Free has been called.
func (c *ThreadCache) Freed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freed
}

// Len returns the number of cached entries.
func (c *ThreadCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ac := range []*arenaCache{c.heap, c.direct} {
		if ac != nil {
			ac.each(func(b *cacheBucket) { n += len(b.entries) })
		}
	}
	return n
}
