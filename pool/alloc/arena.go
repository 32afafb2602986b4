package alloc

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/bufkit/internal/mem"
)

const numCategories = int(Huge) + 1

// ArenaConfig configures NewArena.
type ArenaConfig struct {
	PageSize int          // 0 means DefaultPageSize
	MaxOrder int          // buddy tree depth; chunk size is PageSize << MaxOrder
	Direct   bool         // back chunks with memory outside the Go heap
	Logger   *slog.Logger // nil discards
}

// Arena coordinates allocation over a set of chunks.
//
// Chunk lists and subpage pools are guarded by one mutex. Counters are atomic
// so metrics can be read without the lock. An allocator shards work over
// several arenas and binds each cache to one of them.
type Arena struct {
	table  *SizeTable
	direct bool
	logger *slog.Logger

	mu         sync.Mutex
	tinyPools  []*subpage
	smallPools []*subpage

	qInit *chunkList
	q000  *chunkList
	q025  *chunkList
	q050  *chunkList
	q075  *chunkList
	q100  *chunkList
	lists []*chunkList

	allocations     [numCategories]atomic.Int64
	deallocations   [numCategories]atomic.Int64
	activeBytes     atomic.Int64
	numThreadCaches atomic.Int32
	destroyed       atomic.Bool // set under mu
}

// NewArena validates the geometry and returns an empty arena.
func NewArena(cfg ArenaConfig) (*Arena, error) {
	pageSize := cfg.PageSize
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	table, err := NewSizeTable(pageSize, cfg.MaxOrder)
	if err != nil {
		return nil, err
	}

	a := &Arena{
		table:      table,
		direct:     cfg.Direct,
		logger:     cfg.Logger,
		tinyPools:  make([]*subpage, NumTinyPools),
		smallPools: make([]*subpage, table.numSmall),
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	for i := range a.tinyPools {
		a.tinyPools[i] = newSubpageHead(pageSize)
	}
	for i := range a.smallPools {
		a.smallPools[i] = newSubpageHead(pageSize)
	}

	cs := table.chunkSize
	a.q100 = newChunkList(a, nil, 100, maxListUsage, cs)
	a.q075 = newChunkList(a, a.q100, 75, 100, cs)
	a.q050 = newChunkList(a, a.q075, 50, 100, cs)
	a.q025 = newChunkList(a, a.q050, 25, 75, cs)
	a.q000 = newChunkList(a, a.q025, 1, 50, cs)
	a.qInit = newChunkList(a, a.q000, initMinUsage, 25, cs)

	a.q100.prev = a.q075
	a.q075.prev = a.q050
	a.q050.prev = a.q025
	a.q025.prev = a.q000
	a.q000.prev = nil
	a.qInit.prev = a.qInit

	a.lists = []*chunkList{a.qInit, a.q000, a.q025, a.q050, a.q075, a.q100}
	return a, nil
}

// Table returns the arena's size table.
func (a *Arena) Table() *SizeTable { return a.table }

// Direct reports whether chunks live outside the Go heap.
func (a *Arena) Direct() bool { return a.direct }

// NumThreadCaches returns the number of caches bound to the arena.
func (a *Arena) NumThreadCaches() int { return int(a.numThreadCaches.Load()) }

// ActiveBytes returns the bytes held in chunks, including huge allocations.
func (a *Arena) ActiveBytes() int64 { return a.activeBytes.Load() }

// Allocate reserves at least reqCapacity bytes. cache may be nil; when set it
// is consulted first and recorded in the handle so Free can return to it.
func (a *Arena) Allocate(cache *ThreadCache, reqCapacity int) (Handle, error) {
	if reqCapacity < 0 {
		return Handle{}, fmt.Errorf("%w: %d", ErrBadSize, reqCapacity)
	}
	if a.destroyed.Load() {
		return Handle{}, ErrArenaDestroyed
	}
	sc := a.table.Classify(reqCapacity)
	if sc.Size == 0 {
		return Handle{arena: a, cache: cache}, nil
	}
	if sc.Category == Huge {
		return a.allocateHuge(reqCapacity)
	}

	if cache != nil {
		if h, ok := cache.allocate(a, sc); ok {
			return h, nil
		}
	}

	var (
		h   Handle
		err error
	)
	a.mu.Lock()
	if sc.Category == Normal {
		h, err = a.allocateNormal(sc.Size)
	} else {
		head := a.poolHead(sc.Size)
		if s := head.next; s != head {
			handle := s.allocate()
			if handle < 0 {
				a.mu.Unlock()
				panic(fmt.Sprintf("alloc: pooled subpage %v has no free slot", s))
			}
			h = s.chunk.handleFor(handle)
		} else {
			h, err = a.allocateNormal(sc.Size)
		}
	}
	a.mu.Unlock()
	if err != nil {
		return Handle{}, err
	}

	a.allocations[sc.Category].Add(1)
	h.cache = cache
	return h, nil
}

// allocateNormal serves a run or a fresh subpage page. Caller holds a.mu.
func (a *Arena) allocateNormal(normCapacity int) (Handle, error) {
	for _, l := range []*chunkList{a.q050, a.q025, a.q000, a.qInit, a.q075} {
		if c, handle := l.allocate(normCapacity); c != nil {
			return c.handleFor(handle), nil
		}
	}

	if a.destroyed.Load() {
		return Handle{}, ErrArenaDestroyed
	}
	region, err := mem.Allocate(a.table.chunkSize, a.direct)
	if err != nil {
		return Handle{}, fmt.Errorf("alloc: new chunk: %w", err)
	}
	c := newChunk(a, region, a.table)
	a.activeBytes.Add(int64(a.table.chunkSize))
	a.logger.Debug("chunk created", "direct", a.direct, "size", a.table.chunkSize)

	handle := c.allocate(normCapacity)
	if handle < 0 {
		panic(fmt.Sprintf("alloc: fresh chunk cannot serve %d bytes", normCapacity))
	}
	a.qInit.add(c)
	return c.handleFor(handle), nil
}

func (a *Arena) allocateHuge(reqCapacity int) (Handle, error) {
	region, err := mem.Allocate(reqCapacity, a.direct)
	if err != nil {
		return Handle{}, fmt.Errorf("alloc: huge allocation: %w", err)
	}
	c := newUnpooledChunk(a, region)
	a.activeBytes.Add(int64(reqCapacity))
	a.allocations[Huge].Add(1)
	return Handle{arena: a, chunk: c, maxLength: reqCapacity}, nil
}

// Free returns h to its cache, its chunk, or (for huge handles) the system.
func (a *Arena) Free(h Handle) {
	c := h.chunk
	if c == nil {
		return
	}
	if c.arena != a {
		panic("alloc: handle freed into a foreign arena")
	}
	if c.unpooled {
		size := c.chunkSize
		a.destroyChunk(c)
		a.activeBytes.Add(-int64(size))
		a.deallocations[Huge].Add(1)
		return
	}
	sc := SizeClass{Category: a.table.category(h.maxLength), Size: h.maxLength}
	if h.cache != nil && h.cache.add(a, c, h.handle, sc) {
		return
	}
	a.freeChunk(c, h.handle, sc.Category)
}

// freeChunk returns handle to c under the lock and destroys c if it emptied
// out of the lowest list, or emptied at all once the arena is destroyed.
func (a *Arena) freeChunk(c *Chunk, handle int64, cat Category) {
	a.mu.Lock()
	a.deallocations[cat].Add(1)
	destroy := !c.list.free(c, handle)
	if !destroy && a.destroyed.Load() && c.freeBytes == c.chunkSize {
		c.list.remove(c)
		destroy = true
	}
	a.mu.Unlock()

	if destroy {
		a.releaseChunk(c)
	}
}

// releaseChunk unmaps a chunk that is no longer linked in any list.
func (a *Arena) releaseChunk(c *Chunk) {
	a.destroyChunk(c)
	a.activeBytes.Add(-int64(c.chunkSize))
	a.logger.Debug("chunk destroyed", "direct", a.direct, "size", c.chunkSize)
}

// Destroy releases every idle chunk, the bootstrap chunk included, and
// rejects later allocations with ErrArenaDestroyed. Chunks that still hold
// allocations are released when their last handle is freed, so memory that
// a live buffer can reach is never unmapped. It returns the number of chunks
// released now. Calling Destroy again releases chunks that became idle since.
func (a *Arena) Destroy() int {
	var idle []*Chunk
	a.mu.Lock()
	a.destroyed.Store(true)
	for _, l := range a.lists {
		for c := l.head; c != nil; {
			next := c.next
			if c.freeBytes == c.chunkSize {
				l.remove(c)
				idle = append(idle, c)
			}
			c = next
		}
	}
	a.mu.Unlock()

	for _, c := range idle {
		a.releaseChunk(c)
	}
	return len(idle)
}

// Destroyed reports whether Destroy has been called.
func (a *Arena) Destroyed() bool { return a.destroyed.Load() }

func (a *Arena) destroyChunk(c *Chunk) {
	if err := c.region.Free(); err != nil {
		a.logger.Warn("chunk release failed", "direct", a.direct, "size", c.chunkSize, "error", err)
	}
	c.memory = nil
}

// Reallocate moves the first keep bytes of old into a new allocation of
// newCapacity bytes and frees old. The new handle keeps old's cache.
func (a *Arena) Reallocate(old Handle, keep, newCapacity int) (Handle, error) {
	h, err := a.Allocate(old.cache, newCapacity)
	if err != nil {
		return Handle{}, err
	}
	if n := min(keep, newCapacity, old.maxLength); n > 0 {
		copy(h.Memory(), old.Memory()[:n])
	}
	a.Free(old)
	return h, nil
}

// poolHead returns the subpage pool list head for a tiny or small size.
func (a *Arena) poolHead(normCapacity int) *subpage {
	if normCapacity < smallMin {
		return a.tinyPools[tinyIdx(normCapacity)]
	}
	return a.smallPools[smallIdx(normCapacity)]
}

// Metrics returns a snapshot of counters, chunk lists and subpage pools.
func (a *Arena) Metrics() ArenaMetrics {
	m := ArenaMetrics{
		Direct:                 a.direct,
		NumThreadCaches:        int(a.numThreadCaches.Load()),
		NumTinyAllocations:     a.allocations[Tiny].Load(),
		NumSmallAllocations:    a.allocations[Small].Load(),
		NumNormalAllocations:   a.allocations[Normal].Load(),
		NumHugeAllocations:     a.allocations[Huge].Load(),
		NumTinyDeallocations:   a.deallocations[Tiny].Load(),
		NumSmallDeallocations:  a.deallocations[Small].Load(),
		NumNormalDeallocations: a.deallocations[Normal].Load(),
		NumHugeDeallocations:   a.deallocations[Huge].Load(),
		NumActiveBytes:         a.activeBytes.Load(),
	}
	m.NumAllocations = m.NumTinyAllocations + m.NumSmallAllocations + m.NumNormalAllocations + m.NumHugeAllocations
	m.NumDeallocations = m.NumTinyDeallocations + m.NumSmallDeallocations + m.NumNormalDeallocations + m.NumHugeDeallocations
	m.NumActiveAllocations = max(0, m.NumAllocations-m.NumDeallocations)

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, l := range a.lists {
		m.ChunkLists = append(m.ChunkLists, l.metrics())
	}
	m.TinySubpages = subpageMetrics(a.tinyPools)
	m.SmallSubpages = subpageMetrics(a.smallPools)
	return m
}

func subpageMetrics(heads []*subpage) []SubpageMetrics {
	var out []SubpageMetrics
	for _, head := range heads {
		for s := head.next; s != head; s = s.next {
			out = append(out, s.metrics())
		}
	}
	return out
}

func (a *Arena) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	kind := "heap"
	if a.direct {
		kind = "direct"
	}
	return fmt.Sprintf("Arena(%s, chunkSize: %d, chunks: %d)", kind, a.table.chunkSize,
		a.qInit.len()+a.q000.len()+a.q025.len()+a.q050.len()+a.q075.len()+a.q100.len())
}
