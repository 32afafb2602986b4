package alloc

import (
	"fmt"

	"github.com/joshuapare/bufkit/internal/mem"
)

const (
	// subpageFlag marks handles that point into a subpage. It keeps slot 0
	// distinguishable from a run handle.
	subpageFlag = 0x4000000000000000
	bitmapMask  = 0x3FFFFFFF
)

// Chunk is a contiguous region managed as a binary buddy tree over pages.
//
// The tree is a flat array indexed from 1: node id has children 2*id and
// 2*id+1, and a node at depth d covers chunkSize >> d bytes. memoryMap[id]
// holds the smallest depth at which a free run exists below id; a value of
// maxOrder+1 marks the node (and its subtree) unusable. depthMap[id] is the
// node's own depth and never changes.
//
// Chunks are owned by their arena and all mutations happen under the arena lock.
type Chunk struct {
	arena    *Arena
	region   mem.Region
	memory   []byte
	unpooled bool

	memoryMap []byte
	depthMap  []byte
	subpages  []*subpage

	pageSize         int
	pageShifts       int
	maxOrder         int
	chunkSize        int
	log2ChunkSize    int
	maxSubpageAllocs int
	unusable         byte

	freeBytes int

	list *chunkList
	prev *Chunk
	next *Chunk
}

func newChunk(a *Arena, region mem.Region, t *SizeTable) *Chunk {
	maxSubpageAllocs := 1 << t.maxOrder
	c := &Chunk{
		arena:            a,
		region:           region,
		memory:           region.Bytes(),
		memoryMap:        make([]byte, maxSubpageAllocs<<1),
		depthMap:         make([]byte, maxSubpageAllocs<<1),
		subpages:         make([]*subpage, maxSubpageAllocs),
		pageSize:         t.pageSize,
		pageShifts:       t.pageShifts,
		maxOrder:         t.maxOrder,
		chunkSize:        t.chunkSize,
		log2ChunkSize:    log2(t.chunkSize),
		maxSubpageAllocs: maxSubpageAllocs,
		unusable:         byte(t.maxOrder + 1),
		freeBytes:        t.chunkSize,
	}

	id := 1
	for d := 0; d <= t.maxOrder; d++ {
		for range 1 << d {
			c.memoryMap[id] = byte(d)
			c.depthMap[id] = byte(d)
			id++
		}
	}
	return c
}

// newUnpooledChunk wraps a huge region. It has no tree and is destroyed on free.
func newUnpooledChunk(a *Arena, region mem.Region) *Chunk {
	return &Chunk{
		arena:     a,
		region:    region,
		memory:    region.Bytes(),
		unpooled:  true,
		chunkSize: region.Len(),
	}
}

// Usage returns the percentage of the chunk in use. A non-empty chunk never
// reports 0 and a chunk that is not completely full never reports 100.
func (c *Chunk) Usage() int {
	if c.freeBytes == 0 {
		return 100
	}
	freePercentage := int(int64(c.freeBytes) * 100 / int64(c.chunkSize))
	if freePercentage == 0 {
		return 99
	}
	return 100 - freePercentage
}

// ChunkSize returns the chunk size in bytes.
func (c *Chunk) ChunkSize() int { return c.chunkSize }

// FreeBytes returns the bytes not covered by any run or subpage page.
func (c *Chunk) FreeBytes() int { return c.freeBytes }

// allocate returns a handle for normCapacity bytes, or -1 when the chunk has
// no suitable free run.
func (c *Chunk) allocate(normCapacity int) int64 {
	if normCapacity >= c.pageSize {
		return c.allocateRun(normCapacity)
	}
	return c.allocateSubpage(normCapacity)
}

// allocateNode finds a free node at depth d, marks it unusable and updates
// its ancestors. Returns -1 if no node at depth d is free.
func (c *Chunk) allocateNode(d int) int {
	id := 1
	initial := -(1 << d) // has the last d bits = 0 and the rest all = 1
	val := c.value(id)
	if val > byte(d) {
		return -1
	}
	// id & initial == 1 << d for every node at depth d
	for val < byte(d) || id&initial == 0 {
		id <<= 1
		val = c.value(id)
		if val > byte(d) {
			id ^= 1
			val = c.value(id)
		}
	}
	if val != byte(d) || id&initial != 1<<d {
		panic(fmt.Sprintf("alloc: corrupt buddy tree: node %d value %d at depth %d", id, val, d))
	}
	c.setValue(id, c.unusable)
	c.updateParentsAlloc(id)
	return id
}

func (c *Chunk) allocateRun(normCapacity int) int64 {
	d := c.maxOrder - (log2(normCapacity) - c.pageShifts)
	id := c.allocateNode(d)
	if id < 0 {
		return -1
	}
	c.freeBytes -= c.runLength(id)
	return int64(id)
}

// allocateSubpage carves a page into a subpage for normCapacity, or reuses
// the page's subpage object, and takes its first slot.
func (c *Chunk) allocateSubpage(normCapacity int) int64 {
	head := c.arena.poolHead(normCapacity)
	id := c.allocateNode(c.maxOrder)
	if id < 0 {
		return -1
	}
	c.freeBytes -= c.pageSize

	idx := c.subpageIdx(id)
	s := c.subpages[idx]
	if s == nil {
		s = newSubpage(head, c, id, c.runOffset(id), c.pageSize, normCapacity)
		c.subpages[idx] = s
	} else {
		s.init(head, normCapacity)
	}
	return s.allocate()
}

// free returns the run or subpage slot named by handle. A subpage whose
// last slot is freed gives its page back to the tree.
func (c *Chunk) free(handle int64) {
	id := memoryMapIdx(handle)
	if bitmapIdx := bitmapIdx(handle); bitmapIdx != 0 {
		s := c.subpages[c.subpageIdx(id)]
		if s == nil || !s.doNotDestroy {
			panic(fmt.Sprintf("alloc: free of handle %#x into a released page", handle))
		}
		head := c.arena.poolHead(s.elemSize)
		if s.free(head, bitmapIdx&bitmapMask) {
			return
		}
	}
	if c.value(id) != c.unusable {
		panic(fmt.Sprintf("alloc: double free of run %d", id))
	}
	c.freeBytes += c.runLength(id)
	c.setValue(id, c.depth(id))
	c.updateParentsFree(id)
}

// updateParentsAlloc propagates min(left, right) to every ancestor of id.
func (c *Chunk) updateParentsAlloc(id int) {
	for id > 1 {
		parent := id >> 1
		c.setValue(parent, min(c.value(id), c.value(id^1)))
		id = parent
	}
}

// updateParentsFree is updateParentsAlloc with buddy merging: when both
// children are completely free the parent becomes completely free too.
func (c *Chunk) updateParentsFree(id int) {
	logChild := c.depth(id) + 1
	for id > 1 {
		parent := id >> 1
		v1 := c.value(id)
		v2 := c.value(id ^ 1)
		logChild--
		if v1 == logChild && v2 == logChild {
			c.setValue(parent, logChild-1)
		} else {
			c.setValue(parent, min(v1, v2))
		}
		id = parent
	}
}

func (c *Chunk) value(id int) byte         { return c.memoryMap[id] }
func (c *Chunk) setValue(id int, val byte) { c.memoryMap[id] = val }
func (c *Chunk) depth(id int) byte         { return c.depthMap[id] }
func (c *Chunk) subpageIdx(id int) int     { return id ^ c.maxSubpageAllocs }
func (c *Chunk) runLength(id int) int      { return 1 << (c.log2ChunkSize - int(c.depth(id))) }
func (c *Chunk) runOffset(id int) int {
	shift := id ^ 1<<c.depth(id)
	return shift * c.runLength(id)
}

func memoryMapIdx(handle int64) int { return int(uint32(handle)) }
func bitmapIdx(handle int64) int    { return int(uint64(handle) >> 32) }

// handleFor resolves a chunk handle to its memory window.
func (c *Chunk) handleFor(handle int64) Handle {
	id := memoryMapIdx(handle)
	bitmapIdx := bitmapIdx(handle)
	if bitmapIdx == 0 {
		return Handle{
			arena:     c.arena,
			chunk:     c,
			handle:    handle,
			offset:    c.runOffset(id),
			maxLength: c.runLength(id),
		}
	}
	s := c.subpages[c.subpageIdx(id)]
	return Handle{
		arena:     c.arena,
		chunk:     c,
		handle:    handle,
		offset:    c.runOffset(id) + (bitmapIdx&bitmapMask)*s.elemSize,
		maxLength: s.elemSize,
	}
}

func (c *Chunk) metrics() ChunkMetrics {
	return ChunkMetrics{Usage: c.Usage(), ChunkSize: c.chunkSize, FreeBytes: c.freeBytes}
}

func (c *Chunk) String() string {
	return fmt.Sprintf("Chunk(usage: %d%%, %d/%d)", c.Usage(), c.chunkSize-c.freeBytes, c.chunkSize)
}
