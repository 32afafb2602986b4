package alloc

import (
	"fmt"
	"math/bits"
)

// subpage is a slab over one page of a chunk. Slots of elemSize bytes are
// tracked in a bitmap (1 = in use). A subpage with free slots is linked into
// its arena's pool list for elemSize; pool heads are sentinels with no chunk.
type subpage struct {
	chunk        *Chunk
	memoryMapIdx int
	runOffset    int
	pageSize     int
	bitmap       []uint64

	prev *subpage
	next *subpage

	doNotDestroy bool
	elemSize     int
	maxNumElems  int
	bitmapLength int
	nextAvail    int
	numAvail     int
}

func newSubpageHead(pageSize int) *subpage {
	head := &subpage{pageSize: pageSize, memoryMapIdx: -1, runOffset: -1, nextAvail: -1}
	head.prev = head
	head.next = head
	return head
}

func newSubpage(head *subpage, c *Chunk, memoryMapIdx, runOffset, pageSize, elemSize int) *subpage {
	s := &subpage{
		chunk:        c,
		memoryMapIdx: memoryMapIdx,
		runOffset:    runOffset,
		pageSize:     pageSize,
		// enough words for the smallest element size
		bitmap: make([]uint64, pageSize/tinyStep/64),
	}
	s.init(head, elemSize)
	return s
}

func (s *subpage) init(head *subpage, elemSize int) {
	s.doNotDestroy = true
	s.elemSize = elemSize
	s.maxNumElems = s.pageSize / elemSize
	s.numAvail = s.maxNumElems
	s.nextAvail = 0
	s.bitmapLength = (s.maxNumElems + 63) >> 6
	clear(s.bitmap[:s.bitmapLength])
	s.addToPool(head)
}

// allocate takes a free slot and returns its handle, or -1 if none is left.
func (s *subpage) allocate() int64 {
	if s.numAvail == 0 || !s.doNotDestroy {
		return -1
	}
	idx := s.nextAvailIdx()
	q, r := idx>>6, uint(idx&63)
	if s.bitmap[q]>>r&1 != 0 {
		panic(fmt.Sprintf("alloc: subpage slot %d already in use", idx))
	}
	s.bitmap[q] |= 1 << r

	s.numAvail--
	if s.numAvail == 0 {
		s.removeFromPool()
	}
	return s.toHandle(idx)
}

// free releases slot idx. It returns false when the page became completely
// free and has been unlinked; the caller must then give the page back to the chunk.
func (s *subpage) free(head *subpage, idx int) bool {
	q, r := idx>>6, uint(idx&63)
	if idx >= s.maxNumElems || s.bitmap[q]>>r&1 == 0 {
		panic(fmt.Sprintf("alloc: double free of subpage slot %d", idx))
	}
	s.bitmap[q] ^= 1 << r
	s.nextAvail = idx

	wasFull := s.numAvail == 0
	s.numAvail++
	if s.numAvail == s.maxNumElems {
		if !wasFull {
			s.removeFromPool()
		}
		s.doNotDestroy = false
		return false
	}
	if wasFull {
		s.addToPool(head)
	}
	return true
}

func (s *subpage) addToPool(head *subpage) {
	s.prev = head
	s.next = head.next
	head.next.prev = s
	head.next = s
}

func (s *subpage) removeFromPool() {
	s.prev.next = s.next
	s.next.prev = s.prev
	s.next = nil
	s.prev = nil
}

func (s *subpage) nextAvailIdx() int {
	if idx := s.nextAvail; idx >= 0 {
		s.nextAvail = -1
		return idx
	}
	for i := range s.bitmapLength {
		if free := ^s.bitmap[i]; free != 0 {
			idx := i<<6 | bits.TrailingZeros64(free)
			if idx < s.maxNumElems {
				return idx
			}
			break
		}
	}
	panic(fmt.Sprintf("alloc: subpage reports %d available slots but bitmap is full", s.numAvail))
}

func (s *subpage) toHandle(idx int) int64 {
	return subpageFlag | int64(idx)<<32 | int64(s.memoryMapIdx)
}

func (s *subpage) metrics() SubpageMetrics {
	return SubpageMetrics{
		MaxNumElements: s.maxNumElems,
		NumAvailable:   s.numAvail,
		ElementSize:    s.elemSize,
		PageSize:       s.pageSize,
	}
}

func (s *subpage) String() string {
	if !s.doNotDestroy {
		return fmt.Sprintf("(%d: not in use)", s.memoryMapIdx)
	}
	return fmt.Sprintf("(%d: %d/%d, offset: %d, length: %d, elemSize: %d)",
		s.memoryMapIdx, s.maxNumElems-s.numAvail, s.maxNumElems, s.runOffset, s.pageSize, s.elemSize)
}
