package alloc

// Handle names one allocation: a run or subpage slot inside a pooled chunk,
// a whole unpooled chunk for huge requests, or nothing for zero-capacity
// requests. Handles hold no reference count; the buffer that owns a Handle
// decides when to pass it back to Arena.Free.
type Handle struct {
	arena     *Arena
	chunk     *Chunk
	handle    int64
	offset    int
	maxLength int
	cache     *ThreadCache
}

// Arena returns the arena the handle was allocated from.
func (h Handle) Arena() *Arena { return h.arena }

// Memory returns the allocation's bytes. len and cap equal MaxLength.
func (h Handle) Memory() []byte {
	if h.chunk == nil {
		return nil
	}
	end := h.offset + h.maxLength
	return h.chunk.memory[h.offset:end:end]
}

// Offset returns the allocation's offset inside its chunk.
func (h Handle) Offset() int { return h.offset }

// MaxLength returns the normalized size actually reserved.
func (h Handle) MaxLength() int { return h.maxLength }

// Empty reports whether the handle owns no memory.
func (h Handle) Empty() bool { return h.chunk == nil }

// Huge reports whether the handle owns an unpooled chunk.
func (h Handle) Huge() bool { return h.chunk != nil && h.chunk.unpooled }

// Direct reports whether the memory lives outside the Go heap.
func (h Handle) Direct() bool { return h.arena != nil && h.arena.direct }

// Cache returns the cache the handle returns to on free, if any.
func (h Handle) Cache() *ThreadCache { return h.cache }
