// Package alloc provides the pooled memory arenas behind bufkit buffers.
//
// # Overview
//
// Memory is carved out of large chunks (16MiB by default). Each chunk is a
// binary buddy tree over pages; pages can be split further into subpages
// that serve many equally sized small allocations. Chunks live in an Arena,
// which files them by usage so allocations prefer chunks that are already
// partly used and empty chunks can be given back.
//
// # Size Classes
//
// Every request is normalized before allocation:
//
//	Tiny:   1 -  496 bytes   rounded up to a multiple of 16, served from subpages
//	Small:  512 - pageSize/2 rounded up to a power of two, served from subpages
//	Normal: pageSize - chunk rounded up to a power of two, served as buddy runs
//	Huge:   above chunk      exact size, unpooled, released on free
//
// # Handles
//
// An allocation is described by a Handle: the chunk, the encoded tree node
// (and subpage slot), and the byte window it owns. Handles carry no
// reference count. Callers free a handle exactly once.
//
//	a, err := alloc.NewArena(alloc.ArenaConfig{MaxOrder: alloc.DefaultMaxOrder})
//	if err != nil {
//	    return err
//	}
//	h, err := a.Allocate(nil, 1000)
//	if err != nil {
//	    return err
//	}
//	copy(h.Memory(), payload) // len(h.Memory()) == 1024
//	a.Free(h)
//
// # Caching
//
// A ThreadCache holds recently freed tiny, small and small normal handles per
// size so the owning goroutine can reuse them without taking the arena lock.
// Buckets are bounded, and entries unused across TrimInterval cache
// allocations are handed back to the arena.
//
// # Concurrency
//
// Arena methods are safe for concurrent use. A ThreadCache is safe too, but
// is intended to be driven by one goroutine: frees that find it busy fall
// back to the arena instead of waiting.
package alloc
