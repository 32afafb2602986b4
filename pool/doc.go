// Package pool provides pooled, reference-counted byte buffers.
//
// # Overview
//
// An Allocator carves buffers out of large chunks managed by the arenas in
// package alloc, so steady-state allocation produces almost no garbage. Each
// Buffer starts with a reference count of 1; the holder that releases the
// last reference returns the memory to the pool.
//
//	a, err := pool.New(pool.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer a.Close()
//	b, err := a.Buffer(256, pool.DefaultMaxCapacity)
//	if err != nil {
//	    return err
//	}
//	defer pool.SafeRelease(b)
//
//	b.WriteUint32(uint32(len(payload)), binary.BigEndian)
//	b.WriteBytes(payload)
//
// # Reference Counting
//
// Retain adds a holder, for example before handing the buffer to another
// goroutine. Release drops one and reports whether the buffer was
// deallocated. Any use after the count reaches zero fails with an
// *IllegalRefCountError; a released buffer is never revived.
//
// # Closing
//
// Close flushes the caches and returns idle chunks to the system, including
// direct chunks mapped outside the Go heap. Chunks that still back live
// buffers are released when the last of those buffers is. An Allocator that
// becomes unreachable without Close releases its idle chunks the same way.
//
// # Leak Detection
//
// Buffers dropped without Release are reported when the garbage collector
// reclaims them. Config.LeakDetection selects how many buffers are tracked
// (Disabled, Simple, Advanced, Paranoid) and how much detail reports carry.
// Reports are logged at error level and passed to Config.OnLeak. The leaked
// memory is not recovered.
//
// # Configuration
//
// DefaultConfig applies BUFKIT_* environment overrides (see the Env
// constants). BUFKIT_LOG_ALLOC=debug logs chunk creation and destruction.
package pool
