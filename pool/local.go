package pool

import "github.com/joshuapare/bufkit/pool/alloc"

// Local is a cache owned by one goroutine for a hot allocation loop. It
// skips the allocator's shared cache pool and must be closed when the loop
// ends; buffers allocated through it stay valid after Close.
//
//	l := a.Local()
//	defer l.Close()
//	for msg := range msgs {
//	    b, err := l.Buffer(len(msg), pool.DefaultMaxCapacity)
//	    ...
//	}
type Local struct {
	a      *Allocator
	tc     *alloc.ThreadCache
	closed bool
}

// Local returns a new goroutine-owned cache.
func (a *Allocator) Local() *Local {
	l := &Local{a: a}
	if a.cfg.cachesEnabled() && len(a.heap)+len(a.direct) > 0 {
		l.tc = a.newCache()
	}
	return l
}

// Buffer is Allocator.Buffer through the local cache.
func (l *Local) Buffer(initialCapacity, maxCapacity int) (*Buffer, error) {
	return l.newBuffer(l.a.cfg.PreferDirect, initialCapacity, maxCapacity)
}

// HeapBuffer is Allocator.HeapBuffer through the local cache.
func (l *Local) HeapBuffer(initialCapacity, maxCapacity int) (*Buffer, error) {
	return l.newBuffer(false, initialCapacity, maxCapacity)
}

// DirectBuffer is Allocator.DirectBuffer through the local cache.
func (l *Local) DirectBuffer(initialCapacity, maxCapacity int) (*Buffer, error) {
	return l.newBuffer(true, initialCapacity, maxCapacity)
}

func (l *Local) newBuffer(direct bool, initialCapacity, maxCapacity int) (*Buffer, error) {
	if l.closed {
		return nil, ErrClosed
	}
	return l.a.newBuffer(l.tc, direct, initialCapacity, maxCapacity)
}

// Len returns the number of cached entries.
func (l *Local) Len() int {
	if l.tc == nil {
		return 0
	}
	return l.tc.Len()
}

// Trim hands idle cache entries back to the arenas.
func (l *Local) Trim() int {
	if l.tc == nil {
		return 0
	}
	return l.tc.Trim()
}

// Close flushes the cache. Later allocations fail with ErrClosed. Closing
// twice is a no-op.
func (l *Local) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	if l.tc != nil {
		l.a.releaseCache(l.tc)
	}
	return nil
}
