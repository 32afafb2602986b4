// Package mem provides the raw memory regions backing chunks and unpooled buffers.
//
// Heap regions are ordinary Go slices. Direct regions live outside the Go heap
// (anonymous mappings on unix) so the garbage collector never scans or moves
// them; they must be released explicitly with Free.
package mem

import (
	"errors"
	"fmt"
)

// ErrBadSize is returned for a non-positive region size.
var ErrBadSize = errors.New("mem: region size must be positive")

// Region is a contiguous block of memory.
type Region struct {
	b      []byte
	direct bool
}

// Bytes returns the region's memory. The slice is invalid after Free.
func (r *Region) Bytes() []byte { return r.b }

// Len returns the region size in bytes.
func (r *Region) Len() int { return len(r.b) }

// Direct reports whether the region lives outside the Go heap.
func (r *Region) Direct() bool { return r.direct }

// Allocate returns a zeroed region of size bytes.
func Allocate(size int, direct bool) (Region, error) {
	if size <= 0 {
		return Region{}, fmt.Errorf("%w: %d", ErrBadSize, size)
	}
	if !direct {
		return Region{b: make([]byte, size)}, nil
	}
	b, err := mapAnon(size)
	if err != nil {
		return Region{}, fmt.Errorf("mem: map %d bytes: %w", size, err)
	}
	return Region{b: b, direct: true}, nil
}

// Free releases the region. Freeing twice is a no-op.
func (r *Region) Free() error {
	if r.b == nil {
		return nil
	}
	b := r.b
	r.b = nil
	if !r.direct {
		return nil
	}
	return unmapAnon(b)
}
