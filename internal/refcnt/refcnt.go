// Package refcnt implements the atomic reference counter embedded in every buffer.
//
// A counter starts at 1. Retain adds holders, Release removes them, and exactly one
// Release call observes the transition to zero; that caller owns deallocation.
// Once a counter reaches zero it can never be revived.
package refcnt

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
)

// Max is the largest representable reference count.
const Max = math.MaxInt32

var (
	// ErrIllegalRefCount is matched by every *IllegalRefCountError.
	ErrIllegalRefCount = errors.New("refcnt: illegal reference count")

	// ErrInvalidDelta indicates a non-positive retain or release amount.
	ErrInvalidDelta = errors.New("refcnt: delta must be positive")
)

// IllegalRefCountError describes a retain/release against a dead counter,
// an over-release, or a retain that would overflow.
type IllegalRefCountError struct {
	RefCnt int // count observed before the failed update
	Delta  int // attempted change (negative for release)
}

func (e *IllegalRefCountError) Error() string {
	if e.Delta >= 0 {
		return fmt.Sprintf("refcnt: illegal reference count: %d, increment: %d", e.RefCnt, e.Delta)
	}
	return fmt.Sprintf("refcnt: illegal reference count: %d, decrement: %d", e.RefCnt, -e.Delta)
}

// Is lets errors.Is(err, ErrIllegalRefCount) match.
func (e *IllegalRefCountError) Is(target error) bool {
	return target == ErrIllegalRefCount
}

// Counter is a lock-free reference count. The zero value is a dead counter;
// call Init before publishing it.
type Counter struct {
	v atomic.Int32
}

// Init sets the count, typically to 1, before the owner is shared.
func (c *Counter) Init(n int) {
	if n < 0 || n > Max {
		panic(fmt.Sprintf("refcnt: initial count %d out of range", n))
	}
	c.v.Store(int32(n))
}

// Load returns the current count.
func (c *Counter) Load() int { return int(c.v.Load()) }

// Live reports whether the count is above zero.
func (c *Counter) Live() bool { return c.v.Load() > 0 }

// Check returns an *IllegalRefCountError if the counter is dead.
func (c *Counter) Check() error {
	if cnt := c.v.Load(); cnt <= 0 {
		return &IllegalRefCountError{RefCnt: int(cnt)}
	}
	return nil
}

// Retain adds n holders.
func (c *Counter) Retain(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidDelta, n)
	}
	for {
		old := c.v.Load()
		if old <= 0 || n > Max || int(old) > Max-n {
			return &IllegalRefCountError{RefCnt: int(old), Delta: n}
		}
		if c.v.CompareAndSwap(old, old+int32(n)) {
			return nil
		}
	}
}

// Release removes n holders and reports whether the count reached zero.
func (c *Counter) Release(n int) (bool, error) {
	if n <= 0 {
		return false, fmt.Errorf("%w: %d", ErrInvalidDelta, n)
	}
	for {
		old := c.v.Load()
		if old <= 0 || n > int(old) {
			return false, &IllegalRefCountError{RefCnt: int(old), Delta: -n}
		}
		if c.v.CompareAndSwap(old, old-int32(n)) {
			return int(old) == n, nil
		}
	}
}
