package pool

import (
	"errors"

	"github.com/joshuapare/bufkit/internal/refcnt"
)

var (
	// ErrInvalidConfig indicates allocator parameters rejected by Config.Validate.
	ErrInvalidConfig = errors.New("pool: invalid configuration")

	// ErrOutOfRange indicates an index or length outside the buffer's bounds.
	// The buffer is left unchanged.
	ErrOutOfRange = errors.New("pool: index out of range")

	// ErrCapacityExceeded indicates growth beyond the buffer's max capacity.
	// The buffer is left unchanged.
	ErrCapacityExceeded = errors.New("pool: max capacity exceeded")

	// ErrIllegalRefCount matches every *IllegalRefCountError: use after
	// release, over-release, or retain overflow.
	ErrIllegalRefCount = refcnt.ErrIllegalRefCount

	// ErrClosed indicates allocation through an Allocator or Local after Close.
	ErrClosed = errors.New("pool: closed")
)

// IllegalRefCountError carries the count observed by a failed retain or release.
type IllegalRefCountError = refcnt.IllegalRefCountError
