package alloc

import "errors"

var (
	// ErrInvalidPageSize indicates a page size that is not a power of two or below MinPageSize.
	ErrInvalidPageSize = errors.New("alloc: page size must be a power of two >= 4096")

	// ErrInvalidMaxOrder indicates a max order outside [0, MaxOrderLimit].
	ErrInvalidMaxOrder = errors.New("alloc: max order out of range")

	// ErrChunkTooLarge indicates pageSize << maxOrder exceeds MaxChunkSize.
	ErrChunkTooLarge = errors.New("alloc: chunk size exceeds limit")

	// ErrBadSize indicates a negative allocation request.
	ErrBadSize = errors.New("alloc: negative allocation size")

	// ErrArenaDestroyed is returned by Allocate after Destroy.
	ErrArenaDestroyed = errors.New("alloc: arena destroyed")
)
