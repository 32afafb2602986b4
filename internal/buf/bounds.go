package buf

import (
	"errors"
	"fmt"
	"math"
)

// ErrOutOfBounds reports an index/length pair that does not fit a region.
var ErrOutOfBounds = errors.New("buf: index out of bounds")

// AddOverflowSafe adds a and b, returning ok = false when the result would overflow int.
func AddOverflowSafe(a, b int) (int, bool) {
	switch {
	case b > 0 && a > math.MaxInt-b:
		return 0, false
	case b < 0 && a < math.MinInt-b:
		return 0, false
	default:
		return a + b, true
	}
}

// CheckRange validates that n bytes starting at index fit in [0, limit).
// Returns the end offset if valid. The error wraps ErrOutOfBounds and names
// the specific failure (negative input, overflow or bounds).
//
//	end, err := buf.CheckRange(capacity, index, len(dst))
//	if err != nil {
//	    return err
//	}
//	copy(dst, mem[index:end])
func CheckRange(limit, index, n int) (int, error) {
	if index < 0 {
		return 0, fmt.Errorf("%w: negative index %d", ErrOutOfBounds, index)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: negative length %d", ErrOutOfBounds, n)
	}
	end, ok := AddOverflowSafe(index, n)
	if !ok {
		return 0, fmt.Errorf("%w: overflow index=%d + length=%d", ErrOutOfBounds, index, n)
	}
	if end > limit {
		return 0, fmt.Errorf("%w: index=%d length=%d exceeds %d", ErrOutOfBounds, index, n, limit)
	}
	return end, nil
}
