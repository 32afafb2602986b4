package alloc

import (
	"fmt"
	"math"
	"math/bits"
)

const (
	// MinPageSize is the smallest supported page.
	MinPageSize = 4096

	// DefaultPageSize and DefaultMaxOrder give 16MiB chunks.
	DefaultPageSize = 8192
	DefaultMaxOrder = 11

	// MaxOrderLimit bounds the buddy tree depth.
	MaxOrderLimit = 14

	// MaxChunkSize is the largest chunk a table accepts (1GiB).
	MaxChunkSize = 1 << 30

	// tinyStep is the spacing of tiny classes; smallMin is the first small class.
	tinyStep = 16
	smallMin = 512

	// NumTinyPools is the number of tiny pool heads (index 0 is unused).
	NumTinyPools = smallMin / tinyStep
)

// Category is the coarse allocation path a normalized size takes.
type Category uint8

const (
	Tiny   Category = iota // 16..496 bytes, 16 byte steps
	Small                  // 512..pageSize/2, powers of two
	Normal                 // pageSize..chunkSize, powers of two
	Huge                   // above chunkSize, unpooled
)

func (c Category) String() string {
	switch c {
	case Tiny:
		return "tiny"
	case Small:
		return "small"
	case Normal:
		return "normal"
	case Huge:
		return "huge"
	}
	return fmt.Sprintf("Category(%d)", uint8(c))
}

// SizeClass is a normalized size and the category it belongs to.
type SizeClass struct {
	Category Category
	Size     int
}

// Normalize rounds a requested capacity up to its canonical allocation size:
// 0 stays 0, sizes below 512 round up to a multiple of 16, everything else to
// the next power of two. Sizes whose next power of two does not fit in an int
// are returned unchanged. Negative sizes normalize to 0.
//
//	Normalize(15)   == 16
//	Normalize(510)  == 512
//	Normalize(1023) == 1024
//	Normalize(1025) == 2048
func Normalize(n int) int {
	if n <= 0 {
		return 0
	}
	if n < smallMin {
		return (n + tinyStep - 1) &^ (tinyStep - 1)
	}
	shift := bits.Len(uint(n - 1))
	if shift >= bits.UintSize-1 {
		return n
	}
	return 1 << shift
}

func log2(n int) int {
	return bits.Len(uint(n)) - 1
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// SizeTable classifies sizes for one page size and chunk geometry.
type SizeTable struct {
	pageSize   int
	pageShifts int
	maxOrder   int
	chunkSize  int
	numSmall   int
}

// NewSizeTable validates the geometry and builds a table.
func NewSizeTable(pageSize, maxOrder int) (*SizeTable, error) {
	if !isPowerOfTwo(pageSize) || pageSize < MinPageSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPageSize, pageSize)
	}
	if maxOrder < 0 || maxOrder > MaxOrderLimit {
		return nil, fmt.Errorf("%w: %d (expected 0-%d)", ErrInvalidMaxOrder, maxOrder, MaxOrderLimit)
	}
	shifts := log2(pageSize)
	if shifts+maxOrder > log2(MaxChunkSize) || pageSize > math.MaxInt>>maxOrder {
		return nil, fmt.Errorf("%w: pageSize (%d) << maxOrder (%d) must not exceed %d",
			ErrChunkTooLarge, pageSize, maxOrder, MaxChunkSize)
	}
	return &SizeTable{
		pageSize:   pageSize,
		pageShifts: shifts,
		maxOrder:   maxOrder,
		chunkSize:  pageSize << maxOrder,
		numSmall:   shifts - log2(smallMin),
	}, nil
}

// PageSize returns the page size.
func (t *SizeTable) PageSize() int { return t.pageSize }

// MaxOrder returns the buddy tree depth.
func (t *SizeTable) MaxOrder() int { return t.maxOrder }

// ChunkSize returns pageSize << maxOrder.
func (t *SizeTable) ChunkSize() int { return t.chunkSize }

// NumSmallPools returns the number of small classes (512 .. pageSize/2).
func (t *SizeTable) NumSmallPools() int { return t.numSmall }

// Normalize is the package Normalize, except that requests of at least a
// chunk are passed through unchanged (huge allocations are exact-size).
func (t *SizeTable) Normalize(n int) int {
	if n >= t.chunkSize {
		return n
	}
	return Normalize(n)
}

// Classify normalizes n and reports its category.
func (t *SizeTable) Classify(n int) SizeClass {
	norm := t.Normalize(n)
	return SizeClass{Category: t.category(norm), Size: norm}
}

func (t *SizeTable) category(norm int) Category {
	switch {
	case norm < smallMin:
		return Tiny
	case norm < t.pageSize:
		return Small
	case norm <= t.chunkSize:
		return Normal
	default:
		return Huge
	}
}

func tinyIdx(norm int) int { return norm >> 4 }

func smallIdx(norm int) int { return log2(norm) - log2(smallMin) }

func (t *SizeTable) normalIdx(norm int) int { return log2(norm) - t.pageShifts }
