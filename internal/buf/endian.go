// Package buf contains bounds and endian helpers shared by buffer accessors.
package buf

import "encoding/binary"

// Uint reads a size-byte unsigned integer (1, 2, 4 or 8) from the front of b.
// Returns ok = false when b is too short or size is unsupported.
func Uint(b []byte, order binary.ByteOrder, size int) (uint64, bool) {
	if len(b) < size {
		return 0, false
	}
	switch size {
	case 1:
		return uint64(b[0]), true
	case 2:
		return uint64(order.Uint16(b)), true
	case 4:
		return uint64(order.Uint32(b)), true
	case 8:
		return order.Uint64(b), true
	}
	return 0, false
}

// PutUint writes the low size bytes of v to the front of b.
func PutUint(b []byte, order binary.ByteOrder, size int, v uint64) bool {
	if len(b) < size {
		return false
	}
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		order.PutUint16(b, uint16(v))
	case 4:
		order.PutUint32(b, uint32(v))
	case 8:
		order.PutUint64(b, v)
	default:
		return false
	}
	return true
}
