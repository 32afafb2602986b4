package buf

import (
	"encoding/binary"
	"testing"
)

func TestUint(t *testing.T) {
	data := []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef}

	cases := []struct {
		order binary.ByteOrder
		size  int
		want  uint64
	}{
		{binary.LittleEndian, 1, 0x01},
		{binary.LittleEndian, 2, 0x2301},
		{binary.LittleEndian, 4, 0x67452301},
		{binary.LittleEndian, 8, 0xefcdab8967452301},
		{binary.BigEndian, 2, 0x0123},
		{binary.BigEndian, 4, 0x01234567},
		{binary.BigEndian, 8, 0x0123456789abcdef},
	}
	for _, c := range cases {
		got, ok := Uint(data, c.order, c.size)
		if !ok || got != c.want {
			t.Fatalf("Uint(%v,%d) = 0x%x,%v want 0x%x", c.order, c.size, got, ok, c.want)
		}
	}

	if _, ok := Uint([]byte{0xAA}, binary.LittleEndian, 2); ok {
		t.Fatalf("short read should fail")
	}
	if _, ok := Uint(data, binary.LittleEndian, 3); ok {
		t.Fatalf("unsupported width should fail")
	}
}

func TestPutUintRoundTrip(t *testing.T) {
	b := make([]byte, 8)
	for _, size := range []int{1, 2, 4, 8} {
		if !PutUint(b, binary.BigEndian, size, 0x0102030405060708) {
			t.Fatalf("PutUint size %d failed", size)
		}
		got, _ := Uint(b, binary.BigEndian, size)
		mask := uint64(1)<<(8*size) - 1
		if size == 8 {
			mask = ^uint64(0)
		}
		if got != 0x0102030405060708&mask {
			t.Fatalf("size %d: got 0x%x", size, got)
		}
	}
	if PutUint(b[:1], binary.LittleEndian, 4, 1) {
		t.Fatalf("PutUint into short slice should fail")
	}
}
