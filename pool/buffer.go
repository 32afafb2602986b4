package pool

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/text/encoding"

	"github.com/joshuapare/bufkit/internal/buf"
	"github.com/joshuapare/bufkit/internal/leak"
	"github.com/joshuapare/bufkit/internal/mem"
	"github.com/joshuapare/bufkit/internal/refcnt"
	"github.com/joshuapare/bufkit/pool/alloc"
)

// capacityThreshold is the point where growth switches from doubling to
// fixed steps.
const capacityThreshold = 4 << 20

type kind uint8

const (
	pooledKind   kind = iota // memory owned by an arena handle
	unpooledKind             // memory owned by a standalone region
)

// Buffer is a reference-counted, resizable byte buffer with separate reader
// and writer indexes:
//
//	+-------------------+------------------+------------------+
//	| discardable bytes |  readable bytes  |  writable bytes  |
//	+-------------------+------------------+------------------+
//	0      <=      readerIndex   <=   writerIndex    <=    capacity
//
// A new Buffer has a reference count of 1. The holder that drops the count to
// zero returns the memory to its pool; every later access fails with an
// *IllegalRefCountError. Buffers are not safe for concurrent mutation, but
// Retain and Release may be called from any goroutine.
type Buffer struct {
	a      *Allocator
	kind   kind
	direct bool
	h      alloc.Handle
	region mem.Region
	mem    []byte // len(mem) is the capacity

	maxCapacity int
	readerIndex int
	writerIndex int

	refCnt refcnt.Counter
	leak   *leak.Tracker
}

var _ Buf = (*Buffer)(nil)

func newPooledBuffer(a *Allocator, h alloc.Handle, capacity, maxCapacity int) *Buffer {
	b := &Buffer{
		a:           a,
		kind:        pooledKind,
		direct:      h.Direct(),
		h:           h,
		mem:         h.Memory()[:capacity],
		maxCapacity: maxCapacity,
	}
	b.refCnt.Init(1)
	return b
}

func newUnpooledBuffer(a *Allocator, region mem.Region, direct bool, capacity, maxCapacity int) *Buffer {
	b := &Buffer{
		a:           a,
		kind:        unpooledKind,
		direct:      direct,
		region:      region,
		maxCapacity: maxCapacity,
	}
	b.mem = b.region.Bytes()[:capacity]
	b.refCnt.Init(1)
	return b
}

// Capacity returns the number of bytes the buffer can hold without growing.
func (b *Buffer) Capacity() int { return len(b.mem) }

// MaxCapacity returns the upper bound for AdjustCapacity and growth.
func (b *Buffer) MaxCapacity() int { return b.maxCapacity }

// Direct reports whether the memory lives outside the Go heap.
func (b *Buffer) Direct() bool { return b.direct }

// Pooled reports whether the memory belongs to an arena chunk.
func (b *Buffer) Pooled() bool { return b.kind == pooledKind && !b.h.Huge() }

func (b *Buffer) ReaderIndex() int   { return b.readerIndex }
func (b *Buffer) WriterIndex() int   { return b.writerIndex }
func (b *Buffer) ReadableBytes() int { return b.writerIndex - b.readerIndex }
func (b *Buffer) WritableBytes() int { return len(b.mem) - b.writerIndex }
func (b *Buffer) IsReadable() bool   { return b.writerIndex > b.readerIndex }

// SetReaderIndex sets the reader index, which must lie in [0, WriterIndex].
func (b *Buffer) SetReaderIndex(i int) error {
	if err := b.refCnt.Check(); err != nil {
		return err
	}
	if i < 0 || i > b.writerIndex {
		return fmt.Errorf("%w: readerIndex: %d (expected: 0 <= readerIndex <= writerIndex(%d))",
			ErrOutOfRange, i, b.writerIndex)
	}
	b.readerIndex = i
	return nil
}

// SetWriterIndex sets the writer index, which must lie in [ReaderIndex, Capacity].
func (b *Buffer) SetWriterIndex(i int) error {
	if err := b.refCnt.Check(); err != nil {
		return err
	}
	if i < b.readerIndex || i > len(b.mem) {
		return fmt.Errorf("%w: writerIndex: %d (expected: readerIndex(%d) <= writerIndex <= capacity(%d))",
			ErrOutOfRange, i, b.readerIndex, len(b.mem))
	}
	b.writerIndex = i
	return nil
}

// SetIndex sets both indexes at once.
func (b *Buffer) SetIndex(readerIndex, writerIndex int) error {
	if err := b.refCnt.Check(); err != nil {
		return err
	}
	if readerIndex < 0 || readerIndex > writerIndex || writerIndex > len(b.mem) {
		return fmt.Errorf("%w: readerIndex: %d, writerIndex: %d (expected: 0 <= readerIndex <= writerIndex <= capacity(%d))",
			ErrOutOfRange, readerIndex, writerIndex, len(b.mem))
	}
	b.readerIndex, b.writerIndex = readerIndex, writerIndex
	return nil
}

// Clear resets both indexes to 0. The contents are untouched.
func (b *Buffer) Clear() error {
	if err := b.refCnt.Check(); err != nil {
		return err
	}
	b.readerIndex, b.writerIndex = 0, 0
	return nil
}

// Skip advances the reader index by n.
func (b *Buffer) Skip(n int) error {
	if err := b.checkReadable(n); err != nil {
		return err
	}
	b.readerIndex += n
	return nil
}

// DiscardReadBytes moves the readable bytes to the front of the buffer.
func (b *Buffer) DiscardReadBytes() error {
	if err := b.refCnt.Check(); err != nil {
		return err
	}
	if b.readerIndex == 0 {
		return nil
	}
	n := copy(b.mem, b.mem[b.readerIndex:b.writerIndex])
	b.readerIndex, b.writerIndex = 0, n
	return nil
}

// Bytes returns the readable bytes without copying. The slice aliases the
// buffer and is invalid after Release or a capacity change.
func (b *Buffer) Bytes() []byte {
	if !b.refCnt.Live() {
		return nil
	}
	return b.mem[b.readerIndex:b.writerIndex]
}

// AdjustCapacity changes the capacity to newCapacity. Pooled buffers grow in
// place up to their normalized size and shrink in place while newCapacity
// still warrants the allocation; otherwise the readable prefix is copied into
// a new allocation. Shrinking below the writer index truncates the indexes.
func (b *Buffer) AdjustCapacity(newCapacity int) error {
	if err := b.refCnt.Check(); err != nil {
		return err
	}
	if newCapacity < 0 {
		return fmt.Errorf("%w: newCapacity: %d (expected: >= 0)", ErrOutOfRange, newCapacity)
	}
	if newCapacity > b.maxCapacity {
		return fmt.Errorf("%w: newCapacity: %d (expected: <= maxCapacity(%d))",
			ErrCapacityExceeded, newCapacity, b.maxCapacity)
	}
	oldCapacity := len(b.mem)
	if newCapacity == oldCapacity {
		return nil
	}

	switch b.kind {
	case pooledKind:
		if b.resizeInPlace(newCapacity) {
			break
		}
		h, err := b.h.Arena().Reallocate(b.h, min(oldCapacity, newCapacity), newCapacity)
		if err != nil {
			return arenaError(err)
		}
		b.h = h
		b.mem = h.Memory()[:newCapacity]
	case unpooledKind:
		var region mem.Region
		if newCapacity > 0 {
			var err error
			if region, err = mem.Allocate(newCapacity, b.direct); err != nil {
				return err
			}
			copy(region.Bytes(), b.mem)
		}
		counter := b.a.unpooledBytes(b.direct)
		counter.Add(int64(newCapacity - b.region.Len()))
		old := b.region
		b.region = region
		b.mem = b.region.Bytes()[:newCapacity]
		if n := old.Len(); n > 0 {
			if err := old.Free(); err != nil {
				b.a.logger.Warn("unpooled buffer release failed", "direct", b.direct, "size", n, "error", err)
			}
		}
	}
	b.trimIndices(newCapacity)
	return nil
}

func (b *Buffer) resizeInPlace(newCapacity int) bool {
	if b.h.Empty() || b.h.Huge() {
		return false
	}
	maxLength := b.h.MaxLength()
	if newCapacity > len(b.mem) {
		if newCapacity > maxLength {
			return false
		}
	} else if newCapacity <= maxLength>>1 || (maxLength <= 512 && newCapacity <= maxLength-16) {
		return false
	}
	b.mem = b.h.Memory()[:newCapacity]
	return true
}

func (b *Buffer) trimIndices(capacity int) {
	if b.writerIndex > capacity {
		b.readerIndex = min(b.readerIndex, capacity)
		b.writerIndex = capacity
	}
}

// EnsureWritable grows the buffer so at least n more bytes can be written.
func (b *Buffer) EnsureWritable(n int) error {
	if err := b.refCnt.Check(); err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("%w: minWritableBytes: %d (expected: >= 0)", ErrOutOfRange, n)
	}
	if n <= b.WritableBytes() {
		return nil
	}
	if n > b.maxCapacity-b.writerIndex {
		return fmt.Errorf("%w: writerIndex(%d) + minWritableBytes(%d) exceeds maxCapacity(%d)",
			ErrCapacityExceeded, b.writerIndex, n, b.maxCapacity)
	}
	var newCapacity int
	if fast := b.maxFastWritableBytes(); fast >= n {
		newCapacity = b.writerIndex + fast
	} else {
		newCapacity = growCapacity(b.writerIndex+n, b.maxCapacity)
	}
	return b.AdjustCapacity(newCapacity)
}

// maxFastWritableBytes is how many bytes can be written without copying.
func (b *Buffer) maxFastWritableBytes() int {
	if b.kind != pooledKind || b.h.Empty() || b.h.Huge() {
		return b.WritableBytes()
	}
	return min(b.h.MaxLength(), b.maxCapacity) - b.writerIndex
}

// growCapacity picks the capacity for a buffer that needs minNewCapacity
// bytes: powers of two from 64 up to 4MiB, then 4MiB steps, never above
// maxCapacity.
func growCapacity(minNewCapacity, maxCapacity int) int {
	if minNewCapacity == capacityThreshold {
		return capacityThreshold
	}
	if minNewCapacity > capacityThreshold {
		newCapacity := minNewCapacity / capacityThreshold * capacityThreshold
		if newCapacity > maxCapacity-capacityThreshold {
			return maxCapacity
		}
		return newCapacity + capacityThreshold
	}
	newCapacity := 64
	for newCapacity < minNewCapacity {
		newCapacity <<= 1
	}
	return min(newCapacity, maxCapacity)
}

func (b *Buffer) checkIndex(index, n int) (int, error) {
	if err := b.refCnt.Check(); err != nil {
		return 0, err
	}
	end, err := buf.CheckRange(len(b.mem), index, n)
	if err != nil {
		return 0, fmt.Errorf("%w: capacity(%d): %w", ErrOutOfRange, len(b.mem), err)
	}
	return end, nil
}

func (b *Buffer) checkReadable(n int) error {
	if err := b.refCnt.Check(); err != nil {
		return err
	}
	if n < 0 || n > b.ReadableBytes() {
		return fmt.Errorf("%w: readerIndex(%d) + length(%d) exceeds writerIndex(%d)",
			ErrOutOfRange, b.readerIndex, n, b.writerIndex)
	}
	return nil
}

// GetBytes copies len(dst) bytes starting at index into dst. Indexes are
// not modified.
func (b *Buffer) GetBytes(index int, dst []byte) error {
	end, err := b.checkIndex(index, len(dst))
	if err != nil {
		return err
	}
	b.leak.Record(nil)
	copy(dst, b.mem[index:end])
	return nil
}

// SetBytes copies src into the buffer at index. Indexes are not modified.
func (b *Buffer) SetBytes(index int, src []byte) error {
	if _, err := b.checkIndex(index, len(src)); err != nil {
		return err
	}
	b.leak.Record(nil)
	copy(b.mem[index:], src)
	return nil
}

// ReadBytes fills dst from the readable bytes. It fails without reading
// anything if fewer than len(dst) bytes are readable.
func (b *Buffer) ReadBytes(dst []byte) error {
	if err := b.checkReadable(len(dst)); err != nil {
		return err
	}
	b.leak.Record(nil)
	b.readerIndex += copy(dst, b.mem[b.readerIndex:b.writerIndex])
	return nil
}

// WriteBytes appends src, growing the buffer as needed.
func (b *Buffer) WriteBytes(src []byte) error {
	if err := b.EnsureWritable(len(src)); err != nil {
		return err
	}
	b.leak.Record(nil)
	b.writerIndex += copy(b.mem[b.writerIndex:], src)
	return nil
}

// Read implements io.Reader over the readable bytes.
func (b *Buffer) Read(p []byte) (int, error) {
	if err := b.refCnt.Check(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if !b.IsReadable() {
		return 0, io.EOF
	}
	n := copy(p, b.mem[b.readerIndex:b.writerIndex])
	b.readerIndex += n
	return n, nil
}

// Write implements io.Writer. It writes all of p or nothing.
func (b *Buffer) Write(p []byte) (int, error) {
	if err := b.WriteBytes(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteTo implements io.WriterTo, draining the readable bytes into w.
func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	if err := b.refCnt.Check(); err != nil {
		return 0, err
	}
	n, err := w.Write(b.mem[b.readerIndex:b.writerIndex])
	b.readerIndex += n
	return int64(n), err
}

// GetByte returns the byte at index.
func (b *Buffer) GetByte(index int) (byte, error) {
	if _, err := b.checkIndex(index, 1); err != nil {
		return 0, err
	}
	return b.mem[index], nil
}

// SetByte sets the byte at index.
func (b *Buffer) SetByte(index int, v byte) error {
	if _, err := b.checkIndex(index, 1); err != nil {
		return err
	}
	b.mem[index] = v
	return nil
}

// ReadByte implements io.ByteReader. It returns io.EOF when nothing is readable.
func (b *Buffer) ReadByte() (byte, error) {
	if err := b.refCnt.Check(); err != nil {
		return 0, err
	}
	if !b.IsReadable() {
		return 0, io.EOF
	}
	v := b.mem[b.readerIndex]
	b.readerIndex++
	return v, nil
}

// WriteByte implements io.ByteWriter.
func (b *Buffer) WriteByte(v byte) error {
	if err := b.EnsureWritable(1); err != nil {
		return err
	}
	b.mem[b.writerIndex] = v
	b.writerIndex++
	return nil
}

func (b *Buffer) getUint(index, size int, order binary.ByteOrder) (uint64, error) {
	end, err := b.checkIndex(index, size)
	if err != nil {
		return 0, err
	}
	v, _ := buf.Uint(b.mem[index:end], order, size)
	return v, nil
}

func (b *Buffer) setUint(index, size int, v uint64, order binary.ByteOrder) error {
	end, err := b.checkIndex(index, size)
	if err != nil {
		return err
	}
	buf.PutUint(b.mem[index:end], order, size, v)
	return nil
}

func (b *Buffer) readUint(size int, order binary.ByteOrder) (uint64, error) {
	if err := b.checkReadable(size); err != nil {
		return 0, err
	}
	v, _ := buf.Uint(b.mem[b.readerIndex:b.writerIndex], order, size)
	b.readerIndex += size
	return v, nil
}

func (b *Buffer) writeUint(size int, v uint64, order binary.ByteOrder) error {
	if err := b.EnsureWritable(size); err != nil {
		return err
	}
	buf.PutUint(b.mem[b.writerIndex:], order, size, v)
	b.writerIndex += size
	return nil
}

func (b *Buffer) GetUint16(index int, order binary.ByteOrder) (uint16, error) {
	v, err := b.getUint(index, 2, order)
	return uint16(v), err
}

func (b *Buffer) GetUint32(index int, order binary.ByteOrder) (uint32, error) {
	v, err := b.getUint(index, 4, order)
	return uint32(v), err
}

func (b *Buffer) GetUint64(index int, order binary.ByteOrder) (uint64, error) {
	return b.getUint(index, 8, order)
}

func (b *Buffer) SetUint16(index int, v uint16, order binary.ByteOrder) error {
	return b.setUint(index, 2, uint64(v), order)
}

func (b *Buffer) SetUint32(index int, v uint32, order binary.ByteOrder) error {
	return b.setUint(index, 4, uint64(v), order)
}

func (b *Buffer) SetUint64(index int, v uint64, order binary.ByteOrder) error {
	return b.setUint(index, 8, v, order)
}

func (b *Buffer) ReadUint16(order binary.ByteOrder) (uint16, error) {
	v, err := b.readUint(2, order)
	return uint16(v), err
}

func (b *Buffer) ReadUint32(order binary.ByteOrder) (uint32, error) {
	v, err := b.readUint(4, order)
	return uint32(v), err
}

func (b *Buffer) ReadUint64(order binary.ByteOrder) (uint64, error) {
	return b.readUint(8, order)
}

func (b *Buffer) WriteUint16(v uint16, order binary.ByteOrder) error {
	return b.writeUint(2, uint64(v), order)
}

func (b *Buffer) WriteUint32(v uint32, order binary.ByteOrder) error {
	return b.writeUint(4, uint64(v), order)
}

func (b *Buffer) WriteUint64(v uint64, order binary.ByteOrder) error {
	return b.writeUint(8, v, order)
}

// WriteString encodes s with enc (UTF-8 when enc is nil) and appends it.
// It returns the number of bytes written.
func (b *Buffer) WriteString(s string, enc encoding.Encoding) (int, error) {
	if err := b.refCnt.Check(); err != nil {
		return 0, err
	}
	if enc != nil {
		encoded, err := enc.NewEncoder().String(s)
		if err != nil {
			return 0, fmt.Errorf("pool: encode string: %w", err)
		}
		s = encoded
	}
	if err := b.EnsureWritable(len(s)); err != nil {
		return 0, err
	}
	b.leak.Record(nil)
	n := copy(b.mem[b.writerIndex:], s)
	b.writerIndex += n
	return n, nil
}

// ReadString consumes n bytes and decodes them with enc (UTF-8 when enc is
// nil). Nothing is consumed if decoding fails.
func (b *Buffer) ReadString(n int, enc encoding.Encoding) (string, error) {
	if err := b.checkReadable(n); err != nil {
		return "", err
	}
	raw := b.mem[b.readerIndex : b.readerIndex+n]
	s := string(raw)
	if enc != nil {
		decoded, err := enc.NewDecoder().Bytes(raw)
		if err != nil {
			return "", fmt.Errorf("pool: decode string: %w", err)
		}
		s = string(decoded)
	}
	b.leak.Record(nil)
	b.readerIndex += n
	return s, nil
}

// RefCnt returns the current reference count.
func (b *Buffer) RefCnt() int { return b.refCnt.Load() }

// Retain adds one holder.
func (b *Buffer) Retain() error { return b.RetainN(1) }

// RetainN adds n holders.
func (b *Buffer) RetainN(n int) error {
	if err := b.refCnt.Retain(n); err != nil {
		return err
	}
	b.leak.Record(nil)
	return nil
}

// Release drops one holder and reports whether the buffer was deallocated.
func (b *Buffer) Release() (bool, error) { return b.ReleaseN(1) }

// ReleaseN drops n holders and reports whether the buffer was deallocated.
func (b *Buffer) ReleaseN(n int) (bool, error) {
	b.leak.Record(nil)
	released, err := b.refCnt.Release(n)
	if err != nil {
		return false, err
	}
	if released {
		b.deallocate()
	}
	return released, nil
}

// Touch records hint for leak reports at the Advanced and Paranoid levels.
func (b *Buffer) Touch(hint any) { b.leak.Record(hint) }

func (b *Buffer) deallocate() {
	b.leak.Close()
	b.mem = nil
	switch b.kind {
	case pooledKind:
		h := b.h
		b.h = alloc.Handle{}
		if ar := h.Arena(); ar != nil {
			ar.Free(h)
		}
	case unpooledKind:
		n := b.region.Len()
		if err := b.region.Free(); err != nil {
			b.a.logger.Warn("unpooled buffer release failed", "direct", b.direct, "size", n, "error", err)
		}
		b.a.unpooledBytes(b.direct).Add(-int64(n))
	}
}

func (b *Buffer) resource() string {
	switch {
	case b.direct && b.kind == pooledKind:
		return "pooled direct buffer"
	case b.kind == pooledKind:
		return "pooled heap buffer"
	case b.direct:
		return "unpooled direct buffer"
	}
	return "unpooled heap buffer"
}

func (b *Buffer) String() string {
	if !b.refCnt.Live() {
		return b.resource() + "(freed)"
	}
	return fmt.Sprintf("%s(ridx: %d, widx: %d, cap: %d/%d)",
		b.resource(), b.readerIndex, b.writerIndex, len(b.mem), b.maxCapacity)
}
