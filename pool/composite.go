package pool

import (
	"errors"
	"fmt"
	"io"

	"github.com/joshuapare/bufkit/internal/leak"
	"github.com/joshuapare/bufkit/internal/refcnt"
)

// component is one owned buffer and the readable window it contributes.
type component struct {
	buf    *Buffer
	data   []byte
	offset int // start within the composite
}

// CompositeBuffer presents several buffers as one contiguous, read-mostly
// sequence. Added buffers are owned by the composite and released with it.
// When more than maxComponents would be held, all components are copied into
// a single buffer.
type CompositeBuffer struct {
	a             *Allocator
	maxComponents int
	components    []component
	capacity      int
	readerIndex   int
	writerIndex   int

	refCnt refcnt.Counter
	leak   *leak.Tracker
}

var _ Buf = (*CompositeBuffer)(nil)

func newCompositeBuffer(a *Allocator, maxComponents int) (*CompositeBuffer, error) {
	if maxComponents < 1 {
		return nil, fmt.Errorf("%w: maxComponents: %d (expected: >= 1)", ErrOutOfRange, maxComponents)
	}
	c := &CompositeBuffer{a: a, maxComponents: maxComponents}
	c.refCnt.Init(1)
	c.leak = leak.Track(a.detector, c, "composite buffer")
	return c, nil
}

func (c *CompositeBuffer) Capacity() int      { return c.capacity }
func (c *CompositeBuffer) MaxCapacity() int   { return DefaultMaxCapacity }
func (c *CompositeBuffer) ReaderIndex() int   { return c.readerIndex }
func (c *CompositeBuffer) WriterIndex() int   { return c.writerIndex }
func (c *CompositeBuffer) ReadableBytes() int { return c.writerIndex - c.readerIndex }
func (c *CompositeBuffer) WritableBytes() int { return c.capacity - c.writerIndex }

// NumComponents returns the number of buffers currently held.
func (c *CompositeBuffer) NumComponents() int { return len(c.components) }

// MaxComponents returns the consolidation threshold.
func (c *CompositeBuffer) MaxComponents() int { return c.maxComponents }

// AddComponent appends the readable bytes of b and advances the writer
// index. Ownership of b's reference passes to the composite on success; on
// failure the caller keeps it.
func (c *CompositeBuffer) AddComponent(b *Buffer) error {
	if err := c.refCnt.Check(); err != nil {
		return err
	}
	if err := b.refCnt.Check(); err != nil {
		return err
	}
	next := component{buf: b, data: b.Bytes(), offset: c.capacity}
	if len(c.components)+1 > c.maxComponents {
		if err := c.consolidate(next); err != nil {
			return err
		}
	} else {
		c.components = append(c.components, next)
	}
	c.capacity += len(next.data)
	c.writerIndex = c.capacity
	c.leak.Record(nil)
	return nil
}

// consolidate copies every component plus extra into one new buffer and
// releases the originals.
func (c *CompositeBuffer) consolidate(extra component) error {
	all := append(c.components[:len(c.components):len(c.components)], extra)
	total := c.capacity + len(extra.data)

	direct := all[0].buf.Direct()
	var (
		merged *Buffer
		err    error
	)
	if direct {
		merged, err = c.a.DirectBuffer(total, DefaultMaxCapacity)
	} else {
		merged, err = c.a.HeapBuffer(total, DefaultMaxCapacity)
	}
	if err != nil {
		return err
	}
	for _, comp := range all {
		if err := merged.WriteBytes(comp.data); err != nil {
			SafeRelease(merged)
			return err
		}
	}
	for _, comp := range all {
		SafeRelease(comp.buf)
	}
	c.components = append(c.components[:0], component{buf: merged, data: merged.Bytes()})
	c.a.logger.Debug("composite consolidated", "size", total, "components", len(all))
	return nil
}

// WriteBytes copies src into a new component.
func (c *CompositeBuffer) WriteBytes(src []byte) error {
	if err := c.refCnt.Check(); err != nil {
		return err
	}
	if len(src) == 0 {
		return nil
	}
	b, err := c.a.Buffer(len(src), DefaultMaxCapacity)
	if err != nil {
		return err
	}
	if err := b.WriteBytes(src); err != nil {
		SafeRelease(b)
		return err
	}
	if err := c.AddComponent(b); err != nil {
		SafeRelease(b)
		return err
	}
	return nil
}

// Write implements io.Writer. It writes all of p or nothing.
func (c *CompositeBuffer) Write(p []byte) (int, error) {
	if err := c.WriteBytes(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// GetBytes copies len(dst) bytes starting at index into dst.
func (c *CompositeBuffer) GetBytes(index int, dst []byte) error {
	if err := c.refCnt.Check(); err != nil {
		return err
	}
	if index < 0 || len(dst) > c.capacity-index {
		return fmt.Errorf("%w: index: %d, length: %d (expected: range(0, %d))",
			ErrOutOfRange, index, len(dst), c.capacity)
	}
	c.copyAt(index, dst)
	return nil
}

func (c *CompositeBuffer) copyAt(index int, dst []byte) {
	i := c.componentAt(index)
	for len(dst) > 0 {
		comp := c.components[i]
		n := copy(dst, comp.data[index-comp.offset:])
		dst = dst[n:]
		index += n
		i++
	}
}

// componentAt returns the component containing index using binary search.
func (c *CompositeBuffer) componentAt(index int) int {
	lo, hi := 0, len(c.components)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if c.components[mid].offset <= index {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

// ReadBytes fills dst from the readable bytes or fails without reading.
func (c *CompositeBuffer) ReadBytes(dst []byte) error {
	if err := c.refCnt.Check(); err != nil {
		return err
	}
	if len(dst) > c.ReadableBytes() {
		return fmt.Errorf("%w: readerIndex(%d) + length(%d) exceeds writerIndex(%d)",
			ErrOutOfRange, c.readerIndex, len(dst), c.writerIndex)
	}
	c.copyAt(c.readerIndex, dst)
	c.readerIndex += len(dst)
	return nil
}

// Read implements io.Reader.
func (c *CompositeBuffer) Read(p []byte) (int, error) {
	if err := c.refCnt.Check(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	n := min(len(p), c.ReadableBytes())
	if n == 0 {
		return 0, io.EOF
	}
	c.copyAt(c.readerIndex, p[:n])
	c.readerIndex += n
	return n, nil
}

// Bytes returns the readable bytes. With a single component the slice
// aliases it; otherwise the bytes are copied.
func (c *CompositeBuffer) Bytes() []byte {
	if !c.refCnt.Live() || c.ReadableBytes() == 0 {
		return nil
	}
	if len(c.components) == 1 {
		return c.components[0].data[c.readerIndex:c.writerIndex]
	}
	out := make([]byte, c.ReadableBytes())
	c.copyAt(c.readerIndex, out)
	return out
}

// RefCnt returns the current reference count.
func (c *CompositeBuffer) RefCnt() int { return c.refCnt.Load() }

// Retain adds one holder.
func (c *CompositeBuffer) Retain() error {
	if err := c.refCnt.Retain(1); err != nil {
		return err
	}
	c.leak.Record(nil)
	return nil
}

// Release drops one holder. On the last release every component is released;
// component failures are joined into the returned error.
func (c *CompositeBuffer) Release() (bool, error) {
	c.leak.Record(nil)
	released, err := c.refCnt.Release(1)
	if err != nil || !released {
		return false, err
	}
	c.leak.Close()
	var errs []error
	for _, comp := range c.components {
		if _, err := comp.buf.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	c.components = nil
	c.capacity, c.readerIndex, c.writerIndex = 0, 0, 0
	return true, errors.Join(errs...)
}

// Touch records hint for leak reports.
func (c *CompositeBuffer) Touch(hint any) { c.leak.Record(hint) }

func (c *CompositeBuffer) String() string {
	if !c.refCnt.Live() {
		return "composite buffer(freed)"
	}
	return fmt.Sprintf("composite buffer(ridx: %d, widx: %d, cap: %d, components: %d)",
		c.readerIndex, c.writerIndex, c.capacity, len(c.components))
}
