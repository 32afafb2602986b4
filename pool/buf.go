package pool

import (
	"io"

	"github.com/joshuapare/bufkit/internal/logger"
)

// Buf is the surface shared by Buffer and CompositeBuffer.
type Buf interface {
	io.Reader
	io.Writer

	Capacity() int
	MaxCapacity() int
	ReaderIndex() int
	WriterIndex() int
	ReadableBytes() int
	WritableBytes() int

	GetBytes(index int, dst []byte) error
	ReadBytes(dst []byte) error
	WriteBytes(src []byte) error
	Bytes() []byte

	RefCnt() int
	Retain() error
	Release() (bool, error)
	Touch(hint any)
}

// SafeRelease releases b and logs instead of returning a failure. It is
// meant for deferred cleanup on paths that must not fail.
func SafeRelease(b Buf) {
	if b == nil {
		return
	}
	if _, err := b.Release(); err != nil {
		logger.Warn("failed to release buffer", "buffer", b, "error", err)
	}
}
