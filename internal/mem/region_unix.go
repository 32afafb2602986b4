//go:build unix

package mem

import (
	"errors"

	"golang.org/x/sys/unix"
)

// DirectSupported reports whether direct regions are backed by anonymous mappings.
const DirectSupported = true

func mapAnon(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmapAnon(b []byte) error {
	err := unix.Munmap(b)
	if errors.Is(err, unix.EINVAL) {
		// Treat double-unmap as no-op for callers.
		return nil
	}
	return err
}
