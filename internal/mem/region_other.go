//go:build !unix

package mem

// DirectSupported reports whether direct regions are backed by anonymous mappings.
// Without mmap, direct regions fall back to the Go heap.
const DirectSupported = false

func mapAnon(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapAnon([]byte) error { return nil }
