package pool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/bufkit/internal/leak"
)

// newTestAllocator returns a single-arena allocator with leak detection
// disabled. mutate may adjust the config before construction.
func newTestAllocator(t *testing.T, mutate func(*Config)) *Allocator {
	t.Helper()
	cfg := builtinConfig()
	cfg.HeapArenas = 1
	cfg.DirectArenas = 1
	cfg.LeakDetection = leak.Disabled
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg)
	require.NoError(t, err)
	return a
}

func mustBuffer(t *testing.T, a *Allocator, initial, maxCapacity int) *Buffer {
	t.Helper()
	b, err := a.HeapBuffer(initial, maxCapacity)
	require.NoError(t, err)
	return b
}

func release(t *testing.T, b Buf) {
	t.Helper()
	released, err := b.Release()
	require.NoError(t, err)
	require.True(t, released)
}

func activeAllocations(m Metrics) int64 {
	var n int64
	for _, am := range append(m.HeapArenas, m.DirectArenas...) {
		n += am.NumActiveAllocations
	}
	return n
}
