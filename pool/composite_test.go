package pool

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func filled(t *testing.T, a *Allocator, s string) *Buffer {
	t.Helper()
	b := mustBuffer(t, a, len(s), DefaultMaxCapacity)
	require.NoError(t, b.WriteBytes([]byte(s)))
	return b
}

func Test_Composite_ReadAcrossComponents(t *testing.T) {
	a := newTestAllocator(t, nil)
	c, err := a.CompositeBuffer(16)
	require.NoError(t, err)

	for _, s := range []string{"hello", ", ", "", "composite", " world"} {
		require.NoError(t, c.AddComponent(filled(t, a, s)))
	}
	require.Equal(t, 5, c.NumComponents())
	require.Equal(t, 22, c.Capacity())
	require.Equal(t, 22, c.ReadableBytes())
	require.Equal(t, "hello, composite world", string(c.Bytes()))

	dst := make([]byte, 9)
	require.NoError(t, c.GetBytes(7, dst))
	require.Equal(t, "composite", string(dst))

	head := make([]byte, 7)
	require.NoError(t, c.ReadBytes(head))
	require.Equal(t, "hello, ", string(head))

	rest, err := io.ReadAll(c)
	require.NoError(t, err)
	require.Equal(t, "composite world", string(rest))

	require.ErrorIs(t, c.GetBytes(20, dst), ErrOutOfRange)
	require.ErrorIs(t, c.ReadBytes(dst[:1]), ErrOutOfRange)
	release(t, c)
	a.TrimCaches()
	a.TrimCaches()
	require.Zero(t, activeAllocations(a.Metrics()))
}

func Test_Composite_Consolidates(t *testing.T) {
	a := newTestAllocator(t, func(c *Config) {
		c.TinyCacheSize = 0
		c.SmallCacheSize = 0
		c.NormalCacheSize = 0
	})
	c, err := a.CompositeBuffer(3)
	require.NoError(t, err)

	parts := []*Buffer{filled(t, a, "ab"), filled(t, a, "cd"), filled(t, a, "ef")}
	for _, p := range parts {
		require.NoError(t, c.AddComponent(p))
	}
	require.Equal(t, 3, c.NumComponents())

	require.NoError(t, c.AddComponent(filled(t, a, "gh")))
	require.Equal(t, 1, c.NumComponents())
	require.Equal(t, "abcdefgh", string(c.Bytes()))
	for _, p := range parts {
		require.Zero(t, p.RefCnt(), "consolidated components are released")
	}

	n, err := c.Write([]byte("ij"))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 2, c.NumComponents())
	require.Equal(t, "abcdefghij", string(c.Bytes()))

	release(t, c)
	require.Zero(t, activeAllocations(a.Metrics()))
}

func Test_Composite_Lifecycle(t *testing.T) {
	a := newTestAllocator(t, nil)

	_, err := a.CompositeBuffer(0)
	require.ErrorIs(t, err, ErrOutOfRange)

	c, err := a.CompositeBuffer(4)
	require.NoError(t, err)
	b := filled(t, a, "x")
	require.NoError(t, c.AddComponent(b))

	require.NoError(t, c.Retain())
	released, err := c.Release()
	require.NoError(t, err)
	require.False(t, released)
	require.Equal(t, 1, b.RefCnt())

	release(t, c)
	require.Zero(t, b.RefCnt())
	require.Nil(t, c.Bytes())
	require.ErrorIs(t, c.WriteBytes([]byte("y")), ErrIllegalRefCount)

	dead := filled(t, a, "z")
	release(t, dead)
	c2, err := a.CompositeBuffer(4)
	require.NoError(t, err)
	require.ErrorIs(t, c2.AddComponent(dead), ErrIllegalRefCount)
	release(t, c2)
}

func Test_SafeRelease(t *testing.T) {
	a := newTestAllocator(t, nil)
	b := mustBuffer(t, a, 8, DefaultMaxCapacity)
	SafeRelease(b)
	require.Zero(t, b.RefCnt())
	require.NotPanics(t, func() { SafeRelease(b) })
	require.NotPanics(t, func() { SafeRelease(nil) })
}
