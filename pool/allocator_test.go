package pool

import (
	"math/rand/v2"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/bufkit/pool/alloc"
)

// Test_Allocator_BalanceWithoutCaches allocates one buffer per pooled
// category with every cache tier disabled.
func Test_Allocator_BalanceWithoutCaches(t *testing.T) {
	a := newTestAllocator(t, func(c *Config) {
		c.PageSize = 8192
		c.TinyCacheSize = 0
		c.SmallCacheSize = 0
		c.NormalCacheSize = 0
	})

	var bufs []*Buffer
	for _, size := range []int{24, 800, 16384} {
		bufs = append(bufs, mustBuffer(t, a, size, DefaultMaxCapacity))
	}
	for _, b := range bufs {
		release(t, b)
	}

	m := a.Metrics().HeapArenas[0]
	require.Equal(t, int64(3), m.NumAllocations)
	require.Equal(t, int64(3), m.NumDeallocations)
	require.Equal(t, int64(1), m.NumTinyAllocations)
	require.Equal(t, int64(1), m.NumTinyDeallocations)
	require.Equal(t, int64(1), m.NumSmallAllocations)
	require.Equal(t, int64(1), m.NumSmallDeallocations)
	require.Equal(t, int64(1), m.NumNormalAllocations)
	require.Equal(t, int64(1), m.NumNormalDeallocations)
	require.Zero(t, m.NumActiveAllocations)
	require.Zero(t, m.NumThreadCaches)
}

func Test_Allocator_ChunkListRanges(t *testing.T) {
	a := newTestAllocator(t, nil)
	lists := a.Metrics().HeapArenas[0].ChunkLists
	require.Len(t, lists, 6)

	require.Equal(t, 0, lists[0].MinUsage)
	require.Equal(t, 100, lists[len(lists)-1].MaxUsage)
	for i := 1; i < len(lists); i++ {
		require.GreaterOrEqual(t, lists[i].MinUsage, lists[i-1].MinUsage, "lists ordered by usage")
		require.LessOrEqual(t, lists[i].MinUsage, lists[i-1].MaxUsage, "no gap between list %d and %d", i-1, i)
	}
}

func Test_Allocator_PreferDirect(t *testing.T) {
	a := newTestAllocator(t, func(c *Config) { c.PreferDirect = true })
	b, err := a.Buffer(100, DefaultMaxCapacity)
	require.NoError(t, err)
	require.True(t, b.Direct())
	require.True(t, b.h.Direct())
	require.Positive(t, a.Metrics().UsedDirectMemory)
	release(t, b)
}

func Test_Allocator_UsedMemory(t *testing.T) {
	a := newTestAllocator(t, func(c *Config) { c.MaxOrder = 4 })
	b := mustBuffer(t, a, 100, DefaultMaxCapacity)
	m := a.Metrics()
	require.Equal(t, int64(8192<<4), m.UsedHeapMemory)
	require.Zero(t, m.UsedDirectMemory)
	require.Equal(t, 8192<<4, m.ChunkSize)
	release(t, b)
}

func Test_Allocator_CacheReuse(t *testing.T) {
	a := newTestAllocator(t, nil)
	l := a.Local()
	defer l.Close()

	b, err := l.HeapBuffer(100, DefaultMaxCapacity)
	require.NoError(t, err)
	h := b.h
	release(t, b)
	require.Equal(t, 1, l.Len())

	b, err = l.HeapBuffer(100, DefaultMaxCapacity)
	require.NoError(t, err)
	require.Equal(t, h.Offset(), b.h.Offset())
	require.Zero(t, l.Len())
	release(t, b)

	m := a.Metrics().HeapArenas[0]
	require.Equal(t, int64(1), m.NumTinyAllocations)
	require.Zero(t, m.NumTinyDeallocations)
}

func Test_Allocator_LocalClose(t *testing.T) {
	a := newTestAllocator(t, nil)
	l := a.Local()
	require.Equal(t, 1, a.Metrics().NumThreadCaches)

	b, err := l.Buffer(1000, DefaultMaxCapacity)
	require.NoError(t, err)
	release(t, b)
	require.Equal(t, 1, l.Len())

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	require.Zero(t, l.Len())
	require.Zero(t, a.Metrics().HeapArenas[0].NumThreadCaches)
	require.Zero(t, activeAllocations(a.Metrics()))

	_, err = l.Buffer(10, DefaultMaxCapacity)
	require.ErrorIs(t, err, ErrClosed)
}

// Test_Allocator_ReleaseAfterClose checks that buffers outlive the cache
// they were allocated through.
func Test_Allocator_ReleaseAfterClose(t *testing.T) {
	a := newTestAllocator(t, nil)
	l := a.Local()
	b, err := l.HeapBuffer(300, DefaultMaxCapacity)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	require.NoError(t, b.WriteBytes([]byte("still usable")))
	release(t, b)
	require.Zero(t, activeAllocations(a.Metrics()))
}

func Test_Allocator_TrimCaches(t *testing.T) {
	a := newTestAllocator(t, nil)
	for range 10 {
		b := mustBuffer(t, a, 2000, DefaultMaxCapacity)
		release(t, b)
	}
	a.TrimCaches()
	a.TrimCaches()
	require.Zero(t, activeAllocations(a.Metrics()))
}

func Test_Allocator_Concurrent(t *testing.T) {
	a := newTestAllocator(t, func(c *Config) {
		c.HeapArenas = 4
		c.DirectArenas = 2
		c.MaxOrder = 6
	})

	handoff := make(chan *Buffer, 128)
	var consumers sync.WaitGroup
	for range 4 {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for b := range handoff {
				if _, err := b.Release(); err != nil {
					t.Error(err)
				}
			}
		}()
	}

	var producers sync.WaitGroup
	for g := range 8 {
		producers.Add(1)
		go func() {
			defer producers.Done()
			rng := rand.New(rand.NewPCG(uint64(g), 99))
			for range 400 {
				size := 1 + rng.IntN(1<<rng.IntN(20))
				var (
					b   *Buffer
					err error
				)
				if g%2 == 0 {
					b, err = a.HeapBuffer(0, DefaultMaxCapacity)
				} else {
					b, err = a.DirectBuffer(0, DefaultMaxCapacity)
				}
				if err != nil {
					t.Error(err)
					return
				}
				payload := make([]byte, size)
				payload[0], payload[size-1] = byte(g), byte(g)
				if err := b.WriteBytes(payload); err != nil {
					t.Error(err)
					return
				}
				if got := b.Bytes(); got[0] != byte(g) || got[size-1] != byte(g) {
					t.Errorf("goroutine %d: payload corrupted", g)
				}
				// fan out: one reference stays here, one goes to a consumer
				if err := b.Retain(); err != nil {
					t.Error(err)
					return
				}
				handoff <- b
				if _, err := b.Release(); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	producers.Wait()
	close(handoff)
	consumers.Wait()

	a.TrimCaches()
	a.TrimCaches()
	m := a.Metrics()
	require.Zero(t, activeAllocations(m))
	for _, am := range append(m.HeapArenas, m.DirectArenas...) {
		require.Equal(t, am.NumAllocations, am.NumDeallocations)
	}
}

func Test_Allocator_Default(t *testing.T) {
	a := Default()
	require.Same(t, a, Default())
	b, err := a.Buffer(10, DefaultMaxCapacity)
	require.NoError(t, err)
	release(t, b)
}

// Test_Allocator_CloseReleasesDirectMemory checks that the bootstrap chunk
// and cached entries are unmapped by Close.
func Test_Allocator_CloseReleasesDirectMemory(t *testing.T) {
	a := newTestAllocator(t, func(c *Config) { c.MaxOrder = 4 })
	chunkSize := int64(a.Metrics().ChunkSize)

	for _, size := range []int{100, 1000, 8192} {
		b, err := a.DirectBuffer(size, DefaultMaxCapacity)
		require.NoError(t, err)
		release(t, b)
	}
	require.Equal(t, chunkSize, a.Metrics().UsedDirectMemory, "released buffers keep the chunk mapped")

	require.NoError(t, a.Close())
	require.True(t, a.Closed())
	m := a.Metrics()
	require.Zero(t, m.UsedDirectMemory)
	require.Zero(t, m.UsedHeapMemory)
	require.Zero(t, m.DirectArenas[0].NumChunks())
	require.Zero(t, m.NumThreadCaches, "caches are flushed")
	require.Zero(t, activeAllocations(m))

	_, err := a.DirectBuffer(100, DefaultMaxCapacity)
	require.ErrorIs(t, err, ErrClosed)
	_, err = a.HeapBuffer(100, DefaultMaxCapacity)
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, a.Close())
}

// Test_Allocator_CloseKeepsLiveBuffers checks that Close leaves chunks in use
// mapped until their last buffer is released.
func Test_Allocator_CloseKeepsLiveBuffers(t *testing.T) {
	a := newTestAllocator(t, func(c *Config) { c.MaxOrder = 4 })
	chunkSize := int64(a.Metrics().ChunkSize)
	l := a.Local()

	b, err := l.DirectBuffer(100, DefaultMaxCapacity)
	require.NoError(t, err)
	require.NoError(t, b.WriteBytes([]byte("still mapped")))

	require.NoError(t, a.Close())
	require.Equal(t, chunkSize, a.Metrics().UsedDirectMemory)
	require.Equal(t, "still mapped", string(b.Bytes()))

	// growing needs a new allocation from the destroyed arena
	err = b.WriteBytes(make([]byte, 200))
	require.ErrorIs(t, err, ErrClosed)
	require.Equal(t, 100, b.Capacity(), "failed growth leaves the buffer unchanged")
	require.Equal(t, "still mapped", string(b.Bytes()))

	_, err = l.DirectBuffer(10, DefaultMaxCapacity)
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, l.Close())

	release(t, b)
	require.Zero(t, a.Metrics().UsedDirectMemory)
}

//go:noinline
func dropUsedAllocator(t *testing.T) *alloc.Arena {
	a := newTestAllocator(t, func(c *Config) {
		c.MaxOrder = 4
		c.TinyCacheSize = 0
		c.SmallCacheSize = 0
		c.NormalCacheSize = 0
	})
	b, err := a.DirectBuffer(100, DefaultMaxCapacity)
	require.NoError(t, err)
	release(t, b)

	ar := a.direct[0]
	require.Equal(t, int64(a.table.ChunkSize()), ar.ActiveBytes())
	return ar
}

// Test_Allocator_DroppedAllocatorReleasesChunks checks that an allocator
// that becomes unreachable without Close still unmaps its idle chunks.
func Test_Allocator_DroppedAllocatorReleasesChunks(t *testing.T) {
	ar := dropUsedAllocator(t)
	require.Eventually(t, func() bool {
		runtime.GC()
		return ar.ActiveBytes() == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.True(t, ar.Destroyed())
}
