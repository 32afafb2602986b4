package alloc

import (
	"math/rand/v2"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/bufkit/internal/mem"
)

func newTestArena(t *testing.T, maxOrder int) *Arena {
	t.Helper()
	a, err := NewArena(ArenaConfig{PageSize: 8192, MaxOrder: maxOrder})
	require.NoError(t, err)
	return a
}

func Test_Arena_InvalidConfig(t *testing.T) {
	_, err := NewArena(ArenaConfig{PageSize: 1000, MaxOrder: 11})
	require.ErrorIs(t, err, ErrInvalidPageSize)

	a, err := NewArena(ArenaConfig{MaxOrder: 3})
	require.NoError(t, err)
	require.Equal(t, DefaultPageSize, a.Table().PageSize())
}

func Test_Arena_AllocateSizes(t *testing.T) {
	a := newTestArena(t, 4)

	tests := []struct {
		req     int
		wantLen int
	}{
		{1, 16},
		{100, 112},
		{600, 1024},
		{5000, 8192},
		{70000, 131072},
	}
	for _, tt := range tests {
		h, err := a.Allocate(nil, tt.req)
		require.NoError(t, err)
		require.Equal(t, tt.wantLen, h.MaxLength(), "Allocate(%d)", tt.req)
		require.Len(t, h.Memory(), tt.wantLen)
		require.Equal(t, tt.wantLen, cap(h.Memory()))
		require.False(t, h.Huge())
		a.Free(h)
	}
}

func Test_Arena_ZeroAndNegative(t *testing.T) {
	a := newTestArena(t, 2)

	h, err := a.Allocate(nil, 0)
	require.NoError(t, err)
	require.True(t, h.Empty())
	require.Nil(t, h.Memory())
	require.Same(t, a, h.Arena())
	a.Free(h)

	_, err = a.Allocate(nil, -1)
	require.ErrorIs(t, err, ErrBadSize)

	m := a.Metrics()
	require.Zero(t, m.NumAllocations)
	require.Zero(t, m.NumDeallocations)
}

func Test_Arena_Huge(t *testing.T) {
	a := newTestArena(t, 2)

	h, err := a.Allocate(nil, 40000)
	require.NoError(t, err)
	require.True(t, h.Huge())
	require.Equal(t, 40000, h.MaxLength())
	require.Equal(t, int64(40000), a.ActiveBytes())
	require.Equal(t, 0, a.Metrics().NumChunks(), "huge chunks are not pooled")

	a.Free(h)
	m := a.Metrics()
	require.Equal(t, int64(1), m.NumHugeAllocations)
	require.Equal(t, int64(1), m.NumHugeDeallocations)
	require.Zero(t, m.NumActiveBytes)
}

func Test_Arena_SubpagePooling(t *testing.T) {
	a := newTestArena(t, 4)

	h1, err := a.Allocate(nil, 4096)
	require.NoError(t, err)
	h2, err := a.Allocate(nil, 4096)
	require.NoError(t, err)
	require.Same(t, h1.chunk, h2.chunk)
	require.Equal(t, h1.Offset()+4096, h2.Offset())
	require.Empty(t, a.Metrics().SmallSubpages, "full subpage is unlinked")

	a.Free(h1)
	sp := a.Metrics().SmallSubpages
	require.Len(t, sp, 1)
	require.Equal(t, SubpageMetrics{MaxNumElements: 2, NumAvailable: 1, ElementSize: 4096, PageSize: 8192}, sp[0])

	a.Free(h2)
	m := a.Metrics()
	require.Empty(t, m.SmallSubpages)
	require.Equal(t, 1, m.NumChunks())
	require.Equal(t, int64(2), m.NumSmallAllocations)
	require.Equal(t, int64(2), m.NumSmallDeallocations)
}

func Test_Arena_NoOverlap(t *testing.T) {
	a := newTestArena(t, 6)
	rng := rand.New(rand.NewPCG(1, 2))

	type span struct {
		chunk    *Chunk
		from, to int
	}
	var (
		hs    []Handle
		spans []span
	)
	for range 2000 {
		h, err := a.Allocate(nil, 1+rng.IntN(20000))
		require.NoError(t, err)
		hs = append(hs, h)
		spans = append(spans, span{h.chunk, h.Offset(), h.Offset() + h.MaxLength()})
	}

	byChunk := map[*Chunk][]span{}
	for _, s := range spans {
		byChunk[s.chunk] = append(byChunk[s.chunk], s)
	}
	for _, ss := range byChunk {
		slices.SortFunc(ss, func(x, y span) int { return x.from - y.from })
		for i := 1; i < len(ss); i++ {
			require.LessOrEqual(t, ss[i-1].to, ss[i].from, "allocations overlap")
		}
	}

	for _, h := range hs {
		a.Free(h)
	}
	m := a.Metrics()
	require.Equal(t, m.NumAllocations, m.NumDeallocations)
	require.Zero(t, m.NumActiveAllocations)
}

// Test_Arena_CountersBalance checks per-category counters after concurrent
// allocate/free cycles with and without caches.
func Test_Arena_CountersBalance(t *testing.T) {
	a := newTestArena(t, 5)
	sizes := []int{16, 200, 496, 600, 4096, 8192, 30000, 300000}

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var cache *ThreadCache
			if g%2 == 0 {
				cache = NewThreadCache(a, nil, DefaultCacheConfig())
				defer cache.Free()
			}
			rng := rand.New(rand.NewPCG(uint64(g), 7))
			var live []Handle
			for range 500 {
				h, err := a.Allocate(cache, sizes[rng.IntN(len(sizes))])
				if err != nil {
					t.Error(err)
					return
				}
				b := h.Memory()
				b[0], b[len(b)-1] = byte(g), byte(g)
				live = append(live, h)
				if len(live) > 16 {
					i := rng.IntN(len(live))
					old := live[i]
					if old.Memory()[0] != byte(g) {
						t.Errorf("goroutine %d: memory clobbered", g)
					}
					a.Free(old)
					live = slices.Delete(live, i, i+1)
				}
			}
			for _, h := range live {
				a.Free(h)
			}
		}()
	}
	wg.Wait()

	m := a.Metrics()
	require.Equal(t, m.NumTinyAllocations, m.NumTinyDeallocations)
	require.Equal(t, m.NumSmallAllocations, m.NumSmallDeallocations)
	require.Equal(t, m.NumNormalAllocations, m.NumNormalDeallocations)
	require.Equal(t, m.NumHugeAllocations, m.NumHugeDeallocations)
	require.Zero(t, m.NumActiveAllocations)
	require.Zero(t, m.NumThreadCaches)
}

func Test_Arena_Reallocate(t *testing.T) {
	a := newTestArena(t, 4)

	h, err := a.Allocate(nil, 100)
	require.NoError(t, err)
	copy(h.Memory(), "hello, arena")

	h, err = a.Reallocate(h, 12, 5000)
	require.NoError(t, err)
	require.Equal(t, 8192, h.MaxLength())
	require.Equal(t, "hello, arena", string(h.Memory()[:12]))

	h, err = a.Reallocate(h, 12, 5)
	require.NoError(t, err)
	require.Equal(t, 16, h.MaxLength())
	require.Equal(t, "hello", string(h.Memory()[:5]))
	a.Free(h)

	m := a.Metrics()
	require.Equal(t, int64(2), m.NumTinyDeallocations)
	require.Equal(t, int64(1), m.NumNormalDeallocations)
}

func Test_Arena_ForeignFreePanics(t *testing.T) {
	a := newTestArena(t, 2)
	b := newTestArena(t, 2)
	h, err := a.Allocate(nil, 64)
	require.NoError(t, err)
	require.Panics(t, func() { b.Free(h) })
}

func Test_Arena_Direct(t *testing.T) {
	if !mem.DirectSupported {
		t.Skip("direct memory not supported on this platform")
	}
	a, err := NewArena(ArenaConfig{PageSize: 8192, MaxOrder: 2, Direct: true})
	require.NoError(t, err)

	h, err := a.Allocate(nil, 8192)
	require.NoError(t, err)
	require.True(t, h.Direct())
	for i := range h.Memory() {
		h.Memory()[i] = byte(i)
	}
	a.Free(h)
	require.Zero(t, a.ActiveBytes())
	require.True(t, a.Metrics().Direct)
	require.Contains(t, a.String(), "direct")
}

func newDirectTestArena(t *testing.T, maxOrder int) *Arena {
	t.Helper()
	if !mem.DirectSupported {
		t.Skip("direct memory not supported on this platform")
	}
	a, err := NewArena(ArenaConfig{PageSize: 8192, MaxOrder: maxOrder, Direct: true})
	require.NoError(t, err)
	return a
}

func Test_Arena_DestroyReleasesBootstrapChunk(t *testing.T) {
	a := newDirectTestArena(t, 4)
	chunkSize := int64(a.Table().ChunkSize())

	h, err := a.Allocate(nil, 100)
	require.NoError(t, err)
	a.Free(h)
	require.Equal(t, chunkSize, a.ActiveBytes(), "idle bootstrap chunk stays mapped")
	require.Equal(t, 1, a.Metrics().NumChunks())

	require.Equal(t, 1, a.Destroy())
	require.True(t, a.Destroyed())
	require.Zero(t, a.ActiveBytes())
	require.Zero(t, a.Metrics().NumChunks())

	_, err = a.Allocate(nil, 100)
	require.ErrorIs(t, err, ErrArenaDestroyed)
	_, err = a.Allocate(nil, 1<<20)
	require.ErrorIs(t, err, ErrArenaDestroyed)

	require.Zero(t, a.Destroy(), "second destroy has nothing left")
}

func Test_Arena_DestroyDefersBusyChunks(t *testing.T) {
	a := newDirectTestArena(t, 4)
	chunkSize := int64(a.Table().ChunkSize())

	idle, err := a.Allocate(nil, 8192)
	require.NoError(t, err)
	busy, err := a.Allocate(nil, 16384)
	require.NoError(t, err)
	require.Same(t, idle.chunk, busy.chunk)
	a.Free(idle)

	require.Zero(t, a.Destroy())
	require.Equal(t, chunkSize, a.ActiveBytes())

	// memory of a live handle stays usable after Destroy
	b := busy.Memory()
	for i := range b {
		b[i] = byte(i)
	}
	require.Equal(t, byte(7), b[7])

	a.Free(busy)
	require.Zero(t, a.ActiveBytes())
	m := a.Metrics()
	require.Zero(t, m.NumChunks())
	require.Equal(t, m.NumAllocations, m.NumDeallocations)
}
