package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/bufkit/internal/leak"
	"github.com/joshuapare/bufkit/internal/logger"
	"github.com/joshuapare/bufkit/internal/mem"
	"github.com/joshuapare/bufkit/pool/alloc"
)

// Allocator hands out pooled, reference-counted buffers.
//
// Work is sharded over several heap and direct arenas. Each goroutine
// allocating through the Allocator borrows a cache from an internal sync.Pool
// for the duration of the call; caches bind to the arenas with the fewest
// caches. An Allocator is safe for concurrent use.
type Allocator struct {
	cfg      Config
	logger   *slog.Logger
	table    *alloc.SizeTable
	heap     []*alloc.Arena
	direct   []*alloc.Arena
	detector *leak.Detector

	caches  sync.Pool // of *cacheRef
	nextArn atomic.Uint32

	cacheMu sync.Mutex
	live    map[*alloc.ThreadCache]struct{}

	unpooledHeap   atomic.Int64
	unpooledDirect atomic.Int64

	closed atomic.Bool
}

// cacheRef is what the sync.Pool holds. Buffers reference the inner cache,
// so when the pool drops a cacheRef its cleanup can flush the cache back to
// the arenas while buffers allocated through it are still alive.
type cacheRef struct {
	tc *alloc.ThreadCache
}

// New validates cfg and builds an allocator.
func New(cfg Config) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	table, err := alloc.NewSizeTable(cfg.PageSize, cfg.MaxOrder)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	a := &Allocator{
		cfg:    cfg,
		logger: cfg.Logger,
		table:  table,
		live:   make(map[*alloc.ThreadCache]struct{}),
	}
	if a.logger == nil {
		a.logger = logger.L
	}

	a.heap, err = newArenas(cfg, cfg.HeapArenas, false, a.logger)
	if err != nil {
		return nil, err
	}
	a.direct, err = newArenas(cfg, cfg.DirectArenas, true, a.logger)
	if err != nil {
		return nil, err
	}

	a.detector = leak.New(leak.Options{
		Level:            cfg.LeakDetection,
		SamplingInterval: cfg.LeakSamplingInterval,
		TargetRecords:    cfg.LeakTargetRecords,
		Logger:           a.logger,
		OnLeak:           cfg.OnLeak,
	})

	if cfg.cachesEnabled() && len(a.heap)+len(a.direct) > 0 {
		a.caches.New = func() any { return a.newCacheRef() }
	}

	// An allocator dropped without Close still hands its idle chunks back.
	// Live buffers keep the allocator reachable, so no chunk in use can be
	// released here.
	runtime.AddCleanup(a, func(arenas []*alloc.Arena) { destroyArenas(arenas) }, slices.Concat(a.heap, a.direct))

	a.logger.Debug("allocator created",
		"heapArenas", len(a.heap), "directArenas", len(a.direct),
		"pageSize", cfg.PageSize, "maxOrder", cfg.MaxOrder, "chunkSize", table.ChunkSize(),
		"leakDetection", cfg.LeakDetection.String())
	return a, nil
}

func newArenas(cfg Config, n int, direct bool, lg *slog.Logger) ([]*alloc.Arena, error) {
	arenas := make([]*alloc.Arena, 0, n)
	for range n {
		ar, err := alloc.NewArena(alloc.ArenaConfig{
			PageSize: cfg.PageSize,
			MaxOrder: cfg.MaxOrder,
			Direct:   direct,
			Logger:   lg,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		arenas = append(arenas, ar)
	}
	return arenas, nil
}

var (
	defaultOnce sync.Once
	defaultPool *Allocator
)

// Default returns a process-wide allocator built from DefaultConfig on first
// use. If the environment yields an invalid configuration the built-in
// defaults are used instead. Libraries should accept an *Allocator rather than
// call Default.
func Default() *Allocator {
	defaultOnce.Do(func() {
		a, err := New(DefaultConfig())
		if err != nil {
			logger.Warn("invalid allocator environment, using defaults", "error", err)
			a, err = New(builtinConfig())
			if err != nil {
				panic(err)
			}
		}
		defaultPool = a
	})
	return defaultPool
}

// Config returns the configuration the allocator was built with.
func (a *Allocator) Config() Config { return a.cfg }

// Buffer returns a direct buffer if PreferDirect is set, otherwise a heap buffer.
func (a *Allocator) Buffer(initialCapacity, maxCapacity int) (*Buffer, error) {
	if a.cfg.PreferDirect {
		return a.DirectBuffer(initialCapacity, maxCapacity)
	}
	return a.HeapBuffer(initialCapacity, maxCapacity)
}

// HeapBuffer returns a buffer backed by Go heap memory.
func (a *Allocator) HeapBuffer(initialCapacity, maxCapacity int) (*Buffer, error) {
	return a.newBuffer(nil, false, initialCapacity, maxCapacity)
}

// DirectBuffer returns a buffer backed by memory outside the Go heap where
// the platform supports it.
func (a *Allocator) DirectBuffer(initialCapacity, maxCapacity int) (*Buffer, error) {
	return a.newBuffer(nil, true, initialCapacity, maxCapacity)
}

// CompositeBuffer returns an empty composite that consolidates its
// components once more than maxComponents are added.
func (a *Allocator) CompositeBuffer(maxComponents int) (*CompositeBuffer, error) {
	return newCompositeBuffer(a, maxComponents)
}

func (a *Allocator) newBuffer(tc *alloc.ThreadCache, direct bool, initialCapacity, maxCapacity int) (*Buffer, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	if err := validateCapacity(initialCapacity, maxCapacity); err != nil {
		return nil, err
	}

	arenas := a.heap
	if direct {
		arenas = a.direct
	}
	if len(arenas) == 0 {
		return a.newUnpooledBuffer(direct, initialCapacity, maxCapacity)
	}

	var ref *cacheRef
	if tc == nil {
		ref = a.borrowCache()
		if ref != nil {
			tc = ref.tc
		}
	}
	ar := a.arenaFor(tc, arenas, direct)
	h, err := ar.Allocate(tc, initialCapacity)
	if ref != nil {
		a.caches.Put(ref)
	}
	if err != nil {
		return nil, arenaError(err)
	}
	return a.track(newPooledBuffer(a, h, initialCapacity, maxCapacity)), nil
}

func (a *Allocator) newUnpooledBuffer(direct bool, initialCapacity, maxCapacity int) (*Buffer, error) {
	var region mem.Region
	if initialCapacity > 0 {
		var err error
		region, err = mem.Allocate(initialCapacity, direct)
		if err != nil {
			return nil, err
		}
		a.unpooledBytes(direct).Add(int64(initialCapacity))
	}
	return a.track(newUnpooledBuffer(a, region, direct, initialCapacity, maxCapacity)), nil
}

func (a *Allocator) unpooledBytes(direct bool) *atomic.Int64 {
	if direct {
		return &a.unpooledDirect
	}
	return &a.unpooledHeap
}

func (a *Allocator) track(b *Buffer) *Buffer {
	b.leak = leak.Track(a.detector, b, b.resource())
	return b
}

func validateCapacity(initialCapacity, maxCapacity int) error {
	if initialCapacity < 0 {
		return fmt.Errorf("%w: initialCapacity: %d (expected: >= 0)", ErrOutOfRange, initialCapacity)
	}
	if initialCapacity > maxCapacity {
		return fmt.Errorf("%w: initialCapacity: %d (expected: not greater than maxCapacity(%d))",
			ErrCapacityExceeded, initialCapacity, maxCapacity)
	}
	return nil
}

func (a *Allocator) borrowCache() *cacheRef {
	if a.caches.New == nil {
		return nil
	}
	return a.caches.Get().(*cacheRef)
}

// arenaFor returns the arena of the requested kind bound to tc, or the next
// arena in round-robin order when there is no cache.
func (a *Allocator) arenaFor(tc *alloc.ThreadCache, arenas []*alloc.Arena, direct bool) *alloc.Arena {
	if tc != nil {
		ar := tc.HeapArena()
		if direct {
			ar = tc.DirectArena()
		}
		if ar != nil {
			return ar
		}
	}
	return arenas[int(a.nextArn.Add(1)-1)%len(arenas)]
}

func (a *Allocator) newCache() *alloc.ThreadCache {
	tc := alloc.NewThreadCache(leastUsed(a.heap), leastUsed(a.direct), a.cfg.cacheConfig())
	a.cacheMu.Lock()
	a.live[tc] = struct{}{}
	a.cacheMu.Unlock()
	return tc
}

func (a *Allocator) newCacheRef() *cacheRef {
	ref := &cacheRef{tc: a.newCache()}
	runtime.AddCleanup(ref, a.releaseCache, ref.tc)
	return ref
}

// releaseCache flushes tc before unregistering it, so a concurrent
// TrimCaches either waits for the flush or finds the cache already empty.
func (a *Allocator) releaseCache(tc *alloc.ThreadCache) {
	if n := tc.Free(); n > 0 {
		a.logger.Debug("cache released", "entries", n)
	}
	a.cacheMu.Lock()
	delete(a.live, tc)
	a.cacheMu.Unlock()
}

func leastUsed(arenas []*alloc.Arena) *alloc.Arena {
	var best *alloc.Arena
	for _, ar := range arenas {
		if best == nil || ar.NumThreadCaches() < best.NumThreadCaches() {
			best = ar
		}
	}
	return best
}

// TrimCaches trims every live cache and returns the number of entries
// handed back to the arenas.
func (a *Allocator) TrimCaches() int {
	a.cacheMu.Lock()
	caches := make([]*alloc.ThreadCache, 0, len(a.live))
	for tc := range a.live {
		caches = append(caches, tc)
	}
	a.cacheMu.Unlock()

	n := 0
	for _, tc := range caches {
		n += tc.Trim()
	}
	return n
}

// Close flushes every live cache and destroys the arenas, handing idle chunks
// back to the system. Buffers still alive stay valid; each chunk they occupy
// is released with its last allocation. Later allocations fail with
// ErrClosed. Close is idempotent.
func (a *Allocator) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}

	a.cacheMu.Lock()
	caches := make([]*alloc.ThreadCache, 0, len(a.live))
	for tc := range a.live {
		caches = append(caches, tc)
	}
	clear(a.live)
	a.cacheMu.Unlock()

	flushed := 0
	for _, tc := range caches {
		flushed += tc.Free()
	}
	released := destroyArenas(slices.Concat(a.heap, a.direct))
	a.logger.Debug("allocator closed", "cacheEntries", flushed, "chunksReleased", released)
	return nil
}

// Closed reports whether Close has been called.
func (a *Allocator) Closed() bool { return a.closed.Load() }

func destroyArenas(arenas []*alloc.Arena) int {
	n := 0
	for _, ar := range arenas {
		n += ar.Destroy()
	}
	return n
}

// arenaError reports allocations against a destroyed arena as ErrClosed.
func arenaError(err error) error {
	if errors.Is(err, alloc.ErrArenaDestroyed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}

// Leaks returns the number of leak reports emitted so far.
func (a *Allocator) Leaks() int64 { return a.detector.Reported() }

// Metrics is a point-in-time snapshot of an Allocator.
type Metrics struct {
	HeapArenas       []alloc.ArenaMetrics `json:"heapArenas"`
	DirectArenas     []alloc.ArenaMetrics `json:"directArenas"`
	NumThreadCaches  int                  `json:"numThreadCaches"`
	PageSize         int                  `json:"pageSize"`
	MaxOrder         int                  `json:"maxOrder"`
	ChunkSize        int                  `json:"chunkSize"`
	UsedHeapMemory   int64                `json:"usedHeapMemory"`
	UsedDirectMemory int64                `json:"usedDirectMemory"`
	LeakDetection    string               `json:"leakDetection"`
	LeaksReported    int64                `json:"leaksReported"`
}

// Metrics returns a snapshot of every arena plus allocator-wide usage.
func (a *Allocator) Metrics() Metrics {
	m := Metrics{
		PageSize:         a.table.PageSize(),
		MaxOrder:         a.table.MaxOrder(),
		ChunkSize:        a.table.ChunkSize(),
		UsedHeapMemory:   a.unpooledHeap.Load(),
		UsedDirectMemory: a.unpooledDirect.Load(),
		LeakDetection:    a.detector.Level().String(),
		LeaksReported:    a.detector.Reported(),
	}
	a.cacheMu.Lock()
	m.NumThreadCaches = len(a.live)
	a.cacheMu.Unlock()

	for _, ar := range a.heap {
		am := ar.Metrics()
		m.UsedHeapMemory += am.NumActiveBytes
		m.HeapArenas = append(m.HeapArenas, am)
	}
	for _, ar := range a.direct {
		am := ar.Metrics()
		m.UsedDirectMemory += am.NumActiveBytes
		m.DirectArenas = append(m.DirectArenas, am)
	}
	return m
}
