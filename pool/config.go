package pool

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/joshuapare/bufkit/internal/leak"
	"github.com/joshuapare/bufkit/internal/logger"
	"github.com/joshuapare/bufkit/pool/alloc"
)

// Environment variables read by DefaultConfig. Malformed values are logged
// and ignored.
const (
	EnvPageSize        = "BUFKIT_PAGE_SIZE"
	EnvMaxOrder        = "BUFKIT_MAX_ORDER"
	EnvHeapArenas      = "BUFKIT_HEAP_ARENAS"
	EnvDirectArenas    = "BUFKIT_DIRECT_ARENAS"
	EnvTinyCacheSize   = "BUFKIT_TINY_CACHE_SIZE"
	EnvSmallCacheSize  = "BUFKIT_SMALL_CACHE_SIZE"
	EnvNormalCacheSize = "BUFKIT_NORMAL_CACHE_SIZE"
	EnvPreferDirect    = "BUFKIT_PREFER_DIRECT"
	EnvLeakDetection   = "BUFKIT_LEAK_DETECTION"
	EnvLogAlloc        = "BUFKIT_LOG_ALLOC"
)

// DefaultMaxCapacity is the max capacity used when callers have no bound.
const DefaultMaxCapacity = 1<<31 - 1

// Config configures an Allocator. The zero value is not valid; start from
// DefaultConfig.
type Config struct {
	// Arena sharding. 0 arenas of a kind makes buffers of that kind unpooled.
	PreferDirect bool // Buffer() returns direct buffers
	HeapArenas   int
	DirectArenas int

	// Chunk geometry: chunks are PageSize << MaxOrder bytes.
	PageSize int // power of two, >= 4096
	MaxOrder int // 0-14, chunk size <= 1GiB

	// Per-cache bucket sizes. 0 disables the tier.
	TinyCacheSize           int
	SmallCacheSize          int
	NormalCacheSize         int
	MaxCachedBufferCapacity int // largest normal size kept in caches
	CacheTrimInterval       int // cache allocations between trims; 0 disables

	// Leak detection
	LeakDetection        leak.Level
	LeakSamplingInterval int          // 0 means leak.DefaultSamplingInterval
	LeakTargetRecords    int          // 0 means leak.DefaultTargetRecords
	OnLeak               func(Report) // optional listener

	Logger *slog.Logger // nil means logger.L
}

// Report is a leak report delivered to Config.OnLeak.
type Report = leak.Report

// DefaultConfig returns the default configuration with BUFKIT_* environment
// overrides applied.
func DefaultConfig() Config {
	cfg := builtinConfig()
	cfg.applyEnv(os.LookupEnv)
	return cfg
}

func builtinConfig() Config {
	arenas := 2 * runtime.NumCPU()
	return Config{
		HeapArenas:              arenas,
		DirectArenas:            arenas,
		PageSize:                alloc.DefaultPageSize,
		MaxOrder:                alloc.DefaultMaxOrder,
		TinyCacheSize:           alloc.DefaultTinyCacheSize,
		SmallCacheSize:          alloc.DefaultSmallCacheSize,
		NormalCacheSize:         alloc.DefaultNormalCacheSize,
		MaxCachedBufferCapacity: alloc.DefaultMaxCachedBufferCapacity,
		CacheTrimInterval:       alloc.DefaultCacheTrimInterval,
		LeakDetection:           leak.Simple,
		LeakSamplingInterval:    leak.DefaultSamplingInterval,
		LeakTargetRecords:       leak.DefaultTargetRecords,
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	ints := []struct {
		key string
		dst *int
	}{
		{EnvPageSize, &c.PageSize},
		{EnvMaxOrder, &c.MaxOrder},
		{EnvHeapArenas, &c.HeapArenas},
		{EnvDirectArenas, &c.DirectArenas},
		{EnvTinyCacheSize, &c.TinyCacheSize},
		{EnvSmallCacheSize, &c.SmallCacheSize},
		{EnvNormalCacheSize, &c.NormalCacheSize},
	}
	for _, e := range ints {
		v, ok := lookup(e.key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			logger.Warn("ignoring malformed environment variable", "key", e.key, "value", v)
			continue
		}
		*e.dst = n
	}

	if v, ok := lookup(EnvPreferDirect); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			logger.Warn("ignoring malformed environment variable", "key", EnvPreferDirect, "value", v)
		} else {
			c.PreferDirect = b
		}
	}
	if v, ok := lookup(EnvLeakDetection); ok {
		l, err := leak.ParseLevel(v)
		if err != nil {
			logger.Warn("ignoring malformed environment variable", "key", EnvLeakDetection, "value", v)
		} else {
			c.LeakDetection = l
		}
	}
	if v, ok := lookup(EnvLogAlloc); ok && v != "" {
		level, _ := logger.ParseLevel(v)
		if v == "1" || strings.EqualFold(v, "true") {
			level = slog.LevelDebug
		}
		c.Logger = logger.New(logger.Options{Enabled: true, Level: level})
	}
}

// Validate reports the first invalid parameter. Errors wrap ErrInvalidConfig.
func (c Config) Validate() error {
	if c.HeapArenas < 0 {
		return fmt.Errorf("%w: HeapArenas: %d (expected: >= 0)", ErrInvalidConfig, c.HeapArenas)
	}
	if c.DirectArenas < 0 {
		return fmt.Errorf("%w: DirectArenas: %d (expected: >= 0)", ErrInvalidConfig, c.DirectArenas)
	}
	if _, err := alloc.NewSizeTable(c.PageSize, c.MaxOrder); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	sizes := []struct {
		name string
		v    int
	}{
		{"TinyCacheSize", c.TinyCacheSize},
		{"SmallCacheSize", c.SmallCacheSize},
		{"NormalCacheSize", c.NormalCacheSize},
		{"MaxCachedBufferCapacity", c.MaxCachedBufferCapacity},
		{"CacheTrimInterval", c.CacheTrimInterval},
		{"LeakSamplingInterval", c.LeakSamplingInterval},
		{"LeakTargetRecords", c.LeakTargetRecords},
	}
	for _, s := range sizes {
		if s.v < 0 {
			return fmt.Errorf("%w: %s: %d (expected: >= 0)", ErrInvalidConfig, s.name, s.v)
		}
	}
	if c.LeakDetection < leak.Disabled || c.LeakDetection > leak.Paranoid {
		return fmt.Errorf("%w: LeakDetection: %d", ErrInvalidConfig, c.LeakDetection)
	}
	return nil
}

// ChunkSize returns PageSize << MaxOrder. Only meaningful for a valid config.
func (c Config) ChunkSize() int { return c.PageSize << c.MaxOrder }

func (c Config) cacheConfig() alloc.CacheConfig {
	return alloc.CacheConfig{
		TinyCacheSize:           c.TinyCacheSize,
		SmallCacheSize:          c.SmallCacheSize,
		NormalCacheSize:         c.NormalCacheSize,
		MaxCachedBufferCapacity: c.MaxCachedBufferCapacity,
		TrimInterval:            c.CacheTrimInterval,
	}
}

func (c Config) cachesEnabled() bool {
	return c.TinyCacheSize > 0 || c.SmallCacheSize > 0 || c.NormalCacheSize > 0
}
