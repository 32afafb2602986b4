package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joshuapare/bufkit/pool"
	"github.com/joshuapare/bufkit/pool/alloc"
)

var (
	statsAllocs int
	statsSize   int
	statsDirect bool
	statsKeep   bool
)

func init() {
	rootCmd.AddCommand(newStatsCmd())
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show allocator metrics",
		Long: `The stats command builds an allocator, optionally performs a number of
allocations, and prints arena, chunk list and subpage metrics.

Buffers are released before metrics are taken unless --keep is set, in which
case they stay live and show up as active allocations.

Example:
  poolctl stats
  poolctl stats --allocs 100 --size 1024
  poolctl stats --allocs 8 --size 65536 --keep --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(args)
		},
	}

	cmd.Flags().IntVar(&statsAllocs, "allocs", 0, "Number of buffers to allocate before reporting")
	cmd.Flags().IntVar(&statsSize, "size", 256, "Initial capacity of each buffer")
	cmd.Flags().BoolVar(&statsDirect, "direct", false, "Allocate direct buffers")
	cmd.Flags().BoolVar(&statsKeep, "keep", false, "Keep buffers live while reporting")

	return cmd
}

func runStats(args []string) error {
	if statsAllocs < 0 || statsSize < 0 {
		return fmt.Errorf("--allocs and --size must not be negative")
	}

	a, err := newAllocator()
	if err != nil {
		return err
	}
	defer a.Close()

	// A Local cache keeps the workload on one arena and is flushed on Close.
	local := a.Local()
	bufs := make([]*pool.Buffer, 0, statsAllocs)
	for range statsAllocs {
		var b *pool.Buffer
		if statsDirect {
			b, err = local.DirectBuffer(statsSize, pool.DefaultMaxCapacity)
		} else {
			b, err = local.HeapBuffer(statsSize, pool.DefaultMaxCapacity)
		}
		if err != nil {
			releaseAll(bufs)
			local.Close()
			return fmt.Errorf("allocate: %w", err)
		}
		bufs = append(bufs, b)
	}
	printVerbose("Allocated %d buffers of %d bytes\n", len(bufs), statsSize)

	if !statsKeep {
		releaseAll(bufs)
		local.Close()
	}
	m := a.Metrics()
	if statsKeep {
		releaseAll(bufs)
		local.Close()
	}

	if jsonOut {
		return printJSON(m)
	}
	printMetrics(m)
	return nil
}

func releaseAll(bufs []*pool.Buffer) {
	for _, b := range bufs {
		pool.SafeRelease(b)
	}
}

func printMetrics(m pool.Metrics) {
	printInfo("Chunk size:         %s (page %d, order %d)\n",
		formatBytes(int64(m.ChunkSize)), m.PageSize, m.MaxOrder)
	printInfo("Thread caches:      %d\n", m.NumThreadCaches)
	printInfo("Used heap memory:   %s\n", formatBytes(m.UsedHeapMemory))
	printInfo("Used direct memory: %s\n", formatBytes(m.UsedDirectMemory))
	printInfo("Leak detection:     %s (%d reported)\n", m.LeakDetection, m.LeaksReported)

	for i, am := range m.HeapArenas {
		printArena(fmt.Sprintf("heap[%d]", i), am)
	}
	for i, am := range m.DirectArenas {
		printArena(fmt.Sprintf("direct[%d]", i), am)
	}
}

func printArena(name string, am alloc.ArenaMetrics) {
	printInfo("\nArena %s:\n", name)
	printInfo("  Thread caches:      %d\n", am.NumThreadCaches)
	printInfo("  Chunks:             %d\n", am.NumChunks())
	printInfo("  Active allocations: %d\n", am.NumActiveAllocations)
	printInfo("  Active bytes:       %s\n", formatBytes(am.NumActiveBytes))
	printInfo("  Allocations:        %d (tiny %d, small %d, normal %d, huge %d)\n",
		am.NumAllocations, am.NumTinyAllocations, am.NumSmallAllocations,
		am.NumNormalAllocations, am.NumHugeAllocations)
	printInfo("  Deallocations:      %d (tiny %d, small %d, normal %d, huge %d)\n",
		am.NumDeallocations, am.NumTinyDeallocations, am.NumSmallDeallocations,
		am.NumNormalDeallocations, am.NumHugeDeallocations)

	if !verbose {
		return
	}
	for _, l := range am.ChunkLists {
		printVerbose("  List [%d, %d): %d chunks\n", l.MinUsage, l.MaxUsage, len(l.Chunks))
		for _, c := range l.Chunks {
			printVerbose("    usage %3d%%  free %s\n", c.Usage, formatBytes(int64(c.FreeBytes)))
		}
	}
	for _, s := range am.TinySubpages {
		printVerbose("  Tiny subpage  elem %4d  %d/%d free\n", s.ElementSize, s.NumAvailable, s.MaxNumElements)
	}
	for _, s := range am.SmallSubpages {
		printVerbose("  Small subpage elem %4d  %d/%d free\n", s.ElementSize, s.NumAvailable, s.MaxNumElements)
	}
}
