package main

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/joshuapare/bufkit/pool"
)

var (
	stressGoroutines int
	stressIterations int
	stressMinSize    int
	stressMaxSize    int
	stressHold       int
	stressDirect     bool
	stressLocal      bool
)

func init() {
	rootCmd.AddCommand(newStressCmd())
}

func newStressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run a concurrent allocate/release workload",
		Long: `The stress command runs goroutines that allocate buffers of random sizes,
write into them and release them, keeping up to --hold buffers live per
goroutine. When the workload finishes the caches are flushed and the command
fails if any arena still reports active allocations.

Example:
  poolctl stress
  poolctl stress --goroutines 32 --iterations 100000 --max-size 65536
  poolctl stress --local --direct --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress(args)
		},
	}

	cmd.Flags().IntVar(&stressGoroutines, "goroutines", 8, "Number of concurrent workers")
	cmd.Flags().IntVar(&stressIterations, "iterations", 10000, "Allocations per worker")
	cmd.Flags().IntVar(&stressMinSize, "min-size", 1, "Smallest requested capacity")
	cmd.Flags().IntVar(&stressMaxSize, "max-size", 16384, "Largest requested capacity")
	cmd.Flags().IntVar(&stressHold, "hold", 16, "Buffers each worker keeps live")
	cmd.Flags().BoolVar(&stressDirect, "direct", false, "Allocate direct buffers")
	cmd.Flags().BoolVar(&stressLocal, "local", false, "Give each worker its own Local cache")

	return cmd
}

type stressResult struct {
	Goroutines           int     `json:"goroutines"`
	Iterations           int     `json:"iterations"`
	Allocations          int64   `json:"allocations"`
	Duration             string  `json:"duration"`
	AllocsPerSecond      float64 `json:"allocsPerSecond"`
	Chunks               int     `json:"chunks"`
	NumActiveAllocations int64   `json:"numActiveAllocations"`
	NumActiveBytes       int64   `json:"numActiveBytes"`
}

// bufferSource is satisfied by *pool.Allocator and *pool.Local.
type bufferSource interface {
	HeapBuffer(initialCapacity, maxCapacity int) (*pool.Buffer, error)
	DirectBuffer(initialCapacity, maxCapacity int) (*pool.Buffer, error)
}

func runStress(args []string) error {
	switch {
	case stressGoroutines <= 0:
		return fmt.Errorf("--goroutines must be positive")
	case stressIterations < 0 || stressHold < 0:
		return fmt.Errorf("--iterations and --hold must not be negative")
	case stressMinSize < 0 || stressMaxSize < stressMinSize:
		return fmt.Errorf("invalid size range [%d, %d]", stressMinSize, stressMaxSize)
	}

	a, err := newAllocator()
	if err != nil {
		return err
	}
	defer a.Close()

	printVerbose("Running %d workers x %d iterations, sizes %d-%d\n",
		stressGoroutines, stressIterations, stressMinSize, stressMaxSize)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	start := time.Now()
	for w := range stressGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var src bufferSource = a
			if stressLocal {
				local := a.Local()
				defer local.Close()
				src = local
			}
			if err := stressWorker(src, uint64(w)); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	if len(errs) > 0 {
		return fmt.Errorf("worker failed: %w", errs[0])
	}

	// Two passes: the first resets per-cache allocation counts, the second
	// frees whatever the first kept.
	a.TrimCaches()
	a.TrimCaches()

	res := stressResult{
		Goroutines:  stressGoroutines,
		Iterations:  stressIterations,
		Allocations: int64(stressGoroutines) * int64(stressIterations),
		Duration:    elapsed.Round(time.Microsecond).String(),
	}
	if s := elapsed.Seconds(); s > 0 {
		res.AllocsPerSecond = float64(res.Allocations) / s
	}
	m := a.Metrics()
	for _, am := range append(m.HeapArenas, m.DirectArenas...) {
		res.Chunks += am.NumChunks()
		res.NumActiveAllocations += am.NumActiveAllocations
		res.NumActiveBytes += am.NumActiveBytes
	}

	if jsonOut {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		printInfo("Allocations:        %d in %s (%.0f/s)\n", res.Allocations, res.Duration, res.AllocsPerSecond)
		printInfo("Pooled chunks:      %d\n", res.Chunks)
		printInfo("Active allocations: %d\n", res.NumActiveAllocations)
		printInfo("Active bytes:       %s\n", formatBytes(res.NumActiveBytes))
	}

	if res.NumActiveAllocations != 0 {
		return fmt.Errorf("%d allocations still active after release", res.NumActiveAllocations)
	}
	return nil
}

func stressWorker(src bufferSource, seed uint64) error {
	rng := rand.New(rand.NewPCG(seed, uint64(time.Now().UnixNano())))
	held := make([]*pool.Buffer, 0, stressHold)
	defer func() { releaseAll(held) }()

	payload := []byte("bufkit")
	for range stressIterations {
		size := stressMinSize + rng.IntN(stressMaxSize-stressMinSize+1)

		var (
			b   *pool.Buffer
			err error
		)
		if stressDirect {
			b, err = src.DirectBuffer(size, pool.DefaultMaxCapacity)
		} else {
			b, err = src.HeapBuffer(size, pool.DefaultMaxCapacity)
		}
		if err != nil {
			return err
		}
		if err := b.WriteBytes(payload); err != nil {
			pool.SafeRelease(b)
			return err
		}

		if stressHold == 0 {
			pool.SafeRelease(b)
			continue
		}
		if len(held) == stressHold {
			i := rng.IntN(len(held))
			pool.SafeRelease(held[i])
			held[i] = b
			continue
		}
		held = append(held, b)
	}
	return nil
}
