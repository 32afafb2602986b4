package main

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/joshuapare/bufkit/internal/leak"
	"github.com/joshuapare/bufkit/pool"
)

var (
	leakCount   int
	leakSize    int
	leakTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(newLeakCmd())
}

func newLeakCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leak",
		Short: "Demonstrate leak detection",
		Long: `The leak command allocates buffers, drops them without releasing, forces
garbage collection and prints the leak reports that were delivered.

Detection runs at paranoid level unless --leak-detection is given. Leaked
memory is not returned to the pool.

Example:
  poolctl leak
  poolctl leak --count 4 --verbose
  poolctl leak --leak-detection simple --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLeak(args)
		},
	}

	cmd.Flags().IntVar(&leakCount, "count", 8, "Number of buffers to leak")
	cmd.Flags().IntVar(&leakSize, "size", 64, "Capacity of each leaked buffer")
	cmd.Flags().DurationVar(&leakTimeout, "timeout", 5*time.Second, "How long to wait for reports")

	return cmd
}

type leakResult struct {
	Level    string   `json:"level"`
	Leaked   int      `json:"leaked"`
	Reported int      `json:"reported"`
	Reports  []string `json:"reports,omitempty"`
}

func runLeak(args []string) error {
	if leakCount < 0 || leakSize < 0 {
		return fmt.Errorf("--count and --size must not be negative")
	}

	cfg, err := buildConfig()
	if err != nil {
		return err
	}
	if leakLevel == "" {
		cfg.LeakDetection = leak.Paranoid
	}

	var (
		mu      sync.Mutex
		reports []pool.Report
	)
	cfg.OnLeak = func(r pool.Report) {
		mu.Lock()
		reports = append(reports, r)
		mu.Unlock()
	}

	a, err := pool.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := dropBuffers(a, leakCount, leakSize); err != nil {
		return err
	}

	deadline := time.Now().Add(leakTimeout)
	for {
		runtime.GC()
		mu.Lock()
		n := len(reports)
		mu.Unlock()
		if n >= leakCount || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	res := leakResult{
		Level:    cfg.LeakDetection.String(),
		Leaked:   leakCount,
		Reported: len(reports),
	}
	if verbose || jsonOut {
		for _, r := range reports {
			res.Reports = append(res.Reports, r.String())
		}
	}
	mu.Unlock()

	if jsonOut {
		return printJSON(res)
	}
	printInfo("Leak detection: %s\n", res.Level)
	printInfo("Leaked:         %d\n", res.Leaked)
	printInfo("Reported:       %d\n", res.Reported)
	for _, r := range res.Reports {
		printVerbose("\n%s\n", r)
	}
	return nil
}

// dropBuffers allocates n buffers and lets them go unreleased.
//
//go:noinline
func dropBuffers(a *pool.Allocator, n, size int) error {
	for i := range n {
		b, err := a.Buffer(size, pool.DefaultMaxCapacity)
		if err != nil {
			return err
		}
		b.Touch(fmt.Sprintf("leaked buffer %d", i))
	}
	return nil
}
