package main

import (
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newConfigCmd())
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective allocator configuration",
		Long: `The config command prints the allocator configuration that results from
the built-in defaults, BUFKIT_* environment variables and command line overrides.

Example:
  poolctl config
  BUFKIT_NUM_HEAP_ARENAS=2 poolctl config --json
  poolctl config --page-size 16384 --max-order 9`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfig(args)
		},
	}
	return cmd
}

// configView is the printable subset of pool.Config.
type configView struct {
	PreferDirect            bool   `json:"preferDirect"`
	HeapArenas              int    `json:"heapArenas"`
	DirectArenas            int    `json:"directArenas"`
	PageSize                int    `json:"pageSize"`
	MaxOrder                int    `json:"maxOrder"`
	ChunkSize               int    `json:"chunkSize"`
	TinyCacheSize           int    `json:"tinyCacheSize"`
	SmallCacheSize          int    `json:"smallCacheSize"`
	NormalCacheSize         int    `json:"normalCacheSize"`
	MaxCachedBufferCapacity int    `json:"maxCachedBufferCapacity"`
	CacheTrimInterval       int    `json:"cacheTrimInterval"`
	LeakDetection           string `json:"leakDetection"`
	LeakSamplingInterval    int    `json:"leakSamplingInterval"`
	LeakTargetRecords       int    `json:"leakTargetRecords"`
}

func runConfig(args []string) error {
	cfg, err := buildConfig()
	if err != nil {
		return err
	}

	view := configView{
		PreferDirect:            cfg.PreferDirect,
		HeapArenas:              cfg.HeapArenas,
		DirectArenas:            cfg.DirectArenas,
		PageSize:                cfg.PageSize,
		MaxOrder:                cfg.MaxOrder,
		ChunkSize:               cfg.ChunkSize(),
		TinyCacheSize:           cfg.TinyCacheSize,
		SmallCacheSize:          cfg.SmallCacheSize,
		NormalCacheSize:         cfg.NormalCacheSize,
		MaxCachedBufferCapacity: cfg.MaxCachedBufferCapacity,
		CacheTrimInterval:       cfg.CacheTrimInterval,
		LeakDetection:           cfg.LeakDetection.String(),
		LeakSamplingInterval:    cfg.LeakSamplingInterval,
		LeakTargetRecords:       cfg.LeakTargetRecords,
	}

	if jsonOut {
		return printJSON(view)
	}

	printInfo("Arenas:\n")
	printInfo("  Heap:              %d\n", view.HeapArenas)
	printInfo("  Direct:            %d\n", view.DirectArenas)
	printInfo("  Prefer direct:     %t\n", view.PreferDirect)
	printInfo("\nChunks:\n")
	printInfo("  Page size:         %d\n", view.PageSize)
	printInfo("  Max order:         %d\n", view.MaxOrder)
	printInfo("  Chunk size:        %s\n", formatBytes(int64(view.ChunkSize)))
	printInfo("\nThread caches:\n")
	printInfo("  Tiny:              %d\n", view.TinyCacheSize)
	printInfo("  Small:             %d\n", view.SmallCacheSize)
	printInfo("  Normal:            %d\n", view.NormalCacheSize)
	printInfo("  Max cached size:   %d\n", view.MaxCachedBufferCapacity)
	printInfo("  Trim interval:     %d\n", view.CacheTrimInterval)
	printInfo("\nLeak detection:      %s\n", view.LeakDetection)
	printVerbose("  Sampling interval: %d\n", view.LeakSamplingInterval)
	printVerbose("  Target records:    %d\n", view.LeakTargetRecords)
	return nil
}
