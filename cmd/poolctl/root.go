package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joshuapare/bufkit/internal/leak"
	"github.com/joshuapare/bufkit/internal/logger"
	"github.com/joshuapare/bufkit/pool"
)

var (
	// Global flags
	verbose bool
	quiet   bool
	jsonOut bool

	// Allocator overrides; zero or negative values keep the default
	pageSize     int
	maxOrder     int
	heapArenas   int
	directArenas int
	leakLevel    string
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "poolctl",
	Short: "Inspect and exercise the bufkit buffer allocator",
	Long: `poolctl builds a bufkit allocator from the environment (BUFKIT_*) and
command line overrides, then prints its configuration, runs workloads against it
and reports arena, chunk and cache metrics.`,
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initLogging()
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Enable allocator logging at level (debug, info, warn, error)")

	// Allocator overrides
	rootCmd.PersistentFlags().IntVar(&pageSize, "page-size", 0, "Page size in bytes (power of two >= 4096)")
	rootCmd.PersistentFlags().IntVar(&maxOrder, "max-order", -1, "Buddy tree depth; chunk size is page-size << max-order")
	rootCmd.PersistentFlags().IntVar(&heapArenas, "heap-arenas", -1, "Number of heap arenas (0 = unpooled)")
	rootCmd.PersistentFlags().IntVar(&directArenas, "direct-arenas", -1, "Number of direct arenas (0 = unpooled)")
	rootCmd.PersistentFlags().StringVar(&leakLevel, "leak-detection", "", "Leak detection level (disabled, simple, advanced, paranoid)")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initLogging() error {
	if logLevel == "" {
		return nil
	}
	level, ok := logger.ParseLevel(logLevel)
	if !ok {
		return fmt.Errorf("unknown log level %q", logLevel)
	}
	logger.Init(logger.Options{Enabled: true, Level: level, Writer: os.Stderr, JSON: jsonOut})
	return nil
}

// buildConfig returns DefaultConfig with command line overrides applied.
func buildConfig() (pool.Config, error) {
	cfg := pool.DefaultConfig()
	if pageSize > 0 {
		cfg.PageSize = pageSize
	}
	if maxOrder >= 0 {
		cfg.MaxOrder = maxOrder
	}
	if heapArenas >= 0 {
		cfg.HeapArenas = heapArenas
	}
	if directArenas >= 0 {
		cfg.DirectArenas = directArenas
	}
	if leakLevel != "" {
		l, err := leak.ParseLevel(leakLevel)
		if err != nil {
			return pool.Config{}, err
		}
		cfg.LeakDetection = l
	}
	if logLevel != "" {
		cfg.Logger = logger.L
	}
	return cfg, cfg.Validate()
}

func newAllocator() (*pool.Allocator, error) {
	cfg, err := buildConfig()
	if err != nil {
		return nil, err
	}
	return pool.New(cfg)
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...any) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// formatBytes renders n with a binary unit suffix
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
