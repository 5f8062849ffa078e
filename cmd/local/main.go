// local runs one vertex of a bundled invokable in-process and merges its
// result partitions into an output directory.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nemanja-m/gorun/examples/grep"
	"github.com/nemanja-m/gorun/examples/wordcount"
	"github.com/nemanja-m/gorun/internal/shared/logging"
	"github.com/nemanja-m/gorun/pkg/jobs"
	"github.com/nemanja-m/gorun/pkg/local"
)

var reducers = map[string]local.ReduceFunc{
	wordcount.Name: wordcount.Reduce,
	grep.Name:      nil,
}

var (
	input         string
	output        string
	parallelism   int
	numPartitions int
	maxConcurrent int
	settings      []string
	logLevel      string
	keepParts     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "local <invokable>",
		Short: "Run a vertex locally",
		Long: `local deploys every subtask of one vertex on the in-process task runtime
and merges the result partitions into part-NNNN.tsv files.

Examples:
  # Count words across all text files with 4 subtasks
  local wordcount --input 'data/**/*.txt' --output out -p 4

  # Case-insensitive grep
  local grep --input 'data/*.txt' --output out --set pattern=gregor --set case-sensitive=false
`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: jobs.List(),
		RunE:      run,
	}

	rootCmd.Flags().StringVarP(&input, "input", "i", "", "Comma separated input glob patterns")
	rootCmd.Flags().StringVarP(&output, "output", "o", "", "Output directory")
	rootCmd.Flags().IntVarP(&parallelism, "parallelism", "p", runtime.NumCPU(), "Number of subtasks")
	rootCmd.Flags().IntVarP(&numPartitions, "partitions", "n", 4, "Result partitions per subtask")
	rootCmd.Flags().IntVarP(&maxConcurrent, "jobs", "j", 0, "Maximum concurrent subtasks (default: all)")
	rootCmd.Flags().StringArrayVar(&settings, "set", nil, "Invokable config as key=value, repeatable")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug|info|warn|error)")
	rootCmd.Flags().BoolVar(&keepParts, "keep-partitions", false, "Keep per-subtask partition files")
	rootCmd.MarkFlagRequired("input")
	rootCmd.MarkFlagRequired("output")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	name := args[0]
	reduce, known := reducers[name]
	if !known {
		return fmt.Errorf("unknown invokable %q, available: %s", name, strings.Join(jobs.List(), ", "))
	}

	vertexConfig, err := parseSettings(settings)
	if err != nil {
		return err
	}
	vertexConfig["input"] = input

	logger := logging.NewSlogLogger(logging.ParseLevel(logLevel), "text")

	partitionsDir, err := os.MkdirTemp("", "gorun-local-*")
	if err != nil {
		return err
	}
	if !keepParts {
		defer os.RemoveAll(partitionsDir)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := local.NewRunner(local.Config{
		MaxConcurrent:        maxConcurrent,
		PartitionsDir:        partitionsDir,
		CancellationInterval: 5 * time.Second,
		CancellationTimeout:  30 * time.Second,
	}, logger)

	result, err := runner.Run(ctx, local.Vertex{
		Invokable:     name,
		Parallelism:   parallelism,
		NumPartitions: numPartitions,
		Config:        vertexConfig,
	})
	if err != nil {
		return err
	}

	outputs, err := local.Merge(ctx, result, numPartitions, output, reduce)
	if err != nil {
		return err
	}

	var records, bytes int64
	for _, s := range result.Subtasks {
		for _, p := range s.Partitions {
			records += p.Records
			bytes += p.Bytes
		}
	}
	logger.Info("Vertex finished",
		"vertex_id", result.VertexID.String(),
		"subtasks", len(result.Subtasks),
		"records", humanize.Comma(records),
		"produced", humanize.Bytes(uint64(bytes)),
		"outputs", len(outputs),
		"elapsed", result.Elapsed.String(),
	)
	return nil
}

func parseSettings(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs)+1)
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q, expected key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}
