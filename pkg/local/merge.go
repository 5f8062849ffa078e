package local

import (
	"bufio"
	"cmp"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/nemanja-m/gorun/pkg/core"
	"github.com/nemanja-m/gorun/pkg/files"
)

// ReduceFunc folds all values emitted for one key into a single value.
type ReduceFunc func(key string, values []string) string

// Merge writes one part-NNNN.tsv file per partition index into outputDir.
// Records of all subtasks are sorted by key; when reduce is set, records with
// the same key are folded into one.
func Merge(ctx context.Context, result *Result, numPartitions int, outputDir string, reduce ReduceFunc) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var outputs []string
	for index := range numPartitions {
		records, err := readRecords(ctx, result.PartitionFiles(index))
		if err != nil {
			return nil, err
		}
		slices.SortStableFunc(records, func(left, right core.KeyValue) int {
			return cmp.Compare(left.Key, right.Key)
		})
		if reduce != nil {
			records = reduceSorted(records, reduce)
		}

		path := filepath.Join(outputDir, fmt.Sprintf("part-%04d.tsv", index))
		if err := writeRecords(path, records); err != nil {
			return nil, err
		}
		outputs = append(outputs, path)
	}
	return outputs, nil
}

func readRecords(ctx context.Context, paths []string) ([]core.KeyValue, error) {
	var records []core.KeyValue
	for _, path := range paths {
		err := files.ScanLines(ctx, path, func(line files.Line) error {
			if line.Text == "" {
				return nil
			}
			key, value, _ := strings.Cut(line.Text, "\t")
			records = append(records, core.KeyValue{Key: key, Value: value})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read partition %s: %w", path, err)
		}
	}
	return records, nil
}

func reduceSorted(records []core.KeyValue, reduce ReduceFunc) []core.KeyValue {
	var results []core.KeyValue
	for i := 0; i < len(records); {
		key := records[i].Key
		var values []string
		for i < len(records) && records[i].Key == key {
			values = append(values, records[i].Value)
			i++
		}
		results = append(results, core.KeyValue{Key: key, Value: reduce(key, values)})
	}
	return results
}

func writeRecords(path string, records []core.KeyValue) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(file)
	for _, r := range records {
		if _, err := fmt.Fprintf(w, "%s\t%s\n", r.Key, r.Value); err != nil {
			file.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
