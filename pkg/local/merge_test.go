package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMerge_ConcatenatesSortedWithoutReduce(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(a, []byte("b\t1\na\t2\n"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("a\t3\n\n"), 0o644))

	result := &Result{Subtasks: []SubtaskResult{
		{Partitions: []Partition{{Index: 0, Path: a}}},
		{Partitions: []Partition{{Index: 0, Path: b}}},
		{},
	}}

	outputs, err := Merge(context.Background(), result, 1, filepath.Join(dir, "out"), nil)
	require.NoError(t, err)
	data, err := os.ReadFile(outputs[0])
	require.NoError(t, err)
	require.Equal(t, "a\t2\na\t3\nb\t1\n", string(data))
}

func TestMerge_EmptyPartitionProducesEmptyFile(t *testing.T) {
	outputs, err := Merge(context.Background(), &Result{}, 2, t.TempDir(), nil)
	require.NoError(t, err)
	require.Len(t, outputs, 2)
	info, err := os.Stat(outputs[1])
	require.NoError(t, err)
	require.Zero(t, info.Size())
	require.Equal(t, "part-0001.tsv", filepath.Base(outputs[1]))
}
