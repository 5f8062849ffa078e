package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPartition(t *testing.T) {
	tests := []struct {
		name          string
		key           string
		numPartitions int
	}{
		{name: "single partition", key: "word", numPartitions: 1},
		{name: "many partitions", key: "word", numPartitions: 16},
		{name: "empty key", key: "", numPartitions: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Partition(tt.key, tt.numPartitions)
			require.GreaterOrEqual(t, got, 0)
			require.Less(t, got, tt.numPartitions)
			require.Equal(t, got, Partition(tt.key, tt.numPartitions), "partitioning must be deterministic")
		})
	}
}

func TestPartition_NonPositiveCount(t *testing.T) {
	require.Equal(t, 0, Partition("key", 0))
	require.Equal(t, 0, Partition("key", -3))
}

func TestHash_MatchesHashBytes(t *testing.T) {
	require.Equal(t, HashBytes([]byte("gorun")), Hash("gorun"))
}
