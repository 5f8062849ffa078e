package core

import "hash/fnv"

func Hash(value string) uint32 {
	return HashBytes([]byte(value))
}

func HashBytes(value []byte) uint32 {
	hash := fnv.New32a()
	hash.Write(value)
	return hash.Sum32()
}

// Partition maps a record key onto one of numPartitions result partitions.
func Partition(key string, numPartitions int) int {
	if numPartitions <= 0 {
		return 0
	}
	return int(Hash(key) % uint32(numPartitions))
}
