package sharding

import (
	"hash/crc32"
)

// DefaultShardCount is the number of lock stripes used by in-process stores.
const DefaultShardCount = 64

// Shard returns the deterministic shard for key in [0, count).
func Shard(key string, count int) int {
	if count <= 1 {
		return 0
	}
	checksum := crc32.ChecksumIEEE([]byte(key))
	return int(checksum % uint32(count))
}

// PartitionKey joins a table name and partition key into one shard key.
// Format: {table}\x00{pk}
func PartitionKey(table, pk string) string {
	return table + "\x00" + pk
}
