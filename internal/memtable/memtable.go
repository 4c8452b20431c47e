package memtable

import (
	"iter"

	"github.com/cespare/xxhash/v2"
)

// Memtable partitions keys across N shards, each an independent skipList,
// to reduce write-path lock contention (spec §4.7). Shard selection uses
// xxhash (this pack's cespare/xxhash/v2 dependency).
type Memtable struct {
	shards []*skipList
}

func New(shardCount int) *Memtable {
	if shardCount < 1 {
		shardCount = 1
	}
	shards := make([]*skipList, shardCount)
	for i := range shards {
		shards[i] = newSkipList()
	}
	return &Memtable{shards: shards}
}

func (m *Memtable) shardFor(key string) *skipList {
	h := xxhash.Sum64String(key)
	return m.shards[h%uint64(len(m.shards))]
}

// Put upserts key/value into its shard.
func (m *Memtable) Put(key, value string) {
	m.shardFor(key).Put(key, value)
}

// Get returns the latest value for key, or false if absent.
func (m *Memtable) Get(key string) (string, bool) {
	return m.shardFor(key).Get(key)
}

// Delete removes key, reporting whether it was present.
func (m *Memtable) Delete(key string) bool {
	return m.shardFor(key).Delete(key)
}

// Len is the total number of live keys across all shards.
func (m *Memtable) Len() int {
	total := 0
	for _, s := range m.shards {
		total += s.Len()
	}
	return total
}

// ShardCount reports the number of partitions.
func (m *Memtable) ShardCount() int { return len(m.shards) }

// Shard returns an ordered iterator over one shard's records, for the
// flush path: each shard is written out as one or more L0 segments
// (spec §4.8 step 3).
func (m *Memtable) Shard(i int) iter.Seq[Record] {
	return m.shards[i].Iterator()
}

// ShardLen reports the number of live keys in shard i.
func (m *Memtable) ShardLen(i int) int {
	return m.shards[i].Len()
}
