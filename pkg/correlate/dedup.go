package correlate

import (
	"sync"

	"github.com/forensiclab/wingcorrelate/pkg/identifier"
)

// dedupMap is a MatchSet-hash-keyed set sharded across n locks, so
// parallel window workers checking/inserting concurrently contend only
// within one shard instead of a single global mutex.
type dedupMap struct {
	shards []dedupShard
}

type dedupShard struct {
	mu   sync.Mutex
	seen map[uint64]string
}

func newDedupMap(n int) *dedupMap {
	d := &dedupMap{shards: make([]dedupShard, n)}
	for i := range d.shards {
		d.shards[i].seen = make(map[uint64]string)
	}
	return d
}

// checkAndInsert reports whether hash has already been seen. The first
// caller for a given hash registers matchID as the canonical occurrence
// and gets duplicate=false; every later caller for the same hash gets
// duplicate=true and the canonical matchID back: a duplicate is still
// emitted (flagged), not dropped.
func (d *dedupMap) checkAndInsert(hash uint64, matchID string) (duplicate bool, canonicalMatchID string) {
	shard := &d.shards[identifier.ShardIndex(hash, len(d.shards))]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if existing, ok := shard.seen[hash]; ok {
		return true, existing
	}
	shard.seen[hash] = matchID
	return false, ""
}

// Count returns the total number of distinct MatchSet hashes recorded
// across every shard.
func (d *dedupMap) Count() int {
	total := 0
	for i := range d.shards {
		d.shards[i].mu.Lock()
		total += len(d.shards[i].seen)
		d.shards[i].mu.Unlock()
	}
	return total
}
