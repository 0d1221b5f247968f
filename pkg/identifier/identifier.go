// Package identifier generates stable identifiers for correlation
// records and matches: a composite key for records whose source table
// has no rowid, and a content hash for MatchSet deduplication.
package identifier

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
)

// RecordFallbackID hashes the full normalized field map plus the
// record's instant into a SHA256 hex digest, used as CompositeKey when
// a source table exposes no rowid and no name/path field a human would
// recognize. Hashing every field avoids the collisions a partial
// composite of only a few named fields would allow.
func RecordFallbackID(fields map[string]any, instant time.Time) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	fmt.Fprintf(h, "%d|", instant.UnixNano())
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%v|", k, fields[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// MatchSetHash computes the xxhash content hash identifying a
// candidate match's record set for dedup purposes: the set of
// (sourceID, rowKey) pairs contributing to the match, order-
// independent. Two candidate matches drawing the same records from the
// same sources, even if discovered via different (possibly
// overlapping) windows, hash identically and are treated as the same
// MatchSet, so overlapping-window duplicates count toward
// duplicates_prevented.
func MatchSetHash(sourceRowKeys map[string]string) uint64 {
	keys := make([]string, 0, len(sourceRowKeys))
	for k := range sourceRowKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	digest := xxhash.New()
	for _, k := range keys {
		fmt.Fprintf(digest, "%s:%s|", k, sourceRowKeys[k])
	}
	return digest.Sum64()
}

// ShardIndex maps a MatchSet hash to one of n dedup-map shards, used to
// bound mutex contention when many window workers check/insert
// concurrently.
func ShardIndex(hash uint64, n int) int {
	if n <= 0 {
		return 0
	}
	return int(hash % uint64(n))
}
