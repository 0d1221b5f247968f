// matchstore.go implements the bbolt-backed streaming match store: an
// append-only log of finalized matches a run can flush incrementally
// rather than holding every match in memory until the end. One
// top-level bucket per logical stream, sequential keys via
// NextSequence.
package persist

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/forensiclab/wingcorrelate/pkg/model"
)

var matchBucket = []byte("matches")

// MatchStore is an append-only bbolt log of finalized matches.
type MatchStore struct {
	db *bbolt.DB
}

// OpenMatchStore opens (creating if needed) the bbolt file at path and
// ensures the matches bucket exists.
func OpenMatchStore(path string) (*MatchStore, error) {
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("persist: open match store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(matchBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("persist: init match store bucket: %w", err)
	}
	return &MatchStore{db: db}, nil
}

// Close releases the bbolt file handle.
func (m *MatchStore) Close() error { return m.db.Close() }

// Append writes one finalized match under a monotonically increasing
// key, so a consumer replaying the bucket sees matches in the order
// they were produced.
func (m *MatchStore) Append(match model.CorrelationMatch) error {
	payload, err := json.Marshal(match)
	if err != nil {
		return fmt.Errorf("persist: marshal match for stream: %w", err)
	}
	return m.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(matchBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, payload)
	})
}

// All reads back every match in the stream, in append order. Intended
// for post-run export or test verification, not for use on the hot
// path of a large run.
func (m *MatchStore) All() ([]model.CorrelationMatch, error) {
	var out []model.CorrelationMatch
	err := m.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(matchBucket)
		return b.ForEach(func(_, v []byte) error {
			var match model.CorrelationMatch
			if err := json.Unmarshal(v, &match); err != nil {
				return err
			}
			out = append(out, match)
			return nil
		})
	})
	return out, err
}

// Count returns the number of matches currently in the store.
func (m *MatchStore) Count() (int, error) {
	n := 0
	err := m.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(matchBucket)
		stats := b.Stats()
		n = stats.KeyN
		return nil
	})
	return n, err
}
