package identifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordFallbackID_StableAcrossFieldOrder(t *testing.T) {
	instant := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	a := RecordFallbackID(map[string]any{"path": "/a", "size": 10}, instant)
	b := RecordFallbackID(map[string]any{"size": 10, "path": "/a"}, instant)
	assert.Equal(t, a, b)
}

func TestRecordFallbackID_DiffersOnInstant(t *testing.T) {
	fields := map[string]any{"path": "/a"}
	a := RecordFallbackID(fields, time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))
	b := RecordFallbackID(fields, time.Date(2024, 6, 1, 10, 0, 1, 0, time.UTC))
	assert.NotEqual(t, a, b)
}

func TestRecordFallbackID_DiffersOnFieldValue(t *testing.T) {
	instant := time.Now()
	a := RecordFallbackID(map[string]any{"path": "/a"}, instant)
	b := RecordFallbackID(map[string]any{"path": "/b"}, instant)
	assert.NotEqual(t, a, b)
}

func TestMatchSetHash_OrderIndependent(t *testing.T) {
	a := MatchSetHash(map[string]string{"src1": "1", "src2": "2"})
	b := MatchSetHash(map[string]string{"src2": "2", "src1": "1"})
	assert.Equal(t, a, b)
}

func TestMatchSetHash_DiffersOnContent(t *testing.T) {
	a := MatchSetHash(map[string]string{"src1": "1"})
	b := MatchSetHash(map[string]string{"src1": "2"})
	assert.NotEqual(t, a, b)
}

func TestShardIndex_BoundedByN(t *testing.T) {
	for _, n := range []int{1, 4, 16} {
		idx := ShardIndex(987654321, n)
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, n)
	}
}

func TestShardIndex_NonPositiveNReturnsZero(t *testing.T) {
	assert.Equal(t, 0, ShardIndex(123, 0))
	assert.Equal(t, 0, ShardIndex(123, -1))
}
