package correlate

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupMap_FirstInsertIsNotDuplicate(t *testing.T) {
	d := newDedupMap(4)
	dup, canonical := d.checkAndInsert(42, "match-1")
	assert.False(t, dup)
	assert.Empty(t, canonical)
}

func TestDedupMap_SecondInsertSameHashIsDuplicate(t *testing.T) {
	d := newDedupMap(4)
	d.checkAndInsert(42, "match-1")
	dup, canonical := d.checkAndInsert(42, "match-2")
	assert.True(t, dup)
	assert.Equal(t, "match-1", canonical)
}

func TestDedupMap_DifferentHashesAreIndependent(t *testing.T) {
	d := newDedupMap(4)
	d.checkAndInsert(1, "a")
	dup, _ := d.checkAndInsert(2, "b")
	assert.False(t, dup)
	assert.Equal(t, 2, d.Count())
}

func TestDedupMap_ConcurrentInsertsAreSafe(t *testing.T) {
	d := newDedupMap(8)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d.checkAndInsert(uint64(i%10), "match")
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 10, d.Count())
}
