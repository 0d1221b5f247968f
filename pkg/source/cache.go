package source

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/forensiclab/wingcorrelate/pkg/model"
)

// lruCache is a small LRU keyed by time range, storing both the record
// slice and the fast row count for a range so repeated or overlapping
// window queries against the same source skip the database entirely.
// Locked internally: parallel window workers share one cache per
// source.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type cacheEntry struct {
	key     string
	records []model.Record
	hasRecs bool
	count   int
	hasCount bool
}

func newLRUCache(capacity int) *lruCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &lruCache{capacity: capacity, ll: list.New(), items: make(map[string]*list.Element)}
}

func rangeKey(r model.TimeRange) string {
	return fmt.Sprintf("%d|%d", r.Start.UnixNano(), r.End.UnixNano())
}

func (c *lruCache) getRecords(r model.TimeRange) ([]model.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := rangeKey(r)
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if !entry.hasRecs {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return entry.records, true
}

func (c *lruCache) putRecords(r model.TimeRange, records []model.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := rangeKey(r)
	if el, ok := c.items[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.records = records
		entry.hasRecs = true
		c.ll.MoveToFront(el)
		return
	}
	entry := &cacheEntry{key: key, records: records, hasRecs: true}
	el := c.ll.PushFront(entry)
	c.items[key] = el
	c.evictIfNeeded()
}

func (c *lruCache) getCount(r model.TimeRange) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := rangeKey(r)
	el, ok := c.items[key]
	if !ok {
		return 0, false
	}
	entry := el.Value.(*cacheEntry)
	if !entry.hasCount {
		return 0, false
	}
	c.ll.MoveToFront(el)
	return entry.count, true
}

func (c *lruCache) putCount(r model.TimeRange, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := rangeKey(r)
	if el, ok := c.items[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.count = count
		entry.hasCount = true
		c.ll.MoveToFront(el)
		return
	}
	entry := &cacheEntry{key: key, count: count, hasCount: true}
	el := c.ll.PushFront(entry)
	c.items[key] = el
	c.evictIfNeeded()
}

func (c *lruCache) evictIfNeeded() {
	for c.ll.Len() > c.capacity {
		back := c.ll.Back()
		if back == nil {
			return
		}
		entry := back.Value.(*cacheEntry)
		delete(c.items, entry.key)
		c.ll.Remove(back)
	}
}
