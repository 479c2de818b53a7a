package mvcc

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// ───────────────────────────────────────────────────────────────────────────
// Version cache
// ───────────────────────────────────────────────────────────────────────────
//
// A fixed-size LRU over version-log entries keyed by pointer. Repeated chain
// walks during visibility checks hit memory instead of the tree. A miss
// raises the micro-GC signal so vacuum can run a small extra pass.

// Cache is the shared version-entry LRU.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[VersionPtr]*list.Element
	order    *list.List // front = most recent

	hits      atomic.Uint64
	misses    atomic.Uint64
	microGC   atomic.Bool
}

type cacheItem struct {
	ptr   VersionPtr
	entry *LogEntry
}

// NewCache builds a cache holding up to capacity entries.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[VersionPtr]*list.Element, capacity),
		order:    list.New(),
	}
}

// Get returns the cached entry for ptr, if present.
func (c *Cache) Get(ptr VersionPtr) (*LogEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[ptr]
	if !ok {
		c.misses.Add(1)
		c.microGC.Store(true)
		return nil, false
	}
	c.order.MoveToFront(el)
	c.hits.Add(1)
	return el.Value.(*cacheItem).entry, true
}

// Put inserts an entry, evicting the least recently used on overflow.
func (c *Cache) Put(ptr VersionPtr, e *LogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[ptr]; ok {
		el.Value.(*cacheItem).entry = e
		c.order.MoveToFront(el)
		return
	}
	for c.order.Len() >= c.capacity {
		back := c.order.Back()
		c.order.Remove(back)
		delete(c.entries, back.Value.(*cacheItem).ptr)
	}
	c.entries[ptr] = c.order.PushFront(&cacheItem{ptr: ptr, entry: e})
}

// Drop removes an entry (after vacuum pruned it from the tree).
func (c *Cache) Drop(ptr VersionPtr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[ptr]; ok {
		c.order.Remove(el)
		delete(c.entries, ptr)
	}
}

// TakeMicroGCSignal returns and clears the miss-driven GC hint.
func (c *Cache) TakeMicroGCSignal() bool {
	return c.microGC.Swap(false)
}

// Stats returns (hits, misses).
func (c *Cache) Stats() (uint64, uint64) {
	return c.hits.Load(), c.misses.Load()
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
