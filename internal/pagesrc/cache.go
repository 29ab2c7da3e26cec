package pagesrc

import "sync"

// ───────────────────────────────────────────────────────────────────────────
// Bounded LRU page cache
// ───────────────────────────────────────────────────────────────────────────
//
// Cache wraps a PageSource with a capacity-bounded LRU of shared read-only
// page views, keyed by page number. It is a reader cache only — dirty
// pages live in the transaction's shadow overlay, never here. Invalidation
// on write is mandatory so stale views are never served after a commit.

type cacheEntry struct {
	n          uint32
	buf        []byte
	prev, next *cacheEntry
}

// Cache is a bounded LRU cache in front of a PageSource.
type Cache struct {
	mu       sync.Mutex
	src      PageSource
	capacity int
	entries  map[uint32]*cacheEntry
	head     *cacheEntry // most recently used
	tail     *cacheEntry // least recently used
}

// NewCache wraps src with an LRU of at most capacity pages. A capacity of
// 0 disables caching (every GetPage/ReadPage reads straight through).
func NewCache(src PageSource, capacity int) *Cache {
	return &Cache{
		src:      src,
		capacity: capacity,
		entries:  make(map[uint32]*cacheEntry, capacity),
	}
}

func (c *Cache) PageSize() int       { return c.src.PageSize() }
func (c *Cache) PageCount() uint32   { return c.src.PageCount() }
func (c *Cache) DataVersion() uint64 { return c.src.DataVersion() }

func (c *Cache) GetPage(n uint32) ([]byte, error) {
	if c.capacity == 0 {
		return c.src.GetPage(n)
	}
	c.mu.Lock()
	if e, ok := c.entries[n]; ok {
		c.moveToFront(e)
		out := make([]byte, len(e.buf))
		copy(out, e.buf)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	buf, err := c.src.GetPage(n)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.insert(n, buf)
	c.mu.Unlock()
	return buf, nil
}

func (c *Cache) ReadPage(n uint32, dst []byte) error {
	src, err := c.GetPage(n)
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// Invalidate drops a cached entry, forcing the next read to go to src.
func (c *Cache) Invalidate(n uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(n)
}

// Stats reports the cache's configured capacity and the number of pages
// currently resident, for operator introspection (e.g. cmd/sharcd).
func (c *Cache) Stats() (capacity, used int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity, len(c.entries)
}

// InvalidateAll clears the entire cache; callers invoke this once per
// commit on the underlying writer's data-version bump.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint32]*cacheEntry, c.capacity)
	c.head, c.tail = nil, nil
}

func (c *Cache) insert(n uint32, buf []byte) {
	if c.capacity == 0 {
		return
	}
	if old, ok := c.entries[n]; ok {
		old.buf = buf
		c.moveToFront(old)
		return
	}
	for len(c.entries) >= c.capacity {
		if c.tail == nil {
			break
		}
		c.remove(c.tail.n)
	}
	e := &cacheEntry{n: n, buf: buf}
	c.entries[n] = e
	c.pushFront(e)
}

func (c *Cache) remove(n uint32) {
	e, ok := c.entries[n]
	if !ok {
		return
	}
	c.unlink(e)
	delete(c.entries, n)
}

func (c *Cache) pushFront(e *cacheEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *Cache) unlink(e *cacheEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (c *Cache) moveToFront(e *cacheEntry) {
	if c.head == e {
		return
	}
	c.unlink(e)
	c.pushFront(e)
}
