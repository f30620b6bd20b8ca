package dispatch

import (
	"container/list"
	"sync"
	"time"
)

// DedupCache is a bounded, time-limited set of recently seen envelope ids.
// Entries are evicted when they expire or when the cache exceeds its
// capacity (least-recently-seen first). The cache never grows past max.
//
// DedupCache is safe for concurrent use; the critical section is a map
// lookup plus O(1) list surgery.
type DedupCache struct {
	mu    sync.Mutex
	max   int
	ttl   time.Duration
	ll    *list.List // front = most recently seen
	items map[string]*list.Element

	// now is replaceable in tests.
	now func() time.Time
}

type dedupEntry struct {
	id     string
	expiry time.Time
}

// NewDedupCache creates a cache holding at most max ids, each for ttl.
// Non-positive arguments get defaults of 4096 entries and 60s.
func NewDedupCache(max int, ttl time.Duration) *DedupCache {
	if max <= 0 {
		max = 4096
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &DedupCache{
		max:   max,
		ttl:   ttl,
		ll:    list.New(),
		items: make(map[string]*list.Element, max),
		now:   time.Now,
	}
}

// Seen reports whether id was seen within the ttl window. A miss inserts the
// id, so a handler is invoked at most once per id per window.
func (c *DedupCache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if el, ok := c.items[id]; ok {
		entry := el.Value.(*dedupEntry)
		if now.Before(entry.expiry) {
			c.ll.MoveToFront(el)
			return true
		}
		// Expired: the same id counts as a fresh emission again.
		entry.expiry = now.Add(c.ttl)
		c.ll.MoveToFront(el)
		return false
	}

	c.evictLocked(now)

	el := c.ll.PushFront(&dedupEntry{id: id, expiry: now.Add(c.ttl)})
	c.items[id] = el
	return false
}

// Len returns the current number of cached ids.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// evictLocked removes expired entries from the tail, then trims to capacity.
// Must be called with c.mu held.
func (c *DedupCache) evictLocked(now time.Time) {
	for el := c.ll.Back(); el != nil; {
		entry := el.Value.(*dedupEntry)
		if now.Before(entry.expiry) {
			break
		}
		prev := el.Prev()
		c.ll.Remove(el)
		delete(c.items, entry.id)
		el = prev
	}

	for c.ll.Len() >= c.max {
		el := c.ll.Back()
		if el == nil {
			break
		}
		entry := el.Value.(*dedupEntry)
		c.ll.Remove(el)
		delete(c.items, entry.id)
	}
}
