package queue

import (
	"mixqueue/internal/track"
)

// prepCache holds background-prepared items keyed by track identity. It has
// a fixed capacity and drops incoming items when full: evicting an existing
// entry would discard work already done for a track nearer the front of the
// queue. Callers synchronize access; the cache itself is not safe for
// concurrent use.
type prepCache struct {
	capacity int
	items    map[track.Key]*track.Item
}

func newPrepCache(capacity int) *prepCache {
	return &prepCache{
		capacity: capacity,
		items:    make(map[track.Key]*track.Item, capacity),
	}
}

// put stores the item unless the cache is full or the key is already
// present. Reports whether the item was stored or already cached.
func (c *prepCache) put(key track.Key, item *track.Item) bool {
	if _, ok := c.items[key]; ok {
		return true
	}
	if len(c.items) >= c.capacity {
		return false
	}
	c.items[key] = item
	return true
}

// take removes and returns the item for key, if cached.
func (c *prepCache) take(key track.Key) (*track.Item, bool) {
	item, ok := c.items[key]
	if ok {
		delete(c.items, key)
	}
	return item, ok
}

func (c *prepCache) has(key track.Key) bool {
	_, ok := c.items[key]
	return ok
}

func (c *prepCache) len() int { return len(c.items) }

func (c *prepCache) clear() {
	clear(c.items)
}
