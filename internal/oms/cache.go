package oms

import (
	"sync"
	"time"
)

// resultCache is a short-lived response cache keyed on the full request URL.
// It only absorbs duplicate calls inside one scheduling pass; it is not
// durable and entries simply age out.
type resultCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	data []byte
	at   time.Time
}

func newResultCache(ttl time.Duration) *resultCache {
	return &resultCache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

func (c *resultCache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Since(e.at) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return e.data, true
}

func (c *resultCache) put(key string, data []byte) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{data: data, at: time.Now()}
	c.mu.Unlock()
}
