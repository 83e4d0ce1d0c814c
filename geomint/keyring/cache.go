package keyring

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// keyCache is a TTL'd LRU in front of the key store. Entries are read-only
// optimizations, never the basis for a security decision beyond the
// documented staleness window.
type keyCache struct {
	lru *lru.Cache
	ttl time.Duration
}

type cacheEntry struct {
	key     *SigningKey
	fetched time.Time
}

func newKeyCache(size int, ttl time.Duration) *keyCache {
	c, err := lru.New(size)
	if err != nil {
		panic(err) // only on size <= 0
	}
	return &keyCache{lru: c, ttl: ttl}
}

func (c *keyCache) get(keyID string, now time.Time) (*SigningKey, bool) {
	v, ok := c.lru.Get(keyID)
	if !ok {
		return nil, false
	}
	entry := v.(cacheEntry)
	if now.Sub(entry.fetched) > c.ttl {
		c.lru.Remove(keyID)
		return nil, false
	}
	return entry.key, true
}

func (c *keyCache) put(keyID string, key *SigningKey, now time.Time) {
	c.lru.Add(keyID, cacheEntry{key: key, fetched: now})
}

func (c *keyCache) invalidate(keyID string) {
	c.lru.Remove(keyID)
}
