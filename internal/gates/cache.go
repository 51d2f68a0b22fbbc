package gates

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// resultCache is a thread-safe LRU+TTL cache over passing gate-run results,
// keyed on checkpoint id + gate-string hash. Parallel workers re-checking an
// unchanged gate within the TTL reuse the prior run.
type resultCache struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	lru     *list.List
	maxSize int
	ttl     time.Duration
}

type cacheItem struct {
	key       string
	value     *Result
	expiresAt time.Time
}

func newResultCache(maxSize int, ttl time.Duration) *resultCache {
	return &resultCache{
		items:   make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

func cacheKey(checkpointID, gateString string) string {
	sum := sha256.Sum256([]byte(gateString))
	return checkpointID + ":" + hex.EncodeToString(sum[:8])
}

func (c *resultCache) get(key string) *Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil
	}
	item := elem.Value.(*cacheItem)
	if time.Now().After(item.expiresAt) {
		c.lru.Remove(elem)
		delete(c.items, key)
		return nil
	}
	c.lru.MoveToFront(elem)
	result := *item.value
	return &result
}

func (c *resultCache) set(key string, value *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.lru.MoveToFront(elem)
		item := elem.Value.(*cacheItem)
		item.value = value
		item.expiresAt = time.Now().Add(c.ttl)
		return
	}

	elem := c.lru.PushFront(&cacheItem{
		key:       key,
		value:     value,
		expiresAt: time.Now().Add(c.ttl),
	})
	c.items[key] = elem

	for c.lru.Len() > c.maxSize {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheItem).key)
	}
}
