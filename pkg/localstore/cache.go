package localstore

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/relaysync/engine/pkg/objectkey"
)

// defaultCacheBudgetBytes bounds the payload cache by the total on-disk
// (encoded) size of the cached payloads rather than entry count, since
// records vary wildly in size.
const defaultCacheBudgetBytes = 64 << 20

// payloadCache is an LRU keyed by ObjectKey, evicted by a byte budget
// instead of a fixed entry count: each entry tracks the size of its
// encoded payload file and the cache evicts oldest entries until it fits
// back under budget.
type payloadCache struct {
	mu     sync.Mutex
	lru    *lru.Cache[objectkey.ObjectKey, cachedPayload]
	budget int64
	used   int64
}

type cachedPayload struct {
	value map[string]any
	size  int64
}

func newPayloadCache(budget int64) *payloadCache {
	if budget <= 0 {
		budget = defaultCacheBudgetBytes
	}
	// capacity 0 would panic; an overestimate is fine since eviction is
	// driven by byte budget, not by the hashicorp LRU's own count limit.
	backing, _ := lru.New[objectkey.ObjectKey, cachedPayload](1 << 20)
	return &payloadCache{lru: backing, budget: budget}
}

func (c *payloadCache) get(key objectkey.ObjectKey) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return entry.value, true
}

func (c *payloadCache) put(key objectkey.ObjectKey, value map[string]any, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.lru.Peek(key); ok {
		c.used -= old.size
	}
	c.lru.Add(key, cachedPayload{value: value, size: size})
	c.used += size

	for c.used > c.budget {
		_, evicted, ok := c.lru.RemoveOldest()
		if !ok {
			break
		}
		c.used -= evicted.size
	}
}

func (c *payloadCache) remove(key objectkey.ObjectKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.lru.Peek(key); ok {
		c.used -= old.size
		c.lru.Remove(key)
	}
}

// removeType drops every cached entry belonging to typeName, used by
// clear() and reset().
func (c *payloadCache) removeType(typeName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.lru.Keys() {
		if key.TypeName == typeName {
			if old, ok := c.lru.Peek(key); ok {
				c.used -= old.size
			}
			c.lru.Remove(key)
		}
	}
}

func (c *payloadCache) removeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.used = 0
}
