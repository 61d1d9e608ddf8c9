package run

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/parley-run/parley/internal/model"
)

// CacheKey fingerprints one unit of work. Two tasks with the same question,
// scenario, agent, and endpoint are answerable from one model response.
type CacheKey struct {
	Question string
	Scenario string
	Agent    string
	Endpoint string
}

// KeyFor builds the cache key for a work unit.
func KeyFor(q model.Question, s model.Scenario, a model.Agent, e model.Endpoint) CacheKey {
	return CacheKey{
		Question: q.Name,
		Scenario: s.Name,
		Agent:    a.Name,
		Endpoint: e.BucketKey().String(),
	}
}

// ResponseCache is a thread-safe LRU cache of model responses with TTL
// expiry. A hit bypasses admission control entirely: no bucket tokens are
// consumed and the task never suspends.
type ResponseCache struct {
	mu      sync.RWMutex
	items   map[string]*list.Element
	lru     *list.List
	maxSize int
	ttl     time.Duration
}

type cacheItem struct {
	key       string
	value     InvocationResult
	expiresAt time.Time
}

// NewResponseCache creates a cache holding at most maxSize entries for ttl.
func NewResponseCache(maxSize int, ttl time.Duration) *ResponseCache {
	return &ResponseCache{
		items:   make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Get retrieves a cached response, reporting whether it was present and
// unexpired.
func (c *ResponseCache) Get(key CacheKey) (InvocationResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	elem, ok := c.items[keyToString(key)]
	if !ok {
		return InvocationResult{}, false
	}
	item := elem.Value.(*cacheItem)
	if time.Now().After(item.expiresAt) {
		// Expired entries are dropped lazily on the next Set.
		return InvocationResult{}, false
	}
	return item.value, true
}

// Set stores a response.
func (c *ResponseCache) Set(key CacheKey, value InvocationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keyStr := keyToString(key)
	if elem, ok := c.items[keyStr]; ok {
		c.lru.MoveToFront(elem)
		item := elem.Value.(*cacheItem)
		item.value = value
		item.expiresAt = time.Now().Add(c.ttl)
		return
	}

	elem := c.lru.PushFront(&cacheItem{
		key:       keyStr,
		value:     value,
		expiresAt: time.Now().Add(c.ttl),
	})
	c.items[keyStr] = elem

	if c.lru.Len() > c.maxSize {
		c.evictOldest()
	}
	if c.lru.Len()%100 == 0 {
		c.cleanExpired()
	}
}

// Size returns the current entry count.
func (c *ResponseCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lru.Len()
}

func (c *ResponseCache) evictOldest() {
	if elem := c.lru.Back(); elem != nil {
		c.removeElement(elem)
	}
}

func (c *ResponseCache) removeElement(elem *list.Element) {
	c.lru.Remove(elem)
	delete(c.items, elem.Value.(*cacheItem).key)
}

func (c *ResponseCache) cleanExpired() {
	now := time.Now()
	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		if now.After(elem.Value.(*cacheItem).expiresAt) {
			c.removeElement(elem)
		}
		elem = prev
	}
}

func keyToString(key CacheKey) string {
	h := sha256.New()
	for _, part := range []string{key.Question, key.Scenario, key.Agent, key.Endpoint} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
