package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/freewebtopdf/history-sanitizer/internal/domain"
)

// node represents a node in the doubly-linked list
type node struct {
	key   string
	value domain.Outcome
	prev  *node
	next  *node
}

// LRUCache implements the VerdictCache interface using LRU eviction policy.
// Only match verdicts are stored; the owner clears it whenever the rule set
// is rebuilt, so an entry never outlives the rules that produced it.
type LRUCache struct {
	maxSize int
	size    int

	// Doubly-linked list for LRU ordering
	head *node
	tail *node

	cache map[string]*node
	mutex sync.Mutex

	hits   int64
	misses int64
}

// NewLRUCache creates a new LRU cache with the specified maximum size
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}

	head := &node{}
	tail := &node{}
	head.next = tail
	tail.prev = head

	return &LRUCache{
		maxSize: maxSize,
		head:    head,
		tail:    tail,
		cache:   make(map[string]*node),
	}
}

// Get retrieves a verdict and marks it as recently used
func (c *LRUCache) Get(key string) (domain.Outcome, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	found, exists := c.cache[key]
	if !exists {
		atomic.AddInt64(&c.misses, 1)
		return domain.Outcome{}, false
	}

	c.moveToFront(found)
	atomic.AddInt64(&c.hits, 1)
	return found.value, true
}

// Set adds or updates a verdict
func (c *LRUCache) Set(key string, verdict domain.Outcome) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	// Deletion status belongs to a single event, not to the URL
	verdict.Deleted = false

	if existing, exists := c.cache[key]; exists {
		existing.value = verdict
		c.moveToFront(existing)
		return
	}

	newNode := &node{key: key, value: verdict}
	c.addToFront(newNode)
	c.cache[key] = newNode
	c.size++

	if c.size > c.maxSize {
		c.evictLRU()
	}
}

// Clear removes all entries and resets counters
func (c *LRUCache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.head.next = c.tail
	c.tail.prev = c.head
	c.cache = make(map[string]*node)
	c.size = 0

	atomic.StoreInt64(&c.hits, 0)
	atomic.StoreInt64(&c.misses, 0)
}

// Stats returns current cache statistics
func (c *LRUCache) Stats() domain.CacheStats {
	c.mutex.Lock()
	size := c.size
	c.mutex.Unlock()

	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)

	var hitRatio float64
	if total := hits + misses; total > 0 {
		hitRatio = float64(hits) / float64(total)
	}

	return domain.CacheStats{
		Hits:     hits,
		Misses:   misses,
		Size:     size,
		MaxSize:  c.maxSize,
		HitRatio: hitRatio,
	}
}

// HealthCheck performs a health check on the cache
func (c *LRUCache) HealthCheck(ctx context.Context) domain.HealthStatus {
	stats := c.Stats()

	status := domain.HealthStatusHealthy
	message := "Cache is operating normally"
	details := map[string]any{
		"size":      stats.Size,
		"max_size":  stats.MaxSize,
		"hit_ratio": stats.HitRatio,
	}

	if stats.Size >= int(float64(stats.MaxSize)*0.9) {
		status = domain.HealthStatusDegraded
		message = "Cache is near capacity"
		details["warning"] = "Cache utilization above 90%"
	}

	return domain.HealthStatus{
		Status:    status,
		Message:   message,
		Details:   details,
		Timestamp: time.Now(),
	}
}

func (c *LRUCache) moveToFront(n *node) {
	c.removeNode(n)
	c.addToFront(n)
}

func (c *LRUCache) addToFront(n *node) {
	n.prev = c.head
	n.next = c.head.next
	c.head.next.prev = n
	c.head.next = n
}

func (c *LRUCache) removeNode(n *node) {
	n.prev.next = n.next
	n.next.prev = n.prev
}

// evictLRU removes the least recently used item from the cache
func (c *LRUCache) evictLRU() {
	if c.tail.prev == c.head {
		return
	}

	lru := c.tail.prev
	c.removeNode(lru)
	delete(c.cache, lru.key)
	c.size--
}
