// ABOUTME: Thread-safe TTL and LRU bounded map of per-client rate limiters
// ABOUTME: Used by the generate endpoint to throttle key allocation per client address

package throttle

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// cacheEntry stores a client's limiter, when it was last used and its list element.
type cacheEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	element  *list.Element
}

// Cache holds one rate.Limiter per client. Uses a doubly-linked list in
// last-use order for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	clients map[string]*cacheEntry
	order   *list.List // client keys, least recently used at front
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a Cache allowing perMinute events per client with the given
// burst. Clients idle for ttl are forgotten. A background goroutine
// periodically removes them.
func New(perMinute, burst int, ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		clients: make(map[string]*cacheEntry),
		order:   list.New(),
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   burst,
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Allow reports whether client may proceed now, consuming a token if so.
func (c *Cache) Allow(client string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	return c.limiterLocked(client, now).AllowN(now, 1)
}

// limiterLocked returns the client's limiter, creating it if needed.
// Must be called with mu held.
func (c *Cache) limiterLocked(client string, now time.Time) *rate.Limiter {
	if entry, ok := c.clients[client]; ok {
		entry.lastSeen = now
		c.order.MoveToBack(entry.element)
		return entry.limiter
	}

	if len(c.clients) >= c.maxSize {
		c.evictOldest()
	}

	entry := &cacheEntry{
		limiter:  rate.NewLimiter(c.limit, c.burst),
		lastSeen: now,
		element:  c.order.PushBack(client),
	}
	c.clients[client] = entry
	return entry.limiter
}

// Len returns the number of tracked clients.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// evictOldest removes the least recently used client.
// Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	client, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.clients, client)
}

// cleanup runs in a background goroutine, periodically removing idle clients.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes clients idle for longer than the TTL. The list is in
// last-use order, so it stops at the first client still in use.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		client, _ := front.Value.(string)
		if now.Sub(c.clients[client].lastSeen) <= c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.clients, client)
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
