// ABOUTME: Thread-safe TTL cache of completed responses keyed by client idempotency key
// ABOUTME: Lets a retried ask replay the first response instead of running the pipeline again

package dedupe

import (
	"container/list"
	"net/http"
	"sync"
	"time"
)

// State reports what Begin found for a key.
type State int

const (
	// StateNew means the caller now owns the key and must Complete or Abandon it.
	StateNew State = iota
	// StatePending means another request with the same key is still running.
	StatePending
	// StateDone means a stored response is available for replay.
	StateDone
)

// Response is a stored HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// cacheEntry stores the timestamp, response and list element for a cached key.
type cacheEntry struct {
	timestamp time.Time
	done      bool
	response  Response
	element   *list.Element
}

// Cache provides a thread-safe, TTL-based, size-limited store of responses.
// Uses a doubly-linked list to maintain insertion order for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a new cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Key joins the parts that scope an idempotency key.
func Key(parts ...string) string {
	n := 0
	for _, p := range parts {
		n += len(p) + 1
	}
	b := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 {
			b = append(b, 0)
		}
		b = append(b, p...)
	}
	return string(b)
}

// Begin atomically looks up key and claims it when absent or expired. For
// StateDone the stored response is returned.
func (c *Cache) Begin(key string) (Response, State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if ok && c.now().Sub(entry.timestamp) < c.ttl {
		if entry.done {
			return entry.response, StateDone
		}
		return Response{}, StatePending
	}

	c.markLocked(key)
	return Response{}, StateNew
}

// Complete stores the response for a key claimed with Begin. The TTL
// restarts from completion.
func (c *Cache) Complete(key string, resp Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		// Evicted while running; store it anyway.
		c.markLocked(key)
		entry = c.entries[key]
	}
	entry.timestamp = c.now()
	entry.done = true
	entry.response = resp
}

// Abandon releases a claimed key so a retry runs again.
func (c *Cache) Abandon(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok && !entry.done {
		c.order.Remove(entry.element)
		delete(c.entries, key)
	}
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// markLocked records a pending entry. Must be called with mu held.
func (c *Cache) markLocked(key string) {
	if entry, exists := c.entries[key]; exists {
		entry.timestamp = c.now()
		entry.done = false
		entry.response = Response{}
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &cacheEntry{
		timestamp: c.now(),
		element:   elem,
	}
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held. O(1) operation using linked list.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
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

// runCleanup removes all expired entries from the cache.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.entries {
		if now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.entries, key)
		}
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
