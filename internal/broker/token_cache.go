package broker

import (
	"container/list"
	"sync"
	"time"

	"agentbroker/pkg/logging"
	"agentbroker/pkg/oauth"
)

// cacheEntry is a cached token plus its residency metadata.
type cacheEntry struct {
	key      CacheKey
	token    *oauth.Token
	storedAt time.Time
}

// TokenCache is a bounded LRU of acquired tokens keyed by (scope set, grant,
// resource). Entries are evicted when the residency TTL elapses or when
// capacity forces out the least recently used slot.
//
// Get never returns an expired token, but an entry whose token has expired
// stays resident until its TTL elapses so TakeExpired can hand its refresh
// token to the refresh path.
type TokenCache struct {
	mu         sync.Mutex
	entries    map[CacheKey]*list.Element
	order      *list.List // front = most recently used
	maxEntries int
	ttl        time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewTokenCache creates a cache with the given capacity and residency TTL
// and starts its background cleanup loop.
func NewTokenCache(maxEntries int, ttl time.Duration) *TokenCache {
	c := &TokenCache{
		entries:    make(map[CacheKey]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		ttl:        ttl,
		stopCh:     make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Get returns the cached token for key, or nil when absent, expired, or past
// its residency TTL. Only TTL-elapsed entries are evicted here; a
// token-expired entry is left in place for TakeExpired.
func (c *TokenCache) Get(key CacheKey) *oauth.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil
	}
	entry := elem.Value.(*cacheEntry)
	if c.ttlElapsed(entry, time.Now()) {
		c.removeLocked(elem)
		return nil
	}
	if entry.token.IsExpired() {
		return nil
	}
	c.order.MoveToFront(elem)
	return entry.token
}

// TakeExpired removes and returns the entry for key only if its token is
// expired but still inside the residency TTL. The refresh path uses the
// returned token's refresh token; a live entry is left untouched and nil is
// returned.
func (c *TokenCache) TakeExpired(key CacheKey) *oauth.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil
	}
	entry := elem.Value.(*cacheEntry)
	now := time.Now()
	if !entry.token.IsExpired() || c.ttlElapsed(entry, now) {
		if c.ttlElapsed(entry, now) {
			c.removeLocked(elem)
		}
		return nil
	}
	c.removeLocked(elem)
	return entry.token
}

// Put stores token under key, replacing any previous entry and evicting the
// least recently used slot when over capacity.
func (c *TokenCache) Put(key CacheKey, token *oauth.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.token = token
		entry.storedAt = time.Now()
		c.order.MoveToFront(elem)
		return
	}

	entry := &cacheEntry{key: key, token: token, storedAt: time.Now()}
	c.entries[key] = c.order.PushFront(entry)

	for c.order.Len() > c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		logging.Debug("TokenCache", "Evicting least recently used entry key=%s", oldest.Value.(*cacheEntry).key.String())
		c.removeLocked(oldest)
	}
}

// Delete drops the entry for key if present.
func (c *TokenCache) Delete(key CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
}

// Len reports the number of cached entries.
func (c *TokenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stop terminates the background cleanup loop.
func (c *TokenCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

func (c *TokenCache) ttlElapsed(e *cacheEntry, now time.Time) bool {
	return c.ttl > 0 && now.Sub(e.storedAt) >= c.ttl
}

func (c *TokenCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	c.order.Remove(elem)
	delete(c.entries, entry.key)
}

func (c *TokenCache) cleanupLoop() {
	interval := c.ttl / 4
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCh:
			return
		}
	}
}

func (c *TokenCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		if c.ttlElapsed(elem.Value.(*cacheEntry), now) {
			c.removeLocked(elem)
			removed++
		}
		elem = prev
	}
	if removed > 0 {
		logging.Debug("TokenCache", "Cleaned up %d stale entries (%d remaining)", removed, c.order.Len())
	}
}
