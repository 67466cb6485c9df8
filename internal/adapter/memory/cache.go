package memory

import (
	"sync"
	"time"

	"github.com/neomorfeo/memberiq/internal/domain"
)

// Compile-time check: ResponseCache implements domain.ResponseCache.
var _ domain.ResponseCache = (*ResponseCache)(nil)

// DefaultTTL is the idempotency window applied when callers pass no TTL.
const DefaultTTL = time.Hour

type cacheEntry struct {
	resp      domain.MembershipResponse
	expiresAt time.Time
}

// ResponseCache is a TTL-keyed in-memory cache of successful membership
// responses. A hit replays the stored response without touching any
// provider, which is what makes replaying an idempotency key side-effect
// free. Reads past expiry are treated as misses and evicted lazily; the
// periodic sweep exists for memory hygiene only.
type ResponseCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewResponseCache creates an empty cache.
func NewResponseCache() *ResponseCache {
	return NewResponseCacheWithClock(time.Now)
}

// NewResponseCacheWithClock creates a cache reading time from now.
func NewResponseCacheWithClock(now func() time.Time) *ResponseCache {
	return &ResponseCache{
		entries: make(map[string]cacheEntry),
		now:     now,
	}
}

// CacheResponse stores resp under key for ttl (DefaultTTL when ttl <= 0).
// Failed responses are never cached so a failed operation stays retryable
// under the same key.
func (c *ResponseCache) CacheResponse(key string, resp domain.MembershipResponse, ttl time.Duration) {
	if key == "" || !resp.Ok() {
		return
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{
		resp:      resp,
		expiresAt: c.now().Add(ttl),
	}
}

// GetCachedResponse returns the response stored under key, evicting and
// missing when the entry has expired.
func (c *ResponseCache) GetCachedResponse(key string) (domain.MembershipResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return domain.MembershipResponse{}, false
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return domain.MembershipResponse{}, false
	}
	return entry.resp, true
}

// CleanupExpired removes every expired entry and returns how many were
// dropped.
func (c *ResponseCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Stats counts total, active, and expired entries without evicting.
func (c *ResponseCache) Stats() domain.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	stats := domain.CacheStats{Total: len(c.entries)}
	for _, entry := range c.entries {
		if now.Before(entry.expiresAt) {
			stats.Active++
		} else {
			stats.Expired++
		}
	}
	return stats
}
