package oracle

import (
	"sync"
	"time"

	"flowmint-engine/internal/models"
)

// PriceCache holds the most recent observation per feed. Each Gate owns
// its own instance; there is no process-wide cache.
type PriceCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	price     models.OraclePrice
	fetchedAt time.Time
}

func NewPriceCache(ttl time.Duration) *PriceCache {
	return &PriceCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
	}
}

// Get returns the cached observation if the last fetch is within the
// TTL. The second return distinguishes a fresh-enough entry from a miss.
func (c *PriceCache) Get(feedID string, now time.Time) (models.OraclePrice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[feedID]
	if !ok {
		return models.OraclePrice{}, false
	}
	if now.Sub(entry.fetchedAt) > c.ttl {
		return models.OraclePrice{}, false
	}
	return entry.price, true
}

// GetAny returns the cached observation regardless of TTL. Used as the
// degraded fallback when the provider is unreachable.
func (c *PriceCache) GetAny(feedID string) (models.OraclePrice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[feedID]
	return entry.price, ok
}

// Set stores an observation with the fetch instant.
func (c *PriceCache) Set(feedID string, price models.OraclePrice, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[feedID] = cacheEntry{price: price, fetchedAt: now}
}
