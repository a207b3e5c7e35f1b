// Package cache holds location metadata (coordinates and time zone) in front of
// the durable store so request paths and the warmer avoid a query per lookup.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/weather-refresh-service/internal/models"
)

// Cache defines the interface for location metadata caching implementations.
// Get returns cached data if present and not expired, Set stores data with TTL.
type Cache interface {
	Get(ctx context.Context, id int64) (models.Location, bool, error)
	Set(ctx context.Context, loc models.Location, ttl time.Duration) error
}

// InMemoryCache implements Cache using a map with TTL-based expiration.
// Expired entries are removed on access. Safe for concurrent use.
type InMemoryCache struct {
	mu   sync.Mutex
	data map[int64]cacheEntry
	now  func() time.Time
}

type cacheEntry struct {
	value     models.Location
	expiresAt time.Time
}

// NewInMemoryCache creates a new in-memory cache instance.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data: make(map[int64]cacheEntry),
		now:  time.Now,
	}
}

// Get returns (loc, true, nil) on hit and (zero, false, nil) on miss or expiration.
func (c *InMemoryCache) Get(ctx context.Context, id int64) (models.Location, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[id]
	if !ok {
		return models.Location{}, false, nil
	}

	if c.now().After(entry.expiresAt) {
		delete(c.data, id)
		return models.Location{}, false, nil
	}

	return entry.value, true, nil
}

// Set stores the location keyed by its id for ttl.
func (c *InMemoryCache) Set(ctx context.Context, loc models.Location, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[loc.ID] = cacheEntry{
		value:     loc,
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

// Ping always succeeds; present so health checks treat both backends alike.
func (c *InMemoryCache) Ping() error {
	return nil
}

// Len returns the number of stored entries, expired or not.
func (c *InMemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}
