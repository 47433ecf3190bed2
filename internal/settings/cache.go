package settings

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultCacheTTL is how long settings are served from memory before the
// database is consulted again.
const DefaultCacheTTL = 30 * time.Second

// Getter loads the settings of one service.
type Getter interface {
	Get(ctx context.Context, service string) (Integration, error)
}

type cacheEntry struct {
	value     Integration
	err       error
	expiresAt time.Time
}

// Cache is a read-through cache in front of a settings Getter. Missing
// settings are cached too, so an unconfigured service does not hit the
// database on every request.
type Cache struct {
	store Getter
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry

	log *slog.Logger
}

// CacheOption customizes a Cache.
type CacheOption func(*Cache)

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache creates a cache with the given TTL.
func NewCache(store Getter, ttl time.Duration, opts ...CacheOption) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c := &Cache{
		store:   store,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
		log:     slog.With("component", "settings-cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns cached settings for a service, loading them on a miss or
// after expiry. Database errors other than ErrNotConfigured are not cached.
func (c *Cache) Get(ctx context.Context, service string) (Integration, error) {
	c.mu.Lock()
	e, ok := c.entries[service]
	c.mu.Unlock()
	if ok && c.now().Before(e.expiresAt) {
		return e.value, e.err
	}

	value, err := c.store.Get(ctx, service)
	if err != nil && !errors.Is(err, ErrNotConfigured) {
		return Integration{}, err
	}

	c.mu.Lock()
	c.entries[service] = cacheEntry{value: value, err: err, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()

	if err == nil && (!ok || e.value != value) {
		c.log.Debug("loaded settings", "service", service, "base_url", value.BaseURL)
	}
	return value, err
}

// Invalidate drops a cached entry so the next Get reads the database.
func (c *Cache) Invalidate(service string) {
	c.mu.Lock()
	delete(c.entries, service)
	c.mu.Unlock()
}
