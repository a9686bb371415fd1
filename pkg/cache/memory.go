package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryCache implements Cache inside the process.
type MemoryCache struct {
	cache *ttlcache.Cache[string, []byte]
}

func NewMemoryCache(capacity uint64) *MemoryCache {
	c := ttlcache.New[string, []byte](
		ttlcache.WithCapacity[string, []byte](capacity),
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	)
	go c.Start()
	return &MemoryCache{cache: c}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	item := c.cache.Get(key)
	if item == nil {
		return nil, ErrMiss
	}
	return item.Value(), nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.cache.Set(key, value, ttl)
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		c.cache.Delete(k)
	}
	return nil
}

// Close stops the expiry loop.
func (c *MemoryCache) Close() {
	c.cache.Stop()
}

// LogNotifier stands in for the cross-instance channel when there is only one
// instance.
type LogNotifier struct{}

func (LogNotifier) Publish(_ context.Context, n Notification) error {
	slog.Debug("document updated", "doc", n.DocID, "at", n.Timestamp)
	return nil
}
