// Package cache keeps a read-through cache of document metadata in front of
// the durable store and invalidates it whenever a record changes.
//
// Two backends exist: RedisCache, shared between server instances and also
// carrying the cross-instance update notifications, and MemoryCache for a
// single process.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Cache.Get for absent or expired keys.
var ErrMiss = errors.New("cache miss")

// NotifyChannel carries a Notification after every accepted merge.
const NotifyChannel = "docs:updates"

const listKey = "docs:list"

func metaKey(id string) string {
	return "docs:meta:" + id
}

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type Notification struct {
	DocID     string    `json:"docId"`
	Timestamp time.Time `json:"timestamp"`
}

type Notifier interface {
	Publish(ctx context.Context, n Notification) error
}
