package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/automerge-docs/pkg/store"
)

// Store is the durable side of the coordinator; *store.Store satisfies it.
type Store interface {
	List(ctx context.Context) ([]store.Document, error)
	Get(ctx context.Context, id string) (store.Document, error)
	Create(ctx context.Context, id, title string) (store.Document, error)
	EnsureDocument(ctx context.Context, id, title string) (bool, error)
	LoadContent(ctx context.Context, id string) ([]byte, error)
	SaveContent(ctx context.Context, id string, content []byte) (time.Time, error)
	Delete(ctx context.Context, id string) error
	Quarantine(ctx context.Context, id string, content []byte) error
}

// Coordinator reads metadata through the cache and writes through to the
// store. A mutation holds its document's lock while it invalidates, writes
// and invalidates again, so no reader in this process can see a cache entry
// that predates a completed mutation. Mutations of different documents run
// in parallel. The list entry spans every document, so a list read only fills
// the cache when no invalidation happened while it read the store. Every
// cache failure falls back to the store and is only logged.
type Coordinator struct {
	store    Store
	cache    Cache
	notifier Notifier
	ttl      time.Duration

	locks idLocks

	listMu  sync.Mutex
	listGen uint64
}

type Option func(*Coordinator)

// WithTTL bounds how long list and metadata entries live. The default is one
// minute.
func WithTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		c.ttl = ttl
	}
}

func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) {
		c.notifier = n
	}
}

func NewCoordinator(s Store, c Cache, opts ...Option) *Coordinator {
	co := &Coordinator{store: s, cache: c, notifier: LogNotifier{}, ttl: time.Minute}
	for _, opt := range opts {
		opt(co)
	}
	return co
}

func (c *Coordinator) List(ctx context.Context) ([]store.Document, error) {
	var docs []store.Document
	if c.cached(ctx, listKey, &docs) {
		return docs, nil
	}

	c.listMu.Lock()
	gen := c.listGen
	c.listMu.Unlock()

	docs, err := c.store.List(ctx)
	if err != nil {
		return nil, err
	}

	c.listMu.Lock()
	defer c.listMu.Unlock()
	if c.listGen == gen {
		c.fill(ctx, listKey, docs)
	}
	return docs, nil
}

func (c *Coordinator) Get(ctx context.Context, id string) (store.Document, error) {
	defer c.locks.RLock(id)()

	var d store.Document
	if c.cached(ctx, metaKey(id), &d) {
		return d, nil
	}
	d, err := c.store.Get(ctx, id)
	if err != nil {
		return store.Document{}, err
	}
	c.fill(ctx, metaKey(id), d)
	return d, nil
}

func (c *Coordinator) cached(ctx context.Context, key string, into any) bool {
	raw, err := c.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			slog.Warn("cache read failed, using store", "key", key, "err", err)
		}
		return false
	}
	if err := json.Unmarshal(raw, into); err != nil {
		slog.Warn("dropping undecodable cache entry", "key", key, "err", err)
		return false
	}
	return true
}

func (c *Coordinator) fill(ctx context.Context, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		slog.Warn("failed to encode cache entry", "key", key, "err", err)
		return
	}
	if err := c.cache.Set(ctx, key, raw, c.ttl); err != nil {
		slog.Warn("cache write failed", "key", key, "err", err)
	}
}

func (c *Coordinator) invalidate(ctx context.Context, id string) {
	c.listMu.Lock()
	defer c.listMu.Unlock()
	c.listGen++
	if err := c.cache.Delete(ctx, metaKey(id), listKey); err != nil {
		slog.Warn("cache invalidation failed", "doc", id, "err", err)
	}
}

func (c *Coordinator) mutate(ctx context.Context, id string, fn func() error) error {
	defer c.locks.Lock(id)()

	c.invalidate(ctx, id)
	err := fn()
	c.invalidate(ctx, id)
	return err
}

func (c *Coordinator) Create(ctx context.Context, id, title string) (store.Document, error) {
	var d store.Document
	err := c.mutate(ctx, id, func() (err error) {
		d, err = c.store.Create(ctx, id, title)
		return err
	})
	return d, err
}

func (c *Coordinator) EnsureDocument(ctx context.Context, id, title string) (bool, error) {
	var created bool
	err := c.mutate(ctx, id, func() (err error) {
		created, err = c.store.EnsureDocument(ctx, id, title)
		return err
	})
	return created, err
}

func (c *Coordinator) SaveContent(ctx context.Context, id string, content []byte) (time.Time, error) {
	var at time.Time
	err := c.mutate(ctx, id, func() (err error) {
		at, err = c.store.SaveContent(ctx, id, content)
		return err
	})
	return at, err
}

func (c *Coordinator) Delete(ctx context.Context, id string) error {
	return c.mutate(ctx, id, func() error {
		return c.store.Delete(ctx, id)
	})
}

// LoadContent bypasses the cache; snapshots are never cached.
func (c *Coordinator) LoadContent(ctx context.Context, id string) ([]byte, error) {
	return c.store.LoadContent(ctx, id)
}

func (c *Coordinator) Quarantine(ctx context.Context, id string, content []byte) error {
	return c.store.Quarantine(ctx, id, content)
}

// Notify announces an accepted merge to other instances. Delivery is best
// effort and nothing depends on it for correctness.
func (c *Coordinator) Notify(ctx context.Context, id string, at time.Time) error {
	if err := c.notifier.Publish(ctx, Notification{DocID: id, Timestamp: at}); err != nil {
		return fmt.Errorf("failed to notify update of %s: %w", id, err)
	}
	return nil
}
