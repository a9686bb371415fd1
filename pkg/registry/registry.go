// Package registry owns the single live replica of every open document.
//
// GetOrCreate is safe to call concurrently for the same unseen id: loading is
// collapsed so exactly one replica is built and at most one record is
// created in the store.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/astromechza/automerge-docs/pkg/replica"
	"github.com/astromechza/automerge-docs/pkg/store"
)

// ErrNotLoaded is returned by Merge for a document that is not live, for
// example because it was just deleted.
var ErrNotLoaded = errors.New("document not loaded")

// Store is the persistence the registry needs; *cache.Coordinator satisfies
// it so record creation also invalidates cached metadata.
type Store interface {
	LoadContent(ctx context.Context, id string) ([]byte, error)
	EnsureDocument(ctx context.Context, id, title string) (bool, error)
	SaveContent(ctx context.Context, id string, content []byte) (time.Time, error)
	Quarantine(ctx context.Context, id string, content []byte) error
}

type Registry struct {
	store Store

	mu    sync.RWMutex
	docs  map[string]*Document
	group singleflight.Group

	onMerge     func(id string, ev replica.MergeEvent)
	idleTimeout time.Duration
	now         func() time.Time
}

type Option func(*Registry)

// WithMergeHook runs fn after every merge on every document, on the merging
// goroutine. fn must hand slow work off rather than perform it.
func WithMergeHook(fn func(id string, ev replica.MergeEvent)) Option {
	return func(r *Registry) {
		r.onMerge = fn
	}
}

// WithIdleTimeout makes SweepIdle evict documents without subscribers that
// have seen no activity for d. Zero, the default, never evicts.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.idleTimeout = d
	}
}

func New(s Store, opts ...Option) *Registry {
	r := &Registry{
		store: s,
		docs:  make(map[string]*Document),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func DefaultTitle(id string) string {
	return "Document " + id
}

func (r *Registry) Lookup(id string) (*Document, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.docs[id]
	return d, ok
}

// Snapshot returns the full state of a loaded document.
func (r *Registry) Snapshot(id string) ([]byte, bool) {
	d, ok := r.Lookup(id)
	if !ok {
		return nil, false
	}
	return d.replica.Snapshot(), true
}

// IDs lists the loaded documents.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.docs))
	for id := range r.docs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// GetOrCreate returns the live document for id, loading its snapshot or
// creating an empty record on first access. A corrupt snapshot is
// quarantined and replaced by an empty document rather than failing.
//
// The load is shared by every concurrent caller for id, so it runs detached
// from ctx's cancellation. A caller giving up does not fail the others.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*Document, error) {
	if d, ok := r.Lookup(id); ok {
		return d, nil
	}
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := r.group.Do(id, func() (interface{}, error) {
		if d, ok := r.Lookup(id); ok {
			return d, nil
		}
		rep, err := r.load(loadCtx, id)
		if err != nil {
			return nil, err
		}
		d := newDocument(id, rep, r.now())
		d.cancelHook = rep.OnMergeCompleted(func(ev replica.MergeEvent) {
			d.touch(ev.At)
			if r.onMerge != nil {
				r.onMerge(id, ev)
			}
		})

		r.mu.Lock()
		r.docs[id] = d
		r.mu.Unlock()
		slog.Info("opened document", "doc", id, "heads", len(rep.Heads()))
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Document), nil
}

func (r *Registry) load(ctx context.Context, id string) (*replica.Replica, error) {
	content, err := r.store.LoadContent(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if _, err := r.store.EnsureDocument(ctx, id, DefaultTitle(id)); err != nil {
			return nil, fmt.Errorf("failed to create record for %s: %w", id, err)
		}
		return r.fresh(ctx, id)
	case err != nil:
		return nil, fmt.Errorf("failed to load %s: %w", id, err)
	case len(content) == 0:
		return r.fresh(ctx, id)
	}

	rep, err := replica.Load(content)
	if err != nil {
		slog.Error("failed to load snapshot, starting from empty content", "doc", id, "bytes", len(content), "err", err)
		if err := r.store.Quarantine(ctx, id, content); err != nil {
			slog.Error("failed to quarantine snapshot", "doc", id, "err", err)
		}
		return r.fresh(ctx, id)
	}
	return rep, nil
}

// fresh builds a seeded replica and persists it straight away so every later
// load sees the same text object.
func (r *Registry) fresh(ctx context.Context, id string) (*replica.Replica, error) {
	rep, err := replica.New()
	if err != nil {
		return nil, err
	}
	if _, err := r.store.SaveContent(ctx, id, rep.Snapshot()); err != nil {
		slog.Error("failed to persist new document", "doc", id, "err", err)
	}
	return rep, nil
}

// Merge applies an encoded update to a live document as coming from origin
// and reports whether it added anything. It does not load documents, so an
// update racing a delete cannot bring the document back.
func (r *Registry) Merge(id string, update []byte, origin string) (bool, error) {
	d, ok := r.Lookup(id)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotLoaded, id)
	}
	return d.replica.ApplyUpdate(update, origin)
}

// Remove evicts a document, disconnecting its subscribers and dropping its
// presence. It reports whether the document was loaded.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	d, ok := r.docs[id]
	if ok {
		delete(r.docs, id)
		d.retire(false)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	d.evict()
	slog.Info("evicted document", "doc", id)
	return true
}

// SweepIdle persists and evicts documents that have had no subscribers and
// no merges for the idle timeout. It returns the evicted ids.
func (r *Registry) SweepIdle(ctx context.Context) []string {
	if r.idleTimeout <= 0 {
		return nil
	}
	now := r.now()
	var evicted []*Document
	for _, id := range r.IDs() {
		d, ok := r.Lookup(id)
		if !ok {
			continue
		}
		idle, empty := d.idleSince(now)
		if !empty || idle < r.idleTimeout {
			continue
		}
		if _, err := r.store.SaveContent(ctx, id, d.replica.Snapshot()); err != nil {
			slog.Error("failed to persist idle document, keeping it loaded", "doc", id, "err", err)
			continue
		}
		r.mu.Lock()
		// a subscriber may have arrived while persisting
		if r.docs[id] == d && d.retire(true) {
			delete(r.docs, id)
			evicted = append(evicted, d)
		}
		r.mu.Unlock()
	}

	ids := make([]string, 0, len(evicted))
	for _, d := range evicted {
		d.evict()
		ids = append(ids, d.id)
		slog.Info("evicted idle document", "doc", d.id)
	}
	return ids
}
