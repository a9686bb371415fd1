// Package persist writes document snapshots to durable storage after merges
// without holding up the merge path.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/automerge-docs/pkg/tasks"
)

// ErrGone is returned by Flush when the document is no longer loaded.
var ErrGone = errors.New("document no longer loaded")

// Source yields the current full snapshot of a loaded document.
type Source interface {
	Snapshot(id string) ([]byte, bool)
}

type SourceFunc func(id string) ([]byte, bool)

func (f SourceFunc) Snapshot(id string) ([]byte, bool) {
	return f(id)
}

// Sink is where snapshots and update notifications go; *cache.Coordinator
// satisfies it.
type Sink interface {
	SaveContent(ctx context.Context, id string, content []byte) (time.Time, error)
	Notify(ctx context.Context, id string, at time.Time) error
}

type Writer struct {
	dispatcher *tasks.Dispatcher
	source     Source
	sink       Sink
	timeout    time.Duration

	mu         sync.Mutex
	lastMerged map[string]time.Time
}

func NewWriter(d *tasks.Dispatcher, source Source, sink Sink) *Writer {
	return &Writer{
		dispatcher: d,
		source:     source,
		sink:       sink,
		timeout:    10 * time.Second,
		lastMerged: make(map[string]time.Time),
	}
}

// Merged records an accepted merge of id at the given time: it schedules a
// snapshot write and a cross-instance notification. Both are coalesced per
// document and failures are only logged.
func (w *Writer) Merged(id string, at time.Time) {
	w.mu.Lock()
	w.lastMerged[id] = at
	w.mu.Unlock()

	w.dispatcher.Dispatch("persist:"+id, func(ctx context.Context) error {
		err := w.Flush(ctx, id)
		if errors.Is(err, ErrGone) {
			slog.Debug("skipping write of unloaded document", "doc", id)
			return nil
		}
		return err
	})
	w.dispatcher.Dispatch("notify:"+id, func(ctx context.Context) error {
		w.mu.Lock()
		at, ok := w.lastMerged[id]
		delete(w.lastMerged, id)
		w.mu.Unlock()
		if !ok {
			return nil
		}
		ctx, cancel := context.WithTimeout(ctx, w.timeout)
		defer cancel()
		return w.sink.Notify(ctx, id, at)
	})
}

// Flush writes the current snapshot of id synchronously.
func (w *Writer) Flush(ctx context.Context, id string) error {
	snapshot, ok := w.source.Snapshot(id)
	if !ok {
		return ErrGone
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	at, err := w.sink.SaveContent(ctx, id, snapshot)
	if err != nil {
		return fmt.Errorf("failed to persist %s: %w", id, err)
	}
	slog.Debug("persisted", "doc", id, "bytes", len(snapshot), "updated_at", at)
	return nil
}
