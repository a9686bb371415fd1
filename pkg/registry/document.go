package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/astromechza/automerge-docs/pkg/presence"
	"github.com/astromechza/automerge-docs/pkg/replica"
)

// ErrEvicted is returned by Subscribe on a document that has left the
// registry. Callers should fetch the document again with GetOrCreate.
var ErrEvicted = errors.New("document evicted")

// Subscriber receives what happens on a document. Every method is called
// synchronously from the goroutine that caused the event and must not block.
type Subscriber interface {
	ID() string
	// OnMerge is called for every merge not originating from this subscriber.
	OnMerge(ev replica.MergeEvent)
	// OnPresence is called with presence frames sent by other subscribers.
	OnPresence(frame []byte)
	// OnEvict is called when the document is removed from the registry.
	OnEvict()
}

// Document is the live state of one document: its replica, who is connected
// and their presence.
type Document struct {
	id       string
	replica  *replica.Replica
	presence *presence.Table

	mu         sync.Mutex
	subs       map[string]Subscriber
	lastActive time.Time
	evicted    bool
	cancelHook func()
}

func newDocument(id string, r *replica.Replica, now time.Time) *Document {
	return &Document{
		id:         id,
		replica:    r,
		presence:   presence.NewTable(),
		subs:       make(map[string]Subscriber),
		lastActive: now,
	}
}

func (d *Document) ID() string {
	return d.id
}

func (d *Document) Replica() *replica.Replica {
	return d.replica
}

func (d *Document) Presence() *presence.Table {
	return d.presence
}

// Subscribe registers s for merges and presence. Merges whose origin is
// s.ID() are never delivered to s. The returned function unsubscribes. It
// fails with ErrEvicted once the document has been evicted.
func (d *Document) Subscribe(s Subscriber) (cancel func(), err error) {
	id := s.ID()
	d.mu.Lock()
	if d.evicted {
		d.mu.Unlock()
		return nil, ErrEvicted
	}
	d.subs[id] = s
	d.mu.Unlock()

	cancelMerge := d.replica.OnMergeCompleted(func(ev replica.MergeEvent) {
		if ev.Origin == id {
			return
		}
		s.OnMerge(ev)
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			cancelMerge()
			d.mu.Lock()
			delete(d.subs, id)
			d.lastActive = time.Now()
			d.mu.Unlock()
		})
	}, nil
}

// BroadcastPresence hands frame to every subscriber except origin.
func (d *Document) BroadcastPresence(origin string, frame []byte) {
	for _, s := range d.subscribers() {
		if s.ID() != origin {
			s.OnPresence(frame)
		}
	}
}

func (d *Document) Subscribers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

func (d *Document) subscribers() []Subscriber {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Subscriber, 0, len(d.subs))
	for _, s := range d.subs {
		out = append(out, s)
	}
	return out
}

func (d *Document) touch(at time.Time) {
	d.mu.Lock()
	if at.After(d.lastActive) {
		d.lastActive = at
	}
	d.mu.Unlock()
}

func (d *Document) idleSince(now time.Time) (time.Duration, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return now.Sub(d.lastActive), len(d.subs) == 0
}

// retire marks the document evicted so no new subscriber can join. With
// onlyIdle it refuses while anyone is subscribed.
func (d *Document) retire(onlyIdle bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if onlyIdle && len(d.subs) > 0 {
		return false
	}
	d.evicted = true
	return true
}

// evict disconnects the subscribers of a retired document.
func (d *Document) evict() {
	if d.cancelHook != nil {
		d.cancelHook()
	}
	for _, s := range d.subscribers() {
		s.OnEvict()
	}
	d.presence.Clear()
}
