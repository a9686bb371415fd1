// Package replica holds the in-memory content of one document and merges
// concurrent edits into it using automerge.
//
// A Replica exposes the small surface the sync protocol needs:
//
//   - StateSummary: a state vector, sent to a peer as "what do you have"
//   - DiffSince: every change not covered by a peer's summary
//   - ApplyUpdate: merge changes produced elsewhere
//   - Snapshot: full replayable state for persistence
//   - OnMergeCompleted: synchronous notification after every merge that
//     added at least one change
//
// Merging is commutative, associative and idempotent, so the order and
// duplication of updates never changes the converged content.
package replica

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/automerge-docs/pkg/textdiff"
)

// ContentKey is the root map key holding the document's text object.
const ContentKey = "content"

// ErrCorrupt is returned when update, summary or snapshot bytes cannot be
// decoded.
var ErrCorrupt = errors.New("corrupt replica data")

// MergeEvent describes a merge that added changes to the replica.
type MergeEvent struct {
	// Origin identifies who produced the update, typically a connection id.
	Origin string
	// Update holds exactly the changes this merge added, encoded as an update.
	Update []byte
	Heads  []automerge.ChangeHash
	At     time.Time
}

type Replica struct {
	// emitMu serializes a whole merge including its callbacks so listeners
	// observe merges in the order they were applied.
	emitMu sync.Mutex

	mu  sync.Mutex
	doc *automerge.Doc

	subsMu    sync.Mutex
	nextSubID uint64
	subs      map[uint64]func(MergeEvent)
}

func wrap(doc *automerge.Doc) *Replica {
	return &Replica{doc: doc, subs: make(map[uint64]func(MergeEvent))}
}

// New returns a replica seeded with an empty text object. Servers create
// documents with New so every client edits the same text object.
func New() (*Replica, error) {
	doc := automerge.New()
	if err := doc.Path(ContentKey).Set(automerge.NewText("")); err != nil {
		return nil, fmt.Errorf("failed to seed content: %w", err)
	}
	if _, err := doc.Commit("create"); err != nil {
		return nil, fmt.Errorf("failed to commit seed: %w", err)
	}
	return wrap(doc), nil
}

// NewEmpty returns a replica with no changes at all. Clients start from
// NewEmpty and receive the text object during the handshake.
func NewEmpty() *Replica {
	return wrap(automerge.New())
}

// Load restores a replica from a Snapshot.
func Load(snapshot []byte) (*Replica, error) {
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load snapshot: %v", ErrCorrupt, err)
	}
	return wrap(doc), nil
}

// OnMergeCompleted registers fn to run after every merge that added changes,
// including local edits made through Edit. fn runs synchronously on the
// merging goroutine while later merges wait, so it must not block and must
// not call ApplyUpdate or Edit on the same replica. The returned function
// cancels the registration.
func (r *Replica) OnMergeCompleted(fn func(MergeEvent)) (cancel func()) {
	r.subsMu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.subs[id] = fn
	r.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.subsMu.Lock()
			delete(r.subs, id)
			r.subsMu.Unlock()
		})
	}
}

func (r *Replica) emit(ev MergeEvent) {
	r.subsMu.Lock()
	fns := make([]func(MergeEvent), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.subsMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// ApplyUpdate merges an encoded update. It returns false when every change in
// the update was already known, or is waiting for a change it depends on.
// The update is loaded into a fork of the document first so a corrupt update
// leaves the replica unchanged.
func (r *Replica) ApplyUpdate(update []byte, origin string) (bool, error) {
	chunks, err := DecodeUpdate(update)
	if err != nil || len(chunks) == 0 {
		return false, err
	}

	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	ev, applied, err := r.apply(bytes.Join(chunks, nil), origin)
	if err != nil || !applied {
		return false, err
	}
	r.emit(ev)
	return true, nil
}

func (r *Replica) apply(raw []byte, origin string) (MergeEvent, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	staged, err := r.doc.Fork()
	if err != nil {
		return MergeEvent{}, false, fmt.Errorf("failed to fork document: %w", err)
	}
	if err := staged.LoadIncremental(raw); err != nil {
		return MergeEvent{}, false, fmt.Errorf("%w: failed to load changes: %v", ErrCorrupt, err)
	}

	// changes with missing dependencies stay queued in the document until
	// those dependencies arrive
	before := r.doc.Heads()
	if err := r.doc.LoadIncremental(raw); err != nil {
		return MergeEvent{}, false, fmt.Errorf("failed to apply changes: %w", err)
	}
	return r.completed(before, origin)
}

// completed builds the event for everything added since before. It must be
// called with mu held.
func (r *Replica) completed(before []automerge.ChangeHash, origin string) (MergeEvent, bool, error) {
	after := r.doc.Heads()
	if sameHeads(before, after) {
		return MergeEvent{}, false, nil
	}
	added, err := r.doc.Changes(before...)
	if err != nil {
		return MergeEvent{}, false, fmt.Errorf("failed to list new changes: %w", err)
	}
	return MergeEvent{
		Origin: origin,
		Update: EncodeUpdate(added),
		Heads:  after,
		At:     time.Now(),
	}, true, nil
}

// Edit applies local text operations to the content object, commits them as
// one change and returns the update to send to peers. Merge callbacks fire
// with origin as for any other merge. It returns nil when ops is empty.
func (r *Replica) Edit(origin string, ops []textdiff.Op) ([]byte, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	ev, applied, err := r.edit(origin, ops)
	if err != nil || !applied {
		return nil, err
	}
	r.emit(ev)
	return ev.Update, nil
}

func (r *Replica) edit(origin string, ops []textdiff.Op) (MergeEvent, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, err := r.doc.Path(ContentKey).Get()
	if err != nil {
		return MergeEvent{}, false, fmt.Errorf("failed to read content: %w", err)
	}
	if v.Kind() != automerge.KindText {
		return MergeEvent{}, false, fmt.Errorf("document has no text content yet")
	}

	before := r.doc.Heads()
	text := r.doc.Path(ContentKey).Text()
	for _, op := range ops {
		switch op.Kind {
		case textdiff.Delete:
			err = text.Delete(op.Pos, op.Len)
		case textdiff.Insert:
			err = text.Insert(op.Pos, op.Text)
		}
		if err != nil {
			return MergeEvent{}, false, fmt.Errorf("failed to apply %s: %w", op, err)
		}
	}
	if _, err := r.doc.Commit("edit"); err != nil {
		return MergeEvent{}, false, fmt.Errorf("failed to commit edit: %w", err)
	}
	return r.completed(before, origin)
}

// Text returns the current content, or "" when the text object has not been
// received yet.
func (r *Replica) Text() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, err := r.doc.Path(ContentKey).Get()
	if err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}
	if v.Kind() != automerge.KindText {
		return "", nil
	}
	return r.doc.Path(ContentKey).Text().Get()
}

func (r *Replica) Heads() []automerge.ChangeHash {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Heads()
}

// StateSummary encodes the highest sequence number held for every actor.
func (r *Replica) StateSummary() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	return EncodeSummary(stateVectorOf(all)), nil
}

// DiffSince returns an update holding every change the peer that sent
// summary does not hold. Changes are in causal order.
func (r *Replica) DiffSince(summary []byte) ([]byte, error) {
	sv, err := DecodeSummary(summary)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	missing := make([]*automerge.Change, 0)
	for _, c := range all {
		if !sv.Covers(c) {
			missing = append(missing, c)
		}
	}
	return EncodeUpdate(missing), nil
}

// Snapshot serializes the full state.
func (r *Replica) Snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Save()
}

// Fork returns an independent copy of the underlying automerge document for
// read-only inspection.
func (r *Replica) Fork() (*automerge.Doc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Fork()
}

func sameHeads(a, b []automerge.ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[automerge.ChangeHash]bool, len(a))
	for _, h := range a {
		seen[h] = true
	}
	for _, h := range b {
		if !seen[h] {
			return false
		}
	}
	return true
}
