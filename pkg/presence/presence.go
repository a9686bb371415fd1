// Package presence tracks the ephemeral per-client state (cursor, identity)
// announced on a document. Entries are never persisted.
package presence

import (
	"sort"
	"sync"
	"time"
)

type Entry struct {
	ClientID uint64
	State    []byte
	// ConnID is the connection that last announced this client.
	ConnID    string
	UpdatedAt time.Time
}

// Table is the last-writer-wins presence state of one document.
type Table struct {
	mu      sync.Mutex
	entries map[uint64]Entry
}

func NewTable() *Table {
	return &Table{entries: make(map[uint64]Entry)}
}

// Apply records state for clientID. An empty state removes the client. It
// reports whether the table changed.
func (t *Table) Apply(clientID uint64, state []byte, connID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(state) == 0 {
		if _, ok := t.entries[clientID]; !ok {
			return false
		}
		delete(t.entries, clientID)
		return true
	}
	t.entries[clientID] = Entry{
		ClientID:  clientID,
		State:     append([]byte(nil), state...),
		ConnID:    connID,
		UpdatedAt: now,
	}
	return true
}

// RemoveConnection drops every client last announced by connID and returns
// their ids in ascending order.
func (t *Table) RemoveConnection(connID string) []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []uint64
	for id, e := range t.entries {
		if e.ConnID == connID {
			delete(t.entries, id)
			removed = append(removed, id)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	return removed
}

// Expire drops entries not updated within ttl. A ttl of zero disables expiry.
func (t *Table) Expire(now time.Time, ttl time.Duration) []Entry {
	if ttl <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []Entry
	for id, e := range t.entries {
		if now.Sub(e.UpdatedAt) > ttl {
			delete(t.entries, id)
			expired = append(expired, e)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ClientID < expired[j].ClientID })
	return expired
}

// Snapshot returns every entry ordered by client id.
func (t *Table) Snapshot() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[uint64]Entry)
}
