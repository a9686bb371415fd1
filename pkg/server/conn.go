package server

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/astromechza/automerge-docs/pkg/registry"
	"github.com/astromechza/automerge-docs/pkg/replica"
	"github.com/astromechza/automerge-docs/pkg/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 << 20
)

type Phase int32

const (
	PhaseConnecting Phase = iota
	PhaseSyncing
	PhaseSynced
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "CONNECTING"
	case PhaseSyncing:
		return "SYNCING"
	case PhaseSynced:
		return "SYNCED"
	case PhaseClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("Phase(%d)", int32(p))
	}
}

// Connection is the server side of one websocket bound to one document.
//
// The read pump owns the handshake state; the write pump owns every write to the socket. Anything else hands frames
// to the write pump through enqueue.
type Connection struct {
	id  string
	srv *Server
	ws  *websocket.Conn
	doc *registry.Document

	phase atomic.Int32
	send  chan []byte

	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	closeText string

	ready     chan struct{}
	readyOnce sync.Once

	sentStep2 bool
	gotStep2  bool
}

func newConnection(s *Server, ws *websocket.Conn, doc *registry.Document) *Connection {
	return &Connection{
		id:        ulid.Make().String(),
		srv:       s,
		ws:        ws,
		doc:       doc,
		send:      make(chan []byte, s.opts.SendQueue),
		done:      make(chan struct{}),
		ready:     make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
	}
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) DocID() string {
	return c.doc.ID()
}

func (c *Connection) Phase() Phase {
	return Phase(c.phase.Load())
}

func (c *Connection) setPhase(p Phase) {
	c.phase.Store(int32(p))
}

// Ready is closed once the handshake has completed in both directions.
func (c *Connection) Ready() <-chan struct{} {
	return c.ready
}

// OnMerge forwards merges made by other connections.
func (c *Connection) OnMerge(ev replica.MergeEvent) {
	c.enqueue(wire.EncodeSync(wire.SyncUpdate, ev.Update))
}

func (c *Connection) OnPresence(frame []byte) {
	c.enqueue(frame)
}

func (c *Connection) OnEvict() {
	c.closeWith(websocket.CloseGoingAway, "document removed")
}

// enqueue hands a frame to the write pump without blocking. A connection that
// cannot keep up is closed; it resynchronises through the handshake when it
// reconnects.
func (c *Connection) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		slog.Warn("send queue full, closing connection", "conn", c.id, "doc", c.doc.ID())
		c.closeWith(websocket.CloseTryAgainLater, "too slow")
		return false
	}
}

func (c *Connection) closeWith(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode, c.closeText = code, text
		close(c.done)
	})
}

// serve runs the connection until the socket fails or the connection is
// closed. unsubscribe detaches it from its document afterwards.
func (c *Connection) serve(unsubscribe func()) {
	summary, err := c.doc.Replica().StateSummary()
	if err != nil {
		slog.Error("failed to summarise document", "conn", c.id, "doc", c.doc.ID(), "err", err)
		c.closeWith(websocket.CloseInternalServerErr, "")
	} else {
		c.enqueue(wire.EncodeSync(wire.SyncStep1, summary))
		c.setPhase(PhaseSyncing)
		slog.Info("connection opened", "conn", c.id, "doc", c.doc.ID())
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()
	c.readPump()
	c.closeWith(websocket.CloseNormalClosure, "")
	<-writerDone

	unsubscribe()
	for _, clientID := range c.doc.Presence().RemoveConnection(c.id) {
		c.doc.BroadcastPresence(c.id, wire.EncodePresence(clientID, nil))
	}
	c.setPhase(PhaseClosed)
	slog.Info("connection closed", "conn", c.id, "doc", c.doc.ID())
}

func (c *Connection) readPump() {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, p, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("connection read failed", "conn", c.id, "err", err)
			}
			return
		}
		if mt != websocket.BinaryMessage {
			slog.Warn("dropping non-binary message", "conn", c.id, "type", mt)
			continue
		}
		c.handle(p)
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				slog.Warn("connection write failed", "conn", c.id, "err", err)
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(c.closeCode, c.closeText),
				time.Now().Add(writeWait),
			)
			return
		}
	}
}

// handle processes one frame. Bad frames are logged and dropped; they never
// close the connection.
func (c *Connection) handle(p []byte) {
	f, err := wire.Decode(p)
	if err != nil {
		slog.Warn("dropping malformed frame", "conn", c.id, "err", err)
		return
	}

	switch f.Tag {
	case wire.TagSync:
		c.handleSync(f)
	case wire.TagPresence:
		c.handlePresence(f, p)
	}
}

func (c *Connection) handleSync(f wire.Frame) {
	switch f.Kind {
	case wire.SyncStep1:
		diff, err := c.doc.Replica().DiffSince(f.Payload)
		if err != nil {
			slog.Warn("dropping bad state summary", "conn", c.id, "err", err)
			return
		}
		c.enqueue(wire.EncodeSync(wire.SyncStep2, diff))
		c.sentStep2 = true

	case wire.SyncStep2, wire.SyncUpdate:
		applied, err := c.srv.registry.Merge(c.doc.ID(), f.Payload, c.id)
		if err != nil {
			if errors.Is(err, registry.ErrNotLoaded) {
				c.closeWith(websocket.CloseGoingAway, "document removed")
				return
			}
			slog.Warn("dropping unmergeable update", "conn", c.id, "kind", f.Kind, "err", err)
			return
		}
		slog.Debug("merged", "conn", c.id, "doc", c.doc.ID(), "kind", f.Kind, "applied", applied)
		if f.Kind == wire.SyncStep2 {
			c.gotStep2 = true
		}
	}

	if c.sentStep2 && c.gotStep2 && c.Phase() == PhaseSyncing {
		c.setPhase(PhaseSynced)
		c.readyOnce.Do(func() { close(c.ready) })
		for _, e := range c.doc.Presence().Snapshot() {
			if e.ConnID != c.id {
				c.enqueue(wire.EncodePresence(e.ClientID, e.State))
			}
		}
		slog.Info("connection synced", "conn", c.id, "doc", c.doc.ID())
	}
}

// handlePresence records the delta and relays the received frame verbatim.
func (c *Connection) handlePresence(f wire.Frame, raw []byte) {
	c.doc.Presence().Apply(f.ClientID, f.State, c.id, time.Now())
	c.doc.BroadcastPresence(c.id, raw)
}
