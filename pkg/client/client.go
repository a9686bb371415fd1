// Package client keeps a local replica of one document in sync with a server
// and turns whole-buffer edits into text operations.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/astromechza/automerge-docs/pkg/replica"
	"github.com/astromechza/automerge-docs/pkg/textdiff"
	"github.com/astromechza/automerge-docs/pkg/wire"
)

// ErrNotReady is returned by Input before the first handshake has completed.
var ErrNotReady = errors.New("session not ready")

var errDisconnected = errors.New("not connected")

// Stats counts the frames received over the lifetime of a session, and the
// changes it sent while answering handshakes.
type Stats struct {
	Step1    int64
	Step2    int64
	Updates  int64
	Presence int64

	HandshakeChanges int64
}

type Option func(*Session)

// OnRender is called with the new buffer and caret whenever a remote change
// alters the content. It runs on the receiving goroutine.
func OnRender(fn func(text string, caret int)) Option {
	return func(s *Session) {
		s.onRender = fn
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(s *Session) {
		s.dialer = d
	}
}

// WithClientID fixes the presence client id instead of picking a random one.
func WithClientID(id uint64) Option {
	return func(s *Session) {
		s.clientID = id
	}
}

type Session struct {
	url      string
	origin   string
	clientID uint64
	replica  *replica.Replica
	dialer   *websocket.Dialer
	onRender func(text string, caret int)

	// echo is set while a local edit is being applied so the merge callback
	// does not re-render the buffer the user just typed.
	echo        atomic.Bool
	synced      atomic.Bool
	cancelMerge func()

	inputMu sync.Mutex

	mu       sync.Mutex
	text     string
	caret    int
	peers    map[uint64][]byte
	presence []byte
	conn     *connection
	closed   bool

	step1, step2, updates, presenceFrames atomic.Int64
	handshakeChanges                      atomic.Int64
}

type connection struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	ready   chan struct{}
	once    sync.Once
	done    chan struct{}
}

func (c *connection) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *connection) markReady() {
	c.once.Do(func() { close(c.ready) })
}

// SyncURL builds the websocket address of docID on the server at base, which
// may use an http, https, ws or wss scheme.
func SyncURL(base, docID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("failed to parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u = u.JoinPath("sync")
	q := u.Query()
	q.Set("doc", docID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects to docID on the server. The session starts with an empty
// replica; wait on Ready before calling Input.
func Dial(ctx context.Context, serverURL, docID string, opts ...Option) (*Session, error) {
	u, err := SyncURL(serverURL, docID)
	if err != nil {
		return nil, err
	}
	s := &Session{
		url:      u,
		origin:   ulid.Make().String(),
		clientID: rand.Uint64(),
		replica:  replica.NewEmpty(),
		dialer:   websocket.DefaultDialer,
		peers:    make(map[uint64][]byte),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cancelMerge = s.replica.OnMergeCompleted(s.merged)
	if err := s.connect(ctx); err != nil {
		s.cancelMerge()
		return nil, err
	}
	return s, nil
}

func (s *Session) connect(ctx context.Context) error {
	ws, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	c := &connection{ws: ws, ready: make(chan struct{}), done: make(chan struct{})}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ws.Close()
		return errors.New("session closed")
	}
	s.conn = c
	s.mu.Unlock()

	go s.read(c)
	return nil
}

func (s *Session) current() *connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Connected reports whether the session currently has a connection.
func (s *Session) Connected() bool {
	return s.current() != nil
}

// Ready is closed when the handshake on the current connection completes.
func (s *Session) Ready() <-chan struct{} {
	if c := s.current(); c != nil {
		return c.ready
	}
	ch := make(chan struct{})
	return ch
}

func (s *Session) read(c *connection) {
	defer close(c.done)
	defer func() {
		s.mu.Lock()
		if s.conn == c {
			s.conn = nil
		}
		s.peers = make(map[uint64][]byte)
		s.mu.Unlock()
		_ = c.ws.Close()
	}()

	for {
		mt, p, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("sync connection lost", "err", err)
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		f, err := wire.Decode(p)
		if err != nil {
			slog.Warn("dropping malformed frame", "err", err)
			continue
		}
		if err := s.handle(c, f); err != nil {
			slog.Error("failed to handle frame", "tag", f.Tag, "kind", f.Kind, "err", err)
		}
	}
}

func (s *Session) handle(c *connection, f wire.Frame) error {
	if f.Tag == wire.TagPresence {
		s.presenceFrames.Add(1)
		s.mu.Lock()
		if len(f.State) == 0 {
			delete(s.peers, f.ClientID)
		} else if f.ClientID != s.clientID {
			s.peers[f.ClientID] = f.State
		}
		s.mu.Unlock()
		return nil
	}

	switch f.Kind {
	case wire.SyncStep1:
		s.step1.Add(1)
		diff, err := s.replica.DiffSince(f.Payload)
		if err != nil {
			return fmt.Errorf("failed to diff against server state: %w", err)
		}
		if chunks, err := replica.DecodeUpdate(diff); err == nil {
			s.handshakeChanges.Add(int64(len(chunks)))
		}
		summary, err := s.replica.StateSummary()
		if err != nil {
			return fmt.Errorf("failed to summarise local state: %w", err)
		}
		if err := c.write(wire.EncodeSync(wire.SyncStep2, diff)); err != nil {
			return fmt.Errorf("failed to send step2: %w", err)
		}
		if err := c.write(wire.EncodeSync(wire.SyncStep1, summary)); err != nil {
			return fmt.Errorf("failed to send step1: %w", err)
		}

	case wire.SyncStep2:
		s.step2.Add(1)
		if _, err := s.replica.ApplyUpdate(f.Payload, "server"); err != nil {
			return err
		}
		s.synced.Store(true)
		c.markReady()
		s.mu.Lock()
		state := s.presence
		s.mu.Unlock()
		if len(state) > 0 {
			if err := c.write(wire.EncodePresence(s.clientID, state)); err != nil {
				return fmt.Errorf("failed to send presence: %w", err)
			}
		}

	case wire.SyncUpdate:
		s.updates.Add(1)
		if _, err := s.replica.ApplyUpdate(f.Payload, "server"); err != nil {
			return err
		}
	}
	return nil
}

// merged re-renders the buffer after a remote merge.
func (s *Session) merged(_ replica.MergeEvent) {
	if s.echo.Load() {
		return
	}
	text, err := s.replica.Text()
	if err != nil {
		slog.Error("failed to read merged content", "err", err)
		return
	}
	s.mu.Lock()
	changed := text != s.text
	s.text = text
	s.caret = textdiff.ClampCaret(s.caret, text)
	caret := s.caret
	s.mu.Unlock()
	if changed && s.onRender != nil {
		s.onRender(text, caret)
	}
}

// Input records that the user's buffer is now newText with the caret at
// caret, turns the difference into text operations and sends them. Edits
// made while disconnected stay in the replica and go out with the next
// handshake.
func (s *Session) Input(newText string, caret int) error {
	if !s.synced.Load() {
		return ErrNotReady
	}
	s.inputMu.Lock()
	defer s.inputMu.Unlock()

	s.mu.Lock()
	old := s.text
	s.mu.Unlock()

	edit := textdiff.Translate(old, newText, caret)
	var update []byte
	if !edit.Empty() {
		s.echo.Store(true)
		var err error
		update, err = s.replica.Edit(s.origin, edit.Ops())
		s.echo.Store(false)
		if err != nil {
			return fmt.Errorf("failed to apply edit: %w", err)
		}
	}

	text, err := s.replica.Text()
	if err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}
	s.mu.Lock()
	s.text = text
	s.caret = textdiff.ClampCaret(caret, text)
	caret = s.caret
	s.mu.Unlock()
	// a remote merge landed while the edit was applied
	if text != newText && s.onRender != nil {
		s.onRender(text, caret)
	}

	if len(update) == 0 {
		return nil
	}
	if err := s.send(wire.EncodeSync(wire.SyncUpdate, update)); err != nil {
		slog.Warn("edit kept locally until reconnect", "err", err)
	}
	return nil
}

func (s *Session) send(frame []byte) error {
	c := s.current()
	if c == nil {
		return errDisconnected
	}
	return c.write(frame)
}

func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

func (s *Session) Caret() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caret
}

// SetPresence publishes state for this client. An empty state clears it. The
// latest state is re-sent after every reconnect.
func (s *Session) SetPresence(state []byte) error {
	s.mu.Lock()
	s.presence = append([]byte(nil), state...)
	s.mu.Unlock()
	return s.send(wire.EncodePresence(s.clientID, state))
}

// Peers returns the presence state of the other clients on the document.
func (s *Session) Peers() map[uint64][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint64][]byte, len(s.peers))
	for id, state := range s.peers {
		out[id] = state
	}
	return out
}

func (s *Session) ClientID() uint64 {
	return s.clientID
}

func (s *Session) Stats() Stats {
	return Stats{
		Step1:    s.step1.Load(),
		Step2:    s.step2.Load(),
		Updates:  s.updates.Load(),
		Presence: s.presenceFrames.Load(),

		HandshakeChanges: s.handshakeChanges.Load(),
	}
}

// Disconnect drops the current connection but keeps the replica, so local
// edits continue and Reconnect resumes from the local state.
func (s *Session) Disconnect() {
	c := s.current()
	if c == nil {
		return
	}
	c.writeMu.Lock()
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	_ = c.ws.Close()
	<-c.done
}

// Reconnect replaces the current connection with a new one. Only the
// changes each side is missing are exchanged in the handshake.
func (s *Session) Reconnect(ctx context.Context) error {
	s.Disconnect()
	return s.connect(ctx)
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Disconnect()
	s.cancelMerge()
	return nil
}
