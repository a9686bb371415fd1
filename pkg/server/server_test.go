package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-docs/pkg/cache"
	"github.com/astromechza/automerge-docs/pkg/replica"
	"github.com/astromechza/automerge-docs/pkg/store"
	"github.com/astromechza/automerge-docs/pkg/textdiff"
	"github.com/astromechza/automerge-docs/pkg/wire"
)

type harness struct {
	srv   *Server
	http  *httptest.Server
	store *store.Store
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	st, err := store.Open(ctx, store.DriverSQLite, filepath.Join(t.TempDir(), "docs.sqlite3"))
	require.NoError(t, err)
	mc := cache.NewMemoryCache(100)
	srv := New(ctx, cache.NewCoordinator(st, mc), opts)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		hs.Close()
		cancel()
		mc.Close()
		_ = st.Close()
	})
	return &harness{srv: srv, http: hs, store: st}
}

// waitText blocks until the live replica of id holds text.
func (h *harness) waitText(t *testing.T, id, text string) {
	t.Helper()
	require.Eventually(t, func() bool {
		raw, ok := h.srv.Registry().Snapshot(id)
		if !ok {
			return false
		}
		rep, err := replica.Load(raw)
		if err != nil {
			return false
		}
		got, _ := rep.Text()
		return got == text
	}, 5*time.Second, 10*time.Millisecond)
}

type peer struct {
	t   *testing.T
	ws  *websocket.Conn
	rep *replica.Replica
}

func (h *harness) dial(t *testing.T, docID string) *peer {
	t.Helper()
	u := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/sync?doc=" + docID
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &peer{t: t, ws: ws, rep: replica.NewEmpty()}
}

func (p *peer) write(frame []byte) {
	p.t.Helper()
	require.NoError(p.t, p.ws.WriteMessage(websocket.BinaryMessage, frame))
}

func (p *peer) read() wire.Frame {
	p.t.Helper()
	require.NoError(p.t, p.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	mt, raw, err := p.ws.ReadMessage()
	require.NoError(p.t, err)
	require.Equal(p.t, websocket.BinaryMessage, mt)
	f, err := wire.Decode(raw)
	require.NoError(p.t, err)
	return f
}

// readUntil skips frames until match accepts one.
func (p *peer) readUntil(match func(wire.Frame) bool) wire.Frame {
	p.t.Helper()
	for {
		if f := p.read(); match(f) {
			return f
		}
	}
}

// expectSilence asserts nothing arrives for a short while.
func (p *peer) expectSilence() {
	p.t.Helper()
	require.NoError(p.t, p.ws.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := p.ws.ReadMessage()
	var netErr net.Error
	require.ErrorAs(p.t, err, &netErr)
	assert.True(p.t, netErr.Timeout())
}

// handshake completes the sync handshake and returns the number of changes
// the peer sent in its step2.
func (p *peer) handshake() int {
	p.t.Helper()
	step1 := p.read()
	require.Equal(p.t, wire.TagSync, step1.Tag)
	require.Equal(p.t, wire.SyncStep1, step1.Kind)

	diff, err := p.rep.DiffSince(step1.Payload)
	require.NoError(p.t, err)
	sent, err := replica.DecodeUpdate(diff)
	require.NoError(p.t, err)
	summary, err := p.rep.StateSummary()
	require.NoError(p.t, err)
	p.write(wire.EncodeSync(wire.SyncStep2, diff))
	p.write(wire.EncodeSync(wire.SyncStep1, summary))

	step2 := p.readUntil(func(f wire.Frame) bool {
		return f.Tag == wire.TagSync && f.Kind == wire.SyncStep2
	})
	_, err = p.rep.ApplyUpdate(step2.Payload, "server")
	require.NoError(p.t, err)
	return len(sent)
}

func (p *peer) edit(ops ...textdiff.Op) {
	p.t.Helper()
	update, err := p.rep.Edit("local", ops)
	require.NoError(p.t, err)
	p.write(wire.EncodeSync(wire.SyncUpdate, update))
}

func (p *peer) text() string {
	p.t.Helper()
	text, err := p.rep.Text()
	require.NoError(p.t, err)
	return text
}

func insert(pos int, text string) textdiff.Op {
	return textdiff.Op{Kind: textdiff.Insert, Pos: pos, Text: text}
}

func TestSyncHandshakeAndRelay(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.dial(t, "doc")
	b := h.dial(t, "doc")
	a.handshake()
	b.handshake()
	assert.Equal(t, "", a.text())

	require.Eventually(t, func() bool {
		conns := h.srv.Connections()
		for _, c := range conns {
			if c.Phase() != PhaseSynced {
				return false
			}
		}
		return len(conns) == 2
	}, 5*time.Second, 10*time.Millisecond)

	a.edit(insert(0, "hi"))

	f := b.read()
	assert.Equal(t, wire.SyncUpdate, f.Kind)
	_, err := b.rep.ApplyUpdate(f.Payload, "server")
	require.NoError(t, err)
	assert.Equal(t, "hi", b.text())

	a.expectSilence()
}

func TestSyncDefaultDocument(t *testing.T) {
	h := newHarness(t, Options{})
	u := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/sync"
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	defer ws.Close()
	p := &peer{t: t, ws: ws, rep: replica.NewEmpty()}
	p.handshake()

	_, ok := h.srv.Registry().Lookup(DefaultDocID)
	assert.True(t, ok)
}

func TestSyncBadFramesAreDropped(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.dial(t, "doc")
	b := h.dial(t, "doc")
	a.handshake()
	b.handshake()

	a.write([]byte{0x07, 0x01})
	a.write(wire.EncodeSync(wire.SyncUpdate, []byte{0xff, 0xff}))
	require.NoError(t, a.ws.WriteMessage(websocket.TextMessage, []byte("hello")))

	a.edit(insert(0, "ok"))
	f := b.read()
	_, err := b.rep.ApplyUpdate(f.Payload, "server")
	require.NoError(t, err)
	assert.Equal(t, "ok", b.text())
}

func TestSyncReconnectGetsOnlyMissingChanges(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.dial(t, "doc")
	a.handshake()
	a.edit(insert(0, "abc"))
	h.waitText(t, "doc", "abc")

	b := h.dial(t, "doc")
	b.handshake()
	assert.Equal(t, "abc", b.text())
	require.NoError(t, b.ws.Close())

	a.edit(insert(3, "xyz"))
	h.waitText(t, "doc", "abcxyz")

	again := h.dial(t, "doc")
	again.rep = b.rep
	assert.Zero(t, again.handshake(), "a peer without offline edits has nothing to send")
	assert.Equal(t, "abcxyz", again.text())
	again.expectSilence()
}

func TestSyncUpdateBeforePeerStep2IsMerged(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.dial(t, "doc")
	step1 := a.read()
	require.Equal(t, wire.SyncStep1, step1.Kind)

	raw, ok := h.srv.Registry().Snapshot("doc")
	require.True(t, ok)
	rep, err := replica.Load(raw)
	require.NoError(t, err)
	a.rep = rep
	a.edit(insert(0, "early"))
	h.waitText(t, "doc", "early")
}

func TestSyncReopensEvictedDocument(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	doc, err := h.srv.Registry().GetOrCreate(ctx, "doc")
	require.NoError(t, err)
	require.True(t, h.srv.Registry().Remove("doc"))

	c := newConnection(h.srv, nil, doc)
	unsubscribe, err := h.srv.subscribe(ctx, c)
	require.NoError(t, err)
	defer unsubscribe()

	assert.NotSame(t, doc, c.doc)
	live, ok := h.srv.Registry().Lookup("doc")
	require.True(t, ok)
	assert.Same(t, live, c.doc)
	assert.Equal(t, 1, live.Subscribers())
	assert.Zero(t, doc.Subscribers())
}

func TestPresenceRelayAndLeave(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.dial(t, "doc")
	b := h.dial(t, "doc")
	a.handshake()
	b.handshake()

	a.write(wire.EncodePresence(7, []byte(`{"caret":2}`)))
	f := b.read()
	assert.Equal(t, wire.TagPresence, f.Tag)
	assert.Equal(t, uint64(7), f.ClientID)
	assert.Equal(t, []byte(`{"caret":2}`), f.State)

	c := h.dial(t, "doc")
	c.handshake()
	snap := c.read()
	assert.Equal(t, wire.TagPresence, snap.Tag)
	assert.Equal(t, uint64(7), snap.ClientID)

	require.NoError(t, a.ws.Close())
	left := b.read()
	assert.Equal(t, wire.TagPresence, left.Tag)
	assert.Equal(t, uint64(7), left.ClientID)
	assert.Empty(t, left.State)
}

func TestPresenceExpiry(t *testing.T) {
	h := newHarness(t, Options{PresenceTTL: time.Minute})
	a := h.dial(t, "doc")
	b := h.dial(t, "doc")
	a.handshake()
	b.handshake()

	a.write(wire.EncodePresence(9, []byte("here")))
	b.read()

	h.srv.sweep(context.Background(), time.Now().Add(time.Hour))
	left := b.read()
	assert.Equal(t, uint64(9), left.ClientID)
	assert.Empty(t, left.State)

	doc, ok := h.srv.Registry().Lookup("doc")
	require.True(t, ok)
	assert.Empty(t, doc.Presence().Snapshot())
}

func TestSyncMergeIsPersisted(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.dial(t, "saved")
	a.handshake()
	a.edit(insert(0, "durable"))

	require.Eventually(t, func() bool {
		raw, err := h.store.LoadContent(context.Background(), "saved")
		if err != nil {
			return false
		}
		rep, err := replica.Load(raw)
		if err != nil {
			return false
		}
		text, _ := rep.Text()
		return text == "durable"
	}, 5*time.Second, 20*time.Millisecond)
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func TestRESTLifecycle(t *testing.T) {
	h := newHarness(t, Options{})
	base := h.http.URL + "/api/documents"

	resp, raw := do(t, http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(raw))

	resp, raw = do(t, http.MethodPost, base, `{"id":"notes","title":"Notes"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created store.Document
	require.NoError(t, json.Unmarshal(raw, &created))
	assert.Equal(t, "notes", created.ID)
	assert.Equal(t, "Notes", created.Title)

	resp, _ = do(t, http.MethodPost, base, `{"id":"notes"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// the list cached before the create must not be served
	resp, raw = do(t, http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var docs []store.Document
	require.NoError(t, json.Unmarshal(raw, &docs))
	require.Len(t, docs, 1)
	assert.Equal(t, "notes", docs[0].ID)

	resp, raw = do(t, http.MethodGet, base+"/notes", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got store.Document
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "Notes", got.Title)

	resp, raw = do(t, http.MethodGet, base+"/notes/snapshot", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, err := automerge.Load(raw)
	require.NoError(t, err)

	resp, raw = do(t, http.MethodDelete, base+"/notes", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"success":true}`, string(raw))

	resp, _ = do(t, http.MethodGet, base+"/notes", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, http.MethodDelete, base+"/notes", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, base+"/notes/snapshot", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRESTCreateDefaults(t *testing.T) {
	h := newHarness(t, Options{})
	resp, raw := do(t, http.MethodPost, h.http.URL+"/api/documents", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created store.Document
	require.NoError(t, json.Unmarshal(raw, &created))
	assert.Len(t, created.ID, 36)
	assert.Equal(t, "New Document", created.Title)

	resp, _ = do(t, http.MethodPost, h.http.URL+"/api/documents", "{")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRESTLiveSnapshotAndHistory(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.dial(t, "live")
	a.handshake()
	a.edit(insert(0, "hello"))
	h.waitText(t, "live", "hello")

	resp, raw := do(t, http.MethodGet, h.http.URL+"/api/documents/live/snapshot", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rep, err := replica.Load(raw)
	require.NoError(t, err)
	text, err := rep.Text()
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	resp, raw = do(t, http.MethodGet, h.http.URL+"/api/documents/live/history.svg", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/svg+xml", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(raw), "<svg")
}

func TestRESTDeleteDisconnects(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.dial(t, "gone")
	a.handshake()

	resp, _ := do(t, http.MethodDelete, h.http.URL+"/api/documents/gone", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, a.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, _, err := a.ws.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), err.Error())
			break
		}
	}
	_, ok := h.srv.Registry().Lookup("gone")
	assert.False(t, ok)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "SYNCED", PhaseSynced.String())
	assert.Equal(t, "Phase(9)", Phase(9).String())
}
