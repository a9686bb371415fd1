// Package server exposes documents over a websocket sync endpoint and a small
// REST API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/automerge-docs/pkg/cache"
	"github.com/astromechza/automerge-docs/pkg/persist"
	"github.com/astromechza/automerge-docs/pkg/registry"
	"github.com/astromechza/automerge-docs/pkg/replica"
	"github.com/astromechza/automerge-docs/pkg/tasks"
	"github.com/astromechza/automerge-docs/pkg/wire"
)

// DefaultDocID is used by sync requests that do not name a document.
const DefaultDocID = "default"

type Options struct {
	PersistWorkers int
	PersistQueue   int
	// SendQueue is the number of frames buffered per connection before it is
	// considered too slow and closed.
	SendQueue int
	// IdleTimeout evicts loaded documents with no connections. Zero disables.
	IdleTimeout time.Duration
	// PresenceTTL expires presence entries not refreshed in time. Zero
	// disables; entries then only go away with their connection.
	PresenceTTL   time.Duration
	SweepInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.PersistWorkers <= 0 {
		o.PersistWorkers = 2
	}
	if o.PersistQueue <= 0 {
		o.PersistQueue = 1024
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Second
	}
	return o
}

type Server struct {
	opts       Options
	docs       *cache.Coordinator
	registry   *registry.Registry
	writer     *persist.Writer
	dispatcher *tasks.Dispatcher
	upgrader   websocket.Upgrader

	mu    sync.Mutex
	conns map[*Connection]struct{}
	wg    sync.WaitGroup
}

// New wires the registry, the background persistence writer and the cache
// coordinator together. ctx bounds the background workers.
func New(ctx context.Context, docs *cache.Coordinator, opts Options) *Server {
	opts = opts.withDefaults()
	s := &Server{
		opts:  opts,
		docs:  docs,
		conns: make(map[*Connection]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
	s.dispatcher = tasks.Start(ctx, opts.PersistWorkers, opts.PersistQueue)
	s.registry = registry.New(
		docs,
		registry.WithIdleTimeout(opts.IdleTimeout),
		registry.WithMergeHook(func(id string, ev replica.MergeEvent) {
			s.writer.Merged(id, ev.At)
		}),
	)
	s.writer = persist.NewWriter(s.dispatcher, persist.SourceFunc(s.registry.Snapshot), docs)
	return s
}

func (s *Server) Registry() *registry.Registry {
	return s.registry
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/sync").HandlerFunc(s.sync)
	r.Methods(http.MethodGet).Path("/api/documents").HandlerFunc(s.listDocuments)
	r.Methods(http.MethodPost).Path("/api/documents").HandlerFunc(s.createDocument)
	r.Methods(http.MethodGet).Path("/api/documents/{id}").HandlerFunc(s.getDocument)
	r.Methods(http.MethodDelete).Path("/api/documents/{id}").HandlerFunc(s.deleteDocument)
	r.Methods(http.MethodGet).Path("/api/documents/{id}/snapshot").HandlerFunc(s.getSnapshot)
	r.Methods(http.MethodGet).Path("/api/documents/{id}/history.svg").HandlerFunc(s.getHistory)
	return r
}

func (s *Server) sync(writer http.ResponseWriter, request *http.Request) {
	id := request.URL.Query().Get("doc")
	if id == "" {
		id = DefaultDocID
	}
	doc, err := s.registry.GetOrCreate(request.Context(), id)
	if err != nil {
		slog.Error("failed to open document", "doc", id, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}

	ws, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}

	c := newConnection(s, ws, doc)
	unsubscribe, err := s.subscribe(request.Context(), c)
	if err != nil {
		slog.Error("failed to subscribe to document", "doc", id, "err", err)
		_ = ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, ""),
			time.Now().Add(writeWait),
		)
		_ = ws.Close()
		return
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		s.wg.Done()
	}()
	c.serve(unsubscribe)
}

// maxSubscribeAttempts bounds how often sync reopens a document that keeps
// being evicted under it.
const maxSubscribeAttempts = 3

// subscribe attaches c to its document. A document evicted between the
// lookup and the subscription is opened again and c moves to the new one.
func (s *Server) subscribe(ctx context.Context, c *Connection) (func(), error) {
	for attempt := 1; ; attempt++ {
		unsubscribe, err := c.doc.Subscribe(c)
		if !errors.Is(err, registry.ErrEvicted) || attempt == maxSubscribeAttempts {
			return unsubscribe, err
		}
		slog.Debug("document evicted while connecting, reopening", "conn", c.id, "doc", c.doc.ID())
		doc, err := s.registry.GetOrCreate(ctx, c.doc.ID())
		if err != nil {
			return nil, err
		}
		c.doc = doc
	}
}

// Connections returns the open connections.
func (s *Server) Connections() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Run performs periodic maintenance until ctx is done: idle documents are
// evicted and stale presence entries expire.
func (s *Server) Run(ctx context.Context) {
	t := time.NewTicker(s.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.sweep(ctx, time.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) sweep(ctx context.Context, now time.Time) {
	if ids := s.registry.SweepIdle(ctx); len(ids) > 0 {
		slog.Info("swept idle documents", "docs", ids)
	}
	if s.opts.PresenceTTL <= 0 {
		return
	}
	for _, id := range s.registry.IDs() {
		doc, ok := s.registry.Lookup(id)
		if !ok {
			continue
		}
		for _, e := range doc.Presence().Expire(now, s.opts.PresenceTTL) {
			slog.Debug("presence expired", "doc", id, "client", e.ClientID)
			doc.BroadcastPresence("", wire.EncodePresence(e.ClientID, nil))
		}
	}
}

// Shutdown closes every connection, writes every loaded document and stops
// the background workers.
func (s *Server) Shutdown(ctx context.Context) {
	for _, c := range s.Connections() {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		slog.Warn("gave up waiting for connections to close")
	}

	for _, id := range s.registry.IDs() {
		if err := s.writer.Flush(ctx, id); err != nil {
			slog.Error("failed to persist on shutdown", "doc", id, "err", err)
		}
	}
	s.dispatcher.Close()
}
