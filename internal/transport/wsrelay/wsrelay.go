// Package wsrelay is the browser-facing WebSocket transport of the relay.
//
// A [Server] accepts connections on the voice-chat endpoint, gives each one a
// connection id, and turns socket events into calls on a [Handler]: accept
// becomes Connect, every inbound message becomes HandleMessage, and a closed
// socket becomes Disconnect. [Server.Send] queues frames for a connection;
// one write pump per connection delivers them in order.
package wsrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/voxbridge/internal/relay"
)

var (
	// ErrUnknownConnection is returned by [Server.Send] when the id does not
	// map to a live connection. It wraps [relay.ErrClientGone].
	ErrUnknownConnection = fmt.Errorf("wsrelay: unknown connection: %w", relay.ErrClientGone)

	// ErrQueueOverflow is returned by [Server.Send] when the client fell too
	// far behind. The connection is closed. It wraps [relay.ErrClientGone].
	ErrQueueOverflow = fmt.Errorf("wsrelay: outbound queue overflow: %w", relay.ErrClientGone)
)

// Handler receives connection events. [relay.Manager] implements it.
type Handler interface {
	Connect(ctx context.Context, req relay.ConnectRequest) error
	HandleMessage(ctx context.Context, id string, msg relay.Frame) error
	Disconnect(id string)
}

// Config tunes the transport. Zero fields take defaults.
type Config struct {
	// OriginPatterns lists host patterns allowed as cross-origin clients.
	// The "*" pattern allows every origin.
	OriginPatterns []string

	// WriteTimeout bounds each frame write. Default: 5s.
	WriteTimeout time.Duration

	// MaxQueuedFrames bounds the per-connection outbound queue. Default: 256.
	MaxQueuedFrames int

	// MaxMessageBytes bounds a single inbound message. Default: 1 MiB.
	MaxMessageBytes int64
}

func (c *Config) applyDefaults() {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.MaxQueuedFrames <= 0 {
		c.MaxQueuedFrames = 256
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
}

// Server is an [http.Handler] for the voice-chat WebSocket endpoint and the
// [relay.Sender] for its connections.
type Server struct {
	handler Handler
	cfg     Config

	mu       sync.RWMutex
	conns    map[string]*conn
	shutting bool

	active sync.WaitGroup
}

// Compile-time interface assertions.
var (
	_ http.Handler = (*Server)(nil)
	_ relay.Sender = (*Server)(nil)
)

// New creates a [Server] delivering connection events to h.
func New(h Handler, cfg Config) *Server {
	cfg.applyDefaults()
	return &Server{
		handler: h,
		cfg:     cfg,
		conns:   make(map[string]*conn),
	}
}

// Send queues f for the connection id. It returns an error wrapping
// [relay.ErrClientGone] when id is unknown, closing, or overflowed.
func (s *Server) Send(id string, f relay.Frame) error {
	s.mu.RLock()
	c, ok := s.conns[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	return c.enqueue(f)
}

// Len returns the number of open connections.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// ServeHTTP upgrades the request and serves the connection until either side
// closes it. The query parameters token and character are passed to the
// handler's Connect.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(s.cfg.MaxMessageBytes)

	id := uuid.NewString()
	c := newConn(id, ws, s.cfg.WriteTimeout, s.cfg.MaxQueuedFrames)

	s.mu.Lock()
	if s.shutting {
		s.mu.Unlock()
		_ = ws.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	s.conns[id] = c
	s.active.Add(1)
	s.mu.Unlock()
	defer s.active.Done()
	defer s.forget(id)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go c.writePump(ctx)

	q := r.URL.Query()
	err = s.handler.Connect(ctx, relay.ConnectRequest{
		ID:         id,
		Credential: q.Get("token"),
		Character:  q.Get("character"),
	})
	if err != nil {
		code, reason := rejectStatus(err)
		slog.Info("client connection refused", "conn_id", id, "err", err)
		c.closeAfterFlush(code, reason)
		<-c.done
		return
	}
	slog.Debug("client connected", "conn_id", id, "remote", r.RemoteAddr)

	s.readLoop(ctx, c)

	s.forget(id)
	s.handler.Disconnect(id)
	cancel()
	<-c.done
	_ = ws.CloseNow()
	slog.Debug("client disconnected", "conn_id", id)
}

func (s *Server) readLoop(ctx context.Context, c *conn) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
				slog.Debug("client read failed", "conn_id", c.id, "err", err)
			}
			return
		}
		kind := relay.KindText
		if typ == websocket.MessageBinary {
			kind = relay.KindBinary
		}
		if err := s.handler.HandleMessage(ctx, c.id, relay.Frame{Kind: kind, Data: data}); err != nil {
			slog.Debug("client message not handled", "conn_id", c.id, "err", err)
		}
	}
}

func rejectStatus(err error) (websocket.StatusCode, string) {
	switch {
	case errors.Is(err, relay.ErrRejectedConnect):
		return websocket.StatusPolicyViolation, "authentication required"
	case errors.Is(err, relay.ErrShuttingDown):
		return websocket.StatusGoingAway, "server shutting down"
	default:
		return websocket.StatusInternalError, "session unavailable"
	}
}

func (s *Server) forget(id string) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

// Shutdown refuses new connections, closes every open one with a going-away
// status, and waits for their handlers to return or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutting = true
	for _, c := range s.conns {
		c.closeAfterFlush(websocket.StatusGoingAway, "server shutting down")
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wsrelay: shutdown: %w", ctx.Err())
	}
}
