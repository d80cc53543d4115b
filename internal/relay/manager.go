// Package relay pairs browser voice connections with upstream AI sessions.
//
// A [Manager] owns one [Session] per client connection. Connecting a client
// creates the session and connects its upstream link in the background.
// Once the link is up, a forwarding loop streams upstream audio to the client
// while client frames are routed upstream by a [Dispatcher]. Either side
// disconnecting tears the session down exactly once.
//
// The package is transport-agnostic: frames reach the client through a
// [Sender], and the transport calls [Manager.Connect],
// [Manager.HandleMessage] and [Manager.Disconnect] as its connection events
// happen.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/pkg/upstream"
)

// Client-facing notices.
const (
	msgAuthRequired  = "Authentication required"
	msgConnectFailed = "Failed to connect. Please try again."
)

// Config tunes session behaviour. Zero fields take the defaults below.
type Config struct {
	// DefaultCharacter is used when the client names no persona.
	// Default: "Miles".
	DefaultCharacter string

	// PollTimeout bounds each wait for upstream audio. It also bounds how
	// long a forwarding loop may outlive its session. Default: 100ms.
	PollTimeout time.Duration

	// ErrorBackoff is the pause after a failed poll. Default: 100ms.
	ErrorBackoff time.Duration

	// MaxErrorBackoff, when above ErrorBackoff, lets the pause grow
	// exponentially on consecutive poll failures.
	MaxErrorBackoff time.Duration

	// ConnectTimeout bounds the upstream connect. Default: 30s.
	ConnectTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.DefaultCharacter == "" {
		c.DefaultCharacter = "Miles"
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 100 * time.Millisecond
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 100 * time.Millisecond
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
}

// ConnectRequest describes a newly accepted client connection.
type ConnectRequest struct {
	// ID is the transport's connection id.
	ID string

	// Credential is the client's opaque token. It is passed upstream unchanged.
	Credential string

	// Character is the requested persona. Empty selects the default.
	Character string
}

// Option configures a [Manager].
type Option func(*Manager)

// WithMetrics records session metrics into m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithRegistry uses r as the session registry.
func WithRegistry(r *Registry) Option {
	return func(mgr *Manager) { mgr.registry = r }
}

// Manager owns the sessions of all connected clients.
//
// All methods are safe for concurrent use.
type Manager struct {
	dialer     upstream.Dialer
	sender     Sender
	cfg        Config
	registry   *Registry
	metrics    *observe.Metrics
	dispatcher *Dispatcher

	closing atomic.Bool
}

// NewManager creates a [Manager] that opens upstream links with dialer and
// reaches clients through sender.
func NewManager(dialer upstream.Dialer, sender Sender, cfg Config, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		dialer: dialer,
		sender: sender,
		cfg:    cfg,
	}
	for _, o := range opts {
		o(m)
	}
	if m.registry == nil {
		m.registry = NewRegistry()
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	m.dispatcher = NewDispatcher(sender, m.metrics)
	return m
}

// Connect creates a session for a new client connection and starts
// connecting its upstream link in the background. It returns once the
// session is registered; the outcome of the upstream connect reaches the
// client as a status event.
//
// A request without a credential is answered with an error event and
// rejected with [ErrRejectedConnect]. After [Manager.Shutdown] began,
// Connect returns [ErrShuttingDown].
func (m *Manager) Connect(ctx context.Context, req ConnectRequest) error {
	if m.closing.Load() {
		return ErrShuttingDown
	}
	if req.Credential == "" {
		slog.Warn("rejecting client without credential", "session_id", req.ID)
		m.send(req.ID, ErrorFrame(msgAuthRequired))
		return ErrRejectedConnect
	}
	character := req.Character
	if character == "" {
		character = m.cfg.DefaultCharacter
	}

	link := m.dialer.NewLink()
	s, err := m.registry.Create(req.ID, SessionParams{
		Credential: req.Credential,
		Character:  character,
		Link:       link,
		OnClose:    m.sessionClosed,
	})
	if err != nil {
		_ = link.Disconnect()
		return err
	}
	m.metrics.ActiveSessions.Add(ctx, 1)
	slog.Info("session created", "session_id", s.ID(), "character", character)

	if m.closing.Load() {
		s.close(ReasonShutdown)
		return ErrShuttingDown
	}
	if !s.goWorker(func() { m.connectUpstream(s) }) {
		// Closed in between, by Shutdown or a racing Disconnect.
		if m.closing.Load() {
			return ErrShuttingDown
		}
	}
	return nil
}

// connectUpstream connects the session's link and, on success, activates the
// session and starts its forwarding loop.
func (m *Manager) connectUpstream(s *Session) {
	character := s.Character()
	ctx, cancel := context.WithTimeout(s.Context(), m.cfg.ConnectTimeout)
	defer cancel()

	ctx, span := observe.StartSessionSpan(ctx, "relay.upstream_connect", s.ID(), character)
	log := observe.SessionLogger(ctx, s.ID())
	start := time.Now()
	err := s.link.Connect(ctx, s.credential, character)
	m.metrics.RecordUpstreamConnect(ctx, time.Since(start), err)
	observe.EndSpan(span, err)

	if err != nil {
		if s.State() == StateClosed {
			// Torn down mid-connect; nobody is listening.
			return
		}
		notice := connectFailureNotice(err)
		err = fmt.Errorf("%w: %w", ErrUpstreamConnect, err)
		log.Warn("upstream connect failed", "character", character, "err", err)
		m.notify(s, StatusFrame(notice))
		s.close(ReasonUpstreamConnectFailed)
		return
	}

	if !s.activate() {
		return
	}
	log.Info("upstream connected", "character", character, "duration", time.Since(start))
	m.notify(s, StatusFrame("Connected to "+character))
	if !s.goWorker(func() { m.forward(s) }) {
		log.Debug("session closed before forwarding started")
	}
}

func connectFailureNotice(err error) string {
	if errors.Is(err, upstream.ErrConnectRefused) {
		return msgConnectFailed
	}
	return "Error: " + err.Error()
}

// HandleMessage routes an inbound client frame to the session registered
// under id. Messages for an unknown or inactive session are answered with an
// error event and [ErrSessionNotActive].
func (m *Manager) HandleMessage(ctx context.Context, id string, msg Frame) error {
	s, ok := m.registry.Get(id)
	if !ok {
		m.send(id, ErrorFrame("Session not active"))
		return ErrSessionNotActive
	}
	return m.dispatcher.Dispatch(ctx, s, msg)
}

// Disconnect tears down the session registered under id and waits for its
// workers to return. Unknown ids are ignored.
func (m *Manager) Disconnect(id string) {
	s, ok := m.registry.Get(id)
	if !ok {
		return
	}
	s.close(ReasonClientDisconnect)
	s.Wait()
}

// Shutdown stops admitting sessions, tears down every live session, and
// waits for their workers until ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closing.Store(true)
	sessions := m.registry.CloseAll(ReasonShutdown)
	slog.Info("relay shutting down", "sessions", len(sessions))

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error {
			done := make(chan struct{})
			go func() {
				s.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("relay: waiting for session %s: %w", s.ID(), ctx.Err())
			}
		})
	}
	return g.Wait()
}

// Session returns the live session registered under id.
func (m *Manager) Session(id string) (*Session, bool) { return m.registry.Get(id) }

// Sessions returns the number of live sessions.
func (m *Manager) Sessions() int { return m.registry.Len() }

// CheckAccepting reports [ErrShuttingDown] once shutdown began. It fits the
// health checker signature.
func (m *Manager) CheckAccepting(context.Context) error {
	if m.closing.Load() {
		return ErrShuttingDown
	}
	return nil
}

// sessionClosed runs once per session after teardown.
func (m *Manager) sessionClosed(s *Session, reason string) {
	m.metrics.RecordSessionEnded(context.Background(), reason)
	slog.Info("session closed",
		"session_id", s.ID(),
		"character", s.Character(),
		"reason", reason,
		"duration", time.Since(s.CreatedAt()),
	)
}

// notify sends f to the client unless s no longer owns its connection id.
func (m *Manager) notify(s *Session, f Frame) {
	if !m.registry.holds(s) {
		return
	}
	m.send(s.ID(), f)
}

func (m *Manager) send(id string, f Frame) {
	if err := m.sender.Send(id, f); err != nil {
		slog.Debug("failed to send event to client", "session_id", id, "err", err)
	}
}
