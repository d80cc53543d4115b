package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxbridge/pkg/upstream"
)

// State is a session's lifecycle stage. Transitions only move forward:
// Connecting → Active → Closed, or Connecting → Closed.
type State int32

const (
	// StateConnecting is the initial state while the upstream link connects.
	StateConnecting State = iota

	// StateActive means the upstream link is connected and audio flows.
	StateActive

	// StateClosed is terminal.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Reasons passed to the close hook and recorded as the session outcome.
const (
	ReasonClientDisconnect      = "client_disconnect"
	ReasonUpstreamDisconnect    = "upstream_disconnect"
	ReasonUpstreamConnectFailed = "upstream_connect_failed"
	ReasonShutdown              = "shutdown"
)

// SessionParams are the inputs for [Registry.Create].
type SessionParams struct {
	Credential string
	Character  string

	// Link is the session's upstream link. It is owned by the session from
	// creation on and disconnected exactly once when the session closes.
	Link upstream.Link

	// OnClose, if set, runs once after the session was torn down and removed
	// from its registry.
	OnClose func(s *Session, reason string)
}

// Session is one client connection paired with one upstream link.
//
// All methods are safe for concurrent use.
type Session struct {
	id         string
	credential string
	createdAt  time.Time
	link       upstream.Link
	registry   *Registry
	onClose    func(*Session, string)

	state atomic.Int32

	mu        sync.Mutex
	character string

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once

	// workerMu orders goWorker against close so no worker is added once
	// teardown began.
	workerMu sync.Mutex
	stopped  bool
	workers  sync.WaitGroup
}

func newSession(id string, p SessionParams, r *Registry) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:         id,
		credential: p.Credential,
		character:  p.Character,
		createdAt:  time.Now(),
		link:       p.Link,
		registry:   r,
		onClose:    p.OnClose,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// ID returns the connection id the session is keyed by.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Active reports whether the session is in [StateActive].
func (s *Session) Active() bool { return s.State() == StateActive }

// Character returns the currently selected persona.
func (s *Session) Character() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.character
}

func (s *Session) setCharacter(name string) {
	s.mu.Lock()
	s.character = name
	s.mu.Unlock()
}

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context { return s.ctx }

// activate moves Connecting → Active. It reports false when the session was
// closed first.
func (s *Session) activate() bool {
	return s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive))
}

// close tears the session down. Only the first call has an effect: the state
// becomes Closed, the context is cancelled, the upstream link is disconnected
// and the session leaves its registry. It reports whether this call did the
// teardown.
func (s *Session) close(reason string) bool {
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.workerMu.Lock()
		s.stopped = true
		s.workerMu.Unlock()
		s.state.Store(int32(StateClosed))
		s.cancel()
		if s.link != nil {
			if err := s.link.Disconnect(); err != nil {
				slog.Warn("upstream disconnect failed", "session_id", s.id, "err", err)
			}
		}
		if s.registry != nil {
			s.registry.release(s)
		}
		if s.onClose != nil {
			s.onClose(s, reason)
		}
	})
	return first
}

// goWorker runs fn as one of the session's background workers. It reports
// false, without running fn, once the session is closing.
func (s *Session) goWorker(fn func()) bool {
	s.workerMu.Lock()
	defer s.workerMu.Unlock()
	if s.stopped {
		return false
	}
	s.workers.Go(fn)
	return true
}

// Wait blocks until every background worker of the session has returned.
// It must not be called from one of those workers.
func (s *Session) Wait() { s.workers.Wait() }
