package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/pkg/upstream"
)

// LinkFailover implements [upstream.Dialer] with failover across several
// upstream dialers. Every Connect on a link it hands out walks the dialers in
// registration order, skipping those whose breaker is open, and keeps the
// first link that connects.
type LinkFailover struct {
	group *FallbackGroup[upstream.Dialer]
}

// Compile-time interface assertions.
var (
	_ upstream.Dialer = (*LinkFailover)(nil)
	_ upstream.Link   = (*failoverLink)(nil)
)

// NewLinkFailover creates a [LinkFailover] with primary as the preferred
// upstream. When cfg leaves IsFailure unset, refusals and aborted handshakes
// do not count against a breaker: a rejected credential or a client that hung
// up says nothing about whether the upstream is healthy.
func NewLinkFailover(primary upstream.Dialer, primaryName string, cfg FallbackConfig) *LinkFailover {
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = isUpstreamFailure
	}
	return &LinkFailover{group: NewFallbackGroup(primary, primaryName, cfg)}
}

func isUpstreamFailure(err error) bool {
	return DefaultIsFailure(err) &&
		!errors.Is(err, upstream.ErrConnectRefused) &&
		!errors.Is(err, upstream.ErrNotConnected)
}

// AddFallback registers an additional upstream dialer.
func (f *LinkFailover) AddFallback(name string, d upstream.Dialer) {
	f.group.AddFallback(name, d)
}

// Healthy reports whether any upstream's breaker admits connects.
func (f *LinkFailover) Healthy() bool { return f.group.Healthy() }

// States returns every upstream's breaker state by name.
func (f *LinkFailover) States() map[string]State { return f.group.States() }

// NewLink returns an unconnected failover link.
func (f *LinkFailover) NewLink() upstream.Link {
	return &failoverLink{group: f.group}
}

// failoverLink owns whichever underlying link connected first.
type failoverLink struct {
	group *FallbackGroup[upstream.Dialer]

	mu      sync.Mutex
	pending upstream.Link
	active  upstream.Link
	closed  bool
}

func (l *failoverLink) Connect(ctx context.Context, credential, persona string) error {
	link, err := ExecuteWithResult(l.group, func(d upstream.Dialer) (upstream.Link, error) {
		candidate := d.NewLink()

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			_ = candidate.Disconnect()
			return nil, upstream.ErrNotConnected
		}
		l.pending = candidate
		l.mu.Unlock()

		if err := candidate.Connect(ctx, credential, persona); err != nil {
			_ = candidate.Disconnect()
			return nil, err
		}
		return candidate, nil
	})

	l.mu.Lock()
	l.pending = nil
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if l.closed {
		l.mu.Unlock()
		_ = link.Disconnect()
		return upstream.ErrNotConnected
	}
	l.active = link
	l.mu.Unlock()
	return nil
}

func (l *failoverLink) Disconnect() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	active, pending := l.active, l.pending
	l.mu.Unlock()

	var errs []error
	if pending != nil {
		errs = append(errs, pending.Disconnect())
	}
	if active != nil {
		errs = append(errs, active.Disconnect())
	}
	return errors.Join(errs...)
}

func (l *failoverLink) current() upstream.Link {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	return l.active
}

func (l *failoverLink) SendAudio(chunk []byte) error {
	link := l.current()
	if link == nil {
		return upstream.ErrNotConnected
	}
	return link.SendAudio(chunk)
}

func (l *failoverLink) NextAudioChunk(timeout time.Duration) ([]byte, error) {
	link := l.current()
	if link == nil {
		return nil, upstream.ErrNotConnected
	}
	return link.NextAudioChunk(timeout)
}
