// Package silent provides the upstream used when none is configured. Its
// links connect immediately, discard outbound audio, and never produce any,
// so the browser client can be exercised end to end without an AI backend.
package silent

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/pkg/upstream"
)

var (
	_ upstream.Dialer = Dialer{}
	_ upstream.Link   = (*Link)(nil)
)

// Dialer creates silent links.
type Dialer struct{}

// NewLink returns an unconnected silent Link.
func (Dialer) NewLink() upstream.Link {
	return &Link{done: make(chan struct{})}
}

// Link accepts any credential and persona.
type Link struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	done      chan struct{}
}

// Connect succeeds unless ctx is done or the link was disconnected.
func (l *Link) Connect(ctx context.Context, _, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return upstream.ErrNotConnected
	}
	l.connected = true
	return nil
}

// Disconnect wakes a pending NextAudioChunk. Idempotent.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
	return nil
}

func (l *Link) live() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected && !l.closed
}

// SendAudio drops chunk.
func (l *Link) SendAudio([]byte) error {
	if !l.live() {
		return upstream.ErrNotConnected
	}
	return nil
}

// NextAudioChunk blocks for timeout, or until Disconnect, and returns no
// audio.
func (l *Link) NextAudioChunk(timeout time.Duration) ([]byte, error) {
	if !l.live() {
		return nil, upstream.ErrNotConnected
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil, nil
	case <-l.done:
		return nil, upstream.ErrNotConnected
	}
}
