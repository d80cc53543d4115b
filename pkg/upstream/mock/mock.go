// Package mock provides test doubles for the upstream package interfaces.
//
// Use Link to script an upstream connection: push audio into Chunks, queue
// poll failures in PollErrs, gate Connect on a channel, and inspect every call
// afterwards. Use Dialer to hand out Links and collect them for assertions.
//
// Example:
//
//	link := &mock.Link{Chunks: make(chan []byte, 4)}
//	d := &mock.Dialer{NewLinkFunc: func() *mock.Link { return link }}
//	link.Chunks <- []byte{0x01, 0x02}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/pkg/upstream"
)

// ConnectCall records a single invocation of Link.Connect.
type ConnectCall struct {
	Credential string
	Persona    string
}

// Link is a mock implementation of upstream.Link.
type Link struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned by Connect.
	ConnectErr error

	// ConnectGate, if non-nil, makes Connect block until the channel is closed
	// or ctx is cancelled.
	ConnectGate <-chan struct{}

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// Chunks feeds NextAudioChunk. Closing it makes NextAudioChunk report
	// upstream.ErrLinkClosed. A nil channel never yields data.
	Chunks chan []byte

	// PollErrs are returned, one per call and in order, by NextAudioChunk
	// before it starts reading Chunks.
	PollErrs []error

	// ConnectCalls records every call to Connect.
	ConnectCalls []ConnectCall

	// SendAudioCalls holds a copy of every chunk passed to SendAudio.
	SendAudioCalls [][]byte

	// DisconnectCallCount is the number of times Disconnect was called.
	DisconnectCallCount int

	// PollCallCount is the number of times NextAudioChunk was called.
	PollCallCount int

	done chan struct{}
}

func (l *Link) doneCh() chan struct{} {
	if l.done == nil {
		l.done = make(chan struct{})
	}
	return l.done
}

// Connect records the call, waits on ConnectGate if set, and returns ConnectErr.
func (l *Link) Connect(ctx context.Context, credential, persona string) error {
	l.mu.Lock()
	l.ConnectCalls = append(l.ConnectCalls, ConnectCall{Credential: credential, Persona: persona})
	gate := l.ConnectGate
	err := l.ConnectErr
	l.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Disconnect records the call. Only the first call closes the link.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.DisconnectCallCount++
	if l.DisconnectCallCount == 1 {
		close(l.doneCh())
	}
	return nil
}

// SendAudio records a copy of the chunk and returns SendAudioErr.
func (l *Link) SendAudio(chunk []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.SendAudioCalls = append(l.SendAudioCalls, append([]byte(nil), chunk...))
	return l.SendAudioErr
}

// NextAudioChunk pops the next PollErrs entry if any, otherwise waits up to
// timeout for a value on Chunks.
func (l *Link) NextAudioChunk(timeout time.Duration) ([]byte, error) {
	l.mu.Lock()
	l.PollCallCount++
	if len(l.PollErrs) > 0 {
		err := l.PollErrs[0]
		l.PollErrs = l.PollErrs[1:]
		l.mu.Unlock()
		return nil, err
	}
	done := l.doneCh()
	chunks := l.Chunks
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil, upstream.ErrLinkClosed
	case c, ok := <-chunks:
		if !ok {
			return nil, upstream.ErrLinkClosed
		}
		return c, nil
	case <-timer.C:
		return nil, nil
	}
}

// Connects returns a copy of the recorded Connect calls. Thread-safe.
func (l *Link) Connects() []ConnectCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ConnectCall(nil), l.ConnectCalls...)
}

// Sent returns a copy of the chunks passed to SendAudio. Thread-safe.
func (l *Link) Sent() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.SendAudioCalls...)
}

// Disconnects returns the number of Disconnect calls. Thread-safe.
func (l *Link) Disconnects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.DisconnectCallCount
}

// Polls returns the number of NextAudioChunk calls. Thread-safe.
func (l *Link) Polls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.PollCallCount
}

// Ensure Link implements upstream.Link at compile time.
var _ upstream.Link = (*Link)(nil)

// Dialer is a mock implementation of upstream.Dialer.
type Dialer struct {
	mu sync.Mutex

	// NewLinkFunc builds each Link. If nil, NewLink returns a default Link with
	// a buffered Chunks channel.
	NewLinkFunc func() *Link

	links []*Link
}

// NewLink builds a Link and records it.
func (d *Dialer) NewLink() upstream.Link {
	var l *Link
	if d.NewLinkFunc != nil {
		l = d.NewLinkFunc()
	} else {
		l = &Link{Chunks: make(chan []byte, 16)}
	}
	d.mu.Lock()
	d.links = append(d.links, l)
	d.mu.Unlock()
	return l
}

// Links returns every Link handed out so far, in order. Thread-safe.
func (d *Dialer) Links() []*Link {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Link(nil), d.links...)
}

// Ensure Dialer implements upstream.Dialer at compile time.
var _ upstream.Dialer = (*Dialer)(nil)
