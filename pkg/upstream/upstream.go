// Package upstream defines the contract between the relay and a remote
// streaming conversational-AI endpoint.
//
// A [Link] is a single upstream connection owned by exactly one relay session.
// The relay never interprets the audio it moves through a Link, nor the
// credential and persona it hands to [Link.Connect]; both are passed through
// from the client's connect request.
//
// Concrete links live in sub-packages:
//   - wsstream: a binary-frame WebSocket upstream (credential and persona as
//     query parameters)
//   - realtime: hosted speech-to-speech model sessions (OpenAI Realtime,
//     Gemini Live)
//   - silent: the no-backend default, connects and stays quiet
//   - mock: a scripted test double
package upstream

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLinkClosed is returned by [Link.NextAudioChunk] once the remote side has
	// ended the connection. It is the explicit "upstream went away" signal; the
	// relay tears the session down when it sees it.
	ErrLinkClosed = errors.New("upstream: link closed")

	// ErrNotConnected is returned by [Link.SendAudio] and [Link.NextAudioChunk]
	// when Connect has not succeeded yet, or after Disconnect.
	ErrNotConnected = errors.New("upstream: not connected")

	// ErrConnectRefused is returned by [Link.Connect] when the remote endpoint
	// answered but declined the session (bad credential, unknown persona, quota).
	// It distinguishes "the service said no" from transport errors.
	ErrConnectRefused = errors.New("upstream: connect refused")
)

// Link is a capability wrapper around one upstream AI connection.
//
// Implementations must be safe for concurrent use: SendAudio is called from the
// client's read path while NextAudioChunk is polled by the session's forwarding
// loop, and Disconnect may race with both.
type Link interface {
	// Connect opens the upstream connection. It may block for the duration of a
	// network handshake and must honour ctx cancellation. A refusal by the
	// remote side is reported as an error wrapping [ErrConnectRefused].
	Connect(ctx context.Context, credential, persona string) error

	// Disconnect closes the connection and releases its resources. It is
	// idempotent and safe to call before, during, or after Connect.
	Disconnect() error

	// SendAudio pushes one outbound audio frame. It is fire-and-forget; a
	// failure affects only this frame.
	SendAudio(chunk []byte) error

	// NextAudioChunk waits at most timeout for the next inbound audio frame.
	// It returns (nil, nil) when the timeout elapses without data, and an error
	// wrapping [ErrLinkClosed] once the remote side has closed.
	NextAudioChunk(timeout time.Duration) ([]byte, error)
}

// Dialer creates unconnected links. The relay calls NewLink once per session.
type Dialer interface {
	NewLink() Link
}

// DialerFunc adapts an ordinary function to the [Dialer] interface.
type DialerFunc func() Link

// NewLink calls f().
func (f DialerFunc) NewLink() Link { return f() }
