// Package wsstream implements upstream.Link over a plain binary-frame
// WebSocket.
//
// The remote endpoint receives the client's credential and persona as the
// id_token and character query parameters of the handshake URL. After the
// upgrade, binary frames carry raw audio in both directions. Text frames from
// the remote side are treated as informational and logged at debug level.
package wsstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/pkg/upstream"
	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
)

// Compile-time assertions.
var (
	_ upstream.Dialer = (*Dialer)(nil)
	_ upstream.Link   = (*Link)(nil)
)

const (
	defaultDialRetries   = 2
	defaultRetryInterval = 250 * time.Millisecond
	defaultWriteTimeout  = 5 * time.Second
	defaultAudioBuffer   = 64
)

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithDialRetries sets how many times a failed handshake is retried before
// Connect gives up. Refusals (HTTP 401/403) are never retried.
func WithDialRetries(n uint64) Option {
	return func(d *Dialer) { d.retries = n }
}

// WithRetryInterval sets the initial pause between handshake attempts. The
// pause grows exponentially on each retry.
func WithRetryInterval(interval time.Duration) Option {
	return func(d *Dialer) { d.retryInterval = interval }
}

// WithWriteTimeout bounds each outbound audio write.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(d *Dialer) { d.writeTimeout = timeout }
}

// WithAudioBuffer sets how many inbound frames are buffered between the read
// loop and NextAudioChunk.
func WithAudioBuffer(n int) Option {
	return func(d *Dialer) { d.audioBuffer = n }
}

// WithHTTPHeader adds static headers to every handshake request.
func WithHTTPHeader(h http.Header) Option {
	return func(d *Dialer) { d.header = h.Clone() }
}

// Dialer creates [Link] values that connect to one WebSocket endpoint.
type Dialer struct {
	baseURL       string
	retries       uint64
	retryInterval time.Duration
	writeTimeout  time.Duration
	audioBuffer   int
	header        http.Header
}

// New returns a Dialer for the WebSocket endpoint at baseURL.
func New(baseURL string, opts ...Option) *Dialer {
	d := &Dialer{
		baseURL:       baseURL,
		retries:       defaultDialRetries,
		retryInterval: defaultRetryInterval,
		writeTimeout:  defaultWriteTimeout,
		audioBuffer:   defaultAudioBuffer,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// NewLink returns an unconnected Link.
func (d *Dialer) NewLink() upstream.Link {
	ctx, cancel := context.WithCancel(context.Background())
	return &Link{
		d:       d,
		ctx:     ctx,
		cancel:  cancel,
		audioCh: make(chan []byte, d.audioBuffer),
	}
}

// Link is one WebSocket connection to the upstream endpoint.
type Link struct {
	d *Dialer

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	readErr error

	audioCh chan []byte
}

// Connect performs the WebSocket handshake, retrying transient failures with
// exponential backoff, and starts the read loop.
func (l *Link) Connect(ctx context.Context, credential, persona string) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return upstream.ErrNotConnected
	}
	if l.conn != nil {
		l.mu.Unlock()
		return errors.New("wsstream: already connected")
	}
	l.mu.Unlock()

	target, err := l.d.endpoint(credential, persona)
	if err != nil {
		return err
	}

	// Disconnect during the handshake aborts it.
	dialCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-l.ctx.Done():
			stop()
		case <-dialCtx.Done():
		}
	}()

	var conn *websocket.Conn
	attempt := 0
	op := func() error {
		attempt++
		c, resp, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{HTTPHeader: l.d.header})
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return backoff.Permanent(fmt.Errorf("%w: handshake status %d", upstream.ErrConnectRefused, resp.StatusCode))
			}
			slog.Debug("wsstream: dial attempt failed", "attempt", attempt, "err", err)
			return err
		}
		conn = c
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = l.d.retryInterval
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, l.d.retries), dialCtx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("wsstream: dial: %w", err)
	}
	conn.SetReadLimit(-1)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "disconnected")
		return upstream.ErrNotConnected
	}
	l.conn = conn
	l.mu.Unlock()

	go l.readLoop(conn)
	return nil
}

func (d *Dialer) endpoint(credential, persona string) (string, error) {
	u, err := url.Parse(d.baseURL)
	if err != nil {
		return "", fmt.Errorf("wsstream: parse base url: %w", err)
	}
	q := u.Query()
	q.Set("id_token", credential)
	q.Set("character", persona)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// readLoop owns audioCh and closes it when the connection ends.
func (l *Link) readLoop(conn *websocket.Conn) {
	defer close(l.audioCh)

	for {
		typ, data, err := conn.Read(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				l.mu.Lock()
				l.readErr = err
				l.mu.Unlock()
			}
			return
		}
		if typ != websocket.MessageBinary {
			slog.Debug("wsstream: ignoring text frame", "len", len(data))
			continue
		}
		if len(data) == 0 {
			continue
		}
		select {
		case l.audioCh <- data:
		case <-l.ctx.Done():
			return
		}
	}
}

// Disconnect closes the connection. Idempotent.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conn := l.conn
	l.mu.Unlock()

	l.cancel()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "session ended")
	}
	return nil
}

// SendAudio writes chunk as one binary frame.
func (l *Link) SendAudio(chunk []byte) error {
	l.mu.Lock()
	conn := l.conn
	closed := l.closed
	l.mu.Unlock()
	if conn == nil || closed {
		return upstream.ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(l.ctx, l.d.writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
		return fmt.Errorf("wsstream: write: %w", err)
	}
	return nil
}

// NextAudioChunk waits up to timeout for the next inbound frame.
func (l *Link) NextAudioChunk(timeout time.Duration) ([]byte, error) {
	l.mu.Lock()
	connected := l.conn != nil
	l.mu.Unlock()
	if !connected {
		return nil, upstream.ErrNotConnected
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case chunk, ok := <-l.audioCh:
		if !ok {
			return nil, l.closedErr()
		}
		return chunk, nil
	case <-timer.C:
		return nil, nil
	}
}

func (l *Link) closedErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readErr != nil {
		return fmt.Errorf("%w: %v", upstream.ErrLinkClosed, l.readErr)
	}
	return upstream.ErrLinkClosed
}
