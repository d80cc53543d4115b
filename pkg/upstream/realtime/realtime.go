// Package realtime implements upstream.Link for hosted speech-to-speech
// models (OpenAI Realtime, Gemini Live).
//
// Each link owns one WebSocket session with the model. The persona requested
// by the client selects a voice and instructions from the dialer's persona
// table; unknown personas get the model's defaults. The client credential is
// not forwarded, the model is authenticated with the dialer's own API key.
//
// Connect returns once the model acknowledged the session setup. An error
// reported by the model before that point is a refusal and wraps
// upstream.ErrConnectRefused.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/pkg/upstream"
	"github.com/coder/websocket"
)

// Compile-time assertions.
var (
	_ upstream.Dialer = (*Dialer)(nil)
	_ upstream.Link   = (*Link)(nil)
)

// ErrUnknownVoice is returned by [Dialer.SetPersonas] when a persona names a
// voice the model does not offer.
var ErrUnknownVoice = errors.New("realtime: unknown voice")

const (
	defaultWriteTimeout = 5 * time.Second
	defaultAudioBuffer  = 64
)

// Persona is the voice and system prompt a session speaks with.
type Persona struct {
	// Voice is the model-specific voice name. Empty selects the model default.
	Voice string

	// Instructions is the system prompt. Empty leaves the model default.
	Instructions string
}

// event is one decoded server message.
type event struct {
	// ready marks the acknowledgement of the session setup.
	ready bool

	// audio holds the decoded output audio carried by the message.
	audio [][]byte

	// fault is the error text the model reported, if any.
	fault string
}

// dialect is the wire protocol of one hosted model.
type dialect interface {
	name() string
	voices() []string
	endpoint() (string, http.Header)
	setup(p Persona) any
	input(chunk []byte) any
	decode(data []byte) (event, error)

	// keepalive is the ping interval for idle sessions; zero disables pings.
	keepalive() time.Duration
}

// settings collect the option values before the dialect is built.
type settings struct {
	apiKey       string
	model        string
	baseURL      string
	writeTimeout time.Duration
	audioBuffer  int
}

// Option is a functional option for configuring a Dialer.
type Option func(*settings)

// WithModel sets the model used for new sessions.
func WithModel(model string) Option {
	return func(s *settings) { s.model = model }
}

// WithBaseURL overrides the WebSocket endpoint, e.g. to reach a local
// emulator.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithWriteTimeout bounds each outbound audio write.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(s *settings) { s.writeTimeout = timeout }
}

// WithAudioBuffer sets how many decoded audio chunks are buffered between
// the read loop and NextAudioChunk.
func WithAudioBuffer(n int) Option {
	return func(s *settings) { s.audioBuffer = n }
}

// Dialer creates links to one hosted model. It is safe for concurrent use.
type Dialer struct {
	proto        dialect
	writeTimeout time.Duration
	audioBuffer  int

	mu       sync.RWMutex
	personas map[string]Persona
}

func newDialer(s settings, opts []Option, build func(settings) dialect) *Dialer {
	s.writeTimeout = defaultWriteTimeout
	s.audioBuffer = defaultAudioBuffer
	for _, o := range opts {
		o(&s)
	}
	return &Dialer{
		proto:        build(s),
		writeTimeout: s.writeTimeout,
		audioBuffer:  s.audioBuffer,
		personas:     make(map[string]Persona),
	}
}

// Name returns the upstream name of the model family.
func (d *Dialer) Name() string { return d.proto.name() }

// Voices lists the voice names the model accepts.
func (d *Dialer) Voices() []string { return slices.Clone(d.proto.voices()) }

// SetPersonas replaces the persona table. Every non-empty voice must be one
// of [Dialer.Voices]; otherwise the table is left unchanged and the error
// wraps [ErrUnknownVoice]. Connected links keep the persona they started with.
func (d *Dialer) SetPersonas(personas map[string]Persona) error {
	allowed := d.proto.voices()
	var errs []error
	for _, name := range slices.Sorted(maps.Keys(personas)) {
		v := personas[name].Voice
		if v != "" && !slices.Contains(allowed, v) {
			errs = append(errs, fmt.Errorf("%w: character %q uses %q, %s offers %s",
				ErrUnknownVoice, name, v, d.proto.name(), strings.Join(allowed, ", ")))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	cp := maps.Clone(personas)
	if cp == nil {
		cp = make(map[string]Persona)
	}
	d.mu.Lock()
	d.personas = cp
	d.mu.Unlock()
	return nil
}

// Persona returns the table entry for name.
func (d *Dialer) Persona(name string) (Persona, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.personas[name]
	return p, ok
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

// Link is one model session.
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

// Connect opens the model session for persona and waits until the model
// acknowledged the setup. The credential is ignored.
func (l *Link) Connect(ctx context.Context, _, persona string) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return upstream.ErrNotConnected
	}
	if l.conn != nil {
		l.mu.Unlock()
		return fmt.Errorf("%s: already connected", l.d.proto.name())
	}
	l.mu.Unlock()

	p, ok := l.d.Persona(persona)
	if !ok {
		slog.Debug("realtime: unknown persona, using model defaults", "upstream", l.d.proto.name(), "character", persona)
	}

	// Disconnect during the handshake aborts it.
	dialCtx, stop := context.WithCancel(ctx)
	defer stop()
	defer context.AfterFunc(l.ctx, stop)()

	target, header := l.d.proto.endpoint()
	conn, resp, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: %s: handshake status %d", upstream.ErrConnectRefused, l.d.proto.name(), resp.StatusCode)
		}
		return fmt.Errorf("%s: dial: %w", l.d.proto.name(), err)
	}
	conn.SetReadLimit(-1)

	early, err := l.handshake(dialCtx, conn, p)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "setup failed")
		return err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "disconnected")
		return upstream.ErrNotConnected
	}
	l.conn = conn
	l.mu.Unlock()

	go l.readLoop(conn, early)
	if every := l.d.proto.keepalive(); every > 0 {
		go l.keepaliveLoop(conn, every)
	}
	return nil
}

// handshake sends the setup and reads until the model acknowledges it. Audio
// that arrives before the acknowledgement is returned for delivery.
func (l *Link) handshake(ctx context.Context, conn *websocket.Conn, p Persona) ([][]byte, error) {
	name := l.d.proto.name()
	if err := writeJSON(ctx, conn, l.d.proto.setup(p)); err != nil {
		return nil, fmt.Errorf("%s: send setup: %w", name, err)
	}

	var early [][]byte
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
				return nil, fmt.Errorf("%w: %s: %v", upstream.ErrConnectRefused, name, err)
			}
			return nil, fmt.Errorf("%s: await setup: %w", name, err)
		}
		ev, err := l.d.proto.decode(data)
		if err != nil {
			slog.Debug("realtime: skipping malformed message", "upstream", name, "err", err)
			continue
		}
		if ev.fault != "" {
			return nil, fmt.Errorf("%w: %s: %s", upstream.ErrConnectRefused, name, ev.fault)
		}
		early = append(early, ev.audio...)
		if ev.ready {
			return early, nil
		}
	}
}

// readLoop owns audioCh and closes it when the session ends.
func (l *Link) readLoop(conn *websocket.Conn, early [][]byte) {
	defer close(l.audioCh)

	for _, chunk := range early {
		if !l.deliver(chunk) {
			return
		}
	}
	for {
		_, data, err := conn.Read(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				l.mu.Lock()
				l.readErr = err
				l.mu.Unlock()
			}
			return
		}
		ev, err := l.d.proto.decode(data)
		if err != nil {
			slog.Debug("realtime: skipping malformed message", "upstream", l.d.proto.name(), "err", err)
			continue
		}
		if ev.fault != "" {
			slog.Warn("realtime: model reported an error", "upstream", l.d.proto.name(), "err", ev.fault)
		}
		for _, chunk := range ev.audio {
			if !l.deliver(chunk) {
				return
			}
		}
	}
}

func (l *Link) deliver(chunk []byte) bool {
	select {
	case l.audioCh <- chunk:
		return true
	case <-l.ctx.Done():
		return false
	}
}

// keepaliveLoop pings the model so intermediaries do not reap a session
// while the user is silent.
func (l *Link) keepaliveLoop(conn *websocket.Conn, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(l.ctx, l.d.writeTimeout)
			if err := conn.Ping(ctx); err != nil && l.ctx.Err() == nil {
				slog.Debug("realtime: keepalive ping failed", "upstream", l.d.proto.name(), "err", err)
			}
			cancel()
		}
	}
}

// Disconnect ends the model session. Idempotent.
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

// SendAudio encodes chunk as the model's audio input message.
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
	if err := writeJSON(ctx, conn, l.d.proto.input(chunk)); err != nil {
		return fmt.Errorf("%s: send audio: %w", l.d.proto.name(), err)
	}
	return nil
}

// NextAudioChunk waits up to timeout for the next chunk of model speech.
func (l *Link) NextAudioChunk(timeout time.Duration) ([]byte, error) {
	l.mu.Lock()
	connected := l.conn != nil && !l.closed
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

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
