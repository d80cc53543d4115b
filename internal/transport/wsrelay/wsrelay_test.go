package wsrelay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxbridge/internal/relay"
	"github.com/MrWong99/voxbridge/pkg/upstream/mock"
)

type clientEvent struct {
	Event string `json:"event"`
	Data  struct {
		Content string `json:"content"`
		Message string `json:"message"`
	} `json:"data"`
}

// startRelay wires a relay.Manager with a mock dialer behind a test server.
func startRelay(t *testing.T, d *mock.Dialer, cfg Config) (*Server, *relay.Manager, string) {
	t.Helper()
	var srv *Server
	mgr := relay.NewManager(d, relay.SenderFunc(func(id string, f relay.Frame) error {
		return srv.Send(id, f)
	}), relay.Config{PollTimeout: 10 * time.Millisecond, ErrorBackoff: 5 * time.Millisecond})
	srv = New(mgr, cfg)

	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return srv, mgr, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func readEvent(t *testing.T, c *websocket.Conn) clientEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	typ, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("got %v frame, want text", typ)
	}
	var ev clientEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return ev
}

func readBinary(t *testing.T, c *websocket.Conn) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	typ, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read audio: %v", err)
	}
	if typ != websocket.MessageBinary {
		t.Fatalf("got %v frame %q, want binary", typ, data)
	}
	return data
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestServer_MissingTokenGetsErrorAndPolicyClose(t *testing.T) {
	d := &mock.Dialer{}
	_, mgr, url := startRelay(t, d, Config{})

	c := dial(t, url+"?character=Maya")
	ev := readEvent(t, c)
	if ev.Event != "error" || ev.Data.Message != "Authentication required" {
		t.Fatalf("event = %+v", ev)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v (err %v), want policy violation", got, err)
	}
	if mgr.Sessions() != 0 || len(d.Links()) != 0 {
		t.Error("rejected client created a session")
	}
}

func TestServer_RelaysBothDirections(t *testing.T) {
	d := &mock.Dialer{NewLinkFunc: func() *mock.Link { return &mock.Link{Chunks: make(chan []byte, 8)} }}
	srv, mgr, url := startRelay(t, d, Config{})

	c := dial(t, url+"?token=abc&character=Maya")
	if ev := readEvent(t, c); ev.Data.Content != "Connected to Maya" {
		t.Fatalf("first event = %+v", ev)
	}
	link := d.Links()[0]
	if calls := link.Connects(); calls[0].Credential != "abc" {
		t.Errorf("credential = %q, want abc", calls[0].Credential)
	}

	if err := c.Write(t.Context(), websocket.MessageBinary, []byte("mic")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "audio upstream", func() bool { return len(link.Sent()) == 1 })

	for _, chunk := range []string{"a1", "a2", "a3"} {
		link.Chunks <- []byte(chunk)
	}
	for _, want := range []string{"a1", "a2", "a3"} {
		if got := readBinary(t, c); string(got) != want {
			t.Fatalf("audio = %q, want %q", got, want)
		}
	}

	if err := c.Write(t.Context(), websocket.MessageText, []byte(`{"type":"config","character":"Miles"}`)); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if ev := readEvent(t, c); ev.Data.Content != "Switched to Miles" {
		t.Errorf("config ack = %+v", ev)
	}

	_ = c.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, "session teardown", func() bool { return mgr.Sessions() == 0 && srv.Len() == 0 })
	if link.Disconnects() != 1 {
		t.Errorf("link disconnects = %d, want 1", link.Disconnects())
	}
}

func TestServer_SendUnknownConnection(t *testing.T) {
	srv := New(nil, Config{})
	err := srv.Send("nope", relay.StatusFrame("hi"))
	if !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("err = %v, want ErrUnknownConnection", err)
	}
	if !errors.Is(err, relay.ErrClientGone) {
		t.Errorf("err = %v, want relay.ErrClientGone in chain", err)
	}
}

func TestConn_OverflowDropsClient(t *testing.T) {
	c := newConn("x", nil, time.Second, 2)
	for i := range 2 {
		if err := c.enqueue(relay.Frame{Kind: relay.KindBinary, Data: []byte{byte(i)}}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	err := c.enqueue(relay.Frame{Kind: relay.KindBinary, Data: []byte{9}})
	if !errors.Is(err, ErrQueueOverflow) || !errors.Is(err, relay.ErrClientGone) {
		t.Fatalf("overflow err = %v", err)
	}
	if c.pending.Length() != 0 {
		t.Errorf("pending = %d after overflow, want 0", c.pending.Length())
	}
	if c.closeCode != websocket.StatusPolicyViolation {
		t.Errorf("close code = %v", c.closeCode)
	}
	if err := c.enqueue(relay.StatusFrame("late")); !errors.Is(err, relay.ErrClientGone) {
		t.Errorf("enqueue after overflow = %v", err)
	}
}

func TestConn_NextDrainsInOrderThenStops(t *testing.T) {
	c := newConn("x", nil, time.Second, 0)
	for i := range 3 {
		_ = c.enqueue(relay.Frame{Kind: relay.KindBinary, Data: []byte{byte(i)}})
	}
	c.closeAfterFlush(websocket.StatusNormalClosure, "")

	for i := range 3 {
		f, ok := c.next(t.Context())
		if !ok || f.Data[0] != byte(i) {
			t.Fatalf("next %d = (%v, %v)", i, f, ok)
		}
	}
	if _, ok := c.next(t.Context()); ok {
		t.Error("next returned a frame after the queue drained on close")
	}
}

func TestServer_ShutdownClosesClients(t *testing.T) {
	d := &mock.Dialer{}
	srv, mgr, url := startRelay(t, d, Config{})

	c := dial(t, url+"?token=abc")
	readEvent(t, c)

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	if err := mgr.Shutdown(ctx); err != nil {
		t.Fatalf("manager shutdown: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, _, err := c.Read(ctx)
		errc <- err
	}()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("transport shutdown: %v", err)
	}
	if got := websocket.CloseStatus(<-errc); got != websocket.StatusGoingAway {
		t.Errorf("close status = %v, want going away", got)
	}
	if srv.Len() != 0 {
		t.Errorf("Len = %d after shutdown", srv.Len())
	}
}
