package wsstream_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/pkg/upstream"
	"github.com/MrWong99/voxbridge/pkg/upstream/wsstream"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a WebSocket endpoint that hands every accepted conn to
// handler. The server is closed when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func connect(t *testing.T, d *wsstream.Dialer) upstream.Link {
	t.Helper()
	link := d.NewLink()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := link.Connect(ctx, "tok-123", "Maya"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = link.Disconnect() })
	return link
}

// pollUntil polls link until it yields a chunk or the deadline passes.
func pollUntil(t *testing.T, link upstream.Link, deadline time.Duration) ([]byte, error) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		chunk, err := link.NextAudioChunk(50 * time.Millisecond)
		if err != nil || chunk != nil {
			return chunk, err
		}
	}
	t.Fatal("timeout polling for audio")
	return nil, nil
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestConnect_PassesCredentialAndPersona(t *testing.T) {
	t.Parallel()

	query := make(chan map[string]string, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		query <- map[string]string{
			"id_token":  r.URL.Query().Get("id_token"),
			"character": r.URL.Query().Get("character"),
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, wsstream.New(wsURL(srv)))

	select {
	case q := <-query:
		if q["id_token"] != "tok-123" {
			t.Errorf("id_token = %q; want tok-123", q["id_token"])
		}
		if q["character"] != "Maya" {
			t.Errorf("character = %q; want Maya", q["character"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for handshake")
	}
}

func TestConnect_UnauthorizedIsRefusedWithoutRetry(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	d := wsstream.New(wsURL(srv), wsstream.WithDialRetries(5), wsstream.WithRetryInterval(time.Millisecond))
	err := d.NewLink().Connect(context.Background(), "bad", "Miles")
	if !errors.Is(err, upstream.ErrConnectRefused) {
		t.Fatalf("Connect error = %v; want ErrConnectRefused", err)
	}
	if n := attempts.Load(); n != 1 {
		t.Errorf("attempts = %d; want 1", n)
	}
}

func TestConnect_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		<-conn.CloseRead(context.Background()).Done()
	}))
	t.Cleanup(srv.Close)

	d := wsstream.New(wsURL(srv), wsstream.WithDialRetries(3), wsstream.WithRetryInterval(time.Millisecond))
	connect(t, d)

	if n := attempts.Load(); n != 3 {
		t.Errorf("attempts = %d; want 3", n)
	}
}

func TestConnect_GivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	d := wsstream.New(wsURL(srv), wsstream.WithDialRetries(2), wsstream.WithRetryInterval(time.Millisecond))
	err := d.NewLink().Connect(context.Background(), "tok", "Miles")
	if err == nil {
		t.Fatal("Connect should fail")
	}
	if errors.Is(err, upstream.ErrConnectRefused) {
		t.Errorf("transient failure reported as refusal: %v", err)
	}
	if n := attempts.Load(); n != 3 {
		t.Errorf("attempts = %d; want 3 (1 + 2 retries)", n)
	}
}

func TestSendAudio_WritesBinaryFrame(t *testing.T) {
	t.Parallel()

	got := make(chan []byte, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		typ, data, err := conn.Read(ctx)
		if err != nil || typ != websocket.MessageBinary {
			return
		}
		got <- data
		<-conn.CloseRead(context.Background()).Done()
	})

	link := connect(t, wsstream.New(wsURL(srv)))
	if err := link.SendAudio([]byte{0x0A, 0x0B}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case data := <-got:
		if string(data) != string([]byte{0x0A, 0x0B}) {
			t.Errorf("server received %v", data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio frame")
	}
}

func TestNextAudioChunk_PreservesOrderAndSkipsText(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx := context.Background()
		_ = conn.Write(ctx, websocket.MessageBinary, []byte{1})
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"status"}`))
		_ = conn.Write(ctx, websocket.MessageBinary, []byte{2})
		_ = conn.Write(ctx, websocket.MessageBinary, []byte{3})
		<-conn.CloseRead(ctx).Done()
	})

	link := connect(t, wsstream.New(wsURL(srv)))

	for _, want := range []byte{1, 2, 3} {
		chunk, err := pollUntil(t, link, 3*time.Second)
		if err != nil {
			t.Fatalf("NextAudioChunk: %v", err)
		}
		if len(chunk) != 1 || chunk[0] != want {
			t.Fatalf("chunk = %v; want [%d]", chunk, want)
		}
	}
}

func TestNextAudioChunk_TimeoutReturnsEmpty(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	link := connect(t, wsstream.New(wsURL(srv)))

	start := time.Now()
	chunk, err := link.NextAudioChunk(30 * time.Millisecond)
	if err != nil || chunk != nil {
		t.Fatalf("NextAudioChunk = (%v, %v); want (nil, nil)", chunk, err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("NextAudioChunk blocked for %v", elapsed)
	}
}

func TestNextAudioChunk_RemoteCloseReportsLinkClosed(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.Close(websocket.StatusGoingAway, "bye")
	})

	link := connect(t, wsstream.New(wsURL(srv)))

	_, err := pollUntil(t, link, 3*time.Second)
	if !errors.Is(err, upstream.ErrLinkClosed) {
		t.Fatalf("err = %v; want ErrLinkClosed", err)
	}
}

func TestNotConnected(t *testing.T) {
	t.Parallel()

	link := wsstream.New("ws://127.0.0.1:1").NewLink()
	if err := link.SendAudio([]byte{1}); !errors.Is(err, upstream.ErrNotConnected) {
		t.Errorf("SendAudio = %v; want ErrNotConnected", err)
	}
	if _, err := link.NextAudioChunk(time.Millisecond); !errors.Is(err, upstream.ErrNotConnected) {
		t.Errorf("NextAudioChunk = %v; want ErrNotConnected", err)
	}
}

func TestDisconnect_IdempotentAndBlocksLaterConnect(t *testing.T) {
	t.Parallel()

	link := wsstream.New("ws://127.0.0.1:1").NewLink()
	for range 3 {
		if err := link.Disconnect(); err != nil {
			t.Fatalf("Disconnect: %v", err)
		}
	}
	if err := link.Connect(context.Background(), "tok", "Miles"); !errors.Is(err, upstream.ErrNotConnected) {
		t.Errorf("Connect after Disconnect = %v; want ErrNotConnected", err)
	}
}

func TestDisconnect_AfterConnectEndsStream(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	link := connect(t, wsstream.New(wsURL(srv)))
	_ = link.Disconnect()

	if err := link.SendAudio([]byte{1}); !errors.Is(err, upstream.ErrNotConnected) {
		t.Errorf("SendAudio after Disconnect = %v; want ErrNotConnected", err)
	}
	if _, err := pollUntil(t, link, 3*time.Second); !errors.Is(err, upstream.ErrLinkClosed) {
		t.Errorf("NextAudioChunk after Disconnect = %v; want ErrLinkClosed", err)
	}
}
