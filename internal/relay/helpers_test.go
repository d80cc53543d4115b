package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/pkg/upstream/mock"
)

// recordingSender is a Sender that keeps every frame per connection id.
type recordingSender struct {
	mu     sync.Mutex
	frames map[string][]Frame
	gone   map[string]bool
}

func newRecordingSender() *recordingSender {
	return &recordingSender{
		frames: make(map[string][]Frame),
		gone:   make(map[string]bool),
	}
}

func (r *recordingSender) Send(id string, f Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gone[id] {
		return fmt.Errorf("connection %s: %w", id, ErrClientGone)
	}
	r.frames[id] = append(r.frames[id], Frame{Kind: f.Kind, Data: bytes.Clone(f.Data)})
	return nil
}

func (r *recordingSender) markGone(id string) {
	r.mu.Lock()
	r.gone[id] = true
	r.mu.Unlock()
}

func (r *recordingSender) all(id string) []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Frame(nil), r.frames[id]...)
}

func (r *recordingSender) audio(id string) [][]byte {
	var out [][]byte
	for _, f := range r.all(id) {
		if f.Kind == KindBinary {
			out = append(out, f.Data)
		}
	}
	return out
}

type clientEvent struct {
	Event string `json:"event"`
	Data  struct {
		Type    string `json:"type"`
		Content string `json:"content"`
		Message string `json:"message"`
	} `json:"data"`
}

func (r *recordingSender) events(t *testing.T, id string) []clientEvent {
	t.Helper()
	var out []clientEvent
	for _, f := range r.all(id) {
		if f.Kind != KindText {
			continue
		}
		var ev clientEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			t.Fatalf("event %q is not JSON: %v", f.Data, err)
		}
		out = append(out, ev)
	}
	return out
}

// statuses returns the content of every status event sent to id.
func (r *recordingSender) statuses(t *testing.T, id string) []string {
	t.Helper()
	var out []string
	for _, ev := range r.events(t, id) {
		if ev.Event == "status" {
			out = append(out, ev.Data.Content)
		}
	}
	return out
}

func (r *recordingSender) hasStatus(t *testing.T, id, content string) bool {
	t.Helper()
	for _, s := range r.statuses(t, id) {
		if s == content {
			return true
		}
	}
	return false
}

// waitFor polls cond until it holds or the deadline passes.
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

func testConfig() Config {
	return Config{
		PollTimeout:    10 * time.Millisecond,
		ErrorBackoff:   5 * time.Millisecond,
		ConnectTimeout: time.Second,
	}
}

// linkDialer returns a dialer handing out links with a Chunks buffer of n.
func linkDialer(n int) *mock.Dialer {
	return &mock.Dialer{NewLinkFunc: func() *mock.Link {
		return &mock.Link{Chunks: make(chan []byte, n)}
	}}
}

// connectActive connects id and waits until its session is active.
func connectActive(t *testing.T, m *Manager, id, character string) *Session {
	t.Helper()
	if err := m.Connect(t.Context(), ConnectRequest{ID: id, Credential: "tok-" + id, Character: character}); err != nil {
		t.Fatalf("Connect(%s): %v", id, err)
	}
	s, ok := m.Session(id)
	if !ok {
		t.Fatalf("session %s not registered", id)
	}
	waitFor(t, "session "+id+" active", s.Active)
	return s
}
