package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/pkg/upstream"
	"github.com/MrWong99/voxbridge/pkg/upstream/mock"
)

func failingDialer(err error) *mock.Dialer {
	return &mock.Dialer{NewLinkFunc: func() *mock.Link { return &mock.Link{ConnectErr: err} }}
}

func TestLinkFailover_PrimaryConnects(t *testing.T) {
	primary := &mock.Dialer{}
	secondary := &mock.Dialer{}
	f := NewLinkFailover(primary, "primary", FallbackConfig{})
	f.AddFallback("secondary", secondary)

	link := f.NewLink()
	if err := link.Connect(context.Background(), "tok", "Maya"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if len(primary.Links()) != 1 || len(secondary.Links()) != 0 {
		t.Fatalf("links primary=%d secondary=%d, want 1/0", len(primary.Links()), len(secondary.Links()))
	}

	got := primary.Links()[0]
	if c := got.Connects(); len(c) != 1 || c[0] != (mock.ConnectCall{Credential: "tok", Persona: "Maya"}) {
		t.Errorf("connect calls = %v", c)
	}

	if err := link.SendAudio([]byte{1}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if len(got.Sent()) != 1 {
		t.Errorf("underlying link received %d frames, want 1", len(got.Sent()))
	}

	got.Chunks <- []byte{7}
	chunk, err := link.NextAudioChunk(time.Second)
	if err != nil || len(chunk) != 1 || chunk[0] != 7 {
		t.Errorf("NextAudioChunk = (%v, %v)", chunk, err)
	}
}

func TestLinkFailover_FailsOverAndReleasesFailedCandidate(t *testing.T) {
	primary := failingDialer(errors.New("connection reset"))
	secondary := &mock.Dialer{}
	f := NewLinkFailover(primary, "primary", FallbackConfig{})
	f.AddFallback("secondary", secondary)

	link := f.NewLink()
	if err := link.Connect(context.Background(), "tok", "Miles"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if n := primary.Links()[0].Disconnects(); n != 1 {
		t.Errorf("failed primary link disconnects = %d, want 1", n)
	}
	if len(secondary.Links()) != 1 {
		t.Fatalf("secondary links = %d, want 1", len(secondary.Links()))
	}

	if err := link.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if n := secondary.Links()[0].Disconnects(); n != 1 {
		t.Errorf("active link disconnects = %d, want 1", n)
	}
}

func TestLinkFailover_RefusalKeepsCauseAndBreakerClosed(t *testing.T) {
	refused := fmt.Errorf("%w: bad token", upstream.ErrConnectRefused)
	f := NewLinkFailover(failingDialer(refused), "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})

	err := f.NewLink().Connect(context.Background(), "bad", "Miles")
	if !errors.Is(err, upstream.ErrConnectRefused) {
		t.Fatalf("err = %v, want ErrConnectRefused in chain", err)
	}
	if !f.Healthy() {
		t.Error("refusal must not open the breaker")
	}
}

func TestLinkFailover_TransportErrorsOpenBreaker(t *testing.T) {
	f := NewLinkFailover(failingDialer(errors.New("dial tcp: refused")), "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})

	for range 2 {
		_ = f.NewLink().Connect(context.Background(), "tok", "Miles")
	}
	if f.Healthy() {
		t.Fatal("breaker should be open after repeated transport failures")
	}
	if s := f.States()["primary"]; s != StateOpen {
		t.Errorf("primary state = %v, want open", s)
	}

	err := f.NewLink().Connect(context.Background(), "tok", "Miles")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestLinkFailover_DisconnectAbortsPendingConnect(t *testing.T) {
	gate := make(chan struct{})
	primary := &mock.Dialer{NewLinkFunc: func() *mock.Link { return &mock.Link{ConnectGate: gate} }}
	f := NewLinkFailover(primary, "primary", FallbackConfig{})

	link := f.NewLink()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- link.Connect(ctx, "tok", "Miles") }()

	// Wait for the candidate to be created before disconnecting.
	deadline := time.Now().Add(time.Second)
	for len(primary.Links()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	_ = link.Disconnect()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Connect should fail after Disconnect")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after Disconnect")
	}
	if n := primary.Links()[0].Disconnects(); n < 1 {
		t.Error("pending candidate was not disconnected")
	}
	if err := link.SendAudio([]byte{1}); !errors.Is(err, upstream.ErrNotConnected) {
		t.Errorf("SendAudio = %v, want ErrNotConnected", err)
	}
	if !f.Healthy() {
		t.Error("aborted connect must not open the breaker")
	}
}
