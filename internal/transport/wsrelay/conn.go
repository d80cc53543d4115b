package wsrelay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/eapache/queue"

	"github.com/MrWong99/voxbridge/internal/relay"
)

// conn is one accepted client socket with its ordered outbound queue. Frames
// are written by a single write pump, so per-connection order is the order of
// enqueue calls.
type conn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration
	maxQueued    int

	mu          sync.Mutex
	pending     *queue.Queue
	closing     bool
	closeCode   websocket.StatusCode
	closeReason string

	wake chan struct{}
	done chan struct{}
}

func newConn(id string, ws *websocket.Conn, writeTimeout time.Duration, maxQueued int) *conn {
	return &conn{
		id:           id,
		ws:           ws,
		writeTimeout: writeTimeout,
		maxQueued:    maxQueued,
		pending:      queue.New(),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

func (c *conn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// enqueue appends f to the outbound queue. A full queue means the client
// cannot keep up: the pending frames are discarded and the socket is closed.
func (c *conn) enqueue(f relay.Frame) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s is closing", ErrUnknownConnection, c.id)
	}
	if c.maxQueued > 0 && c.pending.Length() >= c.maxQueued {
		c.pending = queue.New()
		c.closing = true
		c.closeCode = websocket.StatusPolicyViolation
		c.closeReason = "client too slow"
		c.mu.Unlock()
		c.signal()
		slog.Warn("outbound queue overflow, dropping client", "conn_id", c.id, "max_queued", c.maxQueued)
		return fmt.Errorf("%w: %s", ErrQueueOverflow, c.id)
	}
	c.pending.Add(f)
	c.mu.Unlock()
	c.signal()
	return nil
}

// closeAfterFlush lets the write pump drain what is queued, then close the
// socket with code. Later enqueues are refused.
func (c *conn) closeAfterFlush(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	if !c.closing {
		c.closing = true
		c.closeCode = code
		c.closeReason = reason
	}
	c.mu.Unlock()
	c.signal()
}

// next blocks until a frame is queued or the connection is closing. ok is
// false once the queue is drained and closing was requested, or ctx is done.
func (c *conn) next(ctx context.Context) (f relay.Frame, ok bool) {
	for {
		c.mu.Lock()
		if c.pending.Length() > 0 {
			f = c.pending.Remove().(relay.Frame)
			c.mu.Unlock()
			return f, true
		}
		closing := c.closing
		c.mu.Unlock()
		if closing {
			return relay.Frame{}, false
		}
		select {
		case <-c.wake:
		case <-ctx.Done():
			return relay.Frame{}, false
		}
	}
}

func (c *conn) writePump(ctx context.Context) {
	defer close(c.done)
	for {
		f, ok := c.next(ctx)
		if !ok {
			break
		}
		typ := websocket.MessageText
		if f.Kind == relay.KindBinary {
			typ = websocket.MessageBinary
		}
		wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
		err := c.ws.Write(wctx, typ, f.Data)
		cancel()
		if err != nil {
			slog.Debug("client write failed", "conn_id", c.id, "err", err)
			_ = c.ws.CloseNow()
			return
		}
	}

	c.mu.Lock()
	code, reason := c.closeCode, c.closeReason
	c.mu.Unlock()
	if code != 0 && ctx.Err() == nil {
		_ = c.ws.Close(code, reason)
	}
}
