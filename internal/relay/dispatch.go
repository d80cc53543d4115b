package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voxbridge/internal/observe"
)

// Dispatcher routes one inbound client frame for an active session: binary
// frames go upstream as audio, text frames are parsed as control messages.
type Dispatcher struct {
	sender  Sender
	metrics *observe.Metrics
}

// NewDispatcher creates a [Dispatcher] that acknowledges control messages
// through sender. A nil metrics uses [observe.DefaultMetrics].
func NewDispatcher(sender Sender, metrics *observe.Metrics) *Dispatcher {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Dispatcher{sender: sender, metrics: metrics}
}

// Dispatch handles msg on behalf of s.
//
// A session that is not active gets an error event and [ErrSessionNotActive].
// Audio that the upstream link fails to accept is logged and dropped; the
// session stays open. A malformed control message is logged, dropped, and
// reported as [ErrMalformedControl]. Control messages of unknown type are
// ignored.
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, msg Frame) error {
	if s == nil || !s.Active() {
		var id string
		if s != nil {
			id = s.ID()
		}
		d.reply(id, ErrorFrame("Session not active"))
		return ErrSessionNotActive
	}

	switch msg.Kind {
	case KindBinary:
		d.forwardAudio(ctx, s, msg.Data)
		return nil
	case KindText:
		return d.control(ctx, s, msg.Data)
	default:
		slog.Debug("dropping frame of unknown kind", "session_id", s.ID(), "kind", msg.Kind)
		return nil
	}
}

func (d *Dispatcher) forwardAudio(ctx context.Context, s *Session, chunk []byte) {
	if err := s.link.SendAudio(chunk); err != nil {
		d.metrics.UpstreamSendErrors.Add(ctx, 1)
		slog.Warn("failed to forward audio upstream", "session_id", s.ID(), "bytes", len(chunk), "err", err)
		return
	}
	d.metrics.RecordFrame(ctx, observe.DirectionUpstream, len(chunk))
}

func (d *Dispatcher) control(ctx context.Context, s *Session, data []byte) error {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		d.metrics.RecordControlMessage(ctx, "malformed")
		slog.Error("malformed control message", "session_id", s.ID(), "err", err)
		return fmt.Errorf("%w: %w", ErrMalformedControl, err)
	}

	switch msg.Type {
	case "config":
		d.metrics.RecordControlMessage(ctx, "config")
		if msg.Character == "" {
			return nil
		}
		s.setCharacter(msg.Character)
		slog.Info("character switched", "session_id", s.ID(), "character", msg.Character)
		d.reply(s.ID(), StatusFrame("Switched to "+msg.Character))
	default:
		d.metrics.RecordControlMessage(ctx, "other")
		slog.Debug("ignoring control message", "session_id", s.ID(), "type", msg.Type)
	}
	return nil
}

func (d *Dispatcher) reply(id string, f Frame) {
	if err := d.sender.Send(id, f); err != nil {
		slog.Debug("failed to send event to client", "session_id", id, "err", err)
	}
}
