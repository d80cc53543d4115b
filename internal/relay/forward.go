package relay

import (
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/pkg/upstream"
)

// pollBackOff paces the forwarding loop after a failed poll. A maximum above
// the base interval grows the pause exponentially up to that maximum.
func (m *Manager) pollBackOff() backoff.BackOff {
	if m.cfg.MaxErrorBackoff <= m.cfg.ErrorBackoff {
		return backoff.NewConstantBackOff(m.cfg.ErrorBackoff)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.ErrorBackoff
	b.MaxInterval = m.cfg.MaxErrorBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// forward relays upstream audio to the client for as long as s is active.
// Chunks are delivered in the order the link produced them. The loop exits
// within one poll timeout of the session leaving the active state, and closes
// a session that was removed from the registry behind its back.
func (m *Manager) forward(s *Session) {
	ctx := s.Context()
	b := m.pollBackOff()
	log := slog.With("session_id", s.ID())

	for s.Active() {
		chunk, err := s.link.NextAudioChunk(m.cfg.PollTimeout)
		if err != nil {
			if !s.Active() {
				return
			}
			if errors.Is(err, upstream.ErrLinkClosed) {
				log.Info("upstream closed the session", "err", err)
				m.notify(s, StatusFrame("Connection to "+s.Character()+" closed"))
				s.close(ReasonUpstreamDisconnect)
				return
			}

			m.metrics.ForwardPollErrors.Add(ctx, 1)
			log.Warn("upstream poll failed", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.NextBackOff()):
			}
			continue
		}
		b.Reset()

		if len(chunk) == 0 {
			continue
		}
		if !s.Active() {
			return
		}
		if !m.registry.holds(s) {
			// Dropped from the registry while live; nothing can reach it any
			// more, so release the upstream.
			log.Warn("session lost its registry entry, closing")
			s.close(ReasonClientDisconnect)
			return
		}
		if err := m.sender.Send(s.ID(), Frame{Kind: KindBinary, Data: chunk}); err != nil {
			if errors.Is(err, ErrClientGone) {
				log.Debug("client gone, stopping forwarding")
				s.close(ReasonClientDisconnect)
				return
			}
			log.Warn("failed to deliver audio to client", "err", err)
			continue
		}
		m.metrics.RecordFrame(ctx, observe.DirectionClient, len(chunk))
	}
}
