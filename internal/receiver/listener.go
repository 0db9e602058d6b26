package receiver

import (
	"github.com/danmuck/packetwire/internal/protocol"
	"github.com/danmuck/packetwire/internal/session"
	"github.com/rs/zerolog/log"
)

// BaseListener handles the control messages: version check on Connect,
// teardown on InvalidProtocol, Disconnect and Kick, and liveness on Poke.
type BaseListener struct{}

func (BaseListener) Register(h *Handlers) {
	On(h, handleConnect)
	On(h, handleInvalidProtocol)
	On(h, handleDisconnect)
	On(h, handleKick)
	On(h, handlePoke)
}

func handleConnect(s *session.Session, msg protocol.Connect) error {
	expected := s.Protocol().Version()
	if msg.Version == expected {
		log.Debug().Str("addr", s.String()).Uint8("version", msg.Version).Msg("peer connected")
		return nil
	}
	log.Warn().Str("addr", s.String()).
		Uint8("version", msg.Version).
		Uint8("expected", expected).
		Msg("rejecting peer with wrong protocol version")
	_ = s.Send(protocol.InvalidProtocol{Expected: expected})
	_ = s.Launch()
	s.Disconnect()
	return nil
}

func handleInvalidProtocol(s *session.Session, msg protocol.InvalidProtocol) error {
	s.Disconnect()
	log.Warn().Str("addr", s.String()).
		Uint8("version", s.Protocol().Version()).
		Uint8("expected", msg.Expected).
		Msg("peer rejected protocol version")
	return nil
}

func handleDisconnect(s *session.Session, _ protocol.Disconnect) error {
	s.Disconnect()
	return nil
}

func handleKick(s *session.Session, msg protocol.Kick) error {
	s.Disconnect()
	log.Warn().Str("addr", s.String()).Str("reason", msg.Reason).Msg("kicked by peer")
	return nil
}

func handlePoke(s *session.Session, _ protocol.Poke) error {
	s.OnPoke()
	return nil
}
