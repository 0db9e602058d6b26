package session

import (
	"github.com/danmuck/packetwire/internal/heartbeat"
	"github.com/danmuck/packetwire/internal/observability"
	"github.com/danmuck/packetwire/internal/protocol"
	"github.com/rs/zerolog/log"
)

// TimeoutReason is the kick reason sent when an expected response is late.
const TimeoutReason = "Response timed out"

// BaseProtocol announces its version on connect and keeps the session alive
// with a heartbeat that pulses a reliable Poke.
type BaseProtocol struct {
	version byte
	cfg     heartbeat.Config

	session   *Session
	heartbeat *heartbeat.Heartbeat
}

func NewBaseProtocol(version byte, cfg heartbeat.Config) *BaseProtocol {
	return &BaseProtocol{version: version, cfg: cfg}
}

func (p *BaseProtocol) OnInit(s *Session) {
	p.session = s
	// The coordinator validates the config in Start; a protocol built by
	// hand with a bad config runs without liveness checks.
	hb, err := heartbeat.New(s, p.pulse, p.cfg)
	if err != nil {
		log.Error().Str("addr", s.String()).Err(err).Msg("heartbeat disabled")
		return
	}
	p.heartbeat = hb
	hb.Start()
}

func (p *BaseProtocol) pulse() {
	_ = p.session.SendReliably(protocol.Poke{})
	_ = p.session.Launch()
}

func (p *BaseProtocol) OnConnect() {
	_ = p.session.SendReliably(protocol.Connect{Version: p.version})
	_ = p.session.Launch()
}

func (p *BaseProtocol) OnDisconnect() {
	if p.heartbeat != nil {
		p.heartbeat.Halt()
	}
}

func (p *BaseProtocol) OnPoke() {
	if p.heartbeat != nil {
		p.heartbeat.Poke()
	}
}

func (p *BaseProtocol) OnMessage() {
	if p.heartbeat != nil {
		p.heartbeat.Response()
	}
}

func (p *BaseProtocol) OnTimeout() {
	observability.RecordKick(TimeoutReason)
	_ = p.session.SendReliably(protocol.Kick{Reason: TimeoutReason})
	_ = p.session.Launch()
	p.session.Disconnect()
}

func (p *BaseProtocol) Version() byte {
	return p.version
}

// Heartbeat exposes the session's liveness timer. It is nil when the
// heartbeat config was rejected.
func (p *BaseProtocol) Heartbeat() *heartbeat.Heartbeat {
	return p.heartbeat
}
