// Package session holds the transport-independent connection lifecycle.
//
// A Session moves from unconnected to connected to disconnected and never
// back. Protocol hooks own the handshake and liveness policy; the Directory
// owns removal and handle teardown.
package session

import (
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/danmuck/packetwire/internal/protocol"
	"github.com/danmuck/packetwire/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Protocol is the pluggable handshake and keep-alive policy of a session.
type Protocol interface {
	OnInit(s *Session)
	OnConnect()
	OnDisconnect()
	OnPoke()
	OnMessage()
	OnTimeout()
	Version() byte
}

// Directory removes a disconnected session and closes its handle.
type Directory interface {
	DisconnectSession(s *Session)
}

type Session struct {
	id        uuid.UUID
	handle    transport.SessionHandle
	protocol  Protocol
	directory Directory

	mu        sync.Mutex
	connected atomic.Bool

	sendMu sync.Mutex
}

// New wraps handle and runs the protocol's OnInit hook.
func New(handle transport.SessionHandle, proto Protocol, dir Directory) *Session {
	s := &Session{
		id:        uuid.New(),
		handle:    handle,
		protocol:  proto,
		directory: dir,
	}
	proto.OnInit(s)
	return s
}

func (s *Session) ID() uuid.UUID                   { return s.id }
func (s *Session) Address() netip.AddrPort         { return s.handle.Address() }
func (s *Session) Handle() transport.SessionHandle { return s.handle }
func (s *Session) Protocol() Protocol              { return s.protocol }
func (s *Session) Connected() bool                 { return s.connected.Load() }

func (s *Session) String() string {
	return s.handle.Address().String()
}

// MarkConnected records a peer-initiated connection without running the
// protocol's OnConnect.
func (s *Session) MarkConnected() {
	s.mu.Lock()
	s.connected.Store(true)
	s.mu.Unlock()
}

// Connect opens a locally initiated session. OnConnect runs exactly once.
func (s *Session) Connect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected.Load() {
		return
	}
	s.connected.Store(true)
	s.protocol.OnConnect()
}

// Disconnect is terminal. Only the first call on a connected session runs
// OnDisconnect and asks the directory to remove it.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected.Load() {
		return
	}
	s.protocol.OnDisconnect()
	s.connected.Store(false)
	if s.directory != nil {
		s.directory.DisconnectSession(s)
	}
}

func (s *Session) OnTimeout() { s.protocol.OnTimeout() }
func (s *Session) OnPoke()    { s.protocol.OnPoke() }
func (s *Session) OnMessage() { s.protocol.OnMessage() }

// SendReliably buffers msg in reliable mode. It does nothing when the
// session is not connected.
func (s *Session) SendReliably(msg protocol.Message) error {
	return s.send(msg, true)
}

// Send buffers msg in the transport's default mode.
func (s *Session) Send(msg protocol.Message) error {
	return s.send(msg, false)
}

func (s *Session) send(msg protocol.Message, reliable bool) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.connected.Load() {
		return nil
	}
	if err := s.handle.ForceReliability(reliable); err != nil {
		s.logSendError(err)
		return err
	}
	if err := s.handle.SendPacket(msg); err != nil {
		s.logSendError(err)
		return err
	}
	return nil
}

// Launch flushes everything buffered since the last launch.
func (s *Session) Launch() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.connected.Load() {
		return nil
	}
	if err := s.handle.LaunchPacket(); err != nil {
		s.logSendError(err)
		return err
	}
	return nil
}

func (s *Session) logSendError(err error) {
	log.Warn().Str("addr", s.String()).Str("session", s.id.String()).Err(err).Msg("send to peer failed")
}
