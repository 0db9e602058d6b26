package tcp

import (
	"bufio"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/danmuck/packetwire/internal/protocol"
	"github.com/danmuck/packetwire/internal/wire"
)

// SessionHandle is one TCP connection. Outgoing messages are batched in a
// buffer and written verbatim on launch; the stream needs no framing header.
type SessionHandle struct {
	addr    netip.AddrPort
	conn    net.Conn
	reader  *bufio.Reader
	reg     *protocol.Registry
	maxSize int

	mu      sync.Mutex
	out     *wire.Writer
	scratch *wire.Writer

	closed atomic.Bool
	// quiet is set when the disconnect has already been accounted for, so the
	// read loop must not report it.
	quiet atomic.Bool
}

func newSessionHandle(conn net.Conn, addr netip.AddrPort, reg *protocol.Registry, maxSize int) *SessionHandle {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return &SessionHandle{
		addr:    addr,
		conn:    conn,
		reader:  bufio.NewReader(conn),
		reg:     reg,
		maxSize: maxSize,
		out:     wire.NewWriter(1024),
		scratch: wire.NewWriter(256),
	}
}

func (s *SessionHandle) Address() netip.AddrPort { return s.addr }

// ForceReliability is a no-op; the stream is already reliable.
func (s *SessionHandle) ForceReliability(bool) error { return nil }

func (s *SessionHandle) SendPacket(msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return fmt.Errorf("%w: session %s closed", protocol.ErrTransport, s.addr)
	}
	s.scratch.Reset()
	if err := s.reg.WriteMessage(msg, s.scratch); err != nil {
		return err
	}
	n := s.scratch.Len()
	if n > s.maxSize {
		return fmt.Errorf("%w: %T is %d bytes, limit %d", protocol.ErrMessageTooLarge, msg, n, s.maxSize)
	}
	if s.out.Len() > 0 && s.out.Len()+n > s.maxSize {
		if err := s.launchLocked(); err != nil {
			return err
		}
	}
	s.out.WriteRaw(s.scratch.Bytes())
	return nil
}

func (s *SessionHandle) LaunchPacket() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launchLocked()
}

func (s *SessionHandle) launchLocked() error {
	if s.out.Len() == 0 {
		return nil
	}
	defer s.out.Reset()
	if _, err := s.conn.Write(s.out.Bytes()); err != nil {
		return fmt.Errorf("%w: write %s: %v", protocol.ErrTransport, s.addr, err)
	}
	return nil
}

// Close shuts the connection. The read loop will not report a disconnect
// for a handle closed locally.
func (s *SessionHandle) Close() error {
	s.quiet.Store(true)
	return s.shutdown()
}

func (s *SessionHandle) shutdown() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}

// claimDisconnect reports whether the caller is the one that must announce
// this handle's disconnect.
func (s *SessionHandle) claimDisconnect() bool {
	return s.quiet.CompareAndSwap(false, true)
}
