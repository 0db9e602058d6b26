// Package transport defines the capability contract every network substrate
// implements: a ReceiverHandle bound to a local port and one SessionHandle
// per remote endpoint.
package transport

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/danmuck/packetwire/internal/protocol"
)

// Kind selects a substrate and its dispatch model.
type Kind int

const (
	TCPSync Kind = iota
	TCPAsync
	UDPSync
	UDPAsync
)

var kindNames = map[Kind]string{
	TCPSync:  "tcp-sync",
	TCPAsync: "tcp-async",
	UDPSync:  "udp-sync",
	UDPAsync: "udp-async",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Async reports whether callbacks run per session instead of on the
// receive loop.
func (k Kind) Async() bool {
	return k == TCPAsync || k == UDPAsync
}

func (k Kind) Datagram() bool {
	return k == UDPSync || k == UDPAsync
}

func ParseKind(raw string) (Kind, error) {
	needle := strings.ToLower(strings.TrimSpace(raw))
	for k, name := range kindNames {
		if name == needle {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown transport %q", protocol.ErrConfiguration, raw)
}

// Events is the coordinator side of a ReceiverHandle.
type Events interface {
	OnConnect(h SessionHandle)
	OnDisconnect(h SessionHandle)
	OnReceive(h SessionHandle, msg protocol.Message) error
}

// SessionHandle is the substrate state behind one session.
type SessionHandle interface {
	Address() netip.AddrPort
	// ForceReliability switches the outgoing mode. Switching from unreliable
	// to reliable flushes pending bytes first.
	ForceReliability(reliable bool) error
	// SendPacket buffers msg; it may flush earlier content on overflow.
	SendPacket(msg protocol.Message) error
	// LaunchPacket flushes buffered bytes as one wire unit.
	LaunchPacket() error
	Close() error
}

// ReceiverHandle owns the bound socket and the handle directory.
type ReceiverHandle interface {
	Port() int
	// OpenSession returns the existing handle for addr or dials a new one.
	OpenSession(addr netip.AddrPort) (SessionHandle, error)
	Session(addr netip.AddrPort) (SessionHandle, bool)
	CloseSession(h SessionHandle)
	// Receive blocks until Close or an unrecoverable socket error. All owned
	// resources are closed when it returns.
	Receive() error
	Close() error
}

// NormalizeAddr strips IPv4-in-IPv6 mapping so directory keys compare equal.
func NormalizeAddr(addr netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}
