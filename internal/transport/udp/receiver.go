// Package udp implements the datagram transport with optional per-session
// reliability: sequenced frames, gap detection and replay from a bounded
// retransmission window.
package udp

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/danmuck/packetwire/internal/protocol"
	"github.com/danmuck/packetwire/internal/transport"
	"github.com/danmuck/packetwire/internal/transport/workers"
	"github.com/danmuck/packetwire/internal/wire"
	"github.com/rs/zerolog/log"
)

// Receiver owns one UDP socket. A single goroutine reads it; in async mode
// each session's datagrams are parsed and dispatched on that session's
// worker.
type Receiver struct {
	cfg       transport.Config
	async     bool
	reg       *protocol.Registry
	events    transport.Events
	conn      *net.UDPConn
	handles   handleConfig
	pool      *workers.Pool
	closed    atomic.Bool
	closeOnce sync.Once

	mu       sync.Mutex
	sessions map[netip.AddrPort]*SessionHandle
}

// Listen binds the socket described by cfg.
func Listen(kind transport.Kind, cfg transport.Config, reg *protocol.Registry, events transport.Events) (*Receiver, error) {
	if !kind.Datagram() {
		return nil, fmt.Errorf("%w: %s is not a datagram transport", protocol.ErrConfiguration, kind)
	}
	if err := cfg.Validate(kind); err != nil {
		return nil, err
	}
	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr())
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", protocol.ErrConfiguration, cfg.ListenAddr(), err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", protocol.ErrTransport, cfg.ListenAddr(), err)
	}
	r := &Receiver{
		cfg:    cfg,
		async:  kind.Async(),
		reg:    reg,
		events: events,
		conn:   conn,
		handles: handleConfig{
			maxPacketSize:  cfg.MaxPacketSize,
			bufferSize:     cfg.PacketBufferSize,
			resendInterval: cfg.ResendInterval,
			resendTimeout:  cfg.ResendTimeout,
		},
		sessions: make(map[netip.AddrPort]*SessionHandle),
	}
	if r.async {
		r.pool = workers.NewPool()
	}
	return r, nil
}

func (r *Receiver) Port() int {
	return r.conn.LocalAddr().(*net.UDPAddr).Port
}

func (r *Receiver) OpenSession(addr netip.AddrPort) (transport.SessionHandle, error) {
	if r.closed.Load() {
		return nil, fmt.Errorf("%w: receiver closed", protocol.ErrTransport)
	}
	h, _ := r.lookupOrOpen(transport.NormalizeAddr(addr))
	return h, nil
}

func (r *Receiver) lookupOrOpen(addr netip.AddrPort) (*SessionHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.sessions[addr]; ok {
		return h, false
	}
	h := newSessionHandle(addr, r, r.handles)
	r.sessions[addr] = h
	if r.pool != nil {
		r.pool.Open(addr)
	}
	return h, true
}

func (r *Receiver) Session(addr netip.AddrPort) (transport.SessionHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.sessions[transport.NormalizeAddr(addr)]
	if !ok {
		return nil, false
	}
	return h, true
}

func (r *Receiver) CloseSession(handle transport.SessionHandle) {
	h, ok := handle.(*SessionHandle)
	if !ok {
		return
	}
	r.mu.Lock()
	if cur, ok := r.sessions[h.addr]; ok && cur == h {
		delete(r.sessions, h.addr)
		if r.pool != nil {
			r.pool.Close(h.addr)
		}
	}
	r.mu.Unlock()
	_ = h.Close()
}

// Receive reads datagrams until the socket is closed.
func (r *Receiver) Receive() error {
	defer r.Close()

	buf := make([]byte, transport.MaxDatagramSize)
	for {
		n, from, err := r.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if r.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warn().Err(err).Msg("udp read failed")
			continue
		}
		addr := transport.NormalizeAddr(from)
		if n > r.cfg.MaxPacketSize {
			log.Warn().Str("addr", addr.String()).Int("size", n).Err(protocol.ErrMessageTooLarge).Msg("dropping datagram")
			continue
		}

		h, created := r.lookupOrOpen(addr)
		if created {
			r.events.OnConnect(h)
		}

		if r.pool != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			r.pool.Execute(addr, func() { r.readPackets(h, data) })
			continue
		}
		r.readPackets(h, buf[:n])
	}
}

func (r *Receiver) readPackets(h *SessionHandle, datagram []byte) {
	rest, err := h.readHeader(datagram)
	if err != nil {
		log.Warn().Str("addr", h.addr.String()).Err(err).Msg("bad datagram")
		return
	}
	if len(rest) == 0 {
		return
	}
	rd, remaining := wire.NewBytesReader(rest)
	for remaining.Len() > 0 {
		before := remaining.Len()
		msg, err := r.reg.ReadMessage(rd)
		if err != nil {
			log.Warn().Str("addr", h.addr.String()).Err(err).Msg("dropping rest of datagram")
			return
		}
		if remaining.Len() == before {
			log.Warn().
				Str("addr", h.addr.String()).
				Int("trailing", before).
				Err(protocol.ErrProtocolViolation).
				Msg("message consumed no bytes, dropping rest of datagram")
			return
		}
		if err := r.events.OnReceive(h, msg); err != nil {
			log.Error().Str("addr", h.addr.String()).Err(err).Msg("dispatch failed")
		}
	}
}

// Close is idempotent. It closes the socket, the workers and every handle.
func (r *Receiver) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		err = r.conn.Close()
		if r.pool != nil {
			r.pool.CloseAll()
		}
		r.mu.Lock()
		handles := make([]*SessionHandle, 0, len(r.sessions))
		for _, h := range r.sessions {
			handles = append(handles, h)
		}
		clear(r.sessions)
		r.mu.Unlock()
		for _, h := range handles {
			_ = h.Close()
		}
	})
	return err
}

func (r *Receiver) writeTo(b []byte, addr netip.AddrPort) error {
	if _, err := r.conn.WriteToUDPAddrPort(b, addr); err != nil {
		return fmt.Errorf("%w: write %s: %v", protocol.ErrTransport, addr, err)
	}
	return nil
}

func (r *Receiver) registry() *protocol.Registry { return r.reg }

func (r *Receiver) dropSession(h *SessionHandle) {
	r.CloseSession(h)
	r.events.OnDisconnect(h)
}
