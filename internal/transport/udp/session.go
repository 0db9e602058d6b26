package udp

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/danmuck/packetwire/internal/observability"
	"github.com/danmuck/packetwire/internal/protocol"
	"github.com/danmuck/packetwire/internal/protocol/frame"
	"github.com/danmuck/packetwire/internal/wire"
	"github.com/rs/zerolog/log"
)

// KickReason is sent to a peer whose retransmission request falls outside
// the retained window.
const KickReason = "Too many missed packets"

// host is the receiver side a session handle writes through.
type host interface {
	writeTo(b []byte, addr netip.AddrPort) error
	registry() *protocol.Registry
	// dropSession closes h and reports its disconnect.
	dropSession(h *SessionHandle)
}

type handleConfig struct {
	maxPacketSize  int
	bufferSize     int
	resendInterval time.Duration
	resendTimeout  time.Duration
}

// SessionHandle carries the reliable-UDP state for one remote endpoint.
type SessionHandle struct {
	addr netip.AddrPort
	host host
	cfg  handleConfig

	// outgoing
	mu              sync.Mutex
	out             *wire.Writer
	scratch         *wire.Writer
	reliable        bool
	pendingReliable bool
	lastSent        int32
	buffer          *PacketBuffer
	closed          bool

	// incoming
	inMu         sync.Mutex
	lastReceived int32
	waitingFor   int32
	waiting      bool
	lastRequest  time.Time
}

func newSessionHandle(addr netip.AddrPort, h host, cfg handleConfig) *SessionHandle {
	return &SessionHandle{
		addr:         addr,
		host:         h,
		cfg:          cfg,
		out:          wire.NewWriter(cfg.maxPacketSize),
		scratch:      wire.NewWriter(256),
		lastSent:     -1,
		buffer:       NewPacketBuffer(cfg.bufferSize),
		lastReceived: -1,
	}
}

func (s *SessionHandle) Address() netip.AddrPort { return s.addr }

func (s *SessionHandle) ForceReliability(reliable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.reliable && reliable {
		if err := s.launchLocked(); err != nil {
			return err
		}
	}
	s.reliable = reliable
	return nil
}

func headerLen(reliable bool) int {
	if reliable {
		return frame.KindLen + frame.SequenceLen
	}
	return frame.KindLen
}

func (s *SessionHandle) SendPacket(msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: session %s closed", protocol.ErrTransport, s.addr)
	}

	s.scratch.Reset()
	if err := s.host.registry().WriteMessage(msg, s.scratch); err != nil {
		return err
	}
	n := s.scratch.Len()

	if s.out.Len() > 0 && headerLen(s.pendingReliable)+s.out.Len()+n > s.cfg.maxPacketSize {
		if err := s.launchLocked(); err != nil {
			return err
		}
	}
	if s.out.Len() == 0 {
		s.pendingReliable = s.reliable
	}
	if headerLen(s.pendingReliable)+n > s.cfg.maxPacketSize {
		return fmt.Errorf("%w: %T is %d bytes, limit %d", protocol.ErrMessageTooLarge, msg, n, s.cfg.maxPacketSize)
	}
	s.out.WriteRaw(s.scratch.Bytes())
	return nil
}

func (s *SessionHandle) LaunchPacket() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launchLocked()
}

// launchLocked sends the buffered messages as one datagram. A reliable
// datagram takes the next sequence number and is retained for replay.
func (s *SessionHandle) launchLocked() error {
	if s.out.Len() == 0 || s.closed {
		return nil
	}
	h := frame.Header{Kind: frame.Unreliable}
	if s.pendingReliable {
		s.lastSent++
		h = frame.Header{Kind: frame.Reliable, Sequence: s.lastSent}
	}
	datagram := frame.AppendHeader(make([]byte, 0, h.Len()+s.out.Len()), h)
	datagram = append(datagram, s.out.Bytes()...)
	s.out.Reset()

	kind := observability.DatagramUnreliable
	if h.Kind == frame.Reliable {
		s.buffer.Push(h.Sequence, datagram)
		kind = observability.DatagramReliable
	}
	observability.RecordDatagram(kind)
	return s.host.writeTo(datagram, s.addr)
}

func (s *SessionHandle) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.out.Reset()
	s.buffer.Clear()
	return nil
}

// readHeader applies the datagram header and returns the message bytes to
// parse. A nil slice means the rest of the datagram is dropped.
func (s *SessionHandle) readHeader(datagram []byte) ([]byte, error) {
	h, rest, err := frame.DecodeHeader(datagram)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrUnknownHeader, err)
	}
	switch h.Kind {
	case frame.Reliable:
		return s.acceptReliable(h.Sequence, rest, time.Now())
	case frame.MissingPackets:
		s.replay(h.Sequence)
		return nil, nil
	default:
		return rest, nil
	}
}

func (s *SessionHandle) acceptReliable(seq int32, rest []byte, now time.Time) ([]byte, error) {
	s.inMu.Lock()
	defer s.inMu.Unlock()

	if s.waiting && seq == s.waitingFor {
		s.waiting = false
	}
	switch {
	case seqDiff(seq, s.lastReceived) > 1:
		sinceRequest := now.Sub(s.lastRequest)
		if s.waiting && sinceRequest < s.cfg.resendTimeout {
			return nil, nil
		}
		if sinceRequest < s.cfg.resendInterval {
			return nil, nil
		}
		s.lastRequest = now
		s.waitingFor = s.lastReceived + 1
		s.waiting = true
		return nil, s.requestMissing(s.waitingFor)
	case seqDiff(seq, s.lastReceived) <= 0:
		return nil, nil
	default:
		s.lastReceived = seq
		return rest, nil
	}
}

// seqDiff compares sequence numbers in serial-number arithmetic, so the
// counters keep working after they wrap past MaxInt32.
func seqDiff(a, b int32) int32 {
	return a - b
}

// requestMissing flushes pending output and asks the peer to replay from
// seq onwards.
func (s *SessionHandle) requestMissing(seq int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.launchLocked(); err != nil {
		return err
	}
	if s.closed {
		return nil
	}
	observability.RecordRetransmitRequest()
	observability.RecordDatagram(observability.DatagramMissing)
	log.Debug().Str("addr", s.addr.String()).Int32("sequence", seq).Msg("requesting retransmission")
	return s.host.writeTo(frame.EncodeMissing(seq), s.addr)
}

// replay resends retained frames from seq onwards, or kicks the peer when
// seq has already been evicted.
func (s *SessionHandle) replay(seq int32) {
	s.mu.Lock()
	if s.closed || seqDiff(seq, s.lastSent) > 0 {
		s.mu.Unlock()
		return
	}
	oldest, ok := s.buffer.Oldest()
	if !ok || seqDiff(seq, oldest.Sequence) < 0 {
		s.kickLocked()
		s.mu.Unlock()
		s.host.dropSession(s)
		return
	}
	s.buffer.Each(func(f Frame) bool {
		if seqDiff(f.Sequence, seq) < 0 {
			return true
		}
		observability.RecordDatagram(observability.DatagramReplay)
		if err := s.host.writeTo(f.Data, s.addr); err != nil {
			log.Warn().Str("addr", s.addr.String()).Err(err).Msg("replay write failed")
			return false
		}
		return true
	})
	s.mu.Unlock()
}

func (s *SessionHandle) kickLocked() {
	if err := s.launchLocked(); err != nil {
		log.Warn().Str("addr", s.addr.String()).Err(err).Msg("flush before kick failed")
	}
	observability.RecordKick(KickReason)
	log.Warn().Str("addr", s.addr.String()).Msg("peer fell outside retransmission window")

	w := wire.NewWriter(64)
	w.WriteUint8(frame.Unreliable)
	if err := s.host.registry().WriteMessage(protocol.Kick{Reason: KickReason}, w); err != nil {
		log.Debug().Err(err).Msg("kick notice not registered, disconnecting silently")
		return
	}
	observability.RecordDatagram(observability.DatagramUnreliable)
	if err := s.host.writeTo(w.Bytes(), s.addr); err != nil {
		log.Warn().Str("addr", s.addr.String()).Err(err).Msg("kick write failed")
	}
}

// sequenceState reports the counters for diagnostics and tests.
func (s *SessionHandle) sequenceState() (lastSent, lastReceived, waitingFor int32) {
	s.mu.Lock()
	lastSent = s.lastSent
	s.mu.Unlock()
	s.inMu.Lock()
	defer s.inMu.Unlock()
	if !s.waiting {
		return lastSent, s.lastReceived, -1
	}
	return lastSent, s.lastReceived, s.waitingFor
}
