package udp

import (
	"bytes"
	"errors"
	"math"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/packetwire/internal/protocol"
	"github.com/danmuck/packetwire/internal/protocol/frame"
	"github.com/danmuck/packetwire/internal/testutil/testlog"
	"github.com/danmuck/packetwire/internal/wire"
)

var peerAddr = netip.MustParseAddrPort("127.0.0.1:9200")

type fakeHost struct {
	mu      sync.Mutex
	reg     *protocol.Registry
	writes  [][]byte
	dropped int
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	reg := protocol.NewRegistry()
	if err := protocol.RegisterBuiltins(reg); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	return &fakeHost{reg: reg}
}

func (h *fakeHost) writeTo(b []byte, _ netip.AddrPort) error {
	h.mu.Lock()
	h.writes = append(h.writes, append([]byte(nil), b...))
	h.mu.Unlock()
	return nil
}

func (h *fakeHost) registry() *protocol.Registry { return h.reg }

func (h *fakeHost) dropSession(s *SessionHandle) {
	h.mu.Lock()
	h.dropped++
	h.mu.Unlock()
	_ = s.Close()
}

func (h *fakeHost) written() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.writes...)
}

func testHandleConfig() handleConfig {
	return handleConfig{
		maxPacketSize:  1024,
		bufferSize:     8,
		resendInterval: 25 * time.Millisecond,
		resendTimeout:  time.Hour,
	}
}

func reliableDatagram(seq int32) []byte {
	return append(frame.EncodeHeader(frame.Header{Kind: frame.Reliable, Sequence: seq}), 0xAA)
}

func TestGapRequestsRetransmissionOnce(t *testing.T) {
	testlog.Start(t)
	host := newFakeHost(t)
	s := newSessionHandle(peerAddr, host, testHandleConfig())

	for _, seq := range []int32{0, 1} {
		rest, err := s.readHeader(reliableDatagram(seq))
		if err != nil || len(rest) != 1 {
			t.Fatalf("seq %d rest=%v err=%v", seq, rest, err)
		}
	}
	for _, seq := range []int32{3, 4, 3} {
		rest, err := s.readHeader(reliableDatagram(seq))
		if err != nil || rest != nil {
			t.Fatalf("seq %d must be held back, rest=%v err=%v", seq, rest, err)
		}
	}

	writes := host.written()
	if len(writes) != 1 {
		t.Fatalf("retransmission requests got=%d want=1", len(writes))
	}
	if !bytes.Equal(writes[0], frame.EncodeMissing(2)) {
		t.Fatalf("request got=%v want=%v", writes[0], frame.EncodeMissing(2))
	}
	if _, last, waiting := s.sequenceState(); last != 1 || waiting != 2 {
		t.Fatalf("state last=%d waiting=%d", last, waiting)
	}

	for _, seq := range []int32{2, 3, 4} {
		rest, err := s.readHeader(reliableDatagram(seq))
		if err != nil || len(rest) != 1 {
			t.Fatalf("seq %d after replay rest=%v err=%v", seq, rest, err)
		}
	}
	if _, last, waiting := s.sequenceState(); last != 4 || waiting != -1 {
		t.Fatalf("state after replay last=%d waiting=%d", last, waiting)
	}
	if rest, _ := s.readHeader(reliableDatagram(4)); rest != nil {
		t.Fatalf("duplicate frame delivered")
	}
}

func TestGapRequestRateLimitAndExpiry(t *testing.T) {
	testlog.Start(t)
	host := newFakeHost(t)
	cfg := testHandleConfig()
	cfg.resendTimeout = 250 * time.Millisecond
	s := newSessionHandle(peerAddr, host, cfg)

	t0 := time.Now()
	if _, err := s.acceptReliable(5, nil, t0); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := s.acceptReliable(6, nil, t0.Add(100*time.Millisecond)); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got := len(host.written()); got != 1 {
		t.Fatalf("requests while outstanding got=%d want=1", got)
	}
	if _, err := s.acceptReliable(7, nil, t0.Add(300*time.Millisecond)); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got := len(host.written()); got != 2 {
		t.Fatalf("expired request not reissued, requests=%d", got)
	}
	if _, err := s.acceptReliable(8, nil, t0.Add(310*time.Millisecond)); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got := len(host.written()); got != 2 {
		t.Fatalf("request inside resend interval, requests=%d", got)
	}
}

func sendReliable(t *testing.T, s *SessionHandle, n int) {
	t.Helper()
	if err := s.ForceReliability(true); err != nil {
		t.Fatalf("force reliability: %v", err)
	}
	for i := 0; i < n; i++ {
		if err := s.SendPacket(protocol.Poke{}); err != nil {
			t.Fatalf("send: %v", err)
		}
		if err := s.LaunchPacket(); err != nil {
			t.Fatalf("launch: %v", err)
		}
	}
}

func TestMissingPacketsReplaysRetainedFrames(t *testing.T) {
	testlog.Start(t)
	host := newFakeHost(t)
	s := newSessionHandle(peerAddr, host, testHandleConfig())
	sendReliable(t, s, 6)
	sent := host.written()

	if _, err := s.readHeader(frame.EncodeMissing(3)); err != nil {
		t.Fatalf("missing: %v", err)
	}
	replayed := host.written()[len(sent):]
	if len(replayed) != 3 {
		t.Fatalf("replayed got=%d want=3", len(replayed))
	}
	for i, dg := range replayed {
		h, _, err := frame.DecodeHeader(dg)
		if err != nil || h.Sequence != int32(3+i) {
			t.Fatalf("replay %d header=%v err=%v", i, h, err)
		}
		if !bytes.Equal(dg, sent[3+i]) {
			t.Fatalf("replay %d differs from original frame", i)
		}
	}
	if host.dropped != 0 {
		t.Fatalf("replayable request dropped the peer")
	}
}

func TestMissingPacketsOutsideWindowKicks(t *testing.T) {
	testlog.Start(t)
	host := newFakeHost(t)
	s := newSessionHandle(peerAddr, host, testHandleConfig())
	sendReliable(t, s, 12)
	before := len(host.written())

	if _, err := s.readHeader(frame.EncodeMissing(1)); err != nil {
		t.Fatalf("missing: %v", err)
	}
	writes := host.written()[before:]
	if len(writes) != 1 {
		t.Fatalf("kick writes got=%d want=1", len(writes))
	}
	h, rest, err := frame.DecodeHeader(writes[0])
	if err != nil || h.Kind != frame.Unreliable {
		t.Fatalf("kick header=%v err=%v", h, err)
	}
	rd, _ := wire.NewBytesReader(rest)
	msg, err := host.reg.ReadMessage(rd)
	if err != nil {
		t.Fatalf("decode kick: %v", err)
	}
	if kick, ok := msg.(protocol.Kick); !ok || kick.Reason != KickReason {
		t.Fatalf("kick got=%#v", msg)
	}
	if host.dropped != 1 {
		t.Fatalf("dropped got=%d want=1", host.dropped)
	}
}

func TestSendPacketBatchesAndSplits(t *testing.T) {
	testlog.Start(t)
	host := newFakeHost(t)
	cfg := testHandleConfig()
	cfg.maxPacketSize = 16
	s := newSessionHandle(peerAddr, host, cfg)

	kick := protocol.Kick{Reason: "abcdef"}
	if err := s.SendPacket(kick); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(host.written()) != 0 {
		t.Fatalf("first message must stay buffered")
	}
	if err := s.SendPacket(kick); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(host.written()) != 1 {
		t.Fatalf("overflow must flush earlier content, writes=%d", len(host.written()))
	}
	if err := s.LaunchPacket(); err != nil {
		t.Fatalf("launch: %v", err)
	}
	if len(host.written()) != 2 {
		t.Fatalf("writes got=%d want=2", len(host.written()))
	}

	err := s.SendPacket(protocol.Kick{Reason: "this reason is far too long"})
	if !errors.Is(err, protocol.ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestForceReliabilityFlushesUnreliableFirst(t *testing.T) {
	testlog.Start(t)
	host := newFakeHost(t)
	s := newSessionHandle(peerAddr, host, testHandleConfig())

	_ = s.SendPacket(protocol.Poke{})
	if err := s.ForceReliability(true); err != nil {
		t.Fatalf("force: %v", err)
	}
	_ = s.SendPacket(protocol.Poke{})
	_ = s.LaunchPacket()

	writes := host.written()
	if len(writes) != 2 || writes[0][0] != frame.Unreliable || writes[1][0] != frame.Reliable {
		t.Fatalf("datagram kinds got=%v", writes)
	}
	if sent, _, _ := s.sequenceState(); sent != 0 {
		t.Fatalf("last sent got=%d want=0", sent)
	}
}

func TestUnknownHeaderIsProtocolViolation(t *testing.T) {
	testlog.Start(t)
	s := newSessionHandle(peerAddr, newFakeHost(t), testHandleConfig())
	if _, err := s.readHeader([]byte{42, 1, 2}); !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestSequenceWrapAround(t *testing.T) {
	testlog.Start(t)
	host := newFakeHost(t)
	s := newSessionHandle(peerAddr, host, testHandleConfig())

	s.lastReceived = math.MaxInt32 - 1
	for _, seq := range []int32{math.MaxInt32, math.MinInt32, math.MinInt32 + 1} {
		rest, err := s.readHeader(reliableDatagram(seq))
		if err != nil || len(rest) != 1 {
			t.Fatalf("seq %d across wrap rest=%v err=%v", seq, rest, err)
		}
	}
	if rest, _ := s.readHeader(reliableDatagram(math.MaxInt32)); rest != nil {
		t.Fatalf("pre-wrap frame accepted as new")
	}
	if len(host.written()) != 0 {
		t.Fatalf("wrap treated as a gap, writes=%v", host.written())
	}

	s.lastSent = math.MaxInt32 - 1
	if err := s.ForceReliability(true); err != nil {
		t.Fatalf("force: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.SendPacket(protocol.Poke{}); err != nil {
			t.Fatalf("send: %v", err)
		}
		if err := s.LaunchPacket(); err != nil {
			t.Fatalf("launch: %v", err)
		}
	}
	if sent, _, _ := s.sequenceState(); sent != math.MinInt32 {
		t.Fatalf("last sent got=%d want=%d", sent, int32(math.MinInt32))
	}

	before := len(host.written())
	s.replay(math.MaxInt32)
	if got := len(host.written()) - before; got != 2 {
		t.Fatalf("replayed frames got=%d want=2", got)
	}
	if host.dropped != 0 {
		t.Fatalf("replay across wrap kicked the peer")
	}
}
