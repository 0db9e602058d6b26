package tcp

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/packetwire/internal/protocol"
	"github.com/danmuck/packetwire/internal/testutil/testlog"
	"github.com/danmuck/packetwire/internal/transport"
)

type recorder struct {
	mu     sync.Mutex
	log    []string
	notify chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 256)}
}

func (r *recorder) add(entry string) {
	r.mu.Lock()
	r.log = append(r.log, entry)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *recorder) OnConnect(transport.SessionHandle)    { r.add("connect") }
func (r *recorder) OnDisconnect(transport.SessionHandle) { r.add("disconnect") }

func (r *recorder) OnReceive(_ transport.SessionHandle, msg protocol.Message) error {
	if kick, ok := msg.(protocol.Kick); ok {
		r.add(kick.Reason)
		return nil
	}
	r.add(fmt.Sprintf("%T", msg))
	return nil
}

func (r *recorder) waitFor(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		r.mu.Lock()
		if len(r.log) >= n {
			out := append([]string(nil), r.log...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		select {
		case <-r.notify:
		case <-deadline:
			r.mu.Lock()
			defer r.mu.Unlock()
			t.Fatalf("events got=%v want %d entries", r.log, n)
			return nil
		}
	}
}

func startReceiver(t *testing.T, kind transport.Kind, events transport.Events) *Receiver {
	t.Helper()
	reg := protocol.NewRegistry()
	if err := protocol.RegisterBuiltins(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	return startReceiverWith(t, kind, reg, events)
}

func startReceiverWith(t *testing.T, kind transport.Kind, reg *protocol.Registry, events transport.Events) *Receiver {
	t.Helper()
	reg.Freeze()
	cfg := transport.DefaultConfig()
	cfg.Host = "127.0.0.1"
	r, err := Listen(kind, cfg, reg, events)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := r.Receive(); err != nil {
			t.Errorf("receive: %v", err)
		}
	}()
	t.Cleanup(func() {
		_ = r.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Errorf("receive did not return after close")
		}
	})
	return r
}

func serverAddr(r *Receiver) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(r.Port()))
}

func TestStreamDeliveryAndDisconnect(t *testing.T) {
	for _, kind := range []transport.Kind{transport.TCPSync, transport.TCPAsync} {
		t.Run(kind.String(), func(t *testing.T) {
			testlog.Start(t)
			serverEvents := newRecorder()
			server := startReceiver(t, kind, serverEvents)
			client := startReceiver(t, kind, newRecorder())

			h, err := client.OpenSession(serverAddr(server))
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if again, _ := client.OpenSession(serverAddr(server)); again != h {
				t.Fatalf("open session must be idempotent")
			}
			for _, reason := range []string{"one", "two", "three"} {
				if err := h.SendPacket(protocol.Kick{Reason: reason}); err != nil {
					t.Fatalf("send: %v", err)
				}
			}
			if err := h.LaunchPacket(); err != nil {
				t.Fatalf("launch: %v", err)
			}
			got := serverEvents.waitFor(t, 4)
			want := []string{"connect", "one", "two", "three"}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("events got=%v want=%v", got, want)
				}
			}

			client.CloseSession(h)
			got = serverEvents.waitFor(t, 5)
			if got[4] != "disconnect" {
				t.Fatalf("expected disconnect, events=%v", got)
			}
			time.Sleep(100 * time.Millisecond)
			serverEvents.mu.Lock()
			n := len(serverEvents.log)
			serverEvents.mu.Unlock()
			if n != 5 {
				t.Fatalf("disconnect reported more than once, events=%v", serverEvents.log)
			}
			if _, ok := client.Session(serverAddr(server)); ok {
				t.Fatalf("closed handle still in directory")
			}
		})
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	testlog.Start(t)
	server := startReceiver(t, transport.TCPSync, newRecorder())
	client := startReceiver(t, transport.TCPSync, newRecorder())
	h, err := client.OpenSession(serverAddr(server))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = h.Close()
	if err := h.SendPacket(protocol.Poke{}); !errors.Is(err, protocol.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestOversizedMessageRejected(t *testing.T) {
	testlog.Start(t)
	server := startReceiver(t, transport.TCPAsync, newRecorder())
	client := startReceiver(t, transport.TCPAsync, newRecorder())
	h, err := client.OpenSession(serverAddr(server))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	big := make([]byte, transport.DefaultConfig().MaxPacketSize+1)
	if err := h.SendPacket(protocol.Kick{Reason: string(big)}); !errors.Is(err, protocol.ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestDialFailureIsTransportError(t *testing.T) {
	testlog.Start(t)
	reg := protocol.NewRegistry()
	_ = protocol.RegisterBuiltins(reg)
	cfg := transport.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.DialAttempts = 2
	cfg.Backoff.InitialDelay = 10 * time.Millisecond
	cfg.Backoff.Jitter = false
	r, err := Listen(transport.TCPSync, cfg, reg, newRecorder())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := r.Port()
	_ = r.Close()

	client := startReceiver(t, transport.TCPSync, newRecorder())
	client.cfg.DialAttempts = 2
	client.cfg.Backoff = cfg.Backoff
	_, err = client.OpenSession(netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(port)))
	if !errors.Is(err, protocol.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestZeroWidthMessageWithTrailingByteClosesStream(t *testing.T) {
	for _, kind := range []transport.Kind{transport.TCPSync, transport.TCPAsync} {
		t.Run(kind.String(), func(t *testing.T) {
			testlog.Start(t)
			reg := protocol.NewRegistry()
			if _, err := protocol.Register(reg, protocol.ReadPoke); err != nil {
				t.Fatalf("register: %v", err)
			}
			events := newRecorder()
			server := startReceiverWith(t, kind, reg, events)

			conn, err := net.Dial("tcp", serverAddr(server).String())
			if err != nil {
				t.Fatalf("dial: %v", err)
			}
			defer conn.Close()
			if _, err := conn.Write([]byte{0x00}); err != nil {
				t.Fatalf("write: %v", err)
			}

			got := events.waitFor(t, 2)
			if got[0] != "connect" || got[1] != "disconnect" {
				t.Fatalf("events got=%v want=[connect disconnect]", got)
			}
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			if _, err := conn.Read(make([]byte, 1)); err == nil {
				t.Fatalf("stream still open after violation")
			}
		})
	}
}

// overlapRecorder measures how many OnReceive calls run at once.
type overlapRecorder struct {
	inFlight atomic.Int32
	peak     atomic.Int32
	total    atomic.Int32

	mu    sync.Mutex
	bySrc map[netip.AddrPort][]string
	pause time.Duration
}

func (r *overlapRecorder) OnConnect(transport.SessionHandle)    {}
func (r *overlapRecorder) OnDisconnect(transport.SessionHandle) {}

func (r *overlapRecorder) OnReceive(h transport.SessionHandle, msg protocol.Message) error {
	n := r.inFlight.Add(1)
	for {
		peak := r.peak.Load()
		if n <= peak || r.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if kick, ok := msg.(protocol.Kick); ok {
		r.mu.Lock()
		r.bySrc[h.Address()] = append(r.bySrc[h.Address()], kick.Reason)
		r.mu.Unlock()
	}
	time.Sleep(r.pause)
	r.inFlight.Add(-1)
	r.total.Add(1)
	return nil
}

func TestDispatchSerialization(t *testing.T) {
	cases := []struct {
		kind   transport.Kind
		serial bool
	}{
		{transport.TCPSync, true},
		{transport.TCPAsync, false},
	}
	for _, tc := range cases {
		t.Run(tc.kind.String(), func(t *testing.T) {
			testlog.Start(t)
			events := &overlapRecorder{bySrc: make(map[netip.AddrPort][]string), pause: 30 * time.Millisecond}
			server := startReceiver(t, tc.kind, events)

			const perClient = 5
			var wg sync.WaitGroup
			for c := 0; c < 2; c++ {
				client := startReceiver(t, tc.kind, newRecorder())
				h, err := client.OpenSession(serverAddr(server))
				if err != nil {
					t.Fatalf("open: %v", err)
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < perClient; i++ {
						_ = h.SendPacket(protocol.Kick{Reason: fmt.Sprint(i)})
						_ = h.LaunchPacket()
					}
				}()
			}
			wg.Wait()

			deadline := time.Now().Add(3 * time.Second)
			for events.total.Load() < 2*perClient {
				if time.Now().After(deadline) {
					t.Fatalf("dispatched got=%d want=%d", events.total.Load(), 2*perClient)
				}
				time.Sleep(10 * time.Millisecond)
			}

			peak := events.peak.Load()
			if tc.serial && peak != 1 {
				t.Fatalf("concurrent dispatches got=%d want=1", peak)
			}
			if !tc.serial && peak < 2 {
				t.Fatalf("concurrent dispatches got=%d want>=2", peak)
			}

			events.mu.Lock()
			defer events.mu.Unlock()
			if len(events.bySrc) != 2 {
				t.Fatalf("sessions got=%d want=2", len(events.bySrc))
			}
			for addr, reasons := range events.bySrc {
				for i, reason := range reasons {
					if reason != fmt.Sprint(i) {
						t.Fatalf("order from %v got=%v", addr, reasons)
					}
				}
			}
		})
	}
}
