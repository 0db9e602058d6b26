// Package tcp implements the stream transport. Every connection has its own
// read goroutine; the sync kind funnels all events through one queue drained
// by Receive, the async kind dispatches from each read goroutine.
package tcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/packetwire/internal/protocol"
	"github.com/danmuck/packetwire/internal/transport"
	"github.com/danmuck/packetwire/internal/wire"
	"github.com/rs/zerolog/log"
)

const queueDepth = 1024

type eventKind int

const (
	eventConnect eventKind = iota
	eventReceive
	eventDisconnect
)

type event struct {
	kind   eventKind
	handle *SessionHandle
	msg    protocol.Message
}

type Receiver struct {
	cfg      transport.Config
	async    bool
	reg      *protocol.Registry
	events   transport.Events
	listener *net.TCPListener

	mu       sync.Mutex
	sessions map[netip.AddrPort]*SessionHandle

	queue     chan event
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	acceptErr error
	wg        sync.WaitGroup
	rng       *rand.Rand
}

// Listen binds the listener described by cfg.
func Listen(kind transport.Kind, cfg transport.Config, reg *protocol.Registry, events transport.Events) (*Receiver, error) {
	if kind.Datagram() {
		return nil, fmt.Errorf("%w: %s is not a stream transport", protocol.ErrConfiguration, kind)
	}
	if err := cfg.Validate(kind); err != nil {
		return nil, err
	}
	addr, err := net.ResolveTCPAddr("tcp", cfg.ListenAddr())
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", protocol.ErrConfiguration, cfg.ListenAddr(), err)
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", protocol.ErrTransport, cfg.ListenAddr(), err)
	}
	return &Receiver{
		cfg:      cfg,
		async:    kind.Async(),
		reg:      reg,
		events:   events,
		listener: ln,
		sessions: make(map[netip.AddrPort]*SessionHandle),
		queue:    make(chan event, queueDepth),
		done:     make(chan struct{}),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (r *Receiver) Port() int {
	return r.listener.Addr().(*net.TCPAddr).Port
}

// OpenSession dials addr, retrying with backoff, unless a handle for addr
// already exists.
func (r *Receiver) OpenSession(addr netip.AddrPort) (transport.SessionHandle, error) {
	addr = transport.NormalizeAddr(addr)
	if h, ok := r.Session(addr); ok {
		return h, nil
	}
	if r.closed.Load() {
		return nil, fmt.Errorf("%w: receiver closed", protocol.ErrTransport)
	}

	conn, err := r.dial(addr)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.sessions[addr]; ok {
		r.mu.Unlock()
		_ = conn.Close()
		return existing, nil
	}
	if r.closed.Load() {
		r.mu.Unlock()
		_ = conn.Close()
		return nil, fmt.Errorf("%w: receiver closed", protocol.ErrTransport)
	}
	h := newSessionHandle(conn, addr, r.reg, r.cfg.MaxPacketSize)
	r.sessions[addr] = h
	r.wg.Add(1)
	r.mu.Unlock()

	go r.readLoop(h)
	return h, nil
}

func (r *Receiver) dial(addr netip.AddrPort) (net.Conn, error) {
	attempts := r.cfg.DialAttempts
	if attempts < 1 {
		attempts = 1
	}
	dialer := net.Dialer{Timeout: r.cfg.DialTimeout}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-r.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		conn, err := dialer.DialContext(ctx, "tcp", addr.String())
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt == attempts || r.closed.Load() {
			break
		}
		delay := transport.NextBackoffDelay(r.cfg.Backoff, attempt, r.rng)
		log.Debug().Str("addr", addr.String()).Int("attempt", attempt).Dur("retry_in", delay).Err(err).Msg("dial failed")
		select {
		case <-time.After(delay):
		case <-r.done:
			return nil, fmt.Errorf("%w: receiver closed", protocol.ErrTransport)
		}
	}
	return nil, fmt.Errorf("%w: dial %s: %v", protocol.ErrTransport, addr, lastErr)
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
	r.remove(h)
	_ = h.Close()
}

func (r *Receiver) remove(h *SessionHandle) {
	r.mu.Lock()
	if cur, ok := r.sessions[h.addr]; ok && cur == h {
		delete(r.sessions, h.addr)
	}
	r.mu.Unlock()
}

// Receive accepts connections until Close. In sync mode the calling
// goroutine dispatches every event; in async mode it only waits.
func (r *Receiver) Receive() error {
	r.wg.Add(1)
	go r.acceptLoop()

	if r.async {
		<-r.done
	} else {
		r.drain()
	}
	r.wg.Wait()
	return r.acceptErr
}

func (r *Receiver) drain() {
	for {
		select {
		case <-r.done:
			return
		case ev := <-r.queue:
			r.dispatch(ev)
		}
	}
}

func (r *Receiver) dispatch(ev event) {
	switch ev.kind {
	case eventConnect:
		r.events.OnConnect(ev.handle)
	case eventDisconnect:
		r.events.OnDisconnect(ev.handle)
	default:
		if err := r.events.OnReceive(ev.handle, ev.msg); err != nil {
			log.Error().Str("addr", ev.handle.addr.String()).Err(err).Msg("dispatch failed")
		}
	}
}

// post delivers ev directly in async mode or through the queue in sync
// mode. It returns false once the receiver is closed.
func (r *Receiver) post(ev event) bool {
	if r.async {
		r.dispatch(ev)
		return true
	}
	select {
	case r.queue <- ev:
		return true
	case <-r.done:
		return false
	}
}

func (r *Receiver) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.listener.AcceptTCP()
		if err != nil {
			if r.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			log.Error().Err(err).Msg("tcp accept failed")
			r.acceptErr = fmt.Errorf("%w: accept: %v", protocol.ErrTransport, err)
			go r.Close()
			return
		}

		addr := transport.NormalizeAddr(conn.RemoteAddr().(*net.TCPAddr).AddrPort())
		h := newSessionHandle(conn, addr, r.reg, r.cfg.MaxPacketSize)

		r.mu.Lock()
		old := r.sessions[addr]
		r.sessions[addr] = h
		r.wg.Add(1)
		r.mu.Unlock()

		if old != nil {
			_ = old.shutdown()
			if old.claimDisconnect() {
				r.post(event{kind: eventDisconnect, handle: old})
			}
		}
		if !r.post(event{kind: eventConnect, handle: h}) {
			r.wg.Done()
			_ = h.Close()
			return
		}
		go r.readLoop(h)
	}
}

func (r *Receiver) readLoop(h *SessionHandle) {
	defer r.wg.Done()
	src := &countingReader{r: h.reader}
	rd := wire.NewReader(src)
	for {
		if _, err := h.reader.Peek(1); err != nil {
			break
		}
		before := src.n
		msg, err := r.reg.ReadMessage(rd)
		if err != nil {
			if !h.closed.Load() {
				log.Warn().Str("addr", h.addr.String()).Err(err).Msg("closing stream after bad message")
			}
			break
		}
		if src.n == before {
			log.Warn().
				Str("addr", h.addr.String()).
				Err(protocol.ErrProtocolViolation).
				Msg("message consumed no bytes, closing stream")
			break
		}
		if !r.post(event{kind: eventReceive, handle: h, msg: msg}) {
			break
		}
	}

	r.remove(h)
	_ = h.shutdown()
	if h.claimDisconnect() && !r.closed.Load() {
		r.post(event{kind: eventDisconnect, handle: h})
	}
}

// countingReader tracks how many bytes the decoder has taken from a stream.
type countingReader struct {
	r *bufio.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

// Close is idempotent. It stops the listener and every connection and wakes
// Receive.
func (r *Receiver) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.done)
		err = r.listener.Close()

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
