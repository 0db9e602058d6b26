// Package receiver coordinates sessions over one transport: it owns the
// session directory, the message registry and the handler table, and turns
// transport events into session lifecycle changes and handler calls.
package receiver

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/danmuck/packetwire/internal/heartbeat"
	"github.com/danmuck/packetwire/internal/observability"
	"github.com/danmuck/packetwire/internal/protocol"
	"github.com/danmuck/packetwire/internal/session"
	"github.com/danmuck/packetwire/internal/transport"
	"github.com/danmuck/packetwire/internal/transport/tcp"
	"github.com/danmuck/packetwire/internal/transport/udp"
	"github.com/danmuck/packetwire/internal/wire"
	"github.com/rs/zerolog/log"
)

// Config is fixed once the receiver starts.
type Config struct {
	Kind            transport.Kind
	Transport       transport.Config
	Heartbeat       heartbeat.Config
	ProtocolVersion byte
}

func DefaultConfig() Config {
	return Config{
		Kind:      transport.UDPSync,
		Transport: transport.DefaultConfig(),
		Heartbeat: heartbeat.DefaultConfig(),
	}
}

// ProtocolFactory builds the protocol for each new session.
type ProtocolFactory func(cfg Config) session.Protocol

func baseProtocolFactory(cfg Config) session.Protocol {
	return session.NewBaseProtocol(cfg.ProtocolVersion, cfg.Heartbeat)
}

type Receiver struct {
	mu       sync.Mutex
	cfg      Config
	started  bool
	halted   bool
	handle   transport.ReceiverHandle
	factory  ProtocolFactory
	farewell protocol.Message
	done     chan struct{}

	registry *protocol.Registry
	handlers *Handlers

	// Adds and removes share the read side; ForAll takes the write side.
	dirMu    sync.RWMutex
	sessions sync.Map

	openMu sync.Mutex
}

// New builds an unstarted receiver with an empty registry.
func New(cfg Config, factory ProtocolFactory) *Receiver {
	if factory == nil {
		factory = baseProtocolFactory
	}
	return &Receiver{
		cfg:      cfg,
		factory:  factory,
		done:     make(chan struct{}),
		registry: protocol.NewRegistry(),
		handlers: NewHandlers(),
	}
}

// NewBase builds a receiver with the control messages registered, the base
// listener installed and the base session protocol. Halt notifies every
// peer with Disconnect before closing.
func NewBase(cfg Config) (*Receiver, error) {
	r := New(cfg, baseProtocolFactory)
	if err := protocol.RegisterBuiltins(r.registry); err != nil {
		return nil, err
	}
	r.AddListener(BaseListener{})
	r.farewell = protocol.Disconnect{}
	return r, nil
}

// Register adds message type T to r's registry. Both ends must register
// the same types in the same order, before Start.
func Register[T protocol.Message](r *Receiver, decode func(*wire.Reader) (T, error)) (uint32, error) {
	return protocol.Register(r.registry, decode)
}

func (r *Receiver) Registry() *protocol.Registry { return r.registry }

func (r *Receiver) AddListener(l Listener) {
	l.Register(r.handlers)
}

func (r *Receiver) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

func (r *Receiver) configure(apply func(cfg *Config)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("%w: receiver already started", protocol.ErrConfiguration)
	}
	apply(&r.cfg)
	return nil
}

func (r *Receiver) SetMaxPacketSize(size int) error {
	return r.configure(func(cfg *Config) { cfg.Transport.MaxPacketSize = size })
}

func (r *Receiver) SetPacketBufferSize(size int) error {
	return r.configure(func(cfg *Config) { cfg.Transport.PacketBufferSize = size })
}

func (r *Receiver) SetResendInterval(d time.Duration) error {
	return r.configure(func(cfg *Config) { cfg.Transport.ResendInterval = d })
}

func (r *Receiver) SetHeartbeat(hb heartbeat.Config) error {
	if err := hb.Validate(); err != nil {
		return err
	}
	return r.configure(func(cfg *Config) { cfg.Heartbeat = hb })
}

// Start binds the transport and runs its receive loop in the background.
func (r *Receiver) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("%w: receiver already started", protocol.ErrConfiguration)
	}
	if r.halted {
		return fmt.Errorf("%w: receiver halted", protocol.ErrConfiguration)
	}
	if r.registry.Len() == 0 {
		return fmt.Errorf("%w: no message types registered", protocol.ErrConfiguration)
	}
	if err := r.cfg.Heartbeat.Validate(); err != nil {
		return err
	}
	if err := r.cfg.Transport.Validate(r.cfg.Kind); err != nil {
		return err
	}
	r.registry.Freeze()

	var (
		handle transport.ReceiverHandle
		err    error
	)
	if r.cfg.Kind.Datagram() {
		handle, err = udp.Listen(r.cfg.Kind, r.cfg.Transport, r.registry, r)
	} else {
		handle, err = tcp.Listen(r.cfg.Kind, r.cfg.Transport, r.registry, r)
	}
	if err != nil {
		return err
	}
	r.handle = handle
	r.started = true

	log.Info().Str("transport", r.cfg.Kind.String()).Int("port", handle.Port()).Msg("receiver started")
	go func() {
		defer close(r.done)
		if err := handle.Receive(); err != nil {
			log.Error().Str("transport", r.cfg.Kind.String()).Err(err).Msg("receive loop failed")
		}
	}()
	return nil
}

// Done is closed when the receive loop returns.
func (r *Receiver) Done() <-chan struct{} { return r.done }

func (r *Receiver) Port() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handle == nil {
		return 0
	}
	return r.handle.Port()
}

func (r *Receiver) transportHandle() transport.ReceiverHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle
}

// Halt disconnects every session and closes the transport. Halting a
// receiver that never started closes Done immediately and forbids Start.
func (r *Receiver) Halt() {
	r.mu.Lock()
	if r.handle == nil {
		if !r.halted {
			r.halted = true
			close(r.done)
		}
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	farewell := r.farewell
	r.ForAll(func(s *session.Session) bool {
		if farewell != nil {
			_ = s.SendReliably(farewell)
			_ = s.Launch()
		}
		return true
	})
	if h := r.transportHandle(); h != nil {
		if err := h.Close(); err != nil {
			log.Debug().Err(err).Msg("transport close")
		}
	}
}

func (r *Receiver) newSession(h transport.SessionHandle) *session.Session {
	return session.New(h, r.factory(r.Config()), r)
}

func (r *Receiver) store(s *session.Session) {
	r.dirMu.RLock()
	r.sessions.Store(s.Address(), s)
	r.dirMu.RUnlock()
	observability.RecordSessionOpened(r.cfg.Kind.String())
	log.Info().Str("addr", s.String()).Str("session", s.ID().String()).Msg("session opened")
}

// OnConnect registers a peer-initiated session.
func (r *Receiver) OnConnect(h transport.SessionHandle) {
	s := r.newSession(h)
	s.MarkConnected()
	r.store(s)
}

// OnDisconnect removes and disconnects the session backed by h, if any.
func (r *Receiver) OnDisconnect(h transport.SessionHandle) {
	r.dirMu.RLock()
	v, ok := r.sessions.Load(h.Address())
	if ok && v.(*session.Session).Handle() == h {
		ok = r.sessions.CompareAndDelete(h.Address(), v)
	} else {
		ok = false
	}
	r.dirMu.RUnlock()
	if ok {
		v.(*session.Session).Disconnect()
	}
}

// OnReceive dispatches msg to the handlers for its type. Unknown senders
// and unhandled types are logged and dropped.
func (r *Receiver) OnReceive(h transport.SessionHandle, msg protocol.Message) error {
	v, ok := r.sessions.Load(h.Address())
	if !ok {
		log.Warn().Str("addr", h.Address().String()).Err(protocol.ErrLookup).Msgf("message %T from unknown peer", msg)
		return nil
	}
	s := v.(*session.Session)
	name := fmt.Sprintf("%T", msg)
	handled, err := r.handlers.Dispatch(s, msg)
	if !handled {
		log.Warn().Str("addr", s.String()).Str("message", name).Msg("no handlers for message")
		return nil
	}
	observability.RecordDispatch(name, err == nil)
	return err
}

// DisconnectSession drops s from the directory and closes its handle. The
// session calls it once, from its first Disconnect.
func (r *Receiver) DisconnectSession(s *session.Session) {
	r.dirMu.RLock()
	r.sessions.CompareAndDelete(s.Address(), s)
	r.dirMu.RUnlock()
	if h := r.transportHandle(); h != nil {
		h.CloseSession(s.Handle())
	}
	observability.RecordSessionClosed(r.cfg.Kind.String())
	log.Info().Str("addr", s.String()).Str("session", s.ID().String()).Msg("session closed")
}

// OpenConnection returns the session for addr, opening one if needed.
func (r *Receiver) OpenConnection(addr netip.AddrPort) (*session.Session, error) {
	handle := r.transportHandle()
	if handle == nil {
		return nil, fmt.Errorf("%w: receiver not started", protocol.ErrConfiguration)
	}
	addr = transport.NormalizeAddr(addr)

	r.openMu.Lock()
	defer r.openMu.Unlock()
	if s, ok := r.Session(addr); ok {
		return s, nil
	}
	h, err := handle.OpenSession(addr)
	if err != nil {
		return nil, err
	}
	if s, ok := r.Session(h.Address()); ok {
		return s, nil
	}
	s := r.newSession(h)
	r.store(s)
	s.Connect()
	return s, nil
}

// ForAll disconnects every session for which pred returns true.
func (r *Receiver) ForAll(pred func(s *session.Session) bool) {
	var matched []*session.Session
	r.dirMu.Lock()
	r.sessions.Range(func(key, value any) bool {
		s := value.(*session.Session)
		if pred(s) {
			r.sessions.Delete(key)
			matched = append(matched, s)
		}
		return true
	})
	r.dirMu.Unlock()

	for _, s := range matched {
		s.Disconnect()
	}
}

func (r *Receiver) Session(addr netip.AddrPort) (*session.Session, bool) {
	v, ok := r.sessions.Load(transport.NormalizeAddr(addr))
	if !ok {
		return nil, false
	}
	return v.(*session.Session), true
}

// Sessions returns a snapshot of the directory.
func (r *Receiver) Sessions() []*session.Session {
	var out []*session.Session
	r.sessions.Range(func(_, value any) bool {
		out = append(out, value.(*session.Session))
		return true
	})
	return out
}

func (r *Receiver) Len() int {
	n := 0
	r.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
