package receiver

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/danmuck/packetwire/internal/protocol"
	"github.com/danmuck/packetwire/internal/session"
)

// Handler is one callback for a received message.
type Handler func(s *session.Session, msg protocol.Message) error

// Listener installs its handlers into a dispatch table.
type Listener interface {
	Register(h *Handlers)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(h *Handlers)

func (f ListenerFunc) Register(h *Handlers) { f(h) }

// Handlers maps message types to callbacks in registration order.
type Handlers struct {
	mu    sync.RWMutex
	table map[reflect.Type][]Handler
}

func NewHandlers() *Handlers {
	return &Handlers{table: make(map[reflect.Type][]Handler)}
}

// On appends a typed handler for T.
func On[T protocol.Message](h *Handlers, fn func(s *session.Session, msg T) error) {
	h.Add(reflect.TypeOf((*T)(nil)).Elem(), func(s *session.Session, msg protocol.Message) error {
		typed, ok := msg.(T)
		if !ok {
			return fmt.Errorf("%w: handler for %v got %T", protocol.ErrHandlerFailure, reflect.TypeOf((*T)(nil)).Elem(), msg)
		}
		return fn(s, typed)
	})
}

func (h *Handlers) Add(typ reflect.Type, fn Handler) {
	if typ == nil || fn == nil {
		return
	}
	h.mu.Lock()
	h.table[typ] = append(h.table[typ], fn)
	h.mu.Unlock()
}

// For returns the handlers registered for typ.
func (h *Handlers) For(typ reflect.Type) []Handler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.table[typ]
}

// Dispatch runs every handler for msg in order and stops at the first
// error. A panicking handler is reported as an error.
func (h *Handlers) Dispatch(s *session.Session, msg protocol.Message) (handled bool, err error) {
	list := h.For(reflect.TypeOf(msg))
	if len(list) == 0 {
		return false, nil
	}
	for i, fn := range list {
		if err := invoke(fn, s, msg); err != nil {
			return true, fmt.Errorf("%w: %T handler %d: %v", protocol.ErrHandlerFailure, msg, i, err)
		}
	}
	return true, nil
}

func invoke(fn Handler, s *session.Session, msg protocol.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s, msg)
}
