package protocol

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/danmuck/packetwire/internal/wire"
)

// Message is one typed packet. Send writes the message body; the id prefix is
// written by the Registry.
type Message interface {
	Send(w *wire.Writer)
}

// Decoder reads one message body.
type Decoder func(r *wire.Reader) (Message, error)

type entry struct {
	typ    reflect.Type
	decode Decoder
}

// Registry maps message types to sequential integer ids. Both endpoints must
// register identical messages in identical order.
type Registry struct {
	mu      sync.RWMutex
	frozen  bool
	ids     map[reflect.Type]uint32
	entries []entry
}

func NewRegistry() *Registry {
	return &Registry{
		ids: make(map[reflect.Type]uint32),
	}
}

// Register adds T with the given decoder under the next sequential id.
func Register[T Message](r *Registry, decode func(*wire.Reader) (T, error)) (uint32, error) {
	return r.Add(reflect.TypeOf((*T)(nil)).Elem(), func(rd *wire.Reader) (Message, error) {
		return decode(rd)
	})
}

// Add registers typ under the next sequential id.
func (r *Registry) Add(typ reflect.Type, decode Decoder) (uint32, error) {
	if typ == nil || decode == nil {
		return 0, fmt.Errorf("%w: nil message type or decoder", ErrConfiguration)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return 0, ErrRegistryFrozen
	}
	if _, ok := r.ids[typ]; ok {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateType, typ)
	}
	id := uint32(len(r.entries))
	r.entries = append(r.entries, entry{typ: typ, decode: decode})
	r.ids[typ] = id
	return id, nil
}

// Freeze rejects further registration. Called when the transport starts.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// IDWidth is the number of bytes used for a message id on the wire.
func (r *Registry) IDWidth() int {
	return WidthFor(r.Len())
}

// WidthFor returns the id width for a registry holding count messages.
func WidthFor(count int) int {
	switch {
	case count == 1:
		return 0
	case count <= 1<<8:
		return 1
	case count <= 1<<16:
		return 2
	default:
		return 4
	}
}

// ID returns the registered id of msg's concrete type.
func (r *Registry) ID(msg Message) (uint32, error) {
	typ := reflect.TypeOf(msg)
	r.mu.RLock()
	id, ok := r.ids[typ]
	r.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %v", ErrUnregisteredType, typ)
	}
	return id, nil
}

// Name returns the Go type name registered under id.
func (r *Registry) Name(id uint32) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.entries) {
		return fmt.Sprintf("unknown(%d)", id)
	}
	return r.entries[id].typ.String()
}

func (r *Registry) WriteID(msg Message, w *wire.Writer) error {
	id, err := r.ID(msg)
	if err != nil {
		return err
	}
	switch r.IDWidth() {
	case 0:
	case 1:
		w.WriteUint8(uint8(id))
	case 2:
		w.WriteUint16(uint16(id))
	default:
		w.WriteUint32(id)
	}
	return nil
}

func (r *Registry) ReadID(rd *wire.Reader) (uint32, error) {
	switch r.IDWidth() {
	case 0:
		return 0, nil
	case 1:
		v, err := rd.ReadUint8()
		return uint32(v), err
	case 2:
		v, err := rd.ReadUint16()
		return uint32(v), err
	default:
		return rd.ReadUint32()
	}
}

// Encode writes the message body.
func (r *Registry) Encode(msg Message, w *wire.Writer) {
	msg.Send(w)
}

// WriteMessage writes the id prefix followed by the body.
func (r *Registry) WriteMessage(msg Message, w *wire.Writer) error {
	if err := r.WriteID(msg, w); err != nil {
		return err
	}
	r.Encode(msg, w)
	return nil
}

// Decode reads the body of the message registered under id.
func (r *Registry) Decode(id uint32, rd *wire.Reader) (Message, error) {
	r.mu.RLock()
	if int(id) >= len(r.entries) {
		r.mu.RUnlock()
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageID, id)
	}
	decode := r.entries[id].decode
	r.mu.RUnlock()

	msg, err := decode(rd)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrProtocolViolation, r.Name(id), err)
	}
	return msg, nil
}

// ReadMessage reads an id prefix and the matching body.
func (r *Registry) ReadMessage(rd *wire.Reader) (Message, error) {
	id, err := r.ReadID(rd)
	if err != nil {
		return nil, fmt.Errorf("%w: read id: %v", ErrProtocolViolation, err)
	}
	return r.Decode(id, rd)
}
