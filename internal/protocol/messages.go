package protocol

import "github.com/danmuck/packetwire/internal/wire"

// Connect opens a session and announces the sender's protocol version.
type Connect struct {
	Version byte
}

func (m Connect) Send(w *wire.Writer) { w.WriteUint8(m.Version) }

func ReadConnect(r *wire.Reader) (Connect, error) {
	v, err := r.ReadUint8()
	return Connect{Version: v}, err
}

// InvalidProtocol rejects a Connect and carries the version the receiver
// expected.
type InvalidProtocol struct {
	Expected byte
}

func (m InvalidProtocol) Send(w *wire.Writer) { w.WriteUint8(m.Expected) }

func ReadInvalidProtocol(r *wire.Reader) (InvalidProtocol, error) {
	v, err := r.ReadUint8()
	return InvalidProtocol{Expected: v}, err
}

// Disconnect announces an orderly close.
type Disconnect struct{}

func (Disconnect) Send(*wire.Writer) {}

func ReadDisconnect(*wire.Reader) (Disconnect, error) { return Disconnect{}, nil }

// Kick announces a forced close with a reason.
type Kick struct {
	Reason string
}

func (m Kick) Send(w *wire.Writer) { w.WriteString(m.Reason) }

func ReadKick(r *wire.Reader) (Kick, error) {
	reason, err := r.ReadString()
	return Kick{Reason: reason}, err
}

// Poke is the keep-alive signal.
type Poke struct{}

func (Poke) Send(*wire.Writer) {}

func ReadPoke(*wire.Reader) (Poke, error) { return Poke{}, nil }

// RegisterBuiltins registers the control messages in their fixed order.
func RegisterBuiltins(r *Registry) error {
	if _, err := Register(r, ReadConnect); err != nil {
		return err
	}
	if _, err := Register(r, ReadInvalidProtocol); err != nil {
		return err
	}
	if _, err := Register(r, ReadDisconnect); err != nil {
		return err
	}
	if _, err := Register(r, ReadKick); err != nil {
		return err
	}
	if _, err := Register(r, ReadPoke); err != nil {
		return err
	}
	return nil
}
