package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Datagram header kinds.
const (
	Unreliable     byte = 11
	Reliable       byte = 12
	MissingPackets byte = 13
)

const (
	KindLen     = 1
	SequenceLen = 4
)

var (
	ErrShortHeader = errors.New("frame: short datagram header")
	ErrUnknownKind = errors.New("frame: unknown header kind")
)

// Header is the leading part of every reliable-UDP datagram. Sequence is
// meaningful for Reliable and MissingPackets only.
type Header struct {
	Kind     byte
	Sequence int32
}

// Len returns the encoded header length.
func (h Header) Len() int {
	if h.Kind == Unreliable {
		return KindLen
	}
	return KindLen + SequenceLen
}

func (h Header) String() string {
	switch h.Kind {
	case Unreliable:
		return "unreliable"
	case Reliable:
		return fmt.Sprintf("reliable(%d)", h.Sequence)
	case MissingPackets:
		return fmt.Sprintf("missing(%d)", h.Sequence)
	default:
		return fmt.Sprintf("unknown(%d)", h.Kind)
	}
}

// AppendHeader appends the encoded header to buf.
func AppendHeader(buf []byte, h Header) []byte {
	buf = append(buf, h.Kind)
	if h.Kind != Unreliable {
		buf = binary.BigEndian.AppendUint32(buf, uint32(h.Sequence))
	}
	return buf
}

func EncodeHeader(h Header) []byte {
	return AppendHeader(make([]byte, 0, h.Len()), h)
}

// EncodeMissing builds a complete MissingPackets datagram.
func EncodeMissing(sequence int32) []byte {
	return EncodeHeader(Header{Kind: MissingPackets, Sequence: sequence})
}

// DecodeHeader parses the header at the start of b and returns the remaining
// payload.
func DecodeHeader(b []byte) (Header, []byte, error) {
	if len(b) < KindLen {
		return Header{}, nil, ErrShortHeader
	}
	h := Header{Kind: b[0]}
	switch h.Kind {
	case Unreliable:
		return h, b[KindLen:], nil
	case Reliable, MissingPackets:
		if len(b) < KindLen+SequenceLen {
			return Header{}, nil, ErrShortHeader
		}
		h.Sequence = int32(binary.BigEndian.Uint32(b[KindLen : KindLen+SequenceLen]))
		return h, b[KindLen+SequenceLen:], nil
	default:
		return Header{}, nil, fmt.Errorf("%w: %d", ErrUnknownKind, h.Kind)
	}
}
