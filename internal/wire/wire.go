// Package wire owns the binary cursor primitives used by message encoders.
//
// All multi-byte integers are big-endian. Strings and byte slices carry a
// uvarint length prefix.
package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// MaxStringLen bounds decoded string and byte-slice lengths.
const MaxStringLen = 1 << 20

var (
	ErrTruncated     = errors.New("wire: truncated data")
	ErrLengthTooLong = errors.New("wire: length prefix too long")
	ErrInvalidBool   = errors.New("wire: invalid bool value")
)

// Writer appends encoded values to a growable buffer.
type Writer struct {
	buf []byte
}

func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

func (w *Writer) WriteUint8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *Writer) WriteInt8(v int8) {
	w.buf = append(w.buf, byte(v))
}

func (w *Writer) WriteUint16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *Writer) WriteUint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *Writer) WriteInt32(v int32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v))
}

func (w *Writer) WriteUint64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *Writer) WriteBool(v bool) {
	b := byte(0)
	if v {
		b = 1
	}
	w.buf = append(w.buf, b)
}

func (w *Writer) WriteBytes(v []byte) {
	w.buf = binary.AppendUvarint(w.buf, uint64(len(v)))
	w.buf = append(w.buf, v...)
}

func (w *Writer) WriteString(v string) {
	w.buf = binary.AppendUvarint(w.buf, uint64(len(v)))
	w.buf = append(w.buf, v...)
}

// WriteRaw appends b without a length prefix.
func (w *Writer) WriteRaw(b []byte) {
	w.buf = append(w.buf, b...)
}

// Len reports the number of buffered bytes.
func (w *Writer) Len() int {
	return len(w.buf)
}

// Bytes returns the buffered bytes. The slice aliases the writer until the
// next write or Reset.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Copy returns a detached copy of the buffered bytes.
func (w *Writer) Copy() []byte {
	out := make([]byte, len(w.buf))
	copy(out, w.buf)
	return out
}

// Truncate drops everything after the first n bytes.
func (w *Writer) Truncate(n int) {
	if n < 0 || n > len(w.buf) {
		return
	}
	w.buf = w.buf[:n]
}

func (w *Writer) Reset() {
	w.buf = w.buf[:0]
}

// Reader decodes values from a byte source.
type Reader struct {
	r       io.ByteReader
	src     io.Reader
	scratch [8]byte
}

// NewReader wraps r. Readers that are not already io.ByteReaders are
// buffered.
func NewReader(r io.Reader) *Reader {
	br, ok := r.(io.ByteReader)
	if !ok {
		b := bufio.NewReader(r)
		return &Reader{r: b, src: b}
	}
	return &Reader{r: br, src: r}
}

// NewBytesReader returns a Reader over b and the underlying bytes.Reader, so
// callers can check how much of a datagram remains.
func NewBytesReader(b []byte) (*Reader, *bytes.Reader) {
	br := bytes.NewReader(b)
	return &Reader{r: br, src: br}, br
}

func (r *Reader) fill(n int) ([]byte, error) {
	buf := r.scratch[:n]
	if _, err := io.ReadFull(r.src, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}
	return buf, nil
}

func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.r.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, ErrTruncated
		}
		return 0, err
	}
	return b, nil
}

func (r *Reader) ReadInt8() (int8, error) {
	b, err := r.ReadUint8()
	return int8(b), err
}

func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.fill(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.fill(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.fill(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *Reader) ReadBool() (bool, error) {
	b, err := r.ReadUint8()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, ErrInvalidBool
	}
}

func (r *Reader) readLength() (int, error) {
	n, err := binary.ReadUvarint(r.r)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, ErrTruncated
		}
		return 0, err
	}
	if n > MaxStringLen {
		return 0, ErrLengthTooLong
	}
	return int(n), nil
}

func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.readLength()
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if n == 0 {
		return out, nil
	}
	if _, err := io.ReadFull(r.src, out); err != nil {
		return nil, ErrTruncated
	}
	return out, nil
}

func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
