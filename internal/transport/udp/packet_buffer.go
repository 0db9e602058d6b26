package udp

// Frame is one retained reliable datagram.
type Frame struct {
	Sequence int32
	Data     []byte
}

// PacketBuffer is a fixed-capacity ring of recently sent reliable frames.
// Pushing into a full buffer evicts the oldest frame. It is not safe for
// concurrent use; the owning session handle serializes access.
type PacketBuffer struct {
	buf     []Frame
	readIdx int
	len     int
}

func NewPacketBuffer(capacity int) *PacketBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &PacketBuffer{buf: make([]Frame, capacity)}
}

func (b *PacketBuffer) Cap() int { return len(b.buf) }
func (b *PacketBuffer) Len() int { return b.len }

func (b *PacketBuffer) Push(seq int32, data []byte) {
	size := len(b.buf)
	if b.len == size {
		b.buf[b.readIdx] = Frame{}
		b.readIdx = (b.readIdx + 1) % size
		b.len--
	}
	b.buf[(b.readIdx+b.len)%size] = Frame{Sequence: seq, Data: data}
	b.len++
}

// Oldest returns the oldest retained frame.
func (b *PacketBuffer) Oldest() (Frame, bool) {
	if b.len == 0 {
		return Frame{}, false
	}
	return b.buf[b.readIdx], true
}

// Each visits frames oldest to newest until fn returns false.
func (b *PacketBuffer) Each(fn func(Frame) bool) {
	for i := 0; i < b.len; i++ {
		if !fn(b.buf[(b.readIdx+i)%len(b.buf)]) {
			return
		}
	}
}

func (b *PacketBuffer) Clear() {
	clear(b.buf)
	b.readIdx = 0
	b.len = 0
}
