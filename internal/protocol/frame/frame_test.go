package frame

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/packetwire/internal/testutil/testlog"
)

func TestHeaderRoundTrip(t *testing.T) {
	testlog.Start(t)
	for _, h := range []Header{
		{Kind: Unreliable},
		{Kind: Reliable, Sequence: 0},
		{Kind: Reliable, Sequence: 1 << 30},
		{Kind: MissingPackets, Sequence: 7},
	} {
		buf := append(EncodeHeader(h), 0xAA, 0xBB)
		got, rest, err := DecodeHeader(buf)
		if err != nil {
			t.Fatalf("decode %v: %v", h, err)
		}
		if got != h {
			t.Fatalf("header mismatch got=%v want=%v", got, h)
		}
		if !bytes.Equal(rest, []byte{0xAA, 0xBB}) {
			t.Fatalf("payload mismatch for %v: %v", h, rest)
		}
	}
}

func TestWireBytes(t *testing.T) {
	testlog.Start(t)
	got := EncodeMissing(2)
	want := []byte{13, 0, 0, 0, 2}
	if !bytes.Equal(got, want) {
		t.Fatalf("missing datagram got=%v want=%v", got, want)
	}
	got = EncodeHeader(Header{Kind: Reliable, Sequence: 258})
	want = []byte{12, 0, 0, 1, 2}
	if !bytes.Equal(got, want) {
		t.Fatalf("reliable header got=%v want=%v", got, want)
	}
}

func TestDecodeHeaderErrors(t *testing.T) {
	testlog.Start(t)
	if _, _, err := DecodeHeader(nil); !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
	if _, _, err := DecodeHeader([]byte{Reliable, 0, 1}); !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader for truncated sequence, got %v", err)
	}
	if _, _, err := DecodeHeader([]byte{99}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}
