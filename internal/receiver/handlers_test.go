package receiver

import (
	"errors"
	"testing"

	"github.com/danmuck/packetwire/internal/protocol"
	"github.com/danmuck/packetwire/internal/session"
	"github.com/danmuck/packetwire/internal/testutil/testlog"
)

func TestDispatchRunsInRegistrationOrder(t *testing.T) {
	testlog.Start(t)
	h := NewHandlers()
	var calls []string
	On(h, func(_ *session.Session, m protocol.Kick) error {
		calls = append(calls, "first:"+m.Reason)
		return nil
	})
	ListenerFunc(func(h *Handlers) {
		On(h, func(_ *session.Session, m protocol.Kick) error {
			calls = append(calls, "second:"+m.Reason)
			return nil
		})
	}).Register(h)

	handled, err := h.Dispatch(nil, protocol.Kick{Reason: "x"})
	if !handled || err != nil {
		t.Fatalf("dispatch handled=%v err=%v", handled, err)
	}
	if len(calls) != 2 || calls[0] != "first:x" || calls[1] != "second:x" {
		t.Fatalf("calls got=%v", calls)
	}
}

func TestDispatchFailsFast(t *testing.T) {
	testlog.Start(t)
	h := NewHandlers()
	boom := errors.New("boom")
	ran := false
	On(h, func(*session.Session, protocol.Poke) error { return boom })
	On(h, func(*session.Session, protocol.Poke) error {
		ran = true
		return nil
	})

	_, err := h.Dispatch(nil, protocol.Poke{})
	if !errors.Is(err, protocol.ErrHandlerFailure) {
		t.Fatalf("expected ErrHandlerFailure, got %v", err)
	}
	if ran {
		t.Fatalf("handler after failure ran")
	}
}

func TestDispatchRecoversPanics(t *testing.T) {
	testlog.Start(t)
	h := NewHandlers()
	On(h, func(*session.Session, protocol.Poke) error { panic("bad handler") })
	if _, err := h.Dispatch(nil, protocol.Poke{}); !errors.Is(err, protocol.ErrHandlerFailure) {
		t.Fatalf("expected ErrHandlerFailure, got %v", err)
	}
}

func TestDispatchWithoutHandlers(t *testing.T) {
	testlog.Start(t)
	handled, err := NewHandlers().Dispatch(nil, protocol.Poke{})
	if handled || err != nil {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
}
