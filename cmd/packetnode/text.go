package main

import (
	"github.com/danmuck/packetwire/internal/receiver"
	"github.com/danmuck/packetwire/internal/session"
	"github.com/danmuck/packetwire/internal/wire"
)

// Text is the demo application message.
type Text struct {
	Body string
}

func (m Text) Send(w *wire.Writer) { w.WriteString(m.Body) }

func readText(r *wire.Reader) (Text, error) {
	body, err := r.ReadString()
	return Text{Body: body}, err
}

// echoListener answers every Text with the same body.
var echoListener = receiver.ListenerFunc(func(h *receiver.Handlers) {
	receiver.On(h, func(s *session.Session, m Text) error {
		if err := s.SendReliably(m); err != nil {
			return err
		}
		return s.Launch()
	})
})

func collectListener(out chan<- string) receiver.Listener {
	return receiver.ListenerFunc(func(h *receiver.Handlers) {
		receiver.On(h, func(_ *session.Session, m Text) error {
			select {
			case out <- m.Body:
			default:
			}
			return nil
		})
	})
}
