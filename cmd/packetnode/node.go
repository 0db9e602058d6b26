package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/danmuck/packetwire/internal/admin"
	"github.com/danmuck/packetwire/internal/config"
	"github.com/danmuck/packetwire/internal/receiver"
	"github.com/rs/zerolog/log"
)

func newNode(cfg receiver.Config, listeners ...receiver.Listener) (*receiver.Receiver, error) {
	r, err := receiver.NewBase(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := receiver.Register(r, readText); err != nil {
		return nil, fmt.Errorf("register text: %w", err)
	}
	for _, l := range listeners {
		r.AddListener(l)
	}
	if err := r.Start(); err != nil {
		return nil, err
	}
	return r, nil
}

func stopNode(r *receiver.Receiver) {
	r.Halt()
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		log.Warn().Msg("receiver did not stop in time")
	}
}

// serve runs an echo node until ctx is cancelled.
func serve(ctx context.Context, cfg config.NodeConfig) error {
	node, err := newNode(cfg.Receiver, echoListener)
	if err != nil {
		return err
	}
	log.Info().
		Str("node", cfg.ID).
		Str("transport", cfg.Receiver.Kind.String()).
		Int("port", node.Port()).
		Msg("packetnode serving")

	var srv *admin.Server
	adminErr := make(chan error, 1)
	if cfg.AdminAddr != "" {
		srv = admin.New(cfg.ID, cfg.AdminAddr, cfg.Receiver.Kind.String(), node, cfg.CorsOrigins)
		srv.SetToken(cfg.AdminToken)
		go func() { adminErr <- srv.Serve() }()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case <-node.Done():
		runErr = errors.New("receiver stopped unexpectedly")
	case err := <-adminErr:
		if err != nil {
			runErr = fmt.Errorf("admin server: %w", err)
		}
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("admin shutdown failed")
		}
		cancel()
	}
	stopNode(node)
	log.Info().Str("node", cfg.ID).Msg("packetnode stopped")
	return runErr
}

// sendText opens a session to addr, sends body and waits for its echo.
func sendText(ctx context.Context, cfg receiver.Config, addr netip.AddrPort, body string, timeout time.Duration) (string, error) {
	replies := make(chan string, 1)
	node, err := newNode(cfg, collectListener(replies))
	if err != nil {
		return "", err
	}
	defer stopNode(node)

	s, err := node.OpenConnection(addr)
	if err != nil {
		return "", err
	}
	if err := s.SendReliably(Text{Body: body}); err != nil {
		return "", err
	}
	if err := s.Launch(); err != nil {
		return "", err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-replies:
		return reply, nil
	case <-timer.C:
		return "", fmt.Errorf("no echo from %s within %s", addr, timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
