package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/packetwire/internal/config"
	"github.com/danmuck/packetwire/internal/logging"
	"github.com/danmuck/packetwire/internal/receiver"
	"github.com/danmuck/packetwire/internal/transport"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func main() {
	logging.ConfigureRuntime()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		log.Error().Err(err).Msg("packetnode failed")
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "packetnode",
		Usage: "Session messaging node over TCP or reliable UDP",
		Commands: []*cli.Command{
			serveCmd(),
			sendCmd(),
			configCmd(),
		},
	}
}

func serveCmd() *cli.Command {
	var path, kind string
	var port int
	return &cli.Command{
		Name:  "serve",
		Usage: "Run an echo node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Destination: &path, EnvVars: []string{"PACKETNODE_CONFIG"}, Usage: "TOML node config"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Destination: &port, Usage: "Listen port, overrides the config"},
			&cli.StringFlag{Name: "transport", Aliases: []string{"t"}, Destination: &kind, Usage: "tcp-sync, tcp-async, udp-sync or udp-async"},
		},
		Action: func(c *cli.Context) error {
			cfg := config.Default()
			if path != "" {
				loaded, err := config.Load(path)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if c.IsSet("port") {
				cfg.Receiver.Transport.Port = port
			}
			if c.IsSet("transport") {
				k, err := transport.ParseKind(kind)
				if err != nil {
					return err
				}
				cfg.Receiver.Kind = k
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			return serve(c.Context, cfg)
		},
	}
}

func sendCmd() *cli.Command {
	var addr, kind, text string
	var timeout time.Duration
	return &cli.Command{
		Name:  "send",
		Usage: "Send one text message and print the echo",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Aliases: []string{"a"}, Destination: &addr, Required: true, Usage: "Node address host:port"},
			&cli.StringFlag{Name: "transport", Aliases: []string{"t"}, Destination: &kind, Value: transport.UDPSync.String()},
			&cli.StringFlag{Name: "text", Destination: &text, Value: "hello"},
			&cli.DurationFlag{Name: "timeout", Destination: &timeout, Value: 3 * time.Second},
		},
		Action: func(c *cli.Context) error {
			target, err := netip.ParseAddrPort(addr)
			if err != nil {
				return fmt.Errorf("parse addr: %w", err)
			}
			k, err := transport.ParseKind(kind)
			if err != nil {
				return err
			}
			cfg := receiver.DefaultConfig()
			cfg.Kind = k
			reply, err := sendText(c.Context, cfg, target, text, timeout)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, reply)
			return nil
		},
	}
}

func configCmd() *cli.Command {
	var path, kind string
	var force bool
	return &cli.Command{
		Name:  "config",
		Usage: "Manage node config files",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a config template",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Destination: &path, Value: "node.toml"},
					&cli.StringFlag{Name: "kind", Destination: &kind, Value: "server", Usage: "server or client"},
					&cli.BoolFlag{Name: "force", Destination: &force},
				},
				Action: func(c *cli.Context) error {
					if err := config.WriteTemplate(path, kind, force); err != nil {
						return err
					}
					log.Info().Str("path", path).Str("kind", kind).Msg("config written")
					return nil
				},
			},
		},
	}
}
