package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/packetwire/internal/receiver"
	"github.com/danmuck/packetwire/internal/transport"
)

// NodeConfig is everything a packetnode process needs.
type NodeConfig struct {
	ID          string
	Receiver    receiver.Config
	AdminAddr   string
	AdminToken  string
	CorsOrigins []string
}

type fileConfig struct {
	ID                string   `toml:"id"`
	Host              string   `toml:"host"`
	Port              int      `toml:"port"`
	Transport         string   `toml:"transport"`
	MaxPacketSize     int      `toml:"max_packet_size"`
	PacketBufferSize  int      `toml:"packet_buffer_size"`
	ResendInterval    string   `toml:"resend_interval"`
	ResendTimeout     string   `toml:"resend_timeout"`
	HeartbeatInterval string   `toml:"heartbeat_interval"`
	HeartbeatTimeout  string   `toml:"heartbeat_timeout"`
	ProtocolVersion   int      `toml:"protocol_version"`
	AdminAddr         string   `toml:"admin_addr"`
	AdminToken        string   `toml:"admin_token"`
	CorsOrigins       []string `toml:"cors_origins"`
}

func Default() NodeConfig {
	return NodeConfig{
		ID:       "packetnode",
		Receiver: receiver.DefaultConfig(),
	}
}

// Load reads path over Default. Keys absent from the file keep their
// defaults.
func Load(path string) (NodeConfig, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return NodeConfig{}, fmt.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
	}

	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.ID = id
		}
	}
	if meta.IsDefined("host") {
		cfg.Receiver.Transport.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		cfg.Receiver.Transport.Port = raw.Port
	}
	if meta.IsDefined("transport") {
		kind, err := transport.ParseKind(raw.Transport)
		if err != nil {
			return NodeConfig{}, fmt.Errorf("parse transport: %w", err)
		}
		cfg.Receiver.Kind = kind
	}
	if meta.IsDefined("max_packet_size") {
		cfg.Receiver.Transport.MaxPacketSize = raw.MaxPacketSize
	}
	if meta.IsDefined("packet_buffer_size") {
		cfg.Receiver.Transport.PacketBufferSize = raw.PacketBufferSize
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"resend_interval", raw.ResendInterval, &cfg.Receiver.Transport.ResendInterval},
		{"resend_timeout", raw.ResendTimeout, &cfg.Receiver.Transport.ResendTimeout},
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.Receiver.Heartbeat.PulseInterval},
		{"heartbeat_timeout", raw.HeartbeatTimeout, &cfg.Receiver.Heartbeat.Timeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return NodeConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("protocol_version") {
		if raw.ProtocolVersion < 0 || raw.ProtocolVersion > 255 {
			return NodeConfig{}, fmt.Errorf("protocol_version %d out of range", raw.ProtocolVersion)
		}
		cfg.Receiver.ProtocolVersion = byte(raw.ProtocolVersion)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}

	if err := Validate(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

func Validate(cfg NodeConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("node config missing id")
	}
	if err := cfg.Receiver.Transport.Validate(cfg.Receiver.Kind); err != nil {
		return fmt.Errorf("node config transport invalid: %w", err)
	}
	if err := cfg.Receiver.Heartbeat.Validate(); err != nil {
		return fmt.Errorf("node config heartbeat invalid: %w", err)
	}
	return nil
}
