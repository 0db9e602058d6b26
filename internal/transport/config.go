package transport

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/danmuck/packetwire/internal/protocol"
)

// MaxDatagramSize is the largest UDP payload over IPv4.
const MaxDatagramSize = 65507

// BackoffConfig defines dial retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config is fixed before a ReceiverHandle starts.
type Config struct {
	Host             string
	Port             int
	MaxPacketSize    int
	PacketBufferSize int
	// ResendInterval rate-limits missing-packet requests per session.
	ResendInterval time.Duration
	// ResendTimeout is how long an unanswered request blocks new ones.
	ResendTimeout time.Duration
	DialTimeout   time.Duration
	DialAttempts  int
	Backoff       BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		MaxPacketSize:    8192,
		PacketBufferSize: 64,
		ResendInterval:   25 * time.Millisecond,
		ResendTimeout:    250 * time.Millisecond,
		DialTimeout:      5 * time.Second,
		DialAttempts:     3,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     2 * time.Second,
			Jitter:       true,
		},
	}
}

func (c Config) Validate(kind Kind) error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", protocol.ErrConfiguration, c.Port)
	}
	if c.MaxPacketSize <= 0 {
		return fmt.Errorf("%w: max packet size must be positive", protocol.ErrConfiguration)
	}
	if kind.Datagram() && c.MaxPacketSize > MaxDatagramSize {
		return fmt.Errorf("%w: max packet size %d exceeds datagram limit %d",
			protocol.ErrConfiguration, c.MaxPacketSize, MaxDatagramSize)
	}
	if c.PacketBufferSize <= 0 {
		return fmt.Errorf("%w: packet buffer size must be positive", protocol.ErrConfiguration)
	}
	if c.ResendInterval < 0 || c.ResendTimeout < 0 {
		return fmt.Errorf("%w: negative resend interval", protocol.ErrConfiguration)
	}
	return nil
}

// ListenAddr returns the host:port the receiver binds.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
