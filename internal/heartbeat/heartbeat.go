// Package heartbeat runs the per-session liveness timer.
//
// A Heartbeat pulses on a fixed interval, disconnects its owner after a
// period of silence and fires one-shot response deadlines. All events are
// evaluated by a single goroutine; owner callbacks are invoked outside the
// heartbeat lock so they may call back into the heartbeat.
package heartbeat

import (
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/packetwire/internal/observability"
	"github.com/danmuck/packetwire/internal/protocol"
)

// Owner receives the heartbeat's terminal and deadline events.
type Owner interface {
	Disconnect()
	OnTimeout()
}

// Config holds the pulse and silence intervals. Zero disables either, but
// not both.
type Config struct {
	PulseInterval time.Duration
	Timeout       time.Duration
}

func DefaultConfig() Config {
	return Config{
		PulseInterval: 5 * time.Second,
		Timeout:       15 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.PulseInterval < 0 || c.Timeout < 0 {
		return fmt.Errorf("%w: negative heartbeat interval", protocol.ErrConfiguration)
	}
	if c.PulseInterval == 0 && c.Timeout == 0 {
		return fmt.Errorf("%w: heartbeat pulse interval and timeout are both zero", protocol.ErrConfiguration)
	}
	return nil
}

type State int

const (
	StateIdle State = iota
	StateRunning
	StateSuspended
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	default:
		return "halted"
	}
}

type Heartbeat struct {
	owner Owner
	pulse func()

	mu           sync.Mutex
	cfg          Config
	started      bool
	halted       bool
	suspended    bool
	lastSent     time.Time
	lastReceived time.Time
	deadline     time.Time

	wake chan struct{}
	done chan struct{}
}

// New builds a stopped heartbeat. pulse is called on every pulse interval
// and may be nil.
func New(owner Owner, pulse func(), cfg Config) (*Heartbeat, error) {
	if owner == nil {
		return nil, fmt.Errorf("%w: heartbeat owner is nil", protocol.ErrConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if pulse == nil {
		pulse = func() {}
	}
	return &Heartbeat{
		owner: owner,
		pulse: pulse,
		cfg:   cfg,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}, nil
}

// Start launches the timer loop. Starting twice or after Halt does nothing.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started || h.halted {
		return
	}
	h.started = true
	now := time.Now()
	h.lastSent = now
	h.lastReceived = now
	go h.run()
}

// Halt stops the loop. It is terminal and idempotent.
func (h *Heartbeat) Halt() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.halted {
		return
	}
	h.halted = true
	close(h.done)
}

// Done is closed once the heartbeat halts.
func (h *Heartbeat) Done() <-chan struct{} {
	return h.done
}

// Poke records a signal from the peer.
func (h *Heartbeat) Poke() {
	h.mu.Lock()
	h.lastReceived = time.Now()
	h.mu.Unlock()
}

// Response disarms the pending deadline and counts as a poke.
func (h *Heartbeat) Response() {
	h.mu.Lock()
	h.deadline = time.Time{}
	h.lastReceived = time.Now()
	h.mu.Unlock()
}

// ExpectResponse arms a one-shot deadline d from now.
func (h *Heartbeat) ExpectResponse(d time.Duration) {
	h.mu.Lock()
	h.deadline = time.Now().Add(d)
	h.mu.Unlock()
	h.signal()
}

// SetSuspended freezes timeout and pulse accounting. Resuming restarts both
// clocks from now.
func (h *Heartbeat) SetSuspended(suspended bool) {
	h.mu.Lock()
	if h.suspended == suspended {
		h.mu.Unlock()
		return
	}
	h.suspended = suspended
	if !suspended {
		now := time.Now()
		h.lastSent = now
		h.lastReceived = now
	}
	h.mu.Unlock()
	h.signal()
}

func (h *Heartbeat) SetPulseInterval(d time.Duration) error {
	h.mu.Lock()
	next := h.cfg
	next.PulseInterval = d
	if err := next.Validate(); err != nil {
		h.mu.Unlock()
		return err
	}
	h.cfg = next
	h.mu.Unlock()
	h.signal()
	return nil
}

func (h *Heartbeat) SetTimeout(d time.Duration) error {
	h.mu.Lock()
	next := h.cfg
	next.Timeout = d
	if err := next.Validate(); err != nil {
		h.mu.Unlock()
		return err
	}
	h.cfg = next
	h.mu.Unlock()
	h.signal()
	return nil
}

func (h *Heartbeat) Config() Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg
}

func (h *Heartbeat) LastReceived() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastReceived
}

func (h *Heartbeat) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.halted:
		return StateHalted
	case !h.started:
		return StateIdle
	case h.suspended:
		return StateSuspended
	default:
		return StateRunning
	}
}

func (h *Heartbeat) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

type step struct {
	exit       bool
	disconnect bool
	pulse      bool
	timeout    bool
	// wait < 0 blocks until woken.
	wait time.Duration
}

func (h *Heartbeat) evaluate(now time.Time) step {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.halted {
		return step{exit: true}
	}
	if h.suspended {
		return step{wait: -1}
	}

	var s step
	cfg := h.cfg
	if cfg.Timeout > 0 && now.Sub(h.lastReceived) >= cfg.Timeout {
		h.halted = true
		close(h.done)
		return step{exit: true, disconnect: true}
	}
	if cfg.PulseInterval > 0 && now.Sub(h.lastSent) >= cfg.PulseInterval {
		s.pulse = true
		// Fixed-rate schedule unless the loop fell a full interval behind.
		h.lastSent = h.lastSent.Add(cfg.PulseInterval)
		if now.Sub(h.lastSent) >= cfg.PulseInterval {
			h.lastSent = now
		}
	}
	if !h.deadline.IsZero() && !now.Before(h.deadline) {
		s.timeout = true
		h.deadline = time.Time{}
	}

	s.wait = -1
	consider := func(at time.Time) {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		if s.wait < 0 || d < s.wait {
			s.wait = d
		}
	}
	if cfg.Timeout > 0 {
		consider(h.lastReceived.Add(cfg.Timeout))
	}
	if cfg.PulseInterval > 0 {
		consider(h.lastSent.Add(cfg.PulseInterval))
	}
	if !h.deadline.IsZero() {
		consider(h.deadline)
	}
	return s
}

func (h *Heartbeat) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s := h.evaluate(time.Now())
		if s.disconnect {
			observability.RecordHeartbeatTimeout()
			h.owner.Disconnect()
		}
		if s.exit {
			return
		}
		if s.pulse {
			h.pulse()
		}
		if s.timeout {
			h.owner.OnTimeout()
		}
		if s.pulse || s.timeout {
			// Callbacks take time; re-evaluate before sleeping.
			continue
		}

		var fire <-chan time.Time
		if s.wait >= 0 {
			timer.Reset(s.wait)
			fire = timer.C
		}
		select {
		case <-fire:
		case <-h.wake:
		case <-h.done:
			return
		}
	}
}
