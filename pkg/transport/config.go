package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ICEServer describes one STUN or TURN endpoint used during peer channel
// negotiation.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Config controls a Manager.
type Config struct {
	// ServerURL is the rendezvous relay WebSocket endpoint
	// (ws://host:port/ws or wss://...). Required.
	ServerURL string

	// ICEServers are the STUN/TURN endpoints handed to WebRTC peer
	// negotiation. Default: one public STUN server.
	ICEServers []ICEServer

	// MaxRetries bounds automatic reconnection attempts after an
	// unexpected signaling loss. Default: 3.
	MaxRetries int

	// RetryDelay is the first reconnection backoff; attempt n waits
	// RetryDelay << n. Default: 2s.
	RetryDelay time.Duration

	// PingInterval is the keep-alive cadence on the signaling connection
	// and open peer channels. Default: 15s.
	PingInterval time.Duration

	// Timeout bounds connection establishment (dial plus hello handshake)
	// and individual writes. Default: 30s.
	Timeout time.Duration

	// CallTimeout is the default deadline for Call when the caller's
	// context carries none. Default: 10s.
	CallTimeout time.Duration

	// MaxPeers caps how many peers get negotiated channels. Peers beyond
	// the cap stay reachable through relay routing only. Default: 16.
	MaxPeers int

	// ReliableChannel and UnreliableChannel toggle negotiation of each
	// peer channel type. Leaving both false means unset and enables
	// both; a link needs at least one channel. Default: both enabled.
	ReliableChannel   bool
	UnreliableChannel bool

	// EventBuffer is the per-subscriber event channel capacity. A slow
	// subscriber loses events beyond it. Default: 64.
	EventBuffer int

	// Dialer overrides how peer links are built. Nil uses WebRTC with
	// the configured ICE servers; tests substitute in-memory links.
	Dialer PeerDialer

	// Logger receives structured logs. Default: slog.Default().
	Logger *slog.Logger

	// Metrics receives Prometheus instrumentation. Optional.
	Metrics *Metrics
}

// DefaultConfig returns a Config with production defaults. ServerURL must
// still be set by the caller.
func DefaultConfig() Config {
	return Config{
		ICEServers:        []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		MaxRetries:        3,
		RetryDelay:        2 * time.Second,
		PingInterval:      15 * time.Second,
		Timeout:           30 * time.Second,
		CallTimeout:       10 * time.Second,
		MaxPeers:          16,
		ReliableChannel:   true,
		UnreliableChannel: true,
		EventBuffer:       64,
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("transport: ServerURL is required")
	}
	if !strings.HasPrefix(c.ServerURL, "ws://") && !strings.HasPrefix(c.ServerURL, "wss://") {
		return fmt.Errorf("transport: ServerURL must be a ws:// or wss:// endpoint, got %q", c.ServerURL)
	}
	if c.MaxRetries < 0 {
		return errors.New("transport: MaxRetries must not be negative")
	}
	if c.RetryDelay <= 0 {
		return errors.New("transport: RetryDelay must be positive")
	}
	if c.PingInterval <= 0 {
		return errors.New("transport: PingInterval must be positive")
	}
	if c.Timeout <= 0 {
		return errors.New("transport: Timeout must be positive")
	}
	if c.CallTimeout <= 0 {
		return errors.New("transport: CallTimeout must be positive")
	}
	if c.MaxPeers <= 0 {
		return errors.New("transport: MaxPeers must be positive")
	}
	if c.EventBuffer <= 0 {
		return errors.New("transport: EventBuffer must be positive")
	}
	return nil
}

// withDefaults fills zero values with the DefaultConfig equivalents so a
// partially populated Config behaves predictably.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ICEServers == nil {
		c.ICEServers = def.ICEServers
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.PingInterval == 0 {
		c.PingInterval = def.PingInterval
	}
	if c.Timeout == 0 {
		c.Timeout = def.Timeout
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.MaxPeers == 0 {
		c.MaxPeers = def.MaxPeers
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = def.EventBuffer
	}
	// Both flags false is indistinguishable from unset, and a link
	// needs at least one channel, so both come on.
	if !c.ReliableChannel && !c.UnreliableChannel {
		c.ReliableChannel = def.ReliableChannel
		c.UnreliableChannel = def.UnreliableChannel
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
