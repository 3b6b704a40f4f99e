package relay

import (
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Config controls a Server.
type Config struct {
	// Address is the host:port Run listens on. Default: ":8787".
	Address string

	// MaxConnections caps concurrent clients; further upgrades are
	// refused with 503. Default: 1024.
	MaxConnections int

	// MaxRoomSize caps peers per room; a join beyond it is answered
	// with a room-full error envelope. Default: 16.
	MaxRoomSize int

	// WriteTimeout bounds each outbound frame. Default: 10s.
	WriteTimeout time.Duration

	// ShutdownTimeout bounds graceful shutdown in Run. Default: 5s.
	ShutdownTimeout time.Duration

	// CheckOrigin accepts or rejects the upgrade by Origin header.
	// Nil accepts everything, which suits same-host deployments and
	// native game clients that send no Origin at all.
	CheckOrigin func(r *http.Request) bool

	// Logger receives structured logs. Default: slog.Default().
	Logger *slog.Logger

	// Metrics receives Prometheus instrumentation. Optional.
	Metrics *Metrics
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		Address:         ":8787",
		MaxConnections:  1024,
		MaxRoomSize:     16,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.MaxConnections <= 0 {
		return errors.New("relay: MaxConnections must be positive")
	}
	if c.MaxRoomSize <= 0 {
		return errors.New("relay: MaxRoomSize must be positive")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("relay: WriteTimeout must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("relay: ShutdownTimeout must be positive")
	}
	return nil
}

// withDefaults fills zero values with the DefaultConfig equivalents.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Address == "" {
		c.Address = def.Address
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.MaxRoomSize == 0 {
		c.MaxRoomSize = def.MaxRoomSize
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
