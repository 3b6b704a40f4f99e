package transport

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.ServerURL = "ws://localhost:8080/ws"
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"secure url", func(c *Config) { c.ServerURL = "wss://relay.example.com/ws" }, ""},
		{"missing url", func(c *Config) { c.ServerURL = "" }, "ServerURL is required"},
		{"http url", func(c *Config) { c.ServerURL = "http://localhost/ws" }, "ws:// or wss://"},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, "MaxRetries"},
		{"zero retry delay", func(c *Config) { c.RetryDelay = 0 }, "RetryDelay"},
		{"zero ping interval", func(c *Config) { c.PingInterval = 0 }, "PingInterval"},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, "Timeout"},
		{"zero call timeout", func(c *Config) { c.CallTimeout = 0 }, "CallTimeout"},
		{"zero max peers", func(c *Config) { c.MaxPeers = 0 }, "MaxPeers"},
		{"zero event buffer", func(c *Config) { c.EventBuffer = 0 }, "EventBuffer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate error = %v, want contains %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfigWithDefaults(t *testing.T) {
	t.Run("fills zero values", func(t *testing.T) {
		got := Config{ServerURL: "ws://localhost/ws"}.withDefaults()
		def := DefaultConfig()
		if got.MaxRetries != def.MaxRetries {
			t.Errorf("MaxRetries = %d, want %d", got.MaxRetries, def.MaxRetries)
		}
		if got.RetryDelay != def.RetryDelay {
			t.Errorf("RetryDelay = %v, want %v", got.RetryDelay, def.RetryDelay)
		}
		if got.PingInterval != def.PingInterval {
			t.Errorf("PingInterval = %v, want %v", got.PingInterval, def.PingInterval)
		}
		if got.MaxPeers != def.MaxPeers {
			t.Errorf("MaxPeers = %d, want %d", got.MaxPeers, def.MaxPeers)
		}
		if got.EventBuffer != def.EventBuffer {
			t.Errorf("EventBuffer = %d, want %d", got.EventBuffer, def.EventBuffer)
		}
		if len(got.ICEServers) != 1 {
			t.Errorf("ICEServers = %v, want the default STUN entry", got.ICEServers)
		}
		if got.Logger == nil {
			t.Error("Logger not defaulted")
		}
	})

	t.Run("preserves set values", func(t *testing.T) {
		log := slog.New(slog.NewTextHandler(io.Discard, nil))
		got := Config{
			ServerURL:  "ws://localhost/ws",
			RetryDelay: 5 * time.Second,
			MaxPeers:   2,
			Logger:     log,
		}.withDefaults()
		if got.RetryDelay != 5*time.Second {
			t.Errorf("RetryDelay = %v, want 5s", got.RetryDelay)
		}
		if got.MaxPeers != 2 {
			t.Errorf("MaxPeers = %d, want 2", got.MaxPeers)
		}
		if got.Logger != log {
			t.Error("Logger replaced")
		}
	})

	t.Run("both channel flags unset enables both", func(t *testing.T) {
		got := Config{ServerURL: "ws://localhost/ws"}.withDefaults()
		if !got.ReliableChannel || !got.UnreliableChannel {
			t.Fatalf("channels = %v/%v, want both enabled", got.ReliableChannel, got.UnreliableChannel)
		}
	})

	t.Run("single channel flag preserved", func(t *testing.T) {
		got := Config{ServerURL: "ws://localhost/ws", ReliableChannel: true}.withDefaults()
		if !got.ReliableChannel || got.UnreliableChannel {
			t.Fatalf("channels = %v/%v, want reliable only", got.ReliableChannel, got.UnreliableChannel)
		}
	})
}

func TestNewAppliesDefaultsBeforeValidate(t *testing.T) {
	// A config with only the URL set must pass validation because the
	// defaults land first.
	m, err := New(Config{ServerURL: "ws://localhost:8080/ws"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	if _, err := New(Config{}); err == nil {
		t.Fatal("New accepted a config with no ServerURL")
	}
	if _, err := New(Config{ServerURL: "ws://x", MaxRetries: -2}); err == nil {
		t.Fatal("New accepted negative MaxRetries")
	}
}
