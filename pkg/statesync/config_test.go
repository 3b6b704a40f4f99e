package statesync

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(c *Config) {}},
		{name: "unknown strategy", mutate: func(c *Config) { c.Strategy = "psychic" }, wantErr: "strategy"},
		{name: "zero tick rate", mutate: func(c *Config) { c.TickRate = 0 }, wantErr: "TickRate"},
		{name: "absurd tick rate", mutate: func(c *Config) { c.TickRate = 1001 }, wantErr: "TickRate"},
		{name: "zero send rate", mutate: func(c *Config) { c.SendRate = 0 }, wantErr: "SendRate"},
		{name: "send rate above tick rate", mutate: func(c *Config) { c.SendRate = c.TickRate + 1 }, wantErr: "exceeds TickRate"},
		{name: "negative interpolation delay", mutate: func(c *Config) { c.InterpolationDelay = -time.Second }, wantErr: "InterpolationDelay"},
		{name: "zero prediction frames", mutate: func(c *Config) { c.MaxPredictionFrames = 0 }, wantErr: "MaxPredictionFrames"},
		{name: "zero snapshot buffer", mutate: func(c *Config) { c.SnapshotBufferSize = 0 }, wantErr: "SnapshotBufferSize"},
		{name: "zero event buffer", mutate: func(c *Config) { c.EventBuffer = 0 }, wantErr: "EventBuffer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfigWithDefaults(t *testing.T) {
	t.Run("fills zero values", func(t *testing.T) {
		cfg := Config{}.withDefaults()
		def := DefaultConfig()
		if cfg.Strategy != def.Strategy || cfg.TickRate != def.TickRate || cfg.SendRate != def.SendRate {
			t.Fatalf("cfg = %+v", cfg)
		}
		if cfg.InterpolationDelay != def.InterpolationDelay || cfg.SnapshotBufferSize != def.SnapshotBufferSize {
			t.Fatalf("cfg = %+v", cfg)
		}
		if cfg.Clock == nil || cfg.Logger == nil {
			t.Fatal("clock and logger must be filled")
		}
	})

	t.Run("preserves explicit values", func(t *testing.T) {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		cfg := Config{
			Strategy:    StrategyLockstep,
			TickRate:    30,
			SendRate:    10,
			EventBuffer: 8,
			Logger:      logger,
		}.withDefaults()
		if cfg.Strategy != StrategyLockstep || cfg.TickRate != 30 || cfg.SendRate != 10 {
			t.Fatalf("cfg = %+v", cfg)
		}
		if cfg.EventBuffer != 8 || cfg.Logger != logger {
			t.Fatalf("cfg = %+v", cfg)
		}
	})

	t.Run("leaves feature toggles alone", func(t *testing.T) {
		cfg := Config{}.withDefaults()
		if cfg.DeltaCompression || cfg.PriorityThrottling || cfg.AutoFullSync {
			t.Fatalf("zero-value toggles were flipped: %+v", cfg)
		}
	})
}

func TestIntervals(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.tickInterval(); got != time.Second/60 {
		t.Fatalf("tickInterval = %v", got)
	}
	if got := cfg.sendInterval(); got != 50*time.Millisecond {
		t.Fatalf("sendInterval = %v", got)
	}
}

func TestNewRequiresSender(t *testing.T) {
	if _, err := New(DefaultConfig(), nil); err == nil {
		t.Fatal("expected an error for a nil sender")
	}
}

func TestNewAppliesDefaultsBeforeValidate(t *testing.T) {
	sender := newFakeSender("local-1")

	if _, err := New(Config{}, sender); err != nil {
		t.Fatalf("zero config should take defaults: %v", err)
	}
	if _, err := New(Config{TickRate: -1}, sender); err == nil {
		t.Fatal("negative TickRate should fail validation")
	}
}

func TestStrategyValid(t *testing.T) {
	for _, s := range []Strategy{StrategyAuthoritative, StrategyPrediction, StrategyInterpolation, StrategyLockstep} {
		if !s.Valid() {
			t.Fatalf("%s should be valid", s)
		}
	}
	if Strategy("psychic").Valid() {
		t.Fatal("unknown strategy should be invalid")
	}
}
