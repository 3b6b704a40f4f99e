package statesync

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tandem-engine/tandem/pkg/protocol"
)

// Strategy selects how the tick loop keeps entities consistent.
type Strategy string

// Recognized strategies.
const (
	// StrategyAuthoritative applies inbound updates as they arrive and
	// performs no local correction.
	StrategyAuthoritative Strategy = "authoritative"

	// StrategyPrediction replays buffered local inputs every tick and
	// reconciles against authoritative corrections.
	StrategyPrediction Strategy = "client-prediction"

	// StrategyInterpolation renders flagged entities a fixed delay in the
	// past, blended between buffered snapshots.
	StrategyInterpolation Strategy = "interpolation"

	// StrategyLockstep buffers inputs per tick and exposes readiness;
	// the gating policy itself belongs to the consumer.
	StrategyLockstep Strategy = "lockstep"
)

// Valid reports whether s is a recognized strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyAuthoritative, StrategyPrediction, StrategyInterpolation, StrategyLockstep:
		return true
	}
	return false
}

func (s Strategy) String() string { return string(s) }

// Mutator writes fields into one entity while the registry is held. It
// follows the same ownership and versioning rules as UpdateEntity and is
// valid only for the duration of the InputApplier call that received it.
type Mutator func(entityID string, fields map[string]any)

// InputApplier turns one input frame into entity writes during
// prediction replay. The engine calls it for every unprocessed frame in
// sequence order, on the tick goroutine, with the registry locked: all
// writes must go through the provided Mutator, and calling back into
// Engine methods from the applier deadlocks.
type InputApplier func(frame protocol.InputFrame, write Mutator)

// Config controls an Engine.
type Config struct {
	// Strategy picks the tick behavior. Default: authoritative.
	Strategy Strategy

	// TickRate is how many times per second the strategy runs.
	// Default: 60.
	TickRate int

	// SendRate is how many times per second dirty entities go on the
	// wire. Must not exceed TickRate. Default: 20.
	SendRate int

	// InterpolationDelay is how far in the past interpolated entities
	// render. Default: 100ms.
	InterpolationDelay time.Duration

	// MaxPredictionFrames bounds the input log: frames older than
	// MaxPredictionFrames ticks are pruned. Default: 60.
	MaxPredictionFrames int

	// SnapshotBufferSize caps the snapshot ring; the oldest snapshot is
	// evicted on overflow. Default: 64.
	SnapshotBufferSize int

	// DeltaCompression sends only the fields changed since the last send
	// instead of the full state map. DefaultConfig enables it.
	DeltaCompression bool

	// PriorityThrottling skips sends for entities updated more recently
	// than their priority's interval allows. DefaultConfig enables it.
	PriorityThrottling bool

	// AutoFullSync answers every peer join with a targeted full-sync of
	// locally authoritative entities. DefaultConfig enables it.
	AutoFullSync bool

	// InputApplier applies recorded inputs during prediction replay.
	// Required for StrategyPrediction to have any effect.
	InputApplier InputApplier

	// EventBuffer is the per-subscriber event channel capacity. Default: 64.
	EventBuffer int

	// Clock overrides the time source. Nil uses time.Now.
	Clock func() time.Time

	// Logger receives structured logs. Default: slog.Default().
	Logger *slog.Logger

	// Metrics receives Prometheus instrumentation. Optional.
	Metrics *Metrics
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:            StrategyAuthoritative,
		TickRate:            60,
		SendRate:            20,
		InterpolationDelay:  100 * time.Millisecond,
		MaxPredictionFrames: 60,
		SnapshotBufferSize:  64,
		DeltaCompression:    true,
		PriorityThrottling:  true,
		AutoFullSync:        true,
		EventBuffer:         64,
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if !c.Strategy.Valid() {
		return fmt.Errorf("statesync: unknown strategy %q", string(c.Strategy))
	}
	if c.TickRate <= 0 || c.TickRate > 1000 {
		return errors.New("statesync: TickRate must be between 1 and 1000")
	}
	if c.SendRate <= 0 {
		return errors.New("statesync: SendRate must be positive")
	}
	if c.SendRate > c.TickRate {
		return fmt.Errorf("statesync: SendRate %d exceeds TickRate %d", c.SendRate, c.TickRate)
	}
	if c.InterpolationDelay < 0 {
		return errors.New("statesync: InterpolationDelay must not be negative")
	}
	if c.MaxPredictionFrames <= 0 {
		return errors.New("statesync: MaxPredictionFrames must be positive")
	}
	if c.SnapshotBufferSize <= 0 {
		return errors.New("statesync: SnapshotBufferSize must be positive")
	}
	if c.EventBuffer <= 0 {
		return errors.New("statesync: EventBuffer must be positive")
	}
	return nil
}

// withDefaults fills zero values with the DefaultConfig equivalents.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Strategy == "" {
		c.Strategy = def.Strategy
	}
	if c.TickRate == 0 {
		c.TickRate = def.TickRate
	}
	if c.SendRate == 0 {
		c.SendRate = def.SendRate
	}
	if c.InterpolationDelay == 0 {
		c.InterpolationDelay = def.InterpolationDelay
	}
	if c.MaxPredictionFrames == 0 {
		c.MaxPredictionFrames = def.MaxPredictionFrames
	}
	if c.SnapshotBufferSize == 0 {
		c.SnapshotBufferSize = def.SnapshotBufferSize
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = def.EventBuffer
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// tickInterval is the wall-clock spacing between strategy runs.
func (c *Config) tickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}

// sendInterval is the wall-clock spacing between send-loop runs, also the
// base interval priority throttling multiplies.
func (c *Config) sendInterval() time.Duration {
	return time.Second / time.Duration(c.SendRate)
}
