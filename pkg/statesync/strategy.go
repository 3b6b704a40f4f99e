package statesync

import (
	"math"
	"reflect"
	"sort"
	"time"

	"github.com/tandem-engine/tandem/pkg/protocol"
)

// reconcileEpsilon is the tolerance below which a numeric prediction
// counts as matching the authoritative value.
const reconcileEpsilon = 0.01

// tick advances the configured strategy by one frame. Authoritative and
// lockstep ticks do nothing here: authoritative trusts inbound state
// as-is, and lockstep advances only when the consumer drains
// LockstepInputs.
func (e *Engine) tick() {
	e.cfg.Metrics.incTick(e.cfg.Strategy)
	switch e.cfg.Strategy {
	case StrategyPrediction:
		e.tickPrediction()
	case StrategyInterpolation:
		e.tickInterpolation()
	}
}

// tickPrediction replays unprocessed input frames through the configured
// applier and prunes frames that fell out of the prediction window.
func (e *Engine) tickPrediction() {
	now := e.now()
	e.mu.Lock()
	frames := e.inputs.unprocessed()
	if apply := e.cfg.InputApplier; apply != nil {
		write := e.mutatorLocked(now)
		for _, f := range frames {
			apply(f.InputFrame, write)
			f.processed = true
		}
	} else {
		for _, f := range frames {
			f.processed = true
		}
	}
	replayed := len(frames)
	e.stats.inputsReplayed += uint64(replayed)
	window := time.Duration(e.cfg.MaxPredictionFrames) * e.cfg.tickInterval()
	e.inputs.pruneBefore(now.Add(-window).UnixMilli())
	e.mu.Unlock()

	if replayed > 0 {
		e.cfg.Metrics.observeInput("replayed", replayed)
	}
}

// mutatorLocked returns the write func handed to the InputApplier. The
// engine mutex is already held, so the applier must write through this
// func only and never call back into Engine methods.
func (e *Engine) mutatorLocked(now time.Time) Mutator {
	return func(entityID string, fields map[string]any) {
		ent, ok := e.entities[entityID]
		if !ok || !ent.ownership.writable() || len(fields) == 0 {
			return
		}
		for k, v := range fields {
			ent.state[k] = copyValue(v)
		}
		ent.version++
		ent.markChanged(fields, now)
		view := ent.view()
		e.emit(Event{Kind: EventEntityUpdated, EntityID: entityID, Entity: &view})
	}
}

// tickInterpolation rewinds rendering by InterpolationDelay and blends
// flagged entities between the two snapshots bracketing that moment.
// Outside the buffered range it holds the nearest sample, never
// extrapolates. These writes are presentation smoothing: they bump
// neither version nor dirty state.
func (e *Engine) tickInterpolation() {
	renderTime := e.now().Add(-e.cfg.InterpolationDelay).UnixMilli()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.snapshots.len() == 0 {
		return
	}
	older, newer := e.snapshots.bracket(renderTime)
	var from, to *Snapshot
	var t float64
	switch {
	case older == nil:
		from, to, t = newer, newer, 1
	case newer == nil:
		from, to, t = older, older, 1
	default:
		from, to = older, newer
		if span := to.Timestamp - from.Timestamp; span > 0 {
			t = float64(renderTime-from.Timestamp) / float64(span)
		} else {
			t = 1
		}
	}
	for id, ent := range e.entities {
		if !ent.interpolating {
			continue
		}
		target, ok := to.Entities[id]
		if !ok {
			continue
		}
		source, ok := from.Entities[id]
		if !ok {
			source = target
		}
		for field, tv := range target {
			sv, ok := source[field]
			if !ok {
				sv = tv
			}
			ent.state[field] = blend(sv, tv, t)
		}
	}
}

// flush is the send loop body: it collects dirty writable entities,
// applies priority throttling, and broadcasts one state-update carrying
// their deltas plus every unacknowledged input frame.
func (e *Engine) flush() {
	now := e.now()
	nowMs := now.UnixMilli()
	base := e.cfg.sendInterval()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	ids := make([]string, 0, len(e.entities))
	for id, ent := range e.entities {
		if ent.dirty && ent.ownership.writable() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	var deltas []protocol.DeltaUpdate
	var sent []*entity
	for _, id := range ids {
		ent := e.entities[id]
		if e.cfg.PriorityThrottling && !ent.lastSyncAt.IsZero() {
			wait := time.Duration(ent.priority.throttleFactor()) * base
			if wait > 0 && now.Sub(ent.lastSyncAt) < wait {
				continue
			}
		}
		deltas = append(deltas, protocol.DeltaUpdate{
			EntityID:      ent.id,
			ChangedFields: ent.deltaFields(e.cfg.DeltaCompression),
			Version:       ent.version,
			Timestamp:     nowMs,
		})
		sent = append(sent, ent)
	}
	inputs := e.inputs.pending()
	if len(deltas) == 0 && len(inputs) == 0 {
		e.mu.Unlock()
		return
	}
	e.sequence++
	seq := e.sequence
	for _, ent := range sent {
		ent.clearDirty(now)
	}
	e.stats.deltasSent += uint64(len(deltas))
	e.mu.Unlock()

	env, err := protocol.NewSyncUpdate(seq, deltas, inputs)
	if err != nil {
		e.log.Warn("state update encode failed", "err", err)
		e.redirty(sent, deltas, now)
		return
	}
	if err := e.sender.Broadcast(env); err != nil {
		e.log.Warn("state update broadcast failed", "sequence", seq, "err", err)
		e.redirty(sent, deltas, now)
		return
	}
	e.cfg.Metrics.addDeltasSent(len(deltas))
}

// redirty puts failed deltas back on the dirty list so the next flush
// retries them, unless the entity was replaced in the meantime.
func (e *Engine) redirty(sent []*entity, deltas []protocol.DeltaUpdate, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, ent := range sent {
		if cur, ok := e.entities[ent.id]; ok && cur == ent {
			cur.markChanged(deltas[i].ChangedFields, at)
		}
	}
}

// blend interpolates between two sampled values: numeric scalars and 2-
// or 3-element numeric vectors lerp, anything else snaps to the newer
// value once t reaches 0.5.
func blend(from, to any, t float64) any {
	if t >= 1 {
		return copyValue(to)
	}
	if a, ok := toFloat(from); ok {
		if b, ok := toFloat(to); ok {
			return a + (b-a)*t
		}
	}
	if av, ok := toVector(from); ok {
		if bv, ok := toVector(to); ok && len(av) == len(bv) {
			out := make([]any, len(bv))
			for i := range bv {
				out[i] = av[i] + (bv[i]-av[i])*t
			}
			return out
		}
	}
	if t >= 0.5 {
		return copyValue(to)
	}
	return copyValue(from)
}

// withinTolerance reports whether a predicted value matches the
// authoritative one: numerics within reconcileEpsilon, everything else
// by deep equality.
func withinTolerance(predicted, authoritative any) bool {
	if a, ok := toFloat(predicted); ok {
		if b, ok := toFloat(authoritative); ok {
			return math.Abs(a-b) <= reconcileEpsilon
		}
	}
	if av, ok := toVector(predicted); ok {
		if bv, ok := toVector(authoritative); ok && len(av) == len(bv) {
			for i := range av {
				if math.Abs(av[i]-bv[i]) > reconcileEpsilon {
					return false
				}
			}
			return true
		}
	}
	return reflect.DeepEqual(predicted, authoritative)
}

// toFloat coerces the numeric types that survive JSON decoding and Go
// callers alike.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// toVector coerces 2- and 3-element numeric slices, the shape positions
// and velocities take on the wire.
func toVector(v any) ([]float64, bool) {
	switch s := v.(type) {
	case []float64:
		if len(s) == 2 || len(s) == 3 {
			return append([]float64(nil), s...), true
		}
	case []any:
		if len(s) != 2 && len(s) != 3 {
			return nil, false
		}
		out := make([]float64, len(s))
		for i, el := range s {
			f, ok := toFloat(el)
			if !ok {
				return nil, false
			}
			out[i] = f
		}
		return out, true
	}
	return nil, false
}
