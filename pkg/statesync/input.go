package statesync

import (
	"sort"

	"github.com/tandem-engine/tandem/pkg/protocol"
)

// inputFrame wraps a wire frame with its local replay flag.
type inputFrame struct {
	protocol.InputFrame
	processed bool
}

// inputLog records local input frames in sequence order. Frames replay
// during prediction, rebroadcast until acknowledged, and drop once acked
// or older than the prediction window.
type inputLog struct {
	frames  []*inputFrame
	nextSeq uint64
}

func newInputLog() *inputLog {
	return &inputLog{nextSeq: 1}
}

// record appends a new frame and returns its sequence.
func (l *inputLog) record(playerID string, inputs map[string]any, at int64) uint64 {
	seq := l.nextSeq
	l.nextSeq++
	l.frames = append(l.frames, &inputFrame{
		InputFrame: protocol.InputFrame{
			Sequence:  seq,
			Timestamp: at,
			PlayerID:  playerID,
			Inputs:    copyState(inputs),
		},
	})
	return seq
}

// unprocessed returns the frames awaiting replay, oldest first.
func (l *inputLog) unprocessed() []*inputFrame {
	var out []*inputFrame
	for _, f := range l.frames {
		if !f.processed {
			out = append(out, f)
		}
	}
	return out
}

// pending returns copies of every unacknowledged frame for rebroadcast.
func (l *inputLog) pending() []protocol.InputFrame {
	if len(l.frames) == 0 {
		return nil
	}
	out := make([]protocol.InputFrame, len(l.frames))
	for i, f := range l.frames {
		out[i] = f.InputFrame
	}
	return out
}

// ack drops every frame at or below seq and marks the rest unprocessed
// so prediction replays them against the corrected baseline.
func (l *inputLog) ack(seq uint64) (dropped, replaying int) {
	kept := l.frames[:0]
	for _, f := range l.frames {
		if f.Sequence <= seq {
			dropped++
			continue
		}
		f.processed = false
		replaying++
		kept = append(kept, f)
	}
	l.frames = kept
	return dropped, replaying
}

// pruneBefore drops frames older than cutoff (unix ms).
func (l *inputLog) pruneBefore(cutoff int64) int {
	kept := l.frames[:0]
	pruned := 0
	for _, f := range l.frames {
		if f.Timestamp < cutoff {
			pruned++
			continue
		}
		kept = append(kept, f)
	}
	l.frames = kept
	return pruned
}

func (l *inputLog) size() int { return len(l.frames) }

// lockstepBuffer groups input frames by tick for the lockstep strategy.
// The frame sequence is the tick number; one frame per player per tick.
type lockstepBuffer struct {
	ticks map[uint64]map[string]protocol.InputFrame
}

func newLockstepBuffer() *lockstepBuffer {
	return &lockstepBuffer{ticks: make(map[uint64]map[string]protocol.InputFrame)}
}

// add buffers one frame, replacing any earlier frame from the same player
// for the same tick.
func (b *lockstepBuffer) add(f protocol.InputFrame) {
	players := b.ticks[f.Sequence]
	if players == nil {
		players = make(map[string]protocol.InputFrame)
		b.ticks[f.Sequence] = players
	}
	players[f.PlayerID] = f
}

// inputs returns the frames buffered for one tick, ordered by player ID.
func (b *lockstepBuffer) inputs(tick uint64) []protocol.InputFrame {
	players := b.ticks[tick]
	if len(players) == 0 {
		return nil
	}
	out := make([]protocol.InputFrame, 0, len(players))
	for _, f := range players {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out
}

// ready reports whether every named participant has contributed a frame
// for the tick.
func (b *lockstepBuffer) ready(tick uint64, participants []string) bool {
	players := b.ticks[tick]
	for _, p := range participants {
		if _, ok := players[p]; !ok {
			return false
		}
	}
	return true
}

// clearThrough drops every tick at or below the given one.
func (b *lockstepBuffer) clearThrough(tick uint64) {
	for t := range b.ticks {
		if t <= tick {
			delete(b.ticks, t)
		}
	}
}
