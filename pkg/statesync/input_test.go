package statesync

import (
	"testing"

	"github.com/tandem-engine/tandem/pkg/protocol"
)

func TestInputLogRecordAndAck(t *testing.T) {
	l := newInputLog()
	for i := 0; i < 3; i++ {
		l.record("p1", map[string]any{"n": i}, int64(100*(i+1)))
	}
	for _, f := range l.unprocessed() {
		f.processed = true
	}

	dropped, replaying := l.ack(2)
	if dropped != 2 || replaying != 1 {
		t.Fatalf("ack = %d dropped / %d replaying, want 2/1", dropped, replaying)
	}
	if l.size() != 1 {
		t.Fatalf("size = %d, want 1", l.size())
	}

	remaining := l.unprocessed()
	if len(remaining) != 1 || remaining[0].Sequence != 3 {
		t.Fatalf("remaining = %+v, want frame 3 marked for replay", remaining)
	}
}

func TestInputLogPrune(t *testing.T) {
	l := newInputLog()
	for _, ts := range []int64{100, 200, 300} {
		l.record("p1", nil, ts)
	}

	if pruned := l.pruneBefore(250); pruned != 2 {
		t.Fatalf("pruned = %d, want 2", pruned)
	}
	if l.size() != 1 {
		t.Fatalf("size = %d, want 1", l.size())
	}
}

func TestInputLogPendingKeepsOrder(t *testing.T) {
	l := newInputLog()
	l.record("p1", map[string]any{"a": 1}, 100)
	l.record("p1", map[string]any{"b": 2}, 200)

	pending := l.pending()
	if len(pending) != 2 || pending[0].Sequence != 1 || pending[1].Sequence != 2 {
		t.Fatalf("pending = %+v", pending)
	}
	// Frames stay pending until acknowledged.
	if got := len(l.pending()); got != 2 {
		t.Fatalf("second pending = %d, want 2", got)
	}
}

func TestInputLogSequencesDoNotReset(t *testing.T) {
	l := newInputLog()
	l.record("p1", nil, 100)
	l.record("p1", nil, 200)
	l.ack(2)

	if seq := l.record("p1", nil, 300); seq != 3 {
		t.Fatalf("seq after ack = %d, want 3", seq)
	}
}

func TestLockstepBufferGroupsByTick(t *testing.T) {
	b := newLockstepBuffer()
	b.add(protocol.InputFrame{Sequence: 7, PlayerID: "zed", Inputs: map[string]any{"cmd": "a"}})
	b.add(protocol.InputFrame{Sequence: 7, PlayerID: "amy", Inputs: map[string]any{"cmd": "b"}})
	b.add(protocol.InputFrame{Sequence: 8, PlayerID: "amy", Inputs: map[string]any{"cmd": "c"}})

	frames := b.inputs(7)
	if len(frames) != 2 || frames[0].PlayerID != "amy" || frames[1].PlayerID != "zed" {
		t.Fatalf("frames = %+v, want amy then zed", frames)
	}

	// A resent frame replaces the previous one for the same player and tick.
	b.add(protocol.InputFrame{Sequence: 7, PlayerID: "amy", Inputs: map[string]any{"cmd": "b2"}})
	frames = b.inputs(7)
	if len(frames) != 2 || frames[0].Inputs["cmd"] != "b2" {
		t.Fatalf("frames = %+v, want amy's frame replaced", frames)
	}
}

func TestLockstepBufferReady(t *testing.T) {
	b := newLockstepBuffer()
	b.add(protocol.InputFrame{Sequence: 3, PlayerID: "amy"})

	if b.ready(3, []string{"amy", "zed"}) {
		t.Fatal("tick 3 should wait for zed")
	}
	b.add(protocol.InputFrame{Sequence: 3, PlayerID: "zed"})
	if !b.ready(3, []string{"amy", "zed"}) {
		t.Fatal("tick 3 should be ready")
	}
}

func TestLockstepBufferClearThrough(t *testing.T) {
	b := newLockstepBuffer()
	for tick := uint64(1); tick <= 3; tick++ {
		b.add(protocol.InputFrame{Sequence: tick, PlayerID: "amy"})
	}

	b.clearThrough(2)
	if got := b.inputs(1); got != nil {
		t.Fatalf("tick 1 = %+v, want cleared", got)
	}
	if got := b.inputs(2); got != nil {
		t.Fatalf("tick 2 = %+v, want cleared", got)
	}
	if got := len(b.inputs(3)); got != 1 {
		t.Fatalf("tick 3 = %d frames, want 1", got)
	}
}
