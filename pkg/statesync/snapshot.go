package statesync

import (
	"github.com/tandem-engine/tandem/pkg/protocol"
)

// Snapshot is one point-in-time capture of entity states, kept for
// interpolation and reconciliation. Never mutated after insertion.
type Snapshot struct {
	Timestamp int64
	Sequence  uint64
	Entities  map[string]map[string]any
	Inputs    []protocol.InputFrame
}

// snapshotRing is a fixed-capacity FIFO of snapshots ordered by insertion.
// Inserting beyond capacity evicts the oldest.
type snapshotRing struct {
	buf   []*Snapshot
	start int
	count int
}

func newSnapshotRing(capacity int) *snapshotRing {
	return &snapshotRing{buf: make([]*Snapshot, capacity)}
}

func (r *snapshotRing) push(s *Snapshot) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = s
		r.count++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

func (r *snapshotRing) len() int { return r.count }

// at returns the i-th snapshot from the oldest.
func (r *snapshotRing) at(i int) *Snapshot {
	return r.buf[(r.start+i)%len(r.buf)]
}

func (r *snapshotRing) oldest() *Snapshot {
	if r.count == 0 {
		return nil
	}
	return r.at(0)
}

func (r *snapshotRing) newest() *Snapshot {
	if r.count == 0 {
		return nil
	}
	return r.at(r.count - 1)
}

// bracket finds the two snapshots surrounding renderTime: the newest one
// at or before it and the oldest one after it. Either side can be nil
// when renderTime falls outside the buffered range.
func (r *snapshotRing) bracket(renderTime int64) (older, newer *Snapshot) {
	for i := r.count - 1; i >= 0; i-- {
		s := r.at(i)
		if s.Timestamp <= renderTime {
			older = s
			if i+1 < r.count {
				newer = r.at(i + 1)
			}
			return older, newer
		}
	}
	if r.count > 0 {
		newer = r.at(0)
	}
	return nil, newer
}

func (r *snapshotRing) clear() {
	for i := range r.buf {
		r.buf[i] = nil
	}
	r.start, r.count = 0, 0
}
