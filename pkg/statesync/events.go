package statesync

import (
	"sync"
	"sync/atomic"
)

// EventKind identifies the type of a sync event.
type EventKind uint8

const (
	// EventEntityCreated fires when registration or an inbound update
	// introduces a new entity.
	EventEntityCreated EventKind = iota

	// EventEntityUpdated fires on every accepted write, local or inbound.
	EventEntityUpdated

	// EventEntityDeleted fires when an entity is unregistered locally or
	// deleted by a peer.
	EventEntityDeleted

	// EventStateSynced fires once per applied inbound state-update or
	// full-sync envelope.
	EventStateSynced

	// EventPredictionCorrected fires for every field whose predicted
	// value disagreed with the authority beyond tolerance.
	EventPredictionCorrected

	// EventOwnershipChanged fires when an entity's owner changes, locally
	// or by an accepted inbound transfer.
	EventOwnershipChanged
)

// String returns the event kind's name.
func (k EventKind) String() string {
	switch k {
	case EventEntityCreated:
		return "entity-created"
	case EventEntityUpdated:
		return "entity-updated"
	case EventEntityDeleted:
		return "entity-deleted"
	case EventStateSynced:
		return "state-synced"
	case EventPredictionCorrected:
		return "prediction-corrected"
	case EventOwnershipChanged:
		return "ownership-changed"
	default:
		return "unknown"
	}
}

// Correction reports one field the authority overruled. Predicted holds
// the local value before the overwrite, Authoritative the value applied.
type Correction struct {
	EntityID      string
	Field         string
	Predicted     any
	Authoritative any
}

// Event is one sync notification. Which fields are set depends on Kind:
// Entity for lifecycle and updates, Correction for prediction errors,
// Sequence for state-synced, NewOwnerID for ownership changes.
type Event struct {
	Kind       EventKind
	Entity     *EntityView
	EntityID   string
	Sequence   uint64
	Correction *Correction
	NewOwnerID string
}

// eventHub fans events out to subscribers. Slow subscribers lose events
// rather than blocking the engine.
type eventHub struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	buffer  int
	closed  bool
	dropped atomic.Uint64
}

func newEventHub(buffer int) *eventHub {
	return &eventHub{subs: make(map[int]chan Event), buffer: buffer}
}

// subscribe returns a receive channel and its cancel function. Cancel is
// idempotent and safe after close.
func (h *eventHub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	ch := make(chan Event, h.buffer)
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
}

// emit delivers ev to every subscriber without blocking and returns how
// many deliveries were dropped on full buffers.
func (h *eventHub) emit(ev Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0
	}
	dropped := 0
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		h.dropped.Add(uint64(dropped))
	}
	return dropped
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
